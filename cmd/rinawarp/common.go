package main

import (
	"fmt"
	"net/http"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/audit"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/config"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/db"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/engine"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/license"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/policy"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/tools"
)

func openStore(cfg config.Config) (*audit.Store, func(), error) {
	database, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, func() {}, err
	}
	return audit.NewStore(database), func() { _ = database.Close() }, nil
}

func engineConfig(cfg config.Config) engine.Config {
	return engine.Config{
		MaxSteps:    cfg.Engine.MaxSteps,
		RunTimeout:  cfg.Engine.RunTimeout,
		StepTimeout: cfg.Engine.StepTimeout,
		License:     cfg.LicensePolicy(),
	}
}

func toolDeps(cfg config.Config) tools.Deps {
	return tools.Deps{MaxOutput: cfg.Engine.MaxOutputBytes, DoctorAllowlist: cfg.Doctor.Allowlist}
}

func newEngine(cfg config.Config) *engine.Engine {
	return engine.New(tools.NewStandardRegistry(toolDeps(cfg)), engineConfig(cfg))
}

func newDoctorEngine(cfg config.Config) *engine.Engine {
	return engine.New(tools.NewDoctorRegistry(toolDeps(cfg)), engineConfig(cfg))
}

func newLicenseClient(cfg config.Config) (*license.Client, error) {
	if cfg.License.ServerURL == "" {
		return nil, license.ErrNotConfigured
	}
	return license.NewClient(cfg.License.ServerURL, version, &http.Client{Timeout: cfg.License.Timeout}), nil
}

// newLicenseSession verifies against the license server when one is
// configured and falls back to the static tier otherwise.
func newLicenseSession(cfg config.Config) (*license.Session, error) {
	static, err := policy.ParseTier(cfg.License.Tier)
	if err != nil {
		return nil, fmt.Errorf("license.tier: %w", err)
	}
	client, err := newLicenseClient(cfg)
	if err != nil {
		return license.NewSession(nil, "", "", static, 0), nil
	}
	return license.NewSession(client, cfg.License.CustomerID, cfg.License.DeviceID, static, cfg.License.CacheTTL), nil
}
