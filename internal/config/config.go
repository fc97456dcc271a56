// Package config provides configuration loading and management for the
// agent daemon and CLI.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/audit"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/db"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/policy"
)

// Config is the root configuration.
type Config struct {
	StateDir  string          `json:"state_dir" mapstructure:"state_dir"`
	Server    ServerConfig    `json:"server"    mapstructure:"server"`
	Engine    EngineConfig    `json:"engine"    mapstructure:"engine"`
	License   LicenseConfig   `json:"license"   mapstructure:"license"`
	Workspace WorkspaceConfig `json:"workspace" mapstructure:"workspace"`
	Doctor    DoctorConfig    `json:"doctor"    mapstructure:"doctor"`
	Retention RetentionPolicy `json:"retention" mapstructure:"retention"`
	Log       LogConfig       `json:"log"       mapstructure:"log"`
}

// ServerConfig configures the local HTTP daemon.
type ServerConfig struct {
	Addr string `json:"addr" mapstructure:"addr"`
	// AuthToken is the bearer token clients must present. Empty disables auth.
	AuthToken      string        `json:"auth_token,omitempty"      mapstructure:"auth_token"`
	AllowedOrigins []string      `json:"allowed_origins,omitempty" mapstructure:"allowed_origins"`
	ShutdownGrace  time.Duration `json:"shutdown_grace,omitempty"  mapstructure:"shutdown_grace"`
}

// EngineConfig holds execution limits.
type EngineConfig struct {
	MaxSteps       int           `json:"max_steps"                  mapstructure:"max_steps"`
	RunTimeout     time.Duration `json:"run_timeout"                mapstructure:"run_timeout"`
	StepTimeout    time.Duration `json:"step_timeout"               mapstructure:"step_timeout"`
	MaxOutputBytes int           `json:"max_output_bytes,omitempty" mapstructure:"max_output_bytes"`
}

// LicenseConfig configures license verification. Without a server URL the
// static Tier is used.
type LicenseConfig struct {
	ServerURL     string        `json:"server_url,omitempty"      mapstructure:"server_url"`
	CustomerID    string        `json:"customer_id,omitempty"     mapstructure:"customer_id"`
	DeviceID      string        `json:"device_id,omitempty"       mapstructure:"device_id"`
	Tier          string        `json:"tier"                      mapstructure:"tier"`
	HighImpactMin string        `json:"high_impact_min,omitempty" mapstructure:"high_impact_min"`
	Timeout       time.Duration `json:"timeout,omitempty"         mapstructure:"timeout"`
	// CacheTTL bounds how long a verification answer is reused. Zero keeps
	// it for the process lifetime.
	CacheTTL time.Duration `json:"cache_ttl,omitempty" mapstructure:"cache_ttl"`
}

// WorkspaceConfig limits which project roots plans may target.
type WorkspaceConfig struct {
	AllowedRoots []string `json:"allowed_roots,omitempty" mapstructure:"allowed_roots"`
}

// DoctorConfig overrides the diagnostic command allowlist.
type DoctorConfig struct {
	Allowlist map[string][]string `json:"allowlist,omitempty" mapstructure:"allowlist"`
}

// RetentionPolicy defines how many old runs to keep.
type RetentionPolicy struct {
	KeepLast int `json:"keep_last,omitempty" mapstructure:"keep_last"`
	KeepDays int `json:"keep_days,omitempty" mapstructure:"keep_days"`
	// Schedule is a cron expression for automatic pruning while serving.
	// Empty disables it.
	Schedule string `json:"schedule,omitempty" mapstructure:"schedule"`
}

// LogConfig selects log verbosity and encoding.
type LogConfig struct {
	Debug  bool   `json:"debug"  mapstructure:"debug"`
	Format string `json:"format" mapstructure:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		StateDir: ".rinawarp",
		Server: ServerConfig{
			Addr:          "127.0.0.1:5055",
			ShutdownGrace: 10 * time.Second,
		},
		Engine: EngineConfig{
			MaxSteps:       64,
			RunTimeout:     30 * time.Minute,
			StepTimeout:    5 * time.Minute,
			MaxOutputBytes: 1 << 20,
		},
		License: LicenseConfig{
			Tier:          string(policy.TierStarter),
			HighImpactMin: string(policy.TierPro),
			Timeout:       10 * time.Second,
			CacheTTL:      time.Hour,
		},
		Retention: RetentionPolicy{KeepLast: 200, KeepDays: 30, Schedule: "@every 6h"},
		Log:       LogConfig{Format: "console"},
	}
}

// Validate checks semantic constraints the schema cannot express.
func (c Config) Validate() error {
	var errs []error
	if c.StateDir == "" {
		errs = append(errs, errors.New("state_dir must not be empty"))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr must not be empty"))
	}
	if c.Engine.MaxSteps <= 0 {
		errs = append(errs, errors.New("engine.max_steps must be > 0"))
	}
	if c.Engine.RunTimeout <= 0 {
		errs = append(errs, errors.New("engine.run_timeout must be > 0"))
	}
	if c.Engine.StepTimeout <= 0 {
		errs = append(errs, errors.New("engine.step_timeout must be > 0"))
	}
	if c.Engine.StepTimeout > c.Engine.RunTimeout {
		errs = append(errs, errors.New("engine.step_timeout must not exceed engine.run_timeout"))
	}
	if _, err := policy.ParseTier(c.License.Tier); err != nil {
		errs = append(errs, fmt.Errorf("license.tier: %w", err))
	}
	if c.License.HighImpactMin != "" {
		if _, err := policy.ParseTier(c.License.HighImpactMin); err != nil {
			errs = append(errs, fmt.Errorf("license.high_impact_min: %w", err))
		}
	}
	for _, root := range c.Workspace.AllowedRoots {
		if !filepath.IsAbs(root) {
			errs = append(errs, fmt.Errorf("workspace.allowed_roots: %q is not absolute", root))
		}
	}
	if c.Retention.Schedule != "" {
		if _, err := audit.ParseSchedule(c.Retention.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("retention.schedule: %w", err))
		}
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// LicensePolicy builds the license policy from the configured minimum.
func (c Config) LicensePolicy() policy.License {
	if c.License.HighImpactMin == "" {
		return policy.DefaultLicense()
	}
	tier, err := policy.ParseTier(c.License.HighImpactMin)
	if err != nil {
		return policy.DefaultLicense()
	}
	l, err := policy.NewLicense(tier)
	if err != nil {
		return policy.DefaultLicense()
	}
	return l
}

// RetentionPolicy returns the audit retention rules.
func (c Config) RetentionPolicy() audit.RetentionPolicy {
	return audit.RetentionPolicy{KeepLast: c.Retention.KeepLast, KeepDays: c.Retention.KeepDays}
}

// DBPath returns the audit database path.
func (c Config) DBPath() string {
	return db.Path(c.StateDir)
}
