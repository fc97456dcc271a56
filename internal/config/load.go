package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. RINAWARP_SERVER_ADDR.
const EnvPrefix = "RINAWARP"

// DefaultPath is the config file looked up when none is given.
var DefaultPath = filepath.Join(".rinawarp", "agentd.json")

// LoadEnvFile loads KEY=value pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load reads the config file at path, applies RINAWARP_* environment
// overrides and defaults, and validates the result. An empty path uses
// DefaultPath, which may be absent; an explicit path must exist.
func Load(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("server.auth_token", EnvPrefix+"_SERVER_AUTH_TOKEN", EnvPrefix+"_AUTH_TOKEN"); err != nil {
		return Config{}, fmt.Errorf("bind auth token env: %w", err)
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		settings, err := decodeFile(path, raw)
		if err != nil {
			return Config{}, err
		}
		if err := ValidateSettings(settings); err != nil {
			return Config{}, err
		}
		v.SetConfigFile(path)
		v.SetConfigType(fileType(path))
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Doctor.Allowlist != nil && len(cfg.Doctor.Allowlist) == 0 {
		cfg.Doctor.Allowlist = nil
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every leaf key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.auth_token", d.Server.AuthToken)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("server.shutdown_grace", d.Server.ShutdownGrace)
	v.SetDefault("engine.max_steps", d.Engine.MaxSteps)
	v.SetDefault("engine.run_timeout", d.Engine.RunTimeout)
	v.SetDefault("engine.step_timeout", d.Engine.StepTimeout)
	v.SetDefault("engine.max_output_bytes", d.Engine.MaxOutputBytes)
	v.SetDefault("license.server_url", d.License.ServerURL)
	v.SetDefault("license.customer_id", d.License.CustomerID)
	v.SetDefault("license.device_id", d.License.DeviceID)
	v.SetDefault("license.tier", d.License.Tier)
	v.SetDefault("license.high_impact_min", d.License.HighImpactMin)
	v.SetDefault("license.timeout", d.License.Timeout)
	v.SetDefault("license.cache_ttl", d.License.CacheTTL)
	v.SetDefault("workspace.allowed_roots", d.Workspace.AllowedRoots)
	v.SetDefault("retention.keep_last", d.Retention.KeepLast)
	v.SetDefault("retention.keep_days", d.Retention.KeepDays)
	v.SetDefault("retention.schedule", d.Retention.Schedule)
	v.SetDefault("log.debug", d.Log.Debug)
	v.SetDefault("log.format", d.Log.Format)
}

func fileType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

func decodeFile(path string, raw []byte) (map[string]any, error) {
	settings := map[string]any{}
	var err error
	if fileType(path) == "yaml" {
		err = yaml.Unmarshal(raw, &settings)
	} else {
		err = json.Unmarshal(raw, &settings)
	}
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return settings, nil
}
