package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 64, cfg.Engine.MaxSteps)
	assert.Equal(t, 30*time.Minute, cfg.Engine.RunTimeout)
	assert.Equal(t, "@every 6h", cfg.Retention.Schedule)
	assert.Equal(t, policy.DefaultLicense(), cfg.LicensePolicy())
}

func TestLoad_JSONFile(t *testing.T) {
	path := writeConfig(t, "agentd.json", `{
		"server": {"addr": "127.0.0.1:7070", "auth_token": "file-token"},
		"engine": {"max_steps": 8, "run_timeout": "2m", "step_timeout": "30s"},
		"license": {"tier": "pro", "high_impact_min": "founder"},
		"workspace": {"allowed_roots": ["/srv/projects"]},
		"doctor": {"allowlist": {"uname": ["*"]}},
		"retention": {"keep_last": 5}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7070", cfg.Server.Addr)
	assert.Equal(t, "file-token", cfg.Server.AuthToken)
	assert.Equal(t, 8, cfg.Engine.MaxSteps)
	assert.Equal(t, 2*time.Minute, cfg.Engine.RunTimeout)
	assert.Equal(t, 30*time.Second, cfg.Engine.StepTimeout)
	assert.Equal(t, []string{"/srv/projects"}, cfg.Workspace.AllowedRoots)
	assert.Equal(t, map[string][]string{"uname": {"*"}}, cfg.Doctor.Allowlist)
	assert.Equal(t, 5, cfg.Retention.KeepLast)
	assert.Equal(t, 30, cfg.Retention.KeepDays, "unset keys keep their defaults")
	assert.Equal(t, policy.TierFounder, cfg.LicensePolicy().HighImpactMin)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeConfig(t, "agentd.yaml", "engine:\n  max_steps: 3\nlog:\n  format: json\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Engine.MaxSteps)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RINAWARP_AUTH_TOKEN", "env-token")
	t.Setenv("RINAWARP_ENGINE_MAX_STEPS", "12")
	t.Setenv("RINAWARP_WORKSPACE_ALLOWED_ROOTS", "/a,/b")

	path := writeConfig(t, "agentd.json", `{"engine": {"max_steps": 8}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Server.AuthToken)
	assert.Equal(t, 12, cfg.Engine.MaxSteps)
	assert.Equal(t, []string{"/a", "/b"}, cfg.Workspace.AllowedRoots)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Addr, cfg.Server.Addr)
}

func TestLoad_RejectsSchemaViolations(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"unknown key":   `{"engine": {"max_step": 3}}`,
		"bad tier":      `{"license": {"tier": "platinum"}}`,
		"bad duration":  `{"engine": {"run_timeout": "soon"}}`,
		"zero steps":    `{"engine": {"max_steps": 0}}`,
		"bad log":       `{"log": {"format": "xml"}}`,
		"bad url":       `{"license": {"server_url": "ftp://x"}}`,
		"wrong type":    `{"workspace": {"allowed_roots": "/srv"}}`,
		"top level key": `{"agents": {}}`,
	}
	for name, body := range cases {
		name, body := name, body
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, "agentd.json", body))
			assert.ErrorIs(t, err, ErrSchema)
		})
	}
}

func TestLoad_RejectsSemanticViolations(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"step exceeds run": `{"engine": {"run_timeout": "1m", "step_timeout": "2m"}}`,
		"relative root":    `{"workspace": {"allowed_roots": ["projects"]}}`,
		"bad schedule":     `{"retention": {"schedule": "every so often"}}`,
	}
	for name, body := range cases {
		name, body := name, body
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, "agentd.json", body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid config")
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("RINAWARP_TEST_DOTENV=loaded\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("RINAWARP_TEST_DOTENV") })

	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "loaded", os.Getenv("RINAWARP_TEST_DOTENV"))
	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}
