package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.MaxConcurrent)
	assert.Equal(t, uint64(108600), cfg.AppID)
	assert.Equal(t, 2*time.Hour, cfg.JobTimeout)
	assert.Equal(t, 30*time.Minute, cfg.BuildTimeout)
	assert.Equal(t, 10*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 1000, cfg.LogRingCapacity)
	assert.Equal(t, 50, cfg.LogBurst)
	assert.Equal(t, 5, cfg.Steam.RetryAttempts)
	assert.Equal(t, 30*time.Second, cfg.Steam.VerifyTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Steam.SessionCacheWindow)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.Steam.Anonymous())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WORKSHOPD_MAX_CONCURRENT", "1")
	t.Setenv("WORKSHOPD_APP_ID", "255710")
	t.Setenv("WORKSHOPD_STEAM_USERNAME", "downloader")
	t.Setenv("WORKSHOPD_STEAM_FETCH_TIMEOUT", "45m")
	t.Setenv("WORKSHOPD_SERVER_PORT", "9000")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.MaxConcurrent)
	assert.Equal(t, uint64(255710), cfg.AppID)
	assert.Equal(t, "downloader", cfg.Steam.Username)
	assert.Equal(t, 45*time.Minute, cfg.Steam.FetchTimeout)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.False(t, cfg.Steam.Anonymous())
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workshopd.yaml")
	content := `
download_root: /srv/workshopd
max_concurrent: 2
steam:
  cmd_path: /opt/steamcmd/steamcmd.sh
  retry_attempts: 3
server:
  port: 8181
  observer_token: secret
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/workshopd", cfg.DownloadRoot)
	assert.Equal(t, 2, cfg.MaxConcurrent)
	assert.Equal(t, "/opt/steamcmd/steamcmd.sh", cfg.Steam.CmdPath)
	assert.Equal(t, 3, cfg.Steam.RetryAttempts)
	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Equal(t, "secret", cfg.Server.ObserverToken)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero app id", func(c *Config) { c.AppID = 0 }},
		{"empty download root", func(c *Config) { c.DownloadRoot = "" }},
		{"zero concurrency", func(c *Config) { c.MaxConcurrent = 0 }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"empty steamcmd path", func(c *Config) { c.Steam.CmdPath = "" }},
		{"password without username", func(c *Config) { c.Steam.Password = "hunter2" }},
		{"zero retries", func(c *Config) { c.Steam.RetryAttempts = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
