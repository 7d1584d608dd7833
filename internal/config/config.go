package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"workshopd/internal/observability"
)

// SteamConfig holds credentials and tuning for the external steam tool.
type SteamConfig struct {
	CmdPath   string `mapstructure:"cmd_path" yaml:"cmd_path"`
	Username  string `mapstructure:"username" yaml:"username"`
	Password  string `mapstructure:"password" yaml:"password"`
	GuardCode string `mapstructure:"guard_code" yaml:"guard_code"`

	FetchTimeout       time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	VerifyTimeout      time.Duration `mapstructure:"verify_timeout" yaml:"verify_timeout"`
	SessionCacheWindow time.Duration `mapstructure:"session_cache_window" yaml:"session_cache_window"`
	RetryAttempts      int           `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryBaseDelay     time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
}

// Anonymous reports whether the service runs without steam credentials.
func (s SteamConfig) Anonymous() bool {
	return s.Username == ""
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Port          int    `mapstructure:"port" yaml:"port"`
	ObserverToken string `mapstructure:"observer_token" yaml:"observer_token"`
	PublicBaseURL string `mapstructure:"public_base_url" yaml:"public_base_url"`
}

// Config is the full service configuration. Defaults match the documented
// operational numbers; every field can be overridden via WORKSHOPD_* env vars
// or an optional yaml file.
type Config struct {
	DownloadRoot    string `mapstructure:"download_root" yaml:"download_root"`
	AppID           uint64 `mapstructure:"app_id" yaml:"app_id"`
	MaxConcurrent   int    `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	MaxArchiveBytes int64  `mapstructure:"max_archive_bytes" yaml:"max_archive_bytes"`
	LogRingCapacity int    `mapstructure:"log_ring_capacity" yaml:"log_ring_capacity"`
	LogBurst        int    `mapstructure:"log_burst" yaml:"log_burst"`

	JobTimeout    time.Duration `mapstructure:"job_timeout" yaml:"job_timeout"`
	BuildTimeout  time.Duration `mapstructure:"build_timeout" yaml:"build_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`

	HistoryEndpoint string `mapstructure:"history_endpoint" yaml:"history_endpoint"`
	HistoryLimit    int    `mapstructure:"history_limit" yaml:"history_limit"`

	Steam   SteamConfig                   `mapstructure:"steam" yaml:"steam"`
	Server  ServerConfig                  `mapstructure:"server" yaml:"server"`
	Logging observability.LogConfig       `mapstructure:"logging" yaml:"logging"`
	Metrics observability.MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Tracing observability.TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DownloadRoot:    filepath.Join(os.TempDir(), "workshopd"),
		AppID:           108600,
		MaxConcurrent:   3,
		MaxArchiveBytes: 20 << 30,
		LogRingCapacity: 1000,
		LogBurst:        50,
		JobTimeout:      2 * time.Hour,
		BuildTimeout:    30 * time.Minute,
		SweepInterval:   10 * time.Minute,
		HistoryLimit:    500,
		Steam: SteamConfig{
			CmdPath:            "steamcmd",
			FetchTimeout:       2 * time.Hour,
			VerifyTimeout:      30 * time.Second,
			SessionCacheWindow: 30 * time.Minute,
			RetryAttempts:      5,
			RetryBaseDelay:     2 * time.Second,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Logging: observability.LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: observability.MetricsConfig{
			Enabled:        false,
			PrometheusPort: 9090,
		},
		Tracing: observability.TracingConfig{
			Enabled:      false,
			Exporter:     "otlp",
			OTLPEndpoint: "localhost:4318",
			SampleRate:   1.0,
		},
	}
}

// Load reads configuration from the optional file at path (empty means no
// file) layered over env vars layered over defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	bindDefaults(v)

	v.SetEnvPrefix("WORKSHOPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func bindDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("download_root", def.DownloadRoot)
	v.SetDefault("app_id", def.AppID)
	v.SetDefault("max_concurrent", def.MaxConcurrent)
	v.SetDefault("max_archive_bytes", def.MaxArchiveBytes)
	v.SetDefault("log_ring_capacity", def.LogRingCapacity)
	v.SetDefault("log_burst", def.LogBurst)
	v.SetDefault("job_timeout", def.JobTimeout)
	v.SetDefault("build_timeout", def.BuildTimeout)
	v.SetDefault("sweep_interval", def.SweepInterval)
	v.SetDefault("history_endpoint", def.HistoryEndpoint)
	v.SetDefault("history_limit", def.HistoryLimit)
	v.SetDefault("steam.cmd_path", def.Steam.CmdPath)
	v.SetDefault("steam.username", def.Steam.Username)
	v.SetDefault("steam.password", def.Steam.Password)
	v.SetDefault("steam.guard_code", def.Steam.GuardCode)
	v.SetDefault("steam.fetch_timeout", def.Steam.FetchTimeout)
	v.SetDefault("steam.verify_timeout", def.Steam.VerifyTimeout)
	v.SetDefault("steam.session_cache_window", def.Steam.SessionCacheWindow)
	v.SetDefault("steam.retry_attempts", def.Steam.RetryAttempts)
	v.SetDefault("steam.retry_base_delay", def.Steam.RetryBaseDelay)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.observer_token", def.Server.ObserverToken)
	v.SetDefault("server.public_base_url", def.Server.PublicBaseURL)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("metrics.enabled", def.Metrics.Enabled)
	v.SetDefault("metrics.prometheus_port", def.Metrics.PrometheusPort)
	v.SetDefault("tracing.enabled", def.Tracing.Enabled)
	v.SetDefault("tracing.exporter", def.Tracing.Exporter)
	v.SetDefault("tracing.otlp_endpoint", def.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.zipkin_endpoint", def.Tracing.ZipkinEndpoint)
	v.SetDefault("tracing.sample_rate", def.Tracing.SampleRate)
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	if c.DownloadRoot == "" {
		return fmt.Errorf("download_root must be set")
	}
	if c.AppID == 0 {
		return fmt.Errorf("app_id must be set")
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", c.MaxConcurrent)
	}
	if c.MaxArchiveBytes < 1 {
		return fmt.Errorf("max_archive_bytes must be positive")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Steam.CmdPath == "" {
		return fmt.Errorf("steam.cmd_path must be set")
	}
	if c.Steam.Password != "" && c.Steam.Username == "" {
		return fmt.Errorf("steam.password set without steam.username")
	}
	if c.Steam.RetryAttempts < 1 {
		return fmt.Errorf("steam.retry_attempts must be at least 1")
	}
	return nil
}
