// Package bootstrap loads the daemon's startup configuration: the
// settings needed before the engine exists at all (TFTP root, plugin
// root, plugin-server URL defaults, optional Redis address for the
// download rate limiter, HTTP bind address). Grounded on the teacher's
// internal/config.LoadConfig: same
// viper SetDefault/AutomaticEnv/mapstructure/Validate shape, narrowed to
// provd's own settings rather than the teacher's alert-pipeline
// profile/storage/webhook config (the teacher's hot-reload
// internal/config tree is not carried; see DESIGN.md).
//
// This is deliberately separate from the engine-level configure-service
// registry (internal/configureservice, spec §4.9): that one is a small,
// runtime-mutable set of parameters persisted to its own JSON file and
// changeable over the REST API without a restart. This package is read
// once at process start.
package bootstrap

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/proformatique/provd/internal/logging"
)

// Config holds the settings provd needs before it can assemble an
// engine.Engine.
type Config struct {
	TFTPRoot        string `mapstructure:"tftp_root"`
	PluginRoot      string `mapstructure:"plugin_root"`
	PluginServerURL string `mapstructure:"plugin_server_url"`

	HTTPBindAddr string `mapstructure:"http_bind_addr"`

	DevicesPath        string `mapstructure:"devices_path"`
	ConfigsPath        string `mapstructure:"configs_path"`
	ConfigureStorePath string `mapstructure:"configure_store_path"`

	// RedisAddr, when set, backs the plugin-download rate limiter
	// (internal/pluginmgr/ratelimit) with a real Redis instead of leaving
	// downloads unthrottled. Empty disables the limiter.
	RedisAddr       string  `mapstructure:"redis_addr"`
	DownloadRateRPS float64 `mapstructure:"download_rate_rps"`
	DownloadBurst   float64 `mapstructure:"download_burst"`

	ResolvedCacheSize int `mapstructure:"resolved_cache_size"`

	Log logging.Config `mapstructure:"log"`
}

// Load reads configuration from an optional YAML file at path, then
// layers PROVD_-prefixed environment variables on top (spec SPEC_FULL
// "AMBIENT STACK / Configuration").
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("provd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("bootstrap: read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("bootstrap: unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("tftp_root", "/var/lib/provd/tftpboot")
	v.SetDefault("plugin_root", "/var/lib/provd/plugins")
	v.SetDefault("plugin_server_url", "https://provisioning.xivo.solutions")

	v.SetDefault("http_bind_addr", "0.0.0.0:8667")

	v.SetDefault("devices_path", "/var/lib/provd/devices.json")
	v.SetDefault("configs_path", "/var/lib/provd/configs.json")
	v.SetDefault("configure_store_path", "/var/lib/provd/configure.json")

	v.SetDefault("redis_addr", "")
	v.SetDefault("download_rate_rps", 2.0) // plugin downloads/sec once RedisAddr is set
	v.SetDefault("download_burst", 5.0)

	v.SetDefault("resolved_cache_size", 256)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)
}

// Validate checks the loaded settings for obvious misconfiguration
// before the engine is assembled.
func (c *Config) Validate() error {
	if c.TFTPRoot == "" {
		return fmt.Errorf("tftp_root cannot be empty")
	}
	if c.PluginRoot == "" {
		return fmt.Errorf("plugin_root cannot be empty")
	}
	if c.HTTPBindAddr == "" {
		return fmt.Errorf("http_bind_addr cannot be empty")
	}
	if c.ResolvedCacheSize <= 0 {
		return fmt.Errorf("resolved_cache_size must be positive")
	}
	return nil
}
