package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration loaded from files and environment variables.
type Config struct {
	AppName  string `mapstructure:"app_name"`
	Env      string `mapstructure:"app_env"`
	LogLevel string `mapstructure:"log_level"`

	DashboardURL   string `mapstructure:"dashboard_url"`
	DashboardUser  string `mapstructure:"dashboard_user"`
	DashboardToken string `mapstructure:"dashboard_token"`
	APIUser        string `mapstructure:"api_user"`

	UseProxy      bool     `mapstructure:"use_proxy"`
	ProxyHost     string   `mapstructure:"proxy_host"`
	ProxyPort     int      `mapstructure:"proxy_port"`
	ProxyUsername string   `mapstructure:"proxy_username"`
	ProxyPassword string   `mapstructure:"proxy_password"`
	NoProxyHosts  []string `mapstructure:"no_proxy_hosts"`

	// Zero keeps the transport defaults: no overall request deadline.
	RequestTimeoutSeconds int64         `mapstructure:"request_timeout_seconds"`
	RequestTimeout        time.Duration `mapstructure:"-"`

	PublishersFile string `mapstructure:"publishers_file"`

	SpoolDir             string        `mapstructure:"spool_dir"`
	SpoolIntervalSeconds int64         `mapstructure:"spool_interval"`
	SpoolInterval        time.Duration `mapstructure:"-"`

	StorageType            string        `mapstructure:"storage_type"`
	BBoltPath              string        `mapstructure:"bbolt_path"`
	StorageTTLSeconds      int64         `mapstructure:"storage_ttl_seconds"`
	StorageCleanupSeconds  int64         `mapstructure:"storage_cleanup_interval_seconds"`
	StorageTTL             time.Duration `mapstructure:"-"`
	StorageCleanupInterval time.Duration `mapstructure:"-"`
}

// HasProxy reports whether a proxy host is configured.
func (c *Config) HasProxy() bool {
	return c != nil && strings.TrimSpace(c.ProxyHost) != ""
}

// Load reads configuration from environment variables and config files.
func Load() (*Config, error) {
	_ = godotenv.Load("configs/.env")

	v := viper.New()

	v.SetDefault("app_name", "dashboard-publisher")
	v.SetDefault("app_env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("dashboard_url", "")
	v.SetDefault("dashboard_user", "")
	v.SetDefault("dashboard_token", "")
	v.SetDefault("api_user", "")
	v.SetDefault("use_proxy", false)
	v.SetDefault("proxy_host", "")
	v.SetDefault("proxy_port", 0)
	v.SetDefault("proxy_username", "")
	v.SetDefault("proxy_password", "")
	v.SetDefault("no_proxy_hosts", "")
	v.SetDefault("request_timeout_seconds", 0)
	v.SetDefault("publishers_file", "./configs/publishers.yaml")
	v.SetDefault("spool_dir", "./data/spool")
	v.SetDefault("spool_interval", 30) // seconds
	v.SetDefault("storage_type", "bbolt")
	v.SetDefault("bbolt_path", "./data/reported.db")
	v.SetDefault("storage_ttl_seconds", int64((7*24*time.Hour)/time.Second))
	v.SetDefault("storage_cleanup_interval_seconds", int64((12*time.Hour)/time.Second))

	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.NoProxyHosts = splitList(v.GetString("no_proxy_hosts"))

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	c.DashboardURL = strings.TrimRight(strings.TrimSpace(c.DashboardURL), "/")
	c.ProxyHost = strings.TrimSpace(c.ProxyHost)

	if c.ProxyHost != "" && (c.ProxyPort <= 0 || c.ProxyPort > 65535) {
		return fmt.Errorf("invalid proxy_port %d (must be 1-65535)", c.ProxyPort)
	}
	if c.RequestTimeoutSeconds < 0 {
		return fmt.Errorf("invalid request_timeout_seconds (must not be negative)")
	}
	c.RequestTimeout = time.Duration(c.RequestTimeoutSeconds) * time.Second

	if c.SpoolIntervalSeconds <= 0 {
		return fmt.Errorf("invalid spool_interval (must be positive seconds)")
	}
	c.SpoolInterval = time.Duration(c.SpoolIntervalSeconds) * time.Second

	if c.StorageTTLSeconds <= 0 {
		return fmt.Errorf("invalid storage_ttl_seconds (must be positive seconds)")
	}
	if c.StorageCleanupSeconds <= 0 {
		return fmt.Errorf("invalid storage_cleanup_interval_seconds (must be positive seconds)")
	}
	c.StorageTTL = time.Duration(c.StorageTTLSeconds) * time.Second
	c.StorageCleanupInterval = time.Duration(c.StorageCleanupSeconds) * time.Second
	return nil
}

// splitList accepts comma, pipe or whitespace separated entries.
func splitList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '|' || r == ' ' || r == '\n' || r == '\t'
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}
