package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds all configuration for StratumFS.
type Config struct {
	// Server configuration
	Hostname string `mapstructure:"hostname"`
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`

	// Storage configuration
	Storage StorageConfig `mapstructure:"storage"`

	// Auth configuration
	Auth AuthConfig `mapstructure:"auth"`

	// Lifecycle janitor configuration
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`

	// Metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// StorageConfig defines the persistent state layout.
type StorageConfig struct {
	// DataDir is the root for the metadata database, object bodies and
	// staged multipart parts.
	DataDir string `mapstructure:"data_dir"`

	// MinPartSize is the minimum size of every non-final multipart part.
	MinPartSize int64 `mapstructure:"min_part_size"`
}

// AuthConfig defines the authentication boundary configuration.
type AuthConfig struct {
	// Seed credentials for the built-in admin user. When empty, a
	// default (admin, password) row is inserted on first run.
	AdminAccessKey string `mapstructure:"admin_access_key"`
	AdminSecretKey string `mapstructure:"admin_secret_key"`

	// TestBypassPrincipal skips access evaluation for the named
	// principal. MUST stay empty in production deployments.
	TestBypassPrincipal string `mapstructure:"test_bypass_principal"`

	// AnonymousAdminBuckets evaluates unauthenticated requests against
	// admin-owned buckets as if they came from admin. Off by default.
	AnonymousAdminBuckets bool `mapstructure:"anonymous_admin_buckets"`
}

// LifecycleConfig controls the background janitor.
type LifecycleConfig struct {
	Interval            time.Duration `mapstructure:"interval"`
	MultipartAbortAfter time.Duration `mapstructure:"multipart_abort_after"`
}

// MetricsConfig defines metrics configuration.
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// Load loads configuration from flags, an optional config file and
// STRATUMFS_* environment variables, in that order of precedence.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("STRATUMFS")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("hostname", "127.0.0.1")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")

	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.min_part_size", int64(5*1024*1024))

	v.SetDefault("auth.admin_access_key", "")
	v.SetDefault("auth.admin_secret_key", "")
	v.SetDefault("auth.test_bypass_principal", "")
	v.SetDefault("auth.anonymous_admin_buckets", false)

	v.SetDefault("lifecycle.interval", time.Hour)
	v.SetDefault("lifecycle.multipart_abort_after", time.Hour)

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"hostname":           "hostname",
		"port":               "port",
		"storage":            "storage.data_dir",
		"log-level":          "log_level",
		"lifecycle-interval": "lifecycle.interval",
	}

	for flag, key := range flags {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}

	return nil
}

func validate(cfg *Config) error {
	if cfg.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("port out of range: %d", cfg.Port)
	}
	if cfg.Storage.MinPartSize <= 0 {
		return fmt.Errorf("storage.min_part_size must be positive")
	}
	if cfg.Lifecycle.Interval <= 0 {
		cfg.Lifecycle.Interval = time.Hour
	}
	if cfg.Lifecycle.MultipartAbortAfter <= 0 {
		cfg.Lifecycle.MultipartAbortAfter = time.Hour
	}

	if !filepath.IsAbs(cfg.Storage.DataDir) {
		abs, err := filepath.Abs(cfg.Storage.DataDir)
		if err == nil {
			cfg.Storage.DataDir = abs
		}
	}
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// DatabasePath returns the location of the embedded metadata database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Storage.DataDir, "stratumfs.db")
}

// ObjectsDir returns the root of the object body tree.
func (c *Config) ObjectsDir() string {
	return filepath.Join(c.Storage.DataDir, "objects")
}

// UploadsDir returns the root of the staged multipart part tree.
func (c *Config) UploadsDir() string {
	return filepath.Join(c.Storage.DataDir, "uploads")
}

// ListenAddr returns the host:port pair the server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.Port)
}
