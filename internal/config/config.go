package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Directory backend types
const (
	DirectoryTypeFile     = "file"
	DirectoryTypeStatic   = "static"
	DirectoryTypeRedis    = "redis"
	DirectoryTypePostgres = "postgres"
)

// TLSConfig holds TLS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// ProxyConfig holds the addressing and forwarding settings of the proxy
type ProxyConfig struct {
	// Public hostname; requests to exactly this host are path style,
	// requests to <bucket>.<hostname> are virtual-hosted style
	Hostname string `mapstructure:"hostname"`

	// Optional path segment in front of the bucket name for path-style requests
	PathPrefix string `mapstructure:"path_prefix"`

	// Redirect target for GET / on the bare hostname (empty = no redirect)
	AdminURL string `mapstructure:"admin_url"`

	// Extra header names removed before forwarding
	DropHeaders []string `mapstructure:"drop_headers"`

	// Maximum accepted difference between the signing time and now (0 = not enforced)
	MaxClockSkew time.Duration `mapstructure:"max_clock_skew"`

	// Largest body buffered to hash an unsigned payload
	MaxBufferedBody int64 `mapstructure:"max_buffered_body"`

	UpstreamTimeout    time.Duration `mapstructure:"upstream_timeout"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"` // Only for development/testing
}

// FileDirectoryConfig holds the YAML bucket file settings
type FileDirectoryConfig struct {
	Path string `mapstructure:"path"`
}

// StaticDirectoryConfig holds buckets declared inline in the config file
type StaticDirectoryConfig struct {
	Buckets map[string]map[string]interface{} `mapstructure:"buckets"`
}

// RedisDirectoryConfig holds the redis directory settings
type RedisDirectoryConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// PostgresDirectoryConfig holds the postgres directory settings
type PostgresDirectoryConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// DirectoryConfig selects and configures the bucket directory backend
type DirectoryConfig struct {
	Type     string                  `mapstructure:"type"`
	File     FileDirectoryConfig     `mapstructure:"file"`
	Static   StaticDirectoryConfig   `mapstructure:"static"`
	Redis    RedisDirectoryConfig    `mapstructure:"redis"`
	Postgres PostgresDirectoryConfig `mapstructure:"postgres"`
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`      // Enable/disable monitoring
	BindAddress string `mapstructure:"bind_address"` // Address to bind monitoring server (default: :9090)
	MetricsPath string `mapstructure:"metrics_path"` // Path for metrics endpoint (default: /metrics)
}

// TracingConfig holds OpenTelemetry exporter configuration
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Protocol    string  `mapstructure:"protocol"` // "grpc" (default) or "http"
	SampleRatio float64 `mapstructure:"sample_ratio"`
	ServiceName string  `mapstructure:"service_name"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Config holds the application configuration
type Config struct {
	// Server configuration
	BindAddress       string    `mapstructure:"bind_address"`
	LogLevel          string    `mapstructure:"log_level"`
	LogFormat         string    `mapstructure:"log_format"` // "text" (default) or "json"
	LogFile           string    `mapstructure:"log_file"`   // empty = stdout
	LogMaxSizeMB      int       `mapstructure:"log_max_size_mb"`
	LogMaxBackups     int       `mapstructure:"log_max_backups"`
	LogMaxAgeDays     int       `mapstructure:"log_max_age_days"`
	LogHealthRequests bool      `mapstructure:"log_health_requests"`
	ShutdownTimeout   int       `mapstructure:"shutdown_timeout"` // Graceful shutdown timeout in seconds
	TLS               TLSConfig `mapstructure:"tls"`

	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Directory DirectoryConfig `mapstructure:"directory"`

	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	CORS       CORSConfig       `mapstructure:"cors"`
}

// InitConfig initializes the configuration system
func InitConfig(cfgFile string) {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		// Search config in home directory with name ".s3-bucket-proxy" (without extension)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".s3-bucket-proxy")
	}

	// S3BP_PROXY_HOSTNAME -> proxy.hostname
	viper.SetEnvPrefix("S3BP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// Load loads the configuration from viper
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	normalize(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("bind_address", "0.0.0.0:8080")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "text")
	viper.SetDefault("log_max_size_mb", 100)
	viper.SetDefault("log_max_backups", 3)
	viper.SetDefault("log_max_age_days", 28)
	viper.SetDefault("log_health_requests", false)
	viper.SetDefault("shutdown_timeout", 30)

	viper.SetDefault("tls.enabled", false)

	viper.SetDefault("proxy.path_prefix", "")
	viper.SetDefault("proxy.max_clock_skew", "0s")
	viper.SetDefault("proxy.max_buffered_body", 64*1024*1024) // 64MB
	viper.SetDefault("proxy.upstream_timeout", "60s")
	viper.SetDefault("proxy.insecure_skip_verify", false)

	viper.SetDefault("directory.type", DirectoryTypeFile)
	viper.SetDefault("directory.file.path", "config/buckets.yaml")
	viper.SetDefault("directory.redis.address", "localhost:6379")
	viper.SetDefault("directory.redis.key_prefix", "bucket:")
	viper.SetDefault("directory.postgres.table", "buckets")

	viper.SetDefault("monitoring.enabled", false)
	viper.SetDefault("monitoring.bind_address", ":9090")
	viper.SetDefault("monitoring.metrics_path", "/metrics")

	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.protocol", "grpc")
	viper.SetDefault("tracing.sample_ratio", 1.0)
	viper.SetDefault("tracing.service_name", "s3-bucket-proxy")

	viper.SetDefault("cors.enabled", false)
}

// normalize trims values that are compared literally at request time
func normalize(cfg *Config) {
	cfg.Proxy.Hostname = strings.ToLower(strings.TrimSpace(cfg.Proxy.Hostname))
	cfg.Proxy.PathPrefix = strings.Trim(strings.TrimSpace(cfg.Proxy.PathPrefix), "/")
	cfg.Directory.Type = strings.ToLower(strings.TrimSpace(cfg.Directory.Type))
	cfg.Tracing.Protocol = strings.ToLower(strings.TrimSpace(cfg.Tracing.Protocol))
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Proxy.Hostname == "" {
		return fmt.Errorf("proxy.hostname is required")
	}
	if strings.ContainsAny(cfg.Proxy.Hostname, ":/") {
		return fmt.Errorf("proxy.hostname must be a bare host name without scheme or port: %s", cfg.Proxy.Hostname)
	}
	if strings.Contains(cfg.Proxy.PathPrefix, "/") {
		return fmt.Errorf("proxy.path_prefix must be a single path segment: %s", cfg.Proxy.PathPrefix)
	}
	if cfg.Proxy.AdminURL != "" {
		u, err := url.Parse(cfg.Proxy.AdminURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("proxy.admin_url must be an absolute URL: %s", cfg.Proxy.AdminURL)
		}
	}
	if cfg.Proxy.MaxClockSkew < 0 {
		return fmt.Errorf("proxy.max_clock_skew cannot be negative")
	}
	if cfg.Proxy.MaxBufferedBody <= 0 {
		return fmt.Errorf("proxy.max_buffered_body must be positive")
	}
	if cfg.Proxy.UpstreamTimeout < 0 {
		return fmt.Errorf("proxy.upstream_timeout cannot be negative")
	}

	if err := validateDirectory(&cfg.Directory); err != nil {
		return err
	}

	if cfg.TLS.Enabled {
		if cfg.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when TLS is enabled")
		}
		if cfg.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when TLS is enabled")
		}

		// Check if certificate files exist
		if _, err := os.Stat(cfg.TLS.CertFile); os.IsNotExist(err) {
			return fmt.Errorf("TLS certificate file does not exist: %s", cfg.TLS.CertFile)
		}
		if _, err := os.Stat(cfg.TLS.KeyFile); os.IsNotExist(err) {
			return fmt.Errorf("TLS key file does not exist: %s", cfg.TLS.KeyFile)
		}
	}

	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format: unsupported format '%s' (supported: text, json)", cfg.LogFormat)
	}

	if cfg.Tracing.Enabled {
		if cfg.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
		}
		if cfg.Tracing.Protocol != "grpc" && cfg.Tracing.Protocol != "http" {
			return fmt.Errorf("tracing.protocol: unsupported protocol '%s' (supported: grpc, http)", cfg.Tracing.Protocol)
		}
		if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
			return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
		}
	}

	return nil
}

func validateDirectory(d *DirectoryConfig) error {
	switch d.Type {
	case DirectoryTypeFile:
		if d.File.Path == "" {
			return fmt.Errorf("directory.file.path is required when directory.type is file")
		}
	case DirectoryTypeStatic:
		if len(d.Static.Buckets) == 0 {
			return fmt.Errorf("directory.static.buckets cannot be empty when directory.type is static")
		}
	case DirectoryTypeRedis:
		if d.Redis.Address == "" {
			return fmt.Errorf("directory.redis.address is required when directory.type is redis")
		}
	case DirectoryTypePostgres:
		if d.Postgres.DSN == "" {
			return fmt.Errorf("directory.postgres.dsn is required when directory.type is postgres")
		}
	default:
		return fmt.Errorf("directory.type: unsupported type '%s' (supported: file, static, redis, postgres)", d.Type)
	}
	return nil
}
