package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/n3tuk/lfs-lock-service/internal/scheduler"
	"github.com/n3tuk/lfs-lock-service/internal/store"
)

// Config holds all configuration for the service.
type Config struct {
	// API server settings
	APIPort int
	APIHost string

	// Probe server settings
	ProbePort int
	ProbeHost string

	// Metrics server settings
	MetricsPort int
	MetricsHost string

	// TLS settings
	TLSEnabled bool
	TLSCert    string
	TLSKey     string

	// Logging settings
	LogLevel  string
	LogFormat string

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration

	// Health check settings
	HealthCheckTimeout       time.Duration
	HealthCheckCacheDuration time.Duration

	// Metrics settings
	MetricsNamespace       string
	MetricsCollectSchedule string

	// RepositoriesRoot is the directory holding the served git repositories.
	RepositoriesRoot string
	// RescanSchedule re-discovers repositories on a cron schedule.
	// Empty disables rescanning.
	RescanSchedule string

	// Lock settings
	DefaultRef       string
	NormalizePaths   bool
	PolicyFile       string
	DocumentationURL string

	// TrustedUserHeader names a header carrying a username already
	// authenticated by a proxy. Empty disables it.
	TrustedUserHeader string

	// Store selects and configures the lock storage backend.
	Store *store.Config
}

// Load reads configuration from environment variables, config file, and flags.
func Load() (*Config, error) {
	setDefaults()

	// Enable environment variable support with automatic replacement
	viper.SetEnvPrefix("LFSLOCK")
	viper.AutomaticEnv()
	// Replace . with _ in environment variable names (e.g., api.port -> LFSLOCK_API_PORT)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Try to read config file if it exists
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/lfs-lock-service/")

	// Reading config file is optional
	_ = viper.ReadInConfig()

	cfg := &Config{
		APIPort:                viper.GetInt("api.port"),
		APIHost:                viper.GetString("api.host"),
		ProbePort:              viper.GetInt("probe.port"),
		ProbeHost:              viper.GetString("probe.host"),
		MetricsPort:            viper.GetInt("metrics.port"),
		MetricsHost:            viper.GetString("metrics.host"),
		MetricsCollectSchedule: viper.GetString("metrics.collect_schedule"),
		TLSEnabled:             viper.GetBool("tls.enabled"),
		TLSCert:                viper.GetString("tls.cert"),
		TLSKey:                 viper.GetString("tls.key"),
		LogLevel:               viper.GetString("log.level"),
		LogFormat:              viper.GetString("log.format"),
		MetricsNamespace:       "lfs_locks", // Fixed value, not configurable
		RepositoriesRoot:       viper.GetString("repositories.root"),
		RescanSchedule:         viper.GetString("repositories.rescan_schedule"),
		DefaultRef:             viper.GetString("locks.default_ref"),
		NormalizePaths:         viper.GetBool("locks.normalize_paths"),
		PolicyFile:             viper.GetString("locks.policy_file"),
		DocumentationURL:       viper.GetString("locks.documentation_url"),
		TrustedUserHeader:      viper.GetString("auth.trusted_user_header"),
	}

	durations := []struct {
		key    string
		name   string
		target *time.Duration
	}{
		{"shutdown.timeout", "shutdown timeout", &cfg.ShutdownTimeout},
		{"health.check_timeout", "health check timeout", &cfg.HealthCheckTimeout},
		{"health.cache_duration", "health check cache duration", &cfg.HealthCheckCacheDuration},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(viper.GetString(d.key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.target = v
	}

	storeCfg, err := loadStore()
	if err != nil {
		return nil, err
	}
	cfg.Store = storeCfg

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults() {
	viper.SetDefault("api.port", 8080)
	viper.SetDefault("api.host", "0.0.0.0")
	viper.SetDefault("probe.port", 8081)
	viper.SetDefault("probe.host", "0.0.0.0")
	viper.SetDefault("metrics.port", 9090)
	viper.SetDefault("metrics.host", "0.0.0.0")
	viper.SetDefault("metrics.collect_schedule", "@every 30s")
	viper.SetDefault("tls.enabled", false)
	viper.SetDefault("tls.cert", "")
	viper.SetDefault("tls.key", "")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("shutdown.timeout", "30s")
	viper.SetDefault("health.check_timeout", "5s")
	viper.SetDefault("health.cache_duration", "10s")

	viper.SetDefault("repositories.root", "./repositories")
	viper.SetDefault("repositories.rescan_schedule", "")

	viper.SetDefault("locks.backend", store.DefaultBackend)
	viper.SetDefault("locks.dir", store.DefaultDir)
	viper.SetDefault("locks.default_ref", "HEAD")
	viper.SetDefault("locks.normalize_paths", false)
	viper.SetDefault("locks.policy_file", "")
	viper.SetDefault("locks.documentation_url", "")

	viper.SetDefault("auth.trusted_user_header", "")

	viper.SetDefault("postgres.url", "")
	viper.SetDefault("postgres.max_open_conns", store.DefaultPostgresMaxOpenConns)
	viper.SetDefault("postgres.table", store.DefaultPostgresTable)

	viper.SetDefault("olric.host", store.DefaultBindAddr)
	viper.SetDefault("olric.port", store.DefaultBindPort)
	viper.SetDefault("olric.advertise_host", store.DefaultAdvertiseAddr)
	viper.SetDefault("olric.advertise_port", store.DefaultAdvertisePort)
	viper.SetDefault("olric.memberlist_port", store.DefaultMemberlistBindPort)
	viper.SetDefault("olric.join_addrs", []string{})
	viper.SetDefault("olric.replication_mode", store.DefaultReplicationMode)
	viper.SetDefault("olric.replication_factor", store.DefaultReplicationFactor)
	viper.SetDefault("olric.partition_count", store.DefaultPartitionCount)
	viper.SetDefault("olric.backup_count", store.DefaultBackupCount)
	viper.SetDefault("olric.backup_mode", store.DefaultBackupMode)
	viper.SetDefault("olric.member_count_quorum", store.DefaultMemberCountQuorum)
	viper.SetDefault("olric.join_retry_interval", store.DefaultJoinRetryInterval)
	viper.SetDefault("olric.max_join_attempts", store.DefaultMaxJoinAttempts)
	viper.SetDefault("olric.log_level", "")
	viper.SetDefault("olric.keep_alive_period", store.DefaultKeepAlivePeriod)
	viper.SetDefault("olric.request_timeout", store.DefaultRequestTimeout)
	viper.SetDefault("olric.dmap_name", store.DefaultDMapName)
}

// loadStore reads the storage backend settings.
func loadStore() (*store.Config, error) {
	olric := &store.OlricConfig{
		BindAddr:           viper.GetString("olric.host"),
		BindPort:           viper.GetInt("olric.port"),
		AdvertiseAddr:      viper.GetString("olric.advertise_host"),
		AdvertisePort:      viper.GetInt("olric.advertise_port"),
		MemberlistBindPort: viper.GetInt("olric.memberlist_port"),
		JoinAddrs:          viper.GetStringSlice("olric.join_addrs"),
		ReplicationMode:    viper.GetString("olric.replication_mode"),
		ReplicationFactor:  viper.GetInt("olric.replication_factor"),
		PartitionCount:     viper.GetUint64("olric.partition_count"),
		BackupCount:        viper.GetInt("olric.backup_count"),
		BackupMode:         viper.GetString("olric.backup_mode"),
		MemberCountQuorum:  viper.GetInt("olric.member_count_quorum"),
		MaxJoinAttempts:    viper.GetInt("olric.max_join_attempts"),
		LogLevel:           strings.ToUpper(viper.GetString("olric.log_level")),
		DMapName:           viper.GetString("olric.dmap_name"),
	}

	// Olric logs at the service level unless told otherwise.
	if olric.LogLevel == "" {
		olric.LogLevel = strings.ToUpper(viper.GetString("log.level"))
	}

	olricDurations := []struct {
		key    string
		target *time.Duration
	}{
		{"olric.join_retry_interval", &olric.JoinRetryInterval},
		{"olric.keep_alive_period", &olric.KeepAlivePeriod},
		{"olric.request_timeout", &olric.RequestTimeout},
	}
	for _, d := range olricDurations {
		v, err := time.ParseDuration(viper.GetString(d.key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.target = v
	}

	return &store.Config{
		Backend: strings.ToLower(viper.GetString("locks.backend")),
		Dir:     viper.GetString("locks.dir"),
		Olric:   olric,
		Postgres: &store.PostgresConfig{
			URL:          viper.GetString("postgres.url"),
			MaxOpenConns: viper.GetInt("postgres.max_open_conns"),
			Table:        viper.GetString("postgres.table"),
		},
	}, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", c.APIPort)
	}
	if c.ProbePort < 1 || c.ProbePort > 65535 {
		return fmt.Errorf("invalid probe port: %d", c.ProbePort)
	}
	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.MetricsPort)
	}

	if c.TLSEnabled {
		if c.TLSCert == "" {
			return fmt.Errorf("TLS enabled but no certificate path provided")
		}
		if c.TLSKey == "" {
			return fmt.Errorf("TLS enabled but no key path provided")
		}
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.LogFormat)
	}

	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid shutdown timeout: %s (must be positive)", c.ShutdownTimeout)
	}

	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("invalid health check timeout: %s (must be positive)", c.HealthCheckTimeout)
	}

	if c.HealthCheckCacheDuration < 0 {
		return fmt.Errorf("invalid health check cache duration: %s (must be non-negative, zero disables caching)", c.HealthCheckCacheDuration)
	}

	if c.MetricsNamespace == "" {
		return fmt.Errorf("metrics namespace cannot be empty")
	}

	if err := scheduler.Validate(c.MetricsCollectSchedule); err != nil {
		return fmt.Errorf("invalid metrics collect schedule: %w", err)
	}

	if c.RepositoriesRoot == "" {
		return fmt.Errorf("repositories root cannot be empty")
	}
	if c.RescanSchedule != "" {
		if err := scheduler.Validate(c.RescanSchedule); err != nil {
			return fmt.Errorf("invalid repository rescan schedule: %w", err)
		}
	}

	if c.DefaultRef == "" {
		return fmt.Errorf("default ref cannot be empty")
	}

	if c.Store == nil {
		return fmt.Errorf("lock store configuration missing")
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("invalid lock store configuration: %w", err)
	}

	return nil
}
