package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/n3tuk/lfs-lock-service/internal/store"
)

func TestLoad(t *testing.T) {
	// Reset viper state before each test
	defer viper.Reset()

	tests := []struct {
		name    string
		setup   func()
		wantErr bool
		check   func(*testing.T, *Config)
	}{
		{
			name:  "default configuration",
			setup: func() {},
			check: func(t *testing.T, cfg *Config) {
				if cfg.APIPort != 8080 {
					t.Errorf("APIPort = %d, want 8080", cfg.APIPort)
				}
				if cfg.LogLevel != "info" {
					t.Errorf("LogLevel = %s, want info", cfg.LogLevel)
				}
				if cfg.ShutdownTimeout != 30*time.Second {
					t.Errorf("ShutdownTimeout = %s, want 30s", cfg.ShutdownTimeout)
				}
				if cfg.MetricsNamespace != "lfs_locks" {
					t.Errorf("MetricsNamespace = %s, want lfs_locks", cfg.MetricsNamespace)
				}
				if cfg.MetricsCollectSchedule != "@every 30s" {
					t.Errorf("MetricsCollectSchedule = %s, want @every 30s", cfg.MetricsCollectSchedule)
				}
				if cfg.RepositoriesRoot != "./repositories" {
					t.Errorf("RepositoriesRoot = %s, want ./repositories", cfg.RepositoriesRoot)
				}
				if cfg.RescanSchedule != "" {
					t.Errorf("RescanSchedule = %s, want empty", cfg.RescanSchedule)
				}
				if cfg.DefaultRef != "HEAD" {
					t.Errorf("DefaultRef = %s, want HEAD", cfg.DefaultRef)
				}
				if cfg.Store.Backend != store.BackendFile || cfg.Store.Dir != store.DefaultDir {
					t.Errorf("Store = %s %s, want file backend in %s", cfg.Store.Backend, cfg.Store.Dir, store.DefaultDir)
				}
				if cfg.Store.Olric.LogLevel != "INFO" {
					t.Errorf("Olric LogLevel = %s, want INFO from log.level", cfg.Store.Olric.LogLevel)
				}
				if cfg.Store.Olric.RequestTimeout != store.DefaultRequestTimeout {
					t.Errorf("Olric RequestTimeout = %s, want %s", cfg.Store.Olric.RequestTimeout, store.DefaultRequestTimeout)
				}
			},
		},
		{
			name: "custom configuration via viper",
			setup: func() {
				viper.Set("api.port", 9000)
				viper.Set("log.level", "debug")
				viper.Set("log.format", "console")
				viper.Set("shutdown.timeout", "60s")
				viper.Set("repositories.root", "/srv/git")
				viper.Set("repositories.rescan_schedule", "*/5 * * * *")
				viper.Set("locks.backend", "Memory")
				viper.Set("locks.default_ref", "refs/heads/main")
				viper.Set("locks.normalize_paths", true)
				viper.Set("locks.documentation_url", "https://example.com/locks")
				viper.Set("auth.trusted_user_header", "X-Forwarded-User")
				viper.Set("olric.request_timeout", "2s")
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.APIPort != 9000 {
					t.Errorf("APIPort = %d, want 9000", cfg.APIPort)
				}
				if cfg.LogFormat != "console" {
					t.Errorf("LogFormat = %s, want console", cfg.LogFormat)
				}
				if cfg.ShutdownTimeout != 60*time.Second {
					t.Errorf("ShutdownTimeout = %s, want 60s", cfg.ShutdownTimeout)
				}
				if cfg.RepositoriesRoot != "/srv/git" || cfg.RescanSchedule != "*/5 * * * *" {
					t.Errorf("Repositories = %s %s", cfg.RepositoriesRoot, cfg.RescanSchedule)
				}
				if cfg.Store.Backend != store.BackendMemory {
					t.Errorf("Store.Backend = %s, want memory", cfg.Store.Backend)
				}
				if cfg.DefaultRef != "refs/heads/main" || !cfg.NormalizePaths {
					t.Errorf("DefaultRef = %s NormalizePaths = %v", cfg.DefaultRef, cfg.NormalizePaths)
				}
				if cfg.DocumentationURL != "https://example.com/locks" {
					t.Errorf("DocumentationURL = %s", cfg.DocumentationURL)
				}
				if cfg.TrustedUserHeader != "X-Forwarded-User" {
					t.Errorf("TrustedUserHeader = %s", cfg.TrustedUserHeader)
				}
				if cfg.Store.Olric.LogLevel != "DEBUG" {
					t.Errorf("Olric LogLevel = %s, want DEBUG", cfg.Store.Olric.LogLevel)
				}
				if cfg.Store.Olric.RequestTimeout != 2*time.Second {
					t.Errorf("Olric RequestTimeout = %s, want 2s", cfg.Store.Olric.RequestTimeout)
				}
			},
		},
		{
			name: "TLS configuration",
			setup: func() {
				viper.Set("tls.enabled", true)
				viper.Set("tls.cert", "/path/to/cert.pem")
				viper.Set("tls.key", "/path/to/key.pem")
			},
			check: func(t *testing.T, cfg *Config) {
				if !cfg.TLSEnabled || cfg.TLSCert != "/path/to/cert.pem" || cfg.TLSKey != "/path/to/key.pem" {
					t.Errorf("TLS = %v %s %s", cfg.TLSEnabled, cfg.TLSCert, cfg.TLSKey)
				}
			},
		},
		{
			name:    "invalid shutdown timeout",
			setup:   func() { viper.Set("shutdown.timeout", "invalid") },
			wantErr: true,
		},
		{
			name:    "invalid olric duration",
			setup:   func() { viper.Set("olric.keep_alive_period", "soon") },
			wantErr: true,
		},
		{
			name:    "postgres backend without url",
			setup:   func() { viper.Set("locks.backend", "postgres") },
			wantErr: true,
		},
		{
			name:    "unknown backend",
			setup:   func() { viper.Set("locks.backend", "etcd") },
			wantErr: true,
		},
		{
			name:    "invalid rescan schedule",
			setup:   func() { viper.Set("repositories.rescan_schedule", "every minute") },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()
			tt.setup()

			cfg, err := Load()
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if err == nil && tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func validConfig() *Config {
	return &Config{
		APIPort:                  8080,
		ProbePort:                8081,
		MetricsPort:              9090,
		LogLevel:                 "info",
		LogFormat:                "json",
		ShutdownTimeout:          30 * time.Second,
		HealthCheckTimeout:       5 * time.Second,
		HealthCheckCacheDuration: 10 * time.Second,
		MetricsNamespace:         "lfs_locks",
		MetricsCollectSchedule:   "@every 30s",
		RepositoriesRoot:         "/srv/git",
		DefaultRef:               "HEAD",
		Store:                    store.NewDefaultConfig(),
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "valid configuration", modify: func(c *Config) {}},
		{name: "invalid API port - too low", modify: func(c *Config) { c.APIPort = 0 }, wantErr: true},
		{name: "invalid API port - too high", modify: func(c *Config) { c.APIPort = 65536 }, wantErr: true},
		{name: "invalid probe port", modify: func(c *Config) { c.ProbePort = -1 }, wantErr: true},
		{name: "invalid metrics port", modify: func(c *Config) { c.MetricsPort = 70000 }, wantErr: true},
		{name: "TLS without cert", modify: func(c *Config) { c.TLSEnabled = true; c.TLSKey = "key.pem" }, wantErr: true},
		{name: "TLS without key", modify: func(c *Config) { c.TLSEnabled = true; c.TLSCert = "cert.pem" }, wantErr: true},
		{name: "TLS complete", modify: func(c *Config) { c.TLSEnabled = true; c.TLSCert = "cert.pem"; c.TLSKey = "key.pem" }},
		{name: "invalid log level", modify: func(c *Config) { c.LogLevel = "trace" }, wantErr: true},
		{name: "invalid log format", modify: func(c *Config) { c.LogFormat = "xml" }, wantErr: true},
		{name: "negative shutdown timeout", modify: func(c *Config) { c.ShutdownTimeout = -time.Second }, wantErr: true},
		{name: "zero health check timeout", modify: func(c *Config) { c.HealthCheckTimeout = 0 }, wantErr: true},
		{name: "caching disabled", modify: func(c *Config) { c.HealthCheckCacheDuration = 0 }},
		{name: "empty metrics namespace", modify: func(c *Config) { c.MetricsNamespace = "" }, wantErr: true},
		{name: "invalid collect schedule", modify: func(c *Config) { c.MetricsCollectSchedule = "sometimes" }, wantErr: true},
		{name: "empty repositories root", modify: func(c *Config) { c.RepositoriesRoot = "" }, wantErr: true},
		{name: "rescan schedule", modify: func(c *Config) { c.RescanSchedule = "@hourly" }},
		{name: "invalid rescan schedule", modify: func(c *Config) { c.RescanSchedule = "61 * * * *" }, wantErr: true},
		{name: "empty default ref", modify: func(c *Config) { c.DefaultRef = "" }, wantErr: true},
		{name: "missing store", modify: func(c *Config) { c.Store = nil }, wantErr: true},
		{name: "file store without dir", modify: func(c *Config) { c.Store.Dir = "" }, wantErr: true},
		{name: "postgres store", modify: func(c *Config) {
			c.Store.Backend = store.BackendPostgres
			c.Store.Postgres.URL = "postgres://localhost/locks"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"LFSLOCK_API_PORT":                 "9000",
		"LFSLOCK_LOG_LEVEL":                "debug",
		"LFSLOCK_TLS_ENABLED":              "true",
		"LFSLOCK_TLS_CERT":                 "/test/cert.pem",
		"LFSLOCK_TLS_KEY":                  "/test/key.pem",
		"LFSLOCK_SHUTDOWN_TIMEOUT":         "45s",
		"LFSLOCK_REPOSITORIES_ROOT":        "/data/repos",
		"LFSLOCK_LOCKS_BACKEND":            "postgres",
		"LFSLOCK_POSTGRES_URL":             "postgres://locks@db/locks?sslmode=disable",
		"LFSLOCK_POSTGRES_TABLE":           "git_locks",
		"LFSLOCK_AUTH_TRUSTED_USER_HEADER": "X-Remote-User",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	viper.Reset()
	defer viper.Reset()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.APIPort != 9000 {
		t.Errorf("APIPort = %d, want 9000", cfg.APIPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
	if !cfg.TLSEnabled {
		t.Error("TLSEnabled = false, want true")
	}
	if cfg.ShutdownTimeout != 45*time.Second {
		t.Errorf("ShutdownTimeout = %s, want 45s", cfg.ShutdownTimeout)
	}
	if cfg.RepositoriesRoot != "/data/repos" {
		t.Errorf("RepositoriesRoot = %s, want /data/repos", cfg.RepositoriesRoot)
	}
	if cfg.Store.Backend != store.BackendPostgres {
		t.Errorf("Store.Backend = %s, want postgres", cfg.Store.Backend)
	}
	if cfg.Store.Postgres.URL != "postgres://locks@db/locks?sslmode=disable" || cfg.Store.Postgres.Table != "git_locks" {
		t.Errorf("Postgres = %+v", cfg.Store.Postgres)
	}
	if cfg.TrustedUserHeader != "X-Remote-User" {
		t.Errorf("TrustedUserHeader = %s, want X-Remote-User", cfg.TrustedUserHeader)
	}
}
