package store

import (
	"strings"
	"testing"
	"time"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	if cfg.Backend != BackendFile {
		t.Errorf("Backend = %s, want %s", cfg.Backend, BackendFile)
	}
	if cfg.Dir != "./lfs" {
		t.Errorf("Dir = %s, want ./lfs", cfg.Dir)
	}
	if cfg.Olric == nil || cfg.Postgres == nil {
		t.Fatal("expected olric and postgres defaults to be populated")
	}
	if cfg.Olric.DMapName != "lfs-locks" {
		t.Errorf("DMapName = %s, want lfs-locks", cfg.Olric.DMapName)
	}
	if cfg.Postgres.Table != "lfs_locks" {
		t.Errorf("Table = %s, want lfs_locks", cfg.Postgres.Table)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "file backend",
			modify: func(c *Config) {},
		},
		{
			name:    "file backend without directory",
			modify:  func(c *Config) { c.Dir = "" },
			wantErr: "file backend requires a locks directory",
		},
		{
			name:   "memory backend ignores directory",
			modify: func(c *Config) { c.Backend = BackendMemory; c.Dir = "" },
		},
		{
			name:   "olric backend with defaults",
			modify: func(c *Config) { c.Backend = BackendOlric },
		},
		{
			name: "olric backend with invalid olric config",
			modify: func(c *Config) {
				c.Backend = BackendOlric
				c.Olric.BindPort = 0
			},
			wantErr: "invalid olric configuration",
		},
		{
			name:    "postgres backend without url",
			modify:  func(c *Config) { c.Backend = BackendPostgres },
			wantErr: "invalid postgres configuration: connection url cannot be empty",
		},
		{
			name: "postgres backend with url",
			modify: func(c *Config) {
				c.Backend = BackendPostgres
				c.Postgres.URL = "postgres://localhost/locks?sslmode=disable"
			},
		},
		{
			name: "postgres backend ignored when not selected",
			modify: func(c *Config) {
				c.Postgres.Table = "Robert'); DROP TABLE"
			},
		},
		{
			name:    "unknown backend",
			modify:  func(c *Config) { c.Backend = "redis" },
			wantErr: "invalid store backend: redis",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestPostgresConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     PostgresConfig
		wantErr bool
	}{
		{name: "valid", cfg: PostgresConfig{URL: "postgres://x", MaxOpenConns: 1, Table: "lfs_locks"}},
		{name: "missing url", cfg: PostgresConfig{MaxOpenConns: 1, Table: "lfs_locks"}, wantErr: true},
		{name: "no connections", cfg: PostgresConfig{URL: "postgres://x", Table: "lfs_locks"}, wantErr: true},
		{name: "quoted table name", cfg: PostgresConfig{URL: "postgres://x", MaxOpenConns: 1, Table: `"locks"`}, wantErr: true},
		{name: "uppercase table name", cfg: PostgresConfig{URL: "postgres://x", MaxOpenConns: 1, Table: "Locks"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewDefaultOlricConfig(t *testing.T) {
	cfg := NewDefaultOlricConfig()

	if cfg.BindAddr != "0.0.0.0" {
		t.Errorf("BindAddr = %s, want 0.0.0.0", cfg.BindAddr)
	}
	if cfg.BindPort != 3320 {
		t.Errorf("BindPort = %d, want 3320", cfg.BindPort)
	}
	if cfg.PartitionCount != 271 {
		t.Errorf("PartitionCount = %d, want 271", cfg.PartitionCount)
	}
	if cfg.LogLevel != "WARN" {
		t.Errorf("LogLevel = %s, want WARN", cfg.LogLevel)
	}
	if !cfg.IsSingleNode() {
		t.Error("default config should be single node")
	}
}

func TestOlricConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*OlricConfig)
		wantErr string
	}{
		{name: "valid default config", modify: func(c *OlricConfig) {}},
		{name: "empty bind address", modify: func(c *OlricConfig) { c.BindAddr = "" }, wantErr: "bind address cannot be empty"},
		{name: "hostname bind address", modify: func(c *OlricConfig) { c.BindAddr = "locks.local" }, wantErr: "bind address must be a valid"},
		{name: "port too high", modify: func(c *OlricConfig) { c.BindPort = 70000 }, wantErr: "bind port must be between"},
		{name: "invalid replication mode", modify: func(c *OlricConfig) { c.ReplicationMode = "eventual" }, wantErr: "replication mode must be"},
		{name: "invalid log level", modify: func(c *OlricConfig) { c.LogLevel = "debug" }, wantErr: "invalid log level"},
		{name: "empty dmap prefix", modify: func(c *OlricConfig) { c.DMapName = "" }, wantErr: "dmap name cannot be empty"},
		{name: "zero join retry interval", modify: func(c *OlricConfig) { c.JoinRetryInterval = 0 }, wantErr: "join retry interval must be positive"},
		{
			name:    "quorum without join addresses",
			modify:  func(c *OlricConfig) { c.MemberCountQuorum = 2 },
			wantErr: "member count quorum is 2 but no join addresses provided",
		},
		{
			name: "multi-node with low replication factor",
			modify: func(c *OlricConfig) {
				c.JoinAddrs = []string{"node2:3320"}
				c.MemberCountQuorum = 2
			},
			wantErr: "replication factor should be at least 2 in multi-node mode",
		},
		{
			name: "valid multi-node config",
			modify: func(c *OlricConfig) {
				c.JoinAddrs = []string{"node2:3320", "node3:3320"}
				c.MemberCountQuorum = 2
				c.ReplicationFactor = 2
				c.JoinRetryInterval = 500 * time.Millisecond
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultOlricConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
