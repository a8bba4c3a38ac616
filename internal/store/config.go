package store

import (
	"fmt"
	"net"
	"slices"
	"strings"
	"time"
)

// Config selects and configures the lock storage backend.
type Config struct {
	// Backend is one of "file", "memory", "olric" or "postgres".
	// Default: "file"
	Backend string

	// Dir is the root directory of the file backend.
	// Default: "./lfs"
	Dir string

	// Olric configures the olric backend.
	Olric *OlricConfig

	// Postgres configures the postgres backend.
	Postgres *PostgresConfig
}

// DefaultBackend is the storage backend used when none is configured.
const DefaultBackend = BackendFile

// DefaultDir is the default root directory of the file backend.
const DefaultDir = "./lfs"

// Backends lists the supported storage backends.
var Backends = []string{BackendFile, BackendMemory, BackendOlric, BackendPostgres}

// NewDefaultConfig returns a Config using the file backend.
func NewDefaultConfig() *Config {
	return &Config{
		Backend:  DefaultBackend,
		Dir:      DefaultDir,
		Olric:    NewDefaultOlricConfig(),
		Postgres: NewDefaultPostgresConfig(),
	}
}

// Validate checks the settings of the selected backend only.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendFile:
		if c.Dir == "" {
			return fmt.Errorf("file backend requires a locks directory")
		}
	case BackendMemory:
	case BackendOlric:
		if c.Olric == nil {
			return fmt.Errorf("olric backend requires olric configuration")
		}
		if err := c.Olric.Validate(); err != nil {
			return fmt.Errorf("invalid olric configuration: %w", err)
		}
	case BackendPostgres:
		if c.Postgres == nil {
			return fmt.Errorf("postgres backend requires postgres configuration")
		}
		if err := c.Postgres.Validate(); err != nil {
			return fmt.Errorf("invalid postgres configuration: %w", err)
		}
	default:
		return fmt.Errorf("invalid store backend: %s (must be one of %v)", c.Backend, Backends)
	}
	return nil
}

// PostgresConfig holds the settings of the postgres backend.
type PostgresConfig struct {
	// URL is the lib/pq connection string.
	URL string

	// MaxOpenConns caps the connection pool.
	// Default: 10
	MaxOpenConns int

	// Table is the name of the locks table.
	// Default: "lfs_locks"
	Table string
}

const (
	// DefaultPostgresMaxOpenConns is the default connection pool size
	DefaultPostgresMaxOpenConns = 10
	// DefaultPostgresTable is the default locks table name
	DefaultPostgresTable = "lfs_locks"
)

// NewDefaultPostgresConfig returns a PostgresConfig with defaults and no URL.
func NewDefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns: DefaultPostgresMaxOpenConns,
		Table:        DefaultPostgresTable,
	}
}

// Validate checks if the postgres configuration is valid.
func (c *PostgresConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("connection url cannot be empty")
	}
	if c.MaxOpenConns < 1 {
		return fmt.Errorf("max open connections must be at least 1, got: %d", c.MaxOpenConns)
	}
	if !tableNamePattern.MatchString(c.Table) {
		return fmt.Errorf("invalid table name: %q", c.Table)
	}
	return nil
}

// OlricConfig configures the embedded olric member backing the olric lock
// backend. A member without JoinAddrs runs as a single node cluster.
type OlricConfig struct {
	BindAddr string
	BindPort int

	// AdvertiseAddr and AdvertisePort override what peers dial, for members
	// behind NAT or several members sharing a host. Zero values fall back to
	// the bind settings.
	AdvertiseAddr string
	AdvertisePort int

	// MemberlistBindPort is the gossip port; 0 picks a free one.
	MemberlistBindPort int

	// JoinAddrs are "host:port" peers contacted on startup.
	JoinAddrs []string

	ReplicationMode   string // "sync" or "async"
	ReplicationFactor int
	PartitionCount    uint64
	BackupCount       int
	BackupMode        string // "sync" or "async"

	// MemberCountQuorum is the member count below which the cluster check
	// reports the service as not ready.
	MemberCountQuorum int
	JoinRetryInterval time.Duration
	MaxJoinAttempts   int

	// LogLevel filters olric's own log output: DEBUG, INFO, WARN or ERROR.
	LogLevel        string
	KeepAlivePeriod time.Duration
	RequestTimeout  time.Duration

	// DMapName prefixes the per repository maps, "<DMapName>.<repository>".
	DMapName string
}

const (
	DefaultBindAddr           = "0.0.0.0"
	DefaultBindPort           = 3320
	DefaultAdvertiseAddr      = ""
	DefaultAdvertisePort      = 0
	DefaultMemberlistBindPort = 0
	DefaultReplicationMode    = "async"
	DefaultReplicationFactor  = 1
	DefaultPartitionCount     = 271
	DefaultBackupCount        = 1
	DefaultBackupMode         = "async"
	DefaultMemberCountQuorum  = 1
	DefaultJoinRetryInterval  = time.Second
	DefaultMaxJoinAttempts    = 30
	DefaultLogLevel           = "WARN"
	DefaultKeepAlivePeriod    = 30 * time.Second
	DefaultRequestTimeout     = 5 * time.Second
	DefaultDMapName           = "lfs-locks"
)

var (
	olricModes     = []string{"sync", "async"}
	olricLogLevels = []string{"DEBUG", "INFO", "WARN", "ERROR"}
)

// NewDefaultOlricConfig returns a single node configuration.
func NewDefaultOlricConfig() *OlricConfig {
	return &OlricConfig{
		BindAddr:           DefaultBindAddr,
		BindPort:           DefaultBindPort,
		AdvertiseAddr:      DefaultAdvertiseAddr,
		AdvertisePort:      DefaultAdvertisePort,
		MemberlistBindPort: DefaultMemberlistBindPort,
		JoinAddrs:          []string{},
		ReplicationMode:    DefaultReplicationMode,
		ReplicationFactor:  DefaultReplicationFactor,
		PartitionCount:     DefaultPartitionCount,
		BackupCount:        DefaultBackupCount,
		BackupMode:         DefaultBackupMode,
		MemberCountQuorum:  DefaultMemberCountQuorum,
		JoinRetryInterval:  DefaultJoinRetryInterval,
		MaxJoinAttempts:    DefaultMaxJoinAttempts,
		LogLevel:           DefaultLogLevel,
		KeepAlivePeriod:    DefaultKeepAlivePeriod,
		RequestTimeout:     DefaultRequestTimeout,
		DMapName:           DefaultDMapName,
	}
}

func checkAddr(field, addr string) error {
	if net.ParseIP(addr) == nil {
		return fmt.Errorf("%s must be a valid IPv4 or IPv6 address, got: %s", field, addr)
	}
	return nil
}

// checkPort accepts 0 only when optional is set.
func checkPort(field string, port int, optional bool) error {
	if optional && port == 0 {
		return nil
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got: %d", field, port)
	}
	return nil
}

func checkOneOf(field, value string, allowed []string) error {
	if slices.Contains(allowed, value) {
		return nil
	}
	return fmt.Errorf("%s must be %s, got: %s", field, strings.Join(allowed, " or "), value)
}

// Validate checks the olric settings and their consistency with the
// cluster topology.
func (c *OlricConfig) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("bind address cannot be empty")
	}
	checks := []error{
		checkAddr("bind address", c.BindAddr),
		checkPort("bind port", c.BindPort, false),
		checkPort("advertise port", c.AdvertisePort, true),
		checkPort("memberlist bind port", c.MemberlistBindPort, true),
		checkOneOf("replication mode", c.ReplicationMode, olricModes),
		checkOneOf("backup mode", c.BackupMode, olricModes),
	}
	if c.AdvertiseAddr != "" {
		checks = append(checks, checkAddr("advertise address", c.AdvertiseAddr))
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}

	switch {
	case c.ReplicationFactor < 1:
		return fmt.Errorf("replication factor must be at least 1, got: %d", c.ReplicationFactor)
	case c.PartitionCount < 1:
		return fmt.Errorf("partition count must be at least 1")
	case c.BackupCount < 0:
		return fmt.Errorf("backup count must be zero or greater, got: %d", c.BackupCount)
	case c.MemberCountQuorum < 1:
		return fmt.Errorf("member count quorum must be at least 1, got: %d", c.MemberCountQuorum)
	case c.JoinRetryInterval <= 0:
		return fmt.Errorf("join retry interval must be positive, got: %v", c.JoinRetryInterval)
	case c.MaxJoinAttempts < 1:
		return fmt.Errorf("max join attempts must be at least 1, got: %d", c.MaxJoinAttempts)
	case !slices.Contains(olricLogLevels, c.LogLevel):
		return fmt.Errorf("invalid log level: %s (must be one of %v)", c.LogLevel, olricLogLevels)
	case c.KeepAlivePeriod <= 0:
		return fmt.Errorf("keep alive period must be positive")
	case c.RequestTimeout <= 0:
		return fmt.Errorf("request timeout must be positive")
	case c.DMapName == "":
		return fmt.Errorf("dmap name cannot be empty")
	}

	peers := len(c.JoinAddrs)
	if peers == 0 {
		if c.MemberCountQuorum > 1 {
			return fmt.Errorf("member count quorum is %d but no join addresses provided", c.MemberCountQuorum)
		}
		return nil
	}
	if c.MemberCountQuorum > peers+1 {
		return fmt.Errorf("member count quorum (%d) exceeds the %d known members", c.MemberCountQuorum, peers+1)
	}
	if c.ReplicationFactor < 2 {
		return fmt.Errorf("replication factor should be at least 2 in multi-node mode (current: %d)", c.ReplicationFactor)
	}
	return nil
}

// IsSingleNode reports whether the member runs without peers.
func (c *OlricConfig) IsSingleNode() bool {
	return len(c.JoinAddrs) == 0
}
