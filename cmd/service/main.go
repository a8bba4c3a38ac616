package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/n3tuk/lfs-lock-service/internal/config"
	"github.com/n3tuk/lfs-lock-service/internal/logger"
	"github.com/n3tuk/lfs-lock-service/internal/server"
	"github.com/n3tuk/lfs-lock-service/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "service",
	Short: "Git LFS file locking service",
	Long: `Serves the Git LFS file locking API for the git repositories found
below a root directory, storing locks in a file, memory, olric or
postgres backend.`,
	RunE: runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Commit:  %s\n", commit)
		fmt.Printf("Built:   %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)

	addServerFlags(rootCmd)
	addLockFlags(rootCmd)
	addStoreFlags(rootCmd)

	for flag, key := range flagKeys {
		_ = viper.BindPFlag(key, rootCmd.Flags().Lookup(flag))
	}
}

// flagKeys maps every command line flag to its configuration key.
var flagKeys = map[string]string{
	"api-port":                  "api.port",
	"api-host":                  "api.host",
	"probe-port":                "probe.port",
	"probe-host":                "probe.host",
	"metrics-port":              "metrics.port",
	"metrics-host":              "metrics.host",
	"tls-enabled":               "tls.enabled",
	"tls-cert":                  "tls.cert",
	"tls-key":                   "tls.key",
	"log-level":                 "log.level",
	"log-format":                "log.format",
	"shutdown-timeout":          "shutdown.timeout",
	"health-check-timeout":      "health.check_timeout",
	"health-cache-duration":     "health.cache_duration",
	"metrics-collect-schedule":  "metrics.collect_schedule",
	"repositories-root":         "repositories.root",
	"rescan-schedule":           "repositories.rescan_schedule",
	"locks-backend":             "locks.backend",
	"locks-dir":                 "locks.dir",
	"default-ref":               "locks.default_ref",
	"normalize-paths":           "locks.normalize_paths",
	"policy-file":               "locks.policy_file",
	"documentation-url":         "locks.documentation_url",
	"trusted-user-header":       "auth.trusted_user_header",
	"postgres-url":              "postgres.url",
	"postgres-max-open-conns":   "postgres.max_open_conns",
	"postgres-table":            "postgres.table",
	"olric-host":                "olric.host",
	"olric-port":                "olric.port",
	"olric-advertise-host":      "olric.advertise_host",
	"olric-advertise-port":      "olric.advertise_port",
	"olric-memberlist-port":     "olric.memberlist_port",
	"olric-join-addrs":          "olric.join_addrs",
	"olric-replication-mode":    "olric.replication_mode",
	"olric-replication-factor":  "olric.replication_factor",
	"olric-partition-count":     "olric.partition_count",
	"olric-backup-count":        "olric.backup_count",
	"olric-backup-mode":         "olric.backup_mode",
	"olric-member-count-quorum": "olric.member_count_quorum",
	"olric-join-retry-interval": "olric.join_retry_interval",
	"olric-max-join-attempts":   "olric.max_join_attempts",
	"olric-log-level":           "olric.log_level",
	"olric-keep-alive-period":   "olric.keep_alive_period",
	"olric-request-timeout":     "olric.request_timeout",
	"olric-dmap-name":           "olric.dmap_name",
}

// addServerFlags registers the server, logging and probe flags.
func addServerFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.Int("api-port", 8080, "API server port")
	flags.String("api-host", "0.0.0.0", "API server host")
	flags.Int("probe-port", 8081, "Probe server port")
	flags.String("probe-host", "0.0.0.0", "Probe server host")
	flags.Int("metrics-port", 9090, "Metrics server port")
	flags.String("metrics-host", "0.0.0.0", "Metrics server host")
	flags.Bool("tls-enabled", false, "Enable TLS for API server")
	flags.String("tls-cert", "", "Path to TLS certificate")
	flags.String("tls-key", "", "Path to TLS key")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "json", "Log format (json, console)")
	flags.Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout (e.g., 30s)")
	flags.Duration("health-check-timeout", 5*time.Second, "Health check timeout (e.g., 5s)")
	flags.Duration("health-cache-duration", 10*time.Second, "Health check cache duration (e.g., 10s)")
	flags.String("metrics-collect-schedule", "@every 30s", "Cron schedule for collecting store metrics")
}

// addLockFlags registers the repository discovery and lock handling flags.
func addLockFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("repositories-root", "./repositories", "Directory holding the served git repositories")
	flags.String("rescan-schedule", "", "Cron schedule for rediscovering repositories (empty disables)")
	flags.String("default-ref", "HEAD", "Ref checked for path existence when a request names none")
	flags.Bool("normalize-paths", false, "Normalize lock paths to Unicode NFC")
	flags.String("policy-file", "", "YAML file of per-repository access rules")
	flags.String("documentation-url", "", "URL returned in error responses")
	flags.String("trusted-user-header", "", "Header carrying a username authenticated by a proxy")
}

// addStoreFlags registers the lock storage backend flags.
func addStoreFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("locks-backend", store.DefaultBackend, "Lock storage backend (file, memory, olric, postgres)")
	flags.String("locks-dir", store.DefaultDir, "Root directory of the file lock backend")
	flags.String("postgres-url", "", "Postgres connection string")
	flags.Int("postgres-max-open-conns", store.DefaultPostgresMaxOpenConns, "Postgres connection pool size")
	flags.String("postgres-table", store.DefaultPostgresTable, "Postgres locks table")
	flags.String("olric-host", store.DefaultBindAddr, "Olric bind host")
	flags.Int("olric-port", store.DefaultBindPort, "Olric bind port")
	flags.String("olric-advertise-host", store.DefaultAdvertiseAddr, "Olric advertised host (defaults to the bind host)")
	flags.Int("olric-advertise-port", store.DefaultAdvertisePort, "Olric advertised port (defaults to the bind port)")
	flags.Int("olric-memberlist-port", store.DefaultMemberlistBindPort, "Olric memberlist port (0 picks the default)")
	flags.StringSlice("olric-join-addrs", []string{}, "Olric cluster join addresses")
	flags.String("olric-replication-mode", store.DefaultReplicationMode, "Olric replication mode (sync/async)")
	flags.Int("olric-replication-factor", store.DefaultReplicationFactor, "Olric replication factor")
	flags.Int("olric-partition-count", int(store.DefaultPartitionCount), "Olric partition count")
	flags.Int("olric-backup-count", store.DefaultBackupCount, "Olric backup count")
	flags.String("olric-backup-mode", store.DefaultBackupMode, "Olric backup mode (sync/async)")
	flags.Int("olric-member-count-quorum", store.DefaultMemberCountQuorum, "Olric member count quorum")
	flags.Duration("olric-join-retry-interval", store.DefaultJoinRetryInterval, "Olric join retry interval")
	flags.Int("olric-max-join-attempts", store.DefaultMaxJoinAttempts, "Olric max join attempts")
	flags.String("olric-log-level", "", "Olric log level (DEBUG/INFO/WARN/ERROR, defaults to main log level)")
	flags.Duration("olric-keep-alive-period", store.DefaultKeepAlivePeriod, "Olric keep alive period")
	flags.Duration("olric-request-timeout", store.DefaultRequestTimeout, "Olric request timeout")
	flags.String("olric-dmap-name", store.DefaultDMapName, "Olric DMap name")
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize logger
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("Starting LFS lock service",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("date", date),
	)

	// Create server with build info
	buildInfo := map[string]string{
		"version": version,
		"commit":  commit,
		"date":    date,
	}
	srv, err := server.New(cfg, log, buildInfo)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Start server
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	log.Info("Service started successfully",
		zap.String("repositories_root", cfg.RepositoriesRoot),
		zap.String("backend", cfg.Store.Backend),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("Shutdown signal received")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		return err
	}

	log.Info("Service stopped gracefully")
	return nil
}
