package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/logutils"
	"github.com/olric-data/olric"
	"github.com/olric-data/olric/config"
	"go.uber.org/zap"

	"github.com/n3tuk/lfs-lock-service/internal/model"
)

// BackendOlric keeps locks in an embedded Olric cluster, one DMap per scope.
const BackendOlric = "olric"

// OlricProvider runs an embedded Olric node and opens one DMap per
// repository scope.
type OlricProvider struct {
	config *OlricConfig
	logger *zap.Logger
	db     *olric.Olric
	client *olric.EmbeddedClient

	mu     sync.Mutex
	stores map[string]*OlricStore
}

// NewOlricProvider creates and starts an embedded Olric node, optionally
// joining a cluster, and waits for the member quorum.
func NewOlricProvider(ctx context.Context, cfg *OlricConfig, logger *zap.Logger) (*OlricProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid olric configuration: %w", err)
	}

	p := &OlricProvider{
		config: cfg,
		logger: logger,
		stores: make(map[string]*OlricStore),
	}

	olricCfg := p.createOlricConfig()
	started := make(chan struct{})
	olricCfg.Started = func() { close(started) }

	logger.Info("Starting Olric embedded server",
		zap.String("bind_addr", net.JoinHostPort(cfg.BindAddr, fmt.Sprintf("%d", cfg.BindPort))),
		zap.Bool("single_node", cfg.IsSingleNode()),
		zap.Strings("join_addrs", cfg.JoinAddrs),
		zap.Int("replication_factor", cfg.ReplicationFactor),
		zap.Uint64("partition_count", cfg.PartitionCount),
	)

	db, err := olric.New(olricCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create olric instance: %w", err)
	}
	p.db = db

	// Start blocks for the lifetime of the node.
	startErr := make(chan error, 1)
	go func() {
		if err := db.Start(); err != nil {
			startErr <- err
		}
	}()

	select {
	case <-started:
	case err := <-startErr:
		_ = db.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to start olric: %w", err)
	case <-ctx.Done():
		_ = db.Shutdown(context.Background())
		return nil, fmt.Errorf("olric did not start: %w", ctx.Err())
	}

	p.client = db.NewEmbeddedClient()

	if err := p.waitForCluster(ctx); err != nil {
		_ = db.Shutdown(context.Background())
		return nil, fmt.Errorf("cluster not ready: %w", err)
	}

	members, err := p.client.Members(ctx)
	if err != nil {
		logger.Warn("Failed to get members", zap.Error(err))
	}

	logger.Info("Olric lock store initialized",
		zap.Int("cluster_members", len(members)),
	)

	return p, nil
}

// createOlricConfig maps OlricConfig onto the Olric server configuration.
func (p *OlricProvider) createOlricConfig() *config.Config {
	logFilter := &logutils.LevelFilter{
		Levels:   []logutils.LogLevel{"DEBUG", "INFO", "WARN", "ERROR"},
		MinLevel: logutils.LogLevel(p.config.LogLevel),
		Writer:   io.Discard,
	}
	if p.config.LogLevel == "DEBUG" || p.config.LogLevel == "INFO" {
		logFilter.Writer = os.Stderr
	}

	c := config.New("lan")
	c.BindAddr = p.config.BindAddr
	c.BindPort = p.config.BindPort
	c.KeepAlivePeriod = p.config.KeepAlivePeriod
	c.PartitionCount = p.config.PartitionCount
	c.ReplicaCount = p.config.ReplicationFactor
	c.ReadQuorum = 1
	c.WriteQuorum = 1
	c.MemberCountQuorum = int32(p.config.MemberCountQuorum)
	c.LogLevel = p.config.LogLevel
	c.Logger = log.New(logFilter, "", log.LstdFlags)
	c.JoinRetryInterval = p.config.JoinRetryInterval
	c.MaxJoinAttempts = p.config.MaxJoinAttempts

	if p.config.ReplicationMode == "sync" {
		c.ReplicationMode = config.SyncReplicationMode
	} else {
		c.ReplicationMode = config.AsyncReplicationMode
	}

	if c.MemberlistConfig != nil {
		if p.config.MemberlistBindPort != 0 {
			c.MemberlistConfig.BindPort = p.config.MemberlistBindPort
		}
		if p.config.AdvertiseAddr != "" {
			c.MemberlistConfig.AdvertiseAddr = p.config.AdvertiseAddr
		}
		if p.config.AdvertisePort != 0 {
			c.MemberlistConfig.AdvertisePort = p.config.AdvertisePort
		}
	}

	if len(p.config.JoinAddrs) > 0 {
		c.Peers = p.config.JoinAddrs
	}

	return c
}

// waitForCluster waits until the member count reaches the configured quorum.
func (p *OlricProvider) waitForCluster(ctx context.Context) error {
	if p.config.IsSingleNode() {
		p.logger.Info("Running in single-node mode, cluster ready")
		return nil
	}

	ticker := time.NewTicker(p.config.JoinRetryInterval)
	defer ticker.Stop()

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			attempts++

			members, err := p.client.Members(ctx)
			if err != nil {
				p.logger.Warn("Failed to get members", zap.Error(err))
			}
			memberCount := len(members)

			p.logger.Debug("Waiting for cluster members",
				zap.Int("current_members", memberCount),
				zap.Int("required_members", p.config.MemberCountQuorum),
				zap.Int("attempt", attempts),
			)

			if memberCount >= p.config.MemberCountQuorum {
				p.logger.Info("Cluster member quorum reached",
					zap.Int("member_count", memberCount),
					zap.Int("quorum", p.config.MemberCountQuorum),
				)
				return nil
			}

			if attempts >= p.config.MaxJoinAttempts {
				return fmt.Errorf("max join attempts (%d) reached, only %d/%d members present",
					p.config.MaxJoinAttempts, memberCount, p.config.MemberCountQuorum)
			}
		}
	}
}

func (p *OlricProvider) Backend() string { return BackendOlric }

// Open returns the store for scope, backed by the DMap "<dmap_name>.<scope>".
func (p *OlricProvider) Open(_ context.Context, scope string) (Store, error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.stores[scope]; ok {
		return s, nil
	}

	name := p.config.DMapName + "." + scope
	dmap, err := p.client.NewDMap(name)
	if err != nil {
		return nil, fmt.Errorf("failed to create dmap %s: %w", name, err)
	}

	s := &OlricStore{
		dmap:    dmap,
		timeout: p.config.RequestTimeout,
		logger:  p.logger.With(zap.String("scope", scope), zap.String("dmap", name)),
	}
	p.stores[scope] = s
	return s, nil
}

// Ping verifies the embedded node accepts connections.
func (p *OlricProvider) Ping(ctx context.Context) error {
	if p.db == nil {
		return fmt.Errorf("olric db is nil")
	}

	addr := net.JoinHostPort(p.config.BindAddr, fmt.Sprintf("%d", p.config.BindPort))
	dialer := net.Dialer{Timeout: 2 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to olric: %w", err)
	}
	return conn.Close()
}

func (p *OlricProvider) Stats(ctx context.Context) (*StoreStats, error) {
	members, err := p.client.Members(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get members: %w", err)
	}

	p.mu.Lock()
	scopes := len(p.stores)
	p.mu.Unlock()

	return &StoreStats{
		Backend:           BackendOlric,
		Scopes:            scopes,
		ClusterMembers:    len(members),
		PartitionCount:    int(p.config.PartitionCount),
		BackupCount:       p.config.BackupCount,
		ReplicationFactor: p.config.ReplicationFactor,
	}, nil
}

// Close leaves the cluster and shuts down the embedded node.
func (p *OlricProvider) Close(ctx context.Context) error {
	p.logger.Info("Shutting down Olric lock store")

	if p.db == nil {
		return nil
	}

	if err := p.db.Shutdown(ctx); err != nil {
		p.logger.Error("Error shutting down Olric", zap.Error(err))
		return err
	}

	p.logger.Info("Olric lock store shut down successfully")
	return nil
}

// OlricStore is a Store backed by a single Olric DMap. Create uses the NX
// put option so the cluster arbitrates concurrent creators.
type OlricStore struct {
	dmap    olric.DMap
	timeout time.Duration
	logger  *zap.Logger
}

func (s *OlricStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *OlricStore) Create(ctx context.Context, rec *model.Record) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.dmap.Put(ctx, rec.ID, data, olric.NX()); err != nil {
		if errors.Is(err, olric.ErrKeyFound) {
			return ErrKeyExists
		}
		return fmt.Errorf("failed to put lock: %w", err)
	}
	return nil
}

func (s *OlricStore) Get(ctx context.Context, id string) (*model.Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	resp, err := s.dmap.Get(ctx, id)
	if err != nil {
		if errors.Is(err, olric.ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}

	data, err := resp.Byte()
	if err != nil {
		return nil, fmt.Errorf("failed to read lock value: %w", err)
	}
	return decodeRecord(data)
}

func (s *OlricStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.dmap.Delete(ctx, id); err != nil && !errors.Is(err, olric.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete lock: %w", err)
	}
	return nil
}

func (s *OlricStore) List(ctx context.Context) iter.Seq2[*model.Record, error] {
	return func(yield func(*model.Record, error) bool) {
		it, err := s.dmap.Scan(ctx)
		if err != nil {
			yield(nil, fmt.Errorf("failed to scan locks: %w", err))
			return
		}
		defer it.Close()

		for it.Next() {
			rec, err := s.Get(ctx, it.Key())
			if err != nil {
				if errors.Is(err, ErrKeyNotFound) {
					continue
				}
				if ctxErr := ctx.Err(); ctxErr != nil {
					yield(nil, ctxErr)
					return
				}
				s.logger.Warn("Skipping unreadable lock", zap.String("id", it.Key()), zap.Error(err))
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (s *OlricStore) Count(ctx context.Context) (int64, error) {
	it, err := s.dmap.Scan(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to scan locks: %w", err)
	}
	defer it.Close()

	var n int64
	for it.Next() {
		n++
	}
	return n, nil
}
