package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// olricTestPort hands out a distinct port to every embedded node started by
// the tests in this package.
var olricTestPort atomic.Int32

func startOlricProvider(t *testing.T) *OlricProvider {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := NewDefaultOlricConfig()
	cfg.BindAddr = "127.0.0.1"
	cfg.BindPort = 13320 + int(olricTestPort.Add(1))
	cfg.MemberlistBindPort = cfg.BindPort + 1000
	cfg.LogLevel = "ERROR"

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p, err := NewOlricProvider(ctx, cfg, zap.NewNop())
	require.NoError(t, err)

	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := p.Close(shutdownCtx); err != nil {
			t.Errorf("Failed to close provider: %v", err)
		}
	})

	return p
}

func TestOlricStore(t *testing.T) {
	p := startOlricProvider(t)

	var scope atomic.Int32
	testStoreContract(t, func(t *testing.T) Store {
		s, err := p.Open(context.Background(), fmt.Sprintf("repo-%d", scope.Add(1)))
		require.NoError(t, err)
		return s
	})
}

func TestOlricProvider_PingAndStats(t *testing.T) {
	p := startOlricProvider(t)
	ctx := context.Background()

	require.NoError(t, p.Ping(ctx))

	_, err := p.Open(ctx, "repo.git")
	require.NoError(t, err)

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, BackendOlric, stats.Backend)
	require.GreaterOrEqual(t, stats.ClusterMembers, 1)
	require.Equal(t, 1, stats.Scopes)
	require.Equal(t, DefaultPartitionCount, stats.PartitionCount)
}
