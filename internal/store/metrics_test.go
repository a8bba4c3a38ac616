package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/n3tuk/lfs-lock-service/internal/model"
)

type staticSource map[string]Store

func (s staticSource) Stores() map[string]Store { return s }

func TestInstrument(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewStoreMetrics("test", BackendMemory, registry)
	s := Instrument(NewMemoryStore(), m)
	ctx := context.Background()

	rec := model.NewRecord("a.bin", "", "alice", time.Now())
	require.NoError(t, s.Create(ctx, rec))
	require.ErrorIs(t, s.Create(ctx, rec), ErrKeyExists)
	_, err := s.Get(ctx, model.LockID("missing"))
	require.ErrorIs(t, err, ErrKeyNotFound)
	for range s.List(ctx) {
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("create", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("create", "exists")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("get", "not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("list", "success")))
	assert.Equal(t, 0, testutil.CollectAndCount(m.OperationErrorsTotal))
}

func TestInstrument_RecordsBackendErrors(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewStoreMetrics("test", BackendFile, registry)
	s := Instrument(failingStore{}, m)

	err := s.Create(context.Background(), model.NewRecord("a", "", "", time.Now()))
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("create", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationErrorsTotal.WithLabelValues("create", "backend")))
}

func TestInstrument_NilMetrics(t *testing.T) {
	s := NewMemoryStore()
	assert.Same(t, Store(s), Instrument(s, nil))
}

func TestStatsCollector_Collect(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewStoreMetrics("test", BackendMemory, registry)
	ctx := context.Background()

	p := NewMemoryProvider()
	a, err := p.Open(ctx, "a.git")
	require.NoError(t, err)
	b, err := p.Open(ctx, "b.git")
	require.NoError(t, err)
	require.NoError(t, a.Create(ctx, model.NewRecord("x", "", "", time.Now())))
	require.NoError(t, a.Create(ctx, model.NewRecord("y", "", "", time.Now())))

	c := NewStatsCollector(zap.NewNop(), p, staticSource{"a.git": a, "b.git": b}, m)
	c.Collect(ctx)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Locks.WithLabelValues("a.git")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Locks.WithLabelValues("b.git")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClusterMembers))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Scopes))
}

func TestStatsCollector_StatsFailure(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewStoreMetrics("test", BackendOlric, registry)
	s := NewMemoryStore()
	require.NoError(t, s.Create(context.Background(), model.NewRecord("x", "", "", time.Now())))

	p := &mockProvider{backend: BackendOlric, statErr: errors.New("no members")}
	NewStatsCollector(zap.NewNop(), p, staticSource{"repo": s}, m).Collect(context.Background())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Locks.WithLabelValues("repo")), "lock counts are still collected")
}
