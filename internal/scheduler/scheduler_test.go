package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		schedule string
		wantErr  bool
	}{
		{schedule: "*/5 * * * *"},
		{schedule: "0 3 * * 1"},
		{schedule: "@every 30s"},
		{schedule: "@hourly"},
		{schedule: "", wantErr: true},
		{schedule: "* * * *", wantErr: true},
		{schedule: "0 0 * * * *", wantErr: true},
		{schedule: "@every soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.schedule, func(t *testing.T) {
			err := Validate(tt.schedule)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestScheduler_AddJobInvalid(t *testing.T) {
	s := New(zap.NewNop())
	assert.Error(t, s.AddJob("broken", "not a schedule", func(context.Context) {}))
}

func TestScheduler_RunsAndStops(t *testing.T) {
	s := New(zap.NewNop())

	var runs atomic.Int32
	stopped := make(chan struct{})
	require.NoError(t, s.AddJob("count", "@every 1s", func(ctx context.Context) {
		runs.Add(1)
		<-ctx.Done()
		close(stopped)
	}))

	s.Start()
	require.Eventually(t, func() bool { return runs.Load() == 1 }, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	select {
	case <-stopped:
	default:
		t.Fatal("running job was not cancelled")
	}
}

func TestScheduler_StopTimeout(t *testing.T) {
	s := New(zap.NewNop())

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	require.NoError(t, s.AddJob("stuck", "@every 1s", func(context.Context) {
		close(started)
		<-release
	}))

	s.Start()
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
}

func TestCronLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := cronLogger{logger: zap.New(core).Sugar()}

	l.Info("schedule", "entry", 1)
	l.Error(errors.New("boom"), "panic", "job", "count")

	entries := logs.All()
	require.Len(t, entries, 2)

	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, int64(1), entries[0].ContextMap()["entry"])

	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, "count", entries[1].ContextMap()["job"])
	assert.Equal(t, "boom", entries[1].ContextMap()["error"])
}
