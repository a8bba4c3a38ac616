package store

import (
	"context"
	"iter"
	"sync"

	"github.com/n3tuk/lfs-lock-service/internal/model"
)

// BackendMemory keeps locks in process memory. Nothing survives a restart.
const BackendMemory = "memory"

// MemoryProvider hands out in-memory stores, one per scope.
type MemoryProvider struct {
	mu     sync.Mutex
	stores map[string]*MemoryStore
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{stores: make(map[string]*MemoryStore)}
}

func (p *MemoryProvider) Backend() string { return BackendMemory }

func (p *MemoryProvider) Open(_ context.Context, scope string) (Store, error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.stores[scope]
	if !ok {
		s = NewMemoryStore()
		p.stores[scope] = s
	}
	return s, nil
}

func (p *MemoryProvider) Ping(context.Context) error { return nil }

func (p *MemoryProvider) Stats(context.Context) (*StoreStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return &StoreStats{
		Backend:           BackendMemory,
		Scopes:            len(p.stores),
		ClusterMembers:    1,
		ReplicationFactor: 1,
	}, nil
}

func (p *MemoryProvider) Close(context.Context) error { return nil }

// MemoryStore is a Store backed by a concurrent map. Create relies on
// LoadOrStore so two creators of the same id can never both succeed.
type MemoryStore struct {
	locks sync.Map
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Create(_ context.Context, rec *model.Record) error {
	if _, loaded := s.locks.LoadOrStore(rec.ID, cloneRecord(rec)); loaded {
		return ErrKeyExists
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*model.Record, error) {
	v, ok := s.locks.Load(id)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return cloneRecord(v.(*model.Record)), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.locks.Delete(id)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) iter.Seq2[*model.Record, error] {
	return func(yield func(*model.Record, error) bool) {
		s.locks.Range(func(_, v any) bool {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return false
			}
			return yield(cloneRecord(v.(*model.Record)), nil)
		})
	}
}

func (s *MemoryStore) Count(context.Context) (int64, error) {
	var n int64
	s.locks.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n, nil
}
