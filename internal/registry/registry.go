// Package registry tracks the repositories served by the lock service and
// the lock manager of each one.
package registry

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/n3tuk/lfs-lock-service/internal/access"
	"github.com/n3tuk/lfs-lock-service/internal/gitrepo"
	"github.com/n3tuk/lfs-lock-service/internal/storage"
	"github.com/n3tuk/lfs-lock-service/internal/store"
)

// Entry is one served repository.
type Entry struct {
	Name       string
	Repository *gitrepo.Repository
	Store      store.Store
	Manager    storage.LockManager
	Policy     access.Policy

	raw store.Store
}

// Options configures how entries are built.
type Options struct {
	// Root is the directory scanned for repositories.
	Root string

	// DefaultRef is consulted for path existence when a create request
	// names no ref.
	DefaultRef string

	// NormalizePaths enables Unicode NFC normalisation of lock paths.
	NormalizePaths bool

	// Rules holds the optional access rules. Nil allows everything the
	// repository configuration allows.
	Rules *access.Rules

	// Metrics, when set, instruments every store and receives lock counts.
	Metrics *store.StoreMetrics
}

// Registry maps repository names to entries. It is safe for concurrent use.
type Registry struct {
	provider store.Provider
	opts     Options
	logger   *zap.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
}

// New creates a registry and performs the first scan of opts.Root.
func New(ctx context.Context, provider store.Provider, opts Options, logger *zap.Logger) (*Registry, error) {
	if opts.DefaultRef == "" {
		opts.DefaultRef = gitrepo.DefaultRef
	}

	r := &Registry{
		provider: provider,
		opts:     opts,
		logger:   logger,
		entries:  make(map[string]*Entry),
	}

	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh rescans the root directory. New repositories are added, vanished
// ones removed, and existing entries left untouched so their stores and
// managers stay shared with in-flight requests.
func (r *Registry) Refresh(ctx context.Context) error {
	repos, err := gitrepo.Discover(r.opts.Root, r.logger)
	if err != nil {
		return fmt.Errorf("failed to discover repositories: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(repos))
	for _, repo := range repos {
		name := repo.Name()
		seen[name] = true

		if _, ok := r.entries[name]; ok {
			continue
		}

		entry, err := r.build(ctx, repo)
		if err != nil {
			r.logger.Warn("Skipping repository",
				zap.String("repository", name),
				zap.Error(err),
			)
			continue
		}

		r.entries[name] = entry
		r.logger.Info("Serving repository", zap.String("repository", name))
	}

	for name := range r.entries {
		if seen[name] {
			continue
		}
		delete(r.entries, name)
		if r.opts.Metrics != nil {
			r.opts.Metrics.Locks.DeleteLabelValues(name)
		}
		r.logger.Info("Repository removed", zap.String("repository", name))
	}

	return nil
}

func (r *Registry) build(ctx context.Context, repo *gitrepo.Repository) (*Entry, error) {
	name := repo.Name()

	raw, err := r.provider.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock store: %w", err)
	}
	s := store.Instrument(raw, r.opts.Metrics)

	rules := r.opts.Rules.ForRepository(name)

	manager := storage.NewStoreLockManager(s, repo, r.logger.With(zap.String("repository", name)),
		storage.WithAdministrators(rules),
		storage.WithDefaultRef(r.opts.DefaultRef),
		storage.WithPathNormalization(r.opts.NormalizePaths),
	)

	return &Entry{
		Name:       name,
		Repository: repo,
		Store:      s,
		Manager:    manager,
		Policy:     access.Chain{access.NewRepositoryPolicy(repo), rules},
		raw:        raw,
	}, nil
}

// Lookup returns the entry for the named repository.
func (r *Registry) Lookup(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	return e, ok
}

// Names returns the served repository names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Stores returns the uninstrumented store of every entry, keyed by name.
func (r *Registry) Stores() map[string]store.Store {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]store.Store, len(r.entries))
	for name, e := range r.entries {
		out[name] = e.raw
	}
	return out
}
