package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/n3tuk/lfs-lock-service/internal/model"
)

// BackendFile keeps one file per lock on the local filesystem.
const BackendFile = "file"

const (
	// locksDirName is the directory inside each scope holding lock files.
	locksDirName = "locks"

	// A lock file is briefly empty between its exclusive creation and the
	// write of its content. Readers retry before treating it as corrupt.
	incompleteReadAttempts = 5
	incompleteReadBackoff  = 10 * time.Millisecond
)

// FileProvider stores the locks of each scope under <root>/<scope>/locks.
type FileProvider struct {
	root   string
	logger *zap.Logger

	mu     sync.Mutex
	stores map[string]*FileStore
}

// NewFileProvider creates a provider rooted at root. Directories are
// created lazily on the first write.
func NewFileProvider(root string, logger *zap.Logger) (*FileProvider, error) {
	if root == "" {
		return nil, fmt.Errorf("file store root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve file store root: %w", err)
	}

	logger.Info("File lock store configured", zap.String("root", abs))

	return &FileProvider{
		root:   abs,
		logger: logger,
		stores: make(map[string]*FileStore),
	}, nil
}

func (p *FileProvider) Backend() string { return BackendFile }

func (p *FileProvider) Open(_ context.Context, scope string) (Store, error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.stores[scope]
	if !ok {
		s = NewFileStore(filepath.Join(p.root, scope, locksDirName), p.logger.With(zap.String("scope", scope)))
		p.stores[scope] = s
	}
	return s, nil
}

// Ping checks that the root exists and is a directory, creating it if
// missing.
func (p *FileProvider) Ping(context.Context) error {
	if err := os.MkdirAll(p.root, 0o755); err != nil {
		return fmt.Errorf("failed to create file store root: %w", err)
	}
	info, err := os.Stat(p.root)
	if err != nil {
		return fmt.Errorf("failed to stat file store root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("file store root %s is not a directory", p.root)
	}
	return nil
}

func (p *FileProvider) Stats(context.Context) (*StoreStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return &StoreStats{
		Backend:           BackendFile,
		Scopes:            len(p.stores),
		ClusterMembers:    1,
		ReplicationFactor: 1,
	}, nil
}

func (p *FileProvider) Close(context.Context) error { return nil }

// FileStore keeps each lock as a JSON file named by the lock id.
//
// Create uses O_EXCL so the filesystem decides which of several concurrent
// creators wins, including creators in other processes. An advisory flock
// is held while the content is written and while it is read back, so a
// lister never observes a half-written record.
type FileStore struct {
	dir    string
	logger *zap.Logger
}

// NewFileStore creates a store keeping its lock files in dir.
func NewFileStore(dir string, logger *zap.Logger) *FileStore {
	return &FileStore{dir: dir, logger: logger}
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id)
}

func (s *FileStore) Create(_ context.Context, rec *model.Record) error {
	if !validKey(rec.ID) {
		return fmt.Errorf("invalid lock id %q", rec.ID)
	}

	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create locks directory: %w", err)
	}

	name := s.path(rec.ID)
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrKeyExists
		}
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	if err := lockFile(f, true); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("failed to lock %s: %w", name, err)
	}
	defer func() { _ = unlockFile(f) }()

	if _, err := f.Write(data); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("failed to sync lock file: %w", err)
	}

	s.logger.Debug("Lock file written", zap.String("id", rec.ID), zap.String("file", name))
	return nil
}

func (s *FileStore) Get(ctx context.Context, id string) (*model.Record, error) {
	if !validKey(id) {
		return nil, ErrKeyNotFound
	}

	var lastErr error
	for attempt := 0; attempt < incompleteReadAttempts; attempt++ {
		rec, err := s.read(s.path(id))
		if !errors.Is(err, ErrIncompleteRecord) {
			return rec, err
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(incompleteReadBackoff):
		}
	}
	return nil, lastErr
}

func (s *FileStore) read(name string) (*model.Record, error) {
	f, err := os.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	defer f.Close()

	if err := lockFile(f, false); err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", name, err)
	}
	defer func() { _ = unlockFile(f) }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read lock file: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrIncompleteRecord
	}
	return decodeRecord(data)
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	if !validKey(id) {
		return nil
	}
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete lock file: %w", err)
	}
	return nil
}

// List reads every lock file in the directory. Entries that cannot be read
// are logged and skipped.
func (s *FileStore) List(ctx context.Context) iter.Seq2[*model.Record, error] {
	return func(yield func(*model.Record, error) bool) {
		entries, err := s.entries()
		if err != nil {
			yield(nil, err)
			return
		}

		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			rec, err := s.Get(ctx, entry.Name())
			if err != nil {
				if errors.Is(err, ErrKeyNotFound) {
					continue
				}
				if ctxErr := ctx.Err(); ctxErr != nil {
					yield(nil, ctxErr)
					return
				}
				s.logger.Warn("Skipping unreadable lock file",
					zap.String("file", s.path(entry.Name())),
					zap.Error(err),
				)
				continue
			}

			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (s *FileStore) Count(context.Context) (int64, error) {
	entries, err := s.entries()
	if err != nil {
		return 0, err
	}
	return int64(len(entries)), nil
}

func (s *FileStore) entries() ([]fs.DirEntry, error) {
	all, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read locks directory: %w", err)
	}

	entries := all[:0]
	for _, entry := range all {
		if entry.Type().IsRegular() && validKey(entry.Name()) {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}
