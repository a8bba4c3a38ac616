package storage

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/n3tuk/lfs-lock-service/internal/access"
	"github.com/n3tuk/lfs-lock-service/internal/errclass"
	"github.com/n3tuk/lfs-lock-service/internal/gitrepo"
	"github.com/n3tuk/lfs-lock-service/internal/model"
	"github.com/n3tuk/lfs-lock-service/internal/store"
)

// LockManager defines the file locking operations of one repository.
// Failures are errclass errors.
type LockManager interface {
	// CreateLock locks path for username. The path must exist at refName,
	// or at the default ref when refName is empty. If path is already
	// locked the error is a lock-exists error carrying the existing lock.
	CreateLock(ctx context.Context, path, refName, username string) (*model.Lock, error)

	// ListLocks returns the locks matching opts.
	ListLocks(ctx context.Context, opts ListOptions) (*model.LockList, error)

	// DeleteLock removes the lock id and returns it. Unless force is set
	// the caller must own the lock and refName, when given, must match the
	// ref the lock was taken on.
	DeleteLock(ctx context.Context, id, refName, username string, force bool) (*model.Lock, error)

	// ListLocksToVerify splits the locks matching refName into those held
	// by username and those held by anyone else.
	ListLocksToVerify(ctx context.Context, refName, username, cursor string, limit int) (*model.LocksToVerify, error)

	// IsLockAdministrator reports whether username may force-delete locks.
	IsLockAdministrator(ctx context.Context, username string) (bool, error)
}

// ListOptions filters and pages ListLocks. Empty filters match everything
// and a zero Limit returns every match in one page.
type ListOptions struct {
	Path    string
	ID      string
	Cursor  string
	Limit   int
	Refspec string
}

// PathChecker reports whether a path exists at a ref of the repository.
type PathChecker interface {
	PathExists(ctx context.Context, refName, path string) (bool, error)
}

// StoreLockManager implements LockManager on top of a store.Store. It keeps
// no lock state of its own; every call reads through the store.
type StoreLockManager struct {
	store      store.Store
	paths      PathChecker
	admins     access.AdminChecker
	logger     *zap.Logger
	defaultRef string
	normalize  bool
	now        func() time.Time
}

// Option configures a StoreLockManager.
type Option func(*StoreLockManager)

// WithAdministrators sets who may force-delete locks. Without it every
// caller is an administrator.
func WithAdministrators(admins access.AdminChecker) Option {
	return func(m *StoreLockManager) { m.admins = admins }
}

// WithDefaultRef sets the ref consulted for path existence when a create
// request names none.
func WithDefaultRef(ref string) Option {
	return func(m *StoreLockManager) { m.defaultRef = ref }
}

// WithPathNormalization converts paths to Unicode NFC before they are
// locked or used as a filter, so that differently composed spellings of
// the same name share one lock.
func WithPathNormalization(enabled bool) Option {
	return func(m *StoreLockManager) { m.normalize = enabled }
}

// WithClock replaces the source of lock timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *StoreLockManager) { m.now = now }
}

// NewStoreLockManager creates a lock manager over s, checking new lock
// paths against paths.
func NewStoreLockManager(s store.Store, paths PathChecker, logger *zap.Logger, opts ...Option) *StoreLockManager {
	m := &StoreLockManager{
		store:      s,
		paths:      paths,
		admins:     access.AllowAll{},
		logger:     logger,
		defaultRef: gitrepo.DefaultRef,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *StoreLockManager) normalizePath(path string) string {
	if m.normalize {
		return norm.NFC.String(path)
	}
	return path
}

// CreateLock locks path for username.
//
// The existence probe only produces a friendly early answer. Exclusivity
// comes from store.Create, and losing that race is reported exactly like a
// failed probe.
func (m *StoreLockManager) CreateLock(ctx context.Context, path, refName, username string) (*model.Lock, error) {
	path = m.normalizePath(path)
	if path == "" {
		return nil, errclass.ErrValidation.WithMessage("path must not be empty")
	}

	ref := refName
	if ref == "" {
		ref = m.defaultRef
	}

	exists, err := m.paths.PathExists(ctx, ref, path)
	if err != nil {
		if errors.Is(err, gitrepo.ErrRefNotFound) {
			return nil, errclass.ErrValidation.WithMessagef("ref %s does not exist in the repository", ref)
		}
		m.logger.Error("Failed to check lock path", zap.String("path", path), zap.String("ref", ref), zap.Error(err))
		return nil, errclass.ErrUnavailable.Wrap(err, "repository unavailable")
	}
	if !exists {
		return nil, errclass.ErrValidation.WithMessagef("path %s does not exist at %s", path, ref)
	}

	rec := model.NewRecord(path, refName, username, m.now())

	existing, err := m.store.Get(ctx, rec.ID)
	switch {
	case err == nil:
		m.logger.Debug("Lock already exists",
			zap.String("path", path),
			zap.String("owner", existing.OwnerName()),
		)
		return nil, errclass.LockExists(existing.ToLock())
	case !errors.Is(err, store.ErrKeyNotFound):
		return nil, m.internal("Failed to read lock", rec.ID, err)
	}

	if err := m.store.Create(ctx, rec); err != nil {
		if errors.Is(err, store.ErrKeyExists) {
			m.logger.Debug("Lost lock creation race", zap.String("path", path))
			return nil, m.conflict(ctx, rec.ID)
		}
		return nil, m.internal("Failed to create lock", rec.ID, err)
	}

	m.logger.Info("Lock created",
		zap.String("id", rec.ID),
		zap.String("path", path),
		zap.String("ref", refName),
		zap.String("owner", username),
	)

	return rec.ToLock(), nil
}

// conflict builds the lock-exists error for id from the stored winner.
func (m *StoreLockManager) conflict(ctx context.Context, id string) error {
	winner, err := m.store.Get(ctx, id)
	if err != nil {
		m.logger.Warn("Failed to read conflicting lock", zap.String("id", id), zap.Error(err))
		return errclass.LockExists(nil)
	}
	return errclass.LockExists(winner.ToLock())
}

// internal logs a store failure and classifies it as internal.
func (m *StoreLockManager) internal(msg, id string, err error) error {
	m.logger.Error(msg, zap.String("id", id), zap.Error(err))
	return errclass.ErrInternal.Wrap(err, msg)
}

// ListLocks returns the locks matching opts, ordered by id.
func (m *StoreLockManager) ListLocks(ctx context.Context, opts ListOptions) (*model.LockList, error) {
	if opts.Limit < 0 {
		return nil, errclass.ErrValidation.WithMessagef("invalid limit %d", opts.Limit)
	}
	path := m.normalizePath(opts.Path)

	var matches []*model.Record
	if opts.ID != "" {
		rec, err := m.store.Get(ctx, opts.ID)
		switch {
		case err == nil:
			if rec.Matches(path, opts.Refspec) {
				matches = append(matches, rec)
			}
		case !errors.Is(err, store.ErrKeyNotFound):
			return nil, m.internal("Failed to read lock", opts.ID, err)
		}
	} else {
		var err error
		matches, err = m.scan(ctx, path, opts.Refspec)
		if err != nil {
			return nil, err
		}
	}

	page, next := paginate(matches, opts.Cursor, opts.Limit)

	list := &model.LockList{
		Locks:      make([]*model.Lock, 0, len(page)),
		NextCursor: next,
	}
	for _, rec := range page {
		list.Locks = append(list.Locks, rec.ToLock())
	}
	return list, nil
}

// scan reads every record of the store matching the filters.
func (m *StoreLockManager) scan(ctx context.Context, path, refName string) ([]*model.Record, error) {
	var matches []*model.Record
	for rec, err := range m.store.List(ctx) {
		if err != nil {
			return nil, m.internal("Failed to list locks", "", err)
		}
		if rec.Matches(path, refName) {
			matches = append(matches, rec)
		}
	}
	return matches, nil
}

// paginate orders records by id and returns the page starting at cursor.
// The next cursor is the id of the first record left out, or "" when the
// page reaches the end.
func paginate(records []*model.Record, cursor string, limit int) ([]*model.Record, string) {
	slices.SortFunc(records, func(a, b *model.Record) int {
		return cmp.Compare(a.ID, b.ID)
	})

	if cursor != "" {
		start, _ := slices.BinarySearchFunc(records, cursor, func(r *model.Record, c string) int {
			return cmp.Compare(r.ID, c)
		})
		records = records[start:]
	}

	if limit == 0 || len(records) <= limit {
		return records, ""
	}
	return records[:limit], records[limit].ID
}

// DeleteLock removes the lock id.
func (m *StoreLockManager) DeleteLock(ctx context.Context, id, refName, username string, force bool) (*model.Lock, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil, errclass.ErrNotFound.WithMessage("lock doesn't exist for deletion")
		}
		if force && errors.Is(err, store.ErrIncompleteRecord) {
			return m.deleteIncomplete(ctx, id, username)
		}
		return nil, m.internal("Failed to read lock", id, err)
	}

	if !force {
		if !rec.Matches("", refName) {
			return nil, errclass.ErrNotFound.WithMessage("lock doesn't exist for deletion")
		}
		if rec.OwnerName() != username {
			m.logger.Info("Lock deletion denied",
				zap.String("id", id),
				zap.String("owner", rec.OwnerName()),
				zap.String("user", username),
			)
			return nil, errclass.Unauthorized("delete lock", rec.Path)
		}
	}

	if err := m.store.Delete(ctx, id); err != nil {
		return nil, m.internal("Failed to delete lock", id, err)
	}

	m.logger.Info("Lock deleted",
		zap.String("id", id),
		zap.String("path", rec.Path),
		zap.String("owner", rec.OwnerName()),
		zap.String("user", username),
		zap.Bool("force", force),
	)

	return rec.ToLock(), nil
}

// deleteIncomplete removes a record that exists but cannot be read, so a
// crash during create does not pin its path forever. Only forced deletes
// reach it since the owner of such a record is unknown.
func (m *StoreLockManager) deleteIncomplete(ctx context.Context, id, username string) (*model.Lock, error) {
	path, ok := model.PathFromID(id)
	if !ok {
		return nil, errclass.ErrNotFound.WithMessage("lock doesn't exist for deletion")
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return nil, m.internal("Failed to delete incomplete lock", id, err)
	}

	m.logger.Warn("Incomplete lock deleted",
		zap.String("id", id),
		zap.String("path", path),
		zap.String("user", username),
	)
	return &model.Lock{ID: id, Path: path}, nil
}

// ListLocksToVerify partitions the locks matching refName. Anonymous
// callers own the anonymous locks; identified callers own the locks with
// their exact username.
func (m *StoreLockManager) ListLocksToVerify(ctx context.Context, refName, username, cursor string, limit int) (*model.LocksToVerify, error) {
	if limit < 0 {
		return nil, errclass.ErrValidation.WithMessagef("invalid limit %d", limit)
	}

	matches, err := m.scan(ctx, "", refName)
	if err != nil {
		return nil, err
	}

	page, next := paginate(matches, cursor, limit)

	result := &model.LocksToVerify{
		Ours:       []*model.Lock{},
		Theirs:     []*model.Lock{},
		NextCursor: next,
	}
	for _, rec := range page {
		if rec.OwnerName() == username {
			result.Ours = append(result.Ours, rec.ToLock())
		} else {
			result.Theirs = append(result.Theirs, rec.ToLock())
		}
	}
	return result, nil
}

// IsLockAdministrator reports whether username may force-delete locks.
func (m *StoreLockManager) IsLockAdministrator(ctx context.Context, username string) (bool, error) {
	ok, err := m.admins.IsLockAdministrator(ctx, username)
	if err != nil {
		return false, errclass.ErrInternal.Wrap(err, "failed to check lock administrators")
	}
	return ok, nil
}
