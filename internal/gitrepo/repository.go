// Package gitrepo answers questions about the git repositories locks are
// taken against: whether a path exists at a ref, and how the repository is
// configured for HTTP access.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// DefaultRef is the revision consulted when a request names no ref.
const DefaultRef = "HEAD"

var (
	// ErrRefNotFound is returned when a ref cannot be resolved to a commit.
	ErrRefNotFound = errors.New("ref not found")

	// ErrNotRepository is returned by Open for paths that hold no repository.
	ErrNotRepository = errors.New("not a git repository")
)

// Repository is a git repository on disk. Every query reopens it, so
// objects packed by pushes or gc after Open are always visible. It is safe
// for concurrent use.
type Repository struct {
	name string
	path string
}

// Open opens the bare or non-bare repository at path. The repository is
// named after the last element of path.
func Open(path string) (*Repository, error) {
	if _, err := plainOpen(path); err != nil {
		return nil, err
	}
	return &Repository{
		name: filepath.Base(path),
		path: path,
	}, nil
}

// plainOpen opens a fresh handle. go-git loads pack indexes once per
// handle, so a long lived handle misses packs written after it was opened.
func plainOpen(path string) (*git.Repository, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotRepository)
		}
		return nil, fmt.Errorf("failed to open repository %s: %w", path, err)
	}
	return repo, nil
}

// Name returns the repository name used in URLs.
func (r *Repository) Name() string {
	return r.name
}

// Path returns the directory the repository was opened from.
func (r *Repository) Path() string {
	return r.path
}

// PathExists reports whether path names a file or directory in the tree of
// the commit refName resolves to. An empty refName means DefaultRef.
func (r *Repository) PathExists(ctx context.Context, refName, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if refName == "" {
		refName = DefaultRef
	}

	repo, err := plainOpen(r.path)
	if err != nil {
		return false, err
	}

	hash, err := repo.ResolveRevision(plumbing.Revision(refName))
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) || errors.Is(err, plumbing.ErrObjectNotFound) {
			return false, fmt.Errorf("%s: %w", refName, ErrRefNotFound)
		}
		return false, fmt.Errorf("failed to resolve %s: %w", refName, err)
	}

	commit, err := repo.CommitObject(*hash)
	if err != nil {
		return false, fmt.Errorf("failed to read commit %s: %w", hash, err)
	}

	tree, err := commit.Tree()
	if err != nil {
		return false, fmt.Errorf("failed to read tree of %s: %w", hash, err)
	}

	if _, err := tree.FindEntry(path); err != nil {
		if errors.Is(err, object.ErrEntryNotFound) || errors.Is(err, object.ErrDirectoryNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up %s: %w", path, err)
	}
	return true, nil
}

// ConfigBool reads a boolean from the repository configuration, returning
// def when the option is unset. Values follow git's spelling of booleans.
func (r *Repository) ConfigBool(section, key string, def bool) (bool, error) {
	repo, err := plainOpen(r.path)
	if err != nil {
		return def, err
	}
	cfg, err := repo.Config()
	if err != nil {
		return def, fmt.Errorf("failed to read repository config: %w", err)
	}

	if !cfg.Raw.HasSection(section) {
		return def, nil
	}
	s := cfg.Raw.Section(section)
	if !s.HasOption(key) {
		return def, nil
	}
	return parseBool(s.Option(key))
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "true", "yes", "on", "1":
		return true, nil
	case "false", "no", "off", "0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value %q", v)
	}
}
