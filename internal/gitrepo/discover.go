package gitrepo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Discover opens every git repository found directly below root. Entries
// that are not repositories are skipped, as are names starting with "_",
// which are reserved.
func Discover(root string, logger *zap.Logger) ([]*Repository, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read repositories root: %w", err)
	}

	var repos []*Repository
	for _, entry := range entries {
		name := entry.Name()
		dir := filepath.Join(root, name)

		if strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
			continue
		}
		if !isDir(entry, dir) {
			continue
		}

		repo, err := Open(dir)
		if err != nil {
			if errors.Is(err, ErrNotRepository) {
				logger.Debug("Skipping directory without a repository", zap.String("dir", dir))
				continue
			}
			logger.Warn("Failed to open repository", zap.String("dir", dir), zap.Error(err))
			continue
		}

		repos = append(repos, repo)
	}

	return repos, nil
}

// isDir reports whether entry is a directory, following symlinks.
func isDir(entry os.DirEntry, path string) bool {
	if entry.IsDir() {
		return true
	}
	if entry.Type()&os.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
