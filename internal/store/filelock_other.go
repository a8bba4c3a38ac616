//go:build !unix

package store

import "os"

// lockFile is a no-op where flock is unavailable. Exclusive creation still
// guarantees a single winner; only the protection against reading a
// half-written file is lost.
func lockFile(_ *os.File, _ bool) error {
	return nil
}

func unlockFile(_ *os.File) error {
	return nil
}
