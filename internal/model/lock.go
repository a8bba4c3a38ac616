package model

import (
	"encoding/base64"
	"time"
)

// LockedAtFormat is the textual form of Lock.LockedAt: second precision with
// the UTC offset of the server.
const LockedAtFormat = time.RFC3339

// Lock is an exclusive claim by one user on a repository path.
type Lock struct {
	// ID is derived from Path by LockID and is stable across recreation.
	ID string `json:"id"`

	// Path is the repository-relative file path being locked.
	Path string `json:"path"`

	// LockedAt is the creation timestamp in LockedAtFormat.
	LockedAt string `json:"locked_at"`

	// Owner is nil for locks taken by anonymous users.
	Owner *Owner `json:"owner,omitempty"`
}

// Owner identifies the user holding a lock.
type Owner struct {
	Name string `json:"name"`
}

// Ref is a fully-qualified git reference, such as refs/heads/main.
type Ref struct {
	Name string `json:"name"`
}

// Record is the stored form of a Lock. It adds the ref the lock was scoped
// to, which is never echoed back to clients.
type Record struct {
	Lock
	Ref *Ref `json:"ref,omitempty"`
}

// LockID derives the lock identifier for path.
func LockID(path string) string {
	return base64.URLEncoding.EncodeToString([]byte(path))
}

// PathFromID reverses LockID. ok is false for ids LockID cannot produce.
func PathFromID(id string) (path string, ok bool) {
	b, err := base64.URLEncoding.DecodeString(id)
	if err != nil || len(b) == 0 {
		return "", false
	}
	return string(b), true
}

// NewRecord builds the record for a new lock on path. An empty username or
// refName leaves the owner or ref unset.
func NewRecord(path, refName, username string, now time.Time) *Record {
	rec := &Record{
		Lock: Lock{
			ID:       LockID(path),
			Path:     path,
			LockedAt: now.Truncate(time.Second).Format(LockedAtFormat),
		},
	}
	if username != "" {
		rec.Owner = &Owner{Name: username}
	}
	if refName != "" {
		rec.Ref = &Ref{Name: refName}
	}
	return rec
}

// OwnerName returns the owning username, or "" for anonymous locks.
func (l *Lock) OwnerName() string {
	if l.Owner == nil {
		return ""
	}
	return l.Owner.Name
}

// RefName returns the ref the lock was created against, or "" when unscoped.
func (r *Record) RefName() string {
	if r.Ref == nil {
		return ""
	}
	return r.Ref.Name
}

// ToLock returns a copy of the client-visible part of the record.
func (r *Record) ToLock() *Lock {
	l := r.Lock
	if r.Owner != nil {
		l.Owner = &Owner{Name: r.Owner.Name}
	}
	return &l
}

// Matches reports whether the record passes the path and ref filters. An
// empty filter matches every record.
func (r *Record) Matches(path, refName string) bool {
	if path != "" && r.Path != path {
		return false
	}
	if refName != "" && r.RefName() != refName {
		return false
	}
	return true
}
