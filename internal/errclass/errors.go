// Package errclass defines the closed set of failures the lock service can
// report. Each failure carries a Kind, and callers match on it with errors.Is
// against the exported sentinels.
package errclass

import (
	"errors"
	"fmt"

	"github.com/n3tuk/lfs-lock-service/internal/model"
)

// Kind identifies a class of lock service failure.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindLockExists   Kind = "lock_exists"
	KindUnauthorized Kind = "unauthorized"
	KindUnavailable  Kind = "unavailable"
	KindNotFound     Kind = "not_found"
	KindInternal     Kind = "internal"
)

// LockError is a classified failure. Lock is only set for KindLockExists and
// holds the record that won the race.
type LockError struct {
	Kind    Kind
	Message string
	Lock    *model.Lock
	Err     error
}

func (e *LockError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *LockError) Unwrap() error {
	return e.Err
}

func (e *LockError) Is(target error) bool {
	t, ok := target.(*LockError)
	return ok && e.Kind == t.Kind
}

// WithMessage returns a new LockError of the same Kind with msg.
func (e *LockError) WithMessage(msg string) *LockError {
	return &LockError{Kind: e.Kind, Message: msg}
}

// WithMessagef returns a new LockError of the same Kind with a formatted message.
func (e *LockError) WithMessagef(format string, args ...any) *LockError {
	return &LockError{Kind: e.Kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a new LockError of the same Kind that wraps cause.
func (e *LockError) Wrap(cause error, msg string) *LockError {
	return &LockError{Kind: e.Kind, Message: msg, Err: cause}
}

var (
	ErrValidation   = &LockError{Kind: KindValidation}
	ErrLockExists   = &LockError{Kind: KindLockExists}
	ErrUnauthorized = &LockError{Kind: KindUnauthorized}
	ErrUnavailable  = &LockError{Kind: KindUnavailable}
	ErrNotFound     = &LockError{Kind: KindNotFound}
	ErrInternal     = &LockError{Kind: KindInternal}
)

// LockExists reports that path is already locked by existing.
func LockExists(existing *model.Lock) *LockError {
	return &LockError{Kind: KindLockExists, Message: "lock already exists", Lock: existing}
}

// Unauthorized reports that the caller may not perform action on path.
func Unauthorized(action, path string) *LockError {
	return &LockError{
		Kind:    KindUnauthorized,
		Message: fmt.Sprintf("not authorized to %s %s", action, path),
	}
}

// KindOf returns the Kind of err. Errors outside the taxonomy are internal.
func KindOf(err error) Kind {
	var le *LockError
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindInternal
}

// ConflictingLock returns the lock carried by a lock-exists error, if any.
func ConflictingLock(err error) (*model.Lock, bool) {
	var le *LockError
	if errors.As(err, &le) && le.Kind == KindLockExists && le.Lock != nil {
		return le.Lock, true
	}
	return nil, false
}
