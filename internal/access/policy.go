// Package access decides whether a user may read or change the locks of a
// repository, and who may break other users' locks.
package access

import "context"

// Policy answers whether username may read or write locks scoped to
// refName. Both checks return nil when access is granted, otherwise an
// errclass error describing the denial. An empty username is anonymous.
type Policy interface {
	CheckReadAccess(ctx context.Context, refName, username string) error
	CheckWriteAccess(ctx context.Context, refName, username string) error
}

// AdminChecker answers whether username may force-delete locks owned by
// other users.
type AdminChecker interface {
	IsLockAdministrator(ctx context.Context, username string) (bool, error)
}

// AllowAll grants every check, and makes every caller a lock administrator.
type AllowAll struct{}

func (AllowAll) CheckReadAccess(context.Context, string, string) error { return nil }

func (AllowAll) CheckWriteAccess(context.Context, string, string) error { return nil }

func (AllowAll) IsLockAdministrator(context.Context, string) (bool, error) { return true, nil }

// Chain grants access only when every policy in it does. The first denial
// is returned.
type Chain []Policy

func (c Chain) CheckReadAccess(ctx context.Context, refName, username string) error {
	for _, p := range c {
		if err := p.CheckReadAccess(ctx, refName, username); err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) CheckWriteAccess(ctx context.Context, refName, username string) error {
	for _, p := range c {
		if err := p.CheckWriteAccess(ctx, refName, username); err != nil {
			return err
		}
	}
	return nil
}
