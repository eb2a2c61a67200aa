package store

import (
	"context"
	"errors"
)

// Well-known keys shared by the packages of this module.
const (
	KeyLoginAttempts   = "loginAttempts"
	KeyRoleBinding     = "userRoleBinding"
	KeyLegacyRole      = "userRole"
	KeyProviderSession = "authSession"
)

// ErrUnavailable wraps backend failures (network, quota, closed client).
var ErrUnavailable = errors.New("store unavailable")

// Store is a string key-value store that survives process restarts.
type Store interface {
	// GetItem returns the value and true, or "" and false when the key is absent.
	GetItem(ctx context.Context, key string) (string, bool, error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
}

// UpdateFunc receives the current value and reports the value to write.
// Returning remove=true deletes the key instead.
type UpdateFunc func(current string, ok bool) (next string, remove bool, err error)

// Updater is implemented by stores able to apply an UpdateFunc atomically
// with respect to other writers of the same key.
type Updater interface {
	UpdateItem(ctx context.Context, key string, fn UpdateFunc) error
}

// Change describes a key written or removed by another process.
type Change struct {
	Key     string
	Removed bool
}

// Watcher is implemented by stores shared between processes. fn is invoked
// for changes made by other writers only.
type Watcher interface {
	Watch(ctx context.Context, fn func(Change)) (stop func(), err error)
}

// Update applies fn to key, atomically when s implements Updater and as a
// plain get-then-set otherwise.
func Update(ctx context.Context, s Store, key string, fn UpdateFunc) error {
	if u, ok := s.(Updater); ok {
		return u.UpdateItem(ctx, key, fn)
	}

	current, ok, err := s.GetItem(ctx, key)
	if err != nil {
		return err
	}
	next, remove, err := fn(current, ok)
	if err != nil {
		return err
	}
	if remove {
		return s.RemoveItem(ctx, key)
	}
	return s.SetItem(ctx, key, next)
}
