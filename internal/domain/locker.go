package domain

import (
	"context"
	"errors"
)

// ErrLockNotAcquired is returned when a lock cannot be acquired, for example
// if it's already held by another orchestrator replica.
var ErrLockNotAcquired = errors.New("lock not acquired")

// Lock represents an acquired distributed lock.
type Lock interface {
	// Unlock releases the lock.
	Unlock(ctx context.Context) error
}

// Locker defines the interface for a distributed locking mechanism. The
// submit path uses it to serialize the existence-check-then-create window for
// one job id across orchestrator replicas.
type Locker interface {
	// Lock attempts to acquire a lock for the given name. It is a
	// non-blocking call: if the lock is already held it must return
	// ErrLockNotAcquired.
	Lock(ctx context.Context, name string) (Lock, error)
}
