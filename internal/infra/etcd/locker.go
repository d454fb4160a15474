// internal/infra/etcd/locker.go
package etcd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"media-pipeline/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const (
	// LockPrefix is the etcd prefix for submit-path locks.
	LockPrefix = "/pipeline/locks/"
	// LockSessionTTL bounds how long a crashed holder can pin a lock, in seconds.
	LockSessionTTL = 10
)

type etcdLock struct {
	mutex   *concurrency.Mutex
	session *concurrency.Session
	name    string
}

// Unlock releases the lock and closes its session, dropping the lease.
func (l *etcdLock) Unlock(ctx context.Context) error {
	defer func() {
		if l.session != nil {
			_ = l.session.Close()
		}
	}()
	if err := l.mutex.Unlock(ctx); err != nil {
		return fmt.Errorf("unlock %s: %w", l.name, err)
	}
	return nil
}

type etcdLocker struct {
	client *clientv3.Client
}

// NewLocker creates a distributed locker backed by etcd sessions. The submit
// path uses it to serialize the existence-check-then-create window for one
// job id across orchestrator replicas.
func NewLocker(client *clientv3.Client) domain.Locker {
	return &etcdLocker{client: client}
}

// Lock makes a non-blocking attempt to acquire the named lock. Each attempt
// gets its own session so a crashed holder releases automatically when the
// lease expires.
func (l *etcdLocker) Lock(ctx context.Context, name string) (domain.Lock, error) {
	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(LockSessionTTL))
	if err != nil {
		return nil, fmt.Errorf("create session for lock %s: %w", name, err)
	}

	mutex := concurrency.NewMutex(session, LockPrefix+name)

	tryCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if err := mutex.TryLock(tryCtx); err != nil {
		_ = session.Close()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, concurrency.ErrLocked) {
			return nil, domain.ErrLockNotAcquired
		}
		return nil, fmt.Errorf("try lock %s: %w", name, err)
	}

	return &etcdLock{mutex: mutex, session: session, name: name}, nil
}
