// Package lock provides cross-process mutual exclusion for resources shared
// between short-lived stoker invocations (the network pool and individual
// instance records).
package lock

import (
	"context"
)

// Locker hands out named locks. Acquire blocks until the lock is held or the
// context is cancelled.
type Locker interface {
	Acquire(ctx context.Context, name string) (Lock, error)
}

// Lock represents an acquired lock that must be released.
type Lock interface {
	Release() error
}
