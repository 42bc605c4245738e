package lock

import "context"

// NoOpLocker is a no-op implementation for tests that already run serially.
type NoOpLocker struct{}

func NewNoOpLocker() *NoOpLocker {
	return &NoOpLocker{}
}

func (l *NoOpLocker) Acquire(ctx context.Context, name string) (Lock, error) {
	return noopLock{}, nil
}

type noopLock struct{}

func (noopLock) Release() error { return nil }
