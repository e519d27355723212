package rwlock

import "context"

// Guarded pairs a value with the lock that protects it. Every shared store
// in the workstation is held in one of these.
type Guarded[T any] struct {
	lock  RWLock
	value T
}

// NewGuarded wraps v.
func NewGuarded[T any](v T) *Guarded[T] {
	return &Guarded[T]{value: v}
}

// Read runs fn with the read side held.
func (g *Guarded[T]) Read(ctx context.Context, fn func(v T) error) error {
	release, err := g.lock.RLock(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(g.value)
}

// Write runs fn with the write side held. fn may replace the value.
func (g *Guarded[T]) Write(ctx context.Context, fn func(v *T) error) error {
	release, err := g.lock.Lock(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(&g.value)
}

// Lock exposes the underlying lock for callers that need to hold it across
// several operations.
func (g *Guarded[T]) Lock() *RWLock {
	return &g.lock
}
