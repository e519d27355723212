// Package rwlock provides a task-aware readers/writer lock.
//
// The lock admits many readers or one writer. Once a writer is waiting, new
// readers queue behind it. A task (identified through the context, see
// WithTask) may re-acquire a lock it already holds in the same mode, and may
// read while it holds the write side. Asking for the write side while holding
// the read side fails with ErrLockUpgrade instead of deadlocking.
package rwlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrLockUpgrade is returned when a task holding a read lock asks for the
// write lock.
var ErrLockUpgrade = errors.New("rwlock: cannot upgrade read lock to write lock")

// TaskID identifies a logical task across goroutines.
type TaskID uint64

type taskKey struct{}

var lastTask atomic.Uint64

// WithTask returns a context carrying a fresh task identity unless ctx
// already carries one.
func WithTask(ctx context.Context) context.Context {
	if _, ok := ctx.Value(taskKey{}).(TaskID); ok {
		return ctx
	}
	return context.WithValue(ctx, taskKey{}, TaskID(lastTask.Add(1)))
}

// NewTask always returns a context with a fresh task identity.
func NewTask(ctx context.Context) context.Context {
	return context.WithValue(ctx, taskKey{}, TaskID(lastTask.Add(1)))
}

func taskOf(ctx context.Context) TaskID {
	if id, ok := ctx.Value(taskKey{}).(TaskID); ok {
		return id
	}
	// anonymous callers never re-enter
	return TaskID(lastTask.Add(1))
}

type waiter struct {
	write   bool
	task    TaskID
	ready   chan struct{}
	granted bool
}

// RWLock is a writer-preferring, re-entrant readers/writer lock.
// The zero value is ready to use.
type RWLock struct {
	mu          sync.Mutex
	readers     map[TaskID]int
	writer      TaskID
	writerDepth int
	queue       []*waiter
}

// ReleaseFunc gives back a lock acquired by RLock or Lock. Calling it more
// than once is a no-op.
type ReleaseFunc func()

// RLock acquires the read side for the task in ctx.
func (l *RWLock) RLock(ctx context.Context) (ReleaseFunc, error) {
	task := taskOf(ctx)

	l.mu.Lock()
	if l.readers == nil {
		l.readers = make(map[TaskID]int)
	}

	switch {
	case l.writerDepth > 0 && l.writer == task:
		// read inside own write
		l.writerDepth++
		l.mu.Unlock()
		return l.releaseOnce(l.releaseWrite), nil
	case l.readers[task] > 0:
		l.readers[task]++
		l.mu.Unlock()
		return l.releaseOnce(func() { l.releaseRead(task) }), nil
	case l.writerDepth == 0 && len(l.queue) == 0:
		l.readers[task]++
		l.mu.Unlock()
		return l.releaseOnce(func() { l.releaseRead(task) }), nil
	}

	w := &waiter{task: task, ready: make(chan struct{})}
	l.queue = append(l.queue, w)
	l.mu.Unlock()

	if err := l.wait(ctx, w); err != nil {
		return nil, err
	}
	return l.releaseOnce(func() { l.releaseRead(task) }), nil
}

// Lock acquires the write side for the task in ctx.
func (l *RWLock) Lock(ctx context.Context) (ReleaseFunc, error) {
	task := taskOf(ctx)

	l.mu.Lock()
	if l.readers == nil {
		l.readers = make(map[TaskID]int)
	}

	switch {
	case l.readers[task] > 0:
		l.mu.Unlock()
		return nil, ErrLockUpgrade
	case l.writerDepth > 0 && l.writer == task:
		l.writerDepth++
		l.mu.Unlock()
		return l.releaseOnce(l.releaseWrite), nil
	case l.writerDepth == 0 && len(l.readers) == 0 && len(l.queue) == 0:
		l.writer = task
		l.writerDepth = 1
		l.mu.Unlock()
		return l.releaseOnce(l.releaseWrite), nil
	}

	w := &waiter{write: true, task: task, ready: make(chan struct{})}
	l.queue = append(l.queue, w)
	l.mu.Unlock()

	if err := l.wait(ctx, w); err != nil {
		return nil, err
	}
	return l.releaseOnce(l.releaseWrite), nil
}

func (l *RWLock) wait(ctx context.Context, w *waiter) error {
	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	if w.granted {
		// granted while we were being cancelled; hand it back
		l.mu.Unlock()
		if w.write {
			l.releaseWrite()
		} else {
			l.releaseRead(w.task)
		}
		return ctx.Err()
	}
	for i, q := range l.queue {
		if q == w {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			break
		}
	}
	l.wakeLocked()
	l.mu.Unlock()
	return ctx.Err()
}

func (l *RWLock) releaseRead(task TaskID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.readers[task] <= 1 {
		delete(l.readers, task)
	} else {
		l.readers[task]--
	}
	l.wakeLocked()
}

func (l *RWLock) releaseWrite() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.writerDepth--
	if l.writerDepth <= 0 {
		l.writerDepth = 0
		l.writer = 0
	}
	l.wakeLocked()
}

// wakeLocked grants queued waiters in FIFO order while they are compatible
// with the current holders. Must be called with l.mu held.
func (l *RWLock) wakeLocked() {
	for len(l.queue) > 0 {
		head := l.queue[0]
		if head.write {
			if l.writerDepth > 0 || len(l.readers) > 0 {
				return
			}
			l.writer = head.task
			l.writerDepth = 1
		} else {
			if l.writerDepth > 0 {
				return
			}
			l.readers[head.task]++
		}
		head.granted = true
		close(head.ready)
		l.queue = l.queue[1:]
		if head.write {
			return
		}
	}
}

func (l *RWLock) releaseOnce(fn func()) ReleaseFunc {
	var once sync.Once
	return func() { once.Do(fn) }
}

// Waiting reports the number of queued acquisitions.
func (l *RWLock) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}
