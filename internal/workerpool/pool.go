// Package workerpool runs CPU-heavy jobs (archive parsing, simulation
// chunks) on a fixed number of goroutines.
//
// A job that panics breaks the pool: the running job and every later
// submission fail with ErrBrokenPool until Rebuild is called. Do rebuilds
// once and resubmits, so a single crash does not take a whole run down.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ErrBrokenPool is returned for jobs submitted to a broken pool.
var ErrBrokenPool = errors.New("worker pool is broken")

// Job is a unit of work.
type Job func(ctx context.Context) error

type task struct {
	ctx  context.Context
	fn   Job
	done chan error
}

type generation struct {
	jobs   chan task
	quit   chan struct{}
	broken atomic.Bool
	wg     sync.WaitGroup
}

// Pool is a fixed-size worker pool.
type Pool struct {
	size   int
	logger logrus.FieldLogger

	mu     sync.Mutex
	gen    *generation
	closed bool
}

// New starts a pool of size workers; size ≤ 0 means runtime.NumCPU().
func New(size int, logger logrus.FieldLogger) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	p := &Pool{size: size, logger: logger}
	p.gen = p.start()
	return p
}

// Size returns the worker count.
func (p *Pool) Size() int { return p.size }

func (p *Pool) start() *generation {
	g := &generation{
		jobs: make(chan task),
		quit: make(chan struct{}),
	}
	for i := 0; i < p.size; i++ {
		g.wg.Add(1)
		go p.work(g)
	}
	return g
}

func (p *Pool) work(g *generation) {
	defer g.wg.Done()
	for {
		select {
		case <-g.quit:
			return
		case t := <-g.jobs:
			t.done <- p.run(g, t)
		}
	}
}

func (p *Pool) run(g *generation, t task) (err error) {
	if g.broken.Load() {
		return ErrBrokenPool
	}
	defer func() {
		if r := recover(); r != nil {
			g.broken.Store(true)
			p.logger.Errorf("Worker crashed: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("%w: %v", ErrBrokenPool, r)
		}
	}()
	return t.fn(t.ctx)
}

// Submit runs fn on a worker and waits for it.
func (p *Pool) Submit(ctx context.Context, fn Job) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("worker pool is closed")
	}
	g := p.gen
	p.mu.Unlock()

	if g.broken.Load() {
		return ErrBrokenPool
	}

	t := task{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case g.jobs <- t:
	case <-g.quit:
		return ErrBrokenPool
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-t.done
}

// Broken reports whether the current workers are unusable.
func (p *Pool) Broken() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen.broken.Load()
}

// Rebuild replaces broken workers with fresh ones of the same count.
func (p *Pool) Rebuild() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !p.gen.broken.Load() {
		return
	}
	old := p.gen
	close(old.quit)
	p.gen = p.start()
	p.logger.Warnf("Worker pool rebuilt with %d workers", p.size)
}

// Do submits fn; if the pool turns out broken it rebuilds the pool and
// resubmits once.
func (p *Pool) Do(ctx context.Context, fn Job) error {
	err := p.Submit(ctx, fn)
	if !errors.Is(err, ErrBrokenPool) {
		return err
	}
	p.Rebuild()
	return p.Submit(ctx, fn)
}

// Close stops the workers after running jobs finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	g := p.gen
	close(g.quit)
	p.mu.Unlock()
	g.wg.Wait()
}
