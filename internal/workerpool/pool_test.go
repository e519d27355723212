package workerpool

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newPool(size int) *Pool {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(size, logger)
}

func TestPoolRunsJobs(t *testing.T) {
	p := newPool(3)
	defer p.Close()

	var sum atomic.Int64
	g, ctx := errgroup.WithContext(context.Background())
	for i := 1; i <= 10; i++ {
		i := i
		g.Go(func() error {
			return p.Do(ctx, func(ctx context.Context) error {
				sum.Add(int64(i))
				return nil
			})
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(55), sum.Load())
}

func TestPoolPropagatesErrors(t *testing.T) {
	p := newPool(1)
	defer p.Close()

	boom := errors.New("boom")
	err := p.Do(context.Background(), func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, p.Broken())
}

func TestPanicBreaksPoolAndDoRetriesOnce(t *testing.T) {
	p := newPool(2)
	defer p.Close()

	var calls atomic.Int32
	err := p.Do(context.Background(), func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			panic("worker died")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.False(t, p.Broken())
}

func TestPersistentPanicSurfaces(t *testing.T) {
	p := newPool(1)
	defer p.Close()

	err := p.Do(context.Background(), func(ctx context.Context) error { panic("always") })
	assert.ErrorIs(t, err, ErrBrokenPool)

	err = p.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrBrokenPool)

	p.Rebuild()
	assert.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error { return nil }))
}
