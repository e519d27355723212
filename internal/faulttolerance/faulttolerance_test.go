package faulttolerance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestRetryerSucceedsAfterFailures(t *testing.T) {
	r := NewRetryer(FixedRetryConfig("test", 5, time.Millisecond), quietLogger())

	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryerGivesUp(t *testing.T) {
	r := NewRetryer(FixedRetryConfig("test", 3, time.Millisecond), quietLogger())
	sentinel := errors.New("down")

	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return sentinel
	})

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls)
}

func TestRetryerStopsOnPermanent(t *testing.T) {
	notFound := errors.New("404")
	cfg := FixedRetryConfig("test", 10, time.Millisecond)
	cfg.Permanent = func(err error) bool { return errors.Is(err, notFound) }
	r := NewRetryer(cfg, quietLogger())

	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return notFound
	})

	assert.ErrorIs(t, err, notFound)
	assert.Equal(t, 1, calls)
}

func TestFixedDelayIsConstant(t *testing.T) {
	r := NewRetryer(FixedRetryConfig("test", 10, 2*time.Second), quietLogger())
	for attempt := 1; attempt < 10; attempt++ {
		assert.Equal(t, 2*time.Second, r.calculateDelay(attempt))
	}
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Minute}, quietLogger())
	now := time.Unix(0, 0)
	cb.now = func() time.Time { return now }

	fail := func() error { return errors.New("banned") }
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), ErrCircuitBreakerOpen)

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreakerIgnoresUncountedErrors(t *testing.T) {
	boring := errors.New("bad request")
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures: 1,
		Counts:      func(err error) bool { return !errors.Is(err, boring) },
	}, quietLogger())

	_ = cb.Execute(context.Background(), func() error { return boring })
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestConnectivityHooks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	target := srv.URL
	m := NewConnectivityMonitor(ConnectivityConfig{Targets: []string{target}, Timeout: 500 * time.Millisecond}, quietLogger())

	var connects, disconnects int
	m.OnConnected(func() { connects++ })
	m.OnDisconnected(func() { disconnects++ })

	ctx := context.Background()
	assert.True(t, m.Check(ctx), "any HTTP status counts as connected")
	assert.Equal(t, 1, connects)

	srv.Close()
	assert.False(t, m.Check(ctx))
	assert.False(t, m.IsConnected())
	assert.Equal(t, 1, disconnects)

	// no transition, no hook
	m.Check(ctx)
	assert.Equal(t, 1, disconnects)
}
