package ingester

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/navid-fn/perpdesk/internal/models"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) drained() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue) == 0
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type fakeStorage struct {
	mu       sync.Mutex
	failures int
	batches  [][]string
}

func (s *fakeStorage) CreateCandles(_ context.Context, candles []*models.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("clickhouse unavailable")
	}
	ids := make([]string, len(candles))
	for i, c := range candles {
		ids[i] = c.Symbol
	}
	s.batches = append(s.batches, ids)
	return nil
}

func (s *fakeStorage) stored() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.batches...)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func candleMessage(t *testing.T, offset int64, symbol string) kafka.Message {
	t.Helper()
	bar := models.CandleBar{Open: 10, High: 12, Low: 9, Close: 11, Volume: 3}
	c := models.NewArchiveCandle(symbol, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), bar)
	data, err := json.Marshal(c)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Key: []byte(symbol), Value: data}
}

func runIngester(t *testing.T, r *fakeReader, s *fakeStorage, cfg Config, until func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewIngester(r, s, quietLogger(), cfg).Start(ctx) }()

	require.Eventually(t, until, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ingester did not stop")
	}
}

func TestIngesterFlushesFullBatchesAndRemainderOnShutdown(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{
		candleMessage(t, 1, "BTCUSDT"),
		{Offset: 2, Value: []byte("not json")},
		candleMessage(t, 3, "ETHUSDT"),
		candleMessage(t, 4, "SOLUSDT"),
	}}
	s := &fakeStorage{}
	cfg := Config{BatchSize: 2, BatchTimeout: time.Hour}

	runIngester(t, r, s, cfg, func() bool { return r.drained() && len(r.commits()) == 2 })

	assert.Equal(t, [][]string{{"BTCUSDT", "ETHUSDT"}, {"SOLUSDT"}}, s.stored())
	assert.Equal(t, []int64{1, 3, 4}, r.commits())
}

func TestIngesterRetriesFailedInserts(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{candleMessage(t, 7, "BTCUSDT")}}
	s := &fakeStorage{failures: 2}
	cfg := Config{BatchSize: 1, BatchTimeout: time.Hour, RetryDelay: time.Millisecond}

	runIngester(t, r, s, cfg, func() bool { return len(r.commits()) == 1 })

	assert.Equal(t, [][]string{{"BTCUSDT"}}, s.stored())
	assert.Equal(t, []int64{7}, r.commits())
}

func TestParseCandleValidates(t *testing.T) {
	good := models.NewArchiveCandle("BTCUSDT", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		models.CandleBar{Open: 1, High: 2, Low: 1, Close: 2, Volume: 1})

	cases := []struct {
		name   string
		mutate func(c *models.Candle)
		ok     bool
	}{
		{"valid", func(*models.Candle) {}, true},
		{"missing symbol", func(c *models.Candle) { c.Symbol = "" }, false},
		{"high below low", func(c *models.Candle) { c.High = 0.5 }, false},
		{"negative volume", func(c *models.Candle) { c.Volume = -1 }, false},
		{"zero open time", func(c *models.Candle) { c.OpenTime = time.Time{} }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := good
			tc.mutate(&c)
			data, err := json.Marshal(c)
			require.NoError(t, err)
			parsed, err := parseCandle(data)
			if !tc.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.ID, parsed.ID)
			assert.False(t, parsed.InsertedAt.IsZero())
		})
	}
}
