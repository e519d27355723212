package publisher

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/navid-fn/perpdesk/internal/models"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestPublishCandlesKeysBySymbol(t *testing.T) {
	w := &fakeWriter{}
	s := NewSender(w, quietLogger())
	s.now = func() time.Time { return time.Date(2024, 3, 1, 0, 0, 11, 0, time.UTC) }

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	err := s.PublishCandles(context.Background(), start, map[string]models.CandleBar{
		"ETHUSDT": {Open: 3000, High: 3010, Low: 2990, Close: 3005, Volume: 2},
		"BTCUSDT": {Open: 60000, High: 60100, Low: 59900, Close: 60050, Volume: 1.5},
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "BTCUSDT", string(w.msgs[0].Key))
	assert.Equal(t, "ETHUSDT", string(w.msgs[1].Key))

	var c models.Candle
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &c))
	assert.Equal(t, "binance-futures-BTCUSDT-10s-1709251200000", c.ID)
	assert.Equal(t, "10s", c.Interval)
	assert.Equal(t, 60050.0, c.Close)
	assert.True(t, c.OpenTime.Equal(time.UnixMilli(start)))
}

func TestPublishCandlesSkipsEmpty(t *testing.T) {
	w := &fakeWriter{err: errors.New("unreachable")}
	s := NewSender(w, quietLogger())
	assert.NoError(t, s.PublishCandles(context.Background(), 0, nil))
}

func TestPublishCandlesWrapsWriteErrors(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	s := NewSender(w, quietLogger())
	err := s.PublishCandles(context.Background(), 0, map[string]models.CandleBar{"BTCUSDT": {Close: 1}})
	assert.ErrorContains(t, err, "kafka write failed")
}
