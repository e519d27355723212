// Package publisher sends closed candles to Kafka for the archive pipeline.
package publisher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/navid-fn/perpdesk/internal/models"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// MessageWriter is the part of *kafka.Writer the sender uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewWriter builds the candle topic writer.
func NewWriter(broker, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(broker),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
		Compression:  kafka.Zstd,
	}
}

// Sender publishes closed candles, one message per symbol keyed by symbol.
type Sender struct {
	writer MessageWriter
	logger logrus.FieldLogger
	now    func() time.Time
}

// NewSender creates a new candle sender.
func NewSender(writer MessageWriter, logger logrus.FieldLogger) *Sender {
	return &Sender{
		writer: writer,
		logger: logger.WithField("component", "publisher"),
		now:    time.Now,
	}
}

// PublishCandles sends the candles that closed at t (ms).
func (s *Sender) PublishCandles(ctx context.Context, t int64, bars map[string]models.CandleBar) error {
	if len(bars) == 0 {
		return nil
	}
	symbols := make([]string, 0, len(bars))
	for sym := range bars {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	openTime := time.UnixMilli(t).UTC()
	msgs := make([]kafka.Message, 0, len(symbols))
	for _, sym := range symbols {
		c := models.NewArchiveCandle(sym, openTime, bars[sym])
		c.InsertedAt = s.now().UTC()
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("serialize %s candle: %w", sym, err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(sym), Value: data})
	}
	return s.send(ctx, msgs)
}

func (s *Sender) send(ctx context.Context, msgs []kafka.Message) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := s.writer.WriteMessages(writeCtx, msgs...)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("kafka write failed: %w", err)
	}
	s.logger.Debugf("Published %d candles", len(msgs))
	return nil
}
