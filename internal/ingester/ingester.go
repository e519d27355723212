// Package ingester consumes archived candles from Kafka and persists them
// to ClickHouse in batches.
package ingester

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/goccy/go-json"
	"github.com/navid-fn/perpdesk/internal/models"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Reader is the part of *kafka.Reader the ingester uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// CandleStorage persists candle batches.
type CandleStorage interface {
	CreateCandles(ctx context.Context, candles []*models.Candle) error
}

// Config holds ingester configuration parameters.
type Config struct {
	// BatchSize is the maximum number of candles to accumulate before flushing.
	BatchSize int

	// BatchTimeout is the maximum time to wait before flushing, even if the
	// batch isn't full.
	BatchTimeout time.Duration

	// RetryDelay separates failed inserts.
	RetryDelay time.Duration
}

// NewReader builds the candle topic reader. Offsets are committed by the
// ingester after each successful insert.
func NewReader(broker, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        []string{broker},
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       10e3,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
}

// Ingester consumes candles from Kafka and writes them to ClickHouse in
// batches. Offsets are only committed after a successful insert
// (at-least-once); the candle table deduplicates replays.
type Ingester struct {
	reader  Reader
	storage CandleStorage
	logger  logrus.FieldLogger
	cfg     Config
}

// NewIngester creates a new Ingester with the provided dependencies.
func NewIngester(reader Reader, storage CandleStorage, logger logrus.FieldLogger, cfg Config) *Ingester {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	return &Ingester{
		reader:  reader,
		storage: storage,
		logger:  logger.WithField("component", "ingester"),
		cfg:     cfg,
	}
}

// Start runs the ingestion loop. It blocks until ctx is cancelled and then
// flushes what is buffered.
func (ig *Ingester) Start(ctx context.Context) error {
	ig.logger.WithField("batch_size", ig.cfg.BatchSize).Info("Starting ingester loop")

	batch := make([]*models.Candle, 0, ig.cfg.BatchSize)
	msgs := make([]kafka.Message, 0, ig.cfg.BatchSize)

	ticker := time.NewTicker(ig.cfg.BatchTimeout)
	defer ticker.Stop()

	flush := func(ctx context.Context) error {
		if len(batch) == 0 {
			return nil
		}

		for {
			err := ig.storage.CreateCandles(ctx, batch)
			if err == nil {
				break
			}
			ig.logger.WithError(err).WithField("count", len(batch)).Error("DB insert failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(ig.cfg.RetryDelay):
			}
		}

		if err := ig.reader.CommitMessages(ctx, msgs...); err != nil {
			ig.logger.WithError(err).Warn("Failed to commit offsets")
		}

		batch = batch[:0]
		msgs = msgs[:0]
		ticker.Reset(ig.cfg.BatchTimeout)
		return nil
	}
	// final flushes what is left after ctx is done.
	final := func() error {
		fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return flush(fctx)
	}

	for {
		select {
		case <-ctx.Done():
			return final()

		case <-ticker.C:
			if err := flush(ctx); err != nil {
				return err
			}

		default:
			fetchCtx, cancel := context.WithTimeout(ctx, ig.cfg.BatchTimeout)
			m, err := ig.reader.FetchMessage(fetchCtx)
			cancel()

			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
					continue
				}
				if ctx.Err() != nil {
					return final()
				}
				ig.logger.WithError(err).Error("Kafka fetch error")
				select {
				case <-ctx.Done():
					return final()
				case <-time.After(time.Second):
				}
				continue
			}

			c, err := parseCandle(m.Value)
			if err != nil {
				ig.logger.WithError(err).WithField("offset", m.Offset).Warn("Dropping candle message")
				continue
			}

			batch = append(batch, c)
			msgs = append(msgs, m)

			if len(batch) >= ig.cfg.BatchSize {
				if err := flush(ctx); err != nil {
					return err
				}
			}
		}
	}
}

// parseCandle decodes and validates one candle message.
func parseCandle(data []byte) (*models.Candle, error) {
	var c models.Candle
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode candle: %w", err)
	}
	if c.ID == "" || c.Source == "" || c.Symbol == "" || c.Interval == "" {
		return nil, fmt.Errorf("missing required fields: id=%q source=%q symbol=%q", c.ID, c.Source, c.Symbol)
	}
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("corrupted numeric data")
		}
	}
	if c.High < c.Low {
		return nil, fmt.Errorf("invalid candle: high < low")
	}
	if c.Volume < 0 {
		return nil, fmt.Errorf("invalid volume: %v", c.Volume)
	}
	if c.OpenTime.IsZero() {
		return nil, fmt.Errorf("missing open time")
	}
	if c.InsertedAt.IsZero() {
		c.InsertedAt = time.Now()
	}
	return &c, nil
}
