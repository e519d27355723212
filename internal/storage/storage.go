// Package storage writes archived candles and asset record rows to
// ClickHouse.
package storage

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/navid-fn/perpdesk/internal/models"
)

// Storage defines the interface for persisting archive data.
// Implementations must be safe for concurrent use.
type Storage interface {
	// CreateCandles inserts a batch of closed candles.
	CreateCandles(ctx context.Context, candles []*models.Candle) error

	// CreateAssetRows inserts asset record rows for one account.
	CreateAssetRows(ctx context.Context, account string, rows []models.AssetRow) error

	// Close releases database connection resources.
	Close() error
}

type clickhouseStorage struct {
	conn driver.Conn
}

// NewClickHouseStorage opens a connection and verifies it with a ping.
// Returns an error if connection cannot be established within 5 seconds.
func NewClickHouseStorage(dsn string) (Storage, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, err
	}

	return &clickhouseStorage{conn: conn}, nil
}

// CreateCandles inserts candles using ClickHouse batch insert.
// All candles in the batch share the same inserted_at timestamp.
func (s *clickhouseStorage) CreateCandles(ctx context.Context, candles []*models.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO candle (
			id, source, symbol, interval,
			open, high, low, close, volume,
			open_time, inserted_at
		)
	`)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, c := range candles {
		err := batch.Append(
			c.ID,
			c.Source,
			c.Symbol,
			c.Interval,
			c.Open,
			c.High,
			c.Low,
			c.Close,
			c.Volume,
			c.OpenTime,
			now,
		)
		if err != nil {
			return err
		}
	}

	return batch.Send()
}

// CreateAssetRows inserts asset record rows. The table deduplicates on
// (account, time) so re-exporting a record is harmless.
func (s *clickhouseStorage) CreateAssetRows(ctx context.Context, account string, rows []models.AssetRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO asset_record (
			account, time, cause, symbol, side,
			fill_price, role, margin_ratio, order_id, result_asset,
			inserted_at
		)
	`)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, r := range rows {
		err := batch.Append(
			account,
			r.Time,
			string(r.Cause),
			r.Symbol,
			string(r.Side),
			r.FillPrice,
			string(r.Role),
			r.MarginRatio,
			r.OrderID,
			r.ResultAsset,
			now,
		)
		if err != nil {
			return err
		}
	}

	return batch.Send()
}

// Close closes the ClickHouse connection.
func (s *clickhouseStorage) Close() error {
	return s.conn.Close()
}
