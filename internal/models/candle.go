package models

import (
	"fmt"
	"time"
)

// ArchiveSource tags every candle the workstation exports.
const ArchiveSource = "binance-futures"

// Candle is one closed candle as it travels to the archive (Kafka and
// ClickHouse).
type Candle struct {
	// ID is source-symbol-interval-openTime.
	ID string `json:"id"`

	Source   string `json:"source"`
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`

	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`

	OpenTime   time.Time `json:"open_time"`
	InsertedAt time.Time `json:"inserted_at"`
}

// NewArchiveCandle builds a 10s archive candle for symbol.
func NewArchiveCandle(symbol string, openTime time.Time, bar CandleBar) Candle {
	openTime = openTime.UTC()
	return Candle{
		ID:       fmt.Sprintf("%s-%s-10s-%d", ArchiveSource, symbol, openTime.UnixMilli()),
		Source:   ArchiveSource,
		Symbol:   symbol,
		Interval: "10s",
		Open:     bar.Open,
		High:     bar.High,
		Low:      bar.Low,
		Close:    bar.Close,
		Volume:   bar.Volume,
		OpenTime: openTime,
	}
}
