package collector

import (
	"context"
	"time"

	"github.com/navid-fn/perpdesk/internal/candle"
	"github.com/navid-fn/perpdesk/internal/models"
)

// CloseCandle closes the bucket ending at boundary (unix ms). It waits up to
// the boundary wait for a trade at or past the boundary, then writes one
// candle per symbol at boundary-10s: the trades' OHLCV, or the previous
// close carried flat, or nothing when there is no previous close.
func (c *Collector) CloseCandle(ctx context.Context, boundary int64) error {
	if err := c.awaitBoundary(ctx, boundary); err != nil {
		return err
	}

	start := boundary - candle.Interval
	windows := make(map[string][]candle.AggTrade, len(c.config.Symbols))
	err := c.trades.Read(ctx, func(b *candle.AggTradeBuffer) error {
		for _, sym := range c.config.Symbols {
			windows[sym] = b.Window(sym, start, boundary)
		}
		return nil
	})
	if err != nil {
		return err
	}

	closed := make(map[string]models.CandleBar, len(c.config.Symbols))
	err = c.candles.Write(ctx, func(f **candle.Frame) error {
		frame := *f
		for _, sym := range c.config.Symbols {
			bar, ok := candle.Aggregate(windows[sym])
			if !ok {
				prev, found := frame.LastClose(sym, start)
				if !found {
					continue
				}
				bar = candle.Carry(prev)
			}
			frame.Set(start, sym, bar)
			closed[sym] = bar
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(closed) == 0 {
		return nil
	}
	c.touch(start, start)

	if c.sink != nil {
		if err := c.sink.PublishCandles(ctx, start, closed); err != nil {
			c.logger.WithError(err).Warn("Failed to publish closed candles")
		}
	}
	return nil
}

func (c *Collector) awaitBoundary(ctx context.Context, boundary int64) error {
	deadline := time.Now().Add(c.wait)
	for {
		var seen bool
		err := c.trades.Read(ctx, func(b *candle.AggTradeBuffer) error {
			seen = b.HasAtOrAfter(boundary)
			return nil
		})
		if err != nil || seen || !time.Now().Before(deadline) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Organize sorts, dedupes and resamples the candle store and trims the
// trade buffer to its window.
func (c *Collector) Organize(ctx context.Context) error {
	err := c.candles.Write(ctx, func(f **candle.Frame) error {
		(*f).Organize()
		return nil
	})
	if err != nil {
		return err
	}
	return c.trades.Write(ctx, func(b **candle.AggTradeBuffer) error {
		(*b).TrimBefore(c.now().Add(-tradeWindow).UnixMilli())
		return nil
	})
}

// forgetOld drops candles from before the previous year; they are on disk
// and the live store only serves recent history.
func (c *Collector) forgetOld(ctx context.Context) error {
	keepFrom, _ := candle.YearBounds(c.now().UTC().Year() - 1)
	return c.candles.Write(ctx, func(f **candle.Frame) error {
		(*f).TrimBefore(keepFrom)
		return nil
	})
}
