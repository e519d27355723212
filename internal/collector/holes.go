package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/navid-fn/perpdesk/internal/candle"
	"go.uber.org/multierr"
)

const (
	holeWindow = 24 * time.Hour
	// holeMargin keeps the scan clear of the buckets that are still being
	// closed.
	holeMargin = time.Minute

	aggTradesLimit = 1000
	maxHolePages   = 20
)

// ExpectedRows is the candle count of a complete hole-scan window.
const ExpectedRows = int((holeWindow-holeMargin)/(time.Duration(candle.Interval)*time.Millisecond)) + 1

func holeSpan(now time.Time) (int64, int64) {
	boundary := candle.Floor(now.UnixMilli())
	return boundary - holeWindow.Milliseconds(), boundary - holeMargin.Milliseconds()
}

// FillHoles looks for the earliest missing candle of every symbol in the
// last day and rebuilds it from buffered trades or from the aggTrades
// endpoint.
func (c *Collector) FillHoles(ctx context.Context) error {
	from, to := holeSpan(c.now())

	var errs error
	for _, sym := range c.config.Symbols {
		if c.isGone(sym) {
			continue
		}
		var missing int64
		var found bool
		err := c.candles.Read(ctx, func(f *candle.Frame) error {
			if f.CountValid(sym, from, to) == ExpectedRows {
				return nil
			}
			missing, found = f.FirstMissing(sym, from, to)
			return nil
		})
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		if err := c.fillHole(ctx, sym, missing); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("fill %s hole at %s: %w", sym, time.UnixMilli(missing).UTC().Format(time.DateTime), err))
		}
	}
	return errs
}

func (c *Collector) fillHole(ctx context.Context, symbol string, missing int64) error {
	logger := c.logger.WithField("symbol", symbol)

	var buffered []candle.AggTrade
	err := c.trades.Read(ctx, func(b *candle.AggTradeBuffer) error {
		if earliest, ok := b.Earliest(); ok && earliest <= missing {
			buffered = b.Window(symbol, missing, candle.Floor(c.now().UnixMilli()))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(buffered) > 0 {
		logger.Debugf("Filling hole at %d from %d buffered trades", missing, len(buffered))
		return c.mergeTrades(ctx, symbol, buffered, true)
	}

	var trades []candle.AggTrade
	start := missing
	complete := false
	for page := 0; page < maxHolePages; page++ {
		got, err := c.rest.AggTrades(ctx, symbol, start, aggTradesLimit)
		if err != nil {
			return err
		}
		if len(got) == 0 {
			c.markGone(symbol)
			complete = true
			break
		}
		for _, t := range got {
			trades = append(trades, candle.AggTrade{Time: t.Time, Symbol: symbol, Price: float64(t.Price), Volume: float64(t.Quantity)})
		}
		last := got[len(got)-1].Time
		if last > missing+candle.Interval {
			break
		}
		start = last + 1
	}
	if len(trades) == 0 {
		return nil
	}
	logger.Infof("Filling hole at %s from %d fetched trades", time.UnixMilli(missing).UTC().Format(time.DateTime), len(trades))
	return c.mergeTrades(ctx, symbol, trades, complete)
}

// mergeTrades buckets trades into candles and merges them into the store.
// Unless complete, the last bucket may lack trades past the page limit and
// is dropped.
func (c *Collector) mergeTrades(ctx context.Context, symbol string, trades []candle.AggTrade, complete bool) error {
	part := candle.Bucketize(symbol, trades)
	if !complete {
		part.DropLastRow()
	}
	if part.Len() == 0 {
		return nil
	}
	err := c.candles.Write(ctx, func(f **candle.Frame) error {
		(*f).Merge(part)
		(*f).SortDedupe()
		return nil
	})
	if err != nil {
		return err
	}
	c.touch(part.Index[0], part.Index[part.Len()-1])
	return nil
}
