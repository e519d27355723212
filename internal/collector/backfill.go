package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/navid-fn/perpdesk/internal/candle"
	"github.com/navid-fn/perpdesk/internal/downloader"
	"github.com/navid-fn/perpdesk/internal/monitor"
	"github.com/navid-fn/perpdesk/internal/workerpool"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// coveredRatio is the share of an archive's span that must already be in
// the store for the archive to be skipped.
const coveredRatio = 0.99

type backfiller struct {
	downloader *downloader.Downloader
	pool       *workerpool.Pool
	progress   monitor.Progress
}

// WithBackfill enables Backfill.
func (c *Collector) WithBackfill(d *downloader.Downloader, pool *workerpool.Pool, progress monitor.Progress) *Collector {
	if progress == nil {
		progress = monitor.Discard{}
	}
	c.backfill = &backfiller{downloader: d, pool: pool, progress: progress}
	return c
}

// Backfill downloads the archives covering [from, to) for every symbol and
// merges them into the store. Archives whose span is already in the store
// are not downloaded again; missing or broken archives are skipped.
func (c *Collector) Backfill(ctx context.Context, from, to time.Time) error {
	if c.backfill == nil {
		return errors.New("backfill is not configured")
	}
	b := c.backfill

	var todo []downloader.Preset
	err := c.candles.Read(ctx, func(f *candle.Frame) error {
		for _, sym := range c.config.Symbols {
			for _, p := range downloader.Plan(sym, from, to, c.now()) {
				if !covered(f, p) {
					todo = append(todo, p)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.logger.Infof("Backfilling %d archives", len(todo))
	b.progress.SetTotal(len(todo))
	defer b.progress.Done()

	var (
		mu   sync.Mutex
		errs error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.pool.Size())
	for _, p := range todo {
		g.Go(func() error {
			defer b.progress.Advance(1)
			err := b.pool.Do(gctx, func(ctx context.Context) error {
				frame, err := b.downloader.Download(ctx, p)
				if err != nil {
					return err
				}
				return c.mergeArchive(ctx, frame)
			})
			switch {
			case errors.Is(err, downloader.ErrSkipped):
				c.logger.WithError(err).Info("Archive skipped")
			case errors.Is(err, context.Canceled):
				return err
			case err != nil:
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("backfill %s: %w", p, err))
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := c.Organize(ctx); err != nil {
		return err
	}
	return errs
}

func (c *Collector) mergeArchive(ctx context.Context, part *candle.Frame) error {
	if part.Len() == 0 {
		return nil
	}
	err := c.candles.Write(ctx, func(f **candle.Frame) error {
		(*f).Merge(part)
		return nil
	})
	if err != nil {
		return err
	}
	c.touch(part.Index[0], part.Index[part.Len()-1])
	return nil
}

func covered(f *candle.Frame, p downloader.Preset) bool {
	start, end := p.Span()
	from, to := start.UnixMilli(), end.UnixMilli()-candle.Interval
	want := float64((to-from)/candle.Interval + 1)
	return float64(f.CountValid(p.Symbol, from, to)) >= want*coveredRatio
}
