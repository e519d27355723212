// Package collector turns Binance market streams into the 10 second candle
// store, repairs holes in it over REST and backfills it from the bulk
// archives.
package collector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/navid-fn/perpdesk/internal/binance"
	"github.com/navid-fn/perpdesk/internal/candle"
	"github.com/navid-fn/perpdesk/internal/models"
	"github.com/navid-fn/perpdesk/internal/monitor"
	"github.com/navid-fn/perpdesk/internal/rwlock"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const (
	closeEvery    = 10 * time.Second
	organizeEvery = time.Minute
	holesEvery    = 10 * time.Second
	pricesEvery   = time.Second

	// boundaryWait is how long a candle close waits for a trade at or past
	// the boundary.
	boundaryWait = 2 * time.Second
	tradeWindow  = 60 * time.Second
)

// AggTradesFetcher is the REST endpoint hole filling pages through.
type AggTradesFetcher interface {
	AggTrades(ctx context.Context, symbol string, startTime int64, limit int) ([]binance.AggTradeREST, error)
}

// CandleSink receives every candle the collector closes.
type CandleSink interface {
	PublishCandles(ctx context.Context, t int64, bars map[string]models.CandleBar) error
}

// Config holds collector settings.
type Config struct {
	DataPath   string
	Symbols    []string
	StreamBase string
}

// Collector owns the live candle store.
type Collector struct {
	config   Config
	rest     AggTradesFetcher
	reporter monitor.Reporter
	sink     CandleSink
	logger   logrus.FieldLogger
	now      func() time.Time
	wait     time.Duration

	candles  *rwlock.Guarded[*candle.Frame]
	trades   *rwlock.Guarded[*candle.AggTradeBuffer]
	realtime *rwlock.Guarded[*candle.RealtimeRing]

	mu          sync.Mutex
	marketsGone map[string]bool
	touched     map[int]bool
	loaded      map[int]bool

	backfill *backfiller
}

// New creates a collector over an empty candle store. Call Load to read the
// stored years.
func New(config Config, rest AggTradesFetcher, reporter monitor.Reporter, logger logrus.FieldLogger) *Collector {
	if config.StreamBase == "" {
		config.StreamBase = binance.FuturesStreamURL
	}
	if reporter == nil {
		reporter = monitor.Discard{}
	}
	return &Collector{
		config:      config,
		rest:        rest,
		reporter:    reporter,
		logger:      logger.WithField("component", "collector"),
		now:         time.Now,
		wait:        boundaryWait,
		candles:     rwlock.NewGuarded(candle.NewFrame(config.Symbols)),
		trades:      rwlock.NewGuarded(&candle.AggTradeBuffer{}),
		realtime:    rwlock.NewGuarded(candle.NewRealtimeRing()),
		marketsGone: make(map[string]bool),
		touched:     make(map[int]bool),
		loaded:      make(map[int]bool),
	}
}

// WithSink publishes closed candles to sink.
func (c *Collector) WithSink(sink CandleSink) *Collector {
	c.sink = sink
	return c
}

// Candles is the shared candle store.
func (c *Collector) Candles() *rwlock.Guarded[*candle.Frame] { return c.candles }

// Realtime is the shared quote ring.
func (c *Collector) Realtime() *rwlock.Guarded[*candle.RealtimeRing] { return c.realtime }

// Load reads years from disk into the store, replacing its content. With
// no years it reads the previous and the current one.
func (c *Collector) Load(ctx context.Context, years ...int) error {
	if len(years) == 0 {
		year := c.now().UTC().Year()
		years = []int{year - 1, year}
	}
	frame, err := candle.LoadYears(c.config.DataPath, years, c.config.Symbols)
	if err != nil {
		return err
	}
	c.mu.Lock()
	for _, y := range years {
		c.loaded[y] = true
	}
	c.mu.Unlock()
	for _, sym := range c.config.Symbols {
		frame.AddSymbol(sym)
	}
	frame.Organize()
	c.logger.Infof("Loaded %d candle rows", frame.Len())
	return c.candles.Write(ctx, func(f **candle.Frame) error {
		*f = frame
		return nil
	})
}

// Run streams market data and runs the periodic jobs until ctx ends.
func (c *Collector) Run(ctx context.Context) error {
	var streams []string
	for _, sym := range c.config.Symbols {
		lower := strings.ToLower(sym)
		streams = append(streams, lower+"@bookTicker", lower+"@aggTrade")
	}
	streams = append(streams, "!markPrice@arr@1s")

	streamer := binance.NewStreamer(binance.StreamConfig{
		URL: binance.CombinedStreamURL(c.config.StreamBase, streams),
	}, c.HandleFrame, c.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return streamer.Run(gctx) })
	g.Go(func() error { return c.every(gctx, "close candle", closeEvery, 0, c.CloseCandle) })
	g.Go(func() error {
		return c.every(gctx, "organize", organizeEvery, 0, func(ctx context.Context, _ int64) error {
			return multierr.Append(c.Organize(ctx), c.forgetOld(ctx))
		})
	})
	g.Go(func() error {
		return c.every(gctx, "fill holes", holesEvery, 5*time.Second, func(ctx context.Context, _ int64) error { return c.FillHoles(ctx) })
	})
	g.Go(func() error {
		return c.every(gctx, "report prices", pricesEvery, 0, func(ctx context.Context, _ int64) error { return c.ReportPrices(ctx) })
	})
	return g.Wait()
}

// every calls fn at each multiple of period plus offset since the epoch,
// passing the grid time. Failures are logged; only cancellation stops the
// loop.
func (c *Collector) every(ctx context.Context, name string, period, offset time.Duration, fn func(ctx context.Context, at int64) error) error {
	for {
		now := time.Now()
		next := now.Truncate(period).Add(offset)
		if !next.After(now) {
			next = next.Add(period)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		at := next.Add(-offset).UnixMilli()
		if err := fn(rwlock.NewTask(ctx), at); err != nil && ctx.Err() == nil {
			c.logger.WithError(err).Warnf("Job %s failed", name)
		}
	}
}

// OnDisconnected drops buffered trades; they can no longer prove a complete
// bucket.
func (c *Collector) OnDisconnected() {
	err := c.trades.Write(context.Background(), func(b **candle.AggTradeBuffer) error {
		(*b).Clear()
		return nil
	})
	if err != nil {
		c.logger.WithError(err).Error("Failed to clear trade buffer")
	}
	c.logger.Warn("Disconnected, trade buffer cleared")
}

// Stream payloads mix keys that differ only by case ("e"/"E", "p"/"P").
// Every such key is declared so the decoder never folds one onto the other.
type aggTradeEvent struct {
	Event     string        `json:"e"`
	EventAt   int64         `json:"E"`
	Symbol    string        `json:"s"`
	Price     binance.Float `json:"p"`
	Quantity  binance.Float `json:"q"`
	TradeTime int64         `json:"T"`
}

type bookTickerEvent struct {
	Event    string        `json:"e"`
	EventAt  int64         `json:"E"`
	UpdateID int64         `json:"u"`
	Symbol   string        `json:"s"`
	Time     int64         `json:"T"`
	BidPrice binance.Float `json:"b"`
	BidQty   binance.Float `json:"B"`
	AskPrice binance.Float `json:"a"`
	AskQty   binance.Float `json:"A"`
}

type markPriceEvent struct {
	Event       string        `json:"e"`
	EventAt     int64         `json:"E"`
	Symbol      string        `json:"s"`
	MarkPrice   binance.Float `json:"p"`
	SettlePrice binance.Float `json:"P"`
	IndexPrice  binance.Float `json:"i"`
	FundingRate binance.Float `json:"r"`
	NextFunding int64         `json:"T"`
}

// HandleFrame is the market stream handler.
func (c *Collector) HandleFrame(ctx context.Context, stream string, data []byte) error {
	switch {
	case strings.HasSuffix(stream, "@aggTrade"):
		var ev aggTradeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decode aggTrade: %w", err)
		}
		return c.trades.Write(ctx, func(b **candle.AggTradeBuffer) error {
			(*b).Append(candle.AggTrade{Time: ev.TradeTime, Symbol: ev.Symbol, Price: float64(ev.Price), Volume: float64(ev.Quantity)})
			return nil
		})

	case strings.HasSuffix(stream, "@bookTicker"):
		var ev bookTickerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decode bookTicker: %w", err)
		}
		t := ev.Time
		if t == 0 {
			t = ev.EventAt
		}
		return c.realtime.Write(ctx, func(r **candle.RealtimeRing) error {
			(*r).Add(candle.Quote{
				Time: t, Symbol: ev.Symbol, Kind: candle.BookTicker,
				BidPrice: float32(ev.BidPrice), BidQty: float32(ev.BidQty),
				AskPrice: float32(ev.AskPrice), AskQty: float32(ev.AskQty),
			})
			return nil
		})

	case strings.HasPrefix(stream, "!markPrice@arr"):
		var evs []markPriceEvent
		if err := json.Unmarshal(data, &evs); err != nil {
			return fmt.Errorf("decode markPrice: %w", err)
		}
		wanted := make(map[string]bool, len(c.config.Symbols))
		for _, s := range c.config.Symbols {
			wanted[s] = true
		}
		return c.realtime.Write(ctx, func(r **candle.RealtimeRing) error {
			for _, ev := range evs {
				if wanted[ev.Symbol] {
					(*r).Add(candle.Quote{Time: ev.EventAt, Symbol: ev.Symbol, Kind: candle.MarkPrice, Mark: float32(ev.MarkPrice)})
				}
			}
			return nil
		})
	}
	return fmt.Errorf("unexpected stream %q", stream)
}

// ReportPrices sends the freshest mark (or mid) price of every symbol.
func (c *Collector) ReportPrices(ctx context.Context) error {
	prices := make(map[string]float64, len(c.config.Symbols))
	err := c.realtime.Read(ctx, func(r *candle.RealtimeRing) error {
		for _, sym := range c.config.Symbols {
			l, ok := r.Latest(sym)
			switch {
			case !ok:
			case l.Mark > 0:
				prices[sym] = l.Mark
			case l.BidPrice > 0 && l.AskPrice > 0:
				prices[sym] = (l.BidPrice + l.AskPrice) / 2
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(prices) > 0 {
		c.reporter.Prices(prices)
	}
	return nil
}

// MarketsGone lists symbols that stopped trading.
func (c *Collector) MarketsGone() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.marketsGone))
	for s := range c.marketsGone {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (c *Collector) isGone(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.marketsGone[symbol]
}

func (c *Collector) markGone(symbol string) {
	c.mu.Lock()
	c.marketsGone[symbol] = true
	c.mu.Unlock()
	c.logger.WithField("symbol", symbol).Warn("Market returned no trades, marking it gone")
	c.reporter.Status("markets_gone", c.MarketsGone())
}

func (c *Collector) touch(from, to int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for y := time.UnixMilli(from).UTC().Year(); y <= time.UnixMilli(to).UTC().Year(); y++ {
		c.touched[y] = true
	}
}

// Save writes every candle year changed since the last save. Years that
// were never loaded are merged into what is on disk first. A year that
// fails to save stays dirty for the next call.
func (c *Collector) Save(ctx context.Context) error {
	c.mu.Lock()
	years := make([]int, 0, len(c.touched))
	for y := range c.touched {
		years = append(years, y)
	}
	loaded := make(map[int]bool, len(c.loaded))
	for y := range c.loaded {
		loaded[y] = true
	}
	c.touched = make(map[int]bool)
	c.mu.Unlock()
	sort.Ints(years)

	return c.candles.Read(ctx, func(f *candle.Frame) error {
		var errs error
		for _, y := range years {
			if err := c.saveYear(f, y, loaded[y]); err != nil {
				c.touch(yearStart(y), yearStart(y))
				errs = multierr.Append(errs, fmt.Errorf("save candles of %d: %w", y, err))
				continue
			}
			c.logger.Infof("Saved candles of %d", y)
		}
		return errs
	})
}

func yearStart(year int) int64 {
	return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
}

func (c *Collector) saveYear(f *candle.Frame, year int, loaded bool) error {
	if loaded {
		return candle.SaveYear(c.config.DataPath, year, f)
	}
	stored, err := candle.LoadYear(c.config.DataPath, year, c.config.Symbols)
	if err != nil {
		return err
	}
	from, to := candle.YearBounds(year)
	stored.Merge(f.Slice(from, to))
	stored.Organize()
	return candle.SaveYear(c.config.DataPath, year, stored)
}
