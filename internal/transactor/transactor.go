// Package transactor keeps the live Binance account in sync with the
// workstation's records and, when automation is on, turns strategy
// decisions into orders.
package transactor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/navid-fn/perpdesk/configs"
	"github.com/navid-fn/perpdesk/internal/binance"
	"github.com/navid-fn/perpdesk/internal/candle"
	"github.com/navid-fn/perpdesk/internal/models"
	"github.com/navid-fn/perpdesk/internal/monitor"
	"github.com/navid-fn/perpdesk/internal/rwlock"
	"github.com/navid-fn/perpdesk/internal/strategist"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const (
	reconcileEvery = 10 * time.Second
	keepAliveEvery = 30 * time.Minute
	// decideOffset leaves the collector time to close the candle first.
	decideOffset = 3 * time.Second

	// walletTolerance is the relative wallet change below which the last
	// asset row is corrected in place instead of a new row being added.
	walletTolerance = 1e-9
)

// Config holds transactor settings.
type Config struct {
	DataPath   string
	Symbols    []string
	AssetToken string
	StreamBase string
}

// Transactor owns the live account view and the live asset record.
type Transactor struct {
	config   Config
	exchange Exchange
	candles  *rwlock.Guarded[*candle.Frame]
	reporter monitor.Reporter
	logger   logrus.FieldLogger
	now      func() time.Time
	planner  planner
	paths    paths

	assets     *rwlock.Guarded[*models.AssetRecord]
	unrealized *rwlock.Guarded[*models.Series]
	autoOrders *rwlock.Guarded[*AutoOrderRecord]

	mu        sync.Mutex
	settings  configs.TransactionSettings
	strategy  strategist.Strategy
	scribbles models.Scribbles
	account   models.AccountState
	amounts   map[string]float64
	leverages map[string]int
	isolated  map[string]bool
	rules     map[string]Rules
	keyOK     bool
}

// New creates a transactor reading candles from the shared store.
func New(config Config, exchange Exchange, candles *rwlock.Guarded[*candle.Frame], reporter monitor.Reporter, logger logrus.FieldLogger) *Transactor {
	if config.AssetToken == "" {
		config.AssetToken = "USDT"
	}
	if config.StreamBase == "" {
		config.StreamBase = binance.FuturesStreamURL
	}
	if reporter == nil {
		reporter = monitor.Discard{}
	}
	return &Transactor{
		config:     config,
		exchange:   exchange,
		candles:    candles,
		reporter:   reporter,
		logger:     logger.WithField("component", "transactor"),
		now:        time.Now,
		planner:    newPlanner(),
		paths:      pathsFor(config.DataPath),
		assets:     rwlock.NewGuarded(&models.AssetRecord{}),
		unrealized: rwlock.NewGuarded(&models.Series{}),
		autoOrders: rwlock.NewGuarded(newAutoOrderRecord()),
		settings:   configs.TransactionSettings{DesiredLeverage: 1},
		scribbles:  models.Scribbles{},
		account:    models.NewAccountState(config.Symbols, 0, time.Time{}),
		amounts:    map[string]float64{},
		leverages:  map[string]int{},
		isolated:   map[string]bool{},
		rules:      map[string]Rules{},
	}
}

// SetSettings applies new transaction settings and the strategy they
// select. strategy may be nil when automation is off.
func (t *Transactor) SetSettings(s configs.TransactionSettings, strategy strategist.Strategy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.settings = s
	t.strategy = strategy
}

func (t *Transactor) automation() (configs.TransactionSettings, strategist.Strategy, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.settings, t.strategy, t.settings.ShouldTransact && t.strategy != nil
}

// Account returns a copy of the current account view.
func (t *Transactor) Account() models.AccountState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.account.Clone()
}

// KeyRestrictionsSatisfied reports whether the API key may trade futures.
func (t *Transactor) KeyRestrictionsSatisfied() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.keyOK
}

// AssetRecord is the shared live asset record.
func (t *Transactor) AssetRecord() *rwlock.Guarded[*models.AssetRecord] { return t.assets }

// Unrealized is the shared live unrealized-change series.
func (t *Transactor) Unrealized() *rwlock.Guarded[*models.Series] { return t.unrealized }

// Load reads the persisted records. Missing files start empty.
func (t *Transactor) Load(ctx context.Context) error {
	r, err := loadRecords(t.paths)
	if err != nil {
		return err
	}
	err = multierr.Combine(
		t.assets.Write(ctx, func(a **models.AssetRecord) error { *a = &r.assets; return nil }),
		t.unrealized.Write(ctx, func(s **models.Series) error { *s = &r.unrealized; return nil }),
		t.autoOrders.Write(ctx, func(o **AutoOrderRecord) error { *o = r.autoOrders; return nil }),
	)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.scribbles = r.scribbles
	t.mu.Unlock()
	t.logger.Infof("Loaded %d asset rows", r.assets.Len())
	return nil
}

// Save persists the records.
func (t *Transactor) Save(ctx context.Context) error {
	var r records
	err := multierr.Combine(
		t.assets.Read(ctx, func(a *models.AssetRecord) error { r.assets = a.Clone(); return nil }),
		t.unrealized.Read(ctx, func(s *models.Series) error {
			r.unrealized = models.Series{Index: append([]int64(nil), s.Index...), Values: append([]float32(nil), s.Values...)}
			return nil
		}),
		t.autoOrders.Read(ctx, func(o *AutoOrderRecord) error {
			r.autoOrders = &AutoOrderRecord{OrderIDs: make(map[int64]int64, len(o.OrderIDs)), ClientIDs: make(map[string]int64, len(o.ClientIDs))}
			for k, v := range o.OrderIDs {
				r.autoOrders.OrderIDs[k] = v
			}
			for k, v := range o.ClientIDs {
				r.autoOrders.ClientIDs[k] = v
			}
			return nil
		}),
	)
	if err != nil {
		return err
	}
	t.mu.Lock()
	r.scribbles = t.scribbles.Clone()
	t.mu.Unlock()
	return saveRecords(t.paths, r)
}

// Run opens the user-data stream and runs reconciliation and the decision
// loop until ctx ends.
func (t *Transactor) Run(ctx context.Context) error {
	key, err := t.exchange.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("failed to create listen key: %w", err)
	}
	streamer := binance.NewStreamer(binance.StreamConfig{
		URL: t.config.StreamBase + "/ws/" + key,
	}, t.HandleEvent, t.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return streamer.Run(gctx) })
	g.Go(func() error {
		return t.every(gctx, "keep listen key alive", keepAliveEvery, 0, func(ctx context.Context) error {
			return t.exchange.KeepAliveListenKey(ctx)
		})
	})
	g.Go(func() error {
		if err := t.Reconcile(rwlock.NewTask(gctx)); err != nil {
			t.logger.WithError(err).Warn("Initial reconciliation failed")
		}
		return t.every(gctx, "reconcile", reconcileEvery, 0, t.Reconcile)
	})
	g.Go(func() error {
		return t.every(gctx, "decide", time.Duration(candle.Interval)*time.Millisecond, decideOffset, t.Decide)
	})
	return g.Wait()
}

func (t *Transactor) every(ctx context.Context, name string, period, offset time.Duration, fn func(ctx context.Context) error) error {
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
		if err := fn(rwlock.NewTask(ctx)); err != nil && ctx.Err() == nil {
			t.logger.WithError(err).Warnf("Job %s failed", name)
		}
	}
}

// Reconcile refreshes the account view from REST and records wallet and
// unrealized changes. With automation on it also enforces leverage, cross
// margin, single-asset and one-way mode.
func (t *Transactor) Reconcile(ctx context.Context) error {
	now := t.now().UTC()

	info, err := t.exchange.ExchangeInfo(ctx)
	if err != nil {
		return fmt.Errorf("exchange info: %w", err)
	}
	rules := rulesFrom(info)

	brackets, err := t.exchange.LeverageBrackets(ctx)
	if err != nil {
		return fmt.Errorf("leverage brackets: %w", err)
	}
	for _, b := range brackets {
		r := rules[b.Symbol]
		r.MaxLeverage = b.MaxLeverage()
		rules[b.Symbol] = r
	}

	acct, err := t.exchange.Account(ctx)
	if err != nil {
		return fmt.Errorf("account: %w", err)
	}
	wallet := float64(acct.TotalWalletBalance)
	if a, ok := acct.Asset(t.config.AssetToken); ok {
		wallet = float64(a.WalletBalance)
	}

	orders := make([][]binance.Order, len(t.config.Symbols))
	g, gctx := errgroup.WithContext(ctx)
	for i, sym := range t.config.Symbols {
		g.Go(func() error {
			got, err := t.exchange.OpenOrders(gctx, sym)
			if err != nil {
				return fmt.Errorf("open orders of %s: %w", sym, err)
			}
			orders[i] = got
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	t.mu.Lock()
	t.rules = rules
	account := models.NewAccountState(t.config.Symbols, wallet, now)
	for _, p := range acct.Positions {
		if _, ok := account.Positions[p.Symbol]; !ok || (p.PositionSide != "BOTH" && p.PositionSide != "") {
			continue
		}
		lev := int(p.Leverage)
		t.leverages[p.Symbol] = lev
		t.isolated[p.Symbol] = p.Isolated
		t.amounts[p.Symbol] = float64(p.PositionAmt)
		account.Positions[p.Symbol] = position(float64(p.PositionAmt), float64(p.EntryPrice), lev, p.UpdateTime)
	}
	for i, sym := range t.config.Symbols {
		for _, o := range orders[i] {
			if oo, ok := openOrder(restOrder(o), t.leverages[sym]); ok {
				account.OpenOrders[sym][o.OrderID] = oo
			}
		}
	}
	t.account = account
	t.mu.Unlock()

	change := 0.0
	if wallet > 0 {
		change = float64(acct.TotalUnrealizedProfit) / wallet
	}
	err = t.unrealized.Write(ctx, func(s **models.Series) error {
		(*s).Set(candle.Floor(now.UnixMilli()), float32(change))
		return nil
	})
	if err != nil {
		return err
	}
	if err := t.recordWallet(ctx, wallet, now); err != nil {
		return err
	}

	var errs error
	if settings, _, _ := t.automation(); settings.ShouldTransact {
		errs = multierr.Append(errs, t.enforceAccountMode(ctx, settings.DesiredLeverage))
	}

	restrictions, err := t.exchange.APIRestrictions(ctx)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("api restrictions: %w", err))
	} else {
		t.mu.Lock()
		t.keyOK = restrictions.EnableFutures
		t.mu.Unlock()
		t.reporter.Status("is_key_restrictions_satisfied", restrictions.EnableFutures)
	}
	t.reporter.Status("wallet_balance", wallet)
	return errs
}

func position(amount, entry float64, leverage int, updated int64) models.Position {
	if leverage < 1 {
		leverage = 1
	}
	p := models.Position{
		Direction:  models.DirectionOf(amount),
		EntryPrice: entry,
		Margin:     math.Abs(amount) * entry / float64(leverage),
	}
	if updated > 0 {
		p.UpdateTime = time.UnixMilli(updated).UTC()
	}
	return p
}

func restOrder(o binance.Order) exchangeOrder {
	return exchangeOrder{
		Kind:          o.Type,
		Side:          o.Side,
		ClosePosition: o.ClosePosition,
		Price:         float64(o.Price),
		StopPrice:     float64(o.StopPrice),
		OrigQty:       float64(o.OrigQty),
		ExecutedQty:   float64(o.ExecutedQty),
	}
}

// recordWallet appends an OTHER row when the wallet moved since the last
// asset row, and otherwise corrects that row in place.
func (t *Transactor) recordWallet(ctx context.Context, wallet float64, now time.Time) error {
	return t.assets.Write(ctx, func(a **models.AssetRecord) error {
		record := *a
		last, ok := record.Last()
		if ok && math.Abs(wallet-last.ResultAsset) <= walletTolerance*math.Abs(last.ResultAsset) {
			record.SetLastResult(wallet)
			return nil
		}
		record.Insert(models.AssetRow{Time: now, Cause: models.Other, ResultAsset: wallet})
		return nil
	})
}

// enforceAccountMode brings every symbol to the wanted leverage and cross
// margin, then turns off multi-assets and hedge mode.
func (t *Transactor) enforceAccountMode(ctx context.Context, desired int) error {
	t.mu.Lock()
	type todo struct {
		symbol   string
		leverage int
		want     int
		isolated bool
		amount   float64
	}
	var work []todo
	for _, sym := range t.config.Symbols {
		want := desired
		if limit := t.rules[sym].MaxLeverage; limit > 0 && limit < want {
			want = limit
		}
		work = append(work, todo{sym, t.leverages[sym], want, t.isolated[sym], t.amounts[sym]})
	}
	rules := t.rules
	t.mu.Unlock()

	var errs error
	for _, w := range work {
		logger := t.logger.WithField("symbol", w.symbol)
		if w.leverage != w.want {
			if err := t.exchange.ChangeLeverage(ctx, w.symbol, w.want); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("set %s leverage: %w", w.symbol, err))
			} else {
				logger.Infof("Leverage changed from %d to %d", w.leverage, w.want)
			}
		}
		if !w.isolated {
			continue
		}
		if w.amount != 0 {
			closing := models.Decisions{}
			closing.Add(w.symbol, models.NowClose, models.Decision{})
			plan, err := t.planner.plan(closing, map[string]Market{w.symbol: {Rules: rules[w.symbol], Amount: w.amount}})
			if err == nil {
				err = t.Place(ctx, plan)
			}
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("close isolated %s position: %w", w.symbol, err))
				continue
			}
			logger.Warn("Closed isolated position before switching to cross margin")
		}
		if err := t.exchange.ChangeMarginType(ctx, w.symbol, "CROSSED"); err != nil && !alreadySet(err) {
			errs = multierr.Append(errs, fmt.Errorf("set %s margin type: %w", w.symbol, err))
		}
	}

	if err := t.exchange.SetMultiAssetsMargin(ctx, false); err != nil && !alreadySet(err) {
		errs = multierr.Append(errs, fmt.Errorf("turn off multi-assets margin: %w", err))
	}
	if err := t.exchange.SetDualSidePosition(ctx, false); err != nil && !alreadySet(err) {
		errs = multierr.Append(errs, fmt.Errorf("turn off hedge mode: %w", err))
	}
	return errs
}
