package transactor

import (
	"context"
	"fmt"
	"time"

	"github.com/navid-fn/perpdesk/internal/candle"
	"github.com/navid-fn/perpdesk/internal/indicator"
	"github.com/navid-fn/perpdesk/internal/models"
	"github.com/navid-fn/perpdesk/internal/strategist"
	"golang.org/x/sync/errgroup"
)

// Place sends plan batch by batch: cancels, market, limit, then conditional
// orders. Orders within a batch go out concurrently; a failing batch stops
// the ones after it.
func (t *Transactor) Place(ctx context.Context, plan Plan) error {
	for _, s := range plan.Skipped {
		t.logger.Warnf("Decision skipped: %s", s)
	}
	if plan.Empty() {
		return nil
	}

	placedAt := t.now().UnixMilli()
	err := t.autoOrders.Write(ctx, func(r **AutoOrderRecord) error {
		for _, o := range plan.Orders() {
			(*r).ClientIDs[o.ClientID] = placedAt
		}
		return nil
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sym := range plan.Cancels {
		g.Go(func() error {
			if err := t.exchange.CancelAllOpenOrders(gctx, sym); err != nil {
				return fmt.Errorf("cancel %s orders: %w", sym, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	batches := []struct {
		name   string
		orders []OrderRequest
	}{
		{"market", plan.Market},
		{"limit", plan.Limit},
		{"conditional", plan.Conditional},
	}
	for _, b := range batches {
		if err := t.placeBatch(ctx, b.orders); err != nil {
			return fmt.Errorf("%s batch: %w", b.name, err)
		}
	}
	return nil
}

func (t *Transactor) placeBatch(ctx context.Context, orders []OrderRequest) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]int64, len(orders))
	g, gctx := errgroup.WithContext(ctx)
	for i, o := range orders {
		g.Go(func() error {
			placed, err := t.exchange.PlaceOrder(gctx, o.Params)
			if err != nil {
				return fmt.Errorf("%s %s: %w", o.Symbol, o.Type, err)
			}
			ids[i] = placed.OrderID
			t.logger.WithField("symbol", o.Symbol).Infof("Placed %s as order %d", o.Type, placed.OrderID)
			return nil
		})
	}
	err := g.Wait()

	at := t.now().UnixMilli()
	if werr := t.autoOrders.Write(ctx, func(r **AutoOrderRecord) error {
		for _, id := range ids {
			if id != 0 {
				(*r).OrderIDs[id] = at
			}
		}
		return nil
	}); werr != nil && err == nil {
		err = werr
	}
	return err
}

// Decide runs the selected strategy over the last indicator warm-up window
// of candles and places the resulting orders. It does nothing while
// automation is off.
func (t *Transactor) Decide(ctx context.Context) error {
	settings, strategy, on := t.automation()
	if !on {
		return nil
	}

	var view *candle.Frame
	err := t.candles.Read(ctx, func(f *candle.Frame) error {
		if f.Len() == 0 {
			return nil
		}
		last := f.Index[f.Len()-1]
		view = f.Slice(last-indicator.WarmUpDays*24*int64(time.Hour/time.Millisecond), last+candle.Interval)
		return nil
	})
	if err != nil {
		return err
	}
	if view == nil || view.Len() == 0 {
		return nil
	}

	ind, err := indicator.Compute(ctx, strategy, t.config.Symbols, view)
	if err != nil {
		return err
	}
	i := view.Len() - 1
	before := view.Index[i]
	row := make(map[string]models.CandleBar, len(t.config.Symbols))
	for _, sym := range t.config.Symbols {
		if bar, ok := view.Bar(i, sym); ok {
			row[sym] = bar
		}
	}

	t.mu.Lock()
	in := models.DecisionInput{
		TargetSymbols: t.config.Symbols,
		CurrentMoment: time.UnixMilli(before + candle.Interval).UTC(),
		Candles:       row,
		Indicators:    ind.Row(i),
		Account:       t.account.Clone(),
		Scribbles:     t.scribbles.Clone(),
	}
	markets := make(map[string]Market, len(t.config.Symbols))
	for _, sym := range t.config.Symbols {
		lev := t.leverages[sym]
		if lev < 1 {
			lev = settings.DesiredLeverage
		}
		price, _ := view.LastClose(sym, before+candle.Interval)
		markets[sym] = Market{Rules: t.rules[sym], Leverage: lev, Price: price, Amount: t.amounts[sym]}
	}
	t.mu.Unlock()

	decisions, err := decide(strategy, in)
	if err != nil {
		return &indicator.ScriptError{Stage: "decisions", Err: err}
	}
	t.mu.Lock()
	t.scribbles = in.Scribbles
	t.mu.Unlock()

	plan, err := t.planner.plan(decisions, markets)
	if err != nil {
		return err
	}
	return t.Place(ctx, plan)
}

func decide(s strategist.Strategy, in models.DecisionInput) (out models.Decisions, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.CreateDecisions(in)
}
