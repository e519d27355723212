package simulator

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/navid-fn/perpdesk/configs"
	"github.com/navid-fn/perpdesk/internal/candle"
	"github.com/navid-fn/perpdesk/internal/indicator"
	"github.com/navid-fn/perpdesk/internal/models"
)

const (
	// DecisionLag is how long after a bar opens a NOW order is assumed to
	// fill, in milliseconds.
	DecisionLag int64 = 3_000

	// fillDelay places a trade row just after the bar it filled in.
	fillDelay = 3 * time.Millisecond

	// markClamp bounds how far the unrealized mark may stray from the bar
	// body.
	markClamp = 0.05

	// Order ids share the int64 key space of exchange order ids, so the
	// draw tops out at math.MaxInt64.
	minOrderID int64 = 1_000_000_000_000_000_000

	yieldEvery = 8640
)

// Decider is the decision half of a strategy.
type Decider interface {
	CreateDecisions(in models.DecisionInput) (models.Decisions, error)
}

// Params are the trading conditions of a run. Fees are fractions of the
// filled notional.
type Params struct {
	Leverage float64
	MakerFee float64
	TakerFee float64
}

// ParamsFrom converts simulation settings, whose fees are percentages.
func ParamsFrom(s configs.SimulationSettings) Params {
	lev := float64(s.Leverage)
	if lev < 1 {
		lev = 1
	}
	return Params{Leverage: lev, MakerFee: s.MakerFee / 100, TakerFee: s.TakerFee / 100}
}

func (p Params) fee(role models.Role) float64 {
	if role == models.Maker {
		return p.MakerFee
	}
	return p.TakerFee
}

// kernel advances one State bar by bar.
type kernel struct {
	decider Decider
	symbols []string
	params  Params
	rng     *rand.Rand
	state   *State
	advance func(int)
}

func newKernel(decider Decider, symbols []string, params Params, seed uint64, state *State) *kernel {
	if params.Leverage < 1 {
		params.Leverage = 1
	}
	return &kernel{
		decider: decider,
		symbols: symbols,
		params:  params,
		rng:     rand.New(rand.NewPCG(seed, 0x5eed)),
		state:   state,
		advance: func(int) {},
	}
}

// run walks every row of bars. ind must share bars' index.
func (k *kernel) run(ctx context.Context, bars *candle.Frame, ind *indicator.Frame) error {
	if len(ind.Index) != bars.Len() {
		return fmt.Errorf("indicator rows %d do not match candle rows %d", len(ind.Index), bars.Len())
	}
	for i, t := range bars.Index {
		if i%yieldEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			if i > 0 {
				k.advance(yieldEvery)
			}
		}
		if err := k.tick(i, t, bars, ind); err != nil {
			return err
		}
	}
	if n := bars.Len() % yieldEvery; n > 0 {
		k.advance(n)
	}
	return nil
}

func (k *kernel) tick(i int, before int64, bars *candle.Frame, ind *indicator.Frame) error {
	current := before + candle.Interval

	row := make(map[string]models.CandleBar, len(k.symbols))
	for _, sym := range k.symbols {
		bar, ok := bars.Bar(i, sym)
		if !ok {
			continue
		}
		row[sym] = bar
		if err := k.match(sym, bar, before); err != nil {
			return &TickError{Moment: time.UnixMilli(before).UTC(), Symbol: sym, Err: err}
		}
	}

	wallet := k.wallet()
	change := 0.0
	if wallet > 0 {
		change = k.unrealized(row) / wallet
	}
	k.state.Unrealized.Set(before, float32(change))
	k.refreshAccount(current, wallet)

	in := models.DecisionInput{
		TargetSymbols: k.symbols,
		CurrentMoment: time.UnixMilli(current).UTC(),
		Candles:       row,
		Indicators:    ind.Row(i),
		Account:       k.state.Account.Clone(),
		Scribbles:     k.state.Scribbles,
	}
	decisions, err := decide(k.decider, in)
	if err != nil {
		return &TickError{Moment: in.CurrentMoment, Err: &indicator.ScriptError{Stage: "decisions", Err: err}}
	}
	if err := k.place(decisions, current); err != nil {
		return &TickError{Moment: in.CurrentMoment, Err: err}
	}
	k.refreshOrders()
	return nil
}

func decide(d Decider, in models.DecisionInput) (out models.Decisions, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.CreateDecisions(in)
}

// match tries sym's pending placements in priority order. At most one of
// them takes effect per bar.
func (k *kernel) match(sym string, bar models.CandleBar, before int64) error {
	pending := k.state.Virtual.Placements[sym]
	if len(pending) == 0 {
		return nil
	}

	for _, t := range models.PlacementPriority {
		p, ok := pending[t]
		if !ok {
			continue
		}

		if t == models.CancelAll {
			for rt, rp := range pending {
				if rt.Resting() && rp.DecidedAt < p.DecidedAt {
					delete(pending, rt)
				}
			}
			delete(pending, t)
			return nil
		}

		fill, role, fired := fillPrice(t, p, bar)
		if !fired {
			continue
		}
		delete(pending, t)

		filled, err := k.execute(sym, t, p, fill, role, bar, before)
		if err != nil {
			return err
		}
		if filled {
			return nil
		}
	}
	return nil
}

func fillPrice(t models.OrderType, p models.VirtualPlacement, bar models.CandleBar) (float64, models.Role, bool) {
	switch t.Kind() {
	case models.KindNow:
		speed := (bar.Close - bar.Open) / float64(candle.Interval)
		return bar.Open + speed*float64(DecisionLag), models.Taker, true
	case models.KindLater:
		return p.Boundary, models.Taker, bar.Low < p.Boundary && p.Boundary < bar.High
	case models.KindBook:
		return p.Boundary, models.Maker, bar.Low < p.Boundary && p.Boundary < bar.High
	}
	return 0, "", false
}

// execute applies one fired placement. A close on a flat position does
// nothing and reports filled=false.
func (k *kernel) execute(sym string, t models.OrderType, p models.VirtualPlacement, fill float64, role models.Role, bar models.CandleBar, before int64) (bool, error) {
	v := &k.state.Virtual
	amount := v.Amounts[sym]

	if math.IsNaN(fill) || fill <= 0 {
		return false, fmt.Errorf("%w: %s at %v", ErrNonPositiveFillPrice, t, fill)
	}

	var shift float64
	if t.IsClose() {
		if amount == 0 {
			return false, nil
		}
		shift = -amount
	} else {
		switch {
		case math.IsNaN(p.Margin):
			return false, fmt.Errorf("%w: %s", ErrNaNMargin, t)
		case p.Margin < 0:
			return false, fmt.Errorf("%w: %s margin %v", ErrNegativeMargin, t, p.Margin)
		}
		shift = p.Margin * k.params.Leverage / fill
		if t.IsSell() {
			shift = -shift
		}
	}
	if shift == 0 {
		return false, fmt.Errorf("%w: %s", ErrZeroAmountShift, t)
	}

	if err := k.shiftPosition(sym, shift, fill); err != nil {
		return false, err
	}
	v.AvailableBalance -= math.Abs(shift) * fill * k.params.fee(role)
	if v.AvailableBalance < 0 {
		return false, fmt.Errorf("%w: %v after fee", ErrNegativeBalance, v.AvailableBalance)
	}

	wallet := k.wallet()
	side := models.Buy
	if shift < 0 {
		side = models.Sell
	}
	ratio := 0.0
	if wallet > 0 {
		ratio = math.Abs(shift) * bar.Open / wallet
	}
	at := k.state.AssetRecord.Insert(models.AssetRow{
		Time:        time.UnixMilli(before).UTC().Add(fillDelay),
		Cause:       models.AutoTrade,
		Symbol:      sym,
		Side:        side,
		FillPrice:   fill,
		Role:        role,
		MarginRatio: ratio,
		OrderID:     p.OrderID,
		ResultAsset: wallet,
	})

	pos := k.state.Account.Positions[sym]
	pos.UpdateTime = at
	k.state.Account.Positions[sym] = pos
	return true, nil
}

// shiftPosition moves sym's amount by shift at price fill. Margin locked in
// a position is |amount|·entry/leverage; realized profit goes straight to
// the available balance.
func (k *kernel) shiftPosition(sym string, shift, fill float64) error {
	v := &k.state.Virtual
	lev := k.params.Leverage
	before := v.Amounts[sym]
	entry := v.EntryPrices[sym]
	current := before + shift

	switch {
	case before == 0:
		v.AvailableBalance -= math.Abs(current) * fill / lev
		entry = fill
	case current == 0:
		v.AvailableBalance += math.Abs(before)*entry/lev + (fill-entry)*before
		entry = 0
	case (before > 0) != (current > 0):
		v.AvailableBalance += math.Abs(before)*entry/lev + (fill-entry)*before
		if v.AvailableBalance < 0 {
			return fmt.Errorf("%w: %v after closing %s", ErrNegativeBalance, v.AvailableBalance, sym)
		}
		v.AvailableBalance -= math.Abs(current) * fill / lev
		entry = fill
	case math.Abs(current) > math.Abs(before):
		v.AvailableBalance -= math.Abs(shift) * fill / lev
		entry = (entry*before + fill*shift) / current
	default:
		v.AvailableBalance += math.Abs(shift)*entry/lev + (fill-entry)*(-shift)
	}

	if v.AvailableBalance < 0 {
		return fmt.Errorf("%w: %v after trading %s", ErrNegativeBalance, v.AvailableBalance, sym)
	}
	v.Amounts[sym] = current
	v.EntryPrices[sym] = entry
	return nil
}

// wallet is the available balance plus the margin locked in positions.
func (k *kernel) wallet() float64 {
	v := &k.state.Virtual
	w := v.AvailableBalance
	for _, sym := range k.symbols {
		w += math.Abs(v.Amounts[sym]) * v.EntryPrices[sym] / k.params.Leverage
	}
	return w
}

// unrealized marks every position pessimistically within the bar, but no
// further than markClamp beyond the bar body.
func (k *kernel) unrealized(row map[string]models.CandleBar) float64 {
	v := &k.state.Virtual
	total := 0.0
	for _, sym := range k.symbols {
		amount := v.Amounts[sym]
		bar, ok := row[sym]
		if amount == 0 || !ok {
			continue
		}
		var mark float64
		if amount > 0 {
			mark = math.Max(bar.Low, math.Min(bar.Open, bar.Close)*(1-markClamp))
		} else {
			mark = math.Min(bar.High, math.Max(bar.Open, bar.Close)*(1+markClamp))
		}
		total += (mark - v.EntryPrices[sym]) * amount
	}
	return total
}

// refreshAccount rebuilds the strategy-facing account from the virtual
// state.
func (k *kernel) refreshAccount(current int64, wallet float64) {
	a := &k.state.Account
	v := &k.state.Virtual
	a.ObservedUntil = time.UnixMilli(current).UTC()
	a.WalletBalance = wallet

	for _, sym := range k.symbols {
		amount := v.Amounts[sym]
		pos := a.Positions[sym]
		pos.Direction = models.DirectionOf(amount)
		pos.EntryPrice = v.EntryPrices[sym]
		pos.Margin = math.Abs(amount) * v.EntryPrices[sym] / k.params.Leverage
		a.Positions[sym] = pos
	}
	k.refreshOrders()
}

// refreshOrders mirrors the resting placements into the account's open
// orders.
func (k *kernel) refreshOrders() {
	a := &k.state.Account
	v := &k.state.Virtual
	for _, sym := range k.symbols {
		orders := make(map[int64]models.OpenOrder, len(v.Placements[sym]))
		for t, p := range v.Placements[sym] {
			if !t.Resting() {
				continue
			}
			o := models.OpenOrder{OrderType: t, BoundaryPrice: p.Boundary}
			if !t.IsClose() {
				m := p.Margin
				o.LeftMargin = &m
			}
			orders[p.OrderID] = o
		}
		a.OpenOrders[sym] = orders
	}
}

// place merges decisions into the pending placements. A new decision
// replaces a pending placement of the same symbol and type.
func (k *kernel) place(decisions models.Decisions, current int64) error {
	for sym, orders := range decisions {
		if _, ok := k.state.Virtual.Placements[sym]; !ok {
			return fmt.Errorf("%w: %s is not a target symbol", ErrInvalidDecision, sym)
		}
		for t := range orders {
			if !t.Valid() {
				return fmt.Errorf("%w: unknown order type %q for %s", ErrInvalidDecision, t, sym)
			}
		}
	}

	for _, sym := range k.symbols {
		orders := decisions[sym]
		if len(orders) == 0 {
			continue
		}
		pending := k.state.Virtual.Placements[sym]
		for _, t := range models.PlacementPriority {
			d, ok := orders[t]
			if !ok {
				continue
			}
			pending[t] = models.VirtualPlacement{
				OrderID:   k.orderID(),
				Boundary:  d.Boundary,
				Margin:    d.Margin,
				DecidedAt: current,
			}
		}
	}
	return nil
}

func (k *kernel) orderID() int64 {
	return minOrderID + k.rng.Int64N(math.MaxInt64-minOrderID+1)
}
