package strategist

import (
	"math"

	"github.com/navid-fn/perpdesk/internal/candle"
	"github.com/navid-fn/perpdesk/internal/indicator"
	"github.com/navid-fn/perpdesk/internal/models"
)

func init() {
	chunkDays := 30
	Register(models.StrategyInfo{
		CodeName:                    "MACROS",
		ReadableName:                "Moving average cross",
		Version:                     "1.0",
		Description:                 "Goes long when the 5 minute average of the close is above the 30 minute average, short otherwise.",
		RiskLevel:                   models.RiskMiddle,
		ParallelSimulationChunkDays: &chunkDays,
	}, func() Strategy { return &MovingAverageCross{Fast: 30, Slow: 180, Exposure: 0.5} })

	Register(models.StrategyInfo{
		CodeName:     "BREAKO",
		ReadableName: "Range breakout",
		Version:      "1.0",
		Description:  "Waits with stop entries outside the last hour's range, exits on a return through the opposite edge or at a resting take-profit.",
		RiskLevel:    models.RiskHigh,
	}, func() Strategy { return &RangeBreakout{Window: 360, TakeProfit: 0.02, Exposure: 0.5} })
}

// budget splits exposure of the wallet evenly across symbols.
func budget(in models.DecisionInput, exposure float64) float64 {
	if len(in.TargetSymbols) == 0 {
		return 0
	}
	return in.Account.WalletBalance * exposure / float64(len(in.TargetSymbols))
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// MovingAverageCross trades market orders on fast/slow average crossings.
type MovingAverageCross struct {
	Fast, Slow int
	Exposure   float64
}

func (s *MovingAverageCross) CreateIndicators(in *indicator.Input) error {
	for _, sym := range in.TargetSymbols {
		closes := in.Column(sym, candle.Close)
		in.Set(sym, indicator.Price, "FAST", indicator.SMA(closes, s.Fast))
		in.Set(sym, indicator.Price, "SLOW", indicator.SMA(closes, s.Slow))
	}
	return nil
}

func (s *MovingAverageCross) CreateDecisions(in models.DecisionInput) (models.Decisions, error) {
	decisions := models.Decisions{}
	size := budget(in, s.Exposure)

	for _, sym := range in.TargetSymbols {
		fast := in.Indicators[indicator.Key(sym, indicator.Price, "FAST")]
		slow := in.Indicators[indicator.Key(sym, indicator.Price, "SLOW")]
		if !finite(fast, slow) || fast == slow {
			continue
		}

		want := models.Long
		if fast < slow {
			want = models.Short
		}
		pos := in.Account.Positions[sym]
		if pos.Direction == want {
			continue
		}

		margin := size
		if pos.Direction != models.None {
			margin += pos.Margin
		}
		if want == models.Long {
			decisions.Add(sym, models.NowBuy, models.Decision{Margin: margin})
		} else {
			decisions.Add(sym, models.NowSell, models.Decision{Margin: margin})
		}

		key := sym + "/crosses"
		in.Scribbles[key] = models.Number(in.Scribbles[key].Num + 1)
	}
	return decisions, nil
}

// RangeBreakout rests stop entries at the edges of the trailing range.
type RangeBreakout struct {
	Window     int
	TakeProfit float64
	Exposure   float64
}

func (s *RangeBreakout) CreateIndicators(in *indicator.Input) error {
	for _, sym := range in.TargetSymbols {
		in.Set(sym, indicator.Price, "RANGE_HIGH", indicator.RollingMax(in.Column(sym, candle.High), s.Window, true))
		in.Set(sym, indicator.Price, "RANGE_LOW", indicator.RollingMin(in.Column(sym, candle.Low), s.Window, true))
	}
	return nil
}

func (s *RangeBreakout) CreateDecisions(in models.DecisionInput) (models.Decisions, error) {
	decisions := models.Decisions{}
	size := budget(in, s.Exposure)

	for _, sym := range in.TargetSymbols {
		hi := in.Indicators[indicator.Key(sym, indicator.Price, "RANGE_HIGH")]
		lo := in.Indicators[indicator.Key(sym, indicator.Price, "RANGE_LOW")]
		if !finite(hi, lo) || lo <= 0 || hi <= lo {
			continue
		}

		pos := in.Account.Positions[sym]
		orders := in.Account.OpenOrders[sym]

		lastKey := sym + "/direction"
		if last := in.Scribbles[lastKey].Str; last == string(models.None) || last == "" {
			if pos.Direction != models.None {
				countKey := sym + "/breakouts"
				in.Scribbles[countKey] = models.Number(in.Scribbles[countKey].Num + 1)
				in.Scribbles[sym+"/entered_at"] = models.Timestamp(in.CurrentMoment)
			}
		}
		in.Scribbles[lastKey] = models.String(string(pos.Direction))

		var wanted []order
		switch pos.Direction {
		case models.None:
			wanted = append(wanted,
				order{models.LaterUpBuy, models.Decision{Boundary: hi, Margin: size}},
				order{models.LaterDownSell, models.Decision{Boundary: lo, Margin: size}},
			)
		case models.Long:
			wanted = append(wanted,
				order{models.LaterDownClose, models.Decision{Boundary: lo}},
				order{models.BookSell, models.Decision{Boundary: pos.EntryPrice * (1 + s.TakeProfit), Margin: pos.Margin / 2}},
			)
		case models.Short:
			wanted = append(wanted,
				order{models.LaterUpClose, models.Decision{Boundary: hi}},
				order{models.BookBuy, models.Decision{Boundary: pos.EntryPrice * (1 - s.TakeProfit), Margin: pos.Margin / 2}},
			)
		}

		current := len(orders) == len(wanted)
		for _, w := range wanted {
			if !hasOrder(orders, w.t, w.d.Boundary) {
				current = false
			}
		}
		if current {
			continue
		}

		if len(orders) > 0 {
			decisions.Add(sym, models.CancelAll, models.Decision{})
		}
		for _, w := range wanted {
			decisions.Add(sym, w.t, w.d)
		}
	}
	return decisions, nil
}

type order struct {
	t models.OrderType
	d models.Decision
}

// hasOrder reports whether an open order of type t rests within 0.1% of
// boundary.
func hasOrder(orders map[int64]models.OpenOrder, t models.OrderType, boundary float64) bool {
	for _, o := range orders {
		if o.OrderType == t && math.Abs(o.BoundaryPrice-boundary) <= boundary*1e-3 {
			return true
		}
	}
	return false
}
