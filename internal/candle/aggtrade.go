package candle

import "github.com/navid-fn/perpdesk/internal/models"

// AggTrade is one aggregate trade as received from the exchange.
type AggTrade struct {
	Time   int64
	Symbol string
	Price  float64
	Volume float64
}

// AggTradeBuffer keeps recent aggregate trades in arrival order. It is
// trimmed to a sliding window by the collector.
type AggTradeBuffer struct {
	rows []AggTrade
}

// Append adds trades.
func (b *AggTradeBuffer) Append(trades ...AggTrade) {
	b.rows = append(b.rows, trades...)
}

// Len returns the number of buffered trades.
func (b *AggTradeBuffer) Len() int { return len(b.rows) }

// Clear drops everything.
func (b *AggTradeBuffer) Clear() { b.rows = b.rows[:0] }

// TrimBefore drops trades older than t.
func (b *AggTradeBuffer) TrimBefore(t int64) {
	kept := b.rows[:0]
	for _, r := range b.rows {
		if r.Time >= t {
			kept = append(kept, r)
		}
	}
	for i := len(kept); i < len(b.rows); i++ {
		b.rows[i] = AggTrade{}
	}
	b.rows = kept
}

// HasAtOrAfter reports whether any trade has time ≥ t.
func (b *AggTradeBuffer) HasAtOrAfter(t int64) bool {
	for i := len(b.rows) - 1; i >= 0; i-- {
		if b.rows[i].Time >= t {
			return true
		}
	}
	return false
}

// Earliest returns the oldest buffered trade time.
func (b *AggTradeBuffer) Earliest() (int64, bool) {
	if len(b.rows) == 0 {
		return 0, false
	}
	earliest := b.rows[0].Time
	for _, r := range b.rows[1:] {
		if r.Time < earliest {
			earliest = r.Time
		}
	}
	return earliest, true
}

// Window returns symbol's trades with time in [from, to), sorted by time.
func (b *AggTradeBuffer) Window(symbol string, from, to int64) []AggTrade {
	var out []AggTrade
	sorted := true
	for _, r := range b.rows {
		if r.Symbol != symbol || r.Time < from || r.Time >= to {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Time > r.Time {
			sorted = false
		}
		out = append(out, r)
	}
	if !sorted {
		sortTrades(out)
	}
	return out
}

// Aggregate reduces time-ordered trades into one candle. ok is false for an
// empty slice.
func Aggregate(trades []AggTrade) (bar models.CandleBar, ok bool) {
	if len(trades) == 0 {
		return models.CandleBar{}, false
	}
	bar.Open = trades[0].Price
	bar.High = trades[0].Price
	bar.Low = trades[0].Price
	for _, tr := range trades {
		if tr.Price > bar.High {
			bar.High = tr.Price
		}
		if tr.Price < bar.Low {
			bar.Low = tr.Price
		}
		bar.Volume += tr.Volume
	}
	bar.Close = trades[len(trades)-1].Price
	return bar, true
}

// Carry is the candle of a period without trades: flat at the previous
// close with zero volume.
func Carry(prevClose float64) models.CandleBar {
	return models.CandleBar{Open: prevClose, High: prevClose, Low: prevClose, Close: prevClose}
}

func sortTrades(trades []AggTrade) {
	// insertion sort: arrival order is almost sorted
	for i := 1; i < len(trades); i++ {
		for j := i; j > 0 && trades[j].Time < trades[j-1].Time; j-- {
			trades[j], trades[j-1] = trades[j-1], trades[j]
		}
	}
}
