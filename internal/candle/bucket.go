package candle

import "github.com/navid-fn/perpdesk/internal/models"

// Builder reduces a time-ordered trade stream of one symbol into 10 s
// candles. Empty buckets between two trades are filled flat at the previous
// close with zero volume.
type Builder struct {
	symbol string
	frame  *Frame

	bucket int64
	bar    models.CandleBar
	open   bool
}

// NewBuilder starts an empty builder.
func NewBuilder(symbol string) *Builder {
	return &Builder{symbol: symbol, frame: NewFrame([]string{symbol})}
}

// Add feeds one trade. Trades must arrive in non-decreasing time order.
func (b *Builder) Add(t int64, price, volume float64) {
	bucket := Floor(t)
	if b.open && bucket == b.bucket {
		if price > b.bar.High {
			b.bar.High = price
		}
		if price < b.bar.Low {
			b.bar.Low = price
		}
		b.bar.Close = price
		b.bar.Volume += volume
		return
	}

	if b.open {
		b.emit(b.bucket, b.bar)
		for gap := b.bucket + Interval; gap < bucket; gap += Interval {
			b.emit(gap, Carry(b.bar.Close))
		}
	}
	b.bucket = bucket
	b.bar = models.CandleBar{Open: price, High: price, Low: price, Close: price, Volume: volume}
	b.open = true
}

func (b *Builder) emit(t int64, bar models.CandleBar) {
	f := b.frame
	f.Index = append(f.Index, t)
	f.cols[Column{b.symbol, Open}] = append(f.cols[Column{b.symbol, Open}], float32(bar.Open))
	f.cols[Column{b.symbol, High}] = append(f.cols[Column{b.symbol, High}], float32(bar.High))
	f.cols[Column{b.symbol, Low}] = append(f.cols[Column{b.symbol, Low}], float32(bar.Low))
	f.cols[Column{b.symbol, Close}] = append(f.cols[Column{b.symbol, Close}], float32(bar.Close))
	f.cols[Column{b.symbol, Volume}] = append(f.cols[Column{b.symbol, Volume}], float32(bar.Volume))
}

// Frame closes the pending bucket and returns the result. The builder must
// not be used afterwards.
func (b *Builder) Frame() *Frame {
	if b.open {
		b.emit(b.bucket, b.bar)
		b.open = false
	}
	return b.frame
}

// Bucketize is Builder over a slice of time-ordered trades.
func Bucketize(symbol string, trades []AggTrade) *Frame {
	b := NewBuilder(symbol)
	for _, tr := range trades {
		b.Add(tr.Time, tr.Price, tr.Volume)
	}
	return b.Frame()
}
