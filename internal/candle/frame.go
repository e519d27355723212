// Package candle holds the in-memory market stores: the 10-second candle
// frame, the aggregate-trade buffer and the realtime quote ring.
package candle

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/navid-fn/perpdesk/internal/models"
)

// Interval is the candle width in milliseconds.
const Interval int64 = 10_000

// Field is one OHLCV column of a symbol.
type Field int

const (
	Open Field = iota
	High
	Low
	Close
	Volume
)

// Fields lists every per-symbol column in storage order.
var Fields = [...]Field{Open, High, Low, Close, Volume}

func (f Field) String() string {
	switch f {
	case Open:
		return "OPEN"
	case High:
		return "HIGH"
	case Low:
		return "LOW"
	case Close:
		return "CLOSE"
	case Volume:
		return "VOLUME"
	}
	return fmt.Sprintf("FIELD(%d)", int(f))
}

// Column addresses one (symbol, field) column.
type Column struct {
	Symbol string
	Field  Field
}

// Floor aligns a unix-ms timestamp down to the candle grid.
func Floor(ms int64) int64 {
	r := ms % Interval
	if r < 0 {
		r += Interval
	}
	return ms - r
}

var nan32 = float32(math.NaN())

// NaN32 is the missing-value marker of every column.
func NaN32() float32 { return nan32 }

func isNaN32(v float32) bool { return v != v }

// Frame is a struct-of-arrays candle table. Index holds unix-ms row times,
// strictly increasing and aligned to Interval once organized. Each column is
// a float32 slice of the same length; NaN marks a missing candle.
type Frame struct {
	symbols []string
	Index   []int64
	cols    map[Column][]float32
}

// NewFrame returns an empty frame with a column set for every symbol.
func NewFrame(symbols []string) *Frame {
	f := &Frame{
		symbols: append([]string(nil), symbols...),
		cols:    make(map[Column][]float32, len(symbols)*len(Fields)),
	}
	for _, sym := range symbols {
		for _, fld := range Fields {
			f.cols[Column{sym, fld}] = nil
		}
	}
	return f
}

// Symbols returns the symbols the frame has columns for.
func (f *Frame) Symbols() []string { return f.symbols }

// Len returns the row count.
func (f *Frame) Len() int { return len(f.Index) }

// Col returns the column slice, or nil when the frame lacks it.
func (f *Frame) Col(symbol string, field Field) []float32 {
	return f.cols[Column{symbol, field}]
}

// HasSymbol reports whether the frame carries columns for symbol.
func (f *Frame) HasSymbol(symbol string) bool {
	_, ok := f.cols[Column{symbol, Close}]
	return ok
}

// AddSymbol adds NaN columns for symbol if missing.
func (f *Frame) AddSymbol(symbol string) {
	if f.HasSymbol(symbol) {
		return
	}
	f.symbols = append(f.symbols, symbol)
	for _, fld := range Fields {
		col := make([]float32, len(f.Index))
		for i := range col {
			col[i] = nan32
		}
		f.cols[Column{symbol, fld}] = col
	}
}

// Find returns the row of t.
func (f *Frame) Find(t int64) (int, bool) {
	i := sort.Search(len(f.Index), func(i int) bool { return f.Index[i] >= t })
	return i, i < len(f.Index) && f.Index[i] == t
}

// insertRow adds an all-NaN row at position i with time t.
func (f *Frame) insertRow(i int, t int64) {
	f.Index = append(f.Index, 0)
	copy(f.Index[i+1:], f.Index[i:])
	f.Index[i] = t
	for k, col := range f.cols {
		col = append(col, 0)
		copy(col[i+1:], col[i:])
		col[i] = nan32
		f.cols[k] = col
	}
}

// Row returns the row of t, inserting an all-NaN row when absent.
func (f *Frame) Row(t int64) int {
	n := len(f.Index)
	if n == 0 || f.Index[n-1] < t {
		f.insertRow(n, t)
		return n
	}
	i, ok := f.Find(t)
	if !ok {
		f.insertRow(i, t)
	}
	return i
}

// Set writes bar for symbol at row time t.
func (f *Frame) Set(t int64, symbol string, bar models.CandleBar) {
	f.AddSymbol(symbol)
	i := f.Row(t)
	f.setAt(i, symbol, bar)
}

func (f *Frame) setAt(i int, symbol string, bar models.CandleBar) {
	f.cols[Column{symbol, Open}][i] = float32(bar.Open)
	f.cols[Column{symbol, High}][i] = float32(bar.High)
	f.cols[Column{symbol, Low}][i] = float32(bar.Low)
	f.cols[Column{symbol, Close}][i] = float32(bar.Close)
	f.cols[Column{symbol, Volume}][i] = float32(bar.Volume)
}

// Bar reads symbol's candle at row i. ok is false when the candle is missing.
func (f *Frame) Bar(i int, symbol string) (models.CandleBar, bool) {
	c := f.cols[Column{symbol, Close}]
	if c == nil || i < 0 || i >= len(c) || isNaN32(c[i]) {
		return models.CandleBar{}, false
	}
	return models.CandleBar{
		Open:   float64(f.cols[Column{symbol, Open}][i]),
		High:   float64(f.cols[Column{symbol, High}][i]),
		Low:    float64(f.cols[Column{symbol, Low}][i]),
		Close:  float64(c[i]),
		Volume: float64(f.cols[Column{symbol, Volume}][i]),
	}, true
}

// BarAt reads symbol's candle at time t.
func (f *Frame) BarAt(t int64, symbol string) (models.CandleBar, bool) {
	i, ok := f.Find(t)
	if !ok {
		return models.CandleBar{}, false
	}
	return f.Bar(i, symbol)
}

// LastClose returns the most recent non-missing close strictly before t.
func (f *Frame) LastClose(symbol string, before int64) (float64, bool) {
	c := f.cols[Column{symbol, Close}]
	if c == nil {
		return 0, false
	}
	i, _ := f.Find(before)
	for i--; i >= 0; i-- {
		if !isNaN32(c[i]) {
			return float64(c[i]), true
		}
	}
	return 0, false
}

// CountValid counts non-missing candles of symbol with index in [from, to].
func (f *Frame) CountValid(symbol string, from, to int64) int {
	c := f.cols[Column{symbol, Close}]
	if c == nil {
		return 0
	}
	lo, _ := f.Find(from)
	n := 0
	for i := lo; i < len(f.Index) && f.Index[i] <= to; i++ {
		if !isNaN32(c[i]) {
			n++
		}
	}
	return n
}

// FirstMissing returns the earliest grid time in [from, to] whose candle
// for symbol is absent or NaN.
func (f *Frame) FirstMissing(symbol string, from, to int64) (int64, bool) {
	c := f.cols[Column{symbol, Close}]
	if c == nil {
		return Floor(from), Floor(from) <= to
	}
	i, _ := f.Find(Floor(from))
	for t := Floor(from); t <= to; t += Interval {
		for i < len(f.Index) && f.Index[i] < t {
			i++
		}
		if i >= len(f.Index) || f.Index[i] != t || isNaN32(c[i]) {
			return t, true
		}
	}
	return 0, false
}

// Merge copies every non-missing candle of other into f; other wins on
// collisions. f gains columns for symbols it lacked.
func (f *Frame) Merge(other *Frame) {
	for _, sym := range other.symbols {
		f.AddSymbol(sym)
	}
	if n := len(f.Index); n > 0 && len(other.Index) > 64 && other.Index[0] <= f.Index[n-1] {
		f.mergeBulk(other)
		return
	}
	for i, t := range other.Index {
		var row = -1
		for _, sym := range other.symbols {
			bar, ok := other.Bar(i, sym)
			if !ok {
				continue
			}
			if row < 0 {
				row = f.Row(t)
			}
			f.setAt(row, sym, bar)
		}
	}
}

// mergeBulk appends other's rows and lets SortDedupe resolve collisions.
func (f *Frame) mergeBulk(other *Frame) {
	f.Index = append(f.Index, other.Index...)
	for k, col := range f.cols {
		src, ok := other.cols[k]
		if !ok {
			src = make([]float32, len(other.Index))
			for i := range src {
				src[i] = nan32
			}
		}
		f.cols[k] = append(col, src...)
	}
	f.SortDedupe()
}

// SortDedupe sorts rows by time and collapses duplicate times; for each
// duplicated time and symbol the last non-missing candle wins.
func (f *Frame) SortDedupe() {
	n := len(f.Index)
	if n == 0 {
		return
	}
	sorted := true
	for i := 1; i < n; i++ {
		if f.Index[i] <= f.Index[i-1] {
			sorted = false
			break
		}
	}
	if sorted {
		return
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return f.Index[order[a]] < f.Index[order[b]] })

	out := NewFrame(f.symbols)
	for _, src := range order {
		t := f.Index[src]
		m := len(out.Index)
		if m == 0 || out.Index[m-1] != t {
			out.Index = append(out.Index, t)
			for k := range out.cols {
				out.cols[k] = append(out.cols[k], f.cols[k][src])
			}
			continue
		}
		for _, sym := range f.symbols {
			if bar, ok := f.Bar(src, sym); ok {
				out.setAt(m-1, sym, bar)
			}
		}
	}
	*f = *out
}

// Resample snaps rows to the grid and fills every gap between the first
// and last row with all-NaN rows.
func (f *Frame) Resample() {
	aligned := true
	for _, t := range f.Index {
		if t%Interval != 0 {
			aligned = false
			break
		}
	}
	if !aligned {
		for i, t := range f.Index {
			f.Index[i] = Floor(t)
		}
	}
	f.SortDedupe()

	n := len(f.Index)
	if n < 2 || (f.Index[n-1]-f.Index[0])/Interval+1 == int64(n) {
		return
	}

	first, last := f.Index[0], f.Index[n-1]
	size := int((last-first)/Interval) + 1
	index := make([]int64, size)
	for i := range index {
		index[i] = first + int64(i)*Interval
	}
	for k, col := range f.cols {
		grid := make([]float32, size)
		for i := range grid {
			grid[i] = nan32
		}
		for i, t := range f.Index {
			grid[(t-first)/Interval] = col[i]
		}
		f.cols[k] = grid
	}
	f.Index = index
}

// Organize is the periodic maintenance pass: sort, dedupe and resample.
func (f *Frame) Organize() {
	f.SortDedupe()
	f.Resample()
}

// TrimBefore drops rows older than t.
func (f *Frame) TrimBefore(t int64) {
	i, _ := f.Find(t)
	if i == 0 {
		return
	}
	f.Index = append([]int64(nil), f.Index[i:]...)
	for k, col := range f.cols {
		f.cols[k] = append([]float32(nil), col[i:]...)
	}
}

// Slice returns a copy of rows with index in [from, to).
func (f *Frame) Slice(from, to int64) *Frame {
	lo, _ := f.Find(from)
	hi, _ := f.Find(to)
	if hi < lo {
		hi = lo
	}
	out := &Frame{
		symbols: append([]string(nil), f.symbols...),
		Index:   append([]int64(nil), f.Index[lo:hi]...),
		cols:    make(map[Column][]float32, len(f.cols)),
	}
	for k, col := range f.cols {
		out.cols[k] = append([]float32(nil), col[lo:hi]...)
	}
	return out
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	if len(f.Index) == 0 {
		return NewFrame(f.symbols)
	}
	return f.Slice(f.Index[0], f.Index[len(f.Index)-1]+1)
}

// Interpolated returns a copy where interior gaps of every column are filled
// linearly and trailing gaps carry the last value. Leading gaps stay NaN.
func (f *Frame) Interpolated() *Frame {
	out := f.Clone()
	for _, col := range out.cols {
		interpolate(col)
	}
	return out
}

func interpolate(col []float32) {
	prev := -1
	for i, v := range col {
		if isNaN32(v) {
			continue
		}
		if prev >= 0 && i-prev > 1 {
			a, b := col[prev], v
			span := float32(i - prev)
			for j := prev + 1; j < i; j++ {
				col[j] = a + (b-a)*float32(j-prev)/span
			}
		}
		prev = i
	}
	if prev >= 0 {
		for j := prev + 1; j < len(col); j++ {
			col[j] = col[prev]
		}
	}
}

// AppendDummyRow appends one row Interval after the last, copying the last
// row's values. Used so that rolling indicators see the freshest candle.
func (f *Frame) AppendDummyRow() {
	n := len(f.Index)
	if n == 0 {
		return
	}
	f.Index = append(f.Index, f.Index[n-1]+Interval)
	for k, col := range f.cols {
		f.cols[k] = append(col, col[n-1])
	}
}

// DropLastRow removes the last row.
func (f *Frame) DropLastRow() {
	n := len(f.Index)
	if n == 0 {
		return
	}
	f.Index = f.Index[:n-1]
	for k, col := range f.cols {
		f.cols[k] = col[:n-1]
	}
}

// Validate checks the row invariants: aligned strictly increasing index and,
// for every present candle, high ≥ max(open, close), low ≤ min(open, close),
// volume ≥ 0.
func (f *Frame) Validate() error {
	for i, t := range f.Index {
		if t%Interval != 0 {
			return fmt.Errorf("row %d: index %d not aligned to %dms", i, t, Interval)
		}
		if i > 0 && t <= f.Index[i-1] {
			return fmt.Errorf("row %d: index %d not after %d", i, t, f.Index[i-1])
		}
	}
	for _, sym := range f.symbols {
		for i := range f.Index {
			bar, ok := f.Bar(i, sym)
			if !ok {
				continue
			}
			if bar.High < math.Max(bar.Open, bar.Close) || bar.Low > math.Min(bar.Open, bar.Close) || bar.Volume < 0 {
				return fmt.Errorf("row %d %s: inconsistent candle %+v", i, sym, bar)
			}
		}
	}
	return nil
}

// Years returns the calendar years (UTC) the rows span.
func (f *Frame) Years() []int {
	if len(f.Index) == 0 {
		return nil
	}
	first := time.UnixMilli(f.Index[0]).UTC().Year()
	last := time.UnixMilli(f.Index[len(f.Index)-1]).UTC().Year()
	years := make([]int, 0, last-first+1)
	for y := first; y <= last; y++ {
		years = append(years, y)
	}
	return years
}

// YearBounds returns the unix-ms start of year and of the following year.
func YearBounds(year int) (int64, int64) {
	start := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	end := time.Date(year+1, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	return start, end
}
