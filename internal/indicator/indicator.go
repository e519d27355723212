// Package indicator runs a strategy's indicator function over a candle frame
// and validates what it produces.
package indicator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/navid-fn/perpdesk/internal/candle"
)

// Category groups indicator series.
type Category string

const (
	Price    Category = "PRICE"
	Volume   Category = "VOLUME"
	Abstract Category = "ABSTRACT"
)

var categories = []Category{Price, Volume, Abstract}

// WarmUpDays of history precede every indicator computation.
const WarmUpDays = 28

// Key builds "SYMBOL/CATEGORY/NAME".
func Key(symbol string, category Category, name string) string {
	return symbol + "/" + string(category) + "/" + name
}

// ParseKey splits a key. ok is false for malformed keys.
func ParseKey(key string) (symbol string, category Category, name string, ok bool) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return "", "", "", false
	}
	category = Category(parts[1])
	for _, c := range categories {
		if c == category {
			return parts[0], category, parts[2], true
		}
	}
	return "", "", "", false
}

// Input is what a strategy's indicator function reads and fills. Candles
// is interpolated and carries one dummy row at the end; every series in
// Outputs must have Candles.Len() values.
type Input struct {
	TargetSymbols []string
	Candles       *candle.Frame
	Outputs       map[string][]float32
}

// Len is the required series length.
func (in *Input) Len() int { return in.Candles.Len() }

// Set stores a series under Key(symbol, category, name).
func (in *Input) Set(symbol string, category Category, name string, values []float32) {
	in.Outputs[Key(symbol, category, name)] = values
}

// Creator produces indicators.
type Creator interface {
	CreateIndicators(in *Input) error
}

// Frame holds validated indicator series aligned to Index.
type Frame struct {
	Index  []int64
	Series map[string][]float32
}

// Keys returns the series keys in sorted order.
func (f *Frame) Keys() []string {
	keys := make([]string, 0, len(f.Series))
	for k := range f.Series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Row returns every series' value at row i.
func (f *Frame) Row(i int) map[string]float64 {
	row := make(map[string]float64, len(f.Series))
	for k, s := range f.Series {
		row[k] = float64(s[i])
	}
	return row
}

// Find returns the row of t.
func (f *Frame) Find(t int64) (int, bool) {
	i := sort.Search(len(f.Index), func(i int) bool { return f.Index[i] >= t })
	return i, i < len(f.Index) && f.Index[i] == t
}

// TrimBefore drops rows older than t.
func (f *Frame) TrimBefore(t int64) {
	i, _ := f.Find(t)
	f.Index = f.Index[i:]
	for k, s := range f.Series {
		f.Series[k] = s[i:]
	}
}

// ScriptError wraps a failure raised by a strategy's own code.
type ScriptError struct {
	Stage string
	Err   error
}

func (e *ScriptError) Error() string { return fmt.Sprintf("strategy %s failed: %v", e.Stage, e.Err) }
func (e *ScriptError) Unwrap() error { return e.Err }

// Compute interpolates frame, runs creator and keeps only well-formed
// series: keys of the form SYMBOL/CATEGORY/NAME for a target symbol, the
// right length and no infinities.
func Compute(ctx context.Context, creator Creator, symbols []string, frame *candle.Frame) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	candles := frame.Interpolated()
	candles.AppendDummyRow()
	n := candles.Len()

	in := &Input{
		TargetSymbols: append([]string(nil), symbols...),
		Candles:       candles,
		Outputs:       make(map[string][]float32, len(symbols)*len(categories)),
	}
	for _, sym := range symbols {
		for _, c := range categories {
			in.Outputs[Key(sym, c, "BLANK")] = blank(n)
		}
	}

	if err := callCreator(creator, in); err != nil {
		return nil, &ScriptError{Stage: "indicators", Err: err}
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}

	out := &Frame{Series: make(map[string][]float32, len(in.Outputs))}
	for key, series := range in.Outputs {
		sym, _, _, ok := ParseKey(key)
		if !ok || !wanted[sym] || len(series) != n || hasInf(series) {
			continue
		}
		out.Series[key] = series
	}

	if n > 0 {
		out.Index = append([]int64(nil), candles.Index[:n-1]...)
		for k, s := range out.Series {
			out.Series[k] = s[:n-1]
		}
	}
	return out, nil
}

func callCreator(creator Creator, in *Input) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return creator.CreateIndicators(in)
}

func blank(n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = candle.NaN32()
	}
	return s
}

func hasInf(s []float32) bool {
	for _, v := range s {
		if math.IsInf(float64(v), 0) {
			return true
		}
	}
	return false
}
