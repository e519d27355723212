package candle

import (
	"bytes"
	"math"
	"testing"

	"github.com/navid-fn/perpdesk/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bar(o, h, l, c, v float64) models.CandleBar {
	return models.CandleBar{Open: o, High: h, Low: l, Close: c, Volume: v}
}

func TestFloor(t *testing.T) {
	assert.Equal(t, int64(20_000), Floor(29_999))
	assert.Equal(t, int64(30_000), Floor(30_000))
	assert.Equal(t, int64(-10_000), Floor(-1))
}

func TestSetKeepsIndexSorted(t *testing.T) {
	f := NewFrame([]string{"BTCUSDT"})
	f.Set(30_000, "BTCUSDT", bar(3, 3, 3, 3, 1))
	f.Set(10_000, "BTCUSDT", bar(1, 1, 1, 1, 1))
	f.Set(20_000, "BTCUSDT", bar(2, 2, 2, 2, 1))

	assert.Equal(t, []int64{10_000, 20_000, 30_000}, f.Index)
	b, ok := f.BarAt(20_000, "BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 2.0, b.Close)
	require.NoError(t, f.Validate())
}

func TestMergeLaterWins(t *testing.T) {
	a := NewFrame([]string{"BTCUSDT"})
	a.Set(10_000, "BTCUSDT", bar(1, 1, 1, 1, 1))
	a.Set(20_000, "BTCUSDT", bar(2, 2, 2, 2, 1))

	b := NewFrame([]string{"BTCUSDT", "ETHUSDT"})
	b.Set(20_000, "BTCUSDT", bar(5, 5, 5, 5, 5))
	b.Set(30_000, "ETHUSDT", bar(7, 7, 7, 7, 7))

	a.Merge(b)

	got, ok := a.BarAt(20_000, "BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 5.0, got.Close)

	_, ok = a.BarAt(30_000, "BTCUSDT")
	assert.False(t, ok)
	eth, ok := a.BarAt(30_000, "ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, 7.0, eth.Close)
}

func TestBulkMergeOverlapping(t *testing.T) {
	a := NewFrame([]string{"BTCUSDT"})
	for i := int64(0); i < 100; i++ {
		a.Set(1_000_000+i*Interval, "BTCUSDT", bar(1, 1, 1, 1, 1))
	}

	b := NewFrame([]string{"BTCUSDT"})
	for i := int64(-50); i < 50; i++ {
		b.Set(1_000_000+i*Interval, "BTCUSDT", bar(2, 2, 2, 2, 2))
	}
	b.Col("BTCUSDT", Close)[len(b.Index)-1] = NaN32()

	a.Merge(b)

	require.Equal(t, 150, a.Len())
	require.NoError(t, a.Validate())
	first, _ := a.Bar(0, "BTCUSDT")
	assert.Equal(t, 2.0, first.Close)
	overlap, _ := a.BarAt(1_000_000, "BTCUSDT")
	assert.Equal(t, 2.0, overlap.Close)
	kept, _ := a.BarAt(1_000_000+49*Interval, "BTCUSDT")
	assert.Equal(t, 1.0, kept.Close)
}

func TestOrganizeFillsGridAndDedupes(t *testing.T) {
	f := NewFrame([]string{"BTCUSDT"})
	f.Index = []int64{40_000, 10_000, 10_000}
	f.cols[Column{"BTCUSDT", Open}] = []float32{4, 1, 2}
	f.cols[Column{"BTCUSDT", High}] = []float32{4, 1, 2}
	f.cols[Column{"BTCUSDT", Low}] = []float32{4, 1, 2}
	f.cols[Column{"BTCUSDT", Close}] = []float32{4, 1, 2}
	f.cols[Column{"BTCUSDT", Volume}] = []float32{1, 1, 1}

	f.Organize()

	assert.Equal(t, []int64{10_000, 20_000, 30_000, 40_000}, f.Index)
	first, ok := f.Bar(0, "BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 2.0, first.Close)
	_, ok = f.Bar(1, "BTCUSDT")
	assert.False(t, ok)
	require.NoError(t, f.Validate())
}

func TestInterpolated(t *testing.T) {
	f := NewFrame([]string{"X"})
	f.Set(10_000, "X", bar(1, 1, 1, 1, 0))
	f.Row(20_000)
	f.Set(30_000, "X", bar(3, 3, 3, 3, 0))
	f.Row(40_000)

	g := f.Interpolated()
	c := g.Col("X", Close)
	assert.Equal(t, []float32{1, 2, 3, 3}, c)

	_, ok := f.Bar(1, "X")
	assert.False(t, ok, "source frame must stay untouched")
}

func TestFirstMissingAndCount(t *testing.T) {
	f := NewFrame([]string{"X"})
	for _, ts := range []int64{0, 10_000, 30_000} {
		f.Set(ts, "X", bar(1, 1, 1, 1, 1))
	}

	m, ok := f.FirstMissing("X", 0, 30_000)
	require.True(t, ok)
	assert.Equal(t, int64(20_000), m)
	assert.Equal(t, 3, f.CountValid("X", 0, 30_000))

	_, ok = f.FirstMissing("X", 0, 10_000)
	assert.False(t, ok)
}

func TestValidateRejectsBrokenCandle(t *testing.T) {
	f := NewFrame([]string{"X"})
	f.Set(0, "X", bar(10, 9, 8, 9, 1))
	assert.Error(t, f.Validate())
}

func TestDummyRow(t *testing.T) {
	f := NewFrame([]string{"X"})
	f.Set(0, "X", bar(1, 2, 0.5, 1.5, 3))
	f.AppendDummyRow()
	require.Equal(t, 2, f.Len())
	assert.Equal(t, int64(Interval), f.Index[1])
	b, ok := f.Bar(1, "X")
	require.True(t, ok)
	assert.Equal(t, 1.5, b.Close)
	f.DropLastRow()
	assert.Equal(t, 1, f.Len())
}

func TestSnapshotRoundTripIsExact(t *testing.T) {
	f := NewFrame([]string{"BTCUSDT", "ETHUSDT"})
	f.Set(0, "BTCUSDT", bar(100.25, 101, 99.5, 100.75, 12.5))
	f.Set(10_000, "ETHUSDT", bar(10, 11, 9, 10.5, 1))
	f.Set(20_000, "BTCUSDT", bar(100.75, 100.75, 100.75, 100.75, 0))

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, f))
	g, err := Decode(&buf)
	require.NoError(t, err)

	assert.Equal(t, f.Symbols(), g.Symbols())
	assert.Equal(t, f.Index, g.Index)
	for _, sym := range f.Symbols() {
		for _, fld := range Fields {
			a, b := f.Col(sym, fld), g.Col(sym, fld)
			require.Len(t, b, len(a))
			for i := range a {
				assert.Equal(t, math.Float32bits(a[i]), math.Float32bits(b[i]), "%s %s row %d", sym, fld, i)
			}
		}
	}
}

func TestSaveLoadYear(t *testing.T) {
	dir := t.TempDir()
	start, _ := YearBounds(2024)

	f := NewFrame([]string{"BTCUSDT"})
	f.Set(start-Interval, "BTCUSDT", bar(1, 1, 1, 1, 1))
	f.Set(start, "BTCUSDT", bar(2, 2, 2, 2, 2))
	f.Set(start+Interval, "BTCUSDT", bar(3, 3, 3, 3, 3))

	require.NoError(t, SaveYear(dir, 2024, f))
	g, err := LoadYear(dir, 2024, []string{"BTCUSDT"})
	require.NoError(t, err)
	assert.Equal(t, []int64{start, start + Interval}, g.Index)

	empty, err := LoadYear(dir, 2019, []string{"BTCUSDT"})
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte("not a snapshot")))
	assert.ErrorIs(t, err, ErrBadSnapshot)
}
