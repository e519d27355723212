package indicator

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/navid-fn/perpdesk/internal/candle"
	"github.com/navid-fn/perpdesk/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type creatorFunc func(in *Input) error

func (f creatorFunc) CreateIndicators(in *Input) error { return f(in) }

func sampleFrame() *candle.Frame {
	f := candle.NewFrame([]string{"BTCUSDT"})
	for i := int64(0); i < 5; i++ {
		p := float64(100 + i)
		f.Set(i*candle.Interval, "BTCUSDT", models.CandleBar{Open: p, High: p, Low: p, Close: p, Volume: 1})
	}
	f.Col("BTCUSDT", candle.Close)[2] = candle.NaN32()
	return f
}

func TestComputeFiltersOutputs(t *testing.T) {
	var sawLen int
	var sawClose []float32
	creator := creatorFunc(func(in *Input) error {
		sawLen = in.Len()
		sawClose = append([]float32(nil), in.Column("BTCUSDT", candle.Close)...)
		require.Contains(t, in.Outputs, "BTCUSDT/PRICE/BLANK")

		in.Set("BTCUSDT", Price, "CLOSE", in.Column("BTCUSDT", candle.Close))
		in.Outputs["BTCUSDT/BOGUS/X"] = make([]float32, in.Len())
		in.Outputs["ETHUSDT/PRICE/X"] = make([]float32, in.Len())
		in.Outputs["no-slashes"] = make([]float32, in.Len())
		in.Outputs["BTCUSDT/ABSTRACT/SHORT"] = make([]float32, 2)
		inf := make([]float32, in.Len())
		inf[0] = float32(math.Inf(1))
		in.Outputs["BTCUSDT/ABSTRACT/INF"] = inf
		return nil
	})

	out, err := Compute(context.Background(), creator, []string{"BTCUSDT"}, sampleFrame())
	require.NoError(t, err)

	assert.Equal(t, 6, sawLen)
	assert.Equal(t, float32(102), sawClose[2])
	assert.Equal(t, float32(104), sawClose[5])

	assert.Equal(t, []string{
		"BTCUSDT/ABSTRACT/BLANK",
		"BTCUSDT/PRICE/BLANK",
		"BTCUSDT/PRICE/CLOSE",
		"BTCUSDT/VOLUME/BLANK",
	}, out.Keys())
	assert.Len(t, out.Index, 5)
	assert.Len(t, out.Series["BTCUSDT/PRICE/CLOSE"], 5)
	assert.Equal(t, 104.0, out.Row(4)["BTCUSDT/PRICE/CLOSE"])
}

func TestComputeWrapsScriptErrors(t *testing.T) {
	boom := errors.New("boom")
	_, err := Compute(context.Background(), creatorFunc(func(in *Input) error { return boom }), []string{"BTCUSDT"}, sampleFrame())
	var se *ScriptError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, boom)

	_, err = Compute(context.Background(), creatorFunc(func(in *Input) error { panic("oops") }), []string{"BTCUSDT"}, sampleFrame())
	assert.ErrorAs(t, err, &se)
}

func TestParseKey(t *testing.T) {
	sym, cat, name, ok := ParseKey("BTCUSDT/VOLUME/OBV")
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", sym)
	assert.Equal(t, Volume, cat)
	assert.Equal(t, "OBV", name)

	for _, bad := range []string{"", "A/B", "A/PRICE/", "/PRICE/X", "A/price/X", "A/PRICE/X/Y"} {
		_, _, _, ok := ParseKey(bad)
		assert.False(t, ok, bad)
	}
}

func TestMovingAverages(t *testing.T) {
	values := []float32{1, 2, 3, 4, 5}

	sma := SMA(values, 3)
	assert.True(t, math.IsNaN(float64(sma[1])))
	assert.Equal(t, []float32{2, 3, 4}, sma[2:])

	ema := EMA(values, 1)
	assert.Equal(t, values, ema)
}

func TestRollingExtremes(t *testing.T) {
	values := []float32{3, 1, 4, 1, 5, 9, 2}

	assert.Equal(t, []float32{4, 4, 5, 9, 9}, RollingMax(values, 3, false)[2:])
	assert.Equal(t, []float32{1, 1, 1, 1, 2}, RollingMin(values, 3, false)[2:])

	excl := RollingMax(values, 3, true)
	assert.True(t, math.IsNaN(float64(excl[2])))
	assert.Equal(t, []float32{4, 4, 5, 9}, excl[3:])
}
