package candle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketizeFillsGaps(t *testing.T) {
	base := int64(1_700_000_000_000)
	trades := []AggTrade{
		{Time: base + 1_000, Price: 10, Volume: 1},
		{Time: base + 5_000, Price: 12, Volume: 2},
		{Time: base + 9_999, Price: 11, Volume: 1},
		{Time: base + 31_000, Price: 9, Volume: 4},
	}

	f := Bucketize("BTCUSDT", trades)
	require.Equal(t, []int64{base, base + 10_000, base + 20_000, base + 30_000}, f.Index)

	bar, ok := f.Bar(0, "BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 10.0, bar.Open)
	assert.Equal(t, 12.0, bar.High)
	assert.Equal(t, 10.0, bar.Low)
	assert.Equal(t, 11.0, bar.Close)
	assert.Equal(t, 4.0, bar.Volume)

	for i := 1; i <= 2; i++ {
		gap, ok := f.Bar(i, "BTCUSDT")
		require.True(t, ok)
		assert.Equal(t, Carry(11), gap)
	}

	last, _ := f.Bar(3, "BTCUSDT")
	assert.Equal(t, 9.0, last.Close)
	assert.Equal(t, 4.0, last.Volume)
	assert.NoError(t, f.Validate())
}

func TestBucketizeEmpty(t *testing.T) {
	f := Bucketize("BTCUSDT", nil)
	assert.Equal(t, 0, f.Len())
	assert.True(t, f.HasSymbol("BTCUSDT"))
}
