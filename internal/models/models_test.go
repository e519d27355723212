package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssetRecordInsertBumpsCollisions(t *testing.T) {
	var r AssetRecord
	at := time.UnixMilli(1_700_000_000_003).UTC()

	first := r.Insert(AssetRow{Time: at, Cause: AutoTrade, ResultAsset: 1})
	second := r.Insert(AssetRow{Time: at, Cause: AutoTrade, ResultAsset: 2})
	third := r.Insert(AssetRow{Time: at, Cause: AutoTrade, ResultAsset: 3})

	assert.Equal(t, at, first)
	assert.Equal(t, at.Add(time.Millisecond), second)
	assert.Equal(t, at.Add(2*time.Millisecond), third)

	for i := 1; i < r.Len(); i++ {
		assert.True(t, r.Rows[i].Time.After(r.Rows[i-1].Time))
	}
	last, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, 3.0, last.ResultAsset)
}

func TestAssetRecordInsertKeepsOrder(t *testing.T) {
	var r AssetRecord
	base := time.UnixMilli(0).UTC()
	r.Insert(AssetRow{Time: base.Add(3 * time.Second)})
	r.Insert(AssetRow{Time: base.Add(1 * time.Second)})
	r.Insert(AssetRow{Time: base.Add(2 * time.Second)})

	for i := 1; i < r.Len(); i++ {
		assert.True(t, r.Rows[i].Time.After(r.Rows[i-1].Time))
	}
}

func TestFindOrder(t *testing.T) {
	var r AssetRecord
	r.Insert(AssetRow{Time: time.UnixMilli(1), Symbol: "BTCUSDT", OrderID: 7})
	r.Insert(AssetRow{Time: time.UnixMilli(2), Symbol: "ETHUSDT", OrderID: 7})

	assert.Equal(t, 1, r.FindOrder("ETHUSDT", 7))
	assert.Equal(t, 0, r.FindOrder("BTCUSDT", 7))
	assert.Equal(t, -1, r.FindOrder("BTCUSDT", 8))
}

func TestSeriesSet(t *testing.T) {
	var s Series
	s.Set(20, 2)
	s.Set(10, 1)
	s.Set(30, 3)
	s.Set(20, 5)

	assert.Equal(t, []int64{10, 20, 30}, s.Index)
	assert.Equal(t, []float32{1, 5, 3}, s.Values)

	sub := s.Between(15, 30)
	assert.Equal(t, []int64{20}, sub.Index)
}

func TestScribblesRoundTrip(t *testing.T) {
	in := Scribbles{
		"count":   Number(42.5),
		"armed":   Bool(true),
		"since":   Timestamp(time.UnixMilli(1_700_000_000_000).UTC()),
		"comment": String("waiting for breakout"),
	}

	data, err := in.MarshalBinary()
	require.NoError(t, err)

	var out Scribbles
	require.NoError(t, out.UnmarshalBinary(data))
	assert.Equal(t, in, out)
}

func TestScribblesRejectGarbage(t *testing.T) {
	var out Scribbles
	assert.ErrorIs(t, out.UnmarshalBinary([]byte("nope")), ErrBadScribbles)

	data, err := Scribbles{"k": String("value")}.MarshalBinary()
	require.NoError(t, err)
	assert.ErrorIs(t, out.UnmarshalBinary(data[:len(data)-2]), ErrBadScribbles)
}

func TestStrategyInfoValidate(t *testing.T) {
	days := 30
	tests := []struct {
		name    string
		info    StrategyInfo
		wantErr bool
	}{
		{"valid", StrategyInfo{CodeName: "MACROS", Version: "1.0", RiskLevel: RiskLow, ParallelSimulationChunkDays: &days}, false},
		{"lowercase code", StrategyInfo{CodeName: "macros", Version: "1.0"}, true},
		{"short code", StrategyInfo{CodeName: "MACRO", Version: "1.0"}, true},
		{"bad version", StrategyInfo{CodeName: "MACROS", Version: "1"}, true},
		{"bad risk", StrategyInfo{CodeName: "MACROS", Version: "1.2", RiskLevel: "EXTREME"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.info.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOrderTypeFamilies(t *testing.T) {
	for _, ot := range PlacementPriority {
		assert.True(t, ot.Valid())
	}
	assert.Len(t, PlacementPriority, 12)
	assert.True(t, LaterUpClose.IsClose())
	assert.True(t, BookBuy.Resting())
	assert.False(t, NowBuy.Resting())

	_, err := ParseOrderType("NOW_HODL")
	assert.Error(t, err)
}
