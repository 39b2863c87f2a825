package indicators

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfall/trendphase/internal/domain"
)

func bar(ts time.Time, o, h, l, c, v float64) domain.Bar {
	return domain.Bar{Timestamp: ts, Open: o, High: h, Low: l, Close: c, Volume: v}
}

func TestAnchoredVWAP(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	bars := []domain.Bar{
		bar(t0, 100, 101, 99, 100, 1000),
		bar(t0.Add(time.Hour), 100, 103, 100, 102, 2000),
		bar(t0.Add(2*time.Hour), 102, 105, 102, 104, 1000),
	}

	res := AnchoredVWAP(bars, t0)
	require.True(t, res.IsValid)
	assert.Equal(t, 3, res.DataCount)

	// volume-weighted typical prices: (100*1000 + 101.666*2000 + 103.666*1000) / 4000
	want := (100.0*1000 + (103.0+100.0+102.0)/3.0*2000 + (105.0+102.0+104.0)/3.0*1000) / 4000.0
	assert.InDelta(t, want, res.Value, 1e-9)
	assert.Greater(t, res.Slope, 0.0, "rising tape pulls the vwap up")
}

func TestAnchoredVWAP_AnchorSkipsEarlierBars(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	bars := []domain.Bar{
		bar(t0, 50, 51, 49, 50, 5000), // pre-anchor noise
		bar(t0.Add(time.Hour), 100, 101, 99, 100, 1000),
		bar(t0.Add(2*time.Hour), 100, 101, 99, 100, 1000),
	}

	res := AnchoredVWAP(bars, t0.Add(time.Hour))
	require.True(t, res.IsValid)
	assert.Equal(t, 2, res.DataCount)
	assert.InDelta(t, 100.0, res.Value, 1e-9)
}

func TestAnchoredVWAP_NeedsTwoBars(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	bars := []domain.Bar{bar(t0, 100, 101, 99, 100, 1000)}

	assert.False(t, AnchoredVWAP(bars, t0).IsValid)
	assert.False(t, AnchoredVWAP(bars, t0.Add(time.Hour)).IsValid, "anchor after the series")
	assert.False(t, AnchoredVWAP(nil, t0).IsValid)
}

func TestCountCloses(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	var bars []domain.Bar
	for i, c := range []float64{90, 91, 95, 96, 97} {
		bars = append(bars, bar(t0.Add(time.Duration(i)*time.Hour), c, c+1, c-1, c, 100))
	}

	assert.Equal(t, 2, CountClosesBelow(bars, 95, 5))
	assert.Equal(t, 2, CountClosesAbove(bars, 95, 5))
	assert.Equal(t, 0, CountClosesBelow(bars, 95, 2), "lookback windows from the end")
	assert.Equal(t, 2, CountClosesBelow(bars, 95, 50), "short series counts what exists")
}

func TestLowerLowFrequency(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	mk := func(lows ...float64) []domain.Bar {
		var bars []domain.Bar
		for i, l := range lows {
			bars = append(bars, bar(t0.Add(time.Duration(i)*time.Hour), l+1, l+2, l, l+1, 100))
		}
		return bars
	}

	assert.Equal(t, 1.0, LowerLowFrequency(mk(100, 99, 98, 97), 3))
	assert.Equal(t, 0.0, LowerLowFrequency(mk(100, 100, 100, 100), 3))
	assert.Equal(t, 0.0, LowerLowFrequency(mk(100), 3), "a single bar has no prior low")
}

func TestTrueRangeAsymmetry(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// Every bar closes below its open: all true range on the sell side.
	sellers := []domain.Bar{
		bar(t0, 100, 100.5, 97, 98, 100),
		bar(t0.Add(time.Hour), 98, 98.5, 95, 96, 100),
		bar(t0.Add(2*time.Hour), 96, 96.5, 93, 94, 100),
	}
	assert.Equal(t, 2.0, TrueRangeAsymmetry(sellers, 3), "all-seller window saturates")

	// Every bar closes above its open.
	buyers := []domain.Bar{
		bar(t0, 98, 101, 97.5, 100, 100),
		bar(t0.Add(time.Hour), 100, 103, 99.5, 102, 100),
		bar(t0.Add(2*time.Hour), 102, 105, 101.5, 104, 100),
	}
	assert.Equal(t, 0.0, TrueRangeAsymmetry(buyers, 3))

	assert.Equal(t, 1.0, TrueRangeAsymmetry(nil, 3), "empty window is neutral")
}
