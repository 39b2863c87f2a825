package oscillators

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfall/trendphase/internal/domain"
)

func trendingSnapshot() *domain.IndicatorSnapshot {
	return &domain.IndicatorSnapshot{
		Timeframe: "1h",
		Close:     110, High: 111, Low: 109,
		EMA20: 108, EMA30: 107, EMA50: 106, EMA60: 105,
		EMA144: 100, EMA250: 96, EMA333: 92,
		Slope20: 0.002, Slope60: 0.001, Slope144: 0.001, Slope250: 0.0005, Slope333: 0.0003,
		SepFast: 0.02, SepMid: 0.03, SepFastDelta5: 0.002, SepMidDelta5: 0.001,
		ATR: 2.0, ATRMean20: 2.0, ATRPeak10: 2.4,
		ADX: 28, ADXSlope10: 0.4, RSISlope10: 0.5,
		VolumeZ: 0.5,
	}
}

func flatBars(n int, px float64) []domain.Bar {
	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]domain.Bar, n)
	for i := range bars {
		bars[i] = domain.Bar{
			Timestamp: ts.Add(time.Duration(i) * time.Hour),
			Open:      px, High: px + 1, Low: px - 1, Close: px, Volume: 1000,
		}
	}
	return bars
}

func TestCompute_ScoresInRange(t *testing.T) {
	cfg := DefaultConfig()
	st := &EDXState{}
	res := Compute(cfg, trendingSnapshot(), flatBars(30, 110), st, "0xabc:1")

	for name, v := range map[string]float64{"ox": res.OX, "dx": res.DX, "edx": res.EDX, "edx_raw": res.EDXRaw} {
		assert.GreaterOrEqualf(t, v, 0.0, "%s below range", name)
		assert.LessOrEqualf(t, v, 1.0, "%s above range", name)
	}
}

func TestCompute_EDXResetsOnAssetKeyChange(t *testing.T) {
	cfg := DefaultConfig()
	snap := trendingSnapshot()
	bars := flatBars(30, 110)

	st := &EDXState{AssetKey: "0xaaa:1", EMA: 0.95, Initialized: true}
	res := Compute(cfg, snap, bars, st, "0xbbb:1")

	assert.Equal(t, "0xbbb:1", st.AssetKey)
	assert.InDelta(t, res.EDXRaw, st.EMA, 1e-12, "EMA must reset to the raw value on key mismatch")
}

func TestCompute_EDXSmoothsTowardRepeatedInput(t *testing.T) {
	cfg := DefaultConfig()
	snap := trendingSnapshot()
	bars := flatBars(30, 110)
	key := "0xabc:1"

	st := &EDXState{}
	first := Compute(cfg, snap, bars, st, key)

	// Seed the EMA far from the raw reading, then feed the same input
	// repeatedly: the smoothed value converges toward raw.
	st.EMA = 0.9
	prevDist := distance(st.EMA, first.EDXRaw)
	for i := 0; i < 10; i++ {
		res := Compute(cfg, snap, bars, st, key)
		d := distance(st.EMA, res.EDXRaw)
		require.LessOrEqual(t, d, prevDist, "iteration %d must not diverge", i)
		prevDist = d
	}
}

func TestOverextension_EDXAmplifies(t *testing.T) {
	cfg := DefaultConfig()
	snap := trendingSnapshot()
	low := overextension(cfg, snap, 0.0)
	high := overextension(cfg, snap, 1.0)
	assert.GreaterOrEqual(t, high, low)
}

func TestDiscount_EDXSuppresses(t *testing.T) {
	cfg := DefaultConfig()
	snap := trendingSnapshot()
	snap.Close = 94 // deep in the EMA144..EMA333 hallway
	free := discount(cfg, snap, 0.0)
	suppressed := discount(cfg, snap, 1.0)
	assert.Less(t, suppressed, free)
	assert.InDelta(t, free*(1.0-cfg.DXSuppress), suppressed, 1e-9)
}

func TestExhaustion_DecayingTapeScoresHigher(t *testing.T) {
	cfg := DefaultConfig()

	healthy := trendingSnapshot()
	healthyRaw, _ := exhaustion(cfg, healthy, flatBars(30, 110))

	decaying := trendingSnapshot()
	decaying.SlopeDelta250 = -0.002
	decaying.SlopeDelta333 = -0.002
	decaying.VolumeZ = -2.0
	decaying.SepFast = -0.02
	decaying.SepMid = -0.03

	// Bars stepping lower with heavy down ranges.
	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]domain.Bar, 20)
	px := 110.0
	for i := range bars {
		bars[i] = domain.Bar{
			Timestamp: ts.Add(time.Duration(i) * time.Hour),
			Open:      px, High: px + 0.2, Low: px - 3, Close: px - 2.5, Volume: 500,
		}
		px -= 2.5
	}
	decayingRaw, parts := exhaustion(cfg, decaying, bars)

	assert.Greater(t, decayingRaw, healthyRaw)
	for _, k := range []string{"edx_curvature", "edx_structural", "edx_participation", "edx_asymmetry", "edx_rollover"} {
		require.Contains(t, parts, k)
	}
}

func distance(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}
