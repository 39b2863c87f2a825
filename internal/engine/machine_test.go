package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfall/trendphase/internal/domain"
	"github.com/quantfall/trendphase/internal/events"
	"github.com/quantfall/trendphase/internal/ladder"
	"github.com/quantfall/trendphase/internal/scoring"
)

var barEpoch = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func testPos() domain.Position {
	return domain.Position{Contract: "0xabc", ChainID: 1, Active: true}
}

// barsFromCloses builds hourly bars with a one-point range around each close.
func barsFromCloses(closes ...float64) []domain.Bar {
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{
			Timestamp: barEpoch.Add(time.Duration(i) * time.Hour),
			Open:      c, High: c + 1, Low: c - 1, Close: c, Volume: 1000,
		}
	}
	return bars
}

func repeatClose(n int, px float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = px
	}
	return out
}

// uptrendSnap is a healthy operating-trend snapshot: price above every rail,
// positive slopes, steady volatility.
func uptrendSnap() *domain.IndicatorSnapshot {
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

func testLevels() []domain.SRLevel {
	return []domain.SRLevel{
		{Price: 115, Strength: 0.95, Confidence: 0.9, Source: "geometry"},
		{Price: 108, Strength: 0.90, Confidence: 0.9, Source: "geometry"},
		{Price: 104, Strength: 0.80, Confidence: 0.8, Source: "geometry"},
		{Price: 100, Strength: 0.70, Confidence: 0.9, Source: "geometry"},
	}
}

func testArtifacts(entryAt time.Time) *BreakoutArtifacts {
	return &BreakoutArtifacts{
		EntryAt:        entryAt,
		EntryPrice:     105,
		HighSinceEntry: 112,
		ATRPeak:        3.0,
		Strength:       0.8,
		Frozen:         CompressionBaselines{ATRNorm: 0.02, SepFast: 0.005, CompressionIndex: 0.7, CapturedAt: entryAt},
		Flipped: []domain.SRLevel{
			{Price: 108, Strength: 0.90, Confidence: 0.9, Source: "geometry"},
			{Price: 104, Strength: 0.80, Confidence: 0.8, Source: "geometry"},
		},
		Base: domain.SRLevel{Price: 100, Strength: 0.70, Confidence: 0.9, Source: "geometry"},
	}
}

func testInputs(snap *domain.IndicatorSnapshot, bars []domain.Bar) Inputs {
	asOf := barEpoch
	if len(bars) > 0 {
		asOf = bars[len(bars)-1].Timestamp
	}
	return Inputs{Position: testPos(), Snapshot: snap, Levels: testLevels(), Bars: bars, AsOf: asOf}
}

func eventTypes(evs []events.Event) []events.Type {
	out := make([]events.Type, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestEvaluate_InsufficientData(t *testing.T) {
	cfg := DefaultConfig()
	meta := NewMeta("0xabc:1")
	bars := barsFromCloses(repeatClose(10, 110)...)

	in := testInputs(nil, bars)
	_, _, err := Evaluate(cfg, nil, meta, in)
	assert.ErrorIs(t, err, ErrInsufficientData)

	in = testInputs(uptrendSnap(), bars)
	in.Levels = nil
	_, _, err = Evaluate(cfg, nil, meta, in)
	assert.ErrorIs(t, err, ErrInsufficientData)

	in = testInputs(uptrendSnap(), nil)
	_, _, err = Evaluate(cfg, nil, meta, in)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestEvaluate_BootstrapSuppressed(t *testing.T) {
	cfg := DefaultConfig()
	meta := NewMeta("0xabc:1")

	snap := uptrendSnap()
	snap.EMA333 = 200 // price lives far below the slow rail
	bars := barsFromCloses(repeatClose(10, 110)...)

	// Even with the breakout trigger satisfied, the first cycle may only
	// land in S0 or S3.
	snap.ATR = 2.5
	snap.VolumeCluster = true

	p, evs, err := Evaluate(cfg, nil, meta, testInputs(snap, bars))
	require.NoError(t, err)

	assert.Equal(t, S0, p.State)
	assert.Equal(t, S0, p.PreviousState)
	assert.False(t, p.Transitioned)
	assert.Empty(t, evs)
	require.NotNil(t, meta.S0)
	assert.Contains(t, p.Scores, "compression_index")
	assert.Nil(t, meta.S1)
}

func TestEvaluate_BootstrapOperating(t *testing.T) {
	cfg := DefaultConfig()
	meta := NewMeta("0xabc:1")
	bars := barsFromCloses(repeatClose(10, 110)...)

	p, evs, err := Evaluate(cfg, nil, meta, testInputs(uptrendSnap(), bars))
	require.NoError(t, err)

	assert.Equal(t, S3, p.State)
	assert.Equal(t, S3, p.PreviousState)
	assert.False(t, p.Transitioned)
	require.NotNil(t, meta.S3)
	assert.Contains(t, eventTypes(evs), events.S3Active)
	assert.Contains(t, p.Scores, "ox")
	assert.Contains(t, p.Scores, "dx")
	assert.Contains(t, p.Scores, "edx")
	assert.NotEmpty(t, p.SRContext)
	assert.Equal(t, 92.0, p.Levels["long_ema"])
}

func TestEvaluate_BreakoutTrigger(t *testing.T) {
	cfg := DefaultConfig()
	meta := NewMeta("0xabc:1")
	bars := barsFromCloses(repeatClose(10, 110)...)

	snap := uptrendSnap()
	snap.ATR = 2.5 // expanding past its 2.0 mean
	snap.VolumeCluster = true

	p, evs, err := Evaluate(cfg, &Payload{State: S0}, meta, testInputs(snap, bars))
	require.NoError(t, err)

	assert.Equal(t, S1, p.State)
	assert.Equal(t, S0, p.PreviousState)
	assert.True(t, p.Transitioned)
	assert.True(t, p.Flags.BreakoutConfirmed)
	assert.Contains(t, eventTypes(evs), events.S1Breakout)

	require.NotNil(t, meta.S1)
	art := meta.S1
	assert.Equal(t, snap.Close, art.EntryPrice)
	assert.Len(t, art.Flipped, 2, "the 115 level sits above price and must not flip")
	assert.Equal(t, 100.0, art.Base.Price)
	assert.Equal(t, 100.0, p.Levels["base_support"])

	// Baselines freeze at entry: the frozen copy matches this cycle's S0 pass.
	require.NotNil(t, meta.S0)
	assert.Equal(t, *meta.S0, art.Frozen)

	s := p.Scores["breakout_strength"]
	assert.Greater(t, s, 0.0)
	assert.LessOrEqual(t, s, 1.0)
	assert.Equal(t, s, art.Strength)
}

func TestEvaluate_NoTriggerStaysSuppressed(t *testing.T) {
	cfg := DefaultConfig()
	meta := NewMeta("0xabc:1")
	bars := barsFromCloses(repeatClose(10, 110)...)

	snap := uptrendSnap()
	snap.ATR = 2.5
	snap.VolumeCluster = false // missing vote kills the trigger

	p, evs, err := Evaluate(cfg, &Payload{State: S0}, meta, testInputs(snap, bars))
	require.NoError(t, err)

	assert.Equal(t, S0, p.State)
	assert.False(t, p.Transitioned)
	assert.Empty(t, evs)
	assert.Nil(t, meta.S1)
}

func TestEvaluate_RetestHandoff(t *testing.T) {
	cfg := DefaultConfig()
	meta := NewMeta("0xabc:1")

	// Rising tape since entry keeps the anchored VWAP supportive.
	bars := barsFromCloses(105, 106, 107, 108, 109, 109.5, 110, 110, 109.5, 109)
	meta.S1 = testArtifacts(bars[0].Timestamp)

	snap := uptrendSnap()
	snap.Close = 109
	snap.High = 109.5
	snap.Low = 109
	snap.ATR = 2.5 // cooled from the 3.0 peak

	p, evs, err := Evaluate(cfg, &Payload{State: S1}, meta, testInputs(snap, bars))
	require.NoError(t, err)

	assert.Equal(t, S2, p.State)
	assert.True(t, p.Transitioned)
	require.NotNil(t, meta.S2)
	assert.True(t, meta.S2.Active, "price inside the top-tier halo activates on handoff")
	assert.True(t, p.Flags.LadderActive)
	assert.Contains(t, eventTypes(evs), events.S2SupportTouch)
	assert.Contains(t, p.Scores, "trend_integrity")
	assert.Contains(t, p.Scores, "trend_strength")
	assert.Contains(t, p.Scores, "support_persistence")
	assert.Len(t, p.Supports, 3)
}

func TestEvaluate_FakeoutRejectsBreakout(t *testing.T) {
	cfg := DefaultConfig()
	meta := NewMeta("0xabc:1")

	bars := barsFromCloses(105, 107, 108, 106, 104, 102, 101, 100, 99, 98)
	meta.S1 = testArtifacts(bars[0].Timestamp)
	meta.S0 = &CompressionBaselines{CompressionIndex: 0.7, CapturedAt: bars[0].Timestamp}

	snap := uptrendSnap()
	snap.Close = 98 // lost the base support at 100
	snap.High = 99
	snap.Low = 97.5
	snap.Slope60 = -0.001 // flow reversal, second vote

	p, evs, err := Evaluate(cfg, &Payload{State: S1}, meta, testInputs(snap, bars))
	require.NoError(t, err)

	assert.Equal(t, S0, p.State)
	assert.True(t, p.Transitioned)
	assert.False(t, p.Flags.BreakoutConfirmed)
	assert.Contains(t, eventTypes(evs), events.S2Fakeout)
	assert.GreaterOrEqual(t, p.Diagnostics["fakeout_votes"], 2.0)

	assert.Nil(t, meta.S1, "fakeout clears the breakout artifacts")
	assert.Nil(t, meta.S2)
	assert.NotNil(t, meta.S0, "compression baselines survive the reset")
}

func TestEvaluate_StepDownDentsIntegrity(t *testing.T) {
	cfg := DefaultConfig()
	meta := NewMeta("0xabc:1")

	bars := barsFromCloses(repeatClose(10, 105)...)
	art := testArtifacts(bars[0].Timestamp)
	meta.S1 = art

	st := ladder.Build(art.Flipped, art.Base)
	st.Active = true
	st.T0 = bars[2].Timestamp
	st.TouchCount = 2
	st.ReactionCount = 1
	st.CloseAboveCount = 4
	st.WickAbsorbCount = 1
	st.CyclesSinceT0 = 5
	meta.S2 = st

	snap := uptrendSnap()
	snap.Close = 106 // under the 108 tier, above the 104 rung
	snap.High = 107
	snap.Low = 105.5
	// Slow rails rolling over blocks the promotion check this cycle.
	snap.Slope144 = -0.0001
	snap.Slope250 = -0.0001
	snap.Slope333 = -0.0001

	p, _, err := Evaluate(cfg, &Payload{State: S2}, meta, testInputs(snap, bars))
	require.NoError(t, err)

	assert.Equal(t, S2, p.State)
	assert.False(t, p.Transitioned)
	assert.Equal(t, 1, st.TierIndex, "pointer steps exactly one rung")
	assert.Equal(t, 1.0, p.Diagnostics["ladder_tier"])

	persistence := cfg.Ladder.PersistenceScore(st)
	want := scoring.Clip01(
		ladder.TrendIntegrity(persistence, emaAlignment(snap), volatilityCoherence(snap)) *
			cfg.Ladder.DepthMult(st) *
			cfg.Ladder.DentIntegrityMult)
	assert.InDelta(t, want, p.Scores["trend_integrity"], 1e-9)
}

func TestEvaluate_PromotionToOperating(t *testing.T) {
	cfg := DefaultConfig()
	meta := NewMeta("0xabc:1")

	bars := barsFromCloses(repeatClose(10, 110)...)
	art := testArtifacts(bars[0].Timestamp)
	meta.S1 = art

	st := ladder.Build(art.Flipped, art.Base)
	st.Active = true
	st.T0 = bars[1].Timestamp
	st.TouchCount = 3
	st.ReactionCount = 2
	st.CloseAboveCount = 6
	st.WickAbsorbCount = 1
	st.CyclesSinceT0 = 8
	meta.S2 = st

	p, evs, err := Evaluate(cfg, &Payload{State: S2}, meta, testInputs(uptrendSnap(), bars))
	require.NoError(t, err)

	assert.Equal(t, S3, p.State)
	assert.True(t, p.Transitioned)
	assert.Contains(t, eventTypes(evs), events.S3Active)
	require.NotNil(t, meta.S3)
	assert.Contains(t, p.Scores, "ox")
	assert.Contains(t, p.Scores, "dx")
	assert.Contains(t, p.Scores, "edx")
	assert.Len(t, p.SRContext, 3, "context is the flipped levels plus the base")
}

func TestEvaluate_OperatingIsSticky(t *testing.T) {
	cfg := DefaultConfig()
	meta := NewMeta("0xabc:1")
	bars := barsFromCloses(repeatClose(10, 110)...)
	meta.S1 = testArtifacts(bars[0].Timestamp)
	meta.S3 = nil // must be lazily recreated

	prev := &Payload{State: S3}
	for i := 0; i < 3; i++ {
		p, _, err := Evaluate(cfg, prev, meta, testInputs(uptrendSnap(), bars))
		require.NoError(t, err)
		assert.Equal(t, S3, p.State)
		assert.False(t, p.Transitioned)
		prev = p
	}
	require.NotNil(t, meta.S3)
	assert.Equal(t, "0xabc:1", meta.S3.AssetKey)
}

func TestEvaluate_PersistentDowntrendExits(t *testing.T) {
	cfg := DefaultConfig()
	meta := NewMeta("0xabc:1")

	bars := barsFromCloses(repeatClose(10, 85)...) // every close under the 92 rail
	meta.S0 = &CompressionBaselines{CompressionIndex: 0.5, CapturedAt: bars[0].Timestamp}
	meta.S1 = testArtifacts(bars[0].Timestamp)
	meta.S2 = ladder.Build(meta.S1.Flipped, meta.S1.Base)

	snap := uptrendSnap()
	snap.Close = 85
	snap.High = 86
	snap.Low = 84

	p, evs, err := Evaluate(cfg, &Payload{State: S3}, meta, testInputs(snap, bars))
	require.NoError(t, err)

	assert.Equal(t, S0, p.State)
	assert.Equal(t, S3, p.PreviousState)
	assert.True(t, p.Transitioned)

	assert.Nil(t, meta.S1)
	assert.Nil(t, meta.S2)
	assert.NotNil(t, meta.S0, "baselines survive the exit")

	require.NotNil(t, meta.Emergency)
	assert.True(t, meta.Emergency.Active)
	assert.Equal(t, "persistent_downtrend", meta.Emergency.Reason)
	assert.Equal(t, ActionExitNewLow, meta.Emergency.SuggestedAction)
	assert.True(t, p.Flags.EmergencyExit.Active)

	types := eventTypes(evs)
	assert.Contains(t, types, events.S3Exit)
	assert.Contains(t, types, events.EmergencyExitOn)
}

func TestEvaluate_EmergencyOverlaySequence(t *testing.T) {
	cfg := DefaultConfig()
	meta := NewMeta("0xabc:1")
	meta.S1 = testArtifacts(barEpoch)

	// Most closes hold the rail; only the latest bar slipped under it.
	closes := repeatClose(10, 93)
	closes[9] = 91
	bars := barsFromCloses(closes...)

	snap := uptrendSnap()
	snap.Close = 91
	snap.High = 91.5
	snap.Low = 90.5

	prev := &Payload{State: S3}

	// Cycle 1: arm.
	p, evs, err := Evaluate(cfg, prev, meta, testInputs(snap, bars))
	require.NoError(t, err)
	assert.Equal(t, S3, p.State)
	require.NotNil(t, meta.Emergency)
	assert.True(t, meta.Emergency.Active)
	assert.Equal(t, "close_below_long_ema", meta.Emergency.Reason)
	assert.Equal(t, ActionMonitor, meta.Emergency.SuggestedAction)
	assert.Equal(t, 90.5, meta.Emergency.LowWatermark)
	assert.Contains(t, eventTypes(evs), events.EmergencyExitOn)
	assert.Equal(t, 91.0, p.Levels["emergency_trigger"])
	prev = p

	// Cycle 2: a new low hardens the suggestion.
	snap.Low = 90
	p, _, err = Evaluate(cfg, prev, meta, testInputs(snap, bars))
	require.NoError(t, err)
	assert.Equal(t, ActionExitNewLow, meta.Emergency.SuggestedAction)
	assert.Equal(t, 90.0, meta.Emergency.LowWatermark)
	prev = p

	// Cycle 3: a wick back into the rail is the bounce to sell.
	snap.Low = 91
	snap.High = 92.2
	snap.Close = 91.5
	p, _, err = Evaluate(cfg, prev, meta, testInputs(snap, bars))
	require.NoError(t, err)
	assert.Equal(t, ActionExitOnBounce, meta.Emergency.SuggestedAction)
	prev = p

	// Cycle 4: closing back over the rail disarms.
	snap.Close = 92.5
	snap.High = 93
	p, evs, err = Evaluate(cfg, prev, meta, testInputs(snap, bars))
	require.NoError(t, err)
	assert.False(t, meta.Emergency.Active)
	assert.False(t, p.Flags.EmergencyExit.Active)
	assert.Contains(t, eventTypes(evs), events.EmergencyExitOff)
}

func TestEvaluate_EmergencyWindowExpires(t *testing.T) {
	cfg := DefaultConfig()
	meta := NewMeta("0xabc:1")
	meta.S1 = testArtifacts(barEpoch)

	closes := repeatClose(10, 93)
	closes[9] = 91
	bars := barsFromCloses(closes...)

	snap := uptrendSnap()
	snap.Close = 91
	snap.High = 91.5
	snap.Low = 90.5

	prev := &Payload{State: S3}
	p, _, err := Evaluate(cfg, prev, meta, testInputs(snap, bars))
	require.NoError(t, err)
	prev = p

	// Hold under the rail with no new lows and no bounce: one bar past the
	// window the suggestion hardens to an unconditional exit.
	for i := 0; i < cfg.BounceWindowBars; i++ {
		p, _, err = Evaluate(cfg, prev, meta, testInputs(snap, bars))
		require.NoError(t, err)
		assert.Equal(t, ActionMonitor, meta.Emergency.SuggestedAction, "bar %d still inside the window", i+1)
		prev = p
	}
	p, _, err = Evaluate(cfg, prev, meta, testInputs(snap, bars))
	require.NoError(t, err)
	assert.Equal(t, ActionWindowExpired, meta.Emergency.SuggestedAction)
	assert.Equal(t, ActionWindowExpired, p.Flags.EmergencyExit.SuggestedAction)
}

func TestEvaluate_SuppressedClearsRecoveredEmergency(t *testing.T) {
	cfg := DefaultConfig()
	meta := NewMeta("0xabc:1")
	meta.Emergency = &EmergencyExitState{
		Active:          true,
		Reason:          "persistent_downtrend",
		SuggestedAction: ActionExitNewLow,
	}
	bars := barsFromCloses(repeatClose(10, 110)...)

	p, evs, err := Evaluate(cfg, &Payload{State: S0}, meta, testInputs(uptrendSnap(), bars))
	require.NoError(t, err)

	assert.Equal(t, S0, p.State)
	assert.False(t, meta.Emergency.Active)
	assert.False(t, p.Flags.EmergencyExit.Active)
	assert.Contains(t, eventTypes(evs), events.EmergencyExitOff)
}

func TestEvaluate_SRReclaimEmits(t *testing.T) {
	cfg := DefaultConfig()
	meta := NewMeta("0xabc:1")
	meta.S1 = testArtifacts(barEpoch)

	closes := repeatClose(10, 105)
	closes[8] = 103 // previous close under the 104 level
	closes[9] = 104.5
	bars := barsFromCloses(closes...)

	snap := uptrendSnap()
	snap.Close = 104.5
	snap.High = 105
	snap.Low = 103.5

	_, evs, err := Evaluate(cfg, &Payload{State: S3}, meta, testInputs(snap, bars))
	require.NoError(t, err)
	assert.Contains(t, eventTypes(evs), events.S3SRReclaim)
}

func TestEvaluate_LostArtifactsDegradeToSuppressed(t *testing.T) {
	cfg := DefaultConfig()
	meta := NewMeta("0xabc:1") // no S1 artifacts despite a stored S1 state
	bars := barsFromCloses(repeatClose(10, 110)...)

	snap := uptrendSnap()
	snap.VolumeCluster = false

	p, _, err := Evaluate(cfg, &Payload{State: S1}, meta, testInputs(snap, bars))
	require.NoError(t, err)
	assert.Equal(t, S0, p.State)
	assert.NotNil(t, meta.S0, "the fallback pass still refreshes baselines")
}

func TestStateRoundTrip(t *testing.T) {
	for _, s := range []State{S0, S1, S2, S3} {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var back State
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, s, back)
	}
	assert.Equal(t, S0, ParseState("garbage"))
}
