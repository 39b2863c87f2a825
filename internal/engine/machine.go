package engine

import (
	"errors"
	"sort"
	"time"

	"github.com/quantfall/trendphase/internal/domain"
	"github.com/quantfall/trendphase/internal/domain/indicators"
	"github.com/quantfall/trendphase/internal/events"
	"github.com/quantfall/trendphase/internal/ladder"
	"github.com/quantfall/trendphase/internal/oscillators"
	"github.com/quantfall/trendphase/internal/scoring"
)

// ErrInsufficientData marks a cycle where the inputs are not yet evaluable.
// Callers skip the position: no payload write, no events.
var ErrInsufficientData = errors.New("insufficient input data")

// Inputs bundles everything one cycle reads. All fields are taken against the
// same logical as-of timestamp so live and backtest runs behave identically.
type Inputs struct {
	Position domain.Position
	Snapshot *domain.IndicatorSnapshot
	Levels   []domain.SRLevel
	Bars     []domain.Bar // chronological, ending at the as-of bar
	AsOf     time.Time
}

// Evaluate runs one cycle of the phase machine. prev is the previous cycle's
// payload (nil on the first cycle); meta is mutated in place. The returned
// payload replaces the stored one wholesale.
func Evaluate(cfg *Config, prev *Payload, meta *Meta, in Inputs) (*Payload, []events.Event, error) {
	if !in.Snapshot.Valid() || len(in.Levels) == 0 || len(in.Bars) == 0 {
		return nil, nil, ErrInsufficientData
	}
	if meta.AssetKey == "" {
		meta.AssetKey = in.Position.Key()
	}

	c := &cycle{
		cfg:    cfg,
		meta:   meta,
		in:     in,
		scores: make(map[string]float64),
		levels: make(map[string]float64),
		diag:   make(map[string]float64),
	}

	prevState := S0
	var next State
	if prev == nil {
		next = c.bootstrap()
		prevState = next // no prior cycle, previous mirrors the synthesized state
	} else {
		prevState = prev.State
		switch prev.State {
		case S0:
			next = c.s0(true)
		case S1:
			next = c.s1()
		case S2:
			next = c.s2()
		case S3:
			next = c.s3()
		default:
			next = c.s0(true)
		}
	}

	if c.meta.Emergency != nil {
		c.flags.EmergencyExit = *c.meta.Emergency
	}
	if snap := in.Snapshot; snap.HasLongEMA() {
		c.levels["long_ema"] = snap.EMA333
	}

	p := &Payload{
		Version:       SchemaVersion,
		State:         next,
		PreviousState: prevState,
		Transitioned:  prev != nil && next != prevState,
		Flags:         c.flags,
		Scores:        c.scores,
		Levels:        c.levels,
		Diagnostics:   c.diag,
		SRContext:     c.srContext,
		Supports:      c.supports,
		Timestamp:     in.AsOf,
	}
	return p, c.events, nil
}

// cycle is the per-evaluation scratchpad shared by the state handlers.
type cycle struct {
	cfg  *Config
	meta *Meta
	in   Inputs

	scores    map[string]float64
	levels    map[string]float64
	diag      map[string]float64
	flags     Flags
	srContext []domain.SRLevel
	supports  []ladder.Tier
	events    []events.Event
}

func (c *cycle) emit(t events.Type, payload map[string]any) {
	c.events = append(c.events, events.New(t, c.in.Position, c.in.AsOf, payload))
}

// bootstrap classifies a position with no previous state. It lands in S0 when
// the slow rail is unusable or price lives below it, otherwise it synthesizes
// a direct S3 entry with SR context taken from geometry.
func (c *cycle) bootstrap() State {
	snap := c.in.Snapshot
	if !snap.HasLongEMA() {
		return c.s0(false)
	}
	below := indicators.CountClosesBelow(c.in.Bars, snap.EMA333, c.cfg.LongLookback)
	if below >= c.cfg.LongThreshold {
		return c.s0(false)
	}

	c.srContext = topLevels(c.in.Levels, c.cfg.TopNLevels)
	c.meta.S3 = &oscillators.EDXState{}
	c.runOscillators()
	c.emit(events.S3Active, map[string]any{"bootstrap": true, "close": snap.Close})
	return S3
}

// s0 refreshes the compression baselines and, when allowed, evaluates the
// breakout trigger. Bootstrap calls it with evalBreakout=false because the
// first cycle may only land in S0 or S3.
func (c *cycle) s0(evalBreakout bool) State {
	snap := c.in.Snapshot

	base := CompressionBaselines{
		ATRNorm:          snap.ATR / snap.Close,
		SepFast:          snap.SepFast,
		CompressionIndex: compressionIndex(c.cfg.Scoring, snap),
		CapturedAt:       c.in.AsOf,
	}
	c.meta.S0 = &base
	c.scores["compression_index"] = base.CompressionIndex

	// A lingering emergency flag clears once price recovers the slow rail.
	if em := c.meta.Emergency; em != nil && em.Active && snap.HasLongEMA() && snap.Close >= snap.EMA333 {
		em.Active = false
		em.SuggestedAction = ""
		c.emit(events.EmergencyExitOff, map[string]any{"close": snap.Close})
	}

	if !evalBreakout {
		return S0
	}

	triggered := snap.Slope20 > 0 &&
		snap.SepFastDelta5 > 0 &&
		snap.ATR > snap.ATRMean20 &&
		snap.VolumeCluster
	if !triggered {
		return S0
	}

	flipped, baseLv := splitLevels(c.in.Levels, snap.Close, c.cfg.TopNLevels)
	art := &BreakoutArtifacts{
		EntryAt:        c.in.AsOf,
		EntryPrice:     snap.Close,
		HighSinceEntry: maxf(snap.High, snap.Close),
		ATRPeak:        snap.ATR,
		Frozen:         base,
		Flipped:        flipped,
		Base:           baseLv,
	}
	res := scoring.BreakoutStrength(c.cfg.Scoring, breakoutInputs(snap, art))
	art.Strength = res.Score
	c.meta.S1 = art

	c.scores["breakout_strength"] = res.Score
	for k, v := range res.Components {
		c.diag[k] = v
	}
	c.levels["base_support"] = baseLv.Price
	c.flags.BreakoutConfirmed = true
	c.emit(events.S1Breakout, map[string]any{
		"strength":    res.Score,
		"entry_price": snap.Close,
		"flipped":     len(flipped),
	})
	return S1
}

// s1 tracks the breakout and decides between fakeout rejection and handoff to
// retest management.
func (c *cycle) s1() State {
	snap := c.in.Snapshot
	art := c.meta.S1
	if art == nil {
		// Meta was lost or cleared underneath us; the only safe phase is S0.
		return c.s0(true)
	}

	art.HighSinceEntry = maxf(art.HighSinceEntry, snap.High)
	art.ATRPeak = maxf(art.ATRPeak, snap.ATR)
	c.scores["breakout_strength"] = art.Strength
	c.flags.BreakoutConfirmed = true

	if votes := c.fakeoutVotes(art); votes.Count >= c.cfg.FakeoutVotesNeeded {
		c.meta.ClearBreakout()
		c.flags.BreakoutConfirmed = false
		c.emit(events.S2Fakeout, votes.payload())
		return S0
	}

	atrCooled := art.ATRPeak > 0 && snap.ATR <= (1.0-c.cfg.ATRCoolFrac)*art.ATRPeak
	flattened := snap.Slope20 <= c.cfg.FlatSlopeEps && snap.SepFastDelta5 <= 0
	pullback := false
	if art.HighSinceEntry > 0 && snap.Close > 0 {
		drop := (art.HighSinceEntry - snap.Close) / art.HighSinceEntry
		pullback = drop >= maxf(c.cfg.PullbackFrac, snap.ATR/snap.Close)
	}
	if !atrCooled && !flattened && !pullback {
		return S1
	}

	st := ladder.Build(art.Flipped, art.Base)
	c.meta.S2 = st
	mv := c.cfg.Ladder.Update(st, snap.Low, snap.Close, snap.ATR, c.in.AsOf)
	if mv.Move == ladder.MoveActivated {
		c.emit(events.S2SupportTouch, map[string]any{"tier": mv.TierIndex, "price": st.Tiers[mv.TierIndex].Price})
	}
	c.applyLadderScores(st, mv)
	return S2
}

// s2 runs ladder management, the fakeout vote, and the S3 promotion check.
func (c *cycle) s2() State {
	snap := c.in.Snapshot
	art := c.meta.S1
	st := c.meta.S2
	if art == nil || st == nil {
		return c.s0(true)
	}
	c.flags.BreakoutConfirmed = true
	c.scores["breakout_strength"] = art.Strength

	mv := c.cfg.Ladder.Update(st, snap.Low, snap.Close, snap.ATR, c.in.AsOf)
	switch mv.Move {
	case ladder.MoveActivated, ladder.MoveTouch:
		if t, ok := st.CurrentTier(); ok {
			c.emit(events.S2SupportTouch, map[string]any{"tier": mv.TierIndex, "price": t.Price})
		}
	}

	if votes := c.fakeoutVotes(art); votes.Count >= c.cfg.FakeoutVotesNeeded {
		c.meta.ClearBreakout()
		c.flags.BreakoutConfirmed = false
		c.emit(events.S2Fakeout, votes.payload())
		return S0
	}

	strength := c.applyLadderScores(st, mv)

	if snap.HasLongEMA() {
		above := indicators.CountClosesAbove(c.in.Bars, snap.EMA333, c.cfg.LongLookback)
		slowOK := 0
		for _, s := range []float64{snap.Slope144, snap.Slope250, snap.Slope333} {
			if s >= 0 {
				slowOK++
			}
		}
		if above >= c.cfg.LongThreshold && slowOK >= c.cfg.SlowSlopesNeeded && strength >= c.cfg.TrendStrengthMin {
			c.srContext = srContextFrom(art)
			if c.meta.S3 == nil {
				c.meta.S3 = &oscillators.EDXState{}
			}
			c.runOscillators()
			c.emit(events.S3Active, map[string]any{"trend_strength": strength, "close": snap.Close})
			return S3
		}
	}
	return S2
}

// s3 is the operating regime: persistent-downtrend exit first, then the
// emergency overlay, then the oscillators.
func (c *cycle) s3() State {
	snap := c.in.Snapshot

	if snap.HasLongEMA() {
		below := indicators.CountClosesBelow(c.in.Bars, snap.EMA333, c.cfg.LongLookback)
		if below >= c.cfg.LongThreshold {
			c.meta.ClearBreakout()
			wasActive := c.meta.Emergency != nil && c.meta.Emergency.Active
			c.meta.Emergency = &EmergencyExitState{
				Active:          true,
				Reason:          "persistent_downtrend",
				TriggeredAt:     c.in.AsOf,
				TriggerPrice:    snap.Close,
				LowWatermark:    snap.Low,
				SuggestedAction: ActionExitNewLow,
			}
			c.emit(events.S3Exit, map[string]any{"closes_below": below, "close": snap.Close})
			if !wasActive {
				c.emit(events.EmergencyExitOn, map[string]any{"reason": "persistent_downtrend"})
			}
			return S0
		}
	}

	c.emergencyOverlay()

	if c.meta.S3 == nil {
		c.meta.S3 = &oscillators.EDXState{}
	}
	c.runOscillators()

	if art := c.meta.S1; art != nil {
		c.srContext = srContextFrom(art)
		c.checkSRReclaim(art)
	} else {
		c.srContext = topLevels(c.in.Levels, c.cfg.TopNLevels)
	}
	return S3
}

// runOscillators computes OX/DX/EDX, records their scores, and steps the
// hysteresis-backed regime flags.
func (c *cycle) runOscillators() {
	res := oscillators.Compute(c.cfg.Oscillators, c.in.Snapshot, c.in.Bars, c.meta.S3, c.in.Position.Key())
	c.scores["ox"] = res.OX
	c.scores["dx"] = res.DX
	c.scores["edx"] = res.EDX
	for k, v := range res.Parts {
		c.diag[k] = v
	}
	c.flags.Overextended = c.meta.Counter("overextended").Step(c.cfg.Hysteresis, res.OX)
	c.flags.DiscountZone = c.meta.Counter("discount_zone").Step(c.cfg.Hysteresis, res.DX)
	c.flags.Exhausted = c.meta.Counter("exhausted").Step(c.cfg.Hysteresis, res.EDX)
}

// checkSRReclaim emits when this cycle's close crossed back above a context
// level the previous close sat under.
func (c *cycle) checkSRReclaim(art *BreakoutArtifacts) {
	bars := c.in.Bars
	if len(bars) < 2 {
		return
	}
	prevClose := bars[len(bars)-2].Close
	px := c.in.Snapshot.Close
	for _, lv := range srContextFrom(art) {
		if prevClose < lv.Price && px >= lv.Price {
			c.emit(events.S3SRReclaim, map[string]any{"price": lv.Price, "source": lv.Source})
			return
		}
	}
}

// applyLadderScores computes and records the S2 score block, returning the
// cycle's trend strength for the promotion check. Dent/reclaim multipliers
// apply to this cycle only.
func (c *cycle) applyLadderScores(st *ladder.State, mv ladder.CycleResult) float64 {
	snap := c.in.Snapshot

	persistence := c.cfg.Ladder.PersistenceScore(st)
	alignment := emaAlignment(snap)
	coherence := volatilityCoherence(snap)
	depth := c.cfg.Ladder.DepthMult(st)

	integrity := scoring.Clip01(ladder.TrendIntegrity(persistence, alignment, coherence) * depth * mv.IntegrityMult)
	strength := scoring.Clip01(ladder.TrendStrength(c.cfg.Scoring, snap.RSISlope10, snap.ADX, snap.ADXSlope10) * depth * mv.StrengthMult)

	c.scores["support_persistence"] = persistence
	c.scores["trend_integrity"] = integrity
	c.scores["trend_strength"] = strength
	c.diag["ema_alignment"] = alignment
	c.diag["volatility_coherence"] = coherence
	c.diag["ladder_depth_mult"] = depth
	c.diag["ladder_tier"] = float64(mv.TierIndex)

	c.flags.LadderActive = st.Active
	c.supports = append([]ladder.Tier(nil), st.Tiers...)
	if t, ok := st.CurrentTier(); ok {
		c.levels["current_tier"] = t.Price
	}
	if len(st.Tiers) > 0 {
		c.levels["base_support"] = st.Tiers[len(st.Tiers)-1].Price
	}
	return strength
}

// compressionIndex scores how tight the S0 base is: narrow fast separation and
// volatility at or under its rolling mean both read as compression.
func compressionIndex(cfg *scoring.Config, snap *domain.IndicatorSnapshot) float64 {
	sep := 1.0 - scoring.Sigmoid(snap.SepFast, cfg.KSep)
	atr := 0.5
	if snap.ATRMean20 > 0 {
		atr = 1.0 - scoring.Sigmoid(snap.ATR/snap.ATRMean20-1.0, cfg.KRatio)
	}
	return scoring.Clip01(0.6*sep + 0.4*atr)
}

// emaAlignment is the fraction of the bullish rail ordering that holds.
func emaAlignment(snap *domain.IndicatorSnapshot) float64 {
	checks := [...]bool{
		snap.Close >= snap.EMA20,
		snap.EMA20 >= snap.EMA60,
		snap.EMA60 >= snap.EMA144,
		snap.EMA144 >= snap.EMA250,
	}
	n := 0
	for _, ok := range checks {
		if ok {
			n++
		}
	}
	return float64(n) / float64(len(checks))
}

// volatilityCoherence is high when ATR sits near its rolling mean: a trend
// that neither explodes nor dies.
func volatilityCoherence(snap *domain.IndicatorSnapshot) float64 {
	if snap.ATRMean20 <= 0 {
		return 0.5
	}
	dev := snap.ATR/snap.ATRMean20 - 1.0
	if dev < 0 {
		dev = -dev
	}
	return scoring.Clip01(1.0 - dev)
}

func breakoutInputs(snap *domain.IndicatorSnapshot, art *BreakoutArtifacts) scoring.BreakoutInputs {
	flipScore := 0.0
	for _, lv := range art.Flipped {
		flipScore += lv.Strength * lv.Confidence
	}
	return scoring.BreakoutInputs{
		SlopeDelta20:      snap.SlopeDelta20,
		SepFast:           snap.SepFast,
		SepFastDelta5:     snap.SepFastDelta5,
		PriceAboveMid:     snap.Close >= snap.EMA60,
		ATRNorm:           snap.ATR / snap.Close,
		BaselineATRNorm:   art.Frozen.ATRNorm,
		BaselineSepFast:   art.Frozen.SepFast,
		VolumeZ:           snap.VolumeZ,
		VolumeCluster:     snap.VolumeCluster,
		RSISlope:          snap.RSISlope10,
		ADX:               snap.ADX,
		ADXSlope:          snap.ADXSlope10,
		FlippedLevelScore: flipScore,
		CompressionIndex:  art.Frozen.CompressionIndex,
	}
}

// splitLevels partitions the top-N geometry levels sitting under price into
// the flipped rungs plus the base support (the lowest one).
func splitLevels(levels []domain.SRLevel, close float64, topN int) ([]domain.SRLevel, domain.SRLevel) {
	under := make([]domain.SRLevel, 0, len(levels))
	for _, lv := range topLevels(levels, topN) {
		if lv.Price > 0 && lv.Price < close {
			under = append(under, lv)
		}
	}
	if len(under) == 0 {
		return nil, domain.SRLevel{}
	}
	sort.Slice(under, func(i, j int) bool { return under[i].Price > under[j].Price })
	base := under[len(under)-1]
	return under[:len(under)-1], base
}

// topLevels returns the strongest N levels, original order broken by strength.
func topLevels(levels []domain.SRLevel, n int) []domain.SRLevel {
	out := make([]domain.SRLevel, len(levels))
	copy(out, levels)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Strength > out[j].Strength })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func srContextFrom(art *BreakoutArtifacts) []domain.SRLevel {
	ctx := append([]domain.SRLevel(nil), art.Flipped...)
	if art.Base.Price > 0 {
		ctx = append(ctx, art.Base)
	}
	return ctx
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
