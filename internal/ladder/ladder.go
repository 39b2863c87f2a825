package ladder

import (
	"sort"
	"time"

	"github.com/quantfall/trendphase/internal/domain"
	"github.com/quantfall/trendphase/internal/scoring"
)

// Config holds the S2 ladder tunables.
type Config struct {
	HaloATRMult   float64 `yaml:"halo_atr_mult"`   // default 0.5
	HaloPriceFrac float64 `yaml:"halo_price_frac"` // default 0.03

	// One-cycle multipliers applied on a tier move.
	DentIntegrityMult    float64 `yaml:"dent_integrity_mult"`    // 0.4
	DentStrengthMult     float64 `yaml:"dent_strength_mult"`     // 0.6
	ReclaimIntegrityMult float64 `yaml:"reclaim_integrity_mult"` // 1.3, capped at 1.0 after apply
	ReclaimStrengthMult  float64 `yaml:"reclaim_strength_mult"`  // 1.6, capped at 1.0 after apply

	// Saturation constants for the persistence sub-scores.
	KTouch    float64 `yaml:"k_touch"`
	KReaction float64 `yaml:"k_reaction"`
	KClose    float64 `yaml:"k_close"`
	KWick     float64 `yaml:"k_wick"`

	TierDepthStep float64 `yaml:"tier_depth_step"` // 0.10 per tier
	BaseTierMult  float64 `yaml:"base_tier_mult"`  // 1.30 at the base tier
}

// DefaultConfig returns the production ladder tuning.
func DefaultConfig() *Config {
	return &Config{
		HaloATRMult:          0.5,
		HaloPriceFrac:        0.03,
		DentIntegrityMult:    0.4,
		DentStrengthMult:     0.6,
		ReclaimIntegrityMult: 1.3,
		ReclaimStrengthMult:  1.6,
		KTouch:               2.0,
		KReaction:            2.0,
		KClose:               6.0,
		KWick:                3.0,
		TierDepthStep:        0.10,
		BaseTierMult:         1.30,
	}
}

// Tier is one rung of the ladder.
type Tier struct {
	Price    float64 `json:"price"`
	Strength float64 `json:"strength"`
	Source   string  `json:"source"`
	IsBase   bool    `json:"is_base"`
}

// State is the persisted ladder scratch state (meta.s2). The pointer moves at
// most one tier per cycle.
type State struct {
	Tiers     []Tier    `json:"tiers"`
	Active    bool      `json:"active"`
	TierIndex int       `json:"tier_index"`
	T0        time.Time `json:"t0"`

	// Counters since T0, feeding the persistence score.
	TouchCount      int `json:"touch_count"`
	ReactionCount   int `json:"reaction_count"`
	CloseAboveCount int `json:"close_above_count"`
	WickAbsorbCount int `json:"wick_absorb_count"`
	CyclesSinceT0   int `json:"cycles_since_t0"`
}

// Build assembles the ladder from the flipped S/R levels captured at S1 entry,
// price-descending, with the base support appended as the final rung.
func Build(flipped []domain.SRLevel, base domain.SRLevel) *State {
	tiers := make([]Tier, 0, len(flipped)+1)
	sorted := make([]domain.SRLevel, len(flipped))
	copy(sorted, flipped)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Price > sorted[j].Price })
	for _, lv := range sorted {
		if base.Price > 0 && lv.Price <= base.Price {
			continue // base rung supersedes anything at or below it
		}
		tiers = append(tiers, Tier{Price: lv.Price, Strength: lv.Strength, Source: lv.Source})
	}
	if base.Price > 0 {
		tiers = append(tiers, Tier{Price: base.Price, Strength: base.Strength, Source: base.Source, IsBase: true})
	}
	return &State{Tiers: tiers, TierIndex: 0}
}

// Move is what happened to the pointer this cycle.
type Move int

const (
	MoveNone Move = iota
	MoveActivated
	MoveStepDown
	MoveReclaim
	MoveTouch
)

func (m Move) String() string {
	switch m {
	case MoveActivated:
		return "activated"
	case MoveStepDown:
		return "step_down"
	case MoveReclaim:
		return "reclaim"
	case MoveTouch:
		return "touch"
	default:
		return "none"
	}
}

// CycleResult reports the pointer move plus the one-cycle multipliers the
// caller applies to this cycle's integrity/strength scores.
type CycleResult struct {
	Move          Move
	TierIndex     int
	IntegrityMult float64
	StrengthMult  float64
}

// Halo returns the touch tolerance around a tier.
func (c *Config) Halo(atr, price float64) float64 {
	h := c.HaloATRMult * atr
	if p := c.HaloPriceFrac * price; p > h {
		h = p
	}
	return h
}

// Update advances the ladder by one cycle. Exactly one of activation,
// step-down, or reclaim can occur; touches only accrue counters.
func (c *Config) Update(st *State, low, close, atr float64, asOf time.Time) CycleResult {
	res := CycleResult{Move: MoveNone, TierIndex: st.TierIndex, IntegrityMult: 1.0, StrengthMult: 1.0}
	if len(st.Tiers) == 0 {
		return res
	}

	if !st.Active {
		top := st.Tiers[0]
		halo := c.Halo(atr, top.Price)
		if low <= top.Price+halo && close >= top.Price {
			st.Active = true
			st.TierIndex = 0
			st.T0 = asOf
			st.TouchCount = 1
			st.CloseAboveCount = 1
			st.CyclesSinceT0 = 1
			if low < top.Price {
				st.WickAbsorbCount = 1
			}
			res.Move = MoveActivated
			res.TierIndex = 0
		}
		return res
	}

	st.CyclesSinceT0++
	cur := st.Tiers[st.TierIndex]

	switch {
	case close < cur.Price:
		// Step down one rung; at the base rung the pointer holds.
		if st.TierIndex < len(st.Tiers)-1 {
			st.TierIndex++
		}
		res.Move = MoveStepDown
		res.IntegrityMult = c.DentIntegrityMult
		res.StrengthMult = c.DentStrengthMult

	case st.TierIndex > 0 && close >= st.Tiers[st.TierIndex-1].Price:
		st.TierIndex--
		res.Move = MoveReclaim
		res.IntegrityMult = c.ReclaimIntegrityMult
		res.StrengthMult = c.ReclaimStrengthMult

	default:
		st.CloseAboveCount++
		halo := c.Halo(atr, cur.Price)
		if low <= cur.Price+halo {
			st.TouchCount++
			res.Move = MoveTouch
			if close > cur.Price+halo {
				st.ReactionCount++ // touched and closed clear of the halo
			}
			if low < cur.Price {
				st.WickAbsorbCount++
			}
		}
	}

	res.TierIndex = st.TierIndex
	return res
}

// PersistenceScore blends the accrued counters into one 0-1 support quality
// number. Close persistence dominates: what matters most is that bars keep
// settling above the tier.
func (c *Config) PersistenceScore(st *State) float64 {
	if !st.Active {
		return 0.0
	}
	touch := scoring.Saturate(float64(st.TouchCount), c.KTouch)
	reaction := scoring.Saturate(float64(st.ReactionCount), c.KReaction)
	closes := scoring.Saturate(float64(st.CloseAboveCount), c.KClose)
	wicks := scoring.Saturate(float64(st.WickAbsorbCount), c.KWick)
	return scoring.Clip01(0.25*touch + 0.20*reaction + 0.40*closes + 0.15*wicks)
}

// DepthMult scales integrity/strength by how deep the pointer sits. The base
// rung carries a fixed premium over the counted tiers.
func (c *Config) DepthMult(st *State) float64 {
	if len(st.Tiers) == 0 {
		return 1.0
	}
	if st.Tiers[st.TierIndex].IsBase {
		return c.BaseTierMult
	}
	return 1.0 + c.TierDepthStep*float64(st.TierIndex)
}

// TrendIntegrity combines support persistence with EMA alignment and
// volatility coherence, each already in [0,1].
func TrendIntegrity(persistence, emaAlignment, volCoherence float64) float64 {
	return scoring.Clip01(0.55*persistence + 0.35*emaAlignment + 0.10*volCoherence)
}

// TrendStrength combines the RSI-slope and floor-gated ADX-slope sigmoids.
func TrendStrength(cfg *scoring.Config, rsiSlope, adx, adxSlope float64) float64 {
	rsi := scoring.Sigmoid(rsiSlope, cfg.KSlope)
	adxTerm := cfg.ADXGated(adx, scoring.Sigmoid(adxSlope, cfg.KSlope))
	return scoring.Clip01(0.6*rsi + 0.4*adxTerm)
}

// CurrentTier returns the tier under the pointer, or false when the ladder is
// empty or inactive.
func (st *State) CurrentTier() (Tier, bool) {
	if st == nil || !st.Active || len(st.Tiers) == 0 {
		return Tier{}, false
	}
	return st.Tiers[st.TierIndex], true
}
