package scoring

import (
	"math"
)

// Sigmoid maps an unbounded signed delta into (0,1). Steepness k controls how
// fast the curve saturates; k <= 0 degenerates to a hard step at zero.
func Sigmoid(x, k float64) float64 {
	if k <= 0 {
		if x > 0 {
			return 1.0
		}
		return 0.0
	}
	return 1.0 / (1.0 + math.Exp(-x/k))
}

// Clip01 clamps v into [0,1]. NaN clamps to 0 so a bad upstream value can
// never poison a composite.
func Clip01(v float64) float64 {
	if math.IsNaN(v) {
		return 0.0
	}
	if v < 0 {
		return 0.0
	}
	if v > 1 {
		return 1.0
	}
	return v
}

// Saturate returns 1 - e^(-x/k), a saturating ramp used for count-like inputs.
func Saturate(x, k float64) float64 {
	if k <= 0 || x <= 0 {
		return 0.0
	}
	return 1.0 - math.Exp(-x/k)
}

// Config holds the scorer's tunables. Values are read-only after load; handlers
// receive the struct by pointer and never mutate it.
type Config struct {
	// ADXFloor gates every ADX-slope-derived term to zero while current ADX
	// sits below it, so momentum terms cannot fire in chop.
	ADXFloor float64 `yaml:"adx_floor"`

	// Sigmoid steepness per input family.
	KSlope   float64 `yaml:"k_slope"`
	KSep     float64 `yaml:"k_sep"`
	KRatio   float64 `yaml:"k_ratio"`
	KVolumeZ float64 `yaml:"k_volume_z"`
	KSRFlip  float64 `yaml:"k_sr_flip"`
}

// DefaultConfig returns the production scorer tuning.
func DefaultConfig() *Config {
	return &Config{
		ADXFloor: 18.0,
		KSlope:   0.004,
		KSep:     0.01,
		KRatio:   0.25,
		KVolumeZ: 1.2,
		KSRFlip:  1.5,
	}
}

// ADXGated returns term when adx clears the floor, zero otherwise.
func (c *Config) ADXGated(adx, term float64) float64 {
	if adx < c.ADXFloor {
		return 0.0
	}
	return term
}

// BreakoutInputs bundles everything the S0->S1 composite needs: the live
// snapshot values plus the frozen S0 baselines captured at entry.
type BreakoutInputs struct {
	SlopeDelta20  float64 // ema20 slope curvature
	SepFast       float64
	SepFastDelta5 float64
	PriceAboveMid bool // close >= ema60

	ATRNorm         float64 // atr / close
	BaselineATRNorm float64 // frozen at S0
	BaselineSepFast float64 // frozen at S0

	VolumeZ       float64
	VolumeCluster bool

	RSISlope float64
	ADX      float64
	ADXSlope float64

	FlippedLevelScore float64 // sum of strength*confidence over flipped S/R levels
	CompressionIndex  float64 // frozen S0 compression index, [0,1]
}

// BreakoutResult carries the final composite and its parts for diagnostics.
type BreakoutResult struct {
	Score      float64            `json:"score"`
	Components map[string]float64 `json:"components"`
}

// BreakoutStrength computes the S1 entry composite: a weighted sum of five
// sub-scores, each clipped to [0,1], scaled by how compressed the S0 base was.
// Tighter bases break out harder, so the frozen compression index buys up to
// 15% of extra credit.
func BreakoutStrength(cfg *Config, in BreakoutInputs) BreakoutResult {
	flow := flowFlipIntegrity(cfg, in)
	expansion := expansionQuality(cfg, in)
	volume := volumeClusterScore(cfg, in)
	momentum := momentumDrive(cfg, in)
	srFlip := Clip01(Saturate(in.FlippedLevelScore, cfg.KSRFlip))

	base := 0.30*flow + 0.25*expansion + 0.20*volume + 0.15*momentum + 0.10*srFlip
	score := Clip01(base * (0.85 + 0.15*Clip01(in.CompressionIndex)))

	return BreakoutResult{
		Score: score,
		Components: map[string]float64{
			"flow_flip_integrity": flow,
			"expansion_quality":   expansion,
			"volume_cluster":      volume,
			"momentum_drive":      momentum,
			"sr_flip_score":       srFlip,
		},
	}
}

// flowFlipIntegrity rewards an accelerating fast EMA coming out of a tight
// band, with price already above the mid rail.
func flowFlipIntegrity(cfg *Config, in BreakoutInputs) float64 {
	curvature := Sigmoid(in.SlopeDelta20, cfg.KSlope)
	compressionInverse := 1.0 - Sigmoid(in.BaselineSepFast, cfg.KSep)
	aboveMid := 0.0
	if in.PriceAboveMid {
		aboveMid = 1.0
	}
	return Clip01(0.45*curvature + 0.35*compressionInverse + 0.20*aboveMid)
}

// expansionQuality measures how far volatility and band separation have
// expanded away from the frozen S0 base.
func expansionQuality(cfg *Config, in BreakoutInputs) float64 {
	atrExpansion := 0.0
	if in.BaselineATRNorm > 0 {
		atrExpansion = Sigmoid(in.ATRNorm/in.BaselineATRNorm-1.0, cfg.KRatio)
	}
	sepExpansion := 0.0
	if in.BaselineSepFast > 0 {
		sepExpansion = Sigmoid(in.SepFast/in.BaselineSepFast-1.0, cfg.KRatio)
	}
	return Clip01(0.5*atrExpansion + 0.5*sepExpansion)
}

func volumeClusterScore(cfg *Config, in BreakoutInputs) float64 {
	z := Sigmoid(in.VolumeZ, cfg.KVolumeZ)
	cluster := 0.0
	if in.VolumeCluster {
		cluster = 1.0
	}
	return Clip01(0.70*z + 0.30*cluster)
}

func momentumDrive(cfg *Config, in BreakoutInputs) float64 {
	rsi := Sigmoid(in.RSISlope, cfg.KSlope)
	adx := cfg.ADXGated(in.ADX, Sigmoid(in.ADXSlope, cfg.KSlope))
	return Clip01(0.5*rsi + 0.5*adx)
}
