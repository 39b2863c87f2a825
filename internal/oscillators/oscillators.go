// Package oscillators computes the S3 operating-regime composites: OX
// (overextension), DX (discount/value) and EDX (exhaustion/decay). All three
// are 0-1 scores recomputed every S3 cycle; only EDX carries persisted state
// (an EMA keyed per asset).
package oscillators

import (
	"math"

	"github.com/quantfall/trendphase/internal/domain"
	"github.com/quantfall/trendphase/internal/domain/indicators"
	"github.com/quantfall/trendphase/internal/scoring"
)

// Config holds the oscillator tunables.
type Config struct {
	KRail     float64 `yaml:"k_rail"`     // rail-distance sigmoid steepness
	KSep      float64 `yaml:"k_sep"`      // band-separation sigmoid steepness
	KRatio    float64 `yaml:"k_ratio"`    // ratio-style sigmoid steepness
	KVolumeZ  float64 `yaml:"k_volume_z"` // volume z sigmoid steepness
	KHallway  float64 `yaml:"k_hallway"`  // hallway position decay constant
	EDXSpan   int     `yaml:"edx_span"`   // EMA span for EDX smoothing, default 20
	Lookback  int     `yaml:"lookback"`   // bar lookback for structural terms
	OXBoost   float64 `yaml:"ox_boost"`   // max EDX modulation of OX, default 0.33
	DXSuppress float64 `yaml:"dx_suppress"` // max EDX suppression of DX, default 0.50
}

// DefaultConfig returns the production oscillator tuning.
func DefaultConfig() *Config {
	return &Config{
		KRail:      0.03,
		KSep:       0.01,
		KRatio:     0.25,
		KVolumeZ:   1.2,
		KHallway:   0.35,
		EDXSpan:    20,
		Lookback:   10,
		OXBoost:    0.33,
		DXSuppress: 0.50,
	}
}

// EDXState is the persisted EDX smoothing state (meta.s3). AssetKey guards
// against meta reuse across positions: on mismatch the EMA resets to the raw
// per-cycle value.
type EDXState struct {
	AssetKey    string  `json:"asset_key"`
	EMA         float64 `json:"edx_ema"`
	Initialized bool    `json:"initialized"`
}

// Result carries the three composites plus their parts for diagnostics.
type Result struct {
	OX     float64            `json:"ox"`
	DX     float64            `json:"dx"`
	EDX    float64            `json:"edx"`
	EDXRaw float64            `json:"edx_raw"`
	Parts  map[string]float64 `json:"parts"`
}

// Compute evaluates all three oscillators for one S3 cycle and advances the
// EDX smoothing state in place.
func Compute(cfg *Config, snap *domain.IndicatorSnapshot, bars []domain.Bar, st *EDXState, assetKey string) Result {
	edxRaw, edxParts := exhaustion(cfg, snap, bars)

	if st.AssetKey != assetKey || !st.Initialized {
		st.AssetKey = assetKey
		st.EMA = edxRaw
		st.Initialized = true
	} else {
		alpha := 2.0 / (float64(cfg.EDXSpan) + 1.0)
		st.EMA = alpha*edxRaw + (1.0-alpha)*st.EMA
	}
	edx := scoring.Clip01(st.EMA)

	ox := overextension(cfg, snap, edx)
	dx := discount(cfg, snap, edx)

	parts := map[string]float64{"ox": ox, "dx": dx, "edx": edx, "edx_raw": edxRaw}
	for k, v := range edxParts {
		parts[k] = v
	}
	return Result{OX: ox, DX: dx, EDX: edx, EDXRaw: edxRaw, Parts: parts}
}

// overextension measures how far price has stretched above its rails, with a
// fragility discount when volume is not backing the stretch. High exhaustion
// amplifies the reading.
func overextension(cfg *Config, snap *domain.IndicatorSnapshot, edx float64) float64 {
	rail := func(ema float64) float64 {
		if ema <= 0 {
			return 0.0
		}
		return scoring.Sigmoid((snap.Close-ema)/ema, cfg.KRail)
	}

	sepExpansion := scoring.Sigmoid(snap.SepFastDelta5, cfg.KSep)
	atrSurge := 0.0
	if snap.ATRMean20 > 0 {
		atrSurge = scoring.Sigmoid(snap.ATR/snap.ATRMean20-1.0, cfg.KRatio)
	}
	fragility := scoring.Sigmoid(-snap.VolumeZ, cfg.KVolumeZ)

	base := 0.20*rail(snap.EMA20) +
		0.20*rail(snap.EMA60) +
		0.15*rail(snap.EMA144) +
		0.15*rail(snap.EMA250) +
		0.15*sepExpansion +
		0.15*atrSurge -
		0.15*fragility

	return scoring.Clip01(base * (1.0 + cfg.OXBoost*edx))
}

// discount measures value inside the EMA144..EMA333 hallway: deep, compressed
// hallways with seller exhaustion and early relief score highest. High
// exhaustion suppresses the reading since a decaying trend is not a discount.
func discount(cfg *Config, snap *domain.IndicatorSnapshot, edx float64) float64 {
	location := 0.0
	width := snap.EMA144 - snap.EMA333
	if snap.EMA333 > 0 && width > 0 {
		pos := (snap.Close - snap.EMA333) / width // 0 at the floor, 1 at the ceiling
		if pos < 0 {
			pos = 0
		}
		location = math.Exp(-pos / cfg.KHallway)
		// A compressed hallway concentrates the bid; boost up to 25%.
		if snap.Close > 0 {
			compression := 1.0 - scoring.Sigmoid(width/snap.Close, cfg.KSep)
			location = scoring.Clip01(location * (1.0 + 0.25*compression))
		}
	}

	exhaustionTerm := scoring.Sigmoid(-snap.VolumeZ, cfg.KVolumeZ)

	relief := 0.0
	if snap.ATRMean20 > 0 {
		cooling := scoring.Sigmoid(snap.ATRMean20/snap.ATR-1.0, cfg.KRatio)
		momentum := scoring.Sigmoid(snap.RSISlope10, 0.004)
		relief = 0.5*cooling + 0.5*momentum
	}

	curl := 0.0
	if snap.Slope333 >= 0 && snap.SlopeDelta250 > 0 {
		curl = 1.0
	}

	base := 0.40*location + 0.25*exhaustionTerm + 0.25*relief + 0.10*curl
	return scoring.Clip01(base * (1.0 - cfg.DXSuppress*edx))
}

// exhaustion blends the five decay families into the raw per-cycle EDX.
func exhaustion(cfg *Config, snap *domain.IndicatorSnapshot, bars []domain.Bar) (float64, map[string]float64) {
	curvature := scoring.Sigmoid(-(snap.SlopeDelta250+snap.SlopeDelta333)/2.0, 0.002)

	lowerLows := indicators.LowerLowFrequency(bars, cfg.Lookback)
	belowMid := 0.0
	if cfg.Lookback > 0 && snap.EMA60 > 0 {
		belowMid = float64(indicators.CountClosesBelow(bars, snap.EMA60, cfg.Lookback)) / float64(cfg.Lookback)
	}
	structural := scoring.Clip01(0.5*lowerLows + 0.5*belowMid)

	participation := scoring.Sigmoid(-snap.VolumeZ, cfg.KVolumeZ)

	asymmetry := scoring.Sigmoid(indicators.TrueRangeAsymmetry(bars, cfg.Lookback)-1.0, cfg.KRatio)

	rollover := scoring.Clip01(0.5*scoring.Sigmoid(-snap.SepFast, cfg.KSep) + 0.5*scoring.Sigmoid(-snap.SepMid, cfg.KSep))

	raw := scoring.Clip01(0.30*curvature + 0.25*structural + 0.20*participation + 0.15*asymmetry + 0.10*rollover)
	parts := map[string]float64{
		"edx_curvature":     curvature,
		"edx_structural":    structural,
		"edx_participation": participation,
		"edx_asymmetry":     asymmetry,
		"edx_rollover":      rollover,
	}
	return raw, parts
}
