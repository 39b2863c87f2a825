package engine

import (
	"github.com/quantfall/trendphase/internal/ladder"
	"github.com/quantfall/trendphase/internal/oscillators"
	"github.com/quantfall/trendphase/internal/scoring"
)

// Config is the immutable engine configuration. It is loaded once and passed
// by pointer into every handler; nothing mutates it after load.
type Config struct {
	Scoring     *scoring.Config     `yaml:"scoring"`
	Ladder      *ladder.Config      `yaml:"ladder"`
	Oscillators *oscillators.Config `yaml:"oscillators"`
	Hysteresis  HysteresisConfig    `yaml:"hysteresis"`

	// Long-EMA regime rule: a phase is persistent when at least LongThreshold
	// of the last LongLookback closes sit on one side of EMA333.
	LongLookback  int `yaml:"long_lookback"`  // default 10
	LongThreshold int `yaml:"long_threshold"` // default 8

	// S1 -> S2 retest triggers.
	ATRCoolFrac  float64 `yaml:"atr_cool_frac"` // default 0.10
	PullbackFrac float64 `yaml:"pullback_frac"` // default 0.06
	FlatSlopeEps float64 `yaml:"flat_slope_eps"`

	// S2 -> S3 promotion.
	TrendStrengthMin float64 `yaml:"trend_strength_min"` // default 0.60
	SlowSlopesNeeded int     `yaml:"slow_slopes_needed"` // default 2 of 3

	// Fakeout vote.
	FakeoutVotesNeeded int `yaml:"fakeout_votes_needed"` // default 2 of 3
	VWAPCollapseBars   int `yaml:"vwap_collapse_bars"`   // default 3

	// Emergency-exit overlay.
	BounceWindowBars int `yaml:"bounce_window_bars"` // default 6

	// Geometry intake.
	TopNLevels int `yaml:"top_n_levels"` // default 8
}

// DefaultConfig returns the production engine tuning.
func DefaultConfig() *Config {
	return &Config{
		Scoring:            scoring.DefaultConfig(),
		Ladder:             ladder.DefaultConfig(),
		Oscillators:        oscillators.DefaultConfig(),
		Hysteresis:         HysteresisConfig{OnThreshold: 0.70, OffThreshold: 0.60, ConsecutiveN: 3},
		LongLookback:       10,
		LongThreshold:      8,
		ATRCoolFrac:        0.10,
		PullbackFrac:       0.06,
		FlatSlopeEps:       0.0,
		TrendStrengthMin:   0.60,
		SlowSlopesNeeded:   2,
		FakeoutVotesNeeded: 2,
		VWAPCollapseBars:   3,
		BounceWindowBars:   6,
		TopNLevels:         8,
	}
}
