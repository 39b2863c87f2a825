package engine

import (
	"time"

	"github.com/quantfall/trendphase/internal/domain"
	"github.com/quantfall/trendphase/internal/ladder"
	"github.com/quantfall/trendphase/internal/oscillators"
)

// CompressionBaselines are the S0 compression measurements. They are
// recomputed every S0 cycle and frozen into BreakoutArtifacts at S1 entry;
// the frozen copy is never recomputed until the machine returns to S0.
type CompressionBaselines struct {
	ATRNorm          float64   `json:"atr_norm"` // atr / close
	SepFast          float64   `json:"sep_fast"`
	CompressionIndex float64   `json:"compression_index"` // [0,1], 1 = tightest base
	CapturedAt       time.Time `json:"captured_at"`
}

// BreakoutArtifacts are the S1 entry captures: frozen baselines, the S/R
// levels that flipped from resistance to support, and the breakout anchor for
// the VWAP conviction check.
type BreakoutArtifacts struct {
	EntryAt        time.Time            `json:"entry_at"`
	EntryPrice     float64              `json:"entry_price"`
	HighSinceEntry float64              `json:"high_since_entry"`
	ATRPeak        float64              `json:"atr_peak"`
	Strength       float64              `json:"strength"`
	Frozen         CompressionBaselines `json:"frozen"`
	Flipped        []domain.SRLevel     `json:"flipped"`
	Base           domain.SRLevel       `json:"base"`
}

// SupportBelow returns the price of the last support under the breakout,
// used by the structural-failure fakeout vote.
func (a *BreakoutArtifacts) SupportBelow() float64 {
	if a.Base.Price > 0 {
		return a.Base.Price
	}
	low := 0.0
	for _, lv := range a.Flipped {
		if low == 0 || lv.Price < low {
			low = lv.Price
		}
	}
	return low
}

// Meta is the engine's internal persisted scratch state. It is mutated in
// place across cycles and selectively cleared on transitions back to S0.
type Meta struct {
	AssetKey   string                        `json:"asset_key"`
	S0         *CompressionBaselines         `json:"s0,omitempty"`
	S1         *BreakoutArtifacts            `json:"s1,omitempty"`
	S2         *ladder.State                 `json:"s2,omitempty"`
	S3         *oscillators.EDXState         `json:"s3,omitempty"`
	Emergency  *EmergencyExitState           `json:"emergency_exit,omitempty"`
	Hysteresis map[string]*HysteresisCounter `json:"hysteresis,omitempty"`
}

// NewMeta returns an empty meta scoped to one asset key.
func NewMeta(assetKey string) *Meta {
	return &Meta{AssetKey: assetKey, Hysteresis: make(map[string]*HysteresisCounter)}
}

// Counter returns the named hysteresis counter, creating it on first use.
func (m *Meta) Counter(name string) *HysteresisCounter {
	if m.Hysteresis == nil {
		m.Hysteresis = make(map[string]*HysteresisCounter)
	}
	c, ok := m.Hysteresis[name]
	if !ok {
		c = &HysteresisCounter{}
		m.Hysteresis[name] = c
	}
	return c
}

// ClearBreakout drops the S1/S2 artifacts on any transition back to S0.
// S0 baselines survive: they are the next base's starting point.
func (m *Meta) ClearBreakout() {
	m.S1 = nil
	m.S2 = nil
}
