package domain

import (
	"strconv"
	"time"
)

// Position identifies one tradable asset on one venue. The engine only ever
// reads and rewrites its payload and meta; lifecycle is owned upstream.
type Position struct {
	Contract string `json:"contract" db:"contract"`
	ChainID  int64  `json:"chain_id" db:"chain_id"`
	Active   bool   `json:"active" db:"active"`
}

// Key returns the asset key used to scope per-position scratch state.
func (p Position) Key() string {
	return p.Contract + ":" + strconv.FormatInt(p.ChainID, 10)
}

// Bar is one OHLCV candle, chronological order within a series.
type Bar struct {
	Timestamp time.Time `json:"ts"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    float64   `json:"v"`
}

// SRLevel is one candidate support/resistance price produced by the geometry
// pipeline. The engine reads it, never mutates it.
type SRLevel struct {
	Price      float64 `json:"price"`
	Strength   float64 `json:"strength"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// IndicatorSnapshot is the read-only per-cycle technicals bundle for one
// position, produced by the upstream indicator pipeline. All values are for
// the snapshot's timeframe.
type IndicatorSnapshot struct {
	Timeframe string    `json:"timeframe"`
	AsOf      time.Time `json:"as_of"`

	// Current bar convenience fields.
	Close float64 `json:"close"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`

	// EMA levels.
	EMA20  float64 `json:"ema20"`
	EMA30  float64 `json:"ema30"`
	EMA50  float64 `json:"ema50"`
	EMA60  float64 `json:"ema60"`
	EMA144 float64 `json:"ema144"`
	EMA250 float64 `json:"ema250"`
	EMA333 float64 `json:"ema333"`

	// EMA slopes and slope deltas (per-bar, price-normalized upstream).
	Slope20       float64 `json:"slope20"`
	Slope60       float64 `json:"slope60"`
	Slope144      float64 `json:"slope144"`
	Slope250      float64 `json:"slope250"`
	Slope333      float64 `json:"slope333"`
	SlopeDelta20  float64 `json:"dslope20"`
	SlopeDelta60  float64 `json:"dslope60"`
	SlopeDelta144 float64 `json:"dslope144"`
	SlopeDelta250 float64 `json:"dslope250"`
	SlopeDelta333 float64 `json:"dslope333"`

	// Band separations and their 5-bar deltas.
	SepFast       float64 `json:"sep_fast"`
	SepMid        float64 `json:"sep_mid"`
	SepFastDelta5 float64 `json:"dsep_fast_5"`
	SepMidDelta5  float64 `json:"dsep_mid_5"`

	// Volatility.
	ATR       float64 `json:"atr"`
	ATRMean20 float64 `json:"atr_mean_20"`
	ATRPeak10 float64 `json:"atr_peak_10"`

	// Momentum.
	ADX        float64 `json:"adx"`
	ADXSlope10 float64 `json:"adx_slope_10"`
	RSISlope10 float64 `json:"rsi_slope_10"`

	// Participation.
	VolumeZ       float64 `json:"vo_z"`
	VolumeCluster bool    `json:"vo_z_cluster"`
}

// Valid reports whether the snapshot carries enough data to evaluate a cycle.
// A zero long EMA means the series is too short upstream.
func (s *IndicatorSnapshot) Valid() bool {
	if s == nil {
		return false
	}
	return s.Close > 0 && s.EMA20 > 0 && s.ATR > 0
}

// HasLongEMA reports whether the slow rail is populated.
func (s *IndicatorSnapshot) HasLongEMA() bool {
	return s != nil && s.EMA333 > 0
}
