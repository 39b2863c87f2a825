package indicators

import (
	"time"

	"github.com/quantfall/trendphase/internal/domain"
)

// VWAPResult represents an anchored VWAP computation over a bar window.
type VWAPResult struct {
	Value     float64 `json:"value"`
	Slope     float64 `json:"slope"` // per-bar change of the VWAP line, price-normalized
	IsValid   bool    `json:"is_valid"`
	DataCount int     `json:"data_count"`
}

// AnchoredVWAP computes the volume-weighted average price from the first bar at
// or after anchor through the end of the series. Slope is taken between the
// VWAP one bar ago and now so a single print cannot flip its sign.
func AnchoredVWAP(bars []domain.Bar, anchor time.Time) VWAPResult {
	start := -1
	for i, b := range bars {
		if !b.Timestamp.Before(anchor) {
			start = i
			break
		}
	}
	if start < 0 || len(bars)-start < 2 {
		return VWAPResult{IsValid: false, DataCount: 0}
	}

	var pv, vol, prevVWAP float64
	for i := start; i < len(bars); i++ {
		b := bars[i]
		typical := (b.High + b.Low + b.Close) / 3.0
		if i == len(bars)-1 && vol > 0 {
			prevVWAP = pv / vol
		}
		pv += typical * b.Volume
		vol += b.Volume
	}
	if vol <= 0 {
		return VWAPResult{IsValid: false, DataCount: len(bars) - start}
	}

	vwap := pv / vol
	slope := 0.0
	if prevVWAP > 0 {
		slope = (vwap - prevVWAP) / prevVWAP
	}
	return VWAPResult{Value: vwap, Slope: slope, IsValid: true, DataCount: len(bars) - start}
}

// CountClosesBelow returns how many of the last lookback closes printed below
// level. Fewer bars than lookback counts only what exists.
func CountClosesBelow(bars []domain.Bar, level float64, lookback int) int {
	return countCloses(bars, lookback, func(c float64) bool { return c < level })
}

// CountClosesAbove returns how many of the last lookback closes printed above
// level.
func CountClosesAbove(bars []domain.Bar, level float64, lookback int) int {
	return countCloses(bars, lookback, func(c float64) bool { return c > level })
}

func countCloses(bars []domain.Bar, lookback int, pred func(float64) bool) int {
	n := 0
	start := len(bars) - lookback
	if start < 0 {
		start = 0
	}
	for _, b := range bars[start:] {
		if pred(b.Close) {
			n++
		}
	}
	return n
}

// LowerLowFrequency returns the fraction of the last lookback bars whose low
// undercut the prior bar's low. Used as a structural-failure input.
func LowerLowFrequency(bars []domain.Bar, lookback int) float64 {
	start := len(bars) - lookback
	if start < 1 {
		start = 1
	}
	if start >= len(bars) {
		return 0
	}
	hits, total := 0, 0
	for i := start; i < len(bars); i++ {
		total++
		if bars[i].Low < bars[i-1].Low {
			hits++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// TrueRangeAsymmetry returns the ratio of true range spent on down bars to true
// range spent on up bars over the last lookback bars. Above 1.0 means sellers
// are moving price more efficiently than buyers.
func TrueRangeAsymmetry(bars []domain.Bar, lookback int) float64 {
	start := len(bars) - lookback
	if start < 1 {
		start = 1
	}
	var down, up float64
	for i := start; i < len(bars); i++ {
		tr := trueRange(bars[i], bars[i-1])
		if bars[i].Close < bars[i].Open {
			down += tr
		} else {
			up += tr
		}
	}
	if up <= 0 {
		if down > 0 {
			return 2.0 // all-seller window, saturate
		}
		return 1.0
	}
	return down / up
}

func trueRange(cur, prev domain.Bar) float64 {
	tr := cur.High - cur.Low
	if d := abs(cur.High - prev.Close); d > tr {
		tr = d
	}
	if d := abs(cur.Low - prev.Close); d > tr {
		tr = d
	}
	return tr
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
