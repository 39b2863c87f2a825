package engine

import (
	"github.com/quantfall/trendphase/internal/domain/indicators"
)

// FakeoutVotes is the 2-of-3 rejection ballot evaluated in S1 and S2.
type FakeoutVotes struct {
	Structural bool // price lost the last support under the breakout
	Flow       bool // mid/slow EMA flow turned against the move
	Conviction bool // anchored VWAP no longer supports the move
	Count      int
}

func (v FakeoutVotes) payload() map[string]any {
	return map[string]any{
		"structural_failure":  v.Structural,
		"flow_reversal":       v.Flow,
		"conviction_collapse": v.Conviction,
		"votes":               v.Count,
	}
}

// fakeoutVotes evaluates the three independent rejection signals against the
// breakout artifacts. Each vote is deliberately cheap to reason about; the
// 2-of-3 rule keeps any single noisy signal from unwinding a real breakout.
func (c *cycle) fakeoutVotes(art *BreakoutArtifacts) FakeoutVotes {
	snap := c.in.Snapshot
	var v FakeoutVotes

	if support := art.SupportBelow(); support > 0 && snap.Close < support {
		v.Structural = true
	}

	if snap.Slope60 < 0 || snap.Slope144 < 0 || snap.SlopeDelta60 < 0 {
		v.Flow = true
	}

	vwap := indicators.AnchoredVWAP(c.in.Bars, art.EntryAt)
	if vwap.IsValid {
		c.levels["anchored_vwap"] = vwap.Value
		if vwap.Slope < 0 {
			v.Conviction = true
		} else if indicators.CountClosesBelow(c.in.Bars, vwap.Value, c.cfg.VWAPCollapseBars) >= c.cfg.VWAPCollapseBars {
			v.Conviction = true
		}
	}

	for _, b := range []bool{v.Structural, v.Flow, v.Conviction} {
		if b {
			v.Count++
		}
	}
	c.diag["fakeout_votes"] = float64(v.Count)
	return v
}
