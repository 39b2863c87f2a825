package engine

import (
	"github.com/quantfall/trendphase/internal/events"
)

// emergencyOverlay runs on every S3 cycle that is not a persistent-downtrend
// exit. A single close below the slow rail arms the flag immediately, ahead of
// the 8-of-10 confirmation, and opens a bounded bounce window: the position
// holder gets at most BounceWindowBars bars to exit into strength before the
// suggestion hardens.
func (c *cycle) emergencyOverlay() {
	snap := c.in.Snapshot
	if !snap.HasLongEMA() {
		return
	}
	belowRail := snap.Close < snap.EMA333
	em := c.meta.Emergency

	if em == nil || !em.Active {
		if !belowRail {
			return
		}
		c.meta.Emergency = &EmergencyExitState{
			Active:          true,
			Reason:          "close_below_long_ema",
			TriggeredAt:     c.in.AsOf,
			TriggerPrice:    snap.Close,
			LowWatermark:    snap.Low,
			SuggestedAction: ActionMonitor,
		}
		c.levels["emergency_trigger"] = snap.Close
		c.emit(events.EmergencyExitOn, map[string]any{
			"reason": "close_below_long_ema",
			"close":  snap.Close,
			"rail":   snap.EMA333,
		})
		return
	}

	if !belowRail {
		em.Active = false
		em.SuggestedAction = ""
		c.emit(events.EmergencyExitOff, map[string]any{"close": snap.Close})
		return
	}

	em.BarsInWindow++
	switch {
	case em.BarsInWindow > c.cfg.BounceWindowBars:
		em.SuggestedAction = ActionWindowExpired
	case snap.Low < em.LowWatermark:
		em.LowWatermark = snap.Low
		em.SuggestedAction = ActionExitNewLow
	case snap.High >= snap.EMA333:
		// Wicked back into the rail from below: that is the bounce to sell.
		em.SuggestedAction = ActionExitOnBounce
	default:
		em.SuggestedAction = ActionMonitor
	}
	c.levels["emergency_trigger"] = em.TriggerPrice
}
