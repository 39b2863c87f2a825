package engine

// HysteresisCounter is the persisted per-flag chatter guard. A flag flips ON
// only after ConsecutiveN samples at or above the on threshold, and OFF only
// after ConsecutiveN samples below the off threshold. Samples inside the dead
// band freeze both counters.
type HysteresisCounter struct {
	On    int  `json:"on"`
	Off   int  `json:"off"`
	State bool `json:"state"`
}

// HysteresisConfig holds the thresholds shared by every flag.
type HysteresisConfig struct {
	OnThreshold  float64 `yaml:"on_threshold"`  // default 0.70
	OffThreshold float64 `yaml:"off_threshold"` // default 0.60
	ConsecutiveN int     `yaml:"consecutive_n"` // default 3
}

// Step feeds one sample into the counter and returns the flag state after the
// sample. The counter is updated in place.
func (c *HysteresisCounter) Step(cfg HysteresisConfig, value float64) bool {
	switch {
	case value >= cfg.OnThreshold:
		c.On++
		c.Off = 0
	case value < cfg.OffThreshold:
		c.Off++
		c.On = 0
	default:
		// dead band: freeze both counters
	}

	if c.On >= cfg.ConsecutiveN {
		c.State = true
	}
	if c.Off >= cfg.ConsecutiveN {
		c.State = false
	}
	return c.State
}
