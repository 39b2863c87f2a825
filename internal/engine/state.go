package engine

import (
	"time"

	"github.com/quantfall/trendphase/internal/domain"
	"github.com/quantfall/trendphase/internal/ladder"
)

// State is the discrete trend-phase classification for one position.
type State int

const (
	S0 State = iota // suppressed / compression
	S1              // breakout confirmed
	S2              // retest / support management
	S3              // operating uptrend
)

func (s State) String() string {
	switch s {
	case S0:
		return "S0"
	case S1:
		return "S1"
	case S2:
		return "S2"
	case S3:
		return "S3"
	default:
		return "unknown"
	}
}

// ParseState maps a stored state string back to its State. Unknown input maps
// to S0 so a corrupted payload degrades to the safest phase.
func ParseState(s string) State {
	switch s {
	case "S1":
		return S1
	case "S2":
		return S2
	case "S3":
		return S3
	default:
		return S0
	}
}

// MarshalText implements encoding.TextMarshaler so the state serializes as
// "S0".."S3" in both JSON payloads and database rows.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	*s = ParseState(string(b))
	return nil
}

// SchemaVersion tags the public payload layout.
const SchemaVersion = 2

// EmergencyAction is the suggested handling while the emergency-exit overlay
// is active.
type EmergencyAction string

const (
	ActionExitNewLow     EmergencyAction = "exit_immediately_new_low"
	ActionExitOnBounce   EmergencyAction = "exit_on_bounce_zone_touch"
	ActionMonitor        EmergencyAction = "monitor"
	ActionWindowExpired  EmergencyAction = "window_expired_exit"
)

// EmergencyExitState is the overlay's public tracking record. It lives in meta
// between cycles and is mirrored into the payload flags.
type EmergencyExitState struct {
	Active          bool            `json:"active"`
	Reason          string          `json:"reason,omitempty"`
	TriggeredAt     time.Time       `json:"triggered_at,omitempty"`
	TriggerPrice    float64         `json:"trigger_price,omitempty"`
	LowWatermark    float64         `json:"low_watermark,omitempty"`
	BarsInWindow    int             `json:"bars_in_window,omitempty"`
	SuggestedAction EmergencyAction `json:"suggested_action,omitempty"`
}

// Flags is the payload's boolean/overlay block.
type Flags struct {
	BreakoutConfirmed bool               `json:"breakout_confirmed"`
	LadderActive      bool               `json:"ladder_active"`
	Overextended      bool               `json:"overextended"`
	DiscountZone      bool               `json:"discount_zone"`
	Exhausted         bool               `json:"exhausted"`
	EmergencyExit     EmergencyExitState `json:"emergency_exit"`
}

// Payload is the public, versioned snapshot of the machine's output. It is
// replaced wholesale each cycle; the previous payload's State becomes the next
// cycle's previous-state input.
type Payload struct {
	Version       int                `json:"version"`
	State         State              `json:"state"`
	PreviousState State              `json:"previous_state"`
	Transitioned  bool               `json:"transitioned"`
	Flags         Flags              `json:"flags"`
	Scores        map[string]float64 `json:"scores"`
	Levels        map[string]float64 `json:"levels"`
	Diagnostics   map[string]float64 `json:"diagnostics"`
	SRContext     []domain.SRLevel   `json:"sr_context,omitempty"`
	Supports      []ladder.Tier      `json:"supports,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
}
