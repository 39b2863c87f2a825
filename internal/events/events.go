// Package events carries the engine's fire-and-forget transition events.
// Delivery is best-effort: a sink that fails must never fail the cycle.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantfall/trendphase/internal/domain"
)

// Type enumerates the emitted event kinds.
type Type string

const (
	S1Breakout       Type = "s1_breakout"
	S2SupportTouch   Type = "s2_support_touch"
	S3Active         Type = "s3_active"
	S3SRReclaim      Type = "s3_sr_reclaim"
	S2Fakeout        Type = "s2_fakeout"
	S3Exit           Type = "s3_exit"
	EmergencyExitOn  Type = "emergency_exit_on"
	EmergencyExitOff Type = "emergency_exit_off"
)

// Event is one transition notification.
type Event struct {
	ID        string         `json:"id" db:"id"`
	Type      Type           `json:"type" db:"type"`
	Contract  string         `json:"contract" db:"contract"`
	ChainID   int64          `json:"chain_id" db:"chain_id"`
	Timestamp time.Time      `json:"timestamp" db:"ts"`
	Payload   map[string]any `json:"payload" db:"payload"`
}

// New builds an event for a position at the cycle's as-of time.
func New(t Type, pos domain.Position, asOf time.Time, payload map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Contract:  pos.Contract,
		ChainID:   pos.ChainID,
		Timestamp: asOf,
		Payload:   payload,
	}
}

// Sink receives events. Implementations swallow their own failures.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// LogSink writes events as structured log rows.
type LogSink struct{}

func (LogSink) Emit(_ context.Context, ev Event) {
	log.Info().
		Str("event", string(ev.Type)).
		Str("contract", ev.Contract).
		Int64("chain_id", ev.ChainID).
		Time("ts", ev.Timestamp).
		Fields(map[string]any{"payload": ev.Payload}).
		Msg("engine event")
}

// MultiSink fans an event out to several sinks.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Emit(ctx, ev)
	}
}
