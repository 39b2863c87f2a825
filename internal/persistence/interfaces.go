package persistence

import (
	"context"
	"time"

	"github.com/quantfall/trendphase/internal/domain"
	"github.com/quantfall/trendphase/internal/engine"
	"github.com/quantfall/trendphase/internal/events"
)

// TimeRange represents a time window for history queries.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// PositionState is one position's stored engine output: the public payload
// plus the internal meta, written back atomically each cycle.
type PositionState struct {
	Contract  string          `json:"contract" db:"contract"`
	ChainID   int64           `json:"chain_id" db:"chain_id"`
	Payload   *engine.Payload `json:"payload" db:"payload"`
	Meta      *engine.Meta    `json:"meta" db:"meta"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// PositionRepo is the system of record for payload+meta. Save failures must
// propagate: this is the one write the engine is not allowed to lose.
type PositionRepo interface {
	// ListActive returns every position the batch should evaluate.
	ListActive(ctx context.Context) ([]domain.Position, error)

	// Load returns the stored payload and meta for a position. A position
	// with no history returns (nil, nil, nil): the engine bootstraps.
	Load(ctx context.Context, pos domain.Position) (*engine.Payload, *engine.Meta, error)

	// Save atomically replaces payload and meta for a position.
	Save(ctx context.Context, pos domain.Position, payload *engine.Payload, meta *engine.Meta) error
}

// ScoreRow is one score-log append. Cheap base rows carry only the scores;
// transition and emergency-flip cycles also carry the full diagnostics.
type ScoreRow struct {
	Contract    string             `json:"contract" db:"contract"`
	ChainID     int64              `json:"chain_id" db:"chain_id"`
	Timestamp   time.Time          `json:"ts" db:"ts"`
	State       string             `json:"state" db:"state"`
	Scores      map[string]float64 `json:"scores" db:"scores"`
	Full        bool               `json:"full" db:"full"`
	Diagnostics map[string]float64 `json:"diagnostics,omitempty" db:"diagnostics"`
}

// ScoreLogRepo appends per-cycle score rows. Best-effort: callers log and
// swallow append failures.
type ScoreLogRepo interface {
	Append(ctx context.Context, row ScoreRow) error

	// ListByPosition retrieves score history for one position (PIT-ordered).
	ListByPosition(ctx context.Context, contract string, chainID int64, tr TimeRange, limit int) ([]ScoreRow, error)
}

// EventOutbox stores emitted events for downstream consumers. Best-effort.
type EventOutbox interface {
	Insert(ctx context.Context, ev events.Event) error
}
