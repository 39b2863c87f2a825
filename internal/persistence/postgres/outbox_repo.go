package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/quantfall/trendphase/internal/events"
	"github.com/quantfall/trendphase/internal/persistence"
)

// eventOutbox implements EventOutbox for PostgreSQL.
type eventOutbox struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewEventOutbox creates a PostgreSQL event outbox.
func NewEventOutbox(db *sqlx.DB, timeout time.Duration) persistence.EventOutbox {
	return &eventOutbox{db: db, timeout: timeout}
}

func (r *eventOutbox) Insert(ctx context.Context, ev events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	query := `
		INSERT INTO engine_events (id, type, contract, chain_id, ts, payload)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := r.db.ExecContext(ctx, query,
		ev.ID, string(ev.Type), ev.Contract, ev.ChainID, ev.Timestamp, payloadJSON); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil // duplicate delivery, event ids are unique
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}
