package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantfall/trendphase/internal/domain"
	"github.com/quantfall/trendphase/internal/engine"
	"github.com/quantfall/trendphase/internal/persistence"
)

// positionRepo implements PositionRepo for PostgreSQL. Payload and meta live
// as JSONB columns on one row per position so the write-back stays atomic
// without an explicit transaction.
type positionRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPositionRepo creates a PostgreSQL position repository.
func NewPositionRepo(db *sqlx.DB, timeout time.Duration) persistence.PositionRepo {
	return &positionRepo{db: db, timeout: timeout}
}

func (r *positionRepo) ListActive(ctx context.Context) ([]domain.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT contract, chain_id, active
		FROM positions
		WHERE active = true
		ORDER BY contract, chain_id`

	var out []domain.Position
	if err := r.db.SelectContext(ctx, &out, query); err != nil {
		return nil, fmt.Errorf("failed to list active positions: %w", err)
	}
	return out, nil
}

func (r *positionRepo) Load(ctx context.Context, pos domain.Position) (*engine.Payload, *engine.Meta, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT payload, meta
		FROM position_states
		WHERE contract = $1 AND chain_id = $2`

	var payloadJSON, metaJSON []byte
	err := r.db.QueryRowxContext(ctx, query, pos.Contract, pos.ChainID).Scan(&payloadJSON, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil // first cycle: engine bootstraps
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load position state: %w", err)
	}

	var payload engine.Payload
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	var meta engine.Meta
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal meta: %w", err)
	}
	return &payload, &meta, nil
}

func (r *positionRepo) Save(ctx context.Context, pos domain.Position, payload *engine.Payload, meta *engine.Meta) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal meta: %w", err)
	}

	query := `
		INSERT INTO position_states (contract, chain_id, payload, meta, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (contract, chain_id) DO UPDATE SET
			payload = EXCLUDED.payload,
			meta = EXCLUDED.meta,
			updated_at = EXCLUDED.updated_at`

	if _, err := r.db.ExecContext(ctx, query, pos.Contract, pos.ChainID, payloadJSON, metaJSON); err != nil {
		return fmt.Errorf("failed to save position state: %w", err)
	}
	return nil
}
