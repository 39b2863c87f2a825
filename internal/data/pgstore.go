package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantfall/trendphase/internal/domain"
)

// PGStore reads the upstream pipelines' output tables. All queries filter on
// ts <= as-of, which is what makes backtest cutoffs behave exactly like live
// "now" reads.
type PGStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPGStore creates a PostgreSQL-backed upstream store.
func NewPGStore(db *sqlx.DB, timeout time.Duration) *PGStore {
	return &PGStore{db: db, timeout: timeout}
}

func (s *PGStore) Indicators(ctx context.Context, pos domain.Position, timeframe string, asOf time.Time) (*domain.IndicatorSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT snapshot
		FROM indicator_snapshots
		WHERE contract = $1 AND chain_id = $2 AND timeframe = $3 AND ts <= $4
		ORDER BY ts DESC
		LIMIT 1`

	var raw []byte
	err := s.db.QueryRowxContext(ctx, query, pos.Contract, pos.ChainID, timeframe, asOf).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query indicator snapshot: %w", err)
	}

	var snap domain.IndicatorSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal indicator snapshot: %w", err)
	}
	return &snap, nil
}

func (s *PGStore) Levels(ctx context.Context, pos domain.Position, asOf time.Time) ([]domain.SRLevel, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT levels
		FROM sr_level_sets
		WHERE contract = $1 AND chain_id = $2 AND ts <= $3
		ORDER BY ts DESC
		LIMIT 1`

	var raw []byte
	err := s.db.QueryRowxContext(ctx, query, pos.Contract, pos.ChainID, asOf).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query sr levels: %w", err)
	}

	var levels []domain.SRLevel
	if err := json.Unmarshal(raw, &levels); err != nil {
		return nil, fmt.Errorf("unmarshal sr levels: %w", err)
	}
	return levels, nil
}

func (s *PGStore) Bars(ctx context.Context, pos domain.Position, timeframe string, asOf time.Time, limit int) ([]domain.Bar, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT ts, open, high, low, close, volume
		FROM bars
		WHERE contract = $1 AND chain_id = $2 AND timeframe = $3 AND ts <= $4
		ORDER BY ts DESC
		LIMIT $5`

	rows, err := s.db.QueryxContext(ctx, query, pos.Contract, pos.ChainID, timeframe, asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	defer rows.Close()

	var desc []domain.Bar
	for rows.Next() {
		var b domain.Bar
		if err := rows.Scan(&b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		desc = append(desc, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Flip to chronological order.
	out := make([]domain.Bar, len(desc))
	for i, b := range desc {
		out[len(desc)-1-i] = b
	}
	return out, nil
}
