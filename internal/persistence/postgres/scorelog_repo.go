package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantfall/trendphase/internal/persistence"
)

// scoreLogRepo implements ScoreLogRepo for PostgreSQL.
type scoreLogRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewScoreLogRepo creates a PostgreSQL score-log repository.
func NewScoreLogRepo(db *sqlx.DB, timeout time.Duration) persistence.ScoreLogRepo {
	return &scoreLogRepo{db: db, timeout: timeout}
}

func (r *scoreLogRepo) Append(ctx context.Context, row persistence.ScoreRow) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	scoresJSON, err := json.Marshal(row.Scores)
	if err != nil {
		return fmt.Errorf("failed to marshal scores: %w", err)
	}

	var diagJSON []byte
	if row.Full {
		diagJSON, err = json.Marshal(row.Diagnostics)
		if err != nil {
			return fmt.Errorf("failed to marshal diagnostics: %w", err)
		}
	}

	query := `
		INSERT INTO score_log (contract, chain_id, ts, state, scores, full_row, diagnostics)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if _, err := r.db.ExecContext(ctx, query,
		row.Contract, row.ChainID, row.Timestamp, row.State, scoresJSON, row.Full, diagJSON); err != nil {
		return fmt.Errorf("failed to append score row: %w", err)
	}
	return nil
}

func (r *scoreLogRepo) ListByPosition(ctx context.Context, contract string, chainID int64, tr persistence.TimeRange, limit int) ([]persistence.ScoreRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT contract, chain_id, ts, state, scores, full_row, diagnostics
		FROM score_log
		WHERE contract = $1 AND chain_id = $2 AND ts >= $3 AND ts <= $4
		ORDER BY ts ASC
		LIMIT $5`

	rows, err := r.db.QueryxContext(ctx, query, contract, chainID, tr.From, tr.To, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query score log: %w", err)
	}
	defer rows.Close()

	var out []persistence.ScoreRow
	for rows.Next() {
		var (
			row        persistence.ScoreRow
			scoresJSON []byte
			diagJSON   []byte
		)
		if err := rows.Scan(&row.Contract, &row.ChainID, &row.Timestamp, &row.State,
			&scoresJSON, &row.Full, &diagJSON); err != nil {
			return nil, fmt.Errorf("failed to scan score row: %w", err)
		}
		if err := json.Unmarshal(scoresJSON, &row.Scores); err != nil {
			return nil, fmt.Errorf("failed to unmarshal scores: %w", err)
		}
		if len(diagJSON) > 0 {
			if err := json.Unmarshal(diagJSON, &row.Diagnostics); err != nil {
				return nil, fmt.Errorf("failed to unmarshal diagnostics: %w", err)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
