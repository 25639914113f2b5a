package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wonny/backtester/internal/contracts"
	"github.com/wonny/backtester/pkg/database"
)

// Postgres stores runs in backtester.backtest and window rows in backtester.backtest_windows
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a repository on pool
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// InitSchema creates the tables when missing
func (r *Postgres) InitSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Create inserts a run in status started
func (r *Postgres) Create(ctx context.Context, id string, spec *contracts.JobSpec, specHash string) error {
	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encode spec: %w", err)
	}

	query := `
		INSERT INTO backtester.backtest (id, status, state, owner, spec_hash, spec)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = r.pool.Exec(ctx, query,
		id, contracts.RunStatusStarted, contracts.StateInitialized,
		spec.Metadata.Owner, specHash, raw,
	)
	return err
}

// MarkRunning moves a started run to running
func (r *Postgres) MarkRunning(ctx context.Context, id string) error {
	query := `
		UPDATE backtester.backtest
		SET status = $2, time_updated = now()
		WHERE id = $1 AND status IN ('started', 'running')`

	tag, err := r.pool.Exec(ctx, query, id, contracts.RunStatusRunning)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", id, contracts.ErrNotFound)
	}
	return nil
}

// Save writes the outcome and its window rows in one transaction
func (r *Postgres) Save(ctx context.Context, id string, out *contracts.Outcome) error {
	var summary []byte
	if out.Summary != nil {
		raw, err := json.Marshal(out.Summary)
		if err != nil {
			return fmt.Errorf("encode summary: %w", err)
		}
		summary = raw
	}

	return database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		query := `
			UPDATE backtester.backtest
			SET status = $2, state = $3, analysis_result = $4, reason = NULLIF($5, ''), time_updated = now()
			WHERE id = $1`

		tag, err := tx.Exec(ctx, query, id, StatusOf(out), out.State, summary, out.Reason)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("run %s: %w", id, contracts.ErrNotFound)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM backtester.backtest_windows WHERE backtest_id = $1`, id); err != nil {
			return err
		}
		if out.Summary == nil || len(out.Summary.Results) == 0 {
			return nil
		}

		return saveWindows(ctx, tx, id, out.Summary.Results)
	})
}

func saveWindows(ctx context.Context, tx pgx.Tx, id string, results []contracts.WindowResult) error {
	batch := &pgx.Batch{}
	query := `
		INSERT INTO backtester.backtest_windows
			(backtest_id, window_index, test_date, train_rows, status,
			 predicted, actual, error, abs_error, direction_hit, reason, model_digest)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), NULLIF($12, ''))`

	for _, w := range results {
		batch.Queue(query,
			id, w.Window.Index, w.TestDate, w.TrainRows, w.Status,
			w.Predicted, w.Actual, w.Error, w.AbsError, w.DirectionHit, w.Reason, w.ModelDigest,
		)
	}

	br := tx.SendBatch(ctx, batch)
	defer br.Close()

	for range results {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert window: %w", err)
		}
	}
	return br.Close()
}

// Get returns one run with its summary
func (r *Postgres) Get(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id::text, status, COALESCE(state, ''), owner, spec_hash, spec, analysis_result,
		       COALESCE(reason, ''), time_created, time_updated
		FROM backtester.backtest
		WHERE id = $1`

	var run Run
	var spec, summary []byte
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&run.ID, &run.Status, &run.State, &run.Owner, &run.SpecHash, &spec, &summary,
		&run.Reason, &run.CreatedAt, &run.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	run.Spec = &contracts.JobSpec{}
	if err := json.Unmarshal(spec, run.Spec); err != nil {
		return nil, fmt.Errorf("decode spec: %w", err)
	}
	if len(summary) > 0 {
		run.Summary = &contracts.BacktestSummary{}
		if err := json.Unmarshal(summary, run.Summary); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
	}
	return &run, nil
}

// ListRecent returns the newest runs first
func (r *Postgres) ListRecent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id::text, status, COALESCE(state, ''), owner, spec_hash, COALESCE(reason, ''),
		       time_created, time_updated
		FROM backtester.backtest
		ORDER BY time_created DESC
		LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Run, error) {
		var run Run
		err := row.Scan(&run.ID, &run.Status, &run.State, &run.Owner, &run.SpecHash, &run.Reason,
			&run.CreatedAt, &run.UpdatedAt)
		return run, err
	})
}

// MarkStale fails started/running runs whose last update is older than before
func (r *Postgres) MarkStale(ctx context.Context, before time.Time, reason string) ([]string, error) {
	query := `
		UPDATE backtester.backtest
		SET status = 'failed', state = $2, reason = $3, time_updated = now()
		WHERE status IN ('started', 'running') AND time_updated < $1
		RETURNING id::text`

	rows, err := r.pool.Query(ctx, query, before, contracts.StateFailed, reason)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
