package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

// Ping checks database connectivity
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the database connection pool
func (r *PostgresRepository) Close() {
	r.pool.Close()
}

const runColumns = `id, rule, scan_id, trigger, status, state, indicator_count, event_count,
	match_count, alert_count, warnings, errors, started_at, finished_at`

// CreateRun inserts a run record
func (r *PostgresRepository) CreateRun(ctx context.Context, run *Run) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	warnings, errs, err := marshalMessages(run)
	if err != nil {
		return err
	}

	query := `INSERT INTO scan_runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err = r.pool.Exec(ctx, query,
		run.ID,
		run.Rule,
		run.ScanID,
		run.Trigger,
		string(run.Status),
		run.State,
		run.IndicatorCount,
		run.EventCount,
		run.MatchCount,
		run.AlertCount,
		warnings,
		errs,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrRunExists
		}
		return fmt.Errorf("failed to create scan run: %w", err)
	}
	return nil
}

// FinishRun records the outcome of a run
func (r *PostgresRepository) FinishRun(ctx context.Context, run *Run) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	warnings, errs, err := marshalMessages(run)
	if err != nil {
		return err
	}

	query := `
		UPDATE scan_runs
		SET scan_id = $2, status = $3, state = $4, indicator_count = $5, event_count = $6,
			match_count = $7, alert_count = $8, warnings = $9, errors = $10, finished_at = $11
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query,
		run.ID,
		run.ScanID,
		string(run.Status),
		run.State,
		run.IndicatorCount,
		run.EventCount,
		run.MatchCount,
		run.AlertCount,
		warnings,
		errs,
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to finish scan run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

// GetRun retrieves a run by id
func (r *PostgresRepository) GetRun(ctx context.Context, id string) (*Run, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrRunNotFound
	}

	query := `SELECT ` + runColumns + ` FROM scan_runs WHERE id = $1`

	run, err := scanRun(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get scan run: %w", err)
	}
	return run, nil
}

// ListRuns returns the newest runs, optionally for one rule
func (r *PostgresRepository) ListRuns(ctx context.Context, rule string, limit int) ([]*Run, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT ` + runColumns + ` FROM scan_runs
		WHERE ($1 = '' OR rule = $1)
		ORDER BY started_at DESC, id DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, rule, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list scan runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scan runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (*Run, error) {
	var run Run
	var status string
	var warnings, errs []byte

	err := row.Scan(
		&run.ID,
		&run.Rule,
		&run.ScanID,
		&run.Trigger,
		&status,
		&run.State,
		&run.IndicatorCount,
		&run.EventCount,
		&run.MatchCount,
		&run.AlertCount,
		&warnings,
		&errs,
		&run.StartedAt,
		&run.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)

	if err := json.Unmarshal(warnings, &run.Warnings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal warnings: %w", err)
	}
	if err := json.Unmarshal(errs, &run.Errors); err != nil {
		return nil, fmt.Errorf("failed to unmarshal errors: %w", err)
	}
	return &run, nil
}

func marshalMessages(run *Run) ([]byte, []byte, error) {
	warnings := run.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	errs := run.Errors
	if errs == nil {
		errs = []string{}
	}
	w, err := json.Marshal(warnings)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal warnings: %w", err)
	}
	e, err := json.Marshal(errs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal errors: %w", err)
	}
	return w, e, nil
}
