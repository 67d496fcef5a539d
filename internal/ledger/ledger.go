package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Sternrassler/aemet-forecast-etl/pkg/forecast"
)

// ErrNoRuns is returned when the ledger holds no run.
var ErrNoRuns = errors.New("ledger: no runs recorded")

// RunRecord is the outcome of one batch.
type RunRecord struct {
	ID           string
	ForecastDate string
	StartedAt    time.Time
	FinishedAt   time.Time
	Total        int
	Succeeded    int
	Failed       []forecast.Entity

	// Pending are the entities a cancelled run never finished: the one in
	// progress and every one not yet attempted.
	Pending []forecast.Entity

	// RedriveOf is the ID of the run whose failures this run re-drove.
	RedriveOf string

	// Error is the pipeline error, if the run ended with one.
	Error string
}

// Redrivable returns the entities a later run should fetch again: the failed
// ones followed by the pending ones.
func (r *RunRecord) Redrivable() []forecast.Entity {
	out := make([]forecast.Entity, 0, len(r.Failed)+len(r.Pending))
	out = append(out, r.Failed...)
	return append(out, r.Pending...)
}

// Failure statuses stored in run_failures.
const (
	statusFailed  = "failed"
	statusPending = "pending"
)

// Ledger stores RunRecords.
type Ledger struct {
	db *DB
}

// Open opens or creates the ledger at path and migrates it.
func Open(path string) (*Ledger, error) {
	db, err := NewDB(path)
	if err != nil {
		return nil, err
	}
	if err := RunMigrations(db.Writer); err != nil {
		db.Close()
		return nil, err
	}
	return New(db), nil
}

// New wraps an already migrated DB.
func New(db *DB) *Ledger {
	return &Ledger{db: db}
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// RecordRun stores run with its failed and pending entities in one transaction. A run without an
// ID gets a fresh UUID, which is returned.
func (l *Ledger) RecordRun(ctx context.Context, run RunRecord) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	tx, err := l.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after commit is a no-op.

	const insertRun = `
		INSERT INTO runs (id, forecast_date, started_at, finished_at, total, succeeded, failed, redrive_of, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var redriveOf any
	if run.RedriveOf != "" {
		redriveOf = run.RedriveOf
	}

	if _, err := tx.ExecContext(ctx, insertRun,
		run.ID, run.ForecastDate,
		formatTime(run.StartedAt), formatTime(run.FinishedAt),
		run.Total, run.Succeeded, len(run.Failed),
		redriveOf, run.Error,
	); err != nil {
		return "", fmt.Errorf("insert run %s: %w", run.ID, err)
	}

	const insertFailure = `
		INSERT INTO run_failures (run_id, position, codigo_municipio, nombre, status)
		VALUES (?, ?, ?, ?, ?)
	`

	for i, e := range run.Redrivable() {
		status := statusFailed
		if i >= len(run.Failed) {
			status = statusPending
		}
		if _, err := tx.ExecContext(ctx, insertFailure, run.ID, i, e.ID, e.Name, status); err != nil {
			return "", fmt.Errorf("insert %s entity %s for run %s: %w", status, e.ID, run.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit run %s: %w", run.ID, err)
	}

	return run.ID, nil
}

const selectRun = `
	SELECT id, forecast_date, started_at, finished_at, total, succeeded, redrive_of, error
	FROM runs
`

// Get returns one run with its failed and pending entities.
func (l *Ledger) Get(ctx context.Context, id string) (*RunRecord, error) {
	row := l.db.Reader.QueryRowContext(ctx, selectRun+` WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNoRuns)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}

	if err := l.loadFailures(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// Latest returns the most recently started run with its failed and pending
// entities.
func (l *Ledger) Latest(ctx context.Context) (*RunRecord, error) {
	row := l.db.Reader.QueryRowContext(ctx, selectRun+` ORDER BY started_at DESC, rowid DESC LIMIT 1`)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRuns
	}
	if err != nil {
		return nil, fmt.Errorf("get latest run: %w", err)
	}

	if err := l.loadFailures(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// LatestFailures returns the entities of the latest run that need another
// fetch, failed first in the order the batch reported them, then pending,
// along with that run's ID.
func (l *Ledger) LatestFailures(ctx context.Context) (string, []forecast.Entity, error) {
	run, err := l.Latest(ctx)
	if err != nil {
		return "", nil, err
	}
	return run.ID, run.Redrivable(), nil
}

// List returns up to limit runs, newest first, without their failures.
func (l *Ledger) List(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := l.db.Reader.QueryContext(ctx, selectRun+` ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, nil
}

func (l *Ledger) loadFailures(ctx context.Context, run *RunRecord) error {
	const query = `
		SELECT codigo_municipio, nombre, status
		FROM run_failures
		WHERE run_id = ?
		ORDER BY position
	`

	rows, err := l.db.Reader.QueryContext(ctx, query, run.ID)
	if err != nil {
		return fmt.Errorf("query failures for run %s: %w", run.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e      forecast.Entity
			status string
		)
		if err := rows.Scan(&e.ID, &e.Name, &status); err != nil {
			return fmt.Errorf("scan failure: %w", err)
		}
		if status == statusPending {
			run.Pending = append(run.Pending, e)
		} else {
			run.Failed = append(run.Failed, e)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate failures: %w", err)
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*RunRecord, error) {
	var (
		run               RunRecord
		started, finished string
		redriveOf         sql.NullString
	)

	if err := s.Scan(
		&run.ID, &run.ForecastDate, &started, &finished,
		&run.Total, &run.Succeeded, &redriveOf, &run.Error,
	); err != nil {
		return nil, err
	}

	var err error
	if run.StartedAt, err = parseTime(started); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if run.FinishedAt, err = parseTime(finished); err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}
	run.RedriveOf = redriveOf.String

	return &run, nil
}

// Times are stored as fixed-width UTC strings so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
