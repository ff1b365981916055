// Package jobstore keeps an audit trail of render jobs in Postgres. It is
// write-behind history only; queued jobs are never recovered from it.
package jobstore

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"renderq/internal/job"
	"renderq/internal/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS render_jobs (
	id           TEXT PRIMARY KEY,
	caller_id    TEXT NOT NULL,
	state        TEXT NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL,
	started_at   TIMESTAMPTZ,
	finished_at  TIMESTAMPTZ,
	message      TEXT,
	object_key   TEXT,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS render_jobs_caller_idx ON render_jobs (caller_id, submitted_at DESC);
`

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Migrate creates the table if needed.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return errors.Wrap(err, "jobstore.migrate", "failed to create render_jobs")
	}
	return nil
}

// Save upserts a snapshot. Writes can arrive out of order, so an update
// never moves a row backwards: terminal rows are frozen and a running row
// does not return to queued.
func (s *Store) Save(ctx context.Context, snap job.Snapshot) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO render_jobs (id, caller_id, state, submitted_at, started_at, finished_at, message, object_key)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			state       = EXCLUDED.state,
			started_at  = COALESCE(EXCLUDED.started_at, render_jobs.started_at),
			finished_at = COALESCE(EXCLUDED.finished_at, render_jobs.finished_at),
			message     = EXCLUDED.message,
			object_key  = EXCLUDED.object_key,
			updated_at  = now()
		WHERE render_jobs.state NOT IN ('succeeded', 'failed', 'timed_out')
		  AND NOT (render_jobs.state = 'running' AND EXCLUDED.state = 'queued')
	`,
		snap.ID,
		snap.CallerID,
		string(snap.State),
		snap.SubmittedAt,
		snap.StartedAt,
		snap.FinishedAt,
		nullIfEmpty(snap.Message),
		nullIfEmpty(snap.ObjectKey),
	)
	if err != nil {
		return errors.Wrap(err, "jobstore.save", "failed to save job").WithField("job_id", snap.ID)
	}
	return nil
}

// ListByCaller returns the caller's most recent jobs, newest first.
func (s *Store) ListByCaller(ctx context.Context, callerID string, limit int) ([]job.Snapshot, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, caller_id, state, submitted_at, started_at, finished_at,
		       COALESCE(message, ''), COALESCE(object_key, '')
		FROM render_jobs
		WHERE caller_id = $1
		ORDER BY submitted_at DESC
		LIMIT $2
	`, callerID, limit)
	if err != nil {
		if isUndefinedTable(err) {
			return []job.Snapshot{}, nil
		}
		return nil, errors.Wrap(err, "jobstore.list", "failed to list jobs")
	}
	defer rows.Close()

	out := []job.Snapshot{}
	for rows.Next() {
		var (
			snap  job.Snapshot
			state string
		)
		if err := rows.Scan(
			&snap.ID,
			&snap.CallerID,
			&state,
			&snap.SubmittedAt,
			&snap.StartedAt,
			&snap.FinishedAt,
			&snap.Message,
			&snap.ObjectKey,
		); err != nil {
			return nil, errors.Wrap(err, "jobstore.list", "failed to scan job")
		}
		snap.State = job.State(state)
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "jobstore.list", "failed to read jobs")
	}
	return out, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "jobstore.ping", "database not reachable")
	}
	return nil
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		// 42P01 = undefined_table
		return pgErr.Code == "42P01"
	}
	return false
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
