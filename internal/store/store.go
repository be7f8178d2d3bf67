// Package store persists terminal job and unit transitions in SQLite so
// status and result queries survive a restart.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/CZERTAINLY/Warden/internal/aggregate"
	"github.com/CZERTAINLY/Warden/internal/model"

	_ "modernc.org/sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created INTEGER NOT NULL,
		payload TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS units (
		job_id TEXT NOT NULL,
		id TEXT NOT NULL,
		ord INTEGER NOT NULL DEFAULT -1,
		status TEXT NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (job_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS findings (
		job_id TEXT NOT NULL,
		id TEXT NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (job_id, id)
	)`,
}

// Store implements ledger.Persister.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" is accepted.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection serializes writers and keeps :memory: databases alive
	db.SetMaxOpenConns(1)
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) tx(ctx context.Context, jobID string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("job_id", jobID))
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// SaveUnit upserts a single unit.
func (s *Store) SaveUnit(ctx context.Context, u model.ScanUnit) error {
	return s.tx(ctx, u.JobID, func(tx *sql.Tx) error {
		return upsertUnit(ctx, tx, u, -1)
	})
}

func upsertUnit(ctx context.Context, tx *sql.Tx, u model.ScanUnit, ord int) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO units (job_id, id, ord, status, payload) VALUES (?,?,?,?,?)
		ON CONFLICT (job_id, id) DO UPDATE SET
			ord = CASE WHEN excluded.ord >= 0 THEN excluded.ord ELSE units.ord END,
			status = excluded.status,
			payload = excluded.payload`,
		u.JobID, u.ID, ord, string(u.Status), string(payload),
	)
	if err != nil {
		return fmt.Errorf("executing sql upsert failed: %w", err)
	}
	return nil
}

// SaveJob stores the whole snapshot, replacing what was known before.
func (s *Store) SaveJob(ctx context.Context, snap model.JobSnapshot) error {
	job := snap.Job
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.tx(ctx, job.ID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (id, status, reason, created, payload) VALUES (?,?,?,?,?)
			ON CONFLICT (id) DO UPDATE SET
				status = excluded.status,
				reason = excluded.reason,
				payload = excluded.payload`,
			job.ID, string(job.Status), job.Reason, job.Created.UnixNano(), string(payload),
		)
		if err != nil {
			return fmt.Errorf("executing sql upsert failed: %w", err)
		}
		for i, u := range snap.Units {
			if err := upsertUnit(ctx, tx, u, i); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM findings WHERE job_id=?`, job.ID); err != nil {
			return fmt.Errorf("executing sql delete failed: %w", err)
		}
		for _, f := range snap.Findings {
			b, err := json.Marshal(f)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO findings (job_id, id, payload) VALUES (?,?,?)`,
				job.ID, f.ID, string(b),
			); err != nil {
				return fmt.Errorf("executing sql insert failed: %w", err)
			}
		}
		return nil
	})
}

// LoadJob returns the stored snapshot of a job or model.ErrNotFound.
func (s *Store) LoadJob(ctx context.Context, jobID string) (model.JobSnapshot, error) {
	var snap model.JobSnapshot
	err := s.tx(ctx, jobID, func(tx *sql.Tx) error {
		var payload string
		err := tx.QueryRowContext(ctx, `SELECT payload FROM jobs WHERE id=?`, jobID).Scan(&payload)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("job %s: %w", jobID, model.ErrNotFound)
		case err != nil:
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &snap.Job); err != nil {
			return err
		}

		snap.Units, err = query[model.ScanUnit](ctx, tx,
			`SELECT payload FROM units WHERE job_id=? ORDER BY ord, id`, jobID)
		if err != nil {
			return err
		}
		snap.Findings, err = query[model.Finding](ctx, tx,
			`SELECT payload FROM findings WHERE job_id=? ORDER BY id`, jobID)
		return err
	})
	if err != nil {
		return model.JobSnapshot{}, err
	}
	snap.Findings = aggregate.Normalize(snap.Findings)
	snap.TargetScores, snap.RiskScore = aggregate.Scores(snap.Findings)
	return snap, nil
}

// ListJobs returns stored jobs, oldest first.
func (s *Store) ListJobs(ctx context.Context) ([]model.ScanJob, error) {
	var ret []model.ScanJob
	err := s.tx(ctx, "", func(tx *sql.Tx) error {
		var err error
		ret, err = query[model.ScanJob](ctx, tx, `SELECT payload FROM jobs ORDER BY created, id`)
		return err
	})
	return ret, err
}

// Delete removes a job with its units and findings.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	return s.tx(ctx, jobID, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, jobID)
		if err != nil {
			return fmt.Errorf("executing sql delete failed: %w", err)
		}
		ra, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("fetching affected rows failed: %w", err)
		}
		if ra != 1 {
			return fmt.Errorf("job %s: %w", jobID, model.ErrNotFound)
		}
		for _, table := range []string{"units", "findings"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE job_id=?`, jobID); err != nil {
				return fmt.Errorf("executing sql delete failed: %w", err)
			}
		}
		return nil
	})
}

func query[T any](ctx context.Context, tx *sql.Tx, q string, args ...any) ([]T, error) {
	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var ret []T
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(payload), &v); err != nil {
			return nil, err
		}
		ret = append(ret, v)
	}
	return ret, rows.Err()
}
