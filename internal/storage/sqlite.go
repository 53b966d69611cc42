package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"recur/internal/job"
	logx "recur/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertJob(ctx context.Context, spec job.Spec) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(spec.ID) == "" {
		return errors.New("job id required")
	}
	b, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, spec, updated_at) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET spec=excluded.spec, updated_at=excluded.updated_at`,
		spec.ID, string(b), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (job.Spec, bool, error) {
	if s == nil || s.db == nil {
		return job.Spec{}, false, ErrDisabled
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT spec FROM jobs WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Spec{}, false, nil
	}
	if err != nil {
		return job.Spec{}, false, err
	}
	var spec job.Spec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return job.Spec{}, false, fmt.Errorf("corrupt job spec %s: %w", id, err)
	}
	return spec, true, nil
}

func (s *sqliteStore) ListJobs(ctx context.Context) ([]job.Spec, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, spec FROM jobs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var specs []job.Spec
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var spec job.Spec
		if err := json.Unmarshal([]byte(raw), &spec); err != nil {
			// A single corrupt row should not hide every other job.
			s.log.Warn("skipping corrupt job spec", logx.String("job", id), logx.Err(err))
			continue
		}
		specs = append(specs, spec)
	}
	return specs, rows.Err()
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) AppendRun(ctx context.Context, r Run) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	var started any
	if !r.Started.IsZero() {
		started = r.Started.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(job_id, plan_id, at, started, duration_ms, outcome, err)
		 VALUES(?,?,?,?,?,?,?)`,
		r.JobID, r.PlanID, r.At.UTC().Format(time.RFC3339Nano), started,
		r.Duration.Milliseconds(), r.Outcome, nullStr(r.Error),
	)
	return err
}

func (s *sqliteStore) ListRuns(ctx context.Context, jobID string, limit int) ([]Run, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT id, job_id, plan_id, at, started, duration_ms, outcome, COALESCE(err, '')
	      FROM runs`
	args := []any{}
	if jobID != "" {
		q += ` WHERE job_id = ?`
		args = append(args, jobID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r          Run
			at         string
			started    sql.NullString
			durationMS int64
		)
		if err := rows.Scan(&r.ID, &r.JobID, &r.PlanID, &at, &started, &durationMS, &r.Outcome, &r.Error); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			r.At = t
		}
		if started.Valid {
			if t, err := time.Parse(time.RFC3339Nano, started.String); err == nil {
				r.Started = t
			}
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *sqliteStore) PruneRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE at < ?`,
		olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
