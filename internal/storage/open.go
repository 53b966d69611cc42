package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"recur/internal/job"
	logx "recur/pkg/logx"
)

// Store is the persistence API used by the app and the admin API.
type Store interface {
	UpsertJob(ctx context.Context, spec job.Spec) error
	GetJob(ctx context.Context, id string) (job.Spec, bool, error)
	ListJobs(ctx context.Context) ([]job.Spec, error)
	DeleteJob(ctx context.Context, id string) (bool, error)

	AppendRun(ctx context.Context, r Run) error
	ListRuns(ctx context.Context, jobID string, limit int) ([]Run, error)
	PruneRuns(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
