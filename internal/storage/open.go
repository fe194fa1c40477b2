package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"slated/internal/schema"
	logx "slated/pkg/logx"
)

// Store is the persistence API used by the pipeline, resolver, and reminder
// services.
type Store interface {
	// Deliverables. PutDeliverable is an atomic per-record upsert.
	PutDeliverable(ctx context.Context, d schema.Deliverable) error
	GetDeliverable(ctx context.Context, id string) (schema.Deliverable, bool, error)
	ListDeliverablesByStatus(ctx context.Context, status schema.Status, limit int) ([]schema.Deliverable, error)

	// Reminder jobs. CreateJob reports false when a job with the same id
	// already exists (idempotent scheduling). ClaimDueJobs atomically moves
	// due scheduled jobs to dispatching and returns the claimed rows; a job
	// claimed by one dispatcher is invisible to concurrent claimers.
	// RequeueStaleJobs moves dispatching jobs whose last write predates
	// olderThan back to scheduled, recovering claims orphaned by a crash
	// or a write that missed its deadline.
	CreateJob(ctx context.Context, j ReminderJob) (created bool, err error)
	GetJob(ctx context.Context, id string) (ReminderJob, bool, error)
	UpdateJob(ctx context.Context, j ReminderJob) error
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]ReminderJob, error)
	RequeueStaleJobs(ctx context.Context, olderThan time.Time) (int64, error)
	PruneTerminalJobs(ctx context.Context, olderThan time.Time) (int64, error)
	CountJobsByState(ctx context.Context) (map[JobState]int, error)

	// Credentials. PutCredential is an unconditional upsert (provisioning);
	// SwapCredential commits only if the stored version still equals
	// prevVersion, otherwise ErrVersionConflict.
	GetCredential(ctx context.Context, userID string) (Credential, bool, error)
	PutCredential(ctx context.Context, c Credential) error
	SwapCredential(ctx context.Context, c Credential, prevVersion int64) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
