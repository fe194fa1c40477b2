package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"slated/internal/schema"
	logx "slated/pkg/logx"
)

// Postgres tables are created on open; CREATE TABLE IF NOT EXISTS keeps this
// idempotent across restarts and concurrent instances.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS deliverables (
    id            TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL,
    title         TEXT NOT NULL,
    kind          TEXT NOT NULL,
    due_at        BIGINT NOT NULL,
    duration_ms   BIGINT NOT NULL DEFAULT 0,
    source_doc    TEXT,
    source_start  BIGINT NOT NULL DEFAULT 0,
    source_end    BIGINT NOT NULL DEFAULT 0,
    priority      TEXT NOT NULL,
    status        TEXT NOT NULL,
    external_ref  TEXT,
    last_error    TEXT,
    updated_at    BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deliverables_status ON deliverables(status);
CREATE TABLE IF NOT EXISTS reminder_jobs (
    id             TEXT PRIMARY KEY,
    deliverable_id TEXT NOT NULL,
    label          TEXT NOT NULL,
    fires_at       BIGINT NOT NULL,
    channel        TEXT NOT NULL,
    destination    TEXT,
    attempt_count  BIGINT NOT NULL DEFAULT 0,
    state          TEXT NOT NULL,
    reason         TEXT,
    updated_at     BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_due ON reminder_jobs(state, fires_at);
CREATE TABLE IF NOT EXISTS credentials (
    user_id            TEXT PRIMARY KEY,
    access_token       TEXT NOT NULL,
    access_expires_at  BIGINT NOT NULL,
    refresh_token      TEXT NOT NULL,
    version            BIGINT NOT NULL
);
`

type postgresStore struct {
	db  *sql.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	st := &postgresStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), postgresSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *postgresStore) PutDeliverable(ctx context.Context, d schema.Deliverable) error {
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliverables(id, user_id, title, kind, due_at, duration_ms, source_doc, source_start, source_end, priority, status, external_ref, last_error, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		 ON CONFLICT(id) DO UPDATE SET
		   user_id=excluded.user_id, title=excluded.title, kind=excluded.kind,
		   due_at=excluded.due_at, duration_ms=excluded.duration_ms,
		   source_doc=excluded.source_doc, source_start=excluded.source_start,
		   source_end=excluded.source_end, priority=excluded.priority,
		   status=excluded.status, external_ref=excluded.external_ref,
		   last_error=excluded.last_error, updated_at=excluded.updated_at`,
		d.ID, d.UserID, d.Title, string(d.Kind), d.DueAt.UnixMilli(),
		d.DurationHint.Milliseconds(), nullStr(d.SourceDoc), d.SourceStart, d.SourceEnd,
		string(d.Priority), string(d.Status), nullStr(d.ExternalRef), nullStr(d.LastError),
		d.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *postgresStore) GetDeliverable(ctx context.Context, id string) (schema.Deliverable, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deliverableCols+` FROM deliverables WHERE id = $1`, id)
	d, err := scanDeliverable(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Deliverable{}, false, nil
	}
	if err != nil {
		return schema.Deliverable{}, false, err
	}
	return d, true, nil
}

func (s *postgresStore) ListDeliverablesByStatus(ctx context.Context, status schema.Status, limit int) ([]schema.Deliverable, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliverableCols+` FROM deliverables WHERE status = $1 ORDER BY due_at LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schema.Deliverable
	for rows.Next() {
		d, err := scanDeliverable(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *postgresStore) CreateJob(ctx context.Context, j ReminderJob) (bool, error) {
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reminder_jobs(id, deliverable_id, label, fires_at, channel, destination, attempt_count, state, reason, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT(id) DO NOTHING`,
		j.ID, j.DeliverableID, j.Label, j.FiresAt.UnixMilli(), j.Channel,
		nullStr(j.Destination), j.AttemptCount, string(j.State), nullStr(j.Reason),
		j.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *postgresStore) GetJob(ctx context.Context, id string) (ReminderJob, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobCols+` FROM reminder_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ReminderJob{}, false, nil
	}
	if err != nil {
		return ReminderJob{}, false, err
	}
	return j, true, nil
}

func (s *postgresStore) UpdateJob(ctx context.Context, j ReminderJob) error {
	j.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE reminder_jobs SET fires_at=$1, attempt_count=$2, state=$3, reason=$4, updated_at=$5 WHERE id=$6`,
		j.FiresAt.UnixMilli(), j.AttemptCount, string(j.State), nullStr(j.Reason),
		j.UpdatedAt.UnixMilli(), j.ID,
	)
	return err
}

func (s *postgresStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]ReminderJob, error) {
	if limit <= 0 {
		limit = 50
	}
	// Postgres can claim in one statement; the subquery locks candidate rows
	// so concurrent dispatchers skip past each other.
	rows, err := s.db.QueryContext(ctx,
		`UPDATE reminder_jobs SET state=$1, updated_at=$2
		 WHERE id IN (
		   SELECT id FROM reminder_jobs
		   WHERE state=$3 AND fires_at <= $4
		   ORDER BY fires_at LIMIT $5
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobCols,
		string(JobDispatching), now.UnixMilli(), string(JobScheduled), now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReminderJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *postgresStore) RequeueStaleJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminder_jobs SET state=$1, updated_at=$2 WHERE state=$3 AND updated_at < $4`,
		string(JobScheduled), time.Now().UnixMilli(),
		string(JobDispatching), olderThan.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *postgresStore) PruneTerminalJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reminder_jobs WHERE state IN ($1,$2) AND updated_at < $3`,
		string(JobDelivered), string(JobFailedPermanent), olderThan.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *postgresStore) CountJobsByState(ctx context.Context) (map[JobState]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM reminder_jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[JobState]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[JobState(state)] = n
	}
	return out, rows.Err()
}

func (s *postgresStore) GetCredential(ctx context.Context, userID string) (Credential, bool, error) {
	var (
		c     Credential
		expMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, access_token, access_expires_at, refresh_token, version FROM credentials WHERE user_id = $1`,
		userID).Scan(&c.UserID, &c.AccessToken, &expMS, &c.RefreshToken, &c.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, err
	}
	c.AccessExpiresAt = time.UnixMilli(expMS).UTC()
	return c, true, nil
}

func (s *postgresStore) PutCredential(ctx context.Context, c Credential) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials(user_id, access_token, access_expires_at, refresh_token, version)
		 VALUES($1,$2,$3,$4,1)
		 ON CONFLICT(user_id) DO UPDATE SET
		   access_token=excluded.access_token,
		   access_expires_at=excluded.access_expires_at,
		   refresh_token=excluded.refresh_token,
		   version=credentials.version+1`,
		c.UserID, c.AccessToken, c.AccessExpiresAt.UnixMilli(), c.RefreshToken)
	return err
}

func (s *postgresStore) SwapCredential(ctx context.Context, c Credential, prevVersion int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET access_token=$1, access_expires_at=$2, refresh_token=$3, version=$4
		 WHERE user_id=$5 AND version=$6`,
		c.AccessToken, c.AccessExpiresAt.UnixMilli(), c.RefreshToken, prevVersion+1,
		c.UserID, prevVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrVersionConflict
	}
	return nil
}
