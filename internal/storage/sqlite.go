package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"slated/internal/schema"
	logx "slated/pkg/logx"
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

// ---- deliverables ----

func (s *sqliteStore) PutDeliverable(ctx context.Context, d schema.Deliverable) error {
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliverables(id, user_id, title, kind, due_at, duration_ms, source_doc, source_start, source_end, priority, status, external_ref, last_error, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
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

const deliverableCols = `id, user_id, title, kind, due_at, duration_ms, source_doc, source_start, source_end, priority, status, external_ref, last_error, updated_at`

func scanDeliverable(row interface{ Scan(...any) error }) (schema.Deliverable, error) {
	var (
		d                              schema.Deliverable
		kind, prio, status             string
		dueMS, durMS, updMS            int64
		sourceDoc, extRef, lastErr     sql.NullString
	)
	err := row.Scan(&d.ID, &d.UserID, &d.Title, &kind, &dueMS, &durMS,
		&sourceDoc, &d.SourceStart, &d.SourceEnd, &prio, &status,
		&extRef, &lastErr, &updMS)
	if err != nil {
		return schema.Deliverable{}, err
	}
	d.Kind = schema.Kind(kind)
	d.Priority = schema.Priority(prio)
	d.Status = schema.Status(status)
	d.DueAt = time.UnixMilli(dueMS).UTC()
	d.DurationHint = time.Duration(durMS) * time.Millisecond
	d.SourceDoc = sourceDoc.String
	d.ExternalRef = extRef.String
	d.LastError = lastErr.String
	d.UpdatedAt = time.UnixMilli(updMS).UTC()
	return d, nil
}

func (s *sqliteStore) GetDeliverable(ctx context.Context, id string) (schema.Deliverable, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deliverableCols+` FROM deliverables WHERE id = ?`, id)
	d, err := scanDeliverable(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Deliverable{}, false, nil
	}
	if err != nil {
		return schema.Deliverable{}, false, err
	}
	return d, true, nil
}

func (s *sqliteStore) ListDeliverablesByStatus(ctx context.Context, status schema.Status, limit int) ([]schema.Deliverable, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliverableCols+` FROM deliverables WHERE status = ? ORDER BY due_at LIMIT ?`,
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

// ---- reminder jobs ----

func (s *sqliteStore) CreateJob(ctx context.Context, j ReminderJob) (bool, error) {
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reminder_jobs(id, deliverable_id, label, fires_at, channel, destination, attempt_count, state, reason, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
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

const jobCols = `id, deliverable_id, label, fires_at, channel, destination, attempt_count, state, reason, updated_at`

func scanJob(row interface{ Scan(...any) error }) (ReminderJob, error) {
	var (
		j                  ReminderJob
		state              string
		firesMS, updMS     int64
		dest, reason       sql.NullString
	)
	err := row.Scan(&j.ID, &j.DeliverableID, &j.Label, &firesMS, &j.Channel,
		&dest, &j.AttemptCount, &state, &reason, &updMS)
	if err != nil {
		return ReminderJob{}, err
	}
	j.FiresAt = time.UnixMilli(firesMS).UTC()
	j.Destination = dest.String
	j.State = JobState(state)
	j.Reason = reason.String
	j.UpdatedAt = time.UnixMilli(updMS).UTC()
	return j, nil
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (ReminderJob, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobCols+` FROM reminder_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ReminderJob{}, false, nil
	}
	if err != nil {
		return ReminderJob{}, false, err
	}
	return j, true, nil
}

func (s *sqliteStore) UpdateJob(ctx context.Context, j ReminderJob) error {
	j.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE reminder_jobs SET fires_at=?, attempt_count=?, state=?, reason=?, updated_at=? WHERE id=?`,
		j.FiresAt.UnixMilli(), j.AttemptCount, string(j.State), nullStr(j.Reason),
		j.UpdatedAt.UnixMilli(), j.ID,
	)
	return err
}

func (s *sqliteStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]ReminderJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM reminder_jobs WHERE state = ? AND fires_at <= ? ORDER BY fires_at LIMIT ?`,
		string(JobScheduled), now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	claimed := make([]ReminderJob, 0, len(ids))
	for _, id := range ids {
		// Conditional transition; a concurrent dispatcher that claimed first
		// makes this a no-op.
		res, err := s.db.ExecContext(ctx,
			`UPDATE reminder_jobs SET state=?, updated_at=? WHERE id=? AND state=?`,
			string(JobDispatching), now.UnixMilli(), id, string(JobScheduled))
		if err != nil {
			return claimed, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return claimed, err
		}
		if n != 1 {
			continue
		}
		j, ok, err := s.GetJob(ctx, id)
		if err != nil {
			return claimed, err
		}
		if ok {
			claimed = append(claimed, j)
		}
	}
	return claimed, nil
}

func (s *sqliteStore) RequeueStaleJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminder_jobs SET state=?, updated_at=? WHERE state=? AND updated_at < ?`,
		string(JobScheduled), time.Now().UnixMilli(),
		string(JobDispatching), olderThan.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) PruneTerminalJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reminder_jobs WHERE state IN (?,?) AND updated_at < ?`,
		string(JobDelivered), string(JobFailedPermanent), olderThan.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) CountJobsByState(ctx context.Context) (map[JobState]int, error) {
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

// ---- credentials ----

func (s *sqliteStore) GetCredential(ctx context.Context, userID string) (Credential, bool, error) {
	var (
		c     Credential
		expMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, access_token, access_expires_at, refresh_token, version FROM credentials WHERE user_id = ?`,
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

func (s *sqliteStore) PutCredential(ctx context.Context, c Credential) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials(user_id, access_token, access_expires_at, refresh_token, version)
		 VALUES(?,?,?,?,1)
		 ON CONFLICT(user_id) DO UPDATE SET
		   access_token=excluded.access_token,
		   access_expires_at=excluded.access_expires_at,
		   refresh_token=excluded.refresh_token,
		   version=credentials.version+1`,
		c.UserID, c.AccessToken, c.AccessExpiresAt.UnixMilli(), c.RefreshToken)
	return err
}

func (s *sqliteStore) SwapCredential(ctx context.Context, c Credential, prevVersion int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET access_token=?, access_expires_at=?, refresh_token=?, version=?
		 WHERE user_id=? AND version=?`,
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

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
