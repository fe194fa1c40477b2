package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")

	// ErrVersionConflict is returned by SwapCredential when another writer
	// committed first. The caller should re-read and decide again.
	ErrVersionConflict = errors.New("credential version conflict")
)

// Config configures storage.
//
// If Driver is empty, "sqlite" is assumed.
type Config struct {
	Driver string
	// Path is the database file (sqlite).
	Path string
	// DSN is the connection string (postgres).
	DSN string
	// BusyTimeout applies to sqlite only; 0 means default.
	BusyTimeout time.Duration
}

// JobState is the reminder-job state machine.
// delivered and failed-permanent are terminal.
type JobState string

const (
	JobScheduled       JobState = "scheduled"
	JobDispatching     JobState = "dispatching"
	JobDelivered       JobState = "delivered"
	JobFailedPermanent JobState = "failed-permanent"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == JobDelivered || s == JobFailedPermanent
}

// ReminderJob is a durable, time-triggered notification unit.
// The ID is deliverableID + ":" + label, which makes scheduling idempotent
// per (deliverable, offset).
type ReminderJob struct {
	ID            string
	DeliverableID string
	// Label names the offset this job was derived from ("t-24h", "t-1h").
	Label string

	FiresAt     time.Time
	Channel     string
	Destination string

	AttemptCount int
	State        JobState
	// Reason records why a job went failed-permanent
	// ("deliverable-removed", "credential-expired", "attempts-exhausted").
	Reason string

	UpdatedAt time.Time
}

// Credential is the per-user token state. The refresh token never leaves the
// credential manager; storage only moves it between process and disk.
type Credential struct {
	UserID          string
	AccessToken     string
	AccessExpiresAt time.Time
	RefreshToken    string

	// Version increments on every committed write and guards the
	// compare-and-swap refresh path.
	Version int64
}
