package reminder

import (
	"time"
)

// Offset derives a reminder instant from a deliverable's due time.
type Offset struct {
	// Label is the stable identity of this offset within a deliverable;
	// it forms the job id together with the deliverable id.
	Label  string
	Before time.Duration
}

// High-priority deliverables get a day-ahead and an hour-ahead reminder;
// everything else only the hour-ahead one.
var (
	highOffsets   = []Offset{{Label: "t-24h", Before: 24 * time.Hour}, {Label: "t-1h", Before: time.Hour}}
	normalOffsets = []Offset{{Label: "t-1h", Before: time.Hour}}
)

// Config controls the dispatcher.
//
// MaxAttempts counts dispatch passes; each pass internally retries per the
// backoff executor's policy, so the two budgets are independent.
type Config struct {
	Enabled         bool
	PollInterval    time.Duration
	Workers         int
	QueueSize       int
	RatePerSec      int
	MaxAttempts     int
	RetryDelay      time.Duration
	DispatchTimeout time.Duration
	BatchLimit      int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 60 * time.Second
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 45 * time.Second
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 50
	}
	return c
}

// HistoryItem is one completed dispatch, kept in a small in-memory ring for
// diagnostics.
type HistoryItem struct {
	JobID    string
	At       time.Time
	Duration time.Duration
	Outcome  string
	Error    string
}

// Snapshot is a lightweight view of the dispatcher for diagnostics.
type Snapshot struct {
	Enabled      bool
	PollInterval time.Duration
	Workers      int
	QueueLen     int
	QueueCap     int
	JobsByState  map[string]int
	History      []HistoryItem
}
