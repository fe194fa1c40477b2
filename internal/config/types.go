package config

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage configures the durable record store (deliverables, reminder
	// jobs, credentials). Required for anything beyond dry-run extraction.
	Storage StorageConfig `json:"storage"`

	Extraction  ExtractionConfig  `json:"extraction"`
	Resolver    ResolverConfig    `json:"resolver"`
	Credentials CredentialsConfig `json:"credentials,omitempty"`
	Retry       RetryConfig       `json:"retry,omitempty"`
	Reminders   RemindersConfig   `json:"reminders"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`

	// Telegram configures the built-in Telegram notification channel.
	// Leave the token empty to disable the channel.
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "postgres": PostgreSQL via DSN
//   - "memory": in-process store, data is lost on restart (tests, dry runs)
type StorageConfig struct {
	Driver string `json:"driver"`
	// Path is the database file for sqlite.
	Path string `json:"path,omitempty"`
	// DSN is the connection string for postgres.
	DSN string `json:"dsn,omitempty"`
	// BusyTimeout applies to sqlite only.
	BusyTimeout Duration `json:"busy_timeout,omitempty"`
}

// ExtractionConfig controls the document extraction pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type ExtractionConfig struct {
	Enabled bool `json:"enabled"`
	// ChunkBytes is the text size above which documents are split on section
	// boundaries before being handed to the extraction capability.
	// 0 applies the default (4096).
	ChunkBytes int `json:"chunk_bytes,omitempty"`
}

// ResolverConfig controls calendar conflict resolution.
type ResolverConfig struct {
	Enabled bool `json:"enabled"`
	// SlotStep is the forward-search increment ("30m" default).
	SlotStep Duration `json:"slot_step,omitempty"`
	// SearchHorizon bounds the forward search ("48h" default).
	SearchHorizon Duration `json:"search_horizon,omitempty"`
	// CallTimeout bounds each external calendar call ("10s" default).
	CallTimeout Duration `json:"call_timeout,omitempty"`
}

type CredentialsConfig struct {
	// RefreshMargin is how long before expiry a token refresh is triggered
	// ("60s" default).
	RefreshMargin Duration `json:"refresh_margin,omitempty"`
}

// RetryConfig controls the shared retry/backoff executor.
//
// The retry counts are fixed policy (3 attempts for rate limiting, 2 for other
// transient failures); only the delay ladder base is configurable.
type RetryConfig struct {
	// BaseDelay is the first backoff delay ("2s" default); subsequent delays
	// double (2s, 4s, 8s).
	BaseDelay Duration `json:"base_delay,omitempty"`
}

// RemindersConfig controls the reminder dispatcher.
type RemindersConfig struct {
	Enabled bool `json:"enabled"`
	// PollInterval is how often due jobs are picked up ("30s" default).
	PollInterval Duration `json:"poll_interval,omitempty"`
	Workers      int      `json:"workers,omitempty"`
	QueueSize    int      `json:"queue_size,omitempty"`
	RatePerSec   int      `json:"rate_per_sec,omitempty"`
	// MaxAttempts is the number of dispatch attempts before a job goes
	// failed-permanent (3 default). Independent of per-call retries.
	MaxAttempts int `json:"max_attempts,omitempty"`
	// RetryDelay pushes firesAt forward after a failed dispatch ("60s" default).
	RetryDelay Duration `json:"retry_delay,omitempty"`
	// DispatchTimeout bounds a single delivery including retries ("45s" default).
	DispatchTimeout Duration `json:"dispatch_timeout,omitempty"`
}

// MaintenanceConfig controls periodic background passes.
//
// Specs are cron expressions or "@every <duration>" (robfig/cron syntax).
// An empty spec applies the default; "-" disables the pass.
type MaintenanceConfig struct {
	// SyncRetrySpec re-runs resolution and external sync for deliverables
	// with a recorded deferred failure ("@every 5m" default).
	SyncRetrySpec string `json:"sync_retry_spec,omitempty"`
	// PruneSpec removes terminal reminder jobs past retention
	// ("@every 1h" default).
	PruneSpec string `json:"prune_spec,omitempty"`
	// JobRetention is how long terminal jobs are kept ("168h" default).
	JobRetention Duration `json:"job_retention,omitempty"`
	Timezone     string   `json:"timezone,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token,omitempty"`
	// PollTimeout is the Telegram long-poll window ("10s" default).
	PollTimeout Duration `json:"poll_timeout,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos in config keys fail loudly
// instead of being silently ignored.
func (c *Config) UnmarshalJSON(data []byte) error {
	type alias Config
	var a alias
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return err
	}
	*c = Config(a)
	return nil
}

// Validate performs static checks that don't require I/O.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	knobs := []struct {
		path string
		d    Duration
	}{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"resolver.slot_step", c.Resolver.SlotStep},
		{"resolver.search_horizon", c.Resolver.SearchHorizon},
		{"resolver.call_timeout", c.Resolver.CallTimeout},
		{"credentials.refresh_margin", c.Credentials.RefreshMargin},
		{"retry.base_delay", c.Retry.BaseDelay},
		{"reminders.poll_interval", c.Reminders.PollInterval},
		{"reminders.retry_delay", c.Reminders.RetryDelay},
		{"reminders.dispatch_timeout", c.Reminders.DispatchTimeout},
		{"maintenance.job_retention", c.Maintenance.JobRetention},
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
	}
	for _, k := range knobs {
		if _, err := k.d.Parse(); err != nil {
			return fmt.Errorf("%s: %w", k.path, err)
		}
	}
	return nil
}
