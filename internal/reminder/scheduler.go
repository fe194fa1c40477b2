// Package reminder durably schedules time-triggered notification jobs and
// dispatches them at (never before) their due instant, surviving restarts and
// tolerating transient provider failures.
package reminder

import (
	"context"
	"fmt"
	"time"

	"slated/internal/eventbus"
	"slated/internal/schema"
	"slated/internal/storage"
	logx "slated/pkg/logx"
)

// Scheduler records reminder jobs for confirmed deliverables.
type Scheduler struct {
	store   storage.Store
	channel string
	log     logx.Logger
	bus     eventbus.Bus

	now func() time.Time
}

func NewScheduler(store storage.Store, channel string, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if channel == "" {
		channel = "telegram"
	}
	return &Scheduler{store: store, channel: channel, log: log, bus: bus, now: time.Now}
}

// Schedule creates the reminder jobs for a deliverable: two for high
// priority (T-24h, T-1h), one for normal (T-1h).
//
// Offsets already in the past are clamped to now so a late confirmation still
// produces a reminder instead of silently skipping it. Scheduling is
// idempotent per (deliverable, offset): jobs that already exist are left
// untouched and not returned.
func (s *Scheduler) Schedule(ctx context.Context, d schema.Deliverable, destination string) ([]storage.ReminderJob, error) {
	switch d.Status {
	case schema.StatusConfirmed, schema.StatusSynced:
	default:
		return nil, fmt.Errorf("deliverable %s is %s; reminders require a confirmed deliverable", d.ID, d.Status)
	}
	if d.DueAt.IsZero() {
		return nil, schema.ErrNoDueAt
	}

	offsets := normalOffsets
	if d.Priority == schema.PriorityHigh {
		offsets = highOffsets
	}

	now := s.now()
	var created []storage.ReminderJob
	for _, off := range offsets {
		firesAt := d.DueAt.Add(-off.Before)
		if firesAt.Before(now) {
			// Catch-up: fire immediately rather than never.
			firesAt = now
		}

		job := storage.ReminderJob{
			ID:            d.ID + ":" + off.Label,
			DeliverableID: d.ID,
			Label:         off.Label,
			FiresAt:       firesAt,
			Channel:       s.channel,
			Destination:   destination,
			State:         storage.JobScheduled,
		}
		ok, err := s.store.CreateJob(ctx, job)
		if err != nil {
			return created, fmt.Errorf("schedule %s: %w", job.ID, err)
		}
		if !ok {
			continue
		}
		created = append(created, job)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeReminderScheduled, Data: job})
		}
		s.log.Debug("reminder scheduled",
			logx.String("job", job.ID),
			logx.Time("fires_at", firesAt),
			logx.String("channel", s.channel),
		)
	}
	return created, nil
}
