// Package resolve places proposed deliverables against the user's existing
// calendar. Free slot → accepted; overlap → earliest feasible forward slot;
// no slot within the horizon → flagged for a human decision. The core never
// silently drops a deliverable.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"slated/internal/backoff"
	"slated/internal/credential"
	"slated/internal/eventbus"
	"slated/internal/schema"
	"slated/internal/storage"
	"slated/internal/transport"
	logx "slated/pkg/logx"
)

const (
	// DefaultSlotStep is the forward-search increment.
	DefaultSlotStep = 30 * time.Minute
	// DefaultHorizon bounds the forward search.
	DefaultHorizon = 48 * time.Hour
	// DefaultCallTimeout bounds one external calendar call (before retries).
	DefaultCallTimeout = 10 * time.Second
)

type Resolver struct {
	cal   transport.Calendar
	creds *credential.Manager
	exec  *backoff.Executor
	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus

	step        time.Duration
	horizon     time.Duration
	callTimeout time.Duration
}

type Option func(*Resolver)

func WithSlotStep(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.step = d
		}
	}
}

func WithHorizon(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.horizon = d
		}
	}
}

func WithCallTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.callTimeout = d
		}
	}
}

func New(cal transport.Calendar, creds *credential.Manager, exec *backoff.Executor, store storage.Store, log logx.Logger, bus eventbus.Bus, opts ...Option) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Resolver{
		cal:         cal,
		creds:       creds,
		exec:        exec,
		store:       store,
		log:         log,
		bus:         bus,
		step:        DefaultSlotStep,
		horizon:     DefaultHorizon,
		callTimeout: DefaultCallTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve decides the placement of one deliverable and applies the side
// effects: the deliverable is persisted as confirmed (accepted/rescheduled)
// or conflicted (flagged), and on a successful external event write it
// advances to synced. A failed write leaves it confirmed with the error
// recorded, so a later pass retries without duplicating partial state.
//
// The decision itself is deterministic: identical busy intervals yield
// identical outcomes.
func (r *Resolver) Resolve(ctx context.Context, d schema.Deliverable) (schema.ConflictDecision, error) {
	if d.DueAt.IsZero() {
		return schema.ConflictDecision{}, schema.ErrNoDueAt
	}

	token, err := r.creds.Token(ctx, d.UserID)
	if err != nil {
		return schema.ConflictDecision{}, err
	}

	// One availability query covers the whole search window so the forward
	// scan needs no further external calls.
	windowStart := d.DueAt.Add(-d.DurationHint)
	windowEnd := d.DueAt.Add(r.horizon)
	var busy []transport.BusyInterval
	err = r.exec.Execute(ctx, "calendar.availability", func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
		intervals, cerr := r.cal.CheckAvailability(cctx, token, d.UserID, windowStart, windowEnd)
		if cerr != nil {
			return cerr
		}
		busy = intervals
		return nil
	})
	if err != nil {
		// An exhausted call is a deferred failure, not a dead end: record it
		// on the still-pending deliverable so the retry pass finds it.
		var ex *backoff.ExhaustedError
		if errors.As(err, &ex) {
			d.LastError = ex.Error()
			if perr := r.store.PutDeliverable(ctx, d); perr != nil {
				return schema.ConflictDecision{}, errors.Join(err, perr)
			}
		}
		return schema.ConflictDecision{}, fmt.Errorf("availability for %s: %w", d.ID, err)
	}

	decision := decide(d, busy, r.step, r.horizon)

	switch decision.Outcome {
	case schema.OutcomeFlagged:
		if aerr := d.Advance(schema.StatusConflicted); aerr != nil {
			return decision, aerr
		}
		d.LastError = decision.Reason
	case schema.OutcomeRescheduled:
		d.DueAt = decision.NewDueAt
		fallthrough
	case schema.OutcomeAccepted:
		if aerr := d.Advance(schema.StatusConfirmed); aerr != nil {
			return decision, aerr
		}
		d.LastError = ""
	}

	if err := r.store.PutDeliverable(ctx, d); err != nil {
		return decision, err
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeConflictResolved, Data: decision})
	}
	r.log.Info("conflict resolved",
		logx.String("deliverable", d.ID),
		logx.String("outcome", string(decision.Outcome)),
		logx.Time("due_at", d.DueAt),
	)

	if decision.Outcome == schema.OutcomeFlagged {
		return decision, nil
	}

	if err := r.Sync(ctx, d); err != nil {
		// Deferred failure: the deliverable stays confirmed and the sync
		// pass will try again.
		r.log.Warn("external sync deferred", logx.String("deliverable", d.ID), logx.Err(err))
	}
	return decision, nil
}

// Sync pushes a confirmed deliverable to the external calendar and marks it
// synced once the provider acknowledges. The event key is the deliverable id,
// so re-running after a failure updates instead of duplicating.
func (r *Resolver) Sync(ctx context.Context, d schema.Deliverable) error {
	if d.Status != schema.StatusConfirmed {
		return fmt.Errorf("deliverable %s is %s; sync requires confirmed", d.ID, d.Status)
	}
	token, err := r.creds.Token(ctx, d.UserID)
	if err != nil {
		return err
	}

	spec := transport.EventSpec{
		Key:   d.ID,
		Title: d.Title,
		Start: d.DueAt.Add(-d.DurationHint),
		End:   d.DueAt,
		Kind:  string(d.Kind),
	}
	var externalID string
	err = r.exec.Execute(ctx, "calendar.upsert_event", func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
		id, cerr := r.cal.CreateOrUpdateEvent(cctx, token, d.UserID, spec)
		if cerr != nil {
			return cerr
		}
		externalID = id
		return nil
	})
	if err != nil {
		var ex *backoff.ExhaustedError
		if errors.As(err, &ex) {
			d.LastError = ex.Error()
			if perr := r.store.PutDeliverable(ctx, d); perr != nil {
				return errors.Join(err, perr)
			}
		}
		return err
	}

	d.ExternalRef = externalID
	if err := d.Advance(schema.StatusSynced); err != nil {
		return err
	}
	d.LastError = ""
	if err := r.store.PutDeliverable(ctx, d); err != nil {
		return err
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliverableSynced, Data: d})
	}
	r.log.Info("deliverable synced",
		logx.String("deliverable", d.ID), logx.String("external_ref", externalID))
	return nil
}

// RetryPending moves deliverables past a deferred external failure. Two
// groups qualify: pending ones whose availability query exhausted its
// retries (re-resolved from scratch) and confirmed ones whose event write
// did (re-synced). Invoked periodically by the maintenance schedule.
// Returns how many advanced.
func (r *Resolver) RetryPending(ctx context.Context, limit int) (int, error) {
	advanced := 0

	pending, err := r.store.ListDeliverablesByStatus(ctx, schema.StatusPending, limit)
	if err != nil {
		return 0, err
	}
	for _, d := range pending {
		if err := ctx.Err(); err != nil {
			return advanced, err
		}
		// A pending deliverable without a recorded failure is still working
		// its way through the normal path; leave it alone.
		if d.LastError == "" {
			continue
		}
		if _, err := r.Resolve(ctx, d); err != nil {
			r.log.Debug("resolve retry still failing", logx.String("deliverable", d.ID), logx.Err(err))
			continue
		}
		advanced++
	}

	stuck, err := r.store.ListDeliverablesByStatus(ctx, schema.StatusConfirmed, limit)
	if err != nil {
		return advanced, err
	}
	for _, d := range stuck {
		if err := ctx.Err(); err != nil {
			return advanced, err
		}
		if err := r.Sync(ctx, d); err != nil {
			r.log.Debug("sync retry still failing", logx.String("deliverable", d.ID), logx.Err(err))
			continue
		}
		advanced++
	}
	return advanced, nil
}

// decide is the pure placement algorithm. Earliest feasible slot wins, ties
// broken by smallest forward offset, so identical calendar states always
// produce identical decisions.
func decide(d schema.Deliverable, busy []transport.BusyInterval, step, horizon time.Duration) schema.ConflictDecision {
	if !overlapsAny(busy, d.DueAt.Add(-d.DurationHint), d.DueAt) {
		return schema.ConflictDecision{
			DeliverableID: d.ID,
			Outcome:       schema.OutcomeAccepted,
			Reason:        "no conflicting calendar entries",
		}
	}

	for off := step; off <= horizon; off += step {
		slotEnd := d.DueAt.Add(off)
		if !overlapsAny(busy, slotEnd.Add(-d.DurationHint), slotEnd) {
			return schema.ConflictDecision{
				DeliverableID: d.ID,
				Outcome:       schema.OutcomeRescheduled,
				NewDueAt:      slotEnd,
				Reason:        fmt.Sprintf("original slot busy; moved %s forward", off),
			}
		}
	}

	return schema.ConflictDecision{
		DeliverableID: d.ID,
		Outcome:       schema.OutcomeFlagged,
		Reason:        fmt.Sprintf("no free slot within %s", horizon),
	}
}

func overlapsAny(busy []transport.BusyInterval, start, end time.Time) bool {
	for _, b := range busy {
		if b.Overlaps(start, end) {
			return true
		}
	}
	return false
}
