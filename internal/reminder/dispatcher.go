package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"slated/internal/backoff"
	"slated/internal/credential"
	"slated/internal/eventbus"
	rtsup "slated/internal/runtime/supervisor"
	"slated/internal/schema"
	"slated/internal/storage"
	"slated/internal/transport"
	logx "slated/pkg/logx"
)

const historySize = 100

// persistTimeout bounds the state-transition writes that must land even when
// the dispatch deadline has already expired.
const persistTimeout = 5 * time.Second

// Dispatcher is the time-driven loop that delivers due reminder jobs.
//
// State machine per job: scheduled → dispatching → {delivered | failed-permanent}.
// A failed dispatch below the attempt budget reverts the job to scheduled with
// firesAt pushed forward, so a later poll picks it up again.
type Dispatcher struct {
	mu  sync.Mutex
	cfg Config

	store    storage.Store
	notifier transport.Notifier
	creds    *credential.Manager
	exec     *backoff.Executor
	log      logx.Logger
	bus      eventbus.Bus

	limiter *rate.Limiter
	queue   chan storage.ReminderJob
	sup     *rtsup.Supervisor

	now func() time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func NewDispatcher(cfg Config, store storage.Store, notifier transport.Notifier, creds *credential.Manager, exec *backoff.Executor, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		creds:    creds,
		exec:     exec,
		log:      log,
		bus:      bus,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		queue:    make(chan storage.ReminderJob, cfg.QueueSize),
		now:      time.Now,
	}
}

// Start launches the poll loop and workers. It returns immediately; the loops
// run until the supervisor is stopped.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.cfg.Enabled {
		return nil
	}
	if d.sup != nil {
		return errors.New("dispatcher already started")
	}
	if d.notifier == nil {
		return errors.New("dispatcher requires a notification capability")
	}

	d.sup = rtsup.New(ctx, rtsup.WithLogger(d.log))
	d.sup.Go("reminder.poll", d.pollLoop)
	for i := 0; i < d.cfg.Workers; i++ {
		name := fmt.Sprintf("reminder.worker.%d", i)
		d.sup.Go(name, d.worker)
	}
	d.log.Info("reminder dispatcher started",
		logx.Duration("poll_interval", d.cfg.PollInterval),
		logx.Int("workers", d.cfg.Workers),
	)
	return nil
}

// Apply updates the runtime-tunable knobs: poll interval, attempt budget,
// retry delay, dispatch timeout, batch limit, send rate. Worker count and
// queue size are fixed at Start.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	d.cfg.PollInterval = cfg.PollInterval
	d.cfg.MaxAttempts = cfg.MaxAttempts
	d.cfg.RetryDelay = cfg.RetryDelay
	d.cfg.DispatchTimeout = cfg.DispatchTimeout
	d.cfg.BatchLimit = cfg.BatchLimit
	d.mu.Unlock()
	d.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	d.limiter.SetBurst(cfg.RatePerSec)
}

func (d *Dispatcher) snapshotCfg() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Stop cancels the loops and waits for in-flight dispatches, bounded by timeout.
func (d *Dispatcher) Stop(timeout time.Duration) {
	d.mu.Lock()
	sup := d.sup
	d.sup = nil
	d.mu.Unlock()
	if sup != nil {
		sup.StopAndWait(timeout)
	}
}

func (d *Dispatcher) pollLoop(ctx context.Context) error {
	interval := d.snapshotCfg().PollInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First pass immediately so restarts catch up without waiting a full
	// interval.
	d.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.pollOnce(ctx)
			if next := d.snapshotCfg().PollInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// pollOnce claims due jobs and hands them to workers. A full queue unclaims
// the overflow so no job is stranded in dispatching.
//
// Claims orphaned by a crash or a missed write deadline are requeued first,
// so the same pass that finds them can claim them again. Delivery is at
// least once: a slow dispatch requeued here may send twice, never zero times.
func (d *Dispatcher) pollOnce(ctx context.Context) {
	cfg := d.snapshotCfg()
	now := d.now()

	staleBefore := now.Add(-2 * cfg.DispatchTimeout)
	if n, err := d.store.RequeueStaleJobs(ctx, staleBefore); err != nil {
		d.log.Warn("stale-claim recovery failed", logx.Err(err))
	} else if n > 0 {
		d.log.Warn("requeued orphaned dispatching jobs", logx.Int64("count", n))
	}

	jobs, err := d.store.ClaimDueJobs(ctx, now, cfg.BatchLimit)
	if err != nil {
		d.log.Warn("due-job claim failed", logx.Err(err))
		return
	}
	for _, j := range jobs {
		select {
		case d.queue <- j:
		default:
			j.State = storage.JobScheduled
			if uerr := d.persistJob(j); uerr != nil {
				d.log.Error("failed to unclaim job after queue overflow",
					logx.String("job", j.ID), logx.Err(uerr))
			}
		}
	}
}

// persistJob writes a job state transition under its own short deadline.
// The dispatch context is deliberately not used: once a job is claimed, the
// transition out of dispatching must land even if the dispatch deadline has
// expired or the process is shutting down.
func (d *Dispatcher) persistJob(j storage.ReminderJob) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	return d.store.UpdateJob(ctx, j)
}

func (d *Dispatcher) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-d.queue:
			// Each dispatch gets its own deadline; a hung provider call
			// cannot stall the poll loop or other jobs.
			jctx, cancel := context.WithTimeout(ctx, d.snapshotCfg().DispatchTimeout)
			d.dispatch(jctx, j)
			cancel()
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, j storage.ReminderJob) {
	start := d.now()

	// Re-check the deliverable at dispatch time: it may have been removed
	// upstream while the job waited.
	del, ok, err := d.store.GetDeliverable(ctx, j.DeliverableID)
	if err != nil {
		d.requeueOrFail(j, fmt.Errorf("deliverable lookup: %w", err))
		return
	}
	if !ok {
		j.State = storage.JobFailedPermanent
		j.Reason = "deliverable-removed"
		if err := d.persistJob(j); err != nil {
			d.log.Error("job close failed", logx.String("job", j.ID), logx.Err(err))
			return
		}
		d.log.Info("reminder closed, deliverable removed upstream", logx.String("job", j.ID))
		d.record(j.ID, start, "deliverable-removed", "")
		return
	}

	token, err := d.creds.Token(ctx, del.UserID)
	if err != nil {
		if errors.Is(err, credential.ErrExpired) {
			// Requires re-authentication; retrying without the user cannot
			// succeed.
			j.State = storage.JobFailedPermanent
			j.Reason = "credential-expired"
			if uerr := d.persistJob(j); uerr != nil {
				d.log.Error("job close failed", logx.String("job", j.ID), logx.Err(uerr))
			}
			d.publishFailed(j, err)
			d.record(j.ID, start, "credential-expired", err.Error())
			return
		}
		d.requeueOrFail(j, err)
		d.record(j.ID, start, "retry", err.Error())
		return
	}

	title, message := composeReminder(del, j.Label)
	err = d.exec.Execute(ctx, "notify.send", func(ctx context.Context) error {
		if lerr := d.limiter.Wait(ctx); lerr != nil {
			return lerr
		}
		return d.notifier.Send(ctx, token, j.Destination, title, message)
	})
	if err != nil {
		d.requeueOrFail(j, err)
		d.record(j.ID, start, "retry", err.Error())
		return
	}

	j.State = storage.JobDelivered
	j.Reason = ""
	if err := d.persistJob(j); err != nil {
		d.log.Error("job close failed", logx.String("job", j.ID), logx.Err(err))
		return
	}
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeReminderDelivered, Data: j})
	}
	d.log.Info("reminder delivered",
		logx.String("job", j.ID),
		logx.String("deliverable", j.DeliverableID),
		logx.Duration("dur", d.now().Sub(start)),
	)
	d.record(j.ID, start, "delivered", "")
}

// requeueOrFail spends one dispatch attempt. Below the budget the job goes
// back to scheduled with firesAt pushed forward; at the budget it goes
// failed-permanent so the failure stays inspectable.
func (d *Dispatcher) requeueOrFail(j storage.ReminderJob, cause error) {
	cfg := d.snapshotCfg()
	j.AttemptCount++
	if j.AttemptCount >= cfg.MaxAttempts {
		j.State = storage.JobFailedPermanent
		j.Reason = "attempts-exhausted"
		d.log.Warn("reminder failed permanently",
			logx.String("job", j.ID), logx.Int("attempts", j.AttemptCount), logx.Err(cause))
	} else {
		j.State = storage.JobScheduled
		j.FiresAt = d.now().Add(cfg.RetryDelay)
		d.log.Warn("reminder dispatch failed, requeued",
			logx.String("job", j.ID), logx.Int("attempts", j.AttemptCount),
			logx.Time("next_try", j.FiresAt), logx.Err(cause))
	}
	if err := d.persistJob(j); err != nil {
		d.log.Error("job update failed", logx.String("job", j.ID), logx.Err(err))
	}
	d.publishFailed(j, cause)
}

func (d *Dispatcher) publishFailed(j storage.ReminderJob, cause error) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{
		Type: eventbus.TypeReminderFailed,
		Data: map[string]any{"job": j.ID, "state": string(j.State), "error": cause.Error()},
	})
}

func (d *Dispatcher) record(jobID string, start time.Time, outcome, errMsg string) {
	item := HistoryItem{
		JobID:    jobID,
		At:       start,
		Duration: d.now().Sub(start),
		Outcome:  outcome,
		Error:    errMsg,
	}
	d.hmu.Lock()
	d.history = append(d.history, item)
	if len(d.history) > historySize {
		d.history = d.history[len(d.history)-historySize:]
	}
	d.hmu.Unlock()
}

// Snapshot reports queue depth, per-state job counts, and recent outcomes.
func (d *Dispatcher) Snapshot(ctx context.Context) Snapshot {
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()

	snap := Snapshot{
		Enabled:      cfg.Enabled,
		PollInterval: cfg.PollInterval,
		Workers:      cfg.Workers,
		QueueLen:     len(d.queue),
		QueueCap:     cap(d.queue),
		JobsByState:  map[string]int{},
	}
	if counts, err := d.store.CountJobsByState(ctx); err == nil {
		for st, n := range counts {
			snap.JobsByState[string(st)] = n
		}
	}
	d.hmu.Lock()
	snap.History = append([]HistoryItem(nil), d.history...)
	d.hmu.Unlock()
	return snap
}

func composeReminder(d schema.Deliverable, label string) (title, message string) {
	lead := "soon"
	switch label {
	case "t-24h":
		lead = "tomorrow"
	case "t-1h":
		lead = "in one hour"
	}
	title = fmt.Sprintf("Reminder: %s due %s", d.Title, lead)
	message = fmt.Sprintf("%s (%s) is due at %s.", d.Title, d.Kind, d.DueAt.Format(time.RFC1123))
	return title, message
}
