// Package app wires configuration, storage, the extraction pipeline, the
// conflict resolver and the reminder daemon into one process. External
// capabilities (extractor, calendar, token source) are injected; the process
// runs with whatever subset is configured.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"slated/internal/backoff"
	"slated/internal/config"
	"slated/internal/credential"
	"slated/internal/eventbus"
	"slated/internal/extract"
	"slated/internal/reminder"
	"slated/internal/resolve"
	"slated/internal/runtime/supervisor"
	"slated/internal/schema"
	"slated/internal/storage"
	"slated/internal/transport"
	"slated/internal/transport/telegram"
	logx "slated/pkg/logx"
)

// Capabilities are the external integrations the process talks to. Extractor,
// Calendar and Tokens come from the embedding environment; Notifier may be
// left nil, in which case a Telegram adapter is built when a token is
// configured.
type Capabilities struct {
	Extractor transport.Extractor
	Calendar  transport.Calendar
	Tokens    transport.TokenSource
	Notifier  transport.Notifier
}

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	exec     *backoff.Executor
	creds    *credential.Manager
	pipeline *extract.Pipeline
	resolver *resolve.Resolver
	sched    *reminder.Scheduler
	disp     *reminder.Dispatcher
	cron     *cron.Cron

	caps Capabilities
}

func New(cfgPath string, caps Capabilities) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc := storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: cfg.Storage.BusyTimeout.Or(0),
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", firstNonEmpty(sc.Driver, "sqlite")))

	// Every early return below must release what is already open.
	fail := func(err error) (*App, error) {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}

	exec := backoff.New(cfg.Retry.BaseDelay.Or(backoff.DefaultBaseDelay),
		log.With(logx.String("comp", "retry")))
	creds := credential.NewManager(store, caps.Tokens,
		cfg.Credentials.RefreshMargin.Or(credential.DefaultRefreshMargin),
		log.With(logx.String("comp", "credential")))

	if caps.Notifier == nil && strings.TrimSpace(cfg.Telegram.Token) != "" {
		ad, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: cfg.Telegram.PollTimeout.Or(10 * time.Second),
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return fail(err)
		}
		caps.Notifier = ad
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		exec:    exec,
		creds:   creds,
		caps:    caps,
	}

	if cfg.Extraction.Enabled {
		if caps.Extractor == nil {
			return fail(fmt.Errorf("extraction.enabled requires an extractor capability"))
		}
		a.pipeline = extract.New(caps.Extractor, cfg.Extraction.ChunkBytes,
			log.With(logx.String("comp", "extract")), bus)
	}

	if cfg.Resolver.Enabled {
		if caps.Calendar == nil {
			return fail(fmt.Errorf("resolver.enabled requires a calendar capability"))
		}
		a.resolver = resolve.New(caps.Calendar, creds, exec, store,
			log.With(logx.String("comp", "resolve")), bus, mapResolverOptions(cfg)...)
	}

	if cfg.Reminders.Enabled {
		if caps.Notifier == nil {
			return fail(fmt.Errorf("reminders.enabled requires a notifier (set telegram.token or inject one)"))
		}
		rcfg, err := mapReminderConfig(cfg)
		if err != nil {
			return fail(err)
		}
		a.sched = reminder.NewScheduler(store, "telegram",
			log.With(logx.String("comp", "reminder.sched")), bus)
		a.disp = reminder.NewDispatcher(rcfg, store, caps.Notifier, creds, exec,
			log.With(logx.String("comp", "reminder")), bus)
	}

	return a, nil
}

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Dispatcher() *reminder.Dispatcher { return a.disp }
func (a *App) Resolver() *resolve.Resolver      { return a.resolver }
func (a *App) Credentials() *credential.Manager { return a.creds }
func (a *App) Store() storage.Store             { return a.store }
func (a *App) Bus() eventbus.Bus                { return a.bus }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		// Reject bad hot-reloads before they are committed.
		if _, err := mapReminderConfig(cfg); err != nil {
			return err
		}
		if tz := strings.TrimSpace(cfg.Maintenance.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("maintenance.timezone: invalid %q: %w", tz, err)
			}
		}
		return nil
	})

	if a.disp != nil {
		if err := a.disp.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	if err := a.startMaintenance(); err != nil {
		return err
	}

	// Debug visibility into the pipeline without coupling components.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyReload(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyReload applies what can change live: logging and the dispatcher's
// tunable knobs. Storage, capability wiring and worker shapes need a restart;
// say so instead of half-applying.
func (a *App) applyReload(prev, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if a.disp != nil {
		if rcfg, err := mapReminderConfig(cfg); err != nil {
			a.log.Warn("invalid reminders config; keeping previous", logx.Err(err))
		} else {
			a.disp.Apply(rcfg)
		}
	}

	if prev != nil && (cfg.Storage != prev.Storage || cfg.Resolver != prev.Resolver ||
		cfg.Extraction != prev.Extraction || cfg.Telegram != prev.Telegram ||
		cfg.Reminders.Enabled != prev.Reminders.Enabled ||
		cfg.Reminders.Workers != prev.Reminders.Workers ||
		cfg.Reminders.QueueSize != prev.Reminders.QueueSize) {
		a.log.Warn("storage/pipeline config changed; restart required for changes to take effect")
	}
	a.log.Info("config reloaded")
}

func (a *App) startMaintenance() error {
	cfg := a.cfgm.Get()
	if cfg == nil {
		return nil
	}
	syncSpec := firstNonEmpty(cfg.Maintenance.SyncRetrySpec, "@every 5m")
	pruneSpec := firstNonEmpty(cfg.Maintenance.PruneSpec, "@every 1h")
	retention := cfg.Maintenance.JobRetention.Or(168 * time.Hour)

	loc := time.UTC
	if tz := strings.TrimSpace(cfg.Maintenance.Timezone); tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("maintenance.timezone: invalid %q: %w", tz, err)
		}
	}

	c := cron.New(cron.WithLocation(loc))
	if a.resolver != nil && syncSpec != "-" {
		if _, err := c.AddFunc(syncSpec, func() {
			ctx, cancel := context.WithTimeout(a.sup.Context(), 2*time.Minute)
			defer cancel()
			n, err := a.resolver.RetryPending(ctx, 100)
			if err != nil {
				a.log.Warn("sync retry pass failed", logx.Err(err))
				return
			}
			if n > 0 {
				a.log.Info("sync retry pass", logx.Int("advanced", n))
			}
		}); err != nil {
			return fmt.Errorf("maintenance.sync_retry_spec: %w", err)
		}
	}
	if pruneSpec != "-" {
		if _, err := c.AddFunc(pruneSpec, func() {
			ctx, cancel := context.WithTimeout(a.sup.Context(), time.Minute)
			defer cancel()
			n, err := a.store.PruneTerminalJobs(ctx, time.Now().Add(-retention))
			if err != nil {
				a.log.Warn("job prune pass failed", logx.Err(err))
				return
			}
			if n > 0 {
				a.log.Debug("pruned terminal jobs", logx.Int64("count", n))
			}
		}); err != nil {
			return fmt.Errorf("maintenance.prune_spec: %w", err)
		}
	}
	c.Start()
	a.cron = c
	return nil
}

// ProcessDocument runs one document end to end: extract candidates, resolve
// each accepted deliverable against the calendar, and schedule reminders for
// everything that lands confirmed or synced. Rejected candidates are surfaced
// in the result, never silently dropped.
func (a *App) ProcessDocument(ctx context.Context, text, documentID, userID, destination string) (extract.Result, error) {
	if a.pipeline == nil {
		return extract.Result{}, fmt.Errorf("extraction is disabled")
	}
	res, err := a.pipeline.Extract(ctx, text, documentID, userID)
	if err != nil {
		return res, err
	}

	for i := range res.Deliverables {
		d := &res.Deliverables[i]
		if err := a.store.PutDeliverable(ctx, *d); err != nil {
			return res, err
		}
		if a.resolver == nil {
			continue
		}
		decision, rerr := a.resolver.Resolve(ctx, *d)
		// Re-read: Resolve persists status/dueAt changes, and on a deferred
		// failure it records the error on the still-pending deliverable. The
		// caller sees that state in the result; the maintenance retry pass
		// picks it up later.
		cur, ok, err := a.store.GetDeliverable(ctx, d.ID)
		if err != nil {
			return res, err
		}
		if ok {
			*d = cur
		}
		if rerr != nil {
			a.log.Warn("resolve failed",
				logx.String("deliverable", d.ID), logx.Err(rerr))
			continue
		}
		if decision.Outcome == schema.OutcomeFlagged {
			continue
		}
		if a.sched != nil {
			if _, err := a.sched.Schedule(ctx, *d, destination); err != nil {
				a.log.Warn("reminder scheduling failed",
					logx.String("deliverable", d.ID), logx.Err(err))
			}
		}
	}
	return res, nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	if a.cron != nil {
		stopped := a.cron.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
			a.log.Warn("cron jobs still running at shutdown deadline")
		}
	}
	if a.disp != nil {
		a.disp.Stop(5 * time.Second)
	}
	if !a.sup.StopAndWait(5 * time.Second) {
		a.log.Warn("supervised goroutines did not stop in time")
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close", logx.Err(err))
	}
	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func mapReminderConfig(cfg *config.Config) (reminder.Config, error) {
	if cfg.Reminders.Workers < 0 {
		return reminder.Config{}, fmt.Errorf("reminders.workers must be >= 0")
	}
	if cfg.Reminders.MaxAttempts < 0 {
		return reminder.Config{}, fmt.Errorf("reminders.max_attempts must be >= 0")
	}
	return reminder.Config{
		Enabled:         cfg.Reminders.Enabled,
		PollInterval:    cfg.Reminders.PollInterval.Or(30 * time.Second),
		Workers:         cfg.Reminders.Workers,
		QueueSize:       cfg.Reminders.QueueSize,
		RatePerSec:      cfg.Reminders.RatePerSec,
		MaxAttempts:     cfg.Reminders.MaxAttempts,
		RetryDelay:      cfg.Reminders.RetryDelay.Or(time.Minute),
		DispatchTimeout: cfg.Reminders.DispatchTimeout.Or(45 * time.Second),
	}, nil
}

func mapResolverOptions(cfg *config.Config) []resolve.Option {
	return []resolve.Option{
		resolve.WithSlotStep(cfg.Resolver.SlotStep.Or(resolve.DefaultSlotStep)),
		resolve.WithHorizon(cfg.Resolver.SearchHorizon.Or(resolve.DefaultHorizon)),
		resolve.WithCallTimeout(cfg.Resolver.CallTimeout.Or(resolve.DefaultCallTimeout)),
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
