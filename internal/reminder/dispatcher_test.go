package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"slated/internal/backoff"
	"slated/internal/credential"
	"slated/internal/schema"
	"slated/internal/storage"
	"slated/internal/transport"
	logx "slated/pkg/logx"
)

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []string
	fail  error
	calls int
}

func (f *fakeNotifier) Send(_ context.Context, _, destination, title, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, destination+"|"+title)
	return nil
}

type staticTokens struct{}

func (staticTokens) Refresh(context.Context, string, string) (transport.RefreshedToken, error) {
	return transport.RefreshedToken{AccessToken: "fresh", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func newTestDispatcher(t *testing.T, store storage.Store, n transport.Notifier) *Dispatcher {
	t.Helper()
	creds := credential.NewManager(store, staticTokens{}, time.Minute, logx.Nop())
	if err := creds.Provision(context.Background(), "u-1", "tok", time.Now().Add(time.Hour), "r1"); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	exec := backoff.New(time.Millisecond, logx.Nop())
	return NewDispatcher(Config{Enabled: true, MaxAttempts: 3, RetryDelay: time.Minute},
		store, n, creds, exec, logx.Nop(), nil)
}

func seedJob(t *testing.T, store storage.Store, d schema.Deliverable, label string) storage.ReminderJob {
	t.Helper()
	if err := store.PutDeliverable(context.Background(), d); err != nil {
		t.Fatalf("PutDeliverable: %v", err)
	}
	j := storage.ReminderJob{
		ID:            d.ID + ":" + label,
		DeliverableID: d.ID,
		Label:         label,
		FiresAt:       time.Now().Add(-time.Minute),
		Channel:       "telegram",
		Destination:   "12345",
		State:         storage.JobDispatching,
	}
	if _, err := store.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return j
}

func TestDispatchDelivers(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	n := &fakeNotifier{}
	d := newTestDispatcher(t, store, n)
	del := confirmedDeliverable("d1", time.Now().Add(time.Hour), schema.PriorityHigh)
	j := seedJob(t, store, del, "t-1h")

	d.dispatch(context.Background(), j)

	got, ok, err := store.GetJob(context.Background(), j.ID)
	if err != nil || !ok {
		t.Fatalf("GetJob: ok=%v err=%v", ok, err)
	}
	if got.State != storage.JobDelivered {
		t.Fatalf("state = %s, want delivered", got.State)
	}
	if len(n.sent) != 1 {
		t.Fatalf("sent = %v, want one message", n.sent)
	}
}

func TestDispatchDeliverableRemoved(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	n := &fakeNotifier{}
	d := newTestDispatcher(t, store, n)
	del := confirmedDeliverable("d2", time.Now().Add(time.Hour), schema.PriorityNormal)
	j := seedJob(t, store, del, "t-1h")

	store.(interface{ DeleteDeliverable(string) }).DeleteDeliverable(del.ID)
	d.dispatch(context.Background(), j)

	got, _, _ := store.GetJob(context.Background(), j.ID)
	if got.State != storage.JobFailedPermanent || got.Reason != "deliverable-removed" {
		t.Fatalf("job = %+v, want failed-permanent/deliverable-removed", got)
	}
	if n.calls != 0 {
		t.Fatal("removed deliverables must not be notified")
	}
}

func TestDispatchRequeuesThenExhausts(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	// Non-retryable send failure: each dispatch burns exactly one attempt.
	n := &fakeNotifier{fail: backoff.NoRetry(errors.New("chat not found"))}
	d := newTestDispatcher(t, store, n)
	base := time.Date(2023, 10, 25, 13, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return base }
	del := confirmedDeliverable("d3", base.Add(time.Hour), schema.PriorityNormal)
	j := seedJob(t, store, del, "t-1h")

	d.dispatch(context.Background(), j)
	got, _, _ := store.GetJob(context.Background(), j.ID)
	if got.State != storage.JobScheduled || got.AttemptCount != 1 {
		t.Fatalf("after first failure job = %+v, want requeued with 1 attempt", got)
	}
	if !got.FiresAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("FiresAt = %v, want pushed forward by the retry delay", got.FiresAt)
	}

	d.dispatch(context.Background(), got)
	got, _, _ = store.GetJob(context.Background(), j.ID)
	if got.State != storage.JobScheduled || got.AttemptCount != 2 {
		t.Fatalf("after second failure job = %+v", got)
	}

	d.dispatch(context.Background(), got)
	got, _, _ = store.GetJob(context.Background(), j.ID)
	if got.State != storage.JobFailedPermanent || got.Reason != "attempts-exhausted" {
		t.Fatalf("after third failure job = %+v, want failed-permanent", got)
	}
}

func TestDispatchCredentialExpired(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	n := &fakeNotifier{}
	creds := credential.NewManager(store, expiredTokens{}, time.Minute, logx.Nop())
	if err := creds.Provision(context.Background(), "u-1", "tok", time.Now().Add(-time.Hour), "r1"); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	exec := backoff.New(time.Millisecond, logx.Nop())
	d := NewDispatcher(Config{Enabled: true, MaxAttempts: 3, RetryDelay: time.Minute},
		store, n, creds, exec, logx.Nop(), nil)

	del := confirmedDeliverable("d4", time.Now().Add(time.Hour), schema.PriorityNormal)
	j := seedJob(t, store, del, "t-1h")
	d.dispatch(context.Background(), j)

	got, _, _ := store.GetJob(context.Background(), j.ID)
	if got.State != storage.JobFailedPermanent || got.Reason != "credential-expired" {
		t.Fatalf("job = %+v, want failed-permanent/credential-expired", got)
	}
	if n.calls != 0 {
		t.Fatal("expired credentials must not reach the notifier")
	}
}

type expiredTokens struct{}

func (expiredTokens) Refresh(context.Context, string, string) (transport.RefreshedToken, error) {
	return transport.RefreshedToken{}, transport.ErrUnauthorized
}

// deadlineStore fails writes once the caller's context is done, like the SQL
// drivers do.
type deadlineStore struct{ storage.Store }

func (s deadlineStore) UpdateJob(ctx context.Context, j storage.ReminderJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.UpdateJob(ctx, j)
}

func TestDispatchPersistsOutcomeAfterDeadline(t *testing.T) {
	t.Parallel()
	store := deadlineStore{storage.NewMemory()}
	n := &fakeNotifier{}
	d := newTestDispatcher(t, store, n)
	del := confirmedDeliverable("d7", time.Now().Add(time.Hour), schema.PriorityNormal)
	j := seedJob(t, store, del, "t-1h")

	// The dispatch deadline has already passed when the outcome is written.
	// The transition out of dispatching must land regardless.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.dispatch(ctx, j)

	got, ok, err := store.GetJob(context.Background(), j.ID)
	if err != nil || !ok {
		t.Fatalf("GetJob: ok=%v err=%v", ok, err)
	}
	if got.State != storage.JobScheduled || got.AttemptCount != 1 {
		t.Fatalf("job after deadline = %+v, want requeued with 1 attempt", got)
	}
}

func TestPollOnceRecoversStaleClaim(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	n := &fakeNotifier{}
	d := newTestDispatcher(t, store, n)

	del := confirmedDeliverable("d8", time.Now().Add(time.Hour), schema.PriorityNormal)
	if err := store.PutDeliverable(context.Background(), del); err != nil {
		t.Fatalf("PutDeliverable: %v", err)
	}
	// Orphaned by a crash: claimed long ago, never closed.
	stale := storage.ReminderJob{
		ID: del.ID + ":t-1h", DeliverableID: del.ID, Label: "t-1h",
		FiresAt: time.Now().Add(-time.Hour), Channel: "telegram",
		Destination: "12345", State: storage.JobDispatching,
		UpdatedAt: time.Now().Add(-time.Hour),
	}
	// Claimed just now by a healthy worker; must be left alone.
	fresh := storage.ReminderJob{
		ID: del.ID + ":t-24h", DeliverableID: del.ID, Label: "t-24h",
		FiresAt: time.Now().Add(-time.Hour), Channel: "telegram",
		Destination: "12345", State: storage.JobDispatching,
		UpdatedAt: time.Now(),
	}
	for _, j := range []storage.ReminderJob{stale, fresh} {
		if _, err := store.CreateJob(context.Background(), j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	d.pollOnce(context.Background())

	if len(d.queue) != 1 {
		t.Fatalf("queue len = %d, want the recovered job handed to a worker", len(d.queue))
	}
	q := <-d.queue
	if q.ID != stale.ID {
		t.Fatalf("queued job = %s, want %s", q.ID, stale.ID)
	}
	got, _, _ := store.GetJob(context.Background(), fresh.ID)
	if got.State != storage.JobDispatching {
		t.Fatalf("fresh claim state = %s, want left dispatching", got.State)
	}
}

func TestPollOnceUnclaimsOnFullQueue(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	n := &fakeNotifier{}
	creds := credential.NewManager(store, staticTokens{}, time.Minute, logx.Nop())
	exec := backoff.New(time.Millisecond, logx.Nop())
	d := NewDispatcher(Config{Enabled: true, QueueSize: 1, MaxAttempts: 3, RetryDelay: time.Minute},
		store, n, creds, exec, logx.Nop(), nil)

	del := confirmedDeliverable("d5", time.Now().Add(time.Hour), schema.PriorityHigh)
	if err := store.PutDeliverable(context.Background(), del); err != nil {
		t.Fatalf("PutDeliverable: %v", err)
	}
	for _, label := range []string{"a", "b"} {
		j := storage.ReminderJob{
			ID: del.ID + ":" + label, DeliverableID: del.ID, Label: label,
			FiresAt: time.Now().Add(-time.Minute), Channel: "telegram",
			Destination: "12345", State: storage.JobScheduled,
		}
		if _, err := store.CreateJob(context.Background(), j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	// No workers are draining the queue; the second claim must be unclaimed.
	d.pollOnce(context.Background())

	counts, err := store.CountJobsByState(context.Background())
	if err != nil {
		t.Fatalf("CountJobsByState: %v", err)
	}
	if counts[storage.JobDispatching] != 1 || counts[storage.JobScheduled] != 1 {
		t.Fatalf("counts = %v, want one dispatching and one unclaimed", counts)
	}
}

func TestComposeReminder(t *testing.T) {
	t.Parallel()
	del := confirmedDeliverable("d6", time.Date(2023, 10, 25, 14, 0, 0, 0, time.UTC), schema.PriorityHigh)
	title, msg := composeReminder(del, "t-24h")
	if title != "Reminder: CS101 Midterm due tomorrow" {
		t.Fatalf("title = %q", title)
	}
	if msg == "" {
		t.Fatal("empty message")
	}
}
