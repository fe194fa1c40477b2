package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"slated/internal/schema"
)

func TestMemoryDeliverableRoundTrip(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()

	d := schema.Deliverable{
		ID: "d1", UserID: "u1", Title: "Essay",
		DueAt: time.Date(2023, 10, 25, 14, 0, 0, 0, time.UTC),
		Status: schema.StatusPending,
	}
	if err := s.PutDeliverable(ctx, d); err != nil {
		t.Fatalf("PutDeliverable: %v", err)
	}
	got, ok, err := s.GetDeliverable(ctx, "d1")
	if err != nil || !ok {
		t.Fatalf("GetDeliverable: ok=%v err=%v", ok, err)
	}
	if got.Title != "Essay" || got.UpdatedAt.IsZero() {
		t.Fatalf("got %+v", got)
	}

	_, ok, err = s.GetDeliverable(ctx, "missing")
	if err != nil || ok {
		t.Fatalf("missing id: ok=%v err=%v", ok, err)
	}
}

func TestMemoryListByStatusOrdered(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()
	base := time.Date(2023, 10, 25, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"late", "early", "mid"} {
		offs := []time.Duration{48 * time.Hour, 1 * time.Hour, 24 * time.Hour}
		d := schema.Deliverable{ID: id, DueAt: base.Add(offs[i]), Status: schema.StatusConfirmed}
		if err := s.PutDeliverable(ctx, d); err != nil {
			t.Fatalf("PutDeliverable: %v", err)
		}
	}
	if err := s.PutDeliverable(ctx, schema.Deliverable{ID: "other", DueAt: base, Status: schema.StatusPending}); err != nil {
		t.Fatalf("PutDeliverable: %v", err)
	}

	got, err := s.ListDeliverablesByStatus(ctx, schema.StatusConfirmed, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 || got[0].ID != "early" || got[1].ID != "mid" || got[2].ID != "late" {
		t.Fatalf("got %+v, want due-ascending confirmed only", got)
	}
}

func TestMemoryCreateJobIdempotent(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()
	j := ReminderJob{ID: "d1:t-1h", DeliverableID: "d1", State: JobScheduled, FiresAt: time.Now()}

	created, err := s.CreateJob(ctx, j)
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	created, err = s.CreateJob(ctx, j)
	if err != nil || created {
		t.Fatalf("second create: created=%v err=%v, want no-op", created, err)
	}
}

func TestMemoryClaimDueJobs(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()
	now := time.Date(2023, 10, 25, 13, 0, 0, 0, time.UTC)

	jobs := []ReminderJob{
		{ID: "due-1", State: JobScheduled, FiresAt: now.Add(-time.Hour)},
		{ID: "due-2", State: JobScheduled, FiresAt: now},
		{ID: "future", State: JobScheduled, FiresAt: now.Add(time.Second)},
		{ID: "taken", State: JobDispatching, FiresAt: now.Add(-time.Hour)},
	}
	for _, j := range jobs {
		if _, err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	claimed, err := s.ClaimDueJobs(ctx, now, 50)
	if err != nil {
		t.Fatalf("ClaimDueJobs: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d jobs (%v), want 2: never early, never double-claimed", len(claimed), claimed)
	}
	if claimed[0].ID != "due-1" || claimed[1].ID != "due-2" {
		t.Fatalf("claim order = %v, want oldest first", claimed)
	}
	for _, j := range claimed {
		if j.State != JobDispatching {
			t.Fatalf("job %s state = %s, want dispatching", j.ID, j.State)
		}
	}

	// A second claim pass must find nothing.
	again, err := s.ClaimDueJobs(ctx, now, 50)
	if err != nil {
		t.Fatalf("second ClaimDueJobs: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second claim = %v, want empty", again)
	}
}

func TestMemoryRequeueStaleJobs(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()
	now := time.Date(2023, 10, 25, 13, 0, 0, 0, time.UTC)

	jobs := []ReminderJob{
		{ID: "orphaned", State: JobDispatching, FiresAt: now.Add(-2 * time.Hour), UpdatedAt: now.Add(-time.Hour)},
		{ID: "in-flight", State: JobDispatching, FiresAt: now.Add(-time.Minute), UpdatedAt: now},
		{ID: "waiting", State: JobScheduled, FiresAt: now.Add(time.Hour), UpdatedAt: now.Add(-time.Hour)},
		{ID: "done", State: JobDelivered, FiresAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour)},
	}
	for _, j := range jobs {
		if _, err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	n, err := s.RequeueStaleJobs(ctx, now.Add(-2*time.Minute))
	if err != nil {
		t.Fatalf("RequeueStaleJobs: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued %d jobs, want only the orphaned claim", n)
	}

	got, _, _ := s.GetJob(ctx, "orphaned")
	if got.State != JobScheduled {
		t.Fatalf("orphaned state = %s, want scheduled again", got.State)
	}
	for _, id := range []string{"in-flight", "waiting", "done"} {
		before, after := jobsByID(jobs, id), mustGetJob(t, s, id)
		if after.State != before.State {
			t.Fatalf("job %s state = %s, want untouched %s", id, after.State, before.State)
		}
	}
}

func jobsByID(jobs []ReminderJob, id string) ReminderJob {
	for _, j := range jobs {
		if j.ID == id {
			return j
		}
	}
	return ReminderJob{}
}

func mustGetJob(t *testing.T, s Store, id string) ReminderJob {
	t.Helper()
	j, ok, err := s.GetJob(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("GetJob(%s): ok=%v err=%v", id, ok, err)
	}
	return j
}

func TestMemoryPruneTerminalJobs(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()
	old := time.Now().Add(-10 * 24 * time.Hour)

	terminalOld := ReminderJob{ID: "t-old", State: JobDelivered, UpdatedAt: old}
	terminalNew := ReminderJob{ID: "t-new", State: JobFailedPermanent, UpdatedAt: time.Now()}
	live := ReminderJob{ID: "live", State: JobScheduled, UpdatedAt: old}
	for _, j := range []ReminderJob{terminalOld, terminalNew, live} {
		if _, err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	n, err := s.PruneTerminalJobs(ctx, time.Now().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("PruneTerminalJobs: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
	if _, ok, _ := s.GetJob(ctx, "live"); !ok {
		t.Fatal("live job must survive pruning")
	}
	if _, ok, _ := s.GetJob(ctx, "t-new"); !ok {
		t.Fatal("recent terminal job must survive pruning")
	}
}

func TestMemoryCredentialSwap(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()

	if err := s.PutCredential(ctx, Credential{UserID: "u1", AccessToken: "a1", RefreshToken: "r1"}); err != nil {
		t.Fatalf("PutCredential: %v", err)
	}
	c, ok, err := s.GetCredential(ctx, "u1")
	if err != nil || !ok || c.Version != 1 {
		t.Fatalf("GetCredential: %+v ok=%v err=%v", c, ok, err)
	}

	c.AccessToken = "a2"
	if err := s.SwapCredential(ctx, c, c.Version); err != nil {
		t.Fatalf("SwapCredential: %v", err)
	}

	// Second writer still holding version 1 must lose.
	c.AccessToken = "a3"
	if err := s.SwapCredential(ctx, c, 1); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}

	got, _, _ := s.GetCredential(ctx, "u1")
	if got.AccessToken != "a2" || got.Version != 2 {
		t.Fatalf("got %+v, want the first writer's value at version 2", got)
	}
}
