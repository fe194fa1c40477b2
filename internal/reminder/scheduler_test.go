package reminder

import (
	"context"
	"testing"
	"time"

	"slated/internal/schema"
	"slated/internal/storage"
	logx "slated/pkg/logx"
)

func confirmedDeliverable(id string, due time.Time, prio schema.Priority) schema.Deliverable {
	return schema.Deliverable{
		ID:       id,
		UserID:   "u-1",
		Title:    "CS101 Midterm",
		Kind:     schema.KindExam,
		DueAt:    due,
		Priority: prio,
		Status:   schema.StatusConfirmed,
	}
}

func TestScheduleHighPriorityOffsets(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	s := NewScheduler(store, "telegram", logx.Nop(), nil)
	s.now = func() time.Time { return time.Date(2023, 10, 20, 12, 0, 0, 0, time.UTC) }

	due := time.Date(2023, 10, 25, 14, 0, 0, 0, time.UTC)
	jobs, err := s.Schedule(context.Background(), confirmedDeliverable("d1", due, schema.PriorityHigh), "chat-1")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want 2 for high priority", len(jobs))
	}

	wantFires := map[string]time.Time{
		"d1:t-24h": time.Date(2023, 10, 24, 14, 0, 0, 0, time.UTC),
		"d1:t-1h":  time.Date(2023, 10, 25, 13, 0, 0, 0, time.UTC),
	}
	for _, j := range jobs {
		want, ok := wantFires[j.ID]
		if !ok {
			t.Fatalf("unexpected job id %q", j.ID)
		}
		if !j.FiresAt.Equal(want) {
			t.Fatalf("%s fires at %v, want %v", j.ID, j.FiresAt, want)
		}
		if j.State != storage.JobScheduled || j.Destination != "chat-1" {
			t.Fatalf("job = %+v", j)
		}
	}
}

func TestScheduleNormalPrioritySingleOffset(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	s := NewScheduler(store, "telegram", logx.Nop(), nil)

	due := time.Now().Add(48 * time.Hour)
	jobs, err := s.Schedule(context.Background(), confirmedDeliverable("d2", due, schema.PriorityNormal), "chat-1")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Label != "t-1h" {
		t.Fatalf("jobs = %+v, want a single t-1h job", jobs)
	}
}

func TestScheduleIdempotent(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	s := NewScheduler(store, "telegram", logx.Nop(), nil)
	d := confirmedDeliverable("d3", time.Now().Add(48*time.Hour), schema.PriorityHigh)

	first, err := s.Schedule(context.Background(), d, "chat-1")
	if err != nil {
		t.Fatalf("first Schedule: %v", err)
	}
	second, err := s.Schedule(context.Background(), d, "chat-1")
	if err != nil {
		t.Fatalf("second Schedule: %v", err)
	}
	if len(first) != 2 || len(second) != 0 {
		t.Fatalf("first=%d second=%d, want 2 then 0", len(first), len(second))
	}
}

func TestSchedulePastOffsetCatchesUp(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	s := NewScheduler(store, "telegram", logx.Nop(), nil)
	now := time.Date(2023, 10, 25, 13, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	// Confirmed 30 minutes before due: both offsets are already past.
	due := now.Add(30 * time.Minute)
	jobs, err := s.Schedule(context.Background(), confirmedDeliverable("d4", due, schema.PriorityHigh), "chat-1")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(jobs))
	}
	for _, j := range jobs {
		if !j.FiresAt.Equal(now) {
			t.Fatalf("%s fires at %v, want clamped to now", j.ID, j.FiresAt)
		}
	}
}

func TestScheduleRejectsPending(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	s := NewScheduler(store, "telegram", logx.Nop(), nil)

	d := confirmedDeliverable("d5", time.Now().Add(time.Hour), schema.PriorityNormal)
	d.Status = schema.StatusPending
	if _, err := s.Schedule(context.Background(), d, "chat-1"); err == nil {
		t.Fatal("expected error for a pending deliverable")
	}
}
