package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"slated/internal/schema"
)

// memoryStore backs tests and dry runs. Same contract as the SQL drivers,
// guarded by a single mutex.
type memoryStore struct {
	mu           sync.Mutex
	deliverables map[string]schema.Deliverable
	jobs         map[string]ReminderJob
	creds        map[string]Credential
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memoryStore{
		deliverables: map[string]schema.Deliverable{},
		jobs:         map[string]ReminderJob{},
		creds:        map[string]Credential{},
	}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) PutDeliverable(_ context.Context, d schema.Deliverable) error {
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	s.deliverables[d.ID] = d
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) GetDeliverable(_ context.Context, id string) (schema.Deliverable, bool, error) {
	s.mu.Lock()
	d, ok := s.deliverables[id]
	s.mu.Unlock()
	return d, ok, nil
}

func (s *memoryStore) ListDeliverablesByStatus(_ context.Context, status schema.Status, limit int) ([]schema.Deliverable, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	var out []schema.Deliverable
	for _, d := range s.deliverables {
		if d.Status == status {
			out = append(out, d)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteDeliverable mimics an upstream removal (the core itself never
// deletes). Exposed for tests of the dispatcher's stale-item check.
func (s *memoryStore) DeleteDeliverable(id string) {
	s.mu.Lock()
	delete(s.deliverables, id)
	s.mu.Unlock()
}

func (s *memoryStore) CreateJob(_ context.Context, j ReminderJob) (bool, error) {
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.ID]; exists {
		return false, nil
	}
	s.jobs[j.ID] = j
	return true, nil
}

func (s *memoryStore) GetJob(_ context.Context, id string) (ReminderJob, bool, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	return j, ok, nil
}

func (s *memoryStore) UpdateJob(_ context.Context, j ReminderJob) error {
	j.UpdatedAt = time.Now()
	s.mu.Lock()
	s.jobs[j.ID] = j
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) ClaimDueJobs(_ context.Context, now time.Time, limit int) ([]ReminderJob, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []ReminderJob
	for _, j := range s.jobs {
		if j.State == JobScheduled && !j.FiresAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FiresAt.Before(due[j].FiresAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	for i := range due {
		due[i].State = JobDispatching
		due[i].UpdatedAt = now
		s.jobs[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *memoryStore) RequeueStaleJobs(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if j.State == JobDispatching && j.UpdatedAt.Before(olderThan) {
			j.State = JobScheduled
			j.UpdatedAt = time.Now()
			s.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) PruneTerminalJobs(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if j.State.Terminal() && j.UpdatedAt.Before(olderThan) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) CountJobsByState(_ context.Context) (map[JobState]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[JobState]int{}
	for _, j := range s.jobs {
		out[j.State]++
	}
	return out, nil
}

func (s *memoryStore) GetCredential(_ context.Context, userID string) (Credential, bool, error) {
	s.mu.Lock()
	c, ok := s.creds[userID]
	s.mu.Unlock()
	return c, ok, nil
}

func (s *memoryStore) PutCredential(_ context.Context, c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.creds[c.UserID]
	if ok {
		c.Version = prev.Version + 1
	} else {
		c.Version = 1
	}
	s.creds[c.UserID] = c
	return nil
}

func (s *memoryStore) SwapCredential(_ context.Context, c Credential, prevVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.creds[c.UserID]
	if !ok || prev.Version != prevVersion {
		return ErrVersionConflict
	}
	c.Version = prevVersion + 1
	s.creds[c.UserID] = c
	return nil
}
