package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/jenkins-dump/internal/store"
)

// RunStore provides an in-memory store.RunRepository.
type RunStore struct {
	mu     sync.RWMutex
	now    func() time.Time
	runs   map[string]store.Run
	latest string
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore constructs a RunStore. A nil now defaults to time.Now.
func NewRunStore(now func() time.Time) *RunStore {
	if now == nil {
		now = time.Now
	}
	return &RunStore{
		now:  now,
		runs: make(map[string]store.Run),
	}
}

// CreateRun stores a new run in running status.
func (s *RunStore) CreateRun(_ context.Context, run store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	if run.Status == "" {
		run.Status = store.RunRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now().UTC()
	}
	s.runs[run.ID] = run
	s.latest = run.ID
	return nil
}

// UpdateRun applies an update; a terminal status stamps FinishedAt once.
func (s *RunStore) UpdateRun(_ context.Context, id string, update store.RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	if update.Status != "" {
		run.Status = update.Status
	}
	if update.Phase != "" {
		run.Phase = update.Phase
	}
	run.Counters = update.Counters
	run.ErrorText = update.ErrorText
	if run.Status.Terminal() && run.FinishedAt == nil {
		finished := s.now().UTC()
		run.FinishedAt = &finished
	}
	s.runs[id] = run
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, id string) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return store.Run{}, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	return run, nil
}

// LatestRun returns the most recently created run.
func (s *RunStore) LatestRun(ctx context.Context) (store.Run, error) {
	s.mu.RLock()
	latest := s.latest
	s.mu.RUnlock()
	if latest == "" {
		return store.Run{}, store.ErrNotFound
	}
	return s.GetRun(ctx, latest)
}
