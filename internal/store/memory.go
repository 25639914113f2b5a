package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wonny/backtester/internal/contracts"
)

// Memory keeps runs in process (CLI runs without a database, tests)
type Memory struct {
	mu   sync.RWMutex
	runs map[string]*Run
	now  func() time.Time
}

// NewMemory creates an empty in-memory repository
func NewMemory() *Memory {
	return &Memory{runs: make(map[string]*Run), now: time.Now}
}

// Create inserts a run in status started
func (m *Memory) Create(_ context.Context, id string, spec *contracts.JobSpec, specHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[id]; ok {
		return fmt.Errorf("run %s already exists", id)
	}
	now := m.now()
	m.runs[id] = &Run{
		ID:        id,
		Status:    contracts.RunStatusStarted,
		State:     contracts.StateInitialized,
		Owner:     spec.Metadata.Owner,
		SpecHash:  specHash,
		Spec:      spec,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

// MarkRunning moves a started run to running
func (m *Memory) MarkRunning(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok || run.Status.Finished() {
		return fmt.Errorf("run %s: %w", id, contracts.ErrNotFound)
	}
	run.Status = contracts.RunStatusRunning
	run.UpdatedAt = m.now()
	return nil
}

// Save stores the terminal outcome
func (m *Memory) Save(_ context.Context, id string, out *contracts.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, contracts.ErrNotFound)
	}
	run.Status = StatusOf(out)
	run.State = out.State
	run.Summary = out.Summary
	run.Reason = out.Reason
	run.UpdatedAt = m.now()
	return nil
}

// Get returns a copy of one run
func (m *Memory) Get(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, contracts.ErrNotFound)
	}
	cp := *run
	return &cp, nil
}

// ListRecent returns the newest runs first, without spec and summary
func (m *Memory) ListRecent(_ context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	m.mu.RLock()
	runs := make([]Run, 0, len(m.runs))
	for _, r := range m.runs {
		cp := *r
		cp.Spec, cp.Summary = nil, nil
		runs = append(runs, cp)
	}
	m.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// MarkStale fails unfinished runs not updated since before
func (m *Memory) MarkStale(_ context.Context, before time.Time, reason string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, run := range m.runs {
		if run.Status.Finished() || !run.UpdatedAt.Before(before) {
			continue
		}
		run.Status = contracts.RunStatusFailed
		run.State = contracts.StateFailed
		run.Reason = reason
		run.UpdatedAt = m.now()
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
