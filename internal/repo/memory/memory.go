// Package memory is an in-memory implementation of the repositories
// with the same guard semantics as the Postgres stores. It backs unit
// tests and the coordinator's ephemeral dev mode; nothing survives a
// restart.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/neutra-labs/neutra-go/internal/domain"
	"github.com/neutra-labs/neutra-go/internal/repo"
)

type Store struct {
	mu        sync.Mutex
	studies   map[string]domain.Study
	runs      map[string]domain.Run
	events    []domain.RunEvent
	summaries map[string]domain.Summary
	nextEvent int64
}

func NewStore() *Store {
	return &Store{
		studies:   make(map[string]domain.Study),
		runs:      make(map[string]domain.Run),
		summaries: make(map[string]domain.Summary),
	}
}

func (m *Store) UpsertStudy(_ context.Context, study domain.Study) (domain.Study, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.studies[study.SpecHash]; ok {
		return existing, false, nil
	}
	m.studies[study.SpecHash] = study
	return study, true, nil
}

func (m *Store) GetStudy(_ context.Context, specHash string) (domain.Study, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	study, ok := m.studies[specHash]
	if !ok {
		return domain.Study{}, repo.ErrNotFound
	}
	return study, nil
}

func (m *Store) appendLocked(event domain.RunEvent) domain.RunEvent {
	m.nextEvent++
	event.EventID = m.nextEvent
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	m.events = append(m.events, event)
	return event
}

func (m *Store) CreateRun(_ context.Context, run domain.Run, agent string) (repo.Mutation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return repo.Mutation{}, repo.ErrAlreadyExists
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	m.runs[run.ID] = run
	event := m.appendLocked(domain.RunEvent{
		RunID: run.ID,
		Type:  domain.EventTypeRunCreated,
		Agent: agent,
	})
	return repo.Mutation{Run: run, Event: event}, nil
}

func (m *Store) GetRun(_ context.Context, id string) (domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return run, nil
}

func (m *Store) ListRuns(_ context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Run, 0, len(m.runs))
	for _, run := range m.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []domain.Run{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Store) UpdateRunStatus(_ context.Context, id string, status domain.RunStatus, runErr *domain.RunError, endedAt *time.Time, agent string) (repo.Mutation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return repo.Mutation{}, repo.ErrNotFound
	}
	if run.Status.IsTerminal() {
		return repo.Mutation{}, repo.ErrInvalidTransition
	}
	run.Status = status
	if runErr != nil {
		run.Error = strings.TrimSpace(strings.TrimPrefix(runErr.Type+": "+runErr.Message, ": "))
	}
	if endedAt != nil {
		run.EndedAt = endedAt
	}
	if run.Status.IsTerminal() {
		run.ClaimedBy = ""
		run.LeaseExpiresAt = nil
	}
	m.runs[id] = run
	event := m.appendLocked(domain.RunEvent{
		RunID: id,
		Type:  domain.EventTypeStatusChanged,
		Agent: agent,
		Payload: domain.Metadata{
			"status": string(status),
		},
	})
	return repo.Mutation{Run: run, Event: event}, nil
}

func (m *Store) UpdateRunPhase(_ context.Context, id string, phase domain.RunPhase, status domain.RunStatus, startedAt *time.Time, agent string) (repo.Mutation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return repo.Mutation{}, repo.ErrNotFound
	}
	if run.Status.IsTerminal() {
		return repo.Mutation{}, repo.ErrInvalidTransition
	}
	run.Phase = phase
	if status != "" {
		run.Status = status
	}
	if startedAt != nil && run.StartedAt == nil {
		run.StartedAt = startedAt
	}
	if run.Status.IsTerminal() {
		run.ClaimedBy = ""
		run.LeaseExpiresAt = nil
	}
	m.runs[id] = run
	event := m.appendLocked(domain.RunEvent{
		RunID: id,
		Type:  domain.EventTypePhaseChanged,
		Agent: agent,
		Payload: domain.Metadata{
			"phase": string(phase),
		},
	})
	return repo.Mutation{Run: run, Event: event}, nil
}

func (m *Store) UpdateRunArtifacts(_ context.Context, id string, artifacts domain.Artifacts, agent string) (repo.Mutation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return repo.Mutation{}, repo.ErrNotFound
	}
	if artifacts.BundlePath != "" {
		run.Artifacts.BundlePath = artifacts.BundlePath
	}
	if artifacts.ResultPath != "" {
		run.Artifacts.ResultPath = artifacts.ResultPath
	}
	if artifacts.ExportPath != "" {
		run.Artifacts.ExportPath = artifacts.ExportPath
	}
	m.runs[id] = run
	event := m.appendLocked(domain.RunEvent{
		RunID: id,
		Type:  domain.EventTypeArtifactsUpdated,
		Agent: agent,
	})
	return repo.Mutation{Run: run, Event: event}, nil
}

func (m *Store) ClaimNext(_ context.Context, req repo.ClaimRequest) (repo.Mutation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eligible := req.EligibleStatus
	if eligible == "" {
		eligible = domain.RunStatusQueued
	}
	var candidates []domain.Run
	for _, run := range m.runs {
		if run.Status != eligible {
			continue
		}
		if run.LeaseExpiresAt != nil && run.LeaseExpiresAt.After(req.Now) {
			continue
		}
		if req.EligiblePhase != "" && run.Phase != req.EligiblePhase {
			continue
		}
		candidates = append(candidates, run)
	}
	if len(candidates) == 0 {
		return repo.Mutation{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	run := candidates[0]
	run.Status = domain.RunStatusRunning
	run.ClaimedBy = req.WorkerID
	lease := req.LeaseExpiresAt
	run.LeaseExpiresAt = &lease
	if run.StartedAt == nil {
		now := req.Now
		run.StartedAt = &now
	}
	m.runs[run.ID] = run
	event := m.appendLocked(domain.RunEvent{
		RunID: run.ID,
		Type:  domain.EventTypeRunClaimed,
		Agent: req.WorkerID,
		Payload: domain.Metadata{
			"worker_id": req.WorkerID,
		},
	})
	return repo.Mutation{Run: run, Event: event}, true, nil
}

func (m *Store) RenewLease(_ context.Context, runID, workerID string, leaseExpiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok || run.ClaimedBy != workerID || run.Status != domain.RunStatusRunning {
		return repo.ErrLeaseLost
	}
	run.LeaseExpiresAt = &leaseExpiresAt
	m.runs[runID] = run
	return nil
}

func (m *Store) Release(_ context.Context, req repo.ReleaseRequest) (repo.Mutation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[req.RunID]
	if !ok || run.ClaimedBy != req.WorkerID || run.Status.IsTerminal() {
		return repo.Mutation{}, false, nil
	}
	if req.Status != "" {
		run.Status = req.Status
	}
	if req.Phase != "" {
		run.Phase = req.Phase
	}
	run.ClaimedBy = ""
	run.LeaseExpiresAt = nil
	if req.EndedAt != nil {
		run.EndedAt = req.EndedAt
	}
	m.runs[req.RunID] = run
	event := m.appendLocked(domain.RunEvent{
		RunID: req.RunID,
		Type:  domain.EventTypeRunReleased,
		Agent: req.WorkerID,
		Payload: domain.Metadata{
			"worker_id": req.WorkerID,
		},
	})
	return repo.Mutation{Run: run, Event: event}, true, nil
}

func (m *Store) AppendEvent(_ context.Context, event domain.RunEvent) (domain.RunEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(event), nil
}

func (m *Store) ListEvents(_ context.Context, runID string, filter repo.EventFilter) ([]domain.RunEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	out := make([]domain.RunEvent, 0)
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		event := m.events[i]
		if event.RunID != runID {
			continue
		}
		if filter.Type != "" && event.Type != filter.Type {
			continue
		}
		out = append(out, event)
	}
	return out, nil
}

func (m *Store) TailEvents(_ context.Context, runID string, afterEventID int64, limit int) ([]domain.RunEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 1000
	}
	out := make([]domain.RunEvent, 0)
	for _, event := range m.events {
		if event.RunID != runID || event.EventID <= afterEventID {
			continue
		}
		out = append(out, event)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Store) CreateSummary(_ context.Context, summary domain.Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.summaries[summary.RunID]; ok {
		return repo.ErrAlreadyExists
	}
	m.summaries[summary.RunID] = summary
	return nil
}

func (m *Store) GetSummary(_ context.Context, runID string) (domain.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	summary, ok := m.summaries[runID]
	if !ok {
		return domain.Summary{}, repo.ErrNotFound
	}
	return summary, nil
}

// SetLeaseExpiry rewrites a run's lease deadline. Test hook for
// exercising crash recovery without waiting out real leases.
func (m *Store) SetLeaseExpiry(runID string, leaseExpiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return
	}
	run.LeaseExpiresAt = &leaseExpiresAt
	m.runs[runID] = run
}

// EventTypes returns the ordered audit-event types for a run.
func (m *Store) EventTypes(runID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, 0)
	for _, event := range m.events {
		if event.RunID == runID {
			types = append(types, event.Type)
		}
	}
	return types
}
