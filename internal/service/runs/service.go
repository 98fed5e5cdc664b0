// Package runs is the coordination service: it owns the run lifecycle
// from submission through claim, phase progression, and release, and
// mirrors every audit event onto the live event bus.
package runs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/neutra-labs/neutra-go/internal/bus"
	"github.com/neutra-labs/neutra-go/internal/domain"
	"github.com/neutra-labs/neutra-go/internal/repo"
	"github.com/neutra-labs/neutra-go/internal/spechash"
	"github.com/neutra-labs/neutra-go/internal/specvalidator"
)

// DefaultLeaseDuration bounds how long a claim survives without renewal.
const DefaultLeaseDuration = 60 * time.Second

type Service struct {
	studies   repo.StudyRepository
	runs      repo.RunRepository
	claims    repo.ClaimRepository
	events    repo.EventRepository
	summaries repo.SummaryRepository
	bus       *bus.Broadcaster
	lease     time.Duration
	now       func() time.Time
	newID     func() string
}

type Config struct {
	Studies   repo.StudyRepository
	Runs      repo.RunRepository
	Claims    repo.ClaimRepository
	Events    repo.EventRepository
	Summaries repo.SummaryRepository
	Bus       *bus.Broadcaster
	Lease     time.Duration
}

func New(cfg Config) *Service {
	if cfg.Studies == nil || cfg.Runs == nil || cfg.Claims == nil || cfg.Events == nil || cfg.Summaries == nil || cfg.Bus == nil {
		return nil
	}
	lease := cfg.Lease
	if lease <= 0 {
		lease = DefaultLeaseDuration
	}
	return &Service{
		studies:   cfg.Studies,
		runs:      cfg.Runs,
		claims:    cfg.Claims,
		events:    cfg.Events,
		summaries: cfg.Summaries,
		bus:       cfg.Bus,
		lease:     lease,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// SubmitResult reports where a submission landed: always a fresh run,
// StudyCreated reports whether the spec content was seen before.
type SubmitResult struct {
	Run          domain.Run
	SpecHash     string
	StudyCreated bool
}

// Submit validates and canonicalizes the raw spec, registers its
// content under the hash, and enqueues a new run. Identical specs share
// one study but still get distinct runs.
func (s *Service) Submit(ctx context.Context, rawSpec []byte, agent string) (SubmitResult, error) {
	spec, err := spechash.Parse(rawSpec)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("parse spec: %w", err)
	}
	if err := specvalidator.ValidateSimSpec(spec); err != nil {
		return SubmitResult{}, err
	}
	canonical, err := spechash.Canonicalize(spec)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("canonicalize spec: %w", err)
	}
	hash, err := spechash.Hash(spec)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("hash spec: %w", err)
	}

	study, created, err := s.studies.UpsertStudy(ctx, domain.Study{
		SpecHash:      hash,
		CanonicalSpec: canonical,
		CreatedAt:     s.now(),
	})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("register study: %w", err)
	}

	mutation, err := s.runs.CreateRun(ctx, domain.Run{
		ID:        s.newID(),
		SpecHash:  study.SpecHash,
		Status:    domain.RunStatusQueued,
		Phase:     domain.RunPhaseBundle,
		CreatedAt: s.now(),
	}, agent)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("create run: %w", err)
	}
	s.bus.Publish(mutation.Event)

	return SubmitResult{
		Run:          mutation.Run,
		SpecHash:     study.SpecHash,
		StudyCreated: created,
	}, nil
}

// GetStudy returns the canonical spec content registered under a hash.
func (s *Service) GetStudy(ctx context.Context, specHash string) (domain.Study, error) {
	return s.studies.GetStudy(ctx, specHash)
}

// RunDetail bundles a run with its summary (when extracted) and its
// most recent audit events.
type RunDetail struct {
	Run          domain.Run
	Summary      *domain.Summary
	RecentEvents []domain.RunEvent
}

func (s *Service) Get(ctx context.Context, runID string) (RunDetail, error) {
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return RunDetail{}, err
	}
	detail := RunDetail{Run: run}

	summary, err := s.summaries.GetSummary(ctx, runID)
	switch {
	case err == nil:
		detail.Summary = &summary
	case errors.Is(err, repo.ErrNotFound):
	default:
		return RunDetail{}, err
	}

	events, err := s.events.ListEvents(ctx, runID, repo.EventFilter{Limit: 20})
	if err != nil {
		return RunDetail{}, err
	}
	detail.RecentEvents = events
	return detail, nil
}

func (s *Service) List(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	return s.runs.ListRuns(ctx, filter)
}

func (s *Service) ListEvents(ctx context.Context, runID string, filter repo.EventFilter) ([]domain.RunEvent, error) {
	if _, err := s.runs.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.events.ListEvents(ctx, runID, filter)
}

func (s *Service) TailEvents(ctx context.Context, runID string, afterEventID int64, limit int) ([]domain.RunEvent, error) {
	return s.events.TailEvents(ctx, runID, afterEventID, limit)
}

// Subscribe attaches a live observer to one run's event stream.
func (s *Service) Subscribe(runID string) (<-chan domain.RunEvent, func()) {
	return s.bus.Subscribe(runID)
}

// Cancel marks a run cancelled. Cancellation is intent bookkeeping: a
// queued run will never be claimed afterwards, while a worker already
// executing it learns of the loss when its next renew fails.
func (s *Service) Cancel(ctx context.Context, runID, agent string) (domain.Run, error) {
	endedAt := s.now()
	mutation, err := s.runs.UpdateRunStatus(ctx, runID, domain.RunStatusCancelled, nil, &endedAt, agent)
	if err != nil {
		return domain.Run{}, err
	}
	s.bus.Publish(mutation.Event)
	if mutation.Run.Status.IsTerminal() {
		s.bus.CloseStream(mutation.Run.ID)
	}
	return mutation.Run, nil
}

// ClaimNext hands the oldest eligible run to the worker under a fresh
// lease. ok=false means the queue is empty.
func (s *Service) ClaimNext(ctx context.Context, workerID string, eligibleStatus domain.RunStatus, eligiblePhase domain.RunPhase) (domain.Run, time.Time, bool, error) {
	now := s.now()
	leaseExpiresAt := now.Add(s.lease)
	mutation, ok, err := s.claims.ClaimNext(ctx, repo.ClaimRequest{
		WorkerID:       workerID,
		Now:            now,
		LeaseExpiresAt: leaseExpiresAt,
		EligibleStatus: eligibleStatus,
		EligiblePhase:  eligiblePhase,
	})
	if err != nil || !ok {
		return domain.Run{}, time.Time{}, false, err
	}
	s.bus.Publish(mutation.Event)
	return mutation.Run, leaseExpiresAt, true, nil
}

// RenewLease extends the worker's lease. repo.ErrLeaseLost means the
// worker must abandon the run.
func (s *Service) RenewLease(ctx context.Context, runID, workerID string) (time.Time, error) {
	leaseExpiresAt := s.now().Add(s.lease)
	if err := s.claims.RenewLease(ctx, runID, workerID, leaseExpiresAt); err != nil {
		return time.Time{}, err
	}
	return leaseExpiresAt, nil
}

// ReleaseRequest is the worker-facing release: final status and phase
// are optional, errors only accompany failures.
type ReleaseRequest struct {
	RunID    string
	WorkerID string
	Status   domain.RunStatus
	Phase    domain.RunPhase
	Error    *domain.RunError
}

// Release gives up the worker's claim. Releasing a run the worker no
// longer holds is a silent no-op so that lease-loss races stay benign.
func (s *Service) Release(ctx context.Context, req ReleaseRequest) (domain.Run, bool, error) {
	var endedAt *time.Time
	if req.Status.IsTerminal() {
		now := s.now()
		endedAt = &now
	}
	mutation, ok, err := s.claims.Release(ctx, repo.ReleaseRequest{
		RunID:    req.RunID,
		WorkerID: req.WorkerID,
		Status:   req.Status,
		Phase:    req.Phase,
		Error:    req.Error,
		EndedAt:  endedAt,
	})
	if err != nil || !ok {
		return domain.Run{}, false, err
	}
	s.bus.Publish(mutation.Event)
	if mutation.Run.Status.IsTerminal() {
		s.bus.CloseStream(mutation.Run.ID)
	}
	return mutation.Run, true, nil
}

// AdvancePhase moves a run forward through bundle → execute → extract →
// done. Regressions are rejected before touching storage.
func (s *Service) AdvancePhase(ctx context.Context, runID string, phase domain.RunPhase, status domain.RunStatus, agent string) (domain.Run, error) {
	current, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if !domain.CanAdvancePhase(current.Phase, phase) {
		return domain.Run{}, fmt.Errorf("%w: phase %s -> %s", repo.ErrInvalidTransition, current.Phase, phase)
	}

	var startedAt *time.Time
	if status == domain.RunStatusRunning && current.StartedAt == nil {
		now := s.now()
		startedAt = &now
	}
	mutation, err := s.runs.UpdateRunPhase(ctx, runID, phase, status, startedAt, agent)
	if err != nil {
		return domain.Run{}, err
	}
	s.bus.Publish(mutation.Event)
	if mutation.Run.Status.IsTerminal() {
		s.bus.CloseStream(mutation.Run.ID)
	}
	return mutation.Run, nil
}

// RecordArtifacts stores produced object paths on the run.
func (s *Service) RecordArtifacts(ctx context.Context, runID string, artifacts domain.Artifacts, agent string) (domain.Run, error) {
	mutation, err := s.runs.UpdateRunArtifacts(ctx, runID, artifacts, agent)
	if err != nil {
		return domain.Run{}, err
	}
	s.bus.Publish(mutation.Event)
	return mutation.Run, nil
}

// RecordProgress appends a worker progress event (batch_completed,
// log_line, job-specific types) to the trail and the live stream.
func (s *Service) RecordProgress(ctx context.Context, runID, eventType, agent string, payload domain.Metadata) (domain.RunEvent, error) {
	if strings.TrimSpace(eventType) == "" || eventType == domain.EventTypeStreamEnd {
		return domain.RunEvent{}, fmt.Errorf("invalid event type %q", eventType)
	}
	if _, err := s.runs.GetRun(ctx, runID); err != nil {
		return domain.RunEvent{}, err
	}
	event, err := s.events.AppendEvent(ctx, domain.RunEvent{
		RunID:      runID,
		OccurredAt: s.now(),
		Type:       eventType,
		Agent:      agent,
		Payload:    payload,
	})
	if err != nil {
		return domain.RunEvent{}, err
	}
	s.bus.Publish(event)
	return event, nil
}

// WriteSummary records the extracted result, exactly once per run.
// Failed and cancelled runs have no result to record.
func (s *Service) WriteSummary(ctx context.Context, summary domain.Summary) error {
	run, err := s.runs.GetRun(ctx, summary.RunID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() && run.Status != domain.RunStatusSucceeded {
		return fmt.Errorf("%w: summary for %s run", repo.ErrInvalidTransition, run.Status)
	}
	if summary.ExtractedAt.IsZero() {
		summary.ExtractedAt = s.now()
	}
	return s.summaries.CreateSummary(ctx, summary)
}

// GetSummary returns the extracted result for a run.
func (s *Service) GetSummary(ctx context.Context, runID string) (domain.Summary, error) {
	return s.summaries.GetSummary(ctx, runID)
}

// LeaseDuration exposes the configured lease length for worker renewal
// cadence.
func (s *Service) LeaseDuration() time.Duration {
	return s.lease
}
