package repo

import (
	"context"
	"time"

	"github.com/neutra-labs/neutra-go/internal/domain"
)

type RunFilter struct {
	Status domain.RunStatus
	Limit  int
	Offset int
}

type EventFilter struct {
	Type  string
	Limit int
}

// ClaimRequest describes one attempt to take exclusive-ish ownership of
// the oldest eligible run.
type ClaimRequest struct {
	WorkerID       string
	Now            time.Time
	LeaseExpiresAt time.Time
	EligibleStatus domain.RunStatus
	EligiblePhase  domain.RunPhase
}

// ReleaseRequest clears a worker's lease, optionally finalizing status
// and phase in the same update.
type ReleaseRequest struct {
	RunID    string
	WorkerID string
	Status   domain.RunStatus
	Phase    domain.RunPhase
	Error    *domain.RunError
	EndedAt  *time.Time
}

// Mutation is the result of a run mutation: the post-update snapshot
// and the audit event the mutation appended. Callers publish the event
// to live streams so subscribers see the same ids the trail stores.
type Mutation struct {
	Run   domain.Run
	Event domain.RunEvent
}

// StudyRepository registers unique spec content, at most once per hash.
type StudyRepository interface {
	UpsertStudy(ctx context.Context, study domain.Study) (domain.Study, bool, error)
	GetStudy(ctx context.Context, specHash string) (domain.Study, error)
}

// RunRepository manages run state. Every successful mutation appends
// one audit event and returns the post-update snapshot.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.Run, agent string) (Mutation, error)
	GetRun(ctx context.Context, id string) (domain.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)
	UpdateRunStatus(ctx context.Context, id string, status domain.RunStatus, runErr *domain.RunError, endedAt *time.Time, agent string) (Mutation, error)
	UpdateRunPhase(ctx context.Context, id string, phase domain.RunPhase, status domain.RunStatus, startedAt *time.Time, agent string) (Mutation, error)
	UpdateRunArtifacts(ctx context.Context, id string, artifacts domain.Artifacts, agent string) (Mutation, error)
}

// ClaimRepository implements the lease-based work queue. ClaimNext and
// Release report "nothing done" through their bool, never as an error.
type ClaimRepository interface {
	ClaimNext(ctx context.Context, req ClaimRequest) (Mutation, bool, error)
	RenewLease(ctx context.Context, runID, workerID string, leaseExpiresAt time.Time) error
	Release(ctx context.Context, req ReleaseRequest) (Mutation, bool, error)
}

// EventRepository is the append-only per-run audit trail.
type EventRepository interface {
	AppendEvent(ctx context.Context, event domain.RunEvent) (domain.RunEvent, error)
	ListEvents(ctx context.Context, runID string, filter EventFilter) ([]domain.RunEvent, error)
	TailEvents(ctx context.Context, runID string, afterEventID int64, limit int) ([]domain.RunEvent, error)
}

// SummaryRepository stores the one extracted result per succeeded run.
type SummaryRepository interface {
	CreateSummary(ctx context.Context, summary domain.Summary) error
	GetSummary(ctx context.Context, runID string) (domain.Summary, error)
}
