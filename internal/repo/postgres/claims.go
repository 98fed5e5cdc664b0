package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/neutra-labs/neutra-go/internal/domain"
	"github.com/neutra-labs/neutra-go/internal/repo"
)

// claimNextQuery atomically selects the oldest eligible run and takes a
// lease on it. FOR UPDATE SKIP LOCKED keeps concurrent claimers from
// serializing on the same row; at most one of them sees it.
const claimNextQuery = `UPDATE runs SET
	status = 'running',
	claimed_by = $1,
	lease_expires_at = $2,
	started_at = COALESCE(started_at, $3)
WHERE run_id = (
	SELECT run_id FROM runs
	WHERE status = $4
	  AND (lease_expires_at IS NULL OR lease_expires_at <= $3)
	  AND ($5 = '' OR phase = $5)
	ORDER BY created_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + runColumns

const renewLeaseQuery = `UPDATE runs SET
	lease_expires_at = $3
WHERE run_id = $1
  AND claimed_by = $2
  AND status = 'running'`

const releaseRunQuery = `UPDATE runs SET
	status = COALESCE(NULLIF($3, ''), status),
	phase = COALESCE(NULLIF($4, ''), phase),
	claimed_by = NULL,
	lease_expires_at = NULL,
	error = COALESCE($5, error),
	ended_at = COALESCE($6, ended_at)
WHERE run_id = $1
  AND claimed_by = $2
  AND status NOT IN ('succeeded','failed','cancelled')
RETURNING ` + runColumns

// ClaimStore implements the lease-based work queue over the runs table.
type ClaimStore struct {
	db DB
}

func NewClaimStore(db DB) *ClaimStore {
	if db == nil {
		return nil
	}
	return &ClaimStore{db: db}
}

// ClaimNext hands the oldest eligible run to the requesting worker. An
// empty queue is reported as ok=false, not as an error.
func (s *ClaimStore) ClaimNext(ctx context.Context, req repo.ClaimRequest) (repo.Mutation, bool, error) {
	if s == nil || s.db == nil {
		return repo.Mutation{}, false, fmt.Errorf("claim store not initialized")
	}
	req.WorkerID = strings.TrimSpace(req.WorkerID)
	if req.WorkerID == "" {
		return repo.Mutation{}, false, fmt.Errorf("worker id is required")
	}
	if req.EligibleStatus == "" {
		req.EligibleStatus = domain.RunStatusQueued
	}
	now := normalizeTime(req.Now)
	leaseExpiresAt := req.LeaseExpiresAt.UTC()
	if req.LeaseExpiresAt.IsZero() || !leaseExpiresAt.After(now) {
		return repo.Mutation{}, false, fmt.Errorf("lease expiry must be after now")
	}

	var (
		run     domain.Run
		event   domain.RunEvent
		claimed bool
	)
	err := withTx(ctx, s.db, func(db DB) error {
		row := db.QueryRowContext(
			ctx,
			claimNextQuery,
			req.WorkerID,
			leaseExpiresAt,
			now,
			string(req.EligibleStatus),
			string(req.EligiblePhase),
		)
		var err error
		run, err = scanRun(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("claim next run: %w", err)
		}
		claimed = true
		event, err = appendAudit(ctx, db, run.ID, domain.EventTypeRunClaimed, req.WorkerID, domain.Metadata{
			"worker_id":        req.WorkerID,
			"lease_expires_at": leaseExpiresAt.Format(time.RFC3339Nano),
		})
		return err
	})
	if err != nil {
		return repo.Mutation{}, false, err
	}
	if !claimed {
		return repo.Mutation{}, false, nil
	}
	return repo.Mutation{Run: run, Event: event}, true, nil
}

// RenewLease extends the lease, but only for the worker that holds it.
// A miss means the lease moved on without this worker; the caller must
// treat the run as lost.
func (s *ClaimStore) RenewLease(ctx context.Context, runID, workerID string, leaseExpiresAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("claim store not initialized")
	}
	runID = strings.TrimSpace(runID)
	workerID = strings.TrimSpace(workerID)
	if runID == "" || workerID == "" {
		return fmt.Errorf("run id and worker id are required")
	}

	result, err := s.db.ExecContext(ctx, renewLeaseQuery, runID, workerID, leaseExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if affected == 0 {
		return repo.ErrLeaseLost
	}
	return nil
}

// Release clears the worker's lease, optionally finalizing status and
// phase in the same update. Releasing a run the worker no longer holds
// is a no-op reported as ok=false; the audit trail only records
// releases that actually happened.
func (s *ClaimStore) Release(ctx context.Context, req repo.ReleaseRequest) (repo.Mutation, bool, error) {
	if s == nil || s.db == nil {
		return repo.Mutation{}, false, fmt.Errorf("claim store not initialized")
	}
	req.RunID = strings.TrimSpace(req.RunID)
	req.WorkerID = strings.TrimSpace(req.WorkerID)
	if req.RunID == "" || req.WorkerID == "" {
		return repo.Mutation{}, false, fmt.Errorf("run id and worker id are required")
	}
	if req.Status != "" && domain.NormalizeRunStatus(string(req.Status)) == "" {
		return repo.Mutation{}, false, fmt.Errorf("invalid status %q", req.Status)
	}
	if req.Phase != "" && domain.NormalizeRunPhase(string(req.Phase)) == "" {
		return repo.Mutation{}, false, fmt.Errorf("invalid phase %q", req.Phase)
	}

	errText := ""
	if req.Error != nil {
		errText = formatRunError(*req.Error)
	}

	var (
		run      domain.Run
		event    domain.RunEvent
		released bool
	)
	err := withTx(ctx, s.db, func(db DB) error {
		row := db.QueryRowContext(
			ctx,
			releaseRunQuery,
			req.RunID,
			req.WorkerID,
			string(req.Status),
			string(req.Phase),
			nullIfEmpty(errText),
			nullTimePtr(req.EndedAt),
		)
		var err error
		run, err = scanRun(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("release run: %w", err)
		}
		released = true
		payload := domain.Metadata{"worker_id": req.WorkerID}
		if req.Status != "" {
			payload["status"] = string(req.Status)
		}
		if req.Phase != "" {
			payload["phase"] = string(req.Phase)
		}
		if req.Error != nil {
			payload["error"] = domain.Metadata{"type": req.Error.Type, "message": req.Error.Message}
		}
		event, err = appendAudit(ctx, db, req.RunID, domain.EventTypeRunReleased, req.WorkerID, payload)
		return err
	})
	if err != nil {
		return repo.Mutation{}, false, err
	}
	if !released {
		return repo.Mutation{}, false, nil
	}
	return repo.Mutation{Run: run, Event: event}, true, nil
}
