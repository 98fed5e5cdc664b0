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

const runColumns = `run_id, spec_hash, status, phase, claimed_by, lease_expires_at,
	bundle_path, result_path, export_path, created_at, started_at, ended_at, error`

const insertRunQuery = `INSERT INTO runs (
	run_id,
	spec_hash,
	status,
	phase,
	created_at
) VALUES ($1,$2,$3,$4,$5)`

const updateRunStatusQuery = `UPDATE runs SET
	status = $2,
	error = $3,
	ended_at = COALESCE($4, ended_at),
	claimed_by = CASE WHEN $2 IN ('succeeded','failed','cancelled') THEN NULL ELSE claimed_by END,
	lease_expires_at = CASE WHEN $2 IN ('succeeded','failed','cancelled') THEN NULL ELSE lease_expires_at END
WHERE run_id = $1
  AND status NOT IN ('succeeded','failed','cancelled')
RETURNING ` + runColumns

const updateRunPhaseQuery = `UPDATE runs SET
	phase = $2,
	status = COALESCE(NULLIF($3, ''), status),
	started_at = COALESCE(started_at, $4),
	claimed_by = CASE WHEN COALESCE(NULLIF($3, ''), status) IN ('succeeded','failed','cancelled') THEN NULL ELSE claimed_by END,
	lease_expires_at = CASE WHEN COALESCE(NULLIF($3, ''), status) IN ('succeeded','failed','cancelled') THEN NULL ELSE lease_expires_at END
WHERE run_id = $1
  AND status NOT IN ('succeeded','failed','cancelled')
RETURNING ` + runColumns

const updateRunArtifactsQuery = `UPDATE runs SET
	bundle_path = COALESCE(NULLIF($2, ''), bundle_path),
	result_path = COALESCE(NULLIF($3, ''), result_path),
	export_path = COALESCE(NULLIF($4, ''), export_path)
WHERE run_id = $1
RETURNING ` + runColumns

// RunStore manages run rows. Every mutation appends one audit event to
// run_events in the same transaction and returns the post-update
// snapshot.
type RunStore struct {
	db DB
}

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.Run, agent string) (repo.Mutation, error) {
	if s == nil || s.db == nil {
		return repo.Mutation{}, fmt.Errorf("run store not initialized")
	}
	run.ID = strings.TrimSpace(run.ID)
	run.SpecHash = strings.TrimSpace(run.SpecHash)
	if run.Status == "" {
		run.Status = domain.RunStatusQueued
	}
	if run.Phase == "" {
		run.Phase = domain.RunPhaseBundle
	}
	if err := run.Validate(); err != nil {
		return repo.Mutation{}, err
	}
	run.CreatedAt = normalizeTime(run.CreatedAt)

	var event domain.RunEvent
	err := withTx(ctx, s.db, func(db DB) error {
		_, err := db.ExecContext(
			ctx,
			insertRunQuery,
			run.ID,
			run.SpecHash,
			string(run.Status),
			string(run.Phase),
			run.CreatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return repo.ErrAlreadyExists
			}
			return fmt.Errorf("insert run: %w", err)
		}
		event, err = appendAudit(ctx, db, run.ID, domain.EventTypeRunCreated, agent, domain.Metadata{
			"spec_hash": run.SpecHash,
			"status":    string(run.Status),
			"phase":     string(run.Phase),
		})
		return err
	})
	if err != nil {
		return repo.Mutation{}, err
	}
	return repo.Mutation{Run: run, Event: event}, nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Run{}, fmt.Errorf("run id is required")
	}

	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = $1`,
		id,
	)
	run, err := scanRun(row)
	if err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	return run, nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+runColumns+`
		 FROM runs
		 WHERE ($1 = '' OR status = $1)
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		string(filter.Status),
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan runs: %w", err)
	}
	return runs, nil
}

// UpdateRunStatus moves a run to a new status. Terminal runs are
// immutable: the guard lives in the query, and a miss is disambiguated
// into ErrNotFound or ErrInvalidTransition by a follow-up read.
func (s *RunStore) UpdateRunStatus(ctx context.Context, id string, status domain.RunStatus, runErr *domain.RunError, endedAt *time.Time, agent string) (repo.Mutation, error) {
	if s == nil || s.db == nil {
		return repo.Mutation{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return repo.Mutation{}, fmt.Errorf("run id is required")
	}
	if domain.NormalizeRunStatus(string(status)) == "" {
		return repo.Mutation{}, fmt.Errorf("invalid status %q", status)
	}

	errText := ""
	if runErr != nil {
		errText = formatRunError(*runErr)
	}

	var (
		run   domain.Run
		event domain.RunEvent
	)
	err := withTx(ctx, s.db, func(db DB) error {
		row := db.QueryRowContext(
			ctx,
			updateRunStatusQuery,
			id,
			string(status),
			nullIfEmpty(errText),
			nullTimePtr(endedAt),
		)
		var err error
		run, err = scanRun(row)
		if err != nil {
			return err
		}
		payload := domain.Metadata{"status": string(status)}
		if runErr != nil {
			payload["error"] = domain.Metadata{"type": runErr.Type, "message": runErr.Message}
		}
		event, err = appendAudit(ctx, db, id, domain.EventTypeStatusChanged, agent, payload)
		return err
	})
	if err != nil {
		return repo.Mutation{}, s.resolveGuardMiss(ctx, id, err)
	}
	return repo.Mutation{Run: run, Event: event}, nil
}

// UpdateRunPhase advances the phase, optionally moving status in the
// same update. Phase ordering is the caller's responsibility; this
// store only refuses mutation of terminal runs.
func (s *RunStore) UpdateRunPhase(ctx context.Context, id string, phase domain.RunPhase, status domain.RunStatus, startedAt *time.Time, agent string) (repo.Mutation, error) {
	if s == nil || s.db == nil {
		return repo.Mutation{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return repo.Mutation{}, fmt.Errorf("run id is required")
	}
	if domain.NormalizeRunPhase(string(phase)) == "" {
		return repo.Mutation{}, fmt.Errorf("invalid phase %q", phase)
	}
	if status != "" && domain.NormalizeRunStatus(string(status)) == "" {
		return repo.Mutation{}, fmt.Errorf("invalid status %q", status)
	}

	var (
		run   domain.Run
		event domain.RunEvent
	)
	err := withTx(ctx, s.db, func(db DB) error {
		row := db.QueryRowContext(
			ctx,
			updateRunPhaseQuery,
			id,
			string(phase),
			string(status),
			nullTimePtr(startedAt),
		)
		var err error
		run, err = scanRun(row)
		if err != nil {
			return err
		}
		payload := domain.Metadata{"phase": string(phase)}
		if status != "" {
			payload["status"] = string(status)
		}
		event, err = appendAudit(ctx, db, id, domain.EventTypePhaseChanged, agent, payload)
		return err
	})
	if err != nil {
		return repo.Mutation{}, s.resolveGuardMiss(ctx, id, err)
	}
	return repo.Mutation{Run: run, Event: event}, nil
}

// UpdateRunArtifacts records produced object paths. Only non-empty
// fields overwrite; existing paths survive partial updates.
func (s *RunStore) UpdateRunArtifacts(ctx context.Context, id string, artifacts domain.Artifacts, agent string) (repo.Mutation, error) {
	if s == nil || s.db == nil {
		return repo.Mutation{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return repo.Mutation{}, fmt.Errorf("run id is required")
	}

	var (
		run   domain.Run
		event domain.RunEvent
	)
	err := withTx(ctx, s.db, func(db DB) error {
		row := db.QueryRowContext(
			ctx,
			updateRunArtifactsQuery,
			id,
			strings.TrimSpace(artifacts.BundlePath),
			strings.TrimSpace(artifacts.ResultPath),
			strings.TrimSpace(artifacts.ExportPath),
		)
		var err error
		run, err = scanRun(row)
		if err != nil {
			return err
		}
		payload := domain.Metadata{}
		if artifacts.BundlePath != "" {
			payload["bundle_path"] = artifacts.BundlePath
		}
		if artifacts.ResultPath != "" {
			payload["result_path"] = artifacts.ResultPath
		}
		if artifacts.ExportPath != "" {
			payload["export_path"] = artifacts.ExportPath
		}
		event, err = appendAudit(ctx, db, id, domain.EventTypeArtifactsUpdated, agent, payload)
		return err
	})
	if err != nil {
		return repo.Mutation{}, handleNotFound(err)
	}
	return repo.Mutation{Run: run, Event: event}, nil
}

// resolveGuardMiss distinguishes "no such run" from "run is terminal"
// after a guarded update matched zero rows.
func (s *RunStore) resolveGuardMiss(ctx context.Context, id string, err error) error {
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if _, getErr := s.GetRun(ctx, id); getErr != nil {
		return getErr
	}
	return repo.ErrInvalidTransition
}

func formatRunError(runErr domain.RunError) string {
	runErr.Type = strings.TrimSpace(runErr.Type)
	runErr.Message = strings.TrimSpace(runErr.Message)
	switch {
	case runErr.Type == "":
		return runErr.Message
	case runErr.Message == "":
		return runErr.Type
	default:
		return runErr.Type + ": " + runErr.Message
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var (
		run            domain.Run
		claimedBy      sql.NullString
		leaseExpiresAt sql.NullTime
		bundlePath     sql.NullString
		resultPath     sql.NullString
		exportPath     sql.NullString
		createdAt      time.Time
		startedAt      sql.NullTime
		endedAt        sql.NullTime
		errText        sql.NullString
	)
	err := row.Scan(
		&run.ID,
		&run.SpecHash,
		&run.Status,
		&run.Phase,
		&claimedBy,
		&leaseExpiresAt,
		&bundlePath,
		&resultPath,
		&exportPath,
		&createdAt,
		&startedAt,
		&endedAt,
		&errText,
	)
	if err != nil {
		return domain.Run{}, err
	}
	run.ClaimedBy = claimedBy.String
	run.LeaseExpiresAt = timePtr(leaseExpiresAt)
	run.Artifacts = domain.Artifacts{
		BundlePath: bundlePath.String,
		ResultPath: resultPath.String,
		ExportPath: exportPath.String,
	}
	run.CreatedAt = createdAt.UTC()
	run.StartedAt = timePtr(startedAt)
	run.EndedAt = timePtr(endedAt)
	run.Error = errText.String
	return run, nil
}
