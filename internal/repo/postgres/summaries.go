package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neutra-labs/neutra-go/internal/domain"
	"github.com/neutra-labs/neutra-go/internal/repo"
)

const insertSummaryQuery = `INSERT INTO run_summaries (
	run_id,
	k_eff_mean,
	k_eff_std,
	batches,
	inactive,
	particles,
	extracted_at
) VALUES ($1,$2,$3,$4,$5,$6,$7)`

// SummaryStore holds the one extracted result per run. Summaries are
// write-once; a second write for the same run is rejected.
type SummaryStore struct {
	db DB
}

func NewSummaryStore(db DB) *SummaryStore {
	if db == nil {
		return nil
	}
	return &SummaryStore{db: db}
}

func (s *SummaryStore) CreateSummary(ctx context.Context, summary domain.Summary) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("summary store not initialized")
	}
	if err := summary.Validate(); err != nil {
		return err
	}
	summary.RunID = strings.TrimSpace(summary.RunID)
	summary.ExtractedAt = normalizeTime(summary.ExtractedAt)

	_, err := s.db.ExecContext(
		ctx,
		insertSummaryQuery,
		summary.RunID,
		summary.KEffMean,
		summary.KEffStd,
		summary.Batches,
		summary.Inactive,
		summary.Particles,
		summary.ExtractedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrAlreadyExists
		}
		return fmt.Errorf("insert run summary: %w", err)
	}
	return nil
}

func (s *SummaryStore) GetSummary(ctx context.Context, runID string) (domain.Summary, error) {
	if s == nil || s.db == nil {
		return domain.Summary{}, fmt.Errorf("summary store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.Summary{}, fmt.Errorf("run id is required")
	}

	var (
		summary     domain.Summary
		extractedAt time.Time
	)
	err := s.db.QueryRowContext(
		ctx,
		`SELECT run_id, k_eff_mean, k_eff_std, batches, inactive, particles, extracted_at
		 FROM run_summaries WHERE run_id = $1`,
		runID,
	).Scan(
		&summary.RunID,
		&summary.KEffMean,
		&summary.KEffStd,
		&summary.Batches,
		&summary.Inactive,
		&summary.Particles,
		&extractedAt,
	)
	if err != nil {
		return domain.Summary{}, handleNotFound(err)
	}
	summary.ExtractedAt = extractedAt.UTC()
	return summary, nil
}
