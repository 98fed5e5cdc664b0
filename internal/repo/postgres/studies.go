package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neutra-labs/neutra-go/internal/domain"
)

const insertStudyQuery = `INSERT INTO studies (
	spec_hash,
	canonical_spec,
	created_at
) VALUES ($1,$2,$3)
ON CONFLICT (spec_hash) DO NOTHING`

type StudyStore struct {
	db DB
}

func NewStudyStore(db DB) *StudyStore {
	if db == nil {
		return nil
	}
	return &StudyStore{db: db}
}

// UpsertStudy registers spec content under its hash. The second return
// reports whether this call created the row; concurrent submitters of
// the same spec race on the unique constraint and all converge on the
// stored row.
func (s *StudyStore) UpsertStudy(ctx context.Context, study domain.Study) (domain.Study, bool, error) {
	if s == nil || s.db == nil {
		return domain.Study{}, false, fmt.Errorf("study store not initialized")
	}
	if err := study.Validate(); err != nil {
		return domain.Study{}, false, err
	}
	study.SpecHash = strings.TrimSpace(study.SpecHash)
	study.CreatedAt = normalizeTime(study.CreatedAt)

	result, err := s.db.ExecContext(
		ctx,
		insertStudyQuery,
		study.SpecHash,
		study.CanonicalSpec,
		study.CreatedAt,
	)
	if err != nil {
		return domain.Study{}, false, fmt.Errorf("upsert study: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return domain.Study{}, false, fmt.Errorf("upsert study: %w", err)
	}
	if affected > 0 {
		return study, true, nil
	}

	existing, err := s.GetStudy(ctx, study.SpecHash)
	if err != nil {
		return domain.Study{}, false, err
	}
	return existing, false, nil
}

func (s *StudyStore) GetStudy(ctx context.Context, specHash string) (domain.Study, error) {
	if s == nil || s.db == nil {
		return domain.Study{}, fmt.Errorf("study store not initialized")
	}
	specHash = strings.TrimSpace(specHash)
	if specHash == "" {
		return domain.Study{}, fmt.Errorf("spec hash is required")
	}

	var (
		study     domain.Study
		createdAt time.Time
	)
	err := s.db.QueryRowContext(
		ctx,
		`SELECT spec_hash, canonical_spec, created_at FROM studies WHERE spec_hash = $1`,
		specHash,
	).Scan(&study.SpecHash, &study.CanonicalSpec, &createdAt)
	if err != nil {
		return domain.Study{}, handleNotFound(err)
	}
	study.CreatedAt = createdAt.UTC()
	return study, nil
}
