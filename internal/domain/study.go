package domain

import (
	"errors"
	"strings"
	"time"
)

// Study is the deduplicated registration of one unique spec content.
// There is at most one Study per spec hash; resubmitting identical
// content reuses the existing record.
type Study struct {
	SpecHash      string
	CanonicalSpec []byte
	CreatedAt     time.Time
}

func (s Study) Validate() error {
	if strings.TrimSpace(s.SpecHash) == "" {
		return errors.New("spec hash is required")
	}
	if len(s.CanonicalSpec) == 0 {
		return errors.New("canonical spec is required")
	}
	return nil
}
