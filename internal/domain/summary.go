package domain

import (
	"errors"
	"strings"
	"time"
)

// Summary holds the extracted numeric result of a succeeded run.
type Summary struct {
	RunID       string
	KEffMean    float64
	KEffStd     float64
	Batches     int64
	Inactive    int64
	Particles   int64
	ExtractedAt time.Time
}

func (s Summary) Validate() error {
	if strings.TrimSpace(s.RunID) == "" {
		return errors.New("run id is required")
	}
	if s.Batches <= 0 {
		return errors.New("batches must be positive")
	}
	if s.Inactive < 0 || s.Inactive >= s.Batches {
		return errors.New("inactive batches must be in [0, batches)")
	}
	if s.Particles <= 0 {
		return errors.New("particles must be positive")
	}
	return nil
}
