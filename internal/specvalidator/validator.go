// Package specvalidator checks simulation specs before they are hashed
// and registered. Unknown keys are allowed; the canonical hash covers
// them, validation only guards the fields the scheduler depends on.
package specvalidator

import (
	"fmt"

	"github.com/neutra-labs/neutra-go/internal/domain"
)

const (
	maxBatches   = 1_000_000
	maxParticles = 1_000_000_000
)

// ValidateSimSpec performs strict validation of the scheduling-relevant
// fields of a simulation spec.
func ValidateSimSpec(spec domain.Metadata) error {
	issues := &ValidationError{}

	if len(spec) == 0 {
		issues.Add("spec must not be empty")
		return issues.OrNil()
	}

	batches, ok := intField(spec, "batches")
	if !ok {
		issues.Add("batches is required and must be an integer")
	} else if batches <= 0 || batches > maxBatches {
		issues.Add(fmt.Sprintf("batches must be in [1, %d]", maxBatches))
	}

	inactive, hasInactive := intField(spec, "inactive")
	if _, present := spec["inactive"]; present && !hasInactive {
		issues.Add("inactive must be an integer")
	} else if hasInactive {
		if inactive < 0 {
			issues.Add("inactive must be >= 0")
		} else if ok && inactive >= batches {
			issues.Add("inactive must be smaller than batches")
		}
	}

	particles, ok := intField(spec, "particles")
	if !ok {
		issues.Add("particles is required and must be an integer")
	} else if particles <= 0 || particles > maxParticles {
		issues.Add(fmt.Sprintf("particles must be in [1, %d]", maxParticles))
	}

	if _, present := spec["seed"]; present {
		seed, ok := intField(spec, "seed")
		if !ok {
			issues.Add("seed must be an integer")
		} else if seed < 0 {
			issues.Add("seed must be >= 0")
		}
	}

	return issues.OrNil()
}

// intField reads a numeric spec field, tolerating the integer widths
// different decoders produce.
func intField(spec domain.Metadata, key string) (int64, bool) {
	value, ok := spec[key]
	if !ok {
		return 0, false
	}
	switch typed := value.(type) {
	case int:
		return int64(typed), true
	case int64:
		return typed, true
	case uint64:
		return int64(typed), true
	case float64:
		if typed != float64(int64(typed)) {
			return 0, false
		}
		return int64(typed), true
	default:
		return 0, false
	}
}
