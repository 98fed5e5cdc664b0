package domain

import (
	"errors"
	"strings"
	"time"
)

// RunStatus is the coarse lifecycle status of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// RunPhase is the sub-state of an in-progress run.
type RunPhase string

const (
	RunPhaseBundle  RunPhase = "bundle"
	RunPhaseExecute RunPhase = "execute"
	RunPhaseExtract RunPhase = "extract"
	RunPhaseDone    RunPhase = "done"
)

// Artifacts is the bookkeeping of object-store paths produced by a run.
type Artifacts struct {
	BundlePath string `json:"bundle_path,omitempty"`
	ResultPath string `json:"result_path,omitempty"`
	ExportPath string `json:"export_path,omitempty"`
}

// Run represents a single simulation execution.
type Run struct {
	ID             string
	SpecHash       string
	Status         RunStatus
	Phase          RunPhase
	ClaimedBy      string
	LeaseExpiresAt *time.Time
	Artifacts      Artifacts
	CreatedAt      time.Time
	StartedAt      *time.Time
	EndedAt        *time.Time
	Error          string
}

// RunError is the structured failure recorded on a failed run.
type RunError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.SpecHash) == "" {
		return errors.New("spec hash is required")
	}
	if NormalizeRunStatus(string(r.Status)) == "" {
		return errors.New("status is required")
	}
	if NormalizeRunPhase(string(r.Phase)) == "" {
		return errors.New("phase is required")
	}
	return nil
}

// IsTerminal reports whether the status admits no further transitions.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// NormalizeRunStatus maps free-form status values to canonical statuses.
func NormalizeRunStatus(value string) RunStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RunStatusQueued):
		return RunStatusQueued
	case string(RunStatusRunning):
		return RunStatusRunning
	case string(RunStatusSucceeded):
		return RunStatusSucceeded
	case string(RunStatusFailed):
		return RunStatusFailed
	case string(RunStatusCancelled), "canceled":
		return RunStatusCancelled
	default:
		return ""
	}
}

// NormalizeRunPhase maps free-form phase values to canonical phases.
func NormalizeRunPhase(value string) RunPhase {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RunPhaseBundle):
		return RunPhaseBundle
	case string(RunPhaseExecute):
		return RunPhaseExecute
	case string(RunPhaseExtract):
		return RunPhaseExtract
	case string(RunPhaseDone):
		return RunPhaseDone
	default:
		return ""
	}
}

// CanAdvancePhase enforces forward-only phase progression.
func CanAdvancePhase(current, next RunPhase) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		return true
	}
	return phaseOrder(current) < phaseOrder(next)
}

func phaseOrder(phase RunPhase) int {
	switch phase {
	case RunPhaseBundle:
		return 0
	case RunPhaseExecute:
		return 1
	case RunPhaseExtract:
		return 2
	case RunPhaseDone:
		return 3
	default:
		return -1
	}
}
