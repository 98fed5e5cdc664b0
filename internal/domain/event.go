package domain

import (
	"errors"
	"strings"
	"time"
)

// Event types recorded by the coordination layer. Workers may append
// additional job-specific progress types; consumers must tolerate
// types they do not know.
const (
	EventTypeRunCreated       = "run_created"
	EventTypeRunClaimed       = "run_claimed"
	EventTypeRunReleased      = "run_released"
	EventTypeStatusChanged    = "status_changed"
	EventTypePhaseChanged     = "phase_changed"
	EventTypeBatchCompleted   = "batch_completed"
	EventTypeLogLine          = "log_line"
	EventTypeArtifactsUpdated = "artifacts_updated"

	// EventTypeStreamEnd is the sentinel that terminates a live stream.
	// It is a delivery marker, never persisted to the audit trail.
	EventTypeStreamEnd = "stream_end"
)

// RunEvent is one append-only audit entry for a run.
type RunEvent struct {
	EventID    int64
	RunID      string
	OccurredAt time.Time
	Type       string
	Agent      string
	Payload    Metadata
}

func (e RunEvent) Validate() error {
	if strings.TrimSpace(e.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("event type is required")
	}
	return nil
}
