package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/neutra-labs/neutra-go/internal/domain"
	"github.com/neutra-labs/neutra-go/internal/repo"
)

const insertEventQuery = `INSERT INTO run_events (
	run_id,
	occurred_at,
	type,
	agent,
	payload
) VALUES ($1,$2,$3,$4,$5)
RETURNING event_id`

// EventStore is the append-only audit trail. There is deliberately no
// update or delete surface; retention is an operator concern.
type EventStore struct {
	db DB
}

func NewEventStore(db DB) *EventStore {
	if db == nil {
		return nil
	}
	return &EventStore{db: db}
}

func (s *EventStore) AppendEvent(ctx context.Context, event domain.RunEvent) (domain.RunEvent, error) {
	if s == nil || s.db == nil {
		return domain.RunEvent{}, fmt.Errorf("event store not initialized")
	}
	if err := event.Validate(); err != nil {
		return domain.RunEvent{}, err
	}
	event.RunID = strings.TrimSpace(event.RunID)
	event.Type = strings.TrimSpace(event.Type)
	event.Agent = strings.TrimSpace(event.Agent)
	event.OccurredAt = normalizeTime(event.OccurredAt)

	payloadJSON, err := encodeMetadata(event.Payload)
	if err != nil {
		return domain.RunEvent{}, fmt.Errorf("encode payload: %w", err)
	}

	err = s.db.QueryRowContext(
		ctx,
		insertEventQuery,
		event.RunID,
		event.OccurredAt,
		event.Type,
		nullIfEmpty(event.Agent),
		payloadJSON,
	).Scan(&event.EventID)
	if err != nil {
		return domain.RunEvent{}, fmt.Errorf("append run event: %w", err)
	}
	return event, nil
}

// ListEvents returns a run's audit history, most recent first.
func (s *EventStore) ListEvents(ctx context.Context, runID string, filter repo.EventFilter) ([]domain.RunEvent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("event store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT event_id, run_id, occurred_at, type, agent, payload
		 FROM run_events
		 WHERE run_id = $1 AND ($2 = '' OR type = $2)
		 ORDER BY event_id DESC
		 LIMIT $3`,
		runID,
		strings.TrimSpace(filter.Type),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// TailEvents returns events after the given id in insertion order, for
// priming a live stream.
func (s *EventStore) TailEvents(ctx context.Context, runID string, afterEventID int64, limit int) ([]domain.RunEvent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("event store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT event_id, run_id, occurred_at, type, agent, payload
		 FROM run_events
		 WHERE run_id = $1 AND event_id > $2
		 ORDER BY event_id ASC
		 LIMIT $3`,
		runID,
		afterEventID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("tail run events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]domain.RunEvent, error) {
	events := make([]domain.RunEvent, 0)
	for rows.Next() {
		var (
			event       domain.RunEvent
			agent       sql.NullString
			occurredAt  time.Time
			payloadJSON []byte
		)
		if err := rows.Scan(&event.EventID, &event.RunID, &occurredAt, &event.Type, &agent, &payloadJSON); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		event.Agent = agent.String
		event.OccurredAt = occurredAt.UTC()
		payload, err := decodeMetadata(payloadJSON)
		if err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		event.Payload = payload
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan run events: %w", err)
	}
	return events, nil
}
