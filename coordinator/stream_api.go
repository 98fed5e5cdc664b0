package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/neutra-labs/neutra-go/internal/domain"
	"github.com/neutra-labs/neutra-go/internal/repo"
)

const streamHeartbeat = 15 * time.Second

func writeSSE(w http.ResponseWriter, event string, id string, payload any) error {
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", blob); err != nil {
		return err
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// handleStreamRun serves the run's event trail over SSE: a replay of
// persisted events past the client's cursor, then live events from the
// bus, deduplicated by event_id. The stream_end sentinel closes the
// stream once the run is terminal.
func (api *coordinatorAPI) handleStreamRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	if _, err := api.svc.Get(r.Context(), runID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.internalError(w, r, "stream run", err)
		return
	}

	afterEventID, ok := api.streamCursor(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.writeError(w, r, http.StatusInternalServerError, "streaming_not_supported")
		return
	}

	// Subscribe before replaying so nothing lands in the gap between
	// the replay query and the live feed.
	live, cancel := api.svc.Subscribe(runID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	_ = writeSSE(w, "ready", "", map[string]any{
		"run_id":     runID,
		"server_ts":  time.Now().UTC().Unix(),
		"request_id": r.Header.Get("X-Request-Id"),
	})

	lastEventID := afterEventID
	replay, err := api.svc.TailEvents(r.Context(), runID, afterEventID, 0)
	if err != nil {
		api.logger.Error("stream replay", "run_id", runID, "error", err)
		return
	}
	for _, event := range replay {
		if err := api.writeRunEvent(w, event); err != nil {
			return
		}
		lastEventID = event.EventID
	}

	// Re-check the run after the replay: a terminal transition between
	// the lookup and the subscribe broadcast its sentinel to nobody, so
	// the live channel would never close for this client.
	detail, err := api.svc.Get(r.Context(), runID)
	if err != nil {
		api.logger.Error("stream refresh", "run_id", runID, "error", err)
		return
	}
	if detail.Run.Status.IsTerminal() {
		trail, err := api.svc.TailEvents(r.Context(), runID, lastEventID, 0)
		if err != nil {
			api.logger.Error("stream tail", "run_id", runID, "error", err)
			return
		}
		for _, event := range trail {
			if err := api.writeRunEvent(w, event); err != nil {
				return
			}
		}
		_ = writeSSE(w, domain.EventTypeStreamEnd, "", map[string]any{
			"run_id": runID,
			"status": string(detail.Run.Status),
		})
		return
	}

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-live:
			if !open {
				return
			}
			if event.Type == domain.EventTypeStreamEnd {
				_ = writeSSE(w, domain.EventTypeStreamEnd, "", map[string]any{
					"run_id": runID,
				})
				return
			}
			// Events appended between the subscribe and the replay
			// query show up twice; the cursor drops the duplicates.
			if event.EventID <= lastEventID {
				continue
			}
			if err := api.writeRunEvent(w, event); err != nil {
				return
			}
			lastEventID = event.EventID
		}
	}
}

// streamCursor resolves the client's resume position from the SSE
// Last-Event-ID header or the after_event_id query parameter. Zero means
// replay the full trail.
func (api *coordinatorAPI) streamCursor(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("after_event_id"))
	if raw == "" {
		raw = strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	}
	if raw == "" {
		return 0, true
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed < 0 {
		api.writeError(w, r, http.StatusBadRequest, "invalid_after_event_id")
		return 0, false
	}
	return parsed, true
}

func (api *coordinatorAPI) writeRunEvent(w http.ResponseWriter, event domain.RunEvent) error {
	return writeSSE(w, event.Type, strconv.FormatInt(event.EventID, 10), toEventResponse(event))
}
