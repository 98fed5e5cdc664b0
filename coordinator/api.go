package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/neutra-labs/neutra-go/internal/domain"
	"github.com/neutra-labs/neutra-go/internal/platform/auth"
	"github.com/neutra-labs/neutra-go/internal/platform/objectstore"
	"github.com/neutra-labs/neutra-go/internal/repo"
	"github.com/neutra-labs/neutra-go/internal/service/runs"
	"github.com/neutra-labs/neutra-go/internal/specvalidator"
)

const maxSpecBytes = 1 << 20

type coordinatorAPI struct {
	logger *slog.Logger
	svc    *runs.Service
	store  *objectstore.Store
}

func newCoordinatorAPI(logger *slog.Logger, svc *runs.Service, store *objectstore.Store) *coordinatorAPI {
	return &coordinatorAPI{
		logger: logger,
		svc:    svc,
		store:  store,
	}
}

func (api *coordinatorAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /runs", api.handleSubmitRun)
	mux.HandleFunc("GET /runs", api.handleListRuns)
	mux.HandleFunc("GET /runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("POST /runs/{run_id}/cancel", api.handleCancelRun)
	mux.HandleFunc("GET /runs/{run_id}/events", api.handleListRunEvents)
	mux.HandleFunc("GET /runs/{run_id}/stream", api.handleStreamRun)
	mux.HandleFunc("GET /runs/{run_id}/summary", api.handleGetRunSummary)
}

type runResponse struct {
	RunID          string           `json:"run_id"`
	SpecHash       string           `json:"spec_hash"`
	Status         string           `json:"status"`
	Phase          string           `json:"phase"`
	ClaimedBy      string           `json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time       `json:"lease_expires_at,omitempty"`
	Artifacts      domain.Artifacts `json:"artifacts"`
	CreatedAt      time.Time        `json:"created_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	EndedAt        *time.Time       `json:"ended_at,omitempty"`
	Error          string           `json:"error,omitempty"`
}

func toRunResponse(run domain.Run) runResponse {
	return runResponse{
		RunID:          run.ID,
		SpecHash:       run.SpecHash,
		Status:         string(run.Status),
		Phase:          string(run.Phase),
		ClaimedBy:      run.ClaimedBy,
		LeaseExpiresAt: run.LeaseExpiresAt,
		Artifacts:      run.Artifacts,
		CreatedAt:      run.CreatedAt,
		StartedAt:      run.StartedAt,
		EndedAt:        run.EndedAt,
		Error:          run.Error,
	}
}

type eventResponse struct {
	EventID    int64           `json:"event_id"`
	RunID      string          `json:"run_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Type       string          `json:"type"`
	Agent      string          `json:"agent,omitempty"`
	Payload    domain.Metadata `json:"payload"`
}

func toEventResponse(event domain.RunEvent) eventResponse {
	payload := event.Payload
	if payload == nil {
		payload = domain.Metadata{}
	}
	return eventResponse{
		EventID:    event.EventID,
		RunID:      event.RunID,
		OccurredAt: event.OccurredAt,
		Type:       event.Type,
		Agent:      event.Agent,
		Payload:    payload,
	}
}

type summaryResponse struct {
	RunID       string    `json:"run_id"`
	KEffMean    float64   `json:"k_eff_mean"`
	KEffStd     float64   `json:"k_eff_std"`
	Batches     int64     `json:"batches"`
	Inactive    int64     `json:"inactive"`
	Particles   int64     `json:"particles"`
	ExtractedAt time.Time `json:"extracted_at"`
}

func toSummaryResponse(summary domain.Summary) summaryResponse {
	return summaryResponse{
		RunID:       summary.RunID,
		KEffMean:    summary.KEffMean,
		KEffStd:     summary.KEffStd,
		Batches:     summary.Batches,
		Inactive:    summary.Inactive,
		Particles:   summary.Particles,
		ExtractedAt: summary.ExtractedAt,
	}
}

// handleSubmitRun accepts the spec as JSON or YAML, keyed off the
// Content-Type; the hasher canonicalizes both the same way.
func (api *coordinatorAPI) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSpecBytes+1))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}
	if len(body) > maxSpecBytes {
		api.writeError(w, r, http.StatusRequestEntityTooLarge, "spec_too_large")
		return
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		api.writeError(w, r, http.StatusBadRequest, "spec_required")
		return
	}

	result, err := api.svc.Submit(r.Context(), body, api.agent(r))
	if err != nil {
		var validationErr *specvalidator.ValidationError
		if errors.As(err, &validationErr) {
			api.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":      "invalid_spec",
				"issues":     validationErr.Issues,
				"request_id": r.Header.Get("X-Request-Id"),
			})
			return
		}
		if strings.Contains(err.Error(), "parse spec") {
			api.writeError(w, r, http.StatusBadRequest, "malformed_spec")
			return
		}
		api.internalError(w, r, "submit run", err)
		return
	}

	api.writeJSON(w, http.StatusCreated, map[string]any{
		"run_id":        result.Run.ID,
		"spec_hash":     result.SpecHash,
		"study_created": result.StudyCreated,
		"run":           toRunResponse(result.Run),
	})
}

func (api *coordinatorAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := repo.RunFilter{Limit: 50}

	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status := domain.NormalizeRunStatus(raw)
		if status == "" {
			api.writeError(w, r, http.StatusBadRequest, "invalid_status")
			return
		}
		filter.Status = status
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			api.writeError(w, r, http.StatusBadRequest, "invalid_limit")
			return
		}
		filter.Limit = parsed
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			api.writeError(w, r, http.StatusBadRequest, "invalid_offset")
			return
		}
		filter.Offset = parsed
	}

	list, err := api.svc.List(r.Context(), filter)
	if err != nil {
		api.internalError(w, r, "list runs", err)
		return
	}
	out := make([]runResponse, 0, len(list))
	for _, run := range list {
		out = append(out, toRunResponse(run))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (api *coordinatorAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	detail, err := api.svc.Get(r.Context(), runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.internalError(w, r, "get run", err)
		return
	}

	events := make([]eventResponse, 0, len(detail.RecentEvents))
	for _, event := range detail.RecentEvents {
		events = append(events, toEventResponse(event))
	}
	body := map[string]any{
		"run":           toRunResponse(detail.Run),
		"recent_events": events,
	}
	if detail.Summary != nil {
		body["summary"] = toSummaryResponse(*detail.Summary)
	}
	api.writeJSON(w, http.StatusOK, body)
}

func (api *coordinatorAPI) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	run, err := api.svc.Cancel(r.Context(), runID, api.agent(r))
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrNotFound):
			api.writeError(w, r, http.StatusNotFound, "not_found")
		case errors.Is(err, repo.ErrInvalidTransition):
			api.writeError(w, r, http.StatusConflict, "already_terminal")
		default:
			api.internalError(w, r, "cancel run", err)
		}
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"run": toRunResponse(run)})
}

func (api *coordinatorAPI) handleListRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	filter := repo.EventFilter{
		Type: strings.TrimSpace(r.URL.Query().Get("type")),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			api.writeError(w, r, http.StatusBadRequest, "invalid_limit")
			return
		}
		filter.Limit = parsed
	}

	events, err := api.svc.ListEvents(r.Context(), runID, filter)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.internalError(w, r, "list run events", err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, event := range events {
		out = append(out, toEventResponse(event))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (api *coordinatorAPI) handleGetRunSummary(w http.ResponseWriter, r *http.Request) {
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
		api.internalError(w, r, "get run", err)
		return
	}

	summary, err := api.svc.GetSummary(r.Context(), runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "summary_not_found")
			return
		}
		api.internalError(w, r, "get summary", err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"summary": toSummaryResponse(summary)})
}

func (api *coordinatorAPI) agent(r *http.Request) string {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return ""
	}
	return identity.Subject
}

func (api *coordinatorAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *coordinatorAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func (api *coordinatorAPI) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	api.logger.Error(op, "request_id", r.Header.Get("X-Request-Id"), "error", err)
	api.writeError(w, r, http.StatusInternalServerError, "internal_error")
}
