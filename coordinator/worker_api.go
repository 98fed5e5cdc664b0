package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/neutra-labs/neutra-go/internal/domain"
	"github.com/neutra-labs/neutra-go/internal/platform/auth"
	"github.com/neutra-labs/neutra-go/internal/repo"
	"github.com/neutra-labs/neutra-go/internal/service/runs"
)

// registerWorkerRoutes wires the worker-facing surface. These routes sit
// behind the HMAC worker middleware, so the identity in the request
// context is always the authenticated worker id.
func (api *coordinatorAPI) registerWorkerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /worker/claims", api.handleClaimNext)
	mux.HandleFunc("POST /worker/runs/{run_id}/renew", api.handleRenewLease)
	mux.HandleFunc("POST /worker/runs/{run_id}/release", api.handleReleaseRun)
	mux.HandleFunc("POST /worker/runs/{run_id}/events", api.handleRecordProgress)
	mux.HandleFunc("POST /worker/runs/{run_id}/phase", api.handleAdvancePhase)
	mux.HandleFunc("PUT /worker/runs/{run_id}/summary", api.handleWriteSummary)
	mux.HandleFunc("POST /worker/runs/{run_id}/artifacts", api.handleRequestArtifacts)
}

func (api *coordinatorAPI) workerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return identity.Subject, true
}

type claimRequest struct {
	EligibleStatus string `json:"eligible_status"`
	EligiblePhase  string `json:"eligible_phase"`
}

// handleClaimNext pops the oldest eligible run for the calling worker.
// An empty queue is 204, not an error; workers poll.
func (api *coordinatorAPI) handleClaimNext(w http.ResponseWriter, r *http.Request) {
	workerID, ok := api.workerID(w, r)
	if !ok {
		return
	}

	var req claimRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_body")
			return
		}
	}

	eligibleStatus := domain.RunStatusQueued
	if raw := strings.TrimSpace(req.EligibleStatus); raw != "" {
		eligibleStatus = domain.NormalizeRunStatus(raw)
		if eligibleStatus == "" || eligibleStatus.IsTerminal() {
			api.writeError(w, r, http.StatusBadRequest, "invalid_eligible_status")
			return
		}
	}
	var eligiblePhase domain.RunPhase
	if raw := strings.TrimSpace(req.EligiblePhase); raw != "" {
		eligiblePhase = domain.NormalizeRunPhase(raw)
		if eligiblePhase == "" {
			api.writeError(w, r, http.StatusBadRequest, "invalid_eligible_phase")
			return
		}
	}

	run, leaseExpiresAt, claimed, err := api.svc.ClaimNext(r.Context(), workerID, eligibleStatus, eligiblePhase)
	if err != nil {
		api.internalError(w, r, "claim next", err)
		return
	}
	if !claimed {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// The worker materializes the input deck from the canonical spec,
	// so the claim carries it along.
	study, err := api.svc.GetStudy(r.Context(), run.SpecHash)
	if err != nil {
		api.internalError(w, r, "load study for claim", err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"run":              toRunResponse(run),
		"lease_expires_at": leaseExpiresAt,
		"canonical_spec":   string(study.CanonicalSpec),
	})
}

func (api *coordinatorAPI) handleRenewLease(w http.ResponseWriter, r *http.Request) {
	workerID, ok := api.workerID(w, r)
	if !ok {
		return
	}
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	leaseExpiresAt, err := api.svc.RenewLease(r.Context(), runID, workerID)
	if err != nil {
		if errors.Is(err, repo.ErrLeaseLost) {
			api.writeError(w, r, http.StatusConflict, "lease_lost")
			return
		}
		api.internalError(w, r, "renew lease", err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"lease_expires_at": leaseExpiresAt})
}

type releaseRequest struct {
	Status string           `json:"status"`
	Phase  string           `json:"phase"`
	Error  *domain.RunError `json:"error"`
}

// handleReleaseRun gives up the worker's claim. Releasing a run the
// worker no longer holds reports released=false instead of failing, so
// a worker racing its own lease expiry can shut down cleanly.
func (api *coordinatorAPI) handleReleaseRun(w http.ResponseWriter, r *http.Request) {
	workerID, ok := api.workerID(w, r)
	if !ok {
		return
	}
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}

	var status domain.RunStatus
	if raw := strings.TrimSpace(req.Status); raw != "" {
		status = domain.NormalizeRunStatus(raw)
		if status == "" {
			api.writeError(w, r, http.StatusBadRequest, "invalid_status")
			return
		}
	}
	var phase domain.RunPhase
	if raw := strings.TrimSpace(req.Phase); raw != "" {
		phase = domain.NormalizeRunPhase(raw)
		if phase == "" {
			api.writeError(w, r, http.StatusBadRequest, "invalid_phase")
			return
		}
	}

	run, released, err := api.svc.Release(r.Context(), runs.ReleaseRequest{
		RunID:    runID,
		WorkerID: workerID,
		Status:   status,
		Phase:    phase,
		Error:    req.Error,
	})
	if err != nil {
		api.internalError(w, r, "release run", err)
		return
	}
	body := map[string]any{"released": released}
	if released {
		body["run"] = toRunResponse(run)
	}
	api.writeJSON(w, http.StatusOK, body)
}

type progressRequest struct {
	Type    string          `json:"type"`
	Payload domain.Metadata `json:"payload"`
}

func (api *coordinatorAPI) handleRecordProgress(w http.ResponseWriter, r *http.Request) {
	workerID, ok := api.workerID(w, r)
	if !ok {
		return
	}
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}

	event, err := api.svc.RecordProgress(r.Context(), runID, strings.TrimSpace(req.Type), workerID, req.Payload)
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrNotFound):
			api.writeError(w, r, http.StatusNotFound, "not_found")
		case strings.Contains(err.Error(), "invalid event type"):
			api.writeError(w, r, http.StatusBadRequest, "invalid_event_type")
		default:
			api.internalError(w, r, "record progress", err)
		}
		return
	}
	api.writeJSON(w, http.StatusCreated, map[string]any{"event": toEventResponse(event)})
}

type phaseRequest struct {
	Phase  string `json:"phase"`
	Status string `json:"status"`
}

func (api *coordinatorAPI) handleAdvancePhase(w http.ResponseWriter, r *http.Request) {
	workerID, ok := api.workerID(w, r)
	if !ok {
		return
	}
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	var req phaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}

	phase := domain.NormalizeRunPhase(req.Phase)
	if phase == "" {
		api.writeError(w, r, http.StatusBadRequest, "invalid_phase")
		return
	}
	var status domain.RunStatus
	if raw := strings.TrimSpace(req.Status); raw != "" {
		status = domain.NormalizeRunStatus(raw)
		if status == "" {
			api.writeError(w, r, http.StatusBadRequest, "invalid_status")
			return
		}
	}

	run, err := api.svc.AdvancePhase(r.Context(), runID, phase, status, workerID)
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrNotFound):
			api.writeError(w, r, http.StatusNotFound, "not_found")
		case errors.Is(err, repo.ErrInvalidTransition):
			api.writeError(w, r, http.StatusConflict, "invalid_transition")
		default:
			api.internalError(w, r, "advance phase", err)
		}
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"run": toRunResponse(run)})
}

type summaryRequest struct {
	KEffMean  float64 `json:"k_eff_mean"`
	KEffStd   float64 `json:"k_eff_std"`
	Batches   int64   `json:"batches"`
	Inactive  int64   `json:"inactive"`
	Particles int64   `json:"particles"`
}

// handleWriteSummary records the extracted result exactly once; a
// second write for the same run is a conflict, not an overwrite.
func (api *coordinatorAPI) handleWriteSummary(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.workerID(w, r); !ok {
		return
	}
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	var req summaryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}

	summary := domain.Summary{
		RunID:       runID,
		KEffMean:    req.KEffMean,
		KEffStd:     req.KEffStd,
		Batches:     req.Batches,
		Inactive:    req.Inactive,
		Particles:   req.Particles,
		ExtractedAt: time.Now().UTC(),
	}
	if err := summary.Validate(); err != nil {
		api.writeError(w, r, http.StatusUnprocessableEntity, "invalid_summary")
		return
	}

	if err := api.svc.WriteSummary(r.Context(), summary); err != nil {
		switch {
		case errors.Is(err, repo.ErrNotFound):
			api.writeError(w, r, http.StatusNotFound, "not_found")
		case errors.Is(err, repo.ErrAlreadyExists):
			api.writeError(w, r, http.StatusConflict, "summary_exists")
		case errors.Is(err, repo.ErrInvalidTransition):
			api.writeError(w, r, http.StatusConflict, "run_not_successful")
		default:
			api.internalError(w, r, "write summary", err)
		}
		return
	}
	api.writeJSON(w, http.StatusCreated, map[string]any{"summary": toSummaryResponse(summary)})
}

type artifactsRequest struct {
	Kinds []string `json:"kinds"`
}

type artifactGrant struct {
	Path   string `json:"path"`
	PutURL string `json:"put_url"`
	GetURL string `json:"get_url"`
}

// handleRequestArtifacts records the canonical object paths for the
// requested artifact kinds and hands back presigned URLs. The
// coordinator never proxies artifact bytes.
func (api *coordinatorAPI) handleRequestArtifacts(w http.ResponseWriter, r *http.Request) {
	workerID, ok := api.workerID(w, r)
	if !ok {
		return
	}
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}
	if api.store == nil {
		api.writeError(w, r, http.StatusServiceUnavailable, "object_store_unavailable")
		return
	}

	var req artifactsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}
	if len(req.Kinds) == 0 {
		api.writeError(w, r, http.StatusBadRequest, "kinds_required")
		return
	}

	var artifacts domain.Artifacts
	grants := make(map[string]artifactGrant, len(req.Kinds))
	for _, kind := range req.Kinds {
		var path string
		switch strings.ToLower(strings.TrimSpace(kind)) {
		case "bundle":
			path = api.store.BundlePath(runID)
			artifacts.BundlePath = path
		case "result":
			path = api.store.ResultPath(runID)
			artifacts.ResultPath = path
		case "export":
			path = api.store.ExportPath(runID)
			artifacts.ExportPath = path
		default:
			api.writeError(w, r, http.StatusBadRequest, "invalid_artifact_kind")
			return
		}

		putURL, err := api.store.PresignPut(r.Context(), path)
		if err != nil {
			api.internalError(w, r, "presign put", err)
			return
		}
		getURL, err := api.store.PresignGet(r.Context(), path)
		if err != nil {
			api.internalError(w, r, "presign get", err)
			return
		}
		grants[strings.ToLower(strings.TrimSpace(kind))] = artifactGrant{
			Path:   path,
			PutURL: putURL,
			GetURL: getURL,
		}
	}

	run, err := api.svc.RecordArtifacts(r.Context(), runID, artifacts, workerID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.internalError(w, r, "record artifacts", err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"run":       toRunResponse(run),
		"artifacts": grants,
	})
}
