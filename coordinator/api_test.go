package main

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/neutra-labs/neutra-go/internal/bus"
	"github.com/neutra-labs/neutra-go/internal/domain"
	"github.com/neutra-labs/neutra-go/internal/platform/auth"
	"github.com/neutra-labs/neutra-go/internal/repo/memory"
	"github.com/neutra-labs/neutra-go/internal/service/runs"
)

const sampleSpec = `{"batches":100,"inactive":20,"particles":10000,"seed":42}`

func newTestAPI(t *testing.T) (*coordinatorAPI, *http.ServeMux) {
	t.Helper()
	store := memory.NewStore()
	broadcaster := bus.NewBroadcaster(256, slog.New(slog.DiscardHandler))
	t.Cleanup(broadcaster.Stop)

	svc := runs.New(runs.Config{
		Studies:   store,
		Runs:      store,
		Claims:    store,
		Events:    store,
		Summaries: store,
		Bus:       broadcaster,
	})
	if svc == nil {
		t.Fatal("service init failed")
	}

	api := newCoordinatorAPI(slog.New(slog.DiscardHandler), svc, nil)
	mux := http.NewServeMux()
	api.register(mux)
	api.registerWorkerRoutes(mux)
	return api, mux
}

func doRequest(t *testing.T, mux *http.ServeMux, method, target, body string, identity *auth.Identity) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if identity != nil {
		req = req.WithContext(auth.ContextWithIdentity(req.Context(), *identity))
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v\n%s", err, rec.Body.String())
	}
	return body
}

func submitRun(t *testing.T, mux *http.ServeMux) string {
	t.Helper()
	rec := doRequest(t, mux, http.MethodPost, "/runs", sampleSpec, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit: status %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	runID, _ := body["run_id"].(string)
	if runID == "" {
		t.Fatalf("submit: missing run_id in %v", body)
	}
	return runID
}

func workerIdentity(workerID string) *auth.Identity {
	return &auth.Identity{Subject: workerID, Roles: []string{"worker"}}
}

func TestSubmitAndGetRun(t *testing.T) {
	_, mux := newTestAPI(t)

	runID := submitRun(t, mux)

	rec := doRequest(t, mux, http.MethodGet, "/runs/"+runID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	run, _ := body["run"].(map[string]any)
	if run["status"] != "queued" || run["phase"] != "bundle" {
		t.Fatalf("fresh run state: %v", run)
	}
	if _, hasSummary := body["summary"]; hasSummary {
		t.Fatalf("fresh run should carry no summary: %v", body)
	}
}

func TestSubmitSharesStudy(t *testing.T) {
	_, mux := newTestAPI(t)

	first := doRequest(t, mux, http.MethodPost, "/runs", sampleSpec, nil)
	second := doRequest(t, mux, http.MethodPost, "/runs", sampleSpec, nil)
	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("submit statuses: %d %d", first.Code, second.Code)
	}

	firstBody := decodeBody(t, first)
	secondBody := decodeBody(t, second)
	if firstBody["run_id"] == secondBody["run_id"] {
		t.Fatalf("identical specs must still get distinct runs")
	}
	if firstBody["spec_hash"] != secondBody["spec_hash"] {
		t.Fatalf("identical specs must share a spec hash: %v vs %v", firstBody["spec_hash"], secondBody["spec_hash"])
	}
	if firstBody["study_created"] != true || secondBody["study_created"] != false {
		t.Fatalf("study_created flags: %v %v", firstBody["study_created"], secondBody["study_created"])
	}
}

func TestSubmitRejectsInvalidSpec(t *testing.T) {
	_, mux := newTestAPI(t)

	rec := doRequest(t, mux, http.MethodPost, "/runs", `{"batches":0,"particles":10}`, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["error"] != "invalid_spec" {
		t.Fatalf("error code: %v", body["error"])
	}
	issues, _ := body["issues"].([]any)
	if len(issues) == 0 {
		t.Fatalf("expected validation issues, got %v", body)
	}

	rec = doRequest(t, mux, http.MethodPost, "/runs", "{not json", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed spec: status %d", rec.Code)
	}
}

func TestListRunsFiltersByStatus(t *testing.T) {
	_, mux := newTestAPI(t)

	runID := submitRun(t, mux)
	submitRun(t, mux)

	rec := doRequest(t, mux, http.MethodPost, "/runs/"+runID+"/cancel", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: status %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, mux, http.MethodGet, "/runs?status=queued", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status %d", rec.Code)
	}
	list, _ := decodeBody(t, rec)["runs"].([]any)
	if len(list) != 1 {
		t.Fatalf("queued runs: %d", len(list))
	}

	rec = doRequest(t, mux, http.MethodGet, "/runs?status=bogus", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus status filter: %d", rec.Code)
	}
}

func TestCancelIsTerminal(t *testing.T) {
	_, mux := newTestAPI(t)
	runID := submitRun(t, mux)

	rec := doRequest(t, mux, http.MethodPost, "/runs/"+runID+"/cancel", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("first cancel: %d", rec.Code)
	}
	rec = doRequest(t, mux, http.MethodPost, "/runs/"+runID+"/cancel", "", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second cancel: %d", rec.Code)
	}
	rec = doRequest(t, mux, http.MethodPost, "/runs/does-not-exist/cancel", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cancel unknown run: %d", rec.Code)
	}
}

func TestWorkerClaimLifecycle(t *testing.T) {
	_, mux := newTestAPI(t)
	runID := submitRun(t, mux)
	worker := workerIdentity("w-1")

	rec := doRequest(t, mux, http.MethodPost, "/worker/claims", "{}", worker)
	if rec.Code != http.StatusOK {
		t.Fatalf("claim: status %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	run, _ := body["run"].(map[string]any)
	if run["run_id"] != runID || run["status"] != "running" || run["claimed_by"] != "w-1" {
		t.Fatalf("claimed run: %v", run)
	}
	if body["lease_expires_at"] == nil {
		t.Fatalf("claim must carry a lease deadline")
	}

	// Queue drained.
	rec = doRequest(t, mux, http.MethodPost, "/worker/claims", "{}", worker)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("empty queue: status %d", rec.Code)
	}

	rec = doRequest(t, mux, http.MethodPost, "/worker/runs/"+runID+"/renew", "{}", worker)
	if rec.Code != http.StatusOK {
		t.Fatalf("renew: status %d: %s", rec.Code, rec.Body.String())
	}

	// A stranger cannot renew the lease.
	rec = doRequest(t, mux, http.MethodPost, "/worker/runs/"+runID+"/renew", "{}", workerIdentity("w-2"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("stranger renew: status %d", rec.Code)
	}

	rec = doRequest(t, mux, http.MethodPost, "/worker/runs/"+runID+"/release",
		`{"status":"succeeded","phase":"done"}`, worker)
	if rec.Code != http.StatusOK {
		t.Fatalf("release: status %d: %s", rec.Code, rec.Body.String())
	}
	body = decodeBody(t, rec)
	if body["released"] != true {
		t.Fatalf("release outcome: %v", body)
	}
	run, _ = body["run"].(map[string]any)
	if run["status"] != "succeeded" || run["phase"] != "done" {
		t.Fatalf("released run: %v", run)
	}

	// Releasing a claim we no longer hold is benign.
	rec = doRequest(t, mux, http.MethodPost, "/worker/runs/"+runID+"/release",
		`{"status":"failed"}`, worker)
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat release: status %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["released"] != false {
		t.Fatalf("repeat release outcome: %v", body)
	}

	rec = doRequest(t, mux, http.MethodPost, "/worker/runs/"+runID+"/renew", "{}", worker)
	if rec.Code != http.StatusConflict {
		t.Fatalf("renew after release: status %d", rec.Code)
	}
}

func TestWorkerRoutesRejectMissingIdentity(t *testing.T) {
	_, mux := newTestAPI(t)

	rec := doRequest(t, mux, http.MethodPost, "/worker/claims", "{}", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestAdvancePhaseAndProgress(t *testing.T) {
	_, mux := newTestAPI(t)
	runID := submitRun(t, mux)
	worker := workerIdentity("w-1")

	rec := doRequest(t, mux, http.MethodPost, "/worker/claims", "{}", worker)
	if rec.Code != http.StatusOK {
		t.Fatalf("claim: status %d", rec.Code)
	}

	rec = doRequest(t, mux, http.MethodPost, "/worker/runs/"+runID+"/phase",
		`{"phase":"execute"}`, worker)
	if rec.Code != http.StatusOK {
		t.Fatalf("advance: status %d: %s", rec.Code, rec.Body.String())
	}

	// Phase regressions are rejected.
	rec = doRequest(t, mux, http.MethodPost, "/worker/runs/"+runID+"/phase",
		`{"phase":"bundle"}`, worker)
	if rec.Code != http.StatusConflict {
		t.Fatalf("regression: status %d", rec.Code)
	}

	rec = doRequest(t, mux, http.MethodPost, "/worker/runs/"+runID+"/events",
		`{"type":"batch_completed","payload":{"batch":17,"k_eff":1.18232}}`, worker)
	if rec.Code != http.StatusCreated {
		t.Fatalf("progress: status %d: %s", rec.Code, rec.Body.String())
	}
	event, _ := decodeBody(t, rec)["event"].(map[string]any)
	if event["type"] != "batch_completed" || event["agent"] != "w-1" {
		t.Fatalf("progress event: %v", event)
	}

	rec = doRequest(t, mux, http.MethodPost, "/worker/runs/"+runID+"/events",
		`{"type":"stream_end"}`, worker)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("sentinel type: status %d", rec.Code)
	}

	rec = doRequest(t, mux, http.MethodGet, "/runs/"+runID+"/events?type=batch_completed", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list events: status %d", rec.Code)
	}
	events, _ := decodeBody(t, rec)["events"].([]any)
	if len(events) != 1 {
		t.Fatalf("batch_completed events: %d", len(events))
	}
}

func TestWriteSummaryOnce(t *testing.T) {
	_, mux := newTestAPI(t)
	runID := submitRun(t, mux)
	worker := workerIdentity("w-1")

	payload := `{"k_eff_mean":1.18232,"k_eff_std":0.00121,"batches":100,"inactive":20,"particles":10000}`
	rec := doRequest(t, mux, http.MethodPut, "/worker/runs/"+runID+"/summary", payload, worker)
	if rec.Code != http.StatusCreated {
		t.Fatalf("write summary: status %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, mux, http.MethodPut, "/worker/runs/"+runID+"/summary", payload, worker)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second write: status %d", rec.Code)
	}

	rec = doRequest(t, mux, http.MethodPut, "/worker/runs/"+runID+"/summary",
		`{"batches":0,"particles":10}`, worker)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid summary: status %d", rec.Code)
	}

	rec = doRequest(t, mux, http.MethodGet, "/runs/"+runID+"/summary", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get summary: status %d", rec.Code)
	}
	summary, _ := decodeBody(t, rec)["summary"].(map[string]any)
	if summary["k_eff_mean"] != 1.18232 {
		t.Fatalf("summary: %v", summary)
	}
}

func TestArtifactsRequireObjectStore(t *testing.T) {
	_, mux := newTestAPI(t)
	runID := submitRun(t, mux)

	rec := doRequest(t, mux, http.MethodPost, "/worker/runs/"+runID+"/artifacts",
		`{"kinds":["bundle"]}`, workerIdentity("w-1"))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStreamReplaysTrailForTerminalRun(t *testing.T) {
	_, mux := newTestAPI(t)
	runID := submitRun(t, mux)

	rec := doRequest(t, mux, http.MethodPost, "/runs/"+runID+"/cancel", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: status %d", rec.Code)
	}

	rec = doRequest(t, mux, http.MethodGet, "/runs/"+runID+"/stream", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stream: status %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: %s", ct)
	}

	body := rec.Body.String()
	for _, want := range []string{"event: ready", "event: run_created", "event: status_changed", "event: stream_end"} {
		if !strings.Contains(body, want) {
			t.Fatalf("stream missing %q:\n%s", want, body)
		}
	}
	if strings.Index(body, "event: run_created") > strings.Index(body, "event: status_changed") {
		t.Fatalf("replay out of order:\n%s", body)
	}

	// Resuming past the trail replays nothing but still ends cleanly.
	rec = doRequest(t, mux, http.MethodGet, "/runs/"+runID+"/stream?after_event_id=9999", "", nil)
	body = rec.Body.String()
	if strings.Contains(body, "event: run_created") || !strings.Contains(body, "event: stream_end") {
		t.Fatalf("resume past trail:\n%s", body)
	}

	rec = doRequest(t, mux, http.MethodGet, "/runs/unknown/stream", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown run stream: status %d", rec.Code)
	}
}

func TestStreamDeliversSentinelOnLiveCancel(t *testing.T) {
	_, mux := newTestAPI(t)
	runID := submitRun(t, mux)

	server := httptest.NewServer(mux)
	defer server.Close()

	resp, err := http.Get(server.URL + "/runs/" + runID + "/stream")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream: status %d", resp.StatusCode)
	}

	lines := make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	waitForEvent := func(name string) {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed before %s", name)
				}
				if line == "event: "+name {
					return
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %s", name)
			}
		}
	}

	waitForEvent("ready")
	waitForEvent(domain.EventTypeRunCreated)

	// Cancel while the stream is attached: the status change and the
	// closing sentinel must both reach the live subscriber.
	rec := doRequest(t, mux, http.MethodPost, "/runs/"+runID+"/cancel", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: status %d: %s", rec.Code, rec.Body.String())
	}

	waitForEvent(domain.EventTypeStatusChanged)
	waitForEvent(domain.EventTypeStreamEnd)
}
