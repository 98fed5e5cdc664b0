package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/neutra-labs/neutra-go/internal/domain"
	"github.com/neutra-labs/neutra-go/internal/platform/auth"
)

// ErrLeaseLost mirrors the coordinator's 409 on renew: another worker
// owns the run now, or it was cancelled. Abandon it.
var ErrLeaseLost = errors.New("lease lost")

// ErrPhaseConflict is the coordinator refusing a phase regression. A
// scavenged run can already sit past the phase being reported; the
// pipeline treats that as already done.
var ErrPhaseConflict = errors.New("phase conflict")

// Client is the worker's HMAC-signed HTTP client for the coordinator's
// worker surface.
type Client struct {
	baseURL  string
	secret   string
	workerID string
	http     *http.Client
}

func NewClient(baseURL, secret, workerID string) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("coordinator url is required")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("worker secret is required")
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, errors.New("worker id is required")
	}
	return &Client{
		baseURL:  baseURL,
		secret:   secret,
		workerID: workerID,
		http:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// ClaimedRun is the coordinator's claim grant: the run, its lease
// deadline, and the canonical spec to materialize.
type ClaimedRun struct {
	Run            runPayload `json:"run"`
	LeaseExpiresAt time.Time  `json:"lease_expires_at"`
	CanonicalSpec  string     `json:"canonical_spec"`
}

type runPayload struct {
	RunID    string `json:"run_id"`
	SpecHash string `json:"spec_hash"`
	Status   string `json:"status"`
	Phase    string `json:"phase"`
}

// ClaimNext asks for the oldest eligible run. nil means the queue is
// empty.
func (c *Client) ClaimNext(ctx context.Context, eligibleStatus, eligiblePhase string) (*ClaimedRun, error) {
	body := map[string]string{}
	if eligibleStatus != "" {
		body["eligible_status"] = eligibleStatus
	}
	if eligiblePhase != "" {
		body["eligible_phase"] = eligiblePhase
	}

	resp, err := c.do(ctx, http.MethodPost, "/worker/claims", body)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var claim ClaimedRun
		if err := json.NewDecoder(resp.Body).Decode(&claim); err != nil {
			return nil, fmt.Errorf("decode claim: %w", err)
		}
		return &claim, nil
	default:
		return nil, unexpectedStatus("claim", resp)
	}
}

// Renew extends the lease on a held run.
func (c *Client) Renew(ctx context.Context, runID string) (time.Time, error) {
	resp, err := c.do(ctx, http.MethodPost, "/worker/runs/"+runID+"/renew", map[string]string{})
	if err != nil {
		return time.Time{}, err
	}
	defer drainClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		var out struct {
			LeaseExpiresAt time.Time `json:"lease_expires_at"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return time.Time{}, fmt.Errorf("decode renew: %w", err)
		}
		return out.LeaseExpiresAt, nil
	case http.StatusConflict:
		return time.Time{}, ErrLeaseLost
	default:
		return time.Time{}, unexpectedStatus("renew", resp)
	}
}

// Release gives the run back with its final status and phase.
func (c *Client) Release(ctx context.Context, runID, status, phase string, runErr *domain.RunError) error {
	body := map[string]any{
		"status": status,
		"phase":  phase,
	}
	if runErr != nil {
		body["error"] = runErr
	}
	resp, err := c.do(ctx, http.MethodPost, "/worker/runs/"+runID+"/release", body)
	if err != nil {
		return err
	}
	defer drainClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return unexpectedStatus("release", resp)
	}
	return nil
}

// RecordProgress appends a progress event to the run's trail.
func (c *Client) RecordProgress(ctx context.Context, runID, eventType string, payload map[string]any) error {
	resp, err := c.do(ctx, http.MethodPost, "/worker/runs/"+runID+"/events", map[string]any{
		"type":    eventType,
		"payload": payload,
	})
	if err != nil {
		return err
	}
	defer drainClose(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return unexpectedStatus("record progress", resp)
	}
	return nil
}

// AdvancePhase moves the run forward.
func (c *Client) AdvancePhase(ctx context.Context, runID, phase string) error {
	resp, err := c.do(ctx, http.MethodPost, "/worker/runs/"+runID+"/phase", map[string]string{
		"phase": phase,
	})
	if err != nil {
		return err
	}
	defer drainClose(resp.Body)
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		return ErrPhaseConflict
	default:
		return unexpectedStatus("advance phase", resp)
	}
}

// WriteSummary records the extracted result. A conflict means another
// attempt already extracted it; the worker treats that as success.
func (c *Client) WriteSummary(ctx context.Context, summary domain.Summary) error {
	resp, err := c.do(ctx, http.MethodPut, "/worker/runs/"+summary.RunID+"/summary", map[string]any{
		"k_eff_mean": summary.KEffMean,
		"k_eff_std":  summary.KEffStd,
		"batches":    summary.Batches,
		"inactive":   summary.Inactive,
		"particles":  summary.Particles,
	})
	if err != nil {
		return err
	}
	defer drainClose(resp.Body)
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		return unexpectedStatus("write summary", resp)
	}
	return nil
}

// ArtifactGrant is one presigned upload slot handed out by the
// coordinator.
type ArtifactGrant struct {
	Path   string `json:"path"`
	PutURL string `json:"put_url"`
	GetURL string `json:"get_url"`
}

// RequestArtifacts records artifact paths on the run and returns
// presigned URLs per kind.
func (c *Client) RequestArtifacts(ctx context.Context, runID string, kinds []string) (map[string]ArtifactGrant, error) {
	resp, err := c.do(ctx, http.MethodPost, "/worker/runs/"+runID+"/artifacts", map[string]any{
		"kinds": kinds,
	})
	if err != nil {
		return nil, err
	}
	defer drainClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, unexpectedStatus("request artifacts", resp)
	}
	var out struct {
		Artifacts map[string]ArtifactGrant `json:"artifacts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode artifacts: %w", err)
	}
	return out.Artifacts, nil
}

// UploadFile streams a local file to a presigned URL. Bytes go straight
// to the object store, not through the coordinator.
func (c *Client) UploadFile(ctx context.Context, putURL, localPath, contentType string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, putURL, f)
	if err != nil {
		return fmt.Errorf("build upload: %w", err)
	}
	req.ContentLength = info.Size()
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	defer drainClose(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unexpectedStatus("upload", resp)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(blob)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := auth.SignWorkerRequest(req, c.secret, c.workerID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func unexpectedStatus(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(snippet)))
}

func drainClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
