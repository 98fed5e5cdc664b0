package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Workers authenticate to the coordinator with a shared-secret HMAC
// over the request line, not bearer tokens: they run headless inside
// the cluster and the secret rotates with the deployment.
const (
	HeaderWorkerID      = "X-Neutra-Worker"
	HeaderAuthTimestamp = "X-Neutra-Auth-Ts"
	HeaderAuthSignature = "X-Neutra-Auth-Sig"
)

func ComputeWorkerSignature(secret, ts, method, path, workerID string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("worker secret is required")
	}
	if strings.TrimSpace(ts) == "" {
		return "", errors.New("timestamp is required")
	}
	msg := workerAuthCanonical(ts, method, path, workerID)
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(msg)); err != nil {
		return "", fmt.Errorf("hmac: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func VerifyWorkerSignature(secret, ts, method, path, workerID, signature string) error {
	expected, err := ComputeWorkerSignature(secret, ts, method, path, workerID)
	if err != nil {
		return err
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return errors.New("signature is required")
	}
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errors.New("invalid signature")
	}
	return nil
}

func VerifyWorkerTimestamp(ts string, now time.Time, maxSkew time.Duration) error {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return errors.New("timestamp is required")
	}
	parsed, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	if maxSkew <= 0 {
		return nil
	}

	tsTime := time.Unix(parsed, 0).UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if tsTime.After(now.Add(maxSkew)) || tsTime.Before(now.Add(-maxSkew)) {
		return errors.New("timestamp outside allowed skew")
	}
	return nil
}

func workerAuthCanonical(ts, method, path, workerID string) string {
	parts := []string{
		strings.TrimSpace(ts),
		strings.ToUpper(strings.TrimSpace(method)),
		strings.TrimSpace(path),
		strings.TrimSpace(workerID),
	}
	return strings.Join(parts, "\n")
}

// SignWorkerRequest stamps the worker auth headers onto an outbound
// request.
func SignWorkerRequest(r *http.Request, secret, workerID string, now time.Time) error {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	ts := strconv.FormatInt(now.Unix(), 10)
	sig, err := ComputeWorkerSignature(secret, ts, r.Method, r.URL.Path, workerID)
	if err != nil {
		return err
	}
	r.Header.Set(HeaderWorkerID, workerID)
	r.Header.Set(HeaderAuthTimestamp, ts)
	r.Header.Set(HeaderAuthSignature, sig)
	return nil
}

// WorkerAuthenticator validates the HMAC worker headers.
type WorkerAuthenticator struct {
	secret  string
	maxSkew time.Duration
}

func NewWorkerAuthenticator(cfg Config) (*WorkerAuthenticator, error) {
	if strings.TrimSpace(cfg.WorkerSecret) == "" {
		return nil, errors.New("NEUTRA_AUTH_WORKER_SECRET is required")
	}
	return &WorkerAuthenticator{
		secret:  cfg.WorkerSecret,
		maxSkew: cfg.WorkerMaxSkew,
	}, nil
}

func (a *WorkerAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	workerID := strings.TrimSpace(r.Header.Get(HeaderWorkerID))
	ts := r.Header.Get(HeaderAuthTimestamp)
	sig := r.Header.Get(HeaderAuthSignature)
	if workerID == "" || strings.TrimSpace(ts) == "" || strings.TrimSpace(sig) == "" {
		return Identity{}, ErrUnauthenticated
	}
	if err := VerifyWorkerTimestamp(ts, time.Now().UTC(), a.maxSkew); err != nil {
		return Identity{}, err
	}
	if err := VerifyWorkerSignature(a.secret, ts, r.Method, r.URL.Path, workerID, sig); err != nil {
		return Identity{}, err
	}
	return Identity{Subject: workerID, Roles: []string{"worker"}}, nil
}
