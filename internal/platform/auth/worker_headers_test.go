package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func TestWorkerSignatureRoundTrip(t *testing.T) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := ComputeWorkerSignature("secret", ts, "POST", "/worker/claims", "w1")
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if err := VerifyWorkerSignature("secret", ts, "POST", "/worker/claims", "w1", sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := VerifyWorkerSignature("secret", ts, "POST", "/worker/claims", "w2", sig); err == nil {
		t.Fatalf("expected verification failure for different worker")
	}
	if err := VerifyWorkerSignature("other", ts, "POST", "/worker/claims", "w1", sig); err == nil {
		t.Fatalf("expected verification failure for different secret")
	}
	if err := VerifyWorkerSignature("secret", ts, "POST", "/worker/other", "w1", sig); err == nil {
		t.Fatalf("expected verification failure for different path")
	}
}

func TestWorkerTimestampSkew(t *testing.T) {
	now := time.Now().UTC()
	fresh := strconv.FormatInt(now.Unix(), 10)
	if err := VerifyWorkerTimestamp(fresh, now, time.Minute); err != nil {
		t.Fatalf("fresh timestamp rejected: %v", err)
	}
	stale := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)
	if err := VerifyWorkerTimestamp(stale, now, time.Minute); err == nil {
		t.Fatalf("stale timestamp accepted")
	}
	if err := VerifyWorkerTimestamp(stale, now, 0); err != nil {
		t.Fatalf("skew check disabled but rejected: %v", err)
	}
	if err := VerifyWorkerTimestamp("not-a-number", now, time.Minute); err == nil {
		t.Fatalf("garbage timestamp accepted")
	}
}

func TestWorkerAuthenticator(t *testing.T) {
	authn, err := NewWorkerAuthenticator(Config{Mode: ModeDev, WorkerSecret: "secret", WorkerMaxSkew: time.Minute})
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}

	r := httptest.NewRequest("POST", "/worker/claims", nil)
	if err := SignWorkerRequest(r, "secret", "w1", time.Now().UTC()); err != nil {
		t.Fatalf("sign: %v", err)
	}
	identity, err := authn.Authenticate(context.Background(), r)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if identity.Subject != "w1" || !HasRole(identity.Roles, "worker") {
		t.Fatalf("identity %+v", identity)
	}

	bare := httptest.NewRequest("POST", "/worker/claims", nil)
	if _, err := authn.Authenticate(context.Background(), bare); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("missing headers: got %v, want ErrUnauthenticated", err)
	}

	tampered := httptest.NewRequest("POST", "/worker/claims", nil)
	if err := SignWorkerRequest(tampered, "secret", "w1", time.Now().UTC()); err != nil {
		t.Fatalf("sign: %v", err)
	}
	tampered.Header.Set(HeaderWorkerID, "w2")
	if _, err := authn.Authenticate(context.Background(), tampered); err == nil {
		t.Fatalf("tampered worker id accepted")
	}
}
