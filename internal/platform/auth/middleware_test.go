package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

type testAuthenticator struct {
	identity Identity
	err      error
}

func (a *testAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	return a.identity, a.err
}

func TestMiddlewareRejectsUnauthenticated(t *testing.T) {
	m := Middleware{Authenticator: &testAuthenticator{err: ErrUnauthenticated}}
	handler := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler reached without identity")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/runs", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", rec.Code)
	}
}

func TestMiddlewareSkipsHealthEndpoints(t *testing.T) {
	m := Middleware{
		Authenticator: &testAuthenticator{err: ErrUnauthenticated},
		SkipPrefixes:  []string{"/healthz"},
	}
	reached := false
	handler := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if !reached || rec.Code != http.StatusOK {
		t.Fatalf("health endpoint blocked: reached=%v status=%d", reached, rec.Code)
	}
}

func TestMiddlewareEnforcesRole(t *testing.T) {
	m := Middleware{
		Authenticator: &testAuthenticator{identity: Identity{Subject: "w1", Roles: []string{"worker"}}},
		Authorize:     RequireRole("operator"),
	}
	handler := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler reached without role")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/runs", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d, want 403", rec.Code)
	}
}

func TestMiddlewarePropagatesIdentity(t *testing.T) {
	m := Middleware{
		Authenticator: &testAuthenticator{identity: Identity{Subject: "ops@example.com", Roles: []string{"operator"}}},
		Authorize:     RequireRole("operator"),
	}
	handler := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok || identity.Subject != "ops@example.com" {
			t.Fatalf("identity missing from context: %+v ok=%v", identity, ok)
		}
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/runs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
}
