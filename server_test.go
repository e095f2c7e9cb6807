// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ephaptic

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// newHTTPTestServer builds a Server whose registry carries the metadata the
// HTTP bridge enforces: a login-gated procedure, a rate-limited one, and an
// HTTP identity loader that trusts an X-User header.
func newHTTPTestServer(t *testing.T) *Server {
	t.Helper()
	r := NewRegistry()

	MustExpose(r, "secret", func(ctx context.Context, in struct{}) (string, error) {
		return "classified", nil
	}, RequiresLogin())
	MustExpose(r, "limited", func(ctx context.Context, in struct{}) (string, error) {
		return "ok", nil
	}, WithRateLimit("1/m"))
	MustExpose(r, "open", func(ctx context.Context, in struct{}) (string, error) {
		return "open", nil
	})

	if err := r.HTTPIdentityLoader(func(req *http.Request) (string, error) {
		if u := req.Header.Get("X-User"); u != "" {
			return u, nil
		}
		return "", nil
	}); err != nil {
		t.Fatalf("HTTPIdentityLoader: %v", err)
	}

	srv, err := Connect(r, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return srv
}

func TestHandleHTTPRequiresLogin(t *testing.T) {
	srv := newHTTPTestServer(t)
	handler := srv.HandleHTTP("secret", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("classified"))
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest("GET", "/secret", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous request: status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/secret", nil)
	req.Header.Set("X-User", "user123")
	handler(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated request: status = %d, want 200", rec.Code)
	}
}

func TestHandleHTTPRateLimit(t *testing.T) {
	srv := newHTTPTestServer(t)
	handler := srv.HandleHTTP("limited", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	mkReq := func() *http.Request {
		req := httptest.NewRequest("GET", "/limited", nil)
		req.Header.Set("X-User", "user123")
		return req
	}

	rec := httptest.NewRecorder()
	handler(rec, mkReq())
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler(rec, mkReq())
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("X-Retry-After") == "" {
		t.Error("429 reply missing X-Retry-After header")
	}
}

func TestHandleHTTPEstablishesHTTPScope(t *testing.T) {
	srv := newHTTPTestServer(t)

	var sawHTTP, sawRPC bool
	var sawUser string
	handler := srv.HandleHTTP("open", func(w http.ResponseWriter, r *http.Request) {
		sawHTTP = IsHTTP(r.Context())
		sawRPC = IsRPC(r.Context())
		sawUser = ActiveUser(r.Context())
	})

	req := httptest.NewRequest("GET", "/open", nil)
	req.Header.Set("X-User", "user123")
	handler(httptest.NewRecorder(), req)

	if !sawHTTP || sawRPC {
		t.Error("handler should observe http scope and not rpc scope")
	}
	if sawUser != "user123" {
		t.Errorf("ActiveUser in handler = %q, want user123", sawUser)
	}
}

func TestJSONHandlerRoundTrip(t *testing.T) {
	handler := JSONHandler(func(ctx context.Context, in addIn) (int, error) {
		return in.A + in.B, nil
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/add", strings.NewReader(`{"a":5,"b":7}`))
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "12" {
		t.Errorf("body = %q, want 12", got)
	}
}

// TestBindFreezesRegistry: the bound instance registry rejects late
// registration, while the source registry stays open so it can back a
// second, independent bind.
func TestBindFreezesRegistry(t *testing.T) {
	r := NewRegistry()
	MustExpose(r, "early", func(ctx context.Context, in struct{}) (string, error) {
		return "", nil
	})
	srv, err := Connect(r, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := Expose(srv.Registry(), "late", func(ctx context.Context, in struct{}) (string, error) {
		return "", nil
	}); !errors.Is(err, ErrRegistryFrozen) {
		t.Fatalf("Expose on bound registry = %v, want ErrRegistryFrozen", err)
	}
	if _, ok := srv.Registry().lookup("late"); ok {
		t.Error("bound server must not see post-bind registrations")
	}

	// The source registry is not frozen by binding.
	if err := Expose(r, "late2", func(ctx context.Context, in struct{}) (string, error) {
		return "", nil
	}); err != nil {
		t.Fatalf("Expose on source registry after bind: %v", err)
	}
	if _, ok := srv.Registry().lookup("late2"); ok {
		t.Error("bound server must not see registrations made on the source after bind")
	}
	srv2, err := Connect(r, nil)
	if err != nil {
		t.Fatalf("second Connect on the same source registry: %v", err)
	}
	if _, ok := srv2.Registry().lookup("late2"); !ok {
		t.Error("second bind should see the source's post-first-bind registrations")
	}
}
