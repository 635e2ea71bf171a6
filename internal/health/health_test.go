package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sibylabs/sibyl/internal/resilience"
)

func TestHealthz_AlwaysOK(t *testing.T) {
	h := New()
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var res result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != "ok" {
		t.Errorf("status = %q, want ok", res.Status)
	}
}

func TestReadyz_AllChecksPass(t *testing.T) {
	h := New(
		Checker{Name: "a", Check: func(context.Context) error { return nil }},
		Checker{Name: "b", Check: func(context.Context) error { return nil }},
	)
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestReadyz_FailingCheck(t *testing.T) {
	h := New(
		Checker{Name: "good", Check: func(context.Context) error { return nil }},
		Checker{Name: "bad", Check: func(context.Context) error { return errors.New("down") }},
	)
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var res result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != "fail" {
		t.Errorf("status = %q, want fail", res.Status)
	}
	if res.Checks["good"] != "ok" {
		t.Errorf("good check = %q, want ok", res.Checks["good"])
	}
	if res.Checks["bad"] != "fail: down" {
		t.Errorf("bad check = %q", res.Checks["bad"])
	}
}

func TestEngines_Checker(t *testing.T) {
	reg := resilience.NewRegistry(resilience.BreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Hour,
	})
	check := Engines(reg)

	// No engines seen yet: ready.
	if err := check.Check(context.Background()); err != nil {
		t.Fatalf("empty registry should be ready: %v", err)
	}

	// One engine open, one closed: still ready.
	reg.Record("a", false)
	reg.Allow("b")
	if err := check.Check(context.Background()); err != nil {
		t.Fatalf("one healthy engine should be enough: %v", err)
	}

	// All engines open: not ready.
	reg.Record("b", false)
	if err := check.Check(context.Background()); err == nil {
		t.Fatal("expected failure with all breakers open")
	}
}

func TestRegister_Routes(t *testing.T) {
	mux := http.NewServeMux()
	New().Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, rec.Code)
		}
	}
}
