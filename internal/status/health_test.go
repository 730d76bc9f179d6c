package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeReadiness struct {
	ready      bool
	windowSize uint32
	inflight   uint32
	state      string
}

func (f fakeReadiness) Ready() (bool, uint32, uint32) {
	return f.ready, f.windowSize, f.inflight
}

func (f fakeReadiness) StateName() string {
	return f.state
}

func TestLivezAlwaysOK(t *testing.T) {
	h := NewHealthHandler(nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReadyzNilReadinessIsNotReady(t *testing.T) {
	h := NewHealthHandler(nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestReadyzReflectsProvider(t *testing.T) {
	h := NewHealthHandler(fakeReadiness{ready: true, windowSize: 6, inflight: 2, state: "READY"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body["state"] != "READY" {
		t.Errorf("expected state READY, got %v", body["state"])
	}
}

func TestReadyzNotReadyWhenProviderReportsFalse(t *testing.T) {
	h := NewHealthHandler(fakeReadiness{ready: false, state: "INIT_SENT"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
