package status

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"
)

var startTime = time.Now()

// ReadinessProvider reports the protocol client's current state so the
// readiness probe can reflect whether the client is actually able to
// accept and forward frames, not just whether the process is alive.
type ReadinessProvider interface {
	// Ready reports whether the client is in a state that admits frames
	// (spec: READY), along with the current window size and inflight count.
	Ready() (ready bool, windowSize, inflight uint32)
	// StateName returns the human-readable FSM state for diagnostics.
	StateName() string
}

// HealthHandler serves liveness and readiness endpoints.
type HealthHandler struct {
	readiness ReadinessProvider
}

// NewHealthHandler creates a health check handler backed by the given
// readiness source. readiness may be nil before the client is constructed,
// in which case /readyz reports not_ready.
func NewHealthHandler(readiness ReadinessProvider) *HealthHandler {
	return &HealthHandler{readiness: readiness}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/readyz", "/ready":
		h.readinessz(w)
	default:
		h.livez(w)
	}
}

func (h *HealthHandler) livez(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(startTime).String(),
	})
}

func (h *HealthHandler) readinessz(w http.ResponseWriter) {
	if h.readiness == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "not_ready",
			"reason": "client not constructed",
		})
		return
	}

	ready, windowSize, inflight := h.readiness.Ready()

	status := http.StatusOK
	statusStr := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		statusStr = "not_ready"
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         statusStr,
		"state":          h.readiness.StateName(),
		"uptime":         time.Since(startTime).String(),
		"uptime_seconds": time.Since(startTime).Seconds(),
		"window_size":    windowSize,
		"inflight":       inflight,
		"memory": map[string]interface{}{
			"alloc_mb":  mem.Alloc / 1024 / 1024,
			"sys_mb":    mem.Sys / 1024 / 1024,
			"gc_cycles": mem.NumGC,
		},
		"go_version": runtime.Version(),
		"goroutines": runtime.NumGoroutine(),
	})
}
