package status

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"
)

var rwPool = sync.Pool{
	New: func() interface{} {
		return &responseWriter{}
	},
}

type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) reset(w http.ResponseWriter) {
	rw.ResponseWriter = w
	rw.statusCode = 200
	rw.wroteHeader = false
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.wroteHeader = true
		rw.statusCode = 200
	}
	return rw.ResponseWriter.Write(b)
}

// RecoveryAndLog combines panic recovery with a single access-log line per
// request. This server only ever answers three fixed routes on a loopback
// address, so the request-ID/early-hints machinery a public-facing router
// would need is dropped.
func RecoveryAndLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						"error", err,
						"stack", string(debug.Stack()),
						"path", r.URL.Path,
					)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()

			start := time.Now()
			rw := rwPool.Get().(*responseWriter)
			rw.reset(w)

			next.ServeHTTP(rw, r)

			if logger.Enabled(r.Context(), slog.LevelDebug) {
				logger.Debug("diagnostics request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", rw.statusCode,
					"duration", time.Since(start),
				)
			}

			rwPool.Put(rw)
		})
	}
}
