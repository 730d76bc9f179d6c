package ingest

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgevision/inferclient/internal/config"
	"github.com/edgevision/inferclient/internal/feeder"
	"github.com/edgevision/inferclient/internal/metrics"
	"github.com/edgevision/inferclient/internal/wire"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

func nv12Job(frameID uint64, w, h uint32) feeder.IngestJob {
	data := make([]byte, w*h+w*h/2)
	return feeder.IngestJob{
		FrameID:     frameID,
		Payload:     data,
		Width:       w,
		Height:      h,
		PixelFormat: "NV12",
		Result: &wire.Result{
			ModelFamily: "yolo",
			Detections:  []wire.Detection{{ClassLabel: "person", Confidence: 0.9}},
		},
	}
}

func TestDecodeToImageNV12(t *testing.T) {
	job := nv12Job(1, 8, 8)
	img, err := decodeToImage(job)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if img.Bounds().Dx() != 8 || img.Bounds().Dy() != 8 {
		t.Fatalf("unexpected bounds: %v", img.Bounds())
	}
}

func TestDecodeToImageShortPayload(t *testing.T) {
	job := nv12Job(1, 8, 8)
	job.Payload = job.Payload[:4]
	if _, err := decodeToImage(job); err == nil {
		t.Fatal("expected error for short payload")
	}
}

func TestDecodeToImageUnsupportedFormat(t *testing.T) {
	job := nv12Job(1, 8, 8)
	job.PixelFormat = "RGB8"
	if _, err := decodeToImage(job); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestSinkSubmitSucceedsOnFirstTry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/ingest" {
			t.Errorf("server: expected path /ingest, got %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("server: parsing multipart form: %v", err)
		}
		if r.MultipartForm.Value["meta"] == nil {
			t.Error("server: missing meta field")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.IngestConfig{
		BaseURL:        srv.URL,
		JPEGQuality:    85,
		MaxAttempts:    3,
		RetryBaseDelay: config.Duration(10 * time.Millisecond),
		RequestTimeout: config.Duration(2 * time.Second),
	}
	sink := NewSink(cfg, metrics.New(), testLogger())
	sink.Submit(nil, nv12Job(1, 8, 8))
	sink.Stop(time.Second)

	if hits.Load() != 1 {
		t.Fatalf("expected exactly 1 request, got %d", hits.Load())
	}
}

func TestSinkRetriesOn500ThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.IngestConfig{
		BaseURL:        srv.URL,
		JPEGQuality:    85,
		MaxAttempts:    3,
		RetryBaseDelay: config.Duration(5 * time.Millisecond),
		RequestTimeout: config.Duration(2 * time.Second),
	}
	sink := NewSink(cfg, metrics.New(), testLogger())
	sink.Submit(nil, nv12Job(1, 8, 8))
	sink.Stop(time.Second)

	if hits.Load() != 2 {
		t.Fatalf("expected 2 requests (1 failure + 1 retry), got %d", hits.Load())
	}
}

func TestSinkAbortsOn400WithoutRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := config.IngestConfig{
		BaseURL:        srv.URL,
		JPEGQuality:    85,
		MaxAttempts:    3,
		RetryBaseDelay: config.Duration(5 * time.Millisecond),
		RequestTimeout: config.Duration(2 * time.Second),
	}
	sink := NewSink(cfg, metrics.New(), testLogger())
	sink.Submit(nil, nv12Job(1, 8, 8))
	sink.Stop(time.Second)

	if hits.Load() != 1 {
		t.Fatalf("expected exactly 1 request (no retry on 400), got %d", hits.Load())
	}
}

func TestParseRetryAfterSeconds(t *testing.T) {
	d := parseRetryAfter("2")
	if d != 2*time.Second {
		t.Fatalf("expected 2s, got %s", d)
	}
}

func TestParseRetryAfterEmpty(t *testing.T) {
	if d := parseRetryAfter(""); d != 0 {
		t.Fatalf("expected 0, got %s", d)
	}
}
