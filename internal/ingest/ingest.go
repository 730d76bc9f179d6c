// Package ingest uploads completed frame/result pairs to an external HTTP
// sink as a JPEG-encoded still plus JSON metadata. Encoding and upload are
// best-effort: a failure here never propagates back to the protocol client
// or the feeder (spec §9's design note: ingest failures must not affect
// the inference stream). Retry/backoff and the worker-pool-style queue are
// grounded on the embedded worker pool's bounded-queue-plus-goroutines
// shape, generalized from process workers to HTTP upload workers.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/edgevision/inferclient/internal/config"
	"github.com/edgevision/inferclient/internal/feeder"
	"github.com/edgevision/inferclient/internal/metrics"
)

const queueCapacity = 256

// Sink is a feeder.IngestSink backed by an HTTP multipart POST.
type Sink struct {
	cfg        config.IngestConfig
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
	metr       *metrics.Metrics

	jobs   chan feeder.IngestJob
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSink starts a fixed small pool of upload workers draining a bounded
// job queue. Call Stop to drain in-flight uploads during shutdown.
func NewSink(cfg config.IngestConfig, m *metrics.Metrics, logger *slog.Logger) *Sink {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		cfg:        cfg,
		endpoint:   strings.TrimSuffix(cfg.BaseURL, "/") + "/ingest",
		httpClient: &http.Client{Timeout: cfg.RequestTimeout.Duration()},
		logger:     logger,
		metr:       m,
		jobs:       make(chan feeder.IngestJob, queueCapacity),
		ctx:        ctx,
		cancel:     cancel,
	}

	const workers = 2
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Submit enqueues a job for upload, non-blocking. A full queue drops the
// job rather than applying backpressure to the feeder.
func (s *Sink) Submit(_ context.Context, job feeder.IngestJob) {
	select {
	case s.jobs <- job:
	default:
		s.logger.Warn("ingest queue full, dropping frame", "frame_id", job.FrameID)
		s.metr.IngestFailure.Inc()
	}
}

// Stop waits up to grace for queued uploads to finish, then stops workers.
func (s *Sink) Stop(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		deadline := time.After(grace)
		for {
			select {
			case <-deadline:
				close(done)
				return
			default:
				if len(s.jobs) == 0 {
					close(done)
					return
				}
				time.Sleep(20 * time.Millisecond)
			}
		}
	}()
	<-done
	s.cancel()
	s.wg.Wait()
}

func (s *Sink) worker() {
	defer s.wg.Done()
	for {
		select {
		case job := <-s.jobs:
			s.process(job)
		case <-s.ctx.Done():
			return
		}
	}
}

type ingestMeta struct {
	FrameID      uint64  `json:"frame_id"`
	SessionID    string  `json:"session_id"`
	WallClockNs  int64   `json:"wall_clock_ns"`
	ModelFamily  string  `json:"model_family"`
	ModelName    string  `json:"model_name"`
	ModelVersion string  `json:"model_version"`
	Detections   int     `json:"detection_count"`
	TotalLatency float64 `json:"total_latency_ms"`
}

func (s *Sink) process(job feeder.IngestJob) {
	img, err := decodeToImage(job)
	if err != nil {
		s.logger.Error("jpeg source decode failed, dropping frame", "frame_id", job.FrameID, "error", err)
		s.metr.IngestFailure.Inc()
		return
	}

	var jpegBuf bytes.Buffer
	quality := s.cfg.JPEGQuality
	if quality <= 0 {
		quality = 85
	}
	if err := jpeg.Encode(&jpegBuf, img, &jpeg.Options{Quality: quality}); err != nil {
		s.logger.Error("jpeg encode failed, dropping frame", "frame_id", job.FrameID, "error", err)
		s.metr.IngestFailure.Inc()
		return
	}

	body, contentType, err := buildMultipart(job, jpegBuf.Bytes())
	if err != nil {
		s.logger.Error("multipart build failed, dropping frame", "frame_id", job.FrameID, "error", err)
		s.metr.IngestFailure.Inc()
		return
	}

	s.postWithRetry(job.FrameID, body, contentType)
}

func buildMultipart(job feeder.IngestJob, jpegBytes []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	meta := ingestMeta{
		FrameID:     job.FrameID,
		SessionID:   job.SessionID,
		WallClockNs: job.WallClockNs,
	}
	if job.Result != nil {
		meta.ModelFamily = job.Result.ModelFamily
		meta.ModelName = job.Result.ModelName
		meta.ModelVersion = job.Result.ModelVersion
		meta.Detections = len(job.Result.Detections)
		meta.TotalLatency = job.Result.Latency.TotalMs
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, "", fmt.Errorf("marshaling ingest meta: %w", err)
	}
	if err := w.WriteField("meta", string(metaJSON)); err != nil {
		return nil, "", fmt.Errorf("writing meta field: %w", err)
	}

	part, err := w.CreateFormFile("frame", fmt.Sprintf("%d.jpg", job.FrameID))
	if err != nil {
		return nil, "", fmt.Errorf("creating frame field: %w", err)
	}
	if _, err := part.Write(jpegBytes); err != nil {
		return nil, "", fmt.Errorf("writing frame field: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart writer: %w", err)
	}

	return buf.Bytes(), w.FormDataContentType(), nil
}

func (s *Sink) postWithRetry(frameID uint64, body []byte, contentType string) {
	maxAttempts := s.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequest(http.MethodPost, s.endpoint, bytes.NewReader(body))
		if err != nil {
			s.logger.Error("building ingest request failed", "frame_id", frameID, "error", err)
			s.metr.IngestFailure.Inc()
			return
		}
		req.Header.Set("Content-Type", contentType)

		resp, err := s.httpClient.Do(req)
		if err != nil {
			if attempt == maxAttempts {
				s.logger.Warn("ingest POST failed after retries", "frame_id", frameID, "error", err)
				s.metr.IngestFailure.Inc()
				return
			}
			s.metr.IngestRetries.Inc()
			time.Sleep(s.retryDelay(attempt, 0))
			continue
		}

		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode < 300 {
			s.metr.IngestSuccess.Inc()
			return
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if !retryable || attempt == maxAttempts {
			s.logger.Warn("ingest POST rejected", "frame_id", frameID, "status", resp.StatusCode)
			s.metr.IngestFailure.Inc()
			return
		}

		s.metr.IngestRetries.Inc()
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		time.Sleep(s.retryDelay(attempt, retryAfter))
	}
}

func (s *Sink) retryDelay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	base := s.cfg.RetryBaseDelay.Duration()
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	return base * time.Duration(attempt)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

// decodeToImage builds a standard-library image.Image from the captured
// planar pixel buffer. NV12's interleaved chroma is deinterleaved into the
// planar Cb/Cr layout image.YCbCr expects; I420 already matches it.
func decodeToImage(job feeder.IngestJob) (image.Image, error) {
	w, h := int(job.Width), int(job.Height)
	if w <= 0 || h <= 0 {
		return nil, errors.New("ingest: zero-size frame")
	}

	img := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio420)
	ySize := w * h
	cSize := len(img.Cb)

	switch job.PixelFormat {
	case "I420":
		if len(job.Payload) < ySize+2*cSize {
			return nil, fmt.Errorf("ingest: I420 payload too short for %dx%d", w, h)
		}
		copy(img.Y, job.Payload[:ySize])
		copy(img.Cb, job.Payload[ySize:ySize+cSize])
		copy(img.Cr, job.Payload[ySize+cSize:ySize+2*cSize])
	case "NV12":
		uvSize := ySize / 2
		if len(job.Payload) < ySize+uvSize {
			return nil, fmt.Errorf("ingest: NV12 payload too short for %dx%d", w, h)
		}
		copy(img.Y, job.Payload[:ySize])
		uv := job.Payload[ySize : ySize+uvSize]
		for i := 0; i < cSize && 2*i+1 < len(uv); i++ {
			img.Cb[i] = uv[2*i]
			img.Cr[i] = uv[2*i+1]
		}
	default:
		return nil, fmt.Errorf("ingest: unsupported pixel format %q", job.PixelFormat)
	}

	return img, nil
}
