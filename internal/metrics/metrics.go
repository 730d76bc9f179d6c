// Package metrics exposes the edge inference client's Prometheus
// collectors: the counters named throughout spec.md plus window/inflight
// gauges, wired to client_golang rather than a hand-rolled exporter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles all collectors registered by this client. Always
// construct one with New; its fields are not safe to use on a zero value.
type Metrics struct {
	FramesDroppedPreReady prometheus.Counter
	FrameBytesMaxHit      prometheus.Counter
	PlaneMismatch         prometheus.Counter
	UnsupportedFormat     prometheus.Counter
	DropsLatestWins       prometheus.Counter
	DegradeJPEGSwitch     prometheus.Counter
	DegradeExhausted      prometheus.Counter
	CacheMiss             prometheus.Counter
	FramesSent            prometheus.Counter
	ResultsReceived       prometheus.Counter
	ExtraResultsIgnored   prometheus.Counter

	IngestSuccess prometheus.Counter
	IngestFailure prometheus.Counter
	IngestRetries prometheus.Counter

	WindowSize prometheus.Gauge
	Inflight   prometheus.Gauge
	PendingSet prometheus.Gauge

	RTTSeconds prometheus.Histogram

	registry *prometheus.Registry
}

// New creates and registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	newCounter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ai_edge_client",
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(c)
		return c
	}
	newGauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ai_edge_client",
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(g)
		return g
	}

	m := &Metrics{
		FramesDroppedPreReady: newCounter("frames_dropped_pre_ready_total", "Frames dropped because the connection was not READY."),
		FrameBytesMaxHit:      newCounter("frame_bytes_max_hit_total", "Frames dropped for exceeding maxFrameBytes."),
		PlaneMismatch:         newCounter("plane_mismatch_total", "Frames dropped for plane/payload size mismatch."),
		UnsupportedFormat:     newCounter("unsupported_format_total", "Frames dropped for an unsupported pixel format."),
		DropsLatestWins:       newCounter("drops_latestwins_total", "Pending frames replaced under latest-wins backpressure."),
		DegradeJPEGSwitch:     newCounter("ai_degrade_jpeg_switch_total", "Degradation re-inits that promoted JPEG ahead of NONE."),
		DegradeExhausted:      newCounter("degrade_exhausted_total", "Sessions that exhausted the degradation attempt budget."),
		CacheMiss:             newCounter("cache_miss_total", "Results that arrived after their cached frame expired."),
		FramesSent:            newCounter("frames_sent_total", "Frame envelopes written to the transport."),
		ResultsReceived:       newCounter("results_received_total", "Result envelopes received."),
		ExtraResultsIgnored:   newCounter("extra_results_ignored_total", "Results received with inflight already at 0."),

		IngestSuccess: newCounter("ingest_success_total", "Successful ingest POSTs."),
		IngestFailure: newCounter("ingest_failure_total", "Ingest jobs that failed: queue full, image decode/encode or multipart error, non-retryable status, or retries exhausted."),
		IngestRetries: newCounter("ingest_retries_total", "Ingest POST retry attempts."),

		WindowSize: newGauge("window_size", "Current advertised credit window."),
		Inflight:   newGauge("inflight", "Current inflight (unacknowledged) frame count."),
		PendingSet: newGauge("pending_slot_occupied", "1 if the latest-wins pending slot holds a frame, else 0."),

		RTTSeconds: func() prometheus.Histogram {
			h := prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "ai_edge_client",
				Name:      "result_rtt_seconds",
				Help:      "Time from the frame's capture MonotonicNs timestamp, read as Unix nanoseconds, to result receipt; the send time itself is not recorded.",
				Buckets:   prometheus.DefBuckets,
			})
			reg.MustRegister(h)
			return h
		}(),

		registry: reg,
	}

	return m
}

// Registry returns the Prometheus registry for use by an HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
