// Package feeder implements frame admission: turning capture callbacks
// into Frame envelopes under the sliding-window credit limit, with a
// single latest-wins pending slot for backpressure, grounded on the
// worker pool's channel-based admission and replacement pattern
// generalized from a fixed-size worker set to a one-slot pending queue.
package feeder

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/edgevision/inferclient/internal/cache"
	"github.com/edgevision/inferclient/internal/capture"
	"github.com/edgevision/inferclient/internal/client"
	"github.com/edgevision/inferclient/internal/config"
	"github.com/edgevision/inferclient/internal/flowcontrol"
	"github.com/edgevision/inferclient/internal/metrics"
	"github.com/edgevision/inferclient/internal/wire"
)

// IngestJob is one completed frame+result pair handed to the ingest sink.
type IngestJob struct {
	FrameID     uint64
	Payload     []byte
	Width       uint32
	Height      uint32
	PixelFormat string
	SessionID   string
	WallClockNs int64
	Result      *wire.Result
}

// IngestSink receives completed frame/result pairs for out-of-band upload.
// Submit must not block the caller for long; ingest.Sink queues internally.
type IngestSink interface {
	Submit(ctx context.Context, job IngestJob)
}

// Feeder admits raw captured frames onto the protocol client under the
// active credit window, and routes worker Results back to the ingest sink.
type Feeder struct {
	cfg     config.FeederConfig
	client  *client.Client
	window  *flowcontrol.Manager
	cache   *cache.Cache
	metr    *metrics.Metrics
	logger  *slog.Logger
	ingest  IngestSink
	degrade *DegradeController

	mu         sync.Mutex
	pending    *wire.FrameMsg
	frameIDSeq uint64

	chosenMu      sync.RWMutex
	chosenFormats []string
	chosenCodec   string
	maxFrameBytes uint64

	onFatalError func(error)
}

// New constructs a Feeder wired to an already-constructed client.
func New(cfg config.FeederConfig, cl *client.Client, window *flowcontrol.Manager, c *cache.Cache, m *metrics.Metrics, sink IngestSink, logger *slog.Logger) *Feeder {
	f := &Feeder{
		cfg:    cfg,
		client: cl,
		window: window,
		cache:  c,
		metr:   m,
		logger: logger,
		ingest: sink,
	}
	f.degrade = NewDegradeController(cfg, cl, m, logger, func(err error) {
		if f.onFatalError != nil {
			f.onFatalError(err)
		}
	})
	return f
}

// SetFatalHandler registers the callback invoked when the feeder hits a
// condition it cannot recover from on its own — currently, exhausting the
// degradation attempt budget (spec §4.5/§7). Optional; unset means fatal
// conditions are only logged and counted.
func (f *Feeder) SetFatalHandler(fn func(error)) {
	f.onFatalError = fn
}

// HandleInitOk records the handshake outcome: the accepted pixel format
// and worker-advertised max frame size, and resets the frame id sequence
// (spec's reconnect behavior is implementation-defined; this client resets
// to 0, bounded by the cache TTL against stale id collisions).
func (f *Feeder) HandleInitOk(ok wire.InitOk) {
	f.chosenMu.Lock()
	f.chosenFormats = []string{ok.Chosen.PixelFormat}
	f.chosenCodec = ok.Chosen.Codec
	f.maxFrameBytes = ok.MaxFrameBytes
	f.chosenMu.Unlock()

	f.mu.Lock()
	f.frameIDSeq = 0
	f.pending = nil
	f.mu.Unlock()
	f.metr.PendingSet.Set(0)

	f.degrade.OnHandshakeSucceeded()
}

// OnRawFrame is a capture.Callback: the feeder's admission entrypoint.
func (f *Feeder) OnRawFrame(raw capture.Raw) {
	if f.client.State() != client.Ready {
		f.metr.FramesDroppedPreReady.Inc()
		return
	}

	f.chosenMu.RLock()
	formats := f.chosenFormats
	maxBytes := f.maxFrameBytes
	f.chosenMu.RUnlock()

	if len(formats) > 0 && !containsString(formats, raw.Meta.Format) {
		f.metr.UnsupportedFormat.Inc()
		return
	}

	if maxBytes > 0 && uint64(len(raw.Data)) > maxBytes {
		f.metr.FrameBytesMaxHit.Inc()
		return
	}

	planes, err := planesForFormat(raw.Meta.Width, raw.Meta.Height, raw.Meta.Format)
	if err != nil {
		f.metr.UnsupportedFormat.Inc()
		return
	}
	var total uint32
	for _, p := range planes {
		total += p.Size
	}
	if int(total) != len(raw.Data) {
		f.metr.PlaneMismatch.Inc()
		return
	}

	f.chosenMu.RLock()
	codec := f.chosenCodec
	f.chosenMu.RUnlock()

	f.mu.Lock()
	f.frameIDSeq++
	frameID := f.frameIDSeq
	f.mu.Unlock()

	msg := &wire.FrameMsg{
		FrameID:        frameID,
		MonotonicNs:    raw.Meta.MonotonicNs,
		PresentationNs: raw.Meta.PresentationNs,
		WallClockNs:    raw.Meta.WallClockNs,
		Width:          raw.Meta.Width,
		Height:         raw.Meta.Height,
		PixelFormat:    raw.Meta.Format,
		Codec:          codec,
		Planes:         planes,
		Keyframe:       raw.Meta.Keyframe,
		ColorSpace:     raw.Meta.ColorSpace,
		ColorRange:     raw.Meta.ColorRange,
		SessionID:      raw.Meta.SessionID,
		Payload:        raw.Data,
	}

	f.admit(msg)
}

func (f *Feeder) admit(msg *wire.FrameMsg) {
	f.mu.Lock()
	if f.window.HasCredits() {
		f.mu.Unlock()
		f.send(msg)
		return
	}

	replaced := f.pending != nil
	f.pending = msg
	f.mu.Unlock()

	if replaced {
		f.metr.DropsLatestWins.Inc()
	}
	f.metr.PendingSet.Set(1)
}

func (f *Feeder) send(msg *wire.FrameMsg) {
	if err := f.client.SendFrame(msg); err != nil {
		f.logger.Debug("frame send failed", "frame_id", msg.FrameID, "error", err)
		return
	}
	f.cache.Set(cache.Entry{
		FrameID:     msg.FrameID,
		Payload:     msg.Payload,
		Width:       msg.Width,
		Height:      msg.Height,
		PixelFormat: msg.PixelFormat,
		Planes:      msg.Planes,
		MonotonicNs: msg.MonotonicNs,
		WallClockNs: msg.WallClockNs,
		SessionID:   msg.SessionID,
	})
}

// DrainPending flushes the latest-wins pending slot if credit is now
// available. Wired to client.Handlers.OnCreditAvailable.
func (f *Feeder) DrainPending() {
	f.mu.Lock()
	if f.pending == nil || !f.window.HasCredits() {
		f.mu.Unlock()
		return
	}
	msg := f.pending
	f.pending = nil
	f.mu.Unlock()

	f.metr.PendingSet.Set(0)
	f.send(msg)
}

// HandleResult correlates a worker Result back to its cached frame and
// forwards the pair to the ingest sink. Results for frames whose cache
// entry already expired are counted as cache misses and dropped.
func (f *Feeder) HandleResult(res *wire.Result) {
	entry, ok := f.cache.Get(res.FrameID)
	if !ok {
		f.metr.CacheMiss.Inc()
		return
	}
	f.cache.Delete(res.FrameID)

	if entry.MonotonicNs > 0 {
		rtt := time.Duration(time.Now().UnixNano() - entry.MonotonicNs)
		if rtt > 0 {
			f.metr.RTTSeconds.Observe(rtt.Seconds())
		}
	}

	f.ingest.Submit(context.Background(), IngestJob{
		FrameID:     entry.FrameID,
		Payload:     entry.Payload,
		Width:       entry.Width,
		Height:      entry.Height,
		PixelFormat: entry.PixelFormat,
		SessionID:   entry.SessionID,
		WallClockNs: entry.WallClockNs,
		Result:      res,
	})
}

// HandleError routes worker-reported errors to the degradation controller.
func (f *Feeder) HandleError(e *wire.ErrorMsg) {
	f.degrade.HandleCapabilityError(e.Code)
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// planesForFormat computes the plane layout for the two capture formats
// this client admits, NV12 and I420. Any other format (including RGB8)
// yields errUnsupportedFormat.
func planesForFormat(width, height uint32, format string) ([]wire.Plane, error) {
	ySize := width * height
	switch format {
	case "NV12":
		uvSize := ySize / 2
		return []wire.Plane{
			{Stride: width, Offset: 0, Size: ySize},
			{Stride: width, Offset: ySize, Size: uvSize},
		}, nil
	case "I420":
		cSize := ySize / 4
		cStride := width / 2
		return []wire.Plane{
			{Stride: width, Offset: 0, Size: ySize},
			{Stride: cStride, Offset: ySize, Size: cSize},
			{Stride: cStride, Offset: ySize + cSize, Size: cSize},
		}, nil
	default:
		return nil, errUnsupportedFormat
	}
}

var errUnsupportedFormat = errors.New("feeder: unsupported pixel format")
