package capture

import (
	"log/slog"
	"sync"
	"time"
)

// TickerProducer is a placeholder Producer that emits solid frames of the
// configured dimensions and format on a fixed interval. It stands in for
// the real capture backend (camera, frame grabber, v4l2 device) which is
// out of scope here — it exists so the binary exercises the full admission
// and protocol pipeline without requiring hardware.
type TickerProducer struct {
	width, height uint32
	format        string
	interval      time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	cb     Callback
	stop   chan struct{}
	frame  []byte
	wg     sync.WaitGroup
	seqNum uint64
}

// NewTickerProducer builds a producer that emits width x height frames in
// the given pixel format every interval.
func NewTickerProducer(width, height uint32, format string, interval time.Duration, logger *slog.Logger) *TickerProducer {
	return &TickerProducer{
		width:    width,
		height:   height,
		format:   format,
		interval: interval,
		logger:   logger,
		frame:    make([]byte, frameSize(width, height, format)),
	}
}

func frameSize(width, height uint32, format string) uint32 {
	switch format {
	case "I420":
		return width*height + width*height/2
	default: // NV12
		return width*height + width*height/2
	}
}

// Start begins emitting frames on a ticker until Stop is called.
func (t *TickerProducer) Start(cb Callback) error {
	t.mu.Lock()
	t.cb = cb
	t.stop = make(chan struct{})
	stop := t.stop
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run(stop)
	t.logger.Info("capture producer started", "width", t.width, "height", t.height, "format", t.format, "interval", t.interval)
	return nil
}

func (t *TickerProducer) run(stop chan struct{}) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.seqNum++
			t.mu.Lock()
			cb := t.cb
			t.mu.Unlock()
			if cb == nil {
				continue
			}
			cb(Raw{
				Data: t.frame,
				Meta: Meta{
					MonotonicNs: time.Now().UnixNano(),
					WallClockNs: time.Now().UnixNano(),
					Width:       t.width,
					Height:      t.height,
					Format:      t.format,
					Keyframe:    true,
				},
			})
		}
	}
}

// Stop halts frame delivery and waits for the emitting goroutine to exit.
func (t *TickerProducer) Stop() error {
	t.mu.Lock()
	stop := t.stop
	t.stop = nil
	t.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	t.wg.Wait()
	return nil
}
