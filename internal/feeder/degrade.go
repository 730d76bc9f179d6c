package feeder

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edgevision/inferclient/internal/client"
	"github.com/edgevision/inferclient/internal/config"
	"github.com/edgevision/inferclient/internal/metrics"
	"github.com/edgevision/inferclient/internal/wire"
)

// DegradeController re-negotiates capabilities when the worker rejects a
// frame on capability grounds, promoting JPEG ahead of NONE so the next
// handshake offers a codec the worker is more likely to accept. Bounded to
// a fixed attempt budget so a worker that never accepts anything doesn't
// reconnect forever; adapted from the worker pool's Reload(), which also
// replaces live state under a hard attempt ceiling.
type DegradeController struct {
	mu          sync.Mutex
	attempts    int
	maxAttempts int
	cooldown    time.Duration
	lastAttempt time.Time

	cl     *client.Client
	metr   *metrics.Metrics
	logger *slog.Logger

	onExhausted func(error)
}

// NewDegradeController builds a controller bounded by cfg. onExhausted is
// invoked once the attempt budget runs out (may be nil).
func NewDegradeController(cfg config.FeederConfig, cl *client.Client, m *metrics.Metrics, logger *slog.Logger, onExhausted func(error)) *DegradeController {
	maxAttempts := cfg.MaxDegradeAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &DegradeController{
		maxAttempts: maxAttempts,
		cooldown:    cfg.DegradeCooldown.Duration(),
		cl:          cl,
		metr:        m,
		logger:      logger,
		onExhausted: onExhausted,
	}
}

// HandleCapabilityError reacts to a worker-reported error by re-negotiating
// if the error indicates the chosen format/codec wasn't actually usable.
func (d *DegradeController) HandleCapabilityError(code wire.ErrorCode) {
	if code != wire.ErrCodeFrameTooLarge && code != wire.ErrCodeUnsupportedFormat {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.attempts >= d.maxAttempts {
		d.metr.DegradeExhausted.Inc()
		d.logger.Error("degradation attempts exhausted, no further re-negotiation", "code", code)
		if d.onExhausted != nil {
			d.onExhausted(fmt.Errorf("feeder: degradation attempts exhausted after worker error %s", code))
		}
		return
	}
	if !d.lastAttempt.IsZero() && time.Since(d.lastAttempt) < d.cooldown {
		return
	}

	d.attempts++
	d.lastAttempt = time.Now()
	d.promoteJPEG()
	d.metr.DegradeJPEGSwitch.Inc()
	d.logger.Warn("re-negotiating capabilities after worker error", "code", code, "attempt", d.attempts)
	d.cl.Close()
}

// OnHandshakeSucceeded is called once a new handshake completes. It does
// not reset the attempt counter: the attempt budget is a lifetime ceiling
// for this process, not a per-connection one, so a worker that keeps
// rejecting the promoted codec eventually stops costing reconnects.
func (d *DegradeController) OnHandshakeSucceeded() {}

func (d *DegradeController) promoteJPEG() {
	caps := d.cl.Capabilities()

	reordered := make([]string, 0, len(caps.Codecs)+1)
	reordered = append(reordered, "JPEG")
	for _, c := range caps.Codecs {
		if c != "JPEG" {
			reordered = append(reordered, c)
		}
	}
	caps.Codecs = reordered
	d.cl.UpdateCapabilities(caps)
}
