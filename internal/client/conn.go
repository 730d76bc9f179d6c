// Package client implements the protocol client: the TCP connection to
// the inference worker, its handshake/heartbeat/reconnect state machine,
// and frame/result dispatch. The connection lifecycle mirrors the
// watchdog-ticker and graceful-restart shape of a long-lived worker pool,
// generalized to a single outbound connection instead of N subprocesses.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/edgevision/inferclient/internal/config"
	"github.com/edgevision/inferclient/internal/flowcontrol"
	"github.com/edgevision/inferclient/internal/metrics"
	"github.com/edgevision/inferclient/internal/wire"
)

var (
	// ErrNotReady is returned by SendFrame when the client isn't in the
	// READY state.
	ErrNotReady = errors.New("client: not ready")
	// ErrHandshakeTimeout is returned when InitOk does not arrive within
	// the configured handshake timeout.
	ErrHandshakeTimeout = errors.New("client: handshake timed out waiting for InitOk")
)

// Handlers are the feeder-side callbacks the client dispatches decoded
// envelopes to. All are invoked from the client's read loop goroutine;
// implementations must not block it for long.
type Handlers struct {
	OnResult         func(*wire.Result)
	OnError          func(*wire.ErrorMsg)
	OnInitOk         func(wire.InitOk)
	OnReady          func()
	OnConnLost       func(err error)
	// OnCreditAvailable fires after any message that may have freed send
	// credit (WindowUpdate, Result). The feeder uses it to flush its
	// latest-wins pending slot.
	OnCreditAvailable func()
}

// Client is the protocol client connection and its state machine.
type Client struct {
	cfg    config.ClientConfig
	logger *slog.Logger
	metr   *metrics.Metrics
	window *flowcontrol.Manager

	handlers Handlers

	capsMu sync.RWMutex
	caps   wire.Capabilities

	state    stateBox
	streamID string
	chosen   wire.Chosen
	maxBytes uint64

	mu           sync.Mutex // guards writes to conn
	conn         net.Conn
	lastRecv     atomic.Int64
	lastFrameID  atomic.Uint64

	connGen atomic.Int64 // bumps on every reconnect, used to cancel stale heartbeat goroutines
}

// New creates a protocol client. window is created by the caller and is
// also handed to the feeder so admission can consult credit directly; the
// client is the component that updates it (Initialize, OnFrameSent,
// OnResultReceived, HandleWindowUpdate, Reset).
func New(cfg config.ClientConfig, caps wire.Capabilities, logger *slog.Logger, m *metrics.Metrics, window *flowcontrol.Manager, handlers Handlers) *Client {
	cl := &Client{
		cfg:      cfg,
		caps:     caps,
		logger:   logger,
		metr:     m,
		window:   window,
		handlers: handlers,
	}
	cl.state.Store(Disconnected)
	return cl
}

// State returns the current FSM state.
func (c *Client) State() State {
	return c.state.Load()
}

// StateName implements status.ReadinessProvider.
func (c *Client) StateName() string {
	return c.state.Load().String()
}

// Ready implements status.ReadinessProvider.
func (c *Client) Ready() (bool, uint32, uint32) {
	windowSize, inflight := c.window.Snapshot()
	return c.state.Load() == Ready, windowSize, inflight
}

// Capabilities returns a copy of the capabilities currently advertised on
// (re)connect.
func (c *Client) Capabilities() wire.Capabilities {
	c.capsMu.RLock()
	defer c.capsMu.RUnlock()
	return c.caps
}

// UpdateCapabilities replaces the capabilities advertised on the next
// handshake. It does not affect an already-established connection; the
// degradation controller pairs this with Close to force a re-Init.
func (c *Client) UpdateCapabilities(caps wire.Capabilities) {
	c.capsMu.Lock()
	c.caps = caps
	c.capsMu.Unlock()
}

// MaxFrameBytes returns the worker-advertised frame size ceiling from the
// last successful handshake. Zero before the first InitOk.
func (c *Client) MaxFrameBytes() uint64 {
	return c.maxBytes
}

// LastRecv returns the time of the last envelope received on the current
// connection, or the zero time if none has been received yet.
func (c *Client) LastRecv() time.Time {
	ns := c.lastRecv.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Run drives the connect/handshake/serve/reconnect loop until ctx is
// canceled. It returns only then, with ctx.Err(); it never returns nil.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			c.state.Store(Closed)
			return ctx.Err()
		}

		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			c.state.Store(Closed)
			return ctx.Err()
		}
		c.state.Store(Disconnected)

		if c.handlers.OnConnLost != nil {
			c.handlers.OnConnLost(err)
		}
		c.logger.Warn("connection lost, reconnecting", "error", err, "attempt", attempt+1)

		delay := backoffDelay(c.cfg.BackoffBase.Duration(), c.cfg.BackoffCap.Duration(), attempt)
		attempt++
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			c.state.Store(Closed)
			return ctx.Err()
		}
	}
}

// backoffDelay computes exponential backoff (base doubled per attempt,
// capped) with ±20% jitter applied to the capped value.
func backoffDelay(base, capDur time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if capDur <= 0 {
		capDur = 30 * time.Second
	}
	max := base << uint(minInt(attempt, 16))
	if max <= 0 || max > capDur {
		max = capDur
	}
	return time.Duration(float64(max) * (0.8 + 0.4*rand.Float64()))
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (c *Client) runOnce(ctx context.Context) error {
	dialer := net.Dialer{Timeout: c.cfg.HandshakeTimeout.Duration()}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.WorkerAddress)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.WorkerAddress, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.state.Store(Connected)
	gen := c.connGen.Add(1)

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
		c.window.Reset()
	}()

	if err := c.handshake(conn); err != nil {
		return err
	}

	c.state.Store(Ready)
	if c.handlers.OnReady != nil {
		c.handlers.OnReady()
	}
	c.logger.Info("connected to worker", "address", c.cfg.WorkerAddress, "chosen_codec", c.chosen.Codec)

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go c.heartbeatLoop(hbCtx, conn, gen)

	return c.readLoop(conn)
}

func (c *Client) handshake(conn net.Conn) error {
	c.streamID = uuid.NewString()
	c.state.Store(InitSent)

	init := &wire.Envelope{
		ProtocolVersion: wire.Version,
		StreamID:        c.streamID,
		Type:            wire.MsgInit,
		Init:            &wire.Init{Capabilities: c.Capabilities()},
	}

	conn.SetWriteDeadline(time.Now().Add(c.cfg.HandshakeTimeout.Duration()))
	if err := wire.WriteEnvelope(conn, init); err != nil {
		return fmt.Errorf("sending Init: %w", err)
	}
	conn.SetWriteDeadline(time.Time{})

	conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout.Duration()))
	env, err := wire.ReadEnvelope(conn)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
		}
		return fmt.Errorf("reading InitOk: %w", err)
	}

	switch env.Type {
	case wire.MsgInitOk:
		c.chosen = env.InitOk.Chosen
		c.maxBytes = env.InitOk.MaxFrameBytes
		c.validateChosen(c.chosen)
		c.window.Initialize(c.chosen.InitialCredit)
		c.metr.WindowSize.Set(float64(c.chosen.InitialCredit))
		if c.handlers.OnInitOk != nil {
			c.handlers.OnInitOk(*env.InitOk)
		}
		c.touchRecv()
		return nil
	case wire.MsgError:
		return fmt.Errorf("worker rejected Init: %s: %s", env.Error.Code, env.Error.Message)
	default:
		return fmt.Errorf("%w: unexpected message type %s in INIT_SENT", ErrBadSequence, env.Type)
	}
}

// ErrBadSequence marks a protocol violation: a message arrived in a state
// that does not expect it (spec error code BAD_SEQUENCE).
var ErrBadSequence = errors.New("client: bad message sequence")

// validateChosen logs (but does not reject) two documented mismatches
// between what was requested and what the worker chose: a flow-control
// policy other than LATEST_WINS, which this client does not implement, and
// a negotiated resolution that doesn't match the requested capture size.
func (c *Client) validateChosen(chosen wire.Chosen) {
	if chosen.Policy != "" && chosen.Policy != wire.PolicyLatestWins {
		c.logger.Warn("worker chose unsupported flow-control policy, forcing LATEST_WINS",
			"requested_policy", wire.PolicyLatestWins, "chosen_policy", chosen.Policy)
	}

	caps := c.Capabilities()
	if caps.MaxWidth != 0 && chosen.Width != 0 && chosen.Width != caps.MaxWidth {
		c.logger.Warn("worker chose a width different from the requested capture width",
			"requested_width", caps.MaxWidth, "chosen_width", chosen.Width)
	}
	if caps.MaxHeight != 0 && chosen.Height != 0 && chosen.Height != caps.MaxHeight {
		c.logger.Warn("worker chose a height different from the requested capture height",
			"requested_height", caps.MaxHeight, "chosen_height", chosen.Height)
	}
}

func (c *Client) readLoop(conn net.Conn) error {
	for {
		deadline := time.Duration(0)
		if hb := c.cfg.HeartbeatInterval.Duration(); hb > 0 {
			deadline = hb * 3
			conn.SetReadDeadline(time.Now().Add(deadline))
		}

		env, err := wire.ReadEnvelope(conn)
		if err != nil {
			return fmt.Errorf("read loop: %w", err)
		}
		c.touchRecv()

		switch env.Type {
		case wire.MsgWindowUpdate:
			c.window.HandleWindowUpdate(env.WindowUpdate.WindowSize)
			c.metr.WindowSize.Set(float64(env.WindowUpdate.WindowSize))
			if c.handlers.OnCreditAvailable != nil {
				c.handlers.OnCreditAvailable()
			}
		case wire.MsgResult:
			if _, inflight := c.window.Snapshot(); inflight == 0 {
				c.metr.ExtraResultsIgnored.Inc()
			}
			c.window.OnResultReceived()
			c.metr.ResultsReceived.Inc()
			if c.handlers.OnResult != nil {
				c.handlers.OnResult(env.Result)
			}
			if c.handlers.OnCreditAvailable != nil {
				c.handlers.OnCreditAvailable()
			}
		case wire.MsgHeartbeat:
			// liveness only; no payload action required
		case wire.MsgError:
			if c.handlers.OnError != nil {
				c.handlers.OnError(env.Error)
			}
		case wire.MsgEnd:
			return fmt.Errorf("worker closed stream: %s", env.End.Reason)
		case wire.MsgInit, wire.MsgInitOk:
			return fmt.Errorf("%w: unexpected message type %s in READY", ErrBadSequence, env.Type)
		default:
			c.logger.Warn("ignoring unknown message type", "type", env.Type)
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn net.Conn, gen int64) {
	interval := c.cfg.HeartbeatInterval.Duration()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.connGen.Load() != gen {
				return
			}
			hb := &wire.Envelope{
				ProtocolVersion: wire.Version,
				StreamID:        c.streamID,
				Type:            wire.MsgHeartbeat,
				Heartbeat: &wire.Heartbeat{
					MonotonicNs: time.Now().UnixNano(),
					LastFrameID: c.lastFrameID.Load(),
				},
			}
			if err := c.writeEnvelope(conn, hb); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// SendFrame writes a frame envelope if the client is READY and connected,
// and returns ErrNotReady otherwise. It does not consult the credit window;
// callers (the feeder) check HasCredits before calling this. A successful
// write is recorded with window.OnFrameSent.
func (c *Client) SendFrame(f *wire.FrameMsg) error {
	if c.state.Load() != Ready {
		return ErrNotReady
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotReady
	}

	env := &wire.Envelope{
		ProtocolVersion: wire.Version,
		StreamID:        c.streamID,
		Type:            wire.MsgFrame,
		Frame:           f,
	}
	if err := c.writeEnvelope(conn, env); err != nil {
		return err
	}
	c.window.OnFrameSent()
	c.metr.FramesSent.Inc()
	c.lastFrameID.Store(f.FrameID)
	return nil
}

func (c *Client) writeEnvelope(conn net.Conn, env *wire.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return ErrNotReady
	}
	return wire.WriteEnvelope(conn, env)
}

func (c *Client) touchRecv() {
	c.lastRecv.Store(time.Now().UnixNano())
}

// Close tears down the current connection, if any, causing Run's loop to
// attempt a reconnect unless its context is also canceled.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
