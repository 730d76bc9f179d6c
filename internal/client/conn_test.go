package client

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/edgevision/inferclient/internal/config"
	"github.com/edgevision/inferclient/internal/flowcontrol"
	"github.com/edgevision/inferclient/internal/metrics"
	"github.com/edgevision/inferclient/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// recordingHandler captures emitted record messages for assertions without
// depending on a particular text/JSON rendering.
type recordingHandler struct {
	mu   sync.Mutex
	msgs []string
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	h.msgs = append(h.msgs, r.Message)
	h.mu.Unlock()
	return nil
}
func (h *recordingHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(_ string) slog.Handler      { return h }

func (h *recordingHandler) contains(substr string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.msgs {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

func newTestClient(t *testing.T, addr string) (*Client, *flowcontrol.Manager) {
	t.Helper()
	win := flowcontrol.NewManager()
	cfg := config.ClientConfig{
		WorkerAddress:     addr,
		HandshakeTimeout:  config.Duration(2 * time.Second),
		HeartbeatInterval: config.Duration(50 * time.Millisecond),
		BackoffBase:       config.Duration(10 * time.Millisecond),
		BackoffCap:        config.Duration(100 * time.Millisecond),
	}
	caps := wire.Capabilities{PixelFormats: []string{"NV12"}, Codecs: []string{"NONE"}}
	cl := New(cfg, caps, testLogger(), metrics.New(), win, Handlers{})
	return cl, win
}

// acceptOnce runs a minimal server handshake: read Init, write InitOk.
func acceptOnce(t *testing.T, ln net.Listener, chosen wire.Chosen) net.Conn {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	env, err := wire.ReadEnvelope(conn)
	if err != nil {
		t.Fatalf("reading Init: %v", err)
	}
	if env.Type != wire.MsgInit {
		t.Fatalf("expected INIT, got %s", env.Type)
	}
	ok := &wire.Envelope{
		ProtocolVersion: wire.Version,
		StreamID:        env.StreamID,
		Type:            wire.MsgInitOk,
		InitOk:          &wire.InitOk{Chosen: chosen, MaxFrameBytes: 4 << 20},
	}
	if err := wire.WriteEnvelope(conn, ok); err != nil {
		t.Fatalf("writing InitOk: %v", err)
	}
	return conn
}

func TestHandshakeReachesReady(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	readyCh := make(chan struct{}, 1)
	cl, win := newTestClient(t, ln.Addr().String())
	cl.handlers.OnReady = func() { readyCh <- struct{}{} }

	done := make(chan net.Conn, 1)
	go func() {
		done <- acceptOnce(t, ln, wire.Chosen{Codec: "NONE", InitialCredit: 4, Policy: wire.PolicyLatestWins})
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cl.Run(ctx)

	select {
	case <-readyCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for READY")
	}

	if cl.State() != Ready {
		t.Fatalf("expected READY, got %s", cl.State())
	}
	if windowSize, _ := win.Snapshot(); windowSize != 4 {
		t.Fatalf("expected window size 4, got %d", windowSize)
	}

	conn := <-done
	conn.Close()
}

func TestSendFrameBeforeReadyFails(t *testing.T) {
	cl, _ := newTestClient(t, "127.0.0.1:1") // unused; no dial in this test
	err := cl.SendFrame(&wire.FrameMsg{FrameID: 1})
	if err != ErrNotReady {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestWindowUpdateUpdatesFlowControl(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cl, win := newTestClient(t, ln.Addr().String())
	readyCh := make(chan struct{}, 1)
	cl.handlers.OnReady = func() { readyCh <- struct{}{} }

	serverConnCh := make(chan net.Conn, 1)
	go func() {
		serverConnCh <- acceptOnce(t, ln, wire.Chosen{Codec: "NONE", InitialCredit: 2})
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cl.Run(ctx)

	<-readyCh
	conn := <-serverConnCh
	defer conn.Close()

	update := &wire.Envelope{
		ProtocolVersion: wire.Version,
		StreamID:        cl.streamID,
		Type:            wire.MsgWindowUpdate,
		WindowUpdate:    &wire.WindowUpdate{WindowSize: 9},
	}
	if err := wire.WriteEnvelope(conn, update); err != nil {
		t.Fatalf("writing WindowUpdate: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if ws, _ := win.Snapshot(); ws == 9 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("window size was not updated to 9")
}

func TestValidateChosenWarnsOnNonLatestWinsPolicy(t *testing.T) {
	h := &recordingHandler{}
	cl := New(config.ClientConfig{}, wire.Capabilities{}, slog.New(h), metrics.New(), flowcontrol.NewManager(), Handlers{})

	cl.validateChosen(wire.Chosen{Policy: "OLDEST_WINS"})

	if !h.contains("unsupported flow-control policy") {
		t.Fatal("expected a warning about the non-LATEST_WINS policy")
	}
}

func TestValidateChosenWarnsOnResolutionMismatch(t *testing.T) {
	h := &recordingHandler{}
	caps := wire.Capabilities{MaxWidth: 640, MaxHeight: 480}
	cl := New(config.ClientConfig{}, caps, slog.New(h), metrics.New(), flowcontrol.NewManager(), Handlers{})

	cl.validateChosen(wire.Chosen{Policy: wire.PolicyLatestWins, Width: 320, Height: 240})

	if !h.contains("width different") {
		t.Fatal("expected a warning about the width mismatch")
	}
	if !h.contains("height different") {
		t.Fatal("expected a warning about the height mismatch")
	}
}

func TestValidateChosenNoWarningOnMatch(t *testing.T) {
	h := &recordingHandler{}
	caps := wire.Capabilities{MaxWidth: 640, MaxHeight: 480}
	cl := New(config.ClientConfig{}, caps, slog.New(h), metrics.New(), flowcontrol.NewManager(), Handlers{})

	cl.validateChosen(wire.Chosen{Policy: wire.PolicyLatestWins, Width: 640, Height: 480})

	if len(h.msgs) != 0 {
		t.Fatalf("expected no warnings, got %v", h.msgs)
	}
}
