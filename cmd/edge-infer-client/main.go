package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edgevision/inferclient/internal/cache"
	"github.com/edgevision/inferclient/internal/capture"
	"github.com/edgevision/inferclient/internal/client"
	"github.com/edgevision/inferclient/internal/config"
	"github.com/edgevision/inferclient/internal/feeder"
	"github.com/edgevision/inferclient/internal/flowcontrol"
	"github.com/edgevision/inferclient/internal/ingest"
	"github.com/edgevision/inferclient/internal/metrics"
	"github.com/edgevision/inferclient/internal/status"
	"github.com/edgevision/inferclient/internal/wire"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run", "start":
		run()
	case "version":
		fmt.Printf("edge-infer-client v%s\n", version)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func run() {
	cfgPath := "edge-infer-client.yaml"
	if len(os.Args) > 2 {
		cfgPath = os.Args[2]
	}

	logger, startupCloser := setupLogger("info", "json", "stdout")
	if startupCloser != nil {
		defer startupCloser.Close()
	}
	logger.Info("edge-infer-client starting", "version", version)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if startupCloser != nil {
		_ = startupCloser.Close()
		startupCloser = nil
	}
	logger, logCloser := setupLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	if logCloser != nil {
		defer logCloser.Close()
	}

	m := metrics.New()
	window := flowcontrol.NewManager()
	frameCache := cache.New(cfg.Cache.TTL.Duration())
	sweeper := cache.NewSweeper(frameCache, cfg.Cache.SweepInterval.Duration(), logger)
	sweeper.Start()
	defer sweeper.Stop()

	caps := wire.Capabilities{
		PixelFormats:         cfg.Capabilities.PixelFormats,
		Codecs:               cfg.Capabilities.Codecs,
		MaxWidth:             cfg.Capture.Width,
		MaxHeight:            cfg.Capture.Height,
		MaxInflightFrames:    cfg.Capabilities.MaxInflightHint,
		SupportsLetterbox:    cfg.Capabilities.SupportsLetterbox,
		SupportsNormalize:    cfg.Capabilities.SupportsNormalize,
		PreferredLayout:      cfg.Capabilities.PreferredLayout,
		PreferredDtype:       cfg.Capabilities.PreferredDtype,
		DesiredMaxFrameBytes: cfg.Capabilities.DesiredMaxFrameBytes,
	}

	sink := ingest.NewSink(cfg.Ingest, m, logger)

	var f *feeder.Feeder
	cl := client.New(cfg.Client, caps, logger, m, window, client.Handlers{
		OnResult:          func(r *wire.Result) { f.HandleResult(r) },
		OnError:           func(e *wire.ErrorMsg) { logger.Warn("worker error", "code", e.Code, "message", e.Message); f.HandleError(e) },
		OnInitOk:          func(ok wire.InitOk) { f.HandleInitOk(ok) },
		OnReady:           func() { logger.Info("protocol client ready") },
		OnConnLost:        func(err error) { logger.Warn("protocol client disconnected", "error", err) },
		OnCreditAvailable: func() { f.DrainPending() },
	})
	f = feeder.New(cfg.Feeder, cl, window, frameCache, m, sink, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fatal := make(chan error, 1)
	f.SetFatalHandler(func(err error) {
		logger.Error("feeder reported a fatal error, shutting down", "error", err)
		select {
		case fatal <- err:
		default:
		}
		cancel()
	})

	producer := newCaptureProducer(cfg.Capture, logger)
	if err := producer.Start(f.OnRawFrame); err != nil {
		logger.Error("failed to start capture producer", "error", err)
		os.Exit(1)
	}

	diag := status.New(cfg, m, cl, logger)

	go func() {
		if err := cl.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("protocol client stopped", "error", err)
		}
	}()

	go func() {
		if err := diag.Start(); err != nil {
			logger.Error("diagnostics server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("edge-infer-client ready", "worker_address", cfg.Client.WorkerAddress, "diagnostics_address", cfg.Diagnostics.Address)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-fatal:
		logger.Error("shutting down after fatal feeder error", "error", err)
	}

	_ = producer.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := diag.Stop(shutdownCtx); err != nil {
		logger.Error("diagnostics shutdown error", "error", err)
	}

	sink.Stop(cfg.Ingest.ShutdownGrace.Duration())

	logger.Info("edge-infer-client stopped")
}

// newCaptureProducer wires a capture source. No hardware capture backend
// is in scope here (spec §1 treats the capture producer as external); this
// ticker-driven generator lets the binary run end-to-end without one.
func newCaptureProducer(cfg config.CaptureConfig, logger *slog.Logger) capture.Producer {
	return capture.NewTickerProducer(cfg.Width, cfg.Height, cfg.PreferredFormat, 30*time.Millisecond, logger)
}

func setupLogger(level, format, output string) (*slog.Logger, io.Closer) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	writer, closer := resolveLogOutput(output)
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}

	return slog.New(handler), closer
}

func resolveLogOutput(output string) (io.Writer, io.Closer) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return os.Stdout, nil
		}
		return f, f
	}
}

func printUsage() {
	fmt.Println(`edge-infer-client - edge-side AI inference protocol client

Usage:
  edge-infer-client <command> [options]

Commands:
  run [config]     Start the client (default config: edge-infer-client.yaml)
  start [config]   Alias for run
  version          Show version
  help             Show this help

Signals:
  SIGINT/SIGTERM   Graceful shutdown

Examples:
  edge-infer-client run
  edge-infer-client run /etc/edge-infer-client/config.yaml
  edge-infer-client version`)
}
