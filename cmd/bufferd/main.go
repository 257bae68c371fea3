// =============================================================================
// BUFFERD MAIN ENTRY POINT
// =============================================================================
//
// This is the entry point for the bufferd daemon. It wires together:
//   - Configuration loading (YAML file + environment overrides)
//   - The write-buffering engine (native or portable implementation)
//   - The conductor client that submits batches downstream
//   - The background flusher with snapshot-based drain/restore
//   - The HTTP API for producers and operators
//   - Prometheus metrics
//   - Graceful shutdown (flush what we can, snapshot the rest)
//
// =============================================================================

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethosengine/elohim-sub011/internal/api"
	"github.com/ethosengine/elohim-sub011/internal/buffer"
	"github.com/ethosengine/elohim-sub011/internal/conductor"
	"github.com/ethosengine/elohim-sub011/internal/config"
	"github.com/ethosengine/elohim-sub011/internal/flusher"
	"github.com/ethosengine/elohim-sub011/internal/metrics"
	"github.com/ethosengine/elohim-sub011/internal/security"
)

const version = "v0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bufferd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Printf("║                     bufferd %s                             ║\n", version)
	fmt.Println("║            Write buffering for batch-oriented backends        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Println()

	// -------------------------------------------------------------------------
	// STEP 1: Load configuration
	// -------------------------------------------------------------------------
	// Config file path comes from BUFFERD_CONFIG or the first argument.
	// No file at all is fine: defaults plus per-field environment overrides
	// (BUFFERD_LISTEN, BUFFERD_CONDUCTOR_URL, ...) cover container deployments.
	configPath := os.Getenv("BUFFERD_CONFIG")
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	// -------------------------------------------------------------------------
	// STEP 2: Metrics registry
	// -------------------------------------------------------------------------
	reg := metrics.NewRegistry(metrics.DefaultConfig())

	// -------------------------------------------------------------------------
	// STEP 3: Conductor client
	// -------------------------------------------------------------------------
	// ┌─────────────────────────────────────────────────────────────────────────┐
	// │ The conductor is the slow, batch-oriented backend downstream of the     │
	// │ buffer. Its Flush method is the single transport used by the            │
	// │ background flusher, the /flush endpoint, and shutdown.                  │
	// └─────────────────────────────────────────────────────────────────────────┘
	fmt.Println("🔌 Conductor:", cfg.Conductor.URL)
	conductorClient := conductor.NewClient(conductor.Config{
		URL:     cfg.Conductor.URL,
		Timeout: cfg.Conductor.Timeout,
		APIKey:  cfg.Conductor.APIKey,
	})

	// -------------------------------------------------------------------------
	// STEP 4: Buffer engine
	// -------------------------------------------------------------------------
	buf, err := buffer.New(cfg.EngineConfig(),
		buffer.WithLogger(logger.With("component", "buffer")),
		buffer.WithStatsListener(reg.Buffer.Update),
	)
	if err != nil {
		return fmt.Errorf("creating buffer: %w", err)
	}
	fmt.Printf("📦 Buffer engine: %s (batch=%d, ceiling=%d)\n",
		buf.Implementation(), buf.Config().BatchSize, buf.Config().MaxQueueSize)

	// -------------------------------------------------------------------------
	// STEP 5: Flusher (restore first, then start the poll loop)
	// -------------------------------------------------------------------------
	fl := flusher.New(buf, conductorClient.Flush, flusher.Config{
		SnapshotPath: cfg.SnapshotPath,
	}, logger.With("component", "flusher"), reg.Flush)

	if cfg.SnapshotPath != "" {
		restored, err := fl.RestoreFromSnapshot()
		if err != nil {
			// A corrupt snapshot is preserved under a .corrupt suffix for
			// inspection. Losing it is not a reason to refuse to start.
			logger.Error("snapshot restore failed", "error", err)
		} else if restored > 0 {
			fmt.Printf("♻️  Restored %d operations from %s\n", restored, cfg.SnapshotPath)
		}
	}
	fl.Start()

	// -------------------------------------------------------------------------
	// STEP 6: HTTP API
	// -------------------------------------------------------------------------
	serverConfig := api.DefaultServerConfig()
	serverConfig.Addr = cfg.Listen

	keyConfig := cfg.KeyManagerConfig()
	if keyConfig.Enabled {
		serverConfig.Auth = security.NewAPIKeyManager(keyConfig)
		fmt.Println("🔐 API key authentication enabled")
	}

	server := api.NewServer(buf, conductorClient.Flush, reg.Handler(), serverConfig,
		logger.With("component", "api"))

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	fmt.Printf("🌐 HTTP API listening on %s\n", cfg.Listen)
	fmt.Println()
	fmt.Println("   Try these commands:")
	fmt.Println("   ┌──────────────────────────────────────────────────────────────────┐")
	fmt.Println("   │   curl http://localhost:8080/health                              │")
	fmt.Println("   │   curl http://localhost:8080/stats                               │")
	fmt.Println("   │   curl -X POST -d '{\"op_id\":\"op-1\",\"op_type\":\"upsert\"}' \\        │")
	fmt.Println("   │        http://localhost:8080/writes                              │")
	fmt.Println("   │   curl http://localhost:8080/metrics                             │")
	fmt.Println("   └──────────────────────────────────────────────────────────────────┘")
	fmt.Println()
	fmt.Println("🚀 bufferd running. Press Ctrl+C to stop.")

	// -------------------------------------------------------------------------
	// STEP 7: Wait for interrupt
	// -------------------------------------------------------------------------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\n🛑 Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting writes first so the flusher drains a fixed population.
	if err := server.Stop(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	fmt.Println("   ✓ HTTP server stopped")

	// Flush what the conductor will take, snapshot the rest.
	if err := fl.Stop(ctx); err != nil {
		logger.Error("flusher shutdown error", "error", err)
	}
	fmt.Println("   ✓ Flusher stopped")

	if err := buf.Close(); err != nil {
		logger.Error("buffer close error", "error", err)
	}
	fmt.Println("   ✓ Buffer closed")
	fmt.Println("   ✓ Shutdown complete")
	return nil
}

// newLogger builds the process logger at the configured level.
func newLogger(level string) *slog.Logger {
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
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
