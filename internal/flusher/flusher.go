// =============================================================================
// BACKGROUND FLUSHER - PERIODIC DRIVE OF THE FLUSH PROTOCOL
// =============================================================================
//
// WHAT IS THIS?
// The buffer itself never flushes on its own - it only answers ShouldFlush.
// The flusher is the daemon-side driver: a single goroutine that polls the
// buffer and pushes ready batches to the conductor.
//
// LIFECYCLE:
//
//   Start                    Stop (graceful shutdown)
//     │                        │
//     ▼                        ▼
//   ┌──────────────────┐     ┌───────────────────────────────┐
//   │ ticker loop:     │     │ 1. stop the ticker loop       │
//   │  ShouldFlush?    │     │ 2. FlushAll (bounded by ctx)  │
//   │   └─ FlushBatch  │     │ 3. DrainAll -> snapshot file  │
//   └──────────────────┘     └───────────────────────────────┘
//
// WHY POLL INSTEAD OF SIGNALING FROM ENQUEUE?
//   The flush decision depends on time (oldest-operation age) as much as on
//   depth, so a timer is needed anyway. Polling at a fraction of the flush
//   interval keeps the engine free of goroutines and channels, which also
//   keeps it trivially portable.
//
// SNAPSHOT SAFETY:
//   The snapshot is written to a temp file and renamed into place, so a
//   crash mid-write leaves either the old snapshot or none - never a
//   truncated one. A snapshot that fails to parse at startup is renamed
//   aside (.corrupt) instead of deleted, so the data is still there for
//   manual recovery.
//
// =============================================================================

package flusher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ethosengine/elohim-sub011/internal/buffer"
	"github.com/ethosengine/elohim-sub011/internal/metrics"
)

// Config holds flusher configuration.
type Config struct {
	// Interval is the poll cadence. Zero picks half the buffer's flush
	// interval, floored at 10ms.
	Interval time.Duration

	// SnapshotPath is where drained operations are persisted on shutdown.
	// Empty disables persistence.
	SnapshotPath string
}

// Flusher drives the flush protocol for one buffer.
type Flusher struct {
	buf    *buffer.Buffer
	flush  buffer.FlushFunc
	cfg    Config
	logger *slog.Logger

	// fm is optional; nil disables flush metrics
	fm *metrics.FlushMetrics

	stop chan struct{}
	done chan struct{}
}

// New creates a flusher. The flush function is typically a conductor
// client's Flush method.
func New(buf *buffer.Buffer, flush buffer.FlushFunc, cfg Config, logger *slog.Logger, fm *metrics.FlushMetrics) *Flusher {
	if cfg.Interval <= 0 {
		cfg.Interval = buf.Config().FlushInterval / 2
		if cfg.Interval < 10*time.Millisecond {
			cfg.Interval = 10 * time.Millisecond
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Flusher{
		buf:    buf,
		flush:  flush,
		cfg:    cfg,
		logger: logger.With("component", "flusher"),
		fm:     fm,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the background loop. Call Stop to shut it down.
func (f *Flusher) Start() {
	go f.run()
	f.logger.Info("flusher started", "interval", f.cfg.Interval)
}

func (f *Flusher) run() {
	defer close(f.done)

	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			f.flushReady()
		}
	}
}

// flushReady pushes batches while the buffer says one is due. A failed
// batch breaks the inner loop so the retry lane does not spin hot inside
// a single tick.
func (f *Flusher) flushReady() {
	for f.buf.ShouldFlush() {
		select {
		case <-f.stop:
			return
		default:
		}

		res, err := f.buf.FlushBatch(context.Background(), f.flush)
		if res == nil && err == nil {
			return // nothing pending
		}
		if err != nil {
			f.logger.Error("flush failed", "error", err)
			return
		}
		f.observe(res)
		if failed := res.Attempted - res.Committed; failed > 0 {
			f.logger.Warn("batch not fully committed",
				"batch_id", res.BatchID,
				"committed", res.Committed,
				"failed", failed,
				"requeued", len(res.Requeued),
				"dropped", len(res.Dropped),
				"superseded", len(res.Superseded),
				"error", res.Error,
			)
			return
		}
		f.logger.Debug("batch committed",
			"batch_id", res.BatchID,
			"operations", res.Committed,
			"duration", res.Duration,
		)
	}
}

func (f *Flusher) observe(res *buffer.FlushResult) {
	if f.fm == nil || res == nil {
		return
	}
	status := metrics.StatusSuccess
	failed := res.Attempted - res.Committed
	switch {
	case res.Committed == 0 && failed > 0:
		status = metrics.StatusFailure
	case failed > 0:
		status = metrics.StatusPartial
	}
	f.fm.ObserveFlush(status, res.Attempted, res.Duration.Seconds())
	if res.Error != "" {
		f.fm.ConductorErrors.Inc()
	}
}

// Stop shuts the flusher down gracefully: stop the loop, push out what the
// conductor will still take (bounded by ctx), and persist the rest.
func (f *Flusher) Stop(ctx context.Context) error {
	close(f.stop)
	select {
	case <-f.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	flushed, err := f.buf.FlushAll(ctx, f.wrappedFlush(), nil)
	if err != nil {
		switch {
		case errors.Is(err, buffer.ErrTooManyFailures):
			f.logger.Warn("final flush aborted, conductor failing", "flushed", flushed)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			f.logger.Warn("final flush cut short by shutdown deadline", "flushed", flushed)
		default:
			f.logger.Error("final flush failed", "flushed", flushed, "error", err)
		}
	} else if flushed > 0 {
		f.logger.Info("final flush complete", "operations", flushed)
	}

	return f.snapshotRemaining()
}

// wrappedFlush adds metrics observation around the raw flush function for
// the shutdown FlushAll path.
func (f *Flusher) wrappedFlush() buffer.FlushFunc {
	if f.fm == nil {
		return f.flush
	}
	return func(ctx context.Context, batch *buffer.Batch) (*buffer.FlushOutcome, error) {
		timer := metrics.NewTimer(f.fm.Latency)
		outcome, err := f.flush(ctx, batch)
		timer.ObserveDuration()
		return outcome, err
	}
}

// =============================================================================
// DRAIN / RESTORE PERSISTENCE
// =============================================================================

// snapshot is the on-disk format for drained operations.
type snapshot struct {
	DrainedAt  time.Time                `json:"drained_at"`
	Operations []buffer.OperationRecord `json:"operations"`
}

// snapshotRemaining drains whatever is still queued and writes it out.
func (f *Flusher) snapshotRemaining() error {
	remaining := f.buf.DrainAll()
	if len(remaining) == 0 {
		return nil
	}
	if f.cfg.SnapshotPath == "" {
		f.logger.Warn("dropping unflushed operations, no snapshot path configured",
			"operations", len(remaining))
		return nil
	}

	data, err := json.MarshalIndent(snapshot{
		DrainedAt:  time.Now().UTC(),
		Operations: remaining,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	// Temp file + rename keeps the snapshot atomic.
	tmp := f.cfg.SnapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := os.Rename(tmp, f.cfg.SnapshotPath); err != nil {
		return fmt.Errorf("installing snapshot: %w", err)
	}

	if f.fm != nil {
		f.fm.DrainedOperations.Add(float64(len(remaining)))
	}
	f.logger.Info("unflushed operations persisted",
		"operations", len(remaining),
		"path", f.cfg.SnapshotPath,
	)
	return nil
}

// RestoreFromSnapshot loads a previously drained snapshot back into the
// buffer and removes the file. A missing snapshot is not an error. A corrupt
// snapshot is renamed aside and reported, but the daemon should still start.
func (f *Flusher) RestoreFromSnapshot() (int, error) {
	if f.cfg.SnapshotPath == "" {
		return 0, nil
	}

	data, err := os.ReadFile(f.cfg.SnapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		aside := f.cfg.SnapshotPath + ".corrupt"
		if renameErr := os.Rename(f.cfg.SnapshotPath, aside); renameErr != nil {
			f.logger.Error("could not move corrupt snapshot aside", "error", renameErr)
		}
		return 0, fmt.Errorf("snapshot corrupt, moved to %s: %w", aside, err)
	}

	f.buf.Restore(snap.Operations)
	if err := os.Remove(f.cfg.SnapshotPath); err != nil {
		f.logger.Warn("could not remove consumed snapshot", "error", err)
	}

	if f.fm != nil {
		f.fm.RestoredOperations.Add(float64(len(snap.Operations)))
	}
	f.logger.Info("operations restored from snapshot",
		"operations", len(snap.Operations),
		"drained_at", snap.DrainedAt,
	)
	return len(snap.Operations), nil
}
