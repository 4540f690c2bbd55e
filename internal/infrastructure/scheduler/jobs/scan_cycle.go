// Package jobs contains implementations of scheduled jobs for the
// admission hub worker.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/abitura-hub/abitura-admission-hub/internal/application/dispatch"
	"github.com/abitura-hub/abitura-admission-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// SCAN CYCLE JOB
// ══════════════════════════════════════════════════════════════════════════════

// CycleRunner runs one scan-and-dispatch cycle over the student base.
type CycleRunner interface {
	RunCycle(ctx context.Context) (dispatch.CycleStats, error)
}

// ScanCycleJob triggers the dispatch engine's scan cycle on schedule.
//
// The job itself carries no dispatch logic: overlap protection lives in
// the engine's scan lock, so a cycle that is already running (here or on
// another worker) simply turns this run into a no-op.
type ScanCycleJob struct {
	engine CycleRunner
	logger *slog.Logger
	config ScanCycleConfig

	lastRunStats atomic.Value // *dispatch.CycleStats
	skippedRuns  atomic.Int64
}

// ScanCycleConfig contains configuration for the scan cycle job.
type ScanCycleConfig struct {
	// Timeout is the maximum duration for one cycle.
	Timeout time.Duration
}

// DefaultScanCycleConfig returns sensible defaults.
func DefaultScanCycleConfig() ScanCycleConfig {
	return ScanCycleConfig{
		Timeout: 10 * time.Minute,
	}
}

// NewScanCycleJob creates a new scan cycle job.
func NewScanCycleJob(engine CycleRunner, logger *slog.Logger, config ScanCycleConfig) *ScanCycleJob {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultScanCycleConfig().Timeout
	}

	return &ScanCycleJob{
		engine: engine,
		logger: logger,
		config: config,
	}
}

// Name returns the job name.
func (j *ScanCycleJob) Name() string {
	return "scan_cycle"
}

// Description returns a human-readable description.
func (j *ScanCycleJob) Description() string {
	return "Scores all scannable students and dispatches due interventions"
}

// Run executes one scan cycle.
func (j *ScanCycleJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.config.Timeout)
	defer cancel()

	stats, err := j.engine.RunCycle(ctx)
	if err != nil {
		if errors.Is(err, shared.ErrScanAlreadyRunning) {
			// Another worker holds the scan lock. Not a failure.
			j.skippedRuns.Add(1)
			j.logger.Info("scan cycle already running elsewhere, skipping")
			return nil
		}
		return fmt.Errorf("scan cycle: %w", err)
	}

	j.lastRunStats.Store(&stats)

	j.logger.Info("scan cycle finished",
		"scan_id", stats.ScanID,
		"scanned", stats.Scanned,
		"dispatched", stats.Dispatched,
		"failed", stats.Failed,
		"retries_queued", stats.RetriesQueued,
		"stale_requeued", stats.StaleRequeued,
		"rate_limited", stats.RateLimited,
		"conflicts", stats.Conflicts,
		"duration", stats.Duration.String(),
	)

	return nil
}

// LastRunStats returns statistics from the last completed cycle, or nil
// if no cycle has completed yet.
func (j *ScanCycleJob) LastRunStats() *dispatch.CycleStats {
	stats := j.lastRunStats.Load()
	if stats == nil {
		return nil
	}
	return stats.(*dispatch.CycleStats)
}

// SkippedRuns returns how many runs were skipped because a cycle was
// already in progress.
func (j *ScanCycleJob) SkippedRuns() int64 {
	return j.skippedRuns.Load()
}
