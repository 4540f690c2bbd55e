package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/abitura-hub/abitura-admission-hub/internal/domain/ledger"
	"github.com/abitura-hub/abitura-admission-hub/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// COUNSELOR DIGEST JOB
// ══════════════════════════════════════════════════════════════════════════════

// CounselorDigestJob builds a daily summary of the counselor queue: how
// many students are waiting for a manual call, how the rest of the
// funnel is distributed by risk level, and how long the oldest queued
// student has been waiting. The summary goes to the log, where the
// on-duty counselor's tooling picks it up.
type CounselorDigestJob struct {
	students student.Repository
	attempts ledger.Repository
	logger   *slog.Logger
	config   CounselorDigestConfig

	lastRunStats atomic.Value // *CounselorDigestStats
}

// CounselorDigestConfig contains configuration for the digest job.
type CounselorDigestConfig struct {
	// Timeout is the maximum duration for the job.
	Timeout time.Duration

	// MaxQueueDetail limits how many queued students are logged
	// individually. The totals always cover everyone.
	MaxQueueDetail int
}

// DefaultCounselorDigestConfig returns sensible defaults.
func DefaultCounselorDigestConfig() CounselorDigestConfig {
	return CounselorDigestConfig{
		Timeout:        2 * time.Minute,
		MaxQueueDetail: 50,
	}
}

// CounselorDigestStats contains statistics from a digest run.
type CounselorDigestStats struct {
	StartedAt        time.Time
	CompletedAt      time.Time
	Duration         time.Duration
	TotalStudents    int
	CounselorQueue   int
	ByRiskLevel      map[student.RiskLevel]int
	OldestQueuedWait time.Duration
}

// NewCounselorDigestJob creates a new counselor digest job.
func NewCounselorDigestJob(
	students student.Repository,
	attempts ledger.Repository,
	logger *slog.Logger,
	config CounselorDigestConfig,
) *CounselorDigestJob {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultCounselorDigestConfig().Timeout
	}
	if config.MaxQueueDetail <= 0 {
		config.MaxQueueDetail = DefaultCounselorDigestConfig().MaxQueueDetail
	}

	return &CounselorDigestJob{
		students: students,
		attempts: attempts,
		logger:   logger,
		config:   config,
	}
}

// Name returns the job name.
func (j *CounselorDigestJob) Name() string {
	return "counselor_digest"
}

// Description returns a human-readable description.
func (j *CounselorDigestJob) Description() string {
	return "Summarizes the counselor queue and risk distribution"
}

// Run builds and logs the digest.
func (j *CounselorDigestJob) Run(ctx context.Context) error {
	startedAt := time.Now()
	stats := &CounselorDigestStats{
		StartedAt:   startedAt,
		ByRiskLevel: make(map[student.RiskLevel]int),
	}

	ctx, cancel := context.WithTimeout(ctx, j.config.Timeout)
	defer cancel()

	all, err := j.students.ListScannable(ctx)
	if err != nil {
		return fmt.Errorf("list students: %w", err)
	}

	stats.TotalStudents = len(all)
	detailed := 0

	for _, s := range all {
		stats.ByRiskLevel[s.RiskLevel]++

		if s.Status != student.StatusCounselorRequired {
			continue
		}
		stats.CounselorQueue++

		wait := j.queuedSince(ctx, s, startedAt)
		if wait > stats.OldestQueuedWait {
			stats.OldestQueuedWait = wait
		}

		if detailed < j.config.MaxQueueDetail {
			detailed++
			j.logger.Info("counselor queue entry",
				"student_id", s.ID,
				"full_name", s.FullName,
				"risk_score", s.RiskScore,
				"waiting", wait.Truncate(time.Minute).String(),
			)
		}
	}

	stats.CompletedAt = time.Now()
	stats.Duration = stats.CompletedAt.Sub(startedAt)
	j.lastRunStats.Store(stats)

	j.logger.Info("counselor digest",
		"total_students", stats.TotalStudents,
		"counselor_queue", stats.CounselorQueue,
		"risk_high", stats.ByRiskLevel[student.RiskHigh],
		"risk_medium", stats.ByRiskLevel[student.RiskMedium],
		"risk_low", stats.ByRiskLevel[student.RiskLow],
		"oldest_wait", stats.OldestQueuedWait.Truncate(time.Minute).String(),
	)

	return nil
}

// queuedSince estimates how long a student has been in the counselor
// queue from their most recent ledger entry. Falls back to zero when the
// history is unavailable.
func (j *CounselorDigestJob) queuedSince(ctx context.Context, s *student.Student, now time.Time) time.Duration {
	history, err := j.attempts.ListByStudent(ctx, s.ID, 1)
	if err != nil || len(history) == 0 {
		return 0
	}
	return now.Sub(history[0].CreatedAt)
}

// LastRunStats returns statistics from the last digest run.
func (j *CounselorDigestJob) LastRunStats() *CounselorDigestStats {
	stats := j.lastRunStats.Load()
	if stats == nil {
		return nil
	}
	return stats.(*CounselorDigestStats)
}
