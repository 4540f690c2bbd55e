// Package dispatch contains the scan cycle coordinator: score students,
// recommend interventions, pass them through the eligibility gate and
// dispatch the allowed ones through channel gateways, with every attempt
// journaled in the ledger.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/abitura-hub/abitura-admission-hub/internal/domain/intervention"
	"github.com/abitura-hub/abitura-admission-hub/internal/domain/ledger"
	"github.com/abitura-hub/abitura-admission-hub/internal/domain/risk"
	"github.com/abitura-hub/abitura-admission-hub/internal/domain/shared"
	"github.com/abitura-hub/abitura-admission-hub/internal/domain/student"
	"github.com/abitura-hub/abitura-admission-hub/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// RateLimiter enforces the global per-minute ceiling on outbound dispatches.
type RateLimiter interface {
	// Allow reserves one dispatch slot. Returns shared.ErrRateLimited
	// when the ceiling is reached.
	Allow(ctx context.Context, now time.Time) error
}

// ScanLocker provides mutual exclusion for scan cycles across workers.
type ScanLocker interface {
	// Acquire takes the scan lock. Returns shared.ErrScanAlreadyRunning
	// when another cycle holds it.
	Acquire(ctx context.Context) (token string, err error)

	// Release releases the lock identified by token.
	Release(ctx context.Context, token string) error
}

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config holds dispatch orchestrator configuration.
type Config struct {
	// MaxAttempts is the per-action attempt ceiling, first try included.
	MaxAttempts int

	// GatewayTimeout bounds a single gateway call.
	GatewayTimeout time.Duration

	// Concurrency is the number of students processed in parallel.
	// Dispatches for one student always run sequentially.
	Concurrency int

	// StaleGrace is how long a pending attempt may sit unresolved before
	// the cycle treats it as orphaned by a crashed worker.
	StaleGrace time.Duration

	// Schedule computes persisted retry targets.
	Schedule retry.Schedule
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		GatewayTimeout: 30 * time.Second,
		Concurrency:    4,
		StaleGrace:     15 * time.Minute,
		Schedule:       retry.DefaultDispatchSchedule(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.GatewayTimeout <= 0 {
		c.GatewayTimeout = d.GatewayTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.StaleGrace <= 0 {
		c.StaleGrace = d.StaleGrace
	}
	if c.Schedule.Initial <= 0 {
		c.Schedule = d.Schedule
	}
	return c
}

// ══════════════════════════════════════════════════════════════════════════════
// CYCLE STATS
// ══════════════════════════════════════════════════════════════════════════════

// CycleStats summarizes one scan cycle for logs and run history.
type CycleStats struct {
	ScanID        string
	Scanned       int64
	Skipped       int64
	Recommended   int64
	Denied        int64
	Dispatched    int64
	Failed        int64
	RetriesQueued int64
	StaleRequeued int64
	RateLimited   int64
	Conflicts     int64
	Duration      time.Duration
}

// cycleCounters accumulates stats across concurrent student workers.
type cycleCounters struct {
	scanned       atomic.Int64
	skipped       atomic.Int64
	recommended   atomic.Int64
	denied        atomic.Int64
	dispatched    atomic.Int64
	failed        atomic.Int64
	retriesQueued atomic.Int64
	staleRequeued atomic.Int64
	rateLimited   atomic.Int64
	conflicts     atomic.Int64
}

func (c *cycleCounters) snapshot(scanID string, duration time.Duration) CycleStats {
	return CycleStats{
		ScanID:        scanID,
		Scanned:       c.scanned.Load(),
		Skipped:       c.skipped.Load(),
		Recommended:   c.recommended.Load(),
		Denied:        c.denied.Load(),
		Dispatched:    c.dispatched.Load(),
		Failed:        c.failed.Load(),
		RetriesQueued: c.retriesQueued.Load(),
		StaleRequeued: c.staleRequeued.Load(),
		RateLimited:   c.rateLimited.Load(),
		Conflicts:     c.conflicts.Load(),
		Duration:      duration,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ORCHESTRATOR
// ══════════════════════════════════════════════════════════════════════════════

// Orchestrator runs scan cycles and dispatches interventions.
//
// All durable state lives in the store and the ledger: the orchestrator
// holds nothing between cycles, so a restart loses no retries - they are
// reconstructed from persisted retry targets.
type Orchestrator struct {
	students  student.Repository
	attempts  ledger.Repository
	policy    *intervention.Policy
	gate      *intervention.Gate
	gateways  map[shared.Channel]intervention.ChannelGateway
	payloads  intervention.PayloadBuilder
	limiter   RateLimiter
	locker    ScanLocker
	publisher shared.EventPublisher
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// Params contains dependencies for the orchestrator.
type Params struct {
	Students  student.Repository
	Attempts  ledger.Repository
	Policy    *intervention.Policy
	Gate      *intervention.Gate
	Gateways  []intervention.ChannelGateway
	Payloads  intervention.PayloadBuilder
	Limiter   RateLimiter
	Locker    ScanLocker
	Publisher shared.EventPublisher
	Config    Config
	Logger    *slog.Logger
}

// NewOrchestrator creates a dispatch orchestrator. Channels without a
// registered gateway are treated as disabled: their candidates are skipped.
func NewOrchestrator(p Params) (*Orchestrator, error) {
	if p.Students == nil || p.Attempts == nil {
		return nil, errors.New("dispatch: student and ledger repositories are required")
	}
	if p.Policy == nil || p.Gate == nil {
		return nil, errors.New("dispatch: policy and gate are required")
	}
	if p.Payloads == nil {
		return nil, errors.New("dispatch: payload builder is required")
	}
	if p.Publisher == nil {
		return nil, errors.New("dispatch: event publisher is required")
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}

	gateways := make(map[shared.Channel]intervention.ChannelGateway, len(p.Gateways))
	for _, gw := range p.Gateways {
		gateways[gw.Channel()] = gw
	}

	return &Orchestrator{
		students:  p.Students,
		attempts:  p.Attempts,
		policy:    p.Policy,
		gate:      p.Gate,
		gateways:  gateways,
		payloads:  p.Payloads,
		limiter:   p.Limiter,
		locker:    p.Locker,
		publisher: p.Publisher,
		cfg:       p.Config.withDefaults(),
		logger:    p.Logger.With("component", "dispatch_orchestrator"),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SCAN CYCLE
// ══════════════════════════════════════════════════════════════════════════════

// RunCycle executes one full scan cycle: recover stale attempts, process
// due retries, then score and dispatch for every scannable student.
// Returns shared.ErrScanAlreadyRunning when another worker holds the lock;
// the caller skips the trigger, it is never queued.
func (o *Orchestrator) RunCycle(ctx context.Context) (CycleStats, error) {
	if o.locker != nil {
		token, err := o.locker.Acquire(ctx)
		if err != nil {
			return CycleStats{}, err
		}
		defer func() {
			if err := o.locker.Release(context.WithoutCancel(ctx), token); err != nil {
				o.logger.Error("failed to release scan lock", "error", err)
			}
		}()
	}

	start := o.now()
	scanID := uuid.NewString()
	counters := &cycleCounters{}

	o.logger.Info("scan cycle started", "scan_id", scanID)

	o.recoverStalePending(ctx, start, counters)
	o.processDueRetries(ctx, start, counters)

	students, err := o.students.ListScannable(ctx)
	if err != nil {
		return counters.snapshot(scanID, o.now().Sub(start)), fmt.Errorf("list scannable students: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)

	for _, s := range students {
		s := s
		g.Go(func() error {
			o.processStudent(gctx, s, counters)
			return nil
		})
	}
	_ = g.Wait()

	stats := counters.snapshot(scanID, o.now().Sub(start))

	if err := o.publisher.Publish(shared.NewScanCompletedEvent(
		scanID,
		int(stats.Scanned),
		int(stats.Dispatched),
		int(stats.Denied),
		int(stats.Failed),
		stats.Duration,
	)); err != nil {
		o.logger.Error("failed to publish scan completed event", "error", err)
	}

	o.logger.Info("scan cycle completed",
		"scan_id", scanID,
		"scanned", stats.Scanned,
		"dispatched", stats.Dispatched,
		"denied", stats.Denied,
		"failed", stats.Failed,
		"retries_queued", stats.RetriesQueued,
		"stale_requeued", stats.StaleRequeued,
		"duration", stats.Duration,
	)

	return stats, ctx.Err()
}

// RunForStudent scores and dispatches for a single student, outside the
// scan lock. Idempotency is carried by the gate's in-flight guard, so a
// manual trigger during a running cycle cannot double-send.
func (o *Orchestrator) RunForStudent(ctx context.Context, studentID string) error {
	s, err := o.students.GetByID(ctx, studentID)
	if err != nil {
		return err
	}

	counters := &cycleCounters{}
	o.processStudent(ctx, s, counters)
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// STALE RECOVERY
// ══════════════════════════════════════════════════════════════════════════════

// recoverStalePending resolves pending attempts orphaned by a crashed
// worker: each is failed as a timeout, which schedules a retry through
// the normal persisted-backoff path or exhausts the attempt budget.
func (o *Orchestrator) recoverStalePending(ctx context.Context, now time.Time, counters *cycleCounters) {
	stale, err := o.attempts.StalePendingBefore(ctx, now.Add(-o.cfg.StaleGrace))
	if err != nil {
		o.logger.Error("failed to list stale pending attempts", "error", err)
		return
	}

	for _, a := range stale {
		nextRetryAt := o.retryTarget(now, a.AttemptNumber)
		if err := a.MarkFailed(ledger.FailureTimeout, "pending attempt orphaned by worker restart", now, nextRetryAt); err != nil {
			o.logger.Error("failed to mark stale attempt", "attempt_id", a.ID, "error", err)
			continue
		}
		if err := o.attempts.Resolve(ctx, a); err != nil {
			o.logger.Error("failed to resolve stale attempt", "attempt_id", a.ID, "error", err)
			continue
		}

		counters.staleRequeued.Add(1)
		o.logger.Warn("stale pending attempt requeued",
			"attempt_id", a.ID,
			"student_id", a.StudentID,
			"action_type", a.ActionType,
			"attempt_number", a.AttemptNumber,
		)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// RETRY PROCESSING
// ══════════════════════════════════════════════════════════════════════════════

// processDueRetries creates attempt n+1 for every failed attempt whose
// persisted retry target has passed. Each retry re-passes the eligibility
// gate: conditions may have changed since the failure (opt-out, quiet
// hours, daily cap).
func (o *Orchestrator) processDueRetries(ctx context.Context, now time.Time, counters *cycleCounters) {
	due, err := o.attempts.PendingDueBefore(ctx, now)
	if err != nil {
		o.logger.Error("failed to list due retries", "error", err)
		return
	}

	for _, prev := range due {
		if err := o.retryAttempt(ctx, prev, now, counters); err != nil {
			o.logger.Error("retry processing failed",
				"attempt_id", prev.ID,
				"student_id", prev.StudentID,
				"error", err,
			)
		}
	}
}

func (o *Orchestrator) retryAttempt(ctx context.Context, prev *ledger.Attempt, now time.Time, counters *cycleCounters) error {
	s, err := o.students.GetByID(ctx, prev.StudentID)
	if err != nil {
		if errors.Is(err, student.ErrStudentNotFound) {
			return o.consumeRetry(ctx, prev)
		}
		return fmt.Errorf("load student: %w", err)
	}
	loadedVersion := s.Version

	actionType := intervention.ActionType(prev.ActionType)
	candidate := intervention.Candidate{
		StudentID:  s.ID,
		ActionType: actionType,
		Priority:   1,
		Reason:     "scheduled retry",
		Channel:    prev.Channel,
	}

	decision, err := o.gate.Check(ctx, s, candidate, now)
	if err != nil {
		return fmt.Errorf("gate check: %w", err)
	}
	if !decision.Allowed {
		// The retry stays due and is re-checked next cycle; quiet hours
		// and cooldowns pass on their own. Permanent denials consume it.
		if decision.Reason == intervention.DenyOptedOut || decision.Reason == intervention.DenyNotContactable {
			return o.consumeRetry(ctx, prev)
		}
		o.logger.Debug("retry denied, will re-check next cycle",
			"attempt_id", prev.ID,
			"student_id", s.ID,
			"reason", decision.Reason,
		)
		return nil
	}

	next, err := prev.NextAttempt(uuid.NewString())
	if err != nil {
		return o.consumeRetry(ctx, prev)
	}

	if !o.executeAttempt(ctx, s, candidate, next, now, counters) {
		// Nothing was journaled - rate ceiling, disabled channel or an
		// in-flight conflict. The retry stays due and fires next cycle.
		o.logger.Debug("retry deferred, will re-check next cycle",
			"attempt_id", prev.ID,
			"student_id", s.ID,
		)
		return nil
	}
	counters.retriesQueued.Add(1)

	// The retry target is consumed only once attempt n+1 is in the
	// ledger: a fresh failure schedules its own target.
	if err := o.consumeRetry(ctx, prev); err != nil {
		return err
	}

	if err := o.students.Update(ctx, s, loadedVersion); err != nil {
		if errors.Is(err, student.ErrVersionConflict) {
			counters.conflicts.Add(1)
			o.logger.Warn("student changed concurrently, retry contact state not saved", "student_id", s.ID)
			return nil
		}
		return fmt.Errorf("update student: %w", err)
	}

	return nil
}

// consumeRetry clears the persisted retry target so a processed (or
// unprocessable) retry is never picked up again.
func (o *Orchestrator) consumeRetry(ctx context.Context, prev *ledger.Attempt) error {
	prev.NextRetryAt = nil
	if err := o.attempts.Resolve(ctx, prev); err != nil {
		return fmt.Errorf("consume retry target: %w", err)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// PER-STUDENT PROCESSING
// ══════════════════════════════════════════════════════════════════════════════

// processStudent runs the full pipeline for one student: score, apply the
// assessment, recommend, gate, dispatch. Errors are logged and counted,
// never propagated - one broken student must not abort the cycle.
func (o *Orchestrator) processStudent(ctx context.Context, s *student.Student, counters *cycleCounters) {
	if ctx.Err() != nil {
		return
	}

	now := o.now()
	counters.scanned.Add(1)
	loadedVersion := s.Version

	assessment, err := risk.Score(s, now)
	if err != nil {
		counters.skipped.Add(1)
		o.logger.Warn("skipping student with invalid snapshot", "student_id", s.ID, "error", err)
		return
	}

	previousLevel := s.RiskLevel
	s.ApplyAssessment(assessment.Score, assessment.Level, assessment.Factors, assessment.AssessedAt)

	if err := o.publisher.Publish(shared.NewRiskAssessedEvent(
		s.ID, assessment.Score, assessment.Level.String(), previousLevel.String(), assessment.Factors,
	)); err != nil {
		o.logger.Error("failed to publish risk assessed event", "student_id", s.ID, "error", err)
	}

	prior, err := o.priorOutcomes(ctx, s)
	if err != nil {
		o.logger.Error("failed to read prior outcomes", "student_id", s.ID, "error", err)
	}

	candidates := o.policy.Recommend(s, assessment, prior, now)
	counters.recommended.Add(int64(len(candidates)))

	// Dispatches for one student are strictly sequential in priority
	// order, so an earlier contact is visible to later gate checks.
	for _, c := range candidates {
		decision, err := o.gate.Check(ctx, s, c, now)
		if err != nil {
			o.logger.Error("gate check failed",
				"student_id", s.ID,
				"action_type", c.ActionType,
				"error", err,
			)
			continue
		}
		if !decision.Allowed {
			counters.denied.Add(1)
			o.logger.Debug("intervention denied",
				"student_id", s.ID,
				"action_type", c.ActionType,
				"reason", decision.Reason,
			)
			continue
		}

		attempt, err := ledger.NewAttempt(ledger.NewAttemptParams{
			ID:            uuid.NewString(),
			StudentID:     s.ID,
			ActionType:    c.ActionType.String(),
			Channel:       c.Channel,
			AttemptNumber: 1,
			MaxAttempts:   o.cfg.MaxAttempts,
		})
		if err != nil {
			o.logger.Error("failed to create attempt", "student_id", s.ID, "error", err)
			continue
		}

		o.executeAttempt(ctx, s, c, attempt, now, counters)
	}

	if err := o.students.Update(ctx, s, loadedVersion); err != nil {
		if errors.Is(err, student.ErrVersionConflict) {
			// The student changed under us (webhook, another trigger).
			// Abort this student only; the next cycle re-reads fresh state.
			counters.conflicts.Add(1)
			o.logger.Warn("student changed concurrently, assessment not saved", "student_id", s.ID)
			return
		}
		o.logger.Error("failed to update student", "student_id", s.ID, "error", err)
	}
}

// priorOutcomes reads ledger signals that feed the policy. The exhausted
// voice signal is suppressed once the student is already with a counselor,
// otherwise it would raise a fresh escalation every cycle.
func (o *Orchestrator) priorOutcomes(ctx context.Context, s *student.Student) (intervention.PriorOutcomes, error) {
	if s.Status == student.StatusCounselorRequired {
		return intervention.PriorOutcomes{}, nil
	}

	exhausted, err := o.attempts.LastExhaustedVoice(ctx, s.ID)
	if err != nil {
		return intervention.PriorOutcomes{}, err
	}

	return intervention.PriorOutcomes{VoiceExhausted: exhausted != nil}, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ATTEMPT EXECUTION
// ══════════════════════════════════════════════════════════════════════════════

// executeAttempt journals the attempt, calls the gateway and applies the
// result to the ledger and the student in one place. Returns true when
// the attempt reached the ledger, whatever the delivery outcome; false
// means nothing was journaled (disabled channel, rate ceiling, in-flight
// conflict) and the candidate may safely run again later.
func (o *Orchestrator) executeAttempt(
	ctx context.Context,
	s *student.Student,
	c intervention.Candidate,
	attempt *ledger.Attempt,
	now time.Time,
	counters *cycleCounters,
) bool {
	gateway, ok := o.gateways[c.Channel]
	if !ok {
		o.logger.Debug("channel disabled, skipping candidate",
			"student_id", s.ID,
			"channel", c.Channel,
			"action_type", c.ActionType,
		)
		return false
	}

	if c.Channel.IsOutbound() && o.limiter != nil {
		if err := o.limiter.Allow(ctx, now); err != nil {
			if errors.Is(err, shared.ErrRateLimited) {
				counters.rateLimited.Add(1)
				o.logger.Warn("dispatch rate ceiling reached, candidate deferred to next cycle",
					"student_id", s.ID,
					"action_type", c.ActionType,
				)
			} else {
				o.logger.Error("rate limiter check failed", "error", err)
			}
			return false
		}
	}

	req := intervention.DispatchRequest{
		StudentID:     s.ID,
		Phone:         s.Phone,
		FullName:      s.FullName,
		ActionType:    c.ActionType,
		AttemptNumber: attempt.AttemptNumber,
	}
	req.Payload = o.payloads.Build(ctx, req)
	attempt.Payload = req.Payload

	// The pending record goes in before the gateway call: the partial
	// unique index makes this the linearization point for the
	// at-most-one-in-flight invariant across workers.
	if err := o.attempts.Record(ctx, attempt); err != nil {
		if errors.Is(err, ledger.ErrAttemptInFlight) {
			counters.denied.Add(1)
			o.logger.Debug("attempt already in flight, skipping",
				"student_id", s.ID,
				"action_type", c.ActionType,
			)
			return false
		}
		o.logger.Error("failed to record attempt", "student_id", s.ID, "error", err)
		return false
	}

	gwCtx, cancel := context.WithTimeout(ctx, o.cfg.GatewayTimeout)
	result := gateway.Dispatch(gwCtx, req)
	cancel()

	o.applyResult(ctx, s, attempt, result, o.now(), counters)
	return true
}

// applyResult is the single place where a gateway result mutates the
// ledger and the student. Gateways and event handlers never write either.
func (o *Orchestrator) applyResult(
	ctx context.Context,
	s *student.Student,
	attempt *ledger.Attempt,
	result intervention.DeliveryResult,
	now time.Time,
	counters *cycleCounters,
) {
	var errMsg string

	if result.Success {
		if err := attempt.MarkSent(result.ExternalID, now); err == nil {
			if err := attempt.MarkDelivered(now); err != nil {
				o.logger.Error("invalid attempt transition", "attempt_id", attempt.ID, "error", err)
			}
		} else {
			o.logger.Error("invalid attempt transition", "attempt_id", attempt.ID, "error", err)
		}
	} else {
		if result.Err != nil {
			errMsg = result.Err.Error()
		}
		nextRetryAt := (*time.Time)(nil)
		if result.FailureClass.IsRetryable() {
			nextRetryAt = o.retryTarget(now, attempt.AttemptNumber)
		}
		if err := attempt.MarkFailed(result.FailureClass, errMsg, now, nextRetryAt); err != nil {
			o.logger.Error("invalid attempt transition", "attempt_id", attempt.ID, "error", err)
		}
	}

	if err := o.attempts.Resolve(ctx, attempt); err != nil {
		o.logger.Error("failed to resolve attempt", "attempt_id", attempt.ID, "error", err)
	}

	if attempt.Channel.IsOutbound() {
		s.RecordContact(attempt.Channel, result.Outcome, now)
	}

	if result.Success {
		counters.dispatched.Add(1)
		if attempt.Channel == shared.ChannelInternal {
			if err := s.ChangeStatus(student.StatusCounselorRequired); err != nil {
				o.logger.Error("failed to mark student for counselor", "student_id", s.ID, "error", err)
			}
		}
	} else {
		counters.failed.Add(1)
	}

	if err := o.publisher.Publish(shared.NewDispatchResultEvent(
		attempt.ID,
		s.ID,
		attempt.ActionType,
		attempt.Channel,
		result.Outcome,
		result.ExternalID,
		errMsg,
		attempt.Status.IsFinal(),
	)); err != nil {
		o.logger.Error("failed to publish dispatch result", "attempt_id", attempt.ID, "error", err)
	}

	if attempt.Status == ledger.StatusExhausted {
		o.logger.Warn("attempt budget exhausted",
			"student_id", s.ID,
			"action_type", attempt.ActionType,
			"attempts", attempt.AttemptNumber,
		)
	}
}

// retryTarget computes the persisted retry time for a failed attempt.
// Deterministic: no jitter, so restarts reconstruct identical timers.
func (o *Orchestrator) retryTarget(now time.Time, attemptNumber int) *time.Time {
	t := o.cfg.Schedule.NextRetryAt(now, attemptNumber)
	return &t
}
