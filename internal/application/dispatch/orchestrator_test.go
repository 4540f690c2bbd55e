package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abitura-hub/abitura-admission-hub/internal/domain/intervention"
	"github.com/abitura-hub/abitura-admission-hub/internal/domain/ledger"
	"github.com/abitura-hub/abitura-admission-hub/internal/domain/shared"
	"github.com/abitura-hub/abitura-admission-hub/internal/domain/student"
	"github.com/abitura-hub/abitura-admission-hub/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// FAKES
// ══════════════════════════════════════════════════════════════════════════════

type fakeStudents struct {
	mu       sync.Mutex
	students map[string]*student.Student
	// conflictOn forces a version conflict for the given student ID.
	conflictOn string
	updates    int
}

func newFakeStudents(list ...*student.Student) *fakeStudents {
	m := make(map[string]*student.Student, len(list))
	for _, s := range list {
		m[s.ID] = s
	}
	return &fakeStudents{students: m}
}

func (f *fakeStudents) Create(_ context.Context, s *student.Student) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.students[s.ID] = s
	return nil
}

func (f *fakeStudents) GetByID(_ context.Context, id string) (*student.Student, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.students[id]
	if !ok {
		return nil, student.ErrStudentNotFound
	}
	return s.Clone(), nil
}

func (f *fakeStudents) ListScannable(_ context.Context) ([]*student.Student, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*student.Student, 0, len(f.students))
	for _, s := range f.students {
		if s.Status.IsScannable() {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (f *fakeStudents) Update(_ context.Context, s *student.Student, expectedVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.ID == f.conflictOn {
		return student.ErrVersionConflict
	}
	stored, ok := f.students[s.ID]
	if !ok {
		return student.ErrStudentNotFound
	}
	if stored.Version != expectedVersion {
		return student.ErrVersionConflict
	}
	s.Version = expectedVersion + 1
	f.students[s.ID] = s.Clone()
	f.updates++
	return nil
}

type fakeLedger struct {
	mu       sync.Mutex
	attempts map[string]*ledger.Attempt
	outbound map[string]int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		attempts: make(map[string]*ledger.Attempt),
		outbound: make(map[string]int),
	}
}

func (f *fakeLedger) Record(_ context.Context, a *ledger.Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.attempts {
		if existing.StudentID == a.StudentID &&
			existing.ActionType == a.ActionType &&
			existing.Status == ledger.StatusPending {
			return ledger.ErrAttemptInFlight
		}
	}
	cp := *a
	f.attempts[a.ID] = &cp
	if a.Channel.IsOutbound() {
		f.outbound[a.StudentID]++
	}
	return nil
}

func (f *fakeLedger) Resolve(_ context.Context, a *ledger.Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.attempts[a.ID]; !ok {
		return shared.ErrNotFound
	}
	cp := *a
	f.attempts[a.ID] = &cp
	return nil
}

func (f *fakeLedger) GetByID(_ context.Context, id string) (*ledger.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attempts[id]
	if !ok {
		return nil, ledger.ErrAttemptNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeLedger) FindInFlight(_ context.Context, studentID, actionType string) (*ledger.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.attempts {
		if a.StudentID == studentID && a.ActionType == actionType && a.Status == ledger.StatusPending {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeLedger) PendingDueBefore(_ context.Context, t time.Time) ([]*ledger.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ledger.Attempt
	for _, a := range f.attempts {
		if a.Status == ledger.StatusFailed && a.NextRetryAt != nil && !a.NextRetryAt.After(t) {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeLedger) StalePendingBefore(_ context.Context, t time.Time) ([]*ledger.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ledger.Attempt
	for _, a := range f.attempts {
		if a.Status == ledger.StatusPending && a.CreatedAt.Before(t) {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeLedger) CountOutboundSince(_ context.Context, studentID string, _ time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outbound[studentID], nil
}

func (f *fakeLedger) LastExhaustedVoice(_ context.Context, studentID string) (*ledger.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.attempts {
		if a.StudentID == studentID && a.Status == ledger.StatusExhausted &&
			a.Channel == shared.ChannelVoice {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeLedger) ListByStudent(_ context.Context, studentID string, limit int) ([]*ledger.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ledger.Attempt
	for _, a := range f.attempts {
		if a.StudentID == studentID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeLedger) byStatus(status ledger.Status) []*ledger.Attempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ledger.Attempt
	for _, a := range f.attempts {
		if a.Status == status {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out
}

// fakeGateway records requests and returns scripted results.
type fakeGateway struct {
	mu      sync.Mutex
	channel shared.Channel
	result  intervention.DeliveryResult
	calls   []intervention.DispatchRequest
}

func (g *fakeGateway) Channel() shared.Channel { return g.channel }

func (g *fakeGateway) Dispatch(_ context.Context, req intervention.DispatchRequest) intervention.DeliveryResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	return g.result
}

func (g *fakeGateway) IsHealthy(context.Context) bool { return true }

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type staticPayloads struct{}

func (staticPayloads) Build(_ context.Context, req intervention.DispatchRequest) string {
	return "hello " + req.FullName
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []shared.Event
}

func (p *recordingPublisher) Publish(e shared.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) byType(t shared.EventType) []shared.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []shared.Event
	for _, e := range p.events {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}

type blockingLimiter struct {
	allowed int
	calls   int
	mu      sync.Mutex
}

func (l *blockingLimiter) Allow(context.Context, time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.calls > l.allowed {
		return shared.ErrRateLimited
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// TEST SETUP
// ══════════════════════════════════════════════════════════════════════════════

// noonUTC is inside the quiet-hour window everywhere we test.
var noonUTC = time.Date(2025, 9, 15, 12, 0, 0, 0, time.UTC)

type harness struct {
	orch      *Orchestrator
	students  *fakeStudents
	attempts  *fakeLedger
	voice     *fakeGateway
	whatsapp  *fakeGateway
	internal  *fakeGateway
	publisher *recordingPublisher
	now       time.Time
}

func newHarness(t *testing.T, list ...*student.Student) *harness {
	t.Helper()

	students := newFakeStudents(list...)
	attempts := newFakeLedger()
	publisher := &recordingPublisher{}

	voice := &fakeGateway{
		channel: shared.ChannelVoice,
		result:  intervention.NewSuccessResult("call-1", shared.OutcomeCompleted),
	}
	whatsapp := &fakeGateway{
		channel: shared.ChannelWhatsApp,
		result:  intervention.NewSuccessResult("msg-1", shared.OutcomeCompleted),
	}
	internalGw := &fakeGateway{
		channel: shared.ChannelInternal,
		result:  intervention.NewSuccessResult("esc-1", shared.OutcomeCompleted),
	}

	orch, err := NewOrchestrator(Params{
		Students:  students,
		Attempts:  attempts,
		Policy:    intervention.NewPolicy(),
		Gate:      intervention.NewGate(attempts, intervention.DefaultGateConfig()),
		Gateways:  []intervention.ChannelGateway{voice, whatsapp, internalGw},
		Payloads:  staticPayloads{},
		Publisher: publisher,
		Config: Config{
			MaxAttempts: 3,
			Concurrency: 1,
			Schedule:    retry.DefaultDispatchSchedule(),
		},
		Logger: slog.Default(),
	})
	require.NoError(t, err)

	h := &harness{
		orch:      orch,
		students:  students,
		attempts:  attempts,
		voice:     voice,
		whatsapp:  whatsapp,
		internal:  internalGw,
		publisher: publisher,
		now:       noonUTC,
	}
	orch.now = func() time.Time { return h.now }
	return h
}

// highRiskStudent builds a student that scores high: 10 days inactive (+30),
// 3 unreturned attempts (+25), last contact no_answer (+15).
func highRiskStudent(id string) *student.Student {
	lastContact := noonUTC.Add(-26 * time.Hour)
	return &student.Student{
		ID:                 id,
		FullName:           "Aizhan Bekova",
		Phone:              "+77015551234",
		Timezone:           "Asia/Almaty",
		Status:             student.StatusApplicationInProgress,
		LastActivityAt:     noonUTC.Add(-10 * 24 * time.Hour),
		ContactAttempts:    3,
		LastContactAt:      &lastContact,
		LastContactChannel: shared.ChannelVoice,
		LastContactOutcome: shared.OutcomeNoAnswer,
		RiskLevel:          student.RiskLow,
		Version:            1,
		CreatedAt:          noonUTC.Add(-30 * 24 * time.Hour),
		UpdatedAt:          noonUTC.Add(-24 * time.Hour),
	}
}

func calmStudent(id string) *student.Student {
	return &student.Student{
		ID:             id,
		FullName:       "Dias Omarov",
		Phone:          "+77015550000",
		Timezone:       "Asia/Almaty",
		Status:         student.StatusApplicationCompleted,
		LastActivityAt: noonUTC.Add(-2 * time.Hour),
		RiskLevel:      student.RiskLow,
		Version:        1,
		CreatedAt:      noonUTC.Add(-24 * time.Hour),
		UpdatedAt:      noonUTC.Add(-2 * time.Hour),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// SCAN CYCLE
// ══════════════════════════════════════════════════════════════════════════════

func TestRunCycle_HighRiskStudentGetsVoiceCall(t *testing.T) {
	h := newHarness(t, highRiskStudent("stu-1"))

	stats, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 1, stats.Scanned)
	assert.EqualValues(t, 0, stats.Skipped, "fixture must pass snapshot validation")
	assert.EqualValues(t, 1, h.voice.callCount())

	delivered := h.attempts.byStatus(ledger.StatusDelivered)
	assert.Empty(t, h.attempts.byStatus(ledger.StatusSent), "provider acceptance resolves straight to delivered")
	require.Len(t, delivered, 1)
	assert.Equal(t, "immediate_voice_call", delivered[0].ActionType)
	assert.Equal(t, 1, delivered[0].AttemptNumber)

	// Assessment and contact state persisted with a version bump.
	updated, err := h.students.GetByID(context.Background(), "stu-1")
	require.NoError(t, err)
	assert.Equal(t, student.RiskHigh, updated.RiskLevel)
	assert.EqualValues(t, 2, updated.Version)
	assert.Equal(t, shared.OutcomeCompleted, updated.LastContactOutcome)
}

func TestRunCycle_CalmStudentNotContacted(t *testing.T) {
	h := newHarness(t, calmStudent("stu-2"))

	stats, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 1, stats.Scanned)
	assert.EqualValues(t, 0, stats.Dispatched)
	assert.Zero(t, h.voice.callCount())
	assert.Zero(t, h.whatsapp.callCount())
}

func TestRunCycle_PublishesRiskAndScanEvents(t *testing.T) {
	h := newHarness(t, calmStudent("stu-3"))

	_, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Len(t, h.publisher.byType(shared.EventRiskAssessed), 1)
	assert.Len(t, h.publisher.byType(shared.EventScanCompleted), 1)
}

func TestRunCycle_SkipIfAlreadyRunning(t *testing.T) {
	h := newHarness(t, calmStudent("stu-4"))
	h.orch.locker = deniedLocker{}

	_, err := h.orch.RunCycle(context.Background())
	assert.ErrorIs(t, err, shared.ErrScanAlreadyRunning)
	assert.Zero(t, h.voice.callCount())
}

type deniedLocker struct{}

func (deniedLocker) Acquire(context.Context) (string, error) {
	return "", shared.ErrScanAlreadyRunning
}
func (deniedLocker) Release(context.Context, string) error { return nil }

// ══════════════════════════════════════════════════════════════════════════════
// FAILURE AND RETRY
// ══════════════════════════════════════════════════════════════════════════════

func TestRunCycle_FailedCallSchedulesRetry(t *testing.T) {
	h := newHarness(t, highRiskStudent("stu-5"))
	h.voice.result = intervention.NewFailureResult(ledger.FailureNoAnswer, errors.New("call not answered"))

	stats, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Failed)

	failed := h.attempts.byStatus(ledger.StatusFailed)
	require.Len(t, failed, 1)
	require.NotNil(t, failed[0].NextRetryAt)
	// First retry after the base delay of 1 minute, no jitter.
	assert.Equal(t, h.now.Add(time.Minute), failed[0].NextRetryAt.UTC())

	// The unreached outcome is recorded on the student.
	updated, _ := h.students.GetByID(context.Background(), "stu-5")
	assert.Equal(t, shared.OutcomeNoAnswer, updated.LastContactOutcome)
}

func TestRunCycle_DueRetryCreatesNextAttempt(t *testing.T) {
	s := highRiskStudent("stu-6")
	h := newHarness(t, s)
	h.voice.result = intervention.NewFailureResult(ledger.FailureBusy, errors.New("line busy"))

	_, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	// Advance past the retry target and past the voice cooldown.
	h.now = h.now.Add(3 * time.Hour)
	h.voice.result = intervention.NewSuccessResult("call-2", shared.OutcomeCompleted)

	stats, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.RetriesQueued)

	delivered := h.attempts.byStatus(ledger.StatusDelivered)
	require.NotEmpty(t, delivered)
	found := false
	for _, a := range delivered {
		if a.AttemptNumber == 2 {
			found = true
		}
	}
	assert.True(t, found, "expected a delivered attempt number 2")

	// Consumed retry target never fires again.
	due, _ := h.attempts.PendingDueBefore(context.Background(), h.now.Add(24*time.Hour))
	assert.Empty(t, due)
}

func TestRunCycle_PermanentFailureNotRetried(t *testing.T) {
	h := newHarness(t, highRiskStudent("stu-7"))
	h.voice.result = intervention.NewFailureResult(ledger.FailureInvalidTarget, errors.New("unroutable number"))

	_, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	failed := h.attempts.byStatus(ledger.StatusFailed)
	require.Len(t, failed, 1)
	assert.Nil(t, failed[0].NextRetryAt)
}

func TestRunCycle_ExhaustionAfterMaxAttempts(t *testing.T) {
	s := highRiskStudent("stu-8")
	s.Timezone = "" // UTC window, cycles below stay inside [9, 21)
	h := newHarness(t, s)
	h.voice.result = intervention.NewFailureResult(ledger.FailureNoAnswer, errors.New("call not answered"))

	// Attempt 1 fails, then each due retry fails until the budget is gone.
	_, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		h.now = h.now.Add(3 * time.Hour)
		_, err = h.orch.RunCycle(context.Background())
		require.NoError(t, err)
	}

	exhausted := h.attempts.byStatus(ledger.StatusExhausted)
	require.Len(t, exhausted, 1)
	assert.Equal(t, 3, exhausted[0].AttemptNumber)
	assert.Nil(t, exhausted[0].NextRetryAt)
}

func TestRunCycle_ExhaustedVoiceEscalatesNextCycle(t *testing.T) {
	s := highRiskStudent("stu-9")
	s.Timezone = "" // UTC window
	h := newHarness(t, s)
	h.voice.result = intervention.NewFailureResult(ledger.FailureNoAnswer, errors.New("call not answered"))

	_, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		h.now = h.now.Add(3 * time.Hour)
		_, err = h.orch.RunCycle(context.Background())
		require.NoError(t, err)
	}
	require.Len(t, h.attempts.byStatus(ledger.StatusExhausted), 1)

	// The next cycle reads the exhausted signal and escalates internally.
	h.now = h.now.Add(3 * time.Hour)
	_, err = h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, h.internal.callCount(), 1)
	updated, _ := h.students.GetByID(context.Background(), "stu-9")
	assert.Equal(t, student.StatusCounselorRequired, updated.Status)
	assert.NotEmpty(t, h.publisher.byType(shared.EventDispatchSent))

	// Once with a counselor, no fresh escalation every cycle.
	before := h.internal.callCount()
	h.now = h.now.Add(3 * time.Hour)
	_, err = h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, h.internal.callCount())
}

// ══════════════════════════════════════════════════════════════════════════════
// GUARDS
// ══════════════════════════════════════════════════════════════════════════════

func TestRunCycle_InFlightAttemptBlocksDuplicate(t *testing.T) {
	s := highRiskStudent("stu-10")
	h := newHarness(t, s)

	pending, err := ledger.NewAttempt(ledger.NewAttemptParams{
		ID:            "att-existing",
		StudentID:     s.ID,
		ActionType:    intervention.ActionImmediateVoiceCall.String(),
		Channel:       shared.ChannelVoice,
		AttemptNumber: 1,
		MaxAttempts:   3,
	})
	require.NoError(t, err)
	require.NoError(t, h.attempts.Record(context.Background(), pending))

	stats, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Zero(t, h.voice.callCount())
	assert.GreaterOrEqual(t, stats.Denied, int64(1))
}

func TestRunCycle_RateCeilingDefersOutbound(t *testing.T) {
	h := newHarness(t, highRiskStudent("stu-11"))
	h.orch.limiter = &blockingLimiter{allowed: 0}

	stats, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Zero(t, h.voice.callCount())
	assert.EqualValues(t, 1, stats.RateLimited)
	// Nothing journaled: the candidate is simply deferred.
	assert.Empty(t, h.attempts.byStatus(ledger.StatusPending))
}

func TestRunCycle_RateLimitedRetryStaysDue(t *testing.T) {
	s := highRiskStudent("stu-18")
	s.Timezone = "" // UTC window keeps all three cycles inside [9, 21)
	h := newHarness(t, s)
	h.voice.result = intervention.NewFailureResult(ledger.FailureNoAnswer, errors.New("call not answered"))

	_, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, h.attempts.byStatus(ledger.StatusFailed), 1)
	callsAfterFirst := h.voice.callCount()

	// The ceiling blocks the due retry; its persisted target must survive.
	h.now = h.now.Add(3 * time.Hour)
	h.orch.limiter = &blockingLimiter{allowed: 0}

	stats, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.RetriesQueued)
	assert.GreaterOrEqual(t, stats.RateLimited, int64(1))
	assert.Equal(t, callsAfterFirst, h.voice.callCount())

	due, err := h.attempts.PendingDueBefore(context.Background(), h.now)
	require.NoError(t, err)
	require.Len(t, due, 1, "rate-limited retry must stay due")

	// Once the ceiling lifts, the chain continues with attempt 2.
	h.now = h.now.Add(3 * time.Hour)
	h.orch.limiter = nil
	h.voice.result = intervention.NewSuccessResult("call-2", shared.OutcomeCompleted)

	stats, err = h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.RetriesQueued)

	second := false
	for _, a := range h.attempts.byStatus(ledger.StatusDelivered) {
		if a.AttemptNumber == 2 {
			second = true
		}
	}
	assert.True(t, second, "expected a delivered attempt number 2")

	due, err = h.attempts.PendingDueBefore(context.Background(), h.now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestRunCycle_QuietHoursDenyVoice(t *testing.T) {
	s := highRiskStudent("stu-12")
	s.Timezone = "" // UTC fallback
	h := newHarness(t, s)
	h.now = time.Date(2025, 9, 15, 23, 30, 0, 0, time.UTC)

	stats, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Zero(t, h.voice.callCount())
	assert.GreaterOrEqual(t, stats.Denied, int64(1))
}

func TestRunCycle_VersionConflictAbortsStudentOnly(t *testing.T) {
	conflicted := highRiskStudent("stu-13")
	clean := calmStudent("stu-14")
	h := newHarness(t, conflicted, clean)
	h.students.conflictOn = "stu-13"

	stats, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 2, stats.Scanned)
	assert.EqualValues(t, 1, stats.Conflicts)

	// The untouched student still got its assessment persisted.
	updated, _ := h.students.GetByID(context.Background(), "stu-14")
	assert.EqualValues(t, 2, updated.Version)
}

// ══════════════════════════════════════════════════════════════════════════════
// STALE RECOVERY
// ══════════════════════════════════════════════════════════════════════════════

func TestRunCycle_StalePendingRequeued(t *testing.T) {
	s := calmStudent("stu-15")
	h := newHarness(t, s)

	stale, err := ledger.NewAttempt(ledger.NewAttemptParams{
		ID:            "att-stale",
		StudentID:     s.ID,
		ActionType:    intervention.ActionWhatsAppFollowup.String(),
		Channel:       shared.ChannelWhatsApp,
		AttemptNumber: 1,
		MaxAttempts:   3,
	})
	require.NoError(t, err)
	stale.CreatedAt = h.now.Add(-time.Hour)
	require.NoError(t, h.attempts.Record(context.Background(), stale))

	stats, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.StaleRequeued)

	resolved, err := h.attempts.GetByID(context.Background(), "att-stale")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, resolved.Status)
	assert.Equal(t, ledger.FailureTimeout, resolved.FailureClass)
	require.NotNil(t, resolved.NextRetryAt)
}

func TestRunCycle_FreshPendingNotTouched(t *testing.T) {
	s := calmStudent("stu-16")
	h := newHarness(t, s)

	fresh, err := ledger.NewAttempt(ledger.NewAttemptParams{
		ID:            "att-fresh",
		StudentID:     s.ID,
		ActionType:    intervention.ActionWhatsAppFollowup.String(),
		Channel:       shared.ChannelWhatsApp,
		AttemptNumber: 1,
		MaxAttempts:   3,
	})
	require.NoError(t, err)
	fresh.CreatedAt = h.now.Add(-time.Minute)
	require.NoError(t, h.attempts.Record(context.Background(), fresh))

	_, err = h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	kept, err := h.attempts.GetByID(context.Background(), "att-fresh")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, kept.Status)
}

// ══════════════════════════════════════════════════════════════════════════════
// SINGLE-STUDENT TRIGGER
// ══════════════════════════════════════════════════════════════════════════════

func TestRunForStudent_DispatchesWithoutLock(t *testing.T) {
	h := newHarness(t, highRiskStudent("stu-17"))
	h.orch.locker = deniedLocker{} // would block a full cycle

	err := h.orch.RunForStudent(context.Background(), "stu-17")
	require.NoError(t, err)
	assert.EqualValues(t, 1, h.voice.callCount())
}

func TestRunForStudent_UnknownStudent(t *testing.T) {
	h := newHarness(t)
	err := h.orch.RunForStudent(context.Background(), "missing")
	assert.ErrorIs(t, err, student.ErrStudentNotFound)
}
