package intervention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abitura-hub/abitura-admission-hub/internal/domain/ledger"
	"github.com/abitura-hub/abitura-admission-hub/internal/domain/shared"
	"github.com/abitura-hub/abitura-admission-hub/internal/domain/student"
)

// fakeLedger - минимальная заглушка журнала для шлюза допуска.
type fakeLedger struct {
	outboundToday int
	inFlight      *ledger.Attempt
	countErr      error
	findErr       error
}

func (f *fakeLedger) Record(context.Context, *ledger.Attempt) error  { return nil }
func (f *fakeLedger) Resolve(context.Context, *ledger.Attempt) error { return nil }
func (f *fakeLedger) GetByID(context.Context, string) (*ledger.Attempt, error) {
	return nil, shared.ErrNotFound
}
func (f *fakeLedger) FindInFlight(context.Context, string, string) (*ledger.Attempt, error) {
	return f.inFlight, f.findErr
}
func (f *fakeLedger) PendingDueBefore(context.Context, time.Time) ([]*ledger.Attempt, error) {
	return nil, nil
}
func (f *fakeLedger) StalePendingBefore(context.Context, time.Time) ([]*ledger.Attempt, error) {
	return nil, nil
}
func (f *fakeLedger) CountOutboundSince(context.Context, string, time.Time) (int, error) {
	return f.outboundToday, f.countErr
}
func (f *fakeLedger) LastExhaustedVoice(context.Context, string) (*ledger.Attempt, error) {
	return nil, nil
}
func (f *fakeLedger) ListByStudent(context.Context, string, int) ([]*ledger.Attempt, error) {
	return nil, nil
}

// noonUTC - внутри тихого окна [9, 21) для UTC-абитуриента.
var noonUTC = time.Date(2025, 11, 10, 12, 0, 0, 0, time.UTC)

func newGateStudent(t *testing.T) *student.Student {
	t.Helper()
	s, err := student.NewStudent(student.NewStudentParams{
		ID:       "stu-1",
		FullName: "Aruzhan Bekova",
		Phone:    shared.Phone("+77011234567"),
	})
	require.NoError(t, err)
	return s
}

func voiceCandidate(s *student.Student) Candidate {
	return Candidate{
		StudentID:  s.ID,
		ActionType: ActionImmediateVoiceCall,
		Priority:   1,
		Channel:    shared.ChannelVoice,
	}
}

func whatsappCandidate(s *student.Student) Candidate {
	return Candidate{
		StudentID:  s.ID,
		ActionType: ActionWhatsAppFollowup,
		Priority:   2,
		Channel:    shared.ChannelWhatsApp,
	}
}

func escalationCandidate(s *student.Student) Candidate {
	return Candidate{
		StudentID:  s.ID,
		ActionType: ActionCounselorEscalation,
		Priority:   1,
		Channel:    shared.ChannelInternal,
	}
}

func TestGate_AllowsEligibleVoiceCall(t *testing.T) {
	s := newGateStudent(t)
	gate := NewGate(&fakeLedger{}, DefaultGateConfig())

	d, err := gate.Check(context.Background(), s, voiceCandidate(s), noonUTC)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Reason)
}

func TestGate_DeniesOptedOutChannel(t *testing.T) {
	s := newGateStudent(t)
	s.OptOut(shared.ChannelVoice)
	gate := NewGate(&fakeLedger{}, DefaultGateConfig())

	d, err := gate.Check(context.Background(), s, voiceCandidate(s), noonUTC)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, DenyOptedOut, d.Reason)

	// Отказ от voice не блокирует whatsapp.
	d, err = gate.Check(context.Background(), s, whatsappCandidate(s), noonUTC)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestGate_DeniesOverDailyCap(t *testing.T) {
	s := newGateStudent(t)
	gate := NewGate(&fakeLedger{outboundToday: 3}, DefaultGateConfig())

	d, err := gate.Check(context.Background(), s, whatsappCandidate(s), noonUTC)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, DenyDailyLimit, d.Reason)
}

func TestGate_EscalationBypassesDailyCap(t *testing.T) {
	// Сценарий: дневной лимит исчерпан, но эскалация идёт по внутреннему
	// каналу и проходит.
	s := newGateStudent(t)
	s.Status = student.StatusDropoutRisk
	gate := NewGate(&fakeLedger{outboundToday: 5}, DefaultGateConfig())

	d, err := gate.Check(context.Background(), s, escalationCandidate(s), noonUTC)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestGate_DeniesVoiceDuringCooldown(t *testing.T) {
	s := newGateStudent(t)
	lastContact := noonUTC.Add(-time.Hour)
	s.LastContactAt = &lastContact
	gate := NewGate(&fakeLedger{}, DefaultGateConfig())

	d, err := gate.Check(context.Background(), s, voiceCandidate(s), noonUTC)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, DenyCooldown, d.Reason)

	// Кулдаун не распространяется на whatsapp.
	d, err = gate.Check(context.Background(), s, whatsappCandidate(s), noonUTC)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// Через два часа кулдаун истекает.
	d, err = gate.Check(context.Background(), s, voiceCandidate(s), noonUTC.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestGate_DeniesVoiceDuringQuietHours(t *testing.T) {
	s := newGateStudent(t)
	gate := NewGate(&fakeLedger{}, DefaultGateConfig())

	for _, hour := range []int{0, 5, 8, 21, 23} {
		at := time.Date(2025, 11, 10, hour, 0, 0, 0, time.UTC)
		d, err := gate.Check(context.Background(), s, voiceCandidate(s), at)
		require.NoError(t, err)
		assert.False(t, d.Allowed, "hour %d must be quiet", hour)
		assert.Equal(t, DenyQuietHours, d.Reason)
	}

	for _, hour := range []int{9, 12, 20} {
		at := time.Date(2025, 11, 10, hour, 0, 0, 0, time.UTC)
		d, err := gate.Check(context.Background(), s, voiceCandidate(s), at)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "hour %d must be allowed", hour)
	}
}

func TestGate_QuietHoursUseStudentTimezone(t *testing.T) {
	s := newGateStudent(t)
	s.Timezone = shared.Timezone("Asia/Almaty") // UTC+5

	gate := NewGate(&fakeLedger{}, DefaultGateConfig())

	// 06:00 UTC = 11:00 в Алматы - звонить можно.
	d, err := gate.Check(context.Background(), s, voiceCandidate(s), time.Date(2025, 11, 10, 6, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// 17:00 UTC = 22:00 в Алматы - тихие часы.
	d, err = gate.Check(context.Background(), s, voiceCandidate(s), time.Date(2025, 11, 10, 17, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, DenyQuietHours, d.Reason)
}

func TestGate_WhatsAppIgnoresQuietHours(t *testing.T) {
	s := newGateStudent(t)
	gate := NewGate(&fakeLedger{}, DefaultGateConfig())

	d, err := gate.Check(context.Background(), s, whatsappCandidate(s), time.Date(2025, 11, 10, 3, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestGate_DeniesWhenAttemptInFlight(t *testing.T) {
	s := newGateStudent(t)
	pending, err := ledger.NewAttempt(ledger.NewAttemptParams{
		ID:         "att-1",
		StudentID:  s.ID,
		ActionType: ActionImmediateVoiceCall.String(),
		Channel:    shared.ChannelVoice,
	})
	require.NoError(t, err)

	gate := NewGate(&fakeLedger{inFlight: pending}, DefaultGateConfig())

	d, err := gate.Check(context.Background(), s, voiceCandidate(s), noonUTC)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, DenyInFlight, d.Reason)
}

func TestGate_InFlightGuardAppliesToEscalation(t *testing.T) {
	s := newGateStudent(t)
	s.Status = student.StatusDropoutRisk
	pending, err := ledger.NewAttempt(ledger.NewAttemptParams{
		ID:         "att-1",
		StudentID:  s.ID,
		ActionType: ActionCounselorEscalation.String(),
		Channel:    shared.ChannelInternal,
	})
	require.NoError(t, err)

	gate := NewGate(&fakeLedger{inFlight: pending}, DefaultGateConfig())

	d, err := gate.Check(context.Background(), s, escalationCandidate(s), noonUTC)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, DenyInFlight, d.Reason)
}

func TestGate_DeniesDeletedStudent(t *testing.T) {
	s := newGateStudent(t)
	s.SoftDelete()
	gate := NewGate(&fakeLedger{}, DefaultGateConfig())

	d, err := gate.Check(context.Background(), s, whatsappCandidate(s), noonUTC)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, DenyNotContactable, d.Reason)
}

func TestGate_PropagatesLedgerErrors(t *testing.T) {
	s := newGateStudent(t)
	boom := errors.New("ledger down")

	gate := NewGate(&fakeLedger{countErr: boom}, DefaultGateConfig())
	_, err := gate.Check(context.Background(), s, voiceCandidate(s), noonUTC)
	assert.ErrorIs(t, err, boom)

	gate = NewGate(&fakeLedger{findErr: boom}, DefaultGateConfig())
	_, err = gate.Check(context.Background(), s, voiceCandidate(s), noonUTC)
	assert.ErrorIs(t, err, boom)
}
