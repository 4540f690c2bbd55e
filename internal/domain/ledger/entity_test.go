package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abitura-hub/abitura-admission-hub/internal/domain/shared"
)

var testNow = time.Date(2025, 11, 10, 12, 0, 0, 0, time.UTC)

func newTestAttempt(t *testing.T, n int) *Attempt {
	t.Helper()
	a, err := NewAttempt(NewAttemptParams{
		ID:            "att-1",
		StudentID:     "stu-1",
		ActionType:    "immediate_voice_call",
		Channel:       shared.ChannelVoice,
		AttemptNumber: n,
		MaxAttempts:   3,
		Payload:       "call script",
	})
	require.NoError(t, err)
	return a
}

func TestNewAttempt_Defaults(t *testing.T) {
	a := newTestAttempt(t, 0)
	assert.Equal(t, StatusPending, a.Status)
	assert.Equal(t, 1, a.AttemptNumber) // clamps to 1
	assert.Equal(t, 3, a.MaxAttempts)
	assert.Nil(t, a.ResolvedAt)
	assert.Nil(t, a.NextRetryAt)
}

func TestNewAttempt_Validation(t *testing.T) {
	_, err := NewAttempt(NewAttemptParams{StudentID: "s", ActionType: "a", Channel: shared.ChannelVoice})
	assert.Error(t, err)

	_, err = NewAttempt(NewAttemptParams{ID: "x", StudentID: "s", ActionType: "a", Channel: "pigeon"})
	assert.Error(t, err)
}

func TestAttempt_MarkSent(t *testing.T) {
	a := newTestAttempt(t, 1)

	require.NoError(t, a.MarkSent("ext-42", testNow))
	assert.Equal(t, StatusSent, a.Status)
	assert.Equal(t, "ext-42", a.ExternalID)
	require.NotNil(t, a.ResolvedAt)
	assert.Equal(t, testNow, *a.ResolvedAt)

	// sent -> sent is not allowed
	assert.ErrorIs(t, a.MarkSent("ext-43", testNow), ErrInvalidTransition)

	// sent -> delivered is
	require.NoError(t, a.MarkDelivered(testNow.Add(time.Minute)))
	assert.Equal(t, StatusDelivered, a.Status)
}

func TestAttempt_MarkFailed_RetryableSchedulesRetry(t *testing.T) {
	a := newTestAttempt(t, 1)
	retryAt := testNow.Add(time.Minute)

	require.NoError(t, a.MarkFailed(FailureNoAnswer, "no answer", testNow, &retryAt))
	assert.Equal(t, StatusFailed, a.Status)
	require.NotNil(t, a.NextRetryAt)
	assert.Equal(t, retryAt, *a.NextRetryAt)

	assert.False(t, a.RetryDue(testNow))
	assert.True(t, a.RetryDue(retryAt))
	assert.True(t, a.RetryDue(retryAt.Add(time.Hour)))
}

func TestAttempt_MarkFailed_PermanentIsTerminal(t *testing.T) {
	for _, class := range []FailureClass{FailureInvalidTarget, FailureOptedOut, FailureUnknown} {
		a := newTestAttempt(t, 1)
		retryAt := testNow.Add(time.Minute)

		require.NoError(t, a.MarkFailed(class, "permanent", testNow, &retryAt))
		assert.Equal(t, StatusFailed, a.Status)
		assert.Nil(t, a.NextRetryAt, "class %s must not schedule a retry", class)
		assert.False(t, a.RetryDue(retryAt.Add(time.Hour)))
	}
}

func TestAttempt_MarkFailed_LastAttemptExhausts(t *testing.T) {
	a := newTestAttempt(t, 3) // third of three
	retryAt := testNow.Add(time.Minute)

	require.NoError(t, a.MarkFailed(FailureNoAnswer, "no answer", testNow, &retryAt))
	assert.Equal(t, StatusExhausted, a.Status)
	assert.Nil(t, a.NextRetryAt)
	assert.True(t, a.Status.IsFinal())

	_, err := a.NextAttempt("att-2")
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestAttempt_NextAttempt(t *testing.T) {
	a := newTestAttempt(t, 1)
	retryAt := testNow.Add(time.Minute)
	require.NoError(t, a.MarkFailed(FailureBusy, "busy", testNow, &retryAt))

	next, err := a.NextAttempt("att-2")
	require.NoError(t, err)
	assert.Equal(t, 2, next.AttemptNumber)
	assert.Equal(t, a.StudentID, next.StudentID)
	assert.Equal(t, a.ActionType, next.ActionType)
	assert.Equal(t, a.Channel, next.Channel)
	assert.Equal(t, StatusPending, next.Status)
}

func TestAttempt_MarkCancelled(t *testing.T) {
	a := newTestAttempt(t, 1)
	require.NoError(t, a.MarkCancelled("shutdown", testNow))
	assert.Equal(t, StatusCancelled, a.Status)

	// final statuses cannot be cancelled again
	assert.ErrorIs(t, a.MarkCancelled("again", testNow), ErrInvalidTransition)
}

func TestAttempt_IsStale(t *testing.T) {
	a := newTestAttempt(t, 1)
	a.CreatedAt = testNow.Add(-20 * time.Minute)

	assert.True(t, a.IsStale(testNow, 15*time.Minute))
	assert.False(t, a.IsStale(testNow, 30*time.Minute))

	require.NoError(t, a.MarkSent("ext", testNow))
	assert.False(t, a.IsStale(testNow, 15*time.Minute), "resolved attempts are never stale")
}

func TestFailureClass_IsRetryable(t *testing.T) {
	retryable := []FailureClass{FailureTimeout, FailureNoAnswer, FailureBusy, FailureRateLimited}
	for _, c := range retryable {
		assert.True(t, c.IsRetryable(), "%s", c)
	}
	permanent := []FailureClass{FailureInvalidTarget, FailureOptedOut, FailureUnknown}
	for _, c := range permanent {
		assert.False(t, c.IsRetryable(), "%s", c)
	}
}

func TestStatus_IsFinal(t *testing.T) {
	assert.False(t, StatusPending.IsFinal())
	assert.False(t, StatusSent.IsFinal())
	assert.False(t, StatusFailed.IsFinal()) // may still retry
	assert.True(t, StatusDelivered.IsFinal())
	assert.True(t, StatusCancelled.IsFinal())
	assert.True(t, StatusExhausted.IsFinal())
}
