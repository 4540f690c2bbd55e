package voice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abitura-hub/abitura-admission-hub/internal/domain/intervention"
	"github.com/abitura-hub/abitura-admission-hub/internal/domain/ledger"
	"github.com/abitura-hub/abitura-admission-hub/internal/domain/shared"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		BaseURL:       baseURL,
		APIKey:        "test-key",
		CallerID:      "+77170000000",
		Timeout:       5 * time.Second,
		RetryAttempts: 2,
		RetryDelay:    time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func dispatchRequest() intervention.DispatchRequest {
	return intervention.DispatchRequest{
		StudentID:     "stu-1",
		Phone:         shared.Phone("+77011234567"),
		FullName:      "Айгерим Садыкова",
		ActionType:    intervention.ActionImmediateVoiceCall,
		Payload:       "call script",
		AttemptNumber: 1,
	}
}

func TestDispatch_RetriesTransientProviderErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"code": "provider_busy", "message": "try later"})
			return
		}
		_ = json.NewEncoder(w).Encode(callResponse{CallID: "call-42", Status: statusAnswered, Duration: 35})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	res := c.Dispatch(context.Background(), dispatchRequest())

	assert.True(t, res.Success)
	assert.Equal(t, "call-42", res.ExternalID)
	assert.Equal(t, shared.OutcomeCompleted, res.Outcome)
	assert.EqualValues(t, 3, calls.Load(), "two 503s then success means three requests")
}

func TestDispatch_DoesNotRetryInvalidNumber(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "invalid_number", "message": "unroutable destination"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	res := c.Dispatch(context.Background(), dispatchRequest())

	assert.False(t, res.Success)
	assert.Equal(t, ledger.FailureInvalidTarget, res.FailureClass)
	assert.EqualValues(t, 1, calls.Load(), "a rejected number must not be retried")
}

func TestDispatch_ClassifiesNoAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(callResponse{CallID: "call-7", Status: statusNoAnswer})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	res := c.Dispatch(context.Background(), dispatchRequest())

	assert.False(t, res.Success)
	assert.Equal(t, ledger.FailureNoAnswer, res.FailureClass)
	assert.Equal(t, "call-7", res.ExternalID)
}
