package whatsapp

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
		SenderID:      "abitura-hub",
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
		ActionType:    intervention.ActionWhatsAppFollowup,
		Payload:       "rendered template body",
		AttemptNumber: 1,
	}
}

func TestDispatch_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(messageResponse{MessageID: "msg-9", Status: "accepted"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	res := c.Dispatch(context.Background(), dispatchRequest())

	assert.True(t, res.Success)
	assert.Equal(t, "msg-9", res.ExternalID)
	assert.EqualValues(t, 2, calls.Load(), "one 502 then acceptance means two requests")
}

func TestDispatch_OptOutIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "recipient_opted_out", "message": "recipient opted out"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	res := c.Dispatch(context.Background(), dispatchRequest())

	assert.False(t, res.Success)
	assert.Equal(t, ledger.FailureOptedOut, res.FailureClass)
	assert.EqualValues(t, 1, calls.Load(), "an opted-out recipient must not be retried")
}
