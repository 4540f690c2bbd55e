// Package voice implements the outbound voice call gateway.
//
// The client talks to a telephony provider over a JSON HTTP API, places a
// call synchronously and reports the call outcome (answered, no answer,
// busy). Transport-level retries and a circuit breaker live here; the
// cross-cycle retry schedule is the dispatch engine's concern.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/abitura-hub/abitura-admission-hub/internal/domain/intervention"
	"github.com/abitura-hub/abitura-admission-hub/internal/domain/ledger"
	"github.com/abitura-hub/abitura-admission-hub/internal/domain/shared"
	"github.com/abitura-hub/abitura-admission-hub/pkg/circuitbreaker"
	"github.com/abitura-hub/abitura-admission-hub/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig holds voice gateway client configuration.
type ClientConfig struct {
	// BaseURL is the telephony provider API base URL.
	BaseURL string

	// APIKey authenticates requests to the provider.
	APIKey string

	// CallerID is the number shown to the student.
	CallerID string

	// Timeout is the HTTP client timeout. Voice calls are held open until
	// the provider reports an outcome, so this must exceed the maximum
	// ring time.
	Timeout time.Duration

	// RetryAttempts is the number of transport-level retry attempts.
	RetryAttempts int

	// RetryDelay is the initial delay between transport retries.
	RetryDelay time.Duration

	// Logger is the structured logger (optional).
	Logger *slog.Logger

	// Debug enables request/response logging.
	Debug bool
}

// DefaultClientConfig returns a configuration with sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:       90 * time.Second,
		RetryAttempts: 2,
		RetryDelay:    time.Second,
		Debug:         false,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client is the voice gateway HTTP client.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	logger     *slog.Logger
	breaker    *circuitbreaker.CircuitBreaker
	retrier    *retry.Retrier
}

// NewClient creates a new voice gateway client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("voice gateway: base URL is required")
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("voice gateway: API key is required")
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultClientConfig().Timeout
	}
	if config.RetryAttempts == 0 {
		config.RetryAttempts = DefaultClientConfig().RetryAttempts
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = DefaultClientConfig().RetryDelay
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "voice_gateway")

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
		breaker: circuitbreaker.VoiceGatewayBreaker(func(name string, from, to circuitbreaker.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		}),
		retrier: retry.New(
			retry.WithMaxAttempts(config.RetryAttempts+1),
			retry.WithInitialDelay(config.RetryDelay),
			retry.WithRetryIf(isRetryableError),
			retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
				logger.Debug("retrying call placement",
					"attempt", attempt,
					"delay", delay,
					"last_error", err)
			}),
		),
	}, nil
}

// Channel returns the channel this gateway serves.
func (c *Client) Channel() shared.Channel {
	return shared.ChannelVoice
}

// ══════════════════════════════════════════════════════════════════════════════
// API TYPES
// ══════════════════════════════════════════════════════════════════════════════

// callRequest is the provider's call placement request.
type callRequest struct {
	To       string `json:"to"`
	CallerID string `json:"caller_id,omitempty"`
	Script   string `json:"script"`
	Scenario string `json:"scenario,omitempty"`
	// ClientRef lets provider-side logs be correlated with the ledger.
	ClientRef string `json:"client_ref,omitempty"`
}

// callResponse is the provider's call result.
type callResponse struct {
	CallID   string `json:"call_id"`
	Status   string `json:"status"` // answered | no_answer | busy | failed
	Duration int    `json:"duration_seconds"`
	Error    string `json:"error,omitempty"`
}

// Provider call statuses.
const (
	statusAnswered = "answered"
	statusNoAnswer = "no_answer"
	statusBusy     = "busy"
	statusFailed   = "failed"
)

// APIError represents an error response from the telephony provider.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("voice gateway API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// IsRateLimited returns true when the provider is throttling us.
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsInvalidTarget returns true when the destination number is rejected.
func (e *APIError) IsInvalidTarget() bool {
	return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusNotFound ||
		e.Code == "invalid_number" || e.Code == "unroutable"
}

// ══════════════════════════════════════════════════════════════════════════════
// DISPATCH
// ══════════════════════════════════════════════════════════════════════════════

// Dispatch places a voice call and classifies the outcome. It never returns
// a Go error: every failure mode maps to a DeliveryResult failure class.
func (c *Client) Dispatch(ctx context.Context, req intervention.DispatchRequest) intervention.DeliveryResult {
	apiReq := callRequest{
		To:        string(req.Phone),
		CallerID:  c.config.CallerID,
		Script:    req.Payload,
		Scenario:  string(req.ActionType),
		ClientRef: fmt.Sprintf("%s/%d", req.StudentID, req.AttemptNumber),
	}

	var resp callResponse
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = c.placeCall(ctx, apiReq)
		return callErr
	})
	if err != nil {
		return c.classifyError(err)
	}

	switch resp.Status {
	case statusAnswered:
		c.logger.Info("call answered",
			"student_id", req.StudentID,
			"call_id", resp.CallID,
			"duration_s", resp.Duration)
		return intervention.NewSuccessResult(resp.CallID, shared.OutcomeCompleted)

	case statusNoAnswer:
		res := intervention.NewFailureResult(ledger.FailureNoAnswer, fmt.Errorf("call not answered"))
		res.ExternalID = resp.CallID
		return res

	case statusBusy:
		res := intervention.NewFailureResult(ledger.FailureBusy, fmt.Errorf("line busy"))
		res.ExternalID = resp.CallID
		return res

	default:
		res := intervention.NewFailureResult(ledger.FailureUnknown,
			fmt.Errorf("call failed: %s", resp.Error))
		res.ExternalID = resp.CallID
		return res
	}
}

// classifyError maps transport and API errors to a ledger failure class.
func (c *Client) classifyError(err error) intervention.DeliveryResult {
	if apiErr, ok := err.(*APIError); ok {
		switch {
		case apiErr.IsRateLimited():
			return intervention.NewFailureResult(ledger.FailureRateLimited, apiErr)
		case apiErr.IsInvalidTarget():
			return intervention.NewFailureResult(ledger.FailureInvalidTarget, apiErr)
		case apiErr.StatusCode >= 500:
			return intervention.NewFailureResult(ledger.FailureTimeout, apiErr)
		default:
			return intervention.NewFailureResult(ledger.FailureUnknown, apiErr)
		}
	}

	// Breaker open means the provider is degraded; treat as retryable
	// backpressure rather than a hard failure.
	if err == circuitbreaker.ErrCircuitOpen || err == circuitbreaker.ErrTooManyRequests {
		return intervention.NewFailureResult(ledger.FailureRateLimited, err)
	}

	if isTimeoutError(err) {
		return intervention.NewFailureResult(ledger.FailureTimeout, err)
	}

	return intervention.NewFailureResult(ledger.FailureUnknown, err)
}

// ══════════════════════════════════════════════════════════════════════════════
// HTTP LAYER
// ══════════════════════════════════════════════════════════════════════════════

// placeCall calls the provider with transport-level retries.
func (c *Client) placeCall(ctx context.Context, req callRequest) (callResponse, error) {
	var resp callResponse
	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = c.doAPICall(ctx, "/v1/calls", req)
		return callErr
	})
	if err != nil {
		return callResponse{}, err
	}
	return resp, nil
}

// doAPICall performs a single HTTP request to the provider.
func (c *Client) doAPICall(ctx context.Context, path string, payload interface{}) (callResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return callResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + path

	if c.config.Debug {
		c.logger.Debug("voice API request", "url", url, "body", string(body))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return callResponse{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return callResponse{}, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return callResponse{}, fmt.Errorf("read response: %w", err)
	}

	if c.config.Debug {
		c.logger.Debug("voice API response", "status", httpResp.StatusCode, "body", string(respBody))
	}

	if httpResp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: httpResp.StatusCode}
		if err := json.Unmarshal(respBody, apiErr); err != nil {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		if apiErr.RetryAfter == 0 {
			if ra := httpResp.Header.Get("Retry-After"); ra != "" {
				fmt.Sscanf(ra, "%d", &apiErr.RetryAfter)
			}
		}
		return callResponse{}, apiErr
	}

	var resp callResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return callResponse{}, fmt.Errorf("unmarshal response: %w", err)
	}

	return resp, nil
}

// IsHealthy checks provider availability.
func (c *Client) IsHealthy(ctx context.Context) bool {
	url := strings.TrimRight(c.config.BaseURL, "/") + "/v1/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// ══════════════════════════════════════════════════════════════════════════════
// ERROR CLASSIFICATION
// ══════════════════════════════════════════════════════════════════════════════

// isRetryableError determines if a transport error is worth retrying
// within the same dispatch attempt.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if apiErr, ok := err.(*APIError); ok {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			return true
		}
		if apiErr.StatusCode >= 500 {
			return true
		}
		return false
	}

	return isTimeoutError(err)
}

// isTimeoutError detects network-level failures by message because the
// http client wraps the underlying error types inconsistently.
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()
	patterns := []string{
		"timeout",
		"deadline exceeded",
		"connection refused",
		"connection reset",
		"no such host",
		"EOF",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
