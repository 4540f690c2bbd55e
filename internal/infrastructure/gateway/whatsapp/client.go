// Package whatsapp implements the WhatsApp message gateway.
//
// Messages are template-based: the provider requires pre-approved templates
// for business-initiated conversations, so the client sends a template name
// with rendered body text rather than free-form content.
package whatsapp

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

// ClientConfig holds WhatsApp gateway client configuration.
type ClientConfig struct {
	// BaseURL is the messaging provider API base URL.
	BaseURL string

	// APIKey authenticates requests to the provider.
	APIKey string

	// SenderID is the business account the messages are sent from.
	SenderID string

	// Timeout is the HTTP client timeout.
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
		Timeout:       15 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    500 * time.Millisecond,
		Debug:         false,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client is the WhatsApp gateway HTTP client.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	logger     *slog.Logger
	breaker    *circuitbreaker.CircuitBreaker
	retrier    *retry.Retrier
}

// NewClient creates a new WhatsApp gateway client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("whatsapp gateway: base URL is required")
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("whatsapp gateway: API key is required")
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
	logger = logger.With("component", "whatsapp_gateway")

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
		breaker: circuitbreaker.WhatsAppGatewayBreaker(func(name string, from, to circuitbreaker.State) {
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
				logger.Debug("retrying message send",
					"attempt", attempt,
					"delay", delay,
					"last_error", err)
			}),
		),
	}, nil
}

// Channel returns the channel this gateway serves.
func (c *Client) Channel() shared.Channel {
	return shared.ChannelWhatsApp
}

// ══════════════════════════════════════════════════════════════════════════════
// API TYPES
// ══════════════════════════════════════════════════════════════════════════════

// messageRequest is the provider's message send request.
type messageRequest struct {
	To       string `json:"to"`
	From     string `json:"from,omitempty"`
	Template string `json:"template"`
	Body     string `json:"body"`
	// ClientRef lets provider-side logs be correlated with the ledger.
	ClientRef string `json:"client_ref,omitempty"`
}

// messageResponse is the provider's acceptance acknowledgement.
type messageResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"` // accepted | rejected
	Error     string `json:"error,omitempty"`
}

// APIError represents an error response from the messaging provider.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whatsapp gateway API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// ══════════════════════════════════════════════════════════════════════════════
// DISPATCH
// ══════════════════════════════════════════════════════════════════════════════

// Dispatch sends a WhatsApp message and classifies the outcome. It never
// returns a Go error: every failure mode maps to a failure class.
func (c *Client) Dispatch(ctx context.Context, req intervention.DispatchRequest) intervention.DeliveryResult {
	apiReq := messageRequest{
		To:        string(req.Phone),
		From:      c.config.SenderID,
		Template:  string(req.ActionType),
		Body:      req.Payload,
		ClientRef: fmt.Sprintf("%s/%d", req.StudentID, req.AttemptNumber),
	}

	var resp messageResponse
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var sendErr error
		resp, sendErr = c.sendMessage(ctx, apiReq)
		return sendErr
	})
	if err != nil {
		return c.classifyError(err)
	}

	if resp.Status != "accepted" {
		res := intervention.NewFailureResult(ledger.FailureUnknown,
			fmt.Errorf("message rejected: %s", resp.Error))
		res.ExternalID = resp.MessageID
		return res
	}

	c.logger.Info("message accepted",
		"student_id", req.StudentID,
		"message_id", resp.MessageID)
	return intervention.NewSuccessResult(resp.MessageID, shared.OutcomeCompleted)
}

// classifyError maps transport and API errors to a ledger failure class.
func (c *Client) classifyError(err error) intervention.DeliveryResult {
	if apiErr, ok := err.(*APIError); ok {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return intervention.NewFailureResult(ledger.FailureRateLimited, apiErr)
		case apiErr.Code == "recipient_opted_out":
			return intervention.NewFailureResult(ledger.FailureOptedOut, apiErr)
		case apiErr.StatusCode == http.StatusBadRequest || apiErr.StatusCode == http.StatusNotFound:
			return intervention.NewFailureResult(ledger.FailureInvalidTarget, apiErr)
		case apiErr.StatusCode >= 500:
			return intervention.NewFailureResult(ledger.FailureTimeout, apiErr)
		default:
			return intervention.NewFailureResult(ledger.FailureUnknown, apiErr)
		}
	}

	if err == circuitbreaker.ErrCircuitOpen || err == circuitbreaker.ErrTooManyRequests {
		return intervention.NewFailureResult(ledger.FailureRateLimited, err)
	}

	if isNetworkError(err) {
		return intervention.NewFailureResult(ledger.FailureTimeout, err)
	}

	return intervention.NewFailureResult(ledger.FailureUnknown, err)
}

// ══════════════════════════════════════════════════════════════════════════════
// HTTP LAYER
// ══════════════════════════════════════════════════════════════════════════════

// sendMessage calls the provider with transport-level retries.
func (c *Client) sendMessage(ctx context.Context, req messageRequest) (messageResponse, error) {
	var resp messageResponse
	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		var sendErr error
		resp, sendErr = c.doAPICall(ctx, "/v1/messages", req)
		return sendErr
	})
	if err != nil {
		return messageResponse{}, err
	}
	return resp, nil
}

// doAPICall performs a single HTTP request to the provider.
func (c *Client) doAPICall(ctx context.Context, path string, payload interface{}) (messageResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return messageResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + path

	if c.config.Debug {
		c.logger.Debug("whatsapp API request", "url", url, "body", string(body))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return messageResponse{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return messageResponse{}, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return messageResponse{}, fmt.Errorf("read response: %w", err)
	}

	if c.config.Debug {
		c.logger.Debug("whatsapp API response", "status", httpResp.StatusCode, "body", string(respBody))
	}

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		apiErr := &APIError{StatusCode: httpResp.StatusCode}
		if err := json.Unmarshal(respBody, apiErr); err != nil {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		if apiErr.RetryAfter == 0 {
			if ra := httpResp.Header.Get("Retry-After"); ra != "" {
				fmt.Sscanf(ra, "%d", &apiErr.RetryAfter)
			}
		}
		return messageResponse{}, apiErr
	}

	var resp messageResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return messageResponse{}, fmt.Errorf("unmarshal response: %w", err)
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

	return isNetworkError(err)
}

// isNetworkError detects network-level failures by message because the
// http client wraps the underlying error types inconsistently.
func isNetworkError(err error) bool {
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
