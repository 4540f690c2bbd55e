// Package content prepares message texts and call scripts for interventions.
//
// Texts come from an external content generator when one is configured and
// healthy; otherwise the static templates are used. Content generation is
// best-effort: it degrades, it never blocks a dispatch.
package content

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
	"github.com/abitura-hub/abitura-admission-hub/pkg/circuitbreaker"
)

// GeneratorConfig holds content generator client configuration.
type GeneratorConfig struct {
	// BaseURL is the generator API base URL. Empty disables the remote
	// generator: only static templates are used.
	BaseURL string

	// APIKey authenticates requests to the generator.
	APIKey string

	// Timeout is the HTTP client timeout. Kept short: a slow generator
	// must not stall the dispatch cycle.
	Timeout time.Duration

	// Logger is the structured logger (optional).
	Logger *slog.Logger
}

// DefaultGeneratorConfig returns a configuration with sensible defaults.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		Timeout: 5 * time.Second,
	}
}

// Generator builds intervention payloads, falling back to static templates
// when the remote generator fails or is not configured.
type Generator struct {
	config     GeneratorConfig
	httpClient *http.Client
	logger     *slog.Logger
	breaker    *circuitbreaker.CircuitBreaker
}

// NewGenerator creates a new content generator.
func NewGenerator(config GeneratorConfig) *Generator {
	if config.Timeout == 0 {
		config.Timeout = DefaultGeneratorConfig().Timeout
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "content_generator")

	return &Generator{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
		breaker: circuitbreaker.ContentGeneratorBreaker(func(name string, from, to circuitbreaker.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		}),
	}
}

// generateRequest is the generator API request.
type generateRequest struct {
	ActionType string `json:"action_type"`
	FullName   string `json:"full_name"`
	Attempt    int    `json:"attempt"`
}

// generateResponse is the generator API response.
type generateResponse struct {
	Text string `json:"text"`
}

// Build returns the payload text for a dispatch request. It never fails:
// any generator problem falls back to the static template.
func (g *Generator) Build(ctx context.Context, req intervention.DispatchRequest) string {
	fallback := staticTemplate(req.ActionType, req.FullName)

	if g.config.BaseURL == "" {
		return fallback
	}

	var text string
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var genErr error
		text, genErr = g.generate(ctx, req)
		return genErr
	})
	if err != nil {
		g.logger.Debug("content generation failed, using static template",
			"action_type", req.ActionType,
			"error", err)
		return fallback
	}
	if strings.TrimSpace(text) == "" {
		return fallback
	}

	return text
}

// generate performs a single generator API call.
func (g *Generator) generate(ctx context.Context, req intervention.DispatchRequest) (string, error) {
	body, err := json.Marshal(generateRequest{
		ActionType: string(req.ActionType),
		FullName:   req.FullName,
		Attempt:    req.AttemptNumber,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(g.config.BaseURL, "/") + "/v1/generate"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.config.APIKey)
	}

	httpResp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("generator returned status %d: %s",
			httpResp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var resp generateResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}

	return resp.Text, nil
}
