// Package provision is the HTTP client for the external market system that
// api_call steps talk to. Every request carries an idempotency key, so the
// engine can retry or re-execute calls without provisioning twice.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/enerflow/enerflow/internal/common/logger"
	"github.com/enerflow/enerflow/internal/workflow/models"
	"github.com/enerflow/enerflow/internal/workflow/steps"
)

// Client calls the market system's provisioning API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a provisioning client.
func NewClient(baseURL, apiKey string, timeout time.Duration, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.WithFields(zap.String("component", "provision")),
	}
}

// Call performs one provisioning request and returns the decoded response.
func (c *Client) Call(ctx context.Context, spec steps.CallSpec) (map[string]any, error) {
	return c.do(ctx, spec.Method, spec.Endpoint, spec.Body, spec.IdempotencyKey)
}

// Revert undoes a prior call by deleting the resource the endpoint names.
func (c *Client) Revert(ctx context.Context, spec steps.CallSpec) error {
	_, err := c.do(ctx, http.MethodDelete, spec.Endpoint, spec.Body, spec.IdempotencyKey)
	return err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body map[string]any, idempotencyKey string) (map[string]any, error) {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network failures are worth retrying; the idempotency key makes
		// a duplicate attempt harmless.
		return nil, models.WrapError(models.KindExternalTransient, err,
			"market system is unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, models.WrapError(models.KindExternalTransient, err,
			"failed to read market system response")
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var decoded map[string]any
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &decoded); err != nil {
				return nil, models.WrapError(models.KindExternalPermanent, err,
					"market system returned malformed JSON")
			}
		}
		return decoded, nil

	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		c.logger.Warn("Market system returned a retryable status",
			zap.Int("status", resp.StatusCode),
			zap.String("endpoint", endpoint))
		return nil, models.NewError(models.KindExternalTransient,
			"market system returned status %d", resp.StatusCode)

	default:
		return nil, models.NewError(models.KindExternalPermanent,
			"market system rejected the call with status %d: %s", resp.StatusCode, string(raw))
	}
}
