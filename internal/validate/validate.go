// Package validate calls the external token validation service to
// resolve the patient bound to an access token.
package validate

//go:generate mockgen -destination=mocks/mock_validate.go -package=mocks -source=validate.go

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/alexjbarnes/smart-oauth-proxy/internal/errors"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/metrics"
	"github.com/tidwall/gjson"
)

// maxResponseBytes caps how much of a validator response is read.
const maxResponseBytes = 1 << 20

// Validator resolves the launch patient for an access token.
type Validator interface {
	Validate(ctx context.Context, accessToken, audience string) (string, error)
}

// Client posts tokens to the validation endpoint.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	metrics    *metrics.Metrics
}

// NewClient returns a Client for endpoint authenticated with apiKey.
func NewClient(endpoint, apiKey string, httpClient *http.Client, m *metrics.Metrics) *Client {
	return &Client{endpoint: endpoint, apiKey: apiKey, httpClient: httpClient, metrics: m}
}

// Validate returns the launch.patient claim for accessToken. A 4xx
// response or a response without a patient yields ErrInvalidToken, a
// failed or timed out request ErrUnreachable and a 5xx ErrUpstream.
func (c *Client) Validate(ctx context.Context, accessToken, audience string) (string, error) {
	defer metrics.StopTimer(c.metrics.Validation, time.Now())

	payload, err := json.Marshal(map[string]string{"aud": audience})
	if err != nil {
		return "", fmt.Errorf("encoding validate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating validate request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("apiKey", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: validate: %w", apperrors.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("reading validate response: %w", err)
	}

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", fmt.Errorf("%w: validate returned %d", apperrors.ErrInvalidToken, resp.StatusCode)
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: validate returned %d", apperrors.ErrUpstream, resp.StatusCode)
	}

	patient := gjson.GetBytes(body, "launch.patient")
	if patient.Type != gjson.String || patient.String() == "" {
		return "", fmt.Errorf("%w: no launch patient in validate response", apperrors.ErrInvalidToken)
	}

	return patient.String(), nil
}
