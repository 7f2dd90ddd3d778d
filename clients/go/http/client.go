// Package http provides an HTTP client for the variantz server.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	variantz "github.com/matt-riley/variantz/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the variantz server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is sent as a bearer token when non-empty.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements variantz.Evaluator and variantz.ConfigurationPusher over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var (
	_ variantz.Evaluator           = (*Client)(nil)
	_ variantz.ConfigurationPusher = (*Client)(nil)
)

// NewHTTPClient returns a new HTTP client for the variantz server.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("variantz: HTTP %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("variantz: create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("variantz: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("variantz: decode response: %w", err)
	}
	return nil
}

// errorMessage prefers the "error" field of a JSON error body.
func errorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("variantz: marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(b), out)
}

func (c *Client) Evaluate(ctx context.Context, req variantz.EvaluateRequest) (variantz.Result, error) {
	var out variantz.Result
	if err := c.postJSON(ctx, "/v1/evaluate", req, &out); err != nil {
		return variantz.Result{FlagKey: req.FlagKey, Value: req.DefaultValue}, err
	}
	return out, nil
}

func (c *Client) EvaluateBatch(ctx context.Context, reqs []variantz.EvaluateRequest) ([]variantz.Result, error) {
	var out variantz.BatchResponse
	if err := c.postJSON(ctx, "/v1/evaluate", variantz.BatchRequest{Requests: reqs}, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// SetConfiguration uploads a UFC document as-is.
func (c *Client) SetConfiguration(ctx context.Context, document []byte) (variantz.ConfigurationSummary, error) {
	var out variantz.ConfigurationSummary
	if err := c.do(ctx, http.MethodPut, "/v1/configuration", bytes.NewReader(document), &out); err != nil {
		return variantz.ConfigurationSummary{}, err
	}
	return out, nil
}

// Configuration describes the configuration the server is serving.
func (c *Client) Configuration(ctx context.Context) (variantz.ConfigurationSummary, error) {
	var out variantz.ConfigurationSummary
	if err := c.do(ctx, http.MethodGet, "/v1/configuration", nil, &out); err != nil {
		return variantz.ConfigurationSummary{}, err
	}
	return out, nil
}

// Ready reports whether the server has a configuration to serve.
func (c *Client) Ready(ctx context.Context) (bool, error) {
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
