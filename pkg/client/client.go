// Package client is a small HTTP client for the memory diagnostics API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// AuthTokenHeader carries the shared secret for the management endpoints.
const AuthTokenHeader = "X-Memdiag-Token"

// Client talks to one diagnostics endpoint.
type Client struct {
	config     *Config
	httpClient *http.Client
}

// Config holds client configuration.
type Config struct {
	// BaseURL of the diagnostics service, e.g. "http://localhost:8085".
	BaseURL string

	// Prefix the routes are mounted under.
	Prefix string

	// AuthToken for the optimize/analyze endpoints. Optional.
	AuthToken string

	RequestTimeout time.Duration

	// Retry settings for transport errors and 5xx responses.
	MaxRetries   int
	RetryDelay   time.Duration
	RetryBackoff float64
}

// DefaultConfig returns a default client configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:        "http://localhost:8085",
		Prefix:         "/memory",
		RequestTimeout: 30 * time.Second,
		MaxRetries:     3,
		RetryDelay:     100 * time.Millisecond,
		RetryBackoff:   2.0,
	}
}

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// NewClient creates a diagnostics client.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL must be provided")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.RequestTimeout,
		},
	}, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Status fetches the component status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.get(ctx, "/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Summary fetches the merged memory summary.
func (c *Client) Summary(ctx context.Context) (*Summary, error) {
	var out Summary
	if err := c.get(ctx, "/summary", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Issues fetches the derived issue list.
func (c *Client) Issues(ctx context.Context) (*IssueReport, error) {
	var out IssueReport
	if err := c.get(ctx, "/issues", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History fetches the recent sample window. The server clamps minutes
// to its supported range.
func (c *Client) History(ctx context.Context, minutes int) (*HistoryResponse, error) {
	query := url.Values{}
	if minutes > 0 {
		query.Set("minutes", strconv.Itoa(minutes))
	}
	var out HistoryResponse
	if err := c.get(ctx, "/history", query, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Optimize triggers an on-demand optimization pass. Requires a
// configured auth token.
func (c *Client) Optimize(ctx context.Context) (*OptimizeResult, error) {
	var out OptimizeResult
	if err := c.post(ctx, "/optimize", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Analyze runs an immediate analysis pass. Requires a configured auth
// token.
func (c *Client) Analyze(ctx context.Context) (*AnalysisResult, error) {
	var out AnalysisResult
	if err := c.post(ctx, "/analyze", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, out)
}

func (c *Client) post(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	endpoint := c.endpoint(path)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var lastErr error
	delay := c.config.RetryDelay
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * c.config.RetryBackoff)
		}

		req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
		if err != nil {
			return err
		}
		if c.config.AuthToken != "" {
			req.Header.Set(AuthTokenHeader, c.config.AuthToken)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = &APIError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
		}

		if out == nil {
			return nil
		}
		return json.Unmarshal(body, out)
	}
	return fmt.Errorf("request failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

func (c *Client) endpoint(path string) string {
	base := strings.TrimRight(c.config.BaseURL, "/")
	prefix := c.config.Prefix
	if prefix == "" {
		prefix = "/memory"
	}
	prefix = "/" + strings.Trim(prefix, "/")
	return base + prefix + path
}

func errorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}
