package openfinance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"ledgersync/internal/domain/adapter"
	"ledgersync/internal/shared/logging"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 4 << 10
)

// ClientConfig configures the HTTP client for one institution API.
type ClientConfig struct {
	InstitutionID string
	BaseURL       string
	Timeout       time.Duration
	// RateLimit is requests per second; zero disables pacing.
	RateLimit float64
	Burst     int
	Transport http.RoundTripper
}

// Client handles communication with an Open Finance style institution API.
// Every error it returns is an *adapter.Error.
type Client struct {
	institution string
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	now         func() time.Time
}

// NewClient creates a paced, traced client
func NewClient(cfg ClientConfig) *Client {
	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &Client{
		institution: cfg.InstitutionID,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: otelhttp.NewTransport(base,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "openfinance " + r.Method + " " + r.URL.Path
				}),
			),
		},
		limiter: rate.NewLimiter(limit, burst),
		now:     time.Now,
	}
}

// HTTPClient exposes the traced client for the token endpoint.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// envelope is the institution API's response wrapper.
type envelope[T any] struct {
	Success    bool   `json:"success"`
	Data       T      `json:"data"`
	Page       int    `json:"page,omitempty"`
	TotalPages int    `json:"totalPages,omitempty"`
	Error      string `json:"error,omitempty"`
	Message    string `json:"message,omitempty"`
}

type request struct {
	op     string
	method string
	path   string
	query  url.Values
	bearer string
	body   any
}

// call performs req and decodes the envelope's data into T.
func call[T any](ctx context.Context, c *Client, req request) (*envelope[T], error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, c.fail(adapter.ClassRateLimited, req.op, fmt.Errorf("rate limiter: %w", err))
	}

	endpoint := c.baseURL + req.path
	if len(req.query) > 0 {
		endpoint += "?" + req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		payload, err := json.Marshal(req.body)
		if err != nil {
			return nil, c.fail(adapter.ClassInvalidRequest, req.op, fmt.Errorf("failed to marshal request: %w", err))
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, endpoint, body)
	if err != nil {
		return nil, c.fail(adapter.ClassInvalidRequest, req.op, fmt.Errorf("failed to create request: %w", err))
	}
	if req.bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.bearer)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.fail(adapter.ClassNetworkTimeout, req.op, fmt.Errorf("failed to execute request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.statusError(req.op, resp)
	}

	var env envelope[T]
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, c.fail(adapter.ClassServerError, req.op, fmt.Errorf("failed to unmarshal response: %w", err))
	}
	if !env.Success {
		return nil, c.fail(adapter.ClassServerError, req.op,
			fmt.Errorf("API returned success=false: %s", logging.Sanitize(env.Message)))
	}
	return &env, nil
}

func (c *Client) statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	detail := string(raw)
	var env envelope[json.RawMessage]
	if json.Unmarshal(raw, &env) == nil && (env.Error != "" || env.Message != "") {
		detail = strings.TrimSpace(env.Error + " " + env.Message)
	}

	aerr := adapter.NewError(adapter.ClassFromStatus(resp.StatusCode), c.institution, op,
		fmt.Errorf("status %d: %s", resp.StatusCode, logging.Sanitize(detail)))
	if aerr.Class == adapter.ClassRateLimited || aerr.Class == adapter.ClassMaintenance {
		aerr.RetryAfter = c.retryAfter(resp.Header)
	}
	return aerr
}

// retryAfter reads Retry-After (seconds or HTTP date) and falls back to an
// X-RateLimit-Reset epoch.
func (c *Client) retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil {
			if d := at.Sub(c.now()); d > 0 {
				return d
			}
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			if d := time.Unix(epoch, 0).Sub(c.now()); d > 0 {
				return d
			}
		}
	}
	return 0
}

func (c *Client) fail(class adapter.ErrorClass, op string, err error) *adapter.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		class = adapter.ClassNetworkTimeout
	}
	return adapter.NewError(class, c.institution, op, err)
}
