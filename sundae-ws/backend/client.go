// Package backend forwards client messages to the HTTP backend that owns the
// business logic for each connection type.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

const (
	DefaultTimeout = 3 * time.Second

	RequestIDHeader = "X-Request-Id"
	APIKeyHeader    = "X-Api-Key"

	maxBodySize = 1 << 20
)

// Request is the body posted to every backend path.
type Request struct {
	ConnectionID string          `json:"connection_id,omitempty"`
	Token        string          `json:"token,omitempty"`
	Message      json.RawMessage `json:"message,omitempty"`
}

// Result is the outcome of a backend call. Body is always a JSON value when
// OK is set; Empty marks a 2xx that carried nothing usable. Reason explains a
// failure.
type Result struct {
	OK     bool
	Empty  bool
	Status int
	Body   json.RawMessage
	Reason string
}

func (r Result) Decode(v interface{}) error {
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// Field returns the string or number at key in an object body, or "".
func (r Result) Field(key string) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(r.Body, &fields); err != nil {
		return ""
	}
	return scalar(fields[key])
}

func scalar(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// Client posts JSON to the backend. Calls are never retried; a circuit
// breaker fails them fast while the backend is down.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[Result]
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithAPIKey sends key in the X-Api-Key header of every call.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.http = client
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: c.timeout}
	}
	c.breaker = gobreaker.NewCircuitBreaker[Result](gobreaker.Settings{
		Name:        "backend",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return c
}

// errServer marks responses that count against the circuit breaker. A 4xx is
// the backend answering, so it does not.
var errServer = errors.New("backend server error")

// Call posts req to path and reports the result. It never returns an error;
// every failure is folded into a Result with OK unset.
func (c *Client) Call(ctx context.Context, path string, req Request) Result {
	logger := zerolog.Ctx(ctx).With().Str("backend_path", path).Logger()

	if c == nil || c.baseURL == "" {
		return Result{Reason: "backend url not configured"}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Result{Reason: fmt.Sprintf("failed to encode request: %v", err)}
	}

	started := time.Now()
	result, err := c.breaker.Execute(func() (Result, error) {
		return c.post(ctx, path, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			result = Result{Reason: fmt.Sprintf("backend unavailable: %v", err)}
		}
		result.OK = false
		if result.Reason == "" {
			result.Reason = err.Error()
		}
	}

	event := logger.Debug()
	if !result.OK {
		event = logger.Warn().Str("reason", result.Reason)
	}
	event.Int("status", result.Status).
		Dur("elapsed", time.Since(started)).
		Msg("backend call")
	return result
}

func (c *Client) post(ctx context.Context, path string, body []byte) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return Result{Reason: fmt.Sprintf("failed to build request: %v", err)}, nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(RequestIDHeader, uuid.NewString())
	if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{Reason: err.Error()}, fmt.Errorf("failed to call backend %v: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return Result{Status: resp.StatusCode, Reason: err.Error()}, fmt.Errorf("failed to read backend response %v: %w", path, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		data = bytes.TrimSpace(data)
		if len(data) == 0 || !json.Valid(data) {
			return Result{OK: true, Empty: true, Status: resp.StatusCode, Body: json.RawMessage(`{}`)}, nil
		}
		return Result{OK: true, Status: resp.StatusCode, Body: data}, nil

	case resp.StatusCode >= 500:
		reason := fmt.Sprintf("HTTP %v: %s", resp.StatusCode, bytes.TrimSpace(data))
		return Result{Status: resp.StatusCode, Reason: reason}, errServer

	default:
		reason := fmt.Sprintf("HTTP %v: %s", resp.StatusCode, bytes.TrimSpace(data))
		return Result{Status: resp.StatusCode, Reason: reason}, nil
	}
}
