// Package api is the client for the backend control endpoints: session
// creation, text messages and voice tokens.
//
// Every call runs through an OpenTelemetry-instrumented HTTP transport and a
// shared [resilience.CircuitBreaker]. Calls are never retried; a failing
// backend is reported to the caller as is, and after repeated failures the
// breaker fails fast with [resilience.ErrCircuitOpen].
package api

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

	"github.com/MrWong99/flowone/internal/observe"
	"github.com/MrWong99/flowone/internal/resilience"
)

// maxErrorBody caps how much of an error response is read for its detail.
const maxErrorBody = 64 << 10

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	StatusCode int

	// Detail is the backend's error detail, or the raw body when the
	// response carried no recognisable detail field.
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Detail)
}

// Temporary reports whether the status indicates a backend-side problem
// rather than a rejected request.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// ErrRejected is returned by [Client.SendMessage] when the backend answered
// with ok=false.
var ErrRejected = errors.New("message rejected")

// Session is the result of [Client.CreateSession].
type Session struct {
	ID      string
	TraceID string
}

// SendResult is the result of [Client.SendMessage].
type SendResult struct {
	TraceIDUser  string
	TraceIDAgent string
}

// VoiceToken is a short-lived credential for the push-to-talk room.
type VoiceToken struct {
	Room  string `json:"room"`
	Token string `json:"token"`
}

// Option is a functional option for [New].
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its transport is wrapped with
// OpenTelemetry instrumentation.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout bounds every request. Zero means no bound beyond the caller's
// context.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// WithHeader adds a header sent with every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.header.Add(key, value) }
}

// WithMetrics records request durations on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client talks to one backend. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	header     http.Header
	breaker    *resilience.CircuitBreaker
	metrics    *observe.Metrics
}

// New returns a Client for the backend at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("api: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api: unsupported base url scheme %q", u.Scheme)
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		header:  http.Header{},
	}
	for _, o := range opts {
		o(c)
	}

	base := http.DefaultTransport
	hc := &http.Client{}
	if c.httpClient != nil {
		cp := *c.httpClient
		hc = &cp
		if hc.Transport != nil {
			base = hc.Transport
		}
	}
	hc.Transport = otelhttp.NewTransport(base,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "api " + r.Method + " " + routeTemplate(r.URL.Path)
		}),
	)
	c.httpClient = hc

	if c.breaker == nil {
		c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:      "control-api",
			IsFailure: IsBackendFailure,
		})
	}
	return c, nil
}

// IsBackendFailure reports whether err means the backend is unhealthy. A
// request the backend rejected with a 4xx status does not count.
func IsBackendFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrRejected) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

// BaseURL returns the backend base URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Breaker returns the circuit breaker guarding this client.
func (c *Client) Breaker() *resilience.CircuitBreaker { return c.breaker }

type createSessionRequest struct {
	AgentID      string `json:"agentId"`
	EnableAvatar bool   `json:"enableAvatar"`
}

type createSessionResponse struct {
	SessionID string `json:"sessionId"`
	TraceID   string `json:"trace_id"`
}

// CreateSession asks the backend to start a session with agentID.
func (c *Client) CreateSession(ctx context.Context, agentID string, enableAvatar bool) (Session, error) {
	var resp createSessionResponse
	err := c.do(ctx, "create_session", http.MethodPost, "/sessions",
		createSessionRequest{AgentID: agentID, EnableAvatar: enableAvatar}, &resp)
	if err != nil {
		return Session{}, fmt.Errorf("api: create session: %w", err)
	}
	if resp.SessionID == "" {
		return Session{}, fmt.Errorf("api: create session: response carried no sessionId")
	}
	return Session{ID: resp.SessionID, TraceID: resp.TraceID}, nil
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

type sendMessageResponse struct {
	OK           bool   `json:"ok"`
	TraceIDUser  string `json:"trace_id_user"`
	TraceIDAgent string `json:"trace_id_agent"`
	Error        string `json:"error"`
}

// SendMessage posts a user text message to sessionID. The trace ids of the
// response are returned even when the backend rejects the message.
func (c *Client) SendMessage(ctx context.Context, sessionID, text string) (SendResult, error) {
	var resp sendMessageResponse
	path := "/sessions/" + url.PathEscape(sessionID) + "/messages"
	if err := c.do(ctx, "send_message", http.MethodPost, path, sendMessageRequest{Text: text}, &resp); err != nil {
		return SendResult{}, fmt.Errorf("api: send message: %w", err)
	}
	res := SendResult{TraceIDUser: resp.TraceIDUser, TraceIDAgent: resp.TraceIDAgent}
	if !resp.OK {
		if resp.Error != "" {
			return res, fmt.Errorf("api: send message: %w: %s", ErrRejected, resp.Error)
		}
		return res, fmt.Errorf("api: send message: %w", ErrRejected)
	}
	return res, nil
}

// VoiceToken fetches a push-to-talk credential for sessionID.
func (c *Client) VoiceToken(ctx context.Context, sessionID string) (VoiceToken, error) {
	var tok VoiceToken
	path := "/voice/tokens?sessionId=" + url.QueryEscape(sessionID)
	if err := c.do(ctx, "voice_token", http.MethodGet, path, nil, &tok); err != nil {
		return VoiceToken{}, fmt.Errorf("api: voice token: %w", err)
	}
	return tok, nil
}

// do performs one JSON request through the breaker.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	status := 0
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		status, err = c.roundTrip(ctx, method, path, in, out)
		return err
	})
	if c.metrics != nil {
		c.metrics.RecordControlRequest(ctx, op, statusLabel(status, err), time.Since(start))
	}
	return err
}

// statusLabel is the metric label for the outcome of one request.
func statusLabel(code int, err error) string {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case code != 0:
		return strconv.Itoa(code)
	case err != nil:
		return "error"
	default:
		return "ok"
	}
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, &StatusError{StatusCode: resp.StatusCode, Detail: parseDetail(raw)}
	}
	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

// parseDetail extracts a FastAPI-style detail from an error body. The detail
// is either a string or a list of validation errors with a msg field.
func parseDetail(raw []byte) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Detail) == 0 {
		return strings.TrimSpace(string(raw))
	}

	var s string
	if err := json.Unmarshal(body.Detail, &s); err == nil {
		return s
	}

	var items []struct {
		Msg string `json:"msg"`
		Loc []any  `json:"loc"`
	}
	if err := json.Unmarshal(body.Detail, &items); err == nil && len(items) > 0 {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg == "" {
				continue
			}
			if len(it.Loc) > 0 {
				msgs = append(msgs, fmt.Sprintf("%v: %s", it.Loc[len(it.Loc)-1], it.Msg))
				continue
			}
			msgs = append(msgs, it.Msg)
		}
		if len(msgs) > 0 {
			return strings.Join(msgs, "; ")
		}
	}
	return string(body.Detail)
}

// routeTemplate collapses the session id in path so span names stay
// low-cardinality.
func routeTemplate(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "sessions" {
			parts[i+1] = "{id}"
			break
		}
	}
	return "/" + strings.Join(parts, "/")
}
