package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"storefront/ratelim"
)

const (
	maxResponseBody = 4 << 20 // 4MB
	msgUnavailable  = "The store is temporarily unavailable. Please try again shortly."
	msgCancelled    = "The request was cancelled."
	msgTooLarge     = "The store sent a response that was too large to read."
)

// ErrResponseTooLarge is wrapped by the error returned for a body over the
// read limit.
var ErrResponseTooLarge = errors.New("response body exceeds limit")

// Config holds the adapter's connection settings.
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	RateLimit       float64 // requests per second per endpoint group, <= 0 disables
	RateBurst       int
	BreakerFailures uint32 // consecutive failures that open the circuit, 0 disables
	BreakerCooldown time.Duration
}

// TokenSource yields the bearer token to attach, or "" for none.
type TokenSource interface {
	Token() string
}

// Request describes one call to the remote API.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	Header http.Header
	Op     string // label for logs and errors, defaults to "METHOD path"
	Group  string // throttle group, defaults to the first path segment
}

// Envelope is the unwrapped response: {success, data, message}.
type Envelope struct {
	Status  int
	Success bool
	Data    json.RawMessage
	Message string
}

// Client is the HTTP Client Adapter. It is safe for concurrent use.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	limiter    *ratelim.RateLimiter
	breaker    *gobreaker.CircuitBreaker[*Envelope]
	logger     *slog.Logger

	mu             sync.RWMutex
	tokens         TokenSource
	onUnauthorized func(token string)
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

func New(cfg Config, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    timeout,
		httpClient: &http.Client{},
		limiter:    ratelim.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if cfg.BreakerFailures > 0 {
		c.breaker = newBreaker(cfg.BreakerFailures, cfg.BreakerCooldown, c.logger)
	}
	return c
}

func newBreaker(failures uint32, cooldown time.Duration, logger *slog.Logger) *gobreaker.CircuitBreaker[*Envelope] {
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker[*Envelope](gobreaker.Settings{
		Name:        "storefront-api",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// only an unreachable or failing server should open the circuit
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			k := KindOf(err)
			return k != KindNetwork && k != KindServer
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// SetTokenSource installs the session's token provider.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.mu.Lock()
	c.tokens = ts
	c.mu.Unlock()
}

// OnUnauthorized registers fn to run with the token the server rejected.
func (c *Client) OnUnauthorized(fn func(token string)) {
	c.mu.Lock()
	c.onUnauthorized = fn
	c.mu.Unlock()
}

func (c *Client) token() string {
	c.mu.RLock()
	ts := c.tokens
	c.mu.RUnlock()
	if ts == nil {
		return ""
	}
	return ts.Token()
}

func (c *Client) unauthorized(token string) {
	c.mu.RLock()
	fn := c.onUnauthorized
	c.mu.RUnlock()
	if fn != nil {
		fn(token)
	}
}

// Do sends req and returns the unwrapped envelope. Every failure is an *Error.
func (c *Client) Do(ctx context.Context, req Request) (*Envelope, error) {
	op := req.Op
	if op == "" {
		op = req.Method + " " + req.Path
	}
	group := req.Group
	if group == "" {
		group = firstSegment(req.Path)
	}

	if err := c.limiter.Wait(ctx, group); err != nil {
		return nil, transportError(op, err)
	}

	if c.breaker == nil {
		return c.send(ctx, req, op)
	}
	env, err := c.breaker.Execute(func() (*Envelope, error) {
		return c.send(ctx, req, op)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &Error{Kind: KindServer, Op: op, Message: msgUnavailable, Err: err}
	}
	return env, err
}

func (c *Client) send(ctx context.Context, req Request, op string) (*Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, &Error{Kind: KindValidation, Op: op, Message: msgInvalid, Err: err}
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.url(req.Path, req.Query), body)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Op: op, Message: msgInvalid, Err: err}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	token := c.token()
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		e := transportError(op, err)
		c.logger.Warn("api request failed", "op", op, "kind", e.Kind.String(), "err", err)
		return nil, e
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		e := transportError(op, err)
		c.logger.Warn("api response read failed", "op", op, "status", resp.StatusCode, "err", err)
		return nil, e
	}
	if len(raw) > maxResponseBody {
		c.logger.Error("api response too large", "op", op, "status", resp.StatusCode, "limit", maxResponseBody)
		return nil, &Error{Kind: KindServer, Status: resp.StatusCode, Op: op, Message: msgTooLarge, Err: ErrResponseTooLarge}
	}

	env := parseEnvelope(raw, resp.StatusCode)
	if resp.StatusCode >= http.StatusBadRequest {
		e := statusError(op, resp.StatusCode, env.Message)
		c.logger.Warn("api request rejected", "op", op, "status", resp.StatusCode, "kind", e.Kind.String(), "message", env.Message)
		if resp.StatusCode == http.StatusUnauthorized && token != "" {
			c.unauthorized(token)
		}
		return nil, e
	}
	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = msgInvalid
		}
		c.logger.Warn("api request unsuccessful", "op", op, "status", resp.StatusCode, "message", env.Message)
		return nil, &Error{Kind: KindValidation, Status: resp.StatusCode, Op: op, Message: msg}
	}

	c.logger.Debug("api request", "op", op, "status", resp.StatusCode, "duration", time.Since(start))
	return env, nil
}

func (c *Client) url(path string, query url.Values) string {
	u := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func statusError(op string, status int, serverMsg string) *Error {
	kind := kindForStatus(status)
	msg := serverMsg
	// 5xx details are not meant for users
	if kind == KindServer || msg == "" {
		msg = fallbackMessage(kind)
	}
	return &Error{Kind: kind, Status: status, Op: op, Message: msg}
}

func transportError(op string, err error) *Error {
	var ne net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindNetwork, Op: op, Message: msgCancelled, Err: err}
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return &Error{Kind: KindNetwork, Op: op, Message: msgTimeout, Err: err}
	default:
		return &Error{Kind: KindNetwork, Op: op, Message: msgNetwork, Err: err}
	}
}

// parseEnvelope accepts the standard envelope and also a bare payload.
func parseEnvelope(raw []byte, status int) *Envelope {
	env := &Envelope{Status: status, Success: status < http.StatusBadRequest}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return env
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		env.Data = raw
		return env
	}

	env.Message = stringField(fields, "message")
	if env.Message == "" {
		env.Message = stringField(fields, "error")
	}

	flag, ok := fields["success"]
	if !ok {
		env.Data = raw
		return env
	}
	var success bool
	if err := json.Unmarshal(flag, &success); err == nil {
		env.Success = success && status < http.StatusBadRequest
	}
	env.Data = fields["data"]
	return env
}

func stringField(fields map[string]json.RawMessage, key string) string {
	v, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

func firstSegment(path string) string {
	path = strings.TrimLeft(path, "/")
	if i := strings.IndexAny(path, "/?"); i >= 0 {
		return path[:i]
	}
	return path
}
