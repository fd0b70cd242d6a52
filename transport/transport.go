// Package transport provides the authenticating http.RoundTripper every
// business request goes through. It attaches the bearer token, records
// activity, surfaces rate limiting and outages as notifications, and recovers
// from an expired access token with one refresh and one replay.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmcleod/brokerdesk/internal/uuid"
	"github.com/jmcleod/brokerdesk/notify"
)

const (
	// RateLimitedMessage is shown when the server answers 429.
	RateLimitedMessage = "Too many requests. Please slow down and try again shortly."
	// UnavailableMessage is shown when the server answers 500 or 503.
	UnavailableMessage = "Server is temporarily unavailable. Please try again later."

	// RequestIDHeader correlates client and server logs.
	RequestIDHeader = "X-Request-ID"

	maxDrain = 64 << 10
)

// TokenSource is the slice of the session the transport depends on.
type TokenSource interface {
	AccessToken() string
	RecordActivity()
	RefreshAccessToken(ctx context.Context) (string, error)
}

type contextKey int

const skipAuthKey contextKey = iota

// SkipAuth marks requests made with the returned context to pass through
// untouched, with no bearer token and no refresh on 401.
func SkipAuth(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipAuthKey, true)
}

func skipAuth(ctx context.Context) bool {
	v, _ := ctx.Value(skipAuthKey).(bool)
	return v
}

// Transport is an http.RoundTripper bound to a TokenSource.
type Transport struct {
	tokens TokenSource
	base   http.RoundTripper
	sink   notify.Sink
	logger *slog.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithBase sets the underlying round tripper. Defaults to http.DefaultTransport.
func WithBase(rt http.RoundTripper) Option {
	return func(t *Transport) { t.base = rt }
}

// WithNotifier sets where rate-limit and outage notices go.
func WithNotifier(s notify.Sink) Option {
	return func(t *Transport) { t.sink = s }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// New creates a Transport.
func New(tokens TokenSource, opts ...Option) *Transport {
	t := &Transport{tokens: tokens}
	for _, opt := range opts {
		opt(t)
	}
	if t.base == nil {
		t.base = http.DefaultTransport
	}
	if t.sink == nil {
		t.sink = notify.Discard
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("component", "transport")
	return t
}

// NewClient returns an http.Client that sends every request through a new
// Transport.
func NewClient(tokens TokenSource, timeout time.Duration, opts ...Option) *http.Client {
	return &http.Client{Transport: New(tokens, opts...), Timeout: timeout}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if skipAuth(ctx) {
		return t.base.RoundTrip(req)
	}

	getBody, err := replayableBody(req)
	if err != nil {
		return nil, err
	}

	first, err := t.prepare(req, getBody, t.tokens.AccessToken())
	if err != nil {
		return nil, err
	}
	resp, err := t.base.RoundTrip(first)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.inspect(req, resp)
		return resp, nil
	}

	discard(resp)
	t.logger.Debug("access token rejected, refreshing", "method", req.Method, "path", req.URL.Path)
	token, err := t.tokens.RefreshAccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("refreshing access token: %w", err)
	}

	// Replay once; a second 401 goes back to the caller as is.
	retry, err := t.prepare(req, getBody, token)
	if err != nil {
		return nil, err
	}
	retry.Header.Set(RequestIDHeader, first.Header.Get(RequestIDHeader))
	resp, err = t.base.RoundTrip(retry)
	if err != nil {
		return nil, err
	}
	t.inspect(req, resp)
	return resp, nil
}

// prepare clones req with a fresh body and the given bearer token.
func (t *Transport) prepare(req *http.Request, getBody func() (io.ReadCloser, error), token string) (*http.Request, error) {
	out := req.Clone(req.Context())
	if getBody != nil {
		body, err := getBody()
		if err != nil {
			return nil, fmt.Errorf("rewinding request body: %w", err)
		}
		out.Body = body
		out.GetBody = getBody
	}
	if out.Header.Get(RequestIDHeader) == "" {
		out.Header.Set(RequestIDHeader, uuid.New())
	}
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
		t.tokens.RecordActivity()
	}
	return out, nil
}

func (t *Transport) inspect(req *http.Request, resp *http.Response) {
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		t.logger.Warn("rate limited", "path", req.URL.Path)
		t.sink.Notify(notify.New(notify.LevelWarning, RateLimitedMessage))
	case http.StatusInternalServerError, http.StatusServiceUnavailable:
		t.logger.Warn("server unavailable", "path", req.URL.Path, "status", resp.StatusCode)
		t.sink.Notify(notify.New(notify.LevelError, UnavailableMessage))
	}
}

// replayableBody returns a function yielding fresh copies of req's body, or
// nil when there is no body. Bodies without GetBody are buffered.
func replayableBody(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		req.Body.Close()
		return req.GetBody, nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("buffering request body: %w", err)
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}, nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))
	resp.Body.Close()
}
