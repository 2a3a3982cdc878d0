// Package fetch is the outbound network surface of the engine. Modules never
// talk to the network directly; every call passes through a Gateway that
// consults the shared response cache and paces calls per data source.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	// DefaultTimeout bounds a call that carries no timeout of its own
	DefaultTimeout = 30 * time.Second
	// DefaultUserAgent is sent when neither the call nor the client sets one
	DefaultUserAgent = "scanengine/1.0"

	maxBodySize = 10 << 20
)

// Call describes one outbound request
type Call struct {
	// Source names the upstream data source. It selects the pacing gate and
	// namespaces the cache key.
	Source string
	// Signature is the logical query, e.g. the API parameters. The URL is
	// used when it is empty.
	Signature []string

	URL       string
	Method    string
	Headers   map[string]string
	Body      []byte
	Timeout   time.Duration
	UserAgent string

	// MaxAge is the freshness window for a cached answer; zero means 24h
	MaxAge  time.Duration
	NoCache bool
}

// Response is what the upstream returned. Err is set when no HTTP answer was
// received at all, e.g. on timeout.
type Response struct {
	StatusCode int
	Body       []byte
	Err        error
	Cached     bool
}

// OK reports a usable 200 answer
func (r *Response) OK() bool {
	return r != nil && r.Err == nil && r.StatusCode == http.StatusOK
}

// Timeout reports whether the call failed by running out of time
func (r *Response) Timeout() bool {
	if r == nil || r.Err == nil {
		return false
	}
	if errors.Is(r.Err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(r.Err, &nerr) && nerr.Timeout()
}

// Client performs a single request with no caching or pacing
type Client interface {
	Fetch(ctx context.Context, call Call) *Response
}

// HTTPClient is the net/http implementation of Client
type HTTPClient struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
}

// NewHTTPClient creates a client with a default per-call timeout and user agent
func NewHTTPClient(timeout time.Duration, userAgent string) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &HTTPClient{
		client:    &http.Client{},
		timeout:   timeout,
		userAgent: userAgent,
	}
}

// Fetch runs call once
func (c *HTTPClient) Fetch(ctx context.Context, call Call) *Response {
	timeout := call.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := call.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(call.Body) > 0 {
		body = bytes.NewReader(call.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, call.URL, body)
	if err != nil {
		return &Response{Err: fmt.Errorf("failed to build request: %w", err)}
	}
	ua := call.UserAgent
	if ua == "" {
		ua = c.userAgent
	}
	req.Header.Set("User-Agent", ua)
	for k, v := range call.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &Response{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return &Response{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read body: %w", err)}
	}
	return &Response{StatusCode: resp.StatusCode, Body: data}
}
