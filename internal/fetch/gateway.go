package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aegisflux/scanengine/internal/cache"
)

// ErrStatus is wrapped by every StatusError
var ErrStatus = errors.New("upstream call failed")

// StatusError carries a non-200 or failed answer. The response is still
// returned to the caller so modules can react to e.g. 404 or 429.
type StatusError struct {
	Response *Response
}

func (e *StatusError) Error() string {
	if e.Response.Err != nil {
		return fmt.Sprintf("%v: %v", ErrStatus, e.Response.Err)
	}
	return fmt.Sprintf("%v: HTTP %d", ErrStatus, e.Response.StatusCode)
}

// Is lets callers match ErrStatus, and keeps failed answers out of the cache
func (e *StatusError) Is(target error) bool {
	return target == ErrStatus || target == cache.ErrNotCacheable
}

func (e *StatusError) Unwrap() error {
	return e.Response.Err
}

// Observer receives one notification per network round trip
type Observer interface {
	FetchDone(source string, status int, d time.Duration)
}

// GatewayConfig holds the gateway's retry policy
type GatewayConfig struct {
	Retries int
	Backoff time.Duration
	// MaxAge applies to calls that carry no freshness window of their own
	MaxAge time.Duration
}

// Gateway wraps a Client with the response cache, per-source pacing and
// retries. It is shared by every scan in the process.
type Gateway struct {
	client   Client
	cache    *cache.Cache
	pacer    *Pacer
	cfg      GatewayConfig
	logger   *slog.Logger
	observer Observer
}

// NewGateway creates a gateway; c may be nil to disable caching
func NewGateway(client Client, c *cache.Cache, pacer *Pacer, cfg GatewayConfig, logger *slog.Logger) *Gateway {
	if pacer == nil {
		pacer = NewPacer()
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &Gateway{
		client: client,
		cache:  c,
		pacer:  pacer,
		cfg:    cfg,
		logger: logger,
	}
}

// SetObserver installs a round-trip observer
func (g *Gateway) SetObserver(o Observer) {
	g.observer = o
}

// Pacer returns the pacer used for network calls
func (g *Gateway) Pacer() *Pacer {
	return g.pacer
}

// Do answers call from the cache when a fresh entry exists and otherwise
// performs it. The returned error is a *StatusError whenever the final answer
// is not a 200; the response is returned alongside it.
func (g *Gateway) Do(ctx context.Context, call Call) (*Response, error) {
	if call.Source == "" {
		return nil, errors.New("call source is required")
	}
	if g.cache == nil || call.NoCache {
		resp := g.roundTrip(ctx, call)
		if !resp.OK() {
			return resp, &StatusError{Response: resp}
		}
		return resp, nil
	}

	sig := call.Signature
	if len(sig) == 0 {
		sig = []string{call.Method, call.URL}
	}
	key := cache.Key(append([]string{call.Source}, sig...)...)
	if call.MaxAge == 0 {
		call.MaxAge = g.cfg.MaxAge
	}

	body, fetched, err := g.cache.GetOrFetch(ctx, key, call.MaxAge, func(ctx context.Context) ([]byte, error) {
		resp := g.roundTrip(ctx, call)
		if !resp.OK() {
			return nil, &StatusError{Response: resp}
		}
		return resp.Body, nil
	})
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return se.Response, err
		}
		return &Response{Err: err}, err
	}
	return &Response{StatusCode: http.StatusOK, Body: body, Cached: !fetched}, nil
}

// roundTrip performs the network call with pacing and retries. Timeouts and
// 5xx answers are retried; 429 and other 4xx answers are returned at once.
func (g *Gateway) roundTrip(ctx context.Context, call Call) *Response {
	var resp *Response
	for attempt := 0; attempt <= g.cfg.Retries; attempt++ {
		if attempt > 0 && g.cfg.Backoff > 0 {
			select {
			case <-time.After(g.cfg.Backoff * time.Duration(attempt)):
			case <-ctx.Done():
				return &Response{Err: ctx.Err()}
			}
		}

		release, err := g.pacer.Acquire(ctx, call.Source)
		if err != nil {
			return &Response{Err: err}
		}
		start := time.Now()
		resp = g.client.Fetch(ctx, call)
		release()

		if g.observer != nil {
			g.observer.FetchDone(call.Source, resp.StatusCode, time.Since(start))
		}
		if !retryable(resp) || ctx.Err() != nil {
			return resp
		}
		g.logger.Debug("Retrying upstream call",
			"source", call.Source,
			"attempt", attempt+1,
			"status", resp.StatusCode,
			"error", resp.Err)
	}
	return resp
}

func retryable(r *Response) bool {
	if r.Err != nil {
		return true
	}
	return r.StatusCode >= 500
}
