package fetch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisflux/scanengine/internal/cache"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newCache(t *testing.T) *cache.Cache {
	t.Helper()
	store, err := cache.NewMemoryStore(32)
	require.NoError(t, err)
	return cache.New(store, testLogger())
}

func TestHTTPClient_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "scanengine-test", r.Header.Get("User-Agent"))
		assert.Equal(t, "secret", r.Header.Get("Key"))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(time.Second, "scanengine-test")
	resp := c.Fetch(context.Background(), Call{URL: srv.URL, Headers: map[string]string{"Key": "secret"}})
	require.NoError(t, resp.Err)
	assert.True(t, resp.OK())
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
}

func TestHTTPClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(time.Second, "")
	resp := c.Fetch(context.Background(), Call{URL: srv.URL, Timeout: 20 * time.Millisecond})
	assert.False(t, resp.OK())
	assert.True(t, resp.Timeout())
	assert.Equal(t, 0, resp.StatusCode)
}

func TestGateway_CachesSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("verdict"))
	}))
	defer srv.Close()

	gw := NewGateway(NewHTTPClient(time.Second, ""), newCache(t), nil, GatewayConfig{}, testLogger())
	call := Call{Source: "abuseipdb", Signature: []string{"1.2.3.4"}, URL: srv.URL}

	resp, err := gw.Do(context.Background(), call)
	require.NoError(t, err)
	assert.False(t, resp.Cached)

	resp, err = gw.Do(context.Background(), call)
	require.NoError(t, err)
	assert.True(t, resp.Cached)
	assert.Equal(t, "verdict", string(resp.Body))
	assert.Equal(t, int32(1), hits.Load())

	call.NoCache = true
	_, err = gw.Do(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestGateway_RetryPolicy(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCalls int32
	}{
		{name: "server error retried", status: http.StatusBadGateway, wantCalls: 3},
		{name: "rate limit not retried", status: http.StatusTooManyRequests, wantCalls: 1},
		{name: "not found not retried", status: http.StatusNotFound, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := newCache(t)
			gw := NewGateway(NewHTTPClient(time.Second, ""), c, nil, GatewayConfig{Retries: 2}, testLogger())
			call := Call{Source: "src", URL: srv.URL}
			resp, err := gw.Do(context.Background(), call)

			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrStatus))
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.wantCalls, calls.Load())

			_, ok := c.Get(context.Background(), cache.Key("src", "", srv.URL), time.Hour)
			assert.False(t, ok, "failed answers must not be cached")
		})
	}
}

func TestGateway_RetriesRecover(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	gw := NewGateway(NewHTTPClient(time.Second, ""), nil, nil, GatewayConfig{Retries: 1}, testLogger())
	resp, err := gw.Do(context.Background(), Call{Source: "src", URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, int32(2), calls.Load())
}

func TestPacer_DelayOnlyAfterCalls(t *testing.T) {
	p := NewPacer()
	p.SetDelay("slow", 100*time.Millisecond)
	ctx := context.Background()

	release, err := p.Acquire(ctx, "slow")
	require.NoError(t, err)
	release()

	start := time.Now()
	release, err = p.Acquire(ctx, "slow")
	require.NoError(t, err)
	release()
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	start = time.Now()
	release, err = p.Acquire(ctx, "fast")
	require.NoError(t, err)
	release()
	assert.Less(t, time.Since(start), 50*time.Millisecond, "other sources are not paced")
}

func TestPacer_ContextCancel(t *testing.T) {
	p := NewPacer()
	p.SetDelay("slow", time.Hour)

	release, err := p.Acquire(context.Background(), "slow")
	require.NoError(t, err)
	release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGateway_CacheHitNotPaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	pacer := NewPacer()
	pacer.SetDelay("src", time.Hour)
	gw := NewGateway(NewHTTPClient(time.Second, ""), newCache(t), pacer, GatewayConfig{}, testLogger())
	call := Call{Source: "src", Signature: []string{"q"}, URL: srv.URL}

	_, err := gw.Do(context.Background(), call)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := gw.Do(ctx, call)
	require.NoError(t, err)
	assert.True(t, resp.Cached)
}
