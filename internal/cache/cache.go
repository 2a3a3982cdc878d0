// Package cache holds raw upstream responses across scans so that identical
// queries inside a freshness window never hit the network twice.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxAge is the freshness window used when a caller passes zero
const DefaultMaxAge = 24 * time.Hour

// Entry is one cached response body
type Entry struct {
	Body     []byte    `json:"-"`
	StoredAt time.Time `json:"stored_at"`
}

// Store is a cache backend
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, e Entry) error
	Purge(ctx context.Context) error
	Close() error
}

// Observer receives hit/miss notifications
type Observer interface {
	CacheHit()
	CacheMiss()
}

// Cache wraps a Store with freshness checks and per-key fill coalescing
type Cache struct {
	store    Store
	group    singleflight.Group
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

// New creates a cache over store
func New(store Store, logger *slog.Logger) *Cache {
	return &Cache{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// SetObserver installs a hit/miss observer
func (c *Cache) SetObserver(o Observer) {
	c.observer = o
}

// Key builds a cache key from a logical request signature, e.g. the data
// source name followed by its query parameters.
func Key(parts ...string) string {
	sum := xxhash.Sum64String(strings.Join(parts, "\x1f"))
	return strconv.FormatUint(sum, 16)
}

// Get returns the cached body for key if it is younger than maxAge
func (c *Cache) Get(ctx context.Context, key string, maxAge time.Duration) ([]byte, bool) {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	e, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("Cache read failed", "key", key, "error", err)
		return nil, false
	}
	if !ok || c.now().Sub(e.StoredAt) > maxAge {
		return nil, false
	}
	return e.Body, true
}

// Put stores body under key
func (c *Cache) Put(ctx context.Context, key string, body []byte) error {
	return c.store.Put(ctx, key, Entry{Body: body, StoredAt: c.now()})
}

// Purge drops every entry
func (c *Cache) Purge(ctx context.Context) error {
	return c.store.Purge(ctx)
}

// Close releases the backend
func (c *Cache) Close() error {
	return c.store.Close()
}

// FetchFunc performs the real upstream call
type FetchFunc func(ctx context.Context) ([]byte, error)

// ErrNotCacheable marks a FetchFunc error that carries a usable upstream
// answer (for example a 404) which must reach the caller but not the cache.
var ErrNotCacheable = errors.New("response not cacheable")

type fillResult struct {
	body    []byte
	fetched bool
}

// GetOrFetch returns a fresh cached body or calls fetch and stores its result.
// Concurrent callers for the same key share one fetch; callers for different
// keys never wait on each other. fetched is true only for the caller whose
// fetch actually ran. Failed fetches are never cached and do not evict an
// existing entry.
func (c *Cache) GetOrFetch(ctx context.Context, key string, maxAge time.Duration, fetch FetchFunc) (body []byte, fetched bool, err error) {
	if b, ok := c.Get(ctx, key, maxAge); ok {
		c.hit()
		return b, false, nil
	}

	leader := false
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		leader = true
		// Another caller may have filled the key while we queued.
		if b, ok := c.Get(ctx, key, maxAge); ok {
			return fillResult{body: b}, nil
		}
		b, ferr := fetch(ctx)
		if ferr != nil {
			return fillResult{fetched: true}, ferr
		}
		if perr := c.Put(ctx, key, b); perr != nil {
			c.logger.Warn("Cache write failed", "key", key, "error", perr)
		}
		return fillResult{body: b, fetched: true}, nil
	})

	res, _ := v.(fillResult)
	if !leader {
		res.fetched = false
	}
	if res.fetched {
		c.miss()
	} else if err == nil {
		c.hit()
	}
	return res.body, res.fetched, err
}

func (c *Cache) hit() {
	if c.observer != nil {
		c.observer.CacheHit()
	}
}

func (c *Cache) miss() {
	if c.observer != nil {
		c.observer.CacheMiss()
	}
}
