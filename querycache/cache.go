package querycache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// DefaultStaleTime is how long a fetched entry is served without refetching.
const DefaultStaleTime = 30 * time.Second

// DefaultEvictAfter is how long an unused entry is kept before it is dropped.
const DefaultEvictAfter = 10 * time.Minute

// A Fetcher loads the current value of one key from the remote store.
type Fetcher func(ctx context.Context) (any, error)

// Cache de-duplicates fetches per key and keeps their results until they
// turn stale, either by age or by Invalidate.
type Cache struct {
	staleTime  time.Duration
	evictAfter time.Duration
	now        func() time.Time
	metrics    *metrics
	group      singleflight.Group

	mu        sync.Mutex
	entries   map[Key]*entry
	subs      map[Key]map[uint64]func(Key)
	nextSub   uint64
	lastSweep time.Time
}

type entry struct {
	value     any
	has       bool
	stale     bool
	fetchedAt time.Time
	// gen is bumped by every invalidation. A fetch that started on an older
	// generation stores its value but leaves the entry stale.
	gen   uint64
	fetch Fetcher
	// loading counts fetches in progress; such entries are never evicted.
	loading int
}

// An Option configures a Cache.
type Option func(*Cache)

// WithStaleTime sets how long entries stay fresh. Zero or negative values
// make every read refetch.
func WithStaleTime(d time.Duration) Option {
	return func(c *Cache) { c.staleTime = d }
}

// WithEvictAfter sets how long an entry without subscribers is kept after
// its last fetch. Zero or negative values keep entries forever.
func WithEvictAfter(d time.Duration) Option {
	return func(c *Cache) { c.evictAfter = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithRegisterer registers the cache's hit, miss and refetch counters.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Cache) { c.metrics.register(reg) }
}

// New returns an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		staleTime:  DefaultStaleTime,
		evictAfter: DefaultEvictAfter,
		now:        time.Now,
		metrics:    newMetrics(),
		entries:    make(map[Key]*entry),
		subs:       make(map[Key]map[uint64]func(Key)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch returns the cached value of key, or runs fetch and caches its result
// when the entry is missing or stale. Concurrent fetches of the same key share
// one call. Errors are returned to every waiting caller and never cached.
func Fetch[V any](ctx context.Context, c *Cache, key Key, fetch func(context.Context) (V, error)) (V, error) {
	var zero V
	v, err := c.get(ctx, key, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	})
	if err != nil {
		return zero, err
	}
	out, ok := v.(V)
	if !ok {
		return zero, fmt.Errorf("querycache: %s holds %T", key, v)
	}
	return out, nil
}

func (c *Cache) get(ctx context.Context, key Key, fetch Fetcher) (any, error) {
	c.mu.Lock()
	c.sweepLocked()
	if e, ok := c.entries[key]; ok && c.fresh(e) {
		v := e.value
		c.mu.Unlock()
		c.metrics.hit(key)
		return v, nil
	}
	c.mu.Unlock()

	c.metrics.miss(key)
	return c.load(ctx, key, fetch)
}

func (c *Cache) fresh(e *entry) bool {
	if !e.has || e.stale {
		return false
	}
	return c.now().Sub(e.fetchedAt) < c.staleTime
}

// sweepLocked drops entries that have no subscribers, no fetch in progress
// and were last fetched more than evictAfter ago. It runs at most once per
// evictAfter.
func (c *Cache) sweepLocked() {
	if c.evictAfter <= 0 {
		return
	}
	now := c.now()
	if now.Sub(c.lastSweep) < c.evictAfter {
		return
	}
	c.lastSweep = now
	for key, e := range c.entries {
		if e.loading > 0 || len(c.subs[key]) > 0 {
			continue
		}
		if now.Sub(e.fetchedAt) >= c.evictAfter {
			delete(c.entries, key)
		}
	}
}

// load runs fetch once for all concurrent callers of key. The shared fetch
// is detached from the first caller's cancellation; each caller stops
// waiting when its own ctx is done.
func (c *Cache) load(ctx context.Context, key Key, fetch Fetcher) (any, error) {
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key.String(), func() (any, error) {
		c.mu.Lock()
		e := c.entryLocked(key)
		gen := e.gen
		e.loading++
		c.mu.Unlock()

		val, err := fetch(shared)

		c.mu.Lock()
		defer c.mu.Unlock()
		e = c.entryLocked(key)
		e.loading--
		if err != nil {
			return nil, err
		}
		e.value = val
		e.has = true
		e.fetch = fetch
		e.fetchedAt = c.now()
		e.stale = e.gen != gen
		return val, nil
	})
	select {
	case r := <-ch:
		return r.Val, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) entryLocked(key Key) *entry {
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	return e
}

// Invalidate marks key stale. When the key has subscribers, its last fetcher
// runs again right away and the subscribers are notified once it completes.
func (c *Cache) Invalidate(ctx context.Context, key Key) error {
	c.mu.Lock()
	e := c.entryLocked(key)
	e.gen++
	e.stale = true
	fetch := e.fetch
	subscribed := len(c.subs[key]) > 0
	c.mu.Unlock()

	if !subscribed || fetch == nil {
		return nil
	}

	c.metrics.refetch(key)
	if _, err := c.load(ctx, key, fetch); err != nil {
		return fmt.Errorf("refetch %s: %w", key, err)
	}
	c.notify(key)
	return nil
}

// Subscribe registers fn to be called after key has been refetched following
// an invalidation. The returned func removes the subscription.
func (c *Cache) Subscribe(key Key, fn func(Key)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	if c.subs[key] == nil {
		c.subs[key] = make(map[uint64]func(Key))
	}
	c.subs[key][id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs[key], id)
			if len(c.subs[key]) == 0 {
				delete(c.subs, key)
			}
			c.mu.Unlock()
		})
	}
}

// Len returns the number of entries held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Subscribers returns the number of subscriptions on key.
func (c *Cache) Subscribers(key Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs[key])
}

func (c *Cache) notify(key Key) {
	c.mu.Lock()
	fns := make([]func(Key), 0, len(c.subs[key]))
	for _, fn := range c.subs[key] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(key)
	}
}
