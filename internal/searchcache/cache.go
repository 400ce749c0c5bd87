// Package searchcache caches catalog search results by query fingerprint.
//
// The cache is split into shards selected by a hash of the fingerprint. Each
// shard owns its LRU list, its TTL bookkeeping and its single-flight group, so
// lookups for different queries never contend on one lock and concurrent
// misses for the same query share a single catalog fetch.
package searchcache

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/robert-malhotra/stac-mosaic-tiler/internal/catalog"
)

const (
	// DefaultShards is the shard count used when Options.Shards is unset.
	DefaultShards = 16

	// DefaultMaxEntries is the total entry bound used when Options.MaxEntries is unset.
	DefaultMaxEntries = 1024
)

// SearchResult is a cached, ordered catalog search. It is shared between
// every caller that hits the same fingerprint and must not be modified.
type SearchResult struct {
	Fingerprint string         `json:"fingerprint"`
	Items       []catalog.Item `json:"items"`
	Truncated   bool           `json:"truncated"`
	Matched     *int           `json:"matched,omitempty"`
	FetchedAt   time.Time      `json:"fetched_at"`
	TTL         time.Duration  `json:"ttl"`
}

// ExpiresAt returns the instant after which the result is stale.
func (r *SearchResult) ExpiresAt() time.Time {
	return r.FetchedAt.Add(r.TTL)
}

// FetchFunc loads a search result on a cache miss. Items must already be in
// the collection's sort order.
type FetchFunc func(ctx context.Context) (*catalog.SearchResult, error)

// Store is an optional second-level cache shared between processes.
type Store interface {
	Get(ctx context.Context, fingerprint string) (*SearchResult, bool)
	Set(ctx context.Context, result *SearchResult) error
}

// Metrics receives cache events.
type Metrics interface {
	RecordCacheLookup(ctx context.Context, hit bool)
	RecordCacheFetch(ctx context.Context, d time.Duration, err error)
}

// Options configures a Cache.
type Options struct {
	TTL          time.Duration
	MaxEntries   int
	Shards       int
	FetchTimeout time.Duration // bounds a shared fetch once detached from its first caller
	Store        Store
	Metrics      Metrics
	Logger       *slog.Logger
	Now          func() time.Time
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Fetches   int64 `json:"fetches"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
}

// Cache is a sharded LRU+TTL cache with per-fingerprint request coalescing.
type Cache struct {
	shards       []*shard
	ttl          time.Duration
	fetchTimeout time.Duration
	store        Store
	metrics      Metrics
	logger       *slog.Logger
	now          func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	fetches   atomic.Int64
	evictions atomic.Int64
}

type entry struct {
	key       string
	result    *SearchResult
	expiresAt time.Time
}

type shard struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	lru      *list.List
	capacity int
	group    singleflight.Group
}

// New creates a cache.
func New(opts Options) *Cache {
	if opts.Shards <= 0 {
		opts.Shards = DefaultShards
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Shards > opts.MaxEntries {
		opts.Shards = opts.MaxEntries
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Cache{
		shards:       make([]*shard, opts.Shards),
		ttl:          opts.TTL,
		fetchTimeout: opts.FetchTimeout,
		store:        opts.Store,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		now:          opts.Now,
	}
	// shard capacities sum to MaxEntries; the remainder goes to the first shards
	for i := range c.shards {
		capacity := opts.MaxEntries / opts.Shards
		if i < opts.MaxEntries%opts.Shards {
			capacity++
		}
		c.shards[i] = &shard{
			entries:  make(map[string]*list.Element),
			lru:      list.New(),
			capacity: capacity,
		}
	}
	return c
}

// TTL returns the lifetime given to new entries.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// GetOrFetch returns the cached result for the query's fingerprint, calling
// fetch at most once across all concurrent callers on a miss. Fetch errors
// are returned to every waiter and never cached. A caller whose ctx ends
// stops waiting without cancelling the shared fetch.
func (c *Cache) GetOrFetch(ctx context.Context, q catalog.Query, fetch FetchFunc) (*SearchResult, error) {
	key := q.Fingerprint()
	sh := c.shardFor(key)

	if r, ok := sh.get(key, c.now()); ok {
		c.hits.Add(1)
		c.recordLookup(ctx, true)
		return r, nil
	}
	c.misses.Add(1)
	c.recordLookup(ctx, false)

	ch := sh.group.DoChan(key, func() (any, error) {
		return c.load(context.WithoutCancel(ctx), sh, key, fetch)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*SearchResult), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) load(ctx context.Context, sh *shard, key string, fetch FetchFunc) (*SearchResult, error) {
	if c.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
	}

	// a flight that finished just before this one started may have filled the entry
	if r, ok := sh.get(key, c.now()); ok {
		return r, nil
	}

	if c.store != nil && c.ttl > 0 {
		if r, ok := c.store.Get(ctx, key); ok && c.now().Before(r.ExpiresAt()) {
			c.evictions.Add(int64(sh.put(key, r, r.ExpiresAt())))
			return r, nil
		}
	}

	start := c.now()
	res, err := fetch(ctx)
	c.fetches.Add(1)
	if c.metrics != nil {
		c.metrics.RecordCacheFetch(ctx, c.now().Sub(start), err)
	}
	if err != nil {
		return nil, err
	}

	r := &SearchResult{
		Fingerprint: key,
		Items:       res.Items,
		Truncated:   res.Truncated,
		Matched:     res.Matched,
		FetchedAt:   c.now(),
		TTL:         c.ttl,
	}
	if c.ttl <= 0 {
		return r, nil
	}

	c.evictions.Add(int64(sh.put(key, r, r.ExpiresAt())))
	if c.store != nil {
		if err := c.store.Set(ctx, r); err != nil {
			c.logger.WarnContext(ctx, "failed to write search result to shared cache",
				slog.String("fingerprint", key),
				slog.String("error", err.Error()),
			)
		}
	}
	return r, nil
}

// Get returns a live cached result without fetching.
func (c *Cache) Get(q catalog.Query) (*SearchResult, bool) {
	key := q.Fingerprint()
	return c.shardFor(key).get(key, c.now())
}

// Purge drops every entry.
func (c *Cache) Purge() {
	for _, sh := range c.shards {
		sh.mu.Lock()
		sh.entries = make(map[string]*list.Element)
		sh.lru.Init()
		sh.mu.Unlock()
	}
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	s := Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Fetches:   c.fetches.Load(),
		Evictions: c.evictions.Load(),
	}
	for _, sh := range c.shards {
		sh.mu.Lock()
		s.Entries += len(sh.entries)
		sh.mu.Unlock()
	}
	return s
}

func (c *Cache) shardFor(key string) *shard {
	return c.shards[xxhash.Sum64String(key)%uint64(len(c.shards))]
}

func (c *Cache) recordLookup(ctx context.Context, hit bool) {
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(ctx, hit)
	}
}

func (s *shard) get(key string, now time.Time) (*SearchResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if !now.Before(e.expiresAt) {
		s.lru.Remove(el)
		delete(s.entries, key)
		return nil, false
	}
	s.lru.MoveToFront(el)
	return e.result, true
}

// put stores the result and returns how many entries were evicted to make room.
func (s *shard) put(key string, r *SearchResult, expiresAt time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		e := el.Value.(*entry)
		e.result = r
		e.expiresAt = expiresAt
		s.lru.MoveToFront(el)
		return 0
	}

	s.entries[key] = s.lru.PushFront(&entry{key: key, result: r, expiresAt: expiresAt})

	evicted := 0
	for s.lru.Len() > s.capacity {
		oldest := s.lru.Back()
		s.lru.Remove(oldest)
		delete(s.entries, oldest.Value.(*entry).key)
		evicted++
	}
	return evicted
}
