// Package cache provides a bounded in-memory cache with single-flight
// loading and eviction notifications, and a loader that reuses persisted
// values while their source content is unchanged.
package cache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cause tells an [EvictionListener] why an entry left the cache.
type Cause int

const (
	// CauseExplicit: removed by Invalidate or InvalidateAll.
	CauseExplicit Cause = iota + 1
	// CauseReplaced: overwritten by Put.
	CauseReplaced
	// CauseSize: least recently used entry dropped to respect MaxSize.
	CauseSize
	// CauseExpired: not accessed within ExpireAfterAccess.
	CauseExpired
)

func (c Cause) String() string {
	switch c {
	case CauseExplicit:
		return "EXPLICIT"
	case CauseReplaced:
		return "REPLACED"
	case CauseSize:
		return "SIZE"
	case CauseExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Eviction describes an entry that left the cache.
type Eviction[V any] struct {
	Key   string
	Value V
	Cause Cause
}

// EvictionListener is called synchronously, outside the cache lock, for
// every entry that leaves the cache except through [Cache.Drain].
type EvictionListener[V any] interface {
	OnEviction(ev Eviction[V])
}

// EvictionFunc adapts a function to [EvictionListener].
type EvictionFunc[V any] func(ev Eviction[V])

// OnEviction calls f.
func (f EvictionFunc[V]) OnEviction(ev Eviction[V]) { f(ev) }

// Loader computes the value for a key on a miss.
type Loader[V any] interface {
	Load(ctx context.Context, key string) (V, error)
}

// LoaderFunc adapts a function to [Loader].
type LoaderFunc[V any] func(ctx context.Context, key string) (V, error)

// Load calls f.
func (f LoaderFunc[V]) Load(ctx context.Context, key string) (V, error) { return f(ctx, key) }

// Options configures a [Cache].
type Options[V any] struct {
	// MaxSize bounds the number of entries. Zero means unbounded.
	MaxSize int

	// ExpireAfterAccess evicts entries idle for longer. Zero disables it.
	ExpireAfterAccess time.Duration

	// Loader fills misses in [Cache.Get]. Required for Get.
	Loader Loader[V]

	// Listener is notified of evictions. Optional.
	Listener EvictionListener[V]

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Entry is a key/value pair returned by [Cache.Entries].
type Entry[V any] struct {
	Key   string
	Value V
}

type slot[V any] struct {
	key      string
	value    V
	accessed time.Time
}

// Cache is a size- and idle-time-bounded map from string keys to values.
// Safe for concurrent use.
type Cache[V any] struct {
	opts  Options[V]
	group singleflight.Group

	mu    sync.Mutex
	items map[string]*list.Element
	lru   *list.List // front is most recently used

	counters counters
}

type counters struct {
	hits, misses             atomic.Int64
	loadSuccess, loadFailure atomic.Int64
	explicit, replaced       atomic.Int64
	size, expired            atomic.Int64
	totalLoadNanos           atomic.Int64
}

// ErrNoLoader is returned by Get on a miss when no Loader is configured.
var ErrNoLoader = errors.New("cache: no loader configured")

// New creates a cache.
func New[V any](opts Options[V]) *Cache[V] {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Cache[V]{
		opts:  opts,
		items: make(map[string]*list.Element),
		lru:   list.New(),
	}
}

// Get returns the cached value for key, loading it on a miss. Concurrent
// misses for one key share a single load; its error is returned to all of
// them and nothing is cached. A caller whose ctx ends stops waiting without
// cancelling the load for the others.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, error) {
	if v, ok := c.lookup(key); ok {
		c.counters.hits.Add(1)

		return v, nil
	}

	c.counters.misses.Add(1)

	if c.opts.Loader == nil {
		var zero V

		return zero, ErrNoLoader
	}

	// The shared load outlives any one caller; each caller stops waiting
	// when its own ctx ends.
	ch := c.group.DoChan(key, func() (any, error) {
		start := c.opts.Now()
		v, err := c.opts.Loader.Load(context.WithoutCancel(ctx), key)
		c.counters.totalLoadNanos.Add(int64(c.opts.Now().Sub(start)))

		if err != nil {
			c.counters.loadFailure.Add(1)

			return nil, err
		}

		c.counters.loadSuccess.Add(1)

		return c.insertLoaded(key, v), nil
	})

	select {
	case <-ctx.Done():
		var zero V

		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero V

			return zero, res.Err
		}

		return res.Val.(V), nil
	}
}

// lookup returns a live entry and marks it used.
func (c *Cache[V]) lookup(key string) (V, bool) {
	c.mu.Lock()

	now := c.opts.Now()
	evicted := c.expireLocked(now)

	el, ok := c.items[key]
	if ok {
		s := el.Value.(*slot[V])
		s.accessed = now
		c.lru.MoveToFront(el)
		c.mu.Unlock()
		c.notify(evicted)

		return s.value, true
	}

	c.mu.Unlock()
	c.notify(evicted)

	var zero V

	return zero, false
}

// insertLoaded stores a loaded value unless a Put won the race, in which
// case the existing value is kept and returned.
func (c *Cache[V]) insertLoaded(key string, v V) V {
	c.mu.Lock()

	now := c.opts.Now()

	if el, ok := c.items[key]; ok {
		s := el.Value.(*slot[V])
		s.accessed = now
		c.lru.MoveToFront(el)
		c.mu.Unlock()

		return s.value
	}

	evicted := c.insertLocked(key, v, now)
	c.mu.Unlock()
	c.notify(evicted)

	return v
}

// Peek returns the cached value without loading or marking it used.
func (c *Cache[V]) Peek(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		var zero V

		return zero, false
	}

	s := el.Value.(*slot[V])
	if c.expired(s, c.opts.Now()) {
		var zero V

		return zero, false
	}

	return s.value, true
}

// Put stores value under key. A previous value is evicted with
// [CauseReplaced].
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()

	now := c.opts.Now()
	evicted := c.expireLocked(now)

	if el, ok := c.items[key]; ok {
		s := el.Value.(*slot[V])
		evicted = append(evicted, Eviction[V]{Key: key, Value: s.value, Cause: CauseReplaced})
		s.value = value
		s.accessed = now
		c.lru.MoveToFront(el)
	} else {
		evicted = append(evicted, c.insertLocked(key, value, now)...)
	}

	c.mu.Unlock()
	c.notify(evicted)
}

// Invalidate removes key. Reports whether it was present. The listener
// receives [CauseExplicit].
func (c *Cache[V]) Invalidate(key string) bool {
	c.mu.Lock()

	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()

		return false
	}

	s := c.removeLocked(el)
	c.mu.Unlock()
	c.notify([]Eviction[V]{{Key: key, Value: s.value, Cause: CauseExplicit}})

	return true
}

// InvalidateAll removes every entry with [CauseExplicit].
func (c *Cache[V]) InvalidateAll() {
	c.mu.Lock()

	evicted := make([]Eviction[V], 0, c.lru.Len())
	for el := c.lru.Back(); el != nil; el = c.lru.Back() {
		s := c.removeLocked(el)
		evicted = append(evicted, Eviction[V]{Key: s.key, Value: s.value, Cause: CauseExplicit})
	}

	c.mu.Unlock()
	c.notify(evicted)
}

// Cleanup evicts expired entries now instead of on the next access.
func (c *Cache[V]) Cleanup() {
	c.mu.Lock()
	evicted := c.expireLocked(c.opts.Now())
	c.mu.Unlock()
	c.notify(evicted)
}

// Entries returns a snapshot of live entries, most recently used first.
func (c *Cache[V]) Entries() []Entry[V] {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.Now()
	out := make([]Entry[V], 0, c.lru.Len())

	for el := c.lru.Front(); el != nil; el = el.Next() {
		s := el.Value.(*slot[V])
		if c.expired(s, now) {
			continue
		}

		out = append(out, Entry[V]{Key: s.key, Value: s.value})
	}

	return out
}

// Drain removes every entry without notifying the listener and returns
// them. Used after the caller has persisted the entries itself.
func (c *Cache[V]) Drain() []Entry[V] {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry[V], 0, c.lru.Len())
	for el := c.lru.Front(); el != nil; el = el.Next() {
		s := el.Value.(*slot[V])
		out = append(out, Entry[V]{Key: s.key, Value: s.value})
	}

	c.items = make(map[string]*list.Element)
	c.lru.Init()

	return out
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lru.Len()
}

func (c *Cache[V]) insertLocked(key string, value V, now time.Time) []Eviction[V] {
	c.items[key] = c.lru.PushFront(&slot[V]{key: key, value: value, accessed: now})

	var evicted []Eviction[V]

	for c.opts.MaxSize > 0 && c.lru.Len() > c.opts.MaxSize {
		s := c.removeLocked(c.lru.Back())
		evicted = append(evicted, Eviction[V]{Key: s.key, Value: s.value, Cause: CauseSize})
	}

	return evicted
}

// expireLocked removes idle entries. The list is ordered by access time,
// so expired entries are always at the back.
func (c *Cache[V]) expireLocked(now time.Time) []Eviction[V] {
	if c.opts.ExpireAfterAccess <= 0 {
		return nil
	}

	var evicted []Eviction[V]

	for el := c.lru.Back(); el != nil; el = c.lru.Back() {
		s := el.Value.(*slot[V])
		if !c.expired(s, now) {
			break
		}

		c.removeLocked(el)
		evicted = append(evicted, Eviction[V]{Key: s.key, Value: s.value, Cause: CauseExpired})
	}

	return evicted
}

func (c *Cache[V]) expired(s *slot[V], now time.Time) bool {
	return c.opts.ExpireAfterAccess > 0 && now.Sub(s.accessed) >= c.opts.ExpireAfterAccess
}

func (c *Cache[V]) removeLocked(el *list.Element) *slot[V] {
	s := c.lru.Remove(el).(*slot[V])
	delete(c.items, s.key)

	return s
}

func (c *Cache[V]) notify(evicted []Eviction[V]) {
	if len(evicted) == 0 {
		return
	}

	for _, ev := range evicted {
		c.count(ev.Cause)

		if c.opts.Listener != nil {
			c.opts.Listener.OnEviction(ev)
		}
	}
}

func (c *Cache[V]) count(cause Cause) {
	switch cause {
	case CauseExplicit:
		c.counters.explicit.Add(1)
	case CauseReplaced:
		c.counters.replaced.Add(1)
	case CauseSize:
		c.counters.size.Add(1)
	case CauseExpired:
		c.counters.expired.Add(1)
	}
}
