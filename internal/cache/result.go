package cache

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	gocache "github.com/patrickmn/go-cache"
)

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// ResultCache is a per-group TTL cache of read results. Ages are measured on the
// injected clock at every lookup; the background sweep only reclaims memory.
// Cached values are shared between callers and must not be mutated.
type ResultCache[V any] struct {
	ttl    time.Duration
	clock  clock.Clock
	keys   KeyGenerator
	logger *slog.Logger

	mu     sync.RWMutex
	groups map[string]*gocache.Cache

	// writeMu orders Set against stale removal.
	writeMu sync.Mutex

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	evicted atomic.Int64

	started   atomic.Bool
	stopOnce  sync.Once
	stopSweep chan struct{}
	sweepDone chan struct{}
}

// Option configures a ResultCache.
type Option func(*options)

type options struct {
	clock  clock.Clock
	keys   KeyGenerator
	logger *slog.Logger
}

// WithClock sets the clock used to age entries and pace the sweep.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithKeyGenerator overrides the key generator.
func WithKeyGenerator(g KeyGenerator) Option {
	return func(o *options) {
		if g != nil {
			o.keys = g
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewResultCache creates a cache whose entries expire after ttl. A non-positive
// ttl falls back to DefaultTTL.
func NewResultCache[V any](ttl time.Duration, opts ...Option) *ResultCache[V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	o := options{
		clock:  clock.WallClock,
		keys:   NewKeyGenerator(""),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &ResultCache[V]{
		ttl:       ttl,
		clock:     o.clock,
		keys:      o.keys,
		logger:    o.logger,
		groups:    make(map[string]*gocache.Cache),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
}

// TTL returns the entry lifetime.
func (c *ResultCache[V]) TTL() time.Duration { return c.ttl }

func (c *ResultCache[V]) bucket(group string, create bool) *gocache.Cache {
	c.mu.RLock()
	b := c.groups[group]
	c.mu.RUnlock()
	if b != nil || !create {
		return b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b = c.groups[group]; b == nil {
		// Expiry is enforced against the injected clock, not go-cache's janitor.
		b = gocache.New(gocache.NoExpiration, 0)
		c.groups[group] = b
	}
	return b
}

func (c *ResultCache[V]) fresh(storedAt time.Time) bool {
	return c.clock.Now().Sub(storedAt) < c.ttl
}

// Get returns the cached value for (group, signature) if it is younger than the TTL.
// Stale entries are removed on sight unless a newer one replaced them meanwhile.
func (c *ResultCache[V]) Get(group string, signature []byte) (V, bool) {
	var zero V
	key := c.keys.Generate(group, signature)

	b := c.bucket(group, false)
	if b == nil {
		c.misses.Add(1)
		return zero, false
	}

	raw, ok := b.Get(key)
	if !ok {
		c.misses.Add(1)
		return zero, false
	}
	e, ok := raw.(entry[V])
	if !ok || !c.fresh(e.storedAt) {
		if c.removeStale(b, key) {
			c.evicted.Add(1)
		}
		c.misses.Add(1)
		return zero, false
	}

	c.hits.Add(1)
	return e.value, true
}

// Set stores value for (group, signature), replacing any previous entry.
func (c *ResultCache[V]) Set(group string, signature []byte, value V) {
	key := c.keys.Generate(group, signature)
	b := c.bucket(group, true)

	c.writeMu.Lock()
	b.Set(key, entry[V]{value: value, storedAt: c.clock.Now()}, gocache.NoExpiration)
	c.writeMu.Unlock()
	c.sets.Add(1)
}

// removeStale deletes key only if it still holds a stale entry. An entry stored
// after the caller's lookup is left alone.
func (c *ResultCache[V]) removeStale(b *gocache.Cache, key string) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	raw, ok := b.Get(key)
	if !ok {
		return false
	}
	if e, ok := raw.(entry[V]); ok && c.fresh(e.storedAt) {
		return false
	}
	b.Delete(key)
	return true
}

// Sweep removes every entry older than the TTL from every group and returns how
// many were removed.
func (c *ResultCache[V]) Sweep() int {
	c.mu.RLock()
	buckets := make(map[string]*gocache.Cache, len(c.groups))
	for name, b := range c.groups {
		buckets[name] = b
	}
	c.mu.RUnlock()

	removed := 0
	for name, b := range buckets {
		n := 0
		for key, item := range b.Items() {
			e, ok := item.Object.(entry[V])
			if (!ok || !c.fresh(e.storedAt)) && c.removeStale(b, key) {
				n++
			}
		}
		if n > 0 {
			c.logger.Debug("cache sweep", "group", name, "removed", n)
		}
		removed += n
	}
	c.evicted.Add(int64(removed))
	return removed
}

// Len returns the number of stored entries, stale or not.
func (c *ResultCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, b := range c.groups {
		n += b.ItemCount()
	}
	return n
}

// Stats returns cache statistics.
func (c *ResultCache[V]) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{
		Hits:    hits,
		Misses:  misses,
		Sets:    c.sets.Load(),
		Evicted: c.evicted.Load(),
		Entries: c.Len(),
		HitRate: rate,
	}
}

// Start launches the sweep goroutine, which runs once per TTL until Close.
// Calling Start more than once has no effect.
func (c *ResultCache[V]) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.sweepLoop()
}

func (c *ResultCache[V]) sweepLoop() {
	defer close(c.sweepDone)
	for {
		select {
		case <-c.stopSweep:
			return
		case <-c.clock.After(c.ttl):
			c.Sweep()
		}
	}
}

// Close stops the sweep goroutine and waits for it to exit. It is idempotent.
func (c *ResultCache[V]) Close() {
	c.stopOnce.Do(func() {
		close(c.stopSweep)
		if c.started.Load() {
			<-c.sweepDone
		}
	})
}
