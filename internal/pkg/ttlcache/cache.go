// Package ttlcache provides a bounded in-memory key-value cache with per-entry TTL.
//
// Expired entries are removed lazily on access, and by the periodic Cleanup sweep,
// so entries which are never read again do not stay in memory forever.
// When the cache is full, the oldest inserted entry is evicted (FIFO), reads do not affect the order.
//
// No operation returns an error, all failures resolve to a cache miss.
package ttlcache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sasha-s/go-deadlock"

	"github.com/keboola/marketplace-live/internal/pkg/log"
)

const (
	DefaultCapacity        = 100
	DefaultTTL             = 5 * time.Minute
	DefaultCleanupInterval = 10 * time.Minute
)

type Entry[V any] struct {
	Key      string
	Value    V
	StoredAt time.Time
	TTL      time.Duration
}

// Stats is a diagnostic snapshot of the cache.
type Stats struct {
	Size int
	// Keys in insertion order, the first one is evicted first.
	Keys []string
	// OldestEntry is the key inserted first, or an empty string if the cache is empty.
	OldestEntry string
}

type Cache[V any] struct {
	config
	lock *deadlock.Mutex
	// order holds *Entry[V] values, the front is the oldest inserted entry
	order *list.List
	items map[string]*list.Element
}

type config struct {
	capacity   int
	defaultTTL time.Duration
	clock      clockwork.Clock
	logger     log.Logger
	metrics    Metrics
}

type Option func(c *config)

func WithCapacity(v int) Option {
	return func(c *config) {
		c.capacity = v
	}
}

func WithDefaultTTL(v time.Duration) Option {
	return func(c *config) {
		c.defaultTTL = v
	}
}

func WithClock(v clockwork.Clock) Option {
	return func(c *config) {
		c.clock = v
	}
}

func WithLogger(v log.Logger) Option {
	return func(c *config) {
		c.logger = v
	}
}

func WithMetrics(v Metrics) Option {
	return func(c *config) {
		c.metrics = v
	}
}

type SetOption func(e *setConfig)

type setConfig struct {
	ttl time.Duration
}

// WithTTL overrides the default TTL of the cache for one entry.
func WithTTL(v time.Duration) SetOption {
	return func(e *setConfig) {
		e.ttl = v
	}
}

func New[V any](opts ...Option) *Cache[V] {
	cfg := config{
		capacity:   DefaultCapacity,
		defaultTTL: DefaultTTL,
		clock:      clockwork.NewRealClock(),
		logger:     log.NewNopLogger(),
		metrics:    NoopMetrics{},
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.capacity <= 0 {
		cfg.capacity = DefaultCapacity
	}
	if cfg.defaultTTL <= 0 {
		cfg.defaultTTL = DefaultTTL
	}

	return &Cache[V]{
		config: cfg,
		lock:   &deadlock.Mutex{},
		order:  list.New(),
		items:  make(map[string]*list.Element),
	}
}

// Get returns the value if the entry exists and its TTL has not elapsed.
// An expired entry is deleted.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	entry, found := c.lookup(key)
	if !found {
		c.metrics.Miss()
		var empty V
		return empty, false
	}

	c.metrics.Hit()
	return entry.Value, true
}

// Has has the same expiration semantic as Get, but it returns no value.
func (c *Cache[V]) Has(key string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	_, found := c.lookup(key)
	return found
}

// Set stores the value.
// If the key is new and the cache is full, the oldest inserted entry is evicted first.
// If the key already exists, the value and TTL are replaced, but the insertion order is kept.
func (c *Cache[V]) Set(key string, value V, opts ...SetOption) {
	cfg := setConfig{ttl: c.defaultTTL}
	for _, o := range opts {
		o(&cfg)
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	now := c.clock.Now()
	if item, ok := c.items[key]; ok {
		entry := item.Value.(*Entry[V])
		entry.Value = value
		entry.StoredAt = now
		entry.TTL = cfg.ttl
		return
	}

	if len(c.items) >= c.capacity {
		if oldest := c.order.Front(); oldest != nil {
			c.remove(oldest)
			c.metrics.Eviction()
		}
	}

	c.items[key] = c.order.PushBack(&Entry[V]{Key: key, Value: value, StoredAt: now, TTL: cfg.ttl})
}

// Invalidate deletes all entries whose key contains the pattern.
// An empty pattern deletes all entries.
// The number of deleted entries is returned.
func (c *Cache[V]) Invalidate(pattern string) int {
	c.lock.Lock()
	defer c.lock.Unlock()

	if pattern == "" {
		count := len(c.items)
		c.order.Init()
		c.items = make(map[string]*list.Element)
		return count
	}

	count := 0
	for item := c.order.Front(); item != nil; {
		next := item.Next()
		if strings.Contains(item.Value.(*Entry[V]).Key, pattern) {
			c.remove(item)
			count++
		}
		item = next
	}
	return count
}

// InvalidateKey deletes one entry, if it exists.
func (c *Cache[V]) InvalidateKey(key string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if item, ok := c.items[key]; ok {
		c.remove(item)
	}
}

// Cleanup deletes all expired entries and returns their count.
func (c *Cache[V]) Cleanup() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	now := c.clock.Now()
	count := 0
	for item := c.order.Front(); item != nil; {
		next := item.Next()
		if c.isExpired(item.Value.(*Entry[V]), now) {
			c.remove(item)
			c.metrics.Expiration()
			count++
		}
		item = next
	}
	return count
}

// StartCleanup runs Cleanup periodically until the context is cancelled.
func (c *Cache[V]) StartCleanup(ctx context.Context, wg *sync.WaitGroup, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}

	ticker := c.clock.NewTicker(interval)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if count := c.Cleanup(); count > 0 {
					c.logger.Debugf(ctx, `removed "%d" expired cache entries`, count)
				}
			}
		}
	}()
}

func (c *Cache[V]) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.items)
}

// Stats has no side effects, expired entries are included until they are removed.
func (c *Cache[V]) Stats() Stats {
	c.lock.Lock()
	defer c.lock.Unlock()

	stats := Stats{Size: len(c.items), Keys: make([]string, 0, len(c.items))}
	for item := c.order.Front(); item != nil; item = item.Next() {
		stats.Keys = append(stats.Keys, item.Value.(*Entry[V]).Key)
	}
	if len(stats.Keys) > 0 {
		stats.OldestEntry = stats.Keys[0]
	}
	return stats
}

// lookup must be called under the lock.
func (c *Cache[V]) lookup(key string) (*Entry[V], bool) {
	item, ok := c.items[key]
	if !ok {
		return nil, false
	}

	entry := item.Value.(*Entry[V])
	if c.isExpired(entry, c.clock.Now()) {
		c.remove(item)
		c.metrics.Expiration()
		return nil, false
	}

	return entry, true
}

func (c *Cache[V]) isExpired(entry *Entry[V], now time.Time) bool {
	return now.Sub(entry.StoredAt) > entry.TTL
}

// remove must be called under the lock.
func (c *Cache[V]) remove(item *list.Element) {
	delete(c.items, item.Value.(*Entry[V]).Key)
	c.order.Remove(item)
}
