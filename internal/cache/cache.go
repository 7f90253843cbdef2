// Package cache provides the in-memory content cache behind the fetch
// pipeline. Entries are keyed by namespace and URL hash, expire after a TTL,
// and are trimmed oldest-first when the store grows past its key budget.
// Writers can subscribe to update events; the MCP layer relays those as
// resource-change notifications.
package cache

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"superfetch/internal/model"
)

// Update describes one cache write, delivered to subscribers in write order.
type Update struct {
	CacheKey  string
	Namespace string
	URLHash   string
}

// Meta carries entry metadata supplied by the writer.
type Meta struct {
	URL   string
	Title string
}

// Options configures a Cache.
type Options struct {
	Enabled bool
	TTL     time.Duration
	MaxKeys int
	Logger  *slog.Logger
}

// Cache is a namespaced TTL+LRU store. All access is mutex-guarded; update
// listeners run synchronously on the writing goroutine with panics contained.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = oldest, back = most recently used

	enabled bool
	ttl     time.Duration
	maxKeys int
	logger  *slog.Logger

	nextListener int
	listeners    map[int]func(Update)

	stop chan struct{}
	done chan struct{}
}

type cacheItem struct {
	key   string
	entry model.CacheEntry
}

// New creates a cache and starts its eviction loop when caching is enabled.
func New(opts Options) *Cache {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = 1000
	}
	c := &Cache{
		entries:   make(map[string]*list.Element),
		order:     list.New(),
		enabled:   opts.Enabled,
		ttl:       opts.TTL,
		maxKeys:   opts.MaxKeys,
		logger:    opts.Logger,
		listeners: make(map[int]func(Update)),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if c.enabled {
		go c.evictionLoop()
	} else {
		close(c.done)
	}
	return c
}

// IsEnabled reports whether writes are accepted.
func (c *Cache) IsEnabled() bool { return c.enabled }

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Get returns the entry for key if present and unexpired. Expired entries
// are deleted lazily. A hit moves the entry to the LRU tail.
func (c *Cache) Get(key string) (model.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return model.CacheEntry{}, false
	}
	item := el.Value.(*cacheItem)
	if time.Now().After(item.entry.ExpiresAt) {
		c.order.Remove(el)
		delete(c.entries, key)
		return model.CacheEntry{}, false
	}
	c.order.MoveToBack(el)
	return item.entry, true
}

// Set stores content under key, replacing any previous entry. A no-op when
// caching is disabled or content is empty. Update events fire after the
// write, in write order.
func (c *Cache) Set(key string, content string, meta Meta) {
	if !c.enabled || content == "" {
		return
	}

	now := time.Now()
	entry := model.CacheEntry{
		URL:       meta.URL,
		Title:     meta.Title,
		Content:   content,
		FetchedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}

	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheItem).entry = entry
		c.order.MoveToBack(el)
	} else {
		c.entries[key] = c.order.PushBack(&cacheItem{key: key, entry: entry})
	}
	listeners := make([]func(Update), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	parsed, err := ParseKey(key)
	if err != nil {
		return
	}
	update := Update{CacheKey: key, Namespace: parsed.Namespace, URLHash: parsed.URLHash}
	for _, fn := range listeners {
		c.notify(fn, update)
	}
}

// notify invokes one listener, containing panics so a bad subscriber cannot
// affect the writer.
func (c *Cache) notify(fn func(Update), u Update) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("cache listener panicked", slog.Any("panic", r))
		}
	}()
	fn(u)
}

// Keys returns all live keys in insertion/LRU order, oldest first.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*cacheItem).key)
	}
	return keys
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

// OnUpdate subscribes to cache writes. The returned function unsubscribes
// and is safe to call more than once.
func (c *Cache) OnUpdate(fn func(Update)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// Close stops the eviction loop and waits for it to exit.
func (c *Cache) Close() {
	if !c.enabled {
		return
	}
	close(c.stop)
	<-c.done
}

// evictionPeriod derives the sweep interval from the TTL: a tenth of the
// TTL, clamped to [10s, 60s].
func (c *Cache) evictionPeriod() time.Duration {
	period := c.ttl / 10
	if period < 10*time.Second {
		period = 10 * time.Second
	}
	if period > 60*time.Second {
		period = 60 * time.Second
	}
	return period
}

func (c *Cache) evictionLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.evictionPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.evictOnce(time.Now())
		}
	}
}

// evictOnce removes expired entries, then trims oldest-first down to maxKeys.
func (c *Cache) evictOnce(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var next *list.Element
	for el := c.order.Front(); el != nil; el = next {
		next = el.Next()
		item := el.Value.(*cacheItem)
		if now.After(item.entry.ExpiresAt) {
			c.order.Remove(el)
			delete(c.entries, item.key)
		}
	}
	for len(c.entries) > c.maxKeys {
		el := c.order.Front()
		if el == nil {
			break
		}
		item := el.Value.(*cacheItem)
		c.order.Remove(el)
		delete(c.entries, item.key)
	}
}
