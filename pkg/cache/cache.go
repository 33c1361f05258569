// Package cache provides a byte-budgeted in-memory cache with pluggable
// eviction strategies (LRU, LFU, TTL, ARC) and optional file-backed
// persistence.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cssforge/cssforge/pkg/infrastructure/logging"
)

// ErrInvalidConfig is returned by New for contradictory settings.
var ErrInvalidConfig = errors.New("invalid cache configuration")

// EvictionReason explains why an entry left the cache.
type EvictionReason string

const (
	ReasonCapacity EvictionReason = "capacity"
	ReasonTTL      EvictionReason = "ttl"
	ReasonDelete   EvictionReason = "delete"
	ReasonClear    EvictionReason = "clear"
)

// Event describes an entry leaving the cache.
type Event struct {
	Key    string
	Reason EvictionReason
	Time   time.Time
}

// EventFunc receives eviction events. Callbacks run on cache goroutines and
// must not block.
type EventFunc func(Event)

// Entry is a cached value with its bookkeeping
type Entry struct {
	Key          string
	Value        interface{}
	Size         int64
	AccessCount  int64
	LastAccessed time.Time
	CreatedAt    time.Time
	TTL          time.Duration
}

func (e *Entry) expired(now time.Time) bool {
	return e.TTL > 0 && now.After(e.CreatedAt.Add(e.TTL))
}

// Stats provides a snapshot of cache effectiveness
type Stats struct {
	Hits           int64
	Misses         int64
	HitRate        float64
	Evictions      int64
	Expirations    int64
	AvgAccessTime  time.Duration
	BytesUsed      int64
	MaxBytes       int64
	UtilizationPct float64
	Items          int
}

// Config holds cache configuration
type Config struct {
	// MaxBytes is the byte budget for cached values.
	MaxBytes int64

	// MaxItems bounds the entry count. Also sizes the ARC lists.
	MaxItems int

	// Strategy is the eviction policy: lru, lfu, ttl or arc.
	Strategy string

	// DefaultTTL applies to entries stored without an explicit TTL.
	// Zero means no expiry.
	DefaultTTL time.Duration

	// SweepInterval controls the proactive expiry sweep. Zero disables it.
	SweepInterval time.Duration

	// Persist mirrors entries to one JSON file per key under PersistPath.
	Persist          bool
	PersistPath      string
	SnapshotInterval time.Duration

	// OnEvent receives eviction notifications.
	OnEvent EventFunc

	// Logger for cache operations. Nil uses the global logger.
	Logger *logging.Logger
}

// DefaultConfig returns a cache configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxBytes:         64 * 1024 * 1024,
		MaxItems:         4096,
		Strategy:         "lru",
		SweepInterval:    time.Minute,
		SnapshotInterval: 5 * time.Minute,
	}
}

// Option adjusts a single Set call.
type Option func(*setOptions)

type setOptions struct {
	ttl time.Duration
}

// WithTTL sets a per-entry time to live, overriding the cache default.
func WithTTL(d time.Duration) Option {
	return func(o *setOptions) { o.ttl = d }
}

// Cache is a byte-budgeted key-value store. All operations are safe for
// concurrent use.
type Cache struct {
	mu        sync.Mutex
	entries   map[string]*Entry
	strategy  Strategy
	bytesUsed int64

	config Config
	logger *logging.Logger
	store  *fileStore

	// keys whose one-time disk lookup already happened
	loadAttempted map[string]bool

	hits            int64
	misses          int64
	evictions       int64
	expirations     int64
	totalAccessTime time.Duration
	accessCount     int64

	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup
	closed bool
}

// New creates a cache with the given configuration
func New(config Config) (*Cache, error) {
	if config.MaxBytes <= 0 {
		return nil, fmt.Errorf("%w: max bytes must be positive", ErrInvalidConfig)
	}
	if config.MaxItems <= 0 {
		config.MaxItems = 4096
	}
	if config.Strategy == "" {
		config.Strategy = "lru"
	}

	strategy, err := newStrategy(config.Strategy, config.MaxItems)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger().WithComponent("cache")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		entries:       make(map[string]*Entry),
		strategy:      strategy,
		config:        config,
		logger:        logger,
		loadAttempted: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	if config.Persist {
		if config.PersistPath == "" {
			cancel()
			return nil, fmt.Errorf("%w: persistence requires a path", ErrInvalidConfig)
		}
		store, err := newFileStore(config.PersistPath, logger)
		if err != nil {
			cancel()
			return nil, err
		}
		c.store = store
	}

	if config.SweepInterval > 0 {
		c.loops.Add(1)
		go c.sweepLoop()
	}
	if c.store != nil && config.SnapshotInterval > 0 {
		c.loops.Add(1)
		go c.snapshotLoop()
	}

	return c, nil
}

// Set stores a value, evicting as needed to stay within the byte budget.
// Returns false when the value cannot be stored: it is larger than the
// whole budget, cannot be serialized, or eviction could not make room.
func (c *Cache) Set(key string, value interface{}, opts ...Option) bool {
	options := setOptions{ttl: c.config.DefaultTTL}
	for _, opt := range opts {
		opt(&options)
	}

	size, err := serializedSize(value)
	if err != nil {
		c.logger.Warn("rejecting unserializable value", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return false
	}
	if size > c.config.MaxBytes {
		return false
	}

	now := time.Now()
	entry := &Entry{
		Key:          key,
		Value:        value,
		Size:         size,
		AccessCount:  0,
		LastAccessed: now,
		CreatedAt:    now,
		TTL:          options.ttl,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}

	if old, ok := c.entries[key]; ok {
		c.bytesUsed -= old.Size
		delete(c.entries, key)
		c.strategy.OnRemove(key)
	}

	// bounded eviction loop: at most one pass over the resident set, so a
	// strategy that stops yielding victims cannot spin forever
	maxIterations := len(c.entries) + 1
	for i := 0; i < maxIterations; i++ {
		if c.bytesUsed+size <= c.config.MaxBytes && len(c.entries) < c.config.MaxItems {
			break
		}
		victim, ok := c.strategy.Evict()
		if !ok {
			break
		}
		c.removeEntryLocked(victim, ReasonCapacity)
	}

	if c.bytesUsed+size > c.config.MaxBytes || len(c.entries) >= c.config.MaxItems {
		c.mu.Unlock()
		return false
	}

	c.entries[key] = entry
	c.bytesUsed += size
	c.strategy.OnInsert(key, expiresAt(entry))
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.write(entry); err != nil {
			c.logger.Warn("persist failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
	}
	return true
}

// Get returns the cached value for key. Expired entries count as misses and
// are removed. With persistence enabled, the first miss per key checks the
// disk store.
func (c *Cache) Get(key string) (interface{}, bool) {
	start := time.Now()

	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok && entry.expired(start) {
		c.removeEntryLocked(key, ReasonTTL)
		c.expirations++
		ok = false
		entry = nil
	}

	if ok {
		entry.AccessCount++
		entry.LastAccessed = start
		c.strategy.OnAccess(key)
		c.hits++
		c.recordAccessLocked(start)
		value := entry.Value
		c.mu.Unlock()
		return value, true
	}

	c.misses++
	if c.store == nil || c.loadAttempted[key] {
		c.recordAccessLocked(start)
		c.mu.Unlock()
		return nil, false
	}
	c.loadAttempted[key] = true
	c.recordAccessLocked(start)
	c.mu.Unlock()

	return c.loadFromStore(key, start)
}

// loadFromStore performs the one-time disk lookup for a missed key.
func (c *Cache) loadFromStore(key string, now time.Time) (interface{}, bool) {
	pe, err := c.store.load(key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Warn("load from disk failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
		return nil, false
	}
	if pe.expired(now) {
		c.store.remove(key)
		return nil, false
	}

	ttl := pe.TTL
	var remaining time.Duration
	if ttl > 0 {
		remaining = time.Until(pe.CreatedAt.Add(ttl))
		if remaining <= 0 {
			return nil, false
		}
	}

	if !c.Set(key, pe.Value, WithTTL(remaining)) {
		return nil, false
	}
	return pe.Value, true
}

// Has reports whether key is resident and unexpired, without counting a hit
// or touching recency.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return false
	}
	if entry.expired(time.Now()) {
		c.removeEntryLocked(key, ReasonTTL)
		c.expirations++
		return false
	}
	return true
}

// Delete removes an entry. Returns whether it was resident.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	_, ok := c.entries[key]
	if ok {
		c.removeEntryLocked(key, ReasonDelete)
	}
	c.mu.Unlock()
	return ok
}

// Clear removes every entry and, with persistence on, the persisted files.
func (c *Cache) Clear() {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	c.entries = make(map[string]*Entry)
	c.loadAttempted = make(map[string]bool)
	c.bytesUsed = 0
	c.strategy.Clear()
	c.mu.Unlock()

	now := time.Now()
	for _, key := range keys {
		c.emit(Event{Key: key, Reason: ReasonClear, Time: now})
	}

	if c.store != nil {
		if err := c.store.wipe(); err != nil {
			c.logger.Warn("failed to clear persisted entries", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

// GetStats returns a snapshot of cache counters
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		BytesUsed:   c.bytesUsed,
		MaxBytes:    c.config.MaxBytes,
		Items:       len(c.entries),
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	if c.accessCount > 0 {
		stats.AvgAccessTime = c.totalAccessTime / time.Duration(c.accessCount)
	}
	stats.UtilizationPct = float64(c.bytesUsed) / float64(c.config.MaxBytes) * 100
	return stats
}

// Close stops the background loops and, with persistence on, writes a final
// snapshot.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.loops.Wait()

	if c.store != nil {
		return c.store.snapshot(c.residentEntries())
	}
	return nil
}

// removeEntryLocked drops an entry and notifies the strategy unless the
// removal was a capacity eviction the strategy already applied itself.
func (c *Cache) removeEntryLocked(key string, reason EvictionReason) {
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	c.bytesUsed -= entry.Size
	if reason != ReasonCapacity {
		c.strategy.OnRemove(key)
	} else {
		c.evictions++
	}

	c.emit(Event{Key: key, Reason: reason, Time: time.Now()})

	if c.store != nil {
		if err := c.store.remove(key); err != nil {
			c.logger.Warn("failed to remove persisted entry", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
	}
}

func (c *Cache) recordAccessLocked(start time.Time) {
	c.totalAccessTime += time.Since(start)
	c.accessCount++
}

func (c *Cache) residentEntries() []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := make([]*Entry, 0, len(c.entries))
	for _, entry := range c.entries {
		entries = append(entries, entry)
	}
	return entries
}

func (c *Cache) sweepLoop() {
	defer c.loops.Done()

	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep removes every expired entry in one pass.
func (c *Cache) sweep() {
	now := time.Now()

	c.mu.Lock()
	var expired []string
	for key, entry := range c.entries {
		if entry.expired(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		c.removeEntryLocked(key, ReasonTTL)
		c.expirations++
	}
	c.mu.Unlock()

	if len(expired) > 0 {
		c.logger.Debug("swept expired entries", map[string]interface{}{
			"count": len(expired),
		})
	}
}

func (c *Cache) snapshotLoop() {
	defer c.loops.Done()

	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.store.snapshot(c.residentEntries()); err != nil {
				c.logger.Warn("snapshot failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

func (c *Cache) emit(ev Event) {
	if c.config.OnEvent != nil {
		c.config.OnEvent(ev)
	}
}

func expiresAt(entry *Entry) time.Time {
	if entry.TTL <= 0 {
		return time.Time{}
	}
	return entry.CreatedAt.Add(entry.TTL)
}

// serializedSize charges each value by its serialized form: raw length for
// byte slices and strings, JSON length otherwise.
func serializedSize(value interface{}) (int64, error) {
	switch v := value.(type) {
	case []byte:
		return int64(len(v)), nil
	case string:
		return int64(len(v)), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return 0, err
		}
		return int64(len(data)), nil
	}
}
