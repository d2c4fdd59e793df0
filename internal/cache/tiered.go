package cache

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/imagecore/internal/codec"
	"github.com/objectfs/imagecore/internal/metrics"
	"github.com/objectfs/imagecore/pkg/errors"
	"github.com/objectfs/imagecore/pkg/memmon"
	"github.com/objectfs/imagecore/pkg/types"
	"github.com/objectfs/imagecore/pkg/utils"
)

// Tier says where an entry currently lives.
type Tier int

const (
	TierMemory Tier = iota
	TierMemoryAndSecondary
	TierSecondary
)

// String returns the string representation of the tier
func (t Tier) String() string {
	switch t {
	case TierMemory:
		return "memory"
	case TierMemoryAndSecondary:
		return "memory+secondary"
	case TierSecondary:
		return "secondary"
	default:
		return "unknown"
	}
}

// Entry describes a cached image without its pixels.
type Entry struct {
	Key         string           `json:"key"`
	Size        int64            `json:"size"`
	Compression CompressionLevel `json:"compression"`
	LastAccess  time.Time        `json:"last_access"`
	ExpiresAt   time.Time        `json:"expires_at"`
	Tier        Tier             `json:"tier"`
	Pinned      bool             `json:"pinned"`
}

// FetchResult is delivered exactly once per Fetch.
type FetchResult struct {
	Image      image.Image
	FromMemory bool
	Found      bool
	Err        error
}

// Statistics is a snapshot of both tiers.
type Statistics struct {
	Hits               uint64  `json:"hits"`
	Misses             uint64  `json:"misses"`
	MemoryHits         uint64  `json:"memory_hits"`
	SecondaryHits      uint64  `json:"secondary_hits"`
	HitRate            float64 `json:"hit_rate"`
	MemoryBytesUsed    int64   `json:"memory_bytes_used"`
	MemoryBudget       int64   `json:"memory_budget"`
	SecondaryBytesUsed int64   `json:"secondary_bytes_used"`
	SecondaryBudget    int64   `json:"secondary_budget"`
	EntryCount         int     `json:"entry_count"`
	SecondaryCount     int     `json:"secondary_count"`
	EvictionCount      uint64  `json:"eviction_count"`
}

// Memory returns the memory tier in the shared stats shape.
func (s Statistics) Memory() types.CacheStats {
	stats := types.CacheStats{
		Hits:      s.MemoryHits,
		Misses:    s.Misses + s.SecondaryHits,
		Evictions: s.EvictionCount,
		Entries:   s.EntryCount,
		Size:      s.MemoryBytesUsed,
		Capacity:  s.MemoryBudget,
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	if stats.Capacity > 0 {
		stats.Utilization = float64(stats.Size) / float64(stats.Capacity)
	}
	return stats
}

// PressureSource is the part of the memory monitor the cache listens to.
type PressureSource interface {
	CurrentLevel() memmon.PressureLevel
	OnLevelChange(func(memmon.PressureLevel)) func()
}

// Config represents tiered cache configuration
type Config struct {
	MemoryBudget           int64
	SecondaryBudget        int64
	TTL                    time.Duration
	CriticalRetainFraction float64
	UrgentRetainFraction   float64
	Workers                int
	Areas                  AreaThresholds

	// Store is the durable tier; nil disables it.
	Store SecondaryStore
	// Decoder defaults to codec.NewDecoder(0).
	Decoder  types.Decoder
	Pressure PressureSource
	Metrics  *metrics.Collector
	Logger   *utils.StructuredLogger
}

// DefaultConfig returns a 256 MiB memory tier and a 1 GiB secondary budget.
func DefaultConfig() Config {
	return Config{
		MemoryBudget:           256 << 20,
		SecondaryBudget:        1024 << 20,
		TTL:                    24 * time.Hour,
		CriticalRetainFraction: 0.5,
		UrgentRetainFraction:   0.1,
		Workers:                4,
		Areas:                  DefaultAreaThresholds(),
	}
}

// TieredCache keeps decoded images in a byte-budgeted LRU backed by an
// optional secondary store of encoded bytes.
type TieredCache struct {
	mu        sync.Mutex
	config    Config
	memory    *memoryTier
	secondary *secondaryIndex
	closed    bool

	hits          uint64
	misses        uint64
	memoryHits    uint64
	secondaryHits uint64
	evictions     uint64

	store   SecondaryStore
	decoder types.Decoder
	pool    *workerPool
	logger  *utils.StructuredLogger
	metrics *metrics.Collector

	pressure    atomic.Int32
	unsubscribe func()

	// secMu is held shared by in-flight secondary writes and exclusively by
	// ClearSecondary; generation invalidates writes queued before a clear.
	secMu      sync.RWMutex
	generation atomic.Uint64
	pending    sync.WaitGroup

	// persisting counts in-flight secondary writes per key and removals
	// counts Remove calls made while one was in flight. Both are guarded by
	// mu and dropped once a key has no writes left.
	persisting map[string]int
	removals   map[string]uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a tiered cache. When a store is configured its contents are
// indexed so earlier sessions' entries stay reachable.
func New(config Config) (*TieredCache, error) {
	defaults := DefaultConfig()
	if config.MemoryBudget <= 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "memory budget must be positive").
			WithComponent("cache")
	}
	if config.SecondaryBudget < 0 {
		config.SecondaryBudget = 0
	}
	if config.CriticalRetainFraction <= 0 || config.CriticalRetainFraction > 1 {
		config.CriticalRetainFraction = defaults.CriticalRetainFraction
	}
	if config.UrgentRetainFraction <= 0 || config.UrgentRetainFraction > 1 {
		config.UrgentRetainFraction = defaults.UrgentRetainFraction
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.Areas == (AreaThresholds{}) {
		config.Areas = defaults.Areas
	}
	if config.Decoder == nil {
		config.Decoder = codec.NewDecoder(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &TieredCache{
		config:     config,
		memory:     newMemoryTier(config.MemoryBudget),
		secondary:  newSecondaryIndex(config.SecondaryBudget),
		store:      config.Store,
		decoder:    config.Decoder,
		pool:       newWorkerPool(config.Workers),
		persisting: make(map[string]int),
		removals:   make(map[string]uint64),
		logger:     utils.OrNop(config.Logger).WithComponent("cache"),
		metrics:    config.Metrics,
		ctx:        ctx,
		cancel:     cancel,
	}

	if c.store != nil {
		objects, err := c.store.List(ctx)
		if err != nil {
			c.logger.Warn("Failed to index secondary store, starting empty", map[string]interface{}{"error": err})
		} else {
			c.secondary.load(objects)
			victims := c.secondary.trim("")
			c.deleteSecondary(victims)
		}
	}

	if config.Pressure != nil {
		c.pressure.Store(int32(config.Pressure.CurrentLevel()))
		c.unsubscribe = config.Pressure.OnLevelChange(c.HandlePressure)
	}

	c.logger.Info("Tiered cache ready", map[string]interface{}{
		"memory_budget":    utils.FormatBytes(config.MemoryBudget),
		"secondary_budget": utils.FormatBytes(config.SecondaryBudget),
		"secondary":        c.store != nil,
		"indexed":          c.secondary.len(),
	})
	return c, nil
}

// Store compresses img and inserts it into memory, evicting least recently
// used entries to stay within budget. With persist the encoded image is
// written to the secondary tier in the background.
func (c *TieredCache) Store(key string, img image.Image, level CompressionLevel, persist bool) error {
	if img == nil {
		return errors.NewError(errors.ErrCodeInternalError, "nil image").
			WithComponent("cache").WithOperation("store").WithDetail("key", key)
	}

	compressed := compressImage(img, level)
	now := time.Now()
	entry := &memoryEntry{
		key:         key,
		img:         compressed,
		size:        types.DecodedSize(compressed),
		compression: level,
		storedAt:    now,
		accessedAt:  now,
	}
	if c.config.TTL > 0 {
		entry.expiresAt = now.Add(c.config.TTL)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.NewError(errors.ErrCodeComponentStopped, "cache is closed").
			WithComponent("cache").WithOperation("store")
	}
	evicted, err := c.memory.put(entry)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.evictions += uint64(len(evicted))
	used := c.memory.used
	writeSecondary := persist && c.store != nil && c.secondary.budget > 0
	var removals uint64
	if writeSecondary {
		c.pending.Add(1)
		c.persisting[key]++
		removals = c.removals[key]
	}
	c.mu.Unlock()

	c.metrics.RecordEvictions("memory", "capacity", len(evicted))
	c.metrics.UpdateCacheBytes("memory", used)
	if len(evicted) > 0 {
		c.logger.Debug("Evicted entries to fit budget", map[string]interface{}{
			"key":     key,
			"evicted": len(evicted),
			"used":    utils.FormatBytes(used),
		})
	}

	if writeSecondary {
		go c.persist(key, compressed, level, c.generation.Load(), removals)
	}
	return nil
}

// persist encodes and writes one entry to the secondary store. Writes
// started before a ClearSecondary or a Remove of the same key are dropped.
func (c *TieredCache) persist(key string, img image.Image, level CompressionLevel, generation, removals uint64) {
	defer c.pending.Done()
	defer c.releasePersist(key)
	start := time.Now()

	data, err := c.pool.encode(c.ctx, img, level)
	if err != nil {
		c.logger.Warn("Failed to encode image for secondary tier", map[string]interface{}{
			"key":   key,
			"error": err,
		})
		c.metrics.RecordOperation("secondary_write", time.Since(start), false)
		return
	}

	c.secMu.RLock()
	defer c.secMu.RUnlock()

	if c.generation.Load() != generation {
		c.logger.Debug("Dropping secondary write after clear", map[string]interface{}{"key": key})
		return
	}
	if c.removedSince(key, removals) {
		c.logger.Debug("Dropping secondary write after remove", map[string]interface{}{"key": key})
		return
	}

	size, err := c.store.Put(c.ctx, key, data)
	c.metrics.RecordOperation("secondary_write", time.Since(start), err == nil)
	if err != nil {
		c.logger.Warn("Failed to write secondary tier", map[string]interface{}{
			"key":   key,
			"error": err,
		})
		return
	}

	c.mu.Lock()
	if c.removals[key] != removals {
		c.mu.Unlock()
		c.logger.Debug("Key removed during secondary write", map[string]interface{}{"key": key})
		if err := c.store.Delete(c.ctx, key); err != nil {
			c.logger.Warn("Failed to delete secondary entry", map[string]interface{}{
				"key":   key,
				"error": err,
			})
		}
		return
	}
	victims := c.secondary.add(key, size, level, time.Now())
	if e, ok := c.memory.peek(key); ok {
		e.persisted = true
	}
	used := c.secondary.used
	c.mu.Unlock()

	c.metrics.UpdateCacheBytes("secondary", used)
	c.metrics.RecordEvictions("secondary", "capacity", len(victims))
	for _, victim := range victims {
		if err := c.store.Delete(c.ctx, victim); err != nil {
			c.logger.Warn("Failed to trim secondary tier", map[string]interface{}{
				"key":   victim,
				"error": err,
			})
		}
	}
}

func (c *TieredCache) removedSince(key string, removals uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removals[key] != removals
}

func (c *TieredCache) releasePersist(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.persisting[key]--; c.persisting[key] <= 0 {
		delete(c.persisting, key)
		delete(c.removals, key)
	}
}

// Fetch looks key up in memory, then in the secondary tier. A secondary hit
// is decoded and promoted into memory. Exactly one result is delivered.
func (c *TieredCache) Fetch(ctx context.Context, key string) <-chan FetchResult {
	out := make(chan FetchResult, 1)
	now := time.Now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		out <- FetchResult{Err: errors.NewError(errors.ErrCodeComponentStopped, "cache is closed").
			WithComponent("cache").WithOperation("fetch")}
		close(out)
		return out
	}

	if e, ok := c.memory.get(key, now); ok {
		if !e.expired(now) {
			c.hits++
			c.memoryHits++
			img := e.img
			c.mu.Unlock()
			c.metrics.RecordCacheRequest("memory", true)
			out <- FetchResult{Image: img, FromMemory: true, Found: true}
			close(out)
			return out
		}
		c.memory.remove(key)
	}

	inSecondary := false
	if se, ok := c.secondary.get(key); ok {
		if c.config.TTL > 0 && now.Sub(se.storedAt) > c.config.TTL {
			c.secondary.remove(key)
			c.deleteSecondaryLocked([]string{key})
		} else {
			inSecondary = true
		}
	}
	if !inSecondary {
		c.misses++
		c.mu.Unlock()
		c.metrics.RecordCacheRequest("memory", false)
		out <- FetchResult{}
		close(out)
		return out
	}
	c.pending.Add(1)
	c.mu.Unlock()
	c.metrics.RecordCacheRequest("memory", false)

	go func() {
		defer c.pending.Done()
		defer close(out)
		out <- c.fetchSecondary(ctx, key)
	}()
	return out
}

func (c *TieredCache) fetchSecondary(ctx context.Context, key string) FetchResult {
	start := time.Now()

	data, err := c.store.Get(ctx, key)
	if err != nil {
		c.mu.Lock()
		c.misses++
		if errors.IsNotFound(err) {
			c.secondary.remove(key)
		}
		c.mu.Unlock()
		c.metrics.RecordCacheRequest("secondary", false)
		c.metrics.RecordOperation("secondary_read", time.Since(start), false)
		if errors.IsNotFound(err) {
			return FetchResult{}
		}
		return FetchResult{Err: err}
	}
	c.metrics.RecordOperation("secondary_read", time.Since(start), true)

	img, err := c.pool.decode(ctx, c.decoder, data)
	if err != nil {
		c.mu.Lock()
		c.misses++
		if !errors.IsCancelled(err) {
			// Undecodable bytes are useless; drop them.
			c.secondary.remove(key)
			c.deleteSecondaryLocked([]string{key})
		}
		c.mu.Unlock()
		c.logger.Warn("Failed to decode secondary entry", map[string]interface{}{
			"key":   key,
			"error": err,
		})
		return FetchResult{Err: err}
	}

	now := time.Now()
	c.mu.Lock()
	c.hits++
	c.secondaryHits++
	level := CompressionNone
	if se, ok := c.secondary.touch(key, now); ok {
		level = se.compression
	}
	entry := &memoryEntry{
		key:         key,
		img:         img,
		size:        types.DecodedSize(img),
		compression: level,
		storedAt:    now,
		accessedAt:  now,
		persisted:   true,
	}
	if c.config.TTL > 0 {
		entry.expiresAt = now.Add(c.config.TTL)
	}
	evicted, perr := c.memory.put(entry)
	c.evictions += uint64(len(evicted))
	used := c.memory.used
	c.mu.Unlock()

	c.metrics.RecordCacheRequest("secondary", true)
	c.metrics.RecordEvictions("memory", "capacity", len(evicted))
	c.metrics.UpdateCacheBytes("memory", used)
	if perr != nil {
		c.logger.Debug("Secondary hit too large to promote", map[string]interface{}{"key": key})
	}
	return FetchResult{Image: img, Found: true}
}

// Get is a synchronous memory-only lookup. It refreshes recency but does not
// count towards statistics.
func (c *TieredCache) Get(key string) (image.Image, bool) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.memory.get(key, now)
	if !ok || e.expired(now) {
		return nil, false
	}
	return e.img, true
}

// Contains reports which tiers hold key.
func (c *TieredCache) Contains(key string) (inMemory, inSecondary bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, inMemory = c.memory.peek(key)
	_, inSecondary = c.secondary.get(key)
	return inMemory, inSecondary
}

// Lookup describes the entry for key.
func (c *TieredCache) Lookup(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	me, inMemory := c.memory.peek(key)
	se, inSecondary := c.secondary.get(key)
	switch {
	case inMemory:
		tier := TierMemory
		if inSecondary {
			tier = TierMemoryAndSecondary
		}
		return Entry{
			Key:         key,
			Size:        me.size,
			Compression: me.compression,
			LastAccess:  me.accessedAt,
			ExpiresAt:   me.expiresAt,
			Tier:        tier,
			Pinned:      me.pinned,
		}, true
	case inSecondary:
		e := Entry{
			Key:         key,
			Size:        se.size,
			Compression: se.compression,
			LastAccess:  se.accessedAt,
			Tier:        TierSecondary,
		}
		if c.config.TTL > 0 {
			e.ExpiresAt = se.storedAt.Add(c.config.TTL)
		}
		return e, true
	default:
		return Entry{}, false
	}
}

// Decode decodes data on the worker pool.
func (c *TieredCache) Decode(ctx context.Context, data []byte) (image.Image, error) {
	return c.pool.decode(ctx, c.decoder, data)
}

// DecodeAndStore decodes data on the worker pool and stores the result. The
// decoded image is delivered even when it cannot be cached.
func (c *TieredCache) DecodeAndStore(ctx context.Context, key string, data []byte, level CompressionLevel, persist bool) <-chan FetchResult {
	out := make(chan FetchResult, 1)
	go func() {
		defer close(out)
		img, err := c.Decode(ctx, data)
		if err != nil {
			out <- FetchResult{Err: err}
			return
		}
		if err := c.Store(key, img, level, persist); err != nil {
			c.logger.Warn("Decoded image not cached", map[string]interface{}{
				"key":   key,
				"error": err,
			})
		}
		out <- FetchResult{Image: img, Found: true}
	}()
	return out
}

// Remove drops key from both tiers. Secondary writes of key still in flight
// are discarded.
func (c *TieredCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.persisting[key] > 0 {
		c.removals[key]++
	}
	c.memory.remove(key)
	if c.secondary.remove(key) {
		c.deleteSecondaryLocked([]string{key})
	}
	c.metrics.UpdateCacheBytes("memory", c.memory.used)
}

// ClearMemory empties the memory tier. A Store racing it is applied either
// wholly before the clear, and removed by it, or wholly after it and kept;
// the byte count always matches the resident entries.
func (c *TieredCache) ClearMemory() {
	c.mu.Lock()
	n := c.memory.clear()
	c.evictions += uint64(n)
	c.mu.Unlock()

	c.metrics.RecordEvictions("memory", "cleared", n)
	c.metrics.UpdateCacheBytes("memory", 0)
	c.logger.Info("Memory tier cleared", map[string]interface{}{"entries": n})
}

// ClearSecondary empties the secondary tier. Writes still in flight from
// before the call are discarded.
func (c *TieredCache) ClearSecondary(ctx context.Context) error {
	c.secMu.Lock()
	defer c.secMu.Unlock()

	c.generation.Add(1)

	c.mu.Lock()
	n := c.secondary.clear()
	c.mu.Unlock()
	c.metrics.RecordEvictions("secondary", "cleared", n)
	c.metrics.UpdateCacheBytes("secondary", 0)

	if c.store == nil {
		return nil
	}
	if err := c.store.Clear(ctx); err != nil {
		return err
	}
	c.logger.Info("Secondary tier cleared", map[string]interface{}{"entries": n})
	return nil
}

// EvictExpired removes entries older than the TTL from both tiers and returns
// how many were removed.
func (c *TieredCache) EvictExpired() int {
	if c.config.TTL <= 0 {
		return 0
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	expired := c.memory.removeExpired(now)
	keys := c.secondary.expired(now.Add(-c.config.TTL))
	c.deleteSecondaryLocked(keys)
	c.evictions += uint64(len(expired))

	c.metrics.RecordEvictions("memory", "expired", len(expired))
	c.metrics.RecordEvictions("secondary", "expired", len(keys))
	return len(expired) + len(keys)
}

// Statistics returns a snapshot of both tiers.
func (c *TieredCache) Statistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Statistics{
		Hits:               c.hits,
		Misses:             c.misses,
		MemoryHits:         c.memoryHits,
		SecondaryHits:      c.secondaryHits,
		MemoryBytesUsed:    c.memory.used,
		MemoryBudget:       c.memory.budget,
		SecondaryBytesUsed: c.secondary.used,
		SecondaryBudget:    c.secondary.budget,
		EntryCount:         c.memory.len(),
		SecondaryCount:     c.secondary.len(),
		EvictionCount:      c.evictions,
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// RecommendedCompressionLevel picks a level for an image of the given size
// under the current memory pressure.
func (c *TieredCache) RecommendedCompressionLevel(width, height int) CompressionLevel {
	return RecommendLevel(width, height, c.config.Areas, memmon.PressureLevel(c.pressure.Load()))
}

// SetMemoryBudget changes the memory budget and evicts down to it.
func (c *TieredCache) SetMemoryBudget(mb int) {
	c.mu.Lock()
	evicted := c.memory.setBudget(int64(mb) << 20)
	c.evictions += uint64(len(evicted))
	used := c.memory.used
	c.mu.Unlock()

	c.metrics.RecordEvictions("memory", "capacity", len(evicted))
	c.metrics.UpdateCacheBytes("memory", used)
}

// SetSecondaryBudget changes the secondary budget; zero stops secondary writes.
func (c *TieredCache) SetSecondaryBudget(mb int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	victims := c.secondary.setBudget(int64(mb) << 20)
	c.deleteSecondaryLocked(victims)
	c.metrics.RecordEvictions("secondary", "capacity", len(victims))
}

// Pin marks key as preferred under urgent pressure. It reports whether key
// is in memory.
func (c *TieredCache) Pin(key string) bool {
	return c.setPinned(key, true)
}

// Unpin clears the pin on key.
func (c *TieredCache) Unpin(key string) bool {
	return c.setPinned(key, false)
}

func (c *TieredCache) setPinned(key string, pinned bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.memory.peek(key)
	if ok {
		e.pinned = pinned
	}
	return ok
}

// HandlePressure trims the memory tier for a pressure level. Critical keeps
// CriticalRetainFraction of the budget; Urgent keeps only pinned entries up
// to UrgentRetainFraction of the budget.
func (c *TieredCache) HandlePressure(level memmon.PressureLevel) {
	c.pressure.Store(int32(level))

	c.mu.Lock()
	before := c.memory.used
	var evicted []*memoryEntry
	switch level {
	case memmon.PressureCritical:
		target := int64(float64(c.memory.budget) * c.config.CriticalRetainFraction)
		evicted = c.memory.trimTo(target, "")
	case memmon.PressureUrgent:
		evicted = c.memory.evictUnpinned()
		target := int64(float64(c.memory.budget) * c.config.UrgentRetainFraction)
		evicted = append(evicted, c.memory.trimTo(target, "")...)
	}
	c.evictions += uint64(len(evicted))
	after := c.memory.used
	c.mu.Unlock()

	if len(evicted) == 0 {
		return
	}
	c.metrics.RecordEvictions("memory", "pressure", len(evicted))
	c.metrics.UpdateCacheBytes("memory", after)
	c.logger.Info("Trimmed memory tier for pressure", map[string]interface{}{
		"level":   level.String(),
		"evicted": len(evicted),
		"freed":   utils.FormatBytes(before - after),
		"used":    utils.FormatBytes(after),
	})
}

// Flush waits for background secondary writes and reads to finish.
func (c *TieredCache) Flush() {
	c.pending.Wait()
}

// Close detaches from the pressure source, flushes pending writes and closes
// the secondary store.
func (c *TieredCache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.pending.Wait()
	c.cancel()
	c.pool.close()

	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// deleteSecondaryLocked removes keys from the store in the background.
// Callers hold c.mu.
func (c *TieredCache) deleteSecondaryLocked(keys []string) {
	if len(keys) == 0 || c.store == nil || c.closed {
		return
	}
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		c.secMu.RLock()
		defer c.secMu.RUnlock()
		for _, key := range keys {
			if err := c.store.Delete(c.ctx, key); err != nil {
				c.logger.Warn("Failed to delete secondary entry", map[string]interface{}{
					"key":   key,
					"error": err,
				})
			}
		}
	}()
}

func (c *TieredCache) deleteSecondary(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteSecondaryLocked(keys)
}
