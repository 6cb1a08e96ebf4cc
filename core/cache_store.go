package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// CacheConfig holds configuration for the cache store.
type CacheConfig struct {
	// MaxEntryMB is the hard per-key size limit. Oversize writes fail with
	// ErrResourceExhausted and do not partially mutate state.
	MaxEntryMB float64
	// EntryTTL ages entries out during Cleanup. Zero disables aging.
	EntryTTL time.Duration
	// WriteRetries bounds retries of transient underlying-store failures.
	WriteRetries int
	// WriteRetryDelay is the initial backoff between write retries.
	WriteRetryDelay time.Duration
	Logger          Logger
}

// DefaultCacheConfig returns production-ready defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxEntryMB:      100,
		EntryTTL:        time.Hour,
		WriteRetries:    3,
		WriteRetryDelay: 100 * time.Millisecond,
		Logger:          &NoOpLogger{},
	}
}

// cacheEntry is the stored artifact plus its bookkeeping.
type cacheEntry struct {
	Value     interface{}            `json:"value"`
	SizeMB    float64                `json:"size_mb"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// CacheStore is a keyed artifact cache over the state store's "cache:"
// keyspace with size accounting through the memory tracker and hit/miss
// metrics through the metrics store.
type CacheStore struct {
	config  CacheConfig
	logger  Logger
	state   *StateStore
	metrics *MetricsStore
	tracker *MemoryTracker
	bus     *EventBus

	mu      sync.Mutex
	entries map[string]cacheEntry
}

const (
	cacheKeyPrefix     = "cache:"
	cacheComponentName = "cache_store"
)

// NewCacheStore creates a cache store. tracker and metrics may be nil when
// size accounting or metrics are not wanted.
func NewCacheStore(config CacheConfig, state *StateStore, metrics *MetricsStore, tracker *MemoryTracker, bus *EventBus) *CacheStore {
	if config.Logger == nil {
		config.Logger = &NoOpLogger{}
	}
	if config.MaxEntryMB <= 0 {
		config.MaxEntryMB = 100
	}
	if config.WriteRetries <= 0 {
		config.WriteRetries = 3
	}
	if config.WriteRetryDelay <= 0 {
		config.WriteRetryDelay = 100 * time.Millisecond
	}
	c := &CacheStore{
		config:  config,
		logger:  config.Logger,
		state:   state,
		metrics: metrics,
		tracker: tracker,
		bus:     bus,
		entries: make(map[string]cacheEntry),
	}
	if tracker != nil {
		tracker.RegisterComponent(cacheComponentName, MemoryThresholds{
			PerResourceMaxMB: config.MaxEntryMB,
			WarningPercent:   0.7,
			CriticalPercent:  0.9,
		})
	}
	return c
}

// SetCache stores value under key. Values strictly larger than MaxEntryMB are
// refused with ErrResourceExhausted before any state is touched.
func (c *CacheStore) SetCache(ctx context.Context, key string, value interface{}, metadata map[string]interface{}) error {
	start := time.Now()
	sizeMB, err := estimateSizeMB(value)
	if err != nil {
		return fmt.Errorf("sizing cache value for %q: %w", key, err)
	}
	if sizeMB > c.config.MaxEntryMB {
		c.logger.Warn("Cache value refused: over size limit", map[string]interface{}{
			"operation": "cache_set",
			"key":       key,
			"size_mb":   sizeMB,
			"max_mb":    c.config.MaxEntryMB,
		})
		if c.bus != nil {
			//nolint:errcheck
			c.bus.Emit(EventResourceAlertCreated, map[string]interface{}{
				"source":   cacheComponentName,
				"severity": "CRITICAL",
				"key":      key,
				"size_mb":  sizeMB,
				"max_mb":   c.config.MaxEntryMB,
			})
		}
		return fmt.Errorf("cache value for %q is %.2f MB, limit %.2f MB: %w", key, sizeMB, c.config.MaxEntryMB, ErrResourceExhausted)
	}

	entry := cacheEntry{
		Value:     value,
		SizeMB:    sizeMB,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}

	// Transient underlying failures are retried with exponential backoff;
	// anything else surfaces immediately.
	delay := c.config.WriteRetryDelay
	for attempt := 1; ; attempt++ {
		_, err = c.state.SetState(ctx, cacheKeyPrefix+key, entry, ResourceCache, metadata)
		if err == nil {
			break
		}
		if !IsRetryable(err) || attempt >= c.config.WriteRetries {
			return fmt.Errorf("storing cache entry %q: %w", key, err)
		}
		time.Sleep(delay)
		delay *= 2
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()

	if c.tracker != nil {
		//nolint:errcheck // size was checked against the same limit above
		c.tracker.TrackResource(key, sizeMB, cacheComponentName)
	}
	c.recordMetric(ctx, "cache.set.duration_ms", float64(time.Since(start).Milliseconds()))
	return nil
}

// GetCache returns the cached value for key, or nil when absent.
func (c *CacheStore) GetCache(ctx context.Context, key string) (interface{}, bool) {
	start := time.Now()
	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()

	if !ok {
		c.recordMetric(ctx, "cache.miss", 1)
		return nil, false
	}
	if c.config.EntryTTL > 0 && time.Since(entry.CreatedAt) > c.config.EntryTTL {
		c.Invalidate(ctx, key)
		c.recordMetric(ctx, "cache.miss", 1)
		return nil, false
	}
	c.recordMetric(ctx, "cache.hit", 1)
	c.recordMetric(ctx, "cache.get.duration_ms", float64(time.Since(start).Milliseconds()))
	return entry.Value, true
}

// Invalidate removes key from the cache. Unknown keys are a no-op.
func (c *CacheStore) Invalidate(ctx context.Context, key string) {
	c.mu.Lock()
	_, existed := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()
	if !existed {
		return
	}
	if c.tracker != nil {
		c.tracker.UntrackResource(key, cacheComponentName)
	}
	//nolint:errcheck // tombstone write is best-effort
	c.state.SetState(ctx, cacheKeyPrefix+key, nil, ResourceCache, map[string]interface{}{"invalidated": true})
	c.logger.Debug("Cache entry invalidated", map[string]interface{}{
		"operation": "cache_invalidate",
		"key":       key,
	})
}

// Cleanup removes aged entries; force removes everything regardless of age.
// Returns the number of entries removed.
func (c *CacheStore) Cleanup(ctx context.Context, force bool) int {
	c.mu.Lock()
	var stale []string
	for key, entry := range c.entries {
		if force || (c.config.EntryTTL > 0 && time.Since(entry.CreatedAt) > c.config.EntryTTL) {
			stale = append(stale, key)
		}
	}
	c.mu.Unlock()

	for _, key := range stale {
		c.Invalidate(ctx, key)
	}
	if len(stale) > 0 {
		c.logger.Info("Cache cleanup complete", map[string]interface{}{
			"operation": "cache_cleanup",
			"removed":   len(stale),
			"forced":    force,
		})
	}
	return len(stale)
}

// TotalSizeMB reports the summed size of live entries.
func (c *CacheStore) TotalSizeMB() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0.0
	for _, entry := range c.entries {
		total += entry.SizeMB
	}
	return total
}

func (c *CacheStore) recordMetric(ctx context.Context, name string, value float64) {
	if c.metrics == nil {
		return
	}
	//nolint:errcheck // cache metrics are best-effort
	c.metrics.RecordMetric(ctx, name, value, nil)
}

// estimateSizeMB approximates the in-memory footprint of a value by its JSON
// encoding. Good enough for quota purposes; exactness is not required.
func estimateSizeMB(value interface{}) (float64, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("%w: value not serializable", ErrInvalidConfiguration)
	}
	return float64(len(raw)) / (1024 * 1024), nil
}
