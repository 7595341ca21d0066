// plugin_cache.go: Per-plugin namespaced caches with LRU eviction
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pierrec/lz4"
)

// CacheEvictionReason says why an entry left a namespace without being deleted.
type CacheEvictionReason string

const (
	CacheEvictionCapacity CacheEvictionReason = "capacity"
	CacheEvictionExpired  CacheEvictionReason = "expired"
)

// CacheEvictionEvent is published for every capacity or expiry eviction.
type CacheEvictionEvent struct {
	PluginID  string              `json:"plugin_id"`
	Key       string              `json:"key"`
	Reason    CacheEvictionReason `json:"reason"`
	Timestamp time.Time           `json:"timestamp"`
}

// CacheStats describes one plugin namespace.
type CacheStats struct {
	Hits            uint64  `json:"hits"`
	Misses          uint64  `json:"misses"`
	HitRate         float64 `json:"hit_rate"`
	TotalItems      int     `json:"total_items"`
	Evictions       uint64  `json:"evictions"`
	CompressedItems int64   `json:"compressed_items"`
	StoredBytes     int64   `json:"stored_bytes"`
}

type cacheEntry struct {
	data       []byte
	compressed bool
}

type cacheNamespace struct {
	pluginID   string
	cache      *ttlcache.Cache[string, cacheEntry]
	setMu      sync.Mutex
	hits       atomic.Uint64
	misses     atomic.Uint64
	evictions  atomic.Uint64
	compressed atomic.Int64
	bytes      atomic.Int64
	expiring   bool
}

// PluginCache keeps one isolated ttlcache per plugin id. Keys never leak
// between namespaces.
type PluginCache struct {
	logger Logger

	mu         sync.RWMutex
	config     CacheConfig
	namespaces map[string]*cacheNamespace

	evictions *EventBus[CacheEvictionEvent]
	queueMu   sync.Mutex
	queue     []CacheEvictionEvent
	signal    chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewPluginCache creates an empty cache manager.
func NewPluginCache(config CacheConfig, logger any) *PluginCache {
	config.ApplyDefaults()
	c := &PluginCache{
		logger:     NewLogger(logger).With("component", "plugin_cache"),
		config:     config,
		namespaces: make(map[string]*cacheNamespace),
		evictions:  NewEventBus[CacheEvictionEvent](),
		signal:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.dispatchEvictions()
	return c
}

// EvictionEvents returns the bus carrying eviction notices. Events are
// delivered from a dispatcher goroutine, so handlers may call back into
// the cache.
func (c *PluginCache) EvictionEvents() *EventBus[CacheEvictionEvent] { return c.evictions }

// Set stores value under key for pluginID using the default TTL.
func (c *PluginCache) Set(pluginID, key string, value any) error {
	return c.SetWithTTL(pluginID, key, value, ttlcache.DefaultTTL)
}

// SetWithTTL stores value with an explicit TTL. Without LRU a full
// namespace rejects new keys; existing keys can still be overwritten.
func (c *PluginCache) SetWithTTL(pluginID, key string, value any, ttl time.Duration) error {
	data, err := encodeCacheValue(value)
	if err != nil {
		return NewCacheSerializationError(key, err)
	}

	c.mu.RLock()
	threshold := c.config.CompressionThreshold
	lru := c.config.EnableLRU
	maxItems := c.config.MaxItems
	c.mu.RUnlock()

	entry := cacheEntry{data: data}
	if threshold > 0 && len(data) > threshold {
		if packed, err := compressCacheValue(data); err == nil && len(packed) < len(data) {
			entry = cacheEntry{data: packed, compressed: true}
		}
	}

	ns := c.namespace(pluginID, true)
	ns.setMu.Lock()
	defer ns.setMu.Unlock()

	previous := ns.cache.Get(key, ttlcache.WithDisableTouchOnHit[string, cacheEntry]())
	if previous == nil && !lru && ns.cache.Len() >= maxItems {
		return NewCacheFullError(pluginID, maxItems)
	}
	if previous != nil {
		ns.account(previous.Value(), -1)
	}
	ns.cache.Set(key, entry, ttl)
	ns.account(entry, 1)
	return nil
}

// Get returns the raw JSON stored under key. Reads never create a
// namespace, so a cleared plugin stays cleared until it writes again.
func (c *PluginCache) Get(pluginID, key string) (json.RawMessage, bool) {
	ns := c.namespace(pluginID, false)
	if ns == nil {
		return nil, false
	}
	item := ns.cache.Get(key)
	if item == nil {
		ns.misses.Add(1)
		return nil, false
	}
	ns.hits.Add(1)
	entry := item.Value()
	if !entry.compressed {
		return json.RawMessage(entry.data), true
	}
	data, err := decompressCacheValue(entry.data)
	if err != nil {
		c.logger.Error("corrupt compressed cache entry", "plugin_id", pluginID, "key", key, "error", err)
		return nil, false
	}
	return json.RawMessage(data), true
}

// GetInto decodes the value under key into dst.
func (c *PluginCache) GetInto(pluginID, key string, dst any) (bool, error) {
	raw, ok := c.Get(pluginID, key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, NewCacheSerializationError(key, err)
	}
	return true, nil
}

// Delete removes key and reports whether it was present.
func (c *PluginCache) Delete(pluginID, key string) bool {
	ns := c.namespace(pluginID, false)
	if ns == nil {
		return false
	}
	ns.setMu.Lock()
	defer ns.setMu.Unlock()
	item := ns.cache.Get(key, ttlcache.WithDisableTouchOnHit[string, cacheEntry]())
	if item == nil {
		return false
	}
	ns.account(item.Value(), -1)
	ns.cache.Delete(key)
	return true
}

// Keys lists the live keys of a namespace.
func (c *PluginCache) Keys(pluginID string) []string {
	ns := c.namespace(pluginID, false)
	if ns == nil {
		return nil
	}
	return ns.cache.Keys()
}

// Stats reports counters for one namespace; unknown plugins yield zeros.
func (c *PluginCache) Stats(pluginID string) CacheStats {
	ns := c.namespace(pluginID, false)
	if ns == nil {
		return CacheStats{}
	}
	stats := CacheStats{
		Hits:            ns.hits.Load(),
		Misses:          ns.misses.Load(),
		TotalItems:      ns.cache.Len(),
		Evictions:       ns.evictions.Load(),
		CompressedItems: ns.compressed.Load(),
		StoredBytes:     ns.bytes.Load(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// ClearPlugin drops a plugin's namespace entirely.
func (c *PluginCache) ClearPlugin(pluginID string) {
	c.mu.Lock()
	ns, ok := c.namespaces[pluginID]
	delete(c.namespaces, pluginID)
	c.mu.Unlock()
	if !ok {
		return
	}
	ns.cache.DeleteAll()
	if ns.expiring {
		ns.cache.Stop()
	}
	c.logger.Debug("cleared plugin cache", "plugin_id", pluginID)
}

// UpdateConfig changes limits for namespaces created afterwards; existing
// namespaces keep the capacity and TTL they were built with.
func (c *PluginCache) UpdateConfig(config CacheConfig) {
	config.ApplyDefaults()
	c.mu.Lock()
	c.config = config
	c.mu.Unlock()
}

// Namespaces returns how many plugin namespaces exist.
func (c *PluginCache) Namespaces() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.namespaces)
}

// Close clears every namespace and stops event dispatch.
func (c *PluginCache) Close() {
	c.mu.RLock()
	ids := make([]string, 0, len(c.namespaces))
	for id := range c.namespaces {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	for _, id := range ids {
		c.ClearPlugin(id)
	}
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
	})
}

func (c *PluginCache) namespace(pluginID string, create bool) *cacheNamespace {
	c.mu.RLock()
	ns, ok := c.namespaces[pluginID]
	c.mu.RUnlock()
	if ok || !create {
		return ns
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ns, ok = c.namespaces[pluginID]; ok {
		return ns
	}
	ns = c.newNamespaceLocked(pluginID)
	c.namespaces[pluginID] = ns
	return ns
}

func (c *PluginCache) newNamespaceLocked(pluginID string) *cacheNamespace {
	opts := []ttlcache.Option[string, cacheEntry]{
		ttlcache.WithCapacity[string, cacheEntry](uint64(c.config.MaxItems)),
	}
	if c.config.DefaultTTL > 0 {
		opts = append(opts, ttlcache.WithTTL[string, cacheEntry](c.config.DefaultTTL))
	}
	ns := &cacheNamespace{
		pluginID: pluginID,
		cache:    ttlcache.New[string, cacheEntry](opts...),
		expiring: c.config.DefaultTTL > 0,
	}
	ns.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, cacheEntry]) {
		var r CacheEvictionReason
		switch reason {
		case ttlcache.EvictionReasonCapacityReached:
			r = CacheEvictionCapacity
		case ttlcache.EvictionReasonExpired:
			r = CacheEvictionExpired
		default:
			return
		}
		ns.evictions.Add(1)
		ns.account(item.Value(), -1)
		c.enqueueEviction(CacheEvictionEvent{PluginID: pluginID, Key: item.Key(), Reason: r, Timestamp: time.Now()})
	})
	if ns.expiring {
		go ns.cache.Start()
	}
	return ns
}

func (ns *cacheNamespace) account(entry cacheEntry, sign int64) {
	ns.bytes.Add(sign * int64(len(entry.data)))
	if entry.compressed {
		ns.compressed.Add(sign)
	}
}

// enqueueEviction never blocks: ttlcache invokes eviction hooks while it
// holds its own lock.
func (c *PluginCache) enqueueEviction(event CacheEvictionEvent) {
	c.queueMu.Lock()
	c.queue = append(c.queue, event)
	c.queueMu.Unlock()
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *PluginCache) dispatchEvictions() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			c.flushEvictions()
			return
		case <-c.signal:
			c.flushEvictions()
		}
	}
}

func (c *PluginCache) flushEvictions() {
	c.queueMu.Lock()
	pending := c.queue
	c.queue = nil
	c.queueMu.Unlock()
	for _, event := range pending {
		c.evictions.Publish(event)
	}
}

var errInvalidRawJSON = stderrors.New("value is not valid JSON")

func encodeCacheValue(value any) ([]byte, error) {
	switch v := value.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errInvalidRawJSON
		}
		return append([]byte(nil), v...), nil
	default:
		return json.Marshal(value)
	}
}

func compressCacheValue(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressCacheValue(data []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
}
