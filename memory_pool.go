// memory_pool.go: Logical memory accounting shared by all plugins
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/google/uuid"
)

// MemoryBlock is one outstanding allocation. Reserved is the aligned size
// actually charged to the pool and may exceed Size when a larger free slot
// was reused.
type MemoryBlock struct {
	ID          string    `json:"id"`
	Size        int64     `json:"size"`
	Reserved    int64     `json:"reserved"`
	Owner       string    `json:"owner,omitempty"`
	AllocatedAt time.Time `json:"allocated_at"`
}

// MemoryPressureEvent is published when usage crosses the configured threshold.
type MemoryPressureEvent struct {
	Usage       int64     `json:"usage"`
	Threshold   float64   `json:"threshold"`
	UsageRatio  float64   `json:"usage_ratio"`
	MaxPoolSize int64     `json:"max_pool_size"`
	Timestamp   time.Time `json:"timestamp"`
}

// MemoryRelievedEvent is published when usage falls back below the threshold
// after a pressure event.
type MemoryRelievedEvent struct {
	Usage      int64     `json:"usage"`
	UsageRatio float64   `json:"usage_ratio"`
	Timestamp  time.Time `json:"timestamp"`
}

// MemoryPoolStats is a point-in-time snapshot of the pool. TotalAllocated
// and TotalFreed count calls, so ActiveBlocks == TotalAllocated - TotalFreed.
type MemoryPoolStats struct {
	TotalAllocated     uint64  `json:"total_allocated"`
	TotalFreed         uint64  `json:"total_freed"`
	ActiveBlocks       int     `json:"active_blocks"`
	CurrentUsage       int64   `json:"current_usage"`
	PeakUsage          int64   `json:"peak_usage"`
	PooledBytes        int64   `json:"pooled_bytes"`
	FreeSlots          int     `json:"free_slots"`
	FragmentationRatio float64 `json:"fragmentation_ratio"`
	MaxPoolSize        int64   `json:"max_pool_size"`
	UnderPressure      bool    `json:"under_pressure"`
	Reclaimed          uint64  `json:"reclaimed"`
}

type freeSlot struct {
	size       int64
	releasedAt time.Time
}

// MemoryPool tracks logical allocations on behalf of plugins.
//
// Freed reservations are kept on a free list and handed to later
// allocations of a similar size. Free-list bytes still count toward
// MaxPoolSize and are reclaimed by Cleanup once idle, or immediately when a
// fresh allocation needs the headroom.
type MemoryPool struct {
	config MemoryPoolConfig
	logger Logger
	now    func() time.Time

	mu        sync.Mutex
	blocks    map[string]*MemoryBlock
	owners    map[string]map[string]struct{}
	freeList  []freeSlot
	usage     int64
	pooled    int64
	waste     int64
	peak      int64
	allocated uint64
	freed     uint64
	reclaimed uint64
	pressured bool

	pressure *EventBus[MemoryPressureEvent]
	relieved *EventBus[MemoryRelievedEvent]

	destroyed atomic.Bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewMemoryPool creates a pool and starts background cleanup when
// EnableAutoCleanup is set.
func NewMemoryPool(config MemoryPoolConfig, logger any) *MemoryPool {
	config.ApplyDefaults()
	p := &MemoryPool{
		config:   config,
		logger:   NewLogger(logger).With("component", "memory_pool"),
		now:      timecache.CachedTime,
		blocks:   make(map[string]*MemoryBlock),
		owners:   make(map[string]map[string]struct{}),
		pressure: NewEventBus[MemoryPressureEvent](),
		relieved: NewEventBus[MemoryRelievedEvent](),
		stopCh:   make(chan struct{}),
	}

	if config.EnableAutoCleanup {
		p.wg.Add(1)
		go p.cleanupLoop()
	}
	return p
}

// PressureEvents returns the bus carrying threshold crossings.
func (p *MemoryPool) PressureEvents() *EventBus[MemoryPressureEvent] { return p.pressure }

// RelievedEvents returns the bus carrying recoveries below the threshold.
func (p *MemoryPool) RelievedEvents() *EventBus[MemoryRelievedEvent] { return p.relieved }

// Allocate reserves size bytes and returns the new block id.
func (p *MemoryPool) Allocate(size int64) (string, error) {
	return p.AllocateFor("", size)
}

// AllocateFor reserves size bytes on behalf of owner so FreeOwner can
// release them together.
func (p *MemoryPool) AllocateFor(owner string, size int64) (string, error) {
	if size <= 0 {
		return "", NewInvalidAllocationError(size)
	}
	if p.destroyed.Load() {
		return "", NewPoolClosedError("memory pool")
	}

	p.mu.Lock()
	rounded := p.align(size)
	if size > p.config.MaxPoolSize-p.usage || rounded > p.config.MaxPoolSize-p.usage {
		available := p.config.MaxPoolSize - p.usage
		p.mu.Unlock()
		p.logger.Warn("allocation rejected", "requested", size, "available", available, "owner", owner)
		return "", NewInsufficientMemoryError(size, available)
	}

	reserved := rounded
	if idx := p.bestFit(rounded); idx >= 0 {
		reserved = p.freeList[idx].size
		p.pooled -= reserved
		p.freeList = append(p.freeList[:idx], p.freeList[idx+1:]...)
	} else {
		p.reclaimHeadroom(rounded)
	}

	now := p.now()
	block := &MemoryBlock{
		ID:          uuid.NewString(),
		Size:        size,
		Reserved:    reserved,
		Owner:       owner,
		AllocatedAt: now,
	}
	p.blocks[block.ID] = block
	if owner != "" {
		ids, ok := p.owners[owner]
		if !ok {
			ids = make(map[string]struct{})
			p.owners[owner] = ids
		}
		ids[block.ID] = struct{}{}
	}
	p.usage += reserved
	p.waste += reserved - size
	p.allocated++
	if p.usage > p.peak {
		p.peak = p.usage
	}
	event, fire := p.checkPressureLocked(now)
	p.mu.Unlock()

	if fire {
		p.logger.Warn("memory pressure", "usage", event.Usage, "ratio", event.UsageRatio)
		p.pressure.Publish(event)
	}
	return block.ID, nil
}

// Free releases a block. It returns false for unknown or already freed ids.
func (p *MemoryPool) Free(id string) bool {
	p.mu.Lock()
	ok := p.freeLocked(id)
	relief, fire := p.checkReliefLocked()
	p.mu.Unlock()

	if fire {
		p.relieved.Publish(relief)
	}
	return ok
}

// FreeOwner releases every block held by owner and returns how many were freed.
func (p *MemoryPool) FreeOwner(owner string) int {
	p.mu.Lock()
	ids := p.owners[owner]
	count := 0
	for id := range ids {
		if p.freeLocked(id) {
			count++
		}
	}
	relief, fire := p.checkReliefLocked()
	p.mu.Unlock()

	if fire {
		p.relieved.Publish(relief)
	}
	if count > 0 {
		p.logger.Debug("released owner allocations", "owner", owner, "blocks", count)
	}
	return count
}

// OwnerUsage returns the bytes currently reserved by owner.
func (p *MemoryPool) OwnerUsage(owner string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total int64
	for id := range p.owners[owner] {
		total += p.blocks[id].Reserved
	}
	return total
}

// Stats returns a snapshot of pool accounting.
func (p *MemoryPool) Stats() MemoryPoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var fragmentation float64
	if held := p.usage + p.pooled; held > 0 {
		fragmentation = float64(p.pooled+p.waste) / float64(held)
	}
	return MemoryPoolStats{
		TotalAllocated:     p.allocated,
		TotalFreed:         p.freed,
		ActiveBlocks:       len(p.blocks),
		CurrentUsage:       p.usage,
		PeakUsage:          p.peak,
		PooledBytes:        p.pooled,
		FreeSlots:          len(p.freeList),
		FragmentationRatio: fragmentation,
		MaxPoolSize:        p.config.MaxPoolSize,
		UnderPressure:      p.pressured,
		Reclaimed:          p.reclaimed,
	}
}

// Cleanup drops free-list slots idle for at least FreeBlockIdleTime and
// returns how many were reclaimed. Active blocks are never touched.
func (p *MemoryPool) Cleanup() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-p.config.FreeBlockIdleTime)
	kept := p.freeList[:0]
	count := 0
	for _, slot := range p.freeList {
		if !slot.releasedAt.After(cutoff) {
			p.pooled -= slot.size
			count++
			continue
		}
		kept = append(kept, slot)
	}
	p.freeList = kept
	p.reclaimed += uint64(count)
	return count
}

// Destroy stops background cleanup and drops all state. Later allocations
// fail and later frees return false.
func (p *MemoryPool) Destroy() {
	p.stopOnce.Do(func() {
		p.destroyed.Store(true)
		close(p.stopCh)
		p.wg.Wait()

		p.mu.Lock()
		p.blocks = make(map[string]*MemoryBlock)
		p.owners = make(map[string]map[string]struct{})
		p.freeList = nil
		p.usage, p.pooled, p.waste = 0, 0, 0
		p.mu.Unlock()
	})
}

func (p *MemoryPool) cleanupLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if n := p.Cleanup(); n > 0 {
				p.logger.Debug("reclaimed idle free slots", "count", n)
			}
		}
	}
}

// align rounds size up to the block alignment, saturating at MaxInt64.
func (p *MemoryPool) align(size int64) int64 {
	a := p.config.BlockAlignment
	if size > math.MaxInt64-(a-1) {
		return math.MaxInt64
	}
	return (size + a - 1) / a * a
}

// bestFit returns the index of the smallest free slot that can hold size
// without wasting more than the request itself, or -1.
func (p *MemoryPool) bestFit(size int64) int {
	best := -1
	for i, slot := range p.freeList {
		if slot.size < size || slot.size > 2*size {
			continue
		}
		if p.usage+slot.size > p.config.MaxPoolSize {
			continue
		}
		if best < 0 || slot.size < p.freeList[best].size {
			best = i
		}
	}
	return best
}

// reclaimHeadroom drops the largest free slots until a fresh reservation of
// size fits alongside what is pooled.
func (p *MemoryPool) reclaimHeadroom(size int64) {
	if p.usage+p.pooled+size <= p.config.MaxPoolSize {
		return
	}
	sort.Slice(p.freeList, func(i, j int) bool { return p.freeList[i].size > p.freeList[j].size })
	for len(p.freeList) > 0 && p.usage+p.pooled+size > p.config.MaxPoolSize {
		p.pooled -= p.freeList[0].size
		p.freeList = p.freeList[1:]
		p.reclaimed++
	}
}

func (p *MemoryPool) freeLocked(id string) bool {
	block, ok := p.blocks[id]
	if !ok {
		return false
	}
	delete(p.blocks, id)
	if block.Owner != "" {
		if ids := p.owners[block.Owner]; ids != nil {
			delete(ids, id)
			if len(ids) == 0 {
				delete(p.owners, block.Owner)
			}
		}
	}
	p.usage -= block.Reserved
	p.waste -= block.Reserved - block.Size
	p.freed++
	p.freeList = append(p.freeList, freeSlot{size: block.Reserved, releasedAt: p.now()})
	p.pooled += block.Reserved
	return true
}

func (p *MemoryPool) ratioLocked() float64 {
	return float64(p.usage) / float64(p.config.MaxPoolSize)
}

func (p *MemoryPool) checkPressureLocked(now time.Time) (MemoryPressureEvent, bool) {
	ratio := p.ratioLocked()
	if p.pressured || ratio < p.config.MemoryThreshold {
		return MemoryPressureEvent{}, false
	}
	p.pressured = true
	return MemoryPressureEvent{
		Usage:       p.usage,
		Threshold:   p.config.MemoryThreshold,
		UsageRatio:  ratio,
		MaxPoolSize: p.config.MaxPoolSize,
		Timestamp:   now,
	}, true
}

func (p *MemoryPool) checkReliefLocked() (MemoryRelievedEvent, bool) {
	ratio := p.ratioLocked()
	if !p.pressured || ratio >= p.config.MemoryThreshold {
		return MemoryRelievedEvent{}, false
	}
	p.pressured = false
	return MemoryRelievedEvent{Usage: p.usage, UsageRatio: ratio, Timestamp: p.now()}, true
}
