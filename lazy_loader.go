// lazy_loader.go: Deferred, priority-ordered plugin loading with suspension
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// PluginPriority orders LoadAll.
type PluginPriority string

const (
	PriorityCritical PluginPriority = "critical"
	PriorityHigh     PluginPriority = "high"
	PriorityNormal   PluginPriority = "normal"
	PriorityLow      PluginPriority = "low"
)

var priorityOrder = []PluginPriority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// ParsePriority maps a manifest value to a priority; unknown values are normal.
func ParsePriority(s string) PluginPriority {
	for _, p := range priorityOrder {
		if string(p) == s {
			return p
		}
	}
	return PriorityNormal
}

// PluginLoadFunc performs the actual load of a plugin.
type PluginLoadFunc func(ctx context.Context) error

// LazyPluginOptions registers a plugin with the loader.
type LazyPluginOptions struct {
	Priority PluginPriority
	Loader   PluginLoadFunc
}

// LoadResult reports one LoadPlugin call. Cached is set when the plugin was
// already loaded and the loader was not invoked.
type LoadResult struct {
	PluginID string        `json:"plugin_id"`
	Success  bool          `json:"success"`
	Error    error         `json:"-"`
	Duration time.Duration `json:"duration"`
	Cached   bool          `json:"cached"`
}

// LoadStatus is a snapshot of the loader.
type LoadStatus struct {
	Suspended     bool   `json:"suspended"`
	SuspendReason string `json:"suspend_reason,omitempty"`
	Registered    int    `json:"registered"`
	Loaded        int    `json:"loaded"`
	Loading       int    `json:"loading"`
	Failed        int    `json:"failed"`
}

type pendingLoad struct {
	id    string
	order int
}

type lazyEntry struct {
	options LazyPluginOptions
	order   int
	loaded  bool
	loading bool
	lastErr error
}

// LazyLoader defers plugin loading until first use, collapses concurrent
// loads of the same plugin and pauses under memory pressure.
type LazyLoader struct {
	logger Logger
	config LazyLoaderConfig
	group  singleflight.Group
	slots  chan struct{}

	mu            sync.RWMutex
	entries       map[string]*lazyEntry
	registrations int
	suspended     bool
	suspendReason string
}

// NewLazyLoader creates an empty loader.
func NewLazyLoader(config LazyLoaderConfig, logger any) *LazyLoader {
	config.ApplyDefaults()
	return &LazyLoader{
		logger:  NewLogger(logger).With("component", "lazy_loader"),
		config:  config,
		slots:   make(chan struct{}, config.MaxConcurrentLoads),
		entries: make(map[string]*lazyEntry),
	}
}

// RegisterPlugin adds or replaces id. Replacing resets its loaded state.
func (l *LazyLoader) RegisterPlugin(id string, options LazyPluginOptions) {
	if options.Priority == "" {
		options.Priority = PriorityNormal
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.registrations++
	l.entries[id] = &lazyEntry{options: options, order: l.registrations}
}

// UnregisterPlugin removes id and reports whether it was registered.
func (l *LazyLoader) UnregisterPlugin(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[id]
	delete(l.entries, id)
	return ok
}

// IsRegistered reports whether id has a loader.
func (l *LazyLoader) IsRegistered(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.entries[id]
	return ok
}

// IsLoaded reports whether id loaded successfully.
func (l *LazyLoader) IsLoaded(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	return ok && e.loaded
}

// MarkUnloaded forgets a successful load so the next LoadPlugin runs again.
func (l *LazyLoader) MarkUnloaded(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[id]; ok {
		e.loaded = false
	}
}

// LoadPlugin loads id at most once; concurrent callers share one attempt.
func (l *LazyLoader) LoadPlugin(ctx context.Context, id string) LoadResult {
	start := time.Now()

	l.mu.RLock()
	e, ok := l.entries[id]
	suspended, reason := l.suspended, l.suspendReason
	loaded := ok && e.loaded
	l.mu.RUnlock()

	switch {
	case !ok:
		return LoadResult{PluginID: id, Error: NewLoaderNotRegisteredError(id), Duration: time.Since(start)}
	case loaded:
		return LoadResult{PluginID: id, Success: true, Cached: true, Duration: time.Since(start)}
	case suspended:
		return LoadResult{PluginID: id, Error: NewLoaderSuspendedError(id, reason), Duration: time.Since(start)}
	}

	// The shared attempt outlives any single caller; each caller only
	// stops waiting when its own context ends.
	shared := context.WithoutCancel(ctx)
	ch := l.group.DoChan(id, func() (interface{}, error) {
		return nil, l.runLoader(shared, id)
	})
	select {
	case res := <-ch:
		return LoadResult{PluginID: id, Success: res.Err == nil, Error: res.Err, Duration: time.Since(start)}
	case <-ctx.Done():
		return LoadResult{PluginID: id, Error: NewLoaderFailedError(id, ctx.Err()), Duration: time.Since(start)}
	}
}

func (l *LazyLoader) runLoader(ctx context.Context, id string) error {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		l.mu.Unlock()
		return NewLoaderNotRegisteredError(id)
	}
	if e.loaded {
		l.mu.Unlock()
		return nil
	}
	if l.suspended {
		reason := l.suspendReason
		l.mu.Unlock()
		return NewLoaderSuspendedError(id, reason)
	}
	e.loading = true
	loader := e.options.Loader
	l.mu.Unlock()

	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		err := NewLoaderFailedError(id, ctx.Err())
		l.finish(e, err)
		return err
	}
	defer func() { <-l.slots }()

	loadCtx, cancel := context.WithTimeout(ctx, l.config.LoadTimeout)
	defer cancel()

	var err error
	if loader == nil {
		err = NewLoaderNotRegisteredError(id)
	} else if loadErr := loader(loadCtx); loadErr != nil {
		err = NewLoaderFailedError(id, loadErr)
	}
	l.finish(e, err)

	if err != nil {
		l.logger.Warn("plugin load failed", "plugin_id", id, "error", err)
	} else {
		l.logger.Info("plugin loaded", "plugin_id", id, "priority", string(e.options.Priority))
	}
	return err
}

func (l *LazyLoader) finish(e *lazyEntry, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.loading = false
	e.lastErr = err
	e.loaded = err == nil
}

// LoadAll loads every registered, unloaded plugin class by class in priority
// order. Plugins of one class load concurrently, bounded by
// MaxConcurrentLoads. Failures do not stop later classes.
func (l *LazyLoader) LoadAll(ctx context.Context) []LoadResult {
	classes := make(map[PluginPriority][]pendingLoad)
	l.mu.RLock()
	for id, e := range l.entries {
		classes[e.options.Priority] = append(classes[e.options.Priority], pendingLoad{id: id, order: e.order})
	}
	l.mu.RUnlock()

	var results []LoadResult
	for _, priority := range orderedPriorities(classes) {
		batch := classes[priority]
		sort.Slice(batch, func(i, j int) bool { return batch[i].order < batch[j].order })

		classResults := make([]LoadResult, len(batch))
		var g errgroup.Group
		g.SetLimit(l.config.MaxConcurrentLoads)
		for i, p := range batch {
			g.Go(func() error {
				classResults[i] = l.LoadPlugin(ctx, p.id)
				return nil
			})
		}
		_ = g.Wait()
		results = append(results, classResults...)
	}
	return results
}

// orderedPriorities lists known classes first, then any custom ones by name.
func orderedPriorities(classes map[PluginPriority][]pendingLoad) []PluginPriority {
	out := make([]PluginPriority, 0, len(classes))
	seen := make(map[PluginPriority]bool, len(priorityOrder))
	for _, p := range priorityOrder {
		seen[p] = true
		if _, ok := classes[p]; ok {
			out = append(out, p)
		}
	}
	var extra []PluginPriority
	for p := range classes {
		if !seen[p] {
			extra = append(extra, p)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(out, extra...)
}

// LoadStatus returns loader counters.
func (l *LazyLoader) LoadStatus() LoadStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	status := LoadStatus{
		Suspended:     l.suspended,
		SuspendReason: l.suspendReason,
		Registered:    len(l.entries),
	}
	for _, e := range l.entries {
		switch {
		case e.loading:
			status.Loading++
		case e.loaded:
			status.Loaded++
		case e.lastErr != nil:
			status.Failed++
		}
	}
	return status
}

// LastError returns the error of the most recent failed load of id.
func (l *LazyLoader) LastError(id string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if e, ok := l.entries[id]; ok {
		return e.lastErr
	}
	return nil
}

// Suspend makes subsequent loads fail fast with reason.
func (l *LazyLoader) Suspend(reason string) {
	l.mu.Lock()
	already := l.suspended
	l.suspended = true
	l.suspendReason = reason
	l.mu.Unlock()
	if !already {
		l.logger.Warn("plugin loading suspended", "reason", reason)
	}
}

// Resume lifts a suspension.
func (l *LazyLoader) Resume() {
	l.mu.Lock()
	was := l.suspended
	l.suspended = false
	l.suspendReason = ""
	l.mu.Unlock()
	if was {
		l.logger.Info("plugin loading resumed")
	}
}

// HandleMemoryPressure suspends loading when configured to.
func (l *LazyLoader) HandleMemoryPressure(event MemoryPressureEvent) {
	if !l.config.SuspendOnPressure {
		return
	}
	l.Suspend("memory pressure")
}

// HandleMemoryRelieved resumes loading when AutoResume is set.
func (l *LazyLoader) HandleMemoryRelieved(event MemoryRelievedEvent) {
	if !l.config.AutoResume {
		return
	}
	l.mu.RLock()
	pressure := l.suspended && l.suspendReason == "memory pressure"
	l.mu.RUnlock()
	if pressure {
		l.Resume()
	}
}
