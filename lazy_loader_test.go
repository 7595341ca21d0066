// lazy_loader_test.go: Tests for deferred plugin loading
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLazyLoader(maxConcurrent int) *LazyLoader {
	return NewLazyLoader(LazyLoaderConfig{
		MaxConcurrentLoads: maxConcurrent,
		LoadTimeout:        time.Second,
		SuspendOnPressure:  true,
		AutoResume:         true,
	}, nil)
}

func TestLazyLoader_SingleFlight(t *testing.T) {
	loader := newTestLazyLoader(3)

	var calls atomic.Int32
	release := make(chan struct{})
	loader.RegisterPlugin("p1", LazyPluginOptions{Loader: func(ctx context.Context) error {
		calls.Add(1)
		<-release
		return nil
	}})

	var wg sync.WaitGroup
	results := make([]LoadResult, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = loader.LoadPlugin(context.Background(), "p1")
		}()
	}
	assert.Eventually(t, func() bool { return loader.LoadStatus().Loading == 1 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.True(t, r.Success)
	}

	again := loader.LoadPlugin(context.Background(), "p1")
	assert.True(t, again.Success)
	assert.True(t, again.Cached)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, loader.IsLoaded("p1"))
}

func TestLazyLoader_CancelledCallerDoesNotFailJoinedLoad(t *testing.T) {
	loader := newTestLazyLoader(1)

	started := make(chan struct{})
	release := make(chan struct{})
	loader.RegisterPlugin("p1", LazyPluginOptions{Loader: func(ctx context.Context) error {
		close(started)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan LoadResult, 1)
	go func() { first <- loader.LoadPlugin(firstCtx, "p1") }()
	<-started

	second := make(chan LoadResult, 1)
	go func() { second <- loader.LoadPlugin(context.Background(), "p1") }()

	cancelFirst()
	cancelled := <-first
	assert.False(t, cancelled.Success)
	assert.True(t, errors.Is(cancelled.Error, context.Canceled))

	close(release)
	joined := <-second
	require.NoError(t, joined.Error)
	assert.True(t, joined.Success)
	assert.True(t, loader.IsLoaded("p1"))
}

func TestLazyLoader_FailuresAreRetried(t *testing.T) {
	loader := newTestLazyLoader(1)

	var calls atomic.Int32
	loader.RegisterPlugin("flaky", LazyPluginOptions{Loader: func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("boom")
		}
		return nil
	}})

	first := loader.LoadPlugin(context.Background(), "flaky")
	require.False(t, first.Success)
	assert.True(t, HasErrorCode(first.Error, ErrCodeLoaderFailed))
	assert.Equal(t, 1, loader.LoadStatus().Failed)
	assert.Error(t, loader.LastError("flaky"))

	second := loader.LoadPlugin(context.Background(), "flaky")
	assert.True(t, second.Success)
	assert.Equal(t, 0, loader.LoadStatus().Failed)
}

func TestLazyLoader_UnknownPlugin(t *testing.T) {
	loader := newTestLazyLoader(1)
	result := loader.LoadPlugin(context.Background(), "ghost")
	assert.False(t, result.Success)
	assert.True(t, HasErrorCode(result.Error, ErrCodeLoaderNotRegistered))
	assert.False(t, loader.UnregisterPlugin("ghost"))
}

func TestLazyLoader_SuspendedLoadsFailFast(t *testing.T) {
	loader := newTestLazyLoader(2)

	var calls atomic.Int32
	loader.RegisterPlugin("p1", LazyPluginOptions{Loader: func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}})

	loader.HandleMemoryPressure(MemoryPressureEvent{UsageRatio: 0.9})
	status := loader.LoadStatus()
	require.True(t, status.Suspended)

	result := loader.LoadPlugin(context.Background(), "p1")
	assert.False(t, result.Success)
	assert.True(t, HasErrorCode(result.Error, ErrCodeLoaderSuspended))
	assert.Contains(t, result.Error.Error(), "plugin loading suspended: memory pressure")
	assert.Zero(t, calls.Load(), "the loader is never invoked while suspended")

	loader.HandleMemoryRelieved(MemoryRelievedEvent{UsageRatio: 0.5})
	assert.False(t, loader.LoadStatus().Suspended)
	assert.True(t, loader.LoadPlugin(context.Background(), "p1").Success)
}

func TestLazyLoader_ManualSuspensionIsNotAutoResumed(t *testing.T) {
	loader := newTestLazyLoader(1)
	loader.Suspend("maintenance")
	loader.HandleMemoryRelieved(MemoryRelievedEvent{})
	assert.True(t, loader.LoadStatus().Suspended)
	assert.Equal(t, "maintenance", loader.LoadStatus().SuspendReason)

	loader.Resume()
	assert.False(t, loader.LoadStatus().Suspended)
}

func TestLazyLoader_LoadAllHonoursPriority(t *testing.T) {
	loader := newTestLazyLoader(2)

	var mu sync.Mutex
	var order []string
	register := func(id string, priority PluginPriority) {
		loader.RegisterPlugin(id, LazyPluginOptions{Priority: priority, Loader: func(ctx context.Context) error {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return nil
		}})
	}
	register("low-1", PriorityLow)
	register("normal-1", PriorityNormal)
	register("critical-1", PriorityCritical)
	register("high-1", PriorityHigh)
	register("critical-2", PriorityCritical)

	results := loader.LoadAll(context.Background())
	require.Len(t, results, 5)
	for _, r := range results {
		assert.True(t, r.Success, r.PluginID)
	}

	require.Len(t, order, 5)
	assert.ElementsMatch(t, []string{"critical-1", "critical-2"}, order[:2])
	assert.Equal(t, []string{"high-1", "normal-1", "low-1"}, order[2:])
	assert.Equal(t, 5, loader.LoadStatus().Loaded)
}

func TestLazyLoader_ConcurrencyBound(t *testing.T) {
	loader := newTestLazyLoader(2)

	var running, peak atomic.Int32
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		loader.RegisterPlugin(id, LazyPluginOptions{Loader: func(ctx context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return nil
		}})
	}

	loader.LoadAll(context.Background())
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestLazyLoader_LoadTimeoutReachesLoader(t *testing.T) {
	loader := NewLazyLoader(LazyLoaderConfig{MaxConcurrentLoads: 1, LoadTimeout: 30 * time.Millisecond}, nil)
	loader.RegisterPlugin("slow", LazyPluginOptions{Loader: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	result := loader.LoadPlugin(context.Background(), "slow")
	assert.False(t, result.Success)
	assert.True(t, errors.Is(result.Error, context.DeadlineExceeded))
}

func TestParsePriority(t *testing.T) {
	assert.Equal(t, PriorityCritical, ParsePriority("critical"))
	assert.Equal(t, PriorityNormal, ParsePriority(""))
	assert.Equal(t, PriorityNormal, ParsePriority("urgent"))
}
