// resource_sampler.go: Process resource sampling backed by gopsutil
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"context"
	"os"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
)

// ResourceSample is one reading of a process.
type ResourceSample struct {
	MemoryBytes uint64
	CPUPercent  float64
}

// ResourceSampler reads resource usage for a plugin. Implementations must be
// safe for concurrent use.
type ResourceSampler interface {
	Sample(ctx context.Context, pluginID string) (ResourceSample, error)
}

// ResourceSamplerFunc adapts a function to ResourceSampler.
type ResourceSamplerFunc func(ctx context.Context, pluginID string) (ResourceSample, error)

// Sample implements ResourceSampler.
func (f ResourceSamplerFunc) Sample(ctx context.Context, pluginID string) (ResourceSample, error) {
	return f(ctx, pluginID)
}

// ProcessSampler samples OS processes through gopsutil. Plugins mapped to a
// pid with Track are sampled individually; others fall back to the host
// process, which is where in-process sandboxes live.
type ProcessSampler struct {
	mu    sync.RWMutex
	self  *process.Process
	procs map[string]*process.Process
}

// NewProcessSampler creates a sampler for the current process.
func NewProcessSampler() (*ProcessSampler, error) {
	self, err := process.NewProcess(int32(os.Getpid())) // #nosec G115 -- pids fit in int32
	if err != nil {
		return nil, err
	}
	return &ProcessSampler{self: self, procs: make(map[string]*process.Process)}, nil
}

// Track associates pluginID with a worker process.
func (s *ProcessSampler) Track(pluginID string, pid int) error {
	p, err := process.NewProcess(int32(pid)) // #nosec G115 -- pids fit in int32
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.procs[pluginID] = p
	s.mu.Unlock()
	return nil
}

// Untrack forgets a plugin's worker process.
func (s *ProcessSampler) Untrack(pluginID string) {
	s.mu.Lock()
	delete(s.procs, pluginID)
	s.mu.Unlock()
}

// Sample implements ResourceSampler.
func (s *ProcessSampler) Sample(ctx context.Context, pluginID string) (ResourceSample, error) {
	s.mu.RLock()
	p, ok := s.procs[pluginID]
	s.mu.RUnlock()
	if !ok {
		p = s.self
	}
	return sampleProcess(ctx, p)
}

// SampleSelf reads the host process.
func (s *ProcessSampler) SampleSelf(ctx context.Context) (ResourceSample, error) {
	return sampleProcess(ctx, s.self)
}

func sampleProcess(ctx context.Context, p *process.Process) (ResourceSample, error) {
	info, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return ResourceSample{}, err
	}
	cpu, err := p.CPUPercentWithContext(ctx)
	if err != nil {
		return ResourceSample{}, err
	}
	return ResourceSample{MemoryBytes: info.RSS, CPUPercent: cpu}, nil
}
