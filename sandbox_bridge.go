// sandbox_bridge.go: Request correlation table with a single timeout sweeper
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"sync"
	"time"
)

type pendingCall struct {
	method   string
	deadline time.Time
}

// correlationTable tracks in-flight bridged calls by request id. One sweeper
// goroutine expires overdue entries and hands them to onExpire.
type correlationTable struct {
	now      func() time.Time
	onExpire func(id, method string)

	mu      sync.Mutex
	entries map[string]pendingCall
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newCorrelationTable(onExpire func(id, method string)) *correlationTable {
	t := &correlationTable{
		now:      time.Now,
		onExpire: onExpire,
		entries:  make(map[string]pendingCall),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go t.sweep()
	return t
}

// Add registers id with a deadline timeout from now.
func (t *correlationTable) Add(id, method string, timeout time.Duration) {
	t.mu.Lock()
	t.entries[id] = pendingCall{method: method, deadline: t.now().Add(timeout)}
	t.mu.Unlock()
	t.signal()
}

// Resolve removes id and reports whether it was still pending.
func (t *correlationTable) Resolve(id string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return call.method, ok
}

// Pending returns the number of in-flight calls.
func (t *correlationTable) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Drain removes and returns every pending id.
func (t *correlationTable) Drain() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.entries))
	for id, call := range t.entries {
		out[id] = call.method
	}
	t.entries = make(map[string]pendingCall)
	return out
}

// Close stops the sweeper. Pending entries are left in place.
func (t *correlationTable) Close() {
	t.once.Do(func() { close(t.stop) })
	<-t.done
}

func (t *correlationTable) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *correlationTable) sweep() {
	defer close(t.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next, expired := t.expire()
		for id, method := range expired {
			t.onExpire(id, method)
		}

		wait := time.Hour
		if !next.IsZero() {
			wait = next.Sub(t.now())
			if wait < time.Millisecond {
				wait = time.Millisecond
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-t.stop:
			return
		case <-t.wake:
		case <-timer.C:
		}
	}
}

// expire removes overdue entries and returns the earliest remaining deadline.
func (t *correlationTable) expire() (time.Time, map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var next time.Time
	var expired map[string]string
	for id, call := range t.entries {
		if !call.deadline.After(now) {
			if expired == nil {
				expired = make(map[string]string)
			}
			expired[id] = call.method
			delete(t.entries, id)
			continue
		}
		if next.IsZero() || call.deadline.Before(next) {
			next = call.deadline
		}
	}
	return next, expired
}
