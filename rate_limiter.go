// rate_limiter.go: Sliding-window, burst and cooldown gate for plugin API calls
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
)

// RateLimitWindow names one of the four ceilings.
type RateLimitWindow string

const (
	WindowBurst  RateLimitWindow = "burst"
	WindowMinute RateLimitWindow = "minute"
	WindowHour   RateLimitWindow = "hour"
	WindowDay    RateLimitWindow = "day"
)

// Denial reasons, in precedence order.
const (
	ReasonCooldown = "In cooldown period"
	ReasonBurst    = "Burst limit exceeded"
	ReasonMinute   = "Minute rate limit exceeded"
	ReasonHour     = "Hour rate limit exceeded"
	ReasonDay      = "Day rate limit exceeded"
)

// RateLimitDecision is the answer to CanMakeRequest. Denials are values,
// never errors.
type RateLimitDecision struct {
	Allowed  bool          `json:"allowed"`
	Reason   string        `json:"reason,omitempty"`
	WaitTime time.Duration `json:"wait_time,omitempty"`
}

// QuotaWarningEvent is published when a window's usage first reaches the
// warning ratio of its ceiling.
type QuotaWarningEvent struct {
	PluginID string          `json:"plugin_id"`
	Type     RateLimitWindow `json:"type"`
	Usage    int             `json:"usage"`
	Limit    int             `json:"limit"`
}

// RateLimitExceededEvent is published when a request is denied by a window
// ceiling.
type RateLimitExceededEvent struct {
	PluginID  string          `json:"plugin_id"`
	Type      RateLimitWindow `json:"type"`
	ResetTime time.Time       `json:"reset_time"`
}

// WindowStatus describes one window.
type WindowStatus struct {
	Count          int       `json:"count"`
	Limit          int       `json:"limit"`
	QuotaResetTime time.Time `json:"quota_reset_time"`
}

// RateLimitStatus is a live snapshot of a limiter.
type RateLimitStatus struct {
	Windows           map[RateLimitWindow]WindowStatus `json:"windows"`
	IsLimited         bool                             `json:"is_limited"`
	Reason            string                           `json:"reason,omitempty"`
	NextAvailableTime time.Time                        `json:"next_available_time"`
	CooldownUntil     time.Time                        `json:"cooldown_until,omitempty"`
}

// RateLimitConfigUpdate carries the fields to change; nil fields are kept.
type RateLimitConfigUpdate struct {
	MaxRequestsPerMinute *int
	MaxRequestsPerHour   *int
	MaxRequestsPerDay    *int
	BurstLimit           *int
	BurstWindow          *time.Duration
	CooldownPeriod       *time.Duration
	QuotaWarningRatio    *float64
}

// UpdateFromConfig builds an update that replaces every field.
func UpdateFromConfig(c RateLimitConfig) RateLimitConfigUpdate {
	return RateLimitConfigUpdate{
		MaxRequestsPerMinute: &c.MaxRequestsPerMinute,
		MaxRequestsPerHour:   &c.MaxRequestsPerHour,
		MaxRequestsPerDay:    &c.MaxRequestsPerDay,
		BurstLimit:           &c.BurstLimit,
		BurstWindow:          &c.BurstWindow,
		CooldownPeriod:       &c.CooldownPeriod,
		QuotaWarningRatio:    &c.QuotaWarningRatio,
	}
}

type windowSpec struct {
	window RateLimitWindow
	reason string
}

var windowOrder = []windowSpec{
	{WindowBurst, ReasonBurst},
	{WindowMinute, ReasonMinute},
	{WindowHour, ReasonHour},
	{WindowDay, ReasonDay},
}

// RateLimiter gates outbound calls for one consumer.
//
// Request times are kept for the trailing day, so every window count only
// reflects events inside that window. Callers check CanMakeRequest before an
// attempt and call RecordRequest after performing it.
type RateLimiter struct {
	id     string
	logger Logger
	now    func() time.Time

	mu            sync.Mutex
	config        RateLimitConfig
	requests      []time.Time
	cooldownUntil time.Time
	warned        map[RateLimitWindow]bool

	warnings *EventBus[QuotaWarningEvent]
	exceeded *EventBus[RateLimitExceededEvent]
}

// NewRateLimiter creates a limiter for consumer id.
func NewRateLimiter(id string, config RateLimitConfig, logger any) *RateLimiter {
	config.ApplyDefaults()
	return &RateLimiter{
		id:       id,
		logger:   NewLogger(logger).With("component", "rate_limiter", "plugin_id", id),
		now:      timecache.CachedTime,
		config:   config,
		warned:   make(map[RateLimitWindow]bool),
		warnings: NewEventBus[QuotaWarningEvent](),
		exceeded: NewEventBus[RateLimitExceededEvent](),
	}
}

// QuotaWarningEvents returns the 80%-of-ceiling warning bus.
func (r *RateLimiter) QuotaWarningEvents() *EventBus[QuotaWarningEvent] { return r.warnings }

// ExceededEvents returns the denial bus.
func (r *RateLimiter) ExceededEvents() *EventBus[RateLimitExceededEvent] { return r.exceeded }

// CanMakeRequest checks cooldown, then burst, minute, hour and day.
func (r *RateLimiter) CanMakeRequest() RateLimitDecision {
	r.mu.Lock()
	now := r.now()
	r.pruneLocked(now)
	decision, window := r.decideLocked(now)
	r.mu.Unlock()

	if !decision.Allowed && window != "" {
		r.exceeded.Publish(RateLimitExceededEvent{
			PluginID:  r.id,
			Type:      window,
			ResetTime: now.Add(decision.WaitTime),
		})
	}
	return decision
}

// RecordRequest counts one performed request in every window.
func (r *RateLimiter) RecordRequest() {
	r.mu.Lock()
	now := r.now()
	r.pruneLocked(now)
	r.requests = append(r.requests, now)

	var warnings []QuotaWarningEvent
	for _, win := range windowOrder {
		if !r.bindingLocked(win.window) {
			continue
		}
		limit := r.limitLocked(win.window)
		usage := r.countLocked(win.window, now)
		mark := int(math.Ceil(float64(limit) * r.config.QuotaWarningRatio))
		if usage >= mark && !r.warned[win.window] {
			r.warned[win.window] = true
			warnings = append(warnings, QuotaWarningEvent{PluginID: r.id, Type: win.window, Usage: usage, Limit: limit})
		}
	}
	r.mu.Unlock()

	for _, w := range warnings {
		r.logger.Warn("rate limit quota warning", "window", string(w.Type), "usage", w.Usage, "limit", w.Limit)
		r.warnings.Publish(w)
	}
}

// RecordError opens the cooldown for 429 and 503 responses and reports
// whether it did. Other status codes have no effect.
func (r *RateLimiter) RecordError(statusCode int) bool {
	if statusCode != http.StatusTooManyRequests && statusCode != http.StatusServiceUnavailable {
		return false
	}
	r.mu.Lock()
	until := r.now().Add(r.config.CooldownPeriod)
	if until.After(r.cooldownUntil) {
		r.cooldownUntil = until
	}
	r.mu.Unlock()

	r.logger.Warn("upstream signalled distress, entering cooldown", "status", statusCode, "until", until)
	return true
}

// Status returns live counters and reset times.
func (r *RateLimiter) Status() RateLimitStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.pruneLocked(now)

	status := RateLimitStatus{
		Windows:       make(map[RateLimitWindow]WindowStatus, len(windowOrder)),
		CooldownUntil: r.cooldownUntil,
	}
	for _, win := range windowOrder {
		status.Windows[win.window] = WindowStatus{
			Count:          r.countLocked(win.window, now),
			Limit:          r.limitLocked(win.window),
			QuotaResetTime: r.resetTimeLocked(win.window, now),
		}
	}
	decision, _ := r.decideLocked(now)
	status.IsLimited = !decision.Allowed
	status.Reason = decision.Reason
	status.NextAvailableTime = now.Add(decision.WaitTime)
	return status
}

// UpdateConfig hot-swaps thresholds. Recorded requests are kept.
func (r *RateLimiter) UpdateConfig(update RateLimitConfigUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	setIf := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setIf(&r.config.MaxRequestsPerMinute, update.MaxRequestsPerMinute)
	setIf(&r.config.MaxRequestsPerHour, update.MaxRequestsPerHour)
	setIf(&r.config.MaxRequestsPerDay, update.MaxRequestsPerDay)
	setIf(&r.config.BurstLimit, update.BurstLimit)
	if update.BurstWindow != nil {
		r.config.BurstWindow = *update.BurstWindow
	}
	if update.CooldownPeriod != nil {
		r.config.CooldownPeriod = *update.CooldownPeriod
	}
	if update.QuotaWarningRatio != nil {
		r.config.QuotaWarningRatio = *update.QuotaWarningRatio
	}
	r.config.ApplyDefaults()
	r.warned = make(map[RateLimitWindow]bool)
}

// Config returns the thresholds in effect.
func (r *RateLimiter) Config() RateLimitConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config
}

// Reset clears every counter and the cooldown.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = nil
	r.cooldownUntil = time.Time{}
	r.warned = make(map[RateLimitWindow]bool)
}

func (r *RateLimiter) decideLocked(now time.Time) (RateLimitDecision, RateLimitWindow) {
	if now.Before(r.cooldownUntil) {
		return RateLimitDecision{Reason: ReasonCooldown, WaitTime: r.cooldownUntil.Sub(now)}, ""
	}
	for _, win := range windowOrder {
		if !r.bindingLocked(win.window) {
			continue
		}
		limit := r.limitLocked(win.window)
		start := r.windowStartLocked(win.window, now)
		count := len(r.requests) - start
		if count < limit {
			continue
		}
		// The request at start+count-limit must leave the window before the
		// count drops below the ceiling.
		expiring := r.requests[start+count-limit]
		wait := expiring.Add(r.durationLocked(win.window)).Sub(now)
		if wait < 0 {
			wait = 0
		}
		return RateLimitDecision{Reason: win.reason, WaitTime: wait}, win.window
	}
	r.clearWarningsLocked(now)
	return RateLimitDecision{Allowed: true}, ""
}

// clearWarningsLocked re-arms warnings for windows that drained below the mark.
func (r *RateLimiter) clearWarningsLocked(now time.Time) {
	for w, on := range r.warned {
		if !on {
			continue
		}
		mark := int(math.Ceil(float64(r.limitLocked(w)) * r.config.QuotaWarningRatio))
		if r.countLocked(w, now) < mark {
			r.warned[w] = false
		}
	}
}

func (r *RateLimiter) durationLocked(w RateLimitWindow) time.Duration {
	switch w {
	case WindowBurst:
		return r.config.BurstWindow
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// bindingLocked reports whether w can deny on its own. A burst window no
// longer than a minute with a limit at or above the minute ceiling never
// trips before the minute window does, so it is skipped.
func (r *RateLimiter) bindingLocked(w RateLimitWindow) bool {
	if w != WindowBurst {
		return true
	}
	return r.config.BurstWindow > time.Minute || r.config.BurstLimit < r.config.MaxRequestsPerMinute
}

func (r *RateLimiter) limitLocked(w RateLimitWindow) int {
	switch w {
	case WindowBurst:
		return r.config.BurstLimit
	case WindowMinute:
		return r.config.MaxRequestsPerMinute
	case WindowHour:
		return r.config.MaxRequestsPerHour
	default:
		return r.config.MaxRequestsPerDay
	}
}

// windowStartLocked returns the index of the first request inside w.
func (r *RateLimiter) windowStartLocked(w RateLimitWindow, now time.Time) int {
	cutoff := now.Add(-r.durationLocked(w))
	return sort.Search(len(r.requests), func(i int) bool { return r.requests[i].After(cutoff) })
}

func (r *RateLimiter) countLocked(w RateLimitWindow, now time.Time) int {
	return len(r.requests) - r.windowStartLocked(w, now)
}

func (r *RateLimiter) resetTimeLocked(w RateLimitWindow, now time.Time) time.Time {
	start := r.windowStartLocked(w, now)
	if start >= len(r.requests) {
		return now
	}
	return r.requests[start].Add(r.durationLocked(w))
}

// pruneLocked drops requests older than the longest window.
func (r *RateLimiter) pruneLocked(now time.Time) {
	longest := 24 * time.Hour
	if r.config.BurstWindow > longest {
		longest = r.config.BurstWindow
	}
	cutoff := now.Add(-longest)
	idx := sort.Search(len(r.requests), func(i int) bool { return r.requests[i].After(cutoff) })
	if idx > 0 {
		r.requests = append(r.requests[:0:0], r.requests[idx:]...)
	}
}
