// plugin_api.go: Plugin-scoped host API answering bridged sandbox calls
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// PluginAPI is the narrow facade a single plugin acts through. The sandbox
// bridge resolves every api_request against it, and host code can use it to
// act on a plugin's behalf. Permissions from the manifest are enforced on
// every call except Config, which belongs to the host.
type PluginAPI struct {
	PluginID string
	Config   *ConfigAPI
	Storage  *StorageAPI
	HTTP     *HTTPAPI
	Events   *EventsAPI
}

func newPluginAPI(m *PluginManager, id string) *PluginAPI {
	return &PluginAPI{
		PluginID: id,
		Config:   &ConfigAPI{m: m, pluginID: id},
		Storage:  &StorageAPI{m: m, pluginID: id},
		HTTP:     &HTTPAPI{m: m, pluginID: id},
		Events:   &EventsAPI{m: m, pluginID: id},
	}
}

// ConfigAPI reads and writes the plugin's persisted configuration document.
// Keys are gjson/sjson paths such as "server.port" or "tags.0".
type ConfigAPI struct {
	m        *PluginManager
	pluginID string
}

// Get returns the value at key, or defaultValue when it is absent.
func (c *ConfigAPI) Get(key string, defaultValue any) any {
	res := gjson.GetBytes(c.Raw(), key)
	if !res.Exists() {
		return defaultValue
	}
	return res.Value()
}

// GetString returns the value at key as a string.
func (c *ConfigAPI) GetString(key, defaultValue string) string {
	res := gjson.GetBytes(c.Raw(), key)
	if !res.Exists() {
		return defaultValue
	}
	return res.String()
}

// Set stores value at key and persists the record.
func (c *ConfigAPI) Set(key string, value any) error {
	return c.m.updateRecord(c.pluginID, func(r *InstalledPlugin) error {
		doc := r.Config
		if len(doc) == 0 {
			doc = json.RawMessage("{}")
		}
		out, err := sjson.SetBytes(doc, key, value)
		if err != nil {
			return NewConfigValidationError(fmt.Sprintf("cannot set %q: %v", key, err))
		}
		r.Config = out
		return nil
	})
}

// Delete removes key and persists the record.
func (c *ConfigAPI) Delete(key string) error {
	return c.m.updateRecord(c.pluginID, func(r *InstalledPlugin) error {
		if len(r.Config) == 0 {
			return nil
		}
		out, err := sjson.DeleteBytes(r.Config, key)
		if err != nil {
			return NewConfigValidationError(fmt.Sprintf("cannot delete %q: %v", key, err))
		}
		r.Config = out
		return nil
	})
}

// Raw returns the whole configuration document.
func (c *ConfigAPI) Raw() json.RawMessage {
	record, ok := c.m.record(c.pluginID)
	if !ok || len(record.Config) == 0 {
		return json.RawMessage("{}")
	}
	return record.Config
}

// StorageAPI is the plugin's persistent key/value store, fronted by its
// cache namespace.
type StorageAPI struct {
	m        *PluginManager
	pluginID string
}

// Get returns the stored value, or JSON null when the key is absent.
func (s *StorageAPI) Get(_ context.Context, key string) (json.RawMessage, error) {
	if err := s.m.requirePermission(s.pluginID, PermissionStorage, "storage.get"); err != nil {
		return nil, err
	}
	if v, ok := s.m.cache.Get(s.pluginID, key); ok {
		return v, nil
	}
	v, ok, err := s.m.store.GetValue(s.pluginID, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return json.RawMessage("null"), nil
	}
	s.cacheValue(key, v)
	return v, nil
}

// Set stores value, which must be valid JSON.
func (s *StorageAPI) Set(_ context.Context, key string, value json.RawMessage) error {
	if err := s.m.requirePermission(s.pluginID, PermissionStorage, "storage.set"); err != nil {
		return err
	}
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	if !json.Valid(value) {
		return NewBridgeRequestError("storage.set", "value is not valid JSON", nil)
	}
	if err := s.m.store.SetValue(s.pluginID, key, value); err != nil {
		return err
	}
	s.cacheValue(key, value)
	return nil
}

// Delete removes key and reports whether it existed.
func (s *StorageAPI) Delete(_ context.Context, key string) (bool, error) {
	if err := s.m.requirePermission(s.pluginID, PermissionStorage, "storage.delete"); err != nil {
		return false, err
	}
	s.m.cache.Delete(s.pluginID, key)
	return s.m.store.DeleteValue(s.pluginID, key)
}

func (s *StorageAPI) cacheValue(key string, value json.RawMessage) {
	if err := s.m.cache.Set(s.pluginID, key, value); err != nil {
		// A full namespace only costs a store read later.
		s.m.logger.Debug("storage value not cached", "plugin_id", s.pluginID, "key", key, "error", err)
	}
}

// HTTPRequestOptions are the options a plugin passes to http.get/post.
type HTTPRequestOptions struct {
	Headers map[string]string `json:"headers,omitempty"`
	// Timeout in milliseconds; zero uses the pool's HTTP timeout.
	Timeout int `json:"timeout,omitempty"`
}

// HTTPResponse is what a plugin receives from http.get/post. Data holds the
// decoded JSON body, or the body as a JSON string when it is not JSON.
type HTTPResponse struct {
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers"`
	Data       json.RawMessage   `json:"data"`
}

// HTTPAPI performs outbound requests through the shared connection pool,
// gated by the plugin's rate limiter.
type HTTPAPI struct {
	m        *PluginManager
	pluginID string
}

// Get issues a GET request.
func (h *HTTPAPI) Get(ctx context.Context, rawURL string, options HTTPRequestOptions) (*HTTPResponse, error) {
	return h.do(ctx, http.MethodGet, rawURL, nil, options)
}

// Post issues a POST request. A JSON string body is sent as text, anything
// else as application/json.
func (h *HTTPAPI) Post(ctx context.Context, rawURL string, body json.RawMessage, options HTTPRequestOptions) (*HTTPResponse, error) {
	return h.do(ctx, http.MethodPost, rawURL, body, options)
}

func (h *HTTPAPI) do(ctx context.Context, method, rawURL string, body json.RawMessage, options HTTPRequestOptions) (*HTTPResponse, error) {
	op := "http." + strings.ToLower(method)
	if err := h.m.requirePermission(h.pluginID, PermissionHTTP, op); err != nil {
		return nil, err
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, NewBridgeRequestError(op, fmt.Sprintf("invalid URL %q", rawURL), err)
	}

	limiter := h.m.limiter(h.pluginID)
	if limiter == nil {
		return nil, NewPluginNotRunningError(h.pluginID)
	}
	if decision := limiter.CanMakeRequest(); !decision.Allowed {
		return nil, NewRateLimitedError(h.pluginID, decision)
	}

	conn, err := h.m.connections.AcquireFor(ctx, h.pluginID, ConnectionHTTP, ConnectionOptions{Target: u.Scheme + "://" + u.Host})
	if err != nil {
		return nil, err
	}
	defer h.m.connections.Release(conn.ID)

	if options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(options.Timeout)*time.Millisecond)
		defer cancel()
	}
	req, err := newPluginRequest(ctx, method, rawURL, body, options.Headers)
	if err != nil {
		return nil, NewBridgeRequestError(op, "cannot build request", err)
	}

	limiter.RecordRequest()
	start := time.Now()
	resp, err := conn.HTTPClient().Do(req)
	if err != nil {
		h.m.monitor.RecordNetworkRequest(h.pluginID, sinceMillis(start), false, 0)
		return nil, NewBridgeRequestError(op, err.Error(), err)
	}
	defer resp.Body.Close()

	limit := h.m.managerConfig().MaxResponseBody
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	latency := sinceMillis(start)
	if err == nil && int64(len(data)) > limit {
		err = fmt.Errorf("response body exceeds %d bytes", limit)
	}
	if err != nil {
		h.m.monitor.RecordNetworkRequest(h.pluginID, latency, false, int64(len(data)))
		return nil, NewBridgeRequestError(op, err.Error(), err)
	}

	// The response body is held in pool memory until it has been handed to
	// the worker.
	if len(data) > 0 {
		block, err := h.m.memory.AllocateFor(h.pluginID, int64(len(data)))
		if err != nil {
			h.m.monitor.RecordNetworkRequest(h.pluginID, latency, false, int64(len(data)))
			return nil, err
		}
		defer h.m.memory.Free(block)
	}

	limiter.RecordError(resp.StatusCode)
	h.m.monitor.RecordNetworkRequest(h.pluginID, latency, resp.StatusCode < http.StatusBadRequest, int64(len(data)))
	return &HTTPResponse{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Headers:    flattenHeaders(resp.Header),
		Data:       responseData(data),
	}, nil
}

func newPluginRequest(ctx context.Context, method, rawURL string, body json.RawMessage, headers map[string]string) (*http.Request, error) {
	var reader io.Reader = http.NoBody
	contentType := ""
	if len(body) > 0 && string(body) != "null" {
		var text string
		if err := json.Unmarshal(body, &text); err == nil {
			reader = strings.NewReader(text)
			contentType = "text/plain; charset=utf-8"
		} else {
			reader = bytes.NewReader(body)
			contentType = "application/json"
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}

func responseData(body []byte) json.RawMessage {
	if len(body) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(body) {
		return append(json.RawMessage(nil), body...)
	}
	text, _ := json.Marshal(string(body))
	return text
}

func sinceMillis(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

// PluginEvent travels between plugins and the host.
type PluginEvent struct {
	// Source is the emitting plugin id, or HostEventSource.
	Source    string          `json:"source"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// HostEventSource marks events published by the host.
const HostEventSource = "host"

// EventsAPI manages which events a plugin receives and lets it emit events
// to the host and to other plugins.
type EventsAPI struct {
	m        *PluginManager
	pluginID string
}

// On subscribes the plugin to name.
func (e *EventsAPI) On(name string) error {
	if err := e.m.requirePermission(e.pluginID, PermissionEvents, "events.on"); err != nil {
		return err
	}
	return e.m.setSubscription(e.pluginID, name, true)
}

// Off unsubscribes the plugin from name.
func (e *EventsAPI) Off(name string) error {
	if err := e.m.requirePermission(e.pluginID, PermissionEvents, "events.off"); err != nil {
		return err
	}
	return e.m.setSubscription(e.pluginID, name, false)
}

// Emit publishes an event from the plugin. Every other running plugin
// subscribed to name receives it, as do host subscribers of the manager's
// event bus.
func (e *EventsAPI) Emit(_ context.Context, name string, data json.RawMessage) error {
	if err := e.m.requirePermission(e.pluginID, PermissionEvents, "events.emit"); err != nil {
		return err
	}
	if name == "" {
		return NewBridgeRequestError("events.emit", "event name is empty", nil)
	}
	e.m.publishEvent(PluginEvent{Source: e.pluginID, Name: name, Data: data, Timestamp: time.Now()})
	return nil
}

// Subscriptions returns the plugin's subscribed event names.
func (e *EventsAPI) Subscriptions() []string {
	names := e.m.subscriptions(e.pluginID)
	sort.Strings(names)
	return names
}
