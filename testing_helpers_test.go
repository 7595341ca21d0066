// testing_helpers_test.go: Shared test helper utilities
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// TestEnvironment owns temporary directories and servers created by a test
// and releases them on completion.
type TestEnvironment struct {
	t           *testing.T
	tempDirs    []string
	mockServers []*httptest.Server
	cleanup     []func()
	mu          sync.Mutex
}

// NewTestEnvironment creates a new test environment with automatic cleanup
func NewTestEnvironment(t *testing.T) *TestEnvironment {
	env := &TestEnvironment{t: t}
	t.Cleanup(env.Cleanup)
	return env
}

// CreateTempDir creates a temporary directory for testing
func (te *TestEnvironment) CreateTempDir(pattern string) string {
	te.mu.Lock()
	defer te.mu.Unlock()

	tempDir, err := os.MkdirTemp("", pattern)
	if err != nil {
		te.t.Fatalf("Failed to create temp dir: %v", err)
	}
	te.tempDirs = append(te.tempDirs, tempDir)
	return tempDir
}

// CreateTempFile creates a temporary file with the given name and content
func (te *TestEnvironment) CreateTempFile(name, content string) string {
	tempDir := te.CreateTempDir("plugin-runtime-test")
	filePath := filepath.Join(tempDir, name)
	if err := os.WriteFile(filePath, []byte(content), 0600); err != nil {
		te.t.Fatalf("Failed to create temp file %s: %v", filePath, err)
	}
	return filePath
}

// pluginFixture describes an on-disk plugin used by sandbox and manager tests.
type pluginFixture struct {
	Manifest map[string]any
	Files    map[string]string
}

// WritePlugin lays a plugin out under a fresh directory and returns it.
func (te *TestEnvironment) WritePlugin(fixture pluginFixture) string {
	dir := te.CreateTempDir("plugin-fixture")
	te.writePluginInto(dir, fixture)
	return dir
}

func (te *TestEnvironment) writePluginInto(dir string, fixture pluginFixture) {
	te.t.Helper()
	if err := os.MkdirAll(dir, 0750); err != nil {
		te.t.Fatalf("Failed to create %s: %v", dir, err)
	}
	if fixture.Manifest != nil {
		data, err := json.MarshalIndent(fixture.Manifest, "", "  ")
		if err != nil {
			te.t.Fatalf("Failed to encode manifest: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, ManifestFileName), data, 0600); err != nil {
			te.t.Fatalf("Failed to write manifest: %v", err)
		}
	}
	for name, content := range fixture.Files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			te.t.Fatalf("Failed to create %s: %v", filepath.Dir(path), err)
		}
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			te.t.Fatalf("Failed to write %s: %v", path, err)
		}
	}
}

// simplePlugin returns a fixture whose main file is source.
func simplePlugin(id string, permissions []string, source string) pluginFixture {
	manifest := map[string]any{
		"id":      id,
		"name":    id,
		"version": "1.0.0",
		"main":    "index.js",
	}
	if len(permissions) > 0 {
		manifest["permissions"] = permissions
	}
	return pluginFixture{Manifest: manifest, Files: map[string]string{"index.js": source}}
}

// zipEntry is one file written by WriteZip. Mode is applied when non-zero.
type zipEntry struct {
	Name    string
	Content string
	Mode    os.FileMode
}

// WriteZip writes entries, in order, to a fresh archive and returns its path.
func (te *TestEnvironment) WriteZip(name string, entries ...zipEntry) string {
	te.t.Helper()
	path := filepath.Join(te.CreateTempDir("plugin-zip"), name)
	f, err := os.Create(path) // #nosec G304 -- test temp dir
	if err != nil {
		te.t.Fatalf("Failed to create %s: %v", path, err)
	}
	defer f.Close()
	zw := zip.NewWriter(f)
	for _, e := range entries {
		header := &zip.FileHeader{Name: e.Name, Method: zip.Deflate}
		if e.Mode != 0 {
			header.SetMode(e.Mode)
		}
		w, err := zw.CreateHeader(header)
		if err != nil {
			te.t.Fatalf("Failed to add %s: %v", e.Name, err)
		}
		if _, err := w.Write([]byte(e.Content)); err != nil {
			te.t.Fatalf("Failed to write %s: %v", e.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		te.t.Fatalf("Failed to finish %s: %v", path, err)
	}
	return path
}

// pluginZipEntries lays fixture out under prefix as archive entries.
func pluginZipEntries(prefix string, fixture pluginFixture) []zipEntry {
	manifest, _ := json.Marshal(fixture.Manifest)
	entries := []zipEntry{{Name: prefix + ManifestFileName, Content: string(manifest)}}
	for name, content := range fixture.Files {
		entries = append(entries, zipEntry{Name: prefix + name, Content: content})
	}
	return entries
}

// CreateMockHTTPServer creates a mock HTTP server recording every request.
func (te *TestEnvironment) CreateMockHTTPServer(handler http.HandlerFunc) *MockHTTPServer {
	te.mu.Lock()
	defer te.mu.Unlock()

	mockServer := &MockHTTPServer{responses: make(map[string]MockResponse)}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mockServer.mu.Lock()
		mockServer.requests = append(mockServer.requests, r.Clone(context.Background()))
		mockServer.mu.Unlock()

		if handler != nil {
			handler(w, r)
			return
		}
		mockServer.defaultHandler(w, r)
	}))
	mockServer.Server = server
	te.mockServers = append(te.mockServers, server)
	return mockServer
}

// AddCleanupFunc adds a custom cleanup function
func (te *TestEnvironment) AddCleanupFunc(fn func()) {
	te.mu.Lock()
	defer te.mu.Unlock()
	te.cleanup = append(te.cleanup, fn)
}

// Cleanup cleans up all resources created during testing
func (te *TestEnvironment) Cleanup() {
	te.mu.Lock()
	defer te.mu.Unlock()

	for i := len(te.cleanup) - 1; i >= 0; i-- {
		te.cleanup[i]()
	}
	for _, server := range te.mockServers {
		server.Close()
	}
	for _, tempDir := range te.tempDirs {
		if err := os.RemoveAll(tempDir); err != nil {
			te.t.Logf("Warning: failed to remove temp dir %s: %v", tempDir, err)
		}
	}
	te.cleanup, te.mockServers, te.tempDirs = nil, nil, nil
}

// MockHTTPServer answers configured responses and records requests.
type MockHTTPServer struct {
	*httptest.Server
	requests  []*http.Request
	responses map[string]MockResponse
	mu        sync.RWMutex
}

// MockResponse defines a mock HTTP response
type MockResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       any
}

// SetResponse sets a mock response for a specific endpoint
func (ms *MockHTTPServer) SetResponse(method, path string, response MockResponse) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.responses[fmt.Sprintf("%s %s", method, path)] = response
}

// GetRequestCount returns the number of requests received
func (ms *MockHTTPServer) GetRequestCount() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.requests)
}

func (ms *MockHTTPServer) defaultHandler(w http.ResponseWriter, r *http.Request) {
	ms.mu.RLock()
	response, exists := ms.responses[fmt.Sprintf("%s %s", r.Method, r.URL.Path)]
	ms.mu.RUnlock()

	if !exists {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"path": r.URL.Path, "method": r.Method})
		return
	}
	for k, v := range response.Headers {
		w.Header().Set(k, v)
	}
	if response.StatusCode != 0 {
		w.WriteHeader(response.StatusCode)
	}
	switch body := response.Body.(type) {
	case nil:
	case string:
		_, _ = w.Write([]byte(body))
	default:
		_ = json.NewEncoder(w).Encode(body)
	}
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// eventRecorder collects events published on a bus.
type eventRecorder[T any] struct {
	mu     sync.Mutex
	events []T
}

func recordEvents[T any](t *testing.T, bus *EventBus[T]) *eventRecorder[T] {
	t.Helper()
	rec := &eventRecorder[T]{}
	t.Cleanup(bus.Subscribe(func(e T) {
		rec.mu.Lock()
		rec.events = append(rec.events, e)
		rec.mu.Unlock()
	}))
	return rec
}

func (r *eventRecorder[T]) All() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.events...)
}

func (r *eventRecorder[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
