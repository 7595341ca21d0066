// plugin_registry.go: Persistent registry of installed plugins and their storage
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"encoding/json"
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// PluginStatus is the lifecycle state of an installed plugin.
type PluginStatus string

const (
	StatusInstalled PluginStatus = "installed"
	StatusRunning   PluginStatus = "running"
	StatusStopped   PluginStatus = "stopped"
	StatusError     PluginStatus = "error"

	// StatusUninstalled only appears in lifecycle events.
	StatusUninstalled PluginStatus = "uninstalled"
)

// InstalledPlugin is the persisted record of one installation.
type InstalledPlugin struct {
	Manifest    PluginManifest  `json:"manifest"`
	InstallPath string          `json:"installPath"`
	Enabled     bool            `json:"enabled"`
	Status      PluginStatus    `json:"status"`
	InstalledAt time.Time       `json:"installedAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	EnabledAt   *time.Time      `json:"enabledAt,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
}

// ID returns the manifest id.
func (p InstalledPlugin) ID() string { return p.Manifest.ID }

// clone returns a copy that shares no mutable state with p.
func (p InstalledPlugin) clone() InstalledPlugin {
	out := p
	out.Manifest.Permissions = append([]string(nil), p.Manifest.Permissions...)
	out.Manifest.Dependencies = append([]string(nil), p.Manifest.Dependencies...)
	if p.Manifest.Engines != nil {
		out.Manifest.Engines = make(map[string]string, len(p.Manifest.Engines))
		for k, v := range p.Manifest.Engines {
			out.Manifest.Engines[k] = v
		}
	}
	if p.EnabledAt != nil {
		t := *p.EnabledAt
		out.EnabledAt = &t
	}
	out.Config = append(json.RawMessage(nil), p.Config...)
	return out
}

// PluginStore persists installation records and each plugin's key/value
// storage so both survive restarts.
type PluginStore interface {
	LoadAll() ([]InstalledPlugin, error)
	Save(plugin InstalledPlugin) error
	Delete(id string) error

	GetValue(pluginID, key string) (json.RawMessage, bool, error)
	SetValue(pluginID, key string, value json.RawMessage) error
	DeleteValue(pluginID, key string) (bool, error)
	ClearValues(pluginID string) error
}

// MemoryStore is a PluginStore that keeps everything in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	plugins map[string]InstalledPlugin
	values  map[string]map[string]json.RawMessage
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plugins: make(map[string]InstalledPlugin),
		values:  make(map[string]map[string]json.RawMessage),
	}
}

func (s *MemoryStore) LoadAll() ([]InstalledPlugin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedPlugins(s.plugins), nil
}

func (s *MemoryStore) Save(plugin InstalledPlugin) error {
	s.mu.Lock()
	s.plugins[plugin.ID()] = plugin.clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	delete(s.plugins, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetValue(pluginID, key string) (json.RawMessage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[pluginID][key]
	return append(json.RawMessage(nil), v...), ok, nil
}

func (s *MemoryStore) SetValue(pluginID, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := s.values[pluginID]
	if values == nil {
		values = make(map[string]json.RawMessage)
		s.values[pluginID] = values
	}
	values[key] = append(json.RawMessage(nil), value...)
	return nil
}

func (s *MemoryStore) DeleteValue(pluginID, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.values[pluginID][key]
	delete(s.values[pluginID], key)
	return ok, nil
}

func (s *MemoryStore) ClearValues(pluginID string) error {
	s.mu.Lock()
	delete(s.values, pluginID)
	s.mu.Unlock()
	return nil
}

const (
	installedFileName = "installed.json"
	storageDirName    = "storage"
)

// FileStore persists records in <dir>/installed.json and each plugin's
// values in <dir>/storage/<id>.json. Writes go through a temp file and a
// rename so a crash never leaves a truncated file behind.
type FileStore struct {
	dir string

	mu      sync.RWMutex
	loaded  bool
	plugins map[string]InstalledPlugin
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, storageDirName), 0750); err != nil {
		return nil, NewStoreWriteError(dir, err)
	}
	return &FileStore{dir: dir, plugins: make(map[string]InstalledPlugin)}, nil
}

// Dir returns the store directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) LoadAll() ([]InstalledPlugin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	return sortedPlugins(s.plugins), nil
}

func (s *FileStore) Save(plugin InstalledPlugin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	s.plugins[plugin.ID()] = plugin.clone()
	return s.flushLocked()
}

func (s *FileStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	if _, ok := s.plugins[id]; !ok {
		return nil
	}
	delete(s.plugins, id)
	return s.flushLocked()
}

func (s *FileStore) GetValue(pluginID, key string) (json.RawMessage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values, err := s.readValues(pluginID)
	if err != nil {
		return nil, false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

func (s *FileStore) SetValue(pluginID, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.readValues(pluginID)
	if err != nil {
		return err
	}
	values[key] = value
	return s.writeValues(pluginID, values)
}

func (s *FileStore) DeleteValue(pluginID, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.readValues(pluginID)
	if err != nil {
		return false, err
	}
	if _, ok := values[key]; !ok {
		return false, nil
	}
	delete(values, key)
	return true, s.writeValues(pluginID, values)
}

func (s *FileStore) ClearValues(pluginID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.valuesPath(pluginID)
	if err := os.Remove(path); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return NewStoreWriteError(path, err)
	}
	return nil
}

func (s *FileStore) loadLocked() error {
	if s.loaded {
		return nil
	}
	path := filepath.Join(s.dir, installedFileName)
	data, err := os.ReadFile(path) // #nosec G304 -- path is inside the configured data dir
	if stderrors.Is(err, fs.ErrNotExist) {
		s.loaded = true
		return nil
	}
	if err != nil {
		return NewStoreReadError(path, err)
	}
	var records []InstalledPlugin
	if err := json.Unmarshal(data, &records); err != nil {
		return NewStoreReadError(path, err)
	}
	for _, r := range records {
		s.plugins[r.ID()] = r
	}
	s.loaded = true
	return nil
}

func (s *FileStore) flushLocked() error {
	path := filepath.Join(s.dir, installedFileName)
	data, err := json.MarshalIndent(sortedPlugins(s.plugins), "", "  ")
	if err != nil {
		return NewStoreWriteError(path, err)
	}
	return writeFileAtomic(path, data)
}

func (s *FileStore) valuesPath(pluginID string) string {
	return filepath.Join(s.dir, storageDirName, pluginID+".json")
}

func (s *FileStore) readValues(pluginID string) (map[string]json.RawMessage, error) {
	path := s.valuesPath(pluginID)
	values := make(map[string]json.RawMessage)
	data, err := os.ReadFile(path) // #nosec G304 -- plugin ids are validated by the manifest
	if stderrors.Is(err, fs.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, NewStoreReadError(path, err)
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, NewStoreReadError(path, err)
	}
	return values, nil
}

func (s *FileStore) writeValues(pluginID string, values map[string]json.RawMessage) error {
	path := s.valuesPath(pluginID)
	data, err := json.Marshal(values)
	if err != nil {
		return NewStoreWriteError(path, err)
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return NewStoreWriteError(path, err)
	}
	name := tmp.Name()
	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(name, path)
	}
	if err != nil {
		_ = os.Remove(name)
		return NewStoreWriteError(path, err)
	}
	return nil
}

func sortedPlugins(m map[string]InstalledPlugin) []InstalledPlugin {
	out := make([]InstalledPlugin, 0, len(m))
	for _, p := range m {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
