// plugin_registry_test.go: Tests for the installed plugin stores
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(id string) InstalledPlugin {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return InstalledPlugin{
		Manifest: PluginManifest{
			ID:          id,
			Name:        id,
			Version:     "1.0.0",
			Main:        "index.js",
			Permissions: []string{PermissionStorage},
		},
		InstallPath: "/plugins/" + id,
		Status:      StatusInstalled,
		InstalledAt: now,
		UpdatedAt:   now,
	}
}

// storeContract runs the behaviour every PluginStore shares.
func storeContract(t *testing.T, newStore func(t *testing.T) PluginStore) {
	t.Run("RecordsRoundTripSorted", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Save(testRecord("zeta")))
		require.NoError(t, store.Save(testRecord("alpha")))

		records, err := store.LoadAll()
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "alpha", records[0].ID())
		assert.Equal(t, "zeta", records[1].ID())
		assert.Equal(t, []string{PermissionStorage}, records[0].Manifest.Permissions)
	})

	t.Run("SaveReplacesAndDeleteForgets", func(t *testing.T) {
		store := newStore(t)
		record := testRecord("alpha")
		require.NoError(t, store.Save(record))
		record.Status = StatusRunning
		record.Enabled = true
		require.NoError(t, store.Save(record))

		records, err := store.LoadAll()
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, StatusRunning, records[0].Status)

		require.NoError(t, store.Delete("alpha"))
		require.NoError(t, store.Delete("alpha"))
		records, err = store.LoadAll()
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("ReturnedRecordsAreCopies", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Save(testRecord("alpha")))
		records, err := store.LoadAll()
		require.NoError(t, err)
		records[0].Manifest.Permissions[0] = "http"

		again, err := store.LoadAll()
		require.NoError(t, err)
		assert.Equal(t, PermissionStorage, again[0].Manifest.Permissions[0])
	})

	t.Run("ValuesArePerPlugin", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.SetValue("a", "k", json.RawMessage(`{"n":1}`)))
		require.NoError(t, store.SetValue("b", "k", json.RawMessage(`"other"`)))

		v, ok, err := store.GetValue("a", "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.JSONEq(t, `{"n":1}`, string(v))

		_, ok, err = store.GetValue("a", "missing")
		require.NoError(t, err)
		assert.False(t, ok)

		deleted, err := store.DeleteValue("a", "k")
		require.NoError(t, err)
		assert.True(t, deleted)
		deleted, err = store.DeleteValue("a", "k")
		require.NoError(t, err)
		assert.False(t, deleted)

		require.NoError(t, store.ClearValues("b"))
		require.NoError(t, store.ClearValues("b"))
		_, ok, err = store.GetValue("b", "k")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, func(t *testing.T) PluginStore { return NewMemoryStore() })
}

func TestFileStore(t *testing.T) {
	storeContract(t, func(t *testing.T) PluginStore {
		store, err := NewFileStore(t.TempDir())
		require.NoError(t, err)
		return store
	})
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	record := testRecord("alpha")
	enabledAt := record.InstalledAt.Add(time.Minute)
	record.Enabled = true
	record.EnabledAt = &enabledAt
	record.Config = json.RawMessage(`{"port":8080}`)
	require.NoError(t, store.Save(record))
	require.NoError(t, store.SetValue("alpha", "greeting", json.RawMessage(`"hi"`)))

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	records, err := reopened.LoadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Enabled)
	require.NotNil(t, records[0].EnabledAt)
	assert.True(t, enabledAt.Equal(*records[0].EnabledAt))
	assert.JSONEq(t, `{"port":8080}`, string(records[0].Config))

	v, ok, err := reopened.GetValue("alpha", "greeting")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `"hi"`, string(v))

	assert.FileExists(t, filepath.Join(dir, installedFileName))
	assert.FileExists(t, filepath.Join(dir, storageDirName, "alpha.json"))
	leftovers, err := filepath.Glob(filepath.Join(dir, ".*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "atomic writes must not leave temp files")
}

func TestFileStore_CorruptFilesReportReadErrors(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, installedFileName), []byte("{not json"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, storageDirName, "alpha.json"), []byte("["), 0600))

	_, err = store.LoadAll()
	assert.True(t, HasErrorCode(err, ErrCodeStoreRead))
	_, _, err = store.GetValue("alpha", "k")
	assert.True(t, HasErrorCode(err, ErrCodeStoreRead))
	assert.True(t, HasErrorCode(store.SetValue("alpha", "k", json.RawMessage(`1`)), ErrCodeStoreRead))
}
