// discovery_test.go: Tests for plugin unpacking and discovery
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSystemInstaller_UnpackDirectory(t *testing.T) {
	env := NewTestEnvironment(t)
	fixture := simplePlugin("copied", nil, "module.exports = {};")
	fixture.Files["lib/util.js"] = "exports.x = 1;"
	source := env.WritePlugin(fixture)
	require.NoError(t, os.Symlink("/etc/passwd", filepath.Join(source, "passwd")))

	dest := filepath.Join(env.CreateTempDir("dest"), "copied")
	installer := NewFileSystemInstaller(0, NewNoOpLogger())
	require.NoError(t, installer.Unpack(context.Background(), source, dest))

	assert.FileExists(t, filepath.Join(dest, ManifestFileName))
	assert.FileExists(t, filepath.Join(dest, "lib", "util.js"))
	_, err := os.Lstat(filepath.Join(dest, "passwd"))
	assert.True(t, os.IsNotExist(err), "symlinks are not copied")
}

func TestFileSystemInstaller_SizeLimit(t *testing.T) {
	env := NewTestEnvironment(t)
	fixture := simplePlugin("large", nil, strings.Repeat("x", 4096))
	installer := NewFileSystemInstaller(1024, nil)

	err := installer.Unpack(context.Background(), env.WritePlugin(fixture), env.CreateTempDir("dest"))
	assert.True(t, HasErrorCode(err, ErrCodeInstallUnpack))

	archive := env.WriteZip("large.zip", pluginZipEntries("", fixture)...)
	err = installer.Unpack(context.Background(), archive, env.CreateTempDir("dest"))
	assert.True(t, HasErrorCode(err, ErrCodeInstallUnpack))
}

func TestFileSystemInstaller_RejectsUnsupportedSources(t *testing.T) {
	env := NewTestEnvironment(t)
	installer := NewFileSystemInstaller(0, nil)

	err := installer.Unpack(context.Background(), env.CreateTempFile("plugin.tar", "data"), env.CreateTempDir("dest"))
	assert.True(t, HasErrorCode(err, ErrCodeInstallUnpack))
	err = installer.Unpack(context.Background(), filepath.Join(env.CreateTempDir("none"), "missing"), env.CreateTempDir("dest"))
	assert.True(t, HasErrorCode(err, ErrCodeInstallUnpack))
}

func TestZipTarget(t *testing.T) {
	root := t.TempDir()
	tests := []struct {
		name    string
		entry   string
		allowed bool
	}{
		{"plain file", "index.js", true},
		{"nested file", "lib/a/b.js", true},
		{"inner dot segments", "lib/../index.js", true},
		{"parent escape", "../evil.js", false},
		{"deep escape", "lib/../../evil.js", false},
		{"backslash escape", `..\evil.js`, false},
		{"absolute path", "/etc/passwd", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := zipTarget(root, tt.entry)
			if !tt.allowed {
				assert.True(t, HasErrorCode(err, ErrCodePathTraversal))
				return
			}
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(target, root+string(filepath.Separator)))
		})
	}
}

func TestFileSystemInstaller_Download(t *testing.T) {
	env := NewTestEnvironment(t)
	server := env.CreateMockHTTPServer(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.zip":
			_, _ = w.Write([]byte("PK-archive-bytes"))
		case "/big.zip":
			_, _ = w.Write([]byte(strings.Repeat("z", 64)))
		default:
			http.NotFound(w, r)
		}
	})
	dir := env.CreateTempDir("downloads")
	installer := NewFileSystemInstaller(32, nil)

	path, err := installer.Download(context.Background(), server.Client(), server.URL+"/ok.zip", dir)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "PK-archive-bytes", string(data))

	_, err = installer.Download(context.Background(), server.Client(), server.URL+"/big.zip", dir)
	assert.True(t, HasErrorCode(err, ErrCodeInstallDownload))
	_, err = installer.Download(context.Background(), server.Client(), server.URL+"/gone.zip", dir)
	assert.True(t, HasErrorCode(err, ErrCodeInstallDownload))

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, files, 1, "failed downloads are removed")
}

func TestPluginRoot(t *testing.T) {
	env := NewTestEnvironment(t)

	direct := env.WritePlugin(simplePlugin("direct", nil, ""))
	assert.Equal(t, direct, PluginRoot(direct))

	wrapped := env.CreateTempDir("wrapped")
	inner := filepath.Join(wrapped, "plugin-1.0.0")
	env.writePluginInto(inner, simplePlugin("wrapped", nil, ""))
	require.NoError(t, os.MkdirAll(filepath.Join(wrapped, "__MACOSX"), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(wrapped, ".DS_Store"), nil, 0600))
	assert.Equal(t, inner, PluginRoot(wrapped))

	ambiguous := env.CreateTempDir("ambiguous")
	env.writePluginInto(filepath.Join(ambiguous, "one"), simplePlugin("one", nil, ""))
	env.writePluginInto(filepath.Join(ambiguous, "two"), simplePlugin("two", nil, ""))
	assert.Equal(t, ambiguous, PluginRoot(ambiguous))
}

func TestDiscoverPlugins(t *testing.T) {
	env := NewTestEnvironment(t)
	root := env.CreateTempDir("discover")
	env.writePluginInto(filepath.Join(root, "alpha"), simplePlugin("alpha", nil, ""))
	env.writePluginInto(filepath.Join(root, "group", "beta"), simplePlugin("beta", nil, ""))
	env.writePluginInto(filepath.Join(root, "a", "b", "c", "deep"), simplePlugin("deep", nil, ""))
	env.writePluginInto(filepath.Join(root, ".hidden"), simplePlugin("hidden", nil, ""))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "broken"), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "broken", ManifestFileName), []byte(`{"id":"broken"}`), 0600))

	found, err := DiscoverPlugins(context.Background(), root, 2)
	require.NoError(t, err)
	require.Len(t, found, 3)

	byPath := map[string]DiscoveredPlugin{}
	for _, f := range found {
		byPath[f.Path] = f
	}
	require.Contains(t, byPath, filepath.Join(root, "alpha"))
	assert.Equal(t, "alpha", byPath[filepath.Join(root, "alpha")].Manifest.ID)
	require.Contains(t, byPath, filepath.Join(root, "group", "beta"))
	require.Contains(t, byPath, filepath.Join(root, "broken"))
	assert.True(t, HasErrorCode(byPath[filepath.Join(root, "broken")].Err, ErrCodeManifestMissingField))

	_, err = DiscoverPlugins(context.Background(), filepath.Join(root, "nowhere"), 1)
	assert.True(t, HasErrorCode(err, ErrCodeStoreRead))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = DiscoverPlugins(ctx, root, 2)
	assert.ErrorIs(t, err, context.Canceled)
}
