// discovery.go: Plugin installation sources, archive unpacking and manifest discovery
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"archive/zip"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// PluginInstaller places plugin files on disk and removes them again.
type PluginInstaller interface {
	// Unpack copies a plugin directory or extracts a .zip archive into dest.
	Unpack(ctx context.Context, source, dest string) error
	// Remove deletes an installed plugin tree.
	Remove(path string) error
}

var (
	errUnsupportedSource = stderrors.New("plugin source must be a directory or a .zip archive")
	errSizeLimit         = stderrors.New("plugin exceeds the maximum install size")
)

// FileSystemInstaller installs from local directories, zip archives and
// downloaded archives. Every install is bounded by maxSize bytes.
type FileSystemInstaller struct {
	maxSize int64
	logger  Logger
}

// NewFileSystemInstaller creates an installer; maxSize <= 0 uses the
// default ManagerConfig.MaxDownloadSize.
func NewFileSystemInstaller(maxSize int64, logger any) *FileSystemInstaller {
	if maxSize <= 0 {
		maxSize = DefaultManagerConfig().MaxDownloadSize
	}
	return &FileSystemInstaller{maxSize: maxSize, logger: NewLogger(logger).With("component", "installer")}
}

// Unpack implements PluginInstaller.
func (i *FileSystemInstaller) Unpack(ctx context.Context, source, dest string) error {
	info, err := os.Stat(source)
	if err != nil {
		return NewInstallUnpackError(source, err)
	}
	if err := os.MkdirAll(dest, 0750); err != nil {
		return NewInstallUnpackError(source, err)
	}
	switch {
	case info.IsDir():
		err = i.copyTree(ctx, source, dest)
	case strings.EqualFold(filepath.Ext(source), ".zip"):
		err = i.extractZip(ctx, source, dest)
	default:
		err = NewInstallUnpackError(source, errUnsupportedSource)
	}
	if err != nil {
		return err
	}
	i.logger.Debug("Unpacked plugin", "source", source, "dest", dest)
	return nil
}

// Remove implements PluginInstaller.
func (i *FileSystemInstaller) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return NewInstallRemoveError(path, err)
	}
	return nil
}

// Download fetches an archive with client into a temp file under dir and
// returns its path. The caller removes the file.
func (i *FileSystemInstaller) Download(ctx context.Context, client *http.Client, url, dir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return "", NewInstallDownloadError(url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", NewInstallDownloadError(url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", NewInstallDownloadError(url, fmt.Errorf("unexpected status %s", resp.Status))
	}

	out, err := os.CreateTemp(dir, ".download-*.zip")
	if err != nil {
		return "", NewInstallDownloadError(url, err)
	}
	n, err := io.Copy(out, io.LimitReader(resp.Body, i.maxSize+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > i.maxSize {
		err = errSizeLimit
	}
	if err != nil {
		_ = os.Remove(out.Name())
		return "", NewInstallDownloadError(url, err)
	}
	i.logger.Info("Downloaded plugin archive", "url", url, "bytes", n)
	return out.Name(), nil
}

func (i *FileSystemInstaller) copyTree(ctx context.Context, source, dest string) error {
	var total int64
	return filepath.WalkDir(source, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return NewInstallUnpackError(source, walkErr)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(source, path)
		if err != nil {
			return NewInstallUnpackError(source, err)
		}
		target := filepath.Join(dest, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0750)
		case d.Type()&fs.ModeSymlink != 0:
			i.logger.Warn("Skipping symlink in plugin source", "path", path)
			return nil
		case !d.Type().IsRegular():
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return NewInstallUnpackError(source, err)
		}
		if total += info.Size(); total > i.maxSize {
			return NewInstallUnpackError(source, errSizeLimit)
		}
		in, err := os.Open(path) // #nosec G304 -- walking the operator-supplied source tree
		if err != nil {
			return NewInstallUnpackError(source, err)
		}
		defer in.Close()
		return writeInstalledFile(target, in, info.Size(), source)
	})
}

func (i *FileSystemInstaller) extractZip(ctx context.Context, source, dest string) error {
	r, err := zip.OpenReader(source)
	if err != nil {
		return NewInstallUnpackError(source, err)
	}
	defer r.Close()

	root, err := filepath.Abs(dest)
	if err != nil {
		return NewInstallUnpackError(source, err)
	}
	remaining := i.maxSize
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		target, err := zipTarget(root, f.Name)
		if err != nil {
			return err
		}
		mode := f.Mode()
		if mode&fs.ModeSymlink != 0 {
			return NewPathTraversalError(f.Name)
		}
		if mode.IsDir() || strings.HasSuffix(f.Name, "/") {
			if err := os.MkdirAll(target, 0750); err != nil {
				return NewInstallUnpackError(source, err)
			}
			continue
		}
		size := int64(f.UncompressedSize64) // #nosec G115 -- bounded by remaining below
		if size < 0 || size > remaining {
			return NewInstallUnpackError(source, errSizeLimit)
		}
		remaining -= size
		if err := extractZipFile(f, target, size, source); err != nil {
			return err
		}
	}
	return nil
}

// zipTarget maps an archive entry name to a path inside root, rejecting
// absolute names and any name that climbs out of root.
func zipTarget(root, name string) (string, error) {
	clean := filepath.FromSlash(strings.ReplaceAll(name, "\\", "/"))
	if filepath.IsAbs(clean) || filepath.VolumeName(clean) != "" {
		return "", NewPathTraversalError(name)
	}
	target := filepath.Join(root, clean)
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", NewPathTraversalError(name)
	}
	return target, nil
}

func extractZipFile(f *zip.File, target string, size int64, source string) error {
	rc, err := f.Open()
	if err != nil {
		return NewInstallUnpackError(source, err)
	}
	defer rc.Close()
	return writeInstalledFile(target, rc, size, source)
}

func writeInstalledFile(target string, r io.Reader, size int64, source string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return NewInstallUnpackError(source, err)
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640) // #nosec G304 -- target is contained in dest
	if err != nil {
		return NewInstallUnpackError(source, err)
	}
	n, err := io.Copy(out, io.LimitReader(r, size+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > size {
		err = errSizeLimit
	}
	if err != nil {
		return NewInstallUnpackError(source, err)
	}
	return nil
}

// PluginRoot returns the directory holding the manifest: dir itself, or its
// single subdirectory when an archive wraps the plugin in a top-level folder.
func PluginRoot(dir string) string {
	if _, err := os.Stat(filepath.Join(dir, ManifestFileName)); err == nil {
		return dir
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return dir
	}
	var only string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") || strings.HasPrefix(e.Name(), "__MACOSX") {
			continue
		}
		if !e.IsDir() || only != "" {
			return dir
		}
		only = filepath.Join(dir, e.Name())
	}
	if only == "" {
		return dir
	}
	if _, err := os.Stat(filepath.Join(only, ManifestFileName)); err == nil {
		return only
	}
	return dir
}

// DiscoveredPlugin is one manifest found by DiscoverPlugins.
type DiscoveredPlugin struct {
	Path     string
	Manifest *PluginManifest
	Err      error
}

// DiscoverPlugins scans root up to maxDepth levels for plugin directories.
// Directories with an unreadable or invalid manifest are reported with Err.
func DiscoverPlugins(ctx context.Context, root string, maxDepth int) ([]DiscoveredPlugin, error) {
	var found []DiscoveredPlugin
	if err := scanPluginDir(ctx, root, 0, maxDepth, &found); err != nil {
		return nil, err
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Path < found[j].Path })
	return found, nil
}

func scanPluginDir(ctx context.Context, dir string, depth, maxDepth int, found *[]DiscoveredPlugin) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dir, ManifestFileName)); err == nil {
		m, err := LoadManifest(dir)
		*found = append(*found, DiscoveredPlugin{Path: dir, Manifest: m, Err: err})
		return nil
	}
	if depth >= maxDepth {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if depth == 0 {
			return NewStoreReadError(dir, err)
		}
		return nil
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if err := scanPluginDir(ctx, filepath.Join(dir, e.Name()), depth+1, maxDepth, found); err != nil {
			return err
		}
	}
	return nil
}
