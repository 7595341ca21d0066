// manifest.go: Plugin manifest parsing, validation and schema
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"golang.org/x/mod/semver"
)

const (
	// ManifestFileName is the manifest file expected at a plugin root.
	ManifestFileName = "manifest.json"

	// DefaultMain is used when a manifest omits main.
	DefaultMain = "index.js"

	// RuntimeVersion is checked against a manifest's engines.runtime.
	RuntimeVersion = "1.0.0"

	// RuntimeEngine names the engines entry this runtime honours.
	RuntimeEngine = "runtime"
)

// Permissions a plugin can request.
const (
	PermissionStorage = "storage"
	PermissionHTTP    = "http"
	PermissionEvents  = "events"
)

// PluginManifest is the content of manifest.json.
type PluginManifest struct {
	ID           string            `json:"id" validate:"required,pluginid" jsonschema:"required,pattern=^[A-Za-z0-9][A-Za-z0-9._-]*$"`
	Name         string            `json:"name,omitempty"`
	Version      string            `json:"version" validate:"required,semver" jsonschema:"required"`
	Description  string            `json:"description,omitempty"`
	Author       string            `json:"author,omitempty"`
	Main         string            `json:"main,omitempty" jsonschema:"default=index.js"`
	Permissions  []string          `json:"permissions,omitempty" validate:"dive,oneof=storage http events" jsonschema:"enum=storage,enum=http,enum=events"`
	Dependencies []string          `json:"dependencies,omitempty" validate:"dive,pluginid"`
	Engines      map[string]string `json:"engines,omitempty"`
	Priority     string            `json:"priority,omitempty" validate:"omitempty,oneof=critical high normal low" jsonschema:"enum=critical,enum=high,enum=normal,enum=low"`
}

var (
	pluginIDPattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	manifestValidator = newManifestValidator()
)

func newManifestValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("pluginid", func(fl validator.FieldLevel) bool {
		id := fl.Field().String()
		return pluginIDPattern.MatchString(id) && !strings.Contains(id, "..")
	})
	return v
}

// ParseManifest decodes, normalises and validates manifest bytes.
func ParseManifest(data []byte) (*PluginManifest, error) {
	var m PluginManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, NewManifestParseError(ManifestFileName, err)
	}
	m.Normalize()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifest reads dir/manifest.json.
func LoadManifest(dir string) (*PluginManifest, error) {
	path := filepath.Join(dir, ManifestFileName)
	data, err := os.ReadFile(path) // #nosec G304 -- manifest path is built from the plugin directory
	if err != nil {
		return nil, NewManifestParseError(path, err)
	}
	return ParseManifest(data)
}

// Normalize applies defaults and deduplicates permissions.
func (m *PluginManifest) Normalize() {
	if m.Main == "" {
		m.Main = DefaultMain
	}
	if m.Name == "" {
		m.Name = m.ID
	}
	m.Permissions = dedupe(m.Permissions)
	m.Dependencies = dedupe(m.Dependencies)
}

// Validate checks required fields, formats and the runtime engine.
func (m *PluginManifest) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return NewManifestMissingFieldError("id")
	}
	if strings.TrimSpace(m.Version) == "" {
		return NewManifestMissingFieldError("version")
	}
	if err := manifestValidator.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if stderrors.As(err, &verrs) {
			parts := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return NewManifestInvalidError(strings.Join(parts, "; "), nil)
		}
		return NewManifestInvalidError("validation failed", err)
	}
	if filepath.IsAbs(m.Main) || strings.HasPrefix(filepath.Clean(filepath.FromSlash(m.Main)), "..") {
		return NewManifestInvalidError(fmt.Sprintf("main %q must stay inside the plugin directory", m.Main), nil)
	}
	return m.CheckEngines(RuntimeVersion)
}

// HasPermission reports whether the manifest grants permission.
func (m *PluginManifest) HasPermission(permission string) bool {
	for _, p := range m.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// CheckEngines verifies engines.runtime against version. Other engine keys
// are informational.
func (m *PluginManifest) CheckEngines(version string) error {
	constraint, ok := m.Engines[RuntimeEngine]
	if !ok || strings.TrimSpace(constraint) == "" {
		return nil
	}
	satisfied, err := SatisfiesConstraint(version, constraint)
	if err != nil {
		return NewManifestInvalidError(fmt.Sprintf("engines.%s: %v", RuntimeEngine, err), nil)
	}
	if !satisfied {
		return NewEngineIncompatibleError(RuntimeEngine, constraint, version)
	}
	return nil
}

// SatisfiesConstraint evaluates a space-separated list of comparators, all of
// which must hold. Supported forms: "*", "1.2.3", "=1.2.3", ">1", ">=1.2",
// "<2", "<=2.0.0", "^1.2.0" (same major) and "~1.2.0" (same minor), plus the
// wildcard forms "1.x" and "1.2.x".
func SatisfiesConstraint(version, constraint string) (bool, error) {
	v := canonicalSemver(version)
	if !semver.IsValid(v) {
		return false, fmt.Errorf("invalid version %q", version)
	}
	for _, term := range strings.Fields(constraint) {
		ok, err := satisfiesTerm(v, term)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func satisfiesTerm(v, term string) (bool, error) {
	if term == "*" || term == "x" {
		return true, nil
	}
	op := ""
	for _, candidate := range []string{">=", "<=", ">", "<", "=", "^", "~"} {
		if strings.HasPrefix(term, candidate) {
			op = candidate
			break
		}
	}
	raw := strings.TrimPrefix(term, op)

	if strings.HasSuffix(raw, ".x") || strings.HasSuffix(raw, ".*") {
		prefix := canonicalSemver(raw[:len(raw)-2])
		if !semver.IsValid(prefix) {
			return false, fmt.Errorf("invalid constraint %q", term)
		}
		if strings.Count(raw, ".") == 1 {
			return semver.Major(v) == semver.Major(prefix), nil
		}
		return semver.MajorMinor(v) == semver.MajorMinor(prefix), nil
	}

	target := canonicalSemver(raw)
	if !semver.IsValid(target) {
		return false, fmt.Errorf("invalid constraint %q", term)
	}
	cmp := semver.Compare(v, target)
	switch op {
	case ">=":
		return cmp >= 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	case "<":
		return cmp < 0, nil
	case "^":
		return cmp >= 0 && semver.Major(v) == semver.Major(target), nil
	case "~":
		return cmp >= 0 && semver.MajorMinor(v) == semver.MajorMinor(target), nil
	default:
		return cmp == 0, nil
	}
}

func canonicalSemver(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "v") {
		s = "v" + s
	}
	return s
}

// ManifestJSONSchema returns the JSON schema describing manifest.json.
func ManifestJSONSchema() ([]byte, error) {
	reflector := jsonschema.Reflector{ExpandedStruct: true}
	schema := reflector.Reflect(&PluginManifest{})
	schema.Title = "Plugin manifest"
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, NewManifestSchemaError(err)
	}
	return data, nil
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return values
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
