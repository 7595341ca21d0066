// sandbox_require.go: Restricted module resolution for sandboxed plugins
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"
)

// moduleLoader implements require() for one runtime. Relative requests are
// resolved inside root; bare names must be in AllowedModules.
type moduleLoader struct {
	vm     *goja.Runtime
	root   string
	host   *goja.Object
	buffer goja.Value

	files    map[string]*goja.Object
	builtins map[string]goja.Value
}

func newModuleLoader(vm *goja.Runtime, root string, host *goja.Object, buffer goja.Value) (*moduleLoader, error) {
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(resolvedRoot)
	if err != nil {
		return nil, err
	}
	return &moduleLoader{
		vm:       vm,
		root:     abs,
		host:     host,
		buffer:   buffer,
		files:    make(map[string]*goja.Object),
		builtins: make(map[string]goja.Value),
	}, nil
}

// requireFrom returns the require function seen by code living in dir.
func (l *moduleLoader) requireFrom(dir string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		v, err := l.require(dir, name)
		if err != nil {
			l.throw(err)
		}
		return v
	}
}

func (l *moduleLoader) throw(err error) {
	if ex, ok := err.(*goja.Exception); ok {
		panic(ex)
	}
	panic(l.vm.NewGoError(jsVisibleError{err}))
}

func (l *moduleLoader) require(dir, name string) (goja.Value, error) {
	if strings.HasPrefix(name, "./") || strings.HasPrefix(name, "../") || name == "." || name == ".." {
		file, err := l.resolve(dir, name)
		if err != nil {
			return nil, err
		}
		return l.loadFile(file)
	}
	return l.builtin(strings.TrimPrefix(name, "node:"))
}

func (l *moduleLoader) builtin(name string) (goja.Value, error) {
	if !isAllowedModule(name) {
		return nil, NewModuleNotAllowedError(name)
	}
	if v, ok := l.builtins[name]; ok {
		return v, nil
	}
	src, ok := builtinModuleSources[name]
	if !ok {
		return nil, NewModuleNotAllowedError(name)
	}
	factory, err := l.vm.RunScript("builtin:"+name, src)
	if err != nil {
		return nil, err
	}
	fn, _ := goja.AssertFunction(factory)
	internal := l.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		v, err := l.builtin(call.Argument(0).String())
		if err != nil {
			l.throw(err)
		}
		return v
	})
	exports, err := fn(goja.Undefined(), l.host, internal, l.buffer)
	if err != nil {
		return nil, err
	}
	l.builtins[name] = exports
	return exports, nil
}

// resolve maps a relative request to a real file inside root.
func (l *moduleLoader) resolve(dir, request string) (string, error) {
	base := filepath.Join(dir, filepath.FromSlash(request))
	if !l.contains(base) {
		return "", NewPathEscapeError(request, base)
	}
	candidates := []string{base, base + ".js", base + ".json", filepath.Join(base, "index.js")}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		resolved, err := filepath.EvalSymlinks(candidate)
		if err != nil {
			return "", NewModuleNotFoundError(request)
		}
		if !l.contains(resolved) {
			return "", NewPathEscapeError(request, resolved)
		}
		return resolved, nil
	}
	return "", NewModuleNotFoundError(request)
}

func (l *moduleLoader) contains(path string) bool {
	rel, err := filepath.Rel(l.root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// loadFile evaluates file once and returns its module.exports.
func (l *moduleLoader) loadFile(file string) (goja.Value, error) {
	if module, ok := l.files[file]; ok {
		return module.Get("exports"), nil
	}
	data, err := os.ReadFile(file) // #nosec G304 -- path is resolved and contained by resolve
	if err != nil {
		return nil, NewModuleNotFoundError(file)
	}

	module := l.vm.NewObject()
	if strings.EqualFold(filepath.Ext(file), ".json") {
		parse, _ := goja.AssertFunction(l.vm.Get("JSON").ToObject(l.vm).Get("parse"))
		v, err := parse(goja.Undefined(), l.vm.ToValue(string(data)))
		if err != nil {
			return nil, err
		}
		_ = module.Set("exports", v)
		l.files[file] = module
		return v, nil
	}

	exports := l.vm.NewObject()
	_ = module.Set("exports", exports)
	_ = module.Set("id", file)
	_ = module.Set("filename", file)
	l.files[file] = module

	wrapped := "(function (exports, require, module, __filename, __dirname) {" + stripShebang(string(data)) + "\n})"
	compiled, err := l.vm.RunScript(file, wrapped)
	if err != nil {
		delete(l.files, file)
		return nil, err
	}
	fn, _ := goja.AssertFunction(compiled)
	dir := filepath.Dir(file)
	if _, err := fn(exports, exports, l.vm.ToValue(l.requireFrom(dir)), module, l.vm.ToValue(file), l.vm.ToValue(dir)); err != nil {
		delete(l.files, file)
		return nil, err
	}
	return module.Get("exports"), nil
}

func stripShebang(src string) string {
	if strings.HasPrefix(src, "#!") {
		if i := strings.IndexByte(src, '\n'); i >= 0 {
			return "//" + src[i:]
		}
		return ""
	}
	return src
}

// jsVisibleError makes JS see the bare message of structured errors.
type jsVisibleError struct{ err error }

func (e jsVisibleError) Error() string { return ErrorMessage(e.err) }
func (e jsVisibleError) Unwrap() error { return e.err }
