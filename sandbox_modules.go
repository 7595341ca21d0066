// sandbox_modules.go: Host-implemented built-in modules available to plugins
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"crypto/hmac"
	"crypto/md5"  // #nosec G501 -- exposed to plugins as a non-security digest
	"crypto/rand"
	"crypto/sha1" // #nosec G505 -- exposed to plugins as a non-security digest
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/dop251/goja"
	"github.com/google/uuid"
)

// AllowedModules are the built-in module names plugins may require.
var AllowedModules = []string{"path", "crypto", "util", "events", "stream", "url", "querystring", "zlib", "buffer"}

func isAllowedModule(name string) bool {
	for _, m := range AllowedModules {
		if m == name {
			return true
		}
	}
	return false
}

// maxRandomBytes bounds crypto.randomBytes.
const maxRandomBytes = 1 << 20

// installHostPrimitives defines the Go side of the prelude and built-in
// modules on host.
func installHostPrimitives(vm *goja.Runtime, host *goja.Object) error {
	toBuffer := func(b []byte) goja.Value { return vm.ToValue(vm.NewArrayBuffer(b)) }

	set := func(obj *goja.Object, name string, fn interface{}) error {
		return obj.Set(name, fn)
	}

	primitives := map[string]interface{}{
		"encode": func(s, enc string) (goja.Value, error) {
			b, err := encodeString(s, enc)
			if err != nil {
				return nil, err
			}
			return toBuffer(b), nil
		},
		"decode": func(v goja.Value, enc string) (string, error) {
			b, err := bytesArg(v)
			if err != nil {
				return "", err
			}
			return decodeBytes(b, enc)
		},
		"randomBytes": func(n int) (goja.Value, error) {
			if n < 0 || n > maxRandomBytes {
				return nil, fmt.Errorf("randomBytes size %d out of range", n)
			}
			b := make([]byte, n)
			if _, err := rand.Read(b); err != nil {
				return nil, err
			}
			return toBuffer(b), nil
		},
		"randomUUID": func() string { return uuid.NewString() },
		"digest": func(alg string, v goja.Value) (goja.Value, error) {
			h, err := newHash(alg)
			if err != nil {
				return nil, err
			}
			b, err := bytesArg(v)
			if err != nil {
				return nil, err
			}
			h.Write(b)
			return toBuffer(h.Sum(nil)), nil
		},
		"hmac": func(alg string, key, data goja.Value) (goja.Value, error) {
			if _, err := newHash(alg); err != nil {
				return nil, err
			}
			k, err := bytesArg(key)
			if err != nil {
				return nil, err
			}
			d, err := bytesArg(data)
			if err != nil {
				return nil, err
			}
			mac := hmac.New(func() hash.Hash { h, _ := newHash(alg); return h }, k)
			mac.Write(d)
			return toBuffer(mac.Sum(nil)), nil
		},
		"zlib": func(op string, v goja.Value) (goja.Value, error) {
			b, err := bytesArg(v)
			if err != nil {
				return nil, err
			}
			out, err := zlibTransform(op, b)
			if err != nil {
				return nil, err
			}
			return toBuffer(out), nil
		},
		"urlParse":        urlParseJSON,
		"urlResolve":      urlResolve,
		"qsParsePairs":    queryParsePairs,
		"qsEncodePairs":   queryEncodePairs,
		"qsEscape":        url.QueryEscape,
		"qsUnescape":      url.QueryUnescape,
		"pathJoin":        func(parts ...string) string { return joinPath(parts) },
		"pathResolve":     func(parts ...string) string { return path.Clean("/" + joinPath(parts)) },
		"pathResolveFrom": resolvePathFrom,
		"pathNormalize":   normalizePath,
		"pathDirname":     path.Dir,
		"pathBasename": func(p string, ext string) string {
			base := path.Base(p)
			if ext != "" && strings.HasSuffix(base, ext) && base != ext {
				base = strings.TrimSuffix(base, ext)
			}
			return base
		},
		"pathExtname":    path.Ext,
		"pathIsAbsolute": path.IsAbs,
		"pathRelative":   relativePath,
	}
	for name, fn := range primitives {
		if err := set(host, name, fn); err != nil {
			return err
		}
	}
	return nil
}

func bytesArg(v goja.Value) ([]byte, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	switch x := v.Export().(type) {
	case goja.ArrayBuffer:
		return x.Bytes(), nil
	case []byte:
		return x, nil
	case string:
		return []byte(x), nil
	default:
		return nil, fmt.Errorf("expected binary data, got %T", x)
	}
}

func encodeString(s, enc string) ([]byte, error) {
	switch strings.ToLower(enc) {
	case "", "utf8", "utf-8":
		return []byte(s), nil
	case "hex":
		return hex.DecodeString(s)
	case "base64":
		if b, err := base64.StdEncoding.DecodeString(s); err == nil {
			return b, nil
		}
		return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	case "base64url":
		return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	case "latin1", "binary", "ascii":
		out := make([]byte, 0, len(s))
		for _, r := range s {
			out = append(out, byte(r))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", enc)
	}
}

func decodeBytes(b []byte, enc string) (string, error) {
	switch strings.ToLower(enc) {
	case "", "utf8", "utf-8":
		return strings.ToValidUTF8(string(b), "�"), nil
	case "hex":
		return hex.EncodeToString(b), nil
	case "base64":
		return base64.StdEncoding.EncodeToString(b), nil
	case "base64url":
		return base64.RawURLEncoding.EncodeToString(b), nil
	case "latin1", "binary", "ascii":
		var sb strings.Builder
		for _, c := range b {
			sb.WriteRune(rune(c))
		}
		return sb.String(), nil
	default:
		return "", fmt.Errorf("unknown encoding %q", enc)
	}
}

func newHash(alg string) (hash.Hash, error) {
	switch strings.ToLower(alg) {
	case "md5":
		return md5.New(), nil // #nosec G401
	case "sha1":
		return sha1.New(), nil // #nosec G401
	case "sha224":
		return sha256.New224(), nil
	case "sha256":
		return sha256.New(), nil
	case "sha384":
		return sha512.New384(), nil
	case "sha512":
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("digest method %q not supported", alg)
	}
}

// maxInflatedSize bounds zlib output inside the sandbox.
const maxInflatedSize = 64 * 1024 * 1024

func zlibTransform(op string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	switch op {
	case "gzip", "deflate", "deflateRaw":
		var w io.WriteCloser
		var err error
		switch op {
		case "gzip":
			w = gzip.NewWriter(&buf)
		case "deflate":
			w = zlib.NewWriter(&buf)
		default:
			w, err = flate.NewWriter(&buf, flate.DefaultCompression)
			if err != nil {
				return nil, err
			}
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case "gunzip", "inflate", "inflateRaw":
		var r io.ReadCloser
		var err error
		switch op {
		case "gunzip":
			r, err = gzip.NewReader(bytes.NewReader(data))
		case "inflate":
			r, err = zlib.NewReader(bytes.NewReader(data))
		default:
			r = flate.NewReader(bytes.NewReader(data))
		}
		if err != nil {
			return nil, err
		}
		defer r.Close()
		out, err := io.ReadAll(io.LimitReader(r, maxInflatedSize+1))
		if err != nil {
			return nil, err
		}
		if len(out) > maxInflatedSize {
			return nil, fmt.Errorf("inflated data exceeds %d bytes", maxInflatedSize)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown zlib operation %q", op)
	}
}

type urlParts struct {
	Href     string `json:"href"`
	Protocol string `json:"protocol"`
	Slashes  bool   `json:"slashes"`
	Auth     string `json:"auth"`
	Host     string `json:"host"`
	Hostname string `json:"hostname"`
	Port     string `json:"port"`
	Pathname string `json:"pathname"`
	Search   string `json:"search"`
	Query    string `json:"query"`
	Hash     string `json:"hash"`
	Origin   string `json:"origin"`
}

func urlParseJSON(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	parts := urlParts{
		Href:     u.String(),
		Host:     u.Host,
		Hostname: u.Hostname(),
		Port:     u.Port(),
		Pathname: u.EscapedPath(),
		Query:    u.RawQuery,
	}
	if u.Scheme != "" {
		parts.Protocol = u.Scheme + ":"
		parts.Slashes = u.Host != "" || strings.HasPrefix(raw[len(u.Scheme)+1:], "//")
		if u.Host != "" {
			parts.Origin = u.Scheme + "://" + u.Host
		}
	}
	if u.User != nil {
		parts.Auth = u.User.String()
	}
	if u.RawQuery != "" {
		parts.Search = "?" + u.RawQuery
	}
	if u.Fragment != "" {
		parts.Hash = "#" + u.EscapedFragment()
	}
	if parts.Pathname == "" && u.Host != "" {
		parts.Pathname = "/"
	}
	data, err := json.Marshal(parts)
	return string(data), err
}

func urlResolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

// queryParsePairs keeps the original key order, which url.ParseQuery loses.
func queryParsePairs(raw string) (string, error) {
	raw = strings.TrimPrefix(raw, "?")
	pairs := make([][2]string, 0)
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			key = k
		}
		val, err := url.QueryUnescape(v)
		if err != nil {
			val = v
		}
		pairs = append(pairs, [2]string{key, val})
	}
	data, err := json.Marshal(pairs)
	return string(data), err
}

func queryEncodePairs(pairsJSON string) (string, error) {
	var pairs [][2]string
	if err := json.Unmarshal([]byte(pairsJSON), &pairs); err != nil {
		return "", err
	}
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, url.QueryEscape(p[0])+"="+url.QueryEscape(p[1]))
	}
	return strings.Join(parts, "&"), nil
}

func joinPath(parts []string) string {
	nonEmpty := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	if len(nonEmpty) == 0 {
		return "."
	}
	return path.Join(nonEmpty...)
}

func normalizePath(p string) string {
	if p == "" {
		return "."
	}
	trailing := strings.HasSuffix(p, "/") && p != "/"
	out := path.Clean(p)
	if trailing && out != "/" {
		out += "/"
	}
	return out
}

// resolvePathFrom resolves parts right to left against cwd until an absolute
// path is formed.
func resolvePathFrom(cwd string, parts ...string) string {
	resolved := ""
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] == "" {
			continue
		}
		resolved = path.Join(parts[i], resolved)
		if path.IsAbs(parts[i]) {
			return path.Clean(resolved)
		}
	}
	return path.Clean(path.Join(cwd, resolved))
}

func relativePath(from, to string) string {
	fromParts := splitPath(path.Clean("/" + from))
	toParts := splitPath(path.Clean("/" + to))
	i := 0
	for i < len(fromParts) && i < len(toParts) && fromParts[i] == toParts[i] {
		i++
	}
	var out []string
	for range fromParts[i:] {
		out = append(out, "..")
	}
	out = append(out, toParts[i:]...)
	return strings.Join(out, "/")
}

func splitPath(p string) []string {
	trimmed := strings.Trim(p, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// builtinModuleSources are evaluated lazily. Each is a function of
// (host, require, Buffer) returning the module exports.
var builtinModuleSources = map[string]string{
	"buffer": `(function (host, require, Buffer) { return { Buffer: Buffer }; })`,

	"path": `(function (host) {
	var path = {
		sep: '/',
		delimiter: ':',
		join: function () { return host.pathJoin.apply(null, Array.prototype.slice.call(arguments)); },
		resolve: function () { return host.pathResolveFrom.apply(null, ['/'].concat(Array.prototype.slice.call(arguments))); },
		normalize: function (p) { return host.pathNormalize(String(p)); },
		dirname: function (p) { return host.pathDirname(String(p)); },
		basename: function (p, ext) { return host.pathBasename(String(p), ext ? String(ext) : ''); },
		extname: function (p) { return host.pathExtname(String(p)); },
		isAbsolute: function (p) { return host.pathIsAbsolute(String(p)); },
		relative: function (from, to) { return host.pathRelative(String(from), String(to)); },
		parse: function (p) {
			p = String(p);
			var base = host.pathBasename(p, ''), ext = host.pathExtname(p);
			return { root: p.charAt(0) === '/' ? '/' : '', dir: host.pathDirname(p), base: base, ext: ext, name: ext ? base.slice(0, -ext.length) : base };
		},
		format: function (o) { var dir = o.dir || o.root || ''; var base = o.base || ((o.name || '') + (o.ext || '')); return dir ? (dir === o.root ? dir + base : dir + '/' + base) : base; }
	};
	path.posix = path;
	return Object.freeze(path);
})`,

	"events": `(function () {
	function listeners(self) { return self._events || (self._events = Object.create(null)); }
	function EventEmitter() { listeners(this); }
	EventEmitter.prototype.on = function (name, fn) { var l = listeners(this); (l[name] = l[name] || []).push(fn); return this; };
	EventEmitter.prototype.addListener = EventEmitter.prototype.on;
	EventEmitter.prototype.prependListener = function (name, fn) { var l = listeners(this); (l[name] = l[name] || []).unshift(fn); return this; };
	EventEmitter.prototype.once = function (name, fn) {
		var self = this;
		function wrapper() { self.off(name, wrapper); return fn.apply(self, arguments); }
		wrapper.listener = fn;
		return this.on(name, wrapper);
	};
	EventEmitter.prototype.off = function (name, fn) {
		var l = listeners(this), list = l[name];
		if (!list) return this;
		l[name] = list.filter(function (h) { return h !== fn && h.listener !== fn; });
		if (l[name].length === 0) delete l[name];
		return this;
	};
	EventEmitter.prototype.removeListener = EventEmitter.prototype.off;
	EventEmitter.prototype.removeAllListeners = function (name) {
		if (name === undefined) this._events = Object.create(null); else delete listeners(this)[name];
		return this;
	};
	EventEmitter.prototype.emit = function (name) {
		var list = listeners(this)[name];
		var args = Array.prototype.slice.call(arguments, 1);
		if (!list || list.length === 0) {
			if (name === 'error') throw (args[0] instanceof Error ? args[0] : new Error('Unhandled error event'));
			return false;
		}
		var self = this;
		list.slice().forEach(function (h) { h.apply(self, args); });
		return true;
	};
	EventEmitter.prototype.listenerCount = function (name) { var list = listeners(this)[name]; return list ? list.length : 0; };
	EventEmitter.prototype.listeners = function (name) { return (listeners(this)[name] || []).map(function (h) { return h.listener || h; }); };
	EventEmitter.prototype.eventNames = function () { return Object.keys(listeners(this)); };
	EventEmitter.EventEmitter = EventEmitter;
	EventEmitter.once = function (emitter, name) { return new Promise(function (resolve) { emitter.once(name, function () { resolve(Array.prototype.slice.call(arguments)); }); }); };
	return EventEmitter;
})`,

	"util": `(function () {
	function stringify(v) { try { return JSON.stringify(v); } catch (e) { return String(v); } }
	function inspect(v) {
		if (typeof v === 'string') return "'" + v + "'";
		if (typeof v === 'function') return '[Function: ' + (v.name || 'anonymous') + ']';
		if (v instanceof Error) return v.stack || String(v);
		if (typeof v === 'object' && v !== null) return stringify(v);
		return String(v);
	}
	function format(f) {
		var args = Array.prototype.slice.call(arguments, 1);
		if (typeof f !== 'string') { return [f].concat(args).map(function (a) { return typeof a === 'string' ? a : inspect(a); }).join(' '); }
		var i = 0;
		var out = f.replace(/%[sdifjoO%]/g, function (m) {
			if (m === '%%') return '%';
			if (i >= args.length) return m;
			var a = args[i++];
			switch (m) {
			case '%s': return typeof a === 'string' ? a : (typeof a === 'object' && a !== null ? inspect(a) : String(a));
			case '%d': case '%i': return String(parseInt(a, 10));
			case '%f': return String(parseFloat(a));
			case '%j': return stringify(a);
			default: return inspect(a);
			}
		});
		for (; i < args.length; i++) out += ' ' + (typeof args[i] === 'string' ? args[i] : inspect(args[i]));
		return out;
	}
	function inherits(ctor, superCtor) { Object.setPrototypeOf(ctor.prototype, superCtor.prototype); Object.setPrototypeOf(ctor, superCtor); ctor.super_ = superCtor; }
	function promisify(fn) {
		return function () {
			var self = this, args = Array.prototype.slice.call(arguments);
			return new Promise(function (resolve, reject) {
				fn.apply(self, args.concat([function (err, value) { if (err) reject(err); else resolve(value); }]));
			});
		};
	}
	function isDeepStrictEqual(a, b) { return stringify(a) === stringify(b); }
	return Object.freeze({
		format: format, inspect: inspect, inherits: inherits, promisify: promisify, isDeepStrictEqual: isDeepStrictEqual,
		types: Object.freeze({ isPromise: function (v) { return v instanceof Promise; }, isDate: function (v) { return v instanceof Date; }, isRegExp: function (v) { return v instanceof RegExp; } })
	});
})`,

	"stream": `(function (host, require) {
	var EventEmitter = require('events');
	var util = require('util');
	function later(fn) { Promise.resolve().then(fn); }

	function Stream() { EventEmitter.call(this); }
	util.inherits(Stream, EventEmitter);
	Stream.prototype.pipe = function (dest) {
		this.on('data', function (chunk) { dest.write(chunk); });
		this.on('end', function () { if (typeof dest.end === 'function') dest.end(); });
		return dest;
	};

	function Readable(options) {
		Stream.call(this);
		this.readable = true;
		this._ended = false;
		if (options && typeof options.read === 'function') this._read = options.read;
	}
	util.inherits(Readable, Stream);
	Readable.prototype.push = function (chunk) {
		var self = this;
		if (chunk === null) {
			if (!self._ended) { self._ended = true; later(function () { self.readable = false; self.emit('end'); }); }
			return false;
		}
		later(function () { self.emit('data', chunk); });
		return true;
	};
	Readable.from = function (iterable) {
		var r = new Readable();
		later(function () { for (var i = 0; i < iterable.length; i++) r.push(iterable[i]); r.push(null); });
		return r;
	};

	function Writable(options) {
		Stream.call(this);
		this.writable = true;
		this._finished = false;
		if (options && typeof options.write === 'function') this._write = options.write;
	}
	util.inherits(Writable, Stream);
	Writable.prototype._write = function (chunk, encoding, callback) { callback(); };
	Writable.prototype.write = function (chunk, encoding, callback) {
		if (typeof encoding === 'function') { callback = encoding; encoding = undefined; }
		var self = this;
		this._write(chunk, encoding, function (err) { if (err) self.emit('error', err); if (callback) callback(err); });
		return true;
	};
	Writable.prototype.end = function (chunk, encoding, callback) {
		if (typeof chunk === 'function') { callback = chunk; chunk = undefined; }
		if (chunk !== undefined && chunk !== null) this.write(chunk, encoding);
		var self = this;
		if (!this._finished) {
			this._finished = true;
			this.writable = false;
			later(function () { if (typeof self._flush === 'function') { self._flush(function () { self.emit('finish'); if (callback) callback(); }); } else { self.emit('finish'); if (callback) callback(); } });
		}
		return this;
	};

	function Transform(options) {
		Readable.call(this, options);
		Writable.call(this, options);
		if (options && typeof options.transform === 'function') this._transform = options.transform;
		if (options && typeof options.flush === 'function') this._userFlush = options.flush;
		var self = this;
		this.on('finish', function () { self.push(null); });
	}
	util.inherits(Transform, Readable);
	Transform.prototype.write = Writable.prototype.write;
	Transform.prototype.end = Writable.prototype.end;
	Transform.prototype._transform = function (chunk, encoding, callback) { callback(null, chunk); };
	Transform.prototype._write = function (chunk, encoding, callback) {
		var self = this;
		this._transform(chunk, encoding, function (err, data) {
			if (data !== undefined && data !== null) self.push(data);
			callback(err);
		});
	};
	Transform.prototype._flush = function (callback) {
		var self = this;
		if (!this._userFlush) { callback(); return; }
		this._userFlush(function (err, data) { if (data !== undefined && data !== null) self.push(data); callback(err); });
	};

	function PassThrough(options) { Transform.call(this, options); }
	util.inherits(PassThrough, Transform);

	Stream.Stream = Stream;
	Stream.Readable = Readable;
	Stream.Writable = Writable;
	Stream.Transform = Transform;
	Stream.PassThrough = PassThrough;
	return Stream;
})`,

	"url": `(function (host, require) {
	var querystring = require('querystring');
	function parse(str, parseQuery) {
		var u = JSON.parse(host.urlParse(String(str)));
		u.path = u.pathname + u.search;
		if (parseQuery) u.query = querystring.parse(u.query);
		return u;
	}
	function format(o) {
		if (typeof o === 'string') return o;
		if (o instanceof URL) return o.href;
		var out = '';
		if (o.protocol) out += o.protocol + (o.slashes || o.host || o.hostname ? '//' : '');
		if (o.auth) out += o.auth + '@';
		out += o.host || ((o.hostname || '') + (o.port ? ':' + o.port : ''));
		out += o.pathname || '';
		if (o.search) out += o.search; else if (o.query && typeof o.query === 'object') { var q = querystring.stringify(o.query); if (q) out += '?' + q; }
		if (o.hash) out += o.hash;
		return out;
	}
	function URLSearchParams(init) {
		this._pairs = [];
		if (typeof init === 'string') this._pairs = JSON.parse(host.qsParsePairs(init));
		else if (init && typeof init === 'object') { var self = this; Object.keys(init).forEach(function (k) { self._pairs.push([k, String(init[k])]); }); }
	}
	URLSearchParams.prototype.get = function (k) { for (var i = 0; i < this._pairs.length; i++) if (this._pairs[i][0] === k) return this._pairs[i][1]; return null; };
	URLSearchParams.prototype.getAll = function (k) { return this._pairs.filter(function (p) { return p[0] === k; }).map(function (p) { return p[1]; }); };
	URLSearchParams.prototype.has = function (k) { return this.get(k) !== null; };
	URLSearchParams.prototype.append = function (k, v) { this._pairs.push([String(k), String(v)]); };
	URLSearchParams.prototype.delete = function (k) { this._pairs = this._pairs.filter(function (p) { return p[0] !== k; }); };
	URLSearchParams.prototype.set = function (k, v) { this.delete(k); this.append(k, v); };
	URLSearchParams.prototype.forEach = function (fn) { var self = this; this._pairs.forEach(function (p) { fn(p[1], p[0], self); }); };
	URLSearchParams.prototype.toString = function () { return host.qsEncodePairs(JSON.stringify(this._pairs)); };
	function URL(input, base) {
		var href = base !== undefined ? host.urlResolve(String(base), String(input)) : String(input);
		var u = JSON.parse(host.urlParse(href));
		if (!u.protocol) throw new TypeError('Invalid URL: ' + input);
		this.href = u.href; this.protocol = u.protocol; this.host = u.host; this.hostname = u.hostname;
		this.port = u.port; this.pathname = u.pathname; this.search = u.search; this.hash = u.hash; this.origin = u.origin;
		this.searchParams = new URLSearchParams(u.search);
	}
	URL.prototype.toString = function () { return this.href; };
	URL.prototype.toJSON = function () { return this.href; };
	return Object.freeze({ parse: parse, format: format, resolve: host.urlResolve, URL: URL, URLSearchParams: URLSearchParams });
})`,

	"querystring": `(function (host) {
	function parse(str) {
		var out = {};
		JSON.parse(host.qsParsePairs(String(str || ''))).forEach(function (p) {
			if (Object.prototype.hasOwnProperty.call(out, p[0])) {
				if (Array.isArray(out[p[0]])) out[p[0]].push(p[1]); else out[p[0]] = [out[p[0]], p[1]];
			} else out[p[0]] = p[1];
		});
		return out;
	}
	function stringify(obj) {
		var pairs = [];
		Object.keys(obj || {}).forEach(function (k) {
			var v = obj[k];
			if (Array.isArray(v)) v.forEach(function (x) { pairs.push([k, String(x)]); });
			else if (v !== undefined) pairs.push([k, v === null ? '' : String(v)]);
		});
		return host.qsEncodePairs(JSON.stringify(pairs));
	}
	return Object.freeze({ parse: parse, stringify: stringify, decode: parse, encode: stringify, escape: host.qsEscape, unescape: host.qsUnescape });
})`,

	"zlib": `(function (host, require, Buffer) {
	function bytes(data) {
		if (typeof data === 'string') return host.encode(data, 'utf8');
		if (data instanceof ArrayBuffer) return data;
		if (ArrayBuffer.isView(data)) return data.buffer.slice(data.byteOffset, data.byteOffset + data.byteLength);
		throw new TypeError('zlib input must be a string or Buffer');
	}
	function sync(op) { return function (data) { return Buffer.from(host.zlib(op, bytes(data))); }; }
	function async(op) {
		var fn = sync(op);
		return function (data, options, callback) {
			if (typeof options === 'function') callback = options;
			var result, error = null;
			try { result = fn(data); } catch (e) { error = e; }
			setTimeout(function () { callback(error, result); }, 0);
		};
	}
	var ops = ['gzip', 'gunzip', 'deflate', 'inflate', 'deflateRaw', 'inflateRaw'];
	var zlib = {};
	ops.forEach(function (op) { zlib[op + 'Sync'] = sync(op); zlib[op] = async(op); });
	zlib.unzipSync = zlib.gunzipSync;
	zlib.unzip = zlib.gunzip;
	return Object.freeze(zlib);
})`,

	"crypto": `(function (host, require, Buffer) {
	function bytes(data, encoding) {
		if (typeof data === 'string') return host.encode(data, encoding || 'utf8');
		if (data instanceof ArrayBuffer) return data;
		if (ArrayBuffer.isView(data)) return data.buffer.slice(data.byteOffset, data.byteOffset + data.byteLength);
		throw new TypeError('data must be a string or Buffer');
	}
	function Digest(compute) { this._chunks = []; this._compute = compute; }
	Digest.prototype.update = function (data, encoding) { this._chunks.push(Buffer.from(bytes(data, encoding))); return this; };
	Digest.prototype.digest = function (encoding) {
		var out = Buffer.from(this._compute(bytes(Buffer.concat(this._chunks))));
		return encoding ? out.toString(encoding) : out;
	};
	return Object.freeze({
		randomUUID: function () { return host.randomUUID(); },
		randomBytes: function (n) { return Buffer.from(host.randomBytes(n)); },
		createHash: function (alg) { host.digest(alg, host.encode('', 'utf8')); return new Digest(function (data) { return host.digest(alg, data); }); },
		createHmac: function (alg, key) { var k = bytes(key); return new Digest(function (data) { return host.hmac(alg, k, data); }); },
		getHashes: function () { return ['md5', 'sha1', 'sha224', 'sha256', 'sha384', 'sha512']; },
		timingSafeEqual: function (a, b) {
			if (a.length !== b.length) throw new RangeError('Input buffers must have the same byte length');
			var diff = 0;
			for (var i = 0; i < a.length; i++) diff |= a[i] ^ b[i];
			return diff === 0;
		}
	});
})`,
}
