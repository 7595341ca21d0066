// sandbox_prelude.go: JavaScript glue installed before plugin code runs
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

// sandboxPrelude is called as prelude(host, infoJSON). It installs the
// globals plugins see and returns the hooks the worker drives:
// settle, invoke, dispatch, instantiate and cleanup.
const sandboxPrelude = `(function (host, infoJSON) {
	var G = globalThis;
	var info = JSON.parse(infoJSON);
	var slice = Array.prototype.slice;

	function describe(e) {
		if (e instanceof Error) return [e.message || String(e), e.stack || ''];
		if (e && typeof e === 'object' && typeof e.message === 'string') return [e.message, e.stack || ''];
		return [String(e), ''];
	}

	function format(args) {
		var out = [];
		for (var i = 0; i < args.length; i++) {
			var a = args[i];
			if (typeof a === 'string') out.push(a);
			else if (a instanceof Error) out.push(a.stack || String(a));
			else if (typeof a === 'object' && a !== null) { try { out.push(JSON.stringify(a)); } catch (e) { out.push(String(a)); } }
			else out.push(String(a));
		}
		return out.join(' ');
	}

	var levels = { log: 'info', info: 'info', warn: 'warn', error: 'error', debug: 'debug', trace: 'debug' };
	var consoleShim = {};
	Object.keys(levels).forEach(function (name) {
		consoleShim[name] = function () { host.log(levels[name], format(arguments)); };
	});
	G.console = Object.freeze(consoleShim);

	G.setTimeout = function (fn, ms) { return host.setTimer(fn, Number(ms) || 0, false, slice.call(arguments, 2)); };
	G.setInterval = function (fn, ms) { return host.setTimer(fn, Number(ms) || 0, true, slice.call(arguments, 2)); };
	G.setImmediate = function (fn) { return host.setTimer(fn, 0, false, slice.call(arguments, 1)); };
	G.clearTimeout = G.clearInterval = G.clearImmediate = function (id) {
		if (typeof id === 'number') host.clearTimer(id);
	};

	var BufferProto = Object.create(Uint8Array.prototype);
	function mark(u8) { Object.setPrototypeOf(u8, BufferProto); return u8; }
	function Buffer(value, encoding) { return Buffer.from(value, encoding); }
	Buffer.prototype = BufferProto;
	Buffer.from = function (value, encoding) {
		if (typeof value === 'string') return mark(new Uint8Array(host.encode(value, encoding || 'utf8')));
		if (value instanceof ArrayBuffer) return mark(new Uint8Array(value.slice(0)));
		if (ArrayBuffer.isView(value) || Array.isArray(value)) {
			var out = mark(new Uint8Array(value.length));
			for (var i = 0; i < value.length; i++) out[i] = value[i] & 255;
			return out;
		}
		if (value && value.type === 'Buffer' && Array.isArray(value.data)) return Buffer.from(value.data);
		throw new TypeError('The first argument must be a string, Buffer, ArrayBuffer or Array');
	};
	Buffer.alloc = function (size, fill) {
		var b = mark(new Uint8Array(size));
		if (typeof fill === 'number') b.fill(fill & 255);
		else if (typeof fill === 'string' && fill.length > 0) { var f = Buffer.from(fill); for (var i = 0; i < size; i++) b[i] = f[i % f.length]; }
		return b;
	};
	Buffer.allocUnsafe = Buffer.alloc;
	Buffer.isBuffer = function (v) { return v !== null && typeof v === 'object' && Object.getPrototypeOf(v) === BufferProto; };
	Buffer.byteLength = function (v, encoding) { return typeof v === 'string' ? host.encode(v, encoding || 'utf8').byteLength : v.byteLength; };
	Buffer.concat = function (list, total) {
		if (total === undefined) { total = 0; list.forEach(function (b) { total += b.length; }); }
		var out = Buffer.alloc(total), offset = 0;
		list.forEach(function (b) { if (offset < total) { out.set(b.length + offset > total ? b.subarray(0, total - offset) : b, offset); offset += b.length; } });
		return out;
	};
	BufferProto.toString = function (encoding, start, end) {
		var view = (start !== undefined || end !== undefined) ? this.subarray(start || 0, end === undefined ? this.length : end) : this;
		return host.decode(view.buffer.slice(view.byteOffset, view.byteOffset + view.byteLength), encoding || 'utf8');
	};
	BufferProto.toJSON = function () { return { type: 'Buffer', data: slice.call(this) }; };
	BufferProto.equals = function (other) {
		if (this.length !== other.length) return false;
		for (var i = 0; i < this.length; i++) if (this[i] !== other[i]) return false;
		return true;
	};
	BufferProto.slice = function (start, end) { return mark(this.subarray(start, end)); };
	BufferProto.write = function (str, offset, encoding) {
		var b = Buffer.from(str, encoding || 'utf8');
		offset = offset || 0;
		var n = Math.min(b.length, this.length - offset);
		this.set(b.subarray(0, n), offset);
		return n;
	};
	G.Buffer = Buffer;

	var processInfo = {
		env: Object.freeze(info.env || {}),
		platform: info.platform,
		arch: info.arch,
		version: info.version,
		versions: Object.freeze({ runtime: info.version }),
		nextTick: function (fn) { var args = slice.call(arguments, 1); Promise.resolve().then(function () { fn.apply(null, args); }); }
	};
	G.process = Object.freeze(processInfo);

	var pending = Object.create(null);
	function hostCall(method, args) {
		return new Promise(function (resolve, reject) {
			var id = host.request(method, JSON.stringify(args));
			pending[id] = { resolve: resolve, reject: reject };
		});
	}
	function quiet(p, what) {
		p.catch(function (e) { host.log('warn', what + ' failed: ' + describe(e)[0]); });
		return p;
	}

	var listeners = Object.create(null);
	var api = Object.freeze({
		storage: Object.freeze({
			get: function (key) { return hostCall('storage.get', [key]); },
			set: function (key, value) { return hostCall('storage.set', [key, value === undefined ? null : value]); },
			delete: function (key) { return hostCall('storage.delete', [key]); }
		}),
		http: Object.freeze({
			get: function (url, options) { return hostCall('http.get', [url, options || {}]); },
			post: function (url, body, options) { return hostCall('http.post', [url, body === undefined ? null : body, options || {}]); }
		}),
		events: Object.freeze({
			on: function (name, handler) {
				var first = !listeners[name];
				(listeners[name] = listeners[name] || []).push(handler);
				return first ? quiet(hostCall('events.on', [name]), 'events.on') : Promise.resolve();
			},
			off: function (name, handler) {
				var list = listeners[name];
				if (!list) return Promise.resolve();
				list = handler ? list.filter(function (h) { return h !== handler; }) : [];
				if (list.length > 0) { listeners[name] = list; return Promise.resolve(); }
				delete listeners[name];
				return quiet(hostCall('events.off', [name]), 'events.off');
			},
			emit: function (name, data) { return hostCall('events.emit', [name, data === undefined ? null : data]); }
		})
	});
	G.pluginAPI = api;

	var instance = null;
	var aliases = { init: 'initialize', execute: 'run' };

	function complete(callId, value) {
		var json = '';
		try { json = value === undefined ? '' : (JSON.stringify(value) || ''); }
		catch (e) { host.complete(callId, 'Result is not serializable: ' + describe(e)[0], '', ''); return; }
		host.complete(callId, '', json, '');
	}

	return {
		settle: function (id, error, resultJSON) {
			var p = pending[id];
			if (!p) return;
			delete pending[id];
			if (error) { p.reject(new Error(error)); return; }
			p.resolve(resultJSON ? JSON.parse(resultJSON) : undefined);
		},
		instantiate: function (exported) {
			if (typeof exported === 'function') instance = new exported(api);
			else if (exported !== null && typeof exported === 'object') instance = exported;
			else throw new TypeError('Plugin must export a class or an object');
			if (instance === null || typeof instance !== 'object') throw new TypeError('Plugin constructor did not return an object');
		},
		invoke: function (callId, method, argsJSON) {
			var fn = instance[method];
			if (typeof fn !== 'function' && aliases[method]) fn = instance[aliases[method]];
			if (typeof fn !== 'function') { host.complete(callId, "Method '" + method + "' not found", '', ''); return; }
			var args = argsJSON ? JSON.parse(argsJSON) : [];
			if (!Array.isArray(args)) args = [args];
			var result;
			try { result = fn.apply(instance, args); }
			catch (e) { var d = describe(e); host.complete(callId, d[0], '', d[1]); return; }
			Promise.resolve(result).then(function (value) { complete(callId, value); }, function (e) {
				var d = describe(e);
				host.complete(callId, d[0], '', d[1]);
			});
		},
		dispatch: function (name, dataJSON) {
			var list = listeners[name];
			if (!list) return;
			var data = dataJSON ? JSON.parse(dataJSON) : undefined;
			list.slice().forEach(function (h) {
				try {
					var r = h(data);
					if (r && typeof r.then === 'function') r.then(null, function (e) { host.log('error', 'event handler for ' + name + ' failed: ' + describe(e)[0]); });
				} catch (e) {
					host.log('error', 'event handler for ' + name + ' failed: ' + describe(e)[0]);
				}
			});
		},
		cleanup: function (done) {
			var hook = instance && instance.cleanup;
			if (typeof hook !== 'function') { done(); return; }
			var r;
			try { r = hook.call(instance); }
			catch (e) { host.log('error', 'cleanup failed: ' + describe(e)[0]); done(); return; }
			Promise.resolve(r).then(function () { done(); }, function (e) {
				host.log('error', 'cleanup failed: ' + describe(e)[0]);
				done();
			});
		}
	};
})`
