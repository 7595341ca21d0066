// manager_execution.go: Plugin execution and the host side of the sandbox bridge
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ExecutePlugin calls method on a running plugin. An enabled plugin whose
// load was deferred is loaded first. A plugin that throws or times out is
// moved to the error status.
func (m *PluginManager) ExecutePlugin(ctx context.Context, id, method string, args ...any) (json.RawMessage, error) {
	mp, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	session, err := m.runningSession(ctx, id)
	if err != nil {
		return nil, err
	}

	opID := uuid.NewString()
	m.monitor.StartOperation(id, opID)
	result, err := session.Execute(ctx, method, args...)
	elapsed := m.monitor.EndOperation(id, opID)
	if err != nil {
		m.monitor.RecordError(id)
		if failsPlugin(err) {
			m.fail(id, mp, session, err)
		}
		return nil, err
	}
	m.logger.Debug("Plugin method executed", "plugin_id", id, "method", method, "duration_ms", elapsed)
	return result, nil
}

// runningSession returns the active session, loading a deferred plugin.
func (m *PluginManager) runningSession(ctx context.Context, id string) (*SandboxSession, error) {
	if session, ok := m.Session(id); ok {
		return session, nil
	}
	record, _ := m.record(id)
	if !record.Enabled || record.Status == StatusError || !m.loader.IsRegistered(id) {
		return nil, NewPluginNotRunningError(id)
	}
	if result := m.loader.LoadPlugin(ctx, id); !result.Success {
		return nil, m.activationError(id, result.Error)
	}
	if session, ok := m.Session(id); ok {
		return session, nil
	}
	return nil, NewPluginNotRunningError(id)
}

func failsPlugin(err error) bool {
	return HasErrorCode(err, ErrCodeSandboxExecution) || HasErrorCode(err, ErrCodeExecutionTimeout)
}

// resolveBridge answers api_request messages from sandbox workers. args is
// the JSON array the plugin passed.
func (m *PluginManager) resolveBridge(ctx context.Context, pluginID, method string, args json.RawMessage) (json.RawMessage, error) {
	var list []json.RawMessage
	if len(args) > 0 {
		if err := json.Unmarshal(args, &list); err != nil {
			return nil, NewBridgeRequestError(method, "arguments must be a JSON array", err)
		}
	}
	argv := bridgeArgs{method: method, list: list}
	api := newPluginAPI(m, pluginID)

	switch method {
	case "storage.get":
		key, err := argv.str(0)
		if err != nil {
			return nil, err
		}
		return api.Storage.Get(ctx, key)

	case "storage.set":
		key, err := argv.str(0)
		if err != nil {
			return nil, err
		}
		return jsonNull, api.Storage.Set(ctx, key, argv.raw(1))

	case "storage.delete":
		key, err := argv.str(0)
		if err != nil {
			return nil, err
		}
		deleted, err := api.Storage.Delete(ctx, key)
		if err != nil {
			return nil, err
		}
		return json.Marshal(deleted)

	case "http.get", "http.post":
		target, err := argv.str(0)
		if err != nil {
			return nil, err
		}
		var resp *HTTPResponse
		if method == "http.get" {
			options, oerr := argv.httpOptions(1)
			if oerr != nil {
				return nil, oerr
			}
			resp, err = api.HTTP.Get(ctx, target, options)
		} else {
			options, oerr := argv.httpOptions(2)
			if oerr != nil {
				return nil, oerr
			}
			resp, err = api.HTTP.Post(ctx, target, argv.raw(1), options)
		}
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)

	case "events.on", "events.off", "events.emit":
		name, err := argv.str(0)
		if err != nil {
			return nil, err
		}
		switch method {
		case "events.on":
			err = api.Events.On(name)
		case "events.off":
			err = api.Events.Off(name)
		default:
			err = api.Events.Emit(ctx, name, argv.raw(1))
		}
		return jsonNull, err

	default:
		return nil, NewBridgeMethodError(method)
	}
}

var jsonNull = json.RawMessage("null")

// bridgeArgs reads positional arguments of one bridged call.
type bridgeArgs struct {
	method string
	list   []json.RawMessage
}

func (a bridgeArgs) raw(i int) json.RawMessage {
	if i >= len(a.list) || len(a.list[i]) == 0 {
		return jsonNull
	}
	return a.list[i]
}

func (a bridgeArgs) str(i int) (string, error) {
	var s string
	if err := json.Unmarshal(a.raw(i), &s); err != nil || s == "" {
		return "", NewBridgeRequestError(a.method, fmt.Sprintf("argument %d must be a non-empty string", i+1), nil)
	}
	return s, nil
}

func (a bridgeArgs) httpOptions(i int) (HTTPRequestOptions, error) {
	var options HTTPRequestOptions
	raw := a.raw(i)
	if string(raw) == "null" {
		return options, nil
	}
	if err := json.Unmarshal(raw, &options); err != nil {
		return options, NewBridgeRequestError(a.method, "options must be an object", err)
	}
	return options, nil
}
