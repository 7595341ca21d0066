// errors.go: structured error definitions for the plugin runtime
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/agilira/go-errors"
)

// Error codes for the plugin runtime
const (
	// Manifest and lifecycle validation errors (1000-1099)
	ErrCodeManifestInvalid       = "MANIFEST_1001"
	ErrCodeManifestMissingField  = "MANIFEST_1002"
	ErrCodeManifestParse         = "MANIFEST_1003"
	ErrCodeEngineIncompatible    = "MANIFEST_1004"
	ErrCodePluginAlreadyExists   = "MANIFEST_1005"
	ErrCodePluginNotFound        = "MANIFEST_1006"
	ErrCodeDependencyMissing     = "MANIFEST_1007"
	ErrCodePluginNotRunning      = "MANIFEST_1008"
	ErrCodeInvalidPluginState    = "MANIFEST_1009"
	ErrCodeManifestSchema        = "MANIFEST_1010"
	ErrCodeInvalidInstallRequest = "MANIFEST_1011"

	// Sandbox and isolation errors (1100-1199)
	ErrCodeModuleNotAllowed   = "SANDBOX_1101"
	ErrCodePathEscape         = "SANDBOX_1102"
	ErrCodeSandboxLoad        = "SANDBOX_1103"
	ErrCodeSandboxExecution   = "SANDBOX_1104"
	ErrCodeExecutionTimeout   = "SANDBOX_1105"
	ErrCodeBridgeTimeout      = "SANDBOX_1106"
	ErrCodeMethodNotFound     = "SANDBOX_1107"
	ErrCodeWorkerTerminated   = "SANDBOX_1108"
	ErrCodeMemoryLimit        = "SANDBOX_1109"
	ErrCodeProtocol           = "SANDBOX_1110"
	ErrCodeWorkerLaunch       = "SANDBOX_1111"
	ErrCodeBridgeMethod       = "SANDBOX_1112"
	ErrCodeSessionUnavailable = "SANDBOX_1113"
	ErrCodeModuleNotFound     = "SANDBOX_1114"
	ErrCodeBridgeRequest      = "SANDBOX_1115"

	// Resource governance errors (1200-1299)
	ErrCodeInvalidAllocation       = "RESOURCE_1201"
	ErrCodeInsufficientMemory      = "RESOURCE_1202"
	ErrCodeConnectionPoolExhausted = "RESOURCE_1203"
	ErrCodeUnknownConnectionType   = "RESOURCE_1204"
	ErrCodeConnectionDial          = "RESOURCE_1205"
	ErrCodeLoaderSuspended         = "RESOURCE_1206"
	ErrCodeLoaderNotRegistered     = "RESOURCE_1207"
	ErrCodeLoaderFailed            = "RESOURCE_1208"
	ErrCodeCacheFull               = "RESOURCE_1209"
	ErrCodeCacheSerialization      = "RESOURCE_1210"
	ErrCodePoolClosed              = "RESOURCE_1211"

	// Rate limiting errors (1300-1399)
	ErrCodeRateLimited = "RATELIMIT_1301"

	// Permission errors (1400-1499)
	ErrCodePermissionDenied = "PERMISSION_1401"

	// Configuration errors (1500-1599)
	ErrCodeConfigLoad       = "CONFIG_1501"
	ErrCodeConfigValidation = "CONFIG_1502"
	ErrCodeConfigWatcher    = "CONFIG_1503"

	// Persistence errors (1600-1699)
	ErrCodeStoreRead  = "STORE_1601"
	ErrCodeStoreWrite = "STORE_1602"

	// Installation errors (1700-1799)
	ErrCodeInstallUnpack   = "INSTALL_1701"
	ErrCodeInstallDownload = "INSTALL_1702"
	ErrCodePathTraversal   = "INSTALL_1703"
	ErrCodeInstallRemove   = "INSTALL_1704"
)

// HasErrorCode reports whether err, or any error it wraps, carries code.
func HasErrorCode(err error, code string) bool {
	for err != nil {
		var structured *errors.Error
		if !stderrors.As(err, &structured) {
			return false
		}
		if string(structured.Code) == code {
			return true
		}
		next := stderrors.Unwrap(structured)
		if next == nil {
			return false
		}
		err = next
	}
	return false
}

// ErrorMessage returns the bare message of a structured error, without the
// code prefix, or err.Error() for anything else.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var structured *errors.Error
	if stderrors.As(err, &structured) && structured.Message != "" {
		return structured.Message
	}
	return err.Error()
}

// errorChainMessage joins the bare messages of err and every error it wraps.
func errorChainMessage(err error) string {
	var parts []string
	for ; err != nil; err = stderrors.Unwrap(err) {
		msg := ErrorMessage(err)
		if len(parts) > 0 && strings.Contains(parts[len(parts)-1], msg) {
			continue
		}
		parts = append(parts, msg)
	}
	return strings.Join(parts, ": ")
}

// unwrapStructured returns the error wrapped by a structured error, or nil.
func unwrapStructured(err error) error {
	var structured *errors.Error
	if !stderrors.As(err, &structured) {
		return nil
	}
	return stderrors.Unwrap(structured)
}

// Manifest and lifecycle error constructors

func NewManifestMissingFieldError(field string) *errors.Error {
	return errors.New(ErrCodeManifestMissingField, fmt.Sprintf("manifest is missing required field %q", field)).
		WithUserMessage("Plugin manifest must declare both id and version").
		WithContext("field", field).
		WithSeverity("error")
}

func NewManifestInvalidError(message string, cause error) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodeManifestInvalid, "invalid manifest: "+message).
			WithUserMessage("Plugin manifest validation failed").
			WithSeverity("error")
	}
	return errors.New(ErrCodeManifestInvalid, "invalid manifest: "+message).
		WithUserMessage("Plugin manifest validation failed").
		WithSeverity("error")
}

func NewManifestParseError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeManifestParse, "failed to parse manifest").
		WithUserMessage("Plugin manifest is not valid JSON").
		WithContext("path", path).
		WithSeverity("error")
}

func NewManifestSchemaError(cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeManifestSchema, "failed to generate manifest schema").
		WithSeverity("error")
}

func NewEngineIncompatibleError(engine, constraint, actual string) *errors.Error {
	return errors.New(ErrCodeEngineIncompatible, fmt.Sprintf("engine %s %s is not satisfied by %s", engine, constraint, actual)).
		WithUserMessage("Plugin is not compatible with this runtime").
		WithContext("engine", engine).
		WithContext("constraint", constraint).
		WithContext("actual", actual).
		WithSeverity("error")
}

func NewPluginAlreadyExistsError(id string) *errors.Error {
	return errors.New(ErrCodePluginAlreadyExists, fmt.Sprintf("plugin '%s' already exists", id)).
		WithUserMessage("A plugin with the same id is already installed").
		WithContext("plugin_id", id).
		WithSeverity("error")
}

func NewPluginNotFoundError(id string) *errors.Error {
	return errors.New(ErrCodePluginNotFound, fmt.Sprintf("plugin '%s' does not exist", id)).
		WithUserMessage("The requested plugin is not installed").
		WithContext("plugin_id", id).
		WithSeverity("error")
}

func NewDependencyMissingError(id, dependency string) *errors.Error {
	return errors.New(ErrCodeDependencyMissing, fmt.Sprintf("plugin '%s' depends on '%s' which is not installed", id, dependency)).
		WithUserMessage("Install the plugin dependencies first").
		WithContext("plugin_id", id).
		WithContext("dependency", dependency).
		WithSeverity("error")
}

func NewPluginNotRunningError(id string) *errors.Error {
	return errors.New(ErrCodePluginNotRunning, fmt.Sprintf("plugin '%s' is not running", id)).
		WithUserMessage("Enable the plugin before calling it").
		WithContext("plugin_id", id).
		WithSeverity("warning")
}

func NewInvalidPluginStateError(id string, status PluginStatus, operation string) *errors.Error {
	return errors.New(ErrCodeInvalidPluginState, fmt.Sprintf("cannot %s plugin '%s' in status %s", operation, id, status)).
		WithContext("plugin_id", id).
		WithContext("status", string(status)).
		WithSeverity("warning")
}

func NewInvalidInstallRequestError(message string) *errors.Error {
	return errors.New(ErrCodeInvalidInstallRequest, "invalid install request: "+message).
		WithUserMessage("Provide either a file path or a URL").
		WithSeverity("error")
}

// Sandbox error constructors

func NewModuleNotAllowedError(name string) *errors.Error {
	return errors.New(ErrCodeModuleNotAllowed, fmt.Sprintf("Module '%s' is not allowed in sandbox", name)).
		WithUserMessage("The plugin requested a module outside the sandbox allow-list").
		WithContext("module", name).
		WithSeverity("error")
}

func NewPathEscapeError(request, resolved string) *errors.Error {
	return errors.New(ErrCodePathEscape, fmt.Sprintf("Module '%s' resolves outside the plugin directory", request)).
		WithUserMessage("Relative requires must stay inside the plugin directory").
		WithContext("request", request).
		WithContext("resolved", resolved).
		WithSeverity("error")
}

func NewModuleNotFoundError(request string) *errors.Error {
	return errors.New(ErrCodeModuleNotFound, fmt.Sprintf("Cannot find module '%s'", request)).
		WithContext("request", request).
		WithSeverity("error")
}

func NewSandboxLoadError(pluginID string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeSandboxLoad, "failed to load plugin in sandbox").
		WithUserMessage("The plugin code could not be loaded").
		WithContext("plugin_id", pluginID).
		WithSeverity("error")
}

func NewSandboxExecutionError(pluginID, method, message string) *errors.Error {
	return errors.New(ErrCodeSandboxExecution, message).
		WithUserMessage("The plugin failed while executing a method").
		WithContext("plugin_id", pluginID).
		WithContext("method", method).
		WithSeverity("error")
}

func NewExecutionTimeoutError(pluginID string, timeout interface{}) *errors.Error {
	return errors.New(ErrCodeExecutionTimeout, "execution timed out").
		WithUserMessage("The plugin exceeded its execution time budget").
		WithContext("plugin_id", pluginID).
		WithContext("timeout", timeout).
		WithSeverity("warning")
}

func NewBridgeTimeoutError(method string, timeout interface{}) *errors.Error {
	return errors.New(ErrCodeBridgeTimeout, fmt.Sprintf("API request %s timed out", method)).
		WithUserMessage("The host did not answer a bridged call in time").
		WithContext("method", method).
		WithContext("timeout", timeout).
		WithSeverity("warning").
		AsRetryable()
}

func NewMethodNotFoundError(pluginID, method string) *errors.Error {
	return errors.New(ErrCodeMethodNotFound, fmt.Sprintf("Method '%s' not found", method)).
		WithContext("plugin_id", pluginID).
		WithContext("method", method).
		WithSeverity("warning")
}

func NewWorkerTerminatedError(workerID string) *errors.Error {
	return errors.New(ErrCodeWorkerTerminated, "sandbox worker terminated").
		WithUserMessage("The plugin worker is no longer running").
		WithContext("worker_id", workerID).
		WithSeverity("error")
}

func NewMemoryLimitError(usage, limit uint64) *errors.Error {
	return errors.New(ErrCodeMemoryLimit, fmt.Sprintf("Memory usage exceeded limit: %d > %d bytes", usage, limit)).
		WithUserMessage("The plugin exceeded its memory budget").
		WithContext("usage", usage).
		WithContext("limit", limit).
		WithSeverity("critical")
}

func NewProtocolError(message string, cause error) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodeProtocol, "protocol error: "+message).
			WithSeverity("error")
	}
	return errors.New(ErrCodeProtocol, "protocol error: "+message).
		WithSeverity("error")
}

func NewWorkerLaunchError(pluginID string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeWorkerLaunch, "failed to launch sandbox worker").
		WithUserMessage("The plugin worker could not be started").
		WithContext("plugin_id", pluginID).
		WithSeverity("error")
}

func NewBridgeMethodError(method string) *errors.Error {
	return errors.New(ErrCodeBridgeMethod, fmt.Sprintf("unknown API method %s", method)).
		WithContext("method", method).
		WithSeverity("warning")
}

func NewBridgeRequestError(method, message string, cause error) *errors.Error {
	msg := fmt.Sprintf("%s failed: %s", method, message)
	if cause != nil {
		return errors.Wrap(cause, ErrCodeBridgeRequest, msg).
			WithContext("method", method).
			WithSeverity("warning")
	}
	return errors.New(ErrCodeBridgeRequest, msg).
		WithContext("method", method).
		WithSeverity("warning")
}

func NewSessionUnavailableError(pluginID string) *errors.Error {
	return errors.New(ErrCodeSessionUnavailable, fmt.Sprintf("no active sandbox session for plugin '%s'", pluginID)).
		WithContext("plugin_id", pluginID).
		WithSeverity("warning")
}

// Resource error constructors

func NewInvalidAllocationError(size int64) *errors.Error {
	return errors.New(ErrCodeInvalidAllocation, "invalid allocation size").
		WithUserMessage("Allocation size must be positive").
		WithContext("size", size).
		WithSeverity("error")
}

func NewInsufficientMemoryError(requested, available int64) *errors.Error {
	return errors.New(ErrCodeInsufficientMemory, "insufficient memory").
		WithUserMessage("The memory pool cannot satisfy this allocation").
		WithContext("requested", requested).
		WithContext("available", available).
		WithSeverity("warning").
		AsRetryable()
}

func NewConnectionPoolExhaustedError(limit int) *errors.Error {
	return errors.New(ErrCodeConnectionPoolExhausted, "connection pool exhausted").
		WithUserMessage("All pooled connections are in use").
		WithContext("max_connections", limit).
		WithSeverity("warning").
		AsRetryable()
}

func NewUnknownConnectionTypeError(connType ConnectionType) *errors.Error {
	return errors.New(ErrCodeUnknownConnectionType, fmt.Sprintf("unknown connection type %q", string(connType))).
		WithContext("type", string(connType)).
		WithSeverity("error")
}

func NewConnectionDialError(connType ConnectionType, target string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConnectionDial, "failed to open connection").
		WithContext("type", string(connType)).
		WithContext("target", target).
		WithSeverity("error").
		AsRetryable()
}

func NewPoolClosedError(pool string) *errors.Error {
	return errors.New(ErrCodePoolClosed, pool+" is closed").
		WithSeverity("warning")
}

func NewLoaderSuspendedError(pluginID, reason string) *errors.Error {
	return errors.New(ErrCodeLoaderSuspended, "plugin loading suspended: "+reason).
		WithUserMessage("Plugin loading is paused because the host is under memory pressure").
		WithContext("plugin_id", pluginID).
		WithSeverity("warning").
		AsRetryable()
}

func NewLoaderNotRegisteredError(pluginID string) *errors.Error {
	return errors.New(ErrCodeLoaderNotRegistered, fmt.Sprintf("no loader registered for plugin '%s'", pluginID)).
		WithContext("plugin_id", pluginID).
		WithSeverity("error")
}

func NewLoaderFailedError(pluginID string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeLoaderFailed, "plugin loader failed").
		WithContext("plugin_id", pluginID).
		WithSeverity("error")
}

func NewCacheFullError(pluginID string, limit int) *errors.Error {
	return errors.New(ErrCodeCacheFull, "plugin cache is full").
		WithContext("plugin_id", pluginID).
		WithContext("max_items", limit).
		WithSeverity("warning")
}

func NewCacheSerializationError(key string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeCacheSerialization, "failed to serialize cache value").
		WithContext("key", key).
		WithSeverity("error")
}

// Rate limiting and permission constructors

func NewRateLimitedError(pluginID string, decision RateLimitDecision) *errors.Error {
	return errors.New(ErrCodeRateLimited, decision.Reason).
		WithUserMessage("Request rate limit has been exceeded").
		WithContext("plugin_id", pluginID).
		WithContext("wait_time", decision.WaitTime.String()).
		WithSeverity("warning").
		AsRetryable()
}

func NewPermissionDeniedError(pluginID, permission, method string) *errors.Error {
	return errors.New(ErrCodePermissionDenied, fmt.Sprintf("permission %q is required for %s", permission, method)).
		WithUserMessage("The plugin manifest does not grant this permission").
		WithContext("plugin_id", pluginID).
		WithContext("permission", permission).
		WithSeverity("error")
}

// Configuration constructors

func NewConfigLoadError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigLoad, "failed to load runtime configuration").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigValidationError(message string) *errors.Error {
	return errors.New(ErrCodeConfigValidation, "configuration validation error: "+message).
		WithUserMessage("Runtime configuration validation failed").
		WithSeverity("error")
}

func NewConfigWatcherError(message string, cause error) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodeConfigWatcher, "configuration watcher error: "+message).
			WithSeverity("error")
	}
	return errors.New(ErrCodeConfigWatcher, "configuration watcher error: "+message).
		WithSeverity("error")
}

// Persistence constructors

func NewStoreReadError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeStoreRead, "failed to read plugin store").
		WithContext("path", path).
		WithSeverity("error")
}

func NewStoreWriteError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeStoreWrite, "failed to write plugin store").
		WithContext("path", path).
		WithSeverity("error")
}

// Installation constructors

func NewInstallUnpackError(source string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeInstallUnpack, "failed to unpack plugin").
		WithContext("source", source).
		WithSeverity("error")
}

func NewInstallDownloadError(url string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeInstallDownload, "failed to download plugin").
		WithContext("url", url).
		WithSeverity("error").
		AsRetryable()
}

func NewPathTraversalError(path string) *errors.Error {
	return errors.New(ErrCodePathTraversal, "path traversal attempt detected").
		WithUserMessage("Invalid file path detected").
		WithContext("attempted_path", path).
		WithSeverity("error")
}

func NewInstallRemoveError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeInstallRemove, "failed to remove plugin files").
		WithContext("path", path).
		WithSeverity("error")
}
