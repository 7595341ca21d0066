// errors_test.go: tests for structured error definitions and helpers
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	stderrors "errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/agilira/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name      string
		err       *errors.Error
		code      string
		message   string
		severity  string
		retryable bool
		context   map[string]interface{}
	}{
		{
			name:     "ManifestMissingField",
			err:      NewManifestMissingFieldError("version"),
			code:     ErrCodeManifestMissingField,
			message:  `manifest is missing required field "version"`,
			severity: "error",
			context:  map[string]interface{}{"field": "version"},
		},
		{
			name:     "PluginAlreadyExists",
			err:      NewPluginAlreadyExistsError("alpha"),
			code:     ErrCodePluginAlreadyExists,
			message:  "plugin 'alpha' already exists",
			severity: "error",
			context:  map[string]interface{}{"plugin_id": "alpha"},
		},
		{
			name:     "PluginNotFound",
			err:      NewPluginNotFoundError("ghost"),
			code:     ErrCodePluginNotFound,
			message:  "plugin 'ghost' does not exist",
			severity: "error",
		},
		{
			name:     "DependencyMissing",
			err:      NewDependencyMissingError("addon", "base"),
			code:     ErrCodeDependencyMissing,
			message:  "plugin 'addon' depends on 'base' which is not installed",
			severity: "error",
			context:  map[string]interface{}{"plugin_id": "addon", "dependency": "base"},
		},
		{
			name:     "ModuleNotAllowed",
			err:      NewModuleNotAllowedError("fs"),
			code:     ErrCodeModuleNotAllowed,
			message:  "Module 'fs' is not allowed in sandbox",
			severity: "error",
		},
		{
			name:      "BridgeTimeout",
			err:       NewBridgeTimeoutError("storage.get", 5*time.Second),
			code:      ErrCodeBridgeTimeout,
			message:   "API request storage.get timed out",
			severity:  "warning",
			retryable: true,
		},
		{
			name:     "MethodNotFound",
			err:      NewMethodNotFoundError("alpha", "nope"),
			code:     ErrCodeMethodNotFound,
			message:  "Method 'nope' not found",
			severity: "warning",
		},
		{
			name:     "MemoryLimit",
			err:      NewMemoryLimitError(200, 100),
			code:     ErrCodeMemoryLimit,
			message:  "Memory usage exceeded limit: 200 > 100 bytes",
			severity: "critical",
		},
		{
			name:      "InsufficientMemory",
			err:       NewInsufficientMemoryError(64, 32),
			code:      ErrCodeInsufficientMemory,
			message:   "insufficient memory",
			severity:  "warning",
			retryable: true,
			context:   map[string]interface{}{"requested": int64(64), "available": int64(32)},
		},
		{
			name:      "ConnectionPoolExhausted",
			err:       NewConnectionPoolExhaustedError(4),
			code:      ErrCodeConnectionPoolExhausted,
			message:   "connection pool exhausted",
			severity:  "warning",
			retryable: true,
		},
		{
			name:      "LoaderSuspended",
			err:       NewLoaderSuspendedError("alpha", "memory pressure"),
			code:      ErrCodeLoaderSuspended,
			message:   "plugin loading suspended: memory pressure",
			severity:  "warning",
			retryable: true,
		},
		{
			name:     "PermissionDenied",
			err:      NewPermissionDeniedError("alpha", PermissionHTTP, "http.get"),
			code:     ErrCodePermissionDenied,
			message:  `permission "http" is required for http.get`,
			severity: "error",
			context:  map[string]interface{}{"plugin_id": "alpha", "permission": "http"},
		},
		{
			name:     "PathTraversal",
			err:      NewPathTraversalError("../evil.js"),
			code:     ErrCodePathTraversal,
			message:  "path traversal attempt detected",
			severity: "error",
			context:  map[string]interface{}{"attempted_path": "../evil.js"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NotNil(t, tt.err)
			assert.Equal(t, errors.ErrorCode(tt.code), tt.err.ErrorCode())
			assert.Equal(t, tt.message, ErrorMessage(tt.err))
			assert.Equal(t, tt.severity, tt.err.Severity)
			assert.Equal(t, tt.retryable, tt.err.IsRetryable())
			for k, v := range tt.context {
				assert.Equal(t, v, tt.err.Context[k], "context %s", k)
			}
		})
	}
}

func TestWrappingConstructorsKeepCause(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	for name, err := range map[string]*errors.Error{
		"ManifestParse":   NewManifestParseError("/p/manifest.json", cause),
		"LoaderFailed":    NewLoaderFailedError("alpha", cause),
		"StoreRead":       NewStoreReadError("/data/installed.json", cause),
		"InstallUnpack":   NewInstallUnpackError("/tmp/x.zip", cause),
		"InstallDownload": NewInstallDownloadError("http://h/x.zip", cause),
		"ConnectionDial":  NewConnectionDialError(ConnectionHTTP, "http://h", cause),
	} {
		t.Run(name, func(t *testing.T) {
			assert.NotNil(t, err.Cause)
			assert.ErrorIs(t, err, cause)
		})
	}
}

func TestHasErrorCode(t *testing.T) {
	inner := NewSandboxExecutionError("alpha", "run", "boom")
	wrapped := NewLoaderFailedError("alpha", inner)
	outer := fmt.Errorf("enable: %w", wrapped)

	assert.True(t, HasErrorCode(outer, ErrCodeLoaderFailed))
	assert.True(t, HasErrorCode(outer, ErrCodeSandboxExecution))
	assert.False(t, HasErrorCode(outer, ErrCodePluginNotFound))
	assert.False(t, HasErrorCode(nil, ErrCodeLoaderFailed))
	assert.False(t, HasErrorCode(stderrors.New("plain"), ErrCodeLoaderFailed))
}

func TestErrorMessageHelpers(t *testing.T) {
	assert.Empty(t, ErrorMessage(nil))
	assert.Equal(t, "plain", ErrorMessage(stderrors.New("plain")))

	chain := NewLoaderFailedError("alpha", NewSandboxExecutionError("alpha", "run", "boom"))
	assert.Equal(t, "plugin loader failed: boom", errorChainMessage(chain))
	assert.Empty(t, errorChainMessage(nil))

	cause := unwrapStructured(chain)
	require.NotNil(t, cause)
	assert.True(t, HasErrorCode(cause, ErrCodeSandboxExecution))
	assert.Nil(t, unwrapStructured(stderrors.New("plain")))
}
