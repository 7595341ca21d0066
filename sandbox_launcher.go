// sandbox_launcher.go: In-process and subprocess sandbox worker launchers
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
)

// WorkerHandle controls one running sandbox worker.
type WorkerHandle interface {
	// Port is the host end of the worker's message channel.
	Port() MessagePort
	// Done is closed once the worker has exited.
	Done() <-chan struct{}
	// Err returns the worker's exit error after Done is closed.
	Err() error
	// Terminate asks the worker to stop and forces it after timeout.
	Terminate(timeout time.Duration) error
	PID() int
}

// WorkerLauncher starts sandbox workers.
type WorkerLauncher interface {
	Launch(ctx context.Context, init WorkerInit) (WorkerHandle, error)
}

// NewWorkerLauncher returns the launcher selected by config.Launcher.
func NewWorkerLauncher(config SandboxConfig, logger any) WorkerLauncher {
	if config.Launcher == LauncherSubprocess {
		return NewSubprocessLauncher(config.WorkerPath, logger)
	}
	return NewInProcessLauncher(logger)
}

// InProcessLauncher runs each worker on its own goroutine with a private
// goja runtime, connected by an in-memory pipe.
type InProcessLauncher struct {
	logger  Logger
	options []WorkerOption
}

// NewInProcessLauncher creates a launcher; options are passed to every worker.
func NewInProcessLauncher(logger any, options ...WorkerOption) *InProcessLauncher {
	l := NewLogger(logger)
	return &InProcessLauncher{logger: l, options: append([]WorkerOption{WithWorkerLogger(l)}, options...)}
}

// Launch starts the worker. Its lifetime is independent of ctx.
func (l *InProcessLauncher) Launch(_ context.Context, init WorkerInit) (WorkerHandle, error) {
	hostPort, workerPort := NewMessagePipe()
	ctx, cancel := context.WithCancel(context.Background())
	h := &inProcessHandle{workerID: init.WorkerID, port: hostPort, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.err = RunSandboxWorker(ctx, init, workerPort, l.options...)
	}()
	l.logger.Debug("Launched in-process sandbox worker", "plugin_id", init.PluginID, "worker_id", init.WorkerID)
	return h, nil
}

type inProcessHandle struct {
	workerID string
	port     MessagePort
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

func (h *inProcessHandle) Port() MessagePort     { return h.port }
func (h *inProcessHandle) Done() <-chan struct{} { return h.done }
func (h *inProcessHandle) PID() int              { return os.Getpid() }

func (h *inProcessHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *inProcessHandle) Terminate(timeout time.Duration) error {
	h.cancel()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.done:
		return nil
	case <-timer.C:
		// The worker interrupts its own runtime after ShutdownTimeout; closing
		// the pipe unblocks anything still waiting on it.
		_ = h.port.Close()
		return NewWorkerTerminatedError(h.workerID)
	}
}

// SubprocessLauncher runs each worker as a separate sandbox-worker process
// speaking JSON lines over stdin and stdout.
type SubprocessLauncher struct {
	workerPath string
	args       []string
	logger     Logger
}

// NewSubprocessLauncher launches the binary at workerPath.
func NewSubprocessLauncher(workerPath string, logger any, args ...string) *SubprocessLauncher {
	return &SubprocessLauncher{workerPath: workerPath, args: args, logger: NewLogger(logger)}
}

// Launch starts the process and sends the init message. The process only
// receives the allow-listed variables in init.Env.
func (l *SubprocessLauncher) Launch(_ context.Context, init WorkerInit) (WorkerHandle, error) {
	if l.workerPath == "" {
		return nil, NewWorkerLaunchError(init.PluginID, NewConfigValidationError("sandbox.worker_path is empty"))
	}

	// #nosec G204 -- the worker binary path comes from trusted configuration
	cmd := exec.Command(l.workerPath, l.args...)
	cmd.Env = workerEnviron(init.Env)
	configureWorkerProcess(cmd)

	logger := l.logger.With("plugin_id", init.PluginID, "worker_id", init.WorkerID)
	stdoutReader, stdoutWriter := io.Pipe()
	cmd.Stdout = stdoutWriter
	cmd.Stderr = &lineLogger{logger: logger}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, NewWorkerLaunchError(init.PluginID, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, NewWorkerLaunchError(init.PluginID, err)
	}

	h := &subprocessHandle{
		workerID: init.WorkerID,
		cmd:      cmd,
		port:     NewStreamPort(stdoutReader, stdin, stdin, stdoutReader),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go func() {
		err := cmd.Wait()
		_ = stdoutWriter.Close()
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
		logger.Debug("Sandbox worker process exited", "pid", cmd.Process.Pid, "error", err)
	}()

	if err := h.port.Send(Message{Type: MsgInit, Init: &init}); err != nil {
		_ = cmd.Process.Kill()
		return nil, NewWorkerLaunchError(init.PluginID, err)
	}
	logger.Info("Launched sandbox worker process", "pid", cmd.Process.Pid)
	return h, nil
}

type subprocessHandle struct {
	workerID string
	cmd      *exec.Cmd
	port     MessagePort
	done     chan struct{}
	logger   Logger

	mu  sync.Mutex
	err error
}

func (h *subprocessHandle) Port() MessagePort     { return h.port }
func (h *subprocessHandle) Done() <-chan struct{} { return h.done }
func (h *subprocessHandle) PID() int              { return h.cmd.Process.Pid }

func (h *subprocessHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Terminate sends the graceful signal, then kills the process after timeout.
func (h *subprocessHandle) Terminate(timeout time.Duration) error {
	select {
	case <-h.done:
		return nil
	default:
	}
	if err := h.cmd.Process.Signal(gracefulSignal()); err != nil {
		h.logger.Warn("Failed to send termination signal", "error", err)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.done:
		return nil
	case <-timer.C:
		h.logger.Warn("Sandbox worker ignored termination signal, killing", "pid", h.cmd.Process.Pid)
		if err := h.cmd.Process.Kill(); err != nil {
			return NewWorkerTerminatedError(h.workerID).WithContext("kill_error", err.Error())
		}
		<-h.done
		return nil
	}
}

// workerEnviron turns env into a sorted KEY=value list. PATH is kept so the
// worker can resolve shared libraries on platforms that need it.
func workerEnviron(env map[string]string) []string {
	out := make([]string, 0, len(env)+1)
	if path, ok := os.LookupEnv("PATH"); ok {
		if _, overridden := env["PATH"]; !overridden {
			out = append(out, "PATH="+path)
		}
	}
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// SandboxEnv selects the allow-listed variables from the host environment.
func SandboxEnv(allow []string) map[string]string {
	env := make(map[string]string, len(allow))
	for _, key := range allow {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	return env
}

// lineLogger forwards worker stderr to the logger one line at a time.
type lineLogger struct {
	logger Logger
	mu     sync.Mutex
	buf    bytes.Buffer
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Keep the partial line for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		if line = trimLine(line); line != "" {
			w.logger.Warn("Sandbox worker stderr", "line", line)
		}
	}
	return len(p), nil
}

func trimLine(s string) string {
	return strings.TrimRight(s, "\r\n")
}
