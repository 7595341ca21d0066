// sandbox_session.go: Host-side session driving one sandbox worker
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BridgeResolver answers api_request messages for a plugin.
type BridgeResolver func(ctx context.Context, pluginID, method string, args json.RawMessage) (json.RawMessage, error)

// SessionEventType classifies SessionEvent.
type SessionEventType string

const (
	SessionEventLog         SessionEventType = "log"
	SessionEventMemoryUsage SessionEventType = "memory_usage"
	SessionEventError       SessionEventType = "error"
	SessionEventExited      SessionEventType = "exited"
)

// SessionEvent reports worker activity to the host.
type SessionEvent struct {
	PluginID  string
	WorkerID  string
	Type      SessionEventType
	Level     string
	Message   string
	Stack     string
	Usage     *MemoryUsage
	Timestamp time.Time
}

// hostExecutionGrace lets the worker report its own timeout before the host
// gives up on an execution.
const hostExecutionGrace = time.Second

// SandboxSession is the host's view of one worker: it serialises executions,
// answers bridged API calls and relays logs and memory usage.
type SandboxSession struct {
	WorkerID string
	PluginID string

	config   SandboxConfig
	handle   WorkerHandle
	port     MessagePort
	resolver BridgeResolver
	logger   Logger
	events   *EventBus[SessionEvent]

	ctx    context.Context
	cancel context.CancelFunc

	execMu  sync.Mutex
	results chan Message
	ready   chan error
	done    chan struct{}

	mu        sync.Mutex
	status    WorkerStatus
	lastUsage *MemoryUsage
	loaded    bool
	closing   bool
	stopped   bool
	inflight  map[string]context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// SessionOptions configures StartSandboxSession.
type SessionOptions struct {
	PluginID   string
	PluginPath string
	Env        map[string]string
	Config     SandboxConfig
	Resolver   BridgeResolver
	Logger     any
}

// StartSandboxSession launches a worker and waits until the plugin is loaded.
func StartSandboxSession(ctx context.Context, launcher WorkerLauncher, options SessionOptions) (*SandboxSession, error) {
	config := options.Config
	config.ApplyDefaults()
	workerID := uuid.NewString()
	logger := NewLogger(options.Logger).With("plugin_id", options.PluginID, "worker_id", workerID)

	handle, err := launcher.Launch(ctx, WorkerInit{
		WorkerID:   workerID,
		PluginID:   options.PluginID,
		PluginPath: options.PluginPath,
		Env:        options.Env,
		Config:     config,
	})
	if err != nil {
		return nil, NewWorkerLaunchError(options.PluginID, err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &SandboxSession{
		WorkerID: workerID,
		PluginID: options.PluginID,
		config:   config,
		handle:   handle,
		port:     handle.Port(),
		resolver: options.Resolver,
		logger:   logger,
		events:   NewEventBus[SessionEvent](),
		ctx:      sctx,
		cancel:   cancel,
		results:  make(chan Message, 1),
		ready:    make(chan error, 1),
		done:     make(chan struct{}),
		status:   WorkerBusy,
		inflight: make(map[string]context.CancelFunc),
	}
	go s.receiveLoop()

	// Load time plus the worker's own timeout reporting.
	timer := time.NewTimer(config.LoadTimeout + hostExecutionGrace)
	defer timer.Stop()
	select {
	case err := <-s.ready:
		if err != nil {
			s.teardown()
			return nil, err
		}
	case <-timer.C:
		s.teardown()
		return nil, NewSandboxLoadError(options.PluginID, NewExecutionTimeoutError(options.PluginID, config.LoadTimeout))
	case <-ctx.Done():
		s.teardown()
		return nil, ctx.Err()
	}
	logger.Info("Sandbox session started", "pid", handle.PID())
	return s, nil
}

// Events publishes logs, memory usage, errors and exit of the worker.
func (s *SandboxSession) Events() *EventBus[SessionEvent] { return s.events }

// Done is closed once the worker's port is closed.
func (s *SandboxSession) Done() <-chan struct{} { return s.done }

// Status returns the last status the worker reported.
func (s *SandboxSession) Status() WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastMemoryUsage returns the most recent memory_usage payload, if any.
func (s *SandboxSession) LastMemoryUsage() (MemoryUsage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastUsage == nil {
		return MemoryUsage{}, false
	}
	return *s.lastUsage, true
}

// PID is the worker process id (the host's own id for in-process workers).
func (s *SandboxSession) PID() int { return s.handle.PID() }

// Execute calls method on the plugin instance with args and returns the JSON
// result. Executions are serialised.
func (s *SandboxSession) Execute(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	select {
	case <-s.done:
		return nil, NewWorkerTerminatedError(s.WorkerID)
	default:
	}
	if args == nil {
		args = []any{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, NewProtocolError("failed to encode execute arguments", err)
	}

	// Drop results of executions abandoned by their caller.
	select {
	case <-s.results:
	default:
	}

	if err := s.port.Send(Message{Type: MsgExecute, Method: method, Args: payload}); err != nil {
		return nil, NewWorkerTerminatedError(s.WorkerID)
	}

	timer := time.NewTimer(s.config.ExecutionTimeout + hostExecutionGrace)
	defer timer.Stop()
	select {
	case msg := <-s.results:
		if msg.Error != "" {
			return nil, s.executionError(method, msg)
		}
		return msg.Result, nil
	case <-s.done:
		return nil, NewWorkerTerminatedError(s.WorkerID)
	case <-timer.C:
		return nil, NewExecutionTimeoutError(s.PluginID, s.config.ExecutionTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *SandboxSession) executionError(method string, msg Message) error {
	switch {
	case strings.HasPrefix(msg.Error, "Method '") && strings.HasSuffix(msg.Error, "' not found"):
		return NewMethodNotFoundError(s.PluginID, method)
	case strings.HasPrefix(msg.Error, "Execution timed out"):
		return NewExecutionTimeoutError(s.PluginID, s.config.ExecutionTimeout)
	default:
		err := NewSandboxExecutionError(s.PluginID, method, msg.Error)
		if msg.Stack != "" {
			return err.WithContext("stack", msg.Stack)
		}
		return err
	}
}

// SendEvent delivers a host event to the plugin's events.on listeners.
func (s *SandboxSession) SendEvent(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return NewProtocolError("failed to encode event data", err)
	}
	if err := s.port.Send(Message{Type: MsgEvent, Event: event, Data: payload}); err != nil {
		return NewWorkerTerminatedError(s.WorkerID)
	}
	return nil
}

// Close sends cleanup, waits up to ShutdownTimeout for the worker to exit
// and terminates it otherwise.
func (s *SandboxSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()

		_ = s.port.Send(Message{Type: MsgCleanup})
		timer := time.NewTimer(s.config.ShutdownTimeout)
		defer timer.Stop()
		select {
		case <-s.handle.Done():
		case <-timer.C:
			err = s.handle.Terminate(s.config.ShutdownTimeout)
		}
		s.teardown()
		s.logger.Info("Sandbox session closed")
	})
	return err
}

// teardown cancels bridged calls and releases the port.
func (s *SandboxSession) teardown() {
	s.cancel()
	s.mu.Lock()
	// No bridged call may join wg once stopped is set.
	s.stopped = true
	for id, cancel := range s.inflight {
		cancel()
		delete(s.inflight, id)
	}
	s.mu.Unlock()
	select {
	case <-s.handle.Done():
	default:
		_ = s.handle.Terminate(s.config.ShutdownTimeout)
	}
	_ = s.port.Close()
	s.wg.Wait()
}

func (s *SandboxSession) receiveLoop() {
	defer func() {
		close(s.done)
		s.mu.Lock()
		loaded, closing := s.loaded, s.closing
		s.mu.Unlock()
		if !loaded {
			s.signalReady(NewWorkerTerminatedError(s.WorkerID))
		}
		if !closing {
			s.logger.Warn("Sandbox worker exited unexpectedly")
		}
		s.events.Publish(SessionEvent{PluginID: s.PluginID, WorkerID: s.WorkerID, Type: SessionEventExited, Timestamp: time.Now()})
	}()

	for {
		msg, err := s.port.Receive()
		if err != nil {
			return
		}
		s.dispatch(msg)
	}
}

func (s *SandboxSession) signalReady(err error) {
	select {
	case s.ready <- err:
	default:
	}
}

func (s *SandboxSession) dispatch(msg Message) {
	switch msg.Type {
	case MsgStatus:
		s.mu.Lock()
		s.status = msg.Status
		first := !s.loaded && msg.Status == WorkerIdle
		if first {
			s.loaded = true
		}
		s.mu.Unlock()
		if first {
			s.signalReady(nil)
		}
	case MsgResult:
		select {
		case s.results <- msg:
		default:
			s.logger.Warn("Dropping unexpected execution result")
		}
	case MsgExecutionComplete:
	case MsgError:
		s.mu.Lock()
		loaded := s.loaded
		s.mu.Unlock()
		if !loaded {
			s.signalReady(NewSandboxLoadError(s.PluginID, NewSandboxExecutionError(s.PluginID, "load", msg.Error)))
			return
		}
		s.logger.Error("Sandbox worker error", "error", msg.Error, "stack", msg.Stack)
		s.events.Publish(SessionEvent{PluginID: s.PluginID, WorkerID: s.WorkerID, Type: SessionEventError, Message: msg.Error, Stack: msg.Stack, Timestamp: time.Now()})
	case MsgLog:
		s.logPlugin(msg)
	case MsgMemoryUsage:
		if msg.Usage == nil {
			return
		}
		usage := *msg.Usage
		s.mu.Lock()
		s.lastUsage = &usage
		s.mu.Unlock()
		s.events.Publish(SessionEvent{PluginID: s.PluginID, WorkerID: s.WorkerID, Type: SessionEventMemoryUsage, Usage: &usage, Timestamp: time.Now()})
	case MsgAPIRequest:
		s.serveAPIRequest(msg)
	default:
		s.logger.Warn("Ignoring unexpected worker message", "type", msg.Type)
	}
}

func (s *SandboxSession) logPlugin(msg Message) {
	ts := time.UnixMilli(msg.Timestamp)
	args := []any{"level", msg.Level, "timestamp", ts, "source", "plugin"}
	switch msg.Level {
	case "error":
		s.logger.Error(msg.Message, args...)
	case "warn":
		s.logger.Warn(msg.Message, args...)
	case "debug":
		s.logger.Debug(msg.Message, args...)
	default:
		s.logger.Info(msg.Message, args...)
	}
	s.events.Publish(SessionEvent{PluginID: s.PluginID, WorkerID: s.WorkerID, Type: SessionEventLog, Level: msg.Level, Message: msg.Message, Timestamp: ts})
}

// serveAPIRequest answers one bridged call within BridgeTimeout.
func (s *SandboxSession) serveAPIRequest(msg Message) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.logger.Debug("Ignoring API request during shutdown", "request_id", msg.RequestID, "method", msg.Method)
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.config.BridgeTimeout)
	s.inflight[msg.RequestID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, msg.RequestID)
			s.mu.Unlock()
			cancel()
		}()

		response := Message{Type: MsgAPIResponse, RequestID: msg.RequestID}
		if s.resolver == nil {
			response.Error = ErrorMessage(NewBridgeMethodError(msg.Method))
		} else if result, err := s.resolver(ctx, s.PluginID, msg.Method, msg.Args); err != nil {
			if stderrors.Is(err, context.DeadlineExceeded) {
				err = NewBridgeTimeoutError(msg.Method, s.config.BridgeTimeout)
			}
			response.Error = ErrorMessage(err)
		} else {
			response.Result = result
		}
		if ctx.Err() == context.Canceled {
			return
		}
		if err := s.port.Send(response); err != nil {
			s.logger.Debug("Dropping API response for closed worker", "request_id", msg.RequestID)
		}
	}()
}
