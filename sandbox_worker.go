// sandbox_worker.go: Sandbox worker running one plugin on a goja event loop
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
)

// MemorySampler reports the worker's memory footprint.
type MemorySampler func(ctx context.Context) (MemoryUsage, error)

// DefaultMemorySampler combines Go heap statistics with the process RSS.
// When the process cannot be opened for sampling only heap figures are
// reported.
func DefaultMemorySampler(logger Logger) MemorySampler {
	self, err := NewProcessSampler()
	if err != nil {
		NewLogger(logger).Warn("Process sampling unavailable, reporting heap only", "error", err)
	}
	return func(ctx context.Context) (MemoryUsage, error) {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		usage := MemoryUsage{HeapUsed: stats.HeapAlloc, HeapTotal: stats.HeapSys}
		if self == nil {
			return usage, nil
		}
		if sample, err := self.SampleSelf(ctx); err == nil {
			usage.RSS = sample.MemoryBytes
		}
		return usage, nil
	}
}

// WorkerOption customises RunSandboxWorker.
type WorkerOption func(*sandboxWorker)

// WithMemorySampler replaces DefaultMemorySampler.
func WithMemorySampler(sampler MemorySampler) WorkerOption {
	return func(w *sandboxWorker) { w.sampler = sampler }
}

// WithWorkerLogger sets the logger for worker-internal diagnostics. Plugin
// console output always goes to the host as log messages.
func WithWorkerLogger(logger any) WorkerOption {
	return func(w *sandboxWorker) { w.logger = NewLogger(logger) }
}

const (
	errWorkerBusy     = "worker is busy"
	timeoutMessageFmt = "Execution timed out after %s"
)

type workerTimer struct {
	timer    *time.Timer
	fn       goja.Callable
	args     []goja.Value
	interval time.Duration
	repeat   bool
}

type workerExecution struct {
	id     int64
	method string
	timer  *time.Timer
}

type preludeHooks struct {
	settle      goja.Callable
	invoke      goja.Callable
	dispatch    goja.Callable
	instantiate goja.Callable
	cleanup     goja.Callable
}

type sandboxWorker struct {
	init    WorkerInit
	config  SandboxConfig
	port    MessagePort
	logger  Logger
	sampler MemorySampler

	vm      *goja.Runtime
	hooks   preludeHooks
	modules *moduleLoader
	bridge  *correlationTable

	jobs     chan func()
	quit     chan struct{}
	quitOnce sync.Once
	running  atomic.Bool

	// Loop-owned state.
	timers     map[int64]*workerTimer
	nextTimer  int64
	exec       *workerExecution
	nextExec   int64
	rejections map[*goja.Promise]struct{}
	exiting    bool

	monitorStop chan struct{}
	monitorOnce sync.Once
}

// RunSandboxWorker loads the plugin described by init and serves port until
// a cleanup message, ctx cancellation, a closed port or a fatal plugin error.
// A load failure is reported on the port and returned.
func RunSandboxWorker(ctx context.Context, init WorkerInit, port MessagePort, opts ...WorkerOption) error {
	config := init.Config
	config.ApplyDefaults()

	w := &sandboxWorker{
		init:        init,
		config:      config,
		port:        port,
		logger:      NewLogger(nil),
		jobs:        make(chan func(), 64),
		quit:        make(chan struct{}),
		timers:      make(map[int64]*workerTimer),
		rejections:  make(map[*goja.Promise]struct{}),
		monitorStop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("plugin_id", init.PluginID, "worker_id", init.WorkerID)
	if w.sampler == nil {
		w.sampler = DefaultMemorySampler(w.logger)
	}
	w.bridge = newCorrelationTable(func(id, method string) {
		w.enqueue(func() { w.settleBridge(id, ErrorMessage(NewBridgeTimeoutError(method, w.config.BridgeTimeout)), nil) })
	})
	defer w.bridge.Close()
	defer port.Close()

	if err := w.load(); err != nil {
		msg, stack := describeJSError(err)
		_ = w.send(Message{Type: MsgError, Error: msg, Stack: stack})
		return NewSandboxLoadError(init.PluginID, err)
	}
	_ = w.send(Message{Type: MsgStatus, Status: WorkerIdle})

	go w.receiveLoop()
	go w.monitorLoop(ctx)
	go func() {
		select {
		case <-ctx.Done():
			w.enqueue(func() { w.shutdown("context cancelled") })
			w.forceExitAfter(w.config.ShutdownTimeout)
		case <-w.quit:
		}
	}()

	for {
		select {
		case job := <-w.jobs:
			w.runJob(job)
		case <-w.quit:
			w.stopTimers()
			return nil
		}
	}
}

func (w *sandboxWorker) send(msg Message) error {
	return w.port.Send(msg)
}

func (w *sandboxWorker) enqueue(job func()) {
	select {
	case w.jobs <- job:
	case <-w.quit:
	}
}

func (w *sandboxWorker) exit() {
	w.quitOnce.Do(func() { close(w.quit) })
}

// forceExitAfter aborts running JS if a graceful shutdown stalls.
func (w *sandboxWorker) forceExitAfter(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		w.logger.Warn("Sandbox worker did not shut down in time, forcing exit")
		w.vm.Interrupt("shutdown")
		w.exit()
	case <-w.quit:
	}
}

func (w *sandboxWorker) receiveLoop() {
	for {
		msg, err := w.port.Receive()
		if err != nil {
			w.enqueue(func() { w.shutdown("host port closed") })
			return
		}
		w.enqueue(func() { w.handle(msg) })
	}
}

func (w *sandboxWorker) runJob(job func()) {
	defer func() {
		if r := recover(); r != nil {
			w.fatal(fmt.Sprintf("sandbox worker panic: %v", r), "")
		}
	}()
	w.vm.ClearInterrupt()
	w.running.Store(true)
	job()
	w.running.Store(false)
	w.vm.ClearInterrupt()
	w.checkRejections()
}

func (w *sandboxWorker) handle(msg Message) {
	if w.exiting {
		return
	}
	switch msg.Type {
	case MsgExecute:
		w.execute(msg.Method, msg.Args)
	case MsgAPIResponse:
		if _, ok := w.bridge.Resolve(msg.RequestID); ok {
			w.settleBridge(msg.RequestID, msg.Error, msg.Result)
		}
	case MsgEvent:
		if _, err := w.hooks.dispatch(goja.Undefined(), w.vm.ToValue(msg.Event), w.vm.ToValue(string(msg.Data))); err != nil {
			w.uncaught(err)
		}
	case MsgCleanup:
		w.shutdown("cleanup requested")
	default:
		w.logger.Warn("Ignoring unexpected message", "type", msg.Type)
	}
}

// load builds the runtime, installs the prelude and instantiates the plugin.
func (w *sandboxWorker) load() error {
	w.vm = goja.New()
	w.vm.SetPromiseRejectionTracker(func(p *goja.Promise, op goja.PromiseRejectionOperation) {
		switch op {
		case goja.PromiseRejectionReject:
			w.rejections[p] = struct{}{}
		case goja.PromiseRejectionHandle:
			delete(w.rejections, p)
		}
	})

	deadline := time.AfterFunc(w.config.LoadTimeout, func() { w.vm.Interrupt("load timeout") })
	defer deadline.Stop()

	host := w.vm.NewObject()
	if err := installHostPrimitives(w.vm, host); err != nil {
		return err
	}
	if err := w.installWorkerPrimitives(host); err != nil {
		return err
	}
	if err := w.runPrelude(host); err != nil {
		return err
	}

	manifest, err := LoadManifest(w.init.PluginPath)
	if err != nil {
		return err
	}
	w.modules, err = newModuleLoader(w.vm, w.init.PluginPath, host, w.vm.Get("Buffer"))
	if err != nil {
		return err
	}
	w.running.Store(true)
	defer w.running.Store(false)
	main, err := w.modules.resolve(w.modules.root, "./"+filepath.ToSlash(manifest.Main))
	if err != nil {
		return err
	}
	exported, err := w.modules.loadFile(main)
	if err != nil {
		return w.loadError(err)
	}
	if _, err := w.hooks.instantiate(goja.Undefined(), exported); err != nil {
		return w.loadError(err)
	}
	return nil
}

func (w *sandboxWorker) loadError(err error) error {
	var interrupted *goja.InterruptedError
	if stderrors.As(err, &interrupted) {
		return fmt.Errorf("plugin load timed out after %s", w.config.LoadTimeout)
	}
	return err
}

func (w *sandboxWorker) runPrelude(host *goja.Object) error {
	info, err := json.Marshal(map[string]any{
		"env":      w.processEnv(),
		"platform": runtime.GOOS,
		"arch":     runtime.GOARCH,
		"version":  "v" + RuntimeVersion,
	})
	if err != nil {
		return err
	}
	v, err := w.vm.RunScript("prelude", sandboxPrelude)
	if err != nil {
		return err
	}
	prelude, _ := goja.AssertFunction(v)
	result, err := prelude(goja.Undefined(), host, w.vm.ToValue(string(info)))
	if err != nil {
		return err
	}
	hooks := result.ToObject(w.vm)
	get := func(name string) goja.Callable {
		fn, _ := goja.AssertFunction(hooks.Get(name))
		return fn
	}
	w.hooks = preludeHooks{
		settle:      get("settle"),
		invoke:      get("invoke"),
		dispatch:    get("dispatch"),
		instantiate: get("instantiate"),
		cleanup:     get("cleanup"),
	}
	return nil
}

// processEnv keeps only allow-listed variables from init.Env.
func (w *sandboxWorker) processEnv() map[string]string {
	env := make(map[string]string)
	for _, key := range w.config.EnvAllowList {
		if v, ok := w.init.Env[key]; ok {
			env[key] = v
		}
	}
	return env
}

func (w *sandboxWorker) installWorkerPrimitives(host *goja.Object) error {
	primitives := map[string]interface{}{
		"log": func(level, message string) {
			_ = w.send(Message{
				Type:      MsgLog,
				Level:     level,
				Message:   message,
				Timestamp: time.Now().UnixMilli(),
				PluginID:  w.init.PluginID,
				WorkerID:  w.init.WorkerID,
			})
		},
		"request": func(method, argsJSON string) (string, error) {
			id := uuid.NewString()
			w.bridge.Add(id, method, w.config.BridgeTimeout)
			err := w.send(Message{Type: MsgAPIRequest, RequestID: id, Method: method, Args: json.RawMessage(argsJSON)})
			if err != nil {
				w.bridge.Resolve(id)
				return "", err
			}
			return id, nil
		},
		"complete": w.complete,
		"setTimer": w.setTimer,
		"clearTimer": func(id int64) {
			if t, ok := w.timers[id]; ok {
				t.timer.Stop()
				delete(w.timers, id)
			}
		},
	}
	for name, fn := range primitives {
		if err := host.Set(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func (w *sandboxWorker) setTimer(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(w.vm.NewTypeError("callback must be a function"))
	}
	delay := time.Duration(call.Argument(1).ToFloat() * float64(time.Millisecond))
	if delay < 0 {
		delay = 0
	}
	repeat := call.Argument(2).ToBoolean()
	if repeat && delay < time.Millisecond {
		delay = time.Millisecond
	}
	var args []goja.Value
	if list := call.Argument(3); !goja.IsUndefined(list) && !goja.IsNull(list) {
		obj := list.ToObject(w.vm)
		n := int(obj.Get("length").ToInteger())
		for i := 0; i < n; i++ {
			args = append(args, obj.Get(strconv.Itoa(i)))
		}
	}

	w.nextTimer++
	id := w.nextTimer
	t := &workerTimer{fn: fn, args: args, interval: delay, repeat: repeat}
	t.timer = time.AfterFunc(delay, func() { w.enqueue(func() { w.fireTimer(id) }) })
	w.timers[id] = t
	return w.vm.ToValue(id)
}

func (w *sandboxWorker) fireTimer(id int64) {
	t, ok := w.timers[id]
	if !ok || w.exiting {
		return
	}
	if t.repeat {
		t.timer.Reset(t.interval)
	} else {
		delete(w.timers, id)
	}
	if _, err := t.fn(goja.Undefined(), t.args...); err != nil {
		w.uncaught(err)
	}
}

func (w *sandboxWorker) stopTimers() {
	for id, t := range w.timers {
		t.timer.Stop()
		delete(w.timers, id)
	}
}

func (w *sandboxWorker) execute(method string, args json.RawMessage) {
	if w.exec != nil {
		_ = w.send(Message{Type: MsgResult, Error: errWorkerBusy})
		return
	}
	_ = w.send(Message{Type: MsgStatus, Status: WorkerBusy})

	w.nextExec++
	exec := &workerExecution{id: w.nextExec, method: method}
	timeout := w.config.ExecutionTimeout
	exec.timer = time.AfterFunc(timeout, func() {
		if w.running.Load() {
			w.vm.Interrupt("execution timeout")
		}
		w.enqueue(func() { w.timeoutExecution(exec.id) })
	})
	w.exec = exec

	argsJSON := string(args)
	if argsJSON == "" || argsJSON == "null" {
		argsJSON = "[]"
	}
	if _, err := w.hooks.invoke(goja.Undefined(), w.vm.ToValue(exec.id), w.vm.ToValue(method), w.vm.ToValue(argsJSON)); err != nil {
		var interrupted *goja.InterruptedError
		if stderrors.As(err, &interrupted) {
			return
		}
		msg, stack := describeJSError(err)
		w.complete(exec.id, msg, "", stack)
	}
}

// complete finishes the current execution. Late completions are dropped.
func (w *sandboxWorker) complete(callID int64, errMsg, resultJSON, stack string) {
	exec := w.exec
	if exec == nil || exec.id != callID {
		return
	}
	exec.timer.Stop()
	w.exec = nil

	result := Message{Type: MsgResult}
	if errMsg != "" {
		result.Error = errMsg
		result.Stack = stack
	} else if resultJSON != "" {
		result.Result = json.RawMessage(resultJSON)
	}
	_ = w.send(result)
	_ = w.send(Message{Type: MsgStatus, Status: WorkerIdle})
	_ = w.send(Message{Type: MsgExecutionComplete})
}

func (w *sandboxWorker) timeoutExecution(id int64) {
	if w.exec == nil || w.exec.id != id {
		return
	}
	w.complete(id, fmt.Sprintf(timeoutMessageFmt, w.config.ExecutionTimeout), "", "")
}

func (w *sandboxWorker) settleBridge(id, errMsg string, result json.RawMessage) {
	if w.exiting {
		return
	}
	var errValue goja.Value = goja.Null()
	if errMsg != "" {
		errValue = w.vm.ToValue(errMsg)
	}
	if _, err := w.hooks.settle(goja.Undefined(), w.vm.ToValue(id), errValue, w.vm.ToValue(string(result))); err != nil {
		w.uncaught(err)
	}
}

// checkRejections treats rejections still unhandled after a job as fatal.
func (w *sandboxWorker) checkRejections() {
	if len(w.rejections) == 0 || w.exiting {
		return
	}
	var reason goja.Value
	for p := range w.rejections {
		reason = p.Result()
		delete(w.rejections, p)
	}
	msg, stack := describeJSValue(reason)
	w.fatal("Unhandled promise rejection: "+msg, stack)
}

// uncaught handles an exception that escaped a callback.
func (w *sandboxWorker) uncaught(err error) {
	var interrupted *goja.InterruptedError
	if stderrors.As(err, &interrupted) {
		return
	}
	msg, stack := describeJSError(err)
	w.fatal("Uncaught exception: "+msg, stack)
}

func (w *sandboxWorker) fatal(message, stack string) {
	if w.exiting {
		return
	}
	w.logger.Error("Sandbox worker failed", "error", message)
	_ = w.send(Message{Type: MsgError, Error: message, Stack: stack})
	w.shutdown("fatal error")
}

// shutdown stops the monitor, runs the plugin cleanup hook and exits once it
// settles or ShutdownTimeout elapses.
func (w *sandboxWorker) shutdown(reason string) {
	if w.exiting {
		return
	}
	w.exiting = true
	w.logger.Debug("Sandbox worker shutting down", "reason", reason)
	w.monitorOnce.Do(func() { close(w.monitorStop) })
	w.stopTimers()
	if w.exec != nil {
		w.exec.timer.Stop()
		w.exec = nil
	}

	done := w.vm.ToValue(func() { w.exit() })
	if _, err := w.hooks.cleanup(goja.Undefined(), done); err != nil {
		w.logger.Error("Plugin cleanup failed", "error", err)
		w.exit()
		return
	}
	go w.forceExitAfter(w.config.ShutdownTimeout)
}

// monitorLoop samples memory every MemoryCheckInterval. Exceeding the
// limit is reported, not enforced.
func (w *sandboxWorker) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(w.config.MemoryCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.monitorStop:
			return
		case <-w.quit:
			return
		case <-ticker.C:
		}
		usage, err := w.sampler(ctx)
		if err != nil {
			w.logger.Debug("Memory sampling failed", "error", err)
			continue
		}
		_ = w.send(Message{Type: MsgMemoryUsage, Usage: &usage})
		if usage.HeapUsed > w.config.MaxMemoryUsage {
			_ = w.send(Message{Type: MsgError, Error: ErrorMessage(NewMemoryLimitError(usage.HeapUsed, w.config.MaxMemoryUsage))})
		}
	}
}

func describeJSError(err error) (string, string) {
	var ex *goja.Exception
	if stderrors.As(err, &ex) {
		msg, stack := describeJSValue(ex.Value())
		if stack == "" {
			stack = ex.String()
		}
		return msg, stack
	}
	return ErrorMessage(err), ""
}

func describeJSValue(v goja.Value) (string, string) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "undefined", ""
	}
	if obj, ok := v.(*goja.Object); ok {
		if goErr, ok := obj.Export().(error); ok {
			return ErrorMessage(goErr), ""
		}
		msg := obj.Get("message")
		stack := obj.Get("stack")
		if msg != nil && !goja.IsUndefined(msg) {
			s := ""
			if stack != nil && !goja.IsUndefined(stack) {
				s = stack.String()
			}
			return msg.String(), s
		}
	}
	return v.String(), ""
}

// ServeSandboxWorker runs a subprocess worker: the first message on stdin
// must be init, then messages flow as JSON lines until exit.
func ServeSandboxWorker(ctx context.Context, stdin io.Reader, stdout io.Writer, opts ...WorkerOption) error {
	port := NewStreamPort(stdin, stdout)
	msg, err := port.Receive()
	if err != nil {
		return NewProtocolError("failed to read init message", err)
	}
	if msg.Type != MsgInit || msg.Init == nil {
		return NewProtocolError(fmt.Sprintf("expected init message, got %q", msg.Type), nil)
	}
	if strings.TrimSpace(msg.Init.PluginPath) == "" {
		return NewProtocolError("init message has no plugin path", nil)
	}
	return RunSandboxWorker(ctx, *msg.Init, port, opts...)
}
