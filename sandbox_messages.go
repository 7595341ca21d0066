// sandbox_messages.go: Host and sandbox worker message protocol and ports
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"bufio"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/multierr"
)

// MessageType discriminates protocol messages.
type MessageType string

// Host to worker.
const (
	MsgInit        MessageType = "init"
	MsgExecute     MessageType = "execute"
	MsgCleanup     MessageType = "cleanup"
	MsgAPIResponse MessageType = "api_response"
	MsgEvent       MessageType = "event"
)

// Worker to host.
const (
	MsgStatus            MessageType = "status"
	MsgResult            MessageType = "result"
	MsgExecutionComplete MessageType = "execution_complete"
	MsgError             MessageType = "error"
	MsgLog               MessageType = "log"
	MsgMemoryUsage       MessageType = "memory_usage"
	MsgAPIRequest        MessageType = "api_request"
)

// WorkerStatus is reported by status messages.
type WorkerStatus string

const (
	WorkerIdle  WorkerStatus = "idle"
	WorkerBusy  WorkerStatus = "busy"
	WorkerError WorkerStatus = "error"
)

// MemoryUsage is the payload of memory_usage messages.
type MemoryUsage struct {
	HeapUsed  uint64 `json:"heapUsed"`
	HeapTotal uint64 `json:"heapTotal"`
	RSS       uint64 `json:"rss"`
}

// Message is the single envelope exchanged in both directions. Only the
// fields relevant to Type are set.
type Message struct {
	Type      MessageType     `json:"type"`
	Method    string          `json:"method,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Stack     string          `json:"stack,omitempty"`
	Status    WorkerStatus    `json:"status,omitempty"`
	Level     string          `json:"level,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	PluginID  string          `json:"pluginId,omitempty"`
	WorkerID  string          `json:"workerId,omitempty"`
	Usage     *MemoryUsage    `json:"usage,omitempty"`
	Event     string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Init      *WorkerInit     `json:"init,omitempty"`
}

// WorkerInit tells a worker which plugin to load.
type WorkerInit struct {
	WorkerID   string            `json:"workerId"`
	PluginID   string            `json:"pluginId"`
	PluginPath string            `json:"pluginPath"`
	Env        map[string]string `json:"env,omitempty"`
	Config     SandboxConfig     `json:"config"`
}

// MessagePort is one end of a bidirectional message channel.
// Receive returns io.EOF once the port or its peer is closed.
type MessagePort interface {
	Send(msg Message) error
	Receive() (Message, error)
	Close() error
}

var errPortClosed = stderrors.New("message port closed")

type pipe struct {
	closeOnce sync.Once
	closed    chan struct{}
}

type pipeEnd struct {
	pipe *pipe
	in   chan Message
	out  chan Message
}

// NewMessagePipe returns two connected in-memory ports. Closing either end
// closes both.
func NewMessagePipe() (MessagePort, MessagePort) {
	p := &pipe{closed: make(chan struct{})}
	a := make(chan Message, 256)
	b := make(chan Message, 256)
	return &pipeEnd{pipe: p, in: a, out: b}, &pipeEnd{pipe: p, in: b, out: a}
}

func (e *pipeEnd) Send(msg Message) error {
	select {
	case <-e.pipe.closed:
		return errPortClosed
	default:
	}
	select {
	case e.out <- msg:
		return nil
	case <-e.pipe.closed:
		return errPortClosed
	}
}

func (e *pipeEnd) Receive() (Message, error) {
	select {
	case msg := <-e.in:
		return msg, nil
	case <-e.pipe.closed:
		// Deliver what was queued before the close.
		select {
		case msg := <-e.in:
			return msg, nil
		default:
			return Message{}, io.EOF
		}
	}
}

func (e *pipeEnd) Close() error {
	e.pipe.closeOnce.Do(func() { close(e.pipe.closed) })
	return nil
}

// streamPort speaks newline-delimited JSON over a reader and writer.
type streamPort struct {
	writeMu sync.Mutex
	enc     *json.Encoder
	scanner *bufio.Scanner
	readMu  sync.Mutex
	closers []io.Closer
	once    sync.Once
	err     error
}

// maxMessageSize bounds a single JSON line.
const maxMessageSize = 16 * 1024 * 1024

// NewStreamPort wraps r and w. closers are closed by Close.
func NewStreamPort(r io.Reader, w io.Writer, closers ...io.Closer) MessagePort {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)
	return &streamPort{enc: json.NewEncoder(w), scanner: scanner, closers: closers}
}

func (p *streamPort) Send(msg Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.enc.Encode(msg); err != nil {
		return NewProtocolError("failed to write message", err)
	}
	return nil
}

func (p *streamPort) Receive() (Message, error) {
	p.readMu.Lock()
	defer p.readMu.Unlock()
	for p.scanner.Scan() {
		line := p.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return Message{}, NewProtocolError(fmt.Sprintf("malformed message %.64q", line), err)
		}
		return msg, nil
	}
	if err := p.scanner.Err(); err != nil {
		return Message{}, NewProtocolError("failed to read message", err)
	}
	return Message{}, io.EOF
}

func (p *streamPort) Close() error {
	p.once.Do(func() {
		for _, c := range p.closers {
			p.err = multierr.Append(p.err, c.Close())
		}
	})
	return p.err
}
