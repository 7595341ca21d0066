// sandbox_process_windows.go: Worker process attributes and signals on Windows
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

//go:build windows

package pluginruntime

import (
	"os"
	"os/exec"
	"syscall"
)

// configureWorkerProcess uses CREATE_NEW_PROCESS_GROUP in place of Setpgid.
func configureWorkerProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// gracefulSignal asks a worker to exit. Windows cannot deliver SIGTERM to
// a child, so the worker is also sent a cleanup message first.
func gracefulSignal() os.Signal {
	return os.Interrupt
}

// WorkerShutdownSignals are the signals a worker process treats as a
// cleanup request.
func WorkerShutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
