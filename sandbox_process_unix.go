// sandbox_process_unix.go: Worker process attributes and signals on Unix
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

//go:build unix

package pluginruntime

import (
	"os"
	"os/exec"
	"syscall"
)

// configureWorkerProcess puts the worker in its own process group so host
// job-control signals do not reach it.
func configureWorkerProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// gracefulSignal asks a worker to run its cleanup and exit.
func gracefulSignal() os.Signal {
	return syscall.SIGTERM
}

// WorkerShutdownSignals are the signals a worker process treats as a
// cleanup request.
func WorkerShutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGTERM, os.Interrupt}
}
