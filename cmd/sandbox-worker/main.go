// main.go: Subprocess sandbox worker speaking JSON lines on stdin/stdout
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	pluginruntime "github.com/agilira/plugin-runtime"
)

func main() {
	fs := pflag.NewFlagSet("sandbox-worker", pflag.ExitOnError)
	logLevel := fs.String("log-level", "info", "log level written to stderr (debug, info, warn, error)")
	_ = fs.Parse(os.Args[1:])

	logger, err := newStderrLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), pluginruntime.WorkerShutdownSignals()...)
	defer stop()

	// stdout carries protocol messages only; logs go to stderr.
	err = pluginruntime.ServeSandboxWorker(ctx, os.Stdin, os.Stdout, pluginruntime.WithWorkerLogger(logger))
	if err != nil {
		logger.Error("Sandbox worker exited", "error", err)
		_ = logger.Sync()
		os.Exit(1)
	}
}

func newStderrLogger(level string) (*pluginruntime.ZapLogger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(lvl)
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}
	logger, err := config.Build()
	if err != nil {
		return nil, err
	}
	return pluginruntime.NewZapLogger(logger), nil
}
