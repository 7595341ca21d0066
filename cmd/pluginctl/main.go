// main.go: Command line front end for managing installed plugins
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	pluginruntime "github.com/agilira/plugin-runtime"
)

const usage = `Usage: pluginctl [flags] <command> [args]

Commands:
  validate <path>               check a plugin directory or .zip archive
  schema                        print the manifest JSON schema
  discover <dir>                list plugin directories below dir
  install <path|url>            install a plugin (--enable to start it)
  list                          list installed plugins
  enable <id>                   enable a plugin
  disable <id>                  disable a plugin
  uninstall <id>                remove a plugin and its storage
  run <id> <method> [json...]   call a plugin method with JSON arguments
  report <id>                   print the performance report of one run

Flags:
`

type cli struct {
	configPath string
	pluginsDir string
	dataDir    string
	enable     bool
	verbose    bool
	timeout    time.Duration
	depth      int

	stdout io.Writer
	stderr io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := &cli{stdout: os.Stdout, stderr: os.Stderr}
	if err := c.run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "pluginctl: %s\n", describe(err))
		os.Exit(1)
	}
}

func describe(err error) string {
	msg := pluginruntime.ErrorMessage(err)
	if msg == "" {
		return err.Error()
	}
	return msg
}

func (c *cli) flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("pluginctl", pflag.ContinueOnError)
	fs.SetOutput(c.stderr)
	fs.StringVarP(&c.configPath, "config", "c", "", "runtime configuration file (JSON, YAML or TOML)")
	fs.StringVar(&c.pluginsDir, "plugins-dir", "", "override manager.plugins_dir")
	fs.StringVar(&c.dataDir, "data-dir", "", "override manager.data_dir")
	fs.BoolVar(&c.enable, "enable", false, "enable the plugin after install")
	fs.BoolVarP(&c.verbose, "verbose", "v", false, "log runtime activity to stderr")
	fs.DurationVar(&c.timeout, "timeout", time.Minute, "overall command timeout")
	fs.IntVar(&c.depth, "depth", 2, "directory depth searched by discover")
	fs.Usage = func() {
		fmt.Fprint(c.stderr, usage)
		fs.PrintDefaults()
	}
	return fs
}

func (c *cli) run(ctx context.Context, args []string) error {
	fs := c.flags()
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return fmt.Errorf("missing command")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	command, rest := rest[0], rest[1:]
	switch command {
	case "schema":
		schema, err := pluginruntime.ManifestJSONSchema()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(c.stdout, string(schema))
		return err
	case "discover":
		if err := want(command, rest, 1); err != nil {
			return err
		}
		return c.discover(ctx, rest[0])
	}

	m, err := c.manager()
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		_ = m.Shutdown(shutdownCtx)
	}()

	switch command {
	case "validate":
		if err := want(command, rest, 1); err != nil {
			return err
		}
		manifest, err := m.ValidatePluginFile(rest[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(c.stdout, "%s %s is valid (main %s, permissions %s)\n",
			manifest.ID, manifest.Version, manifest.Main, joinOrNone(manifest.Permissions))
		return nil

	case "install":
		if err := want(command, rest, 1); err != nil {
			return err
		}
		options := pluginruntime.InstallOptions{FilePath: rest[0], Enable: c.enable}
		if strings.HasPrefix(rest[0], "http://") || strings.HasPrefix(rest[0], "https://") {
			options = pluginruntime.InstallOptions{URL: rest[0], Enable: c.enable}
		}
		record, err := m.InstallPlugin(ctx, options)
		if record.ID() != "" {
			fmt.Fprintf(c.stdout, "installed %s %s into %s\n", record.ID(), record.Manifest.Version, record.InstallPath)
		}
		return err

	case "list":
		return c.list(m.ListPlugins())

	case "enable":
		if err := want(command, rest, 1); err != nil {
			return err
		}
		return m.EnablePlugin(ctx, rest[0])

	case "disable":
		if err := want(command, rest, 1); err != nil {
			return err
		}
		return m.DisablePlugin(ctx, rest[0])

	case "uninstall":
		if err := want(command, rest, 1); err != nil {
			return err
		}
		return m.UninstallPlugin(ctx, rest[0])

	case "run", "report":
		if command == "run" && len(rest) < 2 {
			return fmt.Errorf("run expects <id> <method> [json args...]")
		}
		if command == "report" {
			if err := want(command, rest, 1); err != nil {
				return err
			}
		}
		if err := m.LoadInstalled(ctx); err != nil && c.verbose {
			fmt.Fprintf(c.stderr, "some plugins did not load: %s\n", describe(err))
		}
		if command == "report" {
			return c.report(m, rest[0])
		}
		return c.call(ctx, m, rest[0], rest[1], rest[2:])

	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func want(command string, args []string, n int) error {
	if len(args) != n {
		return fmt.Errorf("%s expects %d argument(s), got %d", command, n, len(args))
	}
	return nil
}

func (c *cli) manager() (*pluginruntime.PluginManager, error) {
	config := pluginruntime.DefaultRuntimeConfig()
	if c.configPath != "" {
		loaded, err := pluginruntime.LoadRuntimeConfig(c.configPath)
		if err != nil {
			return nil, err
		}
		config = loaded
	}
	if c.pluginsDir != "" {
		config.Manager.PluginsDir = c.pluginsDir
	}
	if c.dataDir != "" {
		config.Manager.DataDir = c.dataDir
	}

	var logger pluginruntime.Logger = pluginruntime.NewNoOpLogger()
	if c.verbose {
		logger = pluginruntime.NewDevelopmentLogger()
	}
	return pluginruntime.NewPluginManager(pluginruntime.ManagerOptions{Config: config, Logger: logger})
}

func (c *cli) discover(ctx context.Context, dir string) error {
	found, err := pluginruntime.DiscoverPlugins(ctx, dir, c.depth)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tID\tVERSION\tSTATUS")
	for _, p := range found {
		if p.Err != nil {
			fmt.Fprintf(w, "%s\t-\t-\tinvalid: %s\n", p.Path, describe(p.Err))
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\tok\n", p.Path, p.Manifest.ID, p.Manifest.Version)
	}
	return w.Flush()
}

func (c *cli) list(plugins []pluginruntime.InstalledPlugin) error {
	w := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tSTATUS\tENABLED\tPERMISSIONS\tLAST ERROR")
	for _, p := range plugins {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
			p.ID(), p.Manifest.Version, p.Status, p.Enabled, joinOrNone(p.Manifest.Permissions), p.LastError)
	}
	return w.Flush()
}

func (c *cli) call(ctx context.Context, m *pluginruntime.PluginManager, id, method string, raw []string) error {
	args := make([]any, 0, len(raw))
	for _, r := range raw {
		var v any
		if err := json.Unmarshal([]byte(r), &v); err != nil {
			// Bare words are passed as strings.
			v = r
		}
		args = append(args, v)
	}
	result, err := m.ExecutePlugin(ctx, id, method, args...)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.stdout, string(result))
	return err
}

func (c *cli) report(m *pluginruntime.PluginManager, id string) error {
	report, err := m.GeneratePerformanceReport(id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func joinOrNone(values []string) string {
	if len(values) == 0 {
		return "none"
	}
	return strings.Join(values, ",")
}
