// mcphost hosts a single MCP tool server over stdio.
//
// It launches the server as a subprocess, performs the initialize
// handshake, discovers the server's tools, and invokes them on request,
// resolving needs_confirmation results in a second round. Configuration
// is loaded from a YAML file discovered automatically (see
// [config.DefaultSearchPaths]) and overridden by MCP_* environment
// variables.
//
// Usage:
//
//	mcphost tools                       List the server's tools
//	mcphost call <tool> [json-args]     Invoke a tool
//	mcphost call --confirm 0 add_song '{"title":"x"}'
//	mcphost shell                       Interactive session over stdin
//	mcphost init [dir]                  Write an example config
//	mcphost version                     Print version and build information
//	mcphost -o json version             Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/nugget/mcphost/internal/buildinfo"
	"github.com/nugget/mcphost/internal/config"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run], so the whole lifecycle can be driven
// from tests without os.Exit.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		stop()
		os.Exit(1)
	}
}

// options holds the parsed global flags.
type options struct {
	configPath string
	workspace  string
	output     string
	confirm    int
	logLevel   string
}

// run parses args and dispatches to a subcommand. stdin feeds the shell;
// stdout carries command output and stderr carries logs.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var opts options

	flags := pflag.NewFlagSet("mcphost", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&opts.configPath, "config", "", "path to config file (default: auto-discover)")
	flags.StringVarP(&opts.workspace, "workspace", "w", "", "workspace injected into tools that accept one")
	flags.StringVarP(&opts.output, "output", "o", "text", "output format: text or json")
	flags.IntVar(&opts.confirm, "confirm", -1, "candidate index to choose when a call needs confirmation")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return printUsage(stdout, flags)
		}
		return err
	}

	if opts.output != "text" && opts.output != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.output)
	}

	command := flags.Arg(0)
	cmdArgs := flags.Args()
	if len(cmdArgs) > 0 {
		cmdArgs = cmdArgs[1:]
	}

	switch command {
	case "tools":
		return withSession(ctx, stderr, opts, func(s *session) error {
			return runTools(ctx, stdout, s, opts.output)
		})
	case "call":
		if len(cmdArgs) == 0 || len(cmdArgs) > 2 {
			return fmt.Errorf("usage: mcphost call <tool> [json-args]")
		}
		callArgs, err := parseArgs(cmdArgs[1:])
		if err != nil {
			return err
		}
		return withSession(ctx, stderr, opts, func(s *session) error {
			return runCall(ctx, stdout, s, opts, cmdArgs[0], callArgs)
		})
	case "shell":
		return withSession(ctx, stderr, opts, func(s *session) error {
			return runShell(ctx, stdin, stdout, s, opts.output)
		})
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, opts.output)
	case "":
		return printUsage(stdout, flags)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// parseArgs decodes the optional JSON object argument of call.
func parseArgs(rest []string) (map[string]any, error) {
	args := map[string]any{}
	if len(rest) == 0 || rest[0] == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(rest[0]), &args); err != nil {
		return nil, fmt.Errorf("tool arguments must be a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer, flags *pflag.FlagSet) error {
	fmt.Fprintln(w, "mcphost - host for a stdio MCP tool server")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mcphost [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  tools                    List the server's tools")
	fmt.Fprintln(w, "  call <tool> [json-args]  Invoke a tool")
	fmt.Fprintln(w, "  shell                    Interactive session over stdin")
	fmt.Fprintln(w, "  init [dir]               Write an example config (default: .)")
	fmt.Fprintln(w, "  version                  Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprint(w, flags.FlagUsages())
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/mcphost/config.yaml, /etc/mcphost/config.yaml")
	fmt.Fprintln(w, "Without a config file, MCP_SERVER_CMD must name the server.")
	return nil
}

// loadConfig locates and parses the YAML configuration file, then
// applies MCP_* environment overrides. An explicit path must exist;
// when discovery finds nothing, defaults are used. Returns the config
// and the path loaded (empty for defaults).
func loadConfig(explicit string, getenv func(string) string) (*config.Config, string, error) {
	cfg := config.Default()

	cfgPath, err := config.FindConfig(explicit)
	switch {
	case err != nil && explicit != "":
		return nil, "", err
	case err != nil:
		cfgPath = ""
	default:
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
	}

	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, cfgPath, fmt.Errorf("environment: %w", err)
	}
	return cfg, cfgPath, nil
}
