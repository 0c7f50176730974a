package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/nugget/mcphost/internal/buildinfo"
	"github.com/nugget/mcphost/internal/connwatch"
	"github.com/nugget/mcphost/internal/journal"
)

const shellHelp = `commands:
  tools                       list tools
  refresh                     rediscover tools
  call <tool> [json-args]     invoke a tool
  confirm <token> <index>     choose a candidate for a pending call
  status                      connection and journal status
  history [n]                 last n journal entries (default 10)
  help                        this text
  quit                        exit`

// runShell reads commands from in until quit, EOF, or the server
// disconnecting. Errors from individual commands are printed and the
// loop continues.
func runShell(ctx context.Context, in io.Reader, w io.Writer, s *session, outputFmt string) error {
	watcher := connwatch.Watch(ctx, connwatch.Config{
		Name:   s.cfg.Server.Name,
		Server: s.client,
		Backoff: connwatch.BackoffConfig{
			PollInterval: s.cfg.Health.PollInterval,
		},
		OnDown: func(err error) {
			s.logger.Warn("tool server unhealthy", "error", err)
		},
		Logger: s.logger,
	})
	defer watcher.Stop()

	sh := &shell{session: s, watcher: watcher, out: w, output: outputFmt}

	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	if interactive {
		fmt.Fprintf(w, "%s connected to %s (workspace %s); type help\n",
			buildinfo.Name, s.cfg.Server.Name, s.workspace)
	}

	// Stop the reader when the shell returns.
	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()
	lines, readErr := readLines(readCtx, in)

	for {
		if interactive {
			fmt.Fprint(w, "mcphost> ")
		}

		var (
			line string
			ok   bool
		)
		select {
		case <-ctx.Done():
			return nil
		case <-s.client.Disconnected():
			return fmt.Errorf("tool server disconnected: %w", s.client.Err())
		case line, ok = <-lines:
		}
		if !ok {
			select {
			case err := <-readErr:
				if err != nil {
					return fmt.Errorf("read input: %w", err)
				}
			default:
			}
			return nil
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "quit" || line == "exit" {
			return nil
		}
		if err := sh.exec(ctx, line); err != nil {
			fmt.Fprintf(w, "error: %v\n", err)
		}
	}
}

// readLines scans in on its own goroutine. lines closes at EOF, on a
// read error (reported once on the error channel), or at the first line
// read after ctx is done.
func readLines(ctx context.Context, in io.Reader) (<-chan string, <-chan error) {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()
	return lines, readErr
}

// shell carries the state a command line runs against.
type shell struct {
	session *session
	watcher *connwatch.Watcher
	out     io.Writer
	output  string
}

// exec runs one command line.
func (sh *shell) exec(ctx context.Context, line string) error {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "help", "?":
		fmt.Fprintln(sh.out, shellHelp)
		return nil
	case "tools":
		tools, err := sh.session.adapter.Tools(ctx)
		if err != nil {
			return err
		}
		return printTools(sh.out, tools, sh.output)
	case "refresh":
		if _, err := sh.session.adapter.Schemas().Refresh(ctx); err != nil {
			return fmt.Errorf("refresh failed, keeping previous tools: %w", err)
		}
		tools, err := sh.session.adapter.Tools(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "%d tools\n", len(tools))
		return nil
	case "call":
		tool, rawArgs, _ := strings.Cut(rest, " ")
		if tool == "" {
			return fmt.Errorf("usage: call <tool> [json-args]")
		}
		args, err := parseArgs([]string{strings.TrimSpace(rawArgs)})
		if err != nil {
			return err
		}
		res, err := sh.session.adapter.Invoke(ctx, tool, args, "")
		if err != nil {
			return err
		}
		return printResult(sh.out, res, sh.output)
	case "confirm":
		fields := strings.Fields(rest)
		if len(fields) != 2 {
			return fmt.Errorf("usage: confirm <token> <index>")
		}
		index, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("index must be an integer: %w", err)
		}
		res, err := sh.session.adapter.Confirm(ctx, fields[0], index)
		if err != nil {
			return err
		}
		return printResult(sh.out, res, sh.output)
	case "status":
		return sh.status(ctx)
	case "history":
		n := 10
		if rest != "" {
			v, err := strconv.Atoi(rest)
			if err != nil || v <= 0 {
				return fmt.Errorf("usage: history [n]")
			}
			n = v
		}
		return sh.history(ctx, n)
	default:
		return fmt.Errorf("unknown command %q (type help)", cmd)
	}
}

// statusReport is the JSON form of the status command.
type statusReport struct {
	Health         connwatch.Status `json:"health"`
	ServerName     string           `json:"server_name"`
	ServerVersion  string           `json:"server_version"`
	Workspace      string           `json:"workspace"`
	Uptime         string           `json:"uptime"`
	InFlight       int              `json:"in_flight"`
	PendingConfirm int              `json:"pending_confirmations"`
	PendingTokens  []string         `json:"pending_tokens,omitempty"`
	JournalDropped int64            `json:"journal_dropped,omitempty"`
	ToolsFetchedAt *time.Time       `json:"tools_fetched_at,omitempty"`
	Journal        map[string]int   `json:"journal,omitempty"`
}

func (sh *shell) status(ctx context.Context) error {
	s := sh.session
	info := s.client.ServerInfo()
	tokens := s.adapter.PendingTokens()
	rep := statusReport{
		Health:         sh.watcher.Status(),
		ServerName:     info.Name,
		ServerVersion:  info.Version,
		Workspace:      s.workspace,
		Uptime:         buildinfo.Uptime().String(),
		InFlight:       s.client.Pending(),
		PendingConfirm: len(tokens),
		PendingTokens:  tokens,
	}
	if at, ok := s.adapter.Schemas().FetchedAt(); ok {
		rep.ToolsFetchedAt = &at
	}
	if s.journal != nil {
		rep.Journal = map[string]int{}
		for _, k := range []journal.Kind{journal.KindRequest, journal.KindResponse,
			journal.KindNotification, journal.KindStderr, journal.KindEvent} {
			n, err := s.journal.Count(ctx, k)
			if err != nil {
				return err
			}
			rep.Journal[string(k)] = n
		}
		rep.JournalDropped = s.recorder.Dropped()
	}

	if sh.output == "json" {
		return writeJSON(sh.out, rep)
	}

	w := sh.out
	state := "ready"
	switch {
	case rep.Health.Disconnected:
		state = "disconnected"
	case !rep.Health.Ready:
		state = "not ready"
	}
	fmt.Fprintf(w, "server:     %s %s (%s)\n", rep.ServerName, rep.ServerVersion, state)
	fmt.Fprintf(w, "workspace:  %s\n", rep.Workspace)
	fmt.Fprintf(w, "uptime:     %s\n", rep.Uptime)
	if !rep.Health.LastCheck.IsZero() {
		fmt.Fprintf(w, "last ping:  %s (%d probes)\n", humanize.Time(rep.Health.LastCheck), rep.Health.Probes)
	}
	if rep.Health.LastError != "" {
		fmt.Fprintf(w, "last error: %s\n", rep.Health.LastError)
	}
	if rep.ToolsFetchedAt != nil {
		fmt.Fprintf(w, "tools:      fetched %s\n", humanize.Time(*rep.ToolsFetchedAt))
	}
	fmt.Fprintf(w, "in flight:  %d, pending confirmations: %d\n", rep.InFlight, rep.PendingConfirm)
	for _, tok := range rep.PendingTokens {
		fmt.Fprintf(w, "  pending:  %s\n", tok)
	}
	if rep.Journal != nil {
		total := 0
		for _, n := range rep.Journal {
			total += n
		}
		fmt.Fprintf(w, "journal:    %s entries (%s requests, %s stderr lines)\n",
			humanize.Comma(int64(total)),
			humanize.Comma(int64(rep.Journal[string(journal.KindRequest)])),
			humanize.Comma(int64(rep.Journal[string(journal.KindStderr)])))
	}
	return nil
}

func (sh *shell) history(ctx context.Context, n int) error {
	s := sh.session
	if s.journal == nil {
		return fmt.Errorf("journal is disabled")
	}
	entries, err := s.journal.Recent(ctx, n)
	if err != nil {
		return err
	}
	if sh.output == "json" {
		return writeJSON(sh.out, entries)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		label := e.Method
		if e.RequestID != nil {
			label = fmt.Sprintf("%s #%d", label, *e.RequestID)
		}
		fmt.Fprintf(sh.out, "%s %-12s %-3s %-24s %s\n",
			e.Timestamp.Format(time.TimeOnly), e.Kind, e.Direction,
			strings.TrimSpace(label), truncate(e.Payload, 80))
	}
	return nil
}

// truncate shortens s to at most n bytes, never splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
