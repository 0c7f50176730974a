package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/nugget/mcphost/internal/toolcall"
)

// runTools prints the discovered tools sorted by name.
func runTools(ctx context.Context, w io.Writer, s *session, outputFmt string) error {
	tools, err := s.adapter.Tools(ctx)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	return printTools(w, tools, outputFmt)
}

func printTools(w io.Writer, tools []toolcall.ToolSchema, outputFmt string) error {
	if outputFmt == "json" {
		return writeJSON(w, tools)
	}
	if len(tools) == 0 {
		fmt.Fprintln(w, "(no tools)")
		return nil
	}
	for _, t := range tools {
		marker := " "
		if t.AcceptsWorkspace {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %-24s %s\n", marker, t.Name, firstLine(t.Description))
	}
	return nil
}

// runCall invokes one tool. A needs_confirmation result is resolved in
// the same process when --confirm names a candidate.
func runCall(ctx context.Context, w io.Writer, s *session, opts options, tool string, args map[string]any) error {
	res, err := s.adapter.Invoke(ctx, tool, args, "")
	if err != nil {
		return err
	}

	if res.Kind == toolcall.KindNeedsConfirmation {
		if opts.confirm < 0 {
			if err := printResult(w, res, opts.output); err != nil {
				return err
			}
			if opts.output == "text" {
				fmt.Fprintln(w, "rerun with --confirm <index> to choose a candidate")
			}
			return nil
		}
		if opts.output == "text" {
			if err := printResult(w, res, opts.output); err != nil {
				return err
			}
		}
		res, err = s.adapter.Confirm(ctx, res.Token, opts.confirm)
		if err != nil {
			return err
		}
	}

	if err := printResult(w, res, opts.output); err != nil {
		return err
	}
	if res.Kind == toolcall.KindFailed {
		return fmt.Errorf("%s: %s", tool, res.String())
	}
	return nil
}

// printResult renders a tool result. JSON output is the Result itself.
func printResult(w io.Writer, res *toolcall.Result, outputFmt string) error {
	if outputFmt == "json" {
		return writeJSON(w, res)
	}

	switch res.Kind {
	case toolcall.KindNeedsConfirmation:
		msg := res.Message
		if msg == "" {
			msg = "confirmation required"
		}
		fmt.Fprintln(w, msg)
		for i, c := range res.Candidates {
			if c.ID != "" && c.ID != c.Title {
				fmt.Fprintf(w, "  [%d] %s (%s)\n", i, c.Title, c.ID)
			} else {
				fmt.Fprintf(w, "  [%d] %s\n", i, c.Title)
			}
		}
		fmt.Fprintf(w, "token: %s\n", res.Token)
	case toolcall.KindFailed:
		fmt.Fprintf(w, "error %d: %s\n", res.Code, res.Message)
		if len(res.Payload) > 0 {
			fmt.Fprintln(w, indentJSON(res.Payload))
		}
	default:
		switch {
		case res.Text != "":
			fmt.Fprintln(w, res.Text)
		case len(res.Payload) > 0:
			fmt.Fprintln(w, indentJSON(res.Payload))
		default:
			fmt.Fprintln(w, "ok")
		}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// indentJSON pretty-prints raw, returning it unchanged if it is not
// valid JSON.
func indentJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
