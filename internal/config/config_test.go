package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("server:\n  command: echo\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("server:\n  command: echo\n"), 0600)

	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
server:
  name: songs
  command: python3
  args: ["server.py", "--stdio"]
  env:
    SONGS_DB: /tmp/songs.db
client:
  request_timeout_sec: 12.5
confirmation_ttl: 2m
journal:
  retention: 24h
`
	os.WriteFile(path, []byte(body), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.Name != "songs" || cfg.Server.Command != "python3" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if got := cfg.Client.RequestTimeout(); got != 12500*time.Millisecond {
		t.Errorf("RequestTimeout() = %v, want 12.5s", got)
	}
	// Unset fields keep their defaults.
	if cfg.Client.StartupTimeoutSec != 8 || cfg.Client.MaxRetries != 2 {
		t.Errorf("client defaults lost: %+v", cfg.Client)
	}
	if cfg.ConfirmationTTL != 2*time.Minute {
		t.Errorf("ConfirmationTTL = %v, want 2m", cfg.ConfirmationTTL)
	}
	if cfg.Journal.Retention != 24*time.Hour {
		t.Errorf("Journal.Retention = %v, want 24h", cfg.Journal.Retention)
	}
	if env := cfg.Server.Environ(); len(env) != 1 || env[0] != "SONGS_DB=/tmp/songs.db" {
		t.Errorf("Environ() = %v", env)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("workspace: ${MCPHOST_TEST_WS}\n"), 0600)
	t.Setenv("MCPHOST_TEST_WS", "team-red")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Workspace != "team-red" {
		t.Errorf("workspace = %q, want %q", cfg.Workspace, "team-red")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("server: [unclosed\n"), 0600)

	if _, err := Load(path); err == nil {
		t.Fatal("Load of invalid YAML succeeded")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"MCP_SERVER_CMD":      `"/opt/my python/bin/python" server.py --name 'My Server'`,
		"MCP_WORKSPACE":       "ws-1",
		"MCP_REQ_TIMEOUT_SEC": "45",
		"MCP_STARTUP_TIMEOUT": "3.5",
		"MCP_MAX_RETRIES":     "0",
		"MCP_LOG_FILE":        "/var/log/mcphost.db",
		"MCP_DEBUG":           "yes",
	}
	cfg := Default()
	cfg.Server.Args = []string{"stale"}

	if err := cfg.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}

	cmd, args, err := cfg.Server.CommandLine()
	if err != nil {
		t.Fatalf("CommandLine: %v", err)
	}
	if cmd != "/opt/my python/bin/python" {
		t.Errorf("command = %q", cmd)
	}
	if want := []string{"server.py", "--name", "My Server"}; !reflect.DeepEqual(args, want) {
		t.Errorf("args = %q, want %q", args, want)
	}
	if cfg.Workspace != "ws-1" {
		t.Errorf("Workspace = %q", cfg.Workspace)
	}
	if cfg.Client.RequestTimeout() != 45*time.Second {
		t.Errorf("RequestTimeout = %v", cfg.Client.RequestTimeout())
	}
	if cfg.Client.StartupTimeout() != 3500*time.Millisecond {
		t.Errorf("StartupTimeout = %v", cfg.Client.StartupTimeout())
	}
	if cfg.Client.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want 0", cfg.Client.MaxRetries)
	}
	if cfg.Journal.Path != "/var/log/mcphost.db" {
		t.Errorf("Journal.Path = %q", cfg.Journal.Path)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestApplyEnv_InterpreterAndScript(t *testing.T) {
	env := map[string]string{
		"MCP_SERVER_PY":   "/usr/bin/python3",
		"MCP_SERVER_PATH": "/srv/tools/server.py",
	}
	cfg := Default()
	if err := cfg.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	cmd, args, _ := cfg.Server.CommandLine()
	if cmd != "/usr/bin/python3" || len(args) != 1 || args[0] != "/srv/tools/server.py" {
		t.Errorf("CommandLine() = %q %q", cmd, args)
	}
}

func TestApplyEnv_BadNumber(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) string {
		if k == "MCP_MAX_RETRIES" {
			return "lots"
		}
		return ""
	})
	if err == nil || !strings.Contains(err.Error(), "MCP_MAX_RETRIES") {
		t.Errorf("ApplyEnv = %v, want MCP_MAX_RETRIES error", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "no command", mutate: func(c *Config) { c.Server.Command = "" }, wantErr: "server.command"},
		{name: "unbalanced quote", mutate: func(c *Config) { c.Server.Command = `python "server.py` }, wantErr: "parse server.command"},
		{name: "zero timeout", mutate: func(c *Config) { c.Client.RequestTimeoutSec = 0 }, wantErr: "request_timeout_sec"},
		{name: "negative retries", mutate: func(c *Config) { c.Client.MaxRetries = -1 }, wantErr: "max_retries"},
		{name: "bad level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: "unknown log level"},
		{name: "bad format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "log_format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Server.Command = "python3 server.py"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSlug(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"alice", "alice"},
		{"  Mary Ann  Smith ", "Mary-Ann-Smith"},
		{"dom\\user", "dom_user"},
		{"café", "caf_"},
		{"", "default"},
		{strings.Repeat("x", 80), strings.Repeat("x", 64)},
	}
	for _, tt := range tests {
		if got := Slug(tt.in); got != tt.want {
			t.Errorf("Slug(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEffectiveWorkspace(t *testing.T) {
	cfg := Default()
	if ws := cfg.EffectiveWorkspace(); !strings.HasPrefix(ws, "user-") {
		t.Errorf("default workspace = %q, want user-<user>-<dir>", ws)
	}
	cfg.Workspace = "explicit"
	if ws := cfg.EffectiveWorkspace(); ws != "explicit" {
		t.Errorf("EffectiveWorkspace() = %q, want explicit", ws)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{" debug ", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_TraceName(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace, "text")
	logger.Log(t.Context(), LevelTrace, "frame")

	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("output %q missing level=TRACE", buf.String())
	}

	buf.Reset()
	NewLogger(&buf, slog.LevelInfo, "json").Info("hello")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("json output = %q", buf.String())
	}
}

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	tests := []struct {
		in, want string
	}{
		{"~", home},
		{"~/logs/mcphost.db", filepath.Join(home, "logs", "mcphost.db")},
		{"~other/x", "~other/x"},
		{"/abs/path", "/abs/path"},
		{"rel/path", "rel/path"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoad_ExpandsHomeInPaths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("journal:\n  path: ~/mcphost/journal.db\nfallback_tools: ~/tools.jsonc\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if want := filepath.Join(home, "mcphost", "journal.db"); cfg.Journal.Path != want {
		t.Errorf("Journal.Path = %q, want %q", cfg.Journal.Path, want)
	}
	if want := filepath.Join(home, "tools.jsonc"); cfg.FallbackTools != want {
		t.Errorf("FallbackTools = %q, want %q", cfg.FallbackTools, want)
	}
}
