// Package config handles mcphost configuration loading.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/mcphost/config.yaml, /etc/mcphost/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcphost", "config.yaml"))
	}

	paths = append(paths, "/etc/mcphost/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mcphost configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Journal JournalConfig `yaml:"journal"`
	Health  HealthConfig  `yaml:"health"`

	// Workspace is injected into tool calls that accept one. Empty
	// means [DefaultWorkspace].
	Workspace string `yaml:"workspace"`

	// ConfirmationTTL bounds how long a needs_confirmation token
	// stays valid.
	ConfirmationTTL time.Duration `yaml:"confirmation_ttl"`

	// FallbackTools names a JSONC file of tool definitions used when
	// discovery fails. Optional.
	FallbackTools string `yaml:"fallback_tools"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "text" or "json"
}

// ServerConfig describes the tool server subprocess.
type ServerConfig struct {
	// Name identifies the server in logs and the journal.
	Name string `yaml:"name"`

	// Command is the executable. When Args is empty it may instead be
	// a full command line, split with shell quoting rules.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// Dir is the working directory (default: current directory).
	Dir string `yaml:"dir"`

	// Env holds extra environment variables for the subprocess.
	Env map[string]string `yaml:"env"`

	// ShutdownGraceSec is how long the server gets to exit after its
	// stdin closes before it is killed.
	ShutdownGraceSec float64 `yaml:"shutdown_grace_sec"`

	// MaxFrameBytes bounds a single protocol line (0 = default).
	MaxFrameBytes int `yaml:"max_frame_bytes"`
}

// ClientConfig tunes request handling.
type ClientConfig struct {
	RequestTimeoutSec float64 `yaml:"request_timeout_sec"`
	StartupTimeoutSec float64 `yaml:"startup_timeout_sec"`
	MaxRetries        int     `yaml:"max_retries"`
	RetryBackoffMS    int     `yaml:"retry_backoff_ms"`
}

// JournalConfig controls the SQLite traffic journal.
type JournalConfig struct {
	// Path is the database file. Empty disables the journal.
	Path string `yaml:"path"`

	// Retention prunes entries older than this at startup. Zero keeps
	// everything.
	Retention time.Duration `yaml:"retention"`
}

// HealthConfig controls background ping probing in the shell.
type HealthConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Load reads configuration from a YAML file on top of [Default].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.expandPaths()

	return cfg, nil
}

// expandPaths resolves a leading ~ in every path-valued field.
func (c *Config) expandPaths() {
	c.Server.Dir = ExpandHome(c.Server.Dir)
	c.Journal.Path = ExpandHome(c.Journal.Path)
	c.FallbackTools = ExpandHome(c.FallbackTools)
}

// ExpandHome replaces a leading ~ with the user's home directory.
// Paths without one, or "~user" forms, are returned unchanged.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name:             "mcp",
			ShutdownGraceSec: 5,
		},
		Client: ClientConfig{
			RequestTimeoutSec: 30,
			StartupTimeoutSec: 8,
			MaxRetries:        2,
			RetryBackoffMS:    200,
		},
		Journal: JournalConfig{
			Path:      filepath.Join("logs", "mcphost.db"),
			Retention: 7 * 24 * time.Hour,
		},
		Health: HealthConfig{
			PollInterval: 30 * time.Second,
		},
		ConfirmationTTL: 10 * time.Minute,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// ApplyEnv overlays MCP_* environment variables. getenv is usually
// os.Getenv.
//
//	MCP_SERVER_CMD       full server command line
//	MCP_SERVER_PY        interpreter, with MCP_SERVER_PATH as its script
//	MCP_WORKSPACE        default workspace
//	MCP_REQ_TIMEOUT_SEC  per-request timeout
//	MCP_STARTUP_TIMEOUT  spawn + initialize timeout
//	MCP_MAX_RETRIES      retries for read-only requests
//	MCP_LOG_FILE         journal database path
//	MCP_DEBUG            1/true enables debug logging
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if cmd := getenv("MCP_SERVER_CMD"); cmd != "" {
		c.Server.Command = cmd
		c.Server.Args = nil
	} else if py, script := getenv("MCP_SERVER_PY"), getenv("MCP_SERVER_PATH"); py != "" && script != "" {
		c.Server.Command = py
		c.Server.Args = []string{script}
	}

	if ws := getenv("MCP_WORKSPACE"); ws != "" {
		c.Workspace = ws
	}

	if err := envFloat(getenv, "MCP_REQ_TIMEOUT_SEC", &c.Client.RequestTimeoutSec); err != nil {
		return err
	}
	if err := envFloat(getenv, "MCP_STARTUP_TIMEOUT", &c.Client.StartupTimeoutSec); err != nil {
		return err
	}
	if v := getenv("MCP_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("MCP_MAX_RETRIES: %w", err)
		}
		c.Client.MaxRetries = n
	}

	if p := getenv("MCP_LOG_FILE"); p != "" {
		c.Journal.Path = p
	}
	if envBool(getenv("MCP_DEBUG")) {
		c.LogLevel = "debug"
	}
	c.expandPaths()
	return nil
}

func envFloat(getenv func(string) string, name string, dst *float64) error {
	v := getenv(name)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = f
	return nil
}

func envBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Validate checks that the configuration can start a session.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Command) == "" {
		return fmt.Errorf("server.command is required (or set MCP_SERVER_CMD)")
	}
	if _, _, err := c.Server.CommandLine(); err != nil {
		return err
	}
	if c.Client.RequestTimeoutSec <= 0 {
		return fmt.Errorf("client.request_timeout_sec must be positive, got %v", c.Client.RequestTimeoutSec)
	}
	if c.Client.StartupTimeoutSec <= 0 {
		return fmt.Errorf("client.startup_timeout_sec must be positive, got %v", c.Client.StartupTimeoutSec)
	}
	if c.Client.MaxRetries < 0 {
		return fmt.Errorf("client.max_retries must not be negative, got %d", c.Client.MaxRetries)
	}
	if c.ConfirmationTTL < 0 {
		return fmt.Errorf("confirmation_ttl must not be negative, got %v", c.ConfirmationTTL)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// CommandLine returns the executable and its arguments. When Args is
// empty, Command is split as a shell-quoted command line.
func (s ServerConfig) CommandLine() (string, []string, error) {
	if len(s.Args) > 0 {
		return s.Command, s.Args, nil
	}
	parts, err := shlex.Split(s.Command)
	if err != nil {
		return "", nil, fmt.Errorf("parse server.command %q: %w", s.Command, err)
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("server.command is empty")
	}
	return parts[0], parts[1:], nil
}

// Environ renders Env as KEY=VALUE pairs.
func (s ServerConfig) Environ() []string {
	env := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// ShutdownGrace returns ShutdownGraceSec as a duration.
func (s ServerConfig) ShutdownGrace() time.Duration {
	return seconds(s.ShutdownGraceSec)
}

// RequestTimeout returns RequestTimeoutSec as a duration.
func (c ClientConfig) RequestTimeout() time.Duration {
	return seconds(c.RequestTimeoutSec)
}

// StartupTimeout returns StartupTimeoutSec as a duration.
func (c ClientConfig) StartupTimeout() time.Duration {
	return seconds(c.StartupTimeoutSec)
}

// RetryBackoff returns RetryBackoffMS as a duration.
func (c ClientConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMS) * time.Millisecond
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// EffectiveWorkspace returns the configured workspace or the default.
func (c *Config) EffectiveWorkspace() string {
	if c.Workspace != "" {
		return c.Workspace
	}
	return DefaultWorkspace()
}

// DefaultWorkspace derives "user-<user>-<dir>" from the current user
// and the base name of the working directory.
func DefaultWorkspace() string {
	name := os.Getenv("USER")
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	dir := "host"
	if wd, err := os.Getwd(); err == nil {
		dir = filepath.Base(wd)
	}
	return "user-" + Slug(name) + "-" + Slug(dir)
}

var (
	slugSpace   = regexp.MustCompile(`\s+`)
	slugInvalid = regexp.MustCompile(`[^A-Za-z0-9._\-]`)
)

// Slug makes s safe for use in a workspace id: whitespace runs become
// "-", other characters outside [A-Za-z0-9._-] become "_", and the
// result is capped at 64 bytes. An empty result is "default".
func Slug(s string) string {
	s = strings.TrimSpace(s)
	s = slugSpace.ReplaceAllString(s, "-")
	s = slugInvalid.ReplaceAllString(s, "_")
	if len(s) > 64 {
		s = s[:64]
	}
	if s == "" {
		return "default"
	}
	return s
}
