package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/journal"
	"github.com/nugget/mcphost/internal/mcp"
	"github.com/nugget/mcphost/internal/toolcall"
)

// session is one connected tool server with everything wired around it.
type session struct {
	cfg       *config.Config
	logger    *slog.Logger
	client    *mcp.Client
	adapter   *toolcall.Adapter
	journal   *journal.Store    // nil when journaling is disabled
	recorder  *journal.Recorder // nil when journaling is disabled
	workspace string

	// watchDone closes once the disconnect has been journaled.
	watchDone chan struct{}
}

// withSession opens a session, runs fn, and shuts the session down.
func withSession(ctx context.Context, stderr io.Writer, opts options, fn func(*session) error) error {
	s, err := openSession(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

// openSession loads configuration, opens the journal, launches the
// server, and builds the call adapter.
func openSession(ctx context.Context, stderr io.Writer, opts options) (*session, error) {
	cfg, cfgPath, err := loadConfig(opts.configPath, os.Getenv)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.workspace != "" {
		cfg.Workspace = opts.workspace
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(stderr, level, cfg.LogFormat).With("server", cfg.Server.Name)
	if cfgPath != "" {
		logger.Debug("config loaded", "path", cfgPath)
	} else {
		logger.Debug("no config file found, using defaults and environment")
	}

	s := &session{
		cfg:       cfg,
		logger:    logger,
		workspace: cfg.EffectiveWorkspace(),
	}

	if cfg.Journal.Path != "" {
		if err := s.openJournal(ctx); err != nil {
			return nil, err
		}
	}

	command, args, err := cfg.Server.CommandLine()
	if err != nil {
		s.closeJournal()
		return nil, err
	}

	stdioCfg := mcp.StdioConfig{
		Command:       command,
		Args:          args,
		Dir:           cfg.Server.Dir,
		Env:           cfg.Server.Environ(),
		GracePeriod:   cfg.Server.ShutdownGrace(),
		MaxFrameBytes: cfg.Server.MaxFrameBytes,
		Logger:        logger,
	}
	clientCfg := mcp.ClientConfig{
		RequestTimeout: cfg.Client.RequestTimeout(),
		MaxRetries:     cfg.Client.MaxRetries,
		RetryBackoff:   cfg.Client.RetryBackoff(),
		Logger:         logger,
	}
	// Assigned only when set so the interfaces never hold a nil pointer.
	if s.recorder != nil {
		stdioCfg.Stderr = s.recorder
		clientCfg.Observer = s.recorder
	}

	logger.Info("starting tool server", "command", command, "args", args)
	client, err := mcp.Connect(ctx, mcp.ConnectConfig{
		Name:           cfg.Server.Name,
		Stdio:          stdioCfg,
		Client:         clientCfg,
		StartupTimeout: cfg.Client.StartupTimeout(),
	})
	if err != nil {
		s.event("connect_failed", map[string]any{"error": err.Error()})
		s.closeJournal()
		return nil, err
	}
	s.client = client

	info := client.ServerInfo()
	logger.Info("tool server ready", "name", info.Name, "version", info.Version)
	s.event("connected", map[string]any{
		"command":        command,
		"server_name":    info.Name,
		"server_version": info.Version,
		"workspace":      s.workspace,
	})

	s.watchDone = make(chan struct{})
	rec := s.recorder
	go func() {
		defer close(s.watchDone)
		<-client.Disconnected()
		logger.Info("tool server disconnected", "cause", client.Err())
		if rec != nil {
			rec.Event("disconnected", map[string]any{"cause": fmt.Sprint(client.Err())})
		}
	}()

	s.adapter = toolcall.NewAdapter(client, toolcall.AdapterConfig{
		Workspace:       s.workspace,
		ConfirmationTTL: cfg.ConfirmationTTL,
		FallbackPath:    cfg.FallbackTools,
		Logger:          logger,
	})
	return s, nil
}

// openJournal opens the traffic journal and prunes entries past the
// retention window.
func (s *session) openJournal(ctx context.Context) error {
	path := s.cfg.Journal.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create journal directory: %w", err)
	}
	store, err := journal.NewStore(path)
	if err != nil {
		return fmt.Errorf("open journal %s: %w", path, err)
	}

	if ret := s.cfg.Journal.Retention; ret > 0 {
		n, err := store.Prune(ctx, time.Now().Add(-ret))
		if err != nil {
			s.logger.Warn("journal prune failed", "error", err)
		} else if n > 0 {
			s.logger.Debug("journal pruned", "entries", n, "retention", ret)
		}
	}

	s.journal = store
	s.recorder = store.Recorder(s.cfg.Server.Name, s.logger)
	return nil
}

// event journals a lifecycle event when the journal is enabled.
func (s *session) event(name string, detail map[string]any) {
	if s.recorder != nil {
		s.recorder.Event(name, detail)
	}
}

func (s *session) closeJournal() {
	if s.journal == nil {
		return
	}
	if err := s.journal.Close(); err != nil {
		s.logger.Warn("journal close failed", "error", err)
	}
	s.journal = nil
	s.recorder = nil
}

// Close shuts the server down, then flushes and closes the journal.
func (s *session) Close() error {
	var err error
	if s.client != nil {
		err = s.client.Close()
		// Let the disconnect event land before the journal closes.
		select {
		case <-s.watchDone:
		case <-time.After(2 * time.Second):
		}
	}
	s.closeJournal()
	return err
}
