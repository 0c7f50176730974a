package mcp

import (
	"context"
	"fmt"
	"time"
)

// defaultStartupTimeout bounds spawn plus handshake.
const defaultStartupTimeout = 8 * time.Second

// ConnectConfig describes how to launch and greet a stdio MCP server.
type ConnectConfig struct {
	// Name identifies the server in logs.
	Name string

	// Stdio configures the subprocess.
	Stdio StdioConfig

	// Client configures request handling.
	Client ClientConfig

	// StartupTimeout bounds the initialize handshake (default 8s).
	StartupTimeout time.Duration
}

// Connect launches the server, starts a client on it, and performs the
// initialize handshake. If the handshake fails the subprocess is shut
// down before returning.
func Connect(ctx context.Context, cfg ConnectConfig) (*Client, error) {
	if cfg.Stdio.Logger == nil {
		cfg.Stdio.Logger = cfg.Client.Logger
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}

	transport := NewStdioTransport(cfg.Stdio)
	if err := transport.Start(ctx); err != nil {
		return nil, err
	}

	client := NewClient(cfg.Name, transport, cfg.Client)

	startCtx, cancel := context.WithTimeout(ctx, cfg.StartupTimeout)
	defer cancel()

	if err := client.Initialize(startCtx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect %s: %w", cfg.Name, err)
	}
	return client, nil
}
