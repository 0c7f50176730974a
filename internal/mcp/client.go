package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/mcphost/internal/buildinfo"
	"github.com/nugget/mcphost/internal/config"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2024-11-05"

const (
	defaultRequestTimeout = 30 * time.Second
	defaultRetryBackoff   = 200 * time.Millisecond
)

// readOnlyMethods are safe to resend after a timeout or write failure.
// Anything else may have side effects on the server and is sent once.
var readOnlyMethods = map[string]bool{
	"tools/list": true,
	"ping":       true,
}

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallToolResult is the standard shape of a tools/call result. Servers
// that return a bare payload decode to a zero CallToolResult.
type CallToolResult struct {
	Content           []ContentBlock  `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// Text joins the result's content blocks into a single string.
func (r *CallToolResult) Text() string {
	return extractText(r.Content)
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// ServerInfo identifies the server, as reported during initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// serverCapabilities describes what an MCP server supports.
type serverCapabilities struct {
	Tools *struct{} `json:"tools,omitempty"`
}

// initializeResult is the full initialize response result.
type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
	Capabilities    serverCapabilities `json:"capabilities"`
}

// NotificationHandler receives server notifications. It runs on the
// reader goroutine and must not block.
type NotificationHandler func(method string, params json.RawMessage)

// ClientConfig tunes request handling.
type ClientConfig struct {
	// RequestTimeout applies when Call is given no timeout (default 30s).
	RequestTimeout time.Duration

	// MaxRetries is how many extra attempts read-only methods get after
	// a timeout or write failure. Zero disables retries.
	MaxRetries int

	// RetryBackoff is the linear backoff step: attempt n waits
	// n*RetryBackoff before resending (default 200ms).
	RetryBackoff time.Duration

	// Observer sees every frame written and read. Optional.
	Observer FrameObserver

	// Logger is the structured logger. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Client connects to a single MCP server. Any number of goroutines may
// call concurrently; a single background reader routes responses back
// to their callers by request id.
type Client struct {
	name      string
	transport Transport
	config    ClientConfig
	logger    *slog.Logger
	corr      *Correlator

	notifyMu sync.RWMutex
	onNotify NotificationHandler

	ready        atomic.Bool
	discOnce     sync.Once
	discErr      error
	disconnected chan struct{}
	readerDone   chan struct{}

	mu         sync.RWMutex
	serverInfo ServerInfo
}

// NewClient creates an MCP client for the given server and starts its
// reader goroutine. The transport must already be connected.
func NewClient(name string, transport Transport, cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("mcp_server", name)

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	c := &Client{
		name:         name,
		transport:    transport,
		config:       cfg,
		logger:       logger,
		corr:         NewCorrelator(logger),
		disconnected: make(chan struct{}),
		readerDone:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Name returns the server name this client is connected to.
func (c *Client) Name() string {
	return c.name
}

// SetNotificationHandler registers h for server notifications. Passing
// nil drops notifications.
func (c *Client) SetNotificationHandler(h NotificationHandler) {
	c.notifyMu.Lock()
	c.onNotify = h
	c.notifyMu.Unlock()
}

// Ready reports whether the server has answered at least one request.
func (c *Client) Ready() bool {
	return c.ready.Load()
}

// Disconnected returns a channel that is closed once the server's
// output has ended. The client is unusable from then on.
func (c *Client) Disconnected() <-chan struct{} {
	return c.disconnected
}

// Err returns the [*DisconnectedError] once the client has
// disconnected, and nil before.
func (c *Client) Err() error {
	select {
	case <-c.disconnected:
		return c.discErr
	default:
		return nil
	}
}

// Pending returns the number of requests awaiting a response.
func (c *Client) Pending() int {
	return c.corr.Len()
}

// ServerInfo returns the server identity captured by Initialize.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Call sends a request and blocks until its response arrives, the
// timeout elapses, or ctx is done. A zero timeout uses the configured
// RequestTimeout. Server error objects are returned as [*RPCError].
//
// Read-only methods are retried with linear backoff on timeout or write
// failure; everything else is attempted exactly once.
func (c *Client) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.config.RequestTimeout
	}

	attempts := 1
	if readOnlyMethods[method] {
		attempts += c.config.MaxRetries
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := time.Duration(attempt-1) * c.config.RetryBackoff
			c.logger.Debug("retrying MCP request",
				"method", method,
				"attempt", attempt,
				"delay", delay,
				"error", lastErr,
			)
			if !sleepCtx(ctx, delay) {
				return nil, ctx.Err()
			}
		}

		result, err := c.roundTrip(ctx, method, params, timeout)
		if err == nil || !retryable(err) {
			return result, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// roundTrip performs one request/response exchange.
func (c *Client) roundTrip(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}

	id := c.corr.NextID()
	data, err := json.Marshal(NewRequest(id, method, params))
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	// Register before writing so a fast response is never unmatched.
	p, err := c.corr.Register(id)
	if err != nil {
		return nil, err
	}

	if err := c.write(ctx, data); err != nil {
		c.corr.Forget(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.Done():
	case <-timer.C:
		if c.corr.Forget(id) {
			c.logger.Warn("MCP request timed out", "method", method, "id", id, "timeout", timeout)
			return nil, &TimeoutError{Method: method, ID: id, Timeout: timeout}
		}
		// Resolved while the timer fired; take the result.
		<-p.Done()
	case <-ctx.Done():
		if c.corr.Forget(id) {
			return nil, ctx.Err()
		}
		<-p.Done()
	}

	resp, err := p.Result()
	if err != nil {
		return nil, err
	}

	c.ready.Store(true)
	c.logger.Debug("MCP request completed",
		"method", method,
		"id", id,
		"elapsed", time.Since(p.SentAt).Round(time.Millisecond),
	)

	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Notify sends a notification. No response is expected.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	if err := c.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal %s notification: %w", method, err)
	}
	return c.write(ctx, data)
}

// write hands one frame to the transport.
func (c *Client) write(ctx context.Context, data []byte) error {
	if c.config.Observer != nil {
		c.config.Observer.ObserveFrame(Outbound, data)
	}
	c.logger.Log(ctx, config.LevelTrace, "MCP frame out", "json", string(data))
	return c.transport.WriteFrame(data)
}

// readLoop is the only goroutine that reads from the transport. It
// routes responses to the correlator, notifications to the handler, and
// answers server-originated requests. When the stream ends it fails all
// pending calls and leaves the client disconnected.
func (c *Client) readLoop() {
	defer close(c.readerDone)

	for {
		data, err := c.transport.ReadFrame()
		if err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				c.logger.Warn("dropping malformed MCP frame", "error", err)
				continue
			}
			c.disconnect(err)
			return
		}

		if c.config.Observer != nil {
			c.config.Observer.ObserveFrame(Inbound, data)
		}
		c.logger.Log(context.Background(), config.LevelTrace, "MCP frame in", "json", string(data))

		frame, err := DecodeFrame(data)
		if err != nil {
			c.logger.Warn("dropping malformed MCP frame", "error", err)
			continue
		}

		switch frame.Kind() {
		case KindResponse:
			c.corr.Resolve(frame.Response())
		case KindNotification:
			c.dispatchNotification(frame)
		case KindRequest:
			// Reply off the reader goroutine: a write can block while
			// the server is itself blocked writing to us.
			go c.answerServerRequest(frame)
		}
	}
}

// disconnect moves the client into its terminal state exactly once.
func (c *Client) disconnect(cause error) {
	c.discOnce.Do(func() {
		err := &DisconnectedError{Cause: cause}
		c.discErr = err
		c.corr.AbandonAll(err)
		close(c.disconnected)
		c.logger.Info("MCP server disconnected", "cause", cause)
	})
}

// dispatchNotification hands a notification to the registered handler.
func (c *Client) dispatchNotification(f *Frame) {
	c.notifyMu.RLock()
	h := c.onNotify
	c.notifyMu.RUnlock()

	if h == nil {
		c.logger.Debug("dropping MCP notification, no handler", "method", f.Method)
		return
	}
	h(f.Method, f.Params)
}

// answerServerRequest replies to a request the server sent us. Only
// ping is understood.
func (c *Client) answerServerRequest(f *Frame) {
	resp := Response{JSONRPC: jsonrpcVersion, ID: *f.ID}
	if f.Method == "ping" {
		resp.Result = json.RawMessage("{}")
	} else {
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + f.Method}
	}

	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Warn("marshal reply to server request", "method", f.Method, "error", err)
		return
	}
	if err := c.write(context.Background(), data); err != nil {
		c.logger.Debug("reply to server request failed", "method", f.Method, "error", err)
	}
}

// Initialize performs the MCP handshake: sends an initialize request
// and then the notifications/initialized notification.
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    buildinfo.Name,
			"version": buildinfo.Version,
		},
	}

	raw, err := c.Call(ctx, "initialize", params, 0)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	// Send the initialized notification to complete the handshake.
	if err := c.Notify(ctx, "notifications/initialized", nil); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	return nil
}

// ListTools calls tools/list and returns the available tool definitions.
// It always goes to the server; caching belongs to the caller.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	raw, err := c.Call(ctx, "tools/list", map[string]any{}, 0)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
	}

	c.logger.Info("discovered MCP tools", "count", len(result.Tools))
	return result.Tools, nil
}

// CallTool invokes a tool by name and returns the raw result payload.
// Protocol-level failures are returned as [*RPCError].
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if name == "" {
		return nil, errors.New("tools/call: empty tool name")
	}
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	raw, err := c.Call(ctx, "tools/call", params, 0)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	return raw, nil
}

// Ping checks whether the MCP server is responsive. Used by connwatch
// for health monitoring.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, "ping", nil, 0)
	return err
}

// Close shuts down the transport and waits for the reader to exit.
func (c *Client) Close() error {
	c.logger.Info("closing MCP client")
	err := c.transport.Close()
	<-c.readerDone
	return err
}

// ParseCallToolResult decodes a tools/call payload into the standard
// result shape. Payloads that are not JSON objects decode to a zero
// result.
func ParseCallToolResult(raw json.RawMessage) CallToolResult {
	var result CallToolResult
	_ = json.Unmarshal(raw, &result)
	return result
}

// extractText joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
