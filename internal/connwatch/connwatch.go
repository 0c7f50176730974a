// Package connwatch tracks whether a tool server session is healthy.
//
// A Watcher probes the server with ping in two phases:
//  1. Startup: exponential backoff until the first successful probe
//     or MaxRetries attempts (500ms, 1s, 2s, ... capped at 10s).
//  2. Background: periodic polling with ready/down callbacks.
//
// A session that has disconnected never comes back (the host does not
// respawn servers), so the watcher reports it down once and stops.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Server is the part of a protocol client the watcher needs.
// [*mcp.Client] satisfies it.
type Server interface {
	Ping(ctx context.Context) error
	Disconnected() <-chan struct{}
	Err() error
}

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	// InitialDelay is the delay before the second startup probe (default: 500ms).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 10s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the maximum number of startup probes (default: 5).
	MaxRetries int

	// PollInterval is the background probe interval (default: 30s).
	PollInterval time.Duration

	// ProbeTimeout bounds each ping (default: 5s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the schedule used when fields are zero.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   5,
		PollInterval: 30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// withDefaults replaces zero-value fields with defaults.
func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Config configures a Watcher.
type Config struct {
	// Name identifies the server in logs and status.
	Name string

	// Server is probed with Ping.
	Server Server

	// Backoff controls timing. Zero fields take defaults.
	Backoff BackoffConfig

	// OnReady is called when the server becomes ready. Called in a
	// separate goroutine. Optional.
	OnReady func()

	// OnDown is called when a ready server stops answering or the
	// session ends. Called in a separate goroutine. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Status is a point-in-time health snapshot.
type Status struct {
	Name         string    `json:"name"`
	Ready        bool      `json:"ready"`
	Disconnected bool      `json:"disconnected"`
	Probes       int       `json:"probes"`
	LastCheck    time.Time `json:"last_check"`
	LastError    string    `json:"last_error,omitempty"`
}

// Watcher monitors one server session.
type Watcher struct {
	config Config
	logger *slog.Logger
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	lastErr      error
	lastCheck    time.Time
	probes       int
	disconnected bool
}

// Watch starts a watcher in a background goroutine. It runs until ctx
// is cancelled, Stop is called, or the session disconnects.
//
// Panics if Server is nil.
func Watch(ctx context.Context, cfg Config) *Watcher {
	if cfg.Server == nil {
		panic("connwatch: Config.Server must not be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		logger: logger.With("component", "connwatch", "mcp_server", cfg.Name),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(watchCtx)
	return w
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health snapshot.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:         w.config.Name,
		Ready:        w.ready.Load(),
		Disconnected: w.disconnected,
		Probes:       w.probes,
		LastCheck:    w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Done is closed when the watcher goroutine exits.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	gone := w.config.Server.Disconnected()

	// Startup: probe with exponential backoff.
	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.probe(ctx)
		if err == nil {
			w.markReady()
			w.logger.Info("tool server ready", "after_attempts", attempt)
			break
		}
		if w.checkGone(gone) {
			return
		}
		if attempt == cfg.MaxRetries {
			w.logger.Warn("tool server not ready after startup probes, polling",
				"attempts", attempt,
				"error", err,
			)
			break
		}

		w.logger.Debug("startup probe failed, retrying",
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)

		select {
		case <-ctx.Done():
			return
		case <-gone:
			w.checkGone(gone)
			return
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	// Background: poll for transitions.
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			w.checkGone(gone)
			return
		case <-ticker.C:
			err := w.probe(ctx)
			if w.checkGone(gone) {
				return
			}
			wasReady := w.ready.Load()
			switch {
			case wasReady && err != nil:
				w.markDown(err)
				w.logger.Warn("tool server stopped answering", "error", err)
			case !wasReady && err == nil:
				w.markReady()
				w.logger.Info("tool server recovered")
			case err != nil:
				w.logger.Debug("tool server still not answering", "error", err)
			}
		}
	}
}

// probe pings the server with a timeout and records the outcome.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()

	err := w.config.Server.Ping(probeCtx)

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.probes++
	w.mu.Unlock()
	return err
}

// checkGone reports whether the session has ended and, the first time
// it has, records the terminal state.
func (w *Watcher) checkGone(gone <-chan struct{}) bool {
	select {
	case <-gone:
	default:
		return false
	}

	err := w.config.Server.Err()

	w.mu.Lock()
	already := w.disconnected
	w.disconnected = true
	if err != nil {
		w.lastErr = err
	}
	w.mu.Unlock()

	if !already {
		w.logger.Warn("tool server session ended", "error", err)
		w.markDown(err)
	}
	return true
}

func (w *Watcher) markReady() {
	if w.ready.CompareAndSwap(false, true) && w.config.OnReady != nil {
		go w.config.OnReady()
	}
}

func (w *Watcher) markDown(err error) {
	if w.ready.CompareAndSwap(true, false) && w.config.OnDown != nil {
		go w.config.OnDown(err)
	}
}
