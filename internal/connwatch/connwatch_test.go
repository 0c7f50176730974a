package connwatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/mcphost/internal/mcp"
)

// testBackoff returns a fast backoff config for tests.
func testBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxRetries:   5,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

// fakeServer answers Ping with whatever ping returns and can be
// disconnected.
type fakeServer struct {
	ping  func(n int32) error
	pings atomic.Int32

	once sync.Once
	gone chan struct{}
	err  error
}

func newFakeServer(ping func(n int32) error) *fakeServer {
	return &fakeServer{ping: ping, gone: make(chan struct{})}
}

func (s *fakeServer) Ping(ctx context.Context) error {
	n := s.pings.Add(1)
	select {
	case <-s.gone:
		return s.err
	default:
	}
	return s.ping(n)
}

func (s *fakeServer) Disconnected() <-chan struct{} { return s.gone }

func (s *fakeServer) Err() error {
	select {
	case <-s.gone:
		return s.err
	default:
		return nil
	}
}

func (s *fakeServer) disconnect() {
	s.once.Do(func() {
		s.err = &mcp.DisconnectedError{}
		close(s.gone)
	})
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestDefaultBackoffConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultBackoffConfig()

	if cfg.InitialDelay != 500*time.Millisecond {
		t.Errorf("InitialDelay = %v, want 500ms", cfg.InitialDelay)
	}
	if cfg.MaxDelay != 10*time.Second {
		t.Errorf("MaxDelay = %v, want 10s", cfg.MaxDelay)
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.MaxRetries)
	}
	if cfg.PollInterval != 30*time.Second {
		t.Errorf("PollInterval = %v, want 30s", cfg.PollInterval)
	}
}

func TestBackoffWithDefaults(t *testing.T) {
	t.Parallel()
	got := BackoffConfig{MaxRetries: 2}.withDefaults()
	if got.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want 2 (explicit value kept)", got.MaxRetries)
	}
	if got.InitialDelay != DefaultBackoffConfig().InitialDelay {
		t.Errorf("InitialDelay = %v, want default", got.InitialDelay)
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var readyCalled atomic.Int32
	w := Watch(ctx, Config{
		Name:    "immediate",
		Server:  newFakeServer(func(int32) error { return nil }),
		Backoff: testBackoff(),
		OnReady: func() { readyCalled.Add(1) },
	})
	defer w.Stop()

	waitUntil(t, "ready", w.IsReady)
	waitUntil(t, "OnReady", func() bool { return readyCalled.Load() == 1 })

	if w.LastError() != nil {
		t.Errorf("LastError = %v, want nil", w.LastError())
	}
}

func TestWatcher_BackoffThenSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := newFakeServer(func(n int32) error {
		if n <= 3 {
			return &mcp.TimeoutError{Method: "ping"}
		}
		return nil
	})

	var readyCalled atomic.Int32
	w := Watch(ctx, Config{
		Name:    "backoff",
		Server:  srv,
		Backoff: testBackoff(),
		OnReady: func() { readyCalled.Add(1) },
	})
	defer w.Stop()

	waitUntil(t, "ready", w.IsReady)
	waitUntil(t, "OnReady", func() bool { return readyCalled.Load() == 1 })
	if n := srv.pings.Load(); n < 4 {
		t.Errorf("pings = %d, want at least 4", n)
	}
}

func TestWatcher_ExhaustsRetriesThenRecovers(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var healthy atomic.Bool
	srv := newFakeServer(func(int32) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("not yet")
	})

	w := Watch(ctx, Config{Name: "slow", Server: srv, Backoff: testBackoff()})
	defer w.Stop()

	waitUntil(t, "startup probes", func() bool { return srv.pings.Load() >= 5 })
	if w.IsReady() {
		t.Fatal("ready while server failing")
	}

	healthy.Store(true)
	waitUntil(t, "recovery in background polling", w.IsReady)
}

func TestWatcher_ReadyThenDown(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var failing atomic.Bool
	srv := newFakeServer(func(int32) error {
		if failing.Load() {
			return &mcp.TimeoutError{Method: "ping"}
		}
		return nil
	})

	downErr := make(chan error, 1)
	w := Watch(ctx, Config{
		Name:    "flaky",
		Server:  srv,
		Backoff: testBackoff(),
		OnDown:  func(err error) { downErr <- err },
	})
	defer w.Stop()

	waitUntil(t, "ready", w.IsReady)
	failing.Store(true)

	select {
	case err := <-downErr:
		if !errors.Is(err, mcp.ErrTimeout) {
			t.Errorf("OnDown error = %v, want ErrTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnDown not called")
	}
	if w.IsReady() {
		t.Error("still ready after OnDown")
	}
}

func TestWatcher_DisconnectIsTerminal(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := newFakeServer(func(int32) error { return nil })

	downErr := make(chan error, 1)
	w := Watch(ctx, Config{
		Name:    "crashy",
		Server:  srv,
		Backoff: testBackoff(),
		OnDown:  func(err error) { downErr <- err },
	})

	waitUntil(t, "ready", w.IsReady)
	srv.disconnect()

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher still running after disconnect")
	}

	select {
	case err := <-downErr:
		if !errors.Is(err, mcp.ErrDisconnected) {
			t.Errorf("OnDown error = %v, want ErrDisconnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnDown not called on disconnect")
	}

	st := w.Status()
	if st.Ready || !st.Disconnected {
		t.Errorf("Status = %+v, want down and disconnected", st)
	}

	// No probing after the terminal state.
	n := srv.pings.Load()
	time.Sleep(30 * time.Millisecond)
	if srv.pings.Load() != n {
		t.Error("watcher kept probing after disconnect")
	}
}

func TestWatcher_StopCancels(t *testing.T) {
	t.Parallel()

	srv := newFakeServer(func(int32) error { return errors.New("down") })
	w := Watch(context.Background(), Config{Name: "stop", Server: srv, Backoff: testBackoff()})

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestWatcher_Status(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := Watch(ctx, Config{
		Name:    "status",
		Server:  newFakeServer(func(int32) error { return errors.New("refused") }),
		Backoff: testBackoff(),
	})
	defer w.Stop()

	waitUntil(t, "a probe", func() bool { return w.Status().Probes > 0 })

	st := w.Status()
	if st.Name != "status" {
		t.Errorf("Name = %q", st.Name)
	}
	if st.LastError != "refused" {
		t.Errorf("LastError = %q, want refused", st.LastError)
	}
	if st.LastCheck.IsZero() {
		t.Error("LastCheck is zero")
	}
}

func TestWatch_NilServerPanics(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Error("Watch with nil Server did not panic")
		}
	}()
	Watch(context.Background(), Config{Name: "nil"})
}
