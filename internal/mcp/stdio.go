package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"
)

const (
	// defaultGracePeriod is how long Close waits for the subprocess to
	// exit after its stdin is closed before killing it.
	defaultGracePeriod = 5 * time.Second

	// defaultMaxFrameBytes bounds a single stdout line.
	defaultMaxFrameBytes = 16 << 20

	// Stderr lines are always handed to the sink, but only this many
	// per second (with a small burst) reach the logger.
	stderrLogEvery = 50 * time.Millisecond
	stderrLogBurst = 20

	// exitDrainGrace is how long the reader keeps draining stdout after
	// the subprocess exits. A grandchild that inherited stdout would
	// otherwise hold the pipe open and the reader would never see EOF.
	exitDrainGrace = 250 * time.Millisecond
)

var (
	errFrameTooLarge    = errors.New("frame exceeds size limit")
	errSubprocessExited = errors.New("subprocess exited")
	errInvalidUTF8      = errors.New("frame is not valid UTF-8")
	errInvalidJSON      = errors.New("frame is not valid JSON")
)

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Dir is the subprocess working directory. Empty means the host's
	// current directory.
	Dir string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// GracePeriod bounds how long Close waits for a clean exit
	// (default 5s).
	GracePeriod time.Duration

	// MaxFrameBytes bounds a single frame (default 16 MiB).
	MaxFrameBytes int

	// Stderr receives every line the subprocess writes to stderr.
	// Optional.
	Stderr StderrSink

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. JSON-RPC messages are newline-delimited on stdin/stdout.
//
// The three standard streams are plain OS pipes owned by the transport,
// so the reader goroutine and the goroutine waiting on the process never
// race over pipe closure.
type StdioTransport struct {
	config  StdioConfig
	logger  *slog.Logger
	limiter *rate.Limiter

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	reader *bufio.Reader
	closed bool

	done    chan struct{}
	exitErr error

	closeOnce sync.Once
	closeErr  error
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until Start is called.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = defaultMaxFrameBytes
	}
	return &StdioTransport{
		config:  cfg,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(stderrLogEvery), stderrLogBurst),
		done:    make(chan struct{}),
	}
}

// Start launches the subprocess. The subprocess lifecycle is
// independent of ctx: ctx is only checked before spawning, and the
// process survives until Close or until it exits on its own.
func (t *StdioTransport) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return &SpawnError{Command: t.config.Command, Err: os.ErrClosed}
	}
	if t.cmd != nil {
		return fmt.Errorf("stdio transport for %s already started", t.config.Command)
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
		"dir", t.config.Dir,
	)

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return &SpawnError{Command: t.config.Command, Err: fmt.Errorf("create stdin pipe: %w", err)}
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeFiles(stdinR, stdinW)
		return &SpawnError{Command: t.config.Command, Err: fmt.Errorf("create stdout pipe: %w", err)}
	}
	// Capture stderr separately; it is diagnostics, not protocol.
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeFiles(stdinR, stdinW, stdoutR, stdoutW)
		return &SpawnError{Command: t.config.Command, Err: fmt.Errorf("create stderr pipe: %w", err)}
	}

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Dir = t.config.Dir
	cmd.Env = append(os.Environ(), t.config.Env...)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeFiles(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return &SpawnError{Command: t.config.Command, Err: err}
	}

	// The child holds its own copies of these ends.
	closeFiles(stdinR, stdoutW, stderrW)

	t.cmd = cmd
	t.stdin = stdinW
	t.stdout = stdoutR
	t.reader = bufio.NewReaderSize(stdoutR, 64<<10)

	go t.drainStderr(stderrR)
	go t.wait(cmd, stdoutR)

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// wait reaps the subprocess, closes done, and bounds how much longer
// reads from stdout may block.
func (t *StdioTransport) wait(cmd *exec.Cmd, stdout *os.File) {
	err := cmd.Wait()
	t.exitErr = err
	close(t.done)

	// The read deadline surfaces as io.EOF from ReadFrame.
	if err := stdout.SetReadDeadline(time.Now().Add(exitDrainGrace)); err != nil && !errors.Is(err, os.ErrClosed) {
		t.logger.Debug("set stdout drain deadline failed", "error", err)
	}

	t.logger.Info("MCP subprocess exited",
		"pid", cmd.Process.Pid,
		"status", cmd.ProcessState.String(),
	)
}

// drainStderr reads stderr lines, hands them to the sink, and logs a
// rate-limited subset at debug level. Draining never stops early, or a
// chatty subprocess would block on a full pipe.
func (t *StdioTransport) drainStderr(r *os.File) {
	defer r.Close()

	suppressed := 0
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if t.config.Stderr != nil {
			t.config.Stderr.WriteStderr(line)
		}
		if !t.limiter.Allow() {
			suppressed++
			continue
		}
		if suppressed > 0 {
			t.logger.Debug("MCP subprocess stderr", "line", line, "suppressed", suppressed)
			suppressed = 0
			continue
		}
		t.logger.Debug("MCP subprocess stderr", "line", line)
	}
	if err := scanner.Err(); err != nil {
		t.logger.Debug("MCP subprocess stderr unreadable, discarding remainder", "error", err)
		_, _ = io.Copy(io.Discard, r)
	}
}

// WriteFrame writes data followed by a newline to the subprocess stdin.
func (t *StdioTransport) WriteFrame(data []byte) error {
	if bytes.IndexByte(data, '\n') >= 0 {
		return &WriteError{Err: errors.New("frame contains a newline")}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stdin == nil {
		return &WriteError{Err: os.ErrClosed}
	}
	select {
	case <-t.done:
		return &WriteError{Err: errSubprocessExited}
	default:
	}

	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	if _, err := t.stdin.Write(buf); err != nil {
		return &WriteError{Err: err}
	}
	return nil
}

// ReadFrame returns the next non-blank line from the subprocess stdout.
// Only one goroutine may call ReadFrame.
func (t *StdioTransport) ReadFrame() ([]byte, error) {
	t.mu.Lock()
	reader := t.reader
	t.mu.Unlock()

	if reader == nil {
		return nil, io.EOF
	}

	for {
		line, err := t.readLine(reader)
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if !utf8.Valid(line) {
			return nil, &DecodeError{Line: line, Err: errInvalidUTF8}
		}
		if !json.Valid(line) {
			return nil, &DecodeError{Line: line, Err: errInvalidJSON}
		}
		return line, nil
	}
}

// readLine reads up to and including the next newline. Lines over the
// size limit are consumed in full and reported as a DecodeError so the
// stream stays aligned on frame boundaries.
func (t *StdioTransport) readLine(reader *bufio.Reader) ([]byte, error) {
	var buf []byte
	tooLong := false

	for {
		chunk, err := reader.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(chunk) > t.config.MaxFrameBytes {
				tooLong = true
				if len(buf) < 256 {
					buf = append(buf, chunk[:min(len(chunk), 256-len(buf))]...)
				}
			} else {
				buf = append(buf, chunk...)
			}
		}

		switch {
		case err == nil:
			if tooLong {
				return nil, &DecodeError{Line: buf, Err: errFrameTooLarge}
			}
			return buf, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(buf) > 0 && !tooLong:
			// Unterminated final line: deliver it, EOF follows.
			return buf, nil
		default:
			return nil, normalizeReadErr(err)
		}
	}
}

// normalizeReadErr maps the ways a pipe can end onto io.EOF.
func normalizeReadErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, fs.ErrClosed) || errors.Is(err, os.ErrClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return io.EOF
	}
	return fmt.Errorf("read from subprocess stdout: %w", err)
}

// Done returns a channel that is closed once the subprocess has exited.
// It never closes if the subprocess was not started.
func (t *StdioTransport) Done() <-chan struct{} {
	return t.done
}

// ExitErr returns the subprocess exit error once it has exited.
func (t *StdioTransport) ExitErr() error {
	select {
	case <-t.done:
		return t.exitErr
	default:
		return nil
	}
}

// Pid returns the subprocess id, or 0 if not started.
func (t *StdioTransport) Pid() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// Close terminates the subprocess and releases resources. It closes
// stdin, waits up to the grace period for a clean exit, then kills the
// process. Close is idempotent.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.stop()
	})
	return t.closeErr
}

// stop performs the shutdown sequence once.
func (t *StdioTransport) stop() error {
	t.mu.Lock()
	t.closed = true
	cmd := t.cmd
	t.mu.Unlock()

	if cmd == nil {
		return nil
	}

	pid := cmd.Process.Pid
	t.logger.Info("stopping MCP subprocess", "pid", pid)

	// Closing stdin signals the subprocess to exit. os.File.Close is
	// safe alongside a blocked Write, which then fails.
	t.stdin.Close()

	timer := time.NewTimer(t.config.GracePeriod)
	defer timer.Stop()

	var err error
	select {
	case <-t.done:
		err = t.exitErr
	case <-timer.C:
		t.logger.Warn("MCP subprocess did not exit gracefully, killing", "pid", pid)
		_ = cmd.Process.Kill()
		<-t.done
	}

	// A grandchild may still hold stdout open; closing our end
	// unblocks the reader either way.
	t.stdout.Close()
	return err
}

// closeFiles closes every non-nil file, ignoring errors.
func closeFiles(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}
