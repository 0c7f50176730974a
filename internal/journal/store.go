// Package journal records protocol traffic and server diagnostics in
// SQLite: every frame exchanged with a tool server, every stderr line it
// writes, and lifecycle events such as spawn and disconnect. Entries are
// append-only and keyed by time-ordered UUIDv7 ids.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/mcphost/internal/mcp"
)

// Kind classifies a journal entry.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
	KindStderr       Kind = "stderr"
	KindEvent        Kind = "event"
)

// Entry is one journal record.
type Entry struct {
	ID        string
	Timestamp time.Time
	Server    string
	Kind      Kind
	Direction string // "in", "out", or empty for stderr and events
	Method    string // request/notification method or event name
	RequestID *int64
	Payload   string
}

// Store is an append-only SQLite journal. All methods are safe for
// concurrent use.
type Store struct {
	db *sql.DB

	mu        sync.Mutex
	recorders []*Recorder
}

// NewStore opens (or creates) a journal database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}

	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already-open database and ensures the schema exists.
// The caller keeps ownership of db.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate journal schema: %w", err)
	}
	return s, nil
}

// Close flushes every Recorder created from the store and then closes
// the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	recorders := s.recorders
	s.recorders = nil
	s.mu.Unlock()

	for _, r := range recorders {
		r.Close()
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS journal_entries (
		id         TEXT PRIMARY KEY,
		timestamp  TEXT NOT NULL,
		server     TEXT NOT NULL,
		kind       TEXT NOT NULL,
		direction  TEXT,
		method     TEXT,
		request_id INTEGER,
		payload    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_journal_timestamp ON journal_entries(timestamp);
	CREATE INDEX IF NOT EXISTS idx_journal_kind ON journal_entries(kind);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists an entry. If e.ID is empty, a UUIDv7 is generated;
// a zero Timestamp means now.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate journal entry ID: %w", err)
		}
		e.ID = id.String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	var reqID sql.NullInt64
	if e.RequestID != nil {
		reqID = sql.NullInt64{Int64: *e.RequestID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO journal_entries
			(id, timestamp, server, kind, direction, method, request_id, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Server,
		string(e.Kind),
		e.Direction,
		e.Method,
		reqID,
		e.Payload,
	)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, server, kind, COALESCE(direction, ''), COALESCE(method, ''), request_id, payload
		 FROM journal_entries
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent journal entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e     Entry
			ts    string
			kind  string
			reqID sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &ts, &e.Server, &kind, &e.Direction, &e.Method, &reqID, &e.Payload); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		e.Kind = Kind(kind)
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if reqID.Valid {
			id := reqID.Int64
			e.RequestID = &id
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of entries of the given kind, or of all
// kinds when kind is empty.
func (s *Store) Count(ctx context.Context, kind Kind) (int, error) {
	var (
		n   int
		err error
	)
	if kind == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM journal_entries`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM journal_entries WHERE kind = ?`, string(kind)).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count journal entries: %w", err)
	}
	return n, nil
}

// Prune deletes entries recorded before cutoff and returns how many
// were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM journal_entries WHERE timestamp < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return res.RowsAffected()
}

// recorderQueueSize bounds the entries a Recorder buffers ahead of
// its writer.
const recorderQueueSize = 1024

// Recorder journals one server's traffic. It satisfies
// [mcp.FrameObserver] and [mcp.StderrSink]. Entries are queued and
// written by a single goroutine; callers never wait on the database.
// When the queue is full the entry is dropped and counted. Write
// failures are logged.
type Recorder struct {
	store  *Store
	server string
	logger *slog.Logger

	queue   chan Entry
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// Recorder returns a Recorder that tags entries with server. It is
// flushed and stopped by [Recorder.Close] or [Store.Close].
func (s *Store) Recorder(server string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:  s,
		server: server,
		logger: logger.With("component", "journal"),
		queue:  make(chan Entry, recorderQueueSize),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.recorders = append(s.recorders, r)
	s.mu.Unlock()

	go r.run()
	return r
}

// ObserveFrame records a frame written to or read from the server.
func (r *Recorder) ObserveFrame(dir mcp.Direction, data []byte) {
	e := Entry{
		Server:    r.server,
		Direction: string(dir),
		Payload:   string(data),
	}

	frame, err := mcp.DecodeFrame(data)
	switch {
	case err != nil:
		// Journal it anyway; the client reports the decode failure.
		e.Kind = KindEvent
		e.Method = "malformed_frame"
	case frame.Kind() == mcp.KindNotification:
		e.Kind = KindNotification
		e.Method = frame.Method
	case frame.Kind() == mcp.KindRequest:
		e.Kind = KindRequest
		e.Method = frame.Method
		e.RequestID = frame.ID
	default:
		e.Kind = KindResponse
		e.RequestID = frame.ID
	}

	r.record(e)
}

// WriteStderr records one line of the server's stderr.
func (r *Recorder) WriteStderr(line string) {
	r.record(Entry{Server: r.server, Kind: KindStderr, Payload: line})
}

// Event records a lifecycle event. detail is stored as JSON.
func (r *Recorder) Event(name string, detail map[string]any) {
	payload := "{}"
	if len(detail) > 0 {
		if b, err := json.Marshal(detail); err == nil {
			payload = string(b)
		}
	}
	r.record(Entry{Server: r.server, Kind: KindEvent, Method: name, Payload: payload})
}

// Dropped reports how many entries were discarded because the queue
// was full or the Recorder was closed.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting entries, waits for queued entries to be
// written, and returns. It is idempotent.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}

// record enqueues e without blocking. The timestamp is taken here so
// entries carry the time they were observed, not written.
func (r *Recorder) record(e Entry) {
	e.Timestamp = time.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- e:
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("journal queue full, dropping entries", "capacity", cap(r.queue))
		}
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.Record(ctx, e); err != nil {
			r.logger.Warn("journal write failed", "kind", e.Kind, "error", err)
		}
		cancel()
	}
	if n := r.dropped.Load(); n > 0 {
		r.logger.Warn("journal entries dropped", "count", n)
	}
}
