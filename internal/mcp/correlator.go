package mcp

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Pending is a request waiting for its response. It is resolved exactly
// once: by a matching response, or by [Correlator.AbandonAll].
type Pending struct {
	ID     int64
	SentAt time.Time

	done chan struct{}
	resp *Response
	err  error
}

// Done returns a channel that is closed when the request is resolved.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the resolved response or error. It must only be called
// after Done is closed.
func (p *Pending) Result() (*Response, error) {
	return p.resp, p.err
}

// Wait blocks until the request is resolved or ctx is done.
func (p *Pending) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Correlator matches responses to outstanding requests by id. All
// methods are safe for concurrent use; the pending map is guarded by a
// single mutex.
type Correlator struct {
	logger *slog.Logger

	mu        sync.Mutex
	next      int64
	pending   map[int64]*Pending
	abandoned error
}

// NewCorrelator creates an empty correlator.
func NewCorrelator(logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		logger:  logger,
		pending: make(map[int64]*Pending),
	}
}

// NextID returns a fresh request id. Ids increase monotonically and are
// never reused for the life of the correlator.
func (c *Correlator) NextID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	return c.next
}

// Register records a pending request for id. Register it before the
// request is written so a fast response cannot arrive unmatched. Once
// AbandonAll has run, Register fails with the abandonment error.
func (c *Correlator) Register(id int64) (*Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.abandoned != nil {
		return nil, c.abandoned
	}

	p := &Pending{
		ID:     id,
		SentAt: time.Now(),
		done:   make(chan struct{}),
	}
	c.pending[id] = p
	return p, nil
}

// Resolve delivers resp to the request with the same id and wakes its
// waiter. Unknown ids (late responses after a timeout, duplicates, or
// ids the client never issued) are logged and ignored. Resolve reports
// whether a pending request was resolved.
func (c *Correlator) Resolve(resp *Response) bool {
	c.mu.Lock()
	p, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping response for unknown request id", "id", resp.ID)
		return false
	}

	p.resp = resp
	close(p.done)
	return true
}

// Forget removes a pending request without resolving it, typically
// after its caller gave up waiting. It returns false if the request was
// already resolved, in which case the caller should use its result.
func (c *Correlator) Forget(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

// AbandonAll fails every outstanding request with err and refuses new
// registrations. Only the first call has any effect.
func (c *Correlator) AbandonAll(err error) {
	c.mu.Lock()
	if c.abandoned != nil {
		c.mu.Unlock()
		return
	}
	c.abandoned = err
	orphans := c.pending
	c.pending = make(map[int64]*Pending)
	c.mu.Unlock()

	if len(orphans) > 0 {
		c.logger.Info("abandoning pending requests", "count", len(orphans), "error", err)
	}
	for _, p := range orphans {
		p.err = err
		close(p.done)
	}
}

// Len returns the number of outstanding requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
