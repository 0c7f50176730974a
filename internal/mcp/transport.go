package mcp

// Transport moves whole frames between the client and a server. Framing
// (one JSON object per line) is the transport's job; correlating
// requests with responses is the [Client]'s.
//
// WriteFrame may be called from many goroutines. ReadFrame is called by
// exactly one goroutine, the client's reader.
type Transport interface {
	// WriteFrame sends one serialized frame. The transport appends the
	// delimiter. Returns [*WriteError] if the server's input is closed.
	WriteFrame(data []byte) error

	// ReadFrame blocks until one complete frame is available. It returns
	// io.EOF once the server's output has ended and [*DecodeError] for
	// bytes that are not a frame.
	ReadFrame() ([]byte, error)

	// Close shuts the server down and releases resources. It is
	// idempotent and unblocks a pending ReadFrame.
	Close() error
}

// StderrSink receives the server's diagnostic output, one line at a
// time, as it is drained.
type StderrSink interface {
	WriteStderr(line string)
}

// Direction tells a [FrameObserver] which way a frame travelled.
type Direction string

const (
	// Outbound frames were written to the server.
	Outbound Direction = "out"
	// Inbound frames were read from the server.
	Inbound Direction = "in"
)

// FrameObserver is notified of every frame the client writes or reads.
// It is called synchronously from the writing or reading goroutine and
// must not block for long.
type FrameObserver interface {
	ObserveFrame(dir Direction, data []byte)
}
