// Package mcp implements the host side of MCP (Model Context Protocol)
// over a subprocess's standard streams.
//
// MCP uses JSON-RPC 2.0, one JSON object per line. A [StdioTransport]
// owns the server subprocess and moves whole frames; a [Correlator]
// matches responses to outstanding requests by id; a [Client] drives
// both, so many goroutines can have requests in flight at once while a
// single reader goroutine drains the server's output.
//
// Once the server's output ends, every pending and future call fails
// with an error matching [ErrDisconnected]. The client never restarts
// the server.
package mcp
