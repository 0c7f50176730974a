// Package toolcall sits between callers and an MCP server's tools.
//
// A [SchemaCache] discovers tool schemas once and serves them from an
// atomically replaced snapshot. An [Adapter] validates tool names
// against it, injects the workspace argument, sends tools/call and
// interprets the outcome as a [Result]: Ok, Failed, or
// NeedsConfirmation. A NeedsConfirmation result carries a token that
// [Adapter.Confirm] redeems exactly once with the chosen candidate.
package toolcall
