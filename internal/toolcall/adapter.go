package toolcall

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/mcphost/internal/mcp"
)

const (
	// DefaultConfirmationTTL is how long an unanswered confirmation
	// token stays valid.
	DefaultConfirmationTTL = 10 * time.Minute

	// CandidateIndexKey is merged into the original arguments when a
	// confirmation is resubmitted.
	CandidateIndexKey = "candidate_index"

	// CandidateIDKey carries the chosen candidate's id on resubmission
	// when the tool declares it.
	CandidateIDKey = "candidate_id"

	statusNeedsConfirmation = "needs_confirmation"
)

// Failed result codes for outcomes that carry no JSON-RPC error code.
const (
	// CodeToolError marks a result the tool itself flagged with isError.
	CodeToolError = -32000
	// CodeRepeatedConfirmation marks a confirm round that asked for
	// confirmation again.
	CodeRepeatedConfirmation = -32001
)

// Caller invokes a tool. [*mcp.Client] satisfies it.
type Caller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
}

// Server is everything the adapter needs from a connected MCP server.
type Server interface {
	Lister
	Caller
}

// AdapterConfig configures an [Adapter].
type AdapterConfig struct {
	// Workspace is injected when neither the arguments nor the caller
	// name one.
	Workspace string

	// ConfirmationTTL bounds how long a confirmation token stays valid
	// (default 10m).
	ConfirmationTTL time.Duration

	// FallbackPath is passed to the schema cache.
	FallbackPath string

	// Logger is the structured logger. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// pendingConfirmation is the state kept between a NeedsConfirmation
// result and its Confirm.
type pendingConfirmation struct {
	tool       string
	args       map[string]any
	candidates []Candidate
	createdAt  time.Time
}

// Adapter turns tool invocations into tools/call requests and
// interprets the results, including the two-phase confirmation pattern.
// It is safe for concurrent use.
type Adapter struct {
	schemas   *SchemaCache
	caller    Caller
	workspace string
	ttl       time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingConfirmation
}

// NewAdapter returns an adapter over server, with its own schema cache.
func NewAdapter(server Server, cfg AdapterConfig) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cache := NewSchemaCache(server, SchemaCacheConfig{
		FallbackPath: cfg.FallbackPath,
		Logger:       logger,
	})
	if cfg.ConfirmationTTL <= 0 {
		cfg.ConfirmationTTL = DefaultConfirmationTTL
	}
	return &Adapter{
		schemas:   cache,
		caller:    server,
		workspace: cfg.Workspace,
		ttl:       cfg.ConfirmationTTL,
		logger:    logger.With("component", "adapter"),
		now:       time.Now,
		pending:   make(map[string]*pendingConfirmation),
	}
}

// Schemas returns the adapter's schema cache.
func (a *Adapter) Schemas() *SchemaCache {
	return a.schemas
}

// Tools returns the discovered tool schemas sorted by name.
func (a *Adapter) Tools(ctx context.Context) ([]ToolSchema, error) {
	return a.schemas.Sorted(ctx)
}

// Pending returns the number of unexpired confirmation tokens.
func (a *Adapter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked()
	return len(a.pending)
}

// Invoke calls toolName with args. workspace overrides the adapter
// default but not a workspace already present in args.
//
// Server-reported failures come back as a Failed result, not an error.
// Errors are reserved for unknown tools, discovery failures and
// transport problems (timeouts, disconnects).
func (a *Adapter) Invoke(ctx context.Context, toolName string, args map[string]any, workspace string) (*Result, error) {
	a.prune()

	schema, err := a.schemas.Get(ctx, toolName)
	if errors.Is(err, ErrToolNotFound) {
		return nil, &UnknownToolError{ToolName: toolName}
	}
	if err != nil {
		return nil, err
	}

	callArgs := a.prepareArgs(schema, args, workspace)

	log := a.logger.With("tool", toolName)
	log.Debug("invoking tool", "workspace", callArgs[WorkspaceKey])

	start := a.now()
	raw, err := a.caller.CallTool(ctx, toolName, callArgs)
	result, err := interpret(raw, err)
	if err != nil {
		log.Warn("tool call failed", "error", err, "elapsed", a.now().Sub(start))
		return nil, err
	}

	if result.Kind == KindNeedsConfirmation {
		result.Token = a.park(toolName, callArgs, result.Candidates)
		log.Info("tool needs confirmation",
			"candidates", len(result.Candidates),
			"token", result.Token,
		)
		return result, nil
	}

	log.Debug("tool call completed", "result", result.Kind, "elapsed", a.now().Sub(start))
	return result, nil
}

// Confirm resolves a pending confirmation by choosing candidate index
// and resubmitting the original call. A token is consumed by the first
// Confirm that reaches the server; an out-of-range index leaves it
// usable.
func (a *Adapter) Confirm(ctx context.Context, token string, index int) (*Result, error) {
	a.mu.Lock()
	a.pruneLocked()
	pc, ok := a.pending[token]
	if !ok {
		a.mu.Unlock()
		return nil, &InvalidTokenError{Token: token, Reason: "unknown, expired or already used"}
	}
	if index < 0 || index >= len(pc.candidates) {
		a.mu.Unlock()
		return nil, &CandidateIndexError{Index: index, Count: len(pc.candidates)}
	}
	delete(a.pending, token)
	a.mu.Unlock()

	args := make(map[string]any, len(pc.args)+2)
	for k, v := range pc.args {
		args[k] = v
	}
	args[CandidateIndexKey] = index
	if id := pc.candidates[index].ID; id != "" {
		if schema, ok := a.schemas.Lookup(pc.tool); ok && schema.Declares(CandidateIDKey) {
			args[CandidateIDKey] = id
		}
	}

	log := a.logger.With("tool", pc.tool, "token", token)
	log.Debug("confirming tool call", "index", index)

	raw, err := a.caller.CallTool(ctx, pc.tool, args)
	result, err := interpret(raw, err)
	if err != nil {
		log.Warn("confirmation call failed", "error", err)
		return nil, err
	}

	if result.Kind == KindNeedsConfirmation {
		log.Warn("server asked for confirmation again")
		return &Result{
			Kind:    KindFailed,
			Code:    CodeRepeatedConfirmation,
			Message: "server requested confirmation again after a candidate was chosen",
			Payload: result.Payload,
		}, nil
	}
	return result, nil
}

// prepareArgs copies args and injects the workspace under
// [WorkspaceKey]. An argument value wins over the explicit workspace,
// which wins over the adapter default. Nothing is injected into tools
// whose schema closes its properties without declaring the key.
func (a *Adapter) prepareArgs(schema ToolSchema, args map[string]any, workspace string) map[string]any {
	out := make(map[string]any, len(args)+1)
	for k, v := range args {
		out[k] = v
	}

	if !schema.AcceptsWorkspace && !schema.AllowsExtra() {
		return out
	}
	if v, ok := out[WorkspaceKey]; ok && v != nil && v != "" {
		return out
	}

	ws := workspace
	if ws == "" {
		ws = a.workspace
	}
	if ws != "" {
		out[WorkspaceKey] = ws
	}
	return out
}

// park stores a confirmation and returns its token.
func (a *Adapter) park(tool string, args map[string]any, candidates []Candidate) string {
	token := uuid.NewString()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[token] = &pendingConfirmation{
		tool:       tool,
		args:       args,
		candidates: candidates,
		createdAt:  a.now(),
	}
	return token
}

func (a *Adapter) prune() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked()
}

// pruneLocked drops expired confirmations. Callers hold a.mu.
func (a *Adapter) pruneLocked() {
	cutoff := a.now().Add(-a.ttl)
	for token, pc := range a.pending {
		if pc.createdAt.Before(cutoff) {
			delete(a.pending, token)
			a.logger.Debug("confirmation expired", "tool", pc.tool, "token", token)
		}
	}
}

// PendingTokens returns the live tokens, oldest first.
func (a *Adapter) PendingTokens() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked()

	tokens := make([]string, 0, len(a.pending))
	for t := range a.pending {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool {
		return a.pending[tokens[i]].createdAt.Before(a.pending[tokens[j]].createdAt)
	})
	return tokens
}

// interpret maps a tools/call outcome onto a Result. Only transport
// errors are returned as errors.
func interpret(raw json.RawMessage, callErr error) (*Result, error) {
	if callErr != nil {
		var rpcErr *mcp.RPCError
		if errors.As(callErr, &rpcErr) {
			return &Result{
				Kind:    KindFailed,
				Code:    rpcErr.Code,
				Message: rpcErr.Message,
				Payload: rpcErr.Data,
			}, nil
		}
		return nil, callErr
	}

	parsed := mcp.ParseCallToolResult(raw)
	if parsed.IsError {
		msg := parsed.Text()
		if msg == "" {
			msg = "tool reported an error"
		}
		return &Result{Kind: KindFailed, Code: CodeToolError, Message: msg, Payload: raw}, nil
	}

	if m, ok := findConfirmation(raw, parsed); ok {
		return &Result{
			Kind:       KindNeedsConfirmation,
			Candidates: m.Candidates,
			Message:    m.Message,
			Payload:    raw,
		}, nil
	}

	payload := raw
	if len(parsed.StructuredContent) > 0 && string(parsed.StructuredContent) != "null" {
		payload = parsed.StructuredContent
	}
	return &Result{Kind: KindOk, Payload: payload, Text: parsed.Text()}, nil
}

// confirmationMarker is the payload a server sends when a call cannot
// proceed until the caller picks a candidate.
type confirmationMarker struct {
	Status     string      `json:"status"`
	Message    string      `json:"message"`
	Candidates []Candidate `json:"candidates"`
}

// findConfirmation looks for the marker at the top level of the result,
// in structuredContent, and as the JSON text of a single text block.
// A marker with no candidates does not count.
func findConfirmation(raw json.RawMessage, parsed mcp.CallToolResult) (confirmationMarker, bool) {
	sources := []json.RawMessage{raw, parsed.StructuredContent}
	if len(parsed.Content) == 1 && parsed.Content[0].Type == "text" {
		sources = append(sources, json.RawMessage(parsed.Content[0].Text))
	}

	for _, src := range sources {
		if len(src) == 0 {
			continue
		}
		var m confirmationMarker
		if err := json.Unmarshal(src, &m); err != nil {
			continue
		}
		if m.Status == statusNeedsConfirmation && len(m.Candidates) > 0 {
			return m, true
		}
	}
	return confirmationMarker{}, false
}
