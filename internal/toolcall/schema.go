package toolcall

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/tidwall/jsonc"
	"golang.org/x/sync/singleflight"

	"github.com/nugget/mcphost/internal/mcp"
)

// WorkspaceKey is the argument name reserved for the workspace scope.
const WorkspaceKey = "workspace"

// Lister discovers the tools a server offers. [*mcp.Client] satisfies it.
type Lister interface {
	ListTools(ctx context.Context) ([]mcp.ToolDefinition, error)
}

// ToolSchema is one discovered tool with its input schema normalized to
// an object with a properties map. Treat it as immutable.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema"`

	// AcceptsWorkspace is set when the schema declares the workspace
	// property.
	AcceptsWorkspace bool `json:"-"`
}

// Properties returns the schema's declared properties.
func (s ToolSchema) Properties() map[string]any {
	props, _ := s.InputSchema["properties"].(map[string]any)
	return props
}

// Declares reports whether the schema lists key among its properties.
func (s ToolSchema) Declares(key string) bool {
	_, ok := s.Properties()[key]
	return ok
}

// AllowsExtra reports whether arguments beyond the declared properties
// are permitted, i.e. additionalProperties is not false.
func (s ToolSchema) AllowsExtra() bool {
	v, ok := s.InputSchema["additionalProperties"].(bool)
	return !ok || v
}

// NormalizeSchema builds a ToolSchema from a tool definition. A missing
// or non-object type becomes "object" and missing properties become an
// empty map. The definition's schema map is not modified.
func NormalizeSchema(def mcp.ToolDefinition) ToolSchema {
	input := make(map[string]any, len(def.InputSchema)+2)
	for k, v := range def.InputSchema {
		input[k] = v
	}
	if t, _ := input["type"].(string); t != "object" {
		input["type"] = "object"
	}
	if _, ok := input["properties"].(map[string]any); !ok {
		input["properties"] = map[string]any{}
	}

	s := ToolSchema{
		Name:        def.Name,
		Description: def.Description,
		InputSchema: input,
	}
	s.AcceptsWorkspace = s.Declares(WorkspaceKey)
	return s
}

// defaultFetchTimeout bounds one shared discovery. It is separate from
// the deadlines of the callers waiting on it.
const defaultFetchTimeout = time.Minute

// snapshot is one immutable view of the server's tools.
type snapshot struct {
	tools map[string]ToolSchema
	// authoritative is false for snapshots built from the fallback
	// file; List keeps retrying discovery while it is false.
	authoritative bool
	fetchedAt     time.Time
}

// SchemaCacheConfig configures a [SchemaCache].
type SchemaCacheConfig struct {
	// FallbackPath names a JSONC file of tool definitions served when
	// discovery fails. Optional.
	FallbackPath string

	// FetchTimeout bounds a single tools/list discovery, including the
	// client's retries. Defaults to one minute.
	FetchTimeout time.Duration

	// Logger is the structured logger. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// SchemaCache holds the server's tool schemas. The first List fetches
// them with a single tools/list shared by all concurrent callers;
// Refresh replaces the snapshot atomically.
type SchemaCache struct {
	lister       Lister
	fallbackPath string
	fetchTimeout time.Duration
	logger       *slog.Logger

	group singleflight.Group
	snap  atomic.Pointer[snapshot]
}

// NewSchemaCache returns an empty cache backed by lister.
func NewSchemaCache(lister Lister, cfg SchemaCacheConfig) *SchemaCache {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	return &SchemaCache{
		lister:       lister,
		fallbackPath: cfg.FallbackPath,
		fetchTimeout: cfg.FetchTimeout,
		logger:       logger.With("component", "schema_cache"),
	}
}

// List returns the tool schemas keyed by name, discovering them on
// first use. The returned map is shared and must not be modified.
func (c *SchemaCache) List(ctx context.Context) (map[string]ToolSchema, error) {
	if s := c.snap.Load(); s != nil && s.authoritative {
		return s.tools, nil
	}
	return c.load(ctx, "list")
}

// Refresh fetches the tool list again and replaces the snapshot. On
// failure the error is returned and the previous snapshot stays in
// place.
func (c *SchemaCache) Refresh(ctx context.Context) (map[string]ToolSchema, error) {
	return c.load(ctx, "refresh")
}

// Get returns the schema for name, discovering tools if needed.
func (c *SchemaCache) Get(ctx context.Context, name string) (ToolSchema, error) {
	tools, err := c.List(ctx)
	if err != nil {
		return ToolSchema{}, err
	}
	s, ok := tools[name]
	if !ok {
		return ToolSchema{}, fmt.Errorf("%q: %w", name, ErrToolNotFound)
	}
	return s, nil
}

// Lookup returns the cached schema for name without any I/O.
func (c *SchemaCache) Lookup(name string) (ToolSchema, bool) {
	s := c.snap.Load()
	if s == nil {
		return ToolSchema{}, false
	}
	schema, ok := s.tools[name]
	return schema, ok
}

// Sorted returns the schemas ordered by name.
func (c *SchemaCache) Sorted(ctx context.Context) ([]ToolSchema, error) {
	tools, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ToolSchema, 0, len(tools))
	for _, s := range tools {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// FetchedAt returns when the current snapshot was built, and whether
// it came from the server rather than the fallback file.
func (c *SchemaCache) FetchedAt() (time.Time, bool) {
	s := c.snap.Load()
	if s == nil {
		return time.Time{}, false
	}
	return s.fetchedAt, s.authoritative
}

// load runs one discovery per key at a time; callers arriving while it
// is in flight share its outcome. The discovery runs detached from the
// caller that started it, so one caller giving up never fails the
// others. Each caller stops waiting when its own ctx is done.
func (c *SchemaCache) load(ctx context.Context, key string) (map[string]ToolSchema, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		return c.fetch(fetchCtx, key == "refresh")
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*snapshot).tools, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fetch calls tools/list and installs the result. Unless strict, a
// failed discovery falls back to the previous snapshot or the fallback
// file.
func (c *SchemaCache) fetch(ctx context.Context, strict bool) (*snapshot, error) {
	// A List that lost the race with a finished discovery reuses it.
	if s := c.snap.Load(); !strict && s != nil && s.authoritative {
		return s, nil
	}

	defs, err := c.lister.ListTools(ctx)
	if err == nil {
		s := &snapshot{
			tools:         buildIndex(defs),
			authoritative: true,
			fetchedAt:     time.Now(),
		}
		c.snap.Store(s)
		c.logger.Debug("tool schemas cached", "count", len(s.tools))
		return s, nil
	}
	if strict {
		return nil, fmt.Errorf("discover tools: %w", err)
	}

	if prev := c.snap.Load(); prev != nil {
		c.logger.Warn("tool discovery failed, keeping previous schemas",
			"error", err,
			"count", len(prev.tools),
		)
		return prev, nil
	}

	if c.fallbackPath == "" {
		return nil, fmt.Errorf("discover tools: %w", err)
	}

	defs, ferr := LoadFallback(c.fallbackPath)
	if ferr != nil {
		return nil, fmt.Errorf("discover tools: %w (fallback: %v)", err, ferr)
	}
	c.logger.Warn("tool discovery failed, using fallback schemas",
		"error", err,
		"path", c.fallbackPath,
		"count", len(defs),
	)
	s := &snapshot{tools: buildIndex(defs), fetchedAt: time.Now()}
	c.snap.Store(s)
	return s, nil
}

// buildIndex normalizes definitions into a name-keyed map. A later
// duplicate name replaces an earlier one.
func buildIndex(defs []mcp.ToolDefinition) map[string]ToolSchema {
	tools := make(map[string]ToolSchema, len(defs))
	for _, d := range defs {
		if d.Name == "" {
			continue
		}
		tools[d.Name] = NormalizeSchema(d)
	}
	return tools
}

// LoadFallback reads tool definitions from a JSONC file. The file holds
// either an array of definitions or an object with a "tools" array, as
// in a tools/list result. Comments and trailing commas are allowed.
func LoadFallback(path string) ([]mcp.ToolDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fallback tools: %w", err)
	}
	data = jsonc.ToJSON(data)

	var defs []mcp.ToolDefinition
	if err := json.Unmarshal(data, &defs); err == nil {
		return defs, nil
	}

	var wrapped struct {
		Tools []mcp.ToolDefinition `json:"tools"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("parse fallback tools %s: %w", path, err)
	}
	return wrapped.Tools, nil
}
