// Package tools defines the tool registry and the gated executor that
// runs tool calls on behalf of bots. Every execution is recorded as a
// tool_call / tool_result event pair, whether or not it succeeds.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SideEffect classifies what a tool can touch. The executor uses the
// class for confirmation gating and per-bot serialization.
type SideEffect string

const (
	SideEffectReadOnly    SideEffect = "read-only"
	SideEffectReadWrite   SideEffect = "read-write"
	SideEffectNetwork     SideEffect = "network"
	SideEffectExec        SideEffect = "exec"
	SideEffectDestructive SideEffect = "destructive"
)

// NeedsConfirmation reports whether the class requires explicit user
// confirmation outside coordinator mode.
func (s SideEffect) NeedsConfirmation() bool {
	return s == SideEffectExec || s == SideEffectDestructive
}

// Output is what a tool hands back on success. Content is fed to the
// model; Structured is machine-readable output for downstream bots.
type Output struct {
	Content    string
	Structured json.RawMessage
}

// Tool is a capability a bot can invoke. Schema returns the JSON Schema
// for the tool's input parameters.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	SideEffect() SideEffect
	Execute(ctx context.Context, params json.RawMessage) (*Output, error)
}

var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrPermissionDenied = errors.New("tool not permitted for bot")
	ErrDuplicateTool    = errors.New("tool already registered")
)

type entry struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry holds the registered tools and the per-bot permission masks
// derived from role cards. The empty mask means no tools; "*" grants all.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*entry
	masks map[string]map[string]bool
	all   map[string]bool // bots with the "*" wildcard
}

func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]*entry),
		masks: make(map[string]map[string]bool),
		all:   make(map[string]bool),
	}
}

// Register compiles the tool's schema and adds it to the registry.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("register tool: empty name")
	}

	schema, err := jsonschema.CompileString(name+".schema.json", string(t.Schema()))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.tools[name] = &entry{tool: t, schema: schema}
	return nil
}

// SetMask installs a bot's allowed-tool list. A single "*" entry grants
// every registered tool, including ones registered later.
func (r *Registry) SetMask(bot string, allowed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.all, bot)
	mask := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		if name == "*" {
			r.all[bot] = true
			continue
		}
		mask[name] = true
	}
	r.masks[bot] = mask
}

// Allowed reports whether the bot may invoke the named tool.
func (r *Registry) Allowed(bot, tool string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.all[bot] {
		return true
	}
	return r.masks[bot][tool]
}

// Get returns the tool by name, or ErrUnknownTool.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return e.tool, nil
}

// ForBot returns the tools the bot is permitted to use, sorted by name.
// This is the list handed to the provider as the turn's tool palette.
func (r *Registry) ForBot(bot string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Tool
	for name, e := range r.tools {
		if r.all[bot] || r.masks[bot][name] {
			out = append(out, e.tool)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// List returns every registered tool, sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tool, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// validate checks params against the tool's compiled schema.
func (r *Registry) validate(name string, params json.RawMessage) error {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	raw := params
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	if err := e.schema.Validate(decoded); err != nil {
		return err
	}
	return nil
}
