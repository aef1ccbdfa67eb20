package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ensembleai/ensemble/internal/eventstore"
	"github.com/ensembleai/ensemble/internal/tools"
)

// registerBuiltinTools wires the tools every bot gets out of the box.
// Everything here is read-only over the shared memory; side-effectful
// capabilities come from skills.
func registerBuiltinTools(registry *tools.Registry, mem *memoryRuntime, logger *slog.Logger) {
	builtins := []tools.Tool{
		tools.NewFuncTool("memory_search",
			"Semantic search over the shared event log. Returns the closest past events to the query.",
			json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "description": "what to look for"},
					"k": {"type": "integer", "minimum": 1, "maximum": 20}
				},
				"required": ["query"]
			}`),
			tools.SideEffectReadOnly,
			func(ctx context.Context, params json.RawMessage) (*tools.Output, error) {
				var p struct {
					Query string `json:"query"`
					K     int    `json:"k"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return nil, err
				}
				if p.K <= 0 {
					p.K = 5
				}
				vecs, err := mem.embedder.Embed(ctx, []string{p.Query})
				if err != nil {
					return nil, fmt.Errorf("embed query: %w", err)
				}
				results, err := mem.store.SemanticSearch(ctx, vecs[0], p.K, eventstore.SearchFilter{})
				if err != nil {
					return nil, err
				}
				if len(results) == 0 {
					return &tools.Output{Content: "no matching events"}, nil
				}
				var b strings.Builder
				for _, r := range results {
					fmt.Fprintf(&b, "[%.2f] %s %s: %s\n",
						r.Score, r.Event.CreatedAt.Format("2006-01-02"),
						r.Event.SessionKey, firstLine(r.Event.Content))
				}
				structured, _ := json.Marshal(results)
				return &tools.Output{Content: b.String(), Structured: structured}, nil
			}),

		tools.NewFuncTool("entity_lookup",
			"Look up an entity in the knowledge graph by name, with its current facts.",
			json.RawMessage(`{
				"type": "object",
				"properties": {
					"name": {"type": "string", "description": "entity name or alias"}
				},
				"required": ["name"]
			}`),
			tools.SideEffectReadOnly,
			func(ctx context.Context, params json.RawMessage) (*tools.Output, error) {
				var p struct {
					Name string `json:"name"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return nil, err
				}
				ent, err := mem.graph.FindEntityByName(ctx, p.Name)
				if err != nil {
					return nil, err
				}
				facts, err := mem.graph.FactsFor(ctx, ent.ID)
				if err != nil {
					return nil, err
				}
				var b strings.Builder
				fmt.Fprintf(&b, "%s (%s), seen %d times\n", ent.Name, ent.Type, ent.EventCount)
				for _, f := range facts {
					fmt.Fprintf(&b, "- %s: %s (confidence %.2f)\n", f.Predicate, f.Object, f.Confidence)
				}
				structured, _ := json.Marshal(ent)
				return &tools.Output{Content: b.String(), Structured: structured}, nil
			}),

		tools.NewFuncTool("artifact_read",
			"Read a shared artifact produced by another bot, by its content-addressed path.",
			json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "artifacts/<hash>.<ext> path"}
				},
				"required": ["path"]
			}`),
			tools.SideEffectReadOnly,
			func(ctx context.Context, params json.RawMessage) (*tools.Output, error) {
				var p struct {
					Path string `json:"path"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return nil, err
				}
				data, err := mem.artifacts.Get(p.Path)
				if err != nil {
					return nil, err
				}
				return &tools.Output{Content: string(data)}, nil
			}),
	}

	for _, t := range builtins {
		if err := registry.Register(t); err != nil {
			logger.Warn("builtin tool registration failed", "tool", t.Name(), "error", err)
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120] + "…"
	}
	return s
}
