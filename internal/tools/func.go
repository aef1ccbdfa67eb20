package tools

import (
	"context"
	"encoding/json"
)

// funcTool adapts a plain function into a Tool. Most built-in tools are
// defined this way at wiring time.
type funcTool struct {
	name        string
	description string
	schema      json.RawMessage
	sideEffect  SideEffect
	fn          func(ctx context.Context, params json.RawMessage) (*Output, error)
}

// NewFuncTool builds a Tool from a function and its metadata.
func NewFuncTool(name, description string, schema json.RawMessage, sideEffect SideEffect, fn func(ctx context.Context, params json.RawMessage) (*Output, error)) Tool {
	return &funcTool{
		name:        name,
		description: description,
		schema:      schema,
		sideEffect:  sideEffect,
		fn:          fn,
	}
}

func (t *funcTool) Name() string            { return t.name }
func (t *funcTool) Description() string     { return t.description }
func (t *funcTool) Schema() json.RawMessage { return t.schema }
func (t *funcTool) SideEffect() SideEffect  { return t.sideEffect }

func (t *funcTool) Execute(ctx context.Context, params json.RawMessage) (*Output, error) {
	return t.fn(ctx, params)
}
