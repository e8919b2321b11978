// Package tools defines the tool interface, the registry the executor draws
// from, and the built-in tools.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/agentcore/internal/providers"
)

// Tool is one callable capability exposed to the LLM.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *Result
}

// Registry holds the tools available to a run. Registration order is
// preserved in Definitions so schemas reach the provider deterministically.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any existing tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Definitions renders all tools as provider tool schemas.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]providers.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return out
}

// Execute runs the named tool, recovering panics into error results so one
// misbehaving tool never kills the run.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (result *Result) {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool panic", "tool", name, "panic", rec)
			result = ErrorResult(fmt.Sprintf("tool %s panicked: %v", name, rec))
		}
	}()

	result = t.Execute(ctx, args)
	if result == nil {
		result = ErrorResult(fmt.Sprintf("tool %s returned no result", name))
	}
	return result
}
