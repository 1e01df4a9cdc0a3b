// Package tools holds the tool registry, the execution pipeline, and the
// built-in native tools. Native and federated MCP tools are uniform
// under the Tool contract.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/keel-agent/keel/pkg/models"
)

// Result is the outcome of one tool execution.
type Result struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Ok builds a successful result.
func Ok(data map[string]any) *Result {
	return &Result{Success: true, Data: data}
}

// Fail builds a failed result.
func Fail(format string, args ...any) *Result {
	return &Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Tool is the capability contract every tool implements.
type Tool interface {
	Name() string
	Description() string
	// InputSchema returns a JSON Schema defining the tool's parameters.
	InputSchema() json.RawMessage
	Permission() models.PermissionLevel
	Origin() models.ToolOrigin
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// PathMutator is implemented by tools that write, delete, or move files.
// The executor checks the target against the protected-path list.
type PathMutator interface {
	MutatedPath(params map[string]any) (string, bool)
}

// PaymentTool is implemented by tools that move money. The executor runs
// the spending-limit stack before the body.
type PaymentTool interface {
	PaymentDetails(params map[string]any) (amountUSD float64, recipient string, err error)
}

// Registry is the process-wide snapshot of registered tools. Safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Name collisions are rejected first-wins.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// UnregisterOrigin removes every tool from one origin. Used when an MCP
// connection closes permanently.
func (r *Registry) UnregisterOrigin(origin models.ToolOrigin) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for name, t := range r.tools {
		if t.Origin() == origin {
			delete(r.tools, name)
			removed++
		}
	}
	return removed
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Descriptors returns an immutable snapshot of all registered tools,
// sorted by name.
func (r *Registry) Descriptors() []models.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolDescriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, models.ToolDescriptor{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
			Permission:  t.Permission(),
			Origin:      t.Origin(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
