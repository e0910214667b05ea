// Package tools defines the functions the assistant can invoke during a
// conversation and the registry the provider connection consults when a
// function-call event arrives.
package tools

import (
	"fmt"
	"sync"
)

// Tool represents a function the assistant can invoke.
type Tool struct {
	// Name is the unique identifier for the tool (e.g., "get_weather_data").
	Name string `json:"name"`

	// Description explains what the tool does, helping the model decide
	// when to use it.
	Description string `json:"description"`

	// Parameters defines the JSON schema properties for the tool's arguments.
	Parameters map[string]any `json:"parameters"`

	// Handler is called when the model invokes this tool. It receives the
	// parsed arguments and returns a result string for the model.
	Handler func(args map[string]any) (string, error) `json:"-"`
}

// Call is one invocation of a tool by the model.
type Call struct {
	// ID matches the result back to the provider's call.
	ID string

	// Name is the tool being invoked.
	Name string

	// Arguments contains the parsed arguments from the model.
	Arguments map[string]any
}

// Registry holds the tools offered to the provider for one process.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering the same name again replaces it.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Execute runs the tool named in the call and returns its result string.
// A missing tool or a failing handler yields an error string the model
// can relay, never a crash.
func (r *Registry) Execute(call Call) string {
	t, ok := r.Get(call.Name)
	if !ok || t.Handler == nil {
		return fmt.Sprintf("Error: function %q not found", call.Name)
	}
	result, err := t.Handler(call.Arguments)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return result
}

// Specs returns the provider-wire tool descriptors for session
// configuration, in registration order.
func (r *Registry) Specs() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		specs = append(specs, map[string]any{
			"type":        "function",
			"name":        t.Name,
			"description": t.Description,
			"parameters": map[string]any{
				"type":       "object",
				"properties": t.Parameters,
				"required":   []string{},
			},
		})
	}
	return specs
}
