package engine

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/policy"
)

var (
	ErrDuplicateTool  = errors.New("duplicate tool")
	ErrRegistryFrozen = errors.New("registry is frozen")
)

// Registry maps tool names to tools. It is append-only and becomes read-only
// once frozen; an engine freezes the registry it is given.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	order  []string
	frozen bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Add registers a tool.
func (r *Registry) Add(t Tool) error {
	if t == nil {
		return errors.New("nil tool")
	}
	name := strings.TrimSpace(t.Name())
	if name == "" {
		return errors.New("tool name is required")
	}
	if !t.Category().Valid() {
		return fmt.Errorf("tool %s: unknown category %q", name, t.Category())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("add %s: %w", name, ErrRegistryFrozen)
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// MustAdd registers tools and panics on error. For use while building registries at startup.
func (r *Registry) MustAdd(tools ...Tool) *Registry {
	for _, t := range tools {
		if err := r.Add(t); err != nil {
			panic(err)
		}
	}
	return r
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Filter returns a new frozen registry holding the tools for which keep returns true.
func (r *Registry) Filter(keep func(Tool) bool) *Registry {
	out := NewRegistry()
	r.mu.RLock()
	for _, name := range r.order {
		t := r.tools[name]
		if keep(t) {
			out.tools[name] = t
			out.order = append(out.order, name)
		}
	}
	r.mu.RUnlock()
	out.Freeze()
	return out
}

// ReadOnly returns a frozen view holding only read-category tools.
func (r *Registry) ReadOnly() *Registry {
	return r.Filter(func(t Tool) bool { return t.Category() == policy.CategoryRead })
}
