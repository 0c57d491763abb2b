package tool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"chatloop/internal/domain"
)

// Registry holds the available capabilities and dispatches requests to them.
// Capabilities are stateless and shared by every concurrent loop run.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]domain.Capability
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]domain.Capability),
		logger: logger,
	}
}

func (r *Registry) Register(c domain.Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[c.Name()] = c
	r.logger.Debug("registered capability", "name", c.Name())
}

// Get returns the capability with the given name, or nil.
func (r *Registry) Get(name string) domain.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Execute runs the named capability. An unknown name yields an error
// wrapping domain.ErrUnrecognizedCapability.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	c := r.Get(name)
	if c == nil {
		return "", fmt.Errorf("%w: %s (available: %v)", domain.ErrUnrecognizedCapability, name, r.Names())
	}
	return c.Execute(ctx, args)
}

// Definitions returns every capability schema, sorted by name.
func (r *Registry) Definitions() []domain.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]domain.ToolDefinition, 0, len(r.tools))
	for _, c := range r.tools {
		defs = append(defs, domain.ToolDefinition{
			Name:        c.Name(),
			Description: c.Description(),
			Parameters:  c.Parameters(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
