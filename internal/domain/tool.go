package domain

import "context"

// Capability is a named, independently invocable operation (websearch, python_invoker).
// Implementations hold no per-request state and are safe to share.
type Capability interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}
