package domain

import "context"

// Gateway sends a transcript plus declared tool schemas to a language-model
// backend and returns exactly one assistant Turn.
type Gateway interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Healthy(ctx context.Context) error
}

type ChatRequest struct {
	Model string
	Turns []Turn
	Tools []ToolDefinition
}

type ChatResponse struct {
	Turn      Turn // Role is always RoleAssistant
	LatencyMs int64
}

// ToolDefinition is the schema of a capability as offered to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}
