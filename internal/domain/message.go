package domain

// Role tags a Turn in the transcript.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is one message-equivalent unit of a conversation.
type Turn struct {
	Role         Role          `json:"role"`
	Content      string        `json:"content"`
	ToolRequests []ToolRequest `json:"tool_calls,omitempty"` // assistant turns that triggered tool use
	ToolName     string        `json:"tool_name,omitempty"`    // tool-result turns
	ToolCallID   string        `json:"tool_call_id,omitempty"` // tool-result turns, echoes ToolRequest.ID
}

// HasToolRequests reports whether the model asked for at least one capability.
func (t Turn) HasToolRequests() bool {
	return len(t.ToolRequests) > 0
}

// ToolRequest is the model's request to invoke a named capability.
// Only gateways produce these; the loop never synthesizes one.
type ToolRequest struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolOutcome is the result of dispatching a ToolRequest. Err is nil on
// success.
type ToolOutcome struct {
	Name   string
	Output string
	Err    error
}

// ResultTurn renders a successful outcome as the tool turn that answers the
// request with the given call ID.
func (o ToolOutcome) ResultTurn(callID string) Turn {
	return Turn{Role: RoleTool, Content: o.Output, ToolName: o.Name, ToolCallID: callID}
}

// Transcript is the ordered, append-only history of one chat request.
// It is created per request and never shared across requests.
type Transcript struct {
	turns []Turn
}

// NewTranscript returns a transcript seeded with the given turns.
func NewTranscript(seed ...Turn) *Transcript {
	t := &Transcript{turns: make([]Turn, 0, len(seed)+4)}
	t.turns = append(t.turns, seed...)
	return t
}

// Append adds turns to the end of the transcript.
func (t *Transcript) Append(turns ...Turn) {
	t.turns = append(t.turns, turns...)
}

// Turns returns a copy of the transcript so callers cannot reorder or edit history.
func (t *Transcript) Turns() []Turn {
	out := make([]Turn, len(t.turns))
	copy(out, t.turns)
	return out
}

// Len returns the number of turns.
func (t *Transcript) Len() int { return len(t.turns) }

// LoopResult is the terminal value of a successful loop run.
type LoopResult struct {
	RunID     string
	Answer    string
	Rounds    int // gateway calls made
	ToolCalls int // capabilities dispatched
}
