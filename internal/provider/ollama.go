package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"chatloop/internal/domain"
)

const (
	ollamaDefaultBase  = "http://localhost:11434"
	ollamaDefaultModel = "llama3.1:8b"
	ollamaMaxErrorBody = 4096
)

// Ollama implements domain.Gateway against the Ollama /api/chat endpoint.
// It never retries: every failure is reported as a *domain.TransportError.
type Ollama struct {
	apiBase      string
	defaultModel string
	client       *http.Client
	logger       *slog.Logger
}

type OllamaConfig struct {
	APIBase      string
	DefaultModel string
	Client       *http.Client // optional: defaults to SharedHTTPClient
	Logger       *slog.Logger
}

func NewOllama(cfg OllamaConfig) *Ollama {
	if cfg.APIBase == "" {
		cfg.APIBase = ollamaDefaultBase
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = ollamaDefaultModel
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ollama{
		apiBase:      cfg.APIBase,
		defaultModel: cfg.DefaultModel,
		client:       cfg.Client,
		logger:       cfg.Logger,
	}
}

func (o *Ollama) Name() string { return "ollama" }

func (o *Ollama) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.apiBase+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}
	return nil
}

// ollamaRequest matches the Ollama /api/chat request body.
type ollamaRequest struct {
	Model    string       `json:"model"`
	Messages []ollamaMsg  `json:"messages"`
	Stream   bool         `json:"stream"`
	Tools    []ollamaTool `json:"tools,omitempty"`
}

type ollamaMsg struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaTool struct {
	Type     string     `json:"type"`
	Function ollamaFunc `json:"function"`
}

type ollamaFunc struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type ollamaToolCall struct {
	ID       string         `json:"id,omitempty"`
	Function ollamaFuncCall `json:"function"`
}

type ollamaFuncCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"` // JSON object or JSON-encoded string
}

type ollamaResponse struct {
	Model   string    `json:"model"`
	Message ollamaMsg `json:"message"`
	Done    bool      `json:"done"`
}

func (o *Ollama) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = o.defaultModel
	}

	body, err := json.Marshal(ollamaRequest{
		Model:    model,
		Messages: toOllamaMessages(req.Turns),
		Stream:   false,
		Tools:    toOllamaTools(req.Tools),
	})
	if err != nil {
		return nil, &domain.TransportError{Gateway: o.Name(), Err: fmt.Errorf("marshal request: %w", err)}
	}

	o.logger.Info("sending chat request to ollama", "model", model, "turns", len(req.Turns))
	start := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiBase+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, &domain.TransportError{Gateway: o.Name(), Err: fmt.Errorf("new request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, &domain.TransportError{Gateway: o.Name(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, ollamaMaxErrorBody))
		o.logger.Error("ollama API error", "status", resp.StatusCode, "body", string(errBody))
		return nil, &domain.TransportError{Gateway: o.Name(), StatusCode: resp.StatusCode, Body: string(errBody)}
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &domain.TransportError{Gateway: o.Name(), Err: fmt.Errorf("decode response: %w", err)}
	}

	turn, err := fromOllamaMessage(out.Message)
	if err != nil {
		return nil, &domain.TransportError{Gateway: o.Name(), Err: err}
	}

	latency := time.Since(start).Milliseconds()
	o.logger.Info("received response from ollama chat", "latency_ms", latency, "tool_calls", len(turn.ToolRequests))
	return &domain.ChatResponse{Turn: turn, LatencyMs: latency}, nil
}

func toOllamaMessages(turns []domain.Turn) []ollamaMsg {
	msgs := make([]ollamaMsg, 0, len(turns))
	for _, t := range turns {
		m := ollamaMsg{Role: string(t.Role), Content: t.Content, ToolName: t.ToolName}
		for _, tr := range t.ToolRequests {
			args, err := json.Marshal(tr.Arguments)
			if err != nil || tr.Arguments == nil {
				args = []byte("{}")
			}
			m.ToolCalls = append(m.ToolCalls, ollamaToolCall{
				ID:       tr.ID,
				Function: ollamaFuncCall{Name: tr.Name, Arguments: args},
			})
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func toOllamaTools(defs []domain.ToolDefinition) []ollamaTool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]ollamaTool, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, ollamaTool{
			Type: "function",
			Function: ollamaFunc{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return tools
}

func fromOllamaMessage(m ollamaMsg) (domain.Turn, error) {
	turn := domain.Turn{Role: domain.RoleAssistant, Content: m.Content}
	for _, tc := range m.ToolCalls {
		args, err := decodeArguments(tc.Function.Arguments)
		if err != nil {
			return domain.Turn{}, fmt.Errorf("tool call %q: %w", tc.Function.Name, err)
		}
		turn.ToolRequests = append(turn.ToolRequests, domain.ToolRequest{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return turn, nil
}

// decodeArguments accepts a JSON object or a JSON string holding an object.
func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode arguments: %w", err)
		}
		if s == "" {
			return map[string]any{}, nil
		}
		raw = json.RawMessage(s)
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func encodeArguments(args map[string]any) string {
	if args == nil {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}
