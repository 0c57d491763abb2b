package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"chatloop/internal/domain"
)

const openAIDefaultModel = "gpt-4o-mini"

// completionService is the slice of the openai-go client the gateway uses.
type completionService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAI implements domain.Gateway for any OpenAI-compatible chat
// completions endpoint. SDK retries are disabled.
type OpenAI struct {
	completions  completionService
	defaultModel string
	logger       *slog.Logger
}

type OpenAIConfig struct {
	APIKey       string // empty: the SDK reads OPENAI_API_KEY
	APIBase      string
	DefaultModel string
	Client       *http.Client
	Logger       *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openAIDefaultModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.APIBase != "" {
		opts = append(opts, option.WithBaseURL(cfg.APIBase))
	}
	if cfg.Client != nil {
		opts = append(opts, option.WithHTTPClient(cfg.Client))
	}
	client := openai.NewClient(opts...)
	return &OpenAI{
		completions:  &client.Chat.Completions,
		defaultModel: cfg.DefaultModel,
		logger:       cfg.Logger,
	}
}

func (o *OpenAI) Name() string { return "openai" }

// Healthy issues no request; the first Chat call surfaces connectivity problems.
func (o *OpenAI) Healthy(ctx context.Context) error {
	return ctx.Err()
}

func (o *OpenAI) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = o.defaultModel
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: toOpenAIMessages(req.Turns),
	}
	if tools := toOpenAITools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	o.logger.Info("sending chat request to openai", "model", model, "turns", len(req.Turns))
	start := time.Now()

	completion, err := o.completions.New(ctx, params)
	if err != nil {
		return nil, o.transportError(err)
	}
	if completion == nil || len(completion.Choices) == 0 {
		return nil, &domain.TransportError{Gateway: o.Name(), Err: errors.New("response has no choices")}
	}

	msg := completion.Choices[0].Message
	turn := domain.Turn{Role: domain.RoleAssistant, Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		args, err := decodeArguments([]byte(tc.Function.Arguments))
		if err != nil {
			return nil, &domain.TransportError{Gateway: o.Name(), Err: fmt.Errorf("tool call %q: %w", tc.Function.Name, err)}
		}
		id := tc.ID
		if id == "" {
			id = uuid.NewString()
		}
		turn.ToolRequests = append(turn.ToolRequests, domain.ToolRequest{
			ID:        id,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	latency := time.Since(start).Milliseconds()
	o.logger.Info("received response from openai chat", "latency_ms", latency, "tool_calls", len(turn.ToolRequests))
	return &domain.ChatResponse{Turn: turn, LatencyMs: latency}, nil
}

func (o *OpenAI) transportError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &domain.TransportError{
			Gateway:    o.Name(),
			StatusCode: apiErr.StatusCode,
			Body:       apiErr.Message,
			Err:        err,
		}
	}
	return &domain.TransportError{Gateway: o.Name(), Err: err}
}

func toOpenAIMessages(turns []domain.Turn) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case domain.RoleSystem:
			out = append(out, openai.SystemMessage(t.Content))
		case domain.RoleUser:
			out = append(out, openai.UserMessage(t.Content))
		case domain.RoleTool:
			out = append(out, openai.ToolMessage(t.Content, t.ToolCallID))
		case domain.RoleAssistant:
			out = append(out, assistantMessage(t))
		}
	}
	return out
}

func assistantMessage(t domain.Turn) openai.ChatCompletionMessageParamUnion {
	param := openai.ChatCompletionAssistantMessageParam{
		Content: openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: openai.String(t.Content),
		},
	}
	for _, tr := range t.ToolRequests {
		param.ToolCalls = append(param.ToolCalls, openai.ChatCompletionMessageToolCallParam{
			ID: tr.ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tr.Name,
				Arguments: encodeArguments(tr.Arguments),
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &param}
}

func toOpenAITools(defs []domain.ToolDefinition) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, d := range defs {
		params := shared.FunctionParameters{"type": "object"}
		for k, v := range d.Parameters {
			params[k] = v
		}
		tool := openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:       d.Name,
				Parameters: params,
			},
		}
		if d.Description != "" {
			tool.Function.Description = openai.Opt(d.Description)
		}
		tools = append(tools, tool)
	}
	return tools
}
