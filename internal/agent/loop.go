package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"chatloop/internal/audit"
	"chatloop/internal/domain"
	"chatloop/internal/metrics"
	"chatloop/internal/tool"
)

const (
	defaultMaxRounds      = 25
	defaultGatewayTimeout = 120 * time.Second
)

// Recorder receives run metadata. *audit.Store implements it.
type Recorder interface {
	StartRun(ctx context.Context, r audit.Run) error
	RecordTool(ctx context.Context, tc audit.ToolCall) error
	FinishRun(ctx context.Context, id string, rounds, toolCalls int, runErr error) error
}

// Loop drives one conversation per call: call the model, dispatch the first
// requested capability, feed its output back, repeat until the model answers.
// A Loop holds no per-request state and serves concurrent runs.
type Loop struct {
	gateway        domain.Gateway
	tools          *tool.Registry
	prompt         *PromptBuilder
	recorder       Recorder
	logger         *slog.Logger
	maxRounds      int
	gatewayTimeout time.Duration
}

type LoopConfig struct {
	Gateway        domain.Gateway
	Tools          *tool.Registry
	Prompt         *PromptBuilder
	Recorder       Recorder // optional
	Logger         *slog.Logger
	MaxRounds      int // gateway calls per run; 0 uses the default
	GatewayTimeout time.Duration
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = defaultMaxRounds
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = defaultGatewayTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Prompt == nil {
		cfg.Prompt = NewPromptBuilder(PromptConfig{Logger: cfg.Logger})
	}
	if cfg.Tools == nil {
		cfg.Tools = tool.NewRegistry(cfg.Logger)
	}
	return &Loop{
		gateway:        cfg.Gateway,
		tools:          cfg.Tools,
		prompt:         cfg.Prompt,
		recorder:       cfg.Recorder,
		logger:         cfg.Logger,
		maxRounds:      cfg.MaxRounds,
		gatewayTimeout: cfg.GatewayTimeout,
	}
}

// ChatInput is one user request.
type ChatInput struct {
	Message string
	Model   string
	Channel string // for logs and the audit log only
}

// Run executes the loop for a single request. The transcript lives only for
// the duration of the call.
func (l *Loop) Run(ctx context.Context, in ChatInput) (*domain.LoopResult, error) {
	runID := ulid.Make().String()
	logger := l.logger.With("run_id", runID)
	res := &domain.LoopResult{RunID: runID}

	metrics.ChatRequests.Inc()
	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	logger.Info("chat run started", "channel", in.Channel, "model", in.Model, "message_len", len(in.Message))
	l.recordStart(ctx, logger, audit.Run{ID: runID, Channel: in.Channel, Gateway: l.gateway.Name(), Model: in.Model})

	transcript := domain.NewTranscript(
		l.prompt.SystemTurn(),
		domain.Turn{Role: domain.RoleUser, Content: in.Message},
	)
	defs := l.tools.Definitions()

	err := l.drive(ctx, logger, in.Model, transcript, defs, res)

	metrics.RoundsPerRun.Observe(float64(res.Rounds))
	l.recordFinish(ctx, logger, res, err)
	if err != nil {
		metrics.ChatFailures.Inc()
		logger.Error("chat run failed", "rounds", res.Rounds, "tool_calls", res.ToolCalls, "err", err)
		return nil, err
	}
	logger.Info("chat run finished", "rounds", res.Rounds, "tool_calls", res.ToolCalls, "answer_len", len(res.Answer))
	return res, nil
}

func (l *Loop) drive(ctx context.Context, logger *slog.Logger, model string, transcript *domain.Transcript, defs []domain.ToolDefinition, res *domain.LoopResult) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if res.Rounds >= l.maxRounds {
			return fmt.Errorf("%w: %d gateway calls", domain.ErrMaxRoundsExceeded, res.Rounds)
		}

		res.Rounds++
		turn, err := l.callGateway(ctx, logger, model, transcript, defs)
		if err != nil {
			return err
		}

		if !turn.HasToolRequests() {
			res.Answer = turn.Content
			return nil
		}

		// Only the first request is honoured; the rest stay in the
		// assistant turn as the model sent them.
		req := turn.ToolRequests[0]
		if len(turn.ToolRequests) > 1 {
			logger.Debug("ignoring extra tool requests", "requested", len(turn.ToolRequests))
		}

		outcome := l.dispatch(ctx, logger, res, req)
		if errors.Is(outcome.Err, domain.ErrUnrecognizedCapability) {
			logger.Warn("model requested unknown capability, returning content", "tool", req.Name)
			res.Answer = turn.Content
			return nil
		}
		if outcome.Err != nil {
			return outcome.Err
		}

		transcript.Append(turn, outcome.ResultTurn(req.ID))
	}
}

func (l *Loop) callGateway(ctx context.Context, logger *slog.Logger, model string, transcript *domain.Transcript, defs []domain.ToolDefinition) (domain.Turn, error) {
	callCtx, cancel := context.WithTimeout(ctx, l.gatewayTimeout)
	defer cancel()

	logger.Debug("calling gateway", "gateway", l.gateway.Name(), "turns", transcript.Len())
	metrics.GatewayCalls.Inc()
	start := time.Now()

	resp, err := l.gateway.Chat(callCtx, domain.ChatRequest{
		Model: model,
		Turns: transcript.Turns(),
		Tools: defs,
	})
	metrics.GatewayLatency.ObserveSince(start)
	if err != nil {
		metrics.GatewayErrors.Inc()
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			return domain.Turn{}, fmt.Errorf("%w: %w", err, ctxErr)
		}
		return domain.Turn{}, err
	}

	turn := resp.Turn
	turn.Role = domain.RoleAssistant
	return turn, nil
}

func (l *Loop) dispatch(ctx context.Context, logger *slog.Logger, res *domain.LoopResult, req domain.ToolRequest) domain.ToolOutcome {
	outcome := domain.ToolOutcome{Name: req.Name}
	if l.tools.Get(req.Name) == nil {
		outcome.Err = fmt.Errorf("%w: %s", domain.ErrUnrecognizedCapability, req.Name)
		return outcome
	}

	logger.Info("dispatching capability", "tool", req.Name, "round", res.Rounds)
	metrics.ToolExecutions(req.Name).Inc()
	start := time.Now()

	output, err := l.tools.Execute(ctx, req.Name, req.Arguments)
	latency := time.Since(start)
	metrics.ToolLatency(req.Name).Observe(latency.Seconds())

	rec := audit.ToolCall{RunID: res.RunID, Round: res.Rounds, Tool: req.Name, Status: audit.StatusSucceeded, Latency: latency}
	if err != nil {
		metrics.ToolFailures(req.Name).Inc()
		rec.Status, rec.Error = audit.StatusFailed, err.Error()
		l.recordTool(ctx, logger, rec)
		if !domain.IsCapability(err) {
			err = &domain.CapabilityError{Capability: req.Name, Message: "capability " + req.Name + " failed", Err: err}
		}
		outcome.Err = err
		return outcome
	}
	res.ToolCalls++
	l.recordTool(ctx, logger, rec)
	logger.Debug("capability completed", "tool", req.Name, "output_len", len(output), "latency_ms", latency.Milliseconds())
	outcome.Output = output
	return outcome
}

func (l *Loop) recordStart(ctx context.Context, logger *slog.Logger, r audit.Run) {
	if l.recorder == nil {
		return
	}
	if err := l.recorder.StartRun(context.WithoutCancel(ctx), r); err != nil {
		logger.Warn("audit: failed to record run start", "err", err)
	}
}

func (l *Loop) recordTool(ctx context.Context, logger *slog.Logger, tc audit.ToolCall) {
	if l.recorder == nil {
		return
	}
	if err := l.recorder.RecordTool(context.WithoutCancel(ctx), tc); err != nil {
		logger.Warn("audit: failed to record tool call", "tool", tc.Tool, "err", err)
	}
}

func (l *Loop) recordFinish(ctx context.Context, logger *slog.Logger, res *domain.LoopResult, runErr error) {
	if l.recorder == nil {
		return
	}
	if err := l.recorder.FinishRun(context.WithoutCancel(ctx), res.RunID, res.Rounds, res.ToolCalls, runErr); err != nil {
		logger.Warn("audit: failed to record run finish", "err", err)
	}
}
