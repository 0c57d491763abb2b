package main

import (
	"fmt"
	"time"

	"chatloop/internal/agent"
	"chatloop/internal/audit"
	"chatloop/internal/browser"
	"chatloop/internal/config"
	"chatloop/internal/domain"
	"chatloop/internal/provider"
	"chatloop/internal/security"
	"chatloop/internal/tool"
)

// app holds the components shared by serve, chat and search.
type app struct {
	cfg     *config.Config
	factory *provider.Factory
	gateway domain.Gateway
	search  *tool.WebSearch
	tools   *tool.Registry
	store   *audit.Store // nil when auditing is disabled
	loop    *agent.Loop
}

// newSearch builds the websearch capability for the configured engine.
func newSearch(cfg *config.Config) *tool.WebSearch {
	sc := cfg.Tools.Search
	var source tool.PageSource
	if sc.Engine == "browser" {
		source = browser.NewBridge(browser.BridgeConfig{
			ProfileDir: sc.ProfileDir,
			Timeout:    time.Duration(sc.TimeoutSeconds) * time.Second,
			Logger:     logger,
		})
	}
	return tool.NewWebSearch(tool.WebSearchConfig{
		Source:         source,
		Endpoint:       sc.Endpoint,
		TimeoutSeconds: sc.TimeoutSeconds,
		Logger:         logger,
	})
}

// newApp wires config into a ready loop. Callers must call close.
func newApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, factory: provider.NewFactory(cfg, logger)}

	gw, err := a.factory.Default()
	if err != nil {
		return nil, fmt.Errorf("default gateway: %w", err)
	}
	a.gateway = gw

	policy, err := security.NewPolicy(cfg.Security, logger)
	if err != nil {
		return nil, fmt.Errorf("security policy: %w", err)
	}

	a.search = newSearch(cfg)
	a.tools = tool.NewRegistry(logger)
	a.tools.Register(a.search)
	a.tools.Register(tool.NewPythonInvoker(tool.PythonConfig{
		Interpreter:    cfg.Tools.Python.Interpreter,
		WorkDir:        cfg.Tools.Python.WorkDir,
		TimeoutSeconds: cfg.Tools.Python.TimeoutSeconds,
		MaxOutputBytes: cfg.Tools.Python.MaxOutputBytes,
		Policy:         policy,
		Logger:         logger,
	}))

	loopCfg := agent.LoopConfig{
		Gateway: gw,
		Tools:   a.tools,
		Prompt: agent.NewPromptBuilder(agent.PromptConfig{
			Text:   cfg.General.SystemPrompt,
			File:   cfg.General.SystemPromptFile,
			Logger: logger,
		}),
		Logger:         logger,
		MaxRounds:      cfg.General.MaxRounds,
		GatewayTimeout: time.Duration(cfg.General.GatewayTimeoutSeconds) * time.Second,
	}

	if cfg.Audit.Enabled {
		store, err := audit.Open(config.ExpandPath(cfg.Audit.DBPath), logger)
		if err != nil {
			return nil, fmt.Errorf("audit store: %w", err)
		}
		a.store = store
		loopCfg.Recorder = store
	}

	a.loop = agent.NewLoop(loopCfg)
	logger.Debug("app wired", "gateway", gw.Name(), "tools", a.tools.Names(), "audit", cfg.Audit.Enabled)
	return a, nil
}

// model returns requested, or the default model of the default gateway.
func (a *app) model(requested string) string {
	if requested != "" {
		return requested
	}
	return a.factory.DefaultModel("")
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warn("close audit store", "err", err)
		}
	}
}
