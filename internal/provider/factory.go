package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"chatloop/internal/config"
	"chatloop/internal/domain"
)

// GatewayConstructor creates a gateway from a provider config entry.
type GatewayConstructor func(pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.Gateway

// Factory creates and caches gateways from config. All gateways share one
// pooled HTTP client whose timeout is general.gatewayTimeoutSeconds.
type Factory struct {
	cfg          *config.Config
	logger       *slog.Logger
	client       *http.Client
	constructors map[string]GatewayConstructor
	cache        map[string]domain.Gateway
	mu           sync.RWMutex
}

func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	f := &Factory{
		cfg:          cfg,
		logger:       logger,
		client:       SharedHTTPClient(time.Duration(cfg.General.GatewayTimeoutSeconds) * time.Second),
		constructors: make(map[string]GatewayConstructor),
		cache:        make(map[string]domain.Gateway),
	}
	f.constructors["ollama"] = func(pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.Gateway {
		return NewOllama(OllamaConfig{APIBase: pc.APIBase, DefaultModel: pc.DefaultModel, Client: client, Logger: logger})
	}
	f.constructors["openai"] = newOpenAICompatible
	return f
}

func newOpenAICompatible(pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.Gateway {
	return NewOpenAI(OpenAIConfig{
		APIKey:       pc.APIKey,
		APIBase:      pc.APIBase,
		DefaultModel: pc.DefaultModel,
		Client:       client,
		Logger:       logger,
	})
}

// RegisterConstructor adds or replaces a gateway constructor by name.
func (f *Factory) RegisterConstructor(name string, ctor GatewayConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[name] = ctor
	delete(f.cache, name)
}

// Get returns the gateway with the given name, or the default if name is empty.
// Providers without a registered constructor are treated as OpenAI-compatible.
func (f *Factory) Get(name string) (domain.Gateway, error) {
	if name == "" {
		name = f.cfg.General.DefaultProvider
	}

	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}

	ctor, found := f.constructors[name]
	switch {
	case found:
	case pc.APIBase != "":
		ctor = newOpenAICompatible
	default:
		return nil, fmt.Errorf("provider %s: no constructor registered and no apiBase configured", name)
	}

	g := ctor(pc, f.client, f.logger)
	f.cache[name] = g
	return g, nil
}

func (f *Factory) Default() (domain.Gateway, error) {
	return f.Get("")
}

// DefaultModel returns the model to request when the caller names none.
func (f *Factory) DefaultModel(name string) string {
	if name == "" {
		name = f.cfg.General.DefaultProvider
	}
	if m := f.cfg.General.DefaultModel; m != "" && name == f.cfg.General.DefaultProvider {
		return m
	}
	return f.cfg.Providers[name].DefaultModel
}

// HealthReport maps each enabled provider name to its health check error (nil when healthy).
func (f *Factory) HealthReport(ctx context.Context) map[string]error {
	names := make([]string, 0, len(f.cfg.Providers))
	for name, pc := range f.cfg.Providers {
		if pc.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	report := make(map[string]error, len(names))
	for _, name := range names {
		g, err := f.Get(name)
		if err != nil {
			report[name] = err
			continue
		}
		report[name] = g.Healthy(ctx)
	}
	return report
}
