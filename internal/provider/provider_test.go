package provider

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatloop/internal/config"
	"chatloop/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sampleRequest() domain.ChatRequest {
	return domain.ChatRequest{
		Model: "llama3.1:8b",
		Turns: []domain.Turn{
			{Role: domain.RoleSystem, Content: "You are a helpful assistant."},
			{Role: domain.RoleUser, Content: "weather?"},
			{Role: domain.RoleAssistant, ToolRequests: []domain.ToolRequest{
				{ID: "call_1", Name: "websearch", Arguments: map[string]any{"query": "weather"}},
			}},
			{Role: domain.RoleTool, Content: "sunny", ToolName: "websearch", ToolCallID: "call_1"},
		},
		Tools: []domain.ToolDefinition{
			{Name: "websearch", Description: "search", Parameters: map[string]any{"type": "object"}},
		},
	}
}

func TestOllama_ChatSendsNonStreamingRequest(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"model":"llama3.1:8b","message":{"role":"assistant","content":"It is sunny."},"done":true}`)
	}))
	defer srv.Close()

	o := NewOllama(OllamaConfig{APIBase: srv.URL, Logger: testLogger()})
	resp, err := o.Chat(context.Background(), sampleRequest())
	require.NoError(t, err)

	assert.Equal(t, domain.RoleAssistant, resp.Turn.Role)
	assert.Equal(t, "It is sunny.", resp.Turn.Content)
	assert.False(t, resp.Turn.HasToolRequests())

	assert.Equal(t, false, got["stream"])
	assert.Equal(t, "llama3.1:8b", got["model"])
	msgs := got["messages"].([]any)
	require.Len(t, msgs, 4)
	toolMsg := msgs[3].(map[string]any)
	assert.Equal(t, "tool", toolMsg["role"])
	assert.Equal(t, "websearch", toolMsg["tool_name"])
	tools := got["tools"].([]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "function", tools[0].(map[string]any)["type"])
}

func TestOllama_ToolCallArgumentsObjectOrString(t *testing.T) {
	tests := []struct {
		name string
		args string
	}{
		{"object", `{"query":"weather in Paris","count":3}`},
		{"string", `"{\"query\":\"weather in Paris\",\"count\":3}"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, `{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"websearch","arguments":`+tt.args+`}}]},"done":true}`)
			}))
			defer srv.Close()

			o := NewOllama(OllamaConfig{APIBase: srv.URL, Logger: testLogger()})
			resp, err := o.Chat(context.Background(), sampleRequest())
			require.NoError(t, err)
			require.Len(t, resp.Turn.ToolRequests, 1)
			tr := resp.Turn.ToolRequests[0]
			assert.Equal(t, "websearch", tr.Name)
			assert.Equal(t, "weather in Paris", tr.Arguments["query"])
			assert.Equal(t, float64(3), tr.Arguments["count"])
		})
	}
}

func TestOllama_TransportFailures(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
	}{
		{"server error", http.StatusInternalServerError, "boom", http.StatusInternalServerError},
		{"not found", http.StatusNotFound, "model not found", http.StatusNotFound},
		{"malformed body", http.StatusOK, "{not json", 0},
		{"malformed arguments", http.StatusOK, `{"message":{"role":"assistant","tool_calls":[{"function":{"name":"websearch","arguments":"nope"}}]}}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			o := NewOllama(OllamaConfig{APIBase: srv.URL, Logger: testLogger()})
			_, err := o.Chat(context.Background(), sampleRequest())
			require.Error(t, err)

			var te *domain.TransportError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.wantStatus, te.StatusCode)
			assert.Equal(t, int32(1), calls.Load(), "gateway must not retry")
		})
	}
}

func TestOllama_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	o := NewOllama(OllamaConfig{APIBase: base, Logger: testLogger()})
	_, err := o.Chat(context.Background(), sampleRequest())
	assert.True(t, domain.IsTransport(err))
}

func TestOllama_Healthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			_, _ = io.WriteString(w, `{"models":[]}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	o := NewOllama(OllamaConfig{APIBase: srv.URL, Logger: testLogger()})
	assert.NoError(t, o.Healthy(context.Background()))
}

func TestOpenAI_ChatWithToolCall(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
			"choices":[{"index":0,"finish_reason":"tool_calls","message":{
				"role":"assistant","content":"",
				"tool_calls":[{"id":"","type":"function","function":{"name":"python_invoker","arguments":"{\"script\":\"print(1)\"}"}}]
			}}]
		}`)
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIConfig{APIKey: "test", APIBase: srv.URL + "/", Logger: testLogger()})
	resp, err := o.Chat(context.Background(), sampleRequest())
	require.NoError(t, err)

	require.Len(t, resp.Turn.ToolRequests, 1)
	tr := resp.Turn.ToolRequests[0]
	assert.Equal(t, "python_invoker", tr.Name)
	assert.Equal(t, "print(1)", tr.Arguments["script"])
	assert.NotEmpty(t, tr.ID, "missing ids are filled in")

	msgs := got["messages"].([]any)
	require.Len(t, msgs, 4)
	assert.Equal(t, "call_1", msgs[3].(map[string]any)["tool_call_id"])
}

func TestOpenAI_StatusErrorIsTransport(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIConfig{APIKey: "test", APIBase: srv.URL + "/", Logger: testLogger()})
	_, err := o.Chat(context.Background(), sampleRequest())

	var te *domain.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFactory_GetAndCache(t *testing.T) {
	cfg := config.Defaults()
	cfg.Providers["local-compat"] = config.ProviderConfig{Enabled: true, APIBase: "http://127.0.0.1:1/v1"}
	cfg.Providers["off"] = config.ProviderConfig{Enabled: false, APIBase: "http://127.0.0.1:1"}
	f := NewFactory(cfg, testLogger())

	g, err := f.Default()
	require.NoError(t, err)
	assert.Equal(t, "ollama", g.Name())

	again, err := f.Get("ollama")
	require.NoError(t, err)
	assert.Same(t, g, again)

	compat, err := f.Get("local-compat")
	require.NoError(t, err)
	assert.Equal(t, "openai", compat.Name())

	_, err = f.Get("off")
	assert.ErrorContains(t, err, "disabled")

	_, err = f.Get("missing")
	assert.ErrorContains(t, err, "unknown provider")
}

func TestFactory_DefaultModel(t *testing.T) {
	cfg := config.Defaults()
	f := NewFactory(cfg, testLogger())
	assert.Equal(t, "llama3.1:8b", f.DefaultModel(""))

	cfg.General.DefaultModel = "qwen2.5:7b"
	assert.Equal(t, "qwen2.5:7b", f.DefaultModel("ollama"))
}

func TestFactory_GatewaysShareOneClient(t *testing.T) {
	cfg := config.Defaults()
	cfg.General.GatewayTimeoutSeconds = 7
	cfg.Providers["openai"] = config.ProviderConfig{Enabled: true, APIBase: "http://127.0.0.1:1/v1"}
	f := NewFactory(cfg, testLogger())

	var clients []*http.Client
	capture := func(pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.Gateway {
		clients = append(clients, client)
		return NewOllama(OllamaConfig{APIBase: pc.APIBase, Client: client, Logger: logger})
	}
	f.RegisterConstructor("ollama", capture)
	f.RegisterConstructor("openai", capture)

	_, err := f.Get("ollama")
	require.NoError(t, err)
	_, err = f.Get("openai")
	require.NoError(t, err)

	require.Len(t, clients, 2)
	assert.Same(t, clients[0], clients[1])
	assert.Equal(t, 7*time.Second, clients[0].Timeout)
	tr, ok := clients[0].Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, tr.ResponseHeaderTimeout)
}

func TestSharedHTTPClient_DefaultTimeout(t *testing.T) {
	c := SharedHTTPClient(0)
	assert.Equal(t, 120*time.Second, c.Timeout)
	tr := c.Transport.(*http.Transport)
	assert.Equal(t, tr.MaxIdleConns, tr.MaxIdleConnsPerHost)
}
