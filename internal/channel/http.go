package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatloop/internal/agent"
	"chatloop/internal/domain"
	"chatloop/internal/tool"
)

const (
	httpMaxBodySize     = 1 << 20 // 1MB
	defaultSearchCount  = 5
	httpShutdownTimeout = 5 * time.Second
)

// Runner executes one chat request. *agent.Loop implements it.
type Runner interface {
	Run(ctx context.Context, in agent.ChatInput) (*domain.LoopResult, error)
}

// Searcher returns raw search hits. *tool.WebSearch implements it.
type Searcher interface {
	Search(ctx context.Context, query string, count int) ([]tool.SearchResult, error)
}

// HTTPServer exposes the loop over POST /chat and search over POST /search.
type HTTPServer struct {
	addr            string
	runner          Runner
	searcher        Searcher
	metrics         http.Handler
	metricsEndpoint string
	health          func(ctx context.Context) error
	logger          *slog.Logger
	server          *http.Server
}

type HTTPConfig struct {
	Host            string
	Port            int
	Runner          Runner
	Searcher        Searcher
	Metrics         http.Handler                    // optional
	MetricsEndpoint string                          // defaults to /metrics
	Health          func(ctx context.Context) error // optional gateway check for /healthz
	Logger          *slog.Logger
}

func NewHTTPServer(cfg HTTPConfig) *HTTPServer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MetricsEndpoint == "" {
		cfg.MetricsEndpoint = "/metrics"
	}
	return &HTTPServer{
		addr:            net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		runner:          cfg.Runner,
		searcher:        cfg.Searcher,
		metrics:         cfg.Metrics,
		metricsEndpoint: cfg.MetricsEndpoint,
		health:          cfg.Health,
		logger:          cfg.Logger,
	}
}

func (s *HTTPServer) Name() string { return "http" }

// Handler returns the routed mux.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /search", s.handleSearch)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET "+s.metricsEndpoint, s.metrics)
	}
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *HTTPServer) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown", "err", err)
		}
	}()

	s.logger.Info("http server started", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

type chatRequest struct {
	Message string `json:"message"`
	Model   string `json:"model"`
}

type chatResponse struct {
	Response string `json:"response"`
}

type searchRequest struct {
	Query string `json:"query"`
	Count *int   `json:"count,omitempty"`
}

func (s *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, chatResponse{Response: "Error: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Message) == "" || strings.TrimSpace(req.Model) == "" {
		writeJSON(w, http.StatusBadRequest, chatResponse{Response: "Error: message and model are required"})
		return
	}

	s.logger.Info("processing chat request", "model", req.Model)
	res, err := s.runner.Run(r.Context(), agent.ChatInput{Message: req.Message, Model: req.Model, Channel: s.Name()})
	if err != nil {
		s.logger.Error("chat request failed", "model", req.Model, "err", err)
		writeJSON(w, http.StatusInternalServerError, chatResponse{Response: "Error: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Response: res.Answer})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return
	}
	count := defaultSearchCount
	if req.Count != nil {
		count = *req.Count
	}
	if count < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "count must not be negative"})
		return
	}

	s.logger.Info("received search request", "query", req.Query, "count", count)
	results, err := s.searcher.Search(r.Context(), req.Query, count)
	if err != nil {
		s.logger.Error("web search error", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if results == nil {
		results = []tool.SearchResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, httpMaxBodySize))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
