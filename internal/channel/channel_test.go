package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatloop/internal/agent"
	"chatloop/internal/domain"
	"chatloop/internal/metrics"
	"chatloop/internal/tool"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeRunner struct {
	result *domain.LoopResult
	err    error
	got    agent.ChatInput
}

func (f *fakeRunner) Run(ctx context.Context, in agent.ChatInput) (*domain.LoopResult, error) {
	f.got = in
	return f.result, f.err
}

type fakeSearcher struct {
	results []tool.SearchResult
	err     error
	query   string
	count   int
}

func (f *fakeSearcher) Search(ctx context.Context, query string, count int) ([]tool.SearchResult, error) {
	f.query, f.count = query, count
	return f.results, f.err
}

func newTestServer(r Runner, s Searcher) http.Handler {
	return NewHTTPServer(HTTPConfig{
		Runner:   r,
		Searcher: s,
		Metrics:  metrics.Collector.Handler(),
		Logger:   testLogger(),
	}).Handler()
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return rec
}

func TestChat_Success(t *testing.T) {
	runner := &fakeRunner{result: &domain.LoopResult{Answer: "Here's what I found..."}}
	h := newTestServer(runner, &fakeSearcher{})

	rec := post(t, h, "/chat", `{"message":"What's the weather API status?","model":"x"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"response":"Here's what I found..."}`, rec.Body.String())
	assert.Equal(t, agent.ChatInput{Message: "What's the weather API status?", Model: "x", Channel: "http"}, runner.got)
}

func TestChat_EmptyAnswerIsSuccess(t *testing.T) {
	h := newTestServer(&fakeRunner{result: &domain.LoopResult{Answer: ""}}, &fakeSearcher{})
	rec := post(t, h, "/chat", `{"message":"m","model":"x"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"response":""}`, rec.Body.String())
}

func TestChat_FailuresAre500(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"transport", &domain.TransportError{Gateway: "ollama", StatusCode: 500, Body: "boom"}, "Error: ollama API error: status 500: boom"},
		{"capability", &domain.CapabilityError{Capability: "websearch", Message: "Web search failed", Err: errors.New("timeout")}, "Error: Web search failed: timeout"},
		{"max rounds", domain.ErrMaxRoundsExceeded, "Error: maximum model rounds exceeded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(&fakeRunner{err: tt.err}, &fakeSearcher{})
			rec := post(t, h, "/chat", `{"message":"m","model":"x"}`)
			require.Equal(t, http.StatusInternalServerError, rec.Code)

			var body chatResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.want, body.Response)
		})
	}
}

func TestChat_BadRequests(t *testing.T) {
	runner := &fakeRunner{result: &domain.LoopResult{}}
	h := newTestServer(runner, &fakeSearcher{})
	for _, body := range []string{
		`not json`,
		`{"message":"","model":"x"}`,
		`{"message":"hi"}`,
		`{"model":"x"}`,
	} {
		rec := post(t, h, "/chat", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Empty(t, runner.got.Message, "runner never invoked")
}

func TestChat_BodyTooLarge(t *testing.T) {
	h := newTestServer(&fakeRunner{result: &domain.LoopResult{}}, &fakeSearcher{})
	big := `{"message":"` + strings.Repeat("a", httpMaxBodySize) + `","model":"x"}`
	rec := post(t, h, "/chat", big)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChat_MethodNotAllowed(t *testing.T) {
	h := newTestServer(&fakeRunner{}, &fakeSearcher{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSearch_DefaultCountAndArray(t *testing.T) {
	s := &fakeSearcher{results: []tool.SearchResult{{Title: "Go", URL: "https://go.dev", Content: "The Go language"}}}
	h := newTestServer(&fakeRunner{}, s)

	rec := post(t, h, "/search", `{"query":"golang"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"title":"Go","url":"https://go.dev","content":"The Go language"}]`, rec.Body.String())
	assert.Equal(t, "golang", s.query)
	assert.Equal(t, 5, s.count)
}

func TestSearch_EmptyResultIsEmptyArray(t *testing.T) {
	h := newTestServer(&fakeRunner{}, &fakeSearcher{})
	rec := post(t, h, "/search", `{"query":"nothing","count":0}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestSearch_Errors(t *testing.T) {
	h := newTestServer(&fakeRunner{}, &fakeSearcher{err: errors.New("search failed with status 503")})
	assert.Equal(t, http.StatusInternalServerError, post(t, h, "/search", `{"query":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(t, h, "/search", `{"query":""}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(t, h, "/search", `{"query":"x","count":-2}`).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := NewHTTPServer(HTTPConfig{
		Runner:   &fakeRunner{},
		Searcher: &fakeSearcher{},
		Metrics:  metrics.Collector.Handler(),
		Health:   func(ctx context.Context) error { return errors.New("ollama not reachable") },
		Logger:   testLogger(),
	})
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chatloop_uptime_seconds")
}

func TestHTTPServer_StartAndShutdown(t *testing.T) {
	srv := NewHTTPServer(HTTPConfig{Host: "127.0.0.1", Port: 0, Runner: &fakeRunner{}, Searcher: &fakeSearcher{}, Logger: testLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitMessage("short", 10))
	assert.Nil(t, splitMessage("", 10))

	text := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	chunks := splitMessage(text, 10)
	assert.Equal(t, []string{"aaaaaa", "\nbbbbbb"}, chunks)

	noBreak := strings.Repeat("x", 25)
	chunks = splitMessage(noBreak, 10)
	require.Len(t, chunks, 3)
	assert.Equal(t, noBreak, strings.Join(chunks, ""))
}

func TestSplitMessage_KeepsRunesWhole(t *testing.T) {
	text := strings.Repeat("ệ", 10) // 3 bytes each
	chunks := splitMessage(text, 10)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c), "chunk %q is not valid UTF-8", c)
		assert.LessOrEqual(t, len(c), 10)
	}
	assert.Equal(t, text, strings.Join(chunks, ""))
}

func TestTelegram_IsAllowed(t *testing.T) {
	open := NewTelegram(TelegramConfig{Logger: testLogger()})
	assert.True(t, open.isAllowed(42))

	restricted := NewTelegram(TelegramConfig{AllowFrom: []string{"42", " 7 ", "bogus"}, Logger: testLogger()})
	assert.True(t, restricted.isAllowed(42))
	assert.True(t, restricted.isAllowed(7))
	assert.False(t, restricted.isAllowed(8))
}
