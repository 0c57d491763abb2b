package tool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatloop/internal/domain"
)

func resultHTML(title, href, snippet string) string {
	return fmt.Sprintf(`<div class="result results_links web-result">
  <div class="links_main result__body">
    <h2 class="result__title"><a rel="nofollow" class="result__a" href="%s">%s</a></h2>
    <a class="result__snippet" href="%s">%s</a>
  </div>
</div>`, href, title, href, snippet)
}

func resultsPage(results ...string) string {
	return `<html><body><div id="links" class="results">` + strings.Join(results, "\n") + `</div></body></html>`
}

// fakeSource serves a fixed page and records the URL it was asked for.
type fakeSource struct {
	page []byte
	err  error
	url  string
}

func (f *fakeSource) Page(ctx context.Context, pageURL string) ([]byte, error) {
	f.url = pageURL
	return f.page, f.err
}

func TestParseResults_OrderAndFields(t *testing.T) {
	page := resultsPage(
		resultHTML("First <b>hit</b>", "https://a.example/1", "  Alpha snippet "),
		resultHTML("Second", "https://b.example/2", "Beta"),
	)

	results, err := ParseResults([]byte(page), 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, SearchResult{Title: "First hit", URL: "https://a.example/1", Content: "Alpha snippet"}, results[0])
	assert.Equal(t, "Second", results[1].Title)
}

func TestParseResults_SkipsResultsWithoutURL(t *testing.T) {
	page := resultsPage(
		resultHTML("No link", "", "missing href"),
		resultHTML("Good", "https://good.example", "ok"),
	)

	results, err := ParseResults([]byte(page), 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Good", results[0].Title)
}

func TestParseResults_LimitCountsContainers(t *testing.T) {
	page := resultsPage(
		resultHTML("No link", "", "skip"),
		resultHTML("Good", "https://good.example", "ok"),
		resultHTML("Third", "https://third.example", "ok"),
	)

	results, err := ParseResults([]byte(page), 2)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Good", results[0].Title)
}

func TestRenderResults(t *testing.T) {
	out := RenderResults([]SearchResult{
		{Title: "A", URL: "https://a", Content: "one"},
		{Title: "B", URL: "https://b", Content: "two"},
	})
	assert.Equal(t, "Title: A\nURL: https://a\nContent: one\n---\nTitle: B\nURL: https://b\nContent: two\n---", out)
	assert.Equal(t, "", RenderResults(nil))
}

func TestWebSearch_ExecuteDefaultCount(t *testing.T) {
	var hits []string
	for i := 0; i < 8; i++ {
		hits = append(hits, resultHTML(fmt.Sprintf("R%d", i), fmt.Sprintf("https://r%d.example", i), "s"))
	}
	src := &fakeSource{page: []byte(resultsPage(hits...))}
	ws := NewWebSearch(WebSearchConfig{Source: src, Logger: testLogger()})

	out, err := ws.Execute(context.Background(), map[string]any{"query": "weather in Paris"})
	require.NoError(t, err)
	assert.Equal(t, 5, strings.Count(out, "\n---"))
	assert.True(t, strings.HasPrefix(out, "Title: R0\n"))
	assert.Equal(t, "https://html.duckduckgo.com/html/?q=weather+in+Paris", src.url)
}

func TestWebSearch_ExecuteCountVariants(t *testing.T) {
	page := []byte(resultsPage(
		resultHTML("A", "https://a", "x"),
		resultHTML("B", "https://b", "y"),
		resultHTML("C", "https://c", "z"),
	))
	tests := []struct {
		name  string
		count any
		want  int
	}{
		{"float", float64(2), 2},
		{"string", "1", 1},
		{"zero", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := NewWebSearch(WebSearchConfig{Source: &fakeSource{page: page}, Logger: testLogger()})
			out, err := ws.Execute(context.Background(), map[string]any{"query": "q", "count": tt.count})
			require.NoError(t, err)
			assert.Equal(t, tt.want, strings.Count(out, "\n---"))
		})
	}
}

func TestWebSearch_HugeCount(t *testing.T) {
	page := []byte(resultsPage(resultHTML("Only", "https://only.example", "one hit")))
	ws := NewWebSearch(WebSearchConfig{Source: &fakeSource{page: page}, Logger: testLogger()})

	var out string
	var err error
	require.NotPanics(t, func() {
		out, err = ws.Execute(context.Background(), map[string]any{"query": "x", "count": float64(1 << 62)})
	})
	require.NoError(t, err)
	assert.Equal(t, "Title: Only\nURL: https://only.example\nContent: one hit\n---", out)
}

func TestWebSearch_ZeroResultsIsEmptySuccess(t *testing.T) {
	ws := NewWebSearch(WebSearchConfig{Source: &fakeSource{page: []byte(resultsPage())}, Logger: testLogger()})
	out, err := ws.Execute(context.Background(), map[string]any{"query": "nothing"})
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestWebSearch_InvalidArguments(t *testing.T) {
	ws := NewWebSearch(WebSearchConfig{Source: &fakeSource{}, Logger: testLogger()})
	for _, args := range []map[string]any{
		nil,
		{"query": ""},
		{"query": "   "},
		{"query": 7},
		{"query": "x", "count": -1},
		{"query": "x", "count": "lots"},
	} {
		_, err := ws.Execute(context.Background(), args)
		var ce *domain.CapabilityError
		assert.True(t, errors.As(err, &ce), "args %v: expected CapabilityError, got %v", args, err)
	}
}

func TestWebSearch_SourceFailure(t *testing.T) {
	ws := NewWebSearch(WebSearchConfig{Source: &fakeSource{err: errors.New("connection refused")}, Logger: testLogger()})
	_, err := ws.Execute(context.Background(), map[string]any{"query": "x"})

	var ce *domain.CapabilityError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "Web search failed: connection refused", err.Error())
}

func TestHTTPSource_AgainstServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("User-Agent"), "Mozilla/5.0")
		assert.Equal(t, "golang tips", r.URL.Query().Get("q"))
		_, _ = io.WriteString(w, resultsPage(resultHTML("Go", "https://go.dev", "tips")))
	}))
	defer srv.Close()

	ws := NewWebSearch(WebSearchConfig{Endpoint: srv.URL + "/html/", Logger: testLogger()})
	results, err := ws.Search(context.Background(), "golang tips", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "https://go.dev", results[0].URL)
}

func TestHTTPSource_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	ws := NewWebSearch(WebSearchConfig{Endpoint: srv.URL, Logger: testLogger()})
	_, err := ws.Execute(context.Background(), map[string]any{"query": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
}
