package tool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	xhtml "golang.org/x/net/html"

	"chatloop/internal/browser"
	"chatloop/internal/domain"
)

const (
	WebSearchName = "websearch"

	duckDuckGoEndpoint   = "https://html.duckduckgo.com/html/"
	defaultSearchCount   = 5
	defaultSearchTimeout = 15 * time.Second
	maxSearchBodyBytes   = 2 << 20
	resultsPrealloc      = 32 // a results page holds about 30 hits
)

// SearchArgs are the arguments accepted by the websearch capability.
type SearchArgs struct {
	Query string   `json:"query" jsonschema_description:"The search query to do web search on."`
	Count *FlexInt `json:"count,omitempty" jsonschema_description:"Optional field to mention how many web search results are needed"`
}

// SearchResult is one hit on the results page.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// PageSource fetches the raw HTML of a results page.
type PageSource interface {
	Page(ctx context.Context, pageURL string) ([]byte, error)
}

// HTTPSource fetches pages with a plain HTTP client and a browser User-Agent.
type HTTPSource struct {
	client *http.Client
}

func NewHTTPSource(client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: defaultSearchTimeout}
	}
	return &HTTPSource{client: client}
}

func (s *HTTPSource) Page(ctx context.Context, pageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", browser.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("search failed with status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSearchBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	return body, nil
}

// WebSearch queries DuckDuckGo's HTML endpoint and renders the hits as text.
type WebSearch struct {
	source   PageSource
	endpoint string
	timeout  time.Duration
	logger   *slog.Logger
}

type WebSearchConfig struct {
	Source         PageSource // defaults to an HTTPSource
	Endpoint       string     // defaults to the DuckDuckGo HTML endpoint
	TimeoutSeconds int
	Logger         *slog.Logger
}

func NewWebSearch(cfg WebSearchConfig) *WebSearch {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultSearchTimeout
	}
	if cfg.Source == nil {
		cfg.Source = NewHTTPSource(&http.Client{Timeout: timeout})
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = duckDuckGoEndpoint
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebSearch{
		source:   cfg.Source,
		endpoint: cfg.Endpoint,
		timeout:  timeout,
		logger:   cfg.Logger,
	}
}

var searchSchema = GenerateSchema[SearchArgs]()

func (w *WebSearch) Name() string { return WebSearchName }

func (w *WebSearch) Description() string {
	return "Get search results from web for latest events, news."
}

func (w *WebSearch) Parameters() map[string]any { return searchSchema }

func (w *WebSearch) Execute(ctx context.Context, args map[string]any) (string, error) {
	in, err := decodeArgs[SearchArgs](WebSearchName, args)
	if err != nil {
		return "", err
	}
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return "", domain.NewCapabilityError(WebSearchName, "Missing or invalid 'query' parameter")
	}
	count := defaultSearchCount
	if in.Count != nil {
		count = int(*in.Count)
	}
	if count < 0 {
		return "", domain.NewCapabilityError(WebSearchName, "Invalid 'count' parameter: %d", count)
	}

	results, err := w.Search(ctx, query, count)
	if err != nil {
		return "", &domain.CapabilityError{Capability: WebSearchName, Message: "Web search failed", Err: err}
	}
	return RenderResults(results), nil
}

// Search returns up to count results in the order the engine lists them.
func (w *WebSearch) Search(ctx context.Context, query string, count int) ([]SearchResult, error) {
	if count <= 0 {
		return []SearchResult{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	w.logger.Info("performing web search", "query", query, "count", count)
	pageURL := w.endpoint + "?q=" + url.QueryEscape(query)
	body, err := w.source.Page(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	results, err := ParseResults(body, count)
	if err != nil {
		return nil, err
	}
	w.logger.Info("web search finished", "query", query, "results", len(results))
	return results, nil
}

// ParseResults extracts hits from a DuckDuckGo HTML results page. It looks at
// the first limit ".result" containers; containers without a title link,
// a snippet, or an href are skipped.
func ParseResults(page []byte, limit int) ([]SearchResult, error) {
	doc, err := xhtml.Parse(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse search HTML: %w", err)
	}

	results := make([]SearchResult, 0, min(limit, resultsPrealloc))
	seen := 0
	var walk func(*xhtml.Node)
	walk = func(n *xhtml.Node) {
		if seen >= limit {
			return
		}
		if n.Type == xhtml.ElementNode && hasClass(n, "result") {
			seen++
			if res, ok := buildResult(n); ok {
				results = append(results, res)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return results, nil
}

func buildResult(container *xhtml.Node) (SearchResult, bool) {
	link := findFirst(container, func(n *xhtml.Node) bool {
		return n.Data == "a" && hasAncestorClass(n, container, "result__title")
	})
	snippet := findFirst(container, func(n *xhtml.Node) bool {
		return hasClass(n, "result__snippet")
	})
	if link == nil || snippet == nil {
		return SearchResult{}, false
	}
	href := attr(link, "href")
	if href == "" {
		return SearchResult{}, false
	}
	return SearchResult{
		Title:   strings.TrimSpace(textOf(link)),
		URL:     href,
		Content: strings.TrimSpace(textOf(snippet)),
	}, true
}

// RenderResults formats hits as the text block handed back to the model.
func RenderResults(results []SearchResult) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, fmt.Sprintf("Title: %s\nURL: %s\nContent: %s\n---", r.Title, r.URL, r.Content))
	}
	return strings.Join(parts, "\n")
}

func findFirst(root *xhtml.Node, match func(*xhtml.Node) bool) *xhtml.Node {
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xhtml.ElementNode && match(c) {
			return c
		}
		if found := findFirst(c, match); found != nil {
			return found
		}
	}
	return nil
}

// hasAncestorClass reports whether an element between n and stop (exclusive)
// carries class.
func hasAncestorClass(n, stop *xhtml.Node, class string) bool {
	for p := n.Parent; p != nil && p != stop; p = p.Parent {
		if hasClass(p, class) {
			return true
		}
	}
	return false
}

func hasClass(n *xhtml.Node, class string) bool {
	if n.Type != xhtml.ElementNode {
		return false
	}
	for _, part := range strings.Fields(attr(n, "class")) {
		if part == class {
			return true
		}
	}
	return false
}

func attr(n *xhtml.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textOf(n *xhtml.Node) string {
	var b strings.Builder
	var collect func(*xhtml.Node)
	collect = func(n *xhtml.Node) {
		if n.Type == xhtml.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return b.String()
}
