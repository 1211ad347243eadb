// Package search retrieves web context for turns through the Brave
// Search API. A plain search formats the top results as a context
// block; deep research additionally fetches the top result pages and
// assembles their text into a larger one.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultEndpoint = "https://api.search.brave.com/res/v1/web/search"

const (
	maxQueryRunes = 500
	searchCount   = 5
	deepCount     = 8
	deepPages     = 5

	titleRunes   = 200
	snippetRunes = 500
	pageRunes    = 4000
	sectionRunes = 3000
	contextRunes = 20000
	maxBodyBytes = 1 << 20
)

// Result is one web search hit.
type Result struct {
	Title   string
	URL     string
	Snippet string
}

// Client queries the Brave Search API and fetches result pages.
type Client struct {
	apiKey   string
	endpoint string
	http     *http.Client
	logger   *zap.Logger
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithLogger sets the client logger. Nil values are ignored.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client. Nil values are ignored.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithEndpoint overrides the search API endpoint.
func WithEndpoint(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.endpoint = u
		}
	}
}

// New creates a Client keyed by the Brave subscription token.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:   apiKey,
		endpoint: defaultEndpoint,
		http:     &http.Client{Timeout: 15 * time.Second},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Search returns a context block for the query, ready to prepend to a
// turn's prompt. An empty block means no usable results.
func (c *Client) Search(ctx context.Context, query string, deep bool) (string, error) {
	if deep {
		return c.deepResearch(ctx, query)
	}
	results, err := c.webSearch(ctx, query, searchCount)
	if err != nil {
		return "", err
	}
	return formatResults(results), nil
}

// braveResponse mirrors the slice of the API response we consume.
type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (c *Client) webSearch(ctx context.Context, query string, count int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" || len([]rune(query)) > maxQueryRunes {
		return nil, fmt.Errorf("search: query length out of range")
	}
	if count < 1 {
		count = 1
	}
	if count > 20 {
		count = 20
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("search: build request: %w", err)
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("count", strconv.Itoa(count))
	q.Set("safesearch", "moderate")
	req.URL.RawQuery = q.Encode()
	req.Header.Set("X-Subscription-Token", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "chatgate/1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search: unexpected status %d", resp.StatusCode)
	}

	var body braveResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&body); err != nil {
		return nil, fmt.Errorf("search: decode response: %w", err)
	}

	results := make([]Result, 0, count)
	for _, item := range body.Web.Results {
		if len(results) == count {
			break
		}
		if !strings.HasPrefix(item.URL, "http://") && !strings.HasPrefix(item.URL, "https://") {
			continue
		}
		results = append(results, Result{
			Title:   capRunes(item.Title, titleRunes),
			URL:     item.URL,
			Snippet: capRunes(item.Description, snippetRunes),
		})
	}
	c.logger.Debug("web search completed",
		zap.String("query", capRunes(query, 50)),
		zap.Int("results", len(results)))
	return results, nil
}

// deepResearch searches wide, reads the top result pages concurrently,
// and assembles a combined context block.
func (c *Client) deepResearch(ctx context.Context, query string) (string, error) {
	results, err := c.webSearch(ctx, query, deepCount)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}

	top := results
	if len(top) > deepPages {
		top = top[:deepPages]
	}
	pages := make([]string, len(top))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range top {
		g.Go(func() error {
			// Page failures degrade to the search snippet.
			pages[i] = c.fetchPage(gctx, r.URL)
			return nil
		})
	}
	_ = g.Wait()

	sections := []string{"[Deep research results]", "Query: " + query, ""}
	for i, r := range top {
		sections = append(sections,
			fmt.Sprintf("--- Source %d: %s ---", i+1, r.Title),
			"URL: "+r.URL)
		switch {
		case pages[i] != "":
			sections = append(sections, capRunes(pages[i], sectionRunes))
		case r.Snippet != "":
			sections = append(sections, r.Snippet)
		}
		sections = append(sections, "")
	}
	if len(results) > deepPages {
		sections = append(sections, "--- Additional results ---")
		for _, r := range results[deepPages:] {
			sections = append(sections, fmt.Sprintf("- %s (%s): %s", r.Title, r.URL, r.Snippet))
		}
	}

	out := strings.Join(sections, "\n")
	if len([]rune(out)) > contextRunes {
		out = capRunes(out, contextRunes) + "\n... (truncated)"
	}
	return out, nil
}

// fetchPage downloads a result page and reduces it to plain text.
// Failures return "" so the caller can fall back to the snippet.
func (c *Client) fetchPage(ctx context.Context, pageURL string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("page fetch failed", zap.String("url", pageURL), zap.Error(err))
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("page fetch failed",
			zap.String("url", pageURL),
			zap.Int("status", resp.StatusCode))
		return ""
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		c.logger.Warn("page read failed", zap.String("url", pageURL), zap.Error(err))
		return ""
	}
	return capRunes(stripHTML(string(raw)), pageRunes)
}

// formatResults renders results as a numbered context block.
func formatResults(results []Result) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("[Web search results]")
	for i, r := range results {
		fmt.Fprintf(&b, "\n%d. %s\n   URL: %s", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			b.WriteString("\n   " + r.Snippet)
		}
	}
	return b.String()
}

var (
	scriptRe = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	tagRe    = regexp.MustCompile(`<[^>]+>`)
	spaceRe  = regexp.MustCompile(`\s+`)
)

// stripHTML reduces an HTML document to whitespace-collapsed text.
func stripHTML(s string) string {
	s = scriptRe.ReplaceAllString(s, "")
	s = styleRe.ReplaceAllString(s, "")
	s = tagRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

func capRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
