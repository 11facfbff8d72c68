package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

const webSearchDescription = "Search the web for current information. " +
	"Input is a plain search query; output is a JSON object with a results array " +
	"of {title, url, snippet, domain}."

const fetchPageDescription = "Fetch a web page and return its readable text. " +
	"Input is a URL; output is the page title followed by the extracted body text."

const maxPageText = 8000

// WebSearch searches the web by scraping the DuckDuckGo HTML endpoint.
// No API key required.
type WebSearch struct {
	BaseURL string
	Count   int
	Client  *http.Client
}

// WebSearchOption configures a WebSearch tool
type WebSearchOption func(*WebSearch)

// WithSearchBaseURL sets the search endpoint, mainly for tests
func WithSearchBaseURL(baseURL string) WebSearchOption {
	return func(w *WebSearch) { w.BaseURL = baseURL }
}

// WithSearchCount caps the number of results returned (1-20)
func WithSearchCount(count int) WebSearchOption {
	return func(w *WebSearch) {
		if count < 1 {
			count = 1
		}
		if count > 20 {
			count = 20
		}
		w.Count = count
	}
}

// NewWebSearch creates the web_search tool
func NewWebSearch(opts ...WebSearchOption) *WebSearch {
	w := &WebSearch{
		BaseURL: "https://html.duckduckgo.com/html/",
		Count:   8,
		Client:  &http.Client{Timeout: 20 * time.Second},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Name returns the name of the tool
func (w *WebSearch) Name() string { return "web_search" }

// Description returns the description of the tool
func (w *WebSearch) Description() string { return webSearchDescription }

// SearchHit is one search result on the wire
type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
	Domain  string `json:"domain,omitempty"`
}

// Call executes the search
func (w *WebSearch) Call(ctx context.Context, input string) (string, error) {
	form := url.Values{}
	form.Set("q", input)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.BaseURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "planflow/1.0")

	resp, err := w.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search endpoint returned status: %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to parse search results: %w", err)
	}

	var hits []SearchHit
	doc.Find(".result").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		link := s.Find(".result__a").First()
		href, _ := link.Attr("href")
		href = resolveRedirect(href)
		if href == "" {
			return true
		}
		hit := SearchHit{
			Title:   strings.TrimSpace(link.Text()),
			URL:     href,
			Snippet: strings.TrimSpace(s.Find(".result__snippet").First().Text()),
		}
		if u, err := url.Parse(href); err == nil {
			hit.Domain = u.Hostname()
		}
		hits = append(hits, hit)
		return len(hits) < w.Count
	})

	out, err := json.Marshal(map[string]any{"results": hits})
	if err != nil {
		return "", fmt.Errorf("failed to encode search results: %w", err)
	}
	return string(out), nil
}

// resolveRedirect unwraps DuckDuckGo's /l/?uddg= redirect links
func resolveRedirect(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "" && u.Host == "" {
		return ""
	}
	return href
}

// FetchPage fetches a URL and extracts readable text
type FetchPage struct {
	Client  *http.Client
	MaxText int
}

// FetchPageOption configures a FetchPage tool
type FetchPageOption func(*FetchPage)

// WithFetchClient overrides the HTTP client, mainly for tests
func WithFetchClient(client *http.Client) FetchPageOption {
	return func(f *FetchPage) { f.Client = client }
}

// NewFetchPage creates the fetch_page tool
func NewFetchPage(opts ...FetchPageOption) *FetchPage {
	f := &FetchPage{
		Client:  &http.Client{Timeout: 20 * time.Second},
		MaxText: maxPageText,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Name returns the name of the tool
func (f *FetchPage) Name() string { return "fetch_page" }

// Description returns the description of the tool
func (f *FetchPage) Description() string { return fetchPageDescription }

// Call fetches the page and returns title plus extracted text
func (f *FetchPage) Call(ctx context.Context, input string) (string, error) {
	target := strings.TrimSpace(input)
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("fetch_page input must be an http(s) URL, got %q", input)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "planflow/1.0")

	resp, err := f.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("page returned status: %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to parse page: %w", err)
	}
	doc.Find("script, style, noscript, iframe").Remove()

	// Strict sanitization strips any markup that survives text extraction
	policy := bluemonday.StrictPolicy()

	title := strings.TrimSpace(policy.Sanitize(doc.Find("title").First().Text()))

	var sb strings.Builder
	if title != "" {
		sb.WriteString(title)
		sb.WriteString("\n\n")
	}
	doc.Find("h1, h2, h3, p, li, blockquote").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(policy.Sanitize(s.Text()))
		if text == "" {
			return
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	})

	text := sb.String()
	if text == "" {
		text = strings.TrimSpace(policy.Sanitize(doc.Text()))
	}
	if len(text) > f.MaxText {
		text = text[:f.MaxText] + "\n[truncated]"
	}
	return text, nil
}
