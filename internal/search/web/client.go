package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/equipkb/backend/pkg/logger"
)

type Client struct {
	serpAPIKey string
	maxResults int
	httpClient *http.Client
}

type Hit struct {
	Title   string
	URL     string
	Snippet string
}

func NewClient(serpAPIKey string, maxResults, timeoutSec int) *Client {
	return &Client{
		serpAPIKey: serpAPIKey,
		maxResults: maxResults,
		httpClient: &http.Client{
			Timeout: time.Duration(timeoutSec) * time.Second,
		},
	}
}

// BroadSearch is the cascade's cheap tier 1: one general query for the
// equipment's manual.
func (c *Client) BroadSearch(ctx context.Context, manufacturer, model string) ([]Hit, error) {
	query := fmt.Sprintf("%s %s service manual", manufacturer, model)
	logger.Info("Broad manual search", zap.String("query", query))
	return c.search(ctx, query)
}

// TargetedSearch is tier 2: narrower, source-targeted queries with higher
// recall against manufacturer and documentation domains.
func (c *Client) TargetedSearch(ctx context.Context, manufacturer, model string) ([]Hit, error) {
	mfrSlug := strings.ToLower(strings.ReplaceAll(manufacturer, " ", ""))
	queries := []string{
		fmt.Sprintf(`site:%s.com "%s" manual filetype:pdf`, mfrSlug, model),
		fmt.Sprintf(`"%s" "%s" (manual OR "fault codes" OR "parts list") filetype:pdf`, manufacturer, model),
	}

	var hits []Hit
	for _, q := range queries {
		logger.Info("Targeted manual search", zap.String("query", q))
		results, err := c.search(ctx, q)
		if err != nil {
			logger.Warn("Targeted search query failed", zap.String("query", q), zap.Error(err))
			continue
		}
		hits = append(hits, results...)
		if len(hits) >= c.maxResults {
			break
		}
	}

	if len(hits) > c.maxResults {
		hits = hits[:c.maxResults]
	}
	return hits, nil
}

func (c *Client) search(ctx context.Context, query string) ([]Hit, error) {
	if c.serpAPIKey != "" {
		return c.searchWithSerpAPI(ctx, query)
	}
	return c.scrapeSearch(ctx, query)
}

func (c *Client) searchWithSerpAPI(ctx context.Context, query string) ([]Hit, error) {
	params := url.Values{}
	params.Add("q", query)
	params.Add("api_key", c.serpAPIKey)
	params.Add("num", fmt.Sprintf("%d", c.maxResults))

	req, err := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("https://serpapi.com/search?%s", params.Encode()), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var searchResp struct {
		OrganicResults []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic_results"`
	}
	if err := json.Unmarshal(body, &searchResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	hits := make([]Hit, 0, len(searchResp.OrganicResults))
	for _, r := range searchResp.OrganicResults {
		hits = append(hits, Hit{Title: r.Title, URL: r.Link, Snippet: r.Snippet})
	}

	logger.Info("Search completed", zap.Int("results", len(hits)))
	return hits, nil
}

func (c *Client) scrapeSearch(ctx context.Context, query string) ([]Hit, error) {
	searchURL := fmt.Sprintf("https://www.google.com/search?q=%s&num=%d",
		url.QueryEscape(query), c.maxResults)

	req, err := http.NewRequestWithContext(ctx, "GET", searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	hits := make([]Hit, 0)
	doc.Find("div.g").Each(func(i int, s *goquery.Selection) {
		if i >= c.maxResults {
			return
		}

		title := s.Find("h3").Text()
		link, _ := s.Find("a").Attr("href")
		snippet := s.Find("div.VwiC3b").Text()

		if title != "" && link != "" {
			hits = append(hits, Hit{Title: title, URL: link, Snippet: snippet})
		}
	})

	logger.Info("Scrape search completed", zap.Int("results", len(hits)))
	return hits, nil
}

// FetchPage pulls the visible text of a result page, used when a snippet is
// too thin to validate against.
func (c *Client) FetchPage(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch page: %w", err)
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to parse page: %w", err)
	}

	doc.Find("script, style, nav, footer, header, aside").Remove()
	text := strings.TrimSpace(doc.Find("body").Text())

	if len(text) > 5000 {
		text = text[:5000]
	}
	return text, nil
}
