package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"

	"github.com/sasaki2110/morizo/internal/chain"
)

// WebRecipeService fetches a recipe page and extracts its main content as
// clean text. Static fetch first; pages that come back nearly empty
// (script-rendered sites) go through a headless-browser pass.
type WebRecipeService struct {
	UserAgent string
	Client    *http.Client
}

func NewWebRecipeService() *WebRecipeService {
	return &WebRecipeService{
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
		Client:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *WebRecipeService) Name() string { return "recipe_web" }

func (s *WebRecipeService) Methods() []string {
	return []string{"fetch_recipe_page"}
}

// Pages whose extracted text is shorter than this are assumed to need
// client-side rendering.
const minStaticContent = 200

func (s *WebRecipeService) Invoke(ctx context.Context, method string, params map[string]any) (chain.Outcome, error) {
	if method != "fetch_recipe_page" {
		return chain.Outcome{}, fmt.Errorf("%w: recipe_web.%s", ErrServiceNotFound, method)
	}

	rawURL := stringParam(params, "url")
	if rawURL == "" {
		return chain.Outcome{}, fmt.Errorf("fetch_recipe_page requires url")
	}
	pageURL, err := url.Parse(rawURL)
	if err != nil {
		return chain.Outcome{}, fmt.Errorf("failed to parse URL: %v", err)
	}

	title, content, err := s.fetchStatic(ctx, pageURL)
	if err == nil && len(content) < minStaticContent {
		if rTitle, rContent, rErr := s.fetchRendered(ctx, pageURL); rErr == nil && len(rContent) > len(content) {
			title, content = rTitle, rContent
		}
	}
	if err != nil {
		return chain.Outcome{}, err
	}

	// Limit content length to avoid massive token usage downstream
	if len(content) > 50000 {
		content = content[:50000] + "\n... (content truncated) ..."
	}

	return ok(map[string]any{
		"title":   title,
		"url":     rawURL,
		"content": content,
	}), nil
}

func (s *WebRecipeService) fetchStatic(ctx context.Context, pageURL *url.URL) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", pageURL.String(), nil)
	if err != nil {
		return "", "", fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("User-Agent", s.UserAgent)

	resp, err := s.Client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("failed to fetch URL: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("failed to fetch URL: status code %d", resp.StatusCode)
	}

	article, err := readability.FromReader(resp.Body, pageURL)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse article: %v", err)
	}

	p := bluemonday.StrictPolicy()
	return article.Title, p.Sanitize(article.TextContent), nil
}

// fetchRendered loads the page in a headless browser, then runs the same
// readability extraction over the rendered HTML.
func (s *WebRecipeService) fetchRendered(ctx context.Context, pageURL *url.URL) (string, string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	renderCtx, cancel := context.WithTimeout(browserCtx, 60*time.Second)
	defer cancel()

	var html string
	err := chromedp.Run(renderCtx,
		chromedp.Navigate(pageURL.String()),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return "", "", fmt.Errorf("failed to render page: %v", err)
	}

	article, err := readability.FromReader(strings.NewReader(html), pageURL)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse rendered article: %v", err)
	}

	p := bluemonday.StrictPolicy()
	return article.Title, p.Sanitize(article.TextContent), nil
}
