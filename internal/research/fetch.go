package research

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
	readability "github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// Fetcher downloads a page and extracts its main content as sanitized text.
// Plain HTTP plus readability first; when that yields nothing useful the page
// is rendered in a headless browser and extraction runs on the rendered DOM.
type Fetcher struct {
	UserAgent  string
	MaxContent int

	// RenderFallback disables the headless pass when false. Useful in
	// environments without a browser binary.
	RenderFallback bool
}

func NewFetcher() *Fetcher {
	return &Fetcher{
		UserAgent:      defaultUserAgent,
		MaxContent:     50000,
		RenderFallback: true,
	}
}

// Fetch returns a "TITLE / CONTENT" report for the given URL.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (string, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %v", err)
	}

	article, err := f.fetchStatic(ctx, pageURL, parsed)
	if err != nil || strings.TrimSpace(article.TextContent) == "" {
		if !f.RenderFallback {
			if err != nil {
				return "", err
			}
			return "", fmt.Errorf("no readable content at %s", pageURL)
		}
		article, err = f.fetchRendered(ctx, pageURL, parsed)
		if err != nil {
			return "", err
		}
	}

	p := bluemonday.StrictPolicy()
	content := p.Sanitize(article.TextContent)
	if len(content) > f.MaxContent {
		content = content[:f.MaxContent] + "\n... (content truncated) ..."
	}

	output := fmt.Sprintf("TITLE: %s\n", article.Title)
	if article.Excerpt != "" {
		output += fmt.Sprintf("EXCERPT: %s\n", article.Excerpt)
	}
	output += "\n-- CONTENT --\n" + content
	return output, nil
}

func (f *Fetcher) fetchStatic(ctx context.Context, pageURL string, parsed *url.URL) (readability.Article, error) {
	client := &http.Client{Timeout: 30 * time.Second}

	req, err := http.NewRequestWithContext(ctx, "GET", pageURL, nil)
	if err != nil {
		return readability.Article{}, fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("User-Agent", f.UserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return readability.Article{}, fmt.Errorf("failed to fetch URL: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readability.Article{}, fmt.Errorf("failed to fetch URL: status code %d", resp.StatusCode)
	}

	article, err := readability.FromReader(resp.Body, parsed)
	if err != nil {
		return readability.Article{}, fmt.Errorf("failed to parse article: %v", err)
	}
	return article, nil
}

// fetchRendered loads the page in headless Chrome and extracts from the
// post-JavaScript DOM.
func (f *Fetcher) fetchRendered(ctx context.Context, pageURL string, parsed *url.URL) (readability.Article, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", true),
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
		chromedp.Navigate(pageURL),
		chromedp.ActionFunc(func(ctx context.Context) error {
			node, err := dom.GetDocument().Do(ctx)
			if err != nil {
				return err
			}
			html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
			return err
		}),
	)
	if err != nil {
		return readability.Article{}, fmt.Errorf("failed to render page: %v", err)
	}

	article, err := readability.FromReader(strings.NewReader(html), parsed)
	if err != nil {
		return readability.Article{}, fmt.Errorf("failed to parse rendered page: %v", err)
	}
	return article, nil
}
