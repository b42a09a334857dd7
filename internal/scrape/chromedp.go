package scrape

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	readability "github.com/go-shiori/go-readability"
)

// ChromedpFetcher renders the page in headless Chrome before extraction, for
// sources that assemble their content client-side.
type ChromedpFetcher struct {
	Timeout  time.Duration
	MinLen   int
	MaxChars int
}

// NewChromedpFetcher builds a ChromedpFetcher with the given timeout and bounds.
func NewChromedpFetcher(timeout time.Duration, minLen, maxChars int) *ChromedpFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ChromedpFetcher{Timeout: timeout, MinLen: minLen, MaxChars: maxChars}
}

// Fetch renders the URL and returns cleaned text. A render failure surfaces
// as a skip result with a synthetic status so one bad source does not abort
// the batch.
func (f *ChromedpFetcher) Fetch(ctx context.Context, rawURL string) (Result, error) {
	if strings.TrimSpace(rawURL) == "" {
		return Result{}, errors.New("empty url")
	}
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()
	t0 := time.Now()

	html, err := renderHTML(ctx, rawURL)
	if err != nil {
		return Result{
			URL:        rawURL,
			FinalURL:   rawURL,
			StatusCode: 599,
			FetchMS:    int(time.Since(t0) / time.Millisecond),
			Skip:       true,
			SkipReason: "render_error:" + err.Error(),
		}, nil
	}

	res := Result{
		URL:        rawURL,
		FinalURL:   rawURL,
		StatusCode: 200,
		RawHTML:    html,
		FetchMS:    int(time.Since(t0) / time.Millisecond),
	}
	article, err := readability.FromReader(strings.NewReader(html), mustParseURL(rawURL))
	if err == nil {
		res.CleanText = article.TextContent
	}
	return finish(res, f.MinLen, f.MaxChars), nil
}

func renderHTML(ctx context.Context, url string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(defaultUserAgent),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}
