package scrape

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36"

// HTTPFetcher fetches documents over plain HTTP and extracts readable text
// with go-readability. Suitable for static pages; JS-rendered sources need
// the chromedp fetcher.
type HTTPFetcher struct {
	Client    *http.Client
	UserAgent string
	MinLen    int
	MaxChars  int
}

// NewHTTPFetcher builds an HTTPFetcher with the given timeout and bounds.
func NewHTTPFetcher(timeout time.Duration, minLen, maxChars int) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFetcher{
		Client:   &http.Client{Timeout: timeout},
		MinLen:   minLen,
		MaxChars: maxChars,
	}
}

// Fetch retrieves the URL, follows redirects, and returns cleaned text.
// Transport errors are returned as errors; HTTP errors and too-short pages
// come back as skip results so callers can report them per source.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (Result, error) {
	if strings.TrimSpace(rawURL) == "" {
		return Result{}, errors.New("empty url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{}, err
	}
	ua := f.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	req.Header.Set("User-Agent", ua)

	t0 := time.Now()
	resp, err := f.Client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, err
	}
	html := string(body)

	res := Result{
		URL:        rawURL,
		FinalURL:   resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		RawHTML:    html,
		FetchMS:    int(time.Since(t0) / time.Millisecond),
	}

	article, err := readability.FromReader(strings.NewReader(html), mustParseURL(res.FinalURL))
	if err == nil {
		res.CleanText = article.TextContent
	}
	return finish(res, f.MinLen, f.MaxChars), nil
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
