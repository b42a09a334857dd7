package scrape

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/oversight-labs/riskwatch/internal/helpers"
)

// Defaults match the bounds the pipeline was tuned with: pages shorter than
// MinCleanTextLen are almost always consent walls or block pages.
const (
	DefaultMinCleanTextLen   = 1200
	DefaultMaxCleanTextChars = 25000
)

// Result is the outcome of one fetch+clean attempt. Skip marks results the
// ingestor must treat as a failure signal rather than a snapshot.
type Result struct {
	URL        string
	FinalURL   string
	StatusCode int
	CleanText  string
	RawHTML    string
	FetchMS    int
	Skip       bool
	SkipReason string
}

// Fetcher retrieves a document and returns its boilerplate-stripped text.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Result, error)
}

var (
	spaceRun   = regexp.MustCompile(`[ \t]+`)
	newlineRun = regexp.MustCompile(`\n{3,}`)
)

// normalizeWhitespace collapses horizontal whitespace and blank-line runs so
// fingerprints stay stable across cosmetic markup changes.
func normalizeWhitespace(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = spaceRun.ReplaceAllString(text, " ")
	text = newlineRun.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// finish applies the shared length policy to a cleaned result.
func finish(res Result, minLen, maxChars int) Result {
	if minLen <= 0 {
		minLen = DefaultMinCleanTextLen
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxCleanTextChars
	}
	res.CleanText = helpers.TruncateMiddle(normalizeWhitespace(res.CleanText), maxChars)

	switch {
	case res.StatusCode >= 400:
		res.Skip = true
		res.SkipReason = fmt.Sprintf("http_error:%d", res.StatusCode)
	case len(res.CleanText) < minLen:
		res.Skip = true
		res.SkipReason = fmt.Sprintf("clean_text_too_short:%d<min:%d", len(res.CleanText), minLen)
	}
	return res
}
