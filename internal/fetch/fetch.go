// Package fetch extracts readable text from the pages link posts point to.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/TobiSchelling/RedditDigest/internal/database"
	"github.com/TobiSchelling/RedditDigest/internal/logging"
	"github.com/TobiSchelling/RedditDigest/internal/textutil"
)

const (
	minTextChars = 100
	maxBodyBytes = 4 << 20
)

// Result holds the counters of a FillExcerpts call.
type Result struct {
	Fetched int
	Skipped int
	Failed  int
}

// ExcerptFetcher fetches page text via HTTP and readability extraction.
type ExcerptFetcher struct {
	userAgent string
	client    *http.Client
	log       logging.Logger
}

// NewExcerptFetcher creates a fetcher with the given per-request timeout.
func NewExcerptFetcher(userAgent string, timeout time.Duration, log logging.Logger) *ExcerptFetcher {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &ExcerptFetcher{
		userAgent: userAgent,
		log:       log,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

// FillExcerpts sets BodyExcerpt in place for link items that have none.
// After an HTTP error from a domain the remaining items from it are skipped.
func (f *ExcerptFetcher) FillExcerpts(ctx context.Context, items []database.Item, maxChars int) Result {
	var res Result
	failedDomains := make(map[string]struct{})

	for i := range items {
		it := &items[i]
		if !needsExcerpt(it) {
			res.Skipped++
			continue
		}

		domain := domainOf(it.URL)
		if _, failed := failedDomains[domain]; failed {
			res.Failed++
			continue
		}

		text, err := f.fetchText(ctx, it.URL)
		var he *httpError
		switch {
		case errors.As(err, &he):
			res.Failed++
			if domain != "" {
				failedDomains[domain] = struct{}{}
			}
			f.log.WithFields(logging.Fields{"url": it.URL, "domain": domain, "status": he.code}).
				Debug("HTTP error, skipping remaining links from domain")
		case err != nil:
			res.Failed++
			f.log.WithError(err).WithField("url", it.URL).Debug("Link fetch failed")
		case text == "":
			res.Failed++
			f.log.WithField("url", it.URL).Debug("No extractable content")
		default:
			it.BodyExcerpt = textutil.Excerpt(text, maxChars)
			res.Fetched++
		}
	}

	f.log.WithFields(logging.Fields{
		"fetched": res.Fetched,
		"skipped": res.Skipped,
		"failed":  res.Failed,
	}).Info("Link excerpt fetch complete")
	return res
}

func needsExcerpt(it *database.Item) bool {
	if it.BodyExcerpt != "" || it.IsVideo || it.URL == "" || it.URL == it.Permalink {
		return false
	}
	u, err := url.Parse(it.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := strings.ToLower(u.Hostname())
	// Media hosts have no article text.
	for _, h := range []string{"reddit.com", "redd.it", "imgur.com", "youtube.com", "youtu.be"} {
		if host == h || strings.HasSuffix(host, "."+h) {
			return false
		}
	}
	return true
}

func domainOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

func (f *ExcerptFetcher) fetchText(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", &httpError{code: resp.StatusCode}
	}

	parsedURL, _ := url.Parse(pageURL)
	article, err := readability.FromReader(io.LimitReader(resp.Body, maxBodyBytes), parsedURL)
	if err != nil {
		return "", fmt.Errorf("extracting %s: %w", pageURL, err)
	}

	text := strings.TrimSpace(article.TextContent)
	if len([]rune(text)) < minTextChars {
		return "", nil
	}
	return text, nil
}

type httpError struct {
	code int
}

func (e *httpError) Error() string {
	return http.StatusText(e.code)
}
