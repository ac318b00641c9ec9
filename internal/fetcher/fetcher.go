// Package fetcher downloads search result pages from the listing site.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"yad2_bot/internal/failure"
)

// maxBodySize bounds a single page download.
const maxBodySize = 10 * 1024 * 1024

var chromeVersions = []string{"137.0.0.0", "136.0.0.0", "135.0.0.0", "134.0.0.0"}

// Fetcher downloads pages over HTTP with browser-like headers.
type Fetcher struct {
	client *resty.Client
	pick   func(n int) int
}

// New creates a Fetcher on top of the given HTTP client.
// A nil client uses the default transport.
func New(httpClient *http.Client) *Fetcher {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	client := resty.NewWithClient(httpClient).
		SetTimeout(30 * time.Second).
		SetHeaders(map[string]string{
			"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
			"Accept-Language":           "en-US,en;q=0.9",
			"Cache-Control":             "max-age=0",
			"DNT":                       "1",
			"Sec-Ch-Ua-Mobile":          "?0",
			"Sec-Ch-Ua-Platform":        `"macOS"`,
			"Sec-Fetch-Dest":            "document",
			"Sec-Fetch-Mode":            "navigate",
			"Sec-Fetch-Site":            "same-origin",
			"Sec-Fetch-User":            "?1",
			"Upgrade-Insecure-Requests": "1",
		})

	return &Fetcher{
		client: client,
		pick:   rand.IntN,
	}
}

// Fetch downloads the page at url and returns its body.
//
// Network errors and throttling or server statuses are reported as
// failure.TransientFetch; any other non-200 status is failure.PermanentFetch.
// A cancelled context is returned as is.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	version := chromeVersions[f.pick(len(chromeVersions))]
	major, _, _ := strings.Cut(version, ".")

	resp, err := f.client.R().
		SetContext(ctx).
		SetHeader("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/"+version+" Safari/537.36").
		SetHeader("Sec-Ch-Ua", `"Chromium";v="`+major+`", "Not/A)Brand";v="24"`).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, failure.NewTransientFetch("fetch "+url, err)
	}

	raw := resp.RawBody()
	defer func() { _ = raw.Close() }()

	switch code := resp.StatusCode(); {
	case code == http.StatusOK:
		// Read one byte past the limit to tell a full page from a cut one.
		body, err := io.ReadAll(io.LimitReader(raw, maxBodySize+1))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, failure.NewTransientFetch("read "+url, err)
		}
		if len(body) > maxBodySize {
			return nil, failure.NewPermanentFetch("fetch "+url, fmt.Errorf("body exceeds %d bytes", maxBodySize))
		}
		return body, nil
	case isTransientStatus(code):
		return nil, failure.NewTransientFetch("fetch "+url, fmt.Errorf("unexpected status %d", code))
	default:
		return nil, failure.NewPermanentFetch("fetch "+url, fmt.Errorf("unexpected status %d", code))
	}
}

func isTransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= http.StatusInternalServerError
}
