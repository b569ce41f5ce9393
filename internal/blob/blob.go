// Package blob moves note images into storage the service owns, producing
// durable public locators.
package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Store uploads bytes under key and returns the object's public locator.
// Uploading to an existing key overwrites it.
type Store interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

const ImageContentType = "image/jpeg"

// maxFetchBytes bounds a single image download.
const maxFetchBytes = 20 << 20

var whitespaceRun = regexp.MustCompile(`\s+`)

// ImageKey derives an object key from the note name and the upload time:
// whitespace runs become dashes and the unix millisecond stamp is appended.
func ImageKey(name string, now time.Time) string {
	slug := whitespaceRun.ReplaceAllString(strings.TrimSpace(name), "-")
	slug = strings.ReplaceAll(slug, "/", "-")
	if slug == "" {
		slug = "note"
	}
	return slug + "-" + strconv.FormatInt(now.UnixMilli(), 10) + ".jpeg"
}

// Fetcher downloads the bytes behind a locator over HTTP.
type Fetcher struct {
	client *http.Client
}

func NewFetcher(timeout time.Duration) *Fetcher {
	return &Fetcher{client: &http.Client{Timeout: timeout}}
}

func (f *Fetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch image: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image body: %w", err)
	}
	if len(data) > maxFetchBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", maxFetchBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("fetch image: empty body")
	}
	return data, nil
}

func publicURL(base, bucket, key string) string {
	return strings.TrimRight(base, "/") + "/" + bucket + "/" + key
}
