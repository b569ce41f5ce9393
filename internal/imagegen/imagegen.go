// Package imagegen builds thumbnail image locators from a text description.
// The primary provider renders images on request from a keyless URL; when it
// cannot be reached, a deterministic placeholder locator is used instead.
package imagegen

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"notebook/api/internal/logging"
)

const (
	DefaultBaseURL        = "https://image.pollinations.ai/prompt/"
	DefaultPlaceholderURL = "https://placehold.co/256x256/22c55e/white"
	DefaultPlaceholderLen = 20
)

// Provider resolves a description to a reachable image locator.
type Provider struct {
	baseURL        string
	placeholderURL string
	placeholderLen int
	client         *http.Client
	logger         *zap.Logger
}

type Option func(*Provider)

func WithBaseURL(base string) Option {
	return func(p *Provider) { p.baseURL = base }
}

func WithPlaceholderURL(base string) Option {
	return func(p *Provider) { p.placeholderURL = base }
}

func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) { p.client = client }
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// New returns a provider whose probes give up after probeTimeout.
func New(probeTimeout time.Duration, opts ...Option) *Provider {
	p := &Provider{
		baseURL:        DefaultBaseURL,
		placeholderURL: DefaultPlaceholderURL,
		placeholderLen: DefaultPlaceholderLen,
		client:         &http.Client{Timeout: probeTimeout},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrNop(p.logger).Named("imagegen")
	return p
}

// URLFor is the provider request URL for description. It performs no I/O.
func (p *Provider) URLFor(description string) string {
	return p.baseURL + EncodeURIComponent(description) + "?width=256&height=256&nologo=true"
}

// Probe reports whether locator answers a HEAD request with a 2xx status.
func (p *Provider) Probe(ctx context.Context, locator string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, locator, nil)
	if err != nil {
		p.logger.Warn("build probe request", zap.Error(err))
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("image provider unreachable", zap.String("url", locator), zap.Error(err))
		return false
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.logger.Warn("image provider probe failed", zap.String("url", locator), zap.Int("status", resp.StatusCode))
		return false
	}
	return true
}

// Placeholder is the fallback locator for description: a pure function of the
// description's first runes.
func (p *Provider) Placeholder(description string) string {
	return fmt.Sprintf("%s?text=%s", p.placeholderURL, EncodeURIComponent(truncateRunes(description, p.placeholderLen)))
}

// Resolve returns the provider URL when it probes reachable and the
// placeholder otherwise. It never fails.
func (p *Provider) Resolve(ctx context.Context, description string) (locator string, fallback bool) {
	primary := p.URLFor(description)
	if p.Probe(ctx, primary) {
		return primary, false
	}
	return p.Placeholder(description), true
}

// EncodeURIComponent escapes s the way JavaScript's encodeURIComponent does,
// leaving A-Z a-z 0-9 - _ . ! ~ * ' ( ) intact.
func EncodeURIComponent(s string) string {
	escaped := url.QueryEscape(s)
	escaped = strings.ReplaceAll(escaped, "+", "%20")
	for _, r := range []string{"!", "'", "(", ")", "*"} {
		escaped = strings.ReplaceAll(escaped, url.QueryEscape(r), r)
	}
	return escaped
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
