package sitemap

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"github.com/casoon/auditmysite-studio-sub003/pkg/api/surveyor"
	"github.com/casoon/auditmysite-studio-sub003/pkg/cache"
	"github.com/casoon/auditmysite-studio-sub003/pkg/clients"
	"github.com/casoon/auditmysite-studio-sub003/pkg/logging"
	"github.com/casoon/auditmysite-studio-sub003/pkg/version"
)

const (
	// Sitemap indexes nested deeper than this are ignored.
	maxIndexDepth = 3
	// Hard cap on sitemap documents fetched per discovery.
	maxSitemapFetches = 500

	maxSitemapBytes   = 50 << 20
	maxErrorBodyBytes = 4 << 10
)

type sitemapIndex struct {
	Sitemaps []sitemapRef `xml:"sitemap"`
}

type sitemapRef struct {
	Location string `xml:"loc"`
}

type urlSet struct {
	URLs []urlEntry `xml:"url"`
}

type urlEntry struct {
	Location string `xml:"loc"`
}

// Loader discovers page URLs from a sitemap or a recursive sitemap
// index. Fetches go through the shared resilient HTTP executor so
// transient upstream errors are retried and proxy env vars are honored.
type Loader struct {
	logger    logging.Logger
	client    *http.Client
	executor  failsafe.Executor[*http.Response]
	userAgent string
	cache     *cache.Cache[[]string]
	cacheTTL  time.Duration
}

type Option func(*Loader)

// WithCacheTTL enables the discovery cache: repeated runs against the
// same sitemap inside the TTL reuse the previous URL list instead of
// re-downloading the tree.
func WithCacheTTL(ttl time.Duration) Option {
	return func(l *Loader) { l.cacheTTL = ttl }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(l *Loader) { l.client = c }
}

func NewLoader(logger logging.Logger, opts ...Option) *Loader {
	l := &Loader{
		logger: logger,
		client: &http.Client{
			Transport: clients.DefaultTransport(),
			Timeout:   30 * time.Second,
		},
		executor:  clients.NewHTTPExecutor(clients.DefaultHTTPExecutorConfig()),
		userAgent: version.UserAgent(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.cacheTTL > 0 {
		l.cache = cache.New[[]string](cache.Options{TTL: l.cacheTTL, MaxEntries: 64}, cache.MetricsHooks{})
	}
	return l
}

// Discover fetches the sitemap tree rooted at sitemapURL and returns
// the de-duplicated page URLs in source order. Any fetch or parse
// failure is fatal for the discovery.
func (l *Loader) Discover(ctx context.Context, sitemapURL string) ([]string, error) {
	if sitemapURL == "" {
		return nil, surveyor.NewAuditError(surveyor.KindSitemapFetchError, fmt.Errorf("sitemap url is required"))
	}
	if l.cache == nil {
		return l.discover(ctx, sitemapURL)
	}
	urls, _, err := l.cache.Get(ctx, sitemapURL, func(ctx context.Context, key string) ([]string, bool, error) {
		out, err := l.discover(ctx, key)
		if err != nil {
			return nil, false, err
		}
		return out, true, nil
	})
	if err != nil {
		return nil, err
	}
	// Copy so callers cannot mutate the cached list.
	return append([]string(nil), urls...), nil
}

type discovery struct {
	loader  *Loader
	visited map[string]bool
	seen    map[string]bool
	pages   []string
	fetches int
}

func (l *Loader) discover(ctx context.Context, sitemapURL string) ([]string, error) {
	d := &discovery{
		loader:  l,
		visited: make(map[string]bool),
		seen:    make(map[string]bool),
	}
	if err := d.walk(ctx, sitemapURL, 1); err != nil {
		return nil, err
	}
	return d.pages, nil
}

// walk fetches one sitemap document depth-first so page URLs keep the
// order the indexes list them in.
func (d *discovery) walk(ctx context.Context, sitemapURL string, depth int) error {
	if d.visited[sitemapURL] || d.fetches >= maxSitemapFetches {
		return nil
	}
	d.visited[sitemapURL] = true
	d.fetches++

	data, err := d.loader.fetch(ctx, sitemapURL)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return surveyor.NewAuditError(surveyor.KindSitemapFetchError, fmt.Errorf("fetch %s: %w", sitemapURL, err))
	}

	children, urls, err := parseSitemapXML(data)
	if err != nil {
		return surveyor.NewAuditError(surveyor.KindSitemapFetchError, fmt.Errorf("parse %s: %w", sitemapURL, err))
	}

	if len(children) > 0 {
		if depth >= maxIndexDepth {
			d.loader.logger.WithField("url", sitemapURL).WithField("depth", depth).Warn("Sitemap index nested too deep, ignoring children")
			return nil
		}
		for _, child := range children {
			if err := d.walk(ctx, child, depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	for _, u := range urls {
		if !d.seen[u] {
			d.seen[u] = true
			d.pages = append(d.pages, u)
		}
	}
	return nil
}

func (l *Loader) fetch(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", l.userAgent)

	resp, err := clients.ExecuteHTTP(ctx, l.executor, func() (*http.Response, error) {
		return l.client.Do(req)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSitemapBytes))
	if err != nil {
		return nil, err
	}
	return maybeGunzip(data)
}

// maybeGunzip decompresses .xml.gz payloads served without a
// Content-Encoding header (detected by the gzip magic bytes).
func maybeGunzip(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gunzip sitemap: %w", err)
	}
	defer zr.Close()
	return io.ReadAll(io.LimitReader(zr, maxSitemapBytes))
}

func parseSitemapXML(data []byte) ([]string, []string, error) {
	var index sitemapIndex
	if err := xml.Unmarshal(data, &index); err == nil && len(index.Sitemaps) > 0 {
		var links []string
		for _, sm := range index.Sitemaps {
			if loc := strings.TrimSpace(sm.Location); loc != "" {
				links = append(links, loc)
			}
		}
		return links, nil, nil
	}

	var set urlSet
	if err := xml.Unmarshal(data, &set); err != nil {
		return nil, nil, err
	}
	var urls []string
	for _, entry := range set.URLs {
		if loc := strings.TrimSpace(entry.Location); loc != "" {
			urls = append(urls, loc)
		}
	}
	return nil, urls, nil
}
