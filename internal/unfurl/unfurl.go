// Package unfurl extracts link preview metadata from web pages. Fetch never
// fails; the worst case is a preview holding only the URL and its hostname.
package unfurl

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	DefaultTimeout   = 5 * time.Second
	DefaultUserAgent = "altar-unfurl/1.0 (+link preview)"
	maxBodyBytes     = 1 << 20
)

type Preview struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
}

// Cache stores successful previews. Implementations swallow their own errors.
type Cache interface {
	Get(ctx context.Context, rawURL string) (Preview, bool)
	Set(ctx context.Context, rawURL string, preview Preview)
}

type Options struct {
	Timeout   time.Duration
	UserAgent string
	Client    *http.Client
}

type Fetcher struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
	cache     Cache
	log       zerolog.Logger
}

// NewFetcher builds a fetcher. cache may be nil.
func NewFetcher(opts Options, cache Cache, log zerolog.Logger) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	return &Fetcher{
		client:    opts.Client,
		timeout:   opts.Timeout,
		userAgent: opts.UserAgent,
		cache:     cache,
		log:       log.With().Str("component", "unfurl").Logger(),
	}
}

func (f *Fetcher) Fetch(ctx context.Context, rawURL string) Preview {
	rawURL = strings.TrimSpace(rawURL)
	fallback := minimal(rawURL)

	target, err := url.Parse(rawURL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Hostname() == "" {
		return fallback
	}

	if f.cache != nil {
		if cached, ok := f.cache.Get(ctx, rawURL); ok {
			return cached
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fallback
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.1")

	resp, err := f.client.Do(req)
	if err != nil {
		f.log.Debug().Err(err).Str("url", rawURL).Msg("preview fetch failed")
		return fallback
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		f.log.Debug().Int("status", resp.StatusCode).Str("url", rawURL).Msg("preview fetch rejected")
		return fallback
	}
	if ct := strings.ToLower(resp.Header.Get("Content-Type")); ct != "" && !strings.Contains(ct, "html") {
		return fallback
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fallback
	}

	base := target
	if resp.Request != nil && resp.Request.URL != nil {
		base = resp.Request.URL
	}
	preview := extract(doc, base)
	preview.URL = rawURL
	if preview.Title == "" {
		preview.Title = fallback.Title
	}
	if f.cache != nil {
		f.cache.Set(ctx, rawURL, preview)
	}
	return preview
}

func minimal(rawURL string) Preview {
	preview := Preview{URL: rawURL}
	if u, err := url.Parse(rawURL); err == nil {
		preview.Title = u.Hostname()
	}
	return preview
}

type pageMeta struct {
	meta  map[string]string
	title string
}

// extract applies the priority order: social tags, then generic meta, then
// the document title. Relative image URLs resolve against base.
func extract(doc *html.Node, base *url.URL) Preview {
	page := pageMeta{meta: map[string]string{}}
	collect(doc, &page)

	preview := Preview{
		Title:       first(page.meta["og:title"], page.meta["twitter:title"], page.title),
		Description: first(page.meta["og:description"], page.meta["twitter:description"], page.meta["description"]),
	}
	if image := first(page.meta["og:image"], page.meta["og:image:url"], page.meta["twitter:image"], page.meta["twitter:image:src"]); image != "" {
		if ref, err := url.Parse(image); err == nil {
			preview.Image = base.ResolveReference(ref).String()
		}
	}
	return preview
}

func collect(n *html.Node, page *pageMeta) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Meta:
			var key, content string
			for _, attr := range n.Attr {
				switch strings.ToLower(attr.Key) {
				case "property", "name":
					if key == "" {
						key = strings.ToLower(strings.TrimSpace(attr.Val))
					}
				case "content":
					content = strings.TrimSpace(attr.Val)
				}
			}
			if key != "" && content != "" {
				if _, seen := page.meta[key]; !seen {
					page.meta[key] = content
				}
			}
		case atom.Title:
			if page.title == "" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
				page.title = strings.Join(strings.Fields(n.FirstChild.Data), " ")
			}
		case atom.Svg:
			return
		}
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		collect(child, page)
	}
}

func first(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
