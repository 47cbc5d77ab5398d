package reference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Landing is where a short link ended up after all redirects.
type Landing struct {
	URL  string
	Body string
}

// Follower resolves a short link to its landing location.
type Follower interface {
	Follow(ctx context.Context, link string) (*Landing, error)
}

type Options struct {
	DefaultPlatform Platform
	Timeout         time.Duration
	CacheSize       int
}

func DefaultOptions() Options {
	return Options{
		DefaultPlatform: PlatformTaobao,
		Timeout:         8 * time.Second,
		CacheSize:       256,
	}
}

type Resolver struct {
	follower Follower
	cache    *lru.Cache[string, CanonicalURL]
	opts     Options
	logger   *slog.Logger
}

func NewResolver(follower Follower, opts Options, logger *slog.Logger) (*Resolver, error) {
	if opts.DefaultPlatform == "" {
		opts.DefaultPlatform = PlatformTaobao
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultOptions().CacheSize
	}

	cache, err := lru.New[string, CanonicalURL](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create short link cache: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Resolver{
		follower: follower,
		cache:    cache,
		opts:     opts,
		logger:   logger.With("component", "resolver"),
	}, nil
}

// Resolve turns any supported reference into a canonical product URL.
// Resolution order: bare id, product URL, short link, then a free-text scan
// for an embedded URL, short link or id.
func (r *Resolver) Resolve(ctx context.Context, raw string) (CanonicalURL, error) {
	ref := Parse(raw)

	switch ref.Kind {
	case KindNumericID:
		return CanonicalURL{Platform: r.opts.DefaultPlatform, ID: ref.Value}, nil
	case KindCanonicalURL:
		c, _ := parseItemURL(ref.Value)
		return c, nil
	case KindShortLink:
		return r.resolveShortLink(ctx, ref.Value)
	}

	if c, ok := findItemURL(ref.Value); ok {
		return c, nil
	}
	if link, ok := findShortLink(ref.Value); ok {
		return r.resolveShortLink(ctx, link)
	}
	if id, ok := findEmbeddedID(ref.Value); ok {
		r.logger.Debug("using embedded product id", "id", id)
		return CanonicalURL{Platform: r.opts.DefaultPlatform, ID: id}, nil
	}

	return CanonicalURL{}, fmt.Errorf("%w: %q", ErrUnresolvableReference, truncate(ref.Value, 80))
}

func (r *Resolver) resolveShortLink(ctx context.Context, link string) (CanonicalURL, error) {
	if c, ok := r.cache.Get(link); ok {
		return c, nil
	}
	if r.follower == nil {
		return CanonicalURL{}, &ShortLinkError{Link: link, Reason: "no short link follower configured"}
	}

	followCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	start := time.Now()
	landing, err := r.follower.Follow(followCtx, link)
	if err != nil {
		if ctx.Err() != nil {
			return CanonicalURL{}, ctx.Err()
		}
		reason := "request failed"
		if errors.Is(followCtx.Err(), context.DeadlineExceeded) {
			reason = fmt.Sprintf("timed out after %s", r.opts.Timeout)
		}
		r.logger.Warn("failed to follow short link", "link", link, "error", err)
		return CanonicalURL{}, &ShortLinkError{Link: link, Reason: reason}
	}

	c, ok := canonicalFromLanding(landing)
	if !ok {
		return CanonicalURL{}, &ShortLinkError{Link: link, Reason: "landing page is not a product page"}
	}

	r.logger.Info("short link resolved",
		"link", link,
		"product_id", c.ID,
		"platform", c.Platform,
		"elapsed", time.Since(start))

	r.cache.Add(link, c)
	return c, nil
}

// canonicalFromLanding re-runs the id and URL rules against the resolved
// location, then against its unescaped form (login redirects carry the product
// URL as a parameter), then against the landing body.
func canonicalFromLanding(landing *Landing) (CanonicalURL, bool) {
	if landing == nil {
		return CanonicalURL{}, false
	}
	if c, ok := parseItemURL(landing.URL); ok {
		return c, true
	}
	if unescaped, err := url.QueryUnescape(landing.URL); err == nil {
		if c, ok := findItemURL(unescaped); ok {
			return c, true
		}
	}
	if landing.Body != "" {
		if c, ok := findItemURL(landing.Body); ok {
			return c, true
		}
	}
	return CanonicalURL{}, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
