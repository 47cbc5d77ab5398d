package reference

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// HTTPFollower follows short links over plain HTTP.
type HTTPFollower struct {
	client *resty.Client
}

func NewHTTPFollower(timeout time.Duration, userAgent string) *HTTPFollower {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	client := resty.New().
		SetTimeout(timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10)).
		SetHeader("User-Agent", userAgent).
		SetHeader("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	return &HTTPFollower{client: client}
}

// Client exposes the underlying resty client, mainly for transport mocking.
func (f *HTTPFollower) Client() *resty.Client {
	return f.client
}

func (f *HTTPFollower) Follow(ctx context.Context, link string) (*Landing, error) {
	resp, err := f.client.R().SetContext(ctx).Get(link)
	if err != nil {
		return nil, fmt.Errorf("failed to follow short link: %w", err)
	}

	if resp.StatusCode() >= 400 {
		return nil, fmt.Errorf("short link returned status %d", resp.StatusCode())
	}

	final := link
	if raw := resp.RawResponse; raw != nil && raw.Request != nil && raw.Request.URL != nil {
		final = raw.Request.URL.String()
	}

	return &Landing{URL: final, Body: resp.String()}, nil
}
