package reference

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	ErrUnresolvableReference     = errors.New("unresolvable product reference")
	ErrShortLinkResolutionFailed = errors.New("short link resolution failed")
	ErrUnknownPlatform           = errors.New("unknown platform")
)

// ShortLinkError reports why a short link could not be turned into a product
// URL. It carries a textual reason only, never the underlying network error.
type ShortLinkError struct {
	Link   string
	Reason string
}

func (e *ShortLinkError) Error() string {
	return fmt.Sprintf("short link resolution failed for %s: %s", e.Link, e.Reason)
}

func (e *ShortLinkError) Is(target error) bool {
	return target == ErrShortLinkResolutionFailed
}

type Platform string

const (
	PlatformTaobao Platform = "taobao"
	PlatformTmall  Platform = "tmall"
)

func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "taobao", "":
		return PlatformTaobao, nil
	case "tmall":
		return PlatformTmall, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPlatform, s)
}

// platformForHost reports Tmall for any tmall host, Taobao otherwise.
func platformForHost(host string) Platform {
	if strings.Contains(strings.ToLower(host), "tmall") {
		return PlatformTmall
	}
	return PlatformTaobao
}

// CanonicalURL identifies a product page independent of how it was reached.
type CanonicalURL struct {
	Platform Platform `json:"platform"`
	ID       string   `json:"id"`
}

func (c CanonicalURL) String() string {
	if c.Platform == PlatformTmall {
		return "https://detail.tmall.com/item.htm?id=" + c.ID
	}
	return "https://item.taobao.com/item.htm?id=" + c.ID
}

func (c CanonicalURL) IsZero() bool {
	return c.ID == ""
}

type Kind int

const (
	KindFreeText Kind = iota
	KindNumericID
	KindCanonicalURL
	KindShortLink
)

func (k Kind) String() string {
	switch k {
	case KindNumericID:
		return "numeric_id"
	case KindCanonicalURL:
		return "canonical_url"
	case KindShortLink:
		return "short_link"
	default:
		return "free_text"
	}
}

// Reference is a parsed user input. Value holds the id, URL or short link the
// kind was derived from; it equals Raw for free text.
type Reference struct {
	Kind  Kind
	Raw   string
	Value string
}

var (
	bareIDPattern     = regexp.MustCompile(`^\d{10,13}$`)
	embeddedIDPattern = regexp.MustCompile(`\b(\d{12,13})\b`)
	numericPattern    = regexp.MustCompile(`^\d+$`)
	shortLinkPattern  = regexp.MustCompile(`https?://(?:e\.tb\.cn|m\.tb\.cn|tb\.cn|s\.click\.taobao\.com)/[A-Za-z0-9._\-]+(?:\?[^\s]*)?`)
	itemURLPattern    = regexp.MustCompile(`(?:(?:https?:)?//)?(?:item\.taobao\.com|(?:chaoshi\.)?detail\.tmall\.com|detail\.m\.tmall\.com|item\.m\.taobao\.com|h5\.m\.taobao\.com|world\.taobao\.com)/[^\s"'<>]*`)
)

var itemHosts = map[string]bool{
	"item.taobao.com":          true,
	"detail.tmall.com":         true,
	"detail.m.tmall.com":       true,
	"item.m.taobao.com":        true,
	"h5.m.taobao.com":          true,
	"world.taobao.com":         true,
	"chaoshi.detail.tmall.com": true,
}

var shortLinkHosts = map[string]bool{
	"e.tb.cn":            true,
	"m.tb.cn":            true,
	"tb.cn":              true,
	"s.click.taobao.com": true,
}

// shareParams are the tracking and share parameters appended by the app's
// share sheet and by spm-style analytics.
var shareParams = []string{
	"shareurl", "tbSocialPopKey", "app", "cpp", "short_name", "sp_tk", "tk",
	"suid", "bxsign", "wxsign", "un", "ut_sk", "share_crt_v", "sourceType",
	"shareUniqueId", "spm", "scm", "ali_trackid", "price",
}

// Parse classifies raw without touching the network.
func Parse(raw string) Reference {
	s := strings.TrimSpace(raw)
	if bareIDPattern.MatchString(s) {
		return Reference{Kind: KindNumericID, Raw: raw, Value: s}
	}
	if _, ok := parseItemURL(s); ok {
		return Reference{Kind: KindCanonicalURL, Raw: raw, Value: s}
	}
	if isShortLink(s) {
		return Reference{Kind: KindShortLink, Raw: raw, Value: s}
	}
	return Reference{Kind: KindFreeText, Raw: raw, Value: s}
}

// parseItemURL extracts the product from a URL on a known item host. Every
// query parameter other than id is discarded.
func parseItemURL(s string) (CanonicalURL, bool) {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return CanonicalURL{}, false
	}
	host := strings.ToLower(u.Hostname())
	if !itemHosts[host] {
		return CanonicalURL{}, false
	}
	id := u.Query().Get("id")
	if !numericPattern.MatchString(id) {
		return CanonicalURL{}, false
	}
	return CanonicalURL{Platform: platformForHost(host), ID: id}, true
}

func isShortLink(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return shortLinkHosts[strings.ToLower(u.Hostname())] && len(strings.Trim(u.Path, "/")) > 0
}

// findItemURL returns the first embedded product URL in text that carries an id.
func findItemURL(text string) (CanonicalURL, bool) {
	for _, candidate := range itemURLPattern.FindAllString(text, -1) {
		candidate = strings.ReplaceAll(candidate, "&amp;", "&")
		if !strings.Contains(candidate, "://") {
			candidate = "https://" + strings.TrimPrefix(candidate, "//")
		}
		if c, ok := parseItemURL(candidate); ok {
			return c, true
		}
	}
	return CanonicalURL{}, false
}

func findShortLink(text string) (string, bool) {
	link := shortLinkPattern.FindString(text)
	return link, link != ""
}

func findEmbeddedID(text string) (string, bool) {
	m := embeddedIDPattern.FindStringSubmatch(text)
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

// IsShareURL reports whether u carries any share or tracking parameter.
func IsShareURL(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	q := parsed.Query()
	for _, p := range shareParams {
		if q.Has(p) {
			return true
		}
	}
	return false
}

// Canonicalize maps a landed product URL back to its canonical form. The
// fallback id is used when the landed URL lost its id parameter.
func Canonicalize(landed, fallbackID string) (CanonicalURL, error) {
	if c, ok := parseItemURL(landed); ok {
		return c, nil
	}
	if fallbackID == "" {
		return CanonicalURL{}, fmt.Errorf("%w: %s", ErrUnresolvableReference, landed)
	}
	u, err := url.Parse(landed)
	if err != nil {
		return CanonicalURL{}, fmt.Errorf("%w: %s", ErrUnresolvableReference, landed)
	}
	return CanonicalURL{Platform: platformForHost(u.Hostname()), ID: fallbackID}, nil
}

// IsProductPage reports whether u is a product page on a known item host.
func IsProductPage(u string) bool {
	_, ok := parseItemURL(u)
	return ok
}
