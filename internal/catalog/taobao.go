// Package catalog holds the selectors that describe Taobao and Tmall product
// pages.
package catalog

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/taobao-scraper/internal/models"
	"github.com/maltedev/taobao-scraper/internal/navigation"
)

const (
	ReadyMarker = ".mainTitle--R75fTcZL"

	tabControl = ".tabTitleItem--z4AoobEz:nth-child(%d)"

	ReviewsRegion = ".comments--ChxC7GEN"
	ReviewItem    = ".Comment--H5QmJwe9"

	EmphasisParam = ".emphasisParamsInfoItem--H5Qt3iog"
	GeneralParam  = ".generalParamsInfoItem--qLqLDVWp"

	DetailsRegion = ".desc-root"
)

var detailsFallbacks = []string{
	".description",
	".detail-content",
	".desc-content",
	"[class*='desc']",
	"[class*='detail-wrap']",
}

var placeholders = []string{"spaceball.gif", "tps-2-2", "pixel.gif", "blank.gif"}

// Taobao is the page strategy shared by taobao.com and tmall.com item pages.
type Taobao struct{}

func (Taobao) Name() string { return "taobao" }

func (Taobao) ReadySelector() string { return ReadyMarker }

func (Taobao) Tabs() []navigation.TabSpec {
	return []navigation.TabSpec{
		{
			Kind:    models.TabReviews,
			Control: TabControl(1),
			Content: []string{ReviewsRegion},
			Item:    ReviewItem,
			Lazy:    true,
		},
		{
			Kind:    models.TabParameters,
			Control: TabControl(2),
			Content: []string{EmphasisParam + ", " + GeneralParam},
		},
		{
			Kind:      models.TabDetails,
			Control:   TabControl(3),
			Content:   append([]string{DetailsRegion}, detailsFallbacks...),
			Item:      "img",
			Lazy:      true,
			CountFunc: CountDetailImages,
		},
		{
			Kind:    models.TabRecommendations,
			Control: TabControl(4),
			Content: []string{"[class*='recommendWrap']", "[class*='RecommendWrap']"},
			Item:    "a[href*='id=']",
		},
		{
			Kind:    models.TabAlsoViewed,
			Control: TabControl(5),
			Content: []string{"[class*='alsoViewed']", "[class*='AlsoViewed']"},
			Item:    "a[href*='id=']",
		},
	}
}

// TabControl returns the selector of the n-th tab title, counting from one.
func TabControl(n int) string {
	return fmt.Sprintf(tabControl, n)
}

// ImageURL returns the real source of a lazily loaded image, preferring
// data-src over src. Placeholders and inline data URIs are rejected.
func ImageURL(img *goquery.Selection) (string, bool) {
	for _, attr := range []string{"data-src", "data-ks-lazyload", "src"} {
		v, ok := img.Attr(attr)
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" || strings.HasPrefix(v, "data:") || IsPlaceholder(v) {
			continue
		}
		if strings.HasPrefix(v, "//") {
			v = "https:" + v
		}
		if strings.HasPrefix(v, "http") {
			return v, true
		}
	}
	return "", false
}

func IsPlaceholder(src string) bool {
	for _, p := range placeholders {
		if strings.Contains(src, p) {
			return true
		}
	}
	return false
}

// CountDetailImages counts distinct real images in the description.
func CountDetailImages(doc *goquery.Document) int {
	seen := make(map[string]struct{})
	doc.Find("img").Each(func(_ int, img *goquery.Selection) {
		if u, ok := ImageURL(img); ok {
			seen[u] = struct{}{}
		}
	})
	return len(seen)
}
