package navigation

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/taobao-scraper/internal/models"
)

// TabSpec describes how to surface and capture one tabbed section.
type TabSpec struct {
	Kind models.TabKind

	// Control is the element clicked to activate the section. Empty means the
	// section is always rendered.
	Control string

	// Content lists the content region selectors, primary first. Only the
	// primary is waited for; fallbacks are probed once.
	Content []string

	// Item selects the countable entries inside a content region.
	Item string

	// Lazy sections are scrolled until their item count stops growing.
	Lazy bool

	// CountFunc overrides the default item count over captured markup.
	CountFunc func(doc *goquery.Document) int
}

// Count returns the number of items in markup.
func (t TabSpec) Count(markup string) int {
	if strings.TrimSpace(markup) == "" {
		return 0
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return 0
	}
	if t.CountFunc != nil {
		return t.CountFunc(doc)
	}
	if t.Item == "" {
		return doc.Find("body").Children().Length()
	}
	return doc.Find(t.Item).Length()
}

// itemSelector scopes the item selector to a content region for live counting.
func (t TabSpec) itemSelector(content string) string {
	if t.Item == "" {
		return content
	}
	parts := strings.Split(t.Item, ",")
	for i, p := range parts {
		parts[i] = content + " " + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// Strategy is the site-specific knowledge the driver needs: what marks a page
// as ready and how each section is surfaced.
type Strategy interface {
	Name() string
	ReadySelector() string
	Tabs() []TabSpec
}
