package models

import (
	"time"
)

// TabKind names one of the tabbed sections of a product page.
type TabKind string

const (
	TabReviews         TabKind = "reviews"
	TabParameters      TabKind = "parameters"
	TabDetails         TabKind = "details"
	TabRecommendations TabKind = "recommendations"
	TabAlsoViewed      TabKind = "also_viewed"
)

// Tabs returns every tab kind in page order.
func Tabs() []TabKind {
	return []TabKind{TabReviews, TabParameters, TabDetails, TabRecommendations, TabAlsoViewed}
}

// Fragment is the captured markup of one section. A fragment that could not be
// materialized has a zero Count and a non-empty Missing reason.
type Fragment struct {
	Kind     TabKind       `json:"kind"`
	Selector string        `json:"selector,omitempty"`
	Markup   string        `json:"-"`
	Count    int           `json:"count"`
	Missing  string        `json:"missing,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}

// PageState is the snapshot produced by one navigation attempt.
type PageState struct {
	URL        string                `json:"url"`
	ProductID  string                `json:"product_id"`
	Platform   string                `json:"platform"`
	Fragments  map[TabKind]*Fragment `json:"fragments"`
	Document   string                `json:"-"`
	CapturedAt time.Time             `json:"captured_at"`
}

func NewPageState(url, productID, platform string) *PageState {
	return &PageState{
		URL:       url,
		ProductID: productID,
		Platform:  platform,
		Fragments: make(map[TabKind]*Fragment),
	}
}

// Set stores f under its kind, replacing any earlier capture.
func (s *PageState) Set(f *Fragment) {
	if s.Fragments == nil {
		s.Fragments = make(map[TabKind]*Fragment)
	}
	s.Fragments[f.Kind] = f
}

func (s *PageState) Fragment(kind TabKind) *Fragment {
	if s == nil || s.Fragments == nil {
		return nil
	}
	return s.Fragments[kind]
}

// Count returns the item count for kind, zero when the section is absent.
func (s *PageState) Count(kind TabKind) int {
	if f := s.Fragment(kind); f != nil {
		return f.Count
	}
	return 0
}
