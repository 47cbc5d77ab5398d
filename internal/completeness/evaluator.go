// Package completeness judges whether a captured product page is the full
// variant or a degraded one.
package completeness

import (
	"fmt"
	"strings"

	"github.com/maltedev/taobao-scraper/internal/models"
)

type Status string

const (
	StatusComplete      Status = "complete"
	StatusDegraded      Status = "degraded"
	StatusIndeterminate Status = "indeterminate"
)

// Shortfall names a section below its minimum.
type Shortfall struct {
	Section models.TabKind `json:"section"`
	Got     int            `json:"got"`
	Want    int            `json:"want"`
}

func (s Shortfall) String() string {
	return fmt.Sprintf("%s %d/%d", s.Section, s.Got, s.Want)
}

type Verdict struct {
	Status    Status      `json:"status"`
	Missing   []Shortfall `json:"missing,omitempty"`
	Cause     string      `json:"cause,omitempty"`
	Signature string      `json:"signature,omitempty"`
}

func (v Verdict) Complete() bool { return v.Status == StatusComplete }

func (v Verdict) Degraded() bool { return v.Status == StatusDegraded }

// Reasons returns the missing sections in a stable order.
func (v Verdict) Reasons() []string {
	out := make([]string, 0, len(v.Missing))
	for _, m := range v.Missing {
		out = append(out, m.String())
	}
	return out
}

func (v Verdict) String() string {
	switch v.Status {
	case StatusDegraded:
		return "degraded (" + strings.Join(v.Reasons(), ", ") + ")"
	case StatusIndeterminate:
		return "indeterminate: " + v.Cause
	default:
		return string(v.Status)
	}
}

func Indeterminate(cause string) Verdict {
	return Verdict{Status: StatusIndeterminate, Cause: cause}
}

// Policy holds the per-section minimums.
type Policy struct {
	MinDetailImages int
	MinParameters   int
	MinReviews      int
}

func DefaultPolicy() Policy {
	return Policy{
		MinDetailImages: 5,
		MinParameters:   1,
		MinReviews:      1,
	}
}

// Evaluate applies p to state. A page is complete when the description has
// at least MinDetailImages images and either parameters or reviews reach
// their minimum. Evaluate has no side effects.
func (p Policy) Evaluate(state *models.PageState) Verdict {
	if state == nil {
		return Indeterminate("no page state captured")
	}

	details := state.Count(models.TabDetails)
	params := state.Count(models.TabParameters)
	reviews := state.Count(models.TabReviews)

	v := Verdict{Signature: Signature(state)}

	var missing []Shortfall
	if details < p.MinDetailImages {
		missing = append(missing, Shortfall{Section: models.TabDetails, Got: details, Want: p.MinDetailImages})
	}
	paramsShort := params < p.MinParameters
	reviewsShort := reviews < p.MinReviews
	if paramsShort {
		missing = append(missing, Shortfall{Section: models.TabParameters, Got: params, Want: p.MinParameters})
	}
	if reviewsShort {
		missing = append(missing, Shortfall{Section: models.TabReviews, Got: reviews, Want: p.MinReviews})
	}

	if details >= p.MinDetailImages && !(paramsShort && reviewsShort) {
		v.Status = StatusComplete
		return v
	}
	v.Status = StatusDegraded
	v.Missing = missing
	return v
}

// Signature summarises the structural counts of state, which is what
// distinguishes one served variant from another.
func Signature(state *models.PageState) string {
	if state == nil {
		return ""
	}
	return fmt.Sprintf("details=%d,parameters=%d,reviews=%d",
		state.Count(models.TabDetails),
		state.Count(models.TabParameters),
		state.Count(models.TabReviews),
	)
}
