package completeness

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/maltedev/taobao-scraper/internal/models"
)

func state(details, params, reviews int) *models.PageState {
	s := models.NewPageState("https://item.taobao.com/item.htm?id=752468272997", "752468272997", "taobao")
	s.Set(&models.Fragment{Kind: models.TabDetails, Count: details})
	s.Set(&models.Fragment{Kind: models.TabParameters, Count: params})
	s.Set(&models.Fragment{Kind: models.TabReviews, Count: reviews})
	return s
}

func sections(v Verdict) []models.TabKind {
	var out []models.TabKind
	for _, m := range v.Missing {
		out = append(out, m.Section)
	}
	return out
}

func TestPolicy_Evaluate(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name    string
		state   *models.PageState
		status  Status
		missing []models.TabKind
	}{
		{"full variant", state(22, 14, 20), StatusComplete, nil},
		{"parameters only", state(22, 3, 0), StatusComplete, nil},
		{"reviews only", state(22, 0, 5), StatusComplete, nil},
		{"exactly at threshold", state(5, 1, 0), StatusComplete, nil},
		{"degraded variant", state(3, 0, 0), StatusDegraded, []models.TabKind{models.TabDetails, models.TabParameters, models.TabReviews}},
		{"empty page", state(0, 0, 0), StatusDegraded, []models.TabKind{models.TabDetails, models.TabParameters, models.TabReviews}},
		{"images but no text sections", state(22, 0, 0), StatusDegraded, []models.TabKind{models.TabParameters, models.TabReviews}},
		{"text sections but few images", state(4, 10, 10), StatusDegraded, []models.TabKind{models.TabDetails}},
		{"few images and no reviews", state(2, 10, 0), StatusDegraded, []models.TabKind{models.TabDetails, models.TabReviews}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := p.Evaluate(tt.state)
			assert.Equal(t, tt.status, v.Status)
			assert.Equal(t, tt.missing, sections(v))
		})
	}
}

func TestPolicy_MissingSectionsCountAsZero(t *testing.T) {
	s := models.NewPageState("u", "1", "taobao")
	s.Set(&models.Fragment{Kind: models.TabParameters, Count: 4})

	v := DefaultPolicy().Evaluate(s)
	assert.True(t, v.Degraded())
	assert.Equal(t, models.TabDetails, v.Missing[0].Section)
	assert.Equal(t, 0, v.Missing[0].Got)
}

func TestPolicy_NilStateIsIndeterminate(t *testing.T) {
	v := DefaultPolicy().Evaluate(nil)
	assert.Equal(t, StatusIndeterminate, v.Status)
	assert.NotEmpty(t, v.Cause)
	assert.False(t, v.Complete())
}

func TestPolicy_ConfigurableThreshold(t *testing.T) {
	strict := Policy{MinDetailImages: 20, MinParameters: 1, MinReviews: 1}
	assert.True(t, strict.Evaluate(state(22, 1, 0)).Complete())
	assert.True(t, strict.Evaluate(state(19, 1, 0)).Degraded())

	lax := Policy{MinDetailImages: 0, MinParameters: 0, MinReviews: 0}
	assert.True(t, lax.Evaluate(state(0, 0, 0)).Complete())
}

func TestVerdict_String(t *testing.T) {
	v := DefaultPolicy().Evaluate(state(3, 0, 0))
	assert.Equal(t, "degraded (details 3/5, parameters 0/1, reviews 0/1)", v.String())
	assert.Equal(t, "details=3,parameters=0,reviews=0", v.Signature)
	assert.Equal(t, "complete", DefaultPolicy().Evaluate(state(22, 1, 1)).String())
	assert.Equal(t, "indeterminate: boom", Indeterminate("boom").String())
}
