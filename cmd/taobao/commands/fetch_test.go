package commands

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/taobao-scraper/internal/auth"
	"github.com/maltedev/taobao-scraper/internal/browser"
	"github.com/maltedev/taobao-scraper/internal/completeness"
	"github.com/maltedev/taobao-scraper/internal/models"
	"github.com/maltedev/taobao-scraper/internal/reference"
	"github.com/maltedev/taobao-scraper/internal/retry"
	"github.com/maltedev/taobao-scraper/internal/storage"
)

type scriptedFetcher struct {
	details map[string]int
	errs    map[string]error
	calls   []string
}

func (f *scriptedFetcher) Fetch(ctx context.Context, raw string) (*retry.Result, error) {
	f.calls = append(f.calls, raw)
	if err, ok := f.errs[raw]; ok {
		return nil, err
	}
	state := models.NewPageState("https://item.taobao.com/item.htm?id="+raw, raw, "taobao")
	state.Set(&models.Fragment{Kind: models.TabDetails, Count: f.details[raw]})
	state.Set(&models.Fragment{Kind: models.TabParameters, Count: 10})
	verdict := completeness.DefaultPolicy().Evaluate(state)
	return &retry.Result{
		Canonical: reference.CanonicalURL{Platform: reference.PlatformTaobao, ID: raw},
		State:     state,
		Verdict:   verdict,
		Attempts:  []retry.AttemptRecord{{Index: 1, Verdict: verdict}},
	}, nil
}

type titleParser struct{}

func (titleParser) ParsePage(state *models.PageState) (*models.Product, error) {
	return &models.Product{ID: state.ProductID, URL: state.URL, Title: "商品 " + state.ProductID}, nil
}

type countingLimiter struct {
	waits, successes, errors int
}

func (l *countingLimiter) Wait(ctx context.Context) error {
	l.waits++
	return ctx.Err()
}
func (l *countingLimiter) RecordSuccess() { l.successes++ }
func (l *countingLimiter) RecordError()   { l.errors++ }

func newBatch(t *testing.T, f *scriptedFetcher) (*batch, *countingLimiter, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewResultStore(filepath.Join(dir, "results.json"))
	require.NoError(t, err)
	lim := &countingLimiter{}
	return &batch{
		fetcher: f,
		parser:  titleParser{},
		limiter: lim,
		store:   store,
		outDir:  filepath.Join(dir, "out"),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, lim, dir
}

func TestBatch_Run(t *testing.T) {
	f := &scriptedFetcher{
		details: map[string]int{"111": 22, "222": 3},
		errs:    map[string]error{"333": browser.ErrNavigationTimeout},
	}
	b, lim, dir := newBatch(t, f)

	require.NoError(t, b.run(context.Background(), []string{"111", "222", "333"}, 10))

	assert.Equal(t, []string{"111", "222", "333"}, f.calls)
	assert.Equal(t, 3, lim.waits)
	assert.Equal(t, 1, lim.successes)
	assert.Equal(t, 2, lim.errors)

	rec, ok := b.store.Get("111")
	require.True(t, ok)
	assert.Equal(t, storage.StatusComplete, rec.Status)
	assert.Equal(t, filepath.Join(dir, "out", "商品_111.md"), rec.MarkdownPath)

	rec, _ = b.store.Get("222")
	assert.Equal(t, storage.StatusDegraded, rec.Status)
	data, err := os.ReadFile(rec.MarkdownPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "警告")

	rec, _ = b.store.Get("333")
	assert.Equal(t, storage.StatusFailed, rec.Status)
	assert.Equal(t, "navigation timed out", rec.Error)

	// A second run only retries what is not complete.
	f.calls = nil
	require.NoError(t, b.run(context.Background(), []string{"111", "222", "333"}, 10))
	assert.Equal(t, []string{"222", "333"}, f.calls)
}

func TestBatch_RunMoreReferencesThanQueueCapacity(t *testing.T) {
	refs := []string{"101", "102", "103", "104", "105"}
	f := &scriptedFetcher{details: map[string]int{}}
	for _, ref := range refs {
		f.details[ref] = 22
	}
	b, lim, _ := newBatch(t, f)

	require.NoError(t, b.run(context.Background(), refs, 2))

	assert.Equal(t, refs, f.calls)
	assert.Equal(t, 5, lim.successes)
	assert.Equal(t, 5, b.store.Stats()[storage.StatusComplete])
}

func TestBatch_StopsWhenLoginRequired(t *testing.T) {
	f := &scriptedFetcher{
		details: map[string]int{"222": 22},
		errs:    map[string]error{"111": auth.ErrLoginRequired},
	}
	b, _, _ := newBatch(t, f)

	err := b.run(context.Background(), []string{"111", "222"}, 10)
	assert.ErrorIs(t, err, auth.ErrLoginRequired)
	assert.Equal(t, []string{"111"}, f.calls)

	rec, _ := b.store.Get("222")
	assert.Equal(t, storage.StatusPending, rec.Status)
}

func TestRenderRecords(t *testing.T) {
	var buf strings.Builder
	renderRecords(&buf, []*storage.FetchRecord{
		{Reference: "752468272997", ProductID: "752468272997", Status: storage.StatusDegraded, Signature: "details=3,parameters=14,reviews=20", Attempts: 3, MarkdownPath: "output/a.md"},
		{Reference: "https://e.tb.cn/h.abc", Status: storage.StatusFailed, Error: "short link resolution failed"},
	})

	out := buf.String()
	assert.Contains(t, out, "REFERENCE")
	assert.Contains(t, out, "details=3,parameters=14,reviews=20")
	assert.Contains(t, out, "short link resolution failed")
	assert.Contains(t, out, "output/a.md")
}

func TestReadReferences(t *testing.T) {
	in := strings.NewReader("752468272997\n\n# comment\n  https://e.tb.cn/h.abc  \n")
	refs, err := readReferences(in)
	require.NoError(t, err)
	assert.Equal(t, []string{"752468272997", "https://e.tb.cn/h.abc"}, refs)
}
