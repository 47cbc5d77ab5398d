package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/taobao-scraper/internal/browser"
	"github.com/maltedev/taobao-scraper/internal/completeness"
	"github.com/maltedev/taobao-scraper/internal/database"
	"github.com/maltedev/taobao-scraper/internal/models"
	"github.com/maltedev/taobao-scraper/internal/reference"
	"github.com/maltedev/taobao-scraper/internal/retry"
)

type fakeStore struct {
	mu       sync.Mutex
	jobs     []*database.FetchJob
	failed   map[uuid.UUID]string
	requeued int
}

func newFakeStore() *fakeStore {
	return &fakeStore{failed: make(map[uuid.UUID]string)}
}

func (s *fakeStore) Create(ctx context.Context, ref string) (*database.FetchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := &database.FetchJob{ID: uuid.New(), Reference: ref, Status: database.JobStatusPending, CreatedAt: time.Now()}
	s.jobs = append(s.jobs, job)
	return job, nil
}

func (s *fakeStore) Get(ctx context.Context, id uuid.UUID) (*database.FetchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *fakeStore) List(ctx context.Context, limit int) ([]*database.FetchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.jobs) > limit {
		return s.jobs[:limit], nil
	}
	return s.jobs, nil
}

func (s *fakeStore) ClaimNext(ctx context.Context) (*database.FetchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Status == database.JobStatusPending {
			j.Status = database.JobStatusRunning
			return j, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *fakeStore) Fail(ctx context.Context, id uuid.UUID, attempts int, jobErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ID == id {
			j.Status = database.JobStatusFailed
			j.Attempts = attempts
			s.failed[id] = jobErr.Error()
			return nil
		}
	}
	return database.ErrNotFound
}

func (s *fakeStore) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requeued++
	return 0, nil
}

func (s *fakeStore) Stats(ctx context.Context) (*database.JobStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &database.JobStats{Total: len(s.jobs)}
	for _, j := range s.jobs {
		switch j.Status {
		case database.JobStatusPending:
			stats.Pending++
		case database.JobStatusComplete:
			stats.Complete++
		case database.JobStatusDegraded:
			stats.Degraded++
		case database.JobStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

type fakeFetcher struct {
	results map[string]*retry.Result
	errs    map[string]error
}

func (f *fakeFetcher) Fetch(ctx context.Context, raw string) (*retry.Result, error) {
	if err, ok := f.errs[raw]; ok {
		return nil, err
	}
	if r, ok := f.results[raw]; ok {
		return r, nil
	}
	return nil, reference.ErrUnresolvableReference
}

type fakeParser struct{}

func (fakeParser) ParsePage(state *models.PageState) (*models.Product, error) {
	return &models.Product{ID: state.ProductID, Title: "商品 " + state.ProductID}, nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	recorded []*database.FetchJob
	err      error
}

func (r *fakeRecorder) RecordFetch(ctx context.Context, job *database.FetchJob, result *retry.Result, product *models.Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	cp := *job
	r.recorded = append(r.recorded, &cp)
	return nil
}

type fakeLimiter struct {
	successes, errors int
}

func (l *fakeLimiter) Wait(ctx context.Context) error { return ctx.Err() }
func (l *fakeLimiter) RecordSuccess()                 { l.successes++ }
func (l *fakeLimiter) RecordError()                   { l.errors++ }

func resultFor(id string, counts [3]int) *retry.Result {
	state := models.NewPageState("https://item.taobao.com/item.htm?id="+id, id, "taobao")
	state.Set(&models.Fragment{Kind: models.TabDetails, Count: counts[0]})
	state.Set(&models.Fragment{Kind: models.TabParameters, Count: counts[1]})
	state.Set(&models.Fragment{Kind: models.TabReviews, Count: counts[2]})
	verdict := completeness.DefaultPolicy().Evaluate(state)
	return &retry.Result{
		Canonical: reference.CanonicalURL{Platform: reference.PlatformTaobao, ID: id},
		State:     state,
		Verdict:   verdict,
		Attempts:  []retry.AttemptRecord{{Index: 1, Verdict: verdict}},
	}
}

type fixture struct {
	store    *fakeStore
	fetcher  *fakeFetcher
	recorder *fakeRecorder
	limiter  *fakeLimiter
	manager  *Manager
}

func newFixture() *fixture {
	f := &fixture{
		store: newFakeStore(),
		fetcher: &fakeFetcher{
			results: map[string]*retry.Result{
				"111": resultFor("111", [3]int{12, 14, 20}),
				"222": resultFor("222", [3]int{3, 14, 20}),
			},
			errs: map[string]error{"333": browser.ErrNavigationTimeout},
		},
		recorder: &fakeRecorder{},
		limiter:  &fakeLimiter{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.manager = NewManager(f.store, f.fetcher, fakeParser{}, f.recorder, f.limiter, nil, Config{PollInterval: 10 * time.Millisecond}, logger)
	return f
}

func TestManager_CreateJob(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	job, err := f.manager.CreateJob(ctx, "  111 ")
	require.NoError(t, err)
	assert.Equal(t, "111", job.Reference)
	assert.Equal(t, database.JobStatusPending, job.Status)

	_, err = f.manager.CreateJob(ctx, "   ")
	assert.ErrorIs(t, err, ErrEmptyReference)

	got, err := f.manager.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	list, err := f.manager.ListJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestManager_ProcessNextJob(t *testing.T) {
	t.Run("complete page", func(t *testing.T) {
		f := newFixture()
		ctx := context.Background()
		job, err := f.manager.CreateJob(ctx, "111")
		require.NoError(t, err)

		assert.True(t, f.manager.processNextJob(ctx))

		require.Len(t, f.recorder.recorded, 1)
		rec := f.recorder.recorded[0]
		assert.Equal(t, job.ID, rec.ID)
		assert.Equal(t, database.JobStatusComplete, rec.Status)
		assert.Equal(t, "complete", rec.Verdict)
		assert.Equal(t, "111", rec.ProductID)
		assert.Equal(t, "taobao", rec.Platform)
		assert.Equal(t, 1, rec.Attempts)
		assert.Equal(t, 1, f.limiter.successes)
	})

	t.Run("degraded page is recorded and slows the limiter", func(t *testing.T) {
		f := newFixture()
		ctx := context.Background()
		_, err := f.manager.CreateJob(ctx, "222")
		require.NoError(t, err)

		assert.True(t, f.manager.processNextJob(ctx))

		require.Len(t, f.recorder.recorded, 1)
		assert.Equal(t, database.JobStatusDegraded, f.recorder.recorded[0].Status)
		assert.Equal(t, "degraded", f.recorder.recorded[0].Verdict)
		assert.Equal(t, "details=3,parameters=14,reviews=20", f.recorder.recorded[0].Signature)
		assert.Equal(t, 1, f.limiter.errors)
	})

	t.Run("fetch error fails the job", func(t *testing.T) {
		f := newFixture()
		ctx := context.Background()
		job, err := f.manager.CreateJob(ctx, "333")
		require.NoError(t, err)

		assert.True(t, f.manager.processNextJob(ctx))

		assert.Empty(t, f.recorder.recorded)
		assert.Equal(t, database.JobStatusFailed, job.Status)
		assert.Contains(t, f.store.failed[job.ID], "navigation timed out")
		assert.Equal(t, 1, f.limiter.errors)
	})

	t.Run("recorder error fails the job", func(t *testing.T) {
		f := newFixture()
		f.recorder.err = errors.New("connection refused")
		ctx := context.Background()
		job, err := f.manager.CreateJob(ctx, "111")
		require.NoError(t, err)

		assert.True(t, f.manager.processNextJob(ctx))

		assert.Equal(t, database.JobStatusFailed, job.Status)
		assert.Contains(t, f.store.failed[job.ID], "failed to record result")
		assert.Equal(t, 1, job.Attempts)
	})

	t.Run("no pending jobs", func(t *testing.T) {
		f := newFixture()
		assert.False(t, f.manager.processNextJob(context.Background()))
	})

	t.Run("cancelled context claims nothing", func(t *testing.T) {
		f := newFixture()
		_, err := f.manager.CreateJob(context.Background(), "111")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.False(t, f.manager.processNextJob(ctx))

		stats, err := f.manager.GetStats(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Pending)
	})
}

func TestManager_StartWorker(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())

	for _, ref := range []string{"111", "222", "333"} {
		_, err := f.manager.CreateJob(ctx, ref)
		require.NoError(t, err)
	}

	done := make(chan struct{})
	go func() {
		f.manager.StartWorker(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(f.recorder.snapshot()) == 2 && f.store.failedCount() == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}

	assert.Equal(t, 1, f.store.requeued)
	assert.Equal(t, []string{"111", "222"}, []string{f.recorder.snapshot()[0].ProductID, f.recorder.snapshot()[1].ProductID})
}

func (s *fakeStore) failedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failed)
}

func (r *fakeRecorder) snapshot() []*database.FetchJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*database.FetchJob(nil), r.recorded...)
}
