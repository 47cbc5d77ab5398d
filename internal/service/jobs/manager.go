package jobs

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/taobao-scraper/internal/database"
	"github.com/maltedev/taobao-scraper/internal/metrics"
	"github.com/maltedev/taobao-scraper/internal/models"
	"github.com/maltedev/taobao-scraper/internal/retry"
)

var ErrEmptyReference = errors.New("reference is required")

// Store persists fetch jobs.
type Store interface {
	Create(ctx context.Context, reference string) (*database.FetchJob, error)
	Get(ctx context.Context, id uuid.UUID) (*database.FetchJob, error)
	List(ctx context.Context, limit int) ([]*database.FetchJob, error)
	ClaimNext(ctx context.Context) (*database.FetchJob, error)
	Fail(ctx context.Context, id uuid.UUID, attempts int, jobErr error) error
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)
	Stats(ctx context.Context) (*database.JobStats, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, raw string) (*retry.Result, error)
}

type Parser interface {
	ParsePage(state *models.PageState) (*models.Product, error)
}

// Recorder stores a finished job together with its snapshot and event.
type Recorder interface {
	RecordFetch(ctx context.Context, job *database.FetchJob, result *retry.Result, product *models.Product) error
}

// Limiter paces page loads and adapts to how the site responds.
type Limiter interface {
	Wait(ctx context.Context) error
	RecordSuccess()
	RecordError()
}

type Config struct {
	PollInterval time.Duration
	StaleAfter   time.Duration
	ListLimit    int
}

type Manager struct {
	store    Store
	fetcher  Fetcher
	parser   Parser
	recorder Recorder
	limiter  Limiter
	metrics  *metrics.Metrics
	cfg      Config
	logger   *slog.Logger
}

func NewManager(store Store, fetcher Fetcher, parser Parser, recorder Recorder, limiter Limiter, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 100
	}
	return &Manager{
		store:    store,
		fetcher:  fetcher,
		parser:   parser,
		recorder: recorder,
		limiter:  limiter,
		metrics:  m,
		cfg:      cfg,
		logger:   logger.With("component", "job_manager"),
	}
}

func (m *Manager) CreateJob(ctx context.Context, reference string) (*database.FetchJob, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, ErrEmptyReference
	}

	job, err := m.store.Create(ctx, reference)
	if err != nil {
		return nil, err
	}

	m.logger.Info("job created", "id", job.ID, "reference", reference)
	return job, nil
}

func (m *Manager) GetJob(ctx context.Context, id uuid.UUID) (*database.FetchJob, error) {
	return m.store.Get(ctx, id)
}

func (m *Manager) ListJobs(ctx context.Context) ([]*database.FetchJob, error) {
	return m.store.List(ctx, m.cfg.ListLimit)
}

func (m *Manager) GetStats(ctx context.Context) (*database.JobStats, error) {
	return m.store.Stats(ctx)
}
