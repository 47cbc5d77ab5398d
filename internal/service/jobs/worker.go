package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maltedev/taobao-scraper/internal/database"
)

// StartWorker processes pending jobs until ctx is done. Each tick drains the
// queue one job at a time; the browser session is shared, so jobs never run
// concurrently.
func (m *Manager) StartWorker(ctx context.Context) {
	m.logger.Info("job worker started", "interval", m.cfg.PollInterval)

	if n, err := m.store.RequeueStale(ctx, m.cfg.StaleAfter); err != nil {
		m.logger.Error("failed to requeue stale jobs", "error", err)
	} else if n > 0 {
		m.logger.Warn("requeued stale jobs", "count", n)
	}

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for m.processNextJob(ctx) {
		}

		select {
		case <-ctx.Done():
			m.logger.Info("job worker stopping")
			return
		case <-ticker.C:
		}
	}
}

// processNextJob runs one pending job. It reports whether a job was claimed.
func (m *Manager) processNextJob(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	job, err := m.store.ClaimNext(ctx)
	if errors.Is(err, database.ErrNotFound) {
		return false
	}
	if err != nil {
		m.logger.Error("failed to claim job", "error", err)
		return false
	}

	log := m.logger.With("job_id", job.ID, "reference", job.Reference)
	log.Info("processing job")

	if err := m.limiter.Wait(ctx); err != nil {
		m.fail(ctx, log, job, 0, err)
		return false
	}

	result, err := m.fetcher.Fetch(ctx, job.Reference)
	if err != nil {
		m.limiter.RecordError()
		m.fail(ctx, log, job, 0, err)
		return true
	}

	product, err := m.parser.ParsePage(result.State)
	if err != nil {
		log.Warn("extraction failed, storing verdict only", "error", err)
		product = nil
	}

	job.ProductID = result.Canonical.ID
	job.Platform = string(result.Canonical.Platform)
	job.Verdict = string(result.Verdict.Status)
	job.Signature = result.Verdict.Signature
	job.Attempts = len(result.Attempts)
	if result.Verdict.Complete() {
		job.Status = database.JobStatusComplete
		m.limiter.RecordSuccess()
	} else {
		job.Status = database.JobStatusDegraded
		m.limiter.RecordError()
	}

	if err := m.recorder.RecordFetch(ctx, job, result, product); err != nil {
		m.fail(ctx, log, job, job.Attempts, fmt.Errorf("failed to record result: %w", err))
		return true
	}

	m.metrics.IncJob(job.Status)
	log.Info("job finished", "status", job.Status, "verdict", job.Verdict, "attempts", job.Attempts)
	return true
}

func (m *Manager) fail(ctx context.Context, log *slog.Logger, job *database.FetchJob, attempts int, jobErr error) {
	log.Error("job failed", "error", jobErr)
	m.metrics.IncJob(database.JobStatusFailed)

	// The job must be marked even when ctx was cancelled mid-fetch.
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.store.Fail(failCtx, job.ID, attempts, jobErr); err != nil {
		log.Error("failed to mark job as failed", "error", err)
	}
}
