package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	JobStatusPending  = "pending"
	JobStatusRunning  = "running"
	JobStatusComplete = "complete"
	JobStatusDegraded = "degraded"
	JobStatusFailed   = "failed"
)

// FetchJob is one asynchronous acquisition request.
type FetchJob struct {
	ID          uuid.UUID  `json:"id"`
	Reference   string     `json:"reference"`
	Status      string     `json:"status"`
	ProductID   string     `json:"product_id,omitempty"`
	Platform    string     `json:"platform,omitempty"`
	Verdict     string     `json:"verdict,omitempty"`
	Signature   string     `json:"signature,omitempty"`
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type JobStats struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Running  int `json:"running"`
	Complete int `json:"complete"`
	Degraded int `json:"degraded"`
	Failed   int `json:"failed"`
}

type JobRepository struct {
	db *DB
}

func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `
	id, reference, status,
	COALESCE(product_id, ''), COALESCE(platform, ''), COALESCE(verdict, ''), COALESCE(signature, ''),
	attempts, COALESCE(error, ''), created_at, started_at, completed_at`

func scanJob(row pgx.Row) (*FetchJob, error) {
	job := &FetchJob{}
	err := row.Scan(
		&job.ID, &job.Reference, &job.Status,
		&job.ProductID, &job.Platform, &job.Verdict, &job.Signature,
		&job.Attempts, &job.Error, &job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

func (r *JobRepository) Create(ctx context.Context, reference string) (*FetchJob, error) {
	job := &FetchJob{
		ID:        uuid.New(),
		Reference: reference,
		Status:    JobStatusPending,
		CreatedAt: time.Now(),
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO fetch_jobs (id, reference, status, created_at) VALUES ($1, $2, $3, $4)`,
		job.ID, job.Reference, job.Status, job.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

func (r *JobRepository) Get(ctx context.Context, id uuid.UUID) (*FetchJob, error) {
	job, err := scanJob(r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM fetch_jobs WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

// List returns the newest jobs first.
func (r *JobRepository) List(ctx context.Context, limit int) ([]*FetchJob, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+jobColumns+` FROM fetch_jobs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*FetchJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimNext atomically moves the oldest pending job to running. It returns
// ErrNotFound when nothing is pending.
func (r *JobRepository) ClaimNext(ctx context.Context) (*FetchJob, error) {
	query := `
		UPDATE fetch_jobs SET status = $1, started_at = NOW()
		WHERE id = (
			SELECT id FROM fetch_jobs
			WHERE status = $2
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.QueryRow(ctx, query, JobStatusRunning, JobStatusPending))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// FinishWithTx stores the outcome of a job inside tx.
func (r *JobRepository) FinishWithTx(ctx context.Context, tx pgx.Tx, job *FetchJob) error {
	now := time.Now()
	job.CompletedAt = &now

	_, err := tx.Exec(ctx, `
		UPDATE fetch_jobs
		SET status = $1, product_id = $2, platform = $3, verdict = $4, signature = $5,
		    attempts = $6, error = NULLIF($7, ''), completed_at = $8
		WHERE id = $9`,
		job.Status, job.ProductID, job.Platform, job.Verdict, job.Signature,
		job.Attempts, job.Error, now, job.ID)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	return nil
}

func (r *JobRepository) Fail(ctx context.Context, id uuid.UUID, attempts int, jobErr error) error {
	_, err := r.db.Exec(ctx, `
		UPDATE fetch_jobs SET status = $1, attempts = $2, error = $3, completed_at = NOW()
		WHERE id = $4`,
		JobStatusFailed, attempts, jobErr.Error(), id)
	if err != nil {
		return fmt.Errorf("failed to mark job as failed: %w", err)
	}
	return nil
}

// RequeueStale returns jobs left running by a crashed worker to the queue.
func (r *JobRepository) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE fetch_jobs SET status = $1, started_at = NULL
		WHERE status = $2 AND started_at < $3`,
		JobStatusPending, JobStatusRunning, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *JobRepository) Stats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{}
	err := r.db.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = $1),
			COUNT(*) FILTER (WHERE status = $2),
			COUNT(*) FILTER (WHERE status = $3),
			COUNT(*) FILTER (WHERE status = $4),
			COUNT(*) FILTER (WHERE status = $5)
		FROM fetch_jobs`,
		JobStatusPending, JobStatusRunning, JobStatusComplete, JobStatusDegraded, JobStatusFailed,
	).Scan(&stats.Total, &stats.Pending, &stats.Running, &stats.Complete, &stats.Degraded, &stats.Failed)
	if err != nil {
		return nil, fmt.Errorf("failed to get job stats: %w", err)
	}
	return stats, nil
}
