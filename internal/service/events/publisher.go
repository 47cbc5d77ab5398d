package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/maltedev/taobao-scraper/internal/database"
	"github.com/maltedev/taobao-scraper/internal/models"
	"github.com/maltedev/taobao-scraper/internal/retry"
)

type EventType string

const (
	// EventTypeProductFetched is published for every accepted acquisition,
	// complete or degraded.
	EventTypeProductFetched EventType = "PRODUCT_FETCHED"
)

// ProductFetchedPayload is the body of a PRODUCT_FETCHED event.
type ProductFetchedPayload struct {
	EventID      string        `json:"event_id"`
	EventType    string        `json:"event_type"`
	Timestamp    time.Time     `json:"timestamp"`
	JobID        string        `json:"job_id,omitempty"`
	ProductID    string        `json:"product_id"`
	Platform     string        `json:"platform"`
	URL          string        `json:"url"`
	Title        string        `json:"title,omitempty"`
	Price        *models.Price `json:"price,omitempty"`
	Verdict      string        `json:"verdict"`
	Missing      []string      `json:"missing,omitempty"`
	Signature    string        `json:"signature"`
	Attempts     int           `json:"attempts"`
	DetailImages int           `json:"detail_images"`
	Parameters   int           `json:"parameters"`
	Reviews      int           `json:"reviews"`
	Source       string        `json:"source"`
}

// NewProductFetchedPayload summarises an accepted result and its extracted
// product. product may be nil when extraction failed.
func NewProductFetchedPayload(result *retry.Result, product *models.Product) *ProductFetchedPayload {
	p := &ProductFetchedPayload{
		EventID:   uuid.New().String(),
		EventType: string(EventTypeProductFetched),
		Timestamp: time.Now(),
		ProductID: result.Canonical.ID,
		Platform:  string(result.Canonical.Platform),
		URL:       result.Canonical.String(),
		Verdict:   string(result.Verdict.Status),
		Missing:   result.Verdict.Reasons(),
		Signature: result.Verdict.Signature,
		Attempts:  len(result.Attempts),
		Source:    "taobao-scraper",
	}

	if state := result.State; state != nil {
		p.DetailImages = state.Count(models.TabDetails)
		p.Parameters = state.Count(models.TabParameters)
		p.Reviews = state.Count(models.TabReviews)
	}

	if product != nil {
		p.Title = product.Title
		if product.Price.Current > 0 {
			price := product.Price
			p.Price = &price
		}
	}

	return p
}

// Publisher stores fetch outcomes and their events through the
// transactional outbox.
type Publisher struct {
	db        *database.DB
	outbox    *database.OutboxRepository
	snapshots *database.SnapshotRepository
	jobs      *database.JobRepository
	logger    *slog.Logger
}

func NewPublisher(db *database.DB, logger *slog.Logger) *Publisher {
	return &Publisher{
		db:        db,
		outbox:    database.NewOutboxRepository(db),
		snapshots: database.NewSnapshotRepository(db),
		jobs:      database.NewJobRepository(db),
		logger:    logger.With("component", "event_publisher"),
	}
}

// RecordFetch commits the job outcome, the product snapshot and the
// PRODUCT_FETCHED event in one transaction. job may be nil for synchronous
// fetches.
func (p *Publisher) RecordFetch(ctx context.Context, job *database.FetchJob, result *retry.Result, product *models.Product) error {
	payload := NewProductFetchedPayload(result, product)

	var jobID *uuid.UUID
	if job != nil {
		jobID = &job.ID
		payload.JobID = job.ID.String()
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	productJSON := json.RawMessage(`{}`)
	if product != nil {
		if productJSON, err = json.Marshal(product); err != nil {
			return fmt.Errorf("failed to marshal product: %w", err)
		}
	}

	capturedAt := time.Now()
	if result.State != nil && !result.State.CapturedAt.IsZero() {
		capturedAt = result.State.CapturedAt
	}

	snapshot := &database.Snapshot{
		JobID:      jobID,
		ProductID:  payload.ProductID,
		Platform:   payload.Platform,
		URL:        payload.URL,
		Title:      payload.Title,
		Verdict:    payload.Verdict,
		Signature:  payload.Signature,
		Attempts:   payload.Attempts,
		Product:    productJSON,
		CapturedAt: capturedAt,
	}

	event := &database.OutboxEvent{
		AggregateType: "product",
		AggregateID:   payload.ProductID,
		EventType:     payload.EventType,
		Payload:       data,
		TargetStream:  database.ProductStream,
	}

	err = p.db.Transaction(ctx, func(tx pgx.Tx) error {
		if job != nil {
			if err := p.jobs.FinishWithTx(ctx, tx, job); err != nil {
				return err
			}
		}
		if err := p.snapshots.InsertWithTx(ctx, tx, snapshot); err != nil {
			return err
		}
		return p.outbox.InsertWithTx(ctx, tx, event)
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Info("event published to outbox",
		"type", payload.EventType,
		"event_id", payload.EventID,
		"product_id", payload.ProductID,
		"verdict", payload.Verdict,
		"outbox_id", event.ID,
	)

	return nil
}
