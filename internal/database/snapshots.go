package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Snapshot is an extracted product as accepted by one acquisition run.
type Snapshot struct {
	ID         uuid.UUID       `json:"id"`
	JobID      *uuid.UUID      `json:"job_id,omitempty"`
	ProductID  string          `json:"product_id"`
	Platform   string          `json:"platform"`
	URL        string          `json:"url"`
	Title      string          `json:"title"`
	Verdict    string          `json:"verdict"`
	Signature  string          `json:"signature"`
	Attempts   int             `json:"attempts"`
	Product    json.RawMessage `json:"product"`
	CapturedAt time.Time       `json:"captured_at"`
	CreatedAt  time.Time       `json:"created_at"`
}

type SnapshotRepository struct {
	db *DB
}

func NewSnapshotRepository(db *DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

func (r *SnapshotRepository) InsertWithTx(ctx context.Context, tx pgx.Tx, s *Snapshot) error {
	if s.ProductID == "" {
		return errors.New("snapshot requires a product id")
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.CreatedAt = time.Now()

	_, err := tx.Exec(ctx, `
		INSERT INTO product_snapshots (
			id, job_id, product_id, platform, url, title,
			verdict, signature, attempts, product, captured_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		s.ID, s.JobID, s.ProductID, s.Platform, s.URL, s.Title,
		s.Verdict, s.Signature, s.Attempts, s.Product, s.CapturedAt, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// Latest returns the newest snapshot of a product.
func (r *SnapshotRepository) Latest(ctx context.Context, productID string) (*Snapshot, error) {
	s := &Snapshot{}
	err := r.db.QueryRow(ctx, `
		SELECT id, job_id, product_id, platform, url, COALESCE(title, ''),
		       verdict, COALESCE(signature, ''), attempts, product, captured_at, created_at
		FROM product_snapshots
		WHERE product_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, productID,
	).Scan(
		&s.ID, &s.JobID, &s.ProductID, &s.Platform, &s.URL, &s.Title,
		&s.Verdict, &s.Signature, &s.Attempts, &s.Product, &s.CapturedAt, &s.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("snapshot for %s: %w", productID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return s, nil
}
