package database

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB connects to TEST_DATABASE_URL, applies the schema and empties
// every table. Tests skip when the variable is unset.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := New(ctx, Config{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, db.Migrate(ctx))
	_, err = db.Exec(ctx, `TRUNCATE outbox_event, product_snapshots, fetch_jobs`)
	require.NoError(t, err)

	return db
}

func insertEvent(t *testing.T, db *DB, repo *OutboxRepository, event *OutboxEvent) {
	t.Helper()
	err := db.Transaction(context.Background(), func(tx pgx.Tx) error {
		return repo.InsertWithTx(context.Background(), tx, event)
	})
	require.NoError(t, err)
}

func TestOutboxRepository_InsertWithTx(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewOutboxRepository(db)

	t.Run("defaults are filled", func(t *testing.T) {
		event := &OutboxEvent{
			AggregateType: "product",
			AggregateID:   "752468272997",
			EventType:     "PRODUCT_FETCHED",
			Payload:       json.RawMessage(`{"product_id":"752468272997"}`),
		}
		insertEvent(t, db, repo, event)

		assert.NotEqual(t, uuid.Nil, event.ID)
		assert.Equal(t, OutboxStatusPending, event.Status)
		assert.Equal(t, ProductStream, event.TargetStream)
		assert.False(t, event.CreatedAt.IsZero())
	})

	t.Run("rolled back with the surrounding transaction", func(t *testing.T) {
		event := fetchedEvent("652468272990")

		err := db.Transaction(ctx, func(tx pgx.Tx) error {
			if err := repo.InsertWithTx(ctx, tx, event); err != nil {
				return err
			}
			return errors.New("abort")
		})
		assert.Error(t, err)

		events, err := repo.GetPending(ctx, 10)
		require.NoError(t, err)
		for _, e := range events {
			assert.NotEqual(t, "652468272990", e.AggregateID)
		}
	})

	t.Run("invalid event rejected", func(t *testing.T) {
		err := db.Transaction(ctx, func(tx pgx.Tx) error {
			return repo.InsertWithTx(ctx, tx, &OutboxEvent{AggregateType: "product"})
		})
		assert.Error(t, err)
	})
}

func TestOutboxRepository_GetPending(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewOutboxRepository(db)

	for _, tc := range []struct {
		id     string
		status string
	}{
		{"1000000001", OutboxStatusPending},
		{"1000000002", OutboxStatusProcessed},
		{"1000000003", OutboxStatusPending},
		{"1000000004", OutboxStatusFailed},
	} {
		e := fetchedEvent(tc.id)
		e.ID = uuid.Nil
		e.Status = tc.status
		insertEvent(t, db, repo, e)
	}

	pending, err := repo.GetPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
	for i, e := range pending {
		assert.Contains(t, []string{OutboxStatusPending, OutboxStatusFailed}, e.Status)
		if i > 0 {
			assert.False(t, e.CreatedAt.Before(pending[i-1].CreatedAt))
		}
	}

	limited, err := repo.GetPending(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = db.Exec(ctx, `UPDATE outbox_event SET next_retry_at = $1 WHERE aggregate_id = $2`,
		time.Now().Add(time.Hour), "1000000004")
	require.NoError(t, err)

	pending, err = repo.GetPending(ctx, 10)
	require.NoError(t, err)
	for _, e := range pending {
		assert.NotEqual(t, "1000000004", e.AggregateID)
	}

	p, dl, err := repo.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), p)
	assert.Equal(t, int64(0), dl)
}

func TestOutboxRepository_MarkProcessed(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewOutboxRepository(db)

	event := fetchedEvent("752468272997")
	insertEvent(t, db, repo, event)

	require.NoError(t, repo.MarkProcessed(ctx, event.ID))

	var status string
	var processedAt *time.Time
	err := db.QueryRow(ctx, `SELECT status, processed_at FROM outbox_event WHERE id = $1`, event.ID).
		Scan(&status, &processedAt)
	require.NoError(t, err)
	assert.Equal(t, OutboxStatusProcessed, status)
	assert.NotNil(t, processedAt)

	assert.ErrorIs(t, repo.MarkProcessed(ctx, uuid.New()), ErrNotFound)
}

func TestOutboxRepository_MarkFailed(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewOutboxRepository(db)

	t.Run("schedules retry", func(t *testing.T) {
		event := fetchedEvent("752468272997")
		insertEvent(t, db, repo, event)

		require.NoError(t, repo.MarkFailed(ctx, event.ID, assert.AnError))

		var status string
		var retryCount int
		var errorMsg *string
		var nextRetry *time.Time
		err := db.QueryRow(ctx,
			`SELECT status, retry_count, error_message, next_retry_at FROM outbox_event WHERE id = $1`,
			event.ID).Scan(&status, &retryCount, &errorMsg, &nextRetry)
		require.NoError(t, err)

		assert.Equal(t, OutboxStatusFailed, status)
		assert.Equal(t, 1, retryCount)
		require.NotNil(t, errorMsg)
		assert.Contains(t, *errorMsg, "assert.AnError")
		require.NotNil(t, nextRetry)
		assert.True(t, nextRetry.After(time.Now()))
	})

	t.Run("dead letter after max retries", func(t *testing.T) {
		event := fetchedEvent("652468272990")
		event.RetryCount = MaxRetryCount - 1
		insertEvent(t, db, repo, event)

		require.NoError(t, repo.MarkFailed(ctx, event.ID, assert.AnError))

		var status string
		err := db.QueryRow(ctx, `SELECT status FROM outbox_event WHERE id = $1`, event.ID).Scan(&status)
		require.NoError(t, err)
		assert.Equal(t, OutboxStatusDeadLetter, status)
	})

	t.Run("unknown event", func(t *testing.T) {
		assert.ErrorIs(t, repo.MarkFailed(ctx, uuid.New(), assert.AnError), ErrNotFound)
	})
}
