// Package intake turns fetch requests published on a Redis stream into fetch
// jobs.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/taobao-scraper/internal/database"
)

const EventTypeFetchRequested = "FETCH_REQUESTED"

var errInvalidRequest = errors.New("invalid fetch request")

// StreamClient is the subset of the Redis client the consumer needs.
type StreamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

type JobCreator interface {
	CreateJob(ctx context.Context, reference string) (*database.FetchJob, error)
}

type Config struct {
	Stream   string
	Group    string
	Consumer string
	Block    time.Duration
	Count    int64
}

// Consumer reads FETCH_REQUESTED entries as a member of a consumer group.
// An entry is acknowledged once its job exists, or when it can never become
// one; entries whose job could not be stored stay pending and are read again
// on the next start.
type Consumer struct {
	redis  StreamClient
	jobs   JobCreator
	cfg    Config
	logger *slog.Logger
}

func NewConsumer(client StreamClient, jobs JobCreator, cfg Config, logger *slog.Logger) *Consumer {
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.Count <= 0 {
		cfg.Count = 10
	}
	return &Consumer{
		redis:  client,
		jobs:   jobs,
		cfg:    cfg,
		logger: logger.With("component", "intake", "stream", cfg.Stream),
	}
}

func (c *Consumer) Run(ctx context.Context) error {
	err := c.redis.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("starting consumer", "group", c.cfg.Group, "consumer", c.cfg.Consumer)

	// Entries delivered before a restart but never acknowledged come first.
	if err := c.drainPending(ctx); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if _, err := c.readOnce(ctx, ">"); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("failed to read from stream", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

func (c *Consumer) drainPending(ctx context.Context) error {
	for {
		n, err := c.readOnce(ctx, "0")
		if err != nil {
			return fmt.Errorf("failed to read pending entries: %w", err)
		}
		if n == 0 {
			return nil
		}
	}
}

// readOnce reads one batch starting at id and returns how many entries were
// acknowledged.
func (c *Consumer) readOnce(ctx context.Context, id string) (int, error) {
	args := &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, id},
		Count:    c.cfg.Count,
	}
	if id == ">" {
		args.Block = c.cfg.Block
	}

	streams, err := c.redis.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	acked := 0
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			if err := c.processMessage(ctx, msg); err != nil {
				if !errors.Is(err, errInvalidRequest) {
					c.logger.Error("failed to process message", "id", msg.ID, "error", err)
					continue
				}
				c.logger.Warn("dropping message", "id", msg.ID, "error", err)
			}

			if err := c.redis.XAck(ctx, c.cfg.Stream, c.cfg.Group, msg.ID).Err(); err != nil {
				c.logger.Error("failed to acknowledge message", "id", msg.ID, "error", err)
				continue
			}
			acked++
		}
	}
	return acked, nil
}

func (c *Consumer) processMessage(ctx context.Context, msg redis.XMessage) error {
	eventType, _ := msg.Values["event_type"].(string)
	if eventType != EventTypeFetchRequested {
		return nil
	}

	ref, err := requestReference(msg.Values)
	if err != nil {
		return err
	}

	job, err := c.jobs.CreateJob(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	c.logger.Info("queued fetch request", "message_id", msg.ID, "job_id", job.ID, "reference", ref)
	return nil
}

// requestReference reads the reference from a plain "reference" field or
// from a JSON "payload" field.
func requestReference(values map[string]any) (string, error) {
	if ref, ok := values["reference"].(string); ok && strings.TrimSpace(ref) != "" {
		return strings.TrimSpace(ref), nil
	}

	raw, ok := values["payload"].(string)
	if !ok {
		return "", fmt.Errorf("%w: missing reference", errInvalidRequest)
	}

	var payload struct {
		Reference string `json:"reference"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return "", fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	if strings.TrimSpace(payload.Reference) == "" {
		return "", fmt.Errorf("%w: missing reference", errInvalidRequest)
	}
	return strings.TrimSpace(payload.Reference), nil
}
