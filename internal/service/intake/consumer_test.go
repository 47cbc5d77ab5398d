package intake

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/taobao-scraper/internal/database"
)

const testStream = "stream:taobao_fetch_requests"

type MockStreamClient struct {
	mock.Mock
}

func (m *MockStreamClient) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	args := m.Called(ctx, stream, group, start)
	return redis.NewStatusResult("OK", args.Error(0))
}

func (m *MockStreamClient) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	args := m.Called(ctx, a.Streams[1])
	streams, _ := args.Get(0).([]redis.XStream)
	return redis.NewXStreamSliceCmdResult(streams, args.Error(1))
}

func (m *MockStreamClient) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	args := m.Called(ctx, stream, group, ids)
	return redis.NewIntResult(1, args.Error(0))
}

type recordingJobs struct {
	mu   sync.Mutex
	refs []string
	err  error
}

func (r *recordingJobs) CreateJob(ctx context.Context, reference string) (*database.FetchJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.refs = append(r.refs, reference)
	return &database.FetchJob{ID: uuid.New(), Reference: reference, Status: database.JobStatusPending}, nil
}

func newConsumer(client StreamClient, jobs JobCreator) *Consumer {
	return NewConsumer(client, jobs, Config{
		Stream:   testStream,
		Group:    "taobao-fetch-intake",
		Consumer: "intake-1",
		Block:    10 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func batchOf(msgs ...redis.XMessage) []redis.XStream {
	return []redis.XStream{{Stream: testStream, Messages: msgs}}
}

func TestConsumer_ReadOnce(t *testing.T) {
	t.Run("creates jobs and acknowledges", func(t *testing.T) {
		client := new(MockStreamClient)
		jobs := &recordingJobs{}
		c := newConsumer(client, jobs)

		client.On("XReadGroup", mock.Anything, ">").Return(batchOf(
			redis.XMessage{ID: "1-0", Values: map[string]any{"event_type": "FETCH_REQUESTED", "reference": " 752468272997 "}},
			redis.XMessage{ID: "2-0", Values: map[string]any{"event_type": "FETCH_REQUESTED", "payload": `{"reference":"https://e.tb.cn/h.abc"}`}},
			redis.XMessage{ID: "3-0", Values: map[string]any{"event_type": "PRODUCT_FETCHED"}},
		), nil)
		client.On("XAck", mock.Anything, testStream, "taobao-fetch-intake", mock.Anything).Return(nil)

		n, err := c.readOnce(context.Background(), ">")
		require.NoError(t, err)

		assert.Equal(t, 3, n)
		assert.Equal(t, []string{"752468272997", "https://e.tb.cn/h.abc"}, jobs.refs)
		client.AssertNumberOfCalls(t, "XAck", 3)
	})

	t.Run("malformed requests are dropped", func(t *testing.T) {
		client := new(MockStreamClient)
		jobs := &recordingJobs{}
		c := newConsumer(client, jobs)

		client.On("XReadGroup", mock.Anything, ">").Return(batchOf(
			redis.XMessage{ID: "1-0", Values: map[string]any{"event_type": "FETCH_REQUESTED"}},
			redis.XMessage{ID: "2-0", Values: map[string]any{"event_type": "FETCH_REQUESTED", "payload": "{"}},
		), nil)
		client.On("XAck", mock.Anything, testStream, "taobao-fetch-intake", mock.Anything).Return(nil)

		n, err := c.readOnce(context.Background(), ">")
		require.NoError(t, err)

		assert.Equal(t, 2, n)
		assert.Empty(t, jobs.refs)
	})

	t.Run("store failure leaves the entry pending", func(t *testing.T) {
		client := new(MockStreamClient)
		jobs := &recordingJobs{err: errors.New("connection refused")}
		c := newConsumer(client, jobs)

		client.On("XReadGroup", mock.Anything, ">").Return(batchOf(
			redis.XMessage{ID: "1-0", Values: map[string]any{"event_type": "FETCH_REQUESTED", "reference": "1"}},
		), nil)

		n, err := c.readOnce(context.Background(), ">")
		require.NoError(t, err)

		assert.Equal(t, 0, n)
		client.AssertNotCalled(t, "XAck", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("empty read", func(t *testing.T) {
		client := new(MockStreamClient)
		c := newConsumer(client, &recordingJobs{})

		client.On("XReadGroup", mock.Anything, ">").Return(nil, redis.Nil)

		n, err := c.readOnce(context.Background(), ">")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestConsumer_Run(t *testing.T) {
	client := new(MockStreamClient)
	jobs := &recordingJobs{}
	c := newConsumer(client, jobs)

	client.On("XGroupCreateMkStream", mock.Anything, testStream, "taobao-fetch-intake", "0").
		Return(errors.New("BUSYGROUP Consumer Group name already exists"))
	client.On("XReadGroup", mock.Anything, "0").Return(batchOf(
		redis.XMessage{ID: "1-0", Values: map[string]any{"event_type": "FETCH_REQUESTED", "reference": "pending"}},
	), nil).Once()
	client.On("XReadGroup", mock.Anything, "0").Return(nil, redis.Nil)
	client.On("XReadGroup", mock.Anything, ">").Return(batchOf(
		redis.XMessage{ID: "2-0", Values: map[string]any{"event_type": "FETCH_REQUESTED", "reference": "new"}},
	), nil).Once()
	client.On("XReadGroup", mock.Anything, ">").Return(nil, redis.Nil).After(5 * time.Millisecond)
	client.On("XAck", mock.Anything, testStream, "taobao-fetch-intake", mock.Anything).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		jobs.mu.Lock()
		defer jobs.mu.Unlock()
		return len(jobs.refs) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}

	assert.Equal(t, []string{"pending", "new"}, jobs.refs)
}

func TestConsumer_RunGroupCreateFails(t *testing.T) {
	client := new(MockStreamClient)
	client.On("XGroupCreateMkStream", mock.Anything, testStream, "taobao-fetch-intake", "0").
		Return(errors.New("NOAUTH Authentication required"))

	err := newConsumer(client, &recordingJobs{}).Run(context.Background())
	assert.ErrorContains(t, err, "failed to create consumer group")
}
