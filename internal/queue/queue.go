package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrQueueClosed = errors.New("queue is closed")
	ErrQueueFull   = errors.New("queue is full")
)

// Task is one product reference waiting to be fetched.
type Task struct {
	ID        string
	Reference string
	Priority  int
	Retries   int
	CreatedAt time.Time
}

func NewTask(reference string, priority int) *Task {
	return &Task{
		ID:        uuid.New().String(),
		Reference: reference,
		Priority:  priority,
		CreatedAt: time.Now(),
	}
}

type Queue interface {
	Push(task *Task) error
	Pop(ctx context.Context) (*Task, error)
	Size() int
	Close() error
}

var _ Queue = (*InMemoryQueue)(nil)

// InMemoryQueue orders tasks by priority, highest first, and FIFO within a
// priority. Pop blocks until a task arrives, the queue closes or ctx ends.
type InMemoryQueue struct {
	mu       sync.Mutex
	tasks    []*Task
	capacity int
	closed   bool
	notify   chan struct{}
}

// NewInMemoryQueue creates a queue holding at most capacity tasks; zero means
// unbounded.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	return &InMemoryQueue{
		capacity: capacity,
		notify:   make(chan struct{}),
	}
}

func (q *InMemoryQueue) Push(task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.capacity > 0 && len(q.tasks) >= q.capacity {
		return ErrQueueFull
	}

	q.tasks = append(q.tasks, task)
	sort.SliceStable(q.tasks, func(i, j int) bool {
		return q.tasks[i].Priority > q.tasks[j].Priority
	})
	q.wake()

	return nil
}

// PushWait is Push that waits for room instead of returning ErrQueueFull.
func (q *InMemoryQueue) PushWait(ctx context.Context, task *Task) error {
	for {
		err := q.Push(task)
		if !errors.Is(err, ErrQueueFull) {
			return err
		}

		q.mu.Lock()
		wait := q.notify
		full := q.capacity > 0 && len(q.tasks) >= q.capacity
		q.mu.Unlock()
		if !full {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Pop removes the next task. Remaining tasks are still handed out after
// Close; ErrQueueClosed is returned once the queue is closed and drained.
func (q *InMemoryQueue) Pop(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		if len(q.tasks) > 0 {
			task := q.tasks[0]
			q.tasks = q.tasks[1:]
			q.wake()
			q.mu.Unlock()
			return task, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (q *InMemoryQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		q.wake()
	}
	return nil
}

// wake releases every waiting Pop and PushWait. Must be called with mu held.
func (q *InMemoryQueue) wake() {
	close(q.notify)
	q.notify = make(chan struct{})
}
