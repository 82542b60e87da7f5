// Package queue carries transcode tasks from the ingestion gateway to the
// worker pool with at-least-once delivery and explicit acknowledgment.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrQueueFull is returned by the in-memory adapter when a batch publish
// would exceed its capacity. Nothing from the batch is enqueued in that case.
var ErrQueueFull = errors.New("queue capacity exceeded")

// Queue is the task transport contract. PublishAll applies the whole batch or
// none of it so an upload can never fan out partially.
type Queue interface {
	PublishAll(ctx context.Context, tasks []Task) error
	Subscribe() (Subscription, error)
	Close() error
}

// Subscription streams deliveries to one consumer until closed.
type Subscription interface {
	Deliveries() <-chan Delivery
	Close()
}

// Delivery wraps a task with its acknowledgment handle. A delivery stays
// redeliverable until Ack is called; Requeue hands it back for another
// attempt.
type Delivery interface {
	Task() Task
	Ack(ctx context.Context) error
	Requeue(ctx context.Context) error
}

// NewMemoryQueue initialises a single-process queue used in tests and
// development deployments. Capacity bounds the number of outstanding tasks,
// counted from publish until ack, so an unacked delivery always has a slot to
// return to.
func NewMemoryQueue(capacity int) Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &memoryQueue{
		pending:  make(chan Task, capacity),
		capacity: capacity,
	}
}

type memoryQueue struct {
	mu          sync.Mutex
	pending     chan Task
	capacity    int
	outstanding int
	closed      bool
}

func (q *memoryQueue) PublishAll(ctx context.Context, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}
	for _, task := range tasks {
		if err := task.Validate(); err != nil {
			return err
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("queue is closed")
	}
	if q.outstanding+len(tasks) > q.capacity {
		return fmt.Errorf("%w: %d outstanding, %d requested", ErrQueueFull, q.outstanding, len(tasks))
	}
	q.outstanding += len(tasks)
	for _, task := range tasks {
		q.pending <- task
	}
	return nil
}

func (q *memoryQueue) Subscribe() (Subscription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, errors.New("queue is closed")
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &memorySubscription{
		queue:  q,
		cancel: cancel,
		ch:     make(chan Delivery),
	}
	go sub.run(ctx)
	return sub, nil
}

func (q *memoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// requeue returns a task to the pending channel. Its capacity slot stays
// reserved until the task is acked, so the send cannot block.
func (q *memoryQueue) requeue(task Task) {
	q.pending <- task
}

// release frees the capacity slot held since publish.
func (q *memoryQueue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.outstanding > 0 {
		q.outstanding--
	}
}

type memorySubscription struct {
	queue  *memoryQueue
	cancel context.CancelFunc
	once   sync.Once
	ch     chan Delivery
}

func (s *memorySubscription) Deliveries() <-chan Delivery {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.cancel()
	})
}

func (s *memorySubscription) run(ctx context.Context) {
	defer close(s.ch)
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-s.queue.pending:
			delivery := &memoryDelivery{queue: s.queue, task: task}
			select {
			case s.ch <- delivery:
			case <-ctx.Done():
				// Hand the undelivered task back so another
				// subscriber can pick it up.
				s.queue.requeue(task)
				return
			}
		}
	}
}

type memoryDelivery struct {
	queue   *memoryQueue
	task    Task
	settled sync.Once
}

func (d *memoryDelivery) Task() Task {
	return d.task
}

func (d *memoryDelivery) Ack(ctx context.Context) error {
	d.settled.Do(func() {
		d.queue.release()
	})
	return nil
}

func (d *memoryDelivery) Requeue(ctx context.Context) error {
	d.settled.Do(func() {
		d.queue.requeue(d.task)
	})
	return nil
}
