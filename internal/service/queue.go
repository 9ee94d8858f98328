package service

import (
	"context"
	"sync"

	"github.com/timmy/mediasearch/internal/domain"
	"github.com/timmy/mediasearch/internal/metrics"
)

// Queue hands upload ids from producers to the ingestion workers.
type Queue interface {
	// Enqueue adds id without blocking. A full queue returns a resource exhausted error.
	Enqueue(ctx context.Context, id string) error
	// Dequeue blocks until an id is available, the queue is closed, or ctx is done.
	Dequeue(ctx context.Context) (string, error)
	// Len returns the number of ids waiting.
	Len() int
	// Close stops accepting ids and releases blocked consumers.
	Close()
}

// ChannelQueue is a bounded in-process Queue.
type ChannelQueue struct {
	items     chan string
	done      chan struct{}
	closeOnce sync.Once
}

// NewChannelQueue creates a queue holding at most capacity ids.
func NewChannelQueue(capacity int) *ChannelQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &ChannelQueue{
		items: make(chan string, capacity),
		done:  make(chan struct{}),
	}
}

// Enqueue implements Queue.
func (q *ChannelQueue) Enqueue(ctx context.Context, id string) error {
	select {
	case <-q.done:
		return domain.Fatal("enqueue", domain.ErrQueueClosed)
	default:
	}

	select {
	case q.items <- id:
		metrics.IngestQueueDepth.Set(float64(len(q.items)))
		return nil
	default:
		return domain.ResourceExhausted("enqueue", domain.ErrQueueFull)
	}
}

// Dequeue implements Queue.
func (q *ChannelQueue) Dequeue(ctx context.Context) (string, error) {
	select {
	case id := <-q.items:
		metrics.IngestQueueDepth.Set(float64(len(q.items)))
		return id, nil
	case <-q.done:
		return "", domain.ErrQueueClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Len implements Queue.
func (q *ChannelQueue) Len() int {
	return len(q.items)
}

// Cap returns the number of ids the queue can hold.
func (q *ChannelQueue) Cap() int {
	return cap(q.items)
}

// Close implements Queue. Ids still buffered are dropped; they remain non-terminal in
// the store and are picked up again by Resume.
func (q *ChannelQueue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

var _ Queue = (*ChannelQueue)(nil)
