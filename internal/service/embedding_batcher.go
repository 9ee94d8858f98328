package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/timmy/mediasearch/internal/domain"
)

// EmbedBatcher coalesces concurrent Embed calls into one EmbedBatch call on the wrapped
// Embedder. A batch is sent when it reaches maxBatch texts or window after its first text.
type EmbedBatcher struct {
	embedder Embedder
	window   time.Duration
	maxBatch int
	timeout  time.Duration

	mu      sync.Mutex
	pending []*embedCall
	timer   *time.Timer
}

type embedCall struct {
	text string
	done chan embedResult
}

type embedResult struct {
	vector []float32
	err    error
}

// NewEmbedBatcher wraps embedder. timeout bounds each shared EmbedBatch call, since no
// single caller's context owns it.
func NewEmbedBatcher(embedder Embedder, window time.Duration, maxBatch int, timeout time.Duration) *EmbedBatcher {
	if maxBatch < 1 {
		maxBatch = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &EmbedBatcher{
		embedder: embedder,
		window:   window,
		maxBatch: maxBatch,
		timeout:  timeout,
	}
}

// Embed queues text for the next batch and waits for its vector.
func (b *EmbedBatcher) Embed(ctx context.Context, text string) ([]float32, error) {
	call := &embedCall{text: text, done: make(chan embedResult, 1)}

	b.mu.Lock()
	b.pending = append(b.pending, call)
	switch {
	case len(b.pending) >= b.maxBatch || b.window <= 0:
		batch := b.takeLocked()
		b.mu.Unlock()
		go b.send(batch)
	case b.timer == nil:
		b.timer = time.AfterFunc(b.window, b.flush)
		b.mu.Unlock()
	default:
		b.mu.Unlock()
	}

	select {
	case res := <-call.done:
		return res.vector, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EmbedBatch bypasses coalescing.
func (b *EmbedBatcher) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return b.embedder.EmbedBatch(ctx, texts)
}

// Flush sends whatever is pending immediately.
func (b *EmbedBatcher) Flush() {
	b.flush()
}

func (b *EmbedBatcher) flush() {
	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()
	if len(batch) > 0 {
		b.send(batch)
	}
}

func (b *EmbedBatcher) takeLocked() []*embedCall {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.pending
	b.pending = nil
	return batch
}

func (b *EmbedBatcher) send(batch []*embedCall) {
	texts := make([]string, len(batch))
	for n, call := range batch {
		texts[n] = call.text
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	vectors, err := b.embedder.EmbedBatch(ctx, texts)
	if err == nil && len(vectors) != len(batch) {
		err = domain.Retryable("embed batch", fmt.Errorf("provider returned %d embeddings for %d inputs", len(vectors), len(batch)))
	}
	for n, call := range batch {
		if err != nil {
			call.done <- embedResult{err: err}
			continue
		}
		call.done <- embedResult{vector: vectors[n]}
	}
}

var _ Embedder = (*EmbedBatcher)(nil)
