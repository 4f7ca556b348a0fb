package bridge

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/talkdojo/transcribe-gateway/internal/observability"
)

// chunkQueue is an unbounded FIFO of audio chunks feeding one
// transcription call. A single consumer pulls via Next; pushes stop
// succeeding once the queue is cancelled.
type chunkQueue struct {
	poll time.Duration

	mu        sync.Mutex
	chunks    [][]byte
	cancelled bool
}

func newChunkQueue(poll time.Duration) *chunkQueue {
	return &chunkQueue{poll: poll}
}

func (q *chunkQueue) push(chunk []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancelled {
		return false
	}
	q.chunks = append(q.chunks, chunk)
	observability.RecordQueueDepth(1)
	return true
}

// Next returns the next queued chunk in arrival order. When the queue
// is empty it waits one poll interval and re-checks, so cancellation is
// observed within a single cycle. io.EOF signals the end of the stream.
func (q *chunkQueue) Next(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.chunks) > 0 {
			chunk := q.chunks[0]
			q.chunks = q.chunks[1:]
			q.mu.Unlock()
			observability.RecordQueueDepth(-1)
			return chunk, nil
		}
		cancelled := q.cancelled
		q.mu.Unlock()
		if cancelled {
			return nil, io.EOF
		}
		select {
		case <-ctx.Done():
			return nil, io.EOF
		case <-time.After(q.poll):
		}
	}
}

// cancel stops the queue and discards pending chunks, returning how
// many were dropped.
func (q *chunkQueue) cancel() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancelled {
		return 0
	}
	q.cancelled = true
	dropped := len(q.chunks)
	q.chunks = nil
	return dropped
}

func (q *chunkQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chunks)
}
