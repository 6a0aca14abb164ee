package order

import (
	"context"
	"errors"
)

// ErrQueueFull is returned when a loop's intent queue is at capacity.
var ErrQueueFull = errors.New("intent queue full")

// Queue buffers intents for one (account, broker) loop.
type Queue struct {
	ch chan Intent
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 64
	}
	return &Queue{ch: make(chan Intent, size)}
}

// TryEnqueue never blocks.
func (q *Queue) TryEnqueue(i Intent) error {
	select {
	case q.ch <- i:
		return nil
	default:
		return ErrQueueFull
	}
}

// Take removes up to max queued intents without waiting.
func (q *Queue) Take(max int) []Intent {
	if max <= 0 {
		return nil
	}
	out := make([]Intent, 0, min(max, len(q.ch)))
	for len(out) < max {
		select {
		case i := <-q.ch:
			out = append(out, i)
		default:
			return out
		}
	}
	return out
}

func (q *Queue) Len() int { return len(q.ch) }
func (q *Queue) Cap() int { return cap(q.ch) }

// Drain feeds intents to handler until ctx is canceled.
func (q *Queue) Drain(ctx context.Context, handler func(Intent)) {
	for {
		select {
		case <-ctx.Done():
			return
		case i := <-q.ch:
			handler(i)
		}
	}
}
