package signaling

import (
	"context"
	"sync"
)

// Feed is an unbounded FIFO drained into a channel by Run. Push never blocks.
type Feed[T any] struct {
	mu    sync.Mutex
	queue []T
	wake  chan struct{}
}

func NewFeed[T any]() *Feed[T] {
	return &Feed[T]{wake: make(chan struct{}, 1)}
}

func (f *Feed[T]) Push(v T) {
	f.mu.Lock()
	f.queue = append(f.queue, v)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Run delivers queued values in push order until ctx is done, then closes out.
// No value is delivered once ctx is done.
func (f *Feed[T]) Run(ctx context.Context, out chan<- T) {
	defer close(out)
	for {
		f.mu.Lock()
		items := f.queue
		f.queue = nil
		f.mu.Unlock()

		for _, v := range items {
			if ctx.Err() != nil {
				return
			}
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
		}
		if len(items) > 0 {
			continue
		}

		select {
		case <-f.wake:
		case <-ctx.Done():
			return
		}
	}
}
