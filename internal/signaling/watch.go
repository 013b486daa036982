package signaling

import "sync"

// Watch is the sequence returned by the Watch operations. Values arrive on C
// until it is closed; Err then reports why. A nil Err means the watch's
// context ended; a store failure is reported as *ChannelError.
type Watch[T any] struct {
	C <-chan T

	mu  sync.Mutex
	err error
}

// NewWatch wraps c. The producer closes c when the watch ends.
func NewWatch[T any](c <-chan T) *Watch[T] {
	return &Watch[T]{C: c}
}

// Fail records why the watch ended. Producers call it before closing C.
func (w *Watch[T]) Fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

// Err returns the failure that ended the watch. Only meaningful once C is
// closed.
func (w *Watch[T]) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}
