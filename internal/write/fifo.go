package write

import (
	"context"
	"sync"
)

// fifo is a mutex that grants the lock in arrival order and lets a waiter
// give up when its context ends.
type fifo struct {
	mu    sync.Mutex
	busy  bool
	queue []chan struct{}
}

func (f *fifo) acquire(ctx context.Context) error {
	f.mu.Lock()
	if !f.busy {
		f.busy = true
		f.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	f.queue = append(f.queue, ch)
	f.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		f.mu.Lock()
		for i, waiting := range f.queue {
			if waiting == ch {
				f.queue = append(f.queue[:i], f.queue[i+1:]...)
				f.mu.Unlock()
				return ctx.Err()
			}
		}
		f.mu.Unlock()
		// handed the lock while giving up
		f.release()
		return ctx.Err()
	}
}

func (f *fifo) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		f.busy = false
		return
	}
	next := f.queue[0]
	f.queue = f.queue[1:]
	close(next)
}
