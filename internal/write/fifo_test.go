package write

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fifo) waiting() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

func waitForQueue(t *testing.T, f *fifo, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.waiting() == n }, time.Second, time.Millisecond)
}

func TestFIFOGrantsInArrivalOrder(t *testing.T) {
	defer leaktest.Check(t)()

	var (
		f     fifo
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	require.NoError(t, f.acquire(context.Background()))

	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.acquire(context.Background()); err != nil {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			f.release()
		}()
		waitForQueue(t, &f, i+1)
	}

	f.release()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestFIFOWaiterCanGiveUp(t *testing.T) {
	defer leaktest.Check(t)()

	var f fifo
	require.NoError(t, f.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.acquire(ctx) }()
	waitForQueue(t, &f, 1)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Zero(t, f.waiting())

	f.release()
	require.NoError(t, f.acquire(context.Background()), "lock is free again")
	f.release()
}
