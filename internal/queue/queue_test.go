package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/geopilot/geopilot/internal/queue"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestFIFO(t *testing.T) {
	t.Parallel()
	q := queue.New[int]()
	for i := range 1000 {
		require.True(t, q.Enqueue(i))
	}
	require.Equal(t, 1000, q.Len())
	for i := range 1000 {
		v, err := q.Dequeue(t.Context())
		require.NoError(t, err)
		require.Equal(t, i, v)
	}
	require.Zero(t, q.Len())
}

func TestDequeueBlocks(t *testing.T) {
	t.Parallel()
	q := queue.New[string]()

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	t.Cleanup(cancel)
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan string)
	go func() {
		v, err := q.Dequeue(t.Context())
		if err == nil {
			got <- v
		}
		close(got)
	}()
	time.Sleep(10 * time.Millisecond)
	q.Enqueue("item")
	require.Equal(t, "item", <-got)
}

func TestClose(t *testing.T) {
	t.Parallel()
	q := queue.New[int]()
	q.Enqueue(1)
	q.Close()
	q.Close()

	require.False(t, q.Enqueue(2))
	v, err := q.Dequeue(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, v)
	_, err = q.Dequeue(t.Context())
	require.ErrorIs(t, err, queue.ErrClosed)
}

func TestConsumers(t *testing.T) {
	t.Parallel()
	const items = 5000
	q := queue.New[int]()

	var mx sync.Mutex
	seen := make(map[int]int, items)
	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for {
				v, err := q.Dequeue(t.Context())
				if err != nil {
					return
				}
				mx.Lock()
				seen[v]++
				mx.Unlock()
			}
		})
	}

	var producers sync.WaitGroup
	for p := range 4 {
		producers.Go(func() {
			for i := p; i < items; i += 4 {
				q.Enqueue(i)
			}
		})
	}
	producers.Wait()
	q.Close()
	wg.Wait()

	require.Len(t, seen, items)
	for _, n := range seen {
		require.Equal(t, 1, n)
	}
}
