package router

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testDispatcher(ctx context.Context) *dispatcher {
	return newDispatcher(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDispatcherPreservesPerConversationOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := testDispatcher(ctx)

	var mu sync.Mutex
	seen := make(map[string][]int)

	for i := 0; i < 50; i++ {
		i := i
		for _, conv := range []string{"a", "b", "c"} {
			conv := conv
			d.enqueue(conv, func() {
				mu.Lock()
				seen[conv] = append(seen[conv], i)
				mu.Unlock()
			})
		}
	}

	cancel()
	d.wait()

	for conv, order := range seen {
		assert.Len(t, order, 50, "conversation %s", conv)
		for i, n := range order {
			assert.Equal(t, i, n, "conversation %s executed out of order", conv)
		}
	}
}

func TestDispatcherSurvivesPanickingTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := testDispatcher(ctx)

	done := make(chan struct{})
	d.enqueue("conv", func() { panic("boom") })
	d.enqueue("conv", func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after a panicking task")
	}

	cancel()
	d.wait()
}

func TestDispatcherDrainsQueueOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := testDispatcher(ctx)

	var mu sync.Mutex
	ran := 0
	block := make(chan struct{})
	d.enqueue("conv", func() { <-block })
	for i := 0; i < 10; i++ {
		d.enqueue("conv", func() {
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}

	cancel()
	close(block)
	d.wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, ran)
}
