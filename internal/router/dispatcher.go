package router

import (
	"context"
	"log/slog"
	"sync"
)

// dispatcher serializes work per conversation. Messages of one conversation
// are processed in arrival order; different conversations run concurrently.
type dispatcher struct {
	ctx    context.Context
	logger *slog.Logger

	mu     sync.Mutex
	queues map[string]chan func()
	wg     sync.WaitGroup
}

const queueDepth = 64

func newDispatcher(ctx context.Context, logger *slog.Logger) *dispatcher {
	return &dispatcher{
		ctx:    ctx,
		logger: logger,
		queues: make(map[string]chan func()),
	}
}

// enqueue schedules task on the conversation's worker, spawning it on first
// use. Blocks when the conversation backlog is full so producers apply
// backpressure instead of reordering.
func (d *dispatcher) enqueue(conversationID string, task func()) {
	d.mu.Lock()
	q, ok := d.queues[conversationID]
	if !ok {
		q = make(chan func(), queueDepth)
		d.queues[conversationID] = q
		d.wg.Add(1)
		go d.worker(conversationID, q)
	}
	d.mu.Unlock()

	select {
	case q <- task:
	case <-d.ctx.Done():
	}
}

func (d *dispatcher) worker(conversationID string, q chan func()) {
	defer d.wg.Done()
	for {
		select {
		case task := <-q:
			d.run(conversationID, task)
		case <-d.ctx.Done():
			// Drain what is already queued, then exit.
			for {
				select {
				case task := <-q:
					d.run(conversationID, task)
				default:
					return
				}
			}
		}
	}
}

func (d *dispatcher) run(conversationID string, task func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("router.task_panicked", "conversation", conversationID, "panic", r)
		}
	}()
	task()
}

// wait blocks until every worker has exited. Call after cancelling ctx.
func (d *dispatcher) wait() {
	d.wg.Wait()
}
