package napi

import (
	"context"
	"log/slog"
	"sync"
)

// Worker runs deferred poll passes outside interrupt context. Contexts are
// queued by [Context.Schedule] and served in FIFO order, one pass per turn,
// so a busy device cannot starve the others.
type Worker struct {
	mu     sync.Mutex
	queue  []*Context
	spare  []*Context
	signal chan struct{}
	logger
}

// NewWorker returns a worker. Its queue holds at most one entry per context.
func NewWorker(log *slog.Logger) *Worker {
	return &Worker{signal: make(chan struct{}, 1), logger: logger{log: log}}
}

// enqueue may be called from interrupt context: it never blocks.
func (w *Worker) enqueue(c *Context) {
	w.mu.Lock()
	w.queue = append(w.queue, c)
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued poll passes.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// RunPending runs the passes queued at the time of the call. Passes re-armed
// during the call run on the next call. It returns the number of passes run.
// RunPending must not be called concurrently with itself or [Worker.Run].
func (w *Worker) RunPending() int {
	w.mu.Lock()
	batch := w.queue
	w.queue = w.spare[:0]
	w.mu.Unlock()
	for _, c := range batch {
		c.poll()
	}
	clear(batch)
	w.mu.Lock()
	w.spare = batch[:0]
	w.mu.Unlock()
	return len(batch)
}

// Run serves queued passes until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.debug("napi:worker-start")
	for {
		select {
		case <-ctx.Done():
			w.debug("napi:worker-stop")
			return ctx.Err()
		case <-w.signal:
		}
		for w.RunPending() > 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}
