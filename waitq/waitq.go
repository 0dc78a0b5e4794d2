// Package waitq implements wait queues: the blocking primitive sockets use to
// suspend a task until a condition on a connection holds.
//
// A Queue is a gvisor [waiter.Queue] with FIFO bookkeeping on top. Each
// waiter registers a channel entry for an event mask and sleeps on the
// channel; [Queue.Notify] wakes the waiters whose mask matches and
// [Queue.WakeOne] wakes the longest waiting one. Waiters always re-check
// their condition after being woken, so wakeups may be spurious or batched.
package waitq

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"gvisor.dev/gvisor/pkg/waiter"
)

// ErrTimeout is returned when a wait's deadline expires before its condition holds.
var ErrTimeout = errors.New("waitq: timeout")

// Events a waiter can wait on. They are the poll(2) bits of package waiter.
const (
	EventIn  = waiter.EventIn
	EventOut = waiter.EventOut
	EventErr = waiter.EventErr
	EventHUp = waiter.EventHUp

	// AllEvents matches every notification.
	AllEvents = EventIn | EventOut | EventErr | EventHUp
)

// Queue is a queue of blocked waiters. The zero value is ready to use.
type Queue struct {
	wq waiter.Queue

	mu sync.Mutex
	// fifo holds the wake channels of registered waiters, longest waiting first.
	fifo []chan struct{}
	gen  atomic.Uint64
}

// Wait blocks until cond returns true or ctx is done, waking on any event.
// cond is evaluated before sleeping and after every wake. A ctx deadline
// expiry returns [ErrTimeout]; cancellation returns ctx.Err(). cond must not
// block.
func (q *Queue) Wait(ctx context.Context, cond func() bool) error {
	return q.WaitEvents(ctx, AllEvents, cond)
}

// WaitEvents is [Queue.Wait] woken only by notifications matching mask and
// by [Queue.WakeOne].
func (q *Queue) WaitEvents(ctx context.Context, mask waiter.EventMask, cond func() bool) error {
	if cond() {
		return nil
	}
	e, ch := waiter.NewChannelEntry(mask)
	q.wq.EventRegister(&e)
	q.push(ch)
	handoff := false
	defer func() {
		q.wq.EventUnregister(&e)
		q.remove(ch)
		if handoff {
			q.WakeOne()
		}
	}()
	for {
		// The entry is registered, so a wake after this check stays buffered in ch.
		if cond() {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			if cond() {
				return nil
			}
			select {
			case <-ch:
				// A wake raced with giving up; pass it on once we are off the queue.
				handoff = true
			default:
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrTimeout
			}
			return ctx.Err()
		}
	}
}

// WaitDeadline is [Queue.Wait] bounded by an absolute deadline. A zero
// deadline waits indefinitely.
func (q *Queue) WaitDeadline(deadline time.Time, cond func() bool) error {
	return q.WaitEventsDeadline(deadline, AllEvents, cond)
}

// WaitEventsDeadline is [Queue.WaitEvents] bounded by an absolute deadline.
func (q *Queue) WaitEventsDeadline(deadline time.Time, mask waiter.EventMask, cond func() bool) error {
	if deadline.IsZero() {
		return q.WaitEvents(context.Background(), mask, cond)
	}
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	return q.WaitEvents(ctx, mask, cond)
}

// Notify wakes every waiter whose mask intersects mask.
func (q *Queue) Notify(mask waiter.EventMask) {
	q.gen.Add(1)
	q.wq.Notify(mask)
}

// WakeAll wakes every queued waiter.
func (q *Queue) WakeAll() { q.Notify(AllEvents) }

// WakeOne wakes the longest waiting task regardless of its mask. The woken
// waiter moves to the back of the queue until it re-checks its condition.
// It is a no-op on an empty queue apart from advancing the generation.
func (q *Queue) WakeOne() {
	q.gen.Add(1)
	q.mu.Lock()
	var ch chan struct{}
	if len(q.fifo) > 0 {
		ch = q.fifo[0]
		q.fifo = append(q.fifo[1:], ch)
	}
	q.mu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Len returns the number of queued waiters.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo)
}

// Generation returns the number of wake calls made on q. Comparing
// generations tells a waiter whether any wake happened in between.
func (q *Queue) Generation() uint64 { return q.gen.Load() }

func (q *Queue) push(ch chan struct{}) {
	q.mu.Lock()
	q.fifo = append(q.fifo, ch)
	q.mu.Unlock()
}

func (q *Queue) remove(ch chan struct{}) {
	q.mu.Lock()
	if i := slices.Index(q.fifo, ch); i >= 0 {
		q.fifo = slices.Delete(q.fifo, i, i+1)
	}
	q.mu.Unlock()
}
