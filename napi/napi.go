// Package napi implements an interrupt-plus-poll receive pipeline. A device
// interrupt only schedules deferred work; a [Worker] later drains the device
// receive ring in budgeted passes and hands frames to a [Dispatcher].
package napi

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/nanokern/netcore/internal"
)

var (
	// ErrRingEmpty is returned by [Device.ReceiveFrame] when no frame is pending.
	ErrRingEmpty = errors.New("napi: receive ring empty")
	// ErrTxFull is returned by [Device.Transmit] when no transmit descriptor is free.
	ErrTxFull = errors.New("napi: transmit ring full")
	// ErrFrameTooLarge is returned by [Device.ReceiveFrame] when dst cannot hold the next frame.
	ErrFrameTooLarge = errors.New("napi: frame larger than buffer")

	errBadConfig = errors.New("napi: bad config")
)

// Device is the driver side of the pipeline.
type Device interface {
	// ReceiveFrame copies the next received frame into dst. It returns
	// ErrRingEmpty when the receive ring is empty.
	ReceiveFrame(dst []byte) (int, error)
	// RxPending reports whether the receive ring holds frames.
	RxPending() bool
	EnableRxInterrupts()
	DisableRxInterrupts()
	// Transmit queues frame for transmission without blocking. The device
	// copies frame. ErrTxFull is returned when no descriptor is free.
	Transmit(frame []byte) error
	// ReclaimTx frees descriptors of completed transmissions and returns their count.
	ReclaimTx() int
}

// Dispatcher receives frames drained from the device. frame is only valid
// for the duration of the call.
type Dispatcher interface {
	Dispatch(frame []byte)
}

// DispatchFunc adapts a function to [Dispatcher].
type DispatchFunc func(frame []byte)

func (f DispatchFunc) Dispatch(frame []byte) { f(frame) }

// State of a [Context].
type State uint32

const (
	StateIdle      State = iota // Interrupts enabled, no work scheduled.
	StateScheduled              // Interrupts disabled, queued on the worker.
	StatePolling                // A poll pass is running.
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateScheduled:
		return "Scheduled"
	case StatePolling:
		return "Polling"
	}
	return "State(" + itoa(int(s)) + ")"
}

const (
	DefaultBudget   = 64
	DefaultMaxFrame = 1514
)

// Config configures a [Context]. Zero fields take default values.
type Config struct {
	// Budget is the maximum number of frames drained in one poll pass.
	Budget int
	// MaxFrame is the size of the receive scratch buffer.
	MaxFrame int
	Logger   *slog.Logger
}

// Stats counts the activity of a [Context].
type Stats struct {
	Interrupts  uint64 // Schedule calls that moved the context out of Idle.
	Passes      uint64 // poll passes run.
	Frames      uint64 // frames dispatched.
	Rearms      uint64 // passes that exhausted the budget with frames pending.
	Completes   uint64 // passes that drained the ring and re-enabled interrupts.
	RxErrors    uint64 // ReceiveFrame errors other than ErrRingEmpty.
	TxReclaimed uint64
}

// Context is the per-device pipeline state.
type Context struct {
	dev      Device
	dispatch Dispatcher
	worker   *Worker
	budget   int
	buf      []byte // receive scratch, only touched while Polling.
	state    atomic.Uint32
	logger

	interrupts  atomic.Uint64
	passes      atomic.Uint64
	frames      atomic.Uint64
	rearms      atomic.Uint64
	completes   atomic.Uint64
	rxErrors    atomic.Uint64
	txReclaimed atomic.Uint64
}

// New returns an Idle context draining dev into dispatch, with deferred
// passes run by w. Device receive interrupts are enabled.
func New(dev Device, dispatch Dispatcher, w *Worker, cfg Config) (*Context, error) {
	if dev == nil || dispatch == nil || w == nil {
		return nil, errBadConfig
	}
	if cfg.Budget == 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.MaxFrame == 0 {
		cfg.MaxFrame = DefaultMaxFrame
	}
	if cfg.Budget < 0 || cfg.MaxFrame < 0 {
		return nil, errBadConfig
	}
	c := &Context{
		dev:      dev,
		dispatch: dispatch,
		worker:   w,
		budget:   cfg.Budget,
		buf:      make([]byte, cfg.MaxFrame),
		logger:   logger{log: cfg.Logger},
	}
	dev.EnableRxInterrupts()
	return c, nil
}

// State returns the current pipeline state.
func (c *Context) State() State { return State(c.state.Load()) }

// Budget returns the per pass frame budget.
func (c *Context) Budget() int { return c.budget }

// Schedule is called from the device's interrupt handler. Unless the context
// is Idle it does nothing; otherwise it masks receive interrupts and queues a
// poll pass on the worker.
func (c *Context) Schedule() {
	if !c.state.CompareAndSwap(uint32(StateIdle), uint32(StateScheduled)) {
		return
	}
	c.dev.DisableRxInterrupts()
	c.interrupts.Add(1)
	c.worker.enqueue(c)
}

// poll runs one pass of at most budget frames. It reports whether another
// pass was queued.
func (c *Context) poll() (rearmed bool) {
	c.state.Store(uint32(StatePolling))
	c.passes.Add(1)
	n := 0
	for n < c.budget {
		sz, err := c.dev.ReceiveFrame(c.buf)
		if errors.Is(err, ErrRingEmpty) {
			break
		} else if err != nil {
			// The frame is consumed by the device; count it against the budget.
			c.rxErrors.Add(1)
			c.logerr("napi:rx", slog.String("err", err.Error()))
			n++
			continue
		}
		c.dispatch.Dispatch(c.buf[:sz])
		n++
	}
	c.frames.Add(uint64(n))
	if r := c.dev.ReclaimTx(); r > 0 {
		c.txReclaimed.Add(uint64(r))
	}
	if c.logenabled(internal.LevelTrace) {
		c.trace("napi:poll", slog.Int("frames", n), slog.Int("budget", c.budget))
	}
	if n == c.budget && c.dev.RxPending() {
		c.rearms.Add(1)
		c.state.Store(uint32(StateScheduled))
		c.worker.enqueue(c)
		return true
	}
	c.complete()
	return false
}

// complete returns to Idle and unmasks interrupts. A frame that landed after
// the ring was found empty but before interrupts were enabled raised no
// interrupt, so the ring is checked once more.
func (c *Context) complete() {
	c.completes.Add(1)
	c.state.Store(uint32(StateIdle))
	c.dev.EnableRxInterrupts()
	if c.dev.RxPending() {
		c.Schedule()
	}
}

// Stats returns a snapshot of the context counters.
func (c *Context) Stats() Stats {
	return Stats{
		Interrupts:  c.interrupts.Load(),
		Passes:      c.passes.Load(),
		Frames:      c.frames.Load(),
		Rearms:      c.rearms.Load(),
		Completes:   c.completes.Load(),
		RxErrors:    c.rxErrors.Load(),
		TxReclaimed: c.txReclaimed.Load(),
	}
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	n := len(buf)
	for i > 0 {
		n--
		buf[n] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[n:])
}
