// Package nic provides a simulated network device for exercising the receive
// pipeline without hardware. A [Loopback] pair behaves like two NICs joined by
// a cable: frames transmitted on one end land in the receive ring of the other
// and raise its interrupt line.
package nic

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nanokern/netcore/internal"
	"github.com/nanokern/netcore/napi"
	"github.com/smallnest/ringbuffer"
)

const (
	DefaultRxRingSize    = 64 * 1024
	DefaultTxDescriptors = 32
	DefaultMTU           = 1500
	sizeFramePrefix      = 2
)

var errBadConfig = errors.New("nic: bad config")

// Config configures both ends of a [Loopback] pair. Zero fields take default values.
type Config struct {
	// RxRingSize is the receive ring capacity in bytes. Every frame also
	// occupies a 2 byte length prefix.
	RxRingSize int
	// TxDescriptors bounds frames transmitted but not yet reclaimed.
	TxDescriptors int
	MTU           int
	Logger        *slog.Logger
}

// Stats counts the activity of one end of a pair.
type Stats struct {
	TxFrames   uint64
	RxFrames   uint64 // frames stored in the receive ring.
	RxDropped  uint64 // frames lost to a full receive ring or a short receive buffer.
	Interrupts uint64 // interrupt handler invocations.
}

// Loopback is one end of a simulated point to point link. It implements [napi.Device].
type Loopback struct {
	peer *Loopback
	mtu  int

	mu     sync.Mutex
	rx     *ringbuffer.RingBuffer
	irqOn  bool
	irq    func()
	txDesc int
	txUsed int

	txFrames   atomic.Uint64
	rxFrames   atomic.Uint64
	rxDropped  atomic.Uint64
	interrupts atomic.Uint64
	logger
}

var _ napi.Device = (*Loopback)(nil)

// NewPair returns two connected devices with receive interrupts disabled.
func NewPair(cfg Config) (*Loopback, *Loopback, error) {
	if cfg.RxRingSize == 0 {
		cfg.RxRingSize = DefaultRxRingSize
	}
	if cfg.TxDescriptors == 0 {
		cfg.TxDescriptors = DefaultTxDescriptors
	}
	if cfg.MTU == 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.RxRingSize < cfg.MTU+sizeFramePrefix || cfg.TxDescriptors < 0 || cfg.MTU < 0 || cfg.MTU > 0xffff {
		return nil, nil, errBadConfig
	}
	a := newLoopback(cfg)
	b := newLoopback(cfg)
	a.peer, b.peer = b, a
	return a, b, nil
}

func newLoopback(cfg Config) *Loopback {
	return &Loopback{
		mtu:    cfg.MTU,
		rx:     ringbuffer.New(cfg.RxRingSize),
		txDesc: cfg.TxDescriptors,
		logger: logger{log: cfg.Logger},
	}
}

// SetInterruptHandler sets the function raised when a frame arrives while
// receive interrupts are enabled. It is called with no device lock held,
// typically [napi.Context.Schedule].
func (l *Loopback) SetInterruptHandler(fn func()) {
	l.mu.Lock()
	l.irq = fn
	l.mu.Unlock()
}

// MTU returns the largest frame the device transmits.
func (l *Loopback) MTU() int { return l.mtu }

// Transmit copies frame into the peer's receive ring. The descriptor it
// occupies stays in use until [Loopback.ReclaimTx]. A full peer ring drops the
// frame silently, as a wire would.
func (l *Loopback) Transmit(frame []byte) error {
	if len(frame) > l.mtu {
		return napi.ErrFrameTooLarge
	}
	l.mu.Lock()
	if l.txUsed >= l.txDesc {
		l.mu.Unlock()
		return napi.ErrTxFull
	}
	l.txUsed++
	l.mu.Unlock()
	l.txFrames.Add(1)
	l.peer.receive(frame)
	return nil
}

func (l *Loopback) receive(frame []byte) {
	var prefix [sizeFramePrefix]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(len(frame)))
	l.mu.Lock()
	if l.rx.Free() < sizeFramePrefix+len(frame) {
		l.mu.Unlock()
		l.rxDropped.Add(1)
		l.debug("nic:rx-drop", slog.Int("len", len(frame)))
		return
	}
	l.rx.Write(prefix[:])
	l.rx.Write(frame)
	irq := l.irq
	if !l.irqOn {
		irq = nil
	}
	l.mu.Unlock()
	l.rxFrames.Add(1)
	if irq != nil {
		l.interrupts.Add(1)
		irq()
	}
}

// ReceiveFrame copies the next frame in the receive ring into dst. A frame
// that does not fit dst is discarded and [napi.ErrFrameTooLarge] is returned.
func (l *Loopback) ReceiveFrame(dst []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rx.Length() < sizeFramePrefix {
		return 0, napi.ErrRingEmpty
	}
	var prefix [sizeFramePrefix]byte
	if _, err := l.rx.Read(prefix[:]); err != nil {
		return 0, err
	}
	n := int(binary.BigEndian.Uint16(prefix[:]))
	if n == 0 {
		return 0, nil
	}
	if len(dst) < n {
		l.rxDropped.Add(1)
		var scratch [256]byte
		for n > 0 {
			r, err := l.rx.Read(scratch[:min(n, len(scratch))])
			if err != nil {
				break
			}
			n -= r
		}
		return 0, napi.ErrFrameTooLarge
	}
	return l.rx.Read(dst[:n])
}

// RxPending reports whether a frame is waiting in the receive ring.
func (l *Loopback) RxPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rx.Length() > 0
}

func (l *Loopback) EnableRxInterrupts() {
	l.mu.Lock()
	l.irqOn = true
	l.mu.Unlock()
}

func (l *Loopback) DisableRxInterrupts() {
	l.mu.Lock()
	l.irqOn = false
	l.mu.Unlock()
}

// ReclaimTx frees every descriptor of a completed transmission. Loopback
// transmissions complete on return from Transmit.
func (l *Loopback) ReclaimTx() int {
	l.mu.Lock()
	n := l.txUsed
	l.txUsed = 0
	l.mu.Unlock()
	return n
}

// Reset discards all frames in the receive ring.
func (l *Loopback) Reset() {
	l.mu.Lock()
	l.rx.Reset()
	l.mu.Unlock()
}

func (l *Loopback) Stats() Stats {
	return Stats{
		TxFrames:   l.txFrames.Load(),
		RxFrames:   l.rxFrames.Load(),
		RxDropped:  l.rxDropped.Load(),
		Interrupts: l.interrupts.Load(),
	}
}

type logger struct {
	log *slog.Logger
}

func (l logger) debug(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelDebug, msg, attrs...)
}
