// Package socket is the user facing layer over the TCP stack. A [Socket]
// owns one connection handle and turns the stack's non-blocking operations
// into blocking calls by sleeping on wait queues that the stack wakes through
// the tcp.Notifier interface.
package socket

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nanokern/netcore/internal"
	"github.com/nanokern/netcore/tcp"
	"github.com/nanokern/netcore/waitq"
	"gvisor.dev/gvisor/pkg/waiter"
)

// Domain is the address family of a socket.
type Domain int

const AF_INET Domain = 2

// Type is the communication semantics of a socket.
type Type int

const (
	SOCK_STREAM Type = 1
	SOCK_DGRAM  Type = 2
)

// Option names a socket option settable with [Socket.SetOption].
type Option int

const (
	SO_RCVTIMEO Option = iota + 1 // Recv and Accept timeout. Zero waits forever.
	SO_SNDTIMEO                   // Send and Connect timeout. Zero waits forever.
)

// Readiness is the result of [Socket.PollCheck].
type Readiness uint8

const (
	Readable Readiness = 1 << iota
	Writable
	Error
	HangUp
)

func (r Readiness) String() string {
	if r == 0 {
		return "[]"
	}
	const names = "RDWRERHU"
	b := []byte{'['}
	for i := 0; i < 4; i++ {
		if r&(1<<i) == 0 {
			continue
		}
		if len(b) > 1 {
			b = append(b, ',')
		}
		b = append(b, names[2*i:2*i+2]...)
	}
	return string(append(b, ']'))
}

var (
	// ErrWouldBlock is returned by a non-blocking socket when the operation cannot complete now.
	ErrWouldBlock = errors.New("socket: operation would block")
	// ErrInProgress is returned by a non-blocking Connect after the SYN was sent.
	ErrInProgress = errors.New("socket: connection in progress")
	// ErrNotSupported is returned by stream operations on a datagram socket.
	ErrNotSupported   = errors.New("socket: operation not supported")
	ErrAFNotSupported = errors.New("socket: address family not supported")
	ErrInvalid        = errors.New("socket: invalid argument or state")
	ErrIsConnected    = errors.New("socket: already connected")
	ErrNotConnected   = errors.New("socket: not connected")
	// ErrClosed is returned by operations on a closed socket, including those
	// blocked when Close was called.
	ErrClosed = errors.New("socket: closed")
)

type sockState uint8

const (
	stateUnbound sockState = iota
	stateBound
	stateListening
	stateConnecting
	stateConnected
	stateClosed
)

// Socket is a stream socket over a [tcp.Stack]. Its methods may be called
// concurrently.
type Socket struct {
	stk    *tcp.Stack
	domain Domain
	typ    Type

	recvWQ   waitq.Queue
	sendWQ   waitq.Queue
	acceptWQ waitq.Queue

	// mu guards the fields below. It is never held across a stack call since
	// the stack calls Notify.
	mu       sync.Mutex
	h        tcp.Handle
	state    sockState
	nonblock bool
	rcvTimeo time.Duration
	sndTimeo time.Duration
	err      error // terminal error delivered by the stack.
	hup      bool
	logger
}

// New returns an unbound socket on stk. Only AF_INET is accepted. Datagram
// sockets can be created but every stream operation on them fails with
// [ErrNotSupported].
func New(stk *tcp.Stack, domain Domain, typ Type) (*Socket, error) {
	if stk == nil {
		return nil, ErrInvalid
	}
	if domain != AF_INET {
		return nil, ErrAFNotSupported
	}
	if typ != SOCK_STREAM && typ != SOCK_DGRAM {
		return nil, ErrInvalid
	}
	s := &Socket{stk: stk, domain: domain, typ: typ}
	s.log = stk.Config().Logger
	return s, nil
}

func (s *Socket) Type() Type { return s.typ }

// SetNonblocking selects whether operations fail with [ErrWouldBlock]
// instead of sleeping.
func (s *Socket) SetNonblocking(nonblock bool) {
	s.mu.Lock()
	s.nonblock = nonblock
	s.mu.Unlock()
}

// SetOption sets a timeout option. Negative durations are invalid.
func (s *Socket) SetOption(opt Option, d time.Duration) error {
	if d < 0 {
		return ErrInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch opt {
	case SO_RCVTIMEO:
		s.rcvTimeo = d
	case SO_SNDTIMEO:
		s.sndTimeo = d
	default:
		return ErrInvalid
	}
	return nil
}

// Notify implements tcp.Notifier. It records terminal errors and wakes the
// queues the event concerns.
func (s *Socket) Notify(ev tcp.EventMask, err error) {
	s.mu.Lock()
	if err != nil && s.err == nil {
		s.err = err
	}
	if ev&tcp.EventHUp != 0 {
		s.hup = true
	}
	s.mu.Unlock()
	if internal.LogEnabled(s.log, internal.LevelTrace) {
		s.trace("socket:notify", slog.Uint64("ev", uint64(ev)), errAttr(err))
	}
	mask := waiterMask(ev)
	s.acceptWQ.Notify(mask)
	s.recvWQ.Notify(mask)
	s.sendWQ.Notify(mask)
}

// Wait masks of the blocking operations. Errors and hangups end every wait.
const (
	readMask  = waitq.EventIn | waitq.EventErr | waitq.EventHUp
	writeMask = waitq.EventOut | waitq.EventErr | waitq.EventHUp
)

// waiterMask converts stack events to wait queue events.
func waiterMask(ev tcp.EventMask) waiter.EventMask {
	var m waiter.EventMask
	if ev&tcp.EventIn != 0 {
		m |= waitq.EventIn
	}
	if ev&tcp.EventOut != 0 {
		m |= waitq.EventOut
	}
	if ev&tcp.EventErr != 0 {
		m |= waitq.EventErr
	}
	if ev&tcp.EventHUp != 0 {
		m |= waitq.EventHUp
	}
	return m
}

// Bind reserves a local port. Port zero selects an ephemeral port.
func (s *Socket) Bind(port uint16) error {
	if err := s.checkStream(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.state != stateUnbound {
		err := s.stateErr()
		s.mu.Unlock()
		return err
	}
	// Claim the transition so a concurrent Bind fails.
	s.state = stateBound
	s.mu.Unlock()
	h, err := s.stk.Bind(port)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = stateUnbound
		return err
	}
	s.h = h
	return nil
}

// LocalPort returns the bound local port, or zero.
func (s *Socket) LocalPort() uint16 {
	tuple, err := s.stk.Tuple(s.handle())
	if err != nil {
		return 0
	}
	return tuple.LocalPort
}

// Listen marks the socket as accepting connections. An unbound socket is
// bound to an ephemeral port first.
func (s *Socket) Listen(backlog int) error {
	if err := s.checkStream(); err != nil {
		return err
	}
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st == stateUnbound {
		if err := s.Bind(0); err != nil {
			return err
		}
		st = stateBound
	}
	if st != stateBound && st != stateListening {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.stateErr()
	}
	h := s.handle()
	if err := s.stk.Listen(h, backlog); err != nil {
		return err
	}
	s.mu.Lock()
	s.state = stateListening
	s.mu.Unlock()
	if err := s.stk.SetNotifier(h, s); err != nil {
		return err
	}
	s.debug("socket:listen", slog.Uint64("slot", uint64(h.Slot)), slog.Int("backlog", backlog))
	return nil
}

// Accept returns the next established connection. A blocking socket sleeps
// until one arrives, SO_RCVTIMEO expires or the socket is closed.
func (s *Socket) Accept() (*Socket, error) {
	if err := s.checkStream(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.state != stateListening {
		err := s.stateErr()
		s.mu.Unlock()
		return nil, err
	}
	lh, nonblock, deadline := s.h, s.nonblock, deadlineAfter(s.rcvTimeo)
	s.mu.Unlock()

	var child tcp.Handle
	var aerr error
	try := func() bool {
		child, aerr = s.stk.Accept(lh)
		if errors.Is(aerr, tcp.ErrNoConnPending) {
			aerr = s.closedErr()
			return aerr != nil
		} else if aerr != nil {
			aerr = s.termErr(aerr)
		}
		return true
	}
	if nonblock {
		if !try() {
			return nil, ErrWouldBlock
		}
	} else if err := s.acceptWQ.WaitEventsDeadline(deadline, readMask, try); err != nil {
		return nil, err
	}
	if aerr != nil {
		return nil, aerr
	}
	c := &Socket{stk: s.stk, domain: s.domain, typ: s.typ, h: child, state: stateConnected}
	c.log = s.log
	s.mu.Lock()
	c.nonblock, c.rcvTimeo, c.sndTimeo = s.nonblock, s.rcvTimeo, s.sndTimeo
	s.mu.Unlock()
	// A reset between accept and registration is reported on first use.
	c.watch(child, tcp.ErrConnectionReset)
	return c, nil
}

// Connect opens a connection to raddr:rport. A non-blocking socket returns
// [ErrInProgress] once the SYN is sent; completion is observed with
// [Socket.PollCheck] reporting Writable.
func (s *Socket) Connect(raddr [4]byte, rport uint16) error {
	if err := s.checkStream(); err != nil {
		return err
	}
	s.mu.Lock()
	st := s.state
	switch st {
	case stateUnbound, stateBound:
		s.state = stateConnecting
	case stateConnecting:
		s.mu.Unlock()
		return s.waitConnected()
	default:
		err := s.stateErr()
		s.mu.Unlock()
		return err
	}
	h := s.h
	s.mu.Unlock()

	var err error
	if st == stateBound {
		err = s.stk.ConnectBound(h, raddr, rport)
	} else {
		h, err = s.stk.Connect(raddr, rport)
	}
	if err != nil {
		s.mu.Lock()
		s.state = st
		s.mu.Unlock()
		return err
	}
	s.mu.Lock()
	s.h = h
	s.mu.Unlock()
	s.watch(h, tcp.ErrConnectionRefused)
	s.debug("socket:connect", slog.Uint64("slot", uint64(h.Slot)), slog.Uint64("rport", uint64(rport)))
	return s.waitConnected()
}

func (s *Socket) waitConnected() error {
	s.mu.Lock()
	h, nonblock, deadline := s.h, s.nonblock, deadlineAfter(s.sndTimeo)
	s.mu.Unlock()
	var cerr error
	done := func() bool {
		state, err := s.stk.State(h)
		switch {
		case err != nil || state == tcp.StateClosed:
			cerr = s.notifiedErr(tcp.ErrConnectionRefused)
		case state == tcp.StateSynSent || state == tcp.StateSynRcvd:
			cerr = s.closedErr()
			return cerr != nil
		}
		return true
	}
	if nonblock {
		if !done() {
			return ErrInProgress
		}
	} else if err := s.sendWQ.WaitEventsDeadline(deadline, writeMask, done); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateConnecting {
		if cerr != nil {
			s.state = stateClosed
		} else {
			s.state = stateConnected
		}
	}
	return cerr
}

// Send writes b to the connection. A blocking socket returns once all of b
// is queued; when SO_SNDTIMEO expires first it returns the count queued so
// far with [waitq.ErrTimeout]. A non-blocking socket queues what fits.
func (s *Socket) Send(b []byte) (int, error) {
	h, nonblock, deadline, err := s.connected(true)
	if err != nil {
		return 0, err
	}
	sent := 0
	var serr error
	try := func() bool {
		n, err := s.stk.Send(h, b[sent:])
		sent += n
		if err != nil {
			serr = s.termErr(err)
			return true
		}
		if cerr := s.closedErr(); cerr != nil {
			serr = cerr
			return true
		}
		return sent == len(b)
	}
	if len(b) == 0 {
		return 0, nil
	}
	if nonblock {
		try()
		if sent == 0 && serr == nil {
			return 0, ErrWouldBlock
		}
	} else if werr := s.sendWQ.WaitEventsDeadline(deadline, writeMask, try); werr != nil {
		return sent, werr
	}
	if serr != nil && sent == 0 {
		return 0, serr
	}
	return sent, nil
}

// Recv reads received data into b. It returns io.EOF once the peer closed its
// side and all data was read. A blocking socket sleeps until data, EOF, an
// error or SO_RCVTIMEO.
func (s *Socket) Recv(b []byte) (int, error) {
	h, nonblock, deadline, err := s.connected(false)
	if err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return 0, nil
	}
	var n int
	var rerr error
	try := func() bool {
		n, rerr = s.stk.Recv(h, b)
		if rerr != nil && rerr != io.EOF {
			rerr = s.termErr(rerr)
		}
		if n == 0 && rerr == nil {
			rerr = s.closedErr()
		}
		return n > 0 || rerr != nil
	}
	if nonblock {
		if !try() {
			return 0, ErrWouldBlock
		}
	} else if err := s.recvWQ.WaitEventsDeadline(deadline, readMask, try); err != nil {
		return 0, err
	}
	return n, rerr
}

// PollCheck returns the socket's current readiness without blocking.
func (s *Socket) PollCheck() Readiness {
	s.mu.Lock()
	h, state, err, hup := s.h, s.state, s.err, s.hup
	s.mu.Unlock()
	switch state {
	case stateClosed:
		r := Readable | Writable | HangUp
		if err != nil {
			r |= Error
		}
		return r
	case stateUnbound, stateBound:
		return 0
	}
	ev, perr := s.stk.Poll(h)
	if perr != nil {
		// Slot already released: the connection ended.
		r := Readable | Writable | HangUp
		if err != nil {
			r |= Error
		}
		return r
	}
	var r Readiness
	if ev&tcp.EventIn != 0 {
		r |= Readable
	}
	if ev&tcp.EventOut != 0 {
		r |= Writable
	}
	if ev&tcp.EventErr != 0 || err != nil {
		r |= Error
	}
	if ev&tcp.EventHUp != 0 || hup {
		r |= HangUp
	}
	return r
}

// Close releases the socket. A connected socket starts a graceful close that
// the stack completes in the background. Blocked callers return [ErrClosed].
func (s *Socket) Close() error {
	return s.shutdown(false)
}

// Abort resets the connection and releases the socket at once.
func (s *Socket) Abort() error {
	return s.shutdown(true)
}

func (s *Socket) shutdown(abort bool) error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	hasConn := s.state != stateUnbound
	s.state = stateClosed
	h := s.h
	s.mu.Unlock()
	var err error
	if hasConn {
		if abort {
			err = s.stk.Abort(h)
		} else {
			err = s.stk.Close(h)
		}
		if errors.Is(err, tcp.ErrStaleHandle) {
			err = nil // The stack already ended the connection.
		}
	}
	s.recvWQ.WakeAll()
	s.sendWQ.WakeAll()
	s.acceptWQ.WakeAll()
	s.debug("socket:close", slog.Bool("abort", abort))
	return err
}

func (s *Socket) checkStream() error {
	if s.typ != SOCK_STREAM {
		return ErrNotSupported
	}
	return nil
}

// connected returns what a data transfer operation needs. Caller must not hold s.mu.
func (s *Socket) connected(send bool) (h tcp.Handle, nonblock bool, deadline time.Time, err error) {
	if err := s.checkStream(); err != nil {
		return h, false, deadline, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateConnected, stateConnecting:
	case stateClosed:
		if s.err != nil {
			return h, false, deadline, s.err
		}
		return h, false, deadline, ErrClosed
	default:
		return h, false, deadline, ErrNotConnected
	}
	timeo := s.rcvTimeo
	if send {
		timeo = s.sndTimeo
	}
	return s.h, s.nonblock, deadlineAfter(timeo), nil
}

func (s *Socket) handle() tcp.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h
}

// closedErr returns ErrClosed once Close was called. It stops sleeping
// waiters whose condition can no longer become true.
func (s *Socket) closedErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return ErrClosed
	}
	return nil
}

// termErr maps a stack error to the one reported to the user. A stale handle
// means the connection ended; the notified cause is reported instead.
func (s *Socket) termErr(err error) error {
	if !errors.Is(err, tcp.ErrStaleHandle) {
		return err
	}
	return s.notifiedErr(ErrNotConnected)
}

// notifiedErr returns the terminal error delivered by the stack, ErrClosed
// after Close, or def.
func (s *Socket) notifiedErr(def error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.err != nil:
		return s.err
	case s.state == stateClosed:
		return ErrClosed
	}
	return def
}

// watch registers s as the notifier of h. A connection that ended before
// registration never notifies s, so its end is recorded as ended.
func (s *Socket) watch(h tcp.Handle, ended error) {
	err := s.stk.SetNotifier(h, s)
	if errors.Is(err, tcp.ErrStaleHandle) {
		err = ended
	}
	if err != nil {
		s.recordErr(err)
	}
}

func (s *Socket) recordErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// stateErr reports why an operation is invalid in the current state. Caller holds s.mu.
func (s *Socket) stateErr() error {
	switch s.state {
	case stateClosed:
		return ErrClosed
	case stateConnected, stateConnecting:
		return ErrIsConnected
	}
	return ErrInvalid
}

func deadlineAfter(d time.Duration) time.Time {
	if d == 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

type logger struct {
	log *slog.Logger
}

func (l logger) debug(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelDebug, msg, attrs...)
}

func (l logger) trace(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, internal.LevelTrace, msg, attrs...)
}

func errAttr(err error) slog.Attr {
	if err == nil {
		return slog.String("err", "")
	}
	return slog.String("err", err.Error())
}
