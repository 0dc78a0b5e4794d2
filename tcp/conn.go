package tcp

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/nanokern/netcore/internal"
)

// conn is a connection table slot. Its buffers are allocated once by [NewStack]
// and reused across incarnations; everything in connState is zeroed on release.
type conn struct {
	mu     sync.Mutex
	slot   uint16
	gen    uint32 // written with table and connection lock held.
	stk    *Stack
	sndbuf internal.Ring // [SND.UNA, end of unsent data). SYN and FIN occupy no space.
	rcvbuf internal.Ring // delivered but unread data.
	txbuf  []byte        // outgoing segment scratch, header and at most one MSS of payload.
	logger
	connState
}

type connState struct {
	// Table fields: written with table and connection lock held so the table
	// can scan them holding only the table lock.
	inUse     bool
	bound     bool // reserves tuple.LocalPort for a later Connect or Listen.
	listening bool
	accepted  bool
	tuple     Tuple
	parent    Handle // listener that spawned this connection.
	backlog   int

	tcb       ControlBlock
	order     uint64 // establishment order among a listener's children.
	sent      int    // sndbuf octets already transmitted at least once.
	sndMSS    uint16 // negotiated send MSS, the peer's advertised value.
	finQueued bool
	finSent   bool
	finAcked  bool
	finSeq    Value
	peerFin   bool // reads return EOF once rcvbuf drains.
	orphan    bool // closed by its owner; received data is discarded.
	probing   bool // zero window probe octet outstanding.
	dead      bool // reached Closed, slot awaits release.

	bo      backoff.ExponentialBackOff
	rto     time.Duration
	retries int
	rtoAt   time.Time
	persist time.Time
	ackAt   time.Time // delayed ACK deadline.
	twAt    time.Time // TIME-WAIT (or orphaned FIN-WAIT-2) expiry.
	ackNow  bool
	ackSegs int   // in-order segments received since our last ACK.
	lastAck Value // RCV.NXT acknowledged by our last segment.
	lastWnd Size  // window advertised in our last segment.

	notifier    Notifier
	ev          EventMask
	termErr     error
	parentReady bool
}

func (c *conn) handle() Handle { return Handle{Slot: c.slot, Gen: c.gen} }

// activate claims a free slot. Caller holds table and connection lock.
func (c *conn) activate(tuple Tuple) {
	c.inUse = true
	c.tuple = tuple
	c.sndbuf.Reset()
	c.rcvbuf.Reset()
	cfg := &c.stk.cfg
	c.bo = backoff.ExponentialBackOff{
		InitialInterval:     cfg.RTOInitial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         cfg.RTOMax,
		MaxElapsedTime:      0, // Retries bound the connection, not elapsed time.
		Clock:               c.stk,
	}
	c.resetBackoff()
	c.sndMSS = DefaultMSS
}

// free returns the slot to the table and invalidates outstanding handles.
// Caller holds table and connection lock.
func (c *conn) free() {
	if c.tcb._state.synchronizedOpen() {
		c.stk.stats.established.Add(-1)
	}
	c.connState = connState{}
	c.sndbuf.Reset()
	c.rcvbuf.Reset()
	c.gen++
	if c.gen == 0 {
		c.gen = 1 // The zero generation marks the invalid Handle.
	}
}

func (c *conn) setState(s State) {
	was := c.tcb._state.synchronizedOpen()
	c.tcb.setState(c.logger, s)
	now := s.synchronizedOpen()
	if !was && now {
		c.stk.stats.established.Add(1)
	} else if was && !now {
		c.stk.stats.established.Add(-1)
	}
}

// synchronizedOpen reports whether s counts as an established connection for stats.
func (s State) synchronizedOpen() bool {
	return s.IsSynchronized() && s != StateTimeWait
}

// terminate moves the connection to Closed. The slot is released after the
// connection lock is dropped, see [conn.takePost].
func (c *conn) terminate(err error) {
	if c.dead {
		return
	}
	c.debug("tcp:terminate", slog.String("tuple", c.tuple.String()), slog.String("state", c.tcb._state.String()), errAttr(err))
	c.setState(StateClosed)
	c.dead = true
	c.termErr = err
	c.ev |= EventIn | EventOut | EventHUp
	if err != nil {
		c.ev |= EventErr
	}
	c.stopTimers()
}

func (c *conn) stopTimers() {
	c.rtoAt = time.Time{}
	c.persist = time.Time{}
	c.ackAt = time.Time{}
}

func (c *conn) enterTimeWait() {
	c.setState(StateTimeWait)
	c.stopTimers()
	c.twAt = c.stk.Now().Add(2 * c.stk.cfg.MSL)
	c.ev |= EventHUp
}

// postAction is work that must run after the connection lock is released.
type postAction struct {
	n       Notifier
	ev      EventMask
	err     error
	parent  Handle
	release Handle
}

func (c *conn) takePost() (p postAction) {
	if c.ev != 0 && c.notifier != nil {
		p.n, p.ev, p.err = c.notifier, c.ev, c.termErr
	}
	c.ev = 0
	if c.parentReady {
		c.parentReady = false
		p.parent = c.parent
	}
	if c.dead {
		c.notifier = nil
		p.release = c.handle()
	}
	return p
}

func (c *conn) unsent() int { return c.sndbuf.Buffered() - c.sent }

// segSize is the largest payload sent in one segment.
func (c *conn) segSize() int {
	return min(int(c.sndMSS), c.stk.cfg.MSS)
}

func (c *conn) resetBackoff() {
	c.bo.Reset()
	c.rto = c.bo.NextBackOff()
	c.retries = 0
}

func (c *conn) armRTO() {
	if c.rtoAt.IsZero() {
		c.rtoAt = c.stk.Now().Add(c.rto)
	}
}

func (c *conn) updateRcvWnd() {
	if c.orphan {
		c.tcb.rcv.WND = Size(min(c.rcvbuf.Size(), maxWindow))
		return
	}
	c.tcb.rcv.WND = Size(min(c.rcvbuf.Free(), maxWindow))
}

// transmit writes seg to the wire. DATALEN octets of payload are read from the
// send ring at offset off. mss is written as an option when non-zero.
func (c *conn) transmit(seg Segment, off int, mss uint16) {
	if !seg.Flags.HasAny(FlagRST) {
		c.updateRcvWnd()
		seg.WND = c.tcb.rcv.WND
	}
	hl := writeSegHeader(c.txbuf, &c.tuple, seg, mss)
	n := int(seg.DATALEN)
	if n > 0 {
		c.sndbuf.ReadAt(c.txbuf[hl:hl+n], off)
	}
	if seg.Flags.HasAny(FlagACK) {
		c.ackAt = time.Time{}
		c.ackSegs = 0
		c.ackNow = false
		c.lastAck = seg.ACK
	}
	if !seg.Flags.HasAny(FlagRST) {
		c.lastWnd = seg.WND
	}
	c.traceSeg("tcp:tx", &c.tuple, seg)
	c.stk.output(&c.tuple, c.txbuf[:hl+n])
}

func (c *conn) sendAck() {
	c.transmit(Segment{SEQ: c.tcb.snd.NXT, ACK: c.tcb.rcv.NXT, Flags: FlagACK}, 0, 0)
}

func (c *conn) sendSyn() {
	c.transmit(Segment{SEQ: c.tcb.snd.ISS, Flags: FlagSYN}, 0, uint16(c.stk.cfg.MSS))
}

func (c *conn) sendSynAck() {
	c.transmit(Segment{SEQ: c.tcb.snd.ISS, ACK: c.tcb.rcv.NXT, Flags: synack}, 0, uint16(c.stk.cfg.MSS))
}

// sendReset emits an RST. RSTs of a known connection are not rate limited.
func (c *conn) sendReset(seq, ack Value, flags Flags) {
	c.transmit(Segment{SEQ: seq, ACK: ack, Flags: flags}, 0, 0)
	c.stk.stats.rstSent.Add(1)
}

// connect starts an active open from a freshly activated slot.
func (c *conn) connect() {
	c.updateRcvWnd()
	c.tcb.openActive(c.stk.isn.next(), c.tcb.rcv.WND)
	c.debug("tcp:connect", slog.String("tuple", c.tuple.String()), slog.Uint64("iss", uint64(c.tcb.snd.ISS)))
	c.sendSyn()
	c.armRTO()
	c.stk.stats.activeOpens.Add(1)
}

// output segments as much queued data as the send window admits, followed by
// a FIN once the send ring is drained. It returns the number of segments sent.
func (c *conn) output() (segs int) {
	tcb := &c.tcb
	mss := c.segSize()
	for tcb._state.canSendData() {
		unsent := c.unsent()
		usable := int(tcb.snd.usable())
		if unsent == 0 || usable == 0 {
			break
		}
		n := min(unsent, usable, mss)
		flags := FlagACK
		if n == unsent {
			flags |= FlagPSH
		}
		c.transmit(Segment{SEQ: tcb.snd.NXT, ACK: tcb.rcv.NXT, DATALEN: Size(n), Flags: flags}, c.sent, 0)
		tcb.snd.NXT.UpdateForward(Size(n))
		c.sent += n
		c.probing = false
		c.armRTO()
		segs++
	}
	st := tcb._state
	if c.finQueued && !c.finSent && c.unsent() == 0 && (st == StateFinWait1 || st == StateLastAck) {
		c.finSeq = tcb.snd.NXT
		c.transmit(Segment{SEQ: c.finSeq, ACK: tcb.rcv.NXT, Flags: finack}, 0, 0)
		tcb.snd.NXT++
		c.finSent = true
		c.armRTO()
		segs++
	}
	c.updatePersist()
	if segs > 0 {
		c.traceSnd("tcp:output")
	}
	return segs
}

// updatePersist arms the persist timer when data is blocked by a zero window
// and nothing is in flight to elicit a window update.
func (c *conn) updatePersist() {
	snd := &c.tcb.snd
	blocked := snd.WND == 0 && c.unsent() > 0 && snd.inFlight() == 0 && c.tcb._state.canSendData()
	switch {
	case !blocked:
		c.persist = time.Time{}
		c.probing = false
	case c.persist.IsZero():
		c.persist = c.stk.Now().Add(c.stk.cfg.RTOInitial)
	}
}

// probe sends one octet beyond the zero window without advancing SND.NXT.
// A peer that accepted it acknowledges SND.NXT+1, see [conn.rcvAck].
func (c *conn) probe(now time.Time) {
	c.transmit(Segment{SEQ: c.tcb.snd.NXT, ACK: c.tcb.rcv.NXT, DATALEN: 1, Flags: FlagACK}, c.sent, 0)
	c.probing = true
	c.persist = now.Add(c.stk.cfg.RTOInitial)
	c.stk.stats.probes.Add(1)
}

// retransmit resends the oldest unacknowledged segment.
func (c *conn) retransmit() {
	tcb := &c.tcb
	switch tcb._state {
	case StateSynSent:
		c.sendSyn()
	case StateSynRcvd:
		c.sendSynAck()
	default:
		switch {
		case c.sent > 0:
			n := min(c.sent, c.segSize())
			flags := FlagACK
			if n == c.sent {
				flags |= FlagPSH
			}
			c.transmit(Segment{SEQ: tcb.snd.UNA, ACK: tcb.rcv.NXT, DATALEN: Size(n), Flags: flags}, 0, 0)
		case c.finSent && !c.finAcked:
			c.transmit(Segment{SEQ: c.finSeq, ACK: tcb.rcv.NXT, Flags: finack}, 0, 0)
		default:
			return
		}
	}
	c.stk.stats.retransmits.Add(1)
}

// write queues b on the send ring and returns how many octets fit.
func (c *conn) write(b []byte) (int, error) {
	switch st := c.tcb._state; {
	case c.dead:
		return 0, c.deadErr()
	case st == StateEstablished || st == StateCloseWait || st == StateSynSent || st == StateSynRcvd:
	case st == StateListen || c.bound:
		return 0, ErrNotConnected
	default:
		return 0, ErrConnectionClosing
	}
	n, _ := c.sndbuf.Write(b)
	if n > 0 {
		c.output()
	}
	return n, nil
}

// read dequeues received data. It returns io.EOF once the peer's FIN was
// received and all data before it has been read.
func (c *conn) read(b []byte) (int, error) {
	if c.dead {
		return 0, c.deadErr()
	} else if c.listening || c.bound {
		return 0, ErrNotConnected
	}
	n, _ := c.rcvbuf.Read(b)
	if n == 0 {
		if c.peerFin {
			return 0, io.EOF
		}
		return 0, nil
	}
	// Window update once the window reopens past a segment's worth.
	if c.tcb._state.canRecvData() {
		c.updateRcvWnd()
		threshold := Size(min(c.stk.cfg.MSS, c.rcvbuf.Size()/2))
		if c.lastWnd < threshold && c.tcb.rcv.WND >= threshold {
			c.sendAck()
		}
	}
	return n, nil
}

func (c *conn) deadErr() error {
	if c.termErr != nil {
		return c.termErr
	}
	return ErrNotConnected
}

// close implements the user CLOSE call. The connection keeps running
// without owner until it reaches Closed.
func (c *conn) close() {
	c.notifier = nil
	c.orphan = true
	c.rcvbuf.Reset()
	switch st := c.tcb._state; {
	case c.bound || st == StateClosed || st == StateListen || st == StateSynSent:
		c.terminate(nil)
	case st == StateSynRcvd:
		c.sendReset(c.tcb.snd.NXT, c.tcb.rcv.NXT, rstack)
		c.terminate(nil)
	case st == StateEstablished:
		c.finQueued = true
		c.setState(StateFinWait1)
		c.output()
	case st == StateCloseWait:
		c.finQueued = true
		c.setState(StateLastAck)
		c.output()
	case st == StateFinWait2:
		c.orphanTimeout()
	}
}

// abort implements the user ABORT call: RST if synchronized, then Closed.
func (c *conn) abort() {
	c.notifier = nil
	st := c.tcb._state
	if !c.dead && (st == StateSynRcvd || st.synchronizedOpen()) {
		c.sendReset(c.tcb.snd.NXT, c.tcb.rcv.NXT, rstack)
	}
	c.terminate(nil)
}

// orphanTimeout bounds how long an ownerless connection waits for the peer's FIN.
func (c *conn) orphanTimeout() {
	if c.orphan && c.twAt.IsZero() {
		c.twAt = c.stk.Now().Add(2 * c.stk.cfg.MSL)
	}
}

// events computes the readiness of the connection.
func (c *conn) events() (ev EventMask) {
	if c.dead {
		ev = EventIn | EventOut | EventHUp
		if c.termErr != nil {
			ev |= EventErr
		}
		return ev
	}
	if c.rcvbuf.Buffered() > 0 || c.peerFin {
		ev |= EventIn
	}
	if c.peerFin {
		ev |= EventHUp
	}
	switch c.tcb._state {
	case StateEstablished, StateCloseWait:
		if c.sndbuf.Free() > 0 {
			ev |= EventOut
		}
	case StateTimeWait, StateClosing, StateLastAck:
		ev |= EventHUp
	}
	return ev
}

func errAttr(err error) slog.Attr {
	if err == nil {
		return slog.String("err", "")
	}
	return slog.String("err", err.Error())
}
