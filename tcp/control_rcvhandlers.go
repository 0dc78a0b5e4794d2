package tcp

import (
	"log/slog"
	"time"
)

// input processes a segment addressed to this connection as per the RFC 793
// SEGMENT ARRIVES event. Listen slots are handled by the stack.
func (c *conn) input(seg Segment, payload []byte, mss uint16) {
	c.traceSeg("tcp:rx", &c.tuple, seg)
	if c.tcb._state == StateSynSent {
		c.rcvSynSent(seg, mss)
	} else {
		c.rcvSynchronized(seg, payload)
	}
	c.traceRcv("tcp:rx-done")
}

func peerMSS(mss uint16) uint16 {
	if mss == 0 {
		return DefaultMSS
	}
	return mss
}

func (c *conn) rcvSynSent(seg Segment, mss uint16) {
	tcb := &c.tcb
	hasAck := seg.Flags.HasAny(FlagACK)
	hasRst := seg.Flags.HasAny(FlagRST)
	if hasAck && !(tcb.snd.ISS.LessThan(seg.ACK) && seg.ACK.LessThanEq(tcb.snd.NXT)) {
		if !hasRst {
			c.sendReset(seg.ACK, 0, FlagRST)
		}
		return
	}
	if hasRst {
		if hasAck {
			c.stk.stats.rstRcvd.Add(1)
			c.terminate(ErrConnectionRefused)
		}
		return
	}
	if !seg.Flags.HasAny(FlagSYN) {
		return
	}
	tcb.synchronize(seg)
	c.sndMSS = peerMSS(mss)
	if !hasAck {
		// Simultaneous open: both ends sent SYN. Our SYN stays unacknowledged.
		c.setState(StateSynRcvd)
		c.sendSynAck()
		return
	}
	tcb.snd.UNA = seg.ACK
	c.rtoAt = time.Time{} // Rearmed by output if data was queued during the handshake.
	c.resetBackoff()
	c.setState(StateEstablished)
	c.ev |= EventOut
	if c.output() == 0 {
		c.sendAck()
	}
}

func (c *conn) rcvSynchronized(seg Segment, payload []byte) {
	tcb := &c.tcb
	c.updateRcvWnd()
	if tcb._state == StateSynRcvd && seg.Flags.HasAny(FlagSYN) && seg.SEQ == tcb.rcv.IRS && !seg.Flags.HasAny(FlagRST) {
		if !seg.Flags.HasAny(FlagACK) || !tcb.acksNew(seg.ACK) {
			c.sendSynAck() // Retransmitted SYN, our SYN-ACK was lost.
			return
		}
		// Peer's SYN-ACK of a simultaneous open: the SYN is a duplicate, the ACK completes our side.
		seg.Flags &^= FlagSYN
		seg.SEQ++
		c.ackNow = true
	}

	// First: sequence number check.
	if !tcb.acceptable(seg) {
		if !seg.Flags.HasAny(FlagRST) {
			c.sendAck()
		}
		return
	}

	// Second: RST. Acceptable means the sequence number is inside the receive window.
	if seg.Flags.HasAny(FlagRST) {
		c.stk.stats.rstRcvd.Add(1)
		switch tcb._state {
		case StateSynRcvd:
			if c.parent.IsValid() {
				c.terminate(nil) // Passive child, nobody owns it yet.
			} else {
				c.terminate(ErrConnectionRefused)
			}
		case StateClosing, StateLastAck, StateTimeWait:
			c.terminate(nil)
		default:
			c.terminate(ErrConnectionReset)
		}
		return
	}

	// Trim the already received prefix so the segment starts at RCV.NXT.
	if seg.SEQ.LessThan(tcb.rcv.NXT) {
		dup := Sizeof(seg.SEQ, tcb.rcv.NXT)
		if seg.Flags.HasAny(FlagSYN) {
			seg.Flags &^= FlagSYN
			seg.SEQ++
			dup--
		}
		trim := min(dup, seg.DATALEN)
		payload = payload[trim:]
		seg.DATALEN -= trim
		seg.SEQ.UpdateForward(trim)
	}

	// Third: a SYN inside the window is an error in any synchronized state.
	if seg.Flags.HasAny(FlagSYN) {
		c.sendReset(tcb.snd.NXT, tcb.rcv.NXT, rstack)
		c.terminate(ErrConnectionReset)
		return
	}

	if seg.SEQ != tcb.rcv.NXT {
		// Out of order segments are not queued, the peer retransmits them.
		c.stk.stats.outOfOrder.Add(1)
		if c.logenabled(slog.LevelDebug) {
			c.debug("tcp:rx-out-of-order", slog.Uint64("seg.seq", uint64(seg.SEQ)), slog.Uint64("rcv.nxt", uint64(tcb.rcv.NXT)))
		}
		c.sendAck()
		return
	}

	// Fourth: ACK field.
	if !seg.Flags.HasAny(FlagACK) {
		return
	}
	if !c.rcvAck(seg) {
		return
	}

	// Fifth: segment text.
	if len(payload) > 0 && tcb._state.canRecvData() {
		n := len(payload)
		if !c.orphan {
			n, _ = c.rcvbuf.Write(payload)
		}
		if n < len(payload) {
			seg.Flags &^= FlagFIN // FIN lies beyond what we accepted.
		}
		if n > 0 {
			tcb.rcv.NXT.UpdateForward(Size(n))
			seg.SEQ.UpdateForward(Size(n))
			c.ackSegs++
			if !c.orphan {
				c.ev |= EventIn
			}
			c.scheduleAck()
		}
	}

	// Sixth: FIN.
	if seg.Flags.HasAny(FlagFIN) && seg.SEQ == tcb.rcv.NXT && !c.peerFin {
		tcb.rcv.NXT++
		c.peerFin = true
		c.ackNow = true
		c.ev |= EventIn | EventHUp
		switch tcb._state {
		case StateEstablished:
			c.setState(StateCloseWait)
		case StateFinWait1:
			c.setState(StateClosing)
		case StateFinWait2:
			c.enterTimeWait()
		}
	}

	if c.output() == 0 && c.ackNow {
		c.sendAck()
	}
}

// rcvAck processes the ACK field of an acceptable segment. It returns false
// when processing of the segment must stop.
func (c *conn) rcvAck(seg Segment) bool {
	tcb := &c.tcb
	if tcb._state == StateSynRcvd {
		if !tcb.acksNew(seg.ACK) {
			c.sendReset(seg.ACK, 0, FlagRST)
			return false
		}
		tcb.snd.UNA = seg.ACK
		tcb.snd.WND = seg.WND
		tcb.snd.WL1 = seg.SEQ
		tcb.snd.WL2 = seg.ACK
		c.rtoAt = time.Time{}
		c.resetBackoff()
		c.setState(StateEstablished)
		c.order = c.stk.order.Add(1)
		c.parentReady = c.parent.IsValid()
		c.ev |= EventOut
		return true
	}

	if c.probing && c.unsent() > 0 && seg.ACK == tcb.snd.NXT+1 {
		// Peer accepted the zero window probe octet.
		tcb.snd.NXT++
		c.sent++
		c.probing = false
	}
	if seg.ACK.GreaterThan(tcb.snd.NXT) {
		c.sendAck() // Acknowledges something not yet sent.
		return false
	}
	finAcked := false
	if tcb.acksNew(seg.ACK) {
		finAcked = c.ackAdvance(seg.ACK)
	}
	wnd := tcb.snd.WND
	if tcb.updateWindow(seg) && tcb.snd.WND > wnd {
		c.ev |= EventOut
	}
	if !finAcked {
		return true
	}
	switch tcb._state {
	case StateFinWait1:
		c.setState(StateFinWait2)
		c.orphanTimeout()
	case StateClosing:
		c.enterTimeWait()
		return false
	case StateLastAck:
		c.terminate(nil)
		return false
	}
	return true
}

// ackAdvance moves SND.UNA to ack, frees acknowledged data and restarts
// the retransmission timer. It reports whether ack covers our FIN.
func (c *conn) ackAdvance(ack Value) (finAcked bool) {
	tcb := &c.tcb
	units := Sizeof(tcb.snd.UNA, ack)
	if c.finSent && !c.finAcked && ack.GreaterThan(c.finSeq) {
		c.finAcked = true
		finAcked = true
		units--
	}
	data := min(int(units), c.sent)
	if data > 0 {
		c.sndbuf.Discard(data)
		c.sent -= data
		c.ev |= EventOut
	}
	tcb.snd.UNA = ack
	c.resetBackoff()
	if tcb.snd.UNA == tcb.snd.NXT {
		c.rtoAt = time.Time{}
	} else {
		c.rtoAt = c.stk.Now().Add(c.rto)
	}
	return finAcked
}

// scheduleAck applies the delayed ACK policy after in-order data arrived.
func (c *conn) scheduleAck() {
	adv := Sizeof(c.lastAck, c.tcb.rcv.NXT)
	switch {
	case adv > Size(c.stk.cfg.MSS) || c.ackSegs >= 2:
		c.ackNow = true
	case c.ackAt.IsZero():
		c.ackAt = c.stk.Now().Add(c.stk.cfg.DelayedACK)
	}
}
