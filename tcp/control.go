package tcp

import "log/slog"

// ControlBlock holds the sequence space of a connection as described in RFC 793
// section 3.2. In contrast with RFC 793 it only admits sequential segments: data
// beyond RCV.NXT is never buffered and must be retransmitted by the peer.
// Buffer management and timers are left to the owning connection.
type ControlBlock struct {
	// # Send Sequence Space
	//
	//	     1         2          3          4
	//	----------|----------|----------|----------
	//	       SND.UNA    SND.NXT    SND.UNA
	//	                            +SND.WND
	//	1. old sequence numbers which have been acknowledged
	//	2. sequence numbers of unacknowledged data
	//	3. sequence numbers allowed for new data transmission
	//	4. future sequence numbers which are not yet allowed
	snd sendSpace
	// # Receive Sequence Space
	//
	//	    1          2          3
	//	----------|----------|----------
	//	       RCV.NXT    RCV.NXT
	//	                 +RCV.WND
	//	1 - old sequence numbers which have been acknowledged
	//	2 - sequence numbers allowed for new reception
	//	3 - future sequence numbers which are not yet allowed
	rcv    recvSpace
	_state State // leading underscore so field not suggested on top of exported State method when developing.
}

// sendSpace contains Send Sequence Space data. Its sequence numbers correspond to local data.
type sendSpace struct {
	ISS Value // initial send sequence number, defined locally on connection start
	UNA Value // send unacknowledged. Seqs equal to UNA and above have NOT been acked by remote.
	NXT Value // send next. Next sequence number to be sent.
	WND Size  // send window defined by remote. Permitted number of local unacked octets in flight.
	WL1 Value // segment sequence number used for last window update
	WL2 Value // segment acknowledgment number used for last window update
}

// recvSpace contains Receive Sequence Space data. Its sequence numbers correspond to remote data.
type recvSpace struct {
	IRS Value // initial receive sequence number, defined by remote in SYN segment received.
	NXT Value // receive next. Sequence numbers before this have been received in order.
	WND Size  // receive window defined by local. Permitted number of remote octets in flight.
}

// State returns the current state of the TCP connection.
func (tcb *ControlBlock) State() State { return tcb._state }

// ISS returns the initial send sequence number.
func (tcb *ControlBlock) ISS() Value { return tcb.snd.ISS }

// RecvNext returns the next sequence number expected to be received from remote.
func (tcb *ControlBlock) RecvNext() Value { return tcb.rcv.NXT }

// SendNext returns the sequence number of the next new octet to be sent.
func (tcb *ControlBlock) SendNext() Value { return tcb.snd.NXT }

// SendUnacked returns the oldest unacknowledged sequence number.
func (tcb *ControlBlock) SendUnacked() Value { return tcb.snd.UNA }

// SendWindow returns the send window last advertised by the peer.
func (tcb *ControlBlock) SendWindow() Size { return tcb.snd.WND }

// inFlight returns amount of unacked sequence numbers sent out.
func (snd *sendSpace) inFlight() Size {
	return Sizeof(snd.UNA, snd.NXT)
}

// usable returns how many new octets the peer's window admits. Zero if the window shrank.
func (snd *sendSpace) usable() Size {
	inflight := snd.inFlight()
	if inflight >= snd.WND {
		return 0
	}
	return snd.WND - inflight
}

// openActive prepares the block to send a SYN with initial sequence number iss.
func (tcb *ControlBlock) openActive(iss Value, wnd Size) {
	tcb.snd = sendSpace{ISS: iss, UNA: iss, NXT: iss + 1}
	tcb.rcv = recvSpace{WND: wnd}
	tcb._state = StateSynSent
}

// openPassive initializes a child connection answering the SYN segment syn.
func (tcb *ControlBlock) openPassive(iss Value, wnd Size, syn Segment) {
	tcb.snd = sendSpace{ISS: iss, UNA: iss, NXT: iss + 1, WND: syn.WND, WL1: syn.SEQ}
	tcb.rcv = recvSpace{IRS: syn.SEQ, NXT: syn.SEQ + 1, WND: wnd}
	tcb._state = StateSynRcvd
}

// synchronize records the remote's initial sequence number from a SYN segment.
func (tcb *ControlBlock) synchronize(syn Segment) {
	tcb.rcv.IRS = syn.SEQ
	tcb.rcv.NXT = syn.SEQ + 1
	tcb.snd.WND = syn.WND
	tcb.snd.WL1 = syn.SEQ
	tcb.snd.WL2 = syn.ACK
}

// acceptable implements the RFC 793 segment acceptability test against the receive window.
//
//	Segment Receive  Test
//	Length  Window
//	------- -------  -------------------------------------------
//	   0       0     SEG.SEQ = RCV.NXT
//	   0      >0     RCV.NXT =< SEG.SEQ < RCV.NXT+RCV.WND
//	  >0       0     not acceptable
//	  >0      >0     RCV.NXT =< SEG.SEQ < RCV.NXT+RCV.WND
//	              or RCV.NXT =< SEG.SEQ+SEG.LEN-1 < RCV.NXT+RCV.WND
func (tcb *ControlBlock) acceptable(seg Segment) bool {
	seglen := seg.LEN()
	wnd := tcb.rcv.WND
	switch {
	case seglen == 0 && wnd == 0:
		return seg.SEQ == tcb.rcv.NXT
	case seglen == 0:
		return seg.SEQ.InWindow(tcb.rcv.NXT, wnd)
	case wnd == 0:
		return false
	}
	return seg.SEQ.InWindow(tcb.rcv.NXT, wnd) || seg.Last().InWindow(tcb.rcv.NXT, wnd)
}

// acksNew reports whether ack acknowledges previously unacknowledged sequence numbers: SND.UNA < ack =< SND.NXT.
func (tcb *ControlBlock) acksNew(ack Value) bool {
	return tcb.snd.UNA.LessThan(ack) && ack.LessThanEq(tcb.snd.NXT)
}

// updateWindow applies the RFC 793 window update rule and reports whether
// SND.WND was updated from seg.
func (tcb *ControlBlock) updateWindow(seg Segment) bool {
	snd := &tcb.snd
	if !(snd.UNA.LessThanEq(seg.ACK) && seg.ACK.LessThanEq(snd.NXT)) {
		return false
	}
	if snd.WL1.LessThan(seg.SEQ) || (snd.WL1 == seg.SEQ && snd.WL2.LessThanEq(seg.ACK)) {
		snd.WND = seg.WND
		snd.WL1 = seg.SEQ
		snd.WL2 = seg.ACK
		return true
	}
	return false
}

func (tcb *ControlBlock) setState(l logger, s State) {
	if l.logenabled(slog.LevelDebug) {
		l.debug("tcb:state", slog.String("old", tcb._state.String()), slog.String("new", s.String()))
	}
	tcb._state = s
}
