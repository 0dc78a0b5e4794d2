package tcp

import (
	"errors"
	"math/bits"
	"strconv"
	"time"
)

const (
	sizeHeaderTCP = 20
	sizeOptMSS    = 4
	// DefaultMSS is the segment size assumed for a peer that omits the MSS option.
	DefaultMSS = 536
	// ephemeral port range used for active opens.
	ephemeralFirst = 49152
	ephemeralLast  = 65535
	maxWindow      = 1<<16 - 1
)

// Default [StackConfig] values.
const (
	DefaultMaxConns   = 64
	DefaultBufSize    = 16 * 1024
	DefaultLocalMSS   = 1460
	DefaultMSL        = 30 * time.Second
	DefaultRTOInitial = time.Second
	DefaultRTOMax     = 60 * time.Second
	DefaultMaxRetries = 8
	DefaultDelayedACK = 200 * time.Millisecond
)

var (
	// Resource exhaustion and caller errors. Returned synchronously, never retried.
	ErrTableFull     = errors.New("tcp: connection table full")
	ErrAddrInUse     = errors.New("tcp: address in use")
	ErrNoPorts       = errors.New("tcp: no ephemeral ports available")
	ErrStaleHandle   = errors.New("tcp: stale connection handle")
	ErrNoConnPending = errors.New("tcp: no established connection pending accept")
	ErrNotListening  = errors.New("tcp: connection not listening")
	ErrNotConnected  = errors.New("tcp: connection not established")
	ErrInvalidState  = errors.New("tcp: invalid state for operation")
	// ErrConnectionClosing is returned on sends after a local close.
	ErrConnectionClosing = errors.New("tcp: connection closing")

	// Connection termination errors, delivered through [Notifier].
	ErrConnectionRefused = errors.New("tcp: connection refused")
	ErrConnectionReset   = errors.New("tcp: connection reset by peer")
	ErrTimedOut          = errors.New("tcp: connection timed out")

	// Codec errors.
	ErrShortHeader   = errors.New("tcp: header shorter than 20 bytes")
	ErrBadDataOffset = errors.New("tcp: data offset inconsistent with buffer")
	ErrBadOption     = errors.New("tcp: malformed option")
)

// Segment represents an incoming/outgoing TCP segment in the sequence space.
type Segment struct {
	SEQ     Value // sequence number of first octet of segment. If SYN is set it is the initial sequence number (ISN) and the first data octet is ISN+1.
	ACK     Value // acknowledgment number. If ACK is set it is sequence number of first octet the sender of the segment is expecting to receive next.
	DATALEN Size  // The number of octets occupied by the data (payload) not counting SYN and FIN.
	WND     Size  // segment window
	Flags   Flags // TCP flags.
}

// LEN returns the length of the segment in octets including SYN and FIN flags.
func (seg *Segment) LEN() Size {
	add := Size(seg.Flags>>0) & 1 // Add FIN bit.
	add += Size(seg.Flags>>1) & 1 // Add SYN bit.
	return seg.DATALEN + add
}

// Last returns the sequence number of the last octet of the segment.
func (seg *Segment) Last() Value {
	seglen := seg.LEN()
	if seglen == 0 {
		return seg.SEQ
	}
	return Add(seg.SEQ, seglen) - 1
}

func (seg Segment) String() string {
	b := make([]byte, 0, 64)
	b = appendVal(b, "SEQ", seg.SEQ)
	b = appendVal(b, "ACK", seg.ACK)
	if seg.DATALEN > 0 {
		b = appendVal(b, "DATA", Value(seg.DATALEN))
	}
	b = appendVal(b, "WND", Value(seg.WND))
	b = append(b, '[')
	b = seg.Flags.AppendFormat(b)
	b = append(b, ']')
	return string(b)
}

func appendVal(buf []byte, name string, i Value) []byte {
	buf = append(buf, '<')
	buf = append(buf, name...)
	buf = append(buf, '=')
	buf = strconv.AppendUint(buf, uint64(i), 10)
	return append(buf, '>')
}

// Flags is a TCP flags bit-masked implementation i.e: SYN, FIN, ACK.
type Flags uint16

const (
	FlagFIN Flags = 1 << iota // FlagFIN - No more data from sender.
	FlagSYN                   // FlagSYN - Synchronize sequence numbers.
	FlagRST                   // FlagRST - Reset the connection.
	FlagPSH                   // FlagPSH - Push function.
	FlagACK                   // FlagACK - Acknowledgment field significant.
	FlagURG                   // FlagURG - Urgent pointer field significant.
	FlagECE                   // FlagECE - ECN-Echo has a nonce-sum in the SYN/ACK.
	FlagCWR                   // FlagCWR - Congestion Window Reduced.
	FlagNS                    // FlagNS  - Nonce Sum flag (see RFC 3540).
)

const flagMask = 0x01ff

// Shorthands for flag unions used throughout the state machine.
const (
	synack = FlagSYN | FlagACK
	finack = FlagFIN | FlagACK
	pshack = FlagPSH | FlagACK
	rstack = FlagRST | FlagACK
)

// HasAll checks if mask bits are all set in the receiver flags.
func (flags Flags) HasAll(mask Flags) bool { return flags&mask == mask }

// HasAny checks if one or more mask bits are set in receiver flags.
func (flags Flags) HasAny(mask Flags) bool { return flags&mask != 0 }

// Mask returns the flags with non-flag bits unset.
func (flags Flags) Mask() Flags { return flags & flagMask }

// String returns human readable flag string. i.e:
//
//	"[SYN,ACK]"
//
// Flags are printed in order from LSB (FIN) to MSB (NS).
func (flags Flags) String() string {
	// Cover most common cases without heap allocating.
	switch flags {
	case 0:
		return "[]"
	case synack:
		return "[SYN,ACK]"
	case finack:
		return "[FIN,ACK]"
	case pshack:
		return "[PSH,ACK]"
	case FlagACK:
		return "[ACK]"
	case FlagSYN:
		return "[SYN]"
	case FlagFIN:
		return "[FIN]"
	case FlagRST:
		return "[RST]"
	}
	buf := make([]byte, 0, 2+4*bits.OnesCount16(uint16(flags)))
	buf = append(buf, '[')
	buf = flags.AppendFormat(buf)
	buf = append(buf, ']')
	return string(buf)
}

// AppendFormat appends a human readable flag string to b returning the extended buffer.
func (flags Flags) AppendFormat(b []byte) []byte {
	const flaglen = 3
	const strflags = "FINSYNRSTPSHACKURGECECWRNS "
	var addcommas bool
	flags = flags.Mask()
	for flags != 0 {
		i := bits.TrailingZeros16(uint16(flags))
		if addcommas {
			b = append(b, ',')
		} else {
			addcommas = true
		}
		b = append(b, strflags[i*flaglen:i*flaglen+flaglen]...)
		flags &= ^(1 << i)
	}
	return b
}

// State enumerates states a TCP connection progresses through during its lifetime.
type State uint8

const (
	// CLOSED - represents no connection state at all. Initial and terminal state of a slot.
	StateClosed State = iota
	// LISTEN - represents waiting for a connection request from any remote TCP and port.
	StateListen
	// SYN-SENT - represents waiting for a matching connection request after having sent a connection request.
	StateSynSent
	// SYN-RECEIVED - represents waiting for a confirming connection request acknowledgment
	// after having both received and sent a connection request.
	StateSynRcvd
	// ESTABLISHED - represents an open connection, data received can be delivered
	// to the user.  The normal state for the data transfer phase of the connection.
	StateEstablished
	// FIN-WAIT-1 - represents waiting for a connection termination request
	// from the remote TCP, or an acknowledgment of the connection
	// termination request previously sent.
	StateFinWait1
	// FIN-WAIT-2 - represents waiting for a connection termination request
	// from the remote TCP.
	StateFinWait2
	// CLOSE-WAIT - represents waiting for a connection termination request
	// from the local user.
	StateCloseWait
	// CLOSING - represents waiting for a connection termination request
	// acknowledgment from the remote TCP.
	StateClosing
	// LAST-ACK - represents waiting for an acknowledgment of the
	// connection termination request previously sent to the remote TCP.
	StateLastAck
	// TIME-WAIT - represents waiting for enough time to pass to be sure the remote
	// TCP received the acknowledgment of its connection termination request.
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN-SENT"
	case StateSynRcvd:
		return "SYN-RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN-WAIT-1"
	case StateFinWait2:
		return "FIN-WAIT-2"
	case StateCloseWait:
		return "CLOSE-WAIT"
	case StateClosing:
		return "CLOSING"
	case StateLastAck:
		return "LAST-ACK"
	case StateTimeWait:
		return "TIME-WAIT"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// IsPreestablished returns true if the connection is in a state preceding the established state.
// Returns false for Closed pseudo state.
func (s State) IsPreestablished() bool {
	return s == StateSynRcvd || s == StateSynSent || s == StateListen
}

// IsSynchronized returns true if the connection has gone through the Established state
// and has not yet returned to Closed.
func (s State) IsSynchronized() bool {
	return s >= StateEstablished
}

// canSendData reports whether user data may still be segmented out in this state.
// A FIN is queued behind pending data so FinWait1 and LastAck keep draining the send ring.
func (s State) canSendData() bool {
	return s == StateEstablished || s == StateCloseWait || s == StateFinWait1 || s == StateLastAck
}

// canRecvData reports whether in-order payload is accepted into the receive ring.
func (s State) canRecvData() bool {
	return s == StateEstablished || s == StateFinWait1 || s == StateFinWait2
}

// EventMask is a bit mask of readiness events delivered to a [Notifier].
type EventMask uint8

const (
	// EventIn is signaled when data (or EOF) is readable or, on a listener, when a connection can be accepted.
	EventIn EventMask = 1 << iota
	// EventOut is signaled when send buffer space or send window opens.
	EventOut
	// EventErr is signaled when the connection terminated with an error.
	EventErr
	// EventHUp is signaled when the peer closed its sending side or the connection ended.
	EventHUp
)

// Notifier receives readiness changes of a connection. Notify is called with
// no stack lock held. err is non-nil when the connection terminated abnormally,
// in which case the connection's handle is already stale or about to be.
type Notifier interface {
	Notify(ev EventMask, err error)
}

// Handle is a non-owning reference to a connection table slot. Slot reuse
// increments the slot generation so outdated handles fail with [ErrStaleHandle].
type Handle struct {
	Slot uint16
	Gen  uint32
}

// IsValid reports whether h was returned by the stack. The zero Handle is never valid.
func (h Handle) IsValid() bool { return h.Gen != 0 }

// Tuple identifies a connection by its local and remote IPv4 endpoints.
// A tuple with zero remote address and port is a wildcard (listen) tuple.
type Tuple struct {
	LocalAddr  [4]byte
	RemoteAddr [4]byte
	LocalPort  uint16
	RemotePort uint16
}

// IsWildcard reports whether the tuple matches any remote endpoint.
func (t Tuple) IsWildcard() bool {
	return t.RemotePort == 0 && t.RemoteAddr == [4]byte{}
}

func (t Tuple) String() string {
	b := make([]byte, 0, 48)
	b = appendAddr(b, t.LocalAddr, t.LocalPort)
	b = append(b, "->"...)
	b = appendAddr(b, t.RemoteAddr, t.RemotePort)
	return string(b)
}

func appendAddr(b []byte, addr [4]byte, port uint16) []byte {
	for i := range addr {
		if i > 0 {
			b = append(b, '.')
		}
		b = strconv.AppendUint(b, uint64(addr[i]), 10)
	}
	b = append(b, ':')
	return strconv.AppendUint(b, uint64(port), 10)
}
