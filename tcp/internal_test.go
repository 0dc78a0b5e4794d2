package tcp

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// Here we define testing helpers that may be used in any *_test.go file of
// the tcp and tcp_test packages.

var (
	TestLocalAddr  = [4]byte{10, 0, 0, 1}
	TestRemoteAddr = [4]byte{10, 0, 0, 2}
)

const (
	TestLocalPort  = 80
	TestRemotePort = 40000
)

// SimClock is a manually advanced clock.
type SimClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewSimClock() *SimClock {
	return &SimClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *SimClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *SimClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Sent is a segment captured from the stack's output.
type Sent struct {
	Src, Dst [4]byte
	Hdr      Header
	Payload  []byte
}

// Seg returns the sequence space view of the captured segment.
func (s Sent) Seg() Segment { return s.Hdr.Segment(len(s.Payload)) }

// Capture is an IPOutput that records every segment after checking its checksum.
type Capture struct {
	mu   sync.Mutex
	out  []Sent
	Fail error // returned by OutputTCP when set.
}

func (c *Capture) OutputTCP(src, dst [4]byte, segment []byte) error {
	if c.Fail != nil {
		return c.Fail
	}
	if !VerifyChecksum(src, dst, segment) {
		return errors.New("capture: bad checksum on output")
	}
	hdr, err := ParseHeader(segment)
	if err != nil {
		return err
	}
	payload := append([]byte(nil), segment[4*int(hdr.DataOffset):]...)
	c.mu.Lock()
	c.out = append(c.out, Sent{Src: src, Dst: dst, Hdr: hdr, Payload: payload})
	c.mu.Unlock()
	return nil
}

// Take returns and clears the captured segments.
func (c *Capture) Take() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.out
	c.out = nil
	return out
}

// NewTestStack returns a stack with a simulated clock and small buffers.
func NewTestStack(t testing.TB, mod func(*StackConfig)) (*Stack, *Capture, *SimClock) {
	t.Helper()
	clk := NewSimClock()
	cfg := StackConfig{
		Addr:      TestLocalAddr,
		MaxConns:  8,
		TxBufSize: 4096,
		RxBufSize: 4096,
		ISNSecret: []byte("test secret"),
		Now:       clk.Now,
		RSTRate:   -1,
	}
	if mod != nil {
		mod(&cfg)
	}
	cap := &Capture{}
	stk, err := NewStack(cfg, cap)
	if err != nil {
		t.Fatal(err)
	}
	return stk, cap, clk
}

// MakeSegment serializes a segment from src to dst with a valid checksum.
func MakeSegment(t testing.TB, src, dst [4]byte, h Header, payload []byte) []byte {
	t.Helper()
	buf := make([]byte, 60+len(payload))
	n, err := WriteHeader(&h, buf)
	if err != nil {
		t.Fatal(err)
	}
	n += copy(buf[n:], payload)
	buf = buf[:n]
	SetChecksum(src, dst, buf)
	return buf
}

// Deliver hands a segment from the remote test endpoint to stk.
func Deliver(t testing.TB, stk *Stack, lport, rport uint16, seg Segment, mss uint16, payload []byte) {
	t.Helper()
	h := Header{
		SrcPort: rport, DstPort: lport,
		Seq: seg.SEQ, Ack: seg.ACK, Flags: seg.Flags, Window: uint16(seg.WND), MSS: mss,
	}
	stk.Input(TestRemoteAddr, TestLocalAddr, MakeSegment(t, TestRemoteAddr, TestLocalAddr, h, payload))
}

// StepAction is what happens in a [SegmentStep].
type StepAction uint8

const (
	_             StepAction = iota
	StepPeerSends            // Remote delivers Seg carrying Data.
	StepSend                 // Local user sends Data.
	StepClose                // Local user closes.
	StepAbort                // Local user aborts.
	StepAdvance              // Clock advances by Wait and timers run.
)

// SegmentStep is a single step of an [ExchangeTest]. Sequence numbers of
// segments delivered by the peer are relative to the remote IRS (SEQ) and local
// ISS (ACK); segments sent by the stack are relative to the local ISS (SEQ)
// and remote IRS (ACK). Windows are not compared.
type SegmentStep struct {
	Action StepAction
	Seg    Segment
	Data   []byte
	Wait   time.Duration
	// Want is the connection state after the step. A released slot reads as Closed.
	Want State
	// WantOut are the segments the stack emits during the step.
	WantOut []Segment
}

// ExchangeTest scripts a remote peer against one connection of a [Stack].
// Active tests open with Connect and the peer's SYN-ACK; passive tests open
// with the peer's SYN to a listener and the completing ACK.
type ExchangeTest struct {
	IRS     Value
	PeerMSS uint16
	PeerWND Size
	Passive bool
	Config  func(*StackConfig)
	Steps   []SegmentStep
}

// Run establishes the connection and executes the steps.
func (et ExchangeTest) Run(t *testing.T) {
	t.Helper()
	if et.PeerWND == 0 {
		et.PeerWND = 4096
	}
	stk, cap, clk := NewTestStack(t, et.Config)
	h, iss, lport := et.open(t, stk, cap)
	irs := et.IRS
	for i, step := range et.Steps {
		switch step.Action {
		case StepPeerSends:
			seg := step.Seg
			seg.SEQ += irs
			if seg.Flags.HasAny(FlagACK) {
				seg.ACK += iss
			}
			if seg.WND == 0 && !seg.Flags.HasAny(FlagRST) {
				seg.WND = et.PeerWND
			}
			seg.DATALEN = Size(len(step.Data))
			Deliver(t, stk, lport, TestRemotePort, seg, 0, step.Data)
		case StepSend:
			n, err := stk.Send(h, step.Data)
			if err != nil || n != len(step.Data) {
				t.Fatalf("step %d: send %d/%d: %v", i, n, len(step.Data), err)
			}
		case StepClose:
			if err := stk.Close(h); err != nil {
				t.Fatalf("step %d: close: %v", i, err)
			}
		case StepAbort:
			if err := stk.Abort(h); err != nil {
				t.Fatalf("step %d: abort: %v", i, err)
			}
		case StepAdvance:
			clk.Advance(step.Wait)
			stk.Tick()
		default:
			t.Fatalf("step %d: bad action %d", i, step.Action)
		}
		got := relativeOut(cap.Take(), iss, irs)
		want := step.WantOut
		if want == nil {
			want = []Segment{}
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("step %d: output mismatch (-want +got):\n%s", i, diff)
		}
		state, err := stk.State(h)
		if errors.Is(err, ErrStaleHandle) {
			state = StateClosed
		}
		if state != step.Want {
			t.Errorf("step %d: want state %s, got %s", i, step.Want, state)
		}
	}
}

func (et ExchangeTest) open(t *testing.T, stk *Stack, cap *Capture) (Handle, Value, uint16) {
	t.Helper()
	if !et.Passive {
		h, err := stk.Connect(TestRemoteAddr, TestRemotePort)
		if err != nil {
			t.Fatal(err)
		}
		syn := mustOne(t, cap.Take())
		iss := syn.Hdr.Seq
		tuple, _ := stk.Tuple(h)
		stk.Input(TestRemoteAddr, TestLocalAddr, MakeSegment(t, TestRemoteAddr, TestLocalAddr, Header{
			SrcPort: TestRemotePort, DstPort: tuple.LocalPort, Seq: et.IRS, Ack: iss + 1,
			Flags: synack, Window: uint16(et.PeerWND), MSS: et.PeerMSS,
		}, nil))
		ack := mustOne(t, cap.Take())
		if ack.Hdr.Flags != FlagACK || ack.Hdr.Ack != et.IRS+1 {
			t.Fatalf("want handshake ACK, got %s", ack.Seg())
		}
		return h, iss, tuple.LocalPort
	}
	lh, err := stk.Bind(TestLocalPort)
	if err != nil {
		t.Fatal(err)
	}
	if err = stk.Listen(lh, 4); err != nil {
		t.Fatal(err)
	}
	Deliver(t, stk, TestLocalPort, TestRemotePort, Segment{SEQ: et.IRS, Flags: FlagSYN, WND: et.PeerWND}, et.PeerMSS, nil)
	synack := mustOne(t, cap.Take())
	iss := synack.Hdr.Seq
	Deliver(t, stk, TestLocalPort, TestRemotePort, Segment{SEQ: et.IRS + 1, ACK: iss + 1, Flags: FlagACK, WND: et.PeerWND}, 0, nil)
	h, err := stk.Accept(lh)
	if err != nil {
		t.Fatal(err)
	}
	return h, iss, TestLocalPort
}

func mustOne(t testing.TB, out []Sent) Sent {
	t.Helper()
	if len(out) != 1 {
		t.Fatalf("want exactly one segment, got %d", len(out))
	}
	return out[0]
}

func relativeOut(out []Sent, iss, irs Value) []Segment {
	segs := make([]Segment, 0, len(out))
	for _, s := range out {
		seg := s.Seg()
		seg.WND = 0
		seg.SEQ -= iss
		if seg.Flags.HasAny(FlagACK) {
			seg.ACK -= irs
		}
		segs = append(segs, seg)
	}
	return segs
}
