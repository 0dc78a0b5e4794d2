package tcp

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nanokern/netcore"
	"golang.org/x/time/rate"
)

// IPOutput is the IP layer transmit path. OutputTCP must not block and must
// not retain segment after returning.
type IPOutput interface {
	OutputTCP(src, dst [4]byte, segment []byte) error
}

// StackConfig configures a [Stack]. Zero fields take the Default* values.
type StackConfig struct {
	// Addr is the local IPv4 address. Required for Connect. When zero,
	// listeners accept segments addressed to any local address.
	Addr [4]byte
	// MaxConns is the number of connection table slots.
	MaxConns int
	// TxBufSize and RxBufSize are the per connection ring sizes in bytes.
	TxBufSize int
	RxBufSize int
	// MSS is the local maximum segment size advertised in SYNs and the
	// largest payload sent in one segment.
	MSS int
	// MSL is the maximum segment lifetime. TIME-WAIT lasts 2*MSL.
	MSL        time.Duration
	RTOInitial time.Duration
	RTOMax     time.Duration
	// MaxRetries is the number of consecutive retransmission timeouts
	// tolerated before the connection aborts with [ErrTimedOut].
	MaxRetries int
	DelayedACK time.Duration
	// RSTRate limits RST segments sent in reply to segments for no connection.
	// Zero selects 100 per second, negative disables limiting.
	RSTRate  rate.Limit
	RSTBurst int
	// ISNSecret keys the initial sequence number generator. Random when nil.
	ISNSecret []byte
	// Now is the stack clock. Tests supply a simulated clock.
	Now    func() time.Time
	Logger *slog.Logger
}

var errBadConfig = errors.New("tcp: bad stack config")

func (cfg *StackConfig) setDefaults() error {
	setDefault := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}
	setDefaultDur := func(v *time.Duration, def time.Duration) {
		if *v == 0 {
			*v = def
		}
	}
	setDefault(&cfg.MaxConns, DefaultMaxConns)
	setDefault(&cfg.TxBufSize, DefaultBufSize)
	setDefault(&cfg.RxBufSize, DefaultBufSize)
	setDefault(&cfg.MSS, DefaultLocalMSS)
	setDefault(&cfg.MaxRetries, DefaultMaxRetries)
	setDefault(&cfg.RSTBurst, 10)
	setDefaultDur(&cfg.MSL, DefaultMSL)
	setDefaultDur(&cfg.RTOInitial, DefaultRTOInitial)
	setDefaultDur(&cfg.RTOMax, DefaultRTOMax)
	setDefaultDur(&cfg.DelayedACK, DefaultDelayedACK)
	if cfg.RSTRate == 0 {
		cfg.RSTRate = 100
	} else if cfg.RSTRate < 0 {
		cfg.RSTRate = rate.Inf
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	switch {
	case cfg.MaxConns < 0 || cfg.MaxConns > math.MaxUint16:
		return errBadConfig
	case cfg.TxBufSize < 0 || cfg.RxBufSize < 0:
		return errBadConfig
	case cfg.MSS < 0 || cfg.MSS > math.MaxUint16-sizeHeaderTCP:
		return errBadConfig
	case cfg.RTOMax < cfg.RTOInitial || cfg.MaxRetries < 0:
		return errBadConfig
	}
	return nil
}

// Stack is the TCP transport: a fixed connection table driven by [Stack.Input]
// from the IP layer, user operations addressed by [Handle] and a timer tick.
// All buffers are allocated by NewStack.
type Stack struct {
	cfg      StackConfig
	out      IPOutput
	tbl      table
	isn      isnGenerator
	order    atomic.Uint64
	rstMu    sync.Mutex
	rstbuf   [sizeHeaderTCP + sizeOptMSS]byte
	rstLimit *rate.Limiter
	stats    stats
	logger
}

// NewStack allocates the connection table and all connection buffers.
func NewStack(cfg StackConfig, out IPOutput) (*Stack, error) {
	if out == nil {
		return nil, netcore.ErrInvalidConfig
	}
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	s := &Stack{
		cfg:      cfg,
		out:      out,
		rstLimit: rate.NewLimiter(cfg.RSTRate, cfg.RSTBurst),
		logger:   logger{log: cfg.Logger},
	}
	if err := s.isn.seed(cfg.ISNSecret, s.Now()); err != nil {
		return nil, err
	}
	s.tbl.cursor = ephemeralFirst
	s.tbl.conns = make([]conn, cfg.MaxConns)
	for i := range s.tbl.conns {
		c := &s.tbl.conns[i]
		c.slot = uint16(i)
		c.gen = 1
		c.stk = s
		c.logger = s.logger
		c.sndbuf.Buf = make([]byte, cfg.TxBufSize)
		c.rcvbuf.Buf = make([]byte, cfg.RxBufSize)
		c.txbuf = make([]byte, sizeHeaderTCP+sizeOptMSS+cfg.MSS)
	}
	s.info("tcp:stack-new", slog.Int("conns", cfg.MaxConns), slog.Int("mss", cfg.MSS))
	return s, nil
}

// Now returns the stack clock's current time.
func (s *Stack) Now() time.Time { return s.cfg.Now() }

// Config returns the configuration in use, defaults filled in.
func (s *Stack) Config() StackConfig { return s.cfg }

// Stats returns a snapshot of the stack counters.
func (s *Stack) Stats() Stats { return s.stats.snapshot() }

// lockConn returns the connection of h locked, or ErrStaleHandle.
func (s *Stack) lockConn(h Handle) (*conn, error) {
	if int(h.Slot) >= len(s.tbl.conns) {
		return nil, ErrStaleHandle
	}
	c := &s.tbl.conns[h.Slot]
	c.mu.Lock()
	if !c.inUse || c.gen != h.Gen {
		c.mu.Unlock()
		return nil, ErrStaleHandle
	}
	return c, nil
}

// unlockPost releases c and runs the work it accumulated.
func (s *Stack) unlockPost(c *conn) {
	p := c.takePost()
	c.mu.Unlock()
	s.post(p)
}

func (s *Stack) post(p postAction) {
	if p.n != nil {
		p.n.Notify(p.ev, p.err)
	}
	if p.parent.IsValid() {
		if l, err := s.lockConn(p.parent); err == nil {
			n := l.notifier
			l.mu.Unlock()
			if n != nil {
				n.Notify(EventIn, nil)
			}
		}
	}
	if p.release.IsValid() {
		s.tbl.release(p.release)
	}
}

func (s *Stack) output(tuple *Tuple, segment []byte) {
	SetChecksum(tuple.LocalAddr, tuple.RemoteAddr, segment)
	err := s.out.OutputTCP(tuple.LocalAddr, tuple.RemoteAddr, segment)
	if err != nil {
		s.stats.outputErrors.Add(1)
		s.debug("tcp:output-fail", slog.String("tuple", tuple.String()), errAttr(err))
		return
	}
	s.stats.segmentsOut.Add(1)
}

// Bind reserves a local port. A zero port draws an ephemeral port.
// The returned handle is used for a later Listen or ConnectBound.
func (s *Stack) Bind(port uint16) (Handle, error) {
	t := &s.tbl
	t.mu.Lock()
	defer t.mu.Unlock()
	var err error
	if port == 0 {
		port, err = t.ephemeral()
	} else {
		err = t.bindCheck(port)
	}
	if err != nil {
		return Handle{}, err
	}
	c, err := t.allocate()
	if err != nil {
		s.stats.tableFull.Add(1)
		return Handle{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activate(Tuple{LocalAddr: s.cfg.Addr, LocalPort: port})
	c.bound = true
	return c.handle(), nil
}

// Listen turns a bound slot into a listener admitting at most backlog
// established connections not yet accepted.
func (s *Stack) Listen(h Handle, backlog int) error {
	t := &s.tbl
	t.mu.Lock()
	defer t.mu.Unlock()
	c, err := s.lockConn(h)
	if err != nil {
		return err
	}
	defer c.mu.Unlock()
	if c.listening {
		c.backlog = max(backlog, 1)
		return nil
	} else if !c.bound {
		return ErrInvalidState
	}
	c.bound = false
	c.listening = true
	c.backlog = max(backlog, 1)
	c.setState(StateListen)
	c.debug("tcp:listen", slog.Uint64("port", uint64(c.tuple.LocalPort)), slog.Int("backlog", c.backlog))
	return nil
}

// Connect allocates a slot with an ephemeral local port and sends a SYN to
// the remote endpoint. Completion is signaled through the connection's
// [Notifier] or observed with [Stack.State].
func (s *Stack) Connect(raddr [4]byte, rport uint16) (Handle, error) {
	if err := s.checkRemote(raddr, rport); err != nil {
		return Handle{}, err
	}
	t := &s.tbl
	t.mu.Lock()
	port, err := t.ephemeral()
	if err != nil {
		t.mu.Unlock()
		return Handle{}, err
	}
	c, err := t.allocate()
	if err != nil {
		t.mu.Unlock()
		s.stats.tableFull.Add(1)
		return Handle{}, err
	}
	c.mu.Lock()
	c.activate(Tuple{LocalAddr: s.cfg.Addr, LocalPort: port, RemoteAddr: raddr, RemotePort: rport})
	t.mu.Unlock()
	c.connect()
	h := c.handle()
	s.unlockPost(c)
	return h, nil
}

// ConnectBound starts an active open from a slot reserved with [Stack.Bind].
func (s *Stack) ConnectBound(h Handle, raddr [4]byte, rport uint16) error {
	if err := s.checkRemote(raddr, rport); err != nil {
		return err
	}
	t := &s.tbl
	t.mu.Lock()
	c, err := s.lockConn(h)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if !c.bound {
		t.mu.Unlock()
		c.mu.Unlock()
		return ErrInvalidState
	}
	c.bound = false
	c.tuple.RemoteAddr = raddr
	c.tuple.RemotePort = rport
	t.mu.Unlock()
	c.connect()
	s.unlockPost(c)
	return nil
}

func (s *Stack) checkRemote(raddr [4]byte, rport uint16) error {
	switch {
	case s.cfg.Addr == [4]byte{}:
		return netcore.ErrZeroSource
	case raddr == [4]byte{} || rport == 0:
		return netcore.ErrZeroDestination
	}
	return nil
}

// Accept returns the oldest established connection spawned by listener lh
// that was not yet accepted, or [ErrNoConnPending].
func (s *Stack) Accept(lh Handle) (Handle, error) {
	t := &s.tbl
	t.mu.Lock()
	defer t.mu.Unlock()
	l, err := s.lockConn(lh)
	if err != nil {
		return Handle{}, err
	}
	listening := l.listening
	l.mu.Unlock()
	if !listening {
		return Handle{}, ErrNotListening
	}
	c := t.nextAccept(lh)
	if c == nil {
		return Handle{}, ErrNoConnPending
	}
	c.mu.Lock()
	c.accepted = true
	h := c.handle()
	c.mu.Unlock()
	return h, nil
}

// Send queues as much of b as fits in the send ring and returns the amount queued.
// Zero with a nil error means the ring is full.
func (s *Stack) Send(h Handle, b []byte) (int, error) {
	c, err := s.lockConn(h)
	if err != nil {
		return 0, err
	}
	n, err := c.write(b)
	s.unlockPost(c)
	return n, err
}

// Recv reads received data into b. It returns io.EOF after the peer's FIN
// once all preceding data was read. Zero with a nil error means no data yet.
func (s *Stack) Recv(h Handle, b []byte) (int, error) {
	c, err := s.lockConn(h)
	if err != nil {
		return 0, err
	}
	n, err := c.read(b)
	s.unlockPost(c)
	return n, err
}

// Close starts a graceful close. The handle must not be used afterwards; the
// connection continues through its closing states without an owner. Closing a
// listener aborts its connections not yet accepted.
func (s *Stack) Close(h Handle) error {
	c, err := s.lockConn(h)
	if err != nil {
		return err
	}
	listener := c.listening
	c.close()
	s.unlockPost(c)
	if listener {
		s.abortChildren(h)
	}
	return nil
}

// Abort resets the connection and frees its slot before returning.
func (s *Stack) Abort(h Handle) error {
	c, err := s.lockConn(h)
	if err != nil {
		return err
	}
	listener := c.listening
	c.abort()
	c.takePost() // Owner is aborting, no notification.
	c.mu.Unlock()
	s.tbl.release(h)
	if listener {
		s.abortChildren(h)
	}
	return nil
}

func (s *Stack) abortChildren(lh Handle) {
	t := &s.tbl
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.conns {
		c := &t.conns[i]
		if !c.inUse || c.accepted || c.parent != lh {
			continue
		}
		c.mu.Lock()
		c.abort()
		c.free()
		c.mu.Unlock()
	}
}

// SetNotifier registers n to receive readiness events of h. A nil n stops notifications.
func (s *Stack) SetNotifier(h Handle, n Notifier) error {
	c, err := s.lockConn(h)
	if err != nil {
		return err
	}
	c.notifier = n
	c.mu.Unlock()
	return nil
}

// Poll returns the current readiness of h. For a listener EventIn means
// [Stack.Accept] would succeed.
func (s *Stack) Poll(h Handle) (EventMask, error) {
	t := &s.tbl
	c, err := s.lockConn(h)
	if err != nil {
		return 0, err
	}
	if !c.listening {
		ev := c.events()
		c.mu.Unlock()
		return ev, nil
	}
	c.mu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nextAccept(h) != nil {
		return EventIn, nil
	}
	return 0, nil
}

// State returns the TCP state of h.
func (s *Stack) State(h Handle) (State, error) {
	c, err := s.lockConn(h)
	if err != nil {
		return StateClosed, err
	}
	defer c.mu.Unlock()
	return c.tcb._state, nil
}

// Tuple returns the endpoints of h.
func (s *Stack) Tuple(h Handle) (Tuple, error) {
	c, err := s.lockConn(h)
	if err != nil {
		return Tuple{}, err
	}
	defer c.mu.Unlock()
	return c.tuple, nil
}

// MSS returns the negotiated send MSS of h: the peer's advertised value, or
// [DefaultMSS] when the peer omitted the option.
func (s *Stack) MSS(h Handle) (uint16, error) {
	c, err := s.lockConn(h)
	if err != nil {
		return 0, err
	}
	defer c.mu.Unlock()
	return c.sndMSS, nil
}

// Input is the IP layer receive path: payload is a TCP segment from src to dst.
// Protocol errors never surface; offending segments are dropped or answered with RST.
func (s *Stack) Input(src, dst [4]byte, payload []byte) {
	s.stats.segmentsIn.Add(1)
	tfrm, err := NewFrame(payload)
	if err != nil {
		s.stats.malformed.Add(1)
		return
	}
	if !VerifyChecksum(src, dst, payload) {
		s.stats.badChecksum.Add(1)
		s.debug("tcp:bad-checksum", slog.Int("len", len(payload)))
		return
	}
	var v netcore.Validator
	tfrm.ValidateExceptCRC(&v)
	if err = v.Err(); err != nil {
		s.stats.malformed.Add(1)
		s.debug("tcp:malformed", errAttr(err))
		return
	}
	hdr, err := ParseHeader(payload)
	if err != nil {
		s.stats.malformed.Add(1)
		s.debug("tcp:bad-options", errAttr(err))
		return
	}
	if s.cfg.Addr != [4]byte{} && dst != s.cfg.Addr {
		s.stats.malformed.Add(1)
		return
	}
	data := tfrm.Payload()
	seg := hdr.Segment(len(data))
	tuple := Tuple{LocalAddr: dst, LocalPort: hdr.DstPort, RemoteAddr: src, RemotePort: hdr.SrcPort}

	t := &s.tbl
	t.mu.Lock()
	c := t.find(tuple)
	if c == nil {
		t.mu.Unlock()
		s.traceSeg("tcp:rx-noconn", &tuple, seg)
		s.resetClosed(&tuple, seg)
		return
	}
	c.mu.Lock()
	if c.listening {
		reset := s.listenInput(c, &tuple, seg, hdr.MSS)
		c.mu.Unlock()
		t.mu.Unlock()
		if reset {
			s.resetClosed(&tuple, seg)
		}
		return
	}
	t.mu.Unlock()
	if c.dead {
		c.mu.Unlock()
		s.resetClosed(&tuple, seg)
		return
	}
	c.input(seg, data, hdr.MSS)
	s.unlockPost(c)
}

// listenInput handles a segment arriving at listener l, spawning a child in
// SYN-RECEIVED for a SYN. It reports whether the segment must be answered with
// a stateless RST. Caller holds the table lock and l's lock.
func (s *Stack) listenInput(l *conn, tuple *Tuple, seg Segment, mss uint16) (reset bool) {
	switch {
	case seg.Flags.HasAny(FlagRST):
		return false
	case seg.Flags.HasAny(FlagACK):
		return true
	case !seg.Flags.HasAny(FlagSYN):
		return false
	}
	t := &s.tbl
	lh := l.handle()
	if t.pending(lh) >= l.backlog {
		s.stats.listenOverflow.Add(1)
		s.debug("tcp:listen-overflow", slog.Uint64("port", uint64(tuple.LocalPort)))
		return false
	}
	child, err := t.allocate()
	if err != nil {
		s.stats.tableFull.Add(1)
		s.debug("tcp:listen-tablefull", slog.Uint64("port", uint64(tuple.LocalPort)))
		return false
	}
	child.mu.Lock()
	defer child.mu.Unlock()
	child.activate(*tuple)
	child.parent = lh
	child.updateRcvWnd()
	child.tcb.openPassive(s.isn.next(), child.tcb.rcv.WND, seg)
	child.sndMSS = peerMSS(mss)
	child.lastAck = child.tcb.rcv.NXT
	child.sendSynAck()
	child.armRTO()
	s.stats.passiveOpens.Add(1)
	child.debug("tcp:syn-rcvd", slog.String("tuple", tuple.String()), slog.Uint64("iss", uint64(child.tcb.snd.ISS)))
	return false
}

// ConnInfo describes an occupied connection table slot.
type ConnInfo struct {
	Handle   Handle
	Tuple    Tuple
	State    State
	Accepted bool
	// SendQueued and RecvQueued are the octets held in the send and receive rings.
	SendQueued int
	RecvQueued int
}

// Snapshot appends a description of every occupied slot to dst.
func (s *Stack) Snapshot(dst []ConnInfo) []ConnInfo {
	for i := range s.tbl.conns {
		c := &s.tbl.conns[i]
		c.mu.Lock()
		if c.inUse && !c.dead {
			dst = append(dst, ConnInfo{
				Handle:     c.handle(),
				Tuple:      c.tuple,
				State:      c.tcb._state,
				Accepted:   c.accepted,
				SendQueued: c.sndbuf.Buffered(),
				RecvQueued: c.rcvbuf.Buffered(),
			})
		}
		c.mu.Unlock()
	}
	return dst
}
