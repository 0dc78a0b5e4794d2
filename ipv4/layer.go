package ipv4

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nanokern/netcore"
	"github.com/nanokern/netcore/internal"
	"github.com/nanokern/netcore/napi"
)

var (
	errBadConfig   = errors.New("ipv4: bad config")
	errPacketSize  = errors.New("ipv4: packet exceeds MTU")
	errRegistered  = errors.New("ipv4: protocol already registered")
	errNilHandler  = errors.New("ipv4: nil handler")
	errZeroAddress = errors.New("ipv4: zero local address")
)

// Handler receives the payload of a packet addressed to the layer.
// payload is only valid for the duration of the call. [tcp.Stack] implements Handler.
type Handler interface {
	Input(src, dst [4]byte, payload []byte)
}

// Config configures a [Layer]. Zero fields take default values.
type Config struct {
	// Addr is the local address. Packets to other destinations are dropped.
	Addr [4]byte
	MTU  int
	TTL  uint8
	// Validate selects optional receive checks.
	Validate netcore.ValidateFlags
	Logger   *slog.Logger
}

// Stats counts packets through a [Layer].
type Stats struct {
	RxPackets      uint64 // packets handed to a protocol handler.
	RxMalformed    uint64 // packets failing header validation.
	RxBadCRC       uint64
	RxNotForUs     uint64
	RxUnknownProto uint64
	TxPackets      uint64
	TxErrors       uint64 // packets the device refused.
}

// Layer is the IP layer of one device. Its receive side implements
// [napi.Dispatcher] and its transmit side implements tcp.IPOutput.
type Layer struct {
	addr     [4]byte
	mtu      int
	ttl      uint8
	validate netcore.ValidateFlags
	dev      napi.Device
	handlers [256]Handler

	txmu  sync.Mutex
	txbuf []byte
	id    uint16

	rxPackets, rxMalformed, rxBadCRC atomic.Uint64
	rxNotForUs, rxUnknownProto       atomic.Uint64
	txPackets, txErrors              atomic.Uint64
	logger
}

var _ napi.Dispatcher = (*Layer)(nil)

// New returns a Layer transmitting on dev.
func New(dev napi.Device, cfg Config) (*Layer, error) {
	if dev == nil {
		return nil, errBadConfig
	}
	if cfg.Addr == [4]byte{} {
		return nil, errZeroAddress
	}
	if cfg.MTU == 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MTU < sizeHeader || cfg.MTU > 0xffff {
		return nil, errBadConfig
	}
	return &Layer{
		addr:     cfg.Addr,
		mtu:      cfg.MTU,
		ttl:      cfg.TTL,
		validate: cfg.Validate,
		dev:      dev,
		txbuf:    make([]byte, cfg.MTU),
		id:       uint16(cfg.Addr[2])<<8 | uint16(cfg.Addr[3]) | 1,
		logger:   logger{log: cfg.Logger},
	}, nil
}

// Addr returns the local address.
func (l *Layer) Addr() [4]byte { return l.addr }

// MTU returns the largest packet the layer sends.
func (l *Layer) MTU() int { return l.mtu }

// Register routes packets of protocol proto to h. It must be called before
// frames are dispatched.
func (l *Layer) Register(proto netcore.IPProto, h Handler) error {
	if h == nil {
		return errNilHandler
	} else if l.handlers[proto] != nil {
		return errRegistered
	}
	l.handlers[proto] = h
	return nil
}

// Dispatch validates one received packet and hands its payload to the
// handler registered for its protocol. Invalid packets are dropped and counted.
func (l *Layer) Dispatch(frame []byte) {
	ifrm, err := NewFrame(frame)
	if err != nil {
		l.rxMalformed.Add(1)
		return
	}
	var v netcore.Validator
	v.SetFlags(l.validate)
	ifrm.ValidateExceptCRC(&v)
	if err := v.Err(); err != nil {
		l.rxMalformed.Add(1)
		l.debug("ipv4:rx-malformed", slog.String("err", err.Error()))
		return
	}
	if got, want := ifrm.CRC(), ifrm.CalculateHeaderCRC(); got != want {
		l.rxBadCRC.Add(1)
		l.debug("ipv4:rx-crc", slog.Uint64("want", uint64(want)), slog.Uint64("got", uint64(got)))
		return
	}
	dst := ifrm.DestinationAddr()
	if *dst != l.addr {
		l.rxNotForUs.Add(1)
		return
	}
	proto := ifrm.Protocol()
	h := l.handlers[proto]
	if h == nil {
		l.rxUnknownProto.Add(1)
		l.debug("ipv4:rx-drop", slog.String("proto", proto.String()))
		return
	}
	l.rxPackets.Add(1)
	if l.logenabled(internal.LevelTrace) {
		l.trace("ipv4:rx", internal.SlogAddr4("src", ifrm.SourceAddr()), slog.String("proto", proto.String()), slog.Int("len", int(ifrm.TotalLength())))
	}
	h.Input(*ifrm.SourceAddr(), *dst, ifrm.Payload())
}

// OutputTCP sends a TCP segment. It implements tcp.IPOutput.
func (l *Layer) OutputTCP(src, dst [4]byte, segment []byte) error {
	return l.Output(netcore.IPProtoTCP, src, dst, segment)
}

// Output frames payload in an IPv4 header and queues it on the device
// without blocking. When the device is out of transmit descriptors completed
// ones are reclaimed and the transmit is tried once more.
func (l *Layer) Output(proto netcore.IPProto, src, dst [4]byte, payload []byte) error {
	total := sizeHeader + len(payload)
	if total > l.mtu {
		l.txErrors.Add(1)
		return errPacketSize
	}
	if src == [4]byte{} {
		src = l.addr
	}
	l.txmu.Lock()
	defer l.txmu.Unlock()
	ifrm := Frame{buf: l.txbuf[:total]}
	ifrm.ClearHeader()
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(uint16(total))
	l.id = internal.Prand16(l.id)
	ifrm.SetID(l.id)
	ifrm.SetFlags(FlagDontFragment)
	ifrm.SetTTL(l.ttl)
	ifrm.SetProtocol(proto)
	*ifrm.SourceAddr() = src
	*ifrm.DestinationAddr() = dst
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())
	copy(ifrm.Payload(), payload)

	err := l.dev.Transmit(ifrm.RawData())
	if errors.Is(err, napi.ErrTxFull) && l.dev.ReclaimTx() > 0 {
		err = l.dev.Transmit(ifrm.RawData())
	}
	if err != nil {
		l.txErrors.Add(1)
		l.debug("ipv4:tx", slog.String("err", err.Error()))
		return err
	}
	l.txPackets.Add(1)
	return nil
}

func (l *Layer) Stats() Stats {
	return Stats{
		RxPackets:      l.rxPackets.Load(),
		RxMalformed:    l.rxMalformed.Load(),
		RxBadCRC:       l.rxBadCRC.Load(),
		RxNotForUs:     l.rxNotForUs.Load(),
		RxUnknownProto: l.rxUnknownProto.Load(),
		TxPackets:      l.txPackets.Load(),
		TxErrors:       l.txErrors.Load(),
	}
}

type logger struct {
	log *slog.Logger
}

func (l logger) logenabled(lvl slog.Level) bool {
	return internal.LogEnabled(l.log, lvl)
}

func (l logger) debug(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelDebug, msg, attrs...)
}

func (l logger) trace(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, internal.LevelTrace, msg, attrs...)
}
