package ipv4

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/nanokern/netcore"
)

// NewFrame returns a Frame over buf. Call [Frame.ValidateSize] before
// touching options or payload of a received frame.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{buf: nil}, errShort
	}
	return Frame{buf: buf}, nil
}

// Frame is a view over the raw bytes of an IPv4 packet. See [RFC791].
//
// [RFC791]: https://tools.ietf.org/html/rfc791
type Frame struct {
	buf []byte
}

// RawData returns the slice the frame was created with.
func (ifrm Frame) RawData() []byte { return ifrm.buf }

// HeaderLength returns the header length in bytes including options.
func (ifrm Frame) HeaderLength() int {
	return int(ifrm.ihl()) * 4
}

func (ifrm Frame) ihl() uint8     { return ifrm.buf[0] & 0xf }
func (ifrm Frame) version() uint8 { return ifrm.buf[0] >> 4 }

func (ifrm Frame) VersionAndIHL() (version, IHL uint8) {
	v := ifrm.buf[0]
	return v >> 4, v & 0xf
}

func (ifrm Frame) SetVersionAndIHL(version, IHL uint8) { ifrm.buf[0] = version<<4 | IHL&0xf }

func (ifrm Frame) ToS() ToS       { return ToS(ifrm.buf[1]) }
func (ifrm Frame) SetToS(tos ToS) { ifrm.buf[1] = byte(tos) }

// TotalLength is the packet size in bytes including the header.
func (ifrm Frame) TotalLength() uint16 {
	return binary.BigEndian.Uint16(ifrm.buf[2:4])
}

func (ifrm Frame) SetTotalLength(tl uint16) { binary.BigEndian.PutUint16(ifrm.buf[2:4], tl) }

// ID identifies the fragments of one datagram.
func (ifrm Frame) ID() uint16 {
	return binary.BigEndian.Uint16(ifrm.buf[4:6])
}

func (ifrm Frame) SetID(id uint16) { binary.BigEndian.PutUint16(ifrm.buf[4:6], id) }

func (ifrm Frame) Flags() Flags {
	return Flags(binary.BigEndian.Uint16(ifrm.buf[6:8]))
}

func (ifrm Frame) SetFlags(flags Flags) {
	binary.BigEndian.PutUint16(ifrm.buf[6:8], uint16(flags))
}

func (ifrm Frame) TTL() uint8       { return ifrm.buf[8] }
func (ifrm Frame) SetTTL(ttl uint8) { ifrm.buf[8] = ttl }

func (ifrm Frame) Protocol() netcore.IPProto { return netcore.IPProto(ifrm.buf[9]) }

func (ifrm Frame) SetProtocol(proto netcore.IPProto) { ifrm.buf[9] = uint8(proto) }

// CRC returns the header checksum field.
func (ifrm Frame) CRC() uint16 {
	return binary.BigEndian.Uint16(ifrm.buf[10:12])
}

func (ifrm Frame) SetCRC(cs uint16) {
	binary.BigEndian.PutUint16(ifrm.buf[10:12], cs)
}

// CalculateHeaderCRC computes the header checksum over the fixed header,
// skipping the checksum field itself.
func (ifrm Frame) CalculateHeaderCRC() uint16 {
	var crc netcore.CRC791
	crc.Write(ifrm.buf[0:10])
	crc.Write(ifrm.buf[12:sizeHeader])
	crc.Write(ifrm.buf[sizeHeader:ifrm.HeaderLength()])
	return crc.Sum16()
}

func (ifrm Frame) SourceAddr() *[4]byte {
	return (*[4]byte)(ifrm.buf[12:16])
}

func (ifrm Frame) DestinationAddr() *[4]byte {
	return (*[4]byte)(ifrm.buf[16:20])
}

// Payload returns the data after the header, bounded by TotalLength.
func (ifrm Frame) Payload() []byte {
	off := ifrm.HeaderLength()
	l := ifrm.TotalLength()
	return ifrm.buf[off:l]
}

// Options returns the options portion of the header. May be empty.
func (ifrm Frame) Options() []byte {
	off := ifrm.HeaderLength()
	return ifrm.buf[sizeHeader:off]
}

// ClearHeader zeros the fixed header.
func (ifrm Frame) ClearHeader() {
	clear(ifrm.buf[:sizeHeader])
}

var (
	errBadTL      = errors.New("ipv4: bad total length")
	errShort      = errors.New("ipv4: short data")
	errBadIHL     = errors.New("ipv4: bad IHL")
	errBadVersion = errors.New("ipv4: bad version")
	errEvil       = errors.New("ipv4: evil packet")
	errFragment   = errors.New("ipv4: fragmented packet")
)

// ValidateSize checks the length fields against each other and the buffer.
func (ifrm Frame) ValidateSize(v *netcore.Validator) {
	ihl := ifrm.ihl()
	tl := ifrm.TotalLength()
	if ihl < 5 {
		v.AddError(errBadIHL)
	}
	if tl < sizeHeader || int(tl) < 4*int(ihl) {
		v.AddError(errBadTL)
	}
	if int(tl) > len(ifrm.RawData()) {
		v.AddError(errShort)
	}
}

// ValidateExceptCRC checks for invalid field values but not the header checksum.
func (ifrm Frame) ValidateExceptCRC(v *netcore.Validator) {
	ifrm.ValidateSize(v)
	flags := ifrm.Flags()
	if ifrm.version() != 4 {
		v.AddError(errBadVersion)
	}
	if v.Flags()&netcore.ValidateEvilBit != 0 && flags.IsEvil() {
		v.AddError(errEvil)
	}
	if flags.MoreFragments() || flags.FragmentOffset() != 0 {
		v.AddError(errFragment)
	}
}

func (ifrm Frame) String() string {
	dst := netip.AddrFrom4(*ifrm.DestinationAddr())
	src := netip.AddrFrom4(*ifrm.SourceAddr())
	hl := ifrm.HeaderLength()
	tl := int(ifrm.TotalLength())
	return fmt.Sprintf("IP %s SRC=%s DST=%s LEN=%d DATA=%d TTL=%d ID=%d ToS=0x%x",
		ifrm.Protocol(), src, dst, tl, tl-hl, ifrm.TTL(), ifrm.ID(), uint8(ifrm.ToS()))
}
