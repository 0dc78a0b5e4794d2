package tcp

import (
	"encoding/binary"

	"github.com/nanokern/netcore"
)

// Header is the decoded form of a TCP header. [Stack.Input] decodes every
// validated [Frame] into a Header and hands its [Segment] view to the
// connection.
type Header struct {
	SrcPort uint16
	DstPort uint16
	Seq     Value
	Ack     Value
	// DataOffset is the header length in 32-bit words including options.
	DataOffset uint8
	Flags      Flags
	Window     uint16
	Checksum   uint16
	Urgent     uint16
	// MSS is the maximum segment size option value. Zero means the option is absent.
	MSS uint16
}

// Len returns the header length in bytes WriteHeader produces for h.
func (h *Header) Len() int {
	minOff := uint8(sizeHeaderTCP / 4)
	if h.MSS != 0 {
		minOff += sizeOptMSS / 4
	}
	return 4 * int(max(h.DataOffset, minOff))
}

// Segment returns the sequence space view of h carrying datalen payload octets.
func (h *Header) Segment(datalen int) Segment {
	return Segment{SEQ: h.Seq, ACK: h.Ack, WND: Size(h.Window), DATALEN: Size(datalen), Flags: h.Flags}
}

// ParseHeader decodes the TCP header at the start of b. The MSS option is
// extracted, other well formed options are ignored.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < sizeHeaderTCP {
		return Header{}, ErrShortHeader
	}
	tfrm := Frame{buf: b}
	off, flags := tfrm.OffsetAndFlags()
	hl := 4 * int(off)
	if hl < sizeHeaderTCP || hl > len(b) {
		return Header{}, ErrBadDataOffset
	}
	h := Header{
		SrcPort:    tfrm.SourcePort(),
		DstPort:    tfrm.DestinationPort(),
		Seq:        tfrm.Seq(),
		Ack:        tfrm.Ack(),
		DataOffset: off,
		Flags:      flags,
		Window:     tfrm.WindowSize(),
		Checksum:   tfrm.CRC(),
		Urgent:     tfrm.UrgentPtr(),
	}
	if hl == sizeHeaderTCP {
		return h, nil
	}
	var codec OptionCodec
	err := codec.ForEachOption(tfrm.Options(), func(kind OptionKind, data []byte) error {
		if kind == OptMaxSegmentSize {
			h.MSS = binary.BigEndian.Uint16(data)
		}
		return nil
	})
	if err != nil {
		return Header{}, err
	}
	return h, nil
}

// WriteHeader serializes h into buf and returns the number of bytes written.
// The MSS option is written when h.MSS is non-zero and remaining option bytes
// up to the data offset are zeroed. The data offset written is the larger of
// h.DataOffset and the minimum needed to hold the options.
func WriteHeader(h *Header, buf []byte) (int, error) {
	hl := h.Len()
	if hl > 60 {
		return 0, ErrBadDataOffset
	} else if len(buf) < hl {
		return 0, netcore.ErrShortBuffer
	}
	tfrm := Frame{buf: buf}
	tfrm.SetSourcePort(h.SrcPort)
	tfrm.SetDestinationPort(h.DstPort)
	tfrm.SetSeq(h.Seq)
	tfrm.SetAck(h.Ack)
	tfrm.SetOffsetAndFlags(uint8(hl/4), h.Flags)
	tfrm.SetWindowSize(h.Window)
	tfrm.SetCRC(h.Checksum)
	tfrm.SetUrgentPtr(h.Urgent)
	opts := buf[sizeHeaderTCP:hl]
	clear(opts)
	if h.MSS != 0 {
		var codec OptionCodec
		if _, err := codec.PutOption16(opts, OptMaxSegmentSize, h.MSS); err != nil {
			return 0, err
		}
	}
	return hl, nil
}

// Checksum returns the TCP checksum of segment (header and payload) over the
// IPv4 pseudo-header formed by src, dst, protocol 6 and the segment length.
// The checksum field of segment must be zero when computing a checksum to write.
func Checksum(src, dst [4]byte, segment []byte) uint16 {
	var crc netcore.CRC791
	crc.AddIPv4Pseudo(&src, &dst, netcore.IPProtoTCP, uint16(len(segment)))
	return crc.PayloadSum16(segment)
}

// VerifyChecksum reports whether the checksum field of segment is correct.
func VerifyChecksum(src, dst [4]byte, segment []byte) bool {
	if len(segment) < sizeHeaderTCP {
		return false
	}
	return Checksum(src, dst, segment) == 0
}

// SetChecksum computes and writes the checksum field of segment.
func SetChecksum(src, dst [4]byte, segment []byte) {
	tfrm := Frame{buf: segment}
	tfrm.SetCRC(0)
	tfrm.SetCRC(Checksum(src, dst, segment))
}
