package tcp_test

import (
	"encoding/binary"
	"errors"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/netstack/tcpip/header"
	"github.com/nanokern/netcore"
	"github.com/nanokern/netcore/tcp"
)

func TestHeaderRoundTrip(t *testing.T) {
	tests := []tcp.Header{
		{SrcPort: 1, DstPort: 2, Seq: 3, Ack: 4, Flags: tcp.FlagACK, Window: 5},
		{SrcPort: 49152, DstPort: 80, Seq: 0xffff_fff0, Flags: tcp.FlagSYN, Window: 65535, MSS: 1460},
		{SrcPort: 80, DstPort: 49152, Seq: 7, Ack: 0x8000_0000, Flags: tcp.FlagSYN | tcp.FlagACK, Window: 1, MSS: 536},
		{SrcPort: 9, DstPort: 9, Flags: tcp.FlagRST, Urgent: 12},
	}
	for _, h := range tests {
		buf := make([]byte, 60)
		n, err := tcp.WriteHeader(&h, buf)
		if err != nil {
			t.Fatal(err)
		}
		if n != h.Len() {
			t.Errorf("wrote %d, Len reports %d", n, h.Len())
		}
		got, err := tcp.ParseHeader(buf[:n])
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(h, got, cmpopts.IgnoreFields(tcp.Header{}, "DataOffset")); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
		if int(got.DataOffset)*4 != n {
			t.Errorf("data offset %d for %d byte header", got.DataOffset, n)
		}
	}
}

func TestParseHeaderErrors(t *testing.T) {
	valid := make([]byte, 24)
	h := tcp.Header{SrcPort: 1, DstPort: 2, MSS: 1000}
	if _, err := tcp.WriteHeader(&h, valid); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		mod  func([]byte) []byte
		want error
	}{
		{name: "short", mod: func(b []byte) []byte { return b[:19] }, want: tcp.ErrShortHeader},
		{name: "offset below minimum", mod: func(b []byte) []byte { b[12] = 4 << 4; return b }, want: tcp.ErrBadDataOffset},
		{name: "offset past buffer", mod: func(b []byte) []byte { b[12] = 15 << 4; return b }, want: tcp.ErrBadDataOffset},
		{name: "option length zero", mod: func(b []byte) []byte { b[21] = 0; return b }, want: tcp.ErrBadOption},
		{name: "option overruns", mod: func(b []byte) []byte { b[21] = 8; return b }, want: tcp.ErrBadOption},
		{name: "bad mss length", mod: func(b []byte) []byte { b[21] = 3; b[23] = byte(tcp.OptNop); return b }, want: tcp.ErrBadOption},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := tc.mod(append([]byte(nil), valid...))
			_, err := tcp.ParseHeader(b)
			if !errors.Is(err, tc.want) {
				t.Errorf("want %v, got %v", tc.want, err)
			}
		})
	}
}

func TestWriteHeaderShortBuffer(t *testing.T) {
	h := tcp.Header{SrcPort: 1, DstPort: 2, MSS: 1460}
	_, err := tcp.WriteHeader(&h, make([]byte, 20))
	if !errors.Is(err, netcore.ErrShortBuffer) {
		t.Fatalf("want short buffer error, got %v", err)
	}
}

func TestParseHeaderSkipsOptions(t *testing.T) {
	// NOP, NOP, timestamps, window scale, NOP, MSS.
	opts := []byte{1, 1, 8, 10, 0, 0, 0, 1, 0, 0, 0, 2, 3, 3, 7, 1, 2, 4, 0x05, 0xb4}
	buf := make([]byte, 20+len(opts))
	binary.BigEndian.PutUint16(buf[0:], 1234)
	binary.BigEndian.PutUint16(buf[2:], 80)
	buf[12] = byte(len(buf)/4) << 4
	buf[13] = byte(tcp.FlagSYN)
	copy(buf[20:], opts)
	h, err := tcp.ParseHeader(buf)
	if err != nil {
		t.Fatal(err)
	}
	if h.MSS != 1460 {
		t.Errorf("want MSS 1460, got %d", h.MSS)
	}
}

// Checksums and layout must agree with gopacket's independent TCP codec.
func TestChecksumGopacket(t *testing.T) {
	src, dst := [4]byte{192, 168, 1, 10}, [4]byte{10, 1, 2, 3}
	for _, payload := range [][]byte{nil, []byte("a"), []byte("hello, world"), make([]byte, 1461)} {
		ip := &layers.IPv4{SrcIP: net.IP(src[:]), DstIP: net.IP(dst[:]), Protocol: layers.IPProtocolTCP}
		gtcp := &layers.TCP{
			SrcPort: 40000, DstPort: 80, Seq: 0xdeadbeef, Ack: 42,
			ACK: true, PSH: true, Window: 4096,
		}
		if err := gtcp.SetNetworkLayerForChecksum(ip); err != nil {
			t.Fatal(err)
		}
		sb := gopacket.NewSerializeBuffer()
		err := gopacket.SerializeLayers(sb, gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}, gtcp, gopacket.Payload(payload))
		if err != nil {
			t.Fatal(err)
		}
		seg := sb.Bytes()
		if !tcp.VerifyChecksum(src, dst, seg) {
			t.Fatalf("gopacket checksum rejected for %d byte payload", len(payload))
		}
		h, err := tcp.ParseHeader(seg)
		if err != nil {
			t.Fatal(err)
		}
		want := tcp.Header{SrcPort: 40000, DstPort: 80, Seq: 0xdeadbeef, Ack: 42, DataOffset: 5, Flags: tcp.FlagACK | tcp.FlagPSH, Window: 4096, Checksum: gtcp.Checksum}
		if diff := cmp.Diff(want, h); diff != "" {
			t.Errorf("header mismatch (-want +got):\n%s", diff)
		}

		// Our checksum over the same bytes must match gopacket's.
		cpy := append([]byte(nil), seg...)
		tcp.SetChecksum(src, dst, cpy)
		if got := binary.BigEndian.Uint16(cpy[16:]); got != gtcp.Checksum {
			t.Errorf("checksum %#04x, gopacket %#04x", got, gtcp.Checksum)
		}
		cpy[len(cpy)-1] ^= 0xff
		if len(payload) > 0 && tcp.VerifyChecksum(src, dst, cpy) {
			t.Error("corrupted segment passed checksum")
		}
	}
}

func TestWriteHeaderDecodedByGopacket(t *testing.T) {
	h := tcp.Header{SrcPort: 49152, DstPort: 80, Seq: 100, Flags: tcp.FlagSYN, Window: 8192, MSS: 1460}
	buf := make([]byte, 24)
	n, err := tcp.WriteHeader(&h, buf)
	if err != nil {
		t.Fatal(err)
	}
	pkt := gopacket.NewPacket(buf[:n], layers.LayerTypeTCP, gopacket.Default)
	gtcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok {
		t.Fatalf("gopacket failed to decode: %v", pkt.ErrorLayer())
	}
	if !gtcp.SYN || gtcp.ACK || gtcp.Seq != 100 || gtcp.Window != 8192 || gtcp.DataOffset != 6 {
		t.Errorf("decoded mismatch: %+v", gtcp)
	}
	var mss uint16
	for _, opt := range gtcp.Options {
		if opt.OptionType == layers.TCPOptionKindMSS {
			mss = binary.BigEndian.Uint16(opt.OptionData)
		}
	}
	if mss != 1460 {
		t.Errorf("want MSS option 1460, got %d", mss)
	}
}

// Headers encoded by netstack decode to the same fields.
func TestParseHeaderNetstack(t *testing.T) {
	opts := []byte{byte(tcp.OptMaxSegmentSize), 4, 0x02, 0x18} // MSS 536
	b := make(header.TCP, header.TCPMinimumSize+len(opts))
	b.Encode(&header.TCPFields{
		SrcPort:    5000,
		DstPort:    6000,
		SeqNum:     0x01020304,
		AckNum:     0x0a0b0c0d,
		DataOffset: uint8(len(b)),
		Flags:      header.TCPFlagSyn | header.TCPFlagAck,
		WindowSize: 1024,
	})
	copy(b[header.TCPMinimumSize:], opts)
	h, err := tcp.ParseHeader(b)
	if err != nil {
		t.Fatal(err)
	}
	want := tcp.Header{
		SrcPort: 5000, DstPort: 6000, Seq: 0x01020304, Ack: 0x0a0b0c0d,
		DataOffset: 6, Flags: tcp.FlagSYN | tcp.FlagACK, Window: 1024, MSS: 536,
	}
	if diff := cmp.Diff(want, h); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	// And the reverse direction: netstack reads what WriteHeader wrote.
	out := make([]byte, 24)
	n, err := tcp.WriteHeader(&want, out)
	if err != nil {
		t.Fatal(err)
	}
	nh := header.TCP(out[:n])
	if nh.SourcePort() != 5000 || nh.DestinationPort() != 6000 || nh.SequenceNumber() != 0x01020304 ||
		nh.AckNumber() != 0x0a0b0c0d || nh.WindowSize() != 1024 || int(nh.DataOffset()) != n {
		t.Errorf("netstack decode mismatch")
	}
	if nh.Flags() != header.TCPFlagSyn|header.TCPFlagAck {
		t.Errorf("netstack flags %#x", nh.Flags())
	}
	if syn := header.ParseSynOptions(nh.Options(), true); syn.MSS != 536 {
		t.Errorf("netstack MSS %d", syn.MSS)
	}
}

func TestSegmentLEN(t *testing.T) {
	tests := []struct {
		seg  tcp.Segment
		want tcp.Size
	}{
		{tcp.Segment{Flags: tcp.FlagACK}, 0},
		{tcp.Segment{Flags: tcp.FlagSYN}, 1},
		{tcp.Segment{Flags: tcp.FlagSYN | tcp.FlagFIN, DATALEN: 10}, 12},
		{tcp.Segment{Flags: tcp.FlagFIN | tcp.FlagACK, DATALEN: 3}, 4},
	}
	for _, tc := range tests {
		if got := tc.seg.LEN(); got != tc.want {
			t.Errorf("%s: LEN %d, want %d", tc.seg, got, tc.want)
		}
	}
}
