package tcp

import "log/slog"

// resetClosed answers a segment that matched no connection as per the RFC 793
// reset generation rules. An RST is never answered. Emission is rate limited.
func (s *Stack) resetClosed(tuple *Tuple, seg Segment) {
	if seg.Flags.HasAny(FlagRST) {
		return
	}
	var rst Segment
	if seg.Flags.HasAny(FlagACK) {
		rst = Segment{SEQ: seg.ACK, Flags: FlagRST}
	} else {
		rst = Segment{SEQ: 0, ACK: Add(seg.SEQ, seg.LEN()), Flags: rstack}
	}
	if !s.rstLimit.AllowN(s.Now(), 1) {
		s.stats.rstLimited.Add(1)
		return
	}
	s.rstMu.Lock()
	defer s.rstMu.Unlock()
	n := writeSegHeader(s.rstbuf[:], tuple, rst, 0)
	if s.logenabled(slog.LevelDebug) {
		s.debug("tcp:rst-closed", slog.String("tuple", tuple.String()), slog.String("seg", seg.String()))
	}
	s.stats.rstSent.Add(1)
	s.output(tuple, s.rstbuf[:n])
}

// writeSegHeader writes the header of seg for tuple into buf and returns its length.
// buf must hold at least a header with MSS option.
func writeSegHeader(buf []byte, tuple *Tuple, seg Segment, mss uint16) int {
	h := Header{
		SrcPort: tuple.LocalPort,
		DstPort: tuple.RemotePort,
		Seq:     seg.SEQ,
		Ack:     seg.ACK,
		Flags:   seg.Flags,
		Window:  uint16(seg.WND),
		MSS:     mss,
	}
	n, err := WriteHeader(&h, buf)
	if err != nil {
		panic("tcp: segment scratch buffer too small")
	}
	return n
}
