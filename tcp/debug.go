package tcp

import (
	"log/slog"

	"github.com/nanokern/netcore/internal"
)

type logger struct {
	log *slog.Logger
}

func (l logger) logenabled(lvl slog.Level) bool {
	return internal.LogEnabled(l.log, lvl)
}

func (l logger) info(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelInfo, msg, attrs...)
}

func (l logger) debug(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelDebug, msg, attrs...)
}

func (l logger) trace(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, internal.LevelTrace, msg, attrs...)
}

func (l logger) logerr(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelError, msg, attrs...)
}

func (l logger) traceSeg(msg string, t *Tuple, seg Segment) {
	if l.logenabled(internal.LevelTrace) {
		l.trace(msg,
			slog.Uint64("lport", uint64(t.LocalPort)),
			slog.Uint64("rport", uint64(t.RemotePort)),
			slog.Uint64("seg.seq", uint64(seg.SEQ)),
			slog.Uint64("seg.ack", uint64(seg.ACK)),
			slog.Uint64("seg.wnd", uint64(seg.WND)),
			slog.String("seg.flags", seg.Flags.String()),
			slog.Uint64("seg.data", uint64(seg.DATALEN)),
		)
	}
}

func (c *conn) traceSnd(msg string) {
	if c.logenabled(internal.LevelTrace) {
		c.trace(msg,
			slog.String("state", c.tcb._state.String()),
			slog.Uint64("snd.una", uint64(c.tcb.snd.UNA)),
			slog.Uint64("snd.nxt", uint64(c.tcb.snd.NXT)),
			slog.Uint64("snd.wnd", uint64(c.tcb.snd.WND)),
			slog.Int("unsent", c.unsent()),
		)
	}
}

func (c *conn) traceRcv(msg string) {
	if c.logenabled(internal.LevelTrace) {
		c.trace(msg,
			slog.String("state", c.tcb._state.String()),
			slog.Uint64("rcv.nxt", uint64(c.tcb.rcv.NXT)),
			slog.Uint64("rcv.wnd", uint64(c.tcb.rcv.WND)),
			slog.Int("buffered", c.rcvbuf.Buffered()),
		)
	}
}
