package tcp

import "sync/atomic"

// Stats is a snapshot of stack counters.
type Stats struct {
	SegmentsIn        uint64 // Segments delivered to Input.
	SegmentsOut       uint64 // Segments handed to the IP layer.
	BadChecksum       uint64 // Segments dropped for checksum mismatch.
	Malformed         uint64 // Segments dropped for header errors.
	Retransmits       uint64 // Segments sent on RTO expiry.
	ZeroWindowProbes  uint64 // Persist timer probes sent.
	OutOfOrder        uint64 // In-window segments dropped for not starting at RCV.NXT.
	ResetsSent        uint64 // RST segments sent, both stateless and per connection.
	ResetsReceived    uint64 // Acceptable RST segments that closed a connection.
	ResetsRateLimited uint64 // Stateless RSTs suppressed by the rate limiter.
	OutputErrors      uint64 // Segments the IP layer failed to accept.
	TableFull         uint64 // Allocation failures, active and passive.
	ListenOverflow    uint64 // SYNs dropped because the listener backlog was full.
	ActiveOpens       uint64 // Connections opened by Connect.
	PassiveOpens      uint64 // Connections created from a SYN on a listener.
	Timeouts          uint64 // Connections aborted after exhausting retransmissions.
	Established       uint64 // Connections currently synchronized and open.
}

type stats struct {
	segmentsIn, segmentsOut, badChecksum, malformed atomic.Uint64
	retransmits, probes, outOfOrder                 atomic.Uint64
	rstSent, rstRcvd, rstLimited                    atomic.Uint64
	outputErrors, tableFull, listenOverflow         atomic.Uint64
	activeOpens, passiveOpens, timeouts             atomic.Uint64
	established                                     atomic.Int64
}

func (s *stats) snapshot() Stats {
	return Stats{
		SegmentsIn:        s.segmentsIn.Load(),
		SegmentsOut:       s.segmentsOut.Load(),
		BadChecksum:       s.badChecksum.Load(),
		Malformed:         s.malformed.Load(),
		Retransmits:       s.retransmits.Load(),
		ZeroWindowProbes:  s.probes.Load(),
		OutOfOrder:        s.outOfOrder.Load(),
		ResetsSent:        s.rstSent.Load(),
		ResetsReceived:    s.rstRcvd.Load(),
		ResetsRateLimited: s.rstLimited.Load(),
		OutputErrors:      s.outputErrors.Load(),
		TableFull:         s.tableFull.Load(),
		ListenOverflow:    s.listenOverflow.Load(),
		ActiveOpens:       s.activeOpens.Load(),
		PassiveOpens:      s.passiveOpens.Load(),
		Timeouts:          s.timeouts.Load(),
		Established:       uint64(max(s.established.Load(), 0)),
	}
}
