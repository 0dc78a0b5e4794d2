// Package metrics exports netcore counters to Prometheus. A [Collector]
// reads the counters of its sources at scrape time; nothing is recorded on
// the packet path.
package metrics

import (
	"sync"

	"github.com/nanokern/netcore/ipv4"
	"github.com/nanokern/netcore/napi"
	"github.com/nanokern/netcore/nic"
	"github.com/nanokern/netcore/tcp"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "netcore"

type counterDesc[T any] struct {
	desc *prometheus.Desc
	get  func(*T) uint64
}

func newCounter[T any](subsystem, name, help string, labels []string, get func(*T) uint64) counterDesc[T] {
	return counterDesc[T]{
		desc: prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil),
		get:  get,
	}
}

var (
	tcpCounters = []counterDesc[tcp.Stats]{
		newCounter("tcp", "segments_in_total", "Segments delivered by the IP layer.", nil, func(s *tcp.Stats) uint64 { return s.SegmentsIn }),
		newCounter("tcp", "segments_out_total", "Segments handed to the IP layer.", nil, func(s *tcp.Stats) uint64 { return s.SegmentsOut }),
		newCounter("tcp", "bad_checksum_total", "Segments dropped for checksum mismatch.", nil, func(s *tcp.Stats) uint64 { return s.BadChecksum }),
		newCounter("tcp", "malformed_total", "Segments dropped for header errors.", nil, func(s *tcp.Stats) uint64 { return s.Malformed }),
		newCounter("tcp", "retransmits_total", "Segments retransmitted on timeout.", nil, func(s *tcp.Stats) uint64 { return s.Retransmits }),
		newCounter("tcp", "zero_window_probes_total", "Persist timer probes sent.", nil, func(s *tcp.Stats) uint64 { return s.ZeroWindowProbes }),
		newCounter("tcp", "out_of_order_total", "In-window segments dropped for not starting at RCV.NXT.", nil, func(s *tcp.Stats) uint64 { return s.OutOfOrder }),
		newCounter("tcp", "resets_sent_total", "RST segments sent.", nil, func(s *tcp.Stats) uint64 { return s.ResetsSent }),
		newCounter("tcp", "resets_received_total", "Connections closed by an acceptable RST.", nil, func(s *tcp.Stats) uint64 { return s.ResetsReceived }),
		newCounter("tcp", "resets_rate_limited_total", "Stateless RSTs suppressed.", nil, func(s *tcp.Stats) uint64 { return s.ResetsRateLimited }),
		newCounter("tcp", "output_errors_total", "Segments the IP layer refused.", nil, func(s *tcp.Stats) uint64 { return s.OutputErrors }),
		newCounter("tcp", "table_full_total", "Slot allocation failures.", nil, func(s *tcp.Stats) uint64 { return s.TableFull }),
		newCounter("tcp", "listen_overflow_total", "SYNs dropped on a full backlog.", nil, func(s *tcp.Stats) uint64 { return s.ListenOverflow }),
		newCounter("tcp", "active_opens_total", "Connections opened by Connect.", nil, func(s *tcp.Stats) uint64 { return s.ActiveOpens }),
		newCounter("tcp", "passive_opens_total", "Connections created on a listener.", nil, func(s *tcp.Stats) uint64 { return s.PassiveOpens }),
		newCounter("tcp", "timeouts_total", "Connections aborted after exhausting retransmissions.", nil, func(s *tcp.Stats) uint64 { return s.Timeouts }),
	}
	tcpEstablished = prometheus.NewDesc(prometheus.BuildFQName(namespace, "tcp", "established"),
		"Connections currently synchronized and open.", nil, nil)
	tcpConnections = prometheus.NewDesc(prometheus.BuildFQName(namespace, "tcp", "connections"),
		"Occupied connection table slots by state.", []string{"state"}, nil)
	tcpSlots = prometheus.NewDesc(prometheus.BuildFQName(namespace, "tcp", "table_slots"),
		"Connection table capacity.", nil, nil)

	devLabel     = []string{"device"}
	napiCounters = []counterDesc[napi.Stats]{
		newCounter("napi", "interrupts_total", "Interrupts that scheduled a poll.", devLabel, func(s *napi.Stats) uint64 { return s.Interrupts }),
		newCounter("napi", "passes_total", "Poll passes run.", devLabel, func(s *napi.Stats) uint64 { return s.Passes }),
		newCounter("napi", "frames_total", "Frames dispatched.", devLabel, func(s *napi.Stats) uint64 { return s.Frames }),
		newCounter("napi", "rearms_total", "Passes that exhausted their budget.", devLabel, func(s *napi.Stats) uint64 { return s.Rearms }),
		newCounter("napi", "completes_total", "Passes that drained the ring.", devLabel, func(s *napi.Stats) uint64 { return s.Completes }),
		newCounter("napi", "rx_errors_total", "Device receive errors.", devLabel, func(s *napi.Stats) uint64 { return s.RxErrors }),
		newCounter("napi", "tx_reclaimed_total", "Transmit descriptors reclaimed.", devLabel, func(s *napi.Stats) uint64 { return s.TxReclaimed }),
	}
	ipCounters = []counterDesc[ipv4.Stats]{
		newCounter("ipv4", "rx_packets_total", "Packets delivered to a protocol.", devLabel, func(s *ipv4.Stats) uint64 { return s.RxPackets }),
		newCounter("ipv4", "rx_malformed_total", "Packets failing validation.", devLabel, func(s *ipv4.Stats) uint64 { return s.RxMalformed }),
		newCounter("ipv4", "rx_bad_crc_total", "Packets with a bad header checksum.", devLabel, func(s *ipv4.Stats) uint64 { return s.RxBadCRC }),
		newCounter("ipv4", "rx_not_for_us_total", "Packets for another address.", devLabel, func(s *ipv4.Stats) uint64 { return s.RxNotForUs }),
		newCounter("ipv4", "rx_unknown_proto_total", "Packets for an unregistered protocol.", devLabel, func(s *ipv4.Stats) uint64 { return s.RxUnknownProto }),
		newCounter("ipv4", "tx_packets_total", "Packets transmitted.", devLabel, func(s *ipv4.Stats) uint64 { return s.TxPackets }),
		newCounter("ipv4", "tx_errors_total", "Packets the device refused.", devLabel, func(s *ipv4.Stats) uint64 { return s.TxErrors }),
	}
	nicCounters = []counterDesc[nic.Stats]{
		newCounter("nic", "tx_frames_total", "Frames transmitted.", devLabel, func(s *nic.Stats) uint64 { return s.TxFrames }),
		newCounter("nic", "rx_frames_total", "Frames stored in the receive ring.", devLabel, func(s *nic.Stats) uint64 { return s.RxFrames }),
		newCounter("nic", "rx_dropped_total", "Frames dropped on receive.", devLabel, func(s *nic.Stats) uint64 { return s.RxDropped }),
		newCounter("nic", "interrupts_total", "Receive interrupts raised.", devLabel, func(s *nic.Stats) uint64 { return s.Interrupts }),
	}
)

// Collector implements prometheus.Collector over one stack and the devices
// feeding it.
type Collector struct {
	stk *tcp.Stack

	mu    sync.Mutex
	napis map[string]*napi.Context
	ips   map[string]*ipv4.Layer
	nics  map[string]*nic.Loopback
	conns []tcp.ConnInfo // scratch reused across scrapes.
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector exporting the counters of stk.
func NewCollector(stk *tcp.Stack) *Collector {
	return &Collector{
		stk:   stk,
		napis: make(map[string]*napi.Context),
		ips:   make(map[string]*ipv4.Layer),
		nics:  make(map[string]*nic.Loopback),
	}
}

// AddNAPI exports the counters of a receive pipeline labeled with device.
func (c *Collector) AddNAPI(device string, ctx *napi.Context) {
	c.mu.Lock()
	c.napis[device] = ctx
	c.mu.Unlock()
}

// AddIP exports the counters of an IP layer labeled with device.
func (c *Collector) AddIP(device string, l *ipv4.Layer) {
	c.mu.Lock()
	c.ips[device] = l
	c.mu.Unlock()
}

// AddNIC exports the counters of a loopback device.
func (c *Collector) AddNIC(device string, dev *nic.Loopback) {
	c.mu.Lock()
	c.nics[device] = dev
	c.mu.Unlock()
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range tcpCounters {
		ch <- d.desc
	}
	ch <- tcpEstablished
	ch <- tcpConnections
	ch <- tcpSlots
	for _, d := range napiCounters {
		ch <- d.desc
	}
	for _, d := range ipCounters {
		ch <- d.desc
	}
	for _, d := range nicCounters {
		ch <- d.desc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.stk.Stats()
	collect(ch, tcpCounters, &st)
	ch <- prometheus.MustNewConstMetric(tcpEstablished, prometheus.GaugeValue, float64(st.Established))
	ch <- prometheus.MustNewConstMetric(tcpSlots, prometheus.GaugeValue, float64(c.stk.Config().MaxConns))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns = c.stk.Snapshot(c.conns[:0])
	var byState [tcp.StateTimeWait + 1]int
	for _, info := range c.conns {
		if int(info.State) < len(byState) {
			byState[info.State]++
		}
	}
	for state, n := range byState {
		if n > 0 {
			ch <- prometheus.MustNewConstMetric(tcpConnections, prometheus.GaugeValue, float64(n), tcp.State(state).String())
		}
	}
	for dev, ctx := range c.napis {
		s := ctx.Stats()
		collect(ch, napiCounters, &s, dev)
	}
	for dev, l := range c.ips {
		s := l.Stats()
		collect(ch, ipCounters, &s, dev)
	}
	for dev, d := range c.nics {
		s := d.Stats()
		collect(ch, nicCounters, &s, dev)
	}
}

func collect[T any](ch chan<- prometheus.Metric, descs []counterDesc[T], s *T, labels ...string) {
	for _, d := range descs {
		ch <- prometheus.MustNewConstMetric(d.desc, prometheus.CounterValue, float64(d.get(s)), labels...)
	}
}
