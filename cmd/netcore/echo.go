package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/nanokern/netcore"
	"github.com/nanokern/netcore/config"
	"github.com/nanokern/netcore/ipv4"
	"github.com/nanokern/netcore/metrics"
	"github.com/nanokern/netcore/napi"
	"github.com/nanokern/netcore/nic"
	"github.com/nanokern/netcore/socket"
	"github.com/nanokern/netcore/tcp"
	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"golang.org/x/sync/errgroup"
)

// echoCmd implements subcommands.Command for the "echo" command.
type echoCmd struct {
	path    string
	bytes   int
	metrics bool
}

func (*echoCmd) Name() string { return "echo" }
func (*echoCmd) Synopsis() string {
	return "run an echo exchange between two stacks over a loopback link"
}
func (*echoCmd) Usage() string {
	return `echo [-config file] [-bytes n] [-metrics]

Start two hosts joined by a simulated link, connect a client to an echo
server on the peer and verify that every byte comes back.
`
}

func (e *echoCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&e.path, "config", "", "TOML configuration file")
	f.IntVar(&e.bytes, "bytes", 0, "bytes to echo, overrides echo.bytes")
	f.BoolVar(&e.metrics, "metrics", false, "print client host metrics when done")
}

func (e *echoCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, err := loadConfig(e.path)
	if err != nil {
		return failf("%v", err)
	}
	if e.bytes > 0 {
		cfg.Echo.Bytes = e.bytes
	}
	log, err := newLogger(cfg)
	if err != nil {
		return failf("%v", err)
	}
	var out io.Writer
	if e.metrics {
		out = os.Stdout
	}
	if err := runEcho(ctx, cfg, log, out); err != nil {
		return failf("echo: %v", err)
	}
	return subcommands.ExitSuccess
}

// host is one end of the link: device, receive pipeline, IP layer and stack.
type host struct {
	name string
	dev  *nic.Loopback
	rx   *napi.Context
	ip   *ipv4.Layer
	stk  *tcp.Stack
}

func newHost(cfg *config.Config, name string, dev *nic.Loopback, addr [4]byte, w *napi.Worker, log *slog.Logger) (*host, error) {
	log = log.With(slog.String("host", name))
	ipcfg := cfg.IPConfig(addr)
	ipcfg.Logger = log
	ip, err := ipv4.New(dev, ipcfg)
	if err != nil {
		return nil, pkgerrors.Wrap(err, name)
	}
	scfg, err := cfg.StackConfig()
	if err != nil {
		return nil, err
	}
	scfg.Addr = addr
	scfg.Logger = log
	stk, err := tcp.NewStack(scfg, ip)
	if err != nil {
		return nil, pkgerrors.Wrap(err, name)
	}
	if err := ip.Register(netcore.IPProtoTCP, stk); err != nil {
		return nil, err
	}
	ncfg := cfg.NAPIConfig()
	ncfg.Logger = log
	rx, err := napi.New(dev, ip, w, ncfg)
	if err != nil {
		return nil, pkgerrors.Wrap(err, name)
	}
	dev.SetInterruptHandler(rx.Schedule)
	return &host{name: name, dev: dev, rx: rx, ip: ip, stk: stk}, nil
}

// runEcho runs the exchange. When metricsOut is not nil the client host's
// metrics are written to it in the Prometheus text format.
func runEcho(ctx context.Context, cfg *config.Config, log *slog.Logger, metricsOut io.Writer) error {
	scfg, err := cfg.StackConfig()
	if err != nil {
		return err
	}
	peerAddr, err := cfg.PeerAddr()
	if err != nil {
		return err
	}
	ncfg := cfg.NICConfig()
	ncfg.Logger = log
	devA, devB, err := nic.NewPair(ncfg)
	if err != nil {
		return pkgerrors.Wrap(err, "nic")
	}
	w := napi.NewWorker(log)
	client, err := newHost(cfg, "client", devA, scfg.Addr, w, log)
	if err != nil {
		return err
	}
	server, err := newHost(cfg, "server", devB, peerAddr, w, log)
	if err != nil {
		return err
	}

	l, err := socket.New(server.stk, socket.AF_INET, socket.SOCK_STREAM)
	if err != nil {
		return err
	}
	if err := l.Bind(cfg.Echo.Port); err != nil {
		return pkgerrors.Wrap(err, "bind")
	}
	if err := l.Listen(1); err != nil {
		return pkgerrors.Wrap(err, "listen")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	period := cfg.Stack.TimerPeriod.Duration
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return client.stk.RunTimers(gctx, period) })
	g.Go(func() error { return server.stk.RunTimers(gctx, period) })
	g.Go(func() error {
		<-gctx.Done()
		l.Close() // Unblocks a pending Accept.
		return nil
	})
	serverDone := make(chan struct{})
	g.Go(func() error {
		if err := serveEcho(l, cfg.Echo.Timeout.Duration); err != nil {
			return pkgerrors.Wrap(err, "server")
		}
		close(serverDone)
		return nil
	})
	start := time.Now()
	g.Go(func() error {
		if err := echoClient(client.stk, peerAddr, cfg.Echo); err != nil {
			return pkgerrors.Wrap(err, "client")
		}
		select {
		case <-serverDone:
		case <-gctx.Done():
			return gctx.Err()
		}
		cancel()
		return nil
	})
	err = g.Wait()
	if ctx.Err() == nil || !errors.Is(err, context.Canceled) {
		return err
	}
	elapsed := time.Since(start)
	st := client.stk.Stats()
	log.Info("echo:done",
		slog.Int("bytes", cfg.Echo.Bytes),
		slog.Duration("elapsed", elapsed),
		slog.Uint64("segments_out", st.SegmentsOut),
		slog.Uint64("retransmits", st.Retransmits),
	)
	if metricsOut != nil {
		return writeMetrics(metricsOut, client)
	}
	return nil
}

func serveEcho(l *socket.Socket, timeout time.Duration) error {
	defer l.Close()
	c, err := l.Accept()
	if err != nil {
		return err
	}
	defer c.Close()
	c.SetOption(socket.SO_RCVTIMEO, timeout)
	c.SetOption(socket.SO_SNDTIMEO, timeout)
	buf := make([]byte, 2048)
	for {
		n, err := c.Recv(buf)
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		if _, err := c.Send(buf[:n]); err != nil {
			return err
		}
	}
}

func echoClient(stk *tcp.Stack, peer [4]byte, cfg config.Echo) error {
	s, err := socket.New(stk, socket.AF_INET, socket.SOCK_STREAM)
	if err != nil {
		return err
	}
	defer s.Close()
	s.SetOption(socket.SO_RCVTIMEO, cfg.Timeout.Duration)
	s.SetOption(socket.SO_SNDTIMEO, cfg.Timeout.Duration)
	if err := s.Connect(peer, cfg.Port); err != nil {
		return pkgerrors.Wrap(err, "connect")
	}
	msg := make([]byte, cfg.Bytes)
	rand.New(rand.NewSource(int64(cfg.Bytes))).Read(msg)

	var g errgroup.Group
	g.Go(func() error {
		n, err := s.Send(msg)
		if err == nil && n < len(msg) {
			err = pkgerrors.Errorf("short send %d of %d", n, len(msg))
		}
		return err
	})
	got := make([]byte, 0, len(msg))
	buf := make([]byte, 2048)
	var rerr error
	for len(got) < len(msg) {
		n, err := s.Recv(buf)
		if err != nil {
			rerr = pkgerrors.Wrapf(err, "recv after %d bytes", len(got))
			break
		}
		got = append(got, buf[:n]...)
	}
	if err := g.Wait(); err != nil {
		return pkgerrors.Wrap(err, "send")
	} else if rerr != nil {
		return rerr
	}
	if !bytes.Equal(got, msg) {
		return errors.New("echoed data differs")
	}
	return s.Close()
}

func writeMetrics(w io.Writer, h *host) error {
	c := metrics.NewCollector(h.stk)
	c.AddNAPI(h.name, h.rx)
	c.AddIP(h.name, h.ip)
	c.AddNIC(h.name, h.dev)
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return err
	}
	mfs, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
