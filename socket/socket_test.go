package socket_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/nanokern/netcore"
	"github.com/nanokern/netcore/ipv4"
	"github.com/nanokern/netcore/napi"
	"github.com/nanokern/netcore/nic"
	"github.com/nanokern/netcore/socket"
	"github.com/nanokern/netcore/tcp"
	"github.com/nanokern/netcore/waitq"
	"golang.org/x/sync/errgroup"
)

var (
	addrA = [4]byte{10, 1, 0, 1}
	addrB = [4]byte{10, 1, 0, 2}
)

// newNet returns two stacks joined by a loopback link with the receive
// worker and both timer loops running until the test ends.
func newNet(t *testing.T) (a, b *tcp.Stack) {
	t.Helper()
	devA, devB, err := nic.NewPair(nic.Config{})
	if err != nil {
		t.Fatal(err)
	}
	w := napi.NewWorker(nil)
	host := func(dev *nic.Loopback, addr [4]byte) *tcp.Stack {
		ip, err := ipv4.New(dev, ipv4.Config{Addr: addr})
		if err != nil {
			t.Fatal(err)
		}
		cfg := tcp.StackConfig{Addr: addr, MaxConns: 8, TxBufSize: 4096, RxBufSize: 4096}
		stk, err := tcp.NewStack(cfg, ip)
		if err != nil {
			t.Fatal(err)
		}
		ip.Register(netcore.IPProtoTCP, stk)
		rx, err := napi.New(dev, ip, w, napi.Config{})
		if err != nil {
			t.Fatal(err)
		}
		dev.SetInterruptHandler(rx.Schedule)
		return stk
	}
	a = host(devA, addrA)
	b = host(devB, addrB)
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(ctx) })
	g.Go(func() error { return a.RunTimers(ctx, 5*time.Millisecond) })
	g.Go(func() error { return b.RunTimers(ctx, 5*time.Millisecond) })
	t.Cleanup(func() {
		cancel()
		g.Wait()
	})
	return a, b
}

func newSocket(t *testing.T, stk *tcp.Stack) *socket.Socket {
	t.Helper()
	s, err := socket.New(stk, socket.AF_INET, socket.SOCK_STREAM)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func listen(t *testing.T, stk *tcp.Stack, port uint16) *socket.Socket {
	t.Helper()
	l := newSocket(t, stk)
	if err := l.Bind(port); err != nil {
		t.Fatal(err)
	}
	if err := l.Listen(4); err != nil {
		t.Fatal(err)
	}
	return l
}

// pair returns a connected client on a and its accepted peer on b.
func pair(t *testing.T, a, b *tcp.Stack, port uint16) (client, server *socket.Socket) {
	t.Helper()
	l := listen(t, b, port)
	l.SetOption(socket.SO_RCVTIMEO, 5*time.Second)
	client = newSocket(t, a)
	client.SetOption(socket.SO_SNDTIMEO, 5*time.Second)
	if err := client.Connect(addrB, port); err != nil {
		t.Fatal("connect:", err)
	}
	server, err := l.Accept()
	if err != nil {
		t.Fatal("accept:", err)
	}
	l.Close()
	return client, server
}

func TestEcho(t *testing.T) {
	a, b := newNet(t)
	l := listen(t, b, 7)
	done := make(chan error, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			done <- err
			return
		}
		defer c.Close()
		var buf [512]byte
		for {
			n, err := c.Recv(buf[:])
			if err == io.EOF {
				done <- nil
				return
			} else if err != nil {
				done <- err
				return
			}
			if _, err := c.Send(buf[:n]); err != nil {
				done <- err
				return
			}
		}
	}()

	client := newSocket(t, a)
	client.SetOption(socket.SO_RCVTIMEO, 5*time.Second)
	if err := client.Connect(addrB, 7); err != nil {
		t.Fatal(err)
	}
	if r := client.PollCheck(); r&socket.Writable == 0 {
		t.Fatalf("connected socket not writable: %s", r)
	}
	// Larger than both rings so Send must sleep for acknowledgements.
	msg := bytes.Repeat([]byte("0123456789abcdef"), 1024)
	go func() {
		if _, err := client.Send(msg); err != nil {
			t.Error("send:", err)
		}
	}()
	got := make([]byte, 0, len(msg))
	var buf [1000]byte
	for len(got) < len(msg) {
		n, err := client.Recv(buf[:])
		if err != nil {
			t.Fatalf("recv after %d bytes: %v", len(got), err)
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Equal(got, msg) {
		t.Fatal("echoed data differs")
	}
	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatal("server:", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not see EOF")
	}
	if err := client.Close(); !errors.Is(err, socket.ErrClosed) {
		t.Errorf("second close: %v", err)
	}
}

func TestNonblocking(t *testing.T) {
	a, b := newNet(t)
	l := listen(t, b, 80)
	l.SetNonblocking(true)
	if _, err := l.Accept(); !errors.Is(err, socket.ErrWouldBlock) {
		t.Fatalf("accept on empty backlog: %v", err)
	}
	c := newSocket(t, a)
	c.SetNonblocking(true)
	if err := c.Connect(addrB, 80); !errors.Is(err, socket.ErrInProgress) && err != nil {
		t.Fatalf("nonblocking connect: %v", err)
	}
	waitFor(t, func() bool { return c.PollCheck()&socket.Writable != 0 })
	if err := c.Connect(addrB, 80); err != nil {
		t.Fatalf("connect after completion: %v", err)
	}
	if err := c.Connect(addrB, 80); !errors.Is(err, socket.ErrIsConnected) {
		t.Fatalf("connect on connected socket: %v", err)
	}
	waitFor(t, func() bool { return l.PollCheck()&socket.Readable != 0 })
	srv, err := l.Accept()
	if err != nil {
		t.Fatal(err)
	}
	var buf [16]byte
	if _, err := srv.Recv(buf[:]); !errors.Is(err, socket.ErrWouldBlock) {
		t.Fatalf("recv without data: %v", err)
	}
	if n, err := c.Send([]byte("hi")); n != 2 || err != nil {
		t.Fatalf("send: %d %v", n, err)
	}
	waitFor(t, func() bool { return srv.PollCheck()&socket.Readable != 0 })
	n, err := srv.Recv(buf[:])
	if err != nil || string(buf[:n]) != "hi" {
		t.Fatalf("recv %q, %v", buf[:n], err)
	}
	// Fill the peer's receive window and our send ring.
	big := make([]byte, 4096)
	total := 0
	for range 100 {
		n, err := c.Send(big)
		total += n
		if errors.Is(err, socket.ErrWouldBlock) {
			break
		} else if err != nil {
			t.Fatal(err)
		}
	}
	if total < 4096 {
		t.Fatalf("only %d bytes queued before blocking", total)
	}
}

func TestRecvTimeout(t *testing.T) {
	a, b := newNet(t)
	c, _ := pair(t, a, b, 9000)
	c.SetOption(socket.SO_RCVTIMEO, 30*time.Millisecond)
	start := time.Now()
	var buf [8]byte
	_, err := c.Recv(buf[:])
	if !errors.Is(err, waitq.ErrTimeout) {
		t.Fatalf("want timeout, got %v", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("returned before the timeout")
	}
	if err := c.SetOption(socket.SO_RCVTIMEO, -1); !errors.Is(err, socket.ErrInvalid) {
		t.Errorf("negative timeout: %v", err)
	}
}

func TestAbortResetsPeer(t *testing.T) {
	a, b := newNet(t)
	c, srv := pair(t, a, b, 9001)
	errc := make(chan error, 1)
	go func() {
		var buf [8]byte
		_, err := c.Recv(buf[:])
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	if err := srv.Abort(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, tcp.ErrConnectionReset) {
			t.Fatalf("blocked recv returned %v, want reset", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reader not woken by reset")
	}
	if r := c.PollCheck(); r&(socket.Error|socket.HangUp) != socket.Error|socket.HangUp {
		t.Errorf("readiness after reset %s", r)
	}
	if _, err := c.Send([]byte("x")); !errors.Is(err, tcp.ErrConnectionReset) {
		t.Errorf("send after reset: %v", err)
	}
}

func TestConnectRefused(t *testing.T) {
	a, _ := newNet(t)
	c := newSocket(t, a)
	c.SetOption(socket.SO_SNDTIMEO, 5*time.Second)
	if err := c.Connect(addrB, 1234); !errors.Is(err, tcp.ErrConnectionRefused) {
		t.Fatalf("want refused, got %v", err)
	}
	if err := c.Connect(addrB, 1234); !errors.Is(err, socket.ErrClosed) {
		t.Fatalf("reconnect on failed socket: %v", err)
	}
}

func TestCloseWakesAccept(t *testing.T) {
	_, b := newNet(t)
	l := listen(t, b, 443)
	errc := make(chan error, 1)
	go func() {
		_, err := l.Accept()
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	l.Close()
	select {
	case err := <-errc:
		if !errors.Is(err, socket.ErrClosed) {
			t.Fatalf("accept returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("accept not woken by close")
	}
}

func TestPeerCloseEOF(t *testing.T) {
	a, b := newNet(t)
	c, srv := pair(t, a, b, 9002)
	srv.Send([]byte("bye"))
	srv.Close()
	c.SetOption(socket.SO_RCVTIMEO, 5*time.Second)
	var buf [8]byte
	n, err := c.Recv(buf[:])
	if err != nil || string(buf[:n]) != "bye" {
		t.Fatalf("recv %q, %v", buf[:n], err)
	}
	if _, err := c.Recv(buf[:]); err != io.EOF {
		t.Fatalf("want EOF, got %v", err)
	}
	if r := c.PollCheck(); r&(socket.Readable|socket.HangUp) != socket.Readable|socket.HangUp {
		t.Errorf("readiness at EOF %s", r)
	}
}

func TestInvalidUse(t *testing.T) {
	a, _ := newNet(t)
	if _, err := socket.New(a, socket.Domain(10), socket.SOCK_STREAM); !errors.Is(err, socket.ErrAFNotSupported) {
		t.Errorf("inet6 domain: %v", err)
	}
	if _, err := socket.New(a, socket.AF_INET, socket.Type(5)); !errors.Is(err, socket.ErrInvalid) {
		t.Errorf("raw type: %v", err)
	}
	d, err := socket.New(a, socket.AF_INET, socket.SOCK_DGRAM)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Bind(53); !errors.Is(err, socket.ErrNotSupported) {
		t.Errorf("datagram bind: %v", err)
	}
	if _, err := d.Send([]byte{1}); !errors.Is(err, socket.ErrNotSupported) {
		t.Errorf("datagram send: %v", err)
	}
	s := newSocket(t, a)
	var buf [4]byte
	if _, err := s.Recv(buf[:]); !errors.Is(err, socket.ErrNotConnected) {
		t.Errorf("recv unconnected: %v", err)
	}
	if _, err := s.Accept(); !errors.Is(err, socket.ErrInvalid) {
		t.Errorf("accept unbound: %v", err)
	}
	if err := s.Listen(1); err != nil {
		t.Fatal(err)
	}
	if s.LocalPort() < 49152 {
		t.Errorf("listen did not autobind an ephemeral port: %d", s.LocalPort())
	}
	if err := s.Bind(99); !errors.Is(err, socket.ErrInvalid) {
		t.Errorf("bind on listener: %v", err)
	}
	s.Close()
	if _, err := s.Accept(); !errors.Is(err, socket.ErrClosed) {
		t.Errorf("accept closed: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSendBlocksUntilPeerReads(t *testing.T) {
	a, b := newNet(t)
	client, server := pair(t, a, b, 9)
	// Larger than both 4096 byte rings together.
	msg := bytes.Repeat([]byte("0123456789abcdef"), 4096)
	type result struct {
		n   int
		err error
	}
	res := make(chan result, 1)
	go func() {
		n, err := client.Send(msg)
		res <- result{n, err}
	}()
	time.Sleep(50 * time.Millisecond)
	select {
	case r := <-res:
		t.Fatalf("send returned while peer window closed: n=%d err=%v", r.n, r.err)
	default:
	}

	server.SetOption(socket.SO_RCVTIMEO, 5*time.Second)
	got := make([]byte, 0, len(msg))
	buf := make([]byte, 1500)
	for len(got) < len(msg) {
		n, err := server.Recv(buf)
		if err != nil {
			t.Fatalf("recv after %d bytes: %v", len(got), err)
		}
		got = append(got, buf[:n]...)
	}
	r := <-res
	if r.err != nil || r.n != len(msg) {
		t.Fatalf("send n=%d err=%v", r.n, r.err)
	}
	if !bytes.Equal(got, msg) {
		t.Error("received data differs")
	}
}

func TestSendTimeoutPartial(t *testing.T) {
	a, b := newNet(t)
	client, server := pair(t, a, b, 9)
	client.SetOption(socket.SO_SNDTIMEO, 100*time.Millisecond)
	msg := bytes.Repeat([]byte("0123456789abcdef"), 4096)
	start := time.Now()
	n, err := client.Send(msg)
	if !errors.Is(err, waitq.ErrTimeout) {
		t.Fatalf("send error %v, want timeout", err)
	}
	if n <= 0 || n >= len(msg) {
		t.Fatalf("send queued %d of %d", n, len(msg))
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("send returned after %s", elapsed)
	}
	// What was queued before the timeout arrives intact.
	server.SetOption(socket.SO_RCVTIMEO, 5*time.Second)
	got := make([]byte, 0, n)
	buf := make([]byte, 1500)
	for len(got) < n {
		m, err := server.Recv(buf)
		if err != nil {
			t.Fatalf("recv after %d bytes: %v", len(got), err)
		}
		got = append(got, buf[:m]...)
	}
	if !bytes.Equal(got, msg[:n]) {
		t.Error("received data differs")
	}
}
