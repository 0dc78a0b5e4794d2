package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nanokern/netcore/config"
)

func TestRunEcho(t *testing.T) {
	cfg := config.Default()
	cfg.Echo.Bytes = 20000
	cfg.Stack.TxBufSize = 4096
	cfg.Stack.TimerPeriod = config.Duration{Duration: 5 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	var out bytes.Buffer
	if err := runEcho(ctx, cfg, log, &out); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{
		"netcore_tcp_segments_out_total",
		`netcore_napi_frames_total{device="client"}`,
		`netcore_nic_tx_frames_total{device="client"}`,
	} {
		if !strings.Contains(out.String(), name) {
			t.Errorf("metrics output lacks %s", name)
		}
	}
}

func TestRunEchoDeadline(t *testing.T) {
	cfg := config.Default()
	cfg.Echo.Timeout = config.Duration{Duration: 200 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := runEcho(ctx, cfg, log, nil); err == nil {
		t.Fatal("expected error")
	}
}
