// Package config loads netcore settings from TOML files. The zero value of
// every field selects the default of the component it configures.
package config

import (
	"io"
	"log/slog"
	"net/netip"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/nanokern/netcore/internal"
	"github.com/nanokern/netcore/ipv4"
	"github.com/nanokern/netcore/napi"
	"github.com/nanokern/netcore/nic"
	"github.com/nanokern/netcore/tcp"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Config is the top level of a configuration file.
type Config struct {
	Log   Log   `toml:"log"`
	Stack Stack `toml:"stack"`
	NAPI  NAPI  `toml:"napi"`
	NIC   NIC   `toml:"nic"`
	Echo  Echo  `toml:"echo"`
}

type Log struct {
	// Level is one of trace, debug, info, warn or error.
	Level string `toml:"level"`
}

// Stack mirrors [tcp.StackConfig].
type Stack struct {
	Addr       string   `toml:"addr"`
	MaxConns   int      `toml:"max_conns"`
	TxBufSize  int      `toml:"tx_buf_size"`
	RxBufSize  int      `toml:"rx_buf_size"`
	MSS        int      `toml:"mss"`
	MSL        Duration `toml:"msl"`
	RTOInitial Duration `toml:"rto_initial"`
	RTOMax     Duration `toml:"rto_max"`
	MaxRetries int      `toml:"max_retries"`
	DelayedACK Duration `toml:"delayed_ack"`
	// RSTRate is RSTs per second. Negative disables limiting.
	RSTRate   float64 `toml:"rst_rate"`
	RSTBurst  int     `toml:"rst_burst"`
	ISNSecret string  `toml:"isn_secret"`
	// TimerPeriod is the interval of the stack timer tick.
	TimerPeriod Duration `toml:"timer_period"`
}

type NAPI struct {
	Budget   int `toml:"budget"`
	MaxFrame int `toml:"max_frame"`
}

type NIC struct {
	RxRingSize    int `toml:"rx_ring_size"`
	TxDescriptors int `toml:"tx_descriptors"`
	MTU           int `toml:"mtu"`
}

// Echo configures the loopback echo demo.
type Echo struct {
	PeerAddr string   `toml:"peer_addr"`
	Port     uint16   `toml:"port"`
	Bytes    int      `toml:"bytes"`
	Timeout  Duration `toml:"timeout"`
}

// Duration is a [time.Duration] written as a string such as "200ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: Log{Level: "info"},
		Stack: Stack{
			Addr:        "10.0.0.1",
			TimerPeriod: Duration{10 * time.Millisecond},
		},
		Echo: Echo{
			PeerAddr: "10.0.0.2",
			Port:     7,
			Bytes:    64 * 1024,
			Timeout:  Duration{10 * time.Second},
		},
	}
}

// Load reads the file at path on top of [Default].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: open")
	}
	defer f.Close()
	c, err := Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "config: %s", path)
	}
	return c, nil
}

// Parse decodes TOML from r on top of [Default]. Unknown keys are an error.
func Parse(r io.Reader) (*Config, error) {
	c := Default()
	md, err := toml.NewDecoder(r).Decode(c)
	if err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, errors.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	if _, err := c.StackConfig(); err != nil {
		return nil, err
	}
	if _, err := c.LogLevel(); err != nil {
		return nil, err
	}
	if _, err := parseAddr("echo.peer_addr", c.Echo.PeerAddr); err != nil {
		return nil, err
	}
	return c, nil
}

// Encode writes c as TOML.
func (c *Config) Encode(w io.Writer) error {
	return errors.Wrap(toml.NewEncoder(w).Encode(c), "config: encode")
}

// StackConfig converts the stack section. Logger and clock are left for the caller.
func (c *Config) StackConfig() (tcp.StackConfig, error) {
	s := &c.Stack
	addr, err := parseAddr("stack.addr", s.Addr)
	if err != nil {
		return tcp.StackConfig{}, err
	}
	switch {
	case s.MaxConns < 0, s.TxBufSize < 0, s.RxBufSize < 0, s.MSS < 0, s.MaxRetries < 0, s.RSTBurst < 0:
		return tcp.StackConfig{}, errors.New("stack: negative size")
	case s.RTOMax.Duration != 0 && s.RTOMax.Duration < s.RTOInitial.Duration:
		return tcp.StackConfig{}, errors.Errorf("stack: rto_max %s below rto_initial %s", s.RTOMax, s.RTOInitial)
	}
	cfg := tcp.StackConfig{
		Addr:       addr,
		MaxConns:   s.MaxConns,
		TxBufSize:  s.TxBufSize,
		RxBufSize:  s.RxBufSize,
		MSS:        s.MSS,
		MSL:        s.MSL.Duration,
		RTOInitial: s.RTOInitial.Duration,
		RTOMax:     s.RTOMax.Duration,
		MaxRetries: s.MaxRetries,
		DelayedACK: s.DelayedACK.Duration,
		RSTRate:    rate.Limit(s.RSTRate),
		RSTBurst:   s.RSTBurst,
	}
	if s.ISNSecret != "" {
		cfg.ISNSecret = []byte(s.ISNSecret)
	}
	return cfg, nil
}

func (c *Config) NAPIConfig() napi.Config {
	return napi.Config{Budget: c.NAPI.Budget, MaxFrame: c.NAPI.MaxFrame}
}

func (c *Config) NICConfig() nic.Config {
	return nic.Config{RxRingSize: c.NIC.RxRingSize, TxDescriptors: c.NIC.TxDescriptors, MTU: c.NIC.MTU}
}

// IPConfig returns the IP layer settings for a host with address addr.
func (c *Config) IPConfig(addr [4]byte) ipv4.Config {
	return ipv4.Config{Addr: addr, MTU: c.NIC.MTU}
}

// PeerAddr returns the echo demo peer address.
func (c *Config) PeerAddr() ([4]byte, error) {
	return parseAddr("echo.peer_addr", c.Echo.PeerAddr)
}

// LogLevel parses the log level name.
func (c *Config) LogLevel() (slog.Level, error) {
	switch strings.ToLower(c.Log.Level) {
	case "trace":
		return internal.LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, errors.Errorf("log: unknown level %q", c.Log.Level)
}

func parseAddr(key, s string) ([4]byte, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return [4]byte{}, errors.Wrap(err, key)
	} else if !addr.Is4() {
		return [4]byte{}, errors.Errorf("%s: %s is not an IPv4 address", key, s)
	}
	return addr.As4(), nil
}
