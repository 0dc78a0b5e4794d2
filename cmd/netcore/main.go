// Command netcore drives the transport core over a simulated loopback link.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/subcommands"
	"github.com/nanokern/netcore/config"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&echoCmd{}, "")
	subcommands.Register(&configCmd{}, "")
	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// loadConfig returns the file at path, or the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newLogger(c *config.Config) (*slog.Logger, error) {
	lvl, err := c.LogLevel()
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func failf(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "netcore: "+format+"\n", args...)
	return subcommands.ExitFailure
}

// configCmd implements subcommands.Command for the "config" command.
type configCmd struct {
	path string
}

func (*configCmd) Name() string     { return "config" }
func (*configCmd) Synopsis() string { return "print the effective configuration" }
func (*configCmd) Usage() string {
	return `config [-config file]

Print the configuration that results from the defaults and an optional file, as TOML.
`
}

func (c *configCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.path, "config", "", "TOML configuration file")
}

func (c *configCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, err := loadConfig(c.path)
	if err != nil {
		return failf("%v", err)
	}
	if err := cfg.Encode(os.Stdout); err != nil {
		return failf("%v", err)
	}
	return subcommands.ExitSuccess
}
