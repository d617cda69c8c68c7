package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/meshrelay/internal/platform/logging"
	"github.com/pscheid92/meshrelay/internal/platform/version"
	"github.com/pscheid92/meshrelay/internal/producer"
	"github.com/spf13/pflag"
)

const usage = `Usage: meshsend [flags] FILE...

Sends mesh snapshot JSON files to a mesh relay's ingest port. With --watch,
each file is re-sent whenever it changes.

Flags:
`

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("meshsend", pflag.ContinueOnError)
	addr := flags.String("addr", "localhost:9766", "relay ingest address")
	watch := flags.BoolP("watch", "w", false, "re-send files when they change")
	interval := flags.Duration("interval", 100*time.Millisecond, "quiet period after a change before re-sending")
	attempts := flags.Int("attempts", 3, "connection attempts before giving up")
	logLevel := flags.String("log-level", "info", "log level (debug, info, warn, error)")
	showVersion := flags.Bool("version", false, "print version and exit")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *showVersion {
		info := version.Get()
		info.Name = "meshsend"
		fmt.Println(info)
		return 0
	}
	if flags.NArg() == 0 {
		flags.Usage()
		return 2
	}

	slog.SetDefault(logging.New(os.Stderr, *logLevel, "text"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	client := producer.NewClient(producer.Options{Addr: *addr, DialAttempts: *attempts}, clock)
	defer func() {
		_ = client.Close()
		fmt.Fprintln(os.Stderr, client.Stats().Summary(clock.Now()))
	}()

	if err := client.Connect(ctx); err != nil {
		slog.Error("Failed to connect to relay", "addr", *addr, "error", err)
		return 1
	}

	s := newSender(client, clock, *interval)
	failed := s.sendAll(ctx, flags.Args())

	if !*watch {
		if failed > 0 {
			return 1
		}
		return 0
	}

	if err := s.watch(ctx, flags.Args()); err != nil {
		slog.Error("Watch failed", "error", err)
		return 1
	}
	return 0
}
