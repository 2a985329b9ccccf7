// Command cachectl inspects and maintains a query cache.
//
// Usage:
//
//	cachectl [-config path] <command> [flags]
//
// Commands:
//
//	stats     count cached queries and hits
//	get       print the cached hits of a query
//	put       cache a hit list for a query
//	show      render cached results with documents from Postgres
//	invert    print docid -> (query, rank) groups
//	verify    check the cache for consistency
//	clear     remove everything from the cache
//	publish   send an invalidation event to Kafka
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/miracle2k/xappy-sub001/pkg/config"
	"github.com/miracle2k/xappy-sub001/pkg/logger"
)

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		report(os.Stderr, err)
		os.Exit(1)
	}
}

// report prints err to w. Usage errors print only their detail, and a bare
// usage error prints nothing since the usage text was already shown.
func report(w io.Writer, err error) {
	msg := err.Error()
	if errors.Is(err, errUsage) {
		msg = strings.TrimSuffix(strings.TrimSuffix(msg, errUsage.Error()), ": ")
		if msg == "" {
			return
		}
	}
	fmt.Fprintf(w, "cachectl: %s\n", msg)
}

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, env *env, args []string) error
}

var commands = []command{
	{"stats", "", cmdStats},
	{"get", "-query STR | -id N [-start N] [-end N]", cmdGet},
	{"put", "-query STR -hits 1,2,3", cmdPut},
	{"show", "-query STR [-start N] [-end N] [-documents TABLE]", cmdShow},
	{"invert", "[-doc N]", cmdInvert},
	{"verify", "[-max-failures N] [-documents TABLE]", cmdVerify},
	{"clear", "-yes", cmdClear},
	{"publish", "-op update|delete -docs 1,2,3", cmdPublish},
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("cachectl", flag.ContinueOnError)
	configPath := fs.String("config", "configs/development.yaml", "path to config file")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: cachectl [-config path] <command> [flags]")
		for _, c := range commands {
			fmt.Fprintf(fs.Output(), "  %-8s %s\n", c.name, c.usage)
		}
	}
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}

	name := fs.Arg(0)
	for _, c := range commands {
		if c.name != name {
			continue
		}
		cfg, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		// stdout carries command output
		logger.SetupWriter(os.Stderr, cfg.Logging.Level, "text")

		e := &env{cfg: cfg, out: stdout}
		defer e.close()
		return c.run(ctx, e, fs.Args()[1:])
	}
	fs.Usage()
	return fmt.Errorf("unknown command %q: %w", name, errUsage)
}
