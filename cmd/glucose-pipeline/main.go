package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/livinlefevreloca/glucose-pipeline/internal/config"
	_ "github.com/mattn/go-sqlite3"
)

const usageText = `Usage: glucose-pipeline [-config path] <command> [flags]

Commands:
  ingest       fetch the next window of every source table
  transform    run every transformer
  run          ingest, then transform
  runmoments   print the current runmoment of every table
  runs         list recent pipeline runs (-table, -limit, -id)
`

var errUsage = errors.New("usage")

func main() {
	configFile := flag.String("config", "", "Path to configuration file (TOML)")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usageText)
		flag.PrintDefaults()
	}
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := run(ctx, *configFile, flag.Args(), os.Stdout, os.Stderr)
	stop()

	if errors.Is(err, errUsage) {
		if err != errUsage {
			fmt.Fprintln(os.Stderr, err)
		}
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// run loads configuration and executes one command. Command output goes to
// stdout and logs to logOut.
func run(ctx context.Context, configFile string, args []string, stdout, logOut io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cfg.Logging, logOut)
	slog.SetDefault(logger)

	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q: %w", args[0], errUsage)
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	err = cmd.run(ctx, a, args[1:], stdout)
	if cmd.observe {
		if werr := a.writeMetrics(); werr != nil {
			logger.Warn("failed to write metrics", "path", cfg.Metrics.TextfilePath, "error", werr)
		}
	}
	return err
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
