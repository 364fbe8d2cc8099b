package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/tunloop/tunctl/internal/config"
	"github.com/tunloop/tunctl/internal/observability"
	"github.com/tunloop/tunctl/internal/pipeline"
)

const exitInterrupted = 130

type options struct {
	configPath string
	initConfig bool
	overwrite  bool
	rounds     int
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()
	observability.InitLogger("tunctl")

	if opts.initConfig {
		if err := config.WriteTemplate(opts.configPath, opts.overwrite); err != nil {
			fatalf("%v", err)
		}
		log.Info().Str("path", opts.configPath).Msg("starter config written")
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fatalf("%v", err)
	}
	if opts.rounds >= 0 {
		cfg.Verify.Rounds = opts.rounds
		if err := config.Validate(cfg); err != nil {
			fatalf("%v", err)
		}
	}
	observability.SetLevel(cfg.LogLevel)
	log.Info().Str("path", opts.configPath).Msg("config loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, err = pipeline.New(cfg).Run(ctx)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, pipeline.ErrInterrupted):
		log.Warn().Msg("run interrupted")
		return exitInterrupted
	default:
		return 1
	}
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.configPath, "config", "tunctl.toml", "path to the harness config")
	flag.BoolVar(&opts.initConfig, "init", false, "write a starter config and exit")
	flag.BoolVar(&opts.overwrite, "overwrite", false, "allow -init to replace an existing config")
	flag.IntVar(&opts.rounds, "rounds", -1, "override the number of verification rounds (-1 keeps the config value)")
	flag.Parse()
	return opts
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "tunctl: %s\n", fmt.Sprintf(format, args...))
	os.Exit(1)
}
