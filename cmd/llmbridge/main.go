package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tunnelworks/llmbridge/internal/bridge"
	"github.com/tunnelworks/llmbridge/internal/config"
	"github.com/tunnelworks/llmbridge/internal/logx"
	"github.com/tunnelworks/llmbridge/internal/state"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.Config
	cfg.BindFlags()
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "llmbridge version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("llmbridge version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	logx.Configure(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}

	bridge.SetBuildInfo(version, buildSHA, buildDate)

	var store state.Store
	if cfg.StateRedisAddr != "" {
		s, err := state.NewRedisStore(cfg.StateRedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect state store")
		}
		store = s
	}
	tracker := bridge.NewTracker(store)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if tracker.IsDraining() || cfg.DrainTimeout == 0 {
				logx.Log.Warn().Msg("termination requested")
				tracker.SetState("terminating")
				cancel()
				return
			}
			tracker.StartDrain()
			if cfg.DrainTimeout > 0 {
				logx.Log.Info().Dur("timeout", cfg.DrainTimeout).Msg("draining; send SIGTERM again to terminate immediately")
				go func(d time.Duration) {
					time.Sleep(d)
					if tracker.IsDraining() {
						logx.Log.Warn().Msg("drain timeout exceeded; terminating")
						tracker.SetState("terminating")
						cancel()
					}
				}(cfg.DrainTimeout)
			} else {
				logx.Log.Info().Msg("draining; send SIGTERM again to terminate")
			}
		}
	}()

	if err := bridge.Run(ctx, cfg, tracker); err != nil && !errors.Is(err, context.Canceled) {
		logx.Log.Fatal().Err(err).Msg("bridge exited")
	}
	logx.Log.Info().Msg("bridge stopped")
}
