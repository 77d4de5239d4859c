package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/babylonlabs-io/simple-staking-sub003/cmd"
	"github.com/babylonlabs-io/simple-staking-sub003/metrics"
	"github.com/babylonlabs-io/simple-staking-sub003/staking"
	scfg "github.com/babylonlabs-io/simple-staking-sub003/stakingcfg"
	service "github.com/babylonlabs-io/simple-staking-sub003/stakingservice"
	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// .env is optional
	_ = godotenv.Load()

	cfg, logger, zapLogger, err := scfg.LoadConfig()
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil
		}
		return fmt.Errorf("loading config: %w", err)
	}

	user, pwd, err := cmd.BasicAuthFromEnv()
	if err != nil {
		return err
	}

	if cfg.CPUProfile != "" {
		f, err := os.Create(cfg.CPUProfile)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return err
		}
		defer pprof.StopCPUProfile()
	}

	db, err := scfg.GetDBBackend(cfg.DBConfig)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	m := metrics.NewStakingMetrics()
	metrics.RegisterRuntimeCollectors(m.Registry)

	app, err := staking.NewStakingAppFromConfig(cfg, logger, zapLogger, db, m)
	if err != nil {
		return fmt.Errorf("creating staking app: %w", err)
	}
	svc := service.NewStakingService(cfg, app, logger, db)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// the service owns shutdown of everything else
		defer cancel()
		return svc.RunUntilShutdown(gctx, user, pwd)
	})
	if cfg.MetricsConfig.Enabled {
		g.Go(func() error {
			return metrics.Serve(gctx, logger, "metrics", cfg.MetricsConfig.Address(), metrics.Handler(m.Registry))
		})
	}
	if cfg.Profile != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, logger, "pprof", cfg.Profile, metrics.ProfileHandler())
		})
	}

	return g.Wait()
}
