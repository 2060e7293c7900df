package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mesh-emulator/internal/app"
	"mesh-emulator/internal/logging"
	"mesh-emulator/internal/observability"
	"mesh-emulator/internal/sim"
)

func main() {
	// 1. Pick the configuration file
	configPath := flag.String("config", "scenario.yaml", "YAML or JSON emulator configuration")
	flag.Parse()

	cfg, err := sim.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Logging.Dir == "" {
		cfg.Logging.Dir = "logs"
	}

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer closer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(cfg.Tracing), logger)
	if err != nil {
		logger.Error(ctx, "tracing disabled", logging.Err(err))
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, logger)

	a, err := app.New(cfg, logger, nil)
	if err != nil {
		logger.Error(ctx, "build emulator", logging.Err(err))
		return
	}
	logger.Info(ctx, "starting batch run",
		logging.Int("nodes", len(a.Runner.Layout())),
		logging.Int("steps", len(cfg.Script)),
		logging.String("duration", cfg.Duration.String()),
	)

	// 2. catch Ctrl-C, SIGTERM and SIGHUP
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	// 3. run the emulator in its own goroutine, then the script once nodes are up
	runErr := make(chan error, 1)
	go func() {
		runErr <- a.Run(ctx)
	}()
	go func() {
		select {
		case <-a.Runner.Ready():
		case <-ctx.Done():
			return
		}
		if err := a.Runner.RunScript(ctx, cfg.Script); err != nil && ctx.Err() == nil {
			logger.Error(ctx, "script aborted", logging.Err(err))
		}
	}()

	var timeout <-chan time.Time
	if cfg.Duration > 0 {
		timer := time.NewTimer(cfg.Duration)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-runErr:
		if err != nil {
			logger.Error(ctx, "emulator error", logging.Err(err))
		}
	case s := <-sigCh:
		logger.Info(ctx, "received signal, shutting down early", logging.String("signal", s.String()))
		cancel()
		if err := <-runErr; err != nil {
			logger.Error(context.Background(), "emulator stopped with error", logging.Err(err))
		}
	case <-timeout:
		logger.Info(ctx, "run duration reached")
		cancel()
		if err := <-runErr; err != nil {
			logger.Error(context.Background(), "emulator stopped with error", logging.Err(err))
		}
	}

	// 4. always flush metrics before exit
	if err := a.Metrics.Flush(cfg.Metrics.File); err != nil {
		logger.Error(context.Background(), "flush metrics", logging.Err(err))
	} else {
		logger.Info(context.Background(), "run complete", logging.String("metrics_file", cfg.Metrics.File))
	}
}
