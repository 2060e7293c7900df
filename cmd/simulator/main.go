package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mesh-emulator/internal/app"
	"mesh-emulator/internal/logging"
	"mesh-emulator/internal/observability"
	"mesh-emulator/internal/sim"
)

func main() {
	configPath := flag.String("config", "", "YAML or JSON emulator configuration; defaults apply when empty")
	saveLayout := flag.String("save-layout", "", "write the generated node layout to this file")
	flag.Parse()

	if err := run(*configPath, *saveLayout); err != nil {
		fmt.Fprintf(os.Stderr, "simulator: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, saveLayout string) error {
	cfg := sim.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = sim.LoadConfig(configPath); err != nil {
			return err
		}
	}

	log, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(cfg.Tracing), log)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	a, err := app.New(cfg, log, nil)
	if err != nil {
		return err
	}
	if saveLayout != "" {
		if err := sim.SaveLayout(saveLayout, a.Runner.Layout()); err != nil {
			return fmt.Errorf("save layout: %w", err)
		}
		log.Info(ctx, "layout saved", logging.String("path", saveLayout))
	}

	log.Info(ctx, "starting emulator",
		logging.Int("nodes", len(a.Runner.Layout())),
		logging.String("observers", cfg.Observers.Listen),
		logging.String("modem", cfg.Radio.Modem),
	)
	return a.Run(ctx)
}
