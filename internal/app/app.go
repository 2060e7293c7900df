// Package app wires a configured emulator: metrics, event publisher,
// runner, observer server and the optional MQTT link.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	eb "mesh-emulator/internal/eventBus"
	"mesh-emulator/internal/logging"
	"mesh-emulator/internal/metrics"
	"mesh-emulator/internal/mqtt"
	"mesh-emulator/internal/server"
	"mesh-emulator/internal/sim"
	"mesh-emulator/internal/utils"
)

type App struct {
	Config    sim.Config
	Log       logging.Logger
	Metrics   *metrics.Collector
	Publisher *eb.Publisher
	Runner    *sim.Runner
	Server    *server.Server
}

// New builds every component. reg defaults to the global Prometheus
// registry.
func New(cfg sim.Config, log logging.Logger, reg prometheus.Registerer) (*App, error) {
	if log == nil {
		log = logging.Noop()
	}
	coll, err := metrics.NewCollector(reg)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	pub := eb.NewPublisher(eb.Options{
		QueueSize:   cfg.Observers.QueueSize,
		SendTimeout: cfg.Observers.SendTimeout,
		Log:         log,
		Metrics:     coll,
	})
	runner, err := sim.NewRunner(cfg, sim.Deps{Publisher: pub, Metrics: coll, Log: log})
	if err != nil {
		return nil, err
	}
	return &App{
		Config:    cfg,
		Log:       log,
		Metrics:   coll,
		Publisher: pub,
		Runner:    runner,
		Server:    server.New(cfg.Observers.Listen, pub, runner, coll, log),
	}, nil
}

// Run starts the publisher and runs the runner, the server and the
// resource monitor until ctx is done or one of them fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.Publisher.Start(ctx); err != nil {
		return err
	}
	defer a.Publisher.Stop()

	if a.Config.Observers.MQTT.Broker != "" {
		m, err := a.connectMQTT()
		if err != nil {
			a.Log.Warn(ctx, "continuing without mqtt", logging.Err(err))
		} else {
			defer m.Disconnect()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Runner.Run(gctx) })
	g.Go(func() error { return a.Server.Run(gctx) })
	g.Go(func() error {
		utils.MonitorResources(gctx, a.Config.Metrics.MonitorInterval, a.Log, a.Metrics)
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *App) connectMQTT() (*mqtt.MQTTManager, error) {
	mc := a.Config.Observers.MQTT
	m, err := mqtt.New(mc.Broker, mc.ClientID, a.Log)
	if err != nil {
		return nil, err
	}
	if err := m.Subscribe(mc.CommandTopic, mc.QoS, mqtt.ProcessCommandMessage(a.Runner, m, mc.QoS, a.Log)); err != nil {
		m.Disconnect()
		return nil, fmt.Errorf("subscribe %s: %w", mc.CommandTopic, err)
	}
	if err := a.Publisher.Add(mqtt.NewEventSink(m, mc.EventTopic, mc.QoS, eb.EncodingJSON)); err != nil {
		m.Disconnect()
		return nil, err
	}
	return m, nil
}
