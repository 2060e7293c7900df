package sim

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"mesh-emulator/internal/bridge"
	eb "mesh-emulator/internal/eventBus"
	"mesh-emulator/internal/logging"
	"mesh-emulator/internal/mesh"
	"mesh-emulator/internal/message"
	"mesh-emulator/internal/metrics"
	"mesh-emulator/internal/network"
	"mesh-emulator/internal/node"
	"mesh-emulator/internal/packet"
	"mesh-emulator/internal/relay"
	"mesh-emulator/internal/transport"
)

var (
	// ErrDegraded is returned by control operations that need connected
	// nodes while the simulation runs without them.
	ErrDegraded = errors.New("simulation is degraded")
	// ErrUnknownNode is returned for a node id that is not in the registry.
	ErrUnknownNode = errors.New("unknown node")
	// ErrUnknownMessage is returned for a message id the ledger never
	// allocated.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrNotReady is returned by control operations issued during startup.
	ErrNotReady = errors.New("simulation is starting")
	// ErrStopped is returned once the simulation loop has exited.
	ErrStopped = errors.New("simulation stopped")
)

// Phase is the lifecycle phase of a Runner.
type Phase int32

const (
	PhaseStarting Phase = iota
	PhaseRunning
	PhaseDegraded
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return eb.StateStarting
	case PhaseRunning:
		return eb.StateRunning
	case PhaseDegraded:
		return eb.StateDegraded
	case PhaseStopped:
		return eb.StateStopped
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Deps are the collaborators of a Runner. Everything but Publisher is
// optional.
type Deps struct {
	Launcher  Launcher
	Publisher *eb.Publisher
	Metrics   *metrics.Collector
	Log       logging.Logger
	// Layout overrides the layout built from the configuration.
	Layout Layout
	// Admin overrides the default configuration pusher.
	Admin *node.Admin
	// Dial is handed to every transport; nil dials TCP.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Runner owns the node registry and runs the simulation loop. Ledger,
// registry and node state are only touched from the loop goroutine once it
// has started.
type Runner struct {
	cfg      Config
	log      logging.Logger
	coll     *metrics.Collector
	pub      *eb.Publisher
	launcher Launcher
	admin    *node.Admin
	relay    *relay.Relay
	ledger   *message.Ledger
	pool     *transport.Pool
	bridge   *bridge.Bridge

	nodes map[uint32]*node.Node
	order []uint32
	procs []Process

	events   chan transport.Event
	requests chan func()
	phase    atomic.Int32
	ready    chan struct{}
	quit     chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

func NewRunner(cfg Config, deps Deps) (*Runner, error) {
	if deps.Log == nil {
		deps.Log = logging.Noop()
	}
	if deps.Publisher == nil {
		deps.Publisher = eb.NewPublisher(eb.Options{Log: deps.Log, Metrics: deps.Metrics})
	}
	if deps.Launcher == nil {
		deps.Launcher = NewLauncher(cfg.Launcher, deps.Log)
	}
	if deps.Admin == nil {
		deps.Admin = node.NewAdmin(deps.Log)
	}

	params, err := cfg.Params()
	if err != nil {
		return nil, err
	}
	model, err := network.ModelByName(cfg.Radio.PathLoss)
	if err != nil {
		return nil, err
	}
	layout := deps.Layout
	if layout == nil {
		if layout, err = BuildLayout(cfg); err != nil {
			return nil, fmt.Errorf("build layout: %w", err)
		}
	}
	if err := layout.validate(); err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:      cfg,
		log:      deps.Log,
		coll:     deps.Metrics,
		pub:      deps.Publisher,
		launcher: deps.Launcher,
		admin:    deps.Admin,
		relay:    relay.New(network.NewEngine(model), params, deps.Log, deps.Metrics),
		ledger:   message.NewLedger(deps.Log, deps.Metrics),
		pool:     transport.NewPool(cfg.Transport.Settle, deps.Log, deps.Metrics),
		nodes:    make(map[uint32]*node.Node, len(layout)),
		events:   make(chan transport.Event, 1024),
		requests: make(chan func()),
		ready:    make(chan struct{}),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	for _, id := range layout.IDs() {
		n := node.New(id, layout[id])
		r.nodes[id] = n
		r.order = append(r.order, id)
		r.pool.Add(transport.New(transport.Options{
			NodeID:           id,
			Addr:             cfg.NodeAddr(id),
			Retry:            cfg.Transport.Retry,
			HandshakeTimeout: cfg.Transport.HandshakeTimeout,
			Log:              deps.Log,
			Metrics:          deps.Metrics,
			Dial:             deps.Dial,
		}))
	}

	if cfg.Bridge.Enabled {
		t, ok := r.pool.Get(cfg.Bridge.Node)
		if !ok {
			return nil, fmt.Errorf("bridge node %d: %w", cfg.Bridge.Node, ErrUnknownNode)
		}
		r.pool.Pin(cfg.Bridge.Node)
		r.bridge = bridge.New(cfg.Bridge.Listen, t, deps.Log)
	}
	return r, nil
}

func (r *Runner) Phase() Phase { return Phase(r.phase.Load()) }

// Ready is closed once startup has finished, successfully or not.
func (r *Runner) Ready() <-chan struct{} { return r.ready }

// Bridge returns the client bridge, or nil when disabled.
func (r *Runner) Bridge() *bridge.Bridge { return r.bridge }

// Layout returns the settings of every node in the registry. It is only
// safe to call before Run or after Run has returned.
func (r *Runner) Layout() Layout {
	l := make(Layout, len(r.nodes))
	for id, n := range r.nodes {
		l[id] = n.Settings()
	}
	return l
}

func (r *Runner) setPhase(p Phase) {
	r.phase.Store(int32(p))
	r.pub.Broadcast(eb.EventSimulationState, eb.SimulationState{State: p.String()})
}

// Run brings the nodes up and runs the simulation loop until ctx is
// cancelled. A startup failure does not end Run: the runner stays in the
// degraded phase so observers and the control surface keep working.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.done)
	r.setPhase(PhaseStarting)

	for _, id := range r.order {
		r.announce(r.nodes[id])
	}

	if err := r.startup(ctx); err != nil {
		if ctx.Err() != nil {
			close(r.ready)
			close(r.quit)
			r.shutdown()
			return ctx.Err()
		}
		r.log.Error(ctx, "startup failed, continuing degraded", logging.Err(err))
		r.degrade()
		r.setPhase(PhaseDegraded)
	} else {
		if r.bridge != nil {
			r.bridge.Attach()
		}
		r.setPhase(PhaseRunning)
		r.log.Info(ctx, "simulation running", logging.Int("nodes", len(r.order)))
	}
	close(r.ready)

	r.loop(ctx)
	close(r.quit)
	r.shutdown()
	return nil
}

func (r *Runner) startup(ctx context.Context) error {
	if err := r.launch(ctx); err != nil {
		return err
	}
	if r.bridge != nil {
		if err := r.bridge.Listen(); err != nil {
			return err
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.bridge.Run(ctx); err != nil {
				r.log.Warn(ctx, "bridge stopped", logging.Err(err))
			}
		}()
	}

	if err := r.pool.ConnectAll(ctx); err != nil {
		return err
	}
	if err := r.pool.Barrier(ctx); err != nil {
		return err
	}

	for i, id := range r.order {
		n := r.nodes[id]
		t, _ := r.pool.Get(id)
		n.SetLink(t)
		if i > 0 {
			if err := pause(ctx, r.cfg.Launcher.Stagger); err != nil {
				return err
			}
		}
		if err := r.admin.Apply(ctx, n); err != nil {
			return err
		}
	}

	r.pool.Subscribe(r.enqueue)
	return nil
}

// launch starts one firmware instance per node, then waits for them to
// boot.
func (r *Runner) launch(ctx context.Context) error {
	for i, id := range r.order {
		if i > 0 {
			if err := pause(ctx, r.cfg.Launcher.Stagger); err != nil {
				return err
			}
		}
		proc, err := r.launcher.Launch(ctx, LaunchSpec{
			ID:          id,
			HWID:        r.nodes[id].GetHWID(),
			Port:        r.cfg.NodePort(id),
			ResetConfig: r.cfg.Launcher.ResetConfig,
		})
		if err != nil {
			return err
		}
		r.procs = append(r.procs, proc)
	}
	if d := r.cfg.Launcher.StartupDelay; d > 0 {
		r.log.Info(ctx, "waiting for nodes to boot", logging.String("delay", d.String()))
	}
	return pause(ctx, r.cfg.Launcher.StartupDelay)
}

// degrade closes every transport but the bridged one.
func (r *Runner) degrade() {
	for _, t := range r.pool.Transports() {
		if r.bridge != nil && t.NodeID() == r.cfg.Bridge.Node && t.Connected() {
			continue
		}
		t.SetHandler(nil)
		t.Close()
	}
	r.coll.SetNodes(r.pool.Len(), r.pool.Connected())
}

func (r *Runner) enqueue(ev transport.Event) {
	select {
	case r.events <- ev:
	case <-r.quit:
	}
}

func (r *Runner) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.events:
			switch ev.Kind {
			case transport.EventTransmit:
				r.onTransmit(ctx, ev)
			case transport.EventTelemetry:
				r.onTelemetry(ctx, ev)
			}
		case fn := <-r.requests:
			fn()
		}
	}
}

// onTransmit files the packet in the ledger and relays it to every other
// node.
func (r *Runner) onTransmit(ctx context.Context, ev transport.Event) {
	tx, ok := r.nodes[ev.NodeID]
	if !ok {
		r.log.Debug(ctx, "transmission from removed node", logging.Uint32("node_id", ev.NodeID))
		return
	}
	p := ev.Packet
	if p.RelayTagged() {
		// injected frames never get a message id
		r.coll.AddRelayRejected("loop")
		r.log.Warn(ctx, "relay loop, dropping transmission",
			logging.Uint32("from", tx.GetID()), logging.Uint32("packet_id", p.ID))
		return
	}
	id, hop := r.ledger.Correlate(p)
	hop.At = ev.At

	candidates := make([]*node.Node, 0, len(r.order))
	for _, nid := range r.order {
		if nid != tx.GetID() {
			candidates = append(candidates, r.nodes[nid])
		}
	}

	rx, err := r.relay.Forward(ctx, tx, candidates, p)
	hop.SetReception(tx.GetID(), rx.IDs(), rx.RSSI, rx.SNR)
	if err != nil {
		r.log.Warn(ctx, "packet not relayed", logging.Int("message_id", id), logging.Err(err))
		return
	}

	r.log.Debug(ctx, "packet relayed",
		logging.Int("message_id", id),
		logging.Uint32("from", tx.GetID()),
		logging.String("port", p.Decoded.PortNum.String()),
		logging.Int("receivers", rx.Len()),
	)
	r.pub.Broadcast(eb.EventPacketSent, eb.PacketSent{
		ID:   id,
		From: tx.GetID(),
		To:   destination(p.To),
		Rx:   rx.IDs(),
		Port: p.Decoded.PortNum.String(),
	})
}

func (r *Runner) onTelemetry(ctx context.Context, ev transport.Event) {
	id, ok := mesh.HWIDToNodeID(ev.Packet.From)
	n, known := r.nodes[id]
	if !ok || !known {
		r.log.Debug(ctx, "telemetry from unknown node", logging.Uint32("from", ev.Packet.From))
		return
	}
	if !n.ApplyTelemetry(ev.Telemetry) {
		return
	}
	kind := "local_stats"
	if ev.Telemetry.DeviceMetrics != nil {
		kind = "device_metrics"
	}
	r.coll.AddTelemetry(kind)

	upd := eb.TelemetryUpdate{
		ID:              id,
		PacketsTx:       n.Stats.PacketsTx,
		PacketsRx:       n.Stats.PacketsRx,
		PacketsRxBad:    n.Stats.PacketsRxBad,
		RxDupe:          n.Stats.RxDupe,
		TxRelay:         n.Stats.TxRelay,
		TxRelayCanceled: n.Stats.TxRelayCanceled,
	}
	if s, ok := n.LastSample(); ok {
		upd.Time = s.Time
		upd.ChannelUtilization = s.ChannelUtilization
		upd.AirUtilTx = s.AirUtilTx
	}
	r.pub.Broadcast(eb.EventTelemetry, upd)
}

func (r *Runner) announce(n *node.Node) {
	lat, lng := n.GetPosition().LatLng()
	r.pub.Broadcast(eb.EventNodeUpdate, eb.NodeUpdate{ID: n.GetID(), Lat: lat, Lng: lng, HWID: n.GetHWID()})
}

// shutdown asks every connected firmware to exit, closes the transports and
// stops launched processes.
func (r *Runner) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, id := range r.order {
		if err := r.admin.ExitSimulator(ctx, r.nodes[id]); err != nil && !errors.Is(err, node.ErrNoLink) {
			r.log.Warn(ctx, "exit simulator", logging.Uint32("node_id", id), logging.Err(err))
		}
	}
	r.pool.CloseAll()
	if r.bridge != nil {
		r.bridge.Stop()
	}
	r.wg.Wait()
	for _, p := range r.procs {
		if err := p.Stop(); err != nil {
			r.log.Warn(ctx, "stop node process", logging.Err(err))
		}
	}
	r.setPhase(PhaseStopped)
	r.log.Info(ctx, "simulation stopped", logging.Int("messages", len(r.ledger.Messages())))
}

// destination is the packet_sent "to" field: a node id, or "All".
func destination(to uint32) any {
	if to == packet.BROADCAST_ADDR {
		return "All"
	}
	if id, ok := mesh.HWIDToNodeID(to); ok {
		return id
	}
	return to
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
