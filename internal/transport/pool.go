package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mesh-emulator/internal/logging"
	"mesh-emulator/internal/metrics"
)

// SettleOptions time the startup barrier. A freshly started firmware
// instance accepts connections before its state is ready, so the first
// connection is dropped and re-opened once every node has settled.
type SettleOptions struct {
	PreCloseDelay time.Duration `yaml:"pre_close_delay" json:"pre_close_delay"`
	Grace         time.Duration `yaml:"grace" json:"grace"`
}

func DefaultSettleOptions() SettleOptions {
	return SettleOptions{PreCloseDelay: 3 * time.Second, Grace: 5 * time.Second}
}

// Pool owns every node transport in registry order.
type Pool struct {
	settle SettleOptions
	log    logging.Logger
	coll   *metrics.Collector

	mu         sync.Mutex
	order      []uint32
	transports map[uint32]*NodeTransport
	pinned     map[uint32]bool
}

func NewPool(settle SettleOptions, log logging.Logger, coll *metrics.Collector) *Pool {
	if log == nil {
		log = logging.Noop()
	}
	return &Pool{
		settle:     settle,
		log:        log,
		coll:       coll,
		transports: make(map[uint32]*NodeTransport),
		pinned:     make(map[uint32]bool),
	}
}

// Add appends t to the pool. A transport with the same node id is replaced
// in place.
func (p *Pool) Add(t *NodeTransport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.transports[t.NodeID()]; !ok {
		p.order = append(p.order, t.NodeID())
	}
	p.transports[t.NodeID()] = t
}

// Pin excludes node id from the barrier. Its connection is kept open.
func (p *Pool) Pin(id uint32) {
	p.mu.Lock()
	p.pinned[id] = true
	p.mu.Unlock()
}

func (p *Pool) Get(id uint32) (*NodeTransport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.transports[id]
	return t, ok
}

// Transports returns the transports in registry order.
func (p *Pool) Transports() []*NodeTransport {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*NodeTransport, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.transports[id])
	}
	return out
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// Connected counts transports in the Connected state.
func (p *Pool) Connected() int {
	n := 0
	for _, t := range p.Transports() {
		if t.Connected() {
			n++
		}
	}
	return n
}

// ConnectAll performs the initial bring-up in registry order. The first
// failure closes every transport opened so far and is returned.
func (p *Pool) ConnectAll(ctx context.Context) error {
	ts := p.Transports()
	for i, t := range ts {
		if err := t.Connect(ctx); err != nil {
			for _, opened := range ts[:i] {
				opened.Close()
			}
			return fmt.Errorf("initial connect: %w", err)
		}
	}
	p.coll.SetNodes(len(ts), p.Connected())
	return nil
}

// Barrier drops and re-opens every non-pinned connection: wait
// PreCloseDelay, close them all, wait Grace, then reconnect each in registry
// order. It returns once every transport is Connected, or with the first
// reconnect error.
func (p *Pool) Barrier(ctx context.Context) error {
	ts := p.Transports()
	p.mu.Lock()
	pinned := make(map[uint32]bool, len(p.pinned))
	for id := range p.pinned {
		pinned[id] = true
	}
	p.mu.Unlock()

	p.log.Info(ctx, "settle barrier: waiting before disconnect", logging.String("delay", p.settle.PreCloseDelay.String()))
	if err := sleep(ctx, p.settle.PreCloseDelay); err != nil {
		return err
	}

	for _, t := range ts {
		if pinned[t.NodeID()] {
			continue
		}
		if err := t.Close(); err != nil {
			p.log.Debug(ctx, "close before reconnect", logging.Uint32("node_id", t.NodeID()), logging.Err(err))
		}
	}

	p.log.Info(ctx, "settle barrier: all nodes disconnected", logging.String("grace", p.settle.Grace.String()))
	if err := sleep(ctx, p.settle.Grace); err != nil {
		return err
	}

	for _, t := range ts {
		if pinned[t.NodeID()] {
			continue
		}
		if err := t.Connect(ctx); err != nil {
			return fmt.Errorf("settle barrier: %w", err)
		}
		p.coll.AddReconnect()
	}

	for _, t := range ts {
		if !t.Connected() {
			return &ConnectionError{NodeID: t.NodeID(), Addr: t.Addr(), Err: ErrNotConnected}
		}
	}
	p.coll.SetNodes(len(ts), len(ts))
	p.log.Info(ctx, "settle barrier complete", logging.Int("nodes", len(ts)))
	return nil
}

// Subscribe routes events of every transport to h.
func (p *Pool) Subscribe(h Handler) {
	for _, t := range p.Transports() {
		t.SetHandler(h)
	}
}

// Remove closes and forgets node id.
func (p *Pool) Remove(id uint32) error {
	p.mu.Lock()
	t, ok := p.transports[id]
	if ok {
		delete(p.transports, id)
		delete(p.pinned, id)
		for i, v := range p.order {
			if v == id {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("remove node %d: %w", id, ErrUnknownNode)
	}
	err := t.Close()
	p.coll.SetNodes(p.Len(), p.Connected())
	return err
}

// CloseAll closes every transport, pinned ones included.
func (p *Pool) CloseAll() {
	for _, t := range p.Transports() {
		t.SetHandler(nil)
		if err := t.Close(); err != nil {
			p.log.Debug(context.Background(), "close", logging.Uint32("node_id", t.NodeID()), logging.Err(err))
		}
	}
	p.coll.SetNodes(p.Len(), 0)
}

func sleep(ctx context.Context, d time.Duration) error {
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
