package sim

import (
	"context"
	"fmt"
	"time"

	eb "mesh-emulator/internal/eventBus"
	"mesh-emulator/internal/logging"
	"mesh-emulator/internal/node"
	"mesh-emulator/internal/packet"
	"mesh-emulator/internal/routing"
)

// Done is closed when Run has returned.
func (r *Runner) Done() <-chan struct{} { return r.done }

// do runs fn on the loop goroutine and waits for its result.
func (r *Runner) do(ctx context.Context, fn func() error) error {
	switch r.Phase() {
	case PhaseStarting:
		return ErrNotReady
	case PhaseStopped:
		return ErrStopped
	}
	errc := make(chan error, 1)
	select {
	case r.requests <- func() { errc <- fn() }:
	case <-r.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lookup returns a node that can transmit. Loop goroutine only.
func (r *Runner) lookup(id uint32) (*node.Node, error) {
	if r.Phase() == PhaseDegraded {
		return nil, ErrDegraded
	}
	n, ok := r.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %d: %w", id, ErrUnknownNode)
	}
	return n, nil
}

// send makes from transmit data to dest. It returns the id the ledger will
// give the resulting message.
func (r *Runner) send(ctx context.Context, from, to uint32, broadcast, wantAck bool, data packet.Data) (int, error) {
	var id int
	err := r.do(ctx, func() error {
		n, err := r.lookup(from)
		if err != nil {
			return err
		}
		dest := packet.BROADCAST_ADDR
		if !broadcast {
			d, err := r.lookup(to)
			if err != nil {
				return err
			}
			dest = d.GetHWID()
		}
		link := n.Link()
		if link == nil || !link.Connected() {
			return fmt.Errorf("node %d: %w", from, node.ErrNoLink)
		}
		id = r.ledger.NextID()
		p := &packet.Packet{
			To:       dest,
			ID:       packet.NewPacketID(),
			HopLimit: n.HopLimit,
			WantAck:  wantAck,
			Priority: packet.PriorityDefault,
			Decoded:  data,
		}
		if err := link.SendToRadio(ctx, packet.ToRadio{Packet: p}); err != nil {
			return fmt.Errorf("node %d send %s: %w", from, data.PortNum, err)
		}
		r.log.Info(ctx, "command sent",
			logging.Uint32("from", from),
			logging.String("port", data.PortNum.String()),
			logging.Int("message_id", id),
		)
		return nil
	})
	return id, err
}

// Broadcast makes node from send text to everyone.
func (r *Runner) Broadcast(ctx context.Context, from uint32, text string) (int, error) {
	return r.send(ctx, from, 0, true, true, packet.Data{PortNum: packet.PortTextMessage, Payload: []byte(text)})
}

// DirectMessage makes node from send text to node to.
func (r *Runner) DirectMessage(ctx context.Context, from, to uint32, text string) (int, error) {
	return r.send(ctx, from, to, false, true, packet.Data{PortNum: packet.PortTextMessage, Payload: []byte(text)})
}

// Ping sends a reply request that the destination answers.
func (r *Runner) Ping(ctx context.Context, from, to uint32) (int, error) {
	return r.send(ctx, from, to, false, true, packet.Data{PortNum: packet.PortReply, Payload: []byte("test string"), WantResponse: true})
}

// Traceroute starts a route discovery from node from to node to.
func (r *Runner) Traceroute(ctx context.Context, from, to uint32) (int, error) {
	return r.send(ctx, from, to, false, false, packet.Data{PortNum: packet.PortTraceroute, WantResponse: true})
}

// RequestPosition sends from's position to node to and asks for its
// position back.
func (r *Runner) RequestPosition(ctx context.Context, from, to uint32) (int, error) {
	var id int
	err := r.do(ctx, func() error {
		n, err := r.lookup(from)
		if err != nil {
			return err
		}
		d, err := r.lookup(to)
		if err != nil {
			return err
		}
		id = r.ledger.NextID()
		return r.admin.SendPosition(ctx, n, d.GetHWID(), true)
	})
	return id, err
}

// RequestLocalStats asks node id for its local stats counters. The answer
// arrives as telemetry.
func (r *Runner) RequestLocalStats(ctx context.Context, id uint32) (int, error) {
	var msgID int
	err := r.do(ctx, func() error {
		n, err := r.lookup(id)
		if err != nil {
			return err
		}
		link := n.Link()
		if link == nil || !link.Connected() {
			return fmt.Errorf("node %d: %w", id, node.ErrNoLink)
		}
		msgID = r.ledger.NextID()
		p := &packet.Packet{
			To:       n.GetHWID(),
			ID:       packet.NewPacketID(),
			HopLimit: n.HopLimit,
			Priority: packet.PriorityDefault,
			Decoded: packet.Data{
				PortNum:      packet.PortTelemetry,
				Payload:      packet.Telemetry{LocalStats: &packet.LocalStats{}}.Marshal(),
				WantResponse: true,
			},
		}
		return link.SendToRadio(ctx, packet.ToRadio{Packet: p})
	})
	return msgID, err
}

// RemoveNode stops node id and drops it from the registry.
func (r *Runner) RemoveNode(ctx context.Context, id uint32) error {
	return r.do(ctx, func() error {
		n, ok := r.nodes[id]
		if !ok {
			return fmt.Errorf("node %d: %w", id, ErrUnknownNode)
		}
		if err := r.admin.ExitSimulator(ctx, n); err != nil {
			r.log.Warn(ctx, "exit simulator", logging.Uint32("node_id", id), logging.Err(err))
		}
		if err := r.pool.Remove(id); err != nil {
			r.log.Warn(ctx, "close removed node", logging.Uint32("node_id", id), logging.Err(err))
		}
		n.SetLink(nil)
		delete(r.nodes, id)
		for i, v := range r.order {
			if v == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
		r.pub.Broadcast(eb.EventNodeRemoved, eb.NodeRemoved{ID: id})
		r.log.Info(ctx, "node removed", logging.Uint32("node_id", id))
		return nil
	})
}

// Nodes lists the registry in id order.
func (r *Runner) Nodes(ctx context.Context) ([]node.Info, error) {
	var out []node.Info
	err := r.do(ctx, func() error {
		out = make([]node.Info, 0, len(r.order))
		for _, id := range r.order {
			out = append(out, r.nodes[id].Info())
		}
		return nil
	})
	return out, err
}

// Route describes every hop observed so far for message id.
func (r *Runner) Route(ctx context.Context, id int) (routing.Route, error) {
	var route routing.Route
	err := r.do(ctx, func() error {
		m, ok := r.ledger.Message(id)
		if !ok {
			return fmt.Errorf("message %d: %w", id, ErrUnknownMessage)
		}
		route = routing.Describe(m)
		return nil
	})
	return route, err
}

// scriptCommands are the commands a batch script may use.
var scriptCommands = map[string]func(ctx context.Context, r *Runner, s ScriptStep) (int, error){
	"broadcast": func(ctx context.Context, r *Runner, s ScriptStep) (int, error) {
		return r.Broadcast(ctx, s.From, s.Text)
	},
	"dm": func(ctx context.Context, r *Runner, s ScriptStep) (int, error) {
		return r.DirectMessage(ctx, s.From, s.To, s.Text)
	},
	"ping": func(ctx context.Context, r *Runner, s ScriptStep) (int, error) {
		return r.Ping(ctx, s.From, s.To)
	},
	"traceroute": func(ctx context.Context, r *Runner, s ScriptStep) (int, error) {
		return r.Traceroute(ctx, s.From, s.To)
	},
	"reqPos": func(ctx context.Context, r *Runner, s ScriptStep) (int, error) {
		return r.RequestPosition(ctx, s.From, s.To)
	},
	"localStats": func(ctx context.Context, r *Runner, s ScriptStep) (int, error) {
		return r.RequestLocalStats(ctx, s.From)
	},
	"remove": func(ctx context.Context, r *Runner, s ScriptStep) (int, error) {
		return -1, r.RemoveNode(ctx, s.From)
	},
}

// RunScript issues the steps of a batch script at their offsets from the
// call. A failing step is logged and the script continues.
func (r *Runner) RunScript(ctx context.Context, steps []ScriptStep) error {
	start := time.Now()
	for i, s := range steps {
		if err := pause(ctx, time.Until(start.Add(s.At))); err != nil {
			return err
		}
		cmd, ok := scriptCommands[s.Command]
		if !ok {
			return fmt.Errorf("script[%d]: unknown command %q", i, s.Command)
		}
		id, err := cmd(ctx, r, s)
		if err != nil {
			r.log.Warn(ctx, "script step failed", logging.Int("step", i), logging.String("command", s.Command), logging.Err(err))
			continue
		}
		r.log.Info(ctx, "script step", logging.Int("step", i), logging.String("command", s.Command), logging.Int("message_id", id))
	}
	return nil
}
