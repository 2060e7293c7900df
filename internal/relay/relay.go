package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mesh-emulator/internal/logging"
	"mesh-emulator/internal/mesh"
	"mesh-emulator/internal/metrics"
	"mesh-emulator/internal/network"
	"mesh-emulator/internal/node"
	"mesh-emulator/internal/packet"
)

const tracerName = "mesh-emulator/internal/relay"

var (
	// ErrRelayLoop is returned for a packet that already carries the
	// simulator tag. Forwarding it again would wrap it twice.
	ErrRelayLoop = errors.New("packet is already relay-tagged")
	// ErrPayloadTooLarge is returned when the wrapped payload does not fit
	// in a single Data payload.
	ErrPayloadTooLarge = errors.New("relay envelope exceeds data payload size")
)

// Relay injects transmitted packets into every node that would have heard
// them.
type Relay struct {
	engine *network.Engine
	params network.Params
	log    logging.Logger
	coll   *metrics.Collector

	// SendTimeout bounds each per-receiver write. Zero means no bound.
	SendTimeout time.Duration
}

func New(engine *network.Engine, params network.Params, log logging.Logger, coll *metrics.Collector) *Relay {
	if engine == nil {
		engine = network.NewEngine(nil)
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Relay{engine: engine, params: params, log: log, coll: coll, SendTimeout: 2 * time.Second}
}

func (r *Relay) Params() network.Params { return r.params }

// Forward evaluates reception of p sent by tx and delivers a copy to each
// receiver with its link quality filled in. Failed deliveries are logged
// and counted; they do not fail the forward. The returned Reception lists
// every admitted receiver.
func (r *Relay) Forward(ctx context.Context, tx *node.Node, candidates []*node.Node, p packet.Packet) (network.Reception, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "relay.forward", trace.WithAttributes(
		attribute.Int64("mesh.transmitter", int64(tx.GetID())),
		attribute.Int64("mesh.packet_id", int64(p.ID)),
		attribute.String("mesh.port", p.Decoded.PortNum.String()),
	))
	defer span.End()

	if p.RelayTagged() {
		r.coll.AddRelayRejected("loop")
		span.SetStatus(codes.Error, ErrRelayLoop.Error())
		return network.Reception{}, fmt.Errorf("forward packet %d from node %d: %w", p.ID, tx.GetID(), ErrRelayLoop)
	}

	envelope := packet.Compressed{PortNum: p.Decoded.PortNum, Data: p.Decoded.Payload}.Marshal()
	if len(envelope) > packet.DATA_PAYLOAD_LEN {
		r.coll.AddRelayRejected("too_large")
		span.SetStatus(codes.Error, ErrPayloadTooLarge.Error())
		return network.Reception{}, fmt.Errorf("forward packet %d from node %d: %w (%d > %d bytes)",
			p.ID, tx.GetID(), ErrPayloadTooLarge, len(envelope), packet.DATA_PAYLOAD_LEN)
	}

	inodes := make([]mesh.INode, len(candidates))
	byID := make(map[uint32]*node.Node, len(candidates))
	for i, c := range candidates {
		inodes[i] = c
		byID[c.GetID()] = c
	}
	rx := r.engine.Evaluate(tx, inodes, r.params)
	r.coll.AddTransmission(p.Decoded.PortNum.String())
	r.coll.AddReceivers(rx.Len())
	span.SetAttributes(attribute.Int("mesh.receivers", rx.Len()))

	delivered := 0
	for i, inode := range rx.Receivers {
		receiver := byID[inode.GetID()]
		out := p.CloneHeader()
		out.Decoded.PortNum = packet.PortSimulator
		out.Decoded.Payload = envelope
		out.RxRSSI = int32(rx.RSSI[i])
		out.RxSNR = float32(rx.SNR[i])

		if err := r.inject(ctx, receiver, out); err != nil {
			r.coll.AddInjectFailure()
			r.log.Warn(ctx, "inject failed",
				logging.Uint32("packet_id", p.ID),
				logging.Uint32("receiver", receiver.GetID()),
				logging.Err(err),
			)
			continue
		}
		delivered++
		r.coll.AddDelivered(rx.RSSI[i])
	}

	span.SetAttributes(attribute.Int("mesh.delivered", delivered))
	r.log.Debug(ctx, "forwarded",
		logging.Uint32("packet_id", p.ID),
		logging.Uint32("from", tx.GetID()),
		logging.Any("receivers", rx.IDs()),
		logging.Int("delivered", delivered),
	)
	return rx, nil
}

func (r *Relay) inject(ctx context.Context, receiver *node.Node, p packet.Packet) error {
	link := receiver.Link()
	if link == nil || !link.Connected() {
		return node.ErrNoLink
	}
	if r.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.SendTimeout)
		defer cancel()
	}
	return link.SendToRadio(ctx, packet.ToRadio{Packet: &p})
}
