package node

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"mesh-emulator/internal/logging"
	"mesh-emulator/internal/mesh"
	"mesh-emulator/internal/packet"
)

// ErrNoLink is returned when a node has no connected transport.
var ErrNoLink = errors.New("node has no connected link")

// NeighborInfoInterval is the neighbor-info broadcast period in seconds set
// on nodes that enable the module.
const NeighborInfoInterval = 30

// Admin pushes the emulator's settings into a node's firmware through admin
// messages.
type Admin struct {
	// Pause is the gap between consecutive admin messages.
	Pause time.Duration
	Log   logging.Logger
	Now   func() time.Time
}

func NewAdmin(log logging.Logger) *Admin {
	if log == nil {
		log = logging.Noop()
	}
	return &Admin{Pause: 100 * time.Millisecond, Log: log, Now: time.Now}
}

// Apply sets owner names, disables the network protocols (UDP multicast
// would deliver packets regardless of range), sets the hop limit when it
// differs from the default, the device role, neighbor info and finally
// broadcasts the node's position.
func (a *Admin) Apply(ctx context.Context, n *Node) error {
	link := n.Link()
	if link == nil || !link.Connected() {
		return fmt.Errorf("configure node %d: %w", n.GetID(), ErrNoLink)
	}
	lc := link.LocalConfig()

	steps := []struct {
		name string
		msg  func() (packet.Admin, bool, error)
	}{
		{"owner", func() (packet.Admin, bool, error) {
			return packet.Admin{OwnerLong: "Node " + strconv.Itoa(int(n.GetID())), OwnerShort: strconv.Itoa(int(n.GetID()))}, true, nil
		}},
		{"network", func() (packet.Admin, bool, error) {
			body, err := packet.SetVarint(lc.Config[packet.ConfigNetwork], packet.NetworkEnabledProtocols, 0)
			return packet.Admin{Config: packet.Section(packet.ConfigNetwork, body)}, true, err
		}},
		{"lora", func() (packet.Admin, bool, error) {
			if n.HopLimit == packet.DEFAULT_HOP_LIMIT {
				return packet.Admin{}, false, nil
			}
			body, err := packet.SetVarint(lc.Config[packet.ConfigLoRa], packet.LoRaHopLimit, uint64(n.HopLimit))
			return packet.Admin{Config: packet.Section(packet.ConfigLoRa, body)}, true, err
		}},
		{"device", func() (packet.Admin, bool, error) {
			role := n.Role()
			if role == packet.RoleClient {
				return packet.Admin{}, false, nil
			}
			body, err := packet.SetVarint(lc.Config[packet.ConfigDevice], packet.DeviceRole, role)
			return packet.Admin{Config: packet.Section(packet.ConfigDevice, body)}, true, err
		}},
		{"neighbor_info", func() (packet.Admin, bool, error) {
			if !n.NeighborInfo {
				return packet.Admin{}, false, nil
			}
			body, err := packet.SetVarint(lc.Module[packet.ModuleNeighborInfo], packet.NeighborInfoEnabled, 1)
			if err != nil {
				return packet.Admin{}, false, err
			}
			body, err = packet.SetVarint(body, packet.NeighborInfoInterval, NeighborInfoInterval)
			return packet.Admin{ModuleConfig: packet.Section(packet.ModuleNeighborInfo, body)}, true, err
		}},
	}

	for _, step := range steps {
		msg, ok, err := step.msg()
		if err != nil {
			return fmt.Errorf("configure node %d %s: %w", n.GetID(), step.name, err)
		}
		if !ok {
			continue
		}
		if err := a.sendAdmin(ctx, n, link, msg); err != nil {
			return fmt.Errorf("configure node %d %s: %w", n.GetID(), step.name, err)
		}
		a.Log.Debug(ctx, "admin message sent", logging.Uint32("node_id", n.GetID()), logging.String("section", step.name))
		if err := a.pause(ctx); err != nil {
			return err
		}
	}

	if err := a.SendPosition(ctx, n, packet.BROADCAST_ADDR, false); err != nil {
		return fmt.Errorf("configure node %d position: %w", n.GetID(), err)
	}
	a.Log.Info(ctx, "node configured", logging.Uint32("node_id", n.GetID()), logging.String("role", roleName(n.Role())))
	return nil
}

// SendPosition makes n transmit its position to dest.
func (a *Admin) SendPosition(ctx context.Context, n *Node, dest uint32, wantResponse bool) error {
	link := n.Link()
	if link == nil {
		return ErrNoLink
	}
	lat, lng := n.GetPosition().LatLng()
	pos := packet.PositionFromDegrees(lat, lng, 0)
	pos.Time = uint32(a.Now().Unix())
	p := &packet.Packet{
		To:       dest,
		ID:       packet.NewPacketID(),
		HopLimit: n.HopLimit,
		Priority: packet.PriorityDefault,
		Decoded:  packet.Data{PortNum: packet.PortPosition, Payload: pos.Marshal(), WantResponse: wantResponse},
	}
	return link.SendToRadio(ctx, packet.ToRadio{Packet: p})
}

// ExitSimulator asks the firmware to terminate.
func (a *Admin) ExitSimulator(ctx context.Context, n *Node) error {
	link := n.Link()
	if link == nil || !link.Connected() {
		return ErrNoLink
	}
	return a.sendAdmin(ctx, n, link, packet.Admin{ExitSimulator: true})
}

func (a *Admin) sendAdmin(ctx context.Context, n *Node, link mesh.ILink, msg packet.Admin) error {
	p := &packet.Packet{
		To:       n.GetHWID(),
		ID:       packet.NewPacketID(),
		HopLimit: n.HopLimit,
		WantAck:  true,
		Priority: packet.PriorityDefault,
		Decoded:  packet.Data{PortNum: packet.PortAdmin, Payload: msg.Marshal(), WantResponse: true},
	}
	return link.SendToRadio(ctx, packet.ToRadio{Packet: p})
}

func (a *Admin) pause(ctx context.Context) error {
	if a.Pause <= 0 {
		return nil
	}
	t := time.NewTimer(a.Pause)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
