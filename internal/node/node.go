package node

import (
	"fmt"
	"strings"

	"mesh-emulator/internal/mesh"
	"mesh-emulator/internal/packet"
)

// Settings is the per-node entry of a layout file.
type Settings struct {
	X            float64 `yaml:"x" json:"x"`
	Y            float64 `yaml:"y" json:"y"`
	Z            float64 `yaml:"z" json:"z"`
	IsRouter     bool    `yaml:"isRouter" json:"isRouter"`
	IsRepeater   bool    `yaml:"isRepeater" json:"isRepeater"`
	IsClientMute bool    `yaml:"isClientMute" json:"isClientMute"`
	HopLimit     uint32  `yaml:"hopLimit" json:"hopLimit"`
	AntennaGain  float64 `yaml:"antennaGain" json:"antennaGain"`
	NeighborInfo bool    `yaml:"neighborInfo" json:"neighborInfo"`
}

// DeviceSample is one device-metrics report.
type DeviceSample struct {
	Time               uint32  `json:"time"`
	ChannelUtilization float64 `json:"channelUtilization"`
	AirUtilTx          float64 `json:"airUtilTx"`
}

// Stats mirrors the firmware's local stats counters.
type Stats struct {
	PacketsTx       uint32 `json:"numPacketsTx"`
	PacketsRx       uint32 `json:"numPacketsRx"`
	PacketsRxBad    uint32 `json:"numPacketsRxBad"`
	RxDupe          uint32 `json:"numRxDupe"`
	TxRelay         uint32 `json:"numTxRelay"`
	TxRelayCanceled uint32 `json:"numTxRelayCanceled"`
}

// Node is one emulated device. It is owned by the simulation loop and is not
// safe for concurrent use.
type Node struct {
	id          uint32
	hwID        uint32
	coordinates mesh.Coordinates
	antennaGain float64

	Router       bool
	Repeater     bool
	ClientMute   bool
	HopLimit     uint32
	NeighborInfo bool

	link mesh.ILink

	Stats   Stats
	Samples []DeviceSample
}

// New creates node id from its layout settings. A zero hop limit falls back
// to the firmware default.
func New(id uint32, s Settings) *Node {
	hop := s.HopLimit
	if hop == 0 {
		hop = packet.DEFAULT_HOP_LIMIT
	}
	return &Node{
		id:           id,
		hwID:         mesh.NodeIDToHWID(id),
		coordinates:  mesh.CreateCoordinates(s.X, s.Y, s.Z),
		antennaGain:  s.AntennaGain,
		Router:       s.IsRouter,
		Repeater:     s.IsRepeater,
		ClientMute:   s.IsClientMute,
		HopLimit:     hop,
		NeighborInfo: s.NeighborInfo,
	}
}

// GetID returns the node's ID.
func (n *Node) GetID() uint32 {
	return n.id
}

func (n *Node) GetHWID() uint32 {
	return n.hwID
}

func (n *Node) GetPosition() mesh.Coordinates {
	return n.coordinates
}

func (n *Node) SetPosition(coord mesh.Coordinates) {
	n.coordinates = coord
}

func (n *Node) GetAntennaGain() float64 {
	return n.antennaGain
}

func (n *Node) Link() mesh.ILink {
	return n.link
}

func (n *Node) SetLink(l mesh.ILink) {
	n.link = l
}

// Settings returns the layout entry that recreates this node.
func (n *Node) Settings() Settings {
	return Settings{
		X:            n.coordinates.X,
		Y:            n.coordinates.Y,
		Z:            n.coordinates.Z,
		IsRouter:     n.Router,
		IsRepeater:   n.Repeater,
		IsClientMute: n.ClientMute,
		HopLimit:     n.HopLimit,
		AntennaGain:  n.antennaGain,
		NeighborInfo: n.NeighborInfo,
	}
}

// Role is the firmware device role. Router wins over repeater, repeater over
// client-mute.
func (n *Node) Role() uint64 {
	switch {
	case n.Router:
		return packet.RoleRouter
	case n.Repeater:
		return packet.RoleRepeater
	case n.ClientMute:
		return packet.RoleClientMute
	default:
		return packet.RoleClient
	}
}

// ApplyTelemetry folds a telemetry report into the node. Device metrics
// without a timestamp, or not newer than the last sample, are ignored; local
// stats only overwrite the counters they carry. It reports whether anything
// changed.
func (n *Node) ApplyTelemetry(t packet.Telemetry) bool {
	if m := t.DeviceMetrics; m != nil {
		if t.Time == 0 {
			return false
		}
		if len(n.Samples) > 0 && t.Time <= n.Samples[len(n.Samples)-1].Time {
			return false
		}
		s := DeviceSample{Time: t.Time}
		if m.ChannelUtilization != nil {
			s.ChannelUtilization = float64(*m.ChannelUtilization)
		}
		if m.AirUtilTx != nil {
			s.AirUtilTx = float64(*m.AirUtilTx)
		}
		n.Samples = append(n.Samples, s)
		return true
	}

	ls := t.LocalStats
	if ls == nil {
		return false
	}
	set := func(dst *uint32, v *uint32) {
		if v != nil {
			*dst = *v
		}
	}
	set(&n.Stats.PacketsTx, ls.NumPacketsTx)
	set(&n.Stats.PacketsRx, ls.NumPacketsRx)
	set(&n.Stats.PacketsRxBad, ls.NumPacketsRxBad)
	set(&n.Stats.RxDupe, ls.NumRxDupe)
	set(&n.Stats.TxRelay, ls.NumTxRelay)
	set(&n.Stats.TxRelayCanceled, ls.NumTxRelayCanceled)
	return true
}

// LastSample returns the most recent device-metrics sample.
func (n *Node) LastSample() (DeviceSample, bool) {
	if len(n.Samples) == 0 {
		return DeviceSample{}, false
	}
	return n.Samples[len(n.Samples)-1], true
}

// Info is the JSON view of a node returned by the control surface.
type Info struct {
	ID          uint32           `json:"id"`
	HWID        uint32           `json:"hwId"`
	Position    mesh.Coordinates `json:"position"`
	Lat         float64          `json:"lat"`
	Lng         float64          `json:"lng"`
	Role        string           `json:"role"`
	HopLimit    uint32           `json:"hopLimit"`
	AntennaGain float64          `json:"antennaGain"`
	Connected   bool             `json:"connected"`
	Stats       Stats            `json:"stats"`
	Samples     int              `json:"samples"`
}

func (n *Node) Info() Info {
	lat, lng := n.coordinates.LatLng()
	return Info{
		ID:          n.id,
		HWID:        n.hwID,
		Position:    n.coordinates,
		Lat:         lat,
		Lng:         lng,
		Role:        roleName(n.Role()),
		HopLimit:    n.HopLimit,
		AntennaGain: n.antennaGain,
		Connected:   n.link != nil && n.link.Connected(),
		Stats:       n.Stats,
		Samples:     len(n.Samples),
	}
}

// String prints the details of a node on a few lines.
func (n *Node) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Node %d (hw %d)\n", n.id, n.hwID)
	fmt.Fprintf(&b, "  Position: (%.1f, %.1f, %.1f) m\n", n.coordinates.X, n.coordinates.Y, n.coordinates.Z)
	fmt.Fprintf(&b, "  Role: %s  HopLimit: %d  Gain: %.1f dBi\n", roleName(n.Role()), n.HopLimit, n.antennaGain)
	fmt.Fprintf(&b, "  Tx: %d  Rx: %d  RxBad: %d  Dupe: %d  Relay: %d  RelayCanceled: %d",
		n.Stats.PacketsTx, n.Stats.PacketsRx, n.Stats.PacketsRxBad, n.Stats.RxDupe, n.Stats.TxRelay, n.Stats.TxRelayCanceled)
	return b.String()
}

func roleName(r uint64) string {
	switch r {
	case packet.RoleRouter:
		return "ROUTER"
	case packet.RoleRepeater:
		return "REPEATER"
	case packet.RoleClientMute:
		return "CLIENT_MUTE"
	default:
		return "CLIENT"
	}
}
