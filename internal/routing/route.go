package routing

import (
	"fmt"
	"strconv"

	"mesh-emulator/internal/mesh"
	"mesh-emulator/internal/message"
	"mesh-emulator/internal/packet"
)

// Kind names the role one transmission plays in a message exchange.
type Kind string

const (
	KindOriginal           Kind = "Original message"
	KindResponse           Kind = "Response"
	KindRealACK            Kind = "Real ACK"
	KindForwardingACK      Kind = "Forwarding real ACK"
	KindForwardingResponse Kind = "Forwarding response"
	KindImplicitACK        Kind = "Implicit ACK"
	KindRebroadcast        Kind = "Rebroadcast"
	KindForwardingMessage  Kind = "Forwarding message"
)

// Link is one transmitter to receiver arc of a message route.
type Link struct {
	Transmitter    uint32  `json:"transmitter"`
	Receiver       uint32  `json:"receiver"`
	Kind           Kind    `json:"kind"`
	OriginalSender uint32  `json:"originalSender"`
	Destination    string  `json:"destination"`
	Port           string  `json:"port"`
	HopLimit       uint32  `json:"hopLimit,omitempty"`
	RSSI           float64 `json:"rssi"`
	SNR            float64 `json:"snr"`
	// Seq counts arcs between the same pair so far, starting at 1.
	Seq int `json:"seq"`
}

// Route is every arc observed for one message, in observation order.
type Route struct {
	MessageID int    `json:"messageId"`
	Links     []Link `json:"links"`
}

// Destination renders a packet destination as a node id, or "All" for
// broadcasts.
func Destination(to uint32) string {
	if to == packet.BROADCAST_ADDR {
		return "All"
	}
	if id, ok := mesh.HWIDToNodeID(to); ok {
		return strconv.FormatUint(uint64(id), 10)
	}
	return fmt.Sprintf("!%08x", to)
}

// Classify decides what a transmission by tx heard by rx means for the
// exchange, from the packet header alone.
func Classify(p packet.Packet, tx, rx uint32) Kind {
	txHW, rxHW := mesh.NodeIDToHWID(tx), mesh.NodeIDToHWID(rx)
	switch {
	case p.From == txHW:
		if !p.Decoded.HasRequestID() {
			return KindOriginal
		}
		if p.Priority == packet.PriorityACK {
			return KindRealACK
		}
		return KindResponse
	case p.Decoded.HasRequestID():
		if p.Decoded.PortNum == packet.PortRouting {
			return KindForwardingACK
		}
		return KindForwardingResponse
	case p.From == rxHW:
		return KindImplicitACK
	case p.IsBroadcast():
		return KindRebroadcast
	default:
		return KindForwardingMessage
	}
}

// Describe lays out the route of m.
func Describe(m message.IMessage) Route {
	r := Route{MessageID: m.GetLocalID()}
	type pair struct{ tx, rx uint32 }
	seen := make(map[pair]int)

	for _, h := range m.GetHops() {
		p := h.Packet
		origin, _ := mesh.HWIDToNodeID(p.From)
		for i, rx := range h.Receivers {
			k := pair{h.Transmitter, rx}
			seen[k]++
			l := Link{
				Transmitter:    h.Transmitter,
				Receiver:       rx,
				Kind:           Classify(p, h.Transmitter, rx),
				OriginalSender: origin,
				Destination:    Destination(p.To),
				Port:           p.Decoded.PortNum.String(),
				HopLimit:       p.HopLimit,
				Seq:            seen[k],
			}
			if i < len(h.RSSI) {
				l.RSSI = h.RSSI[i]
			}
			if i < len(h.SNR) {
				l.SNR = h.SNR[i]
			}
			r.Links = append(r.Links, l)
		}
	}
	return r
}
