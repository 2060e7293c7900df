package message

import "mesh-emulator/internal/packet"

// IMessage is the read view of a correlated exchange used for route
// inspection.
type IMessage interface {
	GetLocalID() int
	GetHops() []*Hop
	Origin() *Hop
}

// ICorrelator files observed packets into messages.
type ICorrelator interface {
	Correlate(p packet.Packet) (int, *Hop)
	Message(id int) (*Message, bool)
	NextID() int
}

var (
	_ IMessage    = (*Message)(nil)
	_ ICorrelator = (*Ledger)(nil)
)
