package message

import (
	"context"
	"time"

	"mesh-emulator/internal/logging"
	"mesh-emulator/internal/metrics"
	"mesh-emulator/internal/packet"
)

// Hop is one transmission of a message: who sent it and who heard it.
type Hop struct {
	Packet      packet.Packet
	Transmitter uint32
	Receivers   []uint32
	RSSI        []float64
	SNR         []float64
	At          time.Time
}

// SetReception attaches the reception result of this hop.
func (h *Hop) SetReception(transmitter uint32, receivers []uint32, rssi, snr []float64) {
	h.Transmitter = transmitter
	h.Receivers = receivers
	h.RSSI = rssi
	h.SNR = snr
}

// Message is one logical exchange: the original packet, its rebroadcasts,
// acknowledgements and replies.
type Message struct {
	LocalID int
	Hops    []*Hop
}

// GetLocalID returns the ledger id.
func (m *Message) GetLocalID() int {
	return m.LocalID
}

// GetHops returns every hop in observation order.
func (m *Message) GetHops() []*Hop {
	return m.Hops
}

// Origin is the first observed hop.
func (m *Message) Origin() *Hop {
	if len(m.Hops) == 0 {
		return nil
	}
	return m.Hops[0]
}

type entry struct {
	packetID uint32
	localID  int
}

// Ledger correlates transmitted packets into messages. It is owned by the
// simulation loop and is not safe for concurrent use. Nothing is ever
// removed.
type Ledger struct {
	log  logging.Logger
	coll *metrics.Collector
	now  func() time.Time

	seen     []entry
	byPacket map[uint32]int
	messages map[int]*Message
	order    []int
	next     int
}

func NewLedger(log logging.Logger, coll *metrics.Collector) *Ledger {
	if log == nil {
		log = logging.Noop()
	}
	return &Ledger{
		log:      log,
		coll:     coll,
		now:      time.Now,
		byPacket: make(map[uint32]int),
		messages: make(map[int]*Message),
	}
}

// Correlate files p under a message and returns the message id together
// with the hop it appended. A reply (request id set) joins the message of
// the packet it answers; a packet id seen before joins its earlier message;
// anything else starts a new message. A reply to an unknown packet is logged
// and starts a new message.
func (l *Ledger) Correlate(p packet.Packet) (int, *Hop) {
	var (
		id    int
		found bool
	)
	if p.Decoded.HasRequestID() {
		id, found = l.byPacket[p.Decoded.RequestID]
		if !found {
			l.log.Warn(context.Background(), "request id matches no known packet",
				logging.Uint32("request_id", p.Decoded.RequestID),
				logging.Uint32("packet_id", p.ID),
			)
			l.coll.AddCorrelationMiss()
		}
	} else {
		id, found = l.byPacket[p.ID]
	}
	if !found {
		id = l.next
		l.next++
		l.messages[id] = &Message{LocalID: id}
		l.order = append(l.order, id)
	}

	l.seen = append(l.seen, entry{packetID: p.ID, localID: id})
	if _, ok := l.byPacket[p.ID]; !ok {
		l.byPacket[p.ID] = id
	}

	hop := &Hop{Packet: p, At: l.now()}
	m := l.messages[id]
	m.Hops = append(m.Hops, hop)
	return id, hop
}

// Message returns the message with the given id.
func (l *Ledger) Message(id int) (*Message, bool) {
	m, ok := l.messages[id]
	return m, ok
}

// Messages returns every message in allocation order.
func (l *Ledger) Messages() []*Message {
	out := make([]*Message, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.messages[id])
	}
	return out
}

// NextID is the id the next new message will get.
func (l *Ledger) NextID() int {
	return l.next
}

// Len is the number of correlated packets.
func (l *Ledger) Len() int {
	return len(l.seen)
}
