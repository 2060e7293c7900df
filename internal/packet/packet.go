package packet

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

// PortNum identifies the application a Data payload belongs to.
type PortNum uint32

// Port numbers used by the emulator (subset of the firmware's portnums).
const (
	PortUnknown        PortNum = 0
	PortTextMessage    PortNum = 1
	PortRemoteHardware PortNum = 2
	PortPosition       PortNum = 3
	PortNodeInfo       PortNum = 4
	PortRouting        PortNum = 5
	PortAdmin          PortNum = 6
	PortReply          PortNum = 32
	PortTelemetry      PortNum = 67
	PortSimulator      PortNum = 69 // over-the-air frames exchanged with simulator-mode firmware
	PortTraceroute     PortNum = 70
	PortNeighborInfo   PortNum = 71
)

var portNames = map[PortNum]string{
	PortUnknown:        "UNKNOWN_APP",
	PortTextMessage:    "TEXT_MESSAGE_APP",
	PortRemoteHardware: "REMOTE_HARDWARE_APP",
	PortPosition:       "POSITION_APP",
	PortNodeInfo:       "NODEINFO_APP",
	PortRouting:        "ROUTING_APP",
	PortAdmin:          "ADMIN_APP",
	PortReply:          "REPLY_APP",
	PortTelemetry:      "TELEMETRY_APP",
	PortSimulator:      "SIMULATOR_APP",
	PortTraceroute:     "TRACEROUTE_APP",
	PortNeighborInfo:   "NEIGHBORINFO_APP",
}

func (p PortNum) String() string {
	if name, ok := portNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PORT_%d", uint32(p))
}

// Priority values of MeshPacket.priority that the emulator inspects.
const (
	PriorityDefault uint32 = 64
	PriorityACK     uint32 = 120
)

const (
	BROADCAST_ADDR uint32 = 0xFFFFFFFF // everyone hears

	DATA_PAYLOAD_LEN       = 233 // max Data.payload the firmware accepts
	MAX_TO_FROM_RADIO_SIZE = 512 // max ToRadio/FromRadio on the stream API

	DEFAULT_HOP_LIMIT = 3
)

// ErrMalformed is returned when a protobuf payload cannot be decoded.
var ErrMalformed = errors.New("malformed payload")

// Data is the decoded application payload of a MeshPacket.
type Data struct {
	PortNum      PortNum
	Payload      []byte
	WantResponse bool
	Dest         uint32
	Source       uint32
	RequestID    uint32
	ReplyID      uint32
}

// HasRequestID reports whether the payload answers an earlier packet.
func (d Data) HasRequestID() bool { return d.RequestID != 0 }

// Packet is a MeshPacket. Fields not present on the wire keep their zero
// values.
type Packet struct {
	From      uint32
	To        uint32
	Channel   uint32
	Decoded   Data
	Encrypted []byte
	ID        uint32
	RxTime    uint32
	RxSNR     float32
	HopLimit  uint32
	WantAck   bool
	Priority  uint32
	RxRSSI    int32
	ViaMQTT   bool
	HopStart  uint32
	NextHop   uint32
	RelayNode uint32
}

// IsBroadcast reports whether the packet is addressed to every node.
func (p Packet) IsBroadcast() bool { return p.To == BROADCAST_ADDR }

// RelayTagged reports whether the packet already carries simulator relay
// traffic.
func (p Packet) RelayTagged() bool { return p.Decoded.PortNum == PortSimulator }

// CloneHeader copies the routing metadata of p into a new packet with an empty
// payload. Reception fields (rx_rssi, rx_snr, rx_time) are not copied.
func (p Packet) CloneHeader() Packet {
	return Packet{
		From:      p.From,
		To:        p.To,
		Channel:   p.Channel,
		ID:        p.ID,
		HopLimit:  p.HopLimit,
		WantAck:   p.WantAck,
		Priority:  p.Priority,
		ViaMQTT:   p.ViaMQTT,
		HopStart:  p.HopStart,
		NextHop:   p.NextHop,
		RelayNode: p.RelayNode,
		Decoded: Data{
			RequestID:    p.Decoded.RequestID,
			WantResponse: p.Decoded.WantResponse,
		},
	}
}

// NewPacketID returns a random non-zero packet id.
func NewPacketID() uint32 {
	for {
		if id := rand.Uint32(); id != 0 {
			return id
		}
	}
}
