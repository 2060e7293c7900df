package eventBus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

type EventType string

const (
	EventNodeUpdate      EventType = "node_update"
	EventPacketSent      EventType = "packet_sent"
	EventNodeRemoved     EventType = "node_removed"
	EventTelemetry       EventType = "telemetry"
	EventSimulationState EventType = "simulation_state"
)

// Event is one message pushed to observers. Timestamp is Unix seconds.
type Event struct {
	Type      EventType `json:"type"`
	Data      any       `json:"data"`
	Timestamp float64   `json:"timestamp"`
}

func NewEvent(t EventType, data any, at time.Time) Event {
	return Event{Type: t, Data: data, Timestamp: float64(at.UnixNano()) / 1e9}
}

// NodeUpdate places a node on the observer map.
type NodeUpdate struct {
	ID   uint32  `json:"id"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	HWID uint32  `json:"hwId"`
}

// PacketSent reports one transmission and who heard it. To is a node id, or
// "All" for broadcasts.
type PacketSent struct {
	ID   int      `json:"id"`
	From uint32   `json:"from"`
	To   any      `json:"to"`
	Rx   []uint32 `json:"rx"`
	Port string   `json:"port,omitempty"`
}

type NodeRemoved struct {
	ID uint32 `json:"id"`
}

// TelemetryUpdate carries the latest device metrics and counters of a node.
type TelemetryUpdate struct {
	ID                 uint32  `json:"id"`
	Time               uint32  `json:"time"`
	ChannelUtilization float64 `json:"channelUtilization"`
	AirUtilTx          float64 `json:"airUtilTx"`
	PacketsTx          uint32  `json:"packetsTx"`
	PacketsRx          uint32  `json:"packetsRx"`
	PacketsRxBad       uint32  `json:"packetsRxBad"`
	RxDupe             uint32  `json:"rxDupe"`
	TxRelay            uint32  `json:"txRelay"`
	TxRelayCanceled    uint32  `json:"txRelayCanceled"`
}

type SimulationState struct {
	State string `json:"state"`
}

const (
	StateStarting = "starting"
	StateRunning  = "running"
	StateDegraded = "degraded"
	StateStopped  = "stopped"
)

// Encoding selects the observer wire format.
type Encoding int

const (
	EncodingJSON Encoding = iota
	EncodingMsgpack
)

func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "", "json":
		return EncodingJSON, nil
	case "msgpack":
		return EncodingMsgpack, nil
	default:
		return EncodingJSON, fmt.Errorf("unknown encoding %q", s)
	}
}

func (e Encoding) String() string {
	if e == EncodingMsgpack {
		return "msgpack"
	}
	return "json"
}

// Marshal encodes ev. Msgpack output uses the json field names so both
// formats carry the same keys.
func (e Encoding) Marshal(ev Event) ([]byte, error) {
	if e == EncodingJSON {
		return json.Marshal(ev)
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(ev); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
