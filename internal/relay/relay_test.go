package relay

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"mesh-emulator/internal/metrics"
	"mesh-emulator/internal/network"
	"mesh-emulator/internal/node"
	"mesh-emulator/internal/packet"
)

type fakeLink struct {
	mu   sync.Mutex
	sent []packet.ToRadio
	err  error
}

func (l *fakeLink) SendToRadio(_ context.Context, msg packet.ToRadio) error {
	if l.err != nil {
		return l.err
	}
	l.mu.Lock()
	l.sent = append(l.sent, msg)
	l.mu.Unlock()
	return nil
}
func (l *fakeLink) Connected() bool                 { return true }
func (l *fakeLink) LocalConfig() packet.LocalConfig { return packet.LocalConfig{} }

// linearLoss makes the path loss equal to the distance in metres.
func linearLoss(d, _, _, _ float64) float64 { return d }

var params = network.Params{TxPower: 20, NoiseFloor: -120, Sensitivity: -100}

func newRelay(t *testing.T) (*Relay, *metrics.Collector) {
	t.Helper()
	coll, err := metrics.NewCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	return New(network.NewEngine(linearLoss), params, nil, coll), coll
}

func nodeAt(id uint32, x float64) (*node.Node, *fakeLink) {
	n := node.New(id, node.Settings{X: x})
	l := &fakeLink{}
	n.SetLink(l)
	return n, l
}

func TestForwardInjectsWithLinkQuality(t *testing.T) {
	r, coll := newRelay(t)
	tx, txLink := nodeAt(0, 0)
	near, nearLink := nodeAt(1, 80)
	far, farLink := nodeAt(2, 150)

	p := packet.Packet{
		From: tx.GetHWID(), To: packet.BROADCAST_ADDR, ID: 77,
		HopLimit: 3, HopStart: 3, WantAck: true, RelayNode: 0x10,
		Decoded: packet.Data{PortNum: packet.PortTextMessage, Payload: []byte("hello"), RequestID: 5, WantResponse: true},
	}
	rx, err := r.Forward(context.Background(), tx, []*node.Node{tx, near, far}, p)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if ids := rx.IDs(); len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("receivers = %v, want [1]", ids)
	}
	if len(txLink.sent) != 0 || len(farLink.sent) != 0 {
		t.Fatalf("unexpected injections: tx=%d far=%d", len(txLink.sent), len(farLink.sent))
	}
	if len(nearLink.sent) != 1 {
		t.Fatalf("near received %d frames, want 1", len(nearLink.sent))
	}

	got := nearLink.sent[0].Packet
	if got.RxRSSI != -60 || got.RxSNR != 60 {
		t.Fatalf("rssi=%d snr=%v, want -60/60", got.RxRSSI, got.RxSNR)
	}
	if got.Decoded.PortNum != packet.PortSimulator {
		t.Fatalf("port = %s, want simulator", got.Decoded.PortNum)
	}
	if got.From != p.From || got.To != p.To || got.ID != 77 || got.HopLimit != 3 || got.HopStart != 3 ||
		!got.WantAck || got.RelayNode != 0x10 || got.Decoded.RequestID != 5 || !got.Decoded.WantResponse {
		t.Fatalf("header not preserved: %+v", got)
	}
	inner, err := packet.UnwrapSimulator(*got)
	if err != nil {
		t.Fatalf("UnwrapSimulator: %v", err)
	}
	if inner.Decoded.PortNum != packet.PortTextMessage || !bytes.Equal(inner.Decoded.Payload, []byte("hello")) {
		t.Fatalf("inner = %+v", inner.Decoded)
	}

	snap := coll.Snapshot()
	if snap.Transmissions != 1 || snap.Deliveries != 1 || snap.TxByPort["TEXT_MESSAGE_APP"] != 1 {
		t.Fatalf("counters = %+v", snap)
	}
}

func TestForwardRejectsRelayTaggedPacket(t *testing.T) {
	r, coll := newRelay(t)
	tx, _ := nodeAt(0, 0)
	rxNode, rxLink := nodeAt(1, 10)

	p := packet.Packet{ID: 1, Decoded: packet.Data{PortNum: packet.PortSimulator}}
	if _, err := r.Forward(context.Background(), tx, []*node.Node{rxNode}, p); !errors.Is(err, ErrRelayLoop) {
		t.Fatalf("err = %v, want ErrRelayLoop", err)
	}
	if len(rxLink.sent) != 0 {
		t.Fatal("loop packet was injected")
	}
	if coll.Snapshot().RelayRejected["loop"] != 1 {
		t.Fatalf("rejections = %v", coll.Snapshot().RelayRejected)
	}
}

func TestForwardRejectsOversizedEnvelope(t *testing.T) {
	r, _ := newRelay(t)
	tx, _ := nodeAt(0, 0)
	rxNode, rxLink := nodeAt(1, 10)

	p := packet.Packet{ID: 1, Decoded: packet.Data{PortNum: packet.PortTextMessage, Payload: make([]byte, packet.DATA_PAYLOAD_LEN)}}
	if _, err := r.Forward(context.Background(), tx, []*node.Node{rxNode}, p); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
	if len(rxLink.sent) != 0 {
		t.Fatal("oversized packet was injected")
	}
}

func TestForwardSkipsFailedReceivers(t *testing.T) {
	r, coll := newRelay(t)
	tx, _ := nodeAt(0, 0)
	broken, brokenLink := nodeAt(1, 10)
	brokenLink.err = errors.New("broken pipe")
	ok, okLink := nodeAt(2, 20)
	unlinked := node.New(3, node.Settings{X: 30})

	rx, err := r.Forward(context.Background(), tx, []*node.Node{broken, ok, unlinked},
		packet.Packet{ID: 3, Decoded: packet.Data{PortNum: packet.PortTextMessage, Payload: []byte("x")}})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if rx.Len() != 3 {
		t.Fatalf("receivers = %v, want all three admitted", rx.IDs())
	}
	if len(okLink.sent) != 1 {
		t.Fatalf("healthy receiver got %d frames", len(okLink.sent))
	}
	snap := coll.Snapshot()
	if snap.InjectFailures != 2 || snap.Deliveries != 1 {
		t.Fatalf("failures=%d deliveries=%d, want 2/1", snap.InjectFailures, snap.Deliveries)
	}
}

func TestForwardWithNoReceivers(t *testing.T) {
	r, _ := newRelay(t)
	tx, _ := nodeAt(0, 0)
	rx, err := r.Forward(context.Background(), tx, nil, packet.Packet{ID: 4, Decoded: packet.Data{PortNum: packet.PortPosition}})
	if err != nil || rx.Len() != 0 {
		t.Fatalf("rx=%v err=%v", rx.IDs(), err)
	}
}
