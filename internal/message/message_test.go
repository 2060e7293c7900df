package message

import (
	"bytes"
	"strings"
	"testing"

	"mesh-emulator/internal/logging"
	"mesh-emulator/internal/metrics"
	"mesh-emulator/internal/packet"

	"github.com/prometheus/client_golang/prometheus"
)

func pkt(id uint32) packet.Packet {
	return packet.Packet{ID: id, From: 17, To: packet.BROADCAST_ADDR}
}

func reply(id, requestID uint32) packet.Packet {
	p := pkt(id)
	p.Decoded.RequestID = requestID
	return p
}

func TestCorrelateAllocatesFromZero(t *testing.T) {
	l := NewLedger(nil, nil)
	for want, id := range []uint32{100, 200, 300} {
		got, hop := l.Correlate(pkt(id))
		if got != want {
			t.Fatalf("Correlate(%d) = %d, want %d", id, got, want)
		}
		if hop == nil || hop.Packet.ID != id {
			t.Fatalf("hop = %+v", hop)
		}
	}
	if l.NextID() != 3 {
		t.Fatalf("NextID = %d, want 3", l.NextID())
	}
}

func TestCorrelateIsIdempotentForSamePacketID(t *testing.T) {
	l := NewLedger(nil, nil)
	first, _ := l.Correlate(pkt(42))
	l.Correlate(pkt(7))
	second, _ := l.Correlate(pkt(42))
	if first != second {
		t.Fatalf("same packet id got ids %d and %d", first, second)
	}
	m, ok := l.Message(first)
	if !ok || len(m.Hops) != 2 {
		t.Fatalf("message %d has %d hops, want 2", first, len(m.Hops))
	}
	if l.Len() != 3 {
		t.Fatalf("Len = %d, want 3", l.Len())
	}
}

func TestCorrelateReplyReusesRequestMessage(t *testing.T) {
	l := NewLedger(nil, nil)
	orig, _ := l.Correlate(pkt(1000))
	l.Correlate(pkt(2000))
	next := l.NextID()

	got, _ := l.Correlate(reply(3000, 1000))
	if got != orig {
		t.Fatalf("reply filed under %d, want %d", got, orig)
	}
	if l.NextID() != next {
		t.Fatalf("reply allocated a new id: NextID %d -> %d", next, l.NextID())
	}

	// a rebroadcast of the reply carries the same request id
	again, _ := l.Correlate(reply(3000, 1000))
	if again != orig {
		t.Fatalf("rebroadcast reply filed under %d, want %d", again, orig)
	}
}

func TestCorrelationMissFallsBackToFreshID(t *testing.T) {
	var buf bytes.Buffer
	log := logging.NewWithWriter(&buf, logging.Config{Level: "debug", Format: "json"})
	coll, err := metrics.NewCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	l := NewLedger(log, coll)
	l.Correlate(pkt(1))
	got, _ := l.Correlate(reply(2, 999))
	if got != 1 {
		t.Fatalf("miss got id %d, want fresh id 1", got)
	}
	if coll.Snapshot().CorrelationMisses != 1 {
		t.Fatalf("correlation misses = %d", coll.Snapshot().CorrelationMisses)
	}
	if !strings.Contains(buf.String(), "request id matches no known packet") {
		t.Fatalf("missing warning, log: %s", buf.String())
	}

	// later packets referring to the reply's id join its message
	if id, _ := l.Correlate(reply(3, 2)); id != 1 {
		t.Fatalf("reply to fallback message got %d, want 1", id)
	}
}

func TestMessagesKeepAllocationOrder(t *testing.T) {
	l := NewLedger(nil, nil)
	l.Correlate(pkt(5))
	l.Correlate(pkt(6))
	_, hop := l.Correlate(pkt(5))
	hop.SetReception(2, []uint32{3, 4}, []float64{-80, -90}, []float64{20, 10})

	msgs := l.Messages()
	if len(msgs) != 2 || msgs[0].GetLocalID() != 0 || msgs[1].GetLocalID() != 1 {
		t.Fatalf("messages = %+v", msgs)
	}
	last := msgs[0].GetHops()[1]
	if last.Transmitter != 2 || len(last.Receivers) != 2 || last.RSSI[1] != -90 {
		t.Fatalf("hop = %+v", last)
	}
	if msgs[0].Origin().Packet.ID != 5 {
		t.Fatalf("origin = %+v", msgs[0].Origin())
	}
}
