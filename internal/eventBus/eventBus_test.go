package eventBus

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/vmihailenco/msgpack/v5"

	"mesh-emulator/internal/metrics"
)

type failingSession struct {
	id     string
	closed atomic.Bool
}

func (f *failingSession) ID() string                         { return f.id }
func (f *failingSession) Send(context.Context, Event) error { return errors.New("peer gone") }
func (f *failingSession) Close() error                       { f.closed.Store(true); return nil }

// blockingSession never accepts an event until ctx is done.
type blockingSession struct{ id string }

func (b *blockingSession) ID() string { return b.id }
func (b *blockingSession) Send(ctx context.Context, _ Event) error {
	<-ctx.Done()
	return ctx.Err()
}
func (b *blockingSession) Close() error { return nil }

func startPublisher(t *testing.T, opts Options) *Publisher {
	t.Helper()
	p := NewPublisher(opts)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(p.Stop)
	return p
}

func recv(t *testing.T, s *ChanSession) Event {
	t.Helper()
	select {
	case ev := <-s.C():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

func TestBroadcastWithoutSessionsIsNoop(t *testing.T) {
	p := startPublisher(t, Options{})
	if p.Broadcast(EventNodeUpdate, NodeUpdate{ID: 1}) {
		t.Fatal("event queued with no sessions")
	}
}

func TestBroadcastBeforeStartIsNoop(t *testing.T) {
	p := NewPublisher(Options{})
	p.Add(NewChanSession(1))
	if p.Broadcast(EventNodeUpdate, NodeUpdate{ID: 1}) {
		t.Fatal("event queued before Start")
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()
	if err := p.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start err = %v", err)
	}
}

func TestBroadcastReachesEverySession(t *testing.T) {
	at := time.Unix(1700000000, 500_000_000)
	p := startPublisher(t, Options{Now: func() time.Time { return at }})
	sessions := []*ChanSession{NewChanSession(4), NewChanSession(4), NewChanSession(4)}
	for _, s := range sessions {
		p.Add(s)
	}

	if !p.Broadcast(EventPacketSent, PacketSent{ID: 0, From: 1, To: "All", Rx: []uint32{2, 3}}) {
		t.Fatal("Broadcast returned false")
	}
	for _, s := range sessions {
		ev := recv(t, s)
		if ev.Type != EventPacketSent || ev.Timestamp != 1700000000.5 {
			t.Fatalf("event = %+v", ev)
		}
		if ps, ok := ev.Data.(PacketSent); !ok || ps.To != "All" || len(ps.Rx) != 2 {
			t.Fatalf("data = %#v", ev.Data)
		}
	}
}

func TestFailingSessionIsPruned(t *testing.T) {
	coll, err := metrics.NewCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	p := startPublisher(t, Options{Metrics: coll})
	good := NewChanSession(4)
	bad := &failingSession{id: "bad"}
	p.Add(good)
	p.Add(bad)

	p.Broadcast(EventNodeRemoved, NodeRemoved{ID: 3})
	recv(t, good)

	deadline := time.Now().Add(2 * time.Second)
	for p.Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("sessions = %d, want 1", p.Len())
		}
		time.Sleep(time.Millisecond)
	}
	if !bad.closed.Load() {
		t.Fatal("pruned session was not closed")
	}
	if coll.Snapshot().SessionsPruned != 1 {
		t.Fatalf("pruned counter = %d", coll.Snapshot().SessionsPruned)
	}

	p.Broadcast(EventNodeRemoved, NodeRemoved{ID: 4})
	if ev := recv(t, good); ev.Data.(NodeRemoved).ID != 4 {
		t.Fatalf("event = %+v", ev)
	}
}

func TestBroadcastDoesNotBlockOnSlowSession(t *testing.T) {
	coll, err := metrics.NewCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	p := startPublisher(t, Options{QueueSize: 2, SendTimeout: time.Minute, Metrics: coll})
	p.Add(&blockingSession{id: "slow"})

	start := time.Now()
	queued := 0
	for i := 0; i < 50; i++ {
		if p.Broadcast(EventTelemetry, TelemetryUpdate{ID: uint32(i)}) {
			queued++
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Broadcast blocked for %v", elapsed)
	}
	if queued > 3 {
		t.Fatalf("queued %d events into a queue of 2 with one in flight", queued)
	}
	if coll.Snapshot().EventsDropped == 0 {
		t.Fatal("no dropped events recorded")
	}
}

func TestStopClosesSessions(t *testing.T) {
	p := NewPublisher(Options{})
	p.Start(context.Background())
	s := NewChanSession(1)
	p.Add(s)
	p.Stop()

	if _, ok := <-s.C(); ok {
		t.Fatal("session channel still open after Stop")
	}
	if err := p.Add(NewChanSession(1)); !errors.Is(err, ErrStopped) {
		t.Fatalf("Add after Stop err = %v", err)
	}
	if p.Broadcast(EventSimulationState, SimulationState{State: StateStopped}) {
		t.Fatal("Broadcast after Stop queued an event")
	}
}

func TestEncodings(t *testing.T) {
	ev := NewEvent(EventNodeUpdate, NodeUpdate{ID: 2, Lat: 44.001, Lng: -104.999, HWID: 18}, time.Unix(10, 0))

	js, err := EncodingJSON.Marshal(ev)
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(js, &decoded); err != nil {
		t.Fatalf("json decode: %v", err)
	}
	data := decoded["data"].(map[string]any)
	if decoded["type"] != "node_update" || decoded["timestamp"] != 10.0 || data["hwId"] != 18.0 {
		t.Fatalf("json = %s", js)
	}

	mp, err := EncodingMsgpack.Marshal(ev)
	if err != nil {
		t.Fatalf("msgpack: %v", err)
	}
	var m map[string]any
	if err := msgpack.Unmarshal(mp, &m); err != nil {
		t.Fatalf("msgpack decode: %v", err)
	}
	if m["type"] != "node_update" {
		t.Fatalf("msgpack type = %v", m["type"])
	}
	if inner, ok := m["data"].(map[string]any); !ok || inner["lat"] != 44.001 {
		t.Fatalf("msgpack data = %#v", m["data"])
	}

	if _, err := ParseEncoding("xml"); err == nil {
		t.Fatal("ParseEncoding accepted xml")
	}
}
