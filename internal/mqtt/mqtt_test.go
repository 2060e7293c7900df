package mqtt

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	eb "mesh-emulator/internal/eventBus"
	"mesh-emulator/internal/node"
	"mesh-emulator/internal/routing"
	"mesh-emulator/internal/sim"
)

type doneToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *doneToken {
	t := &doneToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *doneToken) Wait() bool                     { <-t.done; return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return t.err }

type published struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	mu   sync.Mutex
	msgs []published
	// hang leaves tokens pending forever.
	hang bool
}

func (f *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) paho.Token {
	f.mu.Lock()
	f.msgs = append(f.msgs, published{topic, payload.([]byte)})
	f.mu.Unlock()
	if f.hang {
		return &doneToken{done: make(chan struct{})}
	}
	return newToken(nil)
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type fakeController struct{ lastText string }

func (f *fakeController) Broadcast(_ context.Context, _ uint32, text string) (int, error) {
	f.lastText = text
	return 12, nil
}
func (f *fakeController) DirectMessage(context.Context, uint32, uint32, string) (int, error) {
	return 0, nil
}
func (f *fakeController) Ping(context.Context, uint32, uint32) (int, error) { return 0, nil }
func (f *fakeController) Traceroute(context.Context, uint32, uint32) (int, error) {
	return 0, nil
}
func (f *fakeController) RequestPosition(context.Context, uint32, uint32) (int, error) {
	return 0, nil
}
func (f *fakeController) RequestLocalStats(context.Context, uint32) (int, error) { return 0, nil }
func (f *fakeController) RemoveNode(context.Context, uint32) error               { return sim.ErrDegraded }
func (f *fakeController) Nodes(context.Context) ([]node.Info, error)             { return nil, nil }
func (f *fakeController) Route(context.Context, int) (routing.Route, error) {
	return routing.Route{}, nil
}

func handle(t *testing.T, ctl *fakeController, body string) CommandReply {
	t.Helper()
	out := &fakeClient{}
	ProcessCommandMessage(ctl, out, 0, nil)(nil, fakeMessage{topic: "mesh/commands", payload: []byte(body)})
	if len(out.msgs) != 1 {
		t.Fatalf("published %d replies", len(out.msgs))
	}
	if out.msgs[0].topic != "mesh/commands/reply" {
		t.Fatalf("reply topic = %s", out.msgs[0].topic)
	}
	var reply CommandReply
	if err := json.Unmarshal(out.msgs[0].payload, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return reply
}

func TestCommandIsDispatched(t *testing.T) {
	ctl := &fakeController{}
	reply := handle(t, ctl, `{"command":"broadcast","from":2,"text":"over mqtt","request_id":"r1"}`)
	if reply.Status != http.StatusOK || reply.MessageID != 12 || reply.RequestID != "r1" || reply.Command != "broadcast" {
		t.Fatalf("reply = %+v", reply)
	}
	if ctl.lastText != "over mqtt" {
		t.Fatalf("text = %q", ctl.lastText)
	}
}

func TestCommandErrorsAreReported(t *testing.T) {
	cases := []struct {
		body string
		want int
	}{
		{`{"command":`, http.StatusBadRequest},
		{`{"command":"teleport"}`, http.StatusBadRequest},
		{`{"command":"remove","node_id":1}`, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		reply := handle(t, &fakeController{}, tc.body)
		if reply.Status != tc.want || reply.Error == "" {
			t.Errorf("%s: reply = %+v, want status %d", tc.body, reply, tc.want)
		}
	}
}

func TestEventSinkPublishesEncodedEvents(t *testing.T) {
	client := &fakeClient{}
	sink := NewEventSink(client, "mesh/events", 1, eb.EncodingMsgpack)

	ev := eb.NewEvent(eb.EventNodeRemoved, eb.NodeRemoved{ID: 5}, time.Unix(1700000000, 0))
	if err := sink.Send(context.Background(), ev); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(client.msgs) != 1 || client.msgs[0].topic != "mesh/events" {
		t.Fatalf("published = %+v", client.msgs)
	}
	var got map[string]any
	if err := msgpack.Unmarshal(client.msgs[0].payload, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["type"] != "node_removed" {
		t.Fatalf("event = %v", got)
	}

	sink.Close()
	if err := sink.Send(context.Background(), ev); err != eb.ErrSessionClosed {
		t.Fatalf("Send after Close = %v", err)
	}
}

func TestEventSinkHonoursContext(t *testing.T) {
	sink := NewEventSink(&fakeClient{hang: true}, "mesh/events", 0, eb.EncodingJSON)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := sink.Send(ctx, eb.NewEvent(eb.EventSimulationState, eb.SimulationState{State: eb.StateRunning}, time.Now())); err != context.DeadlineExceeded {
		t.Fatalf("Send = %v, want deadline exceeded", err)
	}
}
