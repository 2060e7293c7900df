package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vmihailenco/msgpack/v5"

	eb "mesh-emulator/internal/eventBus"
	"mesh-emulator/internal/metrics"
	"mesh-emulator/internal/node"
	"mesh-emulator/internal/routing"
)

type stubController struct{}

func (stubController) Broadcast(context.Context, uint32, string) (int, error)             { return 7, nil }
func (stubController) DirectMessage(context.Context, uint32, uint32, string) (int, error) { return 0, nil }
func (stubController) Ping(context.Context, uint32, uint32) (int, error)                  { return 0, nil }
func (stubController) Traceroute(context.Context, uint32, uint32) (int, error)            { return 0, nil }
func (stubController) RequestPosition(context.Context, uint32, uint32) (int, error)       { return 0, nil }
func (stubController) RequestLocalStats(context.Context, uint32) (int, error)             { return 0, nil }
func (stubController) RemoveNode(context.Context, uint32) error                           { return nil }
func (stubController) Nodes(context.Context) ([]node.Info, error) {
	return []node.Info{{ID: 0, HWID: 16, Lat: 51.5, Lng: -0.1}}, nil
}
func (stubController) Route(context.Context, int) (routing.Route, error) { return routing.Route{}, nil }

func newTestServer(t *testing.T) (*httptest.Server, *eb.Publisher, *metrics.Collector) {
	t.Helper()
	coll, err := metrics.NewCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	pub := eb.NewPublisher(eb.Options{Metrics: coll})
	if err := pub.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(pub.Stop)
	srv := httptest.NewServer(New(":0", pub, stubController{}, coll, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, pub, coll
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitSessions(t *testing.T, pub *eb.Publisher, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for pub.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("sessions = %d, want %d", pub.Len(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type wireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func TestObserverGetsSnapshotThenJSONEvents(t *testing.T) {
	srv, pub, _ := newTestServer(t)
	conn := dial(t, srv, "")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap wireEvent
	if kind != websocket.TextMessage || json.Unmarshal(data, &snap) != nil || snap.Type != string(eb.EventNodeUpdate) {
		t.Fatalf("snapshot = %d %s", kind, data)
	}
	var nu eb.NodeUpdate
	json.Unmarshal(snap.Data, &nu)
	if nu.HWID != 16 || nu.Lat != 51.5 {
		t.Fatalf("snapshot node = %+v", nu)
	}

	waitSessions(t, pub, 1)
	pub.Broadcast(eb.EventPacketSent, eb.PacketSent{ID: 4, From: 0, To: "All", Rx: []uint32{1}})

	_, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var ev wireEvent
	json.Unmarshal(data, &ev)
	var ps eb.PacketSent
	json.Unmarshal(ev.Data, &ps)
	if ev.Type != string(eb.EventPacketSent) || ps.ID != 4 || ps.To != "All" || len(ps.Rx) != 1 {
		t.Fatalf("event = %s", data)
	}
}

func TestObserverMsgpack(t *testing.T) {
	srv, pub, _ := newTestServer(t)
	conn := dial(t, srv, "?format=msgpack")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	// snapshot
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	waitSessions(t, pub, 1)
	pub.Broadcast(eb.EventNodeRemoved, eb.NodeRemoved{ID: 3})

	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("frame kind = %d, want binary", kind)
	}
	var ev map[string]any
	if err := msgpack.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev["type"] != string(eb.EventNodeRemoved) {
		t.Fatalf("event = %v", ev)
	}
}

func TestUnknownFormatIsRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/ws?format=xml")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestClosedObserverIsRemoved(t *testing.T) {
	srv, pub, _ := newTestServer(t)
	conn := dial(t, srv, "")
	waitSessions(t, pub, 1)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	waitSessions(t, pub, 0)
}

func TestMetricsAndCommandsAreMounted(t *testing.T) {
	srv, _, coll := newTestServer(t)
	coll.AddTransmission("TEXT_MESSAGE_APP")

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "TEXT_MESSAGE_APP") {
		t.Fatalf("metrics output lacks the transmission counter:\n%s", body)
	}

	resp, err = http.Post(srv.URL+"/nodeAPI/broadcast", "application/json", strings.NewReader(`{"from":0,"message":"hi"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("status = %d, request id = %q", resp.StatusCode, resp.Header.Get("X-Request-ID"))
	}
	var res struct {
		MessageID int `json:"messageId"`
	}
	json.NewDecoder(resp.Body).Decode(&res)
	if res.MessageID != 7 {
		t.Fatalf("messageId = %d", res.MessageID)
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	pub := eb.NewPublisher(eb.Options{})
	s := New("127.0.0.1:0", pub, nil, nil, nil)
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
}
