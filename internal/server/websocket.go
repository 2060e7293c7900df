package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	eb "mesh-emulator/internal/eventBus"
	"mesh-emulator/internal/logging"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Define a WebSocket upgrader.
var upgrader = websocket.Upgrader{
	// Observers are served from any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const defaultWriteWait = 5 * time.Second

// WSSession pushes events to one websocket observer. JSON events go out as
// text frames, msgpack events as binary frames.
type WSSession struct {
	id   string
	conn *websocket.Conn
	enc  eb.Encoding

	mu     sync.Mutex
	closed bool
}

func NewWSSession(conn *websocket.Conn, enc eb.Encoding) *WSSession {
	return &WSSession{id: uuid.NewString(), conn: conn, enc: enc}
}

func (s *WSSession) ID() string { return s.id }

func (s *WSSession) Send(ctx context.Context, ev eb.Event) error {
	data, err := s.enc.Marshal(ev)
	if err != nil {
		return err
	}
	kind := websocket.TextMessage
	if s.enc == eb.EncodingMsgpack {
		kind = websocket.BinaryMessage
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteWait)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return eb.ErrSessionClosed
	}
	s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteMessage(kind, data)
}

func (s *WSSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}

// wsHandler upgrades the connection and registers it as an observer
// session. The handler keeps reading so control frames are answered and a
// closed peer is noticed.
func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	enc, err := eb.ParseEncoding(r.URL.Query().Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn(r.Context(), "websocket upgrade failed", logging.Err(err))
		return
	}
	sess := NewWSSession(conn, enc)
	log := s.log.With(logging.String("session_id", sess.ID()), logging.String("remote", r.RemoteAddr))

	s.sendSnapshot(r.Context(), sess)
	if err := s.pub.Add(sess); err != nil {
		log.Warn(r.Context(), "observer rejected", logging.Err(err))
		sess.Close()
		return
	}
	log.Info(r.Context(), "observer connected", logging.String("format", enc.String()), logging.Int("observers", s.pub.Len()))

	for {
		if _, _, err := conn.NextReader(); err != nil {
			break
		}
	}
	if !s.pub.Remove(sess.ID()) {
		sess.Close()
	}
	log.Info(context.Background(), "observer disconnected", logging.Int("observers", s.pub.Len()))
}

// sendSnapshot places every current node on a fresh observer's map.
func (s *Server) sendSnapshot(ctx context.Context, sess *WSSession) {
	if s.ctl == nil {
		return
	}
	nodes, err := s.ctl.Nodes(ctx)
	if err != nil {
		return
	}
	now := time.Now()
	for _, n := range nodes {
		ev := eb.NewEvent(eb.EventNodeUpdate, eb.NodeUpdate{ID: n.ID, Lat: n.Lat, Lng: n.Lng, HWID: n.HWID}, now)
		if err := sess.Send(ctx, ev); err != nil {
			return
		}
	}
}
