package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"mesh-emulator/internal/logging"
	"mesh-emulator/internal/metrics"
	"mesh-emulator/internal/packet"

	"github.com/cenkalti/backoff/v5"
)

// State is the lifecycle state of a NodeTransport.
type State int32

const (
	Unconnected State = iota
	Connecting
	Connected
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// RetryPolicy bounds connection attempts. Zero MaxAttempts and zero
// MaxElapsed retry until the context is cancelled.
type RetryPolicy struct {
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" json:"max_interval"`
	MaxAttempts     uint          `yaml:"max_attempts" json:"max_attempts"`
	MaxElapsed      time.Duration `yaml:"max_elapsed" json:"max_elapsed"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsed:      2 * time.Minute,
	}
}

func (r RetryPolicy) options(notify backoff.Notify) []backoff.RetryOption {
	exp := backoff.NewExponentialBackOff()
	if r.InitialInterval > 0 {
		exp.InitialInterval = r.InitialInterval
	}
	if r.MaxInterval > 0 {
		exp.MaxInterval = r.MaxInterval
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(exp),
		backoff.WithMaxElapsedTime(r.MaxElapsed),
		backoff.WithNotify(notify),
	}
	if r.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(r.MaxAttempts))
	}
	return opts
}

// EventKind classifies frames delivered to a Handler.
type EventKind int

const (
	// EventTransmit is a packet the node sent over the simulated air.
	EventTransmit EventKind = iota + 1
	// EventTelemetry is a telemetry report from the node.
	EventTelemetry
)

// Event is one notification from a node. Transmit events carry the
// unwrapped over-the-air packet.
type Event struct {
	Kind      EventKind
	NodeID    uint32
	Packet    packet.Packet
	Telemetry packet.Telemetry
	At        time.Time
}

// Handler receives events from the reader goroutine of each transport. It
// must not block for long.
type Handler func(Event)

type Options struct {
	NodeID           uint32
	Addr             string
	Retry            RetryPolicy
	HandshakeTimeout time.Duration
	Log              logging.Logger
	Metrics          *metrics.Collector
	// Dial defaults to a net.Dialer.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NodeTransport is the TCP connection to one firmware instance speaking the
// framed stream API.
type NodeTransport struct {
	opts Options
	log  logging.Logger

	state atomic.Int32

	mu        sync.Mutex
	conn      net.Conn
	done      chan struct{}
	handler   Handler
	tap       chan []byte
	config    packet.LocalConfig
	myNodeNum uint32

	wmu sync.Mutex
}

func New(opts Options) *NodeTransport {
	if opts.Log == nil {
		opts.Log = logging.Noop()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.Dial == nil {
		d := &net.Dialer{Timeout: 5 * time.Second}
		opts.Dial = d.DialContext
	}
	return &NodeTransport{
		opts: opts,
		log:  opts.Log.With(logging.Uint32("node_id", opts.NodeID), logging.String("addr", opts.Addr)),
	}
}

func (t *NodeTransport) NodeID() uint32 { return t.opts.NodeID }
func (t *NodeTransport) Addr() string   { return t.opts.Addr }
func (t *NodeTransport) State() State   { return State(t.state.Load()) }
func (t *NodeTransport) Connected() bool {
	return t.State() == Connected
}

// LocalConfig returns the config sections captured by the last handshake.
func (t *NodeTransport) LocalConfig() packet.LocalConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.config
}

// MyNodeNum is the node number the firmware reported in the handshake.
func (t *NodeTransport) MyNodeNum() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.myNodeNum
}

// SetHandler installs h for every later event. Events arriving while no
// handler is set are dropped.
func (t *NodeTransport) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

const tapBuffer = 256

// Tap returns a channel receiving the payload of every frame read from the
// node. Frames are dropped while the channel is full so a slow reader never
// delays event delivery. The channel is closed when the connection ends.
func (t *NodeTransport) Tap() <-chan []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tap == nil {
		t.tap = make(chan []byte, tapBuffer)
	}
	return t.tap
}

// Connect dials the node and runs the API handshake, retrying both
// according to the retry policy. The transport must be unconnected or
// closed.
func (t *NodeTransport) Connect(ctx context.Context) error {
	if !t.state.CompareAndSwap(int32(Unconnected), int32(Connecting)) &&
		!t.state.CompareAndSwap(int32(Closed), int32(Connecting)) {
		return &ConnectionError{NodeID: t.opts.NodeID, Addr: t.opts.Addr, Err: fmt.Errorf("%w: %s", ErrBadState, t.State())}
	}

	type session struct {
		conn net.Conn
		fr   *packet.FrameReader
	}
	attempt := 0
	op := func() (session, error) {
		attempt++
		conn, err := t.opts.Dial(ctx, "tcp", t.opts.Addr)
		if err != nil {
			return session{}, err
		}
		fr, err := t.handshake(conn)
		if err != nil {
			conn.Close()
			return session{}, fmt.Errorf("%w: %w", ErrHandshake, err)
		}
		return session{conn: conn, fr: fr}, nil
	}
	notify := func(err error, next time.Duration) {
		t.log.Debug(ctx, "connect attempt failed", logging.Int("attempt", attempt), logging.String("retry_in", next.String()), logging.Err(err))
	}

	sess, err := backoff.Retry(ctx, op, t.opts.Retry.options(notify)...)
	if err != nil {
		t.state.Store(int32(Closed))
		if ctx.Err() == nil {
			err = fmt.Errorf("%w after %d attempts: %w", ErrConnectExhausted, attempt, err)
		}
		return &ConnectionError{NodeID: t.opts.NodeID, Addr: t.opts.Addr, Err: err}
	}

	done := make(chan struct{})
	t.mu.Lock()
	t.conn, t.done = sess.conn, done
	t.mu.Unlock()
	t.state.Store(int32(Connected))
	go t.readLoop(sess.conn, sess.fr, done)

	t.log.Info(ctx, "connected", logging.Int("attempts", attempt), logging.Uint32("my_node_num", t.MyNodeNum()))
	return nil
}

// wake is written before the first request so a node whose stream parser
// holds a partial frame resynchronises.
var wake = func() []byte {
	b := make([]byte, 32)
	for i := range b {
		b[i] = packet.START2
	}
	return b
}()

// handshake requests the node's configuration and reads until the matching
// config_complete_id. The returned reader may hold buffered frames that
// followed it.
func (t *NodeTransport) handshake(conn net.Conn) (*packet.FrameReader, error) {
	if err := conn.SetDeadline(time.Now().Add(t.opts.HandshakeTimeout)); err != nil {
		return nil, err
	}
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(wake); err != nil {
		return nil, fmt.Errorf("wake: %w", err)
	}
	configID := packet.NewPacketID()
	req, err := packet.Frame(packet.ToRadio{WantConfigID: configID}.Marshal())
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("want_config: %w", err)
	}

	var (
		lc      packet.LocalConfig
		nodeNum uint32
	)
	fr := packet.NewFrameReader(conn)
	for {
		payload, err := fr.ReadFrame()
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		msg, err := packet.UnmarshalFromRadio(payload)
		if err != nil {
			t.opts.Metrics.AddMalformed()
			continue
		}
		if msg.MyNodeNum != 0 {
			nodeNum = msg.MyNodeNum
		}
		if err := lc.Add(msg); err != nil {
			t.opts.Metrics.AddMalformed()
		}
		if msg.ConfigCompleteID == configID {
			break
		}
	}

	t.mu.Lock()
	t.config = lc
	t.myNodeNum = nodeNum
	t.mu.Unlock()
	return fr, nil
}

func (t *NodeTransport) readLoop(conn net.Conn, fr *packet.FrameReader, done chan struct{}) {
	defer close(done)
	for {
		payload, err := fr.ReadFrame()
		if err != nil {
			if t.state.CompareAndSwap(int32(Connected), int32(Closed)) {
				conn.Close()
				t.closeTap()
				if errors.Is(err, io.EOF) {
					t.log.Warn(context.Background(), "node closed the connection")
				} else {
					t.log.Warn(context.Background(), "connection lost", logging.Err(err))
				}
			}
			return
		}

		t.mu.Lock()
		tap, handler := t.tap, t.handler
		t.mu.Unlock()
		if tap != nil {
			select {
			case tap <- payload:
			default:
				t.opts.Metrics.AddTapDropped()
			}
		}

		msg, err := packet.UnmarshalFromRadio(payload)
		if err != nil {
			t.opts.Metrics.AddMalformed()
			t.log.Debug(context.Background(), "undecodable frame", logging.Err(err))
			continue
		}
		if msg.Packet == nil || handler == nil {
			continue
		}
		if ev, ok := t.classify(*msg.Packet); ok {
			handler(ev)
		}
	}
}

func (t *NodeTransport) classify(p packet.Packet) (Event, bool) {
	ev := Event{NodeID: t.opts.NodeID, At: time.Now()}
	switch p.Decoded.PortNum {
	case packet.PortSimulator:
		inner, err := packet.UnwrapSimulator(p)
		if err != nil {
			t.opts.Metrics.AddMalformed()
			t.log.Warn(context.Background(), "bad simulator envelope", logging.Uint32("packet_id", p.ID), logging.Err(err))
			return ev, false
		}
		ev.Kind, ev.Packet = EventTransmit, inner
		return ev, true
	case packet.PortTelemetry:
		tm, err := packet.UnmarshalTelemetry(p.Decoded.Payload)
		if err != nil {
			t.opts.Metrics.AddMalformed()
			t.log.Debug(context.Background(), "dropping malformed telemetry", logging.Uint32("from", p.From), logging.Err(err))
			return ev, false
		}
		ev.Kind, ev.Packet, ev.Telemetry = EventTelemetry, p, tm
		return ev, true
	default:
		return ev, false
	}
}

// SendToRadio writes msg to the node. The context deadline, if any, bounds
// the write.
func (t *NodeTransport) SendToRadio(ctx context.Context, msg packet.ToRadio) error {
	b, err := packet.Frame(msg.Marshal())
	if err != nil {
		return err
	}
	return t.write(ctx, b)
}

// WriteRaw writes already framed bytes to the node.
func (t *NodeTransport) WriteRaw(b []byte) error {
	return t.write(context.Background(), b)
}

func (t *NodeTransport) write(ctx context.Context, b []byte) error {
	if t.State() != Connected {
		return ErrNotConnected
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	t.wmu.Lock()
	defer t.wmu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(dl)
		defer conn.SetWriteDeadline(time.Time{})
	}
	_, err := conn.Write(b)
	return err
}

// Close disconnects from the node and waits for the reader goroutine to
// exit. The tap, if any, is closed once the reader is gone.
func (t *NodeTransport) Close() error {
	if !t.state.CompareAndSwap(int32(Connected), int32(Closing)) {
		if s := t.State(); s == Closed || s == Unconnected {
			t.closeTap()
		}
		return nil
	}

	t.mu.Lock()
	conn, done := t.conn, t.done
	t.mu.Unlock()

	if b, err := packet.Frame(packet.ToRadio{Disconnect: true}.Marshal()); err == nil {
		t.wmu.Lock()
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		conn.Write(b)
		t.wmu.Unlock()
	}

	err := conn.Close()
	<-done
	t.closeTap()
	t.state.Store(int32(Closed))
	t.log.Debug(context.Background(), "closed")
	return err
}

func (t *NodeTransport) closeTap() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tap != nil {
		close(t.tap)
		t.tap = nil
	}
}
