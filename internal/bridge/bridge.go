// Package bridge mirrors one emulated node to an external client that
// speaks the firmware's stream API, as if the client were plugged into that
// node directly.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"mesh-emulator/internal/logging"
	"mesh-emulator/internal/packet"
)

// writeTimeout bounds one write to the client. A client that does not keep
// up is disconnected.
const writeTimeout = 2 * time.Second

// Target is the node transport being mirrored.
type Target interface {
	Tap() <-chan []byte
	WriteRaw(b []byte) error
}

// Bridge serves one client at a time. Until Attach is called every frame
// from the node reaches the client byte for byte so the client can run its
// own config handshake. After Attach, relay traffic and non-packet frames
// are filtered out.
type Bridge struct {
	addr   string
	target Target
	log    logging.Logger

	attached atomic.Bool
	stopped  atomic.Bool
	quit     chan struct{}

	mu     sync.Mutex
	ln     net.Listener
	client net.Conn

	forwarded atomic.Uint64
	dropped   atomic.Uint64
}

func New(addr string, target Target, log logging.Logger) *Bridge {
	if log == nil {
		log = logging.Noop()
	}
	return &Bridge{addr: addr, target: target, log: log.With(logging.String("component", "bridge")), quit: make(chan struct{})}
}

// Listen binds the client port.
func (b *Bridge) Listen() error {
	ln, err := net.Listen("tcp", b.addr)
	if err != nil {
		return fmt.Errorf("bridge listen %s: %w", b.addr, err)
	}
	b.mu.Lock()
	b.ln = ln
	b.mu.Unlock()
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (b *Bridge) Addr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ln != nil {
		return b.ln.Addr().String()
	}
	return b.addr
}

// Attach switches the uplink to filtered mode.
func (b *Bridge) Attach() { b.attached.Store(true) }

// HasClient reports whether a client is connected.
func (b *Bridge) HasClient() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client != nil
}

// Forwarded counts frames written to clients.
func (b *Bridge) Forwarded() uint64 { return b.forwarded.Load() }

// Run pumps frames until ctx is done, Stop is called or the node's tap is
// closed. Listen must have been called.
func (b *Bridge) Run(ctx context.Context) error {
	b.mu.Lock()
	ln := b.ln
	b.mu.Unlock()
	if ln == nil {
		return errors.New("bridge: Run before Listen")
	}

	release := context.AfterFunc(ctx, b.Stop)
	defer release()

	uplinkDone := make(chan struct{})
	go func() {
		defer close(uplinkDone)
		b.uplink(ctx, b.target.Tap())
		b.Stop()
	}()

	b.log.Info(ctx, "waiting for client", logging.String("addr", ln.Addr().String()))
	for !b.stopped.Load() {
		conn, err := ln.Accept()
		if err != nil {
			if b.stopped.Load() {
				break
			}
			b.Stop()
			<-uplinkDone
			return fmt.Errorf("bridge accept: %w", err)
		}
		b.log.Info(ctx, "client connected", logging.String("remote", conn.RemoteAddr().String()))
		b.setClient(conn)
		b.downlink(ctx, conn)
		b.setClient(nil)
		conn.Close()
		b.log.Info(ctx, "client disconnected")
	}
	<-uplinkDone
	return nil
}

// Stop ends both pumps and closes the client connection.
func (b *Bridge) Stop() {
	if b.stopped.Swap(true) {
		return
	}
	close(b.quit)
	b.mu.Lock()
	ln, client := b.ln, b.client
	b.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	if client != nil {
		client.Close()
	}
}

func (b *Bridge) setClient(c net.Conn) {
	b.mu.Lock()
	b.client = c
	b.mu.Unlock()
}

func (b *Bridge) uplink(ctx context.Context, tap <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.quit:
			return
		case payload, ok := <-tap:
			if !ok {
				b.log.Info(ctx, "node connection ended, stopping bridge")
				return
			}
			out, keep := b.filter(payload)
			if !keep {
				b.dropped.Add(1)
				continue
			}
			b.mu.Lock()
			client := b.client
			b.mu.Unlock()
			if client == nil {
				continue
			}
			client.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := client.Write(out); err != nil {
				b.log.Warn(ctx, "uplink write failed, dropping client", logging.Err(err))
				client.Close()
				continue
			}
			b.forwarded.Add(1)
		}
	}
}

// filter returns the framed bytes to send to the client for one node
// payload.
func (b *Bridge) filter(payload []byte) ([]byte, bool) {
	if !b.attached.Load() {
		out, err := packet.Frame(payload)
		return out, err == nil
	}
	msg, err := packet.UnmarshalFromRadio(payload)
	if err != nil || msg.Packet == nil {
		return nil, false
	}
	if msg.Packet.RelayTagged() {
		return nil, false
	}
	out, err := packet.Frame(packet.FromRadio{Packet: msg.Packet}.Marshal())
	return out, err == nil
}

func (b *Bridge) downlink(ctx context.Context, conn net.Conn) {
	buf := make([]byte, packet.MAX_TO_FROM_RADIO_SIZE)
	for !b.stopped.Load() {
		n, err := conn.Read(buf)
		if n > 0 {
			if werr := b.target.WriteRaw(append([]byte(nil), buf[:n]...)); werr != nil {
				b.log.Warn(ctx, "downlink write to node failed", logging.Err(werr))
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !b.stopped.Load() {
				b.log.Debug(ctx, "downlink read", logging.Err(err))
			}
			return
		}
	}
}
