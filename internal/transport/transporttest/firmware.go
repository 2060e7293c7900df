// Package transporttest provides an in-process stand-in for a firmware
// instance speaking the framed stream API.
package transporttest

import (
	"errors"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"mesh-emulator/internal/packet"

	"google.golang.org/protobuf/encoding/protowire"
)

// Firmware accepts API connections, answers the config handshake, records
// every ToRadio packet it is sent and can emit FromRadio frames on the
// latest connection.
type Firmware struct {
	NodeNum uint32
	Config  packet.LocalConfig

	ln   net.Listener
	addr string
	wg   sync.WaitGroup

	mu         sync.Mutex
	wmu        sync.Mutex
	conn       net.Conn
	conns      []net.Conn
	received   []packet.ToRadio
	raw        [][]byte
	accepts    int
	handshakes int
	closed     bool
}

// Start listens on a free loopback port. The firmware is closed when the
// test ends.
func Start(t testing.TB, nodeNum uint32) *Firmware {
	t.Helper()
	f, err := StartAt("127.0.0.1:0", nodeNum)
	if err != nil {
		t.Fatalf("start firmware: %v", err)
	}
	t.Cleanup(f.Close)
	return f
}

// Reserve returns a loopback address that is free right now, for tests that
// start a listener later.
func Reserve(t testing.TB) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// StartAt listens on addr. The caller must Close the firmware.
func StartAt(addr string, nodeNum uint32) (*Firmware, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	lora, _ := packet.SetVarint(nil, packet.LoRaHopLimit, packet.DEFAULT_HOP_LIMIT)
	f := &Firmware{
		NodeNum: nodeNum,
		Config: packet.LocalConfig{
			Config: map[protowire.Number][]byte{packet.ConfigLoRa: lora},
		},
		ln:   ln,
		addr: ln.Addr().String(),
	}
	f.wg.Add(1)
	go f.acceptLoop()
	return f, nil
}

func (f *Firmware) Addr() string { return f.addr }

func (f *Firmware) acceptLoop() {
	defer f.wg.Done()
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			conn.Close()
			return
		}
		f.accepts++
		f.conn = conn
		f.conns = append(f.conns, conn)
		f.mu.Unlock()

		f.wg.Add(1)
		go f.serve(conn)
	}
}

func (f *Firmware) serve(conn net.Conn) {
	defer f.wg.Done()
	defer conn.Close()
	fr := packet.NewFrameReader(conn)
	for {
		payload, err := fr.ReadFrame()
		if err != nil {
			return
		}
		msg, err := packet.UnmarshalToRadio(payload)
		if err != nil {
			continue
		}

		f.mu.Lock()
		f.raw = append(f.raw, payload)
		if msg.Packet != nil {
			f.received = append(f.received, msg)
		}
		f.mu.Unlock()

		if msg.WantConfigID != 0 {
			f.answerConfig(conn, msg.WantConfigID)
		}
	}
}

func (f *Firmware) answerConfig(conn net.Conn, id uint32) {
	frames := []packet.FromRadio{{MyNodeNum: f.NodeNum}}
	for _, v := range sortedKeys(f.Config.Config) {
		frames = append(frames, packet.FromRadio{Config: packet.Section(v, f.Config.Config[v])})
	}
	for _, v := range sortedKeys(f.Config.Module) {
		frames = append(frames, packet.FromRadio{ModuleConfig: packet.Section(v, f.Config.Module[v])})
	}
	frames = append(frames, packet.FromRadio{ConfigCompleteID: id})
	for _, fr := range frames {
		if err := f.writeTo(conn, fr.Marshal()); err != nil {
			return
		}
	}
	f.mu.Lock()
	f.handshakes++
	f.mu.Unlock()
}

func sortedKeys(m map[protowire.Number][]byte) []protowire.Number {
	keys := make([]protowire.Number, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (f *Firmware) writeTo(conn net.Conn, payload []byte) error {
	b, err := packet.Frame(payload)
	if err != nil {
		return err
	}
	f.wmu.Lock()
	defer f.wmu.Unlock()
	_, err = conn.Write(b)
	return err
}

// EmitPayload writes one framed payload on the latest connection.
func (f *Firmware) EmitPayload(payload []byte) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return errors.New("no connection")
	}
	return f.writeTo(conn, payload)
}

// Emit writes fr on the latest connection.
func (f *Firmware) Emit(fr packet.FromRadio) error {
	return f.EmitPayload(fr.Marshal())
}

// Transmit reports p as sent over the air, wrapped the way simulator-mode
// firmware does it.
func (f *Firmware) Transmit(p packet.Packet) error {
	env := packet.Compressed{PortNum: p.Decoded.PortNum, Data: p.Decoded.Payload}
	p.Decoded.PortNum = packet.PortSimulator
	p.Decoded.Payload = env.Marshal()
	if p.From == 0 {
		p.From = f.NodeNum
	}
	return f.Emit(packet.FromRadio{Packet: &p})
}

// Accepts counts accepted connections.
func (f *Firmware) Accepts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepts
}

// Handshakes counts completed config exchanges.
func (f *Firmware) Handshakes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handshakes
}

// Received returns every ToRadio carrying a packet, in arrival order.
func (f *Firmware) Received() []packet.ToRadio {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]packet.ToRadio(nil), f.received...)
}

// RawFrames returns the payload of every frame received.
func (f *Firmware) RawFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.raw...)
}

// WaitReceived polls until at least n packets arrived or timeout passes.
func (f *Firmware) WaitReceived(t testing.TB, n int, timeout time.Duration) []packet.ToRadio {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		got := f.Received()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("firmware %d received %d packets, want %d", f.NodeNum, len(got), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// DropConnections closes every open connection but keeps listening.
func (f *Firmware) DropConnections() {
	f.mu.Lock()
	conns := f.conns
	f.conns, f.conn = nil, nil
	f.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Close stops listening and closes every connection.
func (f *Firmware) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()
	f.ln.Close()
	f.DropConnections()
	f.wg.Wait()
}
