package bridge

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"mesh-emulator/internal/packet"
)

type fakeTarget struct {
	tap chan []byte

	mu     sync.Mutex
	writes [][]byte
}

func newFakeTarget() *fakeTarget { return &fakeTarget{tap: make(chan []byte, 32)} }

func (f *fakeTarget) Tap() <-chan []byte { return f.tap }

func (f *fakeTarget) WriteRaw(b []byte) error {
	f.mu.Lock()
	f.writes = append(f.writes, b)
	f.mu.Unlock()
	return nil
}

func (f *fakeTarget) written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return bytes.Join(f.writes, nil)
}

func startBridge(t *testing.T, target Target) (*Bridge, net.Conn) {
	t.Helper()
	b := New("127.0.0.1:0", target, nil)
	if err := b.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("bridge did not stop")
		}
	})

	client, err := net.Dial("tcp", b.Addr())
	if err != nil {
		t.Fatalf("dial bridge: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for !b.HasClient() {
		if time.Now().After(deadline) {
			t.Fatal("bridge never registered the client")
		}
		time.Sleep(time.Millisecond)
	}
	return b, client
}

func packetFrame(port packet.PortNum, id uint32) []byte {
	return packet.FromRadio{Packet: &packet.Packet{ID: id, Decoded: packet.Data{PortNum: port, Payload: []byte{1}}}}.Marshal()
}

func TestAttachedBridgeFiltersRelayFrames(t *testing.T) {
	target := newFakeTarget()
	b, client := startBridge(t, target)
	b.Attach()

	for i := uint32(0); i < 5; i++ {
		target.tap <- packetFrame(packet.PortSimulator, 100+i)
		target.tap <- packetFrame(packet.PortTextMessage, i+1)
	}
	target.tap <- packet.FromRadio{ConfigCompleteID: 9}.Marshal()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	fr := packet.NewFrameReader(client)
	for i := uint32(0); i < 5; i++ {
		payload, err := fr.ReadFrame()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		msg, err := packet.UnmarshalFromRadio(payload)
		if err != nil || msg.Packet == nil {
			t.Fatalf("frame %d not a packet: %v", i, err)
		}
		if msg.Packet.Decoded.PortNum != packet.PortTextMessage || msg.Packet.ID != i+1 {
			t.Fatalf("frame %d = %+v", i, msg.Packet)
		}
	}

	client.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if extra, err := fr.ReadFrame(); err == nil {
		t.Fatalf("unexpected extra frame % x", extra)
	}
	if b.Forwarded() != 5 {
		t.Fatalf("forwarded = %d, want 5", b.Forwarded())
	}
}

func TestUnattachedBridgePassesFramesThrough(t *testing.T) {
	target := newFakeTarget()
	_, client := startBridge(t, target)

	cfg := packet.FromRadio{ConfigCompleteID: 9}.Marshal()
	relay := packetFrame(packet.PortSimulator, 1)
	target.tap <- cfg
	target.tap <- relay

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	fr := packet.NewFrameReader(client)
	for _, want := range [][]byte{cfg, relay} {
		got, err := fr.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("payload = % x, want % x", got, want)
		}
	}
}

func TestDownlinkForwardsClientBytesUnmodified(t *testing.T) {
	target := newFakeTarget()
	_, client := startBridge(t, target)

	want, _ := packet.Frame(packet.ToRadio{WantConfigID: 42}.Marshal())
	if _, err := client.Write(want); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !bytes.Equal(target.written(), want) {
		if time.Now().After(deadline) {
			t.Fatalf("node got % x, want % x", target.written(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRunEndsWhenNodeTapCloses(t *testing.T) {
	target := newFakeTarget()
	b := New("127.0.0.1:0", target, nil)
	if err := b.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()

	client, err := net.Dial("tcp", b.Addr())
	if err != nil {
		t.Fatalf("dial bridge: %v", err)
	}
	defer client.Close()
	deadline := time.Now().Add(2 * time.Second)
	for !b.HasClient() {
		if time.Now().After(deadline) {
			t.Fatal("bridge never registered the client")
		}
		time.Sleep(time.Millisecond)
	}

	// the node hung up
	close(target.tap)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run still pumping after the tap closed")
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Fatal("client connection left open")
	}
}
