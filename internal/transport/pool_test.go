package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"mesh-emulator/internal/packet"
	"mesh-emulator/internal/transport/transporttest"
)

var quickSettle = SettleOptions{PreCloseDelay: 10 * time.Millisecond, Grace: 10 * time.Millisecond}

func TestBarrierReconnectsEveryNodeOnce(t *testing.T) {
	pool := NewPool(quickSettle, nil, nil)
	var fws []*transporttest.Firmware
	for i := uint32(0); i < 3; i++ {
		fw := transporttest.Start(t, 16+i)
		fws = append(fws, fw)
		pool.Add(newTransport(i, fw.Addr()))
	}
	pool.Pin(0)

	ctx := context.Background()
	if err := pool.ConnectAll(ctx); err != nil {
		t.Fatalf("ConnectAll: %v", err)
	}
	defer pool.CloseAll()
	if err := pool.Barrier(ctx); err != nil {
		t.Fatalf("Barrier: %v", err)
	}

	if pool.Connected() != 3 {
		t.Fatalf("connected = %d, want 3", pool.Connected())
	}
	if fws[0].Accepts() != 1 {
		t.Fatalf("pinned node accepted %d connections, want 1", fws[0].Accepts())
	}
	for i, fw := range fws[1:] {
		if fw.Accepts() != 2 || fw.Handshakes() != 2 {
			t.Fatalf("node %d: accepts=%d handshakes=%d, want 2/2", i+1, fw.Accepts(), fw.Handshakes())
		}
	}
}

func TestBarrierWaitsForDelayedListener(t *testing.T) {
	ready := transporttest.Start(t, 16)
	addr := transporttest.Reserve(t)
	late, err := transporttest.StartAt(addr, 17)
	if err != nil {
		t.Fatalf("StartAt: %v", err)
	}

	pool := NewPool(quickSettle, nil, nil)
	pool.Add(newTransport(0, ready.Addr()))
	pool.Add(newTransport(1, addr))
	ctx := context.Background()
	if err := pool.ConnectAll(ctx); err != nil {
		t.Fatalf("ConnectAll: %v", err)
	}
	defer pool.CloseAll()

	// the second instance restarts and only listens again after a while
	late.Close()
	restarted := make(chan *transporttest.Firmware, 1)
	go func() {
		time.Sleep(200 * time.Millisecond)
		fw, err := transporttest.StartAt(addr, 17)
		if err != nil {
			t.Errorf("restart listener: %v", err)
			restarted <- nil
			return
		}
		restarted <- fw
	}()

	if err := pool.Barrier(ctx); err != nil {
		t.Fatalf("Barrier: %v", err)
	}
	fw := <-restarted
	if fw == nil {
		t.FailNow()
	}
	defer fw.Close()

	if pool.Connected() != 2 {
		t.Fatalf("connected = %d, want 2", pool.Connected())
	}
	if fw.Handshakes() != 1 {
		t.Fatalf("restarted node handshakes = %d, want 1", fw.Handshakes())
	}
}

func TestConnectAllFailureClosesOpenedTransports(t *testing.T) {
	fw := transporttest.Start(t, 16)
	first := newTransport(0, fw.Addr())
	second := New(Options{NodeID: 1, Addr: transporttest.Reserve(t), Retry: RetryPolicy{MaxAttempts: 1}})

	pool := NewPool(quickSettle, nil, nil)
	pool.Add(first)
	pool.Add(second)

	err := pool.ConnectAll(context.Background())
	var ce *ConnectionError
	if !errors.As(err, &ce) || ce.NodeID != 1 {
		t.Fatalf("err = %v, want ConnectionError for node 1", err)
	}
	if first.State() != Closed {
		t.Fatalf("first transport state = %s, want closed", first.State())
	}
}

func TestSubscribeAndRemove(t *testing.T) {
	pool := NewPool(quickSettle, nil, nil)
	fwA := transporttest.Start(t, 16)
	fwB := transporttest.Start(t, 17)
	pool.Add(newTransport(0, fwA.Addr()))
	pool.Add(newTransport(1, fwB.Addr()))
	if err := pool.ConnectAll(context.Background()); err != nil {
		t.Fatalf("ConnectAll: %v", err)
	}
	defer pool.CloseAll()

	events := make(chan Event, 4)
	pool.Subscribe(func(ev Event) { events <- ev })

	fwB.Transmit(packet.Packet{ID: 5})
	select {
	case ev := <-events:
		if ev.NodeID != 1 || ev.Packet.ID != 5 {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event after Subscribe")
	}

	if err := pool.Remove(1); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := pool.Get(1); ok || pool.Len() != 1 {
		t.Fatalf("node 1 still in pool (len %d)", pool.Len())
	}
	if err := pool.Remove(1); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("second Remove err = %v", err)
	}
}
