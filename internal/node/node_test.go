package node

import (
	"context"
	"testing"
	"time"

	"mesh-emulator/internal/packet"

	"google.golang.org/protobuf/encoding/protowire"
)

type recordingLink struct {
	sent []packet.ToRadio
	lc   packet.LocalConfig
}

func (l *recordingLink) SendToRadio(_ context.Context, msg packet.ToRadio) error {
	l.sent = append(l.sent, msg)
	return nil
}
func (l *recordingLink) Connected() bool                 { return true }
func (l *recordingLink) LocalConfig() packet.LocalConfig { return l.lc }

func u32(v uint32) *uint32   { return &v }
func f32(v float32) *float32 { return &v }

func TestNewDefaultsHopLimitAndHWID(t *testing.T) {
	n := New(4, Settings{X: 1, Y: 2, Z: 3})
	if n.HopLimit != packet.DEFAULT_HOP_LIMIT {
		t.Fatalf("HopLimit = %d", n.HopLimit)
	}
	if n.GetHWID() != 20 {
		t.Fatalf("HWID = %d, want 20", n.GetHWID())
	}
	if got := n.Settings(); got.X != 1 || got.Y != 2 || got.Z != 3 || got.HopLimit != 3 {
		t.Fatalf("Settings() = %+v", got)
	}
}

func TestRolePrecedence(t *testing.T) {
	cases := []struct {
		s    Settings
		want uint64
	}{
		{Settings{}, packet.RoleClient},
		{Settings{IsClientMute: true}, packet.RoleClientMute},
		{Settings{IsRepeater: true, IsClientMute: true}, packet.RoleRepeater},
		{Settings{IsRouter: true, IsRepeater: true}, packet.RoleRouter},
	}
	for _, tc := range cases {
		if got := New(0, tc.s).Role(); got != tc.want {
			t.Fatalf("Role(%+v) = %d, want %d", tc.s, got, tc.want)
		}
	}
}

func TestApplyTelemetryDropsStaleSamples(t *testing.T) {
	n := New(1, Settings{})

	report := func(ts uint32, util float32) bool {
		return n.ApplyTelemetry(packet.Telemetry{Time: ts, DeviceMetrics: &packet.DeviceMetrics{ChannelUtilization: f32(util)}})
	}
	if !report(100, 1.5) {
		t.Fatal("first sample rejected")
	}
	if report(100, 9) {
		t.Fatal("duplicate timestamp accepted")
	}
	if report(90, 9) {
		t.Fatal("older timestamp accepted")
	}
	if !report(130, 2.5) {
		t.Fatal("newer sample rejected")
	}
	if n.ApplyTelemetry(packet.Telemetry{DeviceMetrics: &packet.DeviceMetrics{}}) {
		t.Fatal("sample without time accepted")
	}
	if len(n.Samples) != 2 || n.Samples[1].ChannelUtilization != 2.5 || n.Samples[1].AirUtilTx != 0 {
		t.Fatalf("samples = %+v", n.Samples)
	}
}

func TestApplyTelemetryKeepsAbsentCounters(t *testing.T) {
	n := New(1, Settings{})
	n.ApplyTelemetry(packet.Telemetry{LocalStats: &packet.LocalStats{NumPacketsTx: u32(5), NumRxDupe: u32(2)}})
	n.ApplyTelemetry(packet.Telemetry{LocalStats: &packet.LocalStats{NumPacketsTx: u32(7)}})

	if n.Stats.PacketsTx != 7 || n.Stats.RxDupe != 2 {
		t.Fatalf("Stats = %+v", n.Stats)
	}
}

func TestAdminApplySendsOnlyNonDefaultSections(t *testing.T) {
	link := &recordingLink{}
	n := New(2, Settings{X: 100, Y: 200})
	n.SetLink(link)

	a := NewAdmin(nil)
	a.Pause = 0
	if err := a.Apply(context.Background(), n); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	// owner, network, position
	if len(link.sent) != 3 {
		t.Fatalf("sent %d frames, want 3", len(link.sent))
	}
	if p := link.sent[2].Packet; p.Decoded.PortNum != packet.PortPosition || !p.IsBroadcast() {
		t.Fatalf("last frame = %+v, want broadcast position", p)
	}
	pos, err := packet.UnmarshalPosition(link.sent[2].Packet.Decoded.Payload)
	if err != nil {
		t.Fatalf("UnmarshalPosition: %v", err)
	}
	if pos.LatitudeI != 440200000 || pos.LongitudeI != -1049900000 {
		t.Fatalf("position = %+v", pos)
	}
}

func TestAdminApplyRouterWithHopLimitAndNeighborInfo(t *testing.T) {
	existing, _ := packet.SetVarint(nil, 2, 7) // unrelated device field
	link := &recordingLink{lc: packet.LocalConfig{Config: map[protowire.Number][]byte{packet.ConfigDevice: existing}}}
	n := New(3, Settings{IsRouter: true, HopLimit: 5, NeighborInfo: true})
	n.SetLink(link)

	a := NewAdmin(nil)
	a.Pause = 0
	a.Now = func() time.Time { return time.Unix(1000, 0) }
	if err := a.Apply(context.Background(), n); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	// owner, network, lora, device, neighbor info, position
	if len(link.sent) != 6 {
		t.Fatalf("sent %d frames, want 6", len(link.sent))
	}
	for _, msg := range link.sent[:5] {
		p := msg.Packet
		if p.Decoded.PortNum != packet.PortAdmin || p.To != n.GetHWID() || !p.Decoded.WantResponse {
			t.Fatalf("admin frame = %+v", p)
		}
	}

	adminField, cfg, err := packet.SplitSection(link.sent[3].Packet.Decoded.Payload)
	if err != nil || adminField != 34 {
		t.Fatalf("device frame admin field = %d, err %v", adminField, err)
	}
	variant, body, err := packet.SplitSection(cfg)
	if err != nil || variant != packet.ConfigDevice {
		t.Fatalf("device frame variant = %d, err %v", variant, err)
	}
	want, _ := packet.SetVarint(existing, packet.DeviceRole, packet.RoleRouter)
	if string(body) != string(want) {
		t.Fatalf("device body = % x, want % x", body, want)
	}
}

func TestAdminApplyWithoutLink(t *testing.T) {
	if err := NewAdmin(nil).Apply(context.Background(), New(0, Settings{})); err == nil {
		t.Fatal("Apply without link succeeded")
	}
}
