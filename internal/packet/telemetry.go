package packet

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	telemetryTime          protowire.Number = 1
	telemetryDeviceMetrics protowire.Number = 2
	telemetryLocalStats    protowire.Number = 6

	deviceBatteryLevel       protowire.Number = 1
	deviceVoltage            protowire.Number = 2
	deviceChannelUtilization protowire.Number = 3
	deviceAirUtilTx          protowire.Number = 4
	deviceUptimeSeconds      protowire.Number = 5

	statsUptimeSeconds      protowire.Number = 1
	statsChannelUtilization protowire.Number = 2
	statsAirUtilTx          protowire.Number = 3
	statsNumPacketsTx       protowire.Number = 4
	statsNumPacketsRx       protowire.Number = 5
	statsNumPacketsRxBad    protowire.Number = 6
	statsNumOnlineNodes     protowire.Number = 7
	statsNumTotalNodes      protowire.Number = 8
	statsNumRxDupe          protowire.Number = 9
	statsNumTxRelay         protowire.Number = 10
	statsNumTxRelayCanceled protowire.Number = 11
)

// Telemetry carries one of the telemetry variants a node reports. Optional
// scalar fields are pointers so an absent value can be told apart from zero.
type Telemetry struct {
	Time          uint32
	DeviceMetrics *DeviceMetrics
	LocalStats    *LocalStats
}

type DeviceMetrics struct {
	BatteryLevel       *uint32
	Voltage            *float32
	ChannelUtilization *float32
	AirUtilTx          *float32
	UptimeSeconds      *uint32
}

type LocalStats struct {
	UptimeSeconds      *uint32
	ChannelUtilization *float32
	AirUtilTx          *float32
	NumPacketsTx       *uint32
	NumPacketsRx       *uint32
	NumPacketsRxBad    *uint32
	NumOnlineNodes     *uint32
	NumTotalNodes      *uint32
	NumRxDupe          *uint32
	NumTxRelay         *uint32
	NumTxRelayCanceled *uint32
}

func u32(v uint32) *uint32   { return &v }
func f32(v float32) *float32 { return &v }

func appendOptU32(b []byte, num protowire.Number, v *uint32) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(*v))
}

func appendOptF32(b []byte, num protowire.Number, v *float32) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(*v))
}

func (t Telemetry) Marshal() []byte {
	var b []byte
	b = appendFixed32(b, telemetryTime, t.Time)
	if m := t.DeviceMetrics; m != nil {
		var mb []byte
		mb = appendOptU32(mb, deviceBatteryLevel, m.BatteryLevel)
		mb = appendOptF32(mb, deviceVoltage, m.Voltage)
		mb = appendOptF32(mb, deviceChannelUtilization, m.ChannelUtilization)
		mb = appendOptF32(mb, deviceAirUtilTx, m.AirUtilTx)
		mb = appendOptU32(mb, deviceUptimeSeconds, m.UptimeSeconds)
		b = appendMessage(b, telemetryDeviceMetrics, mb)
	}
	if s := t.LocalStats; s != nil {
		var sb []byte
		sb = appendOptU32(sb, statsUptimeSeconds, s.UptimeSeconds)
		sb = appendOptF32(sb, statsChannelUtilization, s.ChannelUtilization)
		sb = appendOptF32(sb, statsAirUtilTx, s.AirUtilTx)
		sb = appendOptU32(sb, statsNumPacketsTx, s.NumPacketsTx)
		sb = appendOptU32(sb, statsNumPacketsRx, s.NumPacketsRx)
		sb = appendOptU32(sb, statsNumPacketsRxBad, s.NumPacketsRxBad)
		sb = appendOptU32(sb, statsNumOnlineNodes, s.NumOnlineNodes)
		sb = appendOptU32(sb, statsNumTotalNodes, s.NumTotalNodes)
		sb = appendOptU32(sb, statsNumRxDupe, s.NumRxDupe)
		sb = appendOptU32(sb, statsNumTxRelay, s.NumTxRelay)
		sb = appendOptU32(sb, statsNumTxRelayCanceled, s.NumTxRelayCanceled)
		b = appendMessage(b, telemetryLocalStats, sb)
	}
	return b
}

// UnmarshalTelemetry decodes a TELEMETRY_APP payload. Variants the emulator
// does not track (environment, air quality, power) are skipped.
func UnmarshalTelemetry(b []byte) (Telemetry, error) {
	var t Telemetry
	err := eachField(b, func(f field) error {
		switch f.num {
		case telemetryTime:
			t.Time = f.uint32()
		case telemetryDeviceMetrics:
			if f.typ != protowire.BytesType {
				return fmt.Errorf("%w: device_metrics wire type %d", ErrMalformed, f.typ)
			}
			m := &DeviceMetrics{}
			if err := eachField(f.b, func(mf field) error {
				switch mf.num {
				case deviceBatteryLevel:
					m.BatteryLevel = u32(mf.uint32())
				case deviceVoltage:
					m.Voltage = f32(mf.float32())
				case deviceChannelUtilization:
					m.ChannelUtilization = f32(mf.float32())
				case deviceAirUtilTx:
					m.AirUtilTx = f32(mf.float32())
				case deviceUptimeSeconds:
					m.UptimeSeconds = u32(mf.uint32())
				}
				return nil
			}); err != nil {
				return fmt.Errorf("device_metrics: %w", err)
			}
			t.DeviceMetrics = m
		case telemetryLocalStats:
			if f.typ != protowire.BytesType {
				return fmt.Errorf("%w: local_stats wire type %d", ErrMalformed, f.typ)
			}
			s := &LocalStats{}
			if err := eachField(f.b, func(sf field) error {
				switch sf.num {
				case statsUptimeSeconds:
					s.UptimeSeconds = u32(sf.uint32())
				case statsChannelUtilization:
					s.ChannelUtilization = f32(sf.float32())
				case statsAirUtilTx:
					s.AirUtilTx = f32(sf.float32())
				case statsNumPacketsTx:
					s.NumPacketsTx = u32(sf.uint32())
				case statsNumPacketsRx:
					s.NumPacketsRx = u32(sf.uint32())
				case statsNumPacketsRxBad:
					s.NumPacketsRxBad = u32(sf.uint32())
				case statsNumOnlineNodes:
					s.NumOnlineNodes = u32(sf.uint32())
				case statsNumTotalNodes:
					s.NumTotalNodes = u32(sf.uint32())
				case statsNumRxDupe:
					s.NumRxDupe = u32(sf.uint32())
				case statsNumTxRelay:
					s.NumTxRelay = u32(sf.uint32())
				case statsNumTxRelayCanceled:
					s.NumTxRelayCanceled = u32(sf.uint32())
				}
				return nil
			}); err != nil {
				return fmt.Errorf("local_stats: %w", err)
			}
			t.LocalStats = s
		}
		return nil
	})
	return t, err
}
