package packet

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	adminSetOwner        protowire.Number = 32
	adminSetConfig       protowire.Number = 34
	adminSetModuleConfig protowire.Number = 35
	adminExitSimulator   protowire.Number = 96

	userLongName  protowire.Number = 2
	userShortName protowire.Number = 3

	positionLatitudeI  protowire.Number = 1
	positionLongitudeI protowire.Number = 2
	positionAltitude   protowire.Number = 3
	positionTime       protowire.Number = 4
)

// Config and ModuleConfig variants (oneof field numbers).
const (
	ConfigDevice  protowire.Number = 1
	ConfigNetwork protowire.Number = 4
	ConfigLoRa    protowire.Number = 6

	ModuleNeighborInfo protowire.Number = 10
)

// Fields inside the config sections edited by the emulator.
const (
	DeviceRole              protowire.Number = 1
	NetworkEnabledProtocols protowire.Number = 10
	LoRaHopLimit            protowire.Number = 8
	NeighborInfoEnabled     protowire.Number = 1
	NeighborInfoInterval    protowire.Number = 2
)

// Device roles (Config.DeviceConfig.Role).
const (
	RoleClient     uint64 = 0
	RoleClientMute uint64 = 1
	RoleRouter     uint64 = 2
	RoleRepeater   uint64 = 4
)

// Admin is one AdminMessage. Exactly one field should be set.
type Admin struct {
	OwnerLong     string
	OwnerShort    string
	Config        []byte // encoded Config (variant + section)
	ModuleConfig  []byte // encoded ModuleConfig
	ExitSimulator bool
}

func (a Admin) Marshal() []byte {
	var b []byte
	if a.OwnerLong != "" || a.OwnerShort != "" {
		var ub []byte
		ub = appendBytes(ub, userLongName, []byte(a.OwnerLong))
		ub = appendBytes(ub, userShortName, []byte(a.OwnerShort))
		b = appendMessage(b, adminSetOwner, ub)
	}
	if a.Config != nil {
		b = appendMessage(b, adminSetConfig, a.Config)
	}
	if a.ModuleConfig != nil {
		b = appendMessage(b, adminSetModuleConfig, a.ModuleConfig)
	}
	b = appendBool(b, adminExitSimulator, a.ExitSimulator)
	return b
}

// Section wraps an encoded section body in its Config/ModuleConfig variant.
func Section(variant protowire.Number, body []byte) []byte {
	return appendMessage(nil, variant, body)
}

// SplitSection returns the variant number and body of an encoded
// Config/ModuleConfig.
func SplitSection(raw []byte) (protowire.Number, []byte, error) {
	var (
		variant protowire.Number
		body    []byte
		found   bool
	)
	err := eachField(raw, func(f field) error {
		if f.typ == protowire.BytesType && !found {
			variant, body, found = f.num, f.b, true
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	if !found {
		return 0, nil, fmt.Errorf("%w: no config variant", ErrMalformed)
	}
	return variant, body, nil
}

// SetVarint returns a copy of body with every occurrence of num removed and
// num=v appended. Unrelated fields are preserved byte-for-byte.
func SetVarint(body []byte, num protowire.Number, v uint64) ([]byte, error) {
	out := make([]byte, 0, len(body)+8)
	rest := body
	for len(rest) > 0 {
		n, typ, tagLen := protowire.ConsumeTag(rest)
		if tagLen < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(tagLen))
		}
		valLen := protowire.ConsumeFieldValue(n, typ, rest[tagLen:])
		if valLen < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(valLen))
		}
		if n != num {
			out = append(out, rest[:tagLen+valLen]...)
		}
		rest = rest[tagLen+valLen:]
	}
	out = protowire.AppendTag(out, num, protowire.VarintType)
	return protowire.AppendVarint(out, v), nil
}

// Position is a POSITION_APP payload.
type Position struct {
	LatitudeI  int32
	LongitudeI int32
	Altitude   int32
	Time       uint32
}

// PositionFromDegrees converts decimal degrees to the 1e-7 fixed point the
// firmware uses.
func PositionFromDegrees(lat, lng float64, altitude int32) Position {
	return Position{
		LatitudeI:  int32(math.Round(lat * 1e7)),
		LongitudeI: int32(math.Round(lng * 1e7)),
		Altitude:   altitude,
	}
}

func (p Position) Marshal() []byte {
	var b []byte
	if p.LatitudeI != 0 {
		b = protowire.AppendTag(b, positionLatitudeI, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, uint32(p.LatitudeI))
	}
	if p.LongitudeI != 0 {
		b = protowire.AppendTag(b, positionLongitudeI, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, uint32(p.LongitudeI))
	}
	b = appendInt32(b, positionAltitude, p.Altitude)
	b = appendFixed32(b, positionTime, p.Time)
	return b
}

func UnmarshalPosition(b []byte) (Position, error) {
	var p Position
	err := eachField(b, func(f field) error {
		switch f.num {
		case positionLatitudeI:
			p.LatitudeI = int32(uint32(f.u))
		case positionLongitudeI:
			p.LongitudeI = int32(uint32(f.u))
		case positionAltitude:
			p.Altitude = f.int32()
		case positionTime:
			p.Time = f.uint32()
		}
		return nil
	})
	return p, err
}

// LocalConfig holds the config sections a node reported during the API
// handshake, keyed by variant. Bodies are kept encoded so edits write back
// every field the firmware knows about.
type LocalConfig struct {
	Config map[protowire.Number][]byte
	Module map[protowire.Number][]byte
}

// Add records the config or module config carried by fr, if any.
func (lc *LocalConfig) Add(fr FromRadio) error {
	if fr.Config != nil {
		v, body, err := SplitSection(fr.Config)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if lc.Config == nil {
			lc.Config = make(map[protowire.Number][]byte)
		}
		lc.Config[v] = body
	}
	if fr.ModuleConfig != nil {
		v, body, err := SplitSection(fr.ModuleConfig)
		if err != nil {
			return fmt.Errorf("module config: %w", err)
		}
		if lc.Module == nil {
			lc.Module = make(map[protowire.Number][]byte)
		}
		lc.Module[v] = body
	}
	return nil
}
