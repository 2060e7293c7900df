package packet

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the firmware protobufs. Only the fields the emulator reads
// or writes are listed; everything else is skipped on decode.
const (
	meshFrom      protowire.Number = 1
	meshTo        protowire.Number = 2
	meshChannel   protowire.Number = 3
	meshDecoded   protowire.Number = 4
	meshEncrypted protowire.Number = 5
	meshID        protowire.Number = 6
	meshRxTime    protowire.Number = 7
	meshRxSNR     protowire.Number = 8
	meshHopLimit  protowire.Number = 9
	meshWantAck   protowire.Number = 10
	meshPriority  protowire.Number = 11
	meshRxRSSI    protowire.Number = 12
	meshViaMQTT   protowire.Number = 14
	meshHopStart  protowire.Number = 15
	meshNextHop   protowire.Number = 18
	meshRelayNode protowire.Number = 19

	dataPortNum      protowire.Number = 1
	dataPayload      protowire.Number = 2
	dataWantResponse protowire.Number = 3
	dataDest         protowire.Number = 4
	dataSource       protowire.Number = 5
	dataRequestID    protowire.Number = 6
	dataReplyID      protowire.Number = 7

	toRadioPacket       protowire.Number = 1
	toRadioWantConfigID protowire.Number = 3
	toRadioDisconnect   protowire.Number = 4

	fromRadioID               protowire.Number = 1
	fromRadioPacket           protowire.Number = 2
	fromRadioMyInfo           protowire.Number = 3
	fromRadioConfig           protowire.Number = 5
	fromRadioConfigCompleteID protowire.Number = 7
	fromRadioRebooted         protowire.Number = 8
	fromRadioModuleConfig     protowire.Number = 9

	myInfoNodeNum protowire.Number = 1

	compressedPortNum protowire.Number = 1
	compressedData    protowire.Number = 2
)

// field is one decoded tag/value pair.
type field struct {
	num protowire.Number
	typ protowire.Type
	u   uint64 // varint, fixed32 and fixed64 values
	b   []byte // length-delimited values
}

func (f field) uint32() uint32   { return uint32(f.u) }
func (f field) int32() int32     { return int32(int64(f.u)) }
func (f field) bool() bool       { return f.u != 0 }
func (f field) float32() float32 { return math.Float32frombits(uint32(f.u)) }

func eachField(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.u = uint64(v)
		case protowire.Fixed64Type:
			f.u, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	return appendVarint(b, num, uint64(int64(v)))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendVarint(b, num, protowire.EncodeBool(v))
}

func appendFixed32(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, v)
}

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	return appendFixed32(b, num, math.Float32bits(v))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	return appendMessage(b, num, v)
}

// appendMessage writes a length-delimited field even when v is empty, which
// is how a set-but-empty sub-message is expressed.
func appendMessage(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// Marshal encodes the payload as a Data message.
func (d Data) Marshal() []byte {
	var b []byte
	b = appendVarint(b, dataPortNum, uint64(d.PortNum))
	b = appendBytes(b, dataPayload, d.Payload)
	b = appendBool(b, dataWantResponse, d.WantResponse)
	b = appendFixed32(b, dataDest, d.Dest)
	b = appendFixed32(b, dataSource, d.Source)
	b = appendFixed32(b, dataRequestID, d.RequestID)
	b = appendFixed32(b, dataReplyID, d.ReplyID)
	return b
}

// UnmarshalData decodes a Data message.
func UnmarshalData(b []byte) (Data, error) {
	var d Data
	err := eachField(b, func(f field) error {
		switch f.num {
		case dataPortNum:
			d.PortNum = PortNum(f.uint32())
		case dataPayload:
			d.Payload = append([]byte(nil), f.b...)
		case dataWantResponse:
			d.WantResponse = f.bool()
		case dataDest:
			d.Dest = f.uint32()
		case dataSource:
			d.Source = f.uint32()
		case dataRequestID:
			d.RequestID = f.uint32()
		case dataReplyID:
			d.ReplyID = f.uint32()
		}
		return nil
	})
	return d, err
}

// Marshal encodes the packet as a MeshPacket.
func (p Packet) Marshal() []byte {
	var b []byte
	b = appendFixed32(b, meshFrom, p.From)
	b = appendFixed32(b, meshTo, p.To)
	b = appendVarint(b, meshChannel, uint64(p.Channel))
	if len(p.Encrypted) > 0 {
		b = appendBytes(b, meshEncrypted, p.Encrypted)
	} else {
		b = appendMessage(b, meshDecoded, p.Decoded.Marshal())
	}
	b = appendFixed32(b, meshID, p.ID)
	b = appendFixed32(b, meshRxTime, p.RxTime)
	b = appendFloat(b, meshRxSNR, p.RxSNR)
	b = appendVarint(b, meshHopLimit, uint64(p.HopLimit))
	b = appendBool(b, meshWantAck, p.WantAck)
	b = appendVarint(b, meshPriority, uint64(p.Priority))
	b = appendInt32(b, meshRxRSSI, p.RxRSSI)
	b = appendBool(b, meshViaMQTT, p.ViaMQTT)
	b = appendVarint(b, meshHopStart, uint64(p.HopStart))
	b = appendVarint(b, meshNextHop, uint64(p.NextHop))
	b = appendVarint(b, meshRelayNode, uint64(p.RelayNode))
	return b
}

// UnmarshalPacket decodes a MeshPacket.
func UnmarshalPacket(b []byte) (Packet, error) {
	var p Packet
	err := eachField(b, func(f field) error {
		switch f.num {
		case meshFrom:
			p.From = f.uint32()
		case meshTo:
			p.To = f.uint32()
		case meshChannel:
			p.Channel = f.uint32()
		case meshDecoded:
			d, err := UnmarshalData(f.b)
			if err != nil {
				return fmt.Errorf("decoded: %w", err)
			}
			p.Decoded = d
		case meshEncrypted:
			p.Encrypted = append([]byte(nil), f.b...)
		case meshID:
			p.ID = f.uint32()
		case meshRxTime:
			p.RxTime = f.uint32()
		case meshRxSNR:
			p.RxSNR = f.float32()
		case meshHopLimit:
			p.HopLimit = f.uint32()
		case meshWantAck:
			p.WantAck = f.bool()
		case meshPriority:
			p.Priority = f.uint32()
		case meshRxRSSI:
			p.RxRSSI = f.int32()
		case meshViaMQTT:
			p.ViaMQTT = f.bool()
		case meshHopStart:
			p.HopStart = f.uint32()
		case meshNextHop:
			p.NextHop = f.uint32()
		case meshRelayNode:
			p.RelayNode = f.uint32()
		}
		return nil
	})
	return p, err
}

// ToRadio is a frame written to a node.
type ToRadio struct {
	Packet       *Packet
	WantConfigID uint32
	Disconnect   bool
}

func (t ToRadio) Marshal() []byte {
	var b []byte
	if t.Packet != nil {
		b = appendMessage(b, toRadioPacket, t.Packet.Marshal())
	}
	b = appendVarint(b, toRadioWantConfigID, uint64(t.WantConfigID))
	b = appendBool(b, toRadioDisconnect, t.Disconnect)
	return b
}

func UnmarshalToRadio(b []byte) (ToRadio, error) {
	var t ToRadio
	err := eachField(b, func(f field) error {
		switch f.num {
		case toRadioPacket:
			p, err := UnmarshalPacket(f.b)
			if err != nil {
				return fmt.Errorf("packet: %w", err)
			}
			t.Packet = &p
		case toRadioWantConfigID:
			t.WantConfigID = f.uint32()
		case toRadioDisconnect:
			t.Disconnect = f.bool()
		}
		return nil
	})
	return t, err
}

// FromRadio is a frame read from a node. Config and ModuleConfig keep the raw
// encoded section so it can be edited and written back through admin
// messages.
type FromRadio struct {
	ID               uint32
	Packet           *Packet
	MyNodeNum        uint32
	Config           []byte
	ModuleConfig     []byte
	ConfigCompleteID uint32
	Rebooted         bool
}

func (fr FromRadio) Marshal() []byte {
	var b []byte
	b = appendVarint(b, fromRadioID, uint64(fr.ID))
	if fr.Packet != nil {
		b = appendMessage(b, fromRadioPacket, fr.Packet.Marshal())
	}
	if fr.MyNodeNum != 0 {
		b = appendMessage(b, fromRadioMyInfo, appendVarint(nil, myInfoNodeNum, uint64(fr.MyNodeNum)))
	}
	if fr.Config != nil {
		b = appendMessage(b, fromRadioConfig, fr.Config)
	}
	if fr.ModuleConfig != nil {
		b = appendMessage(b, fromRadioModuleConfig, fr.ModuleConfig)
	}
	b = appendVarint(b, fromRadioConfigCompleteID, uint64(fr.ConfigCompleteID))
	b = appendBool(b, fromRadioRebooted, fr.Rebooted)
	return b
}

func UnmarshalFromRadio(b []byte) (FromRadio, error) {
	var fr FromRadio
	err := eachField(b, func(f field) error {
		switch f.num {
		case fromRadioID:
			fr.ID = f.uint32()
		case fromRadioPacket:
			p, err := UnmarshalPacket(f.b)
			if err != nil {
				return fmt.Errorf("packet: %w", err)
			}
			fr.Packet = &p
		case fromRadioMyInfo:
			return eachField(f.b, func(mf field) error {
				if mf.num == myInfoNodeNum {
					fr.MyNodeNum = mf.uint32()
				}
				return nil
			})
		case fromRadioConfig:
			fr.Config = append([]byte{}, f.b...)
		case fromRadioModuleConfig:
			fr.ModuleConfig = append([]byte{}, f.b...)
		case fromRadioConfigCompleteID:
			fr.ConfigCompleteID = f.uint32()
		case fromRadioRebooted:
			fr.Rebooted = f.bool()
		}
		return nil
	})
	return fr, err
}

// Compressed is the envelope simulator-mode firmware uses for over-the-air
// frames: the original port number plus its payload.
type Compressed struct {
	PortNum PortNum
	Data    []byte
}

func (c Compressed) Marshal() []byte {
	var b []byte
	b = appendVarint(b, compressedPortNum, uint64(c.PortNum))
	b = appendBytes(b, compressedData, c.Data)
	return b
}

func UnmarshalCompressed(b []byte) (Compressed, error) {
	var c Compressed
	err := eachField(b, func(f field) error {
		switch f.num {
		case compressedPortNum:
			c.PortNum = PortNum(f.uint32())
		case compressedData:
			if f.typ != protowire.BytesType {
				return fmt.Errorf("%w: compressed data has wire type %d", ErrMalformed, f.typ)
			}
			c.Data = append([]byte(nil), f.b...)
		}
		return nil
	})
	return c, err
}

// UnwrapSimulator turns a SIMULATOR_APP frame reported by a node into the
// packet it transmitted over the air: the inner port and data replace the
// envelope.
func UnwrapSimulator(p Packet) (Packet, error) {
	if p.Decoded.PortNum != PortSimulator {
		return p, fmt.Errorf("%w: port %s is not a simulator frame", ErrMalformed, p.Decoded.PortNum)
	}
	c, err := UnmarshalCompressed(p.Decoded.Payload)
	if err != nil {
		return p, fmt.Errorf("simulator envelope: %w", err)
	}
	p.Decoded.PortNum = c.PortNum
	p.Decoded.Payload = c.Data
	return p, nil
}
