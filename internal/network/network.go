package network

import (
	"mesh-emulator/internal/mesh"
)

// PathLossModel returns the path loss in dB between two antennas distance
// metres apart at freq Hz.
type PathLossModel func(distance, freq, txHeight, rxHeight float64) float64

// Params are the radio parameters shared by every node.
type Params struct {
	TxPower     float64 // dBm
	Frequency   float64 // Hz
	NoiseFloor  float64 // dBm
	Sensitivity float64 // dBm, minimum RSSI that still decodes
}

// Reception lists the nodes that hear a transmission. The three slices are
// parallel and keep the order of the candidates.
type Reception struct {
	Receivers []mesh.INode
	RSSI      []float64
	SNR       []float64
}

// IDs returns the receiver ids in order.
func (r Reception) IDs() []uint32 {
	ids := make([]uint32, len(r.Receivers))
	for i, n := range r.Receivers {
		ids[i] = n.GetID()
	}
	return ids
}

func (r Reception) Len() int { return len(r.Receivers) }

// Engine decides who hears a transmission. It is deterministic and holds no
// state besides the loss model, so one Engine can be shared freely.
type Engine struct {
	model PathLossModel
}

// NewEngine builds an engine on model; a nil model selects log-distance.
func NewEngine(model PathLossModel) *Engine {
	if model == nil {
		model = LogDistance
	}
	return &Engine{model: model}
}

// LinkBudget evaluates the link from tx to rx. ok reports whether rx would
// decode the frame.
func (e *Engine) LinkBudget(tx, rx mesh.INode, p Params) (rssi, snr float64, ok bool) {
	txPos, rxPos := tx.GetPosition(), rx.GetPosition()
	loss := e.model(txPos.DistanceTo(rxPos), p.Frequency, txPos.Z, rxPos.Z)
	rssi = p.TxPower + tx.GetAntennaGain() - loss
	snr = rssi - p.NoiseFloor
	return rssi, snr, rssi >= p.Sensitivity
}

// Evaluate returns every candidate that would receive a frame sent by tx.
// The transmitter itself is never returned, even when it is among the
// candidates.
func (e *Engine) Evaluate(tx mesh.INode, candidates []mesh.INode, p Params) Reception {
	var r Reception
	for _, rx := range candidates {
		if rx.GetID() == tx.GetID() {
			continue
		}
		rssi, snr, ok := e.LinkBudget(tx, rx, p)
		if !ok {
			continue
		}
		r.Receivers = append(r.Receivers, rx)
		r.RSSI = append(r.RSSI, rssi)
		r.SNR = append(r.SNR, snr)
	}
	return r
}

// InRange reports whether a and b hear each other in both directions.
func (e *Engine) InRange(a, b mesh.INode, p Params) bool {
	_, _, ab := e.LinkBudget(a, b, p)
	_, _, ba := e.LinkBudget(b, a, p)
	return ab && ba
}
