package mesh

// INode is what the reception engine needs to know about a node.
type INode interface {
	GetID() uint32
	GetHWID() uint32
	GetPosition() Coordinates
	GetAntennaGain() float64
}
