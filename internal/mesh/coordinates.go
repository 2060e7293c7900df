package mesh

import "math"

// HW_ID_OFFSET separates firmware hardware ids from emulator node ids.
const HW_ID_OFFSET uint32 = 16

// Reference point used when reporting positions to observers and to the
// firmware. One metre of x/y maps to 1e-4 degrees.
const (
	originLat   = 44.0
	originLng   = -105.0
	degPerMetre = 1e-4
)

// Coordinates is a position in metres. Z is the antenna height above ground.
type Coordinates struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
	Z float64 `yaml:"z" json:"z"`
}

// DistanceTo is the 3-D euclidean distance in metres.
func (c Coordinates) DistanceTo(other Coordinates) float64 {
	return math.Sqrt(math.Pow(c.X-other.X, 2) + math.Pow(c.Y-other.Y, 2) + math.Pow(c.Z-other.Z, 2))
}

// LatLng converts the x/y plane to the pseudo geographic coordinates shown to
// observers.
func (c Coordinates) LatLng() (float64, float64) {
	return originLat + c.Y*degPerMetre, originLng + c.X*degPerMetre
}

func CreateCoordinates(x, y, z float64) Coordinates {
	return Coordinates{X: x, Y: y, Z: z}
}

func NodeIDToHWID(id uint32) uint32 { return id + HW_ID_OFFSET }

// HWIDToNodeID maps a firmware node number back to the emulator id. ok is
// false for numbers below the offset, which no emulated node can own.
func HWIDToNodeID(hw uint32) (uint32, bool) {
	if hw < HW_ID_OFFSET {
		return 0, false
	}
	return hw - HW_ID_OFFSET, true
}
