package mesh

import (
	"math"
	"testing"
)

func TestDistanceIsThreeDimensional(t *testing.T) {
	a := CreateCoordinates(0, 0, 0)
	b := CreateCoordinates(3, 4, 12)
	if got := a.DistanceTo(b); got != 13 {
		t.Fatalf("DistanceTo = %v, want 13", got)
	}
	if got := b.DistanceTo(a); got != 13 {
		t.Fatalf("DistanceTo is not symmetric: %v", got)
	}
}

func TestLatLng(t *testing.T) {
	lat, lng := CreateCoordinates(100, 200, 1).LatLng()
	if math.Abs(lat-44.02) > 1e-9 || math.Abs(lng-(-104.99)) > 1e-9 {
		t.Fatalf("LatLng = (%v, %v), want (44.02, -104.99)", lat, lng)
	}
}

func TestHWIDBijection(t *testing.T) {
	for _, id := range []uint32{0, 1, 7, 1000} {
		hw := NodeIDToHWID(id)
		if hw != id+16 {
			t.Fatalf("NodeIDToHWID(%d) = %d", id, hw)
		}
		back, ok := HWIDToNodeID(hw)
		if !ok || back != id {
			t.Fatalf("HWIDToNodeID(%d) = %d, %v", hw, back, ok)
		}
	}
	if _, ok := HWIDToNodeID(3); ok {
		t.Fatal("HWIDToNodeID accepted a number below the offset")
	}
}
