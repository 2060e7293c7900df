package sim

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"mesh-emulator/internal/network"
	"mesh-emulator/internal/node"
)

// ErrPlacement is returned when a random layout cannot satisfy the
// distance and connectivity constraints.
var ErrPlacement = errors.New("no valid node position found")

const placementAttempts = 10000

// Layout maps node ids to their settings. Ids are contiguous from zero.
type Layout map[uint32]node.Settings

// IDs returns the node ids in ascending order.
func (l Layout) IDs() []uint32 {
	ids := make([]uint32, 0, len(l))
	for id := range l {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (l Layout) validate() error {
	for i := range l.IDs() {
		if _, ok := l[uint32(i)]; !ok {
			return fmt.Errorf("layout ids must be contiguous from 0: missing %d", i)
		}
	}
	return nil
}

// LoadLayout reads a node layout file.
func LoadLayout(path string) (Layout, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var l Layout
	if err := yaml.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("parse layout %s: %w", path, err)
	}
	if len(l) == 0 {
		return nil, fmt.Errorf("layout %s has no nodes", path)
	}
	if err := l.validate(); err != nil {
		return nil, fmt.Errorf("layout %s: %w", path, err)
	}
	return l, nil
}

// SaveLayout writes l so the same scenario can be loaded again.
func SaveLayout(path string, l Layout) error {
	raw, err := yaml.Marshal(l)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// BuildLayout produces the layout selected by cfg.Nodes.
func BuildLayout(cfg Config) (Layout, error) {
	switch cfg.Nodes.Placement {
	case PlacementFile:
		return LoadLayout(cfg.Nodes.LayoutFile)
	case PlacementGrid:
		return GridLayout(cfg.Nodes), nil
	default:
		params, err := cfg.Params()
		if err != nil {
			return nil, err
		}
		model, err := network.ModelByName(cfg.Radio.PathLoss)
		if err != nil {
			return nil, err
		}
		return RandomLayout(cfg.Nodes, network.NewEngine(model), params)
	}
}

// GridLayout spreads the nodes evenly over the area, row by row.
func GridLayout(nc NodesConfig) Layout {
	side := int(math.Ceil(math.Sqrt(float64(nc.Count))))
	step := 0.0
	if side > 1 {
		step = nc.Area / float64(side-1)
	}
	l := make(Layout, nc.Count)
	for i := 0; i < nc.Count; i++ {
		s := nc.Defaults
		s.X = float64(i%side) * step
		s.Y = float64(i/side) * step
		l[uint32(i)] = s
	}
	return l
}

// RandomLayout places nodes uniformly at random, keeping each at least
// MinDistance from the others and within two-way range of at least one
// node already placed, so the mesh starts connected.
func RandomLayout(nc NodesConfig, engine *network.Engine, p network.Params) (Layout, error) {
	rng := rand.New(rand.NewPCG(uint64(nc.Seed), uint64(nc.Count)))
	placed := make([]*node.Node, 0, nc.Count)
	l := make(Layout, nc.Count)

	for i := 0; i < nc.Count; i++ {
		id := uint32(i)
		s := nc.Defaults
		ok := false
		for attempt := 0; attempt < placementAttempts && !ok; attempt++ {
			s.X = math.Round(rng.Float64() * nc.Area)
			s.Y = math.Round(rng.Float64() * nc.Area)
			candidate := node.New(id, s)
			ok = fits(candidate, placed, nc.MinDistance, engine, p)
			if ok {
				placed = append(placed, candidate)
			}
		}
		if !ok {
			return nil, fmt.Errorf("place node %d: %w", id, ErrPlacement)
		}
		l[id] = s
	}
	return l, nil
}

func fits(c *node.Node, placed []*node.Node, minDistance float64, engine *network.Engine, p network.Params) bool {
	connected := len(placed) == 0
	for _, other := range placed {
		if c.GetPosition().DistanceTo(other.GetPosition()) < minDistance {
			return false
		}
		if !connected && engine.InRange(c, other, p) {
			connected = true
		}
	}
	return connected
}
