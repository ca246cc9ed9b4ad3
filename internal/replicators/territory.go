package replicators

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/zeusync/netcore/internal/core/entity"
	"github.com/zeusync/netcore/internal/core/wire"
)

const TerritoryType = "territory"

// MaxTerritoryPoints keeps the encoded boundary inside one transport payload.
const MaxTerritoryPoints = 1024

var ErrTooManyPoints = errors.New("replicators: territory has too many boundary points")

const (
	PropTerritoryOwner entity.PropertyID = entity.FirstCustomProperty + iota
	PropTerritoryState
	PropTerritoryProgress
	PropTerritoryCapturer
	PropTerritoryBounds
)

// NoTeam marks a territory nobody holds or captures.
const NoTeam int32 = -1

type TerritoryState int32

const (
	TerritoryNeutral TerritoryState = iota
	TerritoryContested
	TerritoryOwned
)

func (s TerritoryState) String() string {
	switch s {
	case TerritoryNeutral:
		return "neutral"
	case TerritoryContested:
		return "contested"
	case TerritoryOwned:
		return "owned"
	default:
		return fmt.Sprintf("territory_state(%d)", int32(s))
	}
}

func TerritoryProperties() []entity.PropertyDefinition {
	return []entity.PropertyDefinition{
		{ID: PropTerritoryOwner, Name: "owner", Priority: entity.PriorityCritical, Reliable: true},
		{ID: PropTerritoryState, Name: "state", Priority: entity.PriorityHigh, Reliable: true},
		{ID: PropTerritoryProgress, Name: "progress", Priority: entity.PriorityLow},
		{ID: PropTerritoryCapturer, Name: "capturer", Priority: entity.PriorityNormal, Reliable: true},
		{ID: PropTerritoryBounds, Name: "bounds", Priority: entity.PriorityCritical, Reliable: true, Condition: entity.ConditionInitialOnly},
	}
}

// Territory is a capturable polygon on the ground plane. Boundary points are
// (x, z) pairs.
type Territory struct {
	*entity.Entity

	mu     sync.RWMutex
	bounds []mgl32.Vec2
}

func NewTerritory(bounds []mgl32.Vec2, owner int32) (*Territory, error) {
	if len(bounds) > MaxTerritoryPoints {
		return nil, fmt.Errorf("%w: %d boundary points, limit %d", ErrTooManyPoints, len(bounds), MaxTerritoryPoints)
	}
	e := entity.New()
	state := TerritoryNeutral
	progress := float32(0)
	if owner != NoTeam {
		state, progress = TerritoryOwned, 1
	}
	_ = e.Define(PropTerritoryOwner, entity.Int32(owner))
	_ = e.Define(PropTerritoryState, entity.Int32(int32(state)))
	_ = e.Define(PropTerritoryProgress, entity.Float32(progress))
	_ = e.Define(PropTerritoryCapturer, entity.Int32(NoTeam))
	_ = e.Define(PropTerritoryBounds, entity.Bytes(encodeBounds(bounds)))
	t := &Territory{Entity: e, bounds: slices.Clone(bounds)}
	e.OnPropertyUpdated(func(_ *entity.Entity, prop entity.PropertyID, v entity.Value) {
		if prop != PropTerritoryBounds {
			return
		}
		decoded, err := decodeBounds(v.RawBytes())
		if err != nil {
			return
		}
		t.mu.Lock()
		t.bounds = decoded
		t.mu.Unlock()
	})
	return t, nil
}

func (t *Territory) Bounds() []mgl32.Vec2 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.bounds)
}

func (t *Territory) Owner() int32 {
	v, _ := t.Get(PropTerritoryOwner)
	return v.Int32()
}

func (t *Territory) State() TerritoryState {
	v, _ := t.Get(PropTerritoryState)
	return TerritoryState(v.Int32())
}

func (t *Territory) Progress() float32 {
	v, _ := t.Get(PropTerritoryProgress)
	return v.Float32()
}

func (t *Territory) Capturer() int32 {
	v, _ := t.Get(PropTerritoryCapturer)
	return v.Int32()
}

// Contains runs an even-odd crossing test of p's (x, z) against the boundary.
// Fewer than three points never contain anything.
func (t *Territory) Contains(p mgl32.Vec3) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return pointInPolygon(mgl32.Vec2{p.X(), p.Z()}, t.bounds)
}

func pointInPolygon(p mgl32.Vec2, poly []mgl32.Vec2) bool {
	if len(poly) < 3 {
		return false
	}
	inside := false
	for i := range poly {
		a, b := poly[i], poly[(i+1)%len(poly)]
		if (a.Y() <= p.Y()) == (b.Y() <= p.Y()) {
			continue
		}
		t := (p.Y() - a.Y()) / (b.Y() - a.Y())
		if p.X() < a.X()+t*(b.X()-a.X()) {
			inside = !inside
		}
	}
	return inside
}

func encodeBounds(bounds []mgl32.Vec2) []byte {
	w := wire.NewWriter(2 + 8*len(bounds))
	w.Uint16(uint16(len(bounds)))
	for _, p := range bounds {
		w.Float32(p.X())
		w.Float32(p.Y())
	}
	return w.Bytes()
}

func decodeBounds(data []byte) ([]mgl32.Vec2, error) {
	r := wire.NewReader(data)
	n := int(r.Uint16())
	if n > MaxTerritoryPoints {
		return nil, fmt.Errorf("territory bounds: %w: %d", ErrTooManyPoints, n)
	}
	out := make([]mgl32.Vec2, 0, n)
	for range n {
		x, z := r.Float32(), r.Float32()
		if r.Err() != nil {
			break
		}
		out = append(out, mgl32.Vec2{x, z})
	}
	if err := r.Done(); err != nil {
		return nil, fmt.Errorf("territory bounds: %w", err)
	}
	return out, nil
}
