// Package replicators holds game-level consumers of the replication core:
// units that move and hold formations, and the world layer with territories
// and fog of war.
package replicators

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/zeusync/netcore/internal/core/entity"
	"github.com/zeusync/netcore/internal/core/observability/log"
	"github.com/zeusync/netcore/internal/core/replication"
)

const UnitType = "unit"

// Unit properties beyond the built-in movement state.
const (
	PropUnitTeam entity.PropertyID = entity.FirstCustomProperty + iota
	PropUnitTarget
	PropUnitState
	PropUnitSlot
)

type UnitState int32

const (
	UnitIdle UnitState = iota
	UnitMoving
)

var (
	ErrUnknownUnit  = errors.New("replicators: unknown unit")
	ErrNotAuthority = errors.New("replicators: unit is not simulated locally")
)

// UnitProperties is the replication table for units. When visible is set,
// the movement properties are only sent to players for which it holds.
func UnitProperties(visible entity.ConditionFunc) []entity.PropertyDefinition {
	movement := entity.ConditionAlways
	if visible != nil {
		movement = entity.ConditionCustom
	}
	return []entity.PropertyDefinition{
		{ID: entity.PropPosition, Name: "position", Priority: entity.PriorityHigh, Condition: movement, Custom: visible},
		{ID: entity.PropRotation, Name: "rotation", Priority: entity.PriorityNormal, Condition: movement, Custom: visible},
		{ID: entity.PropHealth, Name: "health", Priority: entity.PriorityCritical, Reliable: true},
		{ID: entity.PropVelocity, Name: "velocity", Priority: entity.PriorityNormal, Condition: movement, Custom: visible},
		{ID: PropUnitTeam, Name: "team", Priority: entity.PriorityCritical, Reliable: true, Condition: entity.ConditionInitialOnly},
		{ID: PropUnitTarget, Name: "target", Priority: entity.PriorityLow, Reliable: true, Condition: entity.ConditionOwnerOnly},
		{ID: PropUnitState, Name: "state", Priority: entity.PriorityNormal, Reliable: true},
		{ID: PropUnitSlot, Name: "formation_slot", Priority: entity.PriorityBackground, Reliable: true, Condition: entity.ConditionOwnerOnly},
	}
}

type UnitConfig struct {
	// Speed is how fast locally simulated units walk, in units per second.
	Speed float32 `yaml:"speed" json:"speed"`
	// Smoothing is the rate at which remote units converge on their
	// replicated position; higher is snappier.
	Smoothing float32 `yaml:"smoothing" json:"smoothing"`
	// SnapThreshold makes a remote unit jump instead of gliding when its
	// replicated position is further away than this.
	SnapThreshold float32 `yaml:"snap_threshold" json:"snap_threshold"`
	Spacing       float32 `yaml:"spacing" json:"spacing"`
	// Arrival is the distance at which a unit counts as arrived.
	Arrival float32 `yaml:"arrival" json:"arrival"`
}

func DefaultUnitConfig() UnitConfig {
	return UnitConfig{
		Speed:         5,
		Smoothing:     10,
		SnapThreshold: 3,
		Spacing:       2,
		Arrival:       0.05,
	}
}

// Unit is a networked entity with a team and a movement target.
type Unit struct {
	*entity.Entity

	mu      sync.Mutex
	display mgl32.Vec3
	target  mgl32.Vec3 // replicated position remote units converge on
	snapped bool
}

// NewUnit creates a unit of team at pos.
func NewUnit(team int32, pos mgl32.Vec3) *Unit {
	e := entity.New()
	_ = e.Define(PropUnitTeam, entity.Int32(team))
	_ = e.Define(PropUnitTarget, entity.Vec3(pos))
	_ = e.Define(PropUnitState, entity.Int32(int32(UnitIdle)))
	_ = e.Define(PropUnitSlot, entity.Int32(-1))
	e.SetPosition(pos)
	return &Unit{Entity: e, display: pos, target: pos}
}

func (u *Unit) Team() int32 {
	v, _ := u.Get(PropUnitTeam)
	return v.Int32()
}

func (u *Unit) Target() mgl32.Vec3 {
	v, _ := u.Get(PropUnitTarget)
	return v.Vec3()
}

func (u *Unit) State() UnitState {
	v, _ := u.Get(PropUnitState)
	return UnitState(v.Int32())
}

func (u *Unit) Slot() int32 {
	v, _ := u.Get(PropUnitSlot)
	return v.Int32()
}

// DisplayPosition is where the unit should be drawn. For remote units it
// trails the replicated position by the smoothing filter.
func (u *Unit) DisplayPosition() mgl32.Vec3 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.display
}

// UnitInfo is a read-only view used by the world layer.
type UnitInfo struct {
	NetworkID entity.NetworkID
	OwnerID   uint64
	Team      int32
	Position  mgl32.Vec3
}

type UnitOption func(*UnitReplicator)

func WithUnitLogger(l log.Log) UnitOption {
	return func(r *UnitReplicator) { r.logger = l }
}

// UnitReplicator spawns units, walks the locally simulated ones towards their
// targets and smooths the remote ones.
type UnitReplicator struct {
	manager *replication.Manager
	cfg     UnitConfig
	logger  log.Log

	mu    sync.Mutex
	units map[entity.NetworkID]*Unit
}

// NewUnitReplicator registers the unit property table with m. visible, when
// set, gates movement properties per recipient (see WorldReplicator.FogCondition).
func NewUnitReplicator(m *replication.Manager, cfg UnitConfig, visible entity.ConditionFunc, opts ...UnitOption) (*UnitReplicator, error) {
	if cfg.Speed <= 0 || cfg.Smoothing <= 0 || cfg.Spacing <= 0 {
		return nil, fmt.Errorf("replicators: speed, smoothing and spacing must be positive")
	}
	if err := m.RegisterProperties(UnitType, UnitProperties(visible)); err != nil {
		return nil, err
	}
	r := &UnitReplicator{
		manager: m,
		cfg:     cfg,
		logger:  log.NewNop(),
		units:   make(map[entity.NetworkID]*Unit),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(log.String("component", "units"))
	return r, nil
}

// Spawn creates a locally simulated unit and registers it for replication.
func (r *UnitReplicator) Spawn(team int32, pos mgl32.Vec3, opts ...replication.RegisterOption) (*Unit, error) {
	u := NewUnit(team, pos)
	id, err := r.manager.Register(u, UnitType, opts...)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.units[id] = u
	r.mu.Unlock()
	r.logger.Debug("Unit spawned", log.Uint64("unit", uint64(id)), log.Int("team", int(team)))
	return u, nil
}

// Resolve builds the local twin of a remote unit. Other entity types are
// left to the next resolver.
func (r *UnitReplicator) Resolve(req replication.SpawnRequest) (entity.Networked, error) {
	if req.EntityType != UnitType {
		return nil, nil
	}
	u := NewUnit(-1, mgl32.Vec3{})
	u.OnPropertyUpdated(func(_ *entity.Entity, prop entity.PropertyID, v entity.Value) {
		if prop == entity.PropPosition {
			u.receive(v.Vec3(), r.cfg.SnapThreshold)
		}
	})
	r.mu.Lock()
	r.units[req.NetworkID] = u
	r.mu.Unlock()
	return u, nil
}

// receive takes a replicated position. The first one, and any further away
// than the snap threshold, is applied immediately.
func (u *Unit) receive(pos mgl32.Vec3, snap float32) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.target = pos
	if !u.snapped || u.display.Sub(pos).Len() > snap {
		u.display = pos
		u.snapped = true
	}
}

// Remove forgets a unit and unregisters it.
func (r *UnitReplicator) Remove(id entity.NetworkID) error {
	r.mu.Lock()
	_, ok := r.units[id]
	delete(r.units, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownUnit, id)
	}
	return r.manager.Unregister(id)
}

func (r *UnitReplicator) Unit(id entity.NetworkID) (*Unit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.units[id]
	return u, ok
}

// Units lists every known unit in id order.
func (r *UnitReplicator) Units() []UnitInfo {
	r.mu.Lock()
	ids := make([]entity.NetworkID, 0, len(r.units))
	units := make(map[entity.NetworkID]*Unit, len(r.units))
	for id, u := range r.units {
		ids = append(ids, id)
		units[id] = u
	}
	r.mu.Unlock()

	slices.Sort(ids)
	out := make([]UnitInfo, 0, len(ids))
	for _, id := range ids {
		u := units[id]
		out = append(out, UnitInfo{NetworkID: id, OwnerID: u.OwnerID(), Team: u.Team(), Position: u.Position()})
	}
	return out
}

// MoveTo sends a locally simulated unit towards target.
func (r *UnitReplicator) MoveTo(id entity.NetworkID, target mgl32.Vec3) error {
	u, err := r.local(id)
	if err != nil {
		return err
	}
	if err := u.Set(PropUnitTarget, entity.Vec3(target)); err != nil {
		return err
	}
	return u.Set(PropUnitState, entity.Int32(int32(UnitMoving)))
}

// Form assigns the units formation slots around centre, facing heading
// radians, in the order given.
func (r *UnitReplicator) Form(ids []entity.NetworkID, f Formation, centre mgl32.Vec3, heading float32) error {
	units := make([]*Unit, len(ids))
	for i, id := range ids {
		u, err := r.local(id)
		if err != nil {
			return err
		}
		units[i] = u
	}
	offsets := FormationOffsets(f, len(units), r.cfg.Spacing, heading)
	for i, u := range units {
		if err := u.Set(PropUnitSlot, entity.Int32(int32(i))); err != nil {
			return err
		}
		if err := r.MoveTo(ids[i], centre.Add(offsets[i])); err != nil {
			return err
		}
	}
	r.logger.Debug("Formation assigned", log.Stringer("formation", f), log.Int("units", len(units)))
	return nil
}

// FormMoving is Form with the formation facing the direction of travel from
// the group's current centre.
func (r *UnitReplicator) FormMoving(ids []entity.NetworkID, f Formation, destination mgl32.Vec3) error {
	if len(ids) == 0 {
		return nil
	}
	var centre mgl32.Vec3
	for _, id := range ids {
		u, err := r.local(id)
		if err != nil {
			return err
		}
		centre = centre.Add(u.Position())
	}
	centre = centre.Mul(1 / float32(len(ids)))
	return r.Form(ids, f, destination, facingOf(destination.Sub(centre)))
}

func (r *UnitReplicator) local(id entity.NetworkID) (*Unit, error) {
	u, ok := r.Unit(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownUnit, id)
	}
	if !u.HasAuthority() {
		return nil, fmt.Errorf("%w: %d", ErrNotAuthority, id)
	}
	return u, nil
}

// Update walks local units towards their target and eases remote units
// towards their replicated position.
func (r *UnitReplicator) Update(dt time.Duration) {
	if dt <= 0 {
		return
	}
	secs := float32(dt.Seconds())
	r.mu.Lock()
	units := make([]*Unit, 0, len(r.units))
	for _, u := range r.units {
		units = append(units, u)
	}
	r.mu.Unlock()

	alpha := 1 - float32(math.Exp(-float64(r.cfg.Smoothing*secs)))
	for _, u := range units {
		if u.HasAuthority() {
			r.walk(u, secs)
			continue
		}
		u.mu.Lock()
		u.display = u.display.Add(u.target.Sub(u.display).Mul(alpha))
		u.mu.Unlock()
	}
}

func (r *UnitReplicator) walk(u *Unit, secs float32) {
	pos := u.Position()
	if u.State() != UnitMoving {
		u.mu.Lock()
		u.display = pos
		u.mu.Unlock()
		return
	}
	to := u.Target().Sub(pos)
	dist := to.Len()
	step := r.cfg.Speed * secs
	if dist <= r.cfg.Arrival || dist <= step {
		u.SetPosition(u.Target())
		u.SetVelocity(mgl32.Vec3{})
		_ = u.Set(PropUnitState, entity.Int32(int32(UnitIdle)))
	} else {
		dir := to.Mul(1 / dist)
		u.SetPosition(pos.Add(dir.Mul(step)))
		u.SetVelocity(dir.Mul(r.cfg.Speed))
		u.SetRotation(mgl32.QuatRotate(facingOf(dir), mgl32.Vec3{0, 1, 0}))
	}
	u.mu.Lock()
	u.display = u.Position()
	u.mu.Unlock()
}

// Resolvers chains spawn resolvers: the first one that returns an entity wins.
func Resolvers(resolvers ...replication.SpawnResolver) replication.SpawnResolver {
	return func(req replication.SpawnRequest) (entity.Networked, error) {
		for _, resolve := range resolvers {
			e, err := resolve(req)
			if err != nil || e != nil {
				return e, err
			}
		}
		return nil, nil
	}
}
