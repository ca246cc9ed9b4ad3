package prediction

import (
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/zeusync/netcore/internal/core/entity"
)

// CustomSize is the fixed size of the opaque game payload in inputs and states.
const CustomSize = 16

// InputCommand is one tick of player input.
type InputCommand struct {
	Sequence  uint32
	Timestamp time.Duration
	Move      mgl32.Vec2
	Look      mgl32.Vec2
	Buttons   uint32
	Custom    [CustomSize]byte
}

// StateSnapshot is the simulated state of one entity after an input.
type StateSnapshot struct {
	Sequence  uint32
	Timestamp time.Duration
	Position  mgl32.Vec3
	Rotation  mgl32.Quat
	Velocity  mgl32.Vec3
	Health    float32
	State     uint8
	Custom    [CustomSize]byte
}

// SimulateFunc advances state by one input. It must be deterministic for a
// given (state, input, dt).
type SimulateFunc func(id entity.NetworkID, input InputCommand, state StateSnapshot, dt time.Duration) StateSnapshot

// blend moves from toward to by t in [0, 1]. Discrete fields come from to.
func blend(from, to StateSnapshot, t float32) StateSnapshot {
	if t >= 1 {
		return to
	}
	if t <= 0 {
		t = 0
	}
	out := to
	out.Position = lerpVec3(from.Position, to.Position, t)
	out.Velocity = lerpVec3(from.Velocity, to.Velocity, t)
	out.Rotation = mgl32.QuatSlerp(from.Rotation, to.Rotation, t)
	out.Health = from.Health + (to.Health-from.Health)*t
	return out
}

func lerpVec3(a, b mgl32.Vec3, t float32) mgl32.Vec3 {
	return a.Add(b.Sub(a).Mul(t))
}

// StateFromEntity captures the built-in properties of e.
func StateFromEntity(e *entity.Entity, seq uint32, ts time.Duration) StateSnapshot {
	return StateSnapshot{
		Sequence:  seq,
		Timestamp: ts,
		Position:  e.Position(),
		Rotation:  e.Rotation(),
		Velocity:  e.Velocity(),
		Health:    e.Health(),
	}
}

// ApplyState writes the built-in properties of s into e.
func ApplyState(e *entity.Entity, s StateSnapshot) {
	e.SetPosition(s.Position)
	e.SetRotation(s.Rotation)
	e.SetVelocity(s.Velocity)
	e.SetHealth(s.Health)
}
