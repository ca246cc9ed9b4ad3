package replicators

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

type Formation uint8

const (
	FormationLine Formation = iota
	FormationColumn
	FormationWedge
)

func (f Formation) String() string {
	switch f {
	case FormationLine:
		return "line"
	case FormationColumn:
		return "column"
	case FormationWedge:
		return "wedge"
	default:
		return fmt.Sprintf("formation(%d)", uint8(f))
	}
}

// FormationOffsets returns one slot per unit on the ground plane (x, z),
// relative to the formation centre. The formation faces +z before it is
// rotated by facing radians around the y axis.
//
// Line spreads units side by side. Column stacks pairs front to back. Wedge
// puts the leader at the tip and each following pair one row further back
// and one spacing further out.
func FormationOffsets(f Formation, count int, spacing, facing float32) []mgl32.Vec3 {
	if count <= 0 {
		return nil
	}
	offsets := make([]mgl32.Vec3, count)
	switch f {
	case FormationLine:
		start := -float32(count-1) * spacing / 2
		for i := range offsets {
			offsets[i] = mgl32.Vec3{start + float32(i)*spacing, 0, 0}
		}
	case FormationColumn:
		rows := (count + 1) / 2
		start := -float32(rows-1) * spacing / 2
		for i := range offsets {
			x := spacing / 2
			if i%2 == 0 {
				x = -x
			}
			offsets[i] = mgl32.Vec3{x, 0, start + float32(i/2)*spacing}
		}
	case FormationWedge:
		for i := 1; i < count; i++ {
			row := float32((i + 1) / 2)
			x := row * spacing
			if i%2 == 1 {
				x = -x
			}
			offsets[i] = mgl32.Vec3{x, 0, -row * spacing}
		}
	}

	if facing != 0 {
		rot := mgl32.QuatRotate(facing, mgl32.Vec3{0, 1, 0})
		for i, o := range offsets {
			offsets[i] = rot.Rotate(o)
		}
	}
	return offsets
}

// facingOf returns the heading of dir on the ground plane, measured from +z
// towards +x.
func facingOf(dir mgl32.Vec3) float32 {
	if dir.X() == 0 && dir.Z() == 0 {
		return 0
	}
	return float32(math.Atan2(float64(dir.X()), float64(dir.Z())))
}
