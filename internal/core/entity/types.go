package entity

import (
	"fmt"
	"strings"
)

// NetworkID identifies a replicated entity for the lifetime of a session.
type NetworkID uint64

// PropertyID identifies a property within an entity type.
type PropertyID uint32

// Built-in property ids carried by every Entity.
const (
	PropPosition PropertyID = 1
	PropRotation PropertyID = 2
	PropHealth   PropertyID = 3
	PropVelocity PropertyID = 4

	// FirstCustomProperty is the lowest id free for game-defined properties.
	FirstCustomProperty PropertyID = 16
)

type Role uint8

const (
	RoleNone Role = iota
	RoleAuthority
	RoleSimulatedProxy
	RoleAutonomousProxy
)

func (r Role) String() string {
	switch r {
	case RoleAuthority:
		return "authority"
	case RoleSimulatedProxy:
		return "simulated_proxy"
	case RoleAutonomousProxy:
		return "autonomous_proxy"
	default:
		return "none"
	}
}

type Mode uint8

const (
	ModeAuthoritative Mode = iota
	ModePredicted
	ModeInterpolated
	ModeCosmetic
)

func (m Mode) String() string {
	switch m {
	case ModeAuthoritative:
		return "authoritative"
	case ModePredicted:
		return "predicted"
	case ModeInterpolated:
		return "interpolated"
	case ModeCosmetic:
		return "cosmetic"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Priority orders replication work. Lower values are sent first.
type Priority uint8

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

var priorityNames = [...]string{"critical", "high", "normal", "low", "background"}

func (p Priority) String() string {
	if int(p) < len(priorityNames) {
		return priorityNames[p]
	}
	return fmt.Sprintf("priority(%d)", uint8(p))
}

func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range priorityNames {
		if name == s {
			return Priority(i), nil
		}
	}
	return PriorityBackground, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Condition restricts which peers receive a property.
type Condition uint8

const (
	ConditionAlways Condition = iota
	ConditionOwnerOnly
	ConditionSkipOwner
	ConditionInitialOnly
	ConditionCustom
)

// ConditionContext is what a custom condition sees for one candidate recipient.
type ConditionContext struct {
	NetworkID NetworkID
	OwnerID   uint64
	PlayerID  uint64
}

type ConditionFunc func(ConditionContext) bool

type PropertyDefinition struct {
	ID       PropertyID
	Name     string
	Priority Priority
	Reliable bool
	// Condition defaults to ConditionAlways. ConditionCustom requires Custom.
	Condition Condition
	Custom    ConditionFunc
}

// Admits reports whether the property may be sent to playerID.
func (d PropertyDefinition) Admits(ctx ConditionContext) bool {
	switch d.Condition {
	case ConditionOwnerOnly:
		return ctx.PlayerID == ctx.OwnerID
	case ConditionSkipOwner:
		return ctx.PlayerID != ctx.OwnerID
	case ConditionCustom:
		return d.Custom == nil || d.Custom(ctx)
	default:
		return true
	}
}

// DefaultProperties is the table used for plain entities: movement state is
// high priority and unreliable, health is reliable.
func DefaultProperties() []PropertyDefinition {
	return []PropertyDefinition{
		{ID: PropPosition, Name: "position", Priority: PriorityHigh},
		{ID: PropRotation, Name: "rotation", Priority: PriorityNormal},
		{ID: PropHealth, Name: "health", Priority: PriorityCritical, Reliable: true},
		{ID: PropVelocity, Name: "velocity", Priority: PriorityNormal},
	}
}
