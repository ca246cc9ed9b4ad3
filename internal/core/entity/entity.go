// Package entity implements the networked entity: a typed property table whose
// changes are reported to a replication manager, plus an RPC table.
package entity

import (
	"fmt"
	"slices"
	"sync"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/zeusync/netcore/internal/core/wire"
)

// DirtyMarker receives property change notifications.
type DirtyMarker interface {
	MarkDirty(id NetworkID, prop PropertyID) error
}

// RPCSender routes an outgoing RPC frame.
type RPCSender interface {
	SendRPC(frame wire.RPCFrame, reliable bool) error
}

// Networked is what the replication manager needs from an entity.
type Networked interface {
	NetworkID() NetworkID
	SetNetworkID(NetworkID)
	OwnerID() uint64
	SetOwner(uint64)
	Role() Role
	SetRole(Role)
	PropertyIDs() []PropertyID
	SerializeProperty(PropertyID) ([]byte, error)
	DeserializeProperty(PropertyID, []byte) error
	ApplyFields([]wire.Field) error
	InvokeRPC(wire.RPCFrame) error
	Bind(DirtyMarker, RPCSender)
}

// PropertyObserver is called after a remote value has been applied.
type PropertyObserver func(e *Entity, prop PropertyID, value Value)

var _ Networked = (*Entity)(nil)

// Entity is the default Networked implementation.
type Entity struct {
	mu        sync.RWMutex
	networkID NetworkID
	ownerID   uint64
	role      Role
	props     map[PropertyID]Value
	ids       []PropertyID

	marker    DirtyMarker
	sender    RPCSender
	observers []PropertyObserver
	rpcs      rpcTable
}

// New creates an entity holding the built-in properties: position, rotation,
// health and velocity.
func New() *Entity {
	e := &Entity{props: make(map[PropertyID]Value)}
	e.define(PropPosition, Vec3(mgl32.Vec3{}))
	e.define(PropRotation, Quat(mgl32.QuatIdent()))
	e.define(PropHealth, Float32(100))
	e.define(PropVelocity, Vec3(mgl32.Vec3{}))
	return e
}

func (e *Entity) define(id PropertyID, initial Value) {
	e.props[id] = initial
	idx, _ := slices.BinarySearch(e.ids, id)
	e.ids = slices.Insert(e.ids, idx, id)
}

// Define adds a custom property with its initial value.
func (e *Entity) Define(id PropertyID, initial Value) error {
	if initial.Kind() == KindInvalid {
		return fmt.Errorf("%w: property %d", ErrKindMismatch, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.props[id]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateProperty, id)
	}
	e.define(id, initial)
	return nil
}

// Base returns e. Types that embed *Entity inherit it, so code holding a
// Networked can reach the embedded entity.
func (e *Entity) Base() *Entity { return e }

func (e *Entity) NetworkID() NetworkID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.networkID
}

func (e *Entity) SetNetworkID(id NetworkID) {
	e.mu.Lock()
	e.networkID = id
	e.mu.Unlock()
}

func (e *Entity) OwnerID() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ownerID
}

func (e *Entity) SetOwner(owner uint64) {
	e.mu.Lock()
	e.ownerID = owner
	e.mu.Unlock()
}

func (e *Entity) Role() Role {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.role
}

func (e *Entity) SetRole(r Role) {
	e.mu.Lock()
	e.role = r
	e.mu.Unlock()
}

func (e *Entity) HasAuthority() bool {
	return e.Role() == RoleAuthority
}

// Bind attaches the manager side. A nil marker detaches the entity.
func (e *Entity) Bind(marker DirtyMarker, sender RPCSender) {
	e.mu.Lock()
	e.marker = marker
	e.sender = sender
	e.mu.Unlock()
}

func (e *Entity) PropertyIDs() []PropertyID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.ids)
}

func (e *Entity) Get(id PropertyID) (Value, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.props[id]
	return v, ok
}

// Set stores v and marks the property dirty if the value actually changed.
func (e *Entity) Set(id PropertyID, v Value) error {
	e.mu.Lock()
	cur, ok := e.props[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownProperty, id)
	}
	if cur.Kind() != v.Kind() {
		e.mu.Unlock()
		return fmt.Errorf("%w: property %d is %s, got %s", ErrKindMismatch, id, cur.Kind(), v.Kind())
	}
	if cur.Equal(v) {
		e.mu.Unlock()
		return nil
	}
	e.props[id] = v
	marker, netID := e.marker, e.networkID
	e.mu.Unlock()

	if marker != nil {
		_ = marker.MarkDirty(netID, id)
	}
	return nil
}

// MarkDirty reports prop as changed without touching its value.
func (e *Entity) MarkDirty(prop PropertyID) {
	e.mu.RLock()
	marker, netID := e.marker, e.networkID
	e.mu.RUnlock()
	if marker != nil {
		_ = marker.MarkDirty(netID, prop)
	}
}

func (e *Entity) Position() mgl32.Vec3 {
	v, _ := e.Get(PropPosition)
	return v.Vec3()
}

func (e *Entity) SetPosition(p mgl32.Vec3) {
	_ = e.Set(PropPosition, Vec3(p))
}

func (e *Entity) Rotation() mgl32.Quat {
	v, _ := e.Get(PropRotation)
	return v.Quat()
}

func (e *Entity) SetRotation(q mgl32.Quat) {
	_ = e.Set(PropRotation, Quat(q))
}

func (e *Entity) Health() float32 {
	v, _ := e.Get(PropHealth)
	return v.Float32()
}

func (e *Entity) SetHealth(h float32) {
	_ = e.Set(PropHealth, Float32(h))
}

func (e *Entity) Velocity() mgl32.Vec3 {
	v, _ := e.Get(PropVelocity)
	return v.Vec3()
}

func (e *Entity) SetVelocity(v mgl32.Vec3) {
	_ = e.Set(PropVelocity, Vec3(v))
}

// OnPropertyUpdated registers an observer for remotely applied values.
// Observers run in registration order.
func (e *Entity) OnPropertyUpdated(fn PropertyObserver) {
	e.mu.Lock()
	e.observers = append(e.observers, fn)
	e.mu.Unlock()
}

func (e *Entity) SerializeProperty(id PropertyID) ([]byte, error) {
	v, ok := e.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownProperty, id)
	}
	return v.Encode(), nil
}

// DeserializeProperty applies a remote value. It never marks the property dirty.
func (e *Entity) DeserializeProperty(id PropertyID, data []byte) error {
	e.mu.Lock()
	cur, ok := e.props[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownProperty, id)
	}
	v, err := DecodeValue(cur.Kind(), data)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("property %d: %w", id, err)
	}
	e.props[id] = v
	observers := slices.Clone(e.observers)
	e.mu.Unlock()

	for _, fn := range observers {
		fn(e, id, v)
	}
	return nil
}

// Serialize encodes every property as [id:4][len:2][data] in id order.
func (e *Entity) Serialize() ([]byte, error) {
	w := wire.AcquireWriter()
	defer wire.ReleaseWriter(w)

	e.mu.RLock()
	for _, id := range e.ids {
		w.Uint32(uint32(id))
		w.Bytes16(e.props[id].Encode())
	}
	e.mu.RUnlock()
	return w.Copy()
}

// Deserialize applies a buffer produced by Serialize. Nothing is applied unless
// every field decodes.
func (e *Entity) Deserialize(data []byte) error {
	var fields []wire.Field
	r := wire.NewReader(data)
	for r.Err() == nil && r.Remaining() > 0 {
		id := r.Uint32()
		raw := r.Bytes16()
		fields = append(fields, wire.Field{ID: id, Data: raw})
	}
	if err := r.Done(); err != nil {
		return err
	}
	return e.ApplyFields(fields)
}

// ApplyFields applies remote values as one unit: nothing changes unless every
// field names a known property and decodes. Observers run afterwards, once per
// field, in field order.
func (e *Entity) ApplyFields(fields []wire.Field) error {
	decoded := make([]Value, len(fields))
	e.mu.Lock()
	for i, f := range fields {
		cur, ok := e.props[PropertyID(f.ID)]
		if !ok {
			e.mu.Unlock()
			return fmt.Errorf("%w: %d", ErrUnknownProperty, f.ID)
		}
		v, err := DecodeValue(cur.Kind(), f.Data)
		if err != nil {
			e.mu.Unlock()
			return fmt.Errorf("property %d: %w", f.ID, err)
		}
		decoded[i] = v
	}
	for i, f := range fields {
		e.props[PropertyID(f.ID)] = decoded[i]
	}
	observers := slices.Clone(e.observers)
	e.mu.Unlock()

	for i, f := range fields {
		for _, fn := range observers {
			fn(e, PropertyID(f.ID), decoded[i])
		}
	}
	return nil
}
