package replication

import (
	"fmt"
	"slices"

	"github.com/zeusync/netcore/internal/core/entity"
)

// MarkDirty records a changed property. Initial-only properties are ignored
// once their first value has gone out.
func (m *Manager) MarkDirty(id entity.NetworkID, prop entity.PropertyID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	def, ok := m.definitionLocked(rec.reg.EntityType, prop)
	if !ok {
		return fmt.Errorf("%w: %s/%d", ErrUnknownProperty, rec.reg.EntityType, prop)
	}
	if def.Condition == entity.ConditionInitialOnly && rec.initialSent[prop] {
		return nil
	}
	rec.dirty[prop] = struct{}{}
	return nil
}

// MarkAllDirty schedules every property of the entity, initial-only ones
// included, for a full resend.
func (m *Manager) MarkAllDirty(id entity.NetworkID) error {
	m.mu.Lock()
	rec, ok := m.records[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	props := rec.reg.Entity.PropertyIDs()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records[id] != rec {
		return fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	m.markAllLocked(rec, props)
	return nil
}

func (m *Manager) markAllLocked(rec *record, props []entity.PropertyID) {
	for _, p := range props {
		if _, ok := m.definitionLocked(rec.reg.EntityType, p); ok {
			rec.dirty[p] = struct{}{}
		}
	}
}

func (m *Manager) ClearDirty(id entity.NetworkID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	clear(rec.dirty)
	return nil
}

func (m *Manager) IsDirty(id entity.NetworkID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	return ok && len(rec.dirty) > 0
}

func (m *Manager) IsPropertyDirty(id entity.NetworkID, prop entity.PropertyID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return false
	}
	_, dirty := rec.dirty[prop]
	return dirty
}

// DirtyProperties returns the dirty set in ascending id order.
func (m *Manager) DirtyProperties(id entity.NetworkID) []entity.PropertyID {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil
	}
	out := make([]entity.PropertyID, 0, len(rec.dirty))
	for p := range rec.dirty {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
