package replication

import (
	"errors"
	"fmt"
	"time"

	"github.com/zeusync/netcore/internal/core/entity"
	"github.com/zeusync/netcore/internal/core/wire"
)

var ErrLagCompensationDisabled = errors.New("replication: lag compensation disabled")

// EntitySnapshot is the full state of one entity at a network tick. Data is an
// entity frame body.
type EntitySnapshot struct {
	NetworkID entity.NetworkID
	Sequence  uint32
	Timestamp time.Time
	Data      []byte
}

// StoreSnapshot records the entity's current state at the current tick. The
// history keeps at most MaxSnapshots entries and nothing older than
// MaxLagCompensation.
func (m *Manager) StoreSnapshot(id entity.NetworkID) error {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	reg, tick := rec.reg, m.tick
	m.mu.Unlock()

	data, err := encodeState(reg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok = m.records[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	if last, ok := rec.snapshots.Back(); ok && last.Sequence > tick {
		return fmt.Errorf("%w: %d after %d", ErrSnapshotOutOfOrder, tick, last.Sequence)
	}
	now := m.now()
	rec.snapshots.Push(EntitySnapshot{NetworkID: id, Sequence: tick, Timestamp: now, Data: data})
	if window := m.cfg.MaxLagCompensation; window > 0 {
		cutoff := now.Add(-window)
		rec.snapshots.DropWhile(func(s EntitySnapshot) bool { return s.Timestamp.Before(cutoff) })
	}
	return nil
}

func encodeState(reg Registration) ([]byte, error) {
	ids := reg.Entity.PropertyIDs()
	fields := make([]wire.Field, 0, len(ids))
	for _, p := range ids {
		data, err := reg.Entity.SerializeProperty(p)
		if err != nil {
			return nil, fmt.Errorf("serialize %d/%d: %w", reg.NetworkID, p, err)
		}
		fields = append(fields, wire.Field{ID: uint32(p), Data: data})
	}
	return wire.EncodeEntity(wire.EntityFrame{NetworkID: uint64(reg.NetworkID), EntityType: reg.EntityType, Fields: fields})
}

// Snapshot returns the stored state closest to at. Between two snapshots the
// nearer one wins; outside the history the nearest end is returned.
func (m *Manager) Snapshot(id entity.NetworkID, at time.Time) (EntitySnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.snapshots.Len() == 0 {
		return EntitySnapshot{}, false
	}
	return nearestSnapshot(rec.snapshots.Slice(), at), true
}

func nearestSnapshot(history []EntitySnapshot, at time.Time) EntitySnapshot {
	if !at.After(history[0].Timestamp) {
		return history[0]
	}
	for i := 1; i < len(history); i++ {
		prev, next := history[i-1], history[i]
		if at.After(next.Timestamp) {
			continue
		}
		if at.Sub(prev.Timestamp) > next.Timestamp.Sub(at) {
			return next
		}
		return prev
	}
	return history[len(history)-1]
}

// Snapshots returns the stored history oldest first.
func (m *Manager) Snapshots(id entity.NetworkID) []EntitySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil
	}
	return rec.snapshots.Slice()
}

// RewindTo applies to every entity with history the snapshot nearest to at.
// Values are applied as remote updates and never marked dirty.
func (m *Manager) RewindTo(at time.Time) error {
	m.mu.Lock()
	if !m.cfg.LagCompensation {
		m.mu.Unlock()
		return ErrLagCompensationDisabled
	}
	type target struct {
		e    entity.Networked
		snap EntitySnapshot
	}
	var targets []target
	for _, rec := range m.records {
		if rec.snapshots.Len() == 0 {
			continue
		}
		targets = append(targets, target{e: rec.reg.Entity, snap: nearestSnapshot(rec.snapshots.Slice(), at)})
	}
	m.mu.Unlock()

	var errs []error
	for _, t := range targets {
		frame, err := wire.DecodeEntity(t.snap.Data)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := t.e.ApplyFields(frame.Fields); err != nil {
			errs = append(errs, fmt.Errorf("rewind %d: %w", t.snap.NetworkID, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) ClearSnapshots(id entity.NetworkID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok {
		rec.snapshots.Clear()
	}
}

func (m *Manager) ClearAllSnapshots() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		rec.snapshots.Clear()
	}
}

// SetLagCompensation toggles per-tick snapshots.
func (m *Manager) SetLagCompensation(enabled bool) {
	m.mu.Lock()
	m.cfg.LagCompensation = enabled
	m.mu.Unlock()
}
