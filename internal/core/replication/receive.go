package replication

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/zeusync/netcore/internal/core/entity"
	"github.com/zeusync/netcore/internal/core/events/bus"
	"github.com/zeusync/netcore/internal/core/observability/log"
	"github.com/zeusync/netcore/internal/core/transport"
	"github.com/zeusync/netcore/internal/core/wire"
	"github.com/zeusync/netcore/pkg/sequence"
)

// maxReceivedBaselines bounds the baselines kept per peer; the oldest is
// evicted first.
const maxReceivedBaselines = 1024

var ErrBaselineMissing = errors.New("replication: delta baseline not held")

type receivedBaselines struct {
	bodies map[uint32][]byte
	order  *sequence.Ring[uint32]
}

func newReceivedBaselines() *receivedBaselines {
	return &receivedBaselines{
		bodies: make(map[uint32][]byte),
		order:  sequence.NewRing[uint32](maxReceivedBaselines),
	}
}

func (b *receivedBaselines) store(hash uint32, body []byte) {
	if _, ok := b.bodies[hash]; ok {
		b.bodies[hash] = body
		return
	}
	if evicted, ok := b.order.Push(hash); ok {
		delete(b.bodies, evicted)
	}
	b.bodies[hash] = body
}

// HandlePayload applies one replication payload received from peer. Frames
// are decoded completely before anything is applied; a malformed frame
// changes nothing.
func (m *Manager) HandlePayload(from transport.PeerID, payload []byte) error {
	kind, err := wire.PeekKind(payload)
	if err != nil {
		m.countMalformed(from, err)
		return err
	}

	var body []byte
	switch kind {
	case wire.KindRPC:
		return m.handleRPC(from, payload)
	case wire.KindFull, wire.KindBaseline:
		body = payload[1:]
	case wire.KindDelta:
		body, err = m.expandDelta(from, payload)
		if err != nil {
			return err
		}
	}

	frame, err := wire.DecodeEntity(body)
	if err != nil {
		m.countMalformed(from, err)
		return err
	}
	if kind == wire.KindBaseline {
		m.mu.Lock()
		m.baselinesFor(from).store(wire.BaselineHash(body), slices.Clone(body))
		m.mu.Unlock()
	}
	return m.applyFrame(from, frame, len(payload))
}

func (m *Manager) expandDelta(from transport.PeerID, payload []byte) ([]byte, error) {
	hash, delta, err := wire.SplitDeltaPayload(payload)
	if err != nil {
		m.countMalformed(from, err)
		return nil, err
	}

	m.mu.Lock()
	base, ok := m.baselinesFor(from).bodies[hash]
	if !ok {
		m.stats.BaselineMisses++
		m.mu.Unlock()
		m.logger.Debug("Delta without baseline", log.String("peer", string(from)), log.Uint32("hash", hash))
		return nil, fmt.Errorf("%w: %08x from %s", ErrBaselineMissing, hash, from)
	}
	m.mu.Unlock()

	body, err := wire.ApplyDelta(delta, base)
	if err != nil {
		m.countMalformed(from, err)
		return nil, err
	}
	return body, nil
}

func (m *Manager) baselinesFor(peer transport.PeerID) *receivedBaselines {
	b, ok := m.received[peer]
	if !ok {
		b = newReceivedBaselines()
		m.received[peer] = b
	}
	return b
}

func (m *Manager) applyFrame(from transport.PeerID, frame wire.EntityFrame, size int) error {
	id := entity.NetworkID(frame.NetworkID)

	m.mu.Lock()
	rec, ok := m.records[id]
	resolver := m.resolver
	if ok && rec.reg.Role == entity.RoleAuthority {
		m.stats.IgnoredUpdates++
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	var e entity.Networked
	if ok {
		e = rec.reg.Entity
	} else {
		spawned, err := m.spawn(resolver, from, id, frame.EntityType)
		if err != nil || spawned == nil {
			return err
		}
		e = spawned
	}

	fields := frame.Fields
	if err := e.ApplyFields(fields); err != nil {
		m.countMalformed(from, err)
		return fmt.Errorf("apply %d: %w", id, err)
	}

	m.mu.Lock()
	m.stats.UpdatesReceived++
	m.stats.BytesReceived += uint64(size)
	if rec, ok := m.records[id]; ok {
		rec.stats.UpdatesReceived++
		rec.stats.BytesReceived += uint64(size)
		rec.stats.LastReceived = m.now()
	}
	m.mu.Unlock()

	events := make([]bus.Event, 0, len(fields))
	for _, f := range fields {
		events = append(events, bus.NewEvent(EventPropertyUpdated, "replication",
			PropertyUpdate{NetworkID: id, Property: entity.PropertyID(f.ID), From: from}, 0, nil))
	}
	m.publish(events...)
	return nil
}

// spawn asks the resolver for a local twin of an unknown entity. A nil result
// means the update is ignored.
func (m *Manager) spawn(resolver SpawnResolver, from transport.PeerID, id entity.NetworkID, entityType string) (entity.Networked, error) {
	if resolver == nil {
		m.countIgnored()
		return nil, nil
	}
	e, err := resolver(SpawnRequest{NetworkID: id, EntityType: entityType, OwnerID: uint64(id) >> 40, From: from})
	if err != nil {
		return nil, fmt.Errorf("spawn %s %d: %w", entityType, id, err)
	}
	if e == nil {
		m.countIgnored()
		return nil, nil
	}
	if err := m.RegisterRemote(e, id, entityType); err != nil {
		if !errors.Is(err, ErrAlreadyRegistered) {
			return nil, err
		}
		existing, ok := m.Entity(id)
		if !ok {
			return nil, err
		}
		return existing, nil
	}
	return e, nil
}

func (m *Manager) countIgnored() {
	m.mu.Lock()
	m.stats.IgnoredUpdates++
	m.mu.Unlock()
}

func (m *Manager) countMalformed(from transport.PeerID, err error) {
	m.mu.Lock()
	m.stats.MalformedFrames++
	m.mu.Unlock()
	m.logger.Debug("Malformed replication payload", log.String("peer", string(from)), log.Error(err))
}

// PeerConnected resets delta state for peer and schedules a full resend of
// every Authority entity so a late joiner receives complete state.
func (m *Manager) PeerConnected(peer transport.PeerID) {
	m.forgetPeer(peer)

	m.mu.Lock()
	var ids []entity.NetworkID
	for id, rec := range m.records {
		if rec.reg.Role == entity.RoleAuthority {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	slices.Sort(ids)
	for _, id := range ids {
		_ = m.MarkAllDirty(id)
	}
	m.logger.Debug("Peer joined, full state scheduled", log.String("peer", string(peer)), log.Int("entities", len(ids)))
}

// PeerDisconnected drops the delta baselines exchanged with peer.
func (m *Manager) PeerDisconnected(peer transport.PeerID) {
	m.forgetPeer(peer)
}

func (m *Manager) forgetPeer(peer transport.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.received, peer)
	for _, key := range slices.Collect(maps.Keys(m.sent)) {
		if key.peer == peer {
			delete(m.sent, key)
		}
	}
}
