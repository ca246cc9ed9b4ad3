package replication

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/zeusync/netcore/internal/core/entity"
	"github.com/zeusync/netcore/internal/core/transport"
	"github.com/zeusync/netcore/internal/core/wire"
	"github.com/zeusync/netcore/pkg/sequence"
)

// packetOverhead is the transport header added to every payload, counted
// against the bandwidth budget.
const packetOverhead = 18

const bandwidthWindow = time.Second

type sendItem struct {
	reg  Registration
	prop entity.PropertyID
	def  entity.PropertyDefinition
}

type delivery struct {
	peer    transport.PeerInfo
	channel string
	kind    wire.Kind
	payload []byte
	key     baselineKey
	body    []byte
}

// ReplicateAll runs one scheduling pass over every dirty Authority entity.
func (m *Manager) ReplicateAll() error {
	peers := m.connectedPeers()

	m.mu.Lock()
	queue := sequence.NewPriorityQueue[sendItem]()
	for _, id := range slices.Sorted(maps.Keys(m.records)) {
		m.enqueueLocked(queue, m.records[id])
	}
	m.mu.Unlock()

	return m.drain(queue, peers)
}

// ReplicateEntity sends the dirty properties of one entity.
func (m *Manager) ReplicateEntity(id entity.NetworkID) error {
	peers := m.connectedPeers()

	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	queue := sequence.NewPriorityQueue[sendItem]()
	m.enqueueLocked(queue, rec)
	m.mu.Unlock()

	return m.drain(queue, peers)
}

// ReplicateProperty sends one property now, dirty or not, subject to the
// bandwidth budget.
func (m *Manager) ReplicateProperty(id entity.NetworkID, prop entity.PropertyID) error {
	peers := m.connectedPeers()

	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	def, ok := m.definitionLocked(rec.reg.EntityType, prop)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s/%d", ErrUnknownProperty, rec.reg.EntityType, prop)
	}
	item := sendItem{reg: rec.reg, prop: prop, def: def}
	m.mu.Unlock()

	err := m.send(item, peers)
	if errors.Is(err, ErrBandwidthExceeded) {
		m.countDropped(item)
	}
	return err
}

func (m *Manager) enqueueLocked(queue *sequence.PriorityQueue[sendItem], rec *record) {
	if rec.reg.Role != entity.RoleAuthority || len(rec.dirty) == 0 {
		return
	}
	for _, prop := range slices.Sorted(maps.Keys(rec.dirty)) {
		def, ok := m.definitionLocked(rec.reg.EntityType, prop)
		if !ok {
			delete(rec.dirty, prop)
			continue
		}
		if def.Priority > m.cfg.PriorityThreshold {
			continue
		}
		queue.Enqueue(sendItem{reg: rec.reg, prop: prop, def: def}, int(def.Priority))
	}
}

// drain sends queued items in priority order. The first item that does not
// fit the budget ends the pass: it and everything behind it count as dropped
// and stay dirty.
func (m *Manager) drain(queue *sequence.PriorityQueue[sendItem], peers []transport.PeerInfo) error {
	var errs []error
	for {
		item, ok := queue.Dequeue()
		if !ok {
			break
		}
		err := m.send(item, peers)
		if errors.Is(err, ErrBandwidthExceeded) {
			m.countDropped(item)
			for _, rest := range queue.Drain() {
				m.countDropped(rest)
			}
			errs = append(errs, err)
			break
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) countDropped(item sendItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.DroppedUpdates++
	if rec, ok := m.records[item.reg.NetworkID]; ok {
		rec.stats.DroppedUpdates++
	}
}

// send serializes one property and delivers it to every admitted peer. The
// dirty flag is taken before serializing so a concurrent Set is never lost.
func (m *Manager) send(item sendItem, peers []transport.PeerInfo) error {
	id := item.reg.NetworkID

	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(rec.dirty, item.prop)
	m.mu.Unlock()

	restore := func() {
		m.mu.Lock()
		if rec, ok := m.records[id]; ok {
			rec.dirty[item.prop] = struct{}{}
		}
		m.mu.Unlock()
	}

	data, err := item.reg.Entity.SerializeProperty(item.prop)
	if err != nil {
		restore()
		return fmt.Errorf("serialize %d/%d: %w", id, item.prop, err)
	}
	body, err := wire.EncodeEntity(wire.EntityFrame{
		NetworkID:  uint64(id),
		EntityType: item.reg.EntityType,
		Fields:     []wire.Field{{ID: uint32(item.prop), Data: data}},
	})
	if err != nil {
		restore()
		return fmt.Errorf("encode %d/%d: %w", id, item.prop, err)
	}

	recipients := admitted(item.reg, item.def, peers)

	m.mu.Lock()
	deliveries := m.planLocked(item, body, recipients)
	if !m.reserveLocked(deliverySize(deliveries), true) {
		m.mu.Unlock()
		restore()
		return ErrBandwidthExceeded
	}
	m.mu.Unlock()

	sent, errs := m.transmit(deliveries)

	m.mu.Lock()
	m.recordSentLocked(id, sent)
	if rec, ok := m.records[id]; ok {
		rec.initialSent[item.prop] = true
		if len(errs) > 0 {
			rec.dirty[item.prop] = struct{}{}
		}
	}
	m.mu.Unlock()
	return errors.Join(errs...)
}

// planLocked picks the payload for each recipient: a delta against the peer's
// baseline when one exists and the delta is strictly smaller, a fresh baseline
// when none exists or a refresh is due, the plain frame otherwise.
func (m *Manager) planLocked(item sendItem, body []byte, recipients []transport.PeerInfo) []delivery {
	full := wire.Payload(wire.KindFull, body)
	channel := m.channelFor(item.def.Reliable)

	out := make([]delivery, 0, len(recipients))
	for _, p := range recipients {
		key := baselineKey{peer: p.ID, id: item.reg.NetworkID, prop: item.prop}
		if !m.cfg.DeltaCompression {
			out = append(out, delivery{peer: p, channel: channel, kind: wire.KindFull, payload: full, key: key})
			continue
		}
		base, ok := m.sent[key]
		if !ok || base.deltas >= m.cfg.BaselineRefresh {
			out = append(out, delivery{
				peer:    p,
				channel: m.cfg.ReliableChannel,
				kind:    wire.KindBaseline,
				payload: wire.Payload(wire.KindBaseline, body),
				key:     key,
				body:    body,
			})
			continue
		}
		delta := wire.DeltaPayload(base.hash, wire.ComputeDelta(body, base.body))
		if len(delta) < len(full) {
			out = append(out, delivery{peer: p, channel: channel, kind: wire.KindDelta, payload: delta, key: key})
			continue
		}
		out = append(out, delivery{peer: p, channel: channel, kind: wire.KindFull, payload: full, key: key})
	}
	return out
}

func (m *Manager) transmit(deliveries []delivery) (sent []delivery, errs []error) {
	for _, d := range deliveries {
		if err := m.network.Send(d.peer.ID, d.channel, d.payload); err != nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", d.peer.ID, err))
			continue
		}
		sent = append(sent, d)
	}
	if len(errs) > 0 {
		m.mu.Lock()
		m.stats.SendErrors += uint64(len(errs))
		m.mu.Unlock()
	}
	return sent, errs
}

func (m *Manager) recordSentLocked(id entity.NetworkID, sent []delivery) {
	rec := m.records[id]
	now := m.now()
	for _, d := range sent {
		size := uint64(len(d.payload))
		m.stats.UpdatesSent++
		m.stats.BytesSent += size
		switch d.kind {
		case wire.KindBaseline:
			m.stats.BaselinesSent++
			m.sent[d.key] = &sentBaseline{body: d.body, hash: wire.BaselineHash(d.body)}
		case wire.KindDelta:
			m.stats.DeltasSent++
			if base, ok := m.sent[d.key]; ok {
				base.deltas++
			}
		}
		if rec != nil {
			rec.stats.UpdatesSent++
			rec.stats.BytesSent += size
			rec.stats.LastSent = now
		}
	}
}

// ForceReplication sends every property of the entity on the reliable
// channel right away, outside the bandwidth budget.
func (m *Manager) ForceReplication(id entity.NetworkID) error {
	peers := m.connectedPeers()

	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	reg := rec.reg
	table := m.tableLocked(reg.EntityType)
	m.mu.Unlock()

	have := reg.Entity.PropertyIDs()
	var (
		defs   []entity.PropertyDefinition
		fields []wire.Field
	)
	for _, def := range table {
		if !slices.Contains(have, def.ID) {
			continue
		}
		data, err := reg.Entity.SerializeProperty(def.ID)
		if err != nil {
			return fmt.Errorf("serialize %d/%d: %w", id, def.ID, err)
		}
		defs = append(defs, def)
		fields = append(fields, wire.Field{ID: uint32(def.ID), Data: data})
	}

	var deliveries []delivery
	for _, p := range peers {
		ctx := entity.ConditionContext{NetworkID: id, OwnerID: reg.OwnerID, PlayerID: p.PlayerID}
		var own []wire.Field
		for i, def := range defs {
			if def.Admits(ctx) {
				own = append(own, fields[i])
			}
		}
		if len(own) == 0 {
			continue
		}
		body, err := wire.EncodeEntity(wire.EntityFrame{NetworkID: uint64(id), EntityType: reg.EntityType, Fields: own})
		if err != nil {
			return fmt.Errorf("encode %d: %w", id, err)
		}
		deliveries = append(deliveries, delivery{
			peer:    p,
			channel: m.cfg.ReliableChannel,
			kind:    wire.KindFull,
			payload: wire.Payload(wire.KindFull, body),
		})
	}

	m.mu.Lock()
	m.reserveLocked(deliverySize(deliveries), false)
	m.mu.Unlock()

	sent, errs := m.transmit(deliveries)

	m.mu.Lock()
	m.recordSentLocked(id, sent)
	if rec, ok := m.records[id]; ok && len(errs) == 0 {
		for _, def := range defs {
			delete(rec.dirty, def.ID)
			rec.initialSent[def.ID] = true
		}
	}
	m.mu.Unlock()
	return errors.Join(errs...)
}

// reserveLocked accounts size bytes against the current one-second window.
// With enforce set it refuses, without accounting, anything over the limit.
func (m *Manager) reserveLocked(size int, enforce bool) bool {
	now := m.now()
	if now.Sub(m.windowStart) >= bandwidthWindow {
		m.windowStart = now
		m.bandwidthUsed = 0
	}
	if enforce && m.cfg.BandwidthLimit > 0 && m.bandwidthUsed+size > m.cfg.BandwidthLimit {
		return false
	}
	m.bandwidthUsed += size
	return true
}

func deliverySize(deliveries []delivery) int {
	n := 0
	for _, d := range deliveries {
		n += len(d.payload) + packetOverhead
	}
	return n
}

func (m *Manager) channelFor(reliable bool) string {
	if reliable {
		return m.cfg.ReliableChannel
	}
	return m.cfg.UnreliableChannel
}

func (m *Manager) connectedPeers() []transport.PeerInfo {
	var out []transport.PeerInfo
	for _, p := range m.network.Peers() {
		if p.State == transport.StateConnected {
			out = append(out, p)
		}
	}
	return out
}

func admitted(reg Registration, def entity.PropertyDefinition, peers []transport.PeerInfo) []transport.PeerInfo {
	out := make([]transport.PeerInfo, 0, len(peers))
	for _, p := range peers {
		ctx := entity.ConditionContext{NetworkID: reg.NetworkID, OwnerID: reg.OwnerID, PlayerID: p.PlayerID}
		if def.Admits(ctx) {
			out = append(out, p)
		}
	}
	return out
}
