package replication_test

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/netcore/internal/core/entity"
	"github.com/zeusync/netcore/internal/core/events/bus"
	"github.com/zeusync/netcore/internal/core/observability/log"
	"github.com/zeusync/netcore/internal/core/replication"
	"github.com/zeusync/netcore/internal/core/transport"
	"github.com/zeusync/netcore/internal/core/wire"
)

type sentPacket struct {
	peer    transport.PeerID
	channel string
	payload []byte
}

type fakeNetwork struct {
	mu    sync.Mutex
	peers []transport.PeerInfo
	sent  []sentPacket
	fail  error
}

func (n *fakeNetwork) Send(peer transport.PeerID, channel string, payload []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	n.sent = append(n.sent, sentPacket{peer: peer, channel: channel, payload: slices.Clone(payload)})
	return nil
}

func (n *fakeNetwork) Peers() []transport.PeerInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.peers)
}

func (n *fakeNetwork) connect(id transport.PeerID, player uint64) {
	n.mu.Lock()
	n.peers = append(n.peers, transport.PeerInfo{ID: id, PlayerID: player, State: transport.StateConnected})
	n.mu.Unlock()
}

// take returns and forgets everything sent so far.
func (n *fakeNetwork) take() []sentPacket {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.sent
	n.sent = nil
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newManager(t *testing.T, network replication.Network, player uint64, tweak func(*replication.Config), opts ...replication.Option) *replication.Manager {
	t.Helper()
	cfg := replication.DefaultConfig()
	cfg.LocalPlayerID = player
	if tweak != nil {
		tweak(&cfg)
	}
	m, err := replication.New(network, cfg, opts...)
	require.NoError(t, err)
	return m
}

func kinds(packets []sentPacket) []wire.Kind {
	out := make([]wire.Kind, len(packets))
	for i, p := range packets {
		out[i] = wire.Kind(p.payload[0])
	}
	return out
}

func TestRegisterAssignsIDAndSchedulesFullState(t *testing.T) {
	events := bus.New()
	var spawned []replication.EntityEvent
	_, err := events.Subscribe(replication.EventEntitySpawned, func(ev bus.Event) error {
		spawned = append(spawned, ev.Data().(replication.EntityEvent))
		return nil
	})
	require.NoError(t, err)

	m := newManager(t, &fakeNetwork{}, 3, nil, replication.WithPublisher(events))
	e := entity.New()
	id, err := m.Register(e, "avatar")
	require.NoError(t, err)

	assert.Equal(t, entity.NetworkID(3<<40|1), id)
	assert.Equal(t, id, e.NetworkID())
	assert.Equal(t, uint64(3), e.OwnerID())
	assert.True(t, e.HasAuthority())
	assert.True(t, m.IsOwner(id))
	assert.Equal(t,
		[]entity.PropertyID{entity.PropPosition, entity.PropRotation, entity.PropHealth, entity.PropVelocity},
		m.DirtyProperties(id))
	require.Len(t, spawned, 1)
	assert.Equal(t, replication.EntityEvent{NetworkID: id, EntityType: "avatar", OwnerID: 3}, spawned[0])

	_, err = m.Register(e, "avatar")
	assert.ErrorIs(t, err, replication.ErrAlreadyRegistered)

	second, err := m.Register(entity.New(), "crate", replication.WithOwner(9))
	require.NoError(t, err)
	assert.Equal(t, entity.NetworkID(3<<40|2), second)
	assert.Equal(t, []entity.NetworkID{second}, m.EntitiesByOwner(9))
	assert.Equal(t, []entity.NetworkID{id}, m.EntitiesByType("avatar"))
}

func TestSetMarksDirtyAndTickClearsIt(t *testing.T) {
	m := newManager(t, &fakeNetwork{}, 1, nil)
	e := entity.New()
	id, err := m.Register(e, "avatar")
	require.NoError(t, err)

	require.NoError(t, m.ReplicateAll())
	assert.False(t, m.IsDirty(id), "nothing connected counts as delivered")

	e.SetPosition(mgl32.Vec3{1, 2, 3})
	assert.True(t, m.IsPropertyDirty(id, entity.PropPosition))
	assert.False(t, m.IsPropertyDirty(id, entity.PropHealth))

	e.SetPosition(mgl32.Vec3{1, 2, 3})
	assert.Equal(t, []entity.PropertyID{entity.PropPosition}, m.DirtyProperties(id))

	require.NoError(t, m.ClearDirty(id))
	assert.False(t, m.IsDirty(id))
}

func TestMarkAllDirtyIsIdempotent(t *testing.T) {
	m := newManager(t, &fakeNetwork{}, 1, nil)
	id, err := m.Register(entity.New(), "avatar")
	require.NoError(t, err)
	require.NoError(t, m.ClearDirty(id))

	require.NoError(t, m.MarkAllDirty(id))
	first := m.DirtyProperties(id)
	require.NoError(t, m.MarkAllDirty(id))
	assert.Equal(t, first, m.DirtyProperties(id))
	assert.Len(t, first, 4)

	assert.ErrorIs(t, m.MarkAllDirty(999), replication.ErrUnknownEntity)
	assert.ErrorIs(t, m.MarkDirty(id, 77), replication.ErrUnknownProperty)
}

func TestSendFailureKeepsPropertyDirty(t *testing.T) {
	network := &fakeNetwork{}
	network.connect("b", 7)
	m := newManager(t, network, 0, func(c *replication.Config) { c.DeltaCompression = false })
	id, err := m.Register(entity.New(), "avatar")
	require.NoError(t, err)

	network.fail = errors.New("link down")
	err = m.ReplicateAll()
	require.Error(t, err)
	assert.Len(t, m.DirtyProperties(id), 4)
	assert.Equal(t, uint64(4), m.Stats().SendErrors)

	network.fail = nil
	require.NoError(t, m.ReplicateAll())
	assert.False(t, m.IsDirty(id))
	assert.Len(t, network.take(), 4)
}

func TestBandwidthLimitSendsCriticalAndDropsBackground(t *testing.T) {
	network := &fakeNetwork{}
	network.connect("b", 7)
	clock := newClock()
	m := newManager(t, network, 0, func(c *replication.Config) {
		c.DeltaCompression = false
		// health: 1 kind + 8 id + 7 type + 6 field header + 4 value, plus 18 of transport header
		c.BandwidthLimit = 44 + 10
	}, replication.WithClock(clock.Now))
	require.NoError(t, m.RegisterProperties("probe", []entity.PropertyDefinition{
		{ID: entity.PropPosition, Name: "position", Priority: entity.PriorityBackground},
		{ID: entity.PropHealth, Name: "health", Priority: entity.PriorityCritical, Reliable: true},
	}))
	id, err := m.Register(entity.New(), "probe")
	require.NoError(t, err)

	err = m.ReplicateAll()
	assert.ErrorIs(t, err, replication.ErrBandwidthExceeded)

	sent := network.take()
	require.Len(t, sent, 1)
	assert.Equal(t, transport.ChannelReliable, sent[0].channel)
	frame, err := wire.DecodeEntity(sent[0].payload[1:])
	require.NoError(t, err)
	require.Len(t, frame.Fields, 1)
	assert.Equal(t, uint32(entity.PropHealth), frame.Fields[0].ID)

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.DroppedUpdates)
	assert.Equal(t, 44, stats.BandwidthUsed)
	assert.Equal(t, []entity.PropertyID{entity.PropPosition}, m.DirtyProperties(id))
	es, ok := m.EntityStats(id)
	require.True(t, ok)
	assert.Equal(t, uint64(1), es.DroppedUpdates)

	clock.Advance(time.Second)
	require.NoError(t, m.ReplicateAll())
	assert.False(t, m.IsDirty(id))
	assert.Len(t, network.take(), 1)
}

func TestBandwidthLimitOrdersAcrossEntities(t *testing.T) {
	network := &fakeNetwork{}
	network.connect("b", 7)
	clock := newClock()
	m := newManager(t, network, 0, func(c *replication.Config) {
		c.DeltaCompression = false
		c.BandwidthLimit = 44 + 10
	}, replication.WithClock(clock.Now))
	require.NoError(t, m.RegisterProperties("omega", []entity.PropertyDefinition{
		{ID: entity.PropPosition, Name: "position", Priority: entity.PriorityBackground},
	}))
	require.NoError(t, m.RegisterProperties("alpha", []entity.PropertyDefinition{
		{ID: entity.PropHealth, Name: "health", Priority: entity.PriorityCritical, Reliable: true},
	}))
	// The background entity gets the lower network id so it would go first
	// if entities were walked in id order.
	y, err := m.Register(entity.New(), "omega")
	require.NoError(t, err)
	x, err := m.Register(entity.New(), "alpha")
	require.NoError(t, err)
	require.Less(t, uint64(y), uint64(x))

	err = m.ReplicateAll()
	assert.ErrorIs(t, err, replication.ErrBandwidthExceeded)

	sent := network.take()
	require.Len(t, sent, 1)
	frame, err := wire.DecodeEntity(sent[0].payload[1:])
	require.NoError(t, err)
	assert.Equal(t, uint64(x), frame.NetworkID)
	assert.False(t, m.IsDirty(x))
	assert.Equal(t, []entity.PropertyID{entity.PropPosition}, m.DirtyProperties(y))

	assert.Equal(t, uint64(1), m.Stats().DroppedUpdates)
	xs, ok := m.EntityStats(x)
	require.True(t, ok)
	assert.Zero(t, xs.DroppedUpdates)
	ys, ok := m.EntityStats(y)
	require.True(t, ok)
	assert.Equal(t, uint64(1), ys.DroppedUpdates)

	clock.Advance(time.Second)
	require.NoError(t, m.ReplicateAll())
	assert.False(t, m.IsDirty(y))
	sent = network.take()
	require.Len(t, sent, 1)
	frame, err = wire.DecodeEntity(sent[0].payload[1:])
	require.NoError(t, err)
	assert.Equal(t, uint64(y), frame.NetworkID)
}

func TestNetworkTickLogsSendFailures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replication.log")
	logger := log.NewWithOutput(log.LevelDebug, path)
	network := &fakeNetwork{}
	network.connect("b", 7)
	clock := newClock()
	m := newManager(t, network, 0, func(c *replication.Config) {
		c.DeltaCompression = false
		c.BandwidthLimit = 44 + 10
	}, replication.WithClock(clock.Now), replication.WithLogger(logger))
	require.NoError(t, m.RegisterProperties("probe", []entity.PropertyDefinition{
		{ID: entity.PropPosition, Name: "position", Priority: entity.PriorityBackground},
		{ID: entity.PropHealth, Name: "health", Priority: entity.PriorityCritical, Reliable: true},
	}))
	_, err := m.Register(entity.New(), "probe")
	require.NoError(t, err)

	// Running out of budget is routine and stays quiet.
	m.NetworkTick()
	require.NoError(t, logger.Sync())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "Replication failed")

	network.fail = errors.New("link down")
	clock.Advance(time.Second)
	m.NetworkTick()
	require.NoError(t, logger.Sync())
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Replication failed")
	assert.Contains(t, string(data), "link down")
}

func TestPriorityThresholdDefersLowPriority(t *testing.T) {
	network := &fakeNetwork{}
	network.connect("b", 7)
	m := newManager(t, network, 0, func(c *replication.Config) {
		c.DeltaCompression = false
		c.PriorityThreshold = entity.PriorityHigh
	})
	id, err := m.Register(entity.New(), "avatar")
	require.NoError(t, err)

	require.NoError(t, m.ReplicateAll())
	// health is critical and position high; rotation and velocity are normal
	assert.Len(t, network.take(), 2)
	assert.Equal(t, []entity.PropertyID{entity.PropRotation, entity.PropVelocity}, m.DirtyProperties(id))
	assert.Zero(t, m.Stats().DroppedUpdates)

	m.SetPriorityThreshold(entity.PriorityBackground)
	require.NoError(t, m.ReplicateAll())
	assert.False(t, m.IsDirty(id))
}

func TestSendsInPriorityOrder(t *testing.T) {
	network := &fakeNetwork{}
	network.connect("b", 7)
	m := newManager(t, network, 0, func(c *replication.Config) { c.DeltaCompression = false })
	_, err := m.Register(entity.New(), "avatar")
	require.NoError(t, err)
	require.NoError(t, m.ReplicateAll())

	var order []uint32
	for _, p := range network.take() {
		frame, err := wire.DecodeEntity(p.payload[1:])
		require.NoError(t, err)
		order = append(order, frame.Fields[0].ID)
	}
	assert.Equal(t, []uint32{
		uint32(entity.PropHealth),
		uint32(entity.PropPosition),
		uint32(entity.PropRotation),
		uint32(entity.PropVelocity),
	}, order)
}

func TestConditionsSelectRecipients(t *testing.T) {
	network := &fakeNetwork{}
	network.connect("owner", 7)
	network.connect("other", 9)
	m := newManager(t, network, 0, func(c *replication.Config) { c.DeltaCompression = false })
	require.NoError(t, m.RegisterProperties("hero", []entity.PropertyDefinition{
		{ID: entity.PropPosition, Name: "position", Condition: entity.ConditionSkipOwner},
		{ID: entity.PropHealth, Name: "health", Condition: entity.ConditionOwnerOnly, Reliable: true},
		{ID: entity.PropRotation, Name: "rotation", Condition: entity.ConditionCustom,
			Custom: func(ctx entity.ConditionContext) bool { return ctx.PlayerID > 100 }},
	}))
	_, err := m.Register(entity.New(), "hero", replication.WithOwner(7))
	require.NoError(t, err)
	require.NoError(t, m.ReplicateAll())

	got := map[transport.PeerID][]uint32{}
	for _, p := range network.take() {
		frame, err := wire.DecodeEntity(p.payload[1:])
		require.NoError(t, err)
		got[p.peer] = append(got[p.peer], frame.Fields[0].ID)
	}
	assert.Equal(t, []uint32{uint32(entity.PropHealth)}, got["owner"])
	assert.Equal(t, []uint32{uint32(entity.PropPosition)}, got["other"])
}

func TestInitialOnlyPropertySentOnce(t *testing.T) {
	m := newManager(t, &fakeNetwork{}, 0, nil)
	require.NoError(t, m.RegisterProperties("door", []entity.PropertyDefinition{
		{ID: entity.PropPosition, Name: "position", Condition: entity.ConditionInitialOnly},
		{ID: entity.PropHealth, Name: "health"},
	}))
	e := entity.New()
	id, err := m.Register(e, "door")
	require.NoError(t, err)
	require.NoError(t, m.ReplicateAll())

	e.SetPosition(mgl32.Vec3{4, 0, 0})
	e.SetHealth(50)
	assert.Equal(t, []entity.PropertyID{entity.PropHealth}, m.DirtyProperties(id))

	require.NoError(t, m.MarkAllDirty(id))
	assert.Equal(t, []entity.PropertyID{entity.PropPosition, entity.PropHealth}, m.DirtyProperties(id))
}

func TestRegisterPropertiesValidates(t *testing.T) {
	m := newManager(t, &fakeNetwork{}, 0, nil)

	err := m.RegisterProperties("bad", []entity.PropertyDefinition{{ID: 1}, {ID: 1}})
	assert.ErrorIs(t, err, replication.ErrInvalidTable)

	err = m.RegisterProperties("bad", []entity.PropertyDefinition{{ID: 1, Condition: entity.ConditionCustom}})
	assert.ErrorIs(t, err, replication.ErrInvalidTable)

	require.NoError(t, m.RegisterProperties("ok", []entity.PropertyDefinition{{ID: 2}, {ID: 1}}))
	assert.ErrorIs(t, m.RegisterProperties("ok", nil), replication.ErrTableExists)

	defs := m.PropertyDefinitions("ok")
	require.Len(t, defs, 2)
	assert.Equal(t, entity.PropertyID(1), defs[0].ID)
	assert.Len(t, m.PropertyDefinitions("unknown"), 4)
}

// pair wires a server manager (player 0) and a client manager (player 7)
// through fake networks and pumps payloads between them.
type pair struct {
	server, client       *replication.Manager
	serverNet, clientNet *fakeNetwork
}

func newPair(t *testing.T, resolver replication.SpawnResolver) *pair {
	t.Helper()
	p := &pair{serverNet: &fakeNetwork{}, clientNet: &fakeNetwork{}}
	p.serverNet.connect("client", 7)
	p.clientNet.connect("server", 0)
	p.server = newManager(t, p.serverNet, 0, nil)
	var opts []replication.Option
	if resolver != nil {
		opts = append(opts, replication.WithSpawnResolver(resolver))
	}
	p.client = newManager(t, p.clientNet, 7, nil, opts...)
	return p
}

func (p *pair) pumpToClient(t *testing.T) []sentPacket {
	t.Helper()
	sent := p.serverNet.take()
	for _, pkt := range sent {
		require.NoError(t, p.client.HandlePayload("server", pkt.payload))
	}
	return sent
}

func spawnPlain(created *[]entity.NetworkID) replication.SpawnResolver {
	return func(req replication.SpawnRequest) (entity.Networked, error) {
		*created = append(*created, req.NetworkID)
		return entity.New(), nil
	}
}

func TestBaselineThenDeltaReplication(t *testing.T) {
	var created []entity.NetworkID
	p := newPair(t, spawnPlain(&created))

	e := entity.New()
	id, err := p.server.Register(e, "avatar")
	require.NoError(t, err)
	require.NoError(t, p.server.ReplicateAll())

	first := p.pumpToClient(t)
	require.Len(t, first, 4)
	for _, pkt := range first {
		assert.Equal(t, wire.KindBaseline, wire.Kind(pkt.payload[0]))
		assert.Equal(t, transport.ChannelReliable, pkt.channel)
	}
	assert.Equal(t, []entity.NetworkID{id}, created)

	twin, ok := p.client.Entity(id)
	require.True(t, ok)
	role, _ := p.client.Role(id)
	assert.Equal(t, entity.RoleSimulatedProxy, role)
	owner, _ := p.client.Owner(id)
	assert.Equal(t, uint64(0), owner)

	e.SetPosition(mgl32.Vec3{1, 0, 0})
	require.NoError(t, p.server.ReplicateAll())
	second := p.pumpToClient(t)
	assert.Equal(t, []wire.Kind{wire.KindDelta}, kinds(second))
	assert.Equal(t, transport.ChannelUnreliable, second[0].channel)
	assert.Equal(t, mgl32.Vec3{1, 0, 0}, twin.(*entity.Entity).Position())

	stats := p.server.Stats()
	assert.Equal(t, uint64(4), stats.BaselinesSent)
	assert.Equal(t, uint64(1), stats.DeltasSent)
	assert.Equal(t, uint64(5), p.client.Stats().UpdatesReceived)
}

func TestBaselineRefreshedAfterManyDeltas(t *testing.T) {
	network := &fakeNetwork{}
	network.connect("b", 7)
	m := newManager(t, network, 0, func(c *replication.Config) { c.BaselineRefresh = 2 })
	require.NoError(t, m.RegisterProperties("dot", []entity.PropertyDefinition{
		{ID: entity.PropPosition, Name: "position", Priority: entity.PriorityHigh},
	}))
	e := entity.New()
	_, err := m.Register(e, "dot")
	require.NoError(t, err)

	var got []wire.Kind
	for i := 1; i <= 4; i++ {
		require.NoError(t, m.ReplicateAll())
		got = append(got, kinds(network.take())...)
		e.SetPosition(mgl32.Vec3{float32(i), 0, 0})
	}
	assert.Equal(t, []wire.Kind{wire.KindBaseline, wire.KindDelta, wire.KindDelta, wire.KindBaseline}, got)
}

func TestDeltaWithoutBaselineIsCountedAndDropped(t *testing.T) {
	p := newPair(t, func(replication.SpawnRequest) (entity.Networked, error) { return entity.New(), nil })
	e := entity.New()
	_, err := p.server.Register(e, "avatar")
	require.NoError(t, err)
	require.NoError(t, p.server.ReplicateAll())
	p.serverNet.take()

	e.SetPosition(mgl32.Vec3{2, 0, 0})
	require.NoError(t, p.server.ReplicateAll())
	sent := p.serverNet.take()
	require.Equal(t, []wire.Kind{wire.KindDelta}, kinds(sent))

	err = p.client.HandlePayload("server", sent[0].payload)
	assert.ErrorIs(t, err, replication.ErrBaselineMissing)
	assert.Equal(t, uint64(1), p.client.Stats().BaselineMisses)
	assert.Zero(t, p.client.Stats().UpdatesReceived)
}

func TestUnknownEntityWithoutResolverIsIgnored(t *testing.T) {
	p := newPair(t, nil)
	_, err := p.server.Register(entity.New(), "avatar")
	require.NoError(t, err)
	require.NoError(t, p.server.ReplicateAll())
	p.pumpToClient(t)

	assert.Equal(t, uint64(4), p.client.Stats().IgnoredUpdates)
	assert.Equal(t, 0, p.client.Stats().Entities)
}

func TestUpdatesForAuthorityEntitiesAreIgnored(t *testing.T) {
	p := newPair(t, nil)
	mine := entity.New()
	id, err := p.client.Register(mine, "avatar")
	require.NoError(t, err)

	body, err := wire.EncodeEntity(wire.EntityFrame{
		NetworkID:  uint64(id),
		EntityType: "avatar",
		Fields:     []wire.Field{{ID: uint32(entity.PropHealth), Data: entity.Float32(1).Encode()}},
	})
	require.NoError(t, err)
	require.NoError(t, p.client.HandlePayload("server", wire.Payload(wire.KindFull, body)))

	assert.Equal(t, float32(100), mine.Health())
	assert.Equal(t, uint64(1), p.client.Stats().IgnoredUpdates)
}

func TestMalformedPayloadsChangeNothing(t *testing.T) {
	p := newPair(t, nil)
	twin := entity.New()
	id := entity.NetworkID(5)
	require.NoError(t, p.client.RegisterRemote(twin, id, "avatar"))

	body, err := wire.EncodeEntity(wire.EntityFrame{
		NetworkID:  uint64(id),
		EntityType: "avatar",
		Fields: []wire.Field{
			{ID: uint32(entity.PropHealth), Data: entity.Float32(1).Encode()},
			{ID: uint32(entity.PropPosition), Data: []byte{1, 2}},
		},
	})
	require.NoError(t, err)

	assert.Error(t, p.client.HandlePayload("server", wire.Payload(wire.KindFull, body)))
	assert.Error(t, p.client.HandlePayload("server", wire.Payload(wire.KindFull, body[:5])))
	assert.Error(t, p.client.HandlePayload("server", []byte{0x42}))
	assert.Error(t, p.client.HandlePayload("server", nil))

	assert.Equal(t, float32(100), twin.Health())
	assert.Equal(t, uint64(4), p.client.Stats().MalformedFrames)
}

func TestPropertyUpdatedEvents(t *testing.T) {
	events := bus.New()
	var updates []replication.PropertyUpdate
	_, err := events.Subscribe(replication.EventPropertyUpdated, func(ev bus.Event) error {
		updates = append(updates, ev.Data().(replication.PropertyUpdate))
		return nil
	})
	require.NoError(t, err)

	m := newManager(t, &fakeNetwork{}, 7, nil, replication.WithPublisher(events))
	twin := entity.New()
	require.NoError(t, m.RegisterRemote(twin, 42, "avatar"))

	body, err := wire.EncodeEntity(wire.EntityFrame{
		NetworkID:  42,
		EntityType: "avatar",
		Fields:     []wire.Field{{ID: uint32(entity.PropHealth), Data: entity.Float32(12).Encode()}},
	})
	require.NoError(t, err)
	require.NoError(t, m.HandlePayload("server", wire.Payload(wire.KindFull, body)))

	assert.Equal(t, float32(12), twin.Health())
	assert.Equal(t, []replication.PropertyUpdate{{NetworkID: 42, Property: entity.PropHealth, From: "server"}}, updates)
}

func TestRegisterRemoteDerivesRole(t *testing.T) {
	m := newManager(t, &fakeNetwork{}, 7, nil)

	own := entity.NetworkID(7<<40 | 3)
	require.NoError(t, m.RegisterRemote(entity.New(), own, "avatar"))
	role, _ := m.Role(own)
	assert.Equal(t, entity.RoleAutonomousProxy, role)
	mode, _ := m.Mode(own)
	assert.Equal(t, entity.ModePredicted, mode)

	foreign := entity.NetworkID(9<<40 | 1)
	require.NoError(t, m.RegisterRemote(entity.New(), foreign, "avatar"))
	role, _ = m.Role(foreign)
	assert.Equal(t, entity.RoleSimulatedProxy, role)
	assert.False(t, m.IsDirty(foreign))

	assert.ErrorIs(t, m.RegisterRemote(entity.New(), foreign, "avatar"), replication.ErrAlreadyRegistered)
}

func TestTransferAuthority(t *testing.T) {
	m := newManager(t, &fakeNetwork{}, 0, nil)
	e := entity.New()
	id, err := m.Register(e, "avatar")
	require.NoError(t, err)

	require.NoError(t, m.TransferAuthority(id, 7))
	assert.False(t, m.HasAuthority(id))
	assert.False(t, m.IsDirty(id))
	assert.Equal(t, uint64(7), e.OwnerID())
	assert.Equal(t, entity.RoleSimulatedProxy, e.Role())

	require.NoError(t, m.TransferAuthority(id, 0))
	assert.True(t, m.HasAuthority(id))
	assert.Len(t, m.DirtyProperties(id), 4)
}

func TestPeerConnectedSchedulesFullState(t *testing.T) {
	network := &fakeNetwork{}
	m := newManager(t, network, 0, nil)
	id, err := m.Register(entity.New(), "avatar")
	require.NoError(t, err)
	remote := entity.NetworkID(9<<40 | 1)
	require.NoError(t, m.RegisterRemote(entity.New(), remote, "avatar"))
	require.NoError(t, m.ReplicateAll())
	require.False(t, m.IsDirty(id))

	network.connect("late", 4)
	m.PeerConnected("late")
	assert.Len(t, m.DirtyProperties(id), 4)
	assert.False(t, m.IsDirty(remote))

	require.NoError(t, m.ReplicateAll())
	assert.Equal(t, []wire.Kind{wire.KindBaseline, wire.KindBaseline, wire.KindBaseline, wire.KindBaseline},
		kinds(network.take()))
}

func TestForceReplicationIgnoresBudget(t *testing.T) {
	network := &fakeNetwork{}
	network.connect("b", 7)
	m := newManager(t, network, 0, func(c *replication.Config) { c.BandwidthLimit = 1 })
	id, err := m.Register(entity.New(), "avatar")
	require.NoError(t, err)

	require.NoError(t, m.ForceReplication(id))
	sent := network.take()
	require.Len(t, sent, 1)
	assert.Equal(t, transport.ChannelReliable, sent[0].channel)
	frame, err := wire.DecodeEntity(sent[0].payload[1:])
	require.NoError(t, err)
	assert.Len(t, frame.Fields, 4)
	assert.False(t, m.IsDirty(id))
}

func TestUnregister(t *testing.T) {
	events := bus.New()
	var despawned int
	_, err := events.Subscribe(replication.EventEntityDespawned, func(bus.Event) error {
		despawned++
		return nil
	})
	require.NoError(t, err)

	m := newManager(t, &fakeNetwork{}, 0, nil, replication.WithPublisher(events))
	e := entity.New()
	id, err := m.Register(e, "avatar")
	require.NoError(t, err)
	_, err = m.Register(entity.New(), "avatar")
	require.NoError(t, err)

	require.NoError(t, m.Unregister(id))
	assert.False(t, m.IsRegistered(id))
	assert.ErrorIs(t, m.Unregister(id), replication.ErrUnknownEntity)

	e.SetHealth(1)
	assert.False(t, m.IsDirty(id))

	m.UnregisterAll()
	assert.Equal(t, 0, m.Stats().Entities)
	assert.Equal(t, 2, despawned)
}

func TestUpdateRunsFixedRateTicks(t *testing.T) {
	m := newManager(t, &fakeNetwork{}, 0, nil)
	m.Update(120 * time.Millisecond)
	assert.Equal(t, uint32(2), m.Tick())
	m.Update(30 * time.Millisecond)
	assert.Equal(t, uint32(3), m.Tick())

	m.Update(10 * time.Second)
	assert.Equal(t, uint32(7), m.Tick(), "catch-up is capped per call")

	require.NoError(t, m.SetNetworkTickRate(10))
	m.Update(100 * time.Millisecond)
	assert.Equal(t, uint32(8), m.Tick())
	assert.ErrorIs(t, m.SetNetworkTickRate(0), replication.ErrInvalidTickRate)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, replication.DefaultConfig().Validate())

	bad := replication.DefaultConfig()
	bad.TickRate = 0
	assert.ErrorIs(t, bad.Validate(), replication.ErrInvalidTickRate)

	bad = replication.DefaultConfig()
	bad.MaxSnapshots = 0
	assert.Error(t, bad.Validate())

	_, err := replication.New(nil, replication.DefaultConfig())
	assert.Error(t, err)
}

func TestDebugInfo(t *testing.T) {
	m := newManager(t, &fakeNetwork{}, 2, func(c *replication.Config) { c.BandwidthLimit = 64 * 1000 })
	_, err := m.Register(entity.New(), "avatar")
	require.NoError(t, err)

	info := m.DebugInfo()
	assert.Contains(t, info, "player 2")
	assert.Contains(t, info, "entities: 1, dirty properties: 4")
	assert.Contains(t, info, "64 kB/s")

	require.NoError(t, m.ReplicateAll())
	m.ResetStats()
	assert.Zero(t, m.Stats().UpdatesSent)
}
