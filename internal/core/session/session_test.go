package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/netcore/internal/core/config"
	"github.com/zeusync/netcore/internal/core/entity"
	"github.com/zeusync/netcore/internal/core/events/bus"
	"github.com/zeusync/netcore/internal/core/observability/log"
	"github.com/zeusync/netcore/internal/core/replication"
	"github.com/zeusync/netcore/internal/core/session"
	"github.com/zeusync/netcore/internal/core/transport"
	"github.com/zeusync/netcore/internal/core/transport/loopback"
)

type world struct {
	host, client *session.Session
	spawned      map[entity.NetworkID]*entity.Entity
}

func newWorld(t *testing.T) *world {
	t.Helper()
	net := loopback.NewNetwork()
	start := time.Unix(1_700_000_000, 0)
	w := &world{spawned: make(map[entity.NetworkID]*entity.Entity)}

	hostCfg := config.Default()
	host, err := session.New(hostCfg, net.Link("host"),
		session.WithLogger(log.NewNop()), session.WithStartTime(start))
	require.NoError(t, err)

	clientCfg := config.Default()
	clientCfg.PlayerID = 7
	client, err := session.New(clientCfg, net.Link("client"),
		session.WithLogger(log.NewNop()),
		session.WithStartTime(start),
		session.WithSpawnResolver(func(req replication.SpawnRequest) (entity.Networked, error) {
			e := entity.New()
			w.spawned[req.NetworkID] = e
			return e, nil
		}),
	)
	require.NoError(t, err)

	w.host, w.client = host, client
	return w
}

func (w *world) step(n int) {
	for range n {
		w.host.Update(10 * time.Millisecond)
		w.client.Update(10 * time.Millisecond)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Replication.TickRate = 0
	_, err := session.New(cfg, loopback.NewNetwork().Link("a"), session.WithLogger(log.NewNop()))
	require.ErrorIs(t, err, replication.ErrInvalidTickRate)

	_, err = session.New(config.Default(), nil)
	require.Error(t, err)
}

func TestUpdateAdvancesSessionClock(t *testing.T) {
	w := newWorld(t)
	w.host.Update(60 * time.Millisecond)
	w.host.Update(0)
	assert.Equal(t, 60*time.Millisecond, w.host.Elapsed())
	assert.Equal(t, time.Unix(1_700_000_000, 0).Add(60*time.Millisecond), w.host.Now())
	assert.Equal(t, uint32(1), w.host.Replication().Tick())
}

func TestLateJoinerReceivesFullState(t *testing.T) {
	w := newWorld(t)

	hero := entity.New()
	hero.SetPosition(mgl32.Vec3{1, 2, 3})
	hero.SetHealth(75)
	id, err := w.host.Replication().Register(hero, "hero")
	require.NoError(t, err)
	w.step(5)

	require.NoError(t, w.client.Connect("host"))
	w.step(20)

	peer, ok := w.client.Transport().Peer("host")
	require.True(t, ok)
	require.Equal(t, transport.StateConnected, peer.State)

	remote, ok := w.spawned[id]
	require.True(t, ok, "entity was not spawned on the client")
	assert.Equal(t, mgl32.Vec3{1, 2, 3}, remote.Position())
	assert.Equal(t, float32(75), remote.Health())

	role, _ := w.client.Replication().Role(id)
	assert.Equal(t, entity.RoleSimulatedProxy, role)
	assert.False(t, w.client.Replication().HasAuthority(id))
}

func TestInterpolatedEntitiesFeedThePredictor(t *testing.T) {
	w := newWorld(t)
	hero := entity.New()
	id, err := w.host.Replication().Register(hero, "hero")
	require.NoError(t, err)

	require.NoError(t, w.client.Connect("host"))
	w.step(20)
	require.True(t, w.client.Prediction().IsTracked(id))

	for i := 1; i <= 4; i++ {
		hero.SetPosition(mgl32.Vec3{float32(i), 0, 0})
		w.step(5)
	}

	snaps := w.client.Prediction().Snapshots(id)
	require.GreaterOrEqual(t, len(snaps), 4)
	for i := 1; i < len(snaps); i++ {
		assert.Greater(t, snaps[i].Timestamp, snaps[i-1].Timestamp)
		assert.Greater(t, snaps[i].Sequence, snaps[i-1].Sequence)
	}
	assert.Equal(t, mgl32.Vec3{4, 0, 0}, snaps[len(snaps)-1].Position)

	state, ok := w.client.Render(id)
	require.True(t, ok)
	// rendered 100ms in the past, between the second and third move
	assert.InDelta(t, 2.6, state.Position.X(), 0.7)

	require.NoError(t, w.host.Replication().Unregister(id))
	assert.Zero(t, w.host.Replication().Stats().Entities)
}

func TestPeerStateEventsReachReplication(t *testing.T) {
	w := newWorld(t)
	var states []transport.ConnectionState
	_, err := w.client.Bus().Subscribe(transport.EventPeerState, func(ev bus.Event) error {
		states = append(states, ev.Data().(transport.PeerStateChange).To)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, w.client.Connect("host"))
	w.step(10)
	require.Contains(t, states, transport.StateConnected)

	require.NoError(t, w.host.Close())
	w.client.Update(10 * time.Millisecond)
	assert.Equal(t, transport.StateDisconnected, states[len(states)-1])
	assert.ErrorIs(t, w.host.Close(), session.ErrClosed)
}

func TestRunStopsWithContext(t *testing.T) {
	w := newWorld(t)
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	require.NoError(t, w.host.Run(ctx))
	assert.Greater(t, w.host.Elapsed(), time.Duration(0))
}
