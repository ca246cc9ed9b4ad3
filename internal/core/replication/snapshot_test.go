package replication_test

import (
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/netcore/internal/core/entity"
	"github.com/zeusync/netcore/internal/core/replication"
)

func TestLagCompensationSnapshotsAndRewind(t *testing.T) {
	clock := newClock()
	m := newManager(t, &fakeNetwork{}, 0, func(c *replication.Config) {
		c.LagCompensation = true
		c.MaxSnapshots = 4
		c.MaxLagCompensation = 500 * time.Millisecond
	}, replication.WithClock(clock.Now))

	e := entity.New()
	id, err := m.Register(e, "avatar")
	require.NoError(t, err)

	var at []time.Time
	for i := 1; i <= 6; i++ {
		e.SetPosition(mgl32.Vec3{float32(i), 0, 0})
		m.NetworkTick()
		at = append(at, clock.Now())
		clock.Advance(50 * time.Millisecond)
	}

	history := m.Snapshots(id)
	require.Len(t, history, 4)
	for i, s := range history {
		assert.Equal(t, uint32(i+3), s.Sequence)
		assert.Equal(t, id, s.NetworkID)
	}

	snap, ok := m.Snapshot(id, at[3].Add(20*time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, uint32(4), snap.Sequence)
	snap, _ = m.Snapshot(id, at[3].Add(30*time.Millisecond))
	assert.Equal(t, uint32(5), snap.Sequence)
	snap, _ = m.Snapshot(id, at[0])
	assert.Equal(t, uint32(3), snap.Sequence)
	snap, _ = m.Snapshot(id, clock.Now().Add(time.Hour))
	assert.Equal(t, uint32(6), snap.Sequence)

	require.NoError(t, m.RewindTo(at[3]))
	assert.Equal(t, mgl32.Vec3{4, 0, 0}, e.Position())
	assert.False(t, m.IsDirty(id), "rewound values are not replicated")

	clock.Advance(time.Second)
	require.NoError(t, m.StoreSnapshot(id))
	assert.Len(t, m.Snapshots(id), 1, "history older than the lag window is trimmed")

	m.ClearSnapshots(id)
	_, ok = m.Snapshot(id, clock.Now())
	assert.False(t, ok)
}

func TestRewindRequiresLagCompensation(t *testing.T) {
	m := newManager(t, &fakeNetwork{}, 0, nil)
	id, err := m.Register(entity.New(), "avatar")
	require.NoError(t, err)

	m.NetworkTick()
	assert.Empty(t, m.Snapshots(id), "no snapshots without lag compensation")
	assert.ErrorIs(t, m.RewindTo(time.Now()), replication.ErrLagCompensationDisabled)

	m.SetLagCompensation(true)
	m.NetworkTick()
	m.NetworkTick()
	assert.Len(t, m.Snapshots(id), 2)
	m.ClearAllSnapshots()
	assert.Empty(t, m.Snapshots(id))
	assert.ErrorIs(t, m.StoreSnapshot(12345), replication.ErrUnknownEntity)
}
