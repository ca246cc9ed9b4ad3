package replicators

import (
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/netcore/internal/core/entity"
	"github.com/zeusync/netcore/internal/core/observability/log"
	"github.com/zeusync/netcore/internal/core/replication"
	"github.com/zeusync/netcore/internal/core/transport"
	"github.com/zeusync/netcore/internal/core/wire"
)

type network struct {
	mu    sync.Mutex
	peers []transport.PeerInfo
	sent  int
}

func (n *network) Send(transport.PeerID, string, []byte) error {
	n.mu.Lock()
	n.sent++
	n.mu.Unlock()
	return nil
}

func (n *network) Peers() []transport.PeerInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.peers)
}

func newManager(t *testing.T) *replication.Manager {
	t.Helper()
	m, err := replication.New(&network{}, replication.DefaultConfig(), replication.WithLogger(log.NewNop()))
	require.NoError(t, err)
	return m
}

// push applies a remote value to e the way an incoming frame would.
func push(t *testing.T, e entity.Networked, prop entity.PropertyID, v entity.Value) {
	t.Helper()
	require.NoError(t, e.ApplyFields([]wire.Field{{ID: uint32(prop), Data: v.Encode()}}))
}

type fixedUnits []UnitInfo

func (f *fixedUnits) Units() []UnitInfo { return slices.Clone(*f) }
