package replication_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/netcore/internal/core/entity"
	"github.com/zeusync/netcore/internal/core/replication"
	"github.com/zeusync/netcore/internal/core/transport"
	"github.com/zeusync/netcore/internal/core/wire"
)

func noopRPC(entity.RPCCall) error { return nil }

func TestRPCTargetsSelectPeers(t *testing.T) {
	network := &fakeNetwork{}
	network.connect("srv", 0)
	network.connect("c2", 9)
	network.connect("c3", 11)
	m := newManager(t, network, 7, nil)

	e := entity.New()
	targets := map[string]entity.Target{
		"toServer":  entity.TargetServer,
		"toOwner":   entity.TargetOwner,
		"toClients": entity.TargetAllClients,
		"toOthers":  entity.TargetAllClientsExceptOwner,
		"toAll":     entity.TargetMulticast,
	}
	for name, target := range targets {
		require.NoError(t, e.RegisterRPC(entity.RPCDefinition{Name: name, Target: target, Reliable: true}, noopRPC))
	}
	_, err := m.Register(e, "avatar", replication.WithOwner(9))
	require.NoError(t, err)

	cases := []struct {
		rpc  string
		want []transport.PeerID
	}{
		{"toServer", []transport.PeerID{"srv"}},
		{"toOwner", []transport.PeerID{"c2"}},
		{"toClients", []transport.PeerID{"c2", "c3"}},
		{"toOthers", []transport.PeerID{"c3"}},
		{"toAll", []transport.PeerID{"srv", "c2", "c3"}},
	}
	for _, tc := range cases {
		t.Run(tc.rpc, func(t *testing.T) {
			require.NoError(t, e.CallRPC(tc.rpc))
			var got []transport.PeerID
			for _, p := range network.take() {
				assert.Equal(t, wire.KindRPC, wire.Kind(p.payload[0]))
				assert.Equal(t, transport.ChannelReliable, p.channel)
				got = append(got, p.peer)
			}
			assert.Equal(t, tc.want, got)
		})
	}
	assert.Equal(t, uint64(8), m.Stats().RPCsSent)
}

func TestOwnerRPCToLocalOwnerHasNoRecipients(t *testing.T) {
	network := &fakeNetwork{}
	network.connect("srv", 0)
	m := newManager(t, network, 7, nil)

	e := entity.New()
	require.NoError(t, e.RegisterRPC(entity.RPCDefinition{Name: "ping", Target: entity.TargetOwner}, noopRPC))
	_, err := m.Register(e, "avatar")
	require.NoError(t, err)

	assert.ErrorIs(t, e.CallRPC("ping"), replication.ErrNoRecipients)
	assert.Empty(t, network.take())
}

func TestIncomingRPCInvokesHandler(t *testing.T) {
	p := newPair(t, nil)

	serverSide := entity.New()
	var received []entity.RPCCall
	require.NoError(t, serverSide.RegisterRPC(entity.RPCDefinition{
		Name:   "fire",
		Target: entity.TargetServer,
		Params: []entity.ValueKind{entity.KindInt32},
	}, func(call entity.RPCCall) error {
		received = append(received, call)
		return nil
	}))
	id := entity.NetworkID(7<<40 | 1)
	require.NoError(t, p.server.RegisterRemote(serverSide, id, "avatar"))

	clientSide := entity.New()
	require.NoError(t, clientSide.RegisterRPC(entity.RPCDefinition{
		Name:   "fire",
		Target: entity.TargetServer,
		Params: []entity.ValueKind{entity.KindInt32},
	}, noopRPC))
	got, err := p.client.Register(clientSide, "avatar")
	require.NoError(t, err)
	require.Equal(t, id, got)

	require.NoError(t, clientSide.CallRPC("fire", entity.Int32(3)))
	sent := p.clientNet.take()
	require.Len(t, sent, 1)
	assert.Equal(t, transport.ChannelUnreliable, sent[0].channel)

	require.NoError(t, p.server.HandlePayload("client", sent[0].payload))
	require.Len(t, received, 1)
	assert.Equal(t, int32(3), received[0].Params[0].Int32())
	assert.Equal(t, uint64(1), p.server.Stats().RPCsReceived)

	unknown, err := wire.EncodeRPC(wire.RPCFrame{NetworkID: 999, RPCID: entity.RPCID("fire")})
	require.NoError(t, err)
	require.NoError(t, p.server.HandlePayload("client", unknown))
	assert.Equal(t, uint64(1), p.server.Stats().IgnoredUpdates)
}
