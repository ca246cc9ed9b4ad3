package websocket_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/netcore/internal/core/transport"
	"github.com/zeusync/netcore/internal/core/transport/websocket"
)

func startServer(t *testing.T) (*websocket.Link, string) {
	t.Helper()
	server := websocket.New(websocket.DefaultConfig(), nil)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		_ = server.Close()
		srv.Close()
	})
	return server, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func pollOne(t *testing.T, l *websocket.Link) transport.Datagram {
	t.Helper()
	var got []transport.Datagram
	require.Eventually(t, func() bool {
		got = append(got, l.Poll()...)
		return len(got) > 0
	}, 2*time.Second, 5*time.Millisecond)
	return got[0]
}

func TestLinkExchangesBinaryDatagrams(t *testing.T) {
	server, url := startServer(t)
	client := websocket.New(websocket.DefaultConfig(), nil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	serverID, err := client.Dial(ctx, url)
	require.NoError(t, err)

	require.NoError(t, client.Send(serverID, []byte("ping")))
	d := pollOne(t, server)
	assert.Equal(t, []byte("ping"), d.Data)

	require.NoError(t, server.Send(d.From, []byte("pong")))
	back := pollOne(t, client)
	assert.Equal(t, serverID, back.From)
	assert.Equal(t, []byte("pong"), back.Data)

	assert.ErrorIs(t, client.Send("ws://elsewhere", []byte("x")), transport.ErrUnknownPeer)
}

func TestEndpointsHandshakeOverWebSocket(t *testing.T) {
	server, url := startServer(t)
	client := websocket.New(websocket.DefaultConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	serverID, err := client.Dial(ctx, url)
	require.NoError(t, err)

	host, err := transport.NewEndpoint(server, transport.DefaultConfig())
	require.NoError(t, err)
	defer host.Close()
	cfg := transport.DefaultConfig()
	cfg.LocalPlayerID = 3
	guest, err := transport.NewEndpoint(client, cfg)
	require.NoError(t, err)
	defer guest.Close()

	require.NoError(t, guest.Connect(serverID))
	require.Eventually(t, func() bool {
		now := time.Now()
		host.Update(now)
		guest.Update(now)
		info, ok := guest.Peer(serverID)
		return ok && info.State == transport.StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, guest.Send(serverID, transport.ChannelReliable, []byte("hello host")))
	var pkt transport.Packet
	require.Eventually(t, func() bool {
		now := time.Now()
		guest.Update(now)
		host.Update(now)
		var ok bool
		pkt, ok = host.Receive()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "hello host", string(pkt.Payload))

	peers := host.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, uint64(3), peers[0].PlayerID)
}

func TestClosedLinkRefusesSends(t *testing.T) {
	_, url := startServer(t)
	client := websocket.New(websocket.DefaultConfig(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	id, err := client.Dial(ctx, url)
	require.NoError(t, err)

	require.NoError(t, client.Close())
	assert.ErrorIs(t, client.Send(id, []byte("late")), transport.ErrClosed)
	_, err = client.Dial(ctx, url)
	assert.Error(t, err)
}
