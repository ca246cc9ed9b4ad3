package main

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/zeusync/netcore/internal/core/config"
	"github.com/zeusync/netcore/internal/core/observability/log"
	"github.com/zeusync/netcore/internal/core/transport"
	"github.com/zeusync/netcore/internal/core/transport/loopback"
	"github.com/zeusync/netcore/internal/core/transport/quic"
	"github.com/zeusync/netcore/internal/core/transport/relay"
	"github.com/zeusync/netcore/internal/core/transport/websocket"
)

const hostAddr transport.PeerID = "host"

// backend hands out the links of one simulated topology. dial returns the
// address a client link reaches the host at.
type backend struct {
	name     string
	realtime bool
	host     transport.Link
	dial     func(ctx context.Context, i int) (transport.Link, transport.PeerID, error)
	stop     func()
}

func newBackend(kind string, cfg config.Config, logger log.Log) (*backend, error) {
	switch kind {
	case "loopback":
		network := loopback.NewNetwork()
		return &backend{
			name: kind,
			host: network.Link(hostAddr),
			dial: func(_ context.Context, i int) (transport.Link, transport.PeerID, error) {
				return network.Link(clientAddr(i)), hostAddr, nil
			},
			stop: func() {},
		}, nil

	case "relay":
		store := relay.NewMemoryStore(0)
		return &backend{
			name: kind,
			host: relay.NewLink(hostAddr, store, cfg.Links.Relay, logger),
			dial: func(_ context.Context, i int) (transport.Link, transport.PeerID, error) {
				return relay.NewLink(clientAddr(i), store, cfg.Links.Relay, logger), hostAddr, nil
			},
			stop: func() {},
		}, nil

	case "websocket":
		host := websocket.New(cfg.Links.WebSocket, logger)
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("netsim: listen: %w", err)
		}
		srv := &http.Server{Handler: host.Handler()}
		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("WebSocket server stopped", log.Error(err))
			}
		}()
		url := "ws://" + ln.Addr().String() + "/"
		return &backend{
			name:     kind,
			realtime: true,
			host:     host,
			dial: func(ctx context.Context, _ int) (transport.Link, transport.PeerID, error) {
				l := websocket.New(cfg.Links.WebSocket, logger)
				peer, err := l.Dial(ctx, url)
				if err != nil {
					_ = l.Close()
					return nil, "", err
				}
				return l, peer, nil
			},
			stop: func() { _ = srv.Close() },
		}, nil

	case "quic":
		host := quic.New(cfg.Links.QUIC, logger)
		addr, err := host.Listen("127.0.0.1:0")
		if err != nil {
			_ = host.Close()
			return nil, err
		}
		return &backend{
			name:     kind,
			realtime: true,
			host:     host,
			dial: func(ctx context.Context, _ int) (transport.Link, transport.PeerID, error) {
				l := quic.New(cfg.Links.QUIC, logger)
				peer, err := l.Dial(ctx, addr.String())
				if err != nil {
					_ = l.Close()
					return nil, "", err
				}
				return l, peer, nil
			},
			stop: func() {},
		}, nil
	}
	return nil, fmt.Errorf("netsim: unknown link %q (want loopback, relay, websocket or quic)", kind)
}

func clientAddr(i int) transport.PeerID {
	return transport.PeerID(fmt.Sprintf("client-%d", i))
}
