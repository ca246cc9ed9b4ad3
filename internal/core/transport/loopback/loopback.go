// Package loopback provides in-memory links for tests and local simulation.
package loopback

import (
	"errors"
	"sync"

	"github.com/zeusync/netcore/internal/core/transport"
)

var ErrUnknownAddress = errors.New("loopback: unknown address")

// Network connects links by address. Datagrams are delivered instantly unless
// the pair is partitioned.
type Network struct {
	mu          sync.Mutex
	links       map[transport.PeerID]*Link
	partitioned map[[2]transport.PeerID]bool
}

func NewNetwork() *Network {
	return &Network{
		links:       make(map[transport.PeerID]*Link),
		partitioned: make(map[[2]transport.PeerID]bool),
	}
}

// Link returns the link bound to addr, creating it on first use. An empty
// addr gets a fresh random address.
func (n *Network) Link(addr transport.PeerID) *Link {
	if addr == "" {
		addr = transport.NewPeerID()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if l, ok := n.links[addr]; ok && !l.inbox.Closed() {
		return l
	}
	l := &Link{addr: addr, net: n, inbox: transport.NewInbox(0)}
	n.links[addr] = l
	return l
}

// Partition blocks (or restores) traffic in both directions between a and b.
func (n *Network) Partition(a, b transport.PeerID, blocked bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitioned[pair(a, b)] = blocked
}

func (n *Network) deliver(from, to transport.PeerID, data []byte) error {
	n.mu.Lock()
	target, ok := n.links[to]
	blocked := n.partitioned[pair(from, to)]
	n.mu.Unlock()
	if !ok {
		return ErrUnknownAddress
	}
	if blocked {
		return nil
	}
	target.inbox.Push(from, data)
	return nil
}

func pair(a, b transport.PeerID) [2]transport.PeerID {
	if b < a {
		a, b = b, a
	}
	return [2]transport.PeerID{a, b}
}

var _ transport.Link = (*Link)(nil)

type Link struct {
	addr  transport.PeerID
	net   *Network
	inbox *transport.Inbox
}

func (l *Link) Addr() transport.PeerID { return l.addr }

func (l *Link) Send(to transport.PeerID, datagram []byte) error {
	if l.inbox.Closed() {
		return transport.ErrClosed
	}
	return l.net.deliver(l.addr, to, datagram)
}

func (l *Link) Poll() []transport.Datagram {
	return l.inbox.Drain()
}

func (l *Link) Close() error {
	l.inbox.Close()
	return nil
}
