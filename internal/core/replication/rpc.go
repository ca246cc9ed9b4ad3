package replication

import (
	"errors"
	"fmt"

	"github.com/zeusync/netcore/internal/core/entity"
	"github.com/zeusync/netcore/internal/core/observability/log"
	"github.com/zeusync/netcore/internal/core/transport"
	"github.com/zeusync/netcore/internal/core/wire"
)

// serverPlayerID is the player id the authoritative server announces.
const serverPlayerID = 0

// SendRPC routes an outgoing RPC frame to the peers its target names. RPCs
// are never delivered locally.
func (m *Manager) SendRPC(frame wire.RPCFrame, reliable bool) error {
	id := entity.NetworkID(frame.NetworkID)
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	owner := rec.reg.OwnerID
	m.mu.Unlock()

	payload, err := wire.EncodeRPC(frame)
	if err != nil {
		return err
	}

	target := entity.Target(frame.Target)
	peers := rpcRecipients(target, owner, m.connectedPeers())
	if len(peers) == 0 {
		if target == entity.TargetServer || target == entity.TargetOwner {
			return fmt.Errorf("%w: %s rpc for %d", ErrNoRecipients, target, id)
		}
		return nil
	}

	deliveries := make([]delivery, 0, len(peers))
	for _, p := range peers {
		deliveries = append(deliveries, delivery{peer: p, channel: m.channelFor(reliable), kind: wire.KindRPC, payload: payload})
	}
	m.mu.Lock()
	m.reserveLocked(deliverySize(deliveries), false)
	m.mu.Unlock()

	sent, errs := m.transmit(deliveries)

	m.mu.Lock()
	m.stats.RPCsSent += uint64(len(sent))
	for _, d := range sent {
		m.stats.BytesSent += uint64(len(d.payload))
	}
	m.mu.Unlock()

	return errors.Join(errs...)
}

func rpcRecipients(target entity.Target, owner uint64, peers []transport.PeerInfo) []transport.PeerInfo {
	var out []transport.PeerInfo
	for _, p := range peers {
		var keep bool
		switch target {
		case entity.TargetServer:
			keep = p.PlayerID == serverPlayerID
		case entity.TargetOwner:
			keep = p.PlayerID == owner
		case entity.TargetAllClients:
			keep = p.PlayerID != serverPlayerID
		case entity.TargetAllClientsExceptOwner:
			keep = p.PlayerID != serverPlayerID && p.PlayerID != owner
		case entity.TargetMulticast:
			keep = true
		}
		if keep {
			out = append(out, p)
		}
	}
	return out
}

func (m *Manager) handleRPC(from transport.PeerID, payload []byte) error {
	frame, err := wire.DecodeRPC(payload)
	if err != nil {
		m.countMalformed(from, err)
		return err
	}
	e, ok := m.Entity(entity.NetworkID(frame.NetworkID))
	if !ok {
		m.countIgnored()
		return nil
	}

	m.mu.Lock()
	m.stats.RPCsReceived++
	m.stats.BytesReceived += uint64(len(payload))
	m.mu.Unlock()

	if err := e.InvokeRPC(frame); err != nil {
		m.logger.Warn("RPC failed",
			log.String("peer", string(from)),
			log.Uint64("network_id", frame.NetworkID),
			log.Uint32("rpc_id", frame.RPCID),
			log.Error(err),
		)
		return err
	}
	return nil
}
