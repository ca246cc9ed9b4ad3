package transport

import (
	"slices"
	"time"
)

const maxOrderedBuffer = 1024

type pendingPacket struct {
	seq         uint32
	sentAs      []uint32
	channel     uint8
	chanSeq     uint32
	payload     []byte
	firstSent   time.Time
	retransmits int
}

type channelState struct {
	cfg ChannelConfig

	sendSeq uint32

	// reliable ordered
	nextDeliver  uint32
	buffered     map[uint32][]byte
	stalledSince time.Time

	// reliable unordered: everything at or below floor was delivered
	floor uint32
	seen  map[uint32]struct{}

	// unreliable ordered
	lastDelivered uint32
	delivered     bool
}

type peer struct {
	id       PeerID
	playerID uint64
	state    ConnectionState

	connectStarted time.Time
	connectedAt    time.Time
	lastReceived   time.Time
	lastSent       time.Time
	lastHello      time.Time

	localSeq   uint32
	remoteSeq  uint32
	remoteBits uint32
	hasRemote  bool
	ackPending bool

	pending  map[uint32]*pendingPacket
	channels []channelState
	quality  qualityTracker
	stats    PeerStats
}

func newPeer(id PeerID, channels []ChannelConfig, now time.Time) *peer {
	p := &peer{
		id:             id,
		connectStarted: now,
		lastReceived:   now,
		pending:        make(map[uint32]*pendingPacket),
	}
	p.resetChannels(channels)
	p.quality.windowStart = now
	return p
}

func (p *peer) resetChannels(cfgs []ChannelConfig) {
	p.channels = make([]channelState, len(cfgs))
	for i, c := range cfgs {
		p.channels[i] = channelState{cfg: c, nextDeliver: 1}
	}
}

func (p *peer) nextSeq() uint32 {
	p.localSeq++
	return p.localSeq
}

// acceptRemote records an incoming sequence number and reports false for
// duplicates and for packets older than the 32-packet ack window.
func (p *peer) acceptRemote(seq uint32) bool {
	if !p.hasRemote {
		p.remoteSeq, p.remoteBits, p.hasRemote = seq, 0, true
		return true
	}
	if seqNewer(seq, p.remoteSeq) {
		shift := seq - p.remoteSeq
		if shift >= 32 {
			p.remoteBits = 0
		} else {
			p.remoteBits <<= shift
		}
		if shift <= 32 {
			p.remoteBits |= 1 << (shift - 1)
		}
		p.remoteSeq = seq
		return true
	}
	if seq == p.remoteSeq {
		return false
	}
	diff := p.remoteSeq - seq
	if diff > 32 {
		return false
	}
	bit := uint32(1) << (diff - 1)
	if p.remoteBits&bit != 0 {
		return false
	}
	p.remoteBits |= bit
	return true
}

// ackedBy reports whether any transmission of the packet is covered.
func (pk *pendingPacket) ackedBy(ack, ackBits uint32) bool {
	for _, s := range pk.sentAs {
		if acknowledged(s, ack, ackBits) {
			return true
		}
	}
	return false
}

// acknowledged reports whether ack/ackBits cover seq.
func acknowledged(seq, ack, ackBits uint32) bool {
	if seq == ack {
		return true
	}
	if !seqNewer(ack, seq) {
		return false
	}
	diff := ack - seq
	return diff <= 32 && ackBits&(1<<(diff-1)) != 0
}

func (p *peer) pendingSeqs() []uint32 {
	seqs := make([]uint32, 0, len(p.pending))
	for s := range p.pending {
		seqs = append(seqs, s)
	}
	slices.SortFunc(seqs, func(a, b uint32) int {
		switch {
		case a == b:
			return 0
		case seqNewer(b, a):
			return -1
		default:
			return 1
		}
	})
	return seqs
}

// deliver runs the channel's ordering rule and returns the payloads ready for
// the application, in order. overflow reports a packet refused by a full
// reorder buffer.
func (c *channelState) deliver(chanSeq uint32, payload []byte) (ready [][]byte, duplicate, overflow bool) {
	switch {
	case c.cfg.Ordered && c.cfg.Reliable:
		if chanSeq == c.nextDeliver {
			ready = append(ready, payload)
			c.nextDeliver++
			for {
				next, ok := c.buffered[c.nextDeliver]
				if !ok {
					break
				}
				delete(c.buffered, c.nextDeliver)
				ready = append(ready, next)
				c.nextDeliver++
			}
			return ready, false, false
		}
		if !seqNewer(chanSeq, c.nextDeliver) {
			return nil, true, false
		}
		if c.buffered == nil {
			c.buffered = make(map[uint32][]byte)
		}
		if _, dup := c.buffered[chanSeq]; dup {
			return nil, true, false
		}
		if len(c.buffered) >= maxOrderedBuffer {
			return nil, false, true
		}
		c.buffered[chanSeq] = payload
		return nil, false, false
	case c.cfg.Reliable:
		if !seqNewer(chanSeq, c.floor) {
			return nil, true, false
		}
		if _, dup := c.seen[chanSeq]; dup {
			return nil, true, false
		}
		if c.seen == nil {
			c.seen = make(map[uint32]struct{})
		}
		c.seen[chanSeq] = struct{}{}
		for {
			if _, ok := c.seen[c.floor+1]; !ok {
				break
			}
			delete(c.seen, c.floor+1)
			c.floor++
		}
		return [][]byte{payload}, false, false
	case c.cfg.Ordered:
		if c.delivered && !seqNewer(chanSeq, c.lastDelivered) {
			return nil, true, false
		}
		c.lastDelivered, c.delivered = chanSeq, true
		return [][]byte{payload}, false, false
	default:
		return [][]byte{payload}, false, false
	}
}

// skipGap gives up on the missing packet at the head of an ordered channel and
// delivers everything buffered behind it that is now contiguous. A gap left
// further back starts its own stall timer at now.
func (c *channelState) skipGap(now time.Time) [][]byte {
	if len(c.buffered) == 0 {
		return nil
	}
	first := true
	var lowest uint32
	for s := range c.buffered {
		if first || seqNewer(lowest, s) {
			lowest, first = s, false
		}
	}
	c.nextDeliver = lowest
	var ready [][]byte
	for {
		next, ok := c.buffered[c.nextDeliver]
		if !ok {
			break
		}
		delete(c.buffered, c.nextDeliver)
		ready = append(ready, next)
		c.nextDeliver++
	}
	c.stalledSince = time.Time{}
	if len(c.buffered) > 0 {
		c.stalledSince = now
	}
	return ready
}

func (p *peer) info() PeerInfo {
	stats := p.stats
	stats.Unacked = len(p.pending)
	return PeerInfo{
		ID:          p.id,
		PlayerID:    p.playerID,
		State:       p.state,
		Quality:     p.quality.current,
		ConnectedAt: p.connectedAt,
		Stats:       stats,
	}
}
