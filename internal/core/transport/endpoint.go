package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/zeusync/netcore/internal/core/events/bus"
	"github.com/zeusync/netcore/internal/core/observability/log"
	"github.com/zeusync/netcore/internal/core/wire"
)

type Config struct {
	// LocalPlayerID is announced to peers during the handshake. Player 0 is the host.
	LocalPlayerID     uint64          `yaml:"-" json:"-"`
	Channels          []ChannelConfig `yaml:"channels" json:"channels"`
	RetransmitDelay   time.Duration   `yaml:"retransmit_delay" json:"retransmit_delay"`
	MaxRetransmits    int             `yaml:"max_retransmits" json:"max_retransmits"`
	QualityInterval   time.Duration   `yaml:"quality_interval" json:"quality_interval"`
	HandshakeInterval time.Duration   `yaml:"handshake_interval" json:"handshake_interval"`
	ConnectTimeout    time.Duration   `yaml:"connect_timeout" json:"connect_timeout"`
	Timeout           time.Duration   `yaml:"timeout" json:"timeout"`
	ReconnectTimeout  time.Duration   `yaml:"reconnect_timeout" json:"reconnect_timeout"`
	KeepAlive         time.Duration   `yaml:"keep_alive" json:"keep_alive"`
	MaxPayload        int             `yaml:"max_payload" json:"max_payload"`
	AcceptIncoming    bool            `yaml:"accept_incoming" json:"accept_incoming"`
	Faults            FaultConfig     `yaml:"faults" json:"faults"`
}

func DefaultConfig() Config {
	return Config{
		Channels:          DefaultChannels(),
		RetransmitDelay:   100 * time.Millisecond,
		MaxRetransmits:    5,
		QualityInterval:   time.Second,
		HandshakeInterval: 250 * time.Millisecond,
		ConnectTimeout:    5 * time.Second,
		Timeout:           5 * time.Second,
		ReconnectTimeout:  10 * time.Second,
		KeepAlive:         500 * time.Millisecond,
		MaxPayload:        16 * 1024,
		AcceptIncoming:    true,
	}
}

func (c Config) Validate() error {
	if len(c.Channels) == 0 || len(c.Channels) > 256 {
		return fmt.Errorf("transport: need 1-256 channels, got %d", len(c.Channels))
	}
	seen := make(map[string]struct{}, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.Name == "" {
			return errors.New("transport: channel without a name")
		}
		if _, dup := seen[ch.Name]; dup {
			return fmt.Errorf("transport: duplicate channel %q", ch.Name)
		}
		seen[ch.Name] = struct{}{}
	}
	switch {
	case c.RetransmitDelay <= 0:
		return errors.New("transport: retransmit delay must be positive")
	case c.MaxRetransmits < 0:
		return errors.New("transport: max retransmits must not be negative")
	case c.QualityInterval <= 0:
		return errors.New("transport: quality interval must be positive")
	case c.MaxPayload <= 0:
		return errors.New("transport: max payload must be positive")
	case c.MaxPayload > wire.MaxPayload:
		return fmt.Errorf("transport: max payload above %d", wire.MaxPayload)
	case c.Faults.PacketLoss < 0 || c.Faults.PacketLoss > 100:
		return errors.New("transport: packet loss must be within [0, 100]")
	case c.Faults.LatencyMax < c.Faults.LatencyMin:
		return errors.New("transport: latency max below latency min")
	}
	return nil
}

type Option func(*Endpoint)

func WithLogger(l log.Log) Option {
	return func(e *Endpoint) { e.logger = l }
}

func WithPublisher(p bus.Publisher) Option {
	return func(e *Endpoint) { e.publisher = p }
}

// WithStartTime sets the endpoint clock before the first Update.
func WithStartTime(t time.Time) Option {
	return func(e *Endpoint) { e.now = t }
}

var _ Transport = (*Endpoint)(nil)

// Endpoint implements Transport on top of a Link. All state is guarded by one
// mutex; events are published after it is released.
type Endpoint struct {
	mu        sync.Mutex
	cfg       Config
	link      Link
	logger    log.Log
	publisher bus.Publisher

	now        time.Time
	peers      map[PeerID]*peer
	channelIdx map[string]uint8
	incoming   []Packet
	faults     *faultInjector
	stats      Stats
	closed     bool
	events     []bus.Event
}

func NewEndpoint(link Link, cfg Config, opts ...Option) (*Endpoint, error) {
	if link == nil {
		return nil, errors.New("transport: nil link")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Endpoint{
		cfg:        cfg,
		link:       link,
		logger:     log.NewNop(),
		publisher:  bus.Nop,
		now:        time.Now(),
		peers:      make(map[PeerID]*peer),
		channelIdx: make(map[string]uint8, len(cfg.Channels)),
		faults:     newFaultInjector(cfg.Faults),
	}
	for i, ch := range cfg.Channels {
		e.channelIdx[ch.Name] = uint8(i)
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(log.String("component", "transport"))
	e.logger.Debug("Transport endpoint created",
		log.Int("channels", len(cfg.Channels)),
		log.Bool("faults", cfg.Faults.Enabled),
	)
	return e, nil
}

// SetFaults replaces the fault injection settings at runtime. Datagrams already
// delayed keep their schedule.
func (e *Endpoint) SetFaults(cfg FaultConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	queued := e.faults.queue
	e.cfg.Faults = cfg
	e.faults = newFaultInjector(cfg)
	e.faults.queue = queued
}

func (e *Endpoint) Connect(id PeerID) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if p, ok := e.peers[id]; ok && p.state != StateError {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	p := newPeer(id, e.cfg.Channels, e.now)
	e.peers[id] = p
	e.setStateLocked(p, StateConnecting)
	e.sendHelloLocked(p)
	events := e.takeEventsLocked()
	e.mu.Unlock()

	e.publish(events)
	return nil
}

func (e *Endpoint) Disconnect(id PeerID) {
	e.mu.Lock()
	p, ok := e.peers[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	if p.state == StateConnected || p.state == StateReconnecting {
		e.sendControlLocked(p, packetDisconnect, nil)
	}
	e.dropPeerLocked(p)
	events := e.takeEventsLocked()
	e.mu.Unlock()

	e.logger.Info("Peer disconnected", log.String("peer", string(id)))
	e.publish(events)
}

func (e *Endpoint) Send(id PeerID, channel string, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	p, ok := e.peers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	return e.sendDataLocked(p, channel, payload)
}

func (e *Endpoint) Broadcast(channel string, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	var all error
	for _, id := range e.sortedPeerIDsLocked() {
		p := e.peers[id]
		if p.state != StateConnected {
			continue
		}
		if err := e.sendDataLocked(p, channel, payload); err != nil {
			all = errors.Join(all, err)
		}
	}
	return all
}

func (e *Endpoint) Receive() (Packet, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.incoming) == 0 {
		return Packet{}, false
	}
	pkt := e.incoming[0]
	e.incoming[0] = Packet{}
	e.incoming = e.incoming[1:]
	return pkt, true
}

func (e *Endpoint) Update(now time.Time) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if now.After(e.now) {
		e.now = now
	}

	for _, d := range e.faults.release(e.now) {
		e.linkSendLocked(d.to, d.data)
	}
	for _, d := range e.link.Poll() {
		e.handleDatagramLocked(d)
	}
	for _, id := range e.sortedPeerIDsLocked() {
		if p, ok := e.peers[id]; ok {
			e.servicePeerLocked(p)
		}
	}
	events := e.takeEventsLocked()
	e.mu.Unlock()

	e.publish(events)
}

func (e *Endpoint) Peers() []PeerInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PeerInfo, 0, len(e.peers))
	for _, id := range e.sortedPeerIDsLocked() {
		out = append(out, e.peers[id].info())
	}
	return out
}

func (e *Endpoint) Peer(id PeerID) (PeerInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.peers[id]
	if !ok {
		return PeerInfo{}, false
	}
	return p.info(), true
}

func (e *Endpoint) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats := e.stats
	stats.Delayed = e.faults.pending()
	return stats
}

// Channels returns the configured channel table.
func (e *Endpoint) Channels() []ChannelConfig {
	return slices.Clone(e.cfg.Channels)
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	for _, id := range e.sortedPeerIDsLocked() {
		p := e.peers[id]
		if p.state == StateConnected {
			e.sendControlLocked(p, packetDisconnect, nil)
		}
		e.dropPeerLocked(p)
	}
	e.closed = true
	events := e.takeEventsLocked()
	e.mu.Unlock()

	e.publish(events)
	return e.link.Close()
}

func (e *Endpoint) sortedPeerIDsLocked() []PeerID {
	return slices.Sorted(maps.Keys(e.peers))
}

func (e *Endpoint) sendDataLocked(p *peer, channel string, payload []byte) error {
	if p.state != StateConnected {
		return fmt.Errorf("%w: %s is %s", ErrNotConnected, p.id, p.state)
	}
	idx, ok := e.channelIdx[channel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	if len(payload) > e.cfg.MaxPayload {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), e.cfg.MaxPayload)
	}
	ch := &p.channels[idx]
	ch.sendSeq++
	seq := p.nextSeq()
	data := make([]byte, len(payload))
	copy(data, payload)

	if ch.cfg.Reliable {
		p.pending[seq] = &pendingPacket{
			seq:       seq,
			sentAs:    []uint32{seq},
			channel:   idx,
			chanSeq:   ch.sendSeq,
			payload:   data,
			firstSent: e.now,
		}
		p.quality.sent++
	}
	e.transmitLocked(p, header{typ: packetData, channel: idx, seq: seq, chanSeq: ch.sendSeq}, data)
	return nil
}

func (e *Endpoint) sendHelloLocked(p *peer) {
	p.lastHello = e.now
	e.sendControlLocked(p, packetHello, binary.LittleEndian.AppendUint64(nil, e.cfg.LocalPlayerID))
}

func (e *Endpoint) sendControlLocked(p *peer, typ packetType, payload []byte) {
	var seq uint32
	if typ != packetAck {
		seq = p.nextSeq()
	}
	e.transmitLocked(p, header{typ: typ, seq: seq}, payload)
}

// transmitLocked stamps the piggybacked acks and hands the packet to the
// fault injector and link.
func (e *Endpoint) transmitLocked(p *peer, h header, payload []byte) {
	h.ack, h.ackBits = p.remoteSeq, p.remoteBits
	p.ackPending = false
	data := encodePacket(h, payload)

	p.lastSent = e.now
	p.stats.PacketsSent++
	p.stats.BytesSent += uint64(len(data))
	e.stats.PacketsSent++
	e.stats.BytesSent += uint64(len(data))

	ready, dropped := e.faults.admit(e.now, p.id, data)
	if dropped {
		e.stats.PacketsDropped++
		return
	}
	if ready {
		e.linkSendLocked(p.id, data)
	}
}

func (e *Endpoint) linkSendLocked(to PeerID, data []byte) {
	if err := e.link.Send(to, data); err != nil {
		e.stats.SendErrors++
		e.logger.Debug("Link send failed", log.String("peer", string(to)), log.Error(err))
	}
}

func (e *Endpoint) handleDatagramLocked(d Datagram) {
	h, payload, ok := decodePacket(d.Data)
	if !ok {
		e.stats.MalformedPackets++
		return
	}
	p, known := e.peers[d.From]
	if !known {
		if h.typ != packetHello || !e.cfg.AcceptIncoming || len(payload) < 8 {
			return
		}
		p = newPeer(d.From, e.cfg.Channels, e.now)
		p.playerID = binary.LittleEndian.Uint64(payload)
		e.peers[d.From] = p
		e.setStateLocked(p, StateConnected)
		e.logger.Info("Peer accepted", log.String("peer", string(d.From)), log.Uint64("player", p.playerID))
	}
	if p.state == StateError {
		return
	}

	p.lastReceived = e.now
	p.stats.PacketsReceived++
	p.stats.BytesReceived += uint64(len(d.Data))
	e.stats.PacketsReceived++
	e.stats.BytesReceived += uint64(len(d.Data))

	e.processAcksLocked(p, h.ack, h.ackBits)
	if h.typ == packetAck {
		return
	}
	p.ackPending = true
	if !p.acceptRemote(h.seq) {
		p.stats.Duplicates++
		e.stats.Duplicates++
		return
	}

	switch h.typ {
	case packetHello:
		if len(payload) >= 8 {
			p.playerID = binary.LittleEndian.Uint64(payload)
		}
		if p.state != StateConnected {
			e.setStateLocked(p, StateConnected)
		}
		e.sendControlLocked(p, packetWelcome, binary.LittleEndian.AppendUint64(nil, e.cfg.LocalPlayerID))
	case packetWelcome:
		if len(payload) >= 8 {
			p.playerID = binary.LittleEndian.Uint64(payload)
		}
		if p.state != StateConnected {
			e.setStateLocked(p, StateConnected)
		}
	case packetDisconnect:
		e.dropPeerLocked(p)
	case packetPing:
		if p.state == StateReconnecting {
			e.setStateLocked(p, StateConnected)
		}
		e.sendControlLocked(p, packetPong, payload)
	case packetPong:
		if p.state == StateReconnecting {
			e.setStateLocked(p, StateConnected)
		}
		if len(payload) >= 8 {
			sent := time.Unix(0, int64(binary.LittleEndian.Uint64(payload)))
			if rtt := e.now.Sub(sent); rtt >= 0 {
				p.quality.sample(rtt)
			}
		}
	case packetData:
		if p.state == StateConnecting || p.state == StateReconnecting {
			e.setStateLocked(p, StateConnected)
		}
		if int(h.channel) >= len(p.channels) {
			e.stats.MalformedPackets++
			return
		}
		ch := &p.channels[h.channel]
		ready, dup, overflow := ch.deliver(h.chanSeq, payload)
		if dup {
			p.stats.Duplicates++
			e.stats.Duplicates++
		}
		if overflow {
			e.stats.PacketsDropped++
			e.logger.Warn("Reorder buffer full, packet dropped",
				log.String("peer", string(p.id)),
				log.String("channel", ch.cfg.Name),
				log.Uint32("chan_seq", h.chanSeq),
			)
		}
		// The stall timer covers the gap at the head of the channel. Once
		// delivery moves past it the next gap gets a fresh timer.
		switch {
		case len(ch.buffered) == 0:
			ch.stalledSince = time.Time{}
		case ch.stalledSince.IsZero() || len(ready) > 0:
			ch.stalledSince = e.now
		}
		for _, r := range ready {
			e.incoming = append(e.incoming, Packet{From: p.id, Channel: ch.cfg.Name, Payload: r})
		}
	}
}

func (e *Endpoint) processAcksLocked(p *peer, ack, ackBits uint32) {
	if len(p.pending) == 0 {
		return
	}
	for key, pk := range p.pending {
		if !pk.ackedBy(ack, ackBits) {
			continue
		}
		if pk.retransmits == 0 {
			p.quality.sample(e.now.Sub(pk.firstSent))
		}
		delete(p.pending, key)
	}
}

func (e *Endpoint) servicePeerLocked(p *peer) {
	silence := e.now.Sub(p.lastReceived)
	switch p.state {
	case StateConnecting:
		if e.now.Sub(p.connectStarted) > e.cfg.ConnectTimeout {
			e.logger.Warn("Handshake timed out", log.String("peer", string(p.id)))
			e.failPeerLocked(p)
			return
		}
		if e.now.Sub(p.lastHello) >= e.cfg.HandshakeInterval {
			e.sendHelloLocked(p)
		}
		return
	case StateConnected:
		if silence > e.cfg.Timeout {
			e.logger.Warn("Peer silent, reconnecting", log.String("peer", string(p.id)), log.Duration("silence", silence))
			e.setStateLocked(p, StateReconnecting)
		} else if e.now.Sub(p.lastSent) >= e.cfg.KeepAlive {
			e.sendControlLocked(p, packetPing, binary.LittleEndian.AppendUint64(nil, uint64(e.now.UnixNano())))
		}
	case StateReconnecting:
		if silence > e.cfg.Timeout+e.cfg.ReconnectTimeout {
			e.logger.Warn("Reconnect failed", log.String("peer", string(p.id)))
			e.failPeerLocked(p)
			return
		}
		if e.now.Sub(p.lastHello) >= e.cfg.HandshakeInterval {
			e.sendHelloLocked(p)
		}
	default:
		return
	}

	e.retransmitLocked(p)
	e.unstallLocked(p)

	if p.ackPending {
		e.sendControlLocked(p, packetAck, nil)
	}

	if changed, closed := p.quality.recompute(e.now, e.cfg.QualityInterval); closed && changed {
		e.events = append(e.events, bus.NewEvent(EventQuality, "transport", QualityChange{Peer: p.id, Quality: p.quality.current}, 0, nil))
	}
}

// retransmitLocked resends reliable packets whose age exceeds
// retransmitDelay*(retransmits+1). Packets that ran out of attempts are
// counted lost once and forgotten.
func (e *Endpoint) retransmitLocked(p *peer) {
	for _, key := range p.pendingSeqs() {
		pk := p.pending[key]
		age := e.now.Sub(pk.firstSent)
		if age <= e.cfg.RetransmitDelay*time.Duration(pk.retransmits+1) {
			continue
		}
		if pk.retransmits >= e.cfg.MaxRetransmits {
			delete(p.pending, key)
			p.stats.PacketsLost++
			e.stats.PacketsLost++
			p.quality.lost++
			channel := p.channels[pk.channel].cfg.Name
			e.logger.Debug("Packet lost",
				log.String("peer", string(p.id)),
				log.String("channel", channel),
				log.Uint32("seq", pk.seq),
			)
			e.events = append(e.events, bus.NewEvent(EventPacketLost, "transport",
				PacketLoss{Peer: p.id, Channel: channel, Sequence: pk.seq, Attempts: pk.retransmits + 1}, 0, nil))
			continue
		}
		pk.retransmits++
		seq := p.nextSeq()
		pk.sentAs = append(pk.sentAs, seq)
		p.stats.Retransmits++
		e.stats.Retransmits++
		e.transmitLocked(p, header{typ: packetData, channel: pk.channel, seq: seq, chanSeq: pk.chanSeq}, pk.payload)
	}
}

// unstallLocked skips a gap on an ordered channel once the sender can no
// longer be retransmitting the missing packet.
func (e *Endpoint) unstallLocked(p *peer) {
	limit := e.cfg.RetransmitDelay * time.Duration(e.cfg.MaxRetransmits+2)
	for i := range p.channels {
		ch := &p.channels[i]
		if ch.stalledSince.IsZero() || e.now.Sub(ch.stalledSince) <= limit {
			continue
		}
		for _, r := range ch.skipGap(e.now) {
			e.incoming = append(e.incoming, Packet{From: p.id, Channel: ch.cfg.Name, Payload: r})
		}
	}
}

func (e *Endpoint) failPeerLocked(p *peer) {
	p.pending = make(map[uint32]*pendingPacket)
	p.resetChannels(e.cfg.Channels)
	e.faults.forget(p.id)
	e.setStateLocked(p, StateError)
}

// dropPeerLocked forgets peer along with every queued, unacked or buffered
// packet belonging to it.
func (e *Endpoint) dropPeerLocked(p *peer) {
	delete(e.peers, p.id)
	e.faults.forget(p.id)
	kept := e.incoming[:0]
	for _, pkt := range e.incoming {
		if pkt.From != p.id {
			kept = append(kept, pkt)
		}
	}
	for i := len(kept); i < len(e.incoming); i++ {
		e.incoming[i] = Packet{}
	}
	e.incoming = kept
	e.setStateLocked(p, StateDisconnected)
}

func (e *Endpoint) setStateLocked(p *peer, to ConnectionState) {
	from := p.state
	if from == to {
		return
	}
	p.state = to
	if to == StateConnected && from != StateReconnecting {
		p.connectedAt = e.now
	}
	e.events = append(e.events, bus.NewEvent(EventPeerState, "transport",
		PeerStateChange{Peer: p.id, PlayerID: p.playerID, From: from, To: to}, 0, nil))
}

func (e *Endpoint) takeEventsLocked() []bus.Event {
	events := e.events
	e.events = nil
	return events
}

func (e *Endpoint) publish(events []bus.Event) {
	for _, ev := range events {
		if err := e.publisher.Publish(ev); err != nil {
			e.logger.Warn("Event handler failed", log.String("event", ev.Type()), log.Error(err))
		}
	}
}
