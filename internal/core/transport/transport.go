// Package transport moves replication payloads between peers over pluggable
// links, adding named channels, selective acknowledgement, retransmission,
// ordering, fault injection and connection quality tracking.
package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrClosed          = errors.New("transport: closed")
	ErrUnknownPeer     = errors.New("transport: unknown peer")
	ErrNotConnected    = errors.New("transport: peer not connected")
	ErrUnknownChannel  = errors.New("transport: unknown channel")
	ErrPayloadTooLarge = errors.New("transport: payload too large")
	ErrAlreadyExists   = errors.New("transport: peer already exists")
)

// PeerID addresses a remote endpoint on a link.
type PeerID string

// NewPeerID returns a random peer id.
func NewPeerID() PeerID {
	return PeerID(uuid.NewString())
}

type ConnectionState uint8

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Rating is the coarse connection quality level.
type Rating uint8

const (
	RatingExcellent Rating = iota
	RatingGood
	RatingFair
	RatingPoor
	RatingBad
)

func (r Rating) String() string {
	switch r {
	case RatingExcellent:
		return "excellent"
	case RatingGood:
		return "good"
	case RatingFair:
		return "fair"
	case RatingPoor:
		return "poor"
	default:
		return "bad"
	}
}

// Quality is the latest per-peer link estimate.
type Quality struct {
	RTT        time.Duration
	Jitter     time.Duration
	PacketLoss float64 // percent, over the last quality interval
	Rating     Rating
}

type ChannelConfig struct {
	Name     string `yaml:"name" json:"name"`
	Reliable bool   `yaml:"reliable" json:"reliable"`
	Ordered  bool   `yaml:"ordered" json:"ordered"`
}

// Default channel names.
const (
	ChannelReliable   = "reliable"
	ChannelUnreliable = "unreliable"
)

// DefaultChannels is the channel table both peers use unless configured otherwise.
func DefaultChannels() []ChannelConfig {
	return []ChannelConfig{
		{Name: ChannelReliable, Reliable: true, Ordered: true},
		{Name: ChannelUnreliable},
	}
}

// Datagram is one link-level message.
type Datagram struct {
	From PeerID
	Data []byte
}

// Link is a transport backend: an unreliable datagram pipe to addressed peers.
// Implementations must be safe for concurrent use.
type Link interface {
	// Send hands a datagram to the backend. It must not block on the network.
	Send(to PeerID, datagram []byte) error
	// Poll returns everything received since the last call without blocking.
	Poll() []Datagram
	Close() error
}

// Packet is a delivered payload.
type Packet struct {
	From    PeerID
	Channel string
	Payload []byte
}

type PeerInfo struct {
	ID          PeerID
	PlayerID    uint64
	State       ConnectionState
	Quality     Quality
	ConnectedAt time.Time
	Stats       PeerStats
}

type PeerStats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	Retransmits     uint64
	PacketsLost     uint64
	Duplicates      uint64
	Unacked         int
}

type Stats struct {
	PacketsSent      uint64
	PacketsReceived  uint64
	BytesSent        uint64
	BytesReceived    uint64
	Retransmits      uint64
	PacketsLost      uint64
	PacketsDropped   uint64 // by fault injection or a full reorder buffer
	MalformedPackets uint64
	Duplicates       uint64
	SendErrors       uint64
	Delayed          int // datagrams held back by fault injection
}

// Transport is the capability the rest of the core depends on.
type Transport interface {
	// Connect starts a handshake with peer.
	Connect(peer PeerID) error
	// Disconnect drops peer and every queued, unacknowledged or buffered packet for it.
	Disconnect(peer PeerID)
	Send(peer PeerID, channel string, payload []byte) error
	Broadcast(channel string, payload []byte) error
	// Receive pops the next delivered packet.
	Receive() (Packet, bool)
	// Update advances time: flushes delayed sends, polls the link, retransmits,
	// runs timeouts and recomputes quality.
	Update(now time.Time)
	Peers() []PeerInfo
	Peer(id PeerID) (PeerInfo, bool)
	Stats() Stats
	Close() error
}

// Event types published on the session bus.
const (
	EventPeerState  = "transport.peer_state"
	EventQuality    = "transport.quality"
	EventPacketLost = "transport.packet_lost"
)

type PeerStateChange struct {
	Peer     PeerID
	PlayerID uint64
	From, To ConnectionState
}

type QualityChange struct {
	Peer    PeerID
	Quality Quality
}

type PacketLoss struct {
	Peer     PeerID
	Channel  string
	Sequence uint32
	Attempts int
}
