package transport

import (
	"github.com/zeusync/netcore/internal/core/wire"
)

type packetType uint8

const (
	packetData packetType = iota + 1
	packetAck
	packetHello
	packetWelcome
	packetDisconnect
	packetPing
	packetPong
)

const headerSize = 18

// header is [type:1][channel:1][seq:4][chanSeq:4][ack:4][ackBits:4].
type header struct {
	typ     packetType
	channel uint8
	seq     uint32
	chanSeq uint32
	ack     uint32
	ackBits uint32
}

func encodePacket(h header, payload []byte) []byte {
	w := wire.AcquireWriter()
	defer wire.ReleaseWriter(w)
	w.Uint8(uint8(h.typ))
	w.Uint8(h.channel)
	w.Uint32(h.seq)
	w.Uint32(h.chanSeq)
	w.Uint32(h.ack)
	w.Uint32(h.ackBits)
	w.Raw(payload)
	out, _ := w.Copy()
	return out
}

func decodePacket(data []byte) (header, []byte, bool) {
	if len(data) < headerSize {
		return header{}, nil, false
	}
	r := wire.NewReader(data)
	h := header{
		typ:     packetType(r.Uint8()),
		channel: r.Uint8(),
		seq:     r.Uint32(),
		chanSeq: r.Uint32(),
		ack:     r.Uint32(),
		ackBits: r.Uint32(),
	}
	if h.typ < packetData || h.typ > packetPong {
		return header{}, nil, false
	}
	return h, r.Rest(), r.Err() == nil
}

// seqNewer reports a > b with wraparound.
func seqNewer(a, b uint32) bool {
	return int32(a-b) > 0
}
