package transport

import (
	"math/rand"
	"sort"
	"time"
)

// FaultConfig simulates a bad network on the sending side.
type FaultConfig struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	LatencyMin time.Duration `yaml:"latency_min" json:"latency_min"`
	LatencyMax time.Duration `yaml:"latency_max" json:"latency_max"`
	Jitter     time.Duration `yaml:"jitter" json:"jitter"`
	// PacketLoss is a percentage in [0, 100].
	PacketLoss float64 `yaml:"packet_loss" json:"packet_loss"`
	Seed       int64   `yaml:"seed" json:"seed"`
}

type delayedDatagram struct {
	due  time.Time
	to   PeerID
	data []byte
}

type faultInjector struct {
	cfg   FaultConfig
	rng   *rand.Rand
	queue []delayedDatagram
}

func newFaultInjector(cfg FaultConfig) *faultInjector {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &faultInjector{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// admit decides the fate of an outgoing datagram: dropped, delayed, or ready now.
func (f *faultInjector) admit(now time.Time, to PeerID, data []byte) (ready, dropped bool) {
	if !f.cfg.Enabled {
		return true, false
	}
	if f.cfg.PacketLoss > 0 && f.rng.Float64()*100 < f.cfg.PacketLoss {
		return false, true
	}
	delay := f.cfg.LatencyMin
	if span := f.cfg.LatencyMax - f.cfg.LatencyMin; span > 0 {
		delay += time.Duration(f.rng.Int63n(int64(span) + 1))
	}
	if f.cfg.Jitter > 0 {
		delay += time.Duration(f.rng.Int63n(int64(f.cfg.Jitter) + 1))
	}
	if delay <= 0 {
		return true, false
	}
	d := delayedDatagram{due: now.Add(delay), to: to, data: data}
	i := sort.Search(len(f.queue), func(i int) bool { return f.queue[i].due.After(d.due) })
	f.queue = append(f.queue, delayedDatagram{})
	copy(f.queue[i+1:], f.queue[i:])
	f.queue[i] = d
	return false, false
}

// release pops every datagram due at or before now, oldest first.
func (f *faultInjector) release(now time.Time) []delayedDatagram {
	n := 0
	for n < len(f.queue) && !f.queue[n].due.After(now) {
		n++
	}
	if n == 0 {
		return nil
	}
	out := make([]delayedDatagram, n)
	copy(out, f.queue[:n])
	f.queue = append(f.queue[:0], f.queue[n:]...)
	return out
}

// forget drops delayed datagrams addressed to peer.
func (f *faultInjector) forget(peer PeerID) {
	kept := f.queue[:0]
	for _, d := range f.queue {
		if d.to != peer {
			kept = append(kept, d)
		}
	}
	f.queue = kept
}

func (f *faultInjector) pending() int { return len(f.queue) }
