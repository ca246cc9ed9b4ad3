package replication

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/zeusync/netcore/internal/core/entity"
)

type Stats struct {
	Entities        int
	UpdatesSent     uint64
	UpdatesReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	BaselinesSent   uint64
	DeltasSent      uint64
	DroppedUpdates  uint64
	BaselineMisses  uint64
	MalformedFrames uint64
	IgnoredUpdates  uint64
	RPCsSent        uint64
	RPCsReceived    uint64
	SendErrors      uint64
	// BandwidthUsed is bytes accounted in the current one-second window.
	BandwidthUsed int
}

type EntityStats struct {
	UpdatesSent     uint64
	UpdatesReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	DroppedUpdates  uint64
	LastSent        time.Time
	LastReceived    time.Time
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Entities = len(m.records)
	s.BandwidthUsed = m.bandwidthUsed
	if m.now().Sub(m.windowStart) >= bandwidthWindow {
		s.BandwidthUsed = 0
	}
	return s
}

func (m *Manager) EntityStats(id entity.NetworkID) (EntityStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return EntityStats{}, false
	}
	return rec.stats, true
}

// ResetStats zeroes the global and per-entity counters.
func (m *Manager) ResetStats() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = Stats{}
	for _, rec := range m.records {
		rec.stats = EntityStats{}
	}
}

// DebugInfo renders a human readable summary.
func (m *Manager) DebugInfo() string {
	s := m.Stats()

	m.mu.Lock()
	dirty := 0
	for _, rec := range m.records {
		dirty += len(rec.dirty)
	}
	cfg := m.cfg
	tick := m.tick
	m.mu.Unlock()

	limit := "unlimited"
	if cfg.BandwidthLimit > 0 {
		limit = humanize.Bytes(uint64(cfg.BandwidthLimit)) + "/s"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "replication: player %d, tick %d at %.0f Hz\n", cfg.LocalPlayerID, tick, cfg.TickRate)
	fmt.Fprintf(&b, "  entities: %d, dirty properties: %d, threshold: %s\n", s.Entities, dirty, cfg.PriorityThreshold)
	fmt.Fprintf(&b, "  bandwidth: %s of %s this window\n", humanize.Bytes(uint64(s.BandwidthUsed)), limit)
	fmt.Fprintf(&b, "  sent: %s updates (%s), %s baselines, %s deltas, %s dropped\n",
		humanize.Comma(int64(s.UpdatesSent)), humanize.Bytes(s.BytesSent),
		humanize.Comma(int64(s.BaselinesSent)), humanize.Comma(int64(s.DeltasSent)),
		humanize.Comma(int64(s.DroppedUpdates)))
	fmt.Fprintf(&b, "  received: %s updates (%s), %s ignored, %s malformed, %s baseline misses\n",
		humanize.Comma(int64(s.UpdatesReceived)), humanize.Bytes(s.BytesReceived),
		humanize.Comma(int64(s.IgnoredUpdates)), humanize.Comma(int64(s.MalformedFrames)),
		humanize.Comma(int64(s.BaselineMisses)))
	fmt.Fprintf(&b, "  rpc: %s sent, %s received", humanize.Comma(int64(s.RPCsSent)), humanize.Comma(int64(s.RPCsReceived)))
	return b.String()
}
