package prediction

import (
	"time"

	"github.com/zeusync/netcore/internal/core/entity"
)

// AddSnapshot buffers a received state of a remote entity for interpolation.
// Snapshots must arrive with increasing timestamps; an older one is dropped
// and reported false.
func (p *Predictor) AddSnapshot(id entity.NetworkID, s StateSnapshot) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, err := p.trackLocked(id)
	if err != nil {
		return false, err
	}
	if last, ok := t.remote.Back(); ok && s.Timestamp <= last.Timestamp {
		return false, nil
	}
	t.remote.Push(s)
	return true, nil
}

// Interpolate renders the entity at now minus the interpolation delay from
// the two bracketing snapshots. Outside the buffer the nearest end is used.
func (p *Predictor) Interpolate(id entity.NetworkID, now time.Duration) (StateSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tracks[id]
	if !ok || t.remote.Len() == 0 {
		return StateSnapshot{}, false
	}
	return interpolate(t.remote.Slice(), now-p.cfg.InterpolationDelay), true
}

func interpolate(buf []StateSnapshot, target time.Duration) StateSnapshot {
	first, last := buf[0], buf[len(buf)-1]
	if target <= first.Timestamp {
		return first
	}
	if target >= last.Timestamp {
		return last
	}
	for i := 1; i < len(buf); i++ {
		a, b := buf[i-1], buf[i]
		if target > b.Timestamp {
			continue
		}
		f := float32(target-a.Timestamp) / float32(b.Timestamp-a.Timestamp)
		out := blend(a, b, f)
		out.Timestamp = target
		out.Sequence = a.Sequence
		out.State = a.State
		out.Custom = a.Custom
		return out
	}
	return last
}

// Extrapolate projects the newest snapshot forward along its velocity. It
// only applies once now minus the delay has passed the newest snapshot, and
// never projects further than the extrapolation limit.
func (p *Predictor) Extrapolate(id entity.NetworkID, now time.Duration) (StateSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tracks[id]
	if !ok {
		return StateSnapshot{}, false
	}
	last, ok := t.remote.Back()
	if !ok {
		return StateSnapshot{}, false
	}
	ahead := now - p.cfg.InterpolationDelay - last.Timestamp
	if ahead <= 0 {
		return StateSnapshot{}, false
	}
	ahead = min(ahead, p.cfg.ExtrapolationLimit)
	out := last
	out.Position = last.Position.Add(last.Velocity.Mul(float32(ahead.Seconds())))
	out.Timestamp = last.Timestamp + ahead
	return out, true
}

// Sample picks extrapolation past the newest snapshot and interpolation
// otherwise.
func (p *Predictor) Sample(id entity.NetworkID, now time.Duration) (StateSnapshot, bool) {
	if s, ok := p.Extrapolate(id, now); ok {
		return s, true
	}
	return p.Interpolate(id, now)
}

// Snapshots returns the interpolation buffer oldest first.
func (p *Predictor) Snapshots(id entity.NetworkID) []StateSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tracks[id]
	if !ok {
		return nil
	}
	return t.remote.Slice()
}
