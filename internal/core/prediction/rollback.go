package prediction

import (
	"encoding/binary"
	"fmt"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/netcore/internal/core/entity"
	"github.com/zeusync/netcore/internal/core/events/bus"
	"github.com/zeusync/netcore/internal/core/observability/log"
)

// EntityInput is an input applied to one entity during a frame.
type EntityInput struct {
	NetworkID entity.NetworkID
	Input     InputCommand
}

// RollbackFrame checkpoints every tracked state at the start of a frame and
// the inputs applied during it.
type RollbackFrame struct {
	Frame     uint32
	Timestamp time.Duration
	States    map[entity.NetworkID]StateSnapshot
	Inputs    []EntityInput
	Checksum  uint64
}

// Desync reports a checksum mismatch for a frame.
type Desync struct {
	Frame    uint32
	Expected uint64
	Actual   uint64
}

// SaveFrame checkpoints the current state of every tracked entity. Only the
// newest frames are kept.
func (p *Predictor) SaveFrame(frame uint32, ts time.Duration, inputs []EntityInput) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.frames.Back(); ok && frame <= last.Frame {
		return fmt.Errorf("%w: %d after %d", ErrFrameOutOfOrder, frame, last.Frame)
	}
	states := make(map[entity.NetworkID]StateSnapshot, len(p.tracks))
	for id, t := range p.tracks {
		states[id] = t.current
	}
	p.frames.Push(RollbackFrame{
		Frame:     frame,
		Timestamp: ts,
		States:    states,
		Inputs:    slices.Clone(inputs),
		Checksum:  checksum(states),
	})
	return nil
}

func (p *Predictor) frameIndexLocked(frame uint32) (int, bool) {
	for i := 0; i < p.frames.Len(); i++ {
		if p.frames.At(i).Frame == frame {
			return i, true
		}
	}
	return 0, false
}

// RollbackTo restores the states saved at the start of frame.
func (p *Predictor) RollbackTo(frame uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.frameIndexLocked(frame)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownFrame, frame)
	}
	p.restoreLocked(p.frames.At(i).States)
	p.stats.Rollbacks++
	return nil
}

func (p *Predictor) restoreLocked(states map[entity.NetworkID]StateSnapshot) {
	for id, s := range states {
		if t, ok := p.tracks[id]; ok {
			t.current = s
		}
	}
}

// Resimulate rolls back to from and replays the recorded inputs of every
// held frame in [from, to). Later checkpoints in the range are rewritten with
// the resimulated states. It always runs to completion.
func (p *Predictor) Resimulate(from, to uint32) error {
	if p.simulate == nil {
		return ErrNoSimulation
	}
	if to < from {
		return fmt.Errorf("%w: %d..%d", ErrInvalidFrameRange, from, to)
	}

	p.mu.Lock()
	start, ok := p.frameIndexLocked(from)
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownFrame, from)
	}
	var frames []RollbackFrame
	for i := start; i < p.frames.Len(); i++ {
		f := p.frames.At(i)
		if f.Frame > to {
			break
		}
		frames = append(frames, f)
	}
	states := maps.Clone(frames[0].States)
	step := p.cfg.FixedStep
	p.stats.Rollbacks++
	p.mu.Unlock()

	rewritten := make(map[uint32]map[entity.NetworkID]StateSnapshot, len(frames))
	for i, f := range frames {
		if f.Frame >= to {
			break
		}
		for _, in := range f.Inputs {
			s, ok := states[in.NetworkID]
			if !ok {
				continue
			}
			states[in.NetworkID] = p.step(in.NetworkID, in.Input, s, step)
		}
		if i+1 < len(frames) {
			rewritten[frames[i+1].Frame] = maps.Clone(states)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < p.frames.Len(); i++ {
		f := p.frames.At(i)
		if s, ok := rewritten[f.Frame]; ok {
			f.States = s
			f.Checksum = checksum(s)
			p.frames.Set(i, f)
		}
	}
	p.restoreLocked(states)
	p.logger.Debug("Resimulated", log.Uint32("from", from), log.Uint32("to", to))
	return nil
}

// ConfirmFrame discards every checkpoint older than frame.
func (p *Predictor) ConfirmFrame(frame uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames.DropWhile(func(f RollbackFrame) bool { return f.Frame < frame })
}

// Frames returns the held frame numbers, oldest first.
func (p *Predictor) Frames() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint32, 0, p.frames.Len())
	for i := 0; i < p.frames.Len(); i++ {
		out = append(out, p.frames.At(i).Frame)
	}
	return out
}

func (p *Predictor) Frame(frame uint32) (RollbackFrame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.frameIndexLocked(frame)
	if !ok {
		return RollbackFrame{}, false
	}
	f := p.frames.At(i)
	f.States = maps.Clone(f.States)
	f.Inputs = slices.Clone(f.Inputs)
	return f, true
}

func (p *Predictor) FrameChecksum(frame uint32) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.frameIndexLocked(frame)
	if !ok {
		return 0, false
	}
	return p.frames.At(i).Checksum, true
}

// VerifyFrame compares a peer's checksum with ours and publishes a desync
// event on mismatch.
func (p *Predictor) VerifyFrame(frame uint32, remote uint64) (bool, error) {
	local, ok := p.FrameChecksum(frame)
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownFrame, frame)
	}
	if local == remote {
		return true, nil
	}
	p.mu.Lock()
	p.stats.Desyncs++
	p.mu.Unlock()
	p.logger.Warn("Frame checksum mismatch", log.Uint32("frame", frame))
	p.publish(bus.NewEvent(EventDesync, "prediction", Desync{Frame: frame, Expected: local, Actual: remote}, 0, nil))
	return false, nil
}

// checksum hashes the states in id order. Only simulated fields take part.
func checksum(states map[entity.NetworkID]StateSnapshot) uint64 {
	d := xxhash.New()
	var buf [8]byte
	put32 := func(v uint32) {
		binary.LittleEndian.PutUint32(buf[:4], v)
		_, _ = d.Write(buf[:4])
	}
	putF := func(fs ...float32) {
		for _, f := range fs {
			put32(math.Float32bits(f))
		}
	}
	for _, id := range slices.Sorted(maps.Keys(states)) {
		s := states[id]
		binary.LittleEndian.PutUint64(buf[:], uint64(id))
		_, _ = d.Write(buf[:])
		put32(s.Sequence)
		putF(s.Position[:]...)
		putF(s.Rotation.W, s.Rotation.V[0], s.Rotation.V[1], s.Rotation.V[2])
		putF(s.Velocity[:]...)
		putF(s.Health)
		_, _ = d.Write([]byte{s.State})
		_, _ = d.Write(s.Custom[:])
	}
	return d.Sum64()
}
