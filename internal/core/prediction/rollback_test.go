package prediction_test

import (
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/netcore/internal/core/events/bus"
	"github.com/zeusync/netcore/internal/core/prediction"
)

// playFrames saves frames from..to, each moving the hero one unit along x.
func playFrames(t *testing.T, p *prediction.Predictor, from, to uint32) {
	t.Helper()
	for f := from; f <= to; f++ {
		in := input(f, 1, 0)
		require.NoError(t, p.SaveFrame(f, time.Duration(f)*50*time.Millisecond,
			[]prediction.EntityInput{{NetworkID: hero, Input: in}}))
		require.NoError(t, p.RecordInput(hero, in))
		_, err := p.PredictMovement(hero)
		require.NoError(t, err)
	}
}

func TestResimulateThenConfirm(t *testing.T) {
	w := &walker{}
	p := newPredictor(t, w, nil)
	require.NoError(t, p.Track(hero, prediction.StateSnapshot{}))
	playFrames(t, p, 1, 5)

	before, ok := p.FrameChecksum(5)
	require.True(t, ok)

	require.NoError(t, p.Resimulate(2, 5))
	current, _ := p.CurrentState(hero)
	assert.Equal(t, mgl32.Vec3{4, 0, 0}, current.Position, "state at the start of frame 5")

	after, _ := p.FrameChecksum(5)
	assert.Equal(t, before, after, "same inputs reproduce the same frame")
	match, err := p.VerifyFrame(5, before)
	require.NoError(t, err)
	assert.True(t, match)

	// a corrupted checkpoint is rewritten by resimulation
	require.NoError(t, p.RecordState(hero, prediction.StateSnapshot{Sequence: 5, Position: mgl32.Vec3{100, 0, 0}}))
	require.NoError(t, p.SaveFrame(6, 300*time.Millisecond, nil))
	frame6, ok := p.Frame(6)
	require.True(t, ok)
	assert.Equal(t, mgl32.Vec3{100, 0, 0}, frame6.States[hero].Position)

	require.NoError(t, p.Resimulate(5, 6))
	frame6, _ = p.Frame(6)
	assert.Equal(t, mgl32.Vec3{5, 0, 0}, frame6.States[hero].Position)

	p.ConfirmFrame(4)
	assert.Equal(t, []uint32{4, 5, 6}, p.Frames())
	assert.ErrorIs(t, p.RollbackTo(3), prediction.ErrUnknownFrame)
}

func TestRollbackRestoresCheckpoint(t *testing.T) {
	p := newPredictor(t, &walker{}, nil)
	require.NoError(t, p.Track(hero, prediction.StateSnapshot{}))
	playFrames(t, p, 1, 3)

	require.NoError(t, p.RollbackTo(2))
	current, _ := p.CurrentState(hero)
	assert.Equal(t, mgl32.Vec3{1, 0, 0}, current.Position)
	assert.Equal(t, uint64(1), p.Stats().Rollbacks)

	assert.ErrorIs(t, p.SaveFrame(3, 0, nil), prediction.ErrFrameOutOfOrder)
	assert.ErrorIs(t, p.Resimulate(3, 2), prediction.ErrInvalidFrameRange)
	assert.ErrorIs(t, p.Resimulate(42, 50), prediction.ErrUnknownFrame)
}

func TestRollbackBufferIsBounded(t *testing.T) {
	p := newPredictor(t, &walker{}, nil)
	require.NoError(t, p.Track(hero, prediction.StateSnapshot{}))
	playFrames(t, p, 1, 15)

	frames := p.Frames()
	assert.Len(t, frames, 10)
	assert.Equal(t, uint32(6), frames[0])
}

func TestChecksumMismatchPublishesDesync(t *testing.T) {
	events := bus.New()
	var desyncs []prediction.Desync
	_, err := events.Subscribe(prediction.EventDesync, func(ev bus.Event) error {
		desyncs = append(desyncs, ev.Data().(prediction.Desync))
		return nil
	})
	require.NoError(t, err)

	p := newPredictor(t, &walker{}, nil, prediction.WithPublisher(events))
	require.NoError(t, p.Track(hero, prediction.StateSnapshot{}))
	playFrames(t, p, 1, 2)

	local, _ := p.FrameChecksum(2)
	match, err := p.VerifyFrame(2, local+1)
	require.NoError(t, err)
	assert.False(t, match)
	require.Len(t, desyncs, 1)
	assert.Equal(t, prediction.Desync{Frame: 2, Expected: local, Actual: local + 1}, desyncs[0])
	assert.Equal(t, uint64(1), p.Stats().Desyncs)

	_, err = p.VerifyFrame(99, 0)
	assert.ErrorIs(t, err, prediction.ErrUnknownFrame)
}
