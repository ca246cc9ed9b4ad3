package prediction_test

import (
	"math"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/netcore/internal/core/entity"
	"github.com/zeusync/netcore/internal/core/events/bus"
	"github.com/zeusync/netcore/internal/core/prediction"
)

const hero entity.NetworkID = 7<<40 | 1

// walker moves by the input's axes once per step.
type walker struct {
	calls int
}

func (w *walker) simulate(_ entity.NetworkID, in prediction.InputCommand, s prediction.StateSnapshot, _ time.Duration) prediction.StateSnapshot {
	w.calls++
	step := mgl32.Vec3{in.Move[0], 0, in.Move[1]}
	s.Position = s.Position.Add(step)
	s.Velocity = step
	return s
}

func newPredictor(t *testing.T, w *walker, tweak func(*prediction.Config), opts ...prediction.Option) *prediction.Predictor {
	t.Helper()
	cfg := prediction.DefaultConfig()
	if tweak != nil {
		tweak(&cfg)
	}
	var sim prediction.SimulateFunc
	if w != nil {
		sim = w.simulate
	}
	p, err := prediction.New(cfg, sim, opts...)
	require.NoError(t, err)
	return p
}

func input(seq uint32, x, z float32) prediction.InputCommand {
	return prediction.InputCommand{Sequence: seq, Move: mgl32.Vec2{x, z}}
}

func predictAll(t *testing.T, p *prediction.Predictor, inputs ...prediction.InputCommand) {
	t.Helper()
	for _, in := range inputs {
		require.NoError(t, p.RecordInput(hero, in))
		_, err := p.PredictMovement(hero)
		require.NoError(t, err)
	}
}

func TestMatchingServerStateNeedsNoCorrection(t *testing.T) {
	w := &walker{}
	p := newPredictor(t, w, nil)
	require.NoError(t, p.Track(hero, prediction.StateSnapshot{}))

	require.NoError(t, p.RecordInput(hero, input(10, 1, 0)))
	predicted, err := p.PredictMovement(hero)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), predicted.Sequence)
	assert.Equal(t, mgl32.Vec3{1, 0, 0}, predicted.Position)

	require.NoError(t, p.ReceiveServerState(hero, prediction.StateSnapshot{Sequence: 10, Position: mgl32.Vec3{1, 0, 0}}))
	assert.True(t, p.NeedsReconciliation(hero))

	c, err := p.Reconcile(hero)
	require.NoError(t, err)
	assert.False(t, c.Corrected)
	assert.Zero(t, c.Replayed)
	assert.Zero(t, c.Error)
	assert.Equal(t, 1, w.calls, "no replay")
	assert.False(t, p.NeedsReconciliation(hero))
	assert.Empty(t, p.PendingInputs(hero), "acknowledged inputs are trimmed")

	current, ok := p.CurrentState(hero)
	require.True(t, ok)
	assert.Equal(t, mgl32.Vec3{1, 0, 0}, current.Position)
}

func TestDivergenceCorrectsAndReplays(t *testing.T) {
	events := bus.New()
	var divergences []prediction.Divergence
	_, err := events.Subscribe(prediction.EventDivergence, func(ev bus.Event) error {
		divergences = append(divergences, ev.Data().(prediction.Divergence))
		return nil
	})
	require.NoError(t, err)

	w := &walker{}
	p := newPredictor(t, w, nil, prediction.WithPublisher(events))
	require.NoError(t, p.Track(hero, prediction.StateSnapshot{}))
	predictAll(t, p, input(1, 1, 0), input(2, 1, 0), input(3, 1, 0))

	require.NoError(t, p.ReceiveServerState(hero, prediction.StateSnapshot{Sequence: 1, Position: mgl32.Vec3{1.5, 0, 0}}))
	c, err := p.Reconcile(hero)
	require.NoError(t, err)

	assert.True(t, c.Corrected)
	assert.Equal(t, 2, c.Replayed)
	assert.InDelta(t, 0.5, c.Error, 1e-6)
	assert.Equal(t, uint32(3), c.State.Sequence)
	assert.Equal(t, mgl32.Vec3{3.5, 0, 0}, c.State.Position)
	assert.Equal(t, 5, w.calls)

	pending := p.PendingInputs(hero)
	require.Len(t, pending, 2)
	assert.Equal(t, uint32(2), pending[0].Sequence)

	require.Len(t, divergences, 1)
	assert.Equal(t, prediction.Divergence{NetworkID: hero, Sequence: 1, Error: c.Error, Replayed: 2}, divergences[0])

	// within the threshold of the replayed state at sequence 2
	require.NoError(t, p.ReceiveServerState(hero, prediction.StateSnapshot{Sequence: 2, Position: mgl32.Vec3{2.55, 0, 0}}))
	c, err = p.Reconcile(hero)
	require.NoError(t, err)
	assert.False(t, c.Corrected)
	assert.Equal(t, 5, w.calls)

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Reconciliations)
	assert.Equal(t, uint64(1), stats.Corrections)
	assert.Equal(t, uint64(2), stats.ReplayedInputs)
}

func TestMissingClientStateIsMaximalError(t *testing.T) {
	p := newPredictor(t, &walker{}, nil)
	require.NoError(t, p.Track(hero, prediction.StateSnapshot{}))

	require.NoError(t, p.ReceiveServerState(hero, prediction.StateSnapshot{Sequence: 99, Position: mgl32.Vec3{0, 0, 0.01}}))
	c, err := p.Reconcile(hero)
	require.NoError(t, err)
	assert.True(t, c.Corrected)
	assert.True(t, math.IsInf(float64(c.Error), 1))
	assert.Equal(t, mgl32.Vec3{0, 0, 0.01}, c.State.Position)
}

func TestSmoothingBlendsTowardServer(t *testing.T) {
	p := newPredictor(t, &walker{}, func(c *prediction.Config) { c.SmoothingFactor = 0.5 })
	require.NoError(t, p.Track(hero, prediction.StateSnapshot{}))
	predictAll(t, p, input(1, 1, 0))

	require.NoError(t, p.ReceiveServerState(hero, prediction.StateSnapshot{Sequence: 1, Position: mgl32.Vec3{3, 0, 0}}))
	c, err := p.Reconcile(hero)
	require.NoError(t, err)
	assert.True(t, c.Corrected)
	assert.Equal(t, mgl32.Vec3{2, 0, 0}, c.State.Position)
}

func TestOlderServerStateIsIgnored(t *testing.T) {
	p := newPredictor(t, &walker{}, nil)
	require.NoError(t, p.Track(hero, prediction.StateSnapshot{}))
	predictAll(t, p, input(1, 1, 0), input(2, 1, 0))

	require.NoError(t, p.ReceiveServerState(hero, prediction.StateSnapshot{Sequence: 2, Position: mgl32.Vec3{2, 0, 0}}))
	require.NoError(t, p.ReceiveServerState(hero, prediction.StateSnapshot{Sequence: 1, Position: mgl32.Vec3{9, 0, 0}}))
	cs := p.ReconcileAll()
	require.Len(t, cs, 1)
	assert.Equal(t, uint32(2), cs[0].Sequence)
	assert.False(t, cs[0].Corrected)
}

func TestInputValidation(t *testing.T) {
	p := newPredictor(t, &walker{}, nil)
	assert.ErrorIs(t, p.RecordInput(hero, input(1, 0, 0)), prediction.ErrNotTracked)

	require.NoError(t, p.Track(hero, prediction.StateSnapshot{}))
	assert.ErrorIs(t, p.Track(hero, prediction.StateSnapshot{}), prediction.ErrAlreadyTracked)

	require.NoError(t, p.RecordInput(hero, input(5, 0, 0)))
	assert.ErrorIs(t, p.RecordInput(hero, input(5, 0, 0)), prediction.ErrStaleInput)

	_, err := p.PredictMovement(hero)
	require.NoError(t, err)
	_, err = p.PredictMovement(hero)
	assert.ErrorIs(t, err, prediction.ErrNoPendingInput)

	interpOnly := newPredictor(t, nil, nil)
	require.NoError(t, interpOnly.Track(hero, prediction.StateSnapshot{}))
	_, err = interpOnly.PredictMovement(hero)
	assert.ErrorIs(t, err, prediction.ErrNoSimulation)

	p.Untrack(hero)
	assert.False(t, p.IsTracked(hero))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, prediction.DefaultConfig().Validate())

	cfg := prediction.DefaultConfig()
	cfg.SmoothingFactor = 0
	assert.Error(t, cfg.Validate())

	cfg = prediction.DefaultConfig()
	cfg.FixedStep = 0
	assert.Error(t, cfg.Validate())
}

func TestEntityStateRoundTrip(t *testing.T) {
	e := entity.New()
	e.SetPosition(mgl32.Vec3{1, 2, 3})
	e.SetHealth(40)

	s := prediction.StateFromEntity(e, 4, time.Second)
	assert.Equal(t, uint32(4), s.Sequence)
	assert.Equal(t, mgl32.Vec3{1, 2, 3}, s.Position)

	s.Position = mgl32.Vec3{7, 0, 0}
	s.Velocity = mgl32.Vec3{0, 1, 0}
	other := entity.New()
	prediction.ApplyState(other, s)
	assert.Equal(t, mgl32.Vec3{7, 0, 0}, other.Position())
	assert.Equal(t, mgl32.Vec3{0, 1, 0}, other.Velocity())
	assert.Equal(t, float32(40), other.Health())
}
