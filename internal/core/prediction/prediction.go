// Package prediction hides latency: it predicts locally controlled entities
// from input, reconciles them against authoritative state, interpolates
// remote entities and keeps a short rollback buffer.
package prediction

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/zeusync/netcore/internal/core/entity"
	"github.com/zeusync/netcore/internal/core/events/bus"
	"github.com/zeusync/netcore/internal/core/observability/log"
	"github.com/zeusync/netcore/pkg/sequence"
)

// Event types published on the session bus.
const (
	EventDivergence = "prediction.divergence"
	EventDesync     = "prediction.desync"
)

// Divergence reports a correction applied during reconciliation.
type Divergence struct {
	NetworkID entity.NetworkID
	Sequence  uint32
	// Error is the position error; +Inf when no client state was recorded.
	Error    float32
	Replayed int
}

type Config struct {
	// FixedStep is the dt handed to the simulate function.
	FixedStep               time.Duration `yaml:"fixed_step" json:"fixed_step"`
	ReconciliationThreshold float32       `yaml:"reconciliation_threshold" json:"reconciliation_threshold"`
	// SmoothingFactor blends corrections; 1 snaps to the server state.
	SmoothingFactor    float32       `yaml:"smoothing_factor" json:"smoothing_factor"`
	InterpolationDelay time.Duration `yaml:"interpolation_delay" json:"interpolation_delay"`
	ExtrapolationLimit time.Duration `yaml:"extrapolation_limit" json:"extrapolation_limit"`
	MaxHistory         int           `yaml:"max_history" json:"max_history"`
	MaxSnapshots       int           `yaml:"max_snapshots" json:"max_snapshots"`
	MaxRollbackFrames  int           `yaml:"max_rollback_frames" json:"max_rollback_frames"`
}

func DefaultConfig() Config {
	return Config{
		FixedStep:               50 * time.Millisecond,
		ReconciliationThreshold: 0.1,
		SmoothingFactor:         1,
		InterpolationDelay:      100 * time.Millisecond,
		ExtrapolationLimit:      250 * time.Millisecond,
		MaxHistory:              128,
		MaxSnapshots:            32,
		MaxRollbackFrames:       10,
	}
}

func (c Config) Validate() error {
	switch {
	case c.FixedStep <= 0:
		return fmt.Errorf("prediction: fixed step must be positive")
	case c.ReconciliationThreshold < 0:
		return fmt.Errorf("prediction: negative reconciliation threshold")
	case c.SmoothingFactor <= 0 || c.SmoothingFactor > 1:
		return fmt.Errorf("prediction: smoothing factor %v outside (0, 1]", c.SmoothingFactor)
	case c.InterpolationDelay < 0 || c.ExtrapolationLimit < 0:
		return fmt.Errorf("prediction: negative interpolation delay or extrapolation limit")
	case c.MaxHistory < 1 || c.MaxSnapshots < 2 || c.MaxRollbackFrames < 1:
		return fmt.Errorf("prediction: history sizes too small")
	}
	return nil
}

type Option func(*Predictor)

func WithLogger(l log.Log) Option {
	return func(p *Predictor) { p.logger = l }
}

func WithPublisher(pub bus.Publisher) Option {
	return func(p *Predictor) { p.publisher = pub }
}

type Stats struct {
	Predictions     uint64
	Reconciliations uint64
	Corrections     uint64
	ReplayedInputs  uint64
	MaxError        float32
	Rollbacks       uint64
	Desyncs         uint64
}

// Correction is the outcome of one reconciliation.
type Correction struct {
	Sequence  uint32
	Error     float32
	Corrected bool
	Replayed  int
	State     StateSnapshot
}

type track struct {
	inputs    *sequence.Ring[InputCommand]
	states    *sequence.Ring[StateSnapshot]
	current   StateSnapshot
	server    StateSnapshot
	hasServer bool
	pending   bool
	remote    *sequence.Ring[StateSnapshot]
}

// Predictor owns the prediction state of every tracked entity. It is safe for
// concurrent use; the simulate function is never called with its lock held.
type Predictor struct {
	mu        sync.Mutex
	cfg       Config
	simulate  SimulateFunc
	logger    log.Log
	publisher bus.Publisher

	tracks map[entity.NetworkID]*track
	frames *sequence.Ring[RollbackFrame]
	stats  Stats
}

// New creates a Predictor. simulate may be nil for a side that only
// interpolates.
func New(cfg Config, simulate SimulateFunc, opts ...Option) (*Predictor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Predictor{
		cfg:       cfg,
		simulate:  simulate,
		logger:    log.NewNop(),
		publisher: bus.Nop,
		tracks:    make(map[entity.NetworkID]*track),
		frames:    sequence.NewRing[RollbackFrame](cfg.MaxRollbackFrames),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(log.String("component", "prediction"))
	return p, nil
}

// Track starts prediction for id from an initial state.
func (p *Predictor) Track(id entity.NetworkID, initial StateSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.tracks[id]; ok {
		return fmt.Errorf("%w: %d", ErrAlreadyTracked, id)
	}
	t := &track{
		inputs:  sequence.NewRing[InputCommand](p.cfg.MaxHistory),
		states:  sequence.NewRing[StateSnapshot](p.cfg.MaxHistory),
		remote:  sequence.NewRing[StateSnapshot](p.cfg.MaxSnapshots),
		current: initial,
	}
	t.states.Push(initial)
	p.tracks[id] = t
	return nil
}

func (p *Predictor) Untrack(id entity.NetworkID) {
	p.mu.Lock()
	delete(p.tracks, id)
	p.mu.Unlock()
}

func (p *Predictor) IsTracked(id entity.NetworkID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tracks[id]
	return ok
}

func (p *Predictor) trackLocked(id entity.NetworkID) (*track, error) {
	t, ok := p.tracks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotTracked, id)
	}
	return t, nil
}

// RecordInput appends an input. Sequences must increase.
func (p *Predictor) RecordInput(id entity.NetworkID, input InputCommand) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, err := p.trackLocked(id)
	if err != nil {
		return err
	}
	if last, ok := t.inputs.Back(); ok && input.Sequence <= last.Sequence {
		return fmt.Errorf("%w: %d after %d", ErrStaleInput, input.Sequence, last.Sequence)
	}
	t.inputs.Push(input)
	return nil
}

// PredictMovement applies the newest input to the current state and records
// the result under the input's sequence.
func (p *Predictor) PredictMovement(id entity.NetworkID) (StateSnapshot, error) {
	if p.simulate == nil {
		return StateSnapshot{}, ErrNoSimulation
	}
	p.mu.Lock()
	t, err := p.trackLocked(id)
	if err != nil {
		p.mu.Unlock()
		return StateSnapshot{}, err
	}
	input, ok := t.inputs.Back()
	if !ok || input.Sequence <= t.current.Sequence {
		p.mu.Unlock()
		return StateSnapshot{}, ErrNoPendingInput
	}
	base, step := t.current, p.cfg.FixedStep
	p.mu.Unlock()

	next := p.step(id, input, base, step)

	p.mu.Lock()
	defer p.mu.Unlock()
	if t, err = p.trackLocked(id); err != nil {
		return StateSnapshot{}, err
	}
	p.recordLocked(t, next)
	p.stats.Predictions++
	return next, nil
}

func (p *Predictor) step(id entity.NetworkID, input InputCommand, state StateSnapshot, dt time.Duration) StateSnapshot {
	next := p.simulate(id, input, state, dt)
	next.Sequence = input.Sequence
	if next.Timestamp == 0 {
		next.Timestamp = input.Timestamp
	}
	return next
}

// RecordState stores a client state and makes it current.
func (p *Predictor) RecordState(id entity.NetworkID, state StateSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, err := p.trackLocked(id)
	if err != nil {
		return err
	}
	p.recordLocked(t, state)
	return nil
}

// recordLocked keeps one state per sequence, replacing an earlier recording.
func (p *Predictor) recordLocked(t *track, state StateSnapshot) {
	t.current = state
	for i := t.states.Len() - 1; i >= 0; i-- {
		if t.states.At(i).Sequence == state.Sequence {
			t.states.Set(i, state)
			return
		}
	}
	t.states.Push(state)
}

func (p *Predictor) CurrentState(id entity.NetworkID) (StateSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tracks[id]
	if !ok {
		return StateSnapshot{}, false
	}
	return t.current, true
}

// PendingInputs returns the inputs not yet acknowledged by the server.
func (p *Predictor) PendingInputs(id entity.NetworkID) []InputCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tracks[id]
	if !ok {
		return nil
	}
	return t.inputs.Slice()
}

// ReceiveServerState stores authoritative state for the next Reconcile. A
// state older than the one already pending is ignored.
func (p *Predictor) ReceiveServerState(id entity.NetworkID, server StateSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, err := p.trackLocked(id)
	if err != nil {
		return err
	}
	if t.hasServer && server.Sequence < t.server.Sequence {
		return nil
	}
	t.server, t.hasServer, t.pending = server, true, true
	return nil
}

func (p *Predictor) NeedsReconciliation(id entity.NetworkID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tracks[id]
	return ok && t.pending
}

// Reconcile compares the pending server state at sequence S with the client
// state recorded for S. Past the threshold the client is corrected and every
// input after S is replayed. Acknowledged history is trimmed either way.
func (p *Predictor) Reconcile(id entity.NetworkID) (Correction, error) {
	p.mu.Lock()
	t, err := p.trackLocked(id)
	if err != nil {
		p.mu.Unlock()
		return Correction{}, err
	}
	if !t.pending {
		p.mu.Unlock()
		return Correction{}, nil
	}
	server := t.server
	t.pending = false
	p.stats.Reconciliations++

	client, found := stateAt(t.states, server.Sequence)
	errDist := float32(math.Inf(1))
	if found {
		errDist = client.Position.Sub(server.Position).Len()
	}
	result := Correction{Sequence: server.Sequence, Error: errDist, State: t.current}
	if found && errDist <= p.cfg.ReconciliationThreshold {
		trimAcknowledged(t, server.Sequence)
		p.mu.Unlock()
		return result, nil
	}
	if found && errDist > p.stats.MaxError {
		p.stats.MaxError = errDist
	}
	p.mu.Unlock()

	if err := p.ApplyCorrection(id, server); err != nil {
		return result, err
	}
	replayed, err := p.ReplayInputs(id, server.Sequence)
	if err != nil && !errors.Is(err, ErrNoSimulation) {
		return result, err
	}

	p.mu.Lock()
	if t, ok := p.tracks[id]; ok {
		trimAcknowledged(t, server.Sequence)
		result.State = t.current
	}
	p.stats.Corrections++
	p.mu.Unlock()

	result.Corrected = true
	result.Replayed = replayed
	p.logger.Debug("Prediction corrected",
		log.Uint64("network_id", uint64(id)),
		log.Uint32("sequence", server.Sequence),
		log.Float32("error", errDist),
		log.Int("replayed", replayed),
	)
	p.publish(bus.NewEvent(EventDivergence, "prediction",
		Divergence{NetworkID: id, Sequence: server.Sequence, Error: errDist, Replayed: replayed}, 0, nil))
	return result, nil
}

// ReconcileAll reconciles every entity with a pending server state.
func (p *Predictor) ReconcileAll() []Correction {
	p.mu.Lock()
	var ids []entity.NetworkID
	for id, t := range p.tracks {
		if t.pending {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()

	slices.Sort(ids)
	var out []Correction
	for _, id := range ids {
		c, err := p.Reconcile(id)
		if err != nil {
			p.logger.Warn("Reconciliation failed", log.Uint64("network_id", uint64(id)), log.Error(err))
			continue
		}
		out = append(out, c)
	}
	return out
}

// ApplyCorrection blends the client state recorded at the server's sequence,
// or the current state when none was recorded, toward the server state and
// makes the result current.
func (p *Predictor) ApplyCorrection(id entity.NetworkID, server StateSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, err := p.trackLocked(id)
	if err != nil {
		return err
	}
	base, found := stateAt(t.states, server.Sequence)
	if !found {
		base = t.current
	}
	corrected := blend(base, server, p.cfg.SmoothingFactor)
	corrected.Sequence = server.Sequence
	p.recordLocked(t, corrected)
	return nil
}

// ReplayInputs re-simulates every recorded input after seq on top of the
// current state and returns how many were applied.
func (p *Predictor) ReplayInputs(id entity.NetworkID, after uint32) (int, error) {
	if p.simulate == nil {
		return 0, ErrNoSimulation
	}
	p.mu.Lock()
	t, err := p.trackLocked(id)
	if err != nil {
		p.mu.Unlock()
		return 0, err
	}
	var replay []InputCommand
	for _, in := range t.inputs.Slice() {
		if in.Sequence > after {
			replay = append(replay, in)
		}
	}
	state, step := t.current, p.cfg.FixedStep
	p.mu.Unlock()

	results := make([]StateSnapshot, 0, len(replay))
	for _, in := range replay {
		state = p.step(id, in, state, step)
		results = append(results, state)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if t, err = p.trackLocked(id); err != nil {
		return 0, err
	}
	for _, s := range results {
		p.recordLocked(t, s)
	}
	p.stats.ReplayedInputs += uint64(len(results))
	return len(results), nil
}

func stateAt(states *sequence.Ring[StateSnapshot], seq uint32) (StateSnapshot, bool) {
	for i := states.Len() - 1; i >= 0; i-- {
		if s := states.At(i); s.Sequence == seq {
			return s, true
		}
	}
	return StateSnapshot{}, false
}

func trimAcknowledged(t *track, seq uint32) {
	t.inputs.DropWhile(func(in InputCommand) bool { return in.Sequence <= seq })
	t.states.DropWhile(func(s StateSnapshot) bool { return s.Sequence < seq })
}

func (p *Predictor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Predictor) publish(ev bus.Event) {
	if err := p.publisher.Publish(ev); err != nil {
		p.logger.Warn("Event handler failed", log.String("event", ev.Type()), log.Error(err))
	}
}
