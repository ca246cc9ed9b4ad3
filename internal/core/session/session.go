// Package session wires one participant of a replicated game together: the
// transport endpoint, the replication manager and the predictor, sharing a
// logger, an event bus and a session clock.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zeusync/netcore/internal/core/config"
	"github.com/zeusync/netcore/internal/core/entity"
	"github.com/zeusync/netcore/internal/core/events/bus"
	"github.com/zeusync/netcore/internal/core/observability/log"
	"github.com/zeusync/netcore/internal/core/prediction"
	"github.com/zeusync/netcore/internal/core/replication"
	"github.com/zeusync/netcore/internal/core/transport"
)

var ErrClosed = errors.New("session: closed")

type Option func(*Session)

func WithLogger(l log.Log) Option {
	return func(s *Session) { s.logger = l }
}

// WithBus shares an existing bus instead of creating one.
func WithBus(b bus.EventBus) Option {
	return func(s *Session) { s.bus = b }
}

// WithSimulation sets the movement step used for client-side prediction.
func WithSimulation(fn prediction.SimulateFunc) Option {
	return func(s *Session) { s.simulate = fn }
}

func WithSpawnResolver(r replication.SpawnResolver) Option {
	return func(s *Session) { s.resolver = r }
}

// WithStartTime anchors the session clock. Update advances it by dt, so two
// sessions with the same start time stay in lockstep.
func WithStartTime(t time.Time) Option {
	return func(s *Session) { s.start = t }
}

// flusher is implemented by links that buffer outgoing datagrams.
type flusher interface {
	Flush() error
}

type Session struct {
	cfg      config.Config
	link     transport.Link
	logger   log.Log
	bus      bus.EventBus
	simulate prediction.SimulateFunc
	resolver replication.SpawnResolver

	transport   *transport.Endpoint
	replication *replication.Manager
	prediction  *prediction.Predictor

	start   time.Time
	elapsed atomic.Int64
	subs    []bus.Subscription

	stepMu sync.Mutex
	closed bool

	feedMu  sync.Mutex
	touched map[entity.NetworkID]struct{}
	feedSeq map[entity.NetworkID]uint32
}

// New builds a session over link. The configuration is validated first.
func New(cfg config.Config, link transport.Link, opts ...Option) (*Session, error) {
	if link == nil {
		return nil, errors.New("session: nil link")
	}
	cfg.SetPlayerID(cfg.PlayerID)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		cfg:     cfg,
		link:    link,
		start:   time.Now(),
		touched: make(map[entity.NetworkID]struct{}),
		feedSeq: make(map[entity.NetworkID]uint32),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.NewWithOutput(cfg.LogLevel(), cfg.Log.Outputs...)
	}
	if s.bus == nil {
		s.bus = bus.New()
	}
	s.logger = s.logger.With(log.Uint64("player", cfg.PlayerID))

	var err error
	s.transport, err = transport.NewEndpoint(link, cfg.Transport,
		transport.WithLogger(s.logger),
		transport.WithPublisher(s.bus),
		transport.WithStartTime(s.start),
	)
	if err != nil {
		return nil, fmt.Errorf("session: transport: %w", err)
	}

	replOpts := []replication.Option{
		replication.WithLogger(s.logger),
		replication.WithPublisher(s.bus),
		replication.WithClock(s.Now),
	}
	if s.resolver != nil {
		replOpts = append(replOpts, replication.WithSpawnResolver(s.resolver))
	}
	s.replication, err = replication.New(s.transport, cfg.Replication, replOpts...)
	if err != nil {
		return nil, fmt.Errorf("session: replication: %w", err)
	}

	s.prediction, err = prediction.New(cfg.Prediction, s.simulate,
		prediction.WithLogger(s.logger),
		prediction.WithPublisher(s.bus),
	)
	if err != nil {
		return nil, fmt.Errorf("session: prediction: %w", err)
	}

	if err := s.subscribe(); err != nil {
		s.unsubscribe()
		return nil, err
	}
	s.logger.Info("Session created",
		log.Float64("tick_rate", cfg.Replication.TickRate),
		log.Int("channels", len(cfg.Transport.Channels)),
	)
	return s, nil
}

func (s *Session) subscribe() error {
	handlers := []struct {
		event string
		fn    bus.EventHandler
	}{
		{transport.EventPeerState, s.onPeerState},
		{replication.EventEntitySpawned, s.onSpawned},
		{replication.EventEntityDespawned, s.onDespawned},
		{replication.EventPropertyUpdated, s.onPropertyUpdated},
	}
	for _, h := range handlers {
		sub, err := s.bus.Subscribe(h.event, h.fn)
		if err != nil {
			return fmt.Errorf("session: subscribe %s: %w", h.event, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Session) unsubscribe() {
	for _, sub := range s.subs {
		_ = s.bus.Unsubscribe(sub)
	}
	s.subs = nil
}

func (s *Session) PlayerID() uint64 { return s.cfg.PlayerID }
func (s *Session) Config() config.Config { return s.cfg }
func (s *Session) Logger() log.Log { return s.logger }
func (s *Session) Bus() bus.EventBus { return s.bus }
func (s *Session) Transport() *transport.Endpoint { return s.transport }
func (s *Session) Replication() *replication.Manager { return s.replication }
func (s *Session) Prediction() *prediction.Predictor { return s.prediction }

// Elapsed is the session time: the sum of every dt passed to Update.
func (s *Session) Elapsed() time.Duration {
	return time.Duration(s.elapsed.Load())
}

// Now is the start time advanced by Elapsed.
func (s *Session) Now() time.Time {
	return s.start.Add(s.Elapsed())
}

// Connect starts a handshake with a remote address.
func (s *Session) Connect(peer transport.PeerID) error {
	return s.transport.Connect(peer)
}

// Update advances the session by dt: the transport is serviced, every
// delivered payload is handed to the replication manager, remote state is fed
// to interpolation and finally the manager runs its network ticks.
func (s *Session) Update(dt time.Duration) {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()
	if s.closed {
		return
	}
	if dt > 0 {
		s.elapsed.Add(int64(dt))
	}

	s.transport.Update(s.Now())
	for {
		pkt, ok := s.transport.Receive()
		if !ok {
			break
		}
		if err := s.replication.HandlePayload(pkt.From, pkt.Payload); err != nil {
			s.logger.Debug("Payload rejected",
				log.String("peer", string(pkt.From)),
				log.String("channel", pkt.Channel),
				log.Error(err),
			)
		}
	}
	s.feedInterpolation()
	s.replication.Update(dt)
}

// Run drives Update from a ticker at the prediction fixed step until ctx is
// done. Links that buffer outgoing traffic are flushed in between.
func (s *Session) Run(ctx context.Context) error {
	step := s.cfg.Prediction.FixedStep
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(step)
		defer ticker.Stop()
		last := time.Now()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case now := <-ticker.C:
				s.Update(now.Sub(last))
				last = now
			}
		}
	})

	if f, ok := s.link.(flusher); ok {
		g.Go(func() error {
			ticker := time.NewTicker(step / 2)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					if err := f.Flush(); err != nil {
						s.logger.Debug("Link flush failed", log.Error(err))
					}
				}
			}
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Close unregisters every entity, says goodbye to connected peers and closes
// the link.
func (s *Session) Close() error {
	s.stepMu.Lock()
	if s.closed {
		s.stepMu.Unlock()
		return ErrClosed
	}
	s.closed = true
	s.stepMu.Unlock()

	s.replication.UnregisterAll()
	err := s.transport.Close()
	s.unsubscribe()
	s.logger.Info("Session closed", log.Duration("elapsed", s.Elapsed()))
	return err
}

func (s *Session) onPeerState(ev bus.Event) error {
	change, ok := ev.Data().(transport.PeerStateChange)
	if !ok {
		return nil
	}
	switch {
	case change.To == transport.StateConnected:
		s.replication.PeerConnected(change.Peer)
	case change.From == transport.StateConnected:
		s.replication.PeerDisconnected(change.Peer)
	}
	return nil
}

func (s *Session) onSpawned(ev bus.Event) error {
	spawned, ok := ev.Data().(replication.EntityEvent)
	if !ok || !spawned.Remote {
		return nil
	}
	reg, ok := s.replication.Registration(spawned.NetworkID)
	if !ok || reg.Mode != entity.ModeInterpolated {
		return nil
	}
	e, ok := baseOf(reg.Entity)
	if !ok {
		return nil
	}
	if err := s.prediction.Track(spawned.NetworkID, prediction.StateFromEntity(e, 0, s.Elapsed())); err != nil {
		return err
	}
	s.feedMu.Lock()
	s.feedSeq[spawned.NetworkID] = 0
	s.feedMu.Unlock()
	return nil
}

func (s *Session) onDespawned(ev bus.Event) error {
	despawned, ok := ev.Data().(replication.EntityEvent)
	if !ok {
		return nil
	}
	s.prediction.Untrack(despawned.NetworkID)
	s.feedMu.Lock()
	delete(s.feedSeq, despawned.NetworkID)
	delete(s.touched, despawned.NetworkID)
	s.feedMu.Unlock()
	return nil
}

func (s *Session) onPropertyUpdated(ev bus.Event) error {
	update, ok := ev.Data().(replication.PropertyUpdate)
	if !ok {
		return nil
	}
	s.feedMu.Lock()
	if _, tracked := s.feedSeq[update.NetworkID]; tracked {
		s.touched[update.NetworkID] = struct{}{}
	}
	s.feedMu.Unlock()
	return nil
}

// feedInterpolation records one snapshot per interpolated entity that
// received updates since the last call.
func (s *Session) feedInterpolation() {
	s.feedMu.Lock()
	if len(s.touched) == 0 {
		s.feedMu.Unlock()
		return
	}
	ids := make([]entity.NetworkID, 0, len(s.touched))
	seqs := make([]uint32, 0, len(s.touched))
	for id := range s.touched {
		s.feedSeq[id]++
		ids = append(ids, id)
		seqs = append(seqs, s.feedSeq[id])
	}
	clear(s.touched)
	s.feedMu.Unlock()

	now := s.Elapsed()
	for i, id := range ids {
		n, ok := s.replication.Entity(id)
		if !ok {
			continue
		}
		ent, ok := baseOf(n)
		if !ok {
			continue
		}
		if _, err := s.prediction.AddSnapshot(id, prediction.StateFromEntity(ent, seqs[i], now)); err != nil {
			s.logger.Debug("Interpolation snapshot dropped", log.Uint64("entity", uint64(id)), log.Error(err))
		}
	}
}

// Render returns the state to draw for a remote interpolated entity at the
// current session time.
func (s *Session) Render(id entity.NetworkID) (prediction.StateSnapshot, bool) {
	return s.prediction.Sample(id, s.Elapsed())
}

// baseOf reaches the *entity.Entity behind n, including entities embedded in
// game types.
func baseOf(n entity.Networked) (*entity.Entity, bool) {
	b, ok := n.(interface{ Base() *entity.Entity })
	if !ok {
		return nil, false
	}
	return b.Base(), true
}
