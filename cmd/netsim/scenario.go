package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/remeh/sizedwaitgroup"

	"github.com/zeusync/netcore/internal/core/config"
	"github.com/zeusync/netcore/internal/core/entity"
	"github.com/zeusync/netcore/internal/core/events/bus"
	"github.com/zeusync/netcore/internal/core/observability/log"
	"github.com/zeusync/netcore/internal/core/replication"
	"github.com/zeusync/netcore/internal/core/session"
	"github.com/zeusync/netcore/internal/core/transport"
	"github.com/zeusync/netcore/internal/injector"
	"github.com/zeusync/netcore/internal/replicators"
)

// arena is the square the squads move in; the fog grids cover it with one
// cell per unit.
const arena = 100

type options struct {
	Link      string
	Clients   int
	Units     int
	Duration  time.Duration
	Step      time.Duration
	Orders    time.Duration
	Fog       bool
	Parallel  int
	Seed      int64
	Formation replicators.Formation
}

type flusher interface {
	Flush() error
}

type node struct {
	session *session.Session
	link    transport.Link
	units   *replicators.UnitReplicator
	world   *replicators.WorldReplicator
	cleanup func()
}

func (n *node) step(dt time.Duration) {
	n.session.Update(dt)
	n.units.Update(dt)
	n.world.Update(dt)
	if f, ok := n.link.(flusher); ok {
		if err := f.Flush(); err != nil {
			n.session.Logger().Debug("Link flush failed", log.Error(err))
		}
	}
}

type simulation struct {
	opts    options
	logger  log.Log
	backend *backend
	rng     *rand.Rand

	host    *node
	clients []*node
	squads  map[uint64][]entity.NetworkID
	sub     bus.Subscription

	capMu    sync.Mutex
	captures []replicators.TerritoryCapture
}

func newSimulation(ctx context.Context, cfg config.Config, opts options, logger log.Log) (*simulation, error) {
	b, err := newBackend(opts.Link, cfg, logger)
	if err != nil {
		return nil, err
	}
	sim := &simulation{
		opts:    opts,
		logger:  logger,
		backend: b,
		rng:     rand.New(rand.NewSource(opts.Seed)),
		squads:  make(map[uint64][]entity.NetworkID),
	}
	if err = sim.setup(ctx, cfg); err != nil {
		sim.Close()
		return nil, err
	}
	return sim, nil
}

func (s *simulation) setup(ctx context.Context, cfg config.Config) error {
	hostCfg := cfg
	hostCfg.SetPlayerID(0)
	host, err := s.newNode(hostCfg, s.backend.host)
	if err != nil {
		return fmt.Errorf("netsim: host: %w", err)
	}
	s.host = host

	if s.sub, err = host.session.Bus().Subscribe(replicators.EventTerritoryCaptured, s.onCapture); err != nil {
		return err
	}

	centre := []mgl32.Vec2{{40, 40}, {60, 40}, {60, 60}, {40, 60}}
	if _, err = host.world.AddTerritory(centre, replicators.NoTeam); err != nil {
		return err
	}

	for i := range s.opts.Clients {
		player := uint64(i + 1)
		link, peer, err := s.backend.dial(ctx, i)
		if err != nil {
			return fmt.Errorf("netsim: client %d: %w", player, err)
		}
		clientCfg := cfg
		clientCfg.SetPlayerID(player)
		clientCfg.Transport.Faults.Seed += int64(player)
		client, err := s.newNode(clientCfg, link)
		if err != nil {
			_ = link.Close()
			return fmt.Errorf("netsim: client %d: %w", player, err)
		}
		s.clients = append(s.clients, client)
		if err = client.session.Connect(peer); err != nil {
			return err
		}

		if s.opts.Fog {
			if err = host.world.InitFog(player, arena, arena, 1); err != nil {
				return err
			}
		}
		if err = s.spawnSquad(player); err != nil {
			return err
		}
	}
	return nil
}

func (s *simulation) newNode(cfg config.Config, link transport.Link) (*node, error) {
	sess, cleanup, err := injector.InitializeSession(cfg, link, nil, nil)
	if err != nil {
		return nil, err
	}
	n := &node{session: sess, link: link, cleanup: cleanup}
	m := sess.Replication()

	n.world, err = replicators.NewWorldReplicator(m, replicators.DefaultWorldConfig(),
		replicators.WithWorldLogger(sess.Logger()),
		replicators.WithWorldPublisher(sess.Bus()),
	)
	if err != nil {
		cleanup()
		return nil, err
	}
	var visible entity.ConditionFunc
	if s.opts.Fog {
		visible = n.world.FogCondition()
	}
	n.units, err = replicators.NewUnitReplicator(m, replicators.DefaultUnitConfig(), visible,
		replicators.WithUnitLogger(sess.Logger()))
	if err != nil {
		cleanup()
		return nil, err
	}
	n.world.AttachUnits(n.units)
	m.SetSpawnResolver(replicators.Resolvers(n.units.Resolve, n.world.Resolve))
	return n, nil
}

// spawnSquad places a squad owned by player in its own corner of the arena.
func (s *simulation) spawnSquad(player uint64) error {
	corners := []mgl32.Vec3{{10, 0, 10}, {90, 0, 90}, {90, 0, 10}, {10, 0, 90}}
	base := corners[int(player-1)%len(corners)]

	ids := make([]entity.NetworkID, 0, s.opts.Units)
	for range s.opts.Units {
		u, err := s.host.units.Spawn(int32(player), base, replication.WithOwner(player))
		if err != nil {
			return err
		}
		ids = append(ids, u.NetworkID())
	}
	s.squads[player] = ids
	return s.host.units.Form(ids, s.opts.Formation, base, 0)
}

// order sends every squad to a random point, half the time the centre
// territory.
func (s *simulation) order() {
	for player := uint64(1); player <= uint64(len(s.clients)); player++ {
		dest := mgl32.Vec3{50, 0, 50}
		if s.rng.Intn(2) == 0 {
			dest = mgl32.Vec3{
				5 + s.rng.Float32()*(arena-10),
				0,
				5 + s.rng.Float32()*(arena-10),
			}
		}
		f := replicators.Formation((int(s.opts.Formation) + s.rng.Intn(3)) % 3)
		if err := s.host.units.FormMoving(s.squads[player], f, dest); err != nil {
			s.logger.Warn("Order rejected", log.Uint64("player", player), log.Error(err))
			continue
		}
		s.logger.Debug("Squad ordered",
			log.Uint64("player", player),
			log.Stringer("formation", f),
			log.Float32("x", dest.X()),
			log.Float32("z", dest.Z()),
		)
	}
}

func (s *simulation) onCapture(ev bus.Event) error {
	c, ok := ev.Data().(replicators.TerritoryCapture)
	if !ok {
		return nil
	}
	s.capMu.Lock()
	s.captures = append(s.captures, c)
	s.capMu.Unlock()
	return nil
}

// Run steps every node until the duration has been simulated or ctx ends.
// Socket backends are paced by a wall-clock ticker.
func (s *simulation) Run(ctx context.Context) time.Duration {
	var ticker *time.Ticker
	if s.backend.realtime {
		ticker = time.NewTicker(s.opts.Step)
		defer ticker.Stop()
	}

	swg := sizedwaitgroup.New(max(1, s.opts.Parallel))
	var simulated, sinceOrder time.Duration
	for simulated < s.opts.Duration {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return simulated
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return simulated
		}

		if sinceOrder >= s.opts.Orders {
			s.order()
			sinceOrder = 0
		}
		s.host.step(s.opts.Step)
		for _, c := range s.clients {
			swg.Add()
			go func(c *node) {
				defer swg.Done()
				c.step(s.opts.Step)
			}(c)
		}
		swg.Wait()

		simulated += s.opts.Step
		sinceOrder += s.opts.Step
	}
	return simulated
}

// Drift is the mean distance between the host's unit positions and what a
// client displays for them.
func (s *simulation) Drift(c *node) (float32, int) {
	var total float32
	var n int
	for _, info := range s.host.units.Units() {
		u, ok := c.units.Unit(info.NetworkID)
		if !ok {
			continue
		}
		total += info.Position.Sub(u.DisplayPosition()).Len()
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return total / float32(n), n
}

func (s *simulation) Captures() []replicators.TerritoryCapture {
	s.capMu.Lock()
	defer s.capMu.Unlock()
	return append([]replicators.TerritoryCapture(nil), s.captures...)
}

func (s *simulation) Close() {
	if s.sub != nil {
		_ = s.sub.Cancel()
	}
	for _, c := range s.clients {
		c.cleanup()
	}
	if s.host != nil {
		s.host.cleanup()
	}
	s.backend.stop()
}
