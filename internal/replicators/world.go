package replicators

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/zeusync/netcore/internal/core/entity"
	"github.com/zeusync/netcore/internal/core/events/bus"
	"github.com/zeusync/netcore/internal/core/observability/log"
	"github.com/zeusync/netcore/internal/core/replication"
)

const EventTerritoryCaptured = "territory.captured"

type TerritoryCapture struct {
	NetworkID entity.NetworkID
	Team      int32
	Previous  int32
}

// UnitSource lists the units the world layer reasons about.
type UnitSource interface {
	Units() []UnitInfo
}

type WorldConfig struct {
	// CaptureRate is capture progress per second while one team dominates.
	CaptureRate float32 `yaml:"capture_rate" json:"capture_rate"`
	// VisionRange is how far each of a player's units reveals the fog.
	VisionRange       float32       `yaml:"vision_range" json:"vision_range"`
	FogInterval       time.Duration `yaml:"fog_interval" json:"fog_interval"`
	TerritoryInterval time.Duration `yaml:"territory_interval" json:"territory_interval"`
}

func DefaultWorldConfig() WorldConfig {
	return WorldConfig{
		CaptureRate:       0.1,
		VisionRange:       10,
		FogInterval:       200 * time.Millisecond,
		TerritoryInterval: 100 * time.Millisecond,
	}
}

type WorldOption func(*WorldReplicator)

func WithWorldLogger(l log.Log) WorldOption {
	return func(w *WorldReplicator) { w.logger = l }
}

func WithWorldPublisher(p bus.Publisher) WorldOption {
	return func(w *WorldReplicator) { w.publisher = p }
}

// WorldReplicator owns territories and the per-player fog of war. On the
// authority side it drives capture progress from unit presence and refreshes
// vision from each player's units.
type WorldReplicator struct {
	manager   *replication.Manager
	cfg       WorldConfig
	logger    log.Log
	publisher bus.Publisher

	mu          sync.Mutex
	units       UnitSource
	territories map[entity.NetworkID]*Territory
	fog         map[uint64]*FogGrid
	fogAccum    time.Duration
	terrAccum   time.Duration
}

func NewWorldReplicator(m *replication.Manager, cfg WorldConfig, opts ...WorldOption) (*WorldReplicator, error) {
	if cfg.CaptureRate <= 0 || cfg.VisionRange < 0 {
		return nil, fmt.Errorf("replicators: capture rate must be positive and vision range non-negative")
	}
	if err := m.RegisterProperties(TerritoryType, TerritoryProperties()); err != nil {
		return nil, err
	}
	w := &WorldReplicator{
		manager:     m,
		cfg:         cfg,
		logger:      log.NewNop(),
		publisher:   bus.Nop,
		territories: make(map[entity.NetworkID]*Territory),
		fog:         make(map[uint64]*FogGrid),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(log.String("component", "world"))
	return w, nil
}

// AttachUnits sets where unit positions come from.
func (w *WorldReplicator) AttachUnits(units UnitSource) {
	w.mu.Lock()
	w.units = units
	w.mu.Unlock()
}

// AddTerritory creates and registers a locally owned territory.
func (w *WorldReplicator) AddTerritory(bounds []mgl32.Vec2, owner int32) (*Territory, error) {
	if len(bounds) < 3 {
		return nil, fmt.Errorf("replicators: territory needs at least 3 boundary points, got %d", len(bounds))
	}
	t, err := NewTerritory(bounds, owner)
	if err != nil {
		return nil, err
	}
	id, err := w.manager.Register(t, TerritoryType)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.territories[id] = t
	w.mu.Unlock()
	return t, nil
}

// Resolve builds the local twin of a remote territory.
func (w *WorldReplicator) Resolve(req replication.SpawnRequest) (entity.Networked, error) {
	if req.EntityType != TerritoryType {
		return nil, nil
	}
	t, err := NewTerritory(nil, NoTeam)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.territories[req.NetworkID] = t
	w.mu.Unlock()
	return t, nil
}

func (w *WorldReplicator) RemoveTerritory(id entity.NetworkID) error {
	w.mu.Lock()
	_, ok := w.territories[id]
	delete(w.territories, id)
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("replicators: unknown territory %d", id)
	}
	return w.manager.Unregister(id)
}

func (w *WorldReplicator) Territory(id entity.NetworkID) (*Territory, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.territories[id]
	return t, ok
}

func (w *WorldReplicator) sortedTerritories() ([]entity.NetworkID, map[entity.NetworkID]*Territory) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Sorted(maps.Keys(w.territories)), maps.Clone(w.territories)
}

// TerritoryAt returns the lowest-id territory containing pos.
func (w *WorldReplicator) TerritoryAt(pos mgl32.Vec3) (entity.NetworkID, bool) {
	ids, ts := w.sortedTerritories()
	for _, id := range ids {
		if ts[id].Contains(pos) {
			return id, true
		}
	}
	return 0, false
}

func (w *WorldReplicator) TerritoriesByTeam(team int32) []entity.NetworkID {
	return w.territoriesWhere(func(t *Territory) bool { return t.Owner() == team })
}

func (w *WorldReplicator) ContestedTerritories() []entity.NetworkID {
	return w.territoriesWhere(func(t *Territory) bool { return t.State() == TerritoryContested })
}

func (w *WorldReplicator) territoriesWhere(keep func(*Territory) bool) []entity.NetworkID {
	ids, ts := w.sortedTerritories()
	var out []entity.NetworkID
	for _, id := range ids {
		if keep(ts[id]) {
			out = append(out, id)
		}
	}
	return out
}

// Update advances the fog and territory timers and runs whichever is due.
func (w *WorldReplicator) Update(dt time.Duration) {
	w.mu.Lock()
	w.fogAccum += dt
	w.terrAccum += dt
	fogDue := w.fogAccum >= w.cfg.FogInterval
	if fogDue {
		w.fogAccum = 0
	}
	terrStep := time.Duration(0)
	if w.terrAccum >= w.cfg.TerritoryInterval {
		terrStep, w.terrAccum = w.terrAccum, 0
	}
	units := w.units
	w.mu.Unlock()

	if units == nil {
		return
	}
	infos := units.Units()
	if fogDue {
		w.refreshVision(infos)
	}
	if terrStep > 0 {
		w.updateTerritories(infos, terrStep)
	}
}

// updateTerritories moves capture progress of every locally owned territory.
// The team with strictly the most units inside dominates; a tie freezes
// progress.
func (w *WorldReplicator) updateTerritories(units []UnitInfo, step time.Duration) {
	ids, ts := w.sortedTerritories()
	for _, id := range ids {
		t := ts[id]
		if !t.HasAuthority() {
			continue
		}
		presence := make(map[int32]int)
		for _, u := range units {
			if t.Contains(u.Position) {
				presence[u.Team]++
			}
		}
		w.advanceCapture(id, t, dominantTeam(presence), step)
	}
}

func dominantTeam(presence map[int32]int) int32 {
	best, count, tied := NoTeam, 0, false
	for _, team := range slices.Sorted(maps.Keys(presence)) {
		switch n := presence[team]; {
		case n > count:
			best, count, tied = team, n, false
		case n == count:
			tied = true
		}
	}
	if tied {
		return NoTeam
	}
	return best
}

func (w *WorldReplicator) advanceCapture(id entity.NetworkID, t *Territory, dominant int32, step time.Duration) {
	owner := t.Owner()
	switch {
	case dominant == NoTeam:
		return
	case dominant == owner:
		if t.State() == TerritoryContested {
			_ = t.Set(PropTerritoryState, entity.Int32(int32(TerritoryOwned)))
			_ = t.Set(PropTerritoryCapturer, entity.Int32(NoTeam))
			_ = t.Set(PropTerritoryProgress, entity.Float32(1))
		}
		return
	}

	progress := t.Progress()
	if t.Capturer() != dominant || t.State() != TerritoryContested {
		progress = 0
		_ = t.Set(PropTerritoryCapturer, entity.Int32(dominant))
		_ = t.Set(PropTerritoryState, entity.Int32(int32(TerritoryContested)))
	}
	progress += w.cfg.CaptureRate * float32(step.Seconds())
	if progress < 1 {
		_ = t.Set(PropTerritoryProgress, entity.Float32(progress))
		return
	}

	_ = t.Set(PropTerritoryOwner, entity.Int32(dominant))
	_ = t.Set(PropTerritoryState, entity.Int32(int32(TerritoryOwned)))
	_ = t.Set(PropTerritoryCapturer, entity.Int32(NoTeam))
	_ = t.Set(PropTerritoryProgress, entity.Float32(1))
	w.logger.Info("Territory captured",
		log.Uint64("territory", uint64(id)),
		log.Int("team", int(dominant)),
		log.Int("previous", int(owner)),
	)
	_ = w.publisher.Publish(bus.NewEvent(EventTerritoryCaptured, "world",
		TerritoryCapture{NetworkID: id, Team: dominant, Previous: owner}, 0, nil))
}

// FogState is the knowledge a player has of one grid cell.
type FogState uint8

const (
	FogHidden FogState = iota
	FogExplored
	FogVisible
)

func (s FogState) String() string {
	switch s {
	case FogHidden:
		return "hidden"
	case FogExplored:
		return "explored"
	case FogVisible:
		return "visible"
	default:
		return fmt.Sprintf("fog(%d)", uint8(s))
	}
}

// FogGrid covers the ground plane from the origin, one cell per CellSize
// square along x and z.
type FogGrid struct {
	Width, Height int
	CellSize      float32

	cells   []FogState
	visible map[entity.NetworkID]struct{}
}

func (g *FogGrid) cellOf(pos mgl32.Vec3) (x, y int, ok bool) {
	x = int(math.Floor(float64(pos.X() / g.CellSize)))
	y = int(math.Floor(float64(pos.Z() / g.CellSize)))
	return x, y, x >= 0 && x < g.Width && y >= 0 && y < g.Height
}

func (g *FogGrid) at(pos mgl32.Vec3) (FogState, bool) {
	x, y, ok := g.cellOf(pos)
	if !ok {
		return FogHidden, false
	}
	return g.cells[y*g.Width+x], true
}

// paint applies fn to every cell whose centre distance, in whole cells from
// the centre cell, is within radius.
func (g *FogGrid) paint(center mgl32.Vec3, radius float32, fn func(*FogState)) {
	cx, cy, _ := g.cellOf(center)
	r := int(radius / g.CellSize)
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			x, y := cx+dx, cy+dy
			if x < 0 || x >= g.Width || y < 0 || y >= g.Height {
				continue
			}
			if float32(math.Hypot(float64(dx), float64(dy)))*g.CellSize <= radius {
				fn(&g.cells[y*g.Width+x])
			}
		}
	}
}

// InitFog gives player a fully hidden grid, replacing any previous one.
func (w *WorldReplicator) InitFog(player uint64, width, height int, cellSize float32) error {
	if width <= 0 || height <= 0 || cellSize <= 0 {
		return fmt.Errorf("replicators: invalid fog grid %dx%d cell %v", width, height, cellSize)
	}
	w.mu.Lock()
	w.fog[player] = &FogGrid{
		Width:    width,
		Height:   height,
		CellSize: cellSize,
		cells:    make([]FogState, width*height),
		visible:  make(map[entity.NetworkID]struct{}),
	}
	w.mu.Unlock()
	return nil
}

// UpdateFog decays every visible cell to explored and then reveals the
// cells around each source.
func (w *WorldReplicator) UpdateFog(player uint64, sources []mgl32.Vec3, radius float32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	g, ok := w.fog[player]
	if !ok {
		return
	}
	for i, c := range g.cells {
		if c == FogVisible {
			g.cells[i] = FogExplored
		}
	}
	for _, src := range sources {
		g.paint(src, radius, func(c *FogState) { *c = FogVisible })
	}
}

func (w *WorldReplicator) RevealArea(player uint64, center mgl32.Vec3, radius float32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if g, ok := w.fog[player]; ok {
		g.paint(center, radius, func(c *FogState) { *c = FogVisible })
	}
}

// HideArea turns visible cells back to explored. Explored never reverts to
// hidden.
func (w *WorldReplicator) HideArea(player uint64, center mgl32.Vec3, radius float32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if g, ok := w.fog[player]; ok {
		g.paint(center, radius, func(c *FogState) {
			if *c == FogVisible {
				*c = FogExplored
			}
		})
	}
}

// IsVisible reports whether player currently sees pos. Players without a
// fog grid see everything; positions off the grid are never visible.
func (w *WorldReplicator) IsVisible(player uint64, pos mgl32.Vec3) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	g, ok := w.fog[player]
	if !ok {
		return true
	}
	state, on := g.at(pos)
	return on && state == FogVisible
}

func (w *WorldReplicator) IsExplored(player uint64, pos mgl32.Vec3) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	g, ok := w.fog[player]
	if !ok {
		return true
	}
	state, on := g.at(pos)
	return on && state != FogHidden
}

// IsEntityVisible reports whether id was visible to player at the last
// vision refresh.
func (w *WorldReplicator) IsEntityVisible(player uint64, id entity.NetworkID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	g, ok := w.fog[player]
	if !ok {
		return true
	}
	_, seen := g.visible[id]
	return seen
}

// FogCell returns the state of one grid cell.
func (w *WorldReplicator) FogCell(player uint64, x, y int) (FogState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	g, ok := w.fog[player]
	if !ok || x < 0 || x >= g.Width || y < 0 || y >= g.Height {
		return FogHidden, false
	}
	return g.cells[y*g.Width+x], true
}

// refreshVision recomputes each fogged player's grid from the units they own
// and schedules a full resend of units that just came into view, since their
// updates were withheld while hidden.
func (w *WorldReplicator) refreshVision(units []UnitInfo) {
	w.mu.Lock()
	players := slices.Sorted(maps.Keys(w.fog))
	w.mu.Unlock()

	var revealed []entity.NetworkID
	for _, player := range players {
		var sources []mgl32.Vec3
		for _, u := range units {
			if u.OwnerID == player {
				sources = append(sources, u.Position)
			}
		}
		w.UpdateFog(player, sources, w.cfg.VisionRange)

		w.mu.Lock()
		g := w.fog[player]
		now := make(map[entity.NetworkID]struct{})
		for _, u := range units {
			if u.OwnerID == player {
				continue
			}
			if state, on := g.at(u.Position); on && state == FogVisible {
				now[u.NetworkID] = struct{}{}
				if _, before := g.visible[u.NetworkID]; !before {
					revealed = append(revealed, u.NetworkID)
				}
			}
		}
		g.visible = now
		w.mu.Unlock()
	}

	slices.Sort(revealed)
	revealed = slices.Compact(revealed)
	for _, id := range revealed {
		if w.manager.HasAuthority(id) {
			_ = w.manager.MarkAllDirty(id)
		}
	}
}

// FogCondition gates a property on the recipient seeing the entity. Owners
// always receive their own entities.
func (w *WorldReplicator) FogCondition() entity.ConditionFunc {
	return func(ctx entity.ConditionContext) bool {
		if ctx.PlayerID == ctx.OwnerID {
			return true
		}
		n, ok := w.manager.Entity(ctx.NetworkID)
		if !ok {
			return false
		}
		p, ok := n.(interface{ Position() mgl32.Vec3 })
		if !ok {
			return true
		}
		return w.IsVisible(ctx.PlayerID, p.Position())
	}
}
