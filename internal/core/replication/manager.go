// Package replication decides which entity state changes are worth sending,
// schedules them by priority under a bandwidth budget, and applies incoming
// updates to local twins.
package replication

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/zeusync/netcore/internal/core/entity"
	"github.com/zeusync/netcore/internal/core/events/bus"
	"github.com/zeusync/netcore/internal/core/observability/log"
	"github.com/zeusync/netcore/internal/core/transport"
	"github.com/zeusync/netcore/pkg/sequence"
)

// Event types published on the session bus.
const (
	EventEntitySpawned   = "entity.spawned"
	EventEntityDespawned = "entity.despawned"
	EventPropertyUpdated = "property.updated"
)

// EntityEvent is the payload of spawn and despawn events.
type EntityEvent struct {
	NetworkID  entity.NetworkID
	EntityType string
	OwnerID    uint64
	Remote     bool
}

// PropertyUpdate is the payload of property.updated.
type PropertyUpdate struct {
	NetworkID entity.NetworkID
	Property  entity.PropertyID
	From      transport.PeerID
}

// Network is the slice of the transport the manager sends through.
type Network interface {
	Send(peer transport.PeerID, channel string, payload []byte) error
	Peers() []transport.PeerInfo
}

// SpawnRequest describes an update for an entity that does not exist locally.
type SpawnRequest struct {
	NetworkID  entity.NetworkID
	EntityType string
	OwnerID    uint64
	From       transport.PeerID
}

// SpawnResolver creates the local twin for a remote entity. Returning a nil
// entity and nil error ignores the update.
type SpawnResolver func(SpawnRequest) (entity.Networked, error)

type Config struct {
	LocalPlayerID uint64 `yaml:"-" json:"-"`
	// TickRate is the network tick frequency in Hz.
	TickRate float64 `yaml:"tick_rate" json:"tick_rate"`
	// BandwidthLimit is bytes per second; 0 disables the limit.
	BandwidthLimit    int             `yaml:"bandwidth_limit" json:"bandwidth_limit"`
	PriorityThreshold entity.Priority `yaml:"priority_threshold" json:"priority_threshold"`
	DeltaCompression  bool            `yaml:"delta_compression" json:"delta_compression"`
	// BaselineRefresh resends a full baseline after this many deltas.
	BaselineRefresh    int           `yaml:"baseline_refresh" json:"baseline_refresh"`
	LagCompensation    bool          `yaml:"lag_compensation" json:"lag_compensation"`
	MaxLagCompensation time.Duration `yaml:"max_lag_compensation" json:"max_lag_compensation"`
	MaxSnapshots       int           `yaml:"max_snapshots" json:"max_snapshots"`
	ReliableChannel    string        `yaml:"reliable_channel" json:"reliable_channel"`
	UnreliableChannel  string        `yaml:"unreliable_channel" json:"unreliable_channel"`
}

func DefaultConfig() Config {
	return Config{
		TickRate:           20,
		PriorityThreshold:  entity.PriorityBackground,
		DeltaCompression:   true,
		BaselineRefresh:    32,
		MaxLagCompensation: 500 * time.Millisecond,
		MaxSnapshots:       64,
		ReliableChannel:    transport.ChannelReliable,
		UnreliableChannel:  transport.ChannelUnreliable,
	}
}

func (c Config) Validate() error {
	switch {
	case c.TickRate <= 0:
		return ErrInvalidTickRate
	case c.BandwidthLimit < 0:
		return fmt.Errorf("replication: negative bandwidth limit %d", c.BandwidthLimit)
	case c.PriorityThreshold > entity.PriorityBackground:
		return fmt.Errorf("replication: unknown priority threshold %d", c.PriorityThreshold)
	case c.DeltaCompression && c.BaselineRefresh < 1:
		return fmt.Errorf("replication: baseline refresh must be positive")
	case c.MaxSnapshots <= 0:
		return fmt.Errorf("replication: max snapshots must be positive")
	case c.ReliableChannel == "" || c.UnreliableChannel == "":
		return fmt.Errorf("replication: channel names must be set")
	}
	return nil
}

// Registration is the manager's record of one live entity.
type Registration struct {
	NetworkID    entity.NetworkID
	EntityType   string
	OwnerID      uint64
	Role         entity.Role
	Mode         entity.Mode
	Entity       entity.Networked
	RegisteredAt time.Time
}

type Option func(*Manager)

func WithLogger(l log.Log) Option {
	return func(m *Manager) { m.logger = l }
}

func WithPublisher(p bus.Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithSpawnResolver(r SpawnResolver) Option {
	return func(m *Manager) { m.resolver = r }
}

type record struct {
	reg         Registration
	dirty       map[entity.PropertyID]struct{}
	initialSent map[entity.PropertyID]bool
	snapshots   *sequence.Ring[EntitySnapshot]
	stats       EntityStats
}

type baselineKey struct {
	peer transport.PeerID
	id   entity.NetworkID
	prop entity.PropertyID
}

type sentBaseline struct {
	body   []byte
	hash   uint32
	deltas int
}

var (
	_ entity.DirtyMarker = (*Manager)(nil)
	_ entity.RPCSender   = (*Manager)(nil)
)

// Manager is the replication registry. It is safe for concurrent use; entity
// code and event handlers are never called while its lock is held.
type Manager struct {
	mu        sync.Mutex
	cfg       Config
	network   Network
	logger    log.Log
	publisher bus.Publisher
	now       func() time.Time
	resolver  SpawnResolver

	records   map[entity.NetworkID]*record
	tables    map[string][]entity.PropertyDefinition
	counter   uint64
	tick      uint32
	tickAccum time.Duration

	sent     map[baselineKey]*sentBaseline
	received map[transport.PeerID]*receivedBaselines

	windowStart   time.Time
	bandwidthUsed int
	stats         Stats
}

func New(network Network, cfg Config, opts ...Option) (*Manager, error) {
	if network == nil {
		return nil, fmt.Errorf("replication: nil network")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:       cfg,
		network:   network,
		logger:    log.NewNop(),
		publisher: bus.Nop,
		now:       time.Now,
		records:   make(map[entity.NetworkID]*record),
		tables:    make(map[string][]entity.PropertyDefinition),
		sent:      make(map[baselineKey]*sentBaseline),
		received:  make(map[transport.PeerID]*receivedBaselines),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(log.String("component", "replication"))
	m.windowStart = m.now()
	return m, nil
}

// SetSpawnResolver replaces the resolver used for unknown remote entities.
// Game layers built on top of the manager install theirs this way.
func (m *Manager) SetSpawnResolver(r SpawnResolver) {
	m.mu.Lock()
	m.resolver = r
	m.mu.Unlock()
}

// RegisterProperties installs the property table for an entity type. Tables
// are immutable once registered.
func (m *Manager) RegisterProperties(entityType string, defs []entity.PropertyDefinition) error {
	seen := make(map[entity.PropertyID]struct{}, len(defs))
	for _, d := range defs {
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("%w: %s has duplicate property %d", ErrInvalidTable, entityType, d.ID)
		}
		seen[d.ID] = struct{}{}
		if d.Condition == entity.ConditionCustom && d.Custom == nil {
			return fmt.Errorf("%w: %s property %d has a custom condition without a predicate", ErrInvalidTable, entityType, d.ID)
		}
		if d.Priority > entity.PriorityBackground {
			return fmt.Errorf("%w: %s property %d has priority %d", ErrInvalidTable, entityType, d.ID, d.Priority)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tables[entityType]; exists {
		return fmt.Errorf("%w: %s", ErrTableExists, entityType)
	}
	table := slices.Clone(defs)
	slices.SortFunc(table, func(a, b entity.PropertyDefinition) int { return int(a.ID) - int(b.ID) })
	m.tables[entityType] = table
	return nil
}

// PropertyDefinitions returns the table used for entityType. Types without a
// registered table use entity.DefaultProperties.
func (m *Manager) PropertyDefinitions(entityType string) []entity.PropertyDefinition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.tableLocked(entityType))
}

func (m *Manager) tableLocked(entityType string) []entity.PropertyDefinition {
	if t, ok := m.tables[entityType]; ok {
		return t
	}
	return entity.DefaultProperties()
}

func (m *Manager) definitionLocked(entityType string, prop entity.PropertyID) (entity.PropertyDefinition, bool) {
	for _, d := range m.tableLocked(entityType) {
		if d.ID == prop {
			return d, true
		}
	}
	return entity.PropertyDefinition{}, false
}

type registerOptions struct {
	owner    *uint64
	role     *entity.Role
	mode     *entity.Mode
	remoteID entity.NetworkID
}

type RegisterOption func(*registerOptions)

func WithOwner(owner uint64) RegisterOption {
	return func(o *registerOptions) { o.owner = &owner }
}

func WithRole(r entity.Role) RegisterOption {
	return func(o *registerOptions) { o.role = &r }
}

func WithMode(md entity.Mode) RegisterOption {
	return func(o *registerOptions) { o.mode = &md }
}

// Register adds a locally created entity. It gets a fresh NetworkID, the local
// player as owner, the Authority role, and all its properties marked dirty for
// the initial full send.
func (m *Manager) Register(e entity.Networked, entityType string, opts ...RegisterOption) (entity.NetworkID, error) {
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}
	owner, role, mode := m.cfg.LocalPlayerID, entity.RoleAuthority, entity.ModeAuthoritative
	if o.owner != nil {
		owner = *o.owner
	}
	if o.role != nil {
		role = *o.role
	}
	if o.mode != nil {
		mode = *o.mode
	}

	current := e.NetworkID()
	m.mu.Lock()
	if rec, ok := m.records[current]; ok && rec.reg.Entity == e {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: %d", ErrAlreadyRegistered, current)
	}
	m.counter++
	id := entity.NetworkID(m.cfg.LocalPlayerID<<40 | m.counter)
	m.mu.Unlock()

	if err := m.add(e, id, entityType, owner, role, mode, false); err != nil {
		return 0, err
	}
	return id, nil
}

// RegisterRemote adds the local twin of an entity created elsewhere. The owner
// defaults to the player that allocated the id; the role to AutonomousProxy
// when that is the local player and SimulatedProxy otherwise.
func (m *Manager) RegisterRemote(e entity.Networked, id entity.NetworkID, entityType string, opts ...RegisterOption) error {
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}
	owner := uint64(id) >> 40
	if o.owner != nil {
		owner = *o.owner
	}
	role, mode := entity.RoleSimulatedProxy, entity.ModeInterpolated
	if owner == m.cfg.LocalPlayerID {
		role, mode = entity.RoleAutonomousProxy, entity.ModePredicted
	}
	if o.role != nil {
		role = *o.role
	}
	if o.mode != nil {
		mode = *o.mode
	}
	return m.add(e, id, entityType, owner, role, mode, true)
}

func (m *Manager) add(e entity.Networked, id entity.NetworkID, entityType string, owner uint64, role entity.Role, mode entity.Mode, remote bool) error {
	props := e.PropertyIDs()

	m.mu.Lock()
	if _, exists := m.records[id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrAlreadyRegistered, id)
	}
	rec := &record{
		reg: Registration{
			NetworkID:    id,
			EntityType:   entityType,
			OwnerID:      owner,
			Role:         role,
			Mode:         mode,
			Entity:       e,
			RegisteredAt: m.now(),
		},
		dirty:       make(map[entity.PropertyID]struct{}),
		initialSent: make(map[entity.PropertyID]bool),
		snapshots:   sequence.NewRing[EntitySnapshot](m.cfg.MaxSnapshots),
	}
	if role == entity.RoleAuthority {
		m.markAllLocked(rec, props)
	}
	m.records[id] = rec
	m.mu.Unlock()

	e.SetNetworkID(id)
	e.SetOwner(owner)
	e.SetRole(role)
	e.Bind(m, m)

	m.logger.Debug("Entity registered",
		log.Uint64("network_id", uint64(id)),
		log.String("type", entityType),
		log.Uint64("owner", owner),
		log.Stringer("role", role),
	)
	m.publish(bus.NewEvent(EventEntitySpawned, "replication",
		EntityEvent{NetworkID: id, EntityType: entityType, OwnerID: owner, Remote: remote}, 0, nil))
	return nil
}

// Unregister removes the entity and everything kept for it.
func (m *Manager) Unregister(id entity.NetworkID) error {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	delete(m.records, id)
	for key := range m.sent {
		if key.id == id {
			delete(m.sent, key)
		}
	}
	m.mu.Unlock()

	rec.reg.Entity.Bind(nil, nil)
	m.logger.Debug("Entity unregistered", log.Uint64("network_id", uint64(id)))
	m.publish(bus.NewEvent(EventEntityDespawned, "replication",
		EntityEvent{NetworkID: id, EntityType: rec.reg.EntityType, OwnerID: rec.reg.OwnerID}, 0, nil))
	return nil
}

func (m *Manager) UnregisterAll() {
	for _, id := range m.ids() {
		_ = m.Unregister(id)
	}
}

func (m *Manager) ids() []entity.NetworkID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.records))
}

func (m *Manager) Entity(id entity.NetworkID) (entity.Networked, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, false
	}
	return rec.reg.Entity, true
}

func (m *Manager) Registration(id entity.NetworkID) (Registration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return Registration{}, false
	}
	return rec.reg, true
}

func (m *Manager) IsRegistered(id entity.NetworkID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[id]
	return ok
}

func (m *Manager) EntitiesByType(entityType string) []entity.NetworkID {
	return m.filter(func(r *record) bool { return r.reg.EntityType == entityType })
}

func (m *Manager) EntitiesByOwner(owner uint64) []entity.NetworkID {
	return m.filter(func(r *record) bool { return r.reg.OwnerID == owner })
}

func (m *Manager) filter(keep func(*record) bool) []entity.NetworkID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []entity.NetworkID
	for id, rec := range m.records {
		if keep(rec) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

func (m *Manager) SetOwner(id entity.NetworkID, owner uint64) error {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	rec.reg.OwnerID = owner
	e := rec.reg.Entity
	m.mu.Unlock()

	e.SetOwner(owner)
	return nil
}

func (m *Manager) Owner(id entity.NetworkID) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return 0, false
	}
	return rec.reg.OwnerID, true
}

// IsOwner reports whether the local player owns the entity.
func (m *Manager) IsOwner(id entity.NetworkID) bool {
	owner, ok := m.Owner(id)
	return ok && owner == m.cfg.LocalPlayerID
}

func (m *Manager) HasAuthority(id entity.NetworkID) bool {
	role, ok := m.Role(id)
	return ok && role == entity.RoleAuthority
}

// TransferAuthority hands the entity to newOwner. The local side keeps
// Authority only when it is the new owner, and then resends full state.
func (m *Manager) TransferAuthority(id entity.NetworkID, newOwner uint64) error {
	role := entity.RoleSimulatedProxy
	if newOwner == m.cfg.LocalPlayerID {
		role = entity.RoleAuthority
	}
	if err := m.SetOwner(id, newOwner); err != nil {
		return err
	}
	if err := m.SetRole(id, role); err != nil {
		return err
	}
	m.logger.Info("Authority transferred", log.Uint64("network_id", uint64(id)), log.Uint64("owner", newOwner))
	if role == entity.RoleAuthority {
		return m.MarkAllDirty(id)
	}
	return m.ClearDirty(id)
}

func (m *Manager) SetRole(id entity.NetworkID, role entity.Role) error {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	rec.reg.Role = role
	e := rec.reg.Entity
	m.mu.Unlock()

	e.SetRole(role)
	return nil
}

func (m *Manager) Role(id entity.NetworkID) (entity.Role, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return entity.RoleNone, false
	}
	return rec.reg.Role, true
}

func (m *Manager) SetMode(id entity.NetworkID, mode entity.Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	rec.reg.Mode = mode
	return nil
}

func (m *Manager) Mode(id entity.NetworkID) (entity.Mode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return 0, false
	}
	return rec.reg.Mode, true
}

// SetBandwidthLimit sets the budget in bytes per second; 0 disables it.
func (m *Manager) SetBandwidthLimit(bytesPerSecond int) {
	if bytesPerSecond < 0 {
		bytesPerSecond = 0
	}
	m.mu.Lock()
	m.cfg.BandwidthLimit = bytesPerSecond
	m.mu.Unlock()
}

// SetPriorityThreshold excludes properties with a priority value above p from
// scheduling. They stay dirty.
func (m *Manager) SetPriorityThreshold(p entity.Priority) {
	m.mu.Lock()
	m.cfg.PriorityThreshold = p
	m.mu.Unlock()
}

func (m *Manager) SetNetworkTickRate(hz float64) error {
	if hz <= 0 {
		return ErrInvalidTickRate
	}
	m.mu.Lock()
	m.cfg.TickRate = hz
	m.mu.Unlock()
	return nil
}

func (m *Manager) tickInterval() time.Duration {
	return time.Duration(float64(time.Second) / m.cfg.TickRate)
}

// Update advances the fixed-rate network tick by dt, running at most a few
// catch-up ticks per call.
func (m *Manager) Update(dt time.Duration) {
	const maxCatchUp = 4

	m.mu.Lock()
	m.tickAccum += dt
	interval := m.tickInterval()
	ticks := 0
	for m.tickAccum >= interval && ticks < maxCatchUp {
		m.tickAccum -= interval
		ticks++
	}
	if m.tickAccum >= interval {
		m.tickAccum = 0
	}
	m.mu.Unlock()

	for range ticks {
		m.NetworkTick()
	}
}

// NetworkTick runs one replication pass and, with lag compensation on,
// stores a snapshot of every entity.
func (m *Manager) NetworkTick() {
	m.mu.Lock()
	m.tick++
	lagComp := m.cfg.LagCompensation
	m.mu.Unlock()

	if err := dropBandwidthErrors(m.ReplicateAll()); err != nil {
		m.logger.Warn("Replication failed", log.Uint32("tick", m.Tick()), log.Error(err))
	}

	if lagComp {
		for _, id := range m.ids() {
			if err := m.StoreSnapshot(id); err != nil {
				m.logger.Debug("Snapshot skipped", log.Uint64("network_id", uint64(id)), log.Error(err))
			}
		}
	}
}

// dropBandwidthErrors strips budget exhaustion from a pass result. Deferred
// updates are already counted in Stats and stay dirty for the next tick.
func dropBandwidthErrors(err error) error {
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		if errors.Is(err, ErrBandwidthExceeded) {
			return nil
		}
		return err
	}
	var rest []error
	for _, e := range joined.Unwrap() {
		if !errors.Is(e, ErrBandwidthExceeded) {
			rest = append(rest, e)
		}
	}
	return errors.Join(rest...)
}

// Tick returns the current network tick number.
func (m *Manager) Tick() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tick
}

func (m *Manager) publish(events ...bus.Event) {
	for _, ev := range events {
		if err := m.publisher.Publish(ev); err != nil {
			m.logger.Warn("Event handler failed", log.String("event", ev.Type()), log.Error(err))
		}
	}
}
