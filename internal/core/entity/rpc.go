package entity

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"

	"github.com/zeusync/netcore/internal/core/wire"
)

// Target selects the recipients of an RPC.
type Target uint8

const (
	TargetServer Target = iota
	TargetOwner
	TargetAllClients
	TargetAllClientsExceptOwner
	TargetMulticast
)

func (t Target) String() string {
	switch t {
	case TargetServer:
		return "server"
	case TargetOwner:
		return "owner"
	case TargetAllClients:
		return "all_clients"
	case TargetAllClientsExceptOwner:
		return "all_clients_except_owner"
	case TargetMulticast:
		return "multicast"
	default:
		return fmt.Sprintf("target(%d)", uint8(t))
	}
}

type RPCDefinition struct {
	Name              string
	Target            Target
	RequiresAuthority bool
	Reliable          bool
	// Params, when set, is the exact argument signature.
	Params []ValueKind
	// RateLimit is calls per second, zero meaning unlimited. Burst defaults to 1.
	RateLimit float64
	Burst     int
}

type RPCCall struct {
	Entity *Entity
	Name   string
	Target Target
	Params []Value
}

type RPCHandler func(call RPCCall) error

// RPCID derives the wire id of an RPC from its name, so peers agree on ids
// regardless of registration order.
func RPCID(name string) uint32 {
	return uint32(xxhash.Sum64String(name))
}

type rpcEntry struct {
	id      uint32
	def     RPCDefinition
	handler RPCHandler
	limiter *rate.Limiter
}

type rpcTable struct {
	mu     sync.RWMutex
	byName map[string]*rpcEntry
	byID   map[uint32]*rpcEntry
}

func (t *rpcTable) register(def RPCDefinition, handler RPCHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byName == nil {
		t.byName = make(map[string]*rpcEntry)
		t.byID = make(map[uint32]*rpcEntry)
	}
	id := RPCID(def.Name)
	if _, ok := t.byName[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRPC, def.Name)
	}
	if other, ok := t.byID[id]; ok {
		return fmt.Errorf("%w: %s collides with %s", ErrDuplicateRPC, def.Name, other.def.Name)
	}
	entry := &rpcEntry{id: id, def: def, handler: handler}
	if def.RateLimit > 0 {
		burst := def.Burst
		if burst < 1 {
			burst = 1
		}
		entry.limiter = rate.NewLimiter(rate.Limit(def.RateLimit), burst)
	}
	t.byName[def.Name] = entry
	t.byID[id] = entry
	return nil
}

func (t *rpcTable) byNameLookup(name string) (*rpcEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byName[name]
	return e, ok
}

func (t *rpcTable) byIDLookup(id uint32) (*rpcEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byID[id]
	return e, ok
}

// RegisterRPC adds a callable procedure. handler runs when the RPC arrives.
func (e *Entity) RegisterRPC(def RPCDefinition, handler RPCHandler) error {
	if def.Name == "" || handler == nil {
		return fmt.Errorf("%w: name and handler are required", ErrUnknownRPC)
	}
	return e.rpcs.register(def, handler)
}

// RPCDefinitionFor returns the registered definition of name.
func (e *Entity) RPCDefinitionFor(name string) (RPCDefinition, bool) {
	entry, ok := e.rpcs.byNameLookup(name)
	if !ok {
		return RPCDefinition{}, false
	}
	return entry.def, true
}

// RPCDefinitionByID resolves an incoming rpc id.
func (e *Entity) RPCDefinitionByID(id uint32) (RPCDefinition, bool) {
	entry, ok := e.rpcs.byIDLookup(id)
	if !ok {
		return RPCDefinition{}, false
	}
	return entry.def, true
}

// CallRPC sends an RPC. Calls that need authority the entity lacks, or that
// exceed the rate limit, are refused without producing traffic.
func (e *Entity) CallRPC(name string, params ...Value) error {
	entry, ok := e.rpcs.byNameLookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRPC, name)
	}
	if entry.def.RequiresAuthority && !e.HasAuthority() {
		return fmt.Errorf("%w: %s", ErrNotAuthorized, name)
	}
	if err := checkSignature(entry.def, params); err != nil {
		return err
	}
	if entry.limiter != nil && !entry.limiter.Allow() {
		return fmt.Errorf("%w: %s", ErrRateLimited, name)
	}

	e.mu.RLock()
	sender, netID := e.sender, e.networkID
	e.mu.RUnlock()
	if sender == nil {
		return ErrNotBound
	}

	frame := wire.RPCFrame{
		NetworkID: uint64(netID),
		RPCID:     entry.id,
		Target:    uint8(entry.def.Target),
		Params:    make([]wire.Param, len(params)),
	}
	for i, p := range params {
		frame.Params[i] = wire.Param{Type: uint8(p.Kind()), Data: p.Encode()}
	}
	return sender.SendRPC(frame, entry.def.Reliable)
}

// InvokeRPC dispatches a decoded RPC frame to its local handler.
func (e *Entity) InvokeRPC(frame wire.RPCFrame) (err error) {
	entry, ok := e.rpcs.byIDLookup(frame.RPCID)
	if !ok {
		return fmt.Errorf("%w: id %d", ErrUnknownRPC, frame.RPCID)
	}
	params := make([]Value, len(frame.Params))
	for i, p := range frame.Params {
		v, decErr := DecodeValue(ValueKind(p.Type), p.Data)
		if decErr != nil {
			return fmt.Errorf("rpc %s param %d: %w", entry.def.Name, i, decErr)
		}
		params[i] = v
	}
	if err = checkSignature(entry.def, params); err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrRPCHandlerPanic, entry.def.Name, r)
		}
	}()
	return entry.handler(RPCCall{
		Entity: e,
		Name:   entry.def.Name,
		Target: Target(frame.Target),
		Params: params,
	})
}

func checkSignature(def RPCDefinition, params []Value) error {
	if def.Params == nil {
		return nil
	}
	if len(def.Params) != len(params) {
		return fmt.Errorf("%w: %s wants %d params, got %d", ErrParamMismatch, def.Name, len(def.Params), len(params))
	}
	for i, kind := range def.Params {
		if params[i].Kind() != kind {
			return fmt.Errorf("%w: %s param %d wants %s, got %s", ErrParamMismatch, def.Name, i, kind, params[i].Kind())
		}
	}
	return nil
}
