package entity

import "errors"

var (
	ErrUnknownProperty   = errors.New("entity: unknown property")
	ErrDuplicateProperty = errors.New("entity: duplicate property id")
	ErrKindMismatch      = errors.New("entity: value kind mismatch")
	ErrValueSize         = errors.New("entity: malformed value")
	ErrUnknownKind       = errors.New("entity: unknown value kind")

	ErrUnknownRPC      = errors.New("entity: unknown rpc")
	ErrDuplicateRPC    = errors.New("entity: rpc already registered")
	ErrNotAuthorized   = errors.New("entity: rpc requires authority")
	ErrRateLimited     = errors.New("entity: rpc rate limit exceeded")
	ErrNotBound        = errors.New("entity: not registered with a replication manager")
	ErrParamMismatch   = errors.New("entity: rpc parameter mismatch")
	ErrRPCHandlerPanic = errors.New("entity: rpc handler panicked")
)
