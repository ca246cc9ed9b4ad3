package replication

import "errors"

var (
	ErrUnknownEntity      = errors.New("replication: unknown entity")
	ErrAlreadyRegistered  = errors.New("replication: entity already registered")
	ErrUnknownProperty    = errors.New("replication: property not in type table")
	ErrTableExists        = errors.New("replication: property table already registered")
	ErrInvalidTable       = errors.New("replication: invalid property table")
	ErrBandwidthExceeded  = errors.New("replication: bandwidth limit reached")
	ErrNoRecipients       = errors.New("replication: no recipients")
	ErrInvalidTickRate    = errors.New("replication: tick rate must be positive")
	ErrSnapshotOutOfOrder = errors.New("replication: snapshot sequence went backwards")
	ErrNoSnapshot         = errors.New("replication: no snapshot at or before time")
)
