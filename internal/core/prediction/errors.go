package prediction

import "errors"

var (
	ErrNotTracked        = errors.New("prediction: entity not tracked")
	ErrAlreadyTracked    = errors.New("prediction: entity already tracked")
	ErrStaleInput        = errors.New("prediction: input sequence not newer than last input")
	ErrNoPendingInput    = errors.New("prediction: no unapplied input")
	ErrNoSimulation      = errors.New("prediction: no simulate function configured")
	ErrUnknownFrame      = errors.New("prediction: rollback frame not held")
	ErrFrameOutOfOrder   = errors.New("prediction: rollback frame not newer than last saved")
	ErrInvalidFrameRange = errors.New("prediction: invalid resimulation range")
)
