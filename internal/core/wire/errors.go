package wire

import (
	"errors"
	"fmt"
)

var (
	ErrShortBuffer      = errors.New("wire: short buffer")
	ErrTrailingBytes    = errors.New("wire: trailing bytes after frame")
	ErrFieldTooLarge    = errors.New("wire: field exceeds 16-bit length prefix")
	ErrTooManyParams    = errors.New("wire: more than 255 rpc parameters")
	ErrUnknownKind      = errors.New("wire: unknown payload kind")
	ErrEmptyPayload     = errors.New("wire: empty payload")
	ErrDeltaCorrupt     = errors.New("wire: corrupt delta stream")
	ErrBaselineMismatch = errors.New("wire: delta baseline mismatch")
)

// FrameError locates a decode failure inside a frame.
type FrameError struct {
	Frame  string
	Offset int
	Cause  error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("wire: decode %s at offset %d: %v", e.Frame, e.Offset, e.Cause)
}

func (e *FrameError) Unwrap() error {
	return e.Cause
}

func frameError(frame string, r *Reader, cause error) error {
	return &FrameError{Frame: frame, Offset: r.Offset(), Cause: cause}
}
