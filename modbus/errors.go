package modbus

import (
	"errors"
)

var (
	// ErrFaulted is returned by operations on a port which hit an
	// unrecoverable framing error. Such a port must be replaced.
	ErrFaulted = errors.New("port faulted")

	// ErrNotOpen is returned by Write on a port which is not connected.
	ErrNotOpen = errors.New("port not open")

	// ErrShortFrame is returned by Write for frames too short to carry a
	// request.
	ErrShortFrame = errors.New("frame too short")

	// ErrUnknownTransaction is the framing error raised when a response
	// references a transaction identifier without a recorded request.
	ErrUnknownTransaction = errors.New("unknown transaction identifier")

	// ErrFrameLength is the framing error raised when the expected length of
	// a response is out of range.
	ErrFrameLength = errors.New("bad frame length")

	// ErrDestroyed is the close reason reported by a transport which was
	// destroyed.
	ErrDestroyed = errors.New("transport destroyed")
)
