package wire

import "errors"

var (
	// ErrFrameTooLarge is returned when a frame length exceeds the
	// protocol limit. The channel should be closed; the peer is not
	// speaking this protocol.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrMalformedFrame is returned when a frame body cannot be decoded.
	ErrMalformedFrame = errors.New("malformed frame")
)
