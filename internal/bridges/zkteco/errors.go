package zkteco

import "errors"

// Domain errors for the ZKTeco bridge package.
var (
	// ErrConnect is returned when the device is unreachable, refuses the
	// connection, or does not complete the handshake in time.
	ErrConnect = errors.New("zkteco: connection to device failed")

	// ErrNotConnected is returned when an operation requires a connection
	// but the transport is not connected.
	ErrNotConnected = errors.New("zkteco: not connected to device")

	// ErrTimeout is returned when no reply arrives within the exchange window.
	ErrTimeout = errors.New("zkteco: exchange timed out")

	// ErrChecksumMismatch is returned when a received frame fails checksum
	// verification.
	ErrChecksumMismatch = errors.New("zkteco: frame checksum mismatch")

	// ErrInvalidFrame is returned when a frame is truncated or carries the
	// wrong magic.
	ErrInvalidFrame = errors.New("zkteco: invalid frame")

	// ErrFrameTooLarge is returned when a payload does not fit in a frame.
	ErrFrameTooLarge = errors.New("zkteco: frame exceeds maximum size")

	// ErrSourceUnavailable is returned when neither the device nor a capture
	// file can supply the requested data.
	ErrSourceUnavailable = errors.New("zkteco: record source unavailable")

	// ErrCommandRejected is returned when the device answers with an error ack.
	ErrCommandRejected = errors.New("zkteco: command rejected by device")
)
