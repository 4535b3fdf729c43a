package candispatch

import "errors"

// Transport errors. Drivers return these (possibly wrapped); callers test
// with errors.Is.
var (
	ErrNotReady       = errors.New("candispatch: bus not ready")
	ErrNotOpen        = errors.New("candispatch: interface not open")
	ErrAlreadyOpen    = errors.New("candispatch: interface already open")
	ErrInvalidFrame   = errors.New("candispatch: invalid frame")
	ErrInvalidDevice  = errors.New("candispatch: invalid device")
	ErrInvalidBitrate = errors.New("candispatch: unsupported bitrate")
)
