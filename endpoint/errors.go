package endpoint

import "errors"

// Validation errors.
var (
	ErrInvalidArgument   = errors.New("endpoint: invalid argument")
	ErrInvalidState      = errors.New("endpoint: operation not valid in current state")
	ErrAlreadyRegistered = errors.New("endpoint: resource already registered")
	ErrInvalidCapacity   = errors.New("endpoint: invalid ring capacity")
	ErrInvalidGeometry   = errors.New("endpoint: invalid umem geometry")
	ErrInvalidQueue      = errors.New("endpoint: queue id out of range")
	ErrNoSuchDevice      = errors.New("endpoint: no such device")
	ErrDeviceDown        = errors.New("endpoint: device is down")
)

// Resource errors.
var (
	ErrOutOfMemory  = errors.New("endpoint: out of memory")
	ErrNoFillBuffer = errors.New("endpoint: fill ring empty")
	ErrWouldBlock   = errors.New("endpoint: would block")
)

// Routing errors.
var (
	ErrMisrouted    = errors.New("endpoint: frame delivered to wrong endpoint")
	ErrTooLarge     = errors.New("endpoint: descriptor length exceeds mtu")
	ErrNotSupported = errors.New("endpoint: unsupported operation")
)

// Permission errors.
var (
	ErrNotPermitted = errors.New("endpoint: not permitted")
)
