package nouveau

import "errors"

// Errors returned by the core. Kernel failures are wrapped, never replaced,
// so errors.Is also matches the drm sentinels underneath.
var (
	// ErrInvalidArgument is returned for malformed requests. No state changes.
	ErrInvalidArgument = errors.New("nouveau: invalid argument")

	// ErrNoSpace is returned when memory, scratch heap, or pushbuffer tables
	// cannot satisfy a request even after one forced flush.
	ErrNoSpace = errors.New("nouveau: no space")

	// ErrInvalidState is returned when a call breaks the calling contract,
	// such as mapping a buffer that is already mapped.
	ErrInvalidState = errors.New("nouveau: invalid state")

	// ErrTimeout is returned when a wait exceeds the device wait timeout.
	ErrTimeout = errors.New("nouveau: wait timed out")

	// ErrHung is returned by Sync when the channel stops making progress.
	// Callers should treat the device as hung.
	ErrHung = errors.New("nouveau: channel hung")

	// ErrChannelClosed is returned for operations on a freed channel and
	// by waits on fences the channel abandoned.
	ErrChannelClosed = errors.New("nouveau: channel closed")

	// ErrDeviceClosed is returned after Device.Close.
	ErrDeviceClosed = errors.New("nouveau: device closed")
)
