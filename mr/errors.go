package mr

import "github.com/pkg/errors"

// ErrInvalidArgument is returned when a caller passes a pointer, stream, or
// configuration value that the memory resource does not recognize
var ErrInvalidArgument error = errors.New("invalid argument")

// ErrOutOfMemory is returned when the underlying device cannot satisfy a reservation
var ErrOutOfMemory error = errors.New("device out of memory")

// ErrDeviceFailure is returned when a device operation fails for a reason other than
// memory exhaustion
var ErrDeviceFailure error = errors.New("device operation failed")

// ErrNotInitialized is returned when an operation is attempted before the owning
// manager or resource has been initialized
var ErrNotInitialized error = errors.New("memory manager is not initialized")

// ErrIO is returned when serializing the event log to a sink fails
var ErrIO error = errors.New("log serialization failed")

// ErrUnknown is returned when the device layer reports a failure that does not map to
// any other error in this package
var ErrUnknown error = errors.New("unknown device error")
