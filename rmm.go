// Package rmm provides efficient allocation, deallocation, and tracking of device
// (accelerator) memory.
//
// Large reservations obtained from an underlying device allocator (the mr.DeviceMemory
// interface) are carved into smaller reusable blocks. Freed blocks coalesce with their
// neighbors to combat fragmentation, and every allocation event can be recorded in a
// CSV event log for diagnostics.
//
// The top-level functions in this package operate on a process-wide Manager. Systems
// that want isolated allocator instances, such as tests, can construct their own with
// NewManager and call the equivalent methods directly.
package rmm

import (
	"github.com/jrhemstad/rmm/mr"
)

// Re-exported error kinds, so consumers of the top-level API can match failures with
// errors.Is without importing mr.
var (
	ErrInvalidArgument = mr.ErrInvalidArgument
	ErrOutOfMemory     = mr.ErrOutOfMemory
	ErrDeviceFailure   = mr.ErrDeviceFailure
	ErrNotInitialized  = mr.ErrNotInitialized
	ErrIO              = mr.ErrIO
	ErrUnknown         = mr.ErrUnknown
)

// Initialize prepares the process-wide Manager to serve allocations from the
// provided device. See Manager.Initialize.
func Initialize(device mr.DeviceMemory, options *Options) error {
	return Default().Initialize(device, options)
}

// Finalize shuts the process-wide Manager down. See Manager.Finalize.
func Finalize() error {
	return Default().Finalize()
}

// Alloc allocates size bytes of device memory on the provided stream using the
// process-wide Manager. See Manager.Alloc.
func Alloc(size int, stream mr.Stream) (mr.DevicePtr, error) {
	file, line := callSite()
	return Default().alloc(size, stream, file, line)
}

// Realloc resizes an allocation using the process-wide Manager. See Manager.Realloc.
func Realloc(ptr mr.DevicePtr, newSize int, stream mr.Stream) (mr.DevicePtr, error) {
	file, line := callSite()
	return Default().realloc(ptr, newSize, stream, file, line)
}

// Free returns an allocation to the process-wide Manager. See Manager.Free.
func Free(ptr mr.DevicePtr, stream mr.Stream) error {
	file, line := callSite()
	return Default().free(ptr, stream, file, line)
}

// MemoryInfo reports free and total device memory via the process-wide Manager. See
// Manager.MemoryInfo.
func MemoryInfo(stream mr.Stream) (free, total int, err error) {
	return Default().MemoryInfo(stream)
}

// AllocationOffset returns the offset of ptr from the base of its owning reservation
// via the process-wide Manager. See Manager.AllocationOffset.
func AllocationOffset(ptr mr.DevicePtr) (int, error) {
	return Default().AllocationOffset(ptr)
}

// WriteLog writes the process-wide Manager's event log to a CSV file at path.
func WriteLog(path string) error {
	return Default().WriteLog(path)
}

// Log returns the process-wide Manager's event log as CSV text.
func Log() string {
	return Default().Log()
}

// LogSize returns the size in bytes of the process-wide Manager's CSV event log.
func LogSize() int {
	return Default().LogSize()
}

// RegisterStream registers a stream with the process-wide Manager. See
// Manager.RegisterStream.
func RegisterStream(stream mr.Stream) error {
	return Default().RegisterStream(stream)
}
