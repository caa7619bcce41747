package mr

// DeviceResult is a raw status code surfaced by a device layer. Adapters between a
// concrete device runtime and the DeviceMemory interface should map the runtime's own
// status enumeration into DeviceResult values and then use ToError to produce errors
// in this package's taxonomy.
type DeviceResult int32

const (
	DeviceSuccess DeviceResult = iota
	DeviceInvalidArgument
	DeviceOutOfMemory
	DeviceNotInitialized
	DeviceFailure
	DeviceUnknownError
)

var deviceResultMapping = map[DeviceResult]string{
	DeviceSuccess:         "DeviceSuccess",
	DeviceInvalidArgument: "DeviceInvalidArgument",
	DeviceOutOfMemory:     "DeviceOutOfMemory",
	DeviceNotInitialized:  "DeviceNotInitialized",
	DeviceFailure:         "DeviceFailure",
	DeviceUnknownError:    "DeviceUnknownError",
}

func (r DeviceResult) String() string {
	return deviceResultMapping[r]
}

// ToError translates a DeviceResult into this package's error taxonomy. DeviceSuccess
// translates to nil.
func (r DeviceResult) ToError() error {
	switch r {
	case DeviceSuccess:
		return nil
	case DeviceInvalidArgument:
		return ErrInvalidArgument
	case DeviceOutOfMemory:
		return ErrOutOfMemory
	case DeviceNotInitialized:
		return ErrNotInitialized
	case DeviceFailure:
		return ErrDeviceFailure
	}

	return ErrUnknown
}

// DeviceMemory is the raw device allocation primitive consumed by memory resources.
// Implementations wrap a concrete device runtime, or simulate one for testing. All
// methods are synchronous: they either succeed or fail before returning, and errors
// should be drawn from this package's taxonomy (see DeviceResult.ToError).
type DeviceMemory interface {
	// DeviceID identifies the device this allocator reserves memory on.
	DeviceID() int

	// Reserve allocates a contiguous region of at least size bytes of device memory
	// and returns its base address.
	Reserve(size int) (DevicePtr, error)

	// Release returns a reservation previously obtained from Reserve to the device.
	// The pointer must be a reservation base address.
	Release(ptr DevicePtr) error

	// MemoryInfo reports the free and total bytes of memory on the device.
	MemoryInfo() (free, total int, err error)

	// Copy copies size bytes of device memory from src to dst, ordered with respect
	// to the provided stream. The ranges must not overlap.
	Copy(dst, src DevicePtr, size int, stream Stream) error
}
