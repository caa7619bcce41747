package rmm

// AllocationMode is a bitmask selecting how device memory is obtained.
type AllocationMode uint32

const (
	// DefaultAllocation reserves and releases memory directly from the device for
	// every request.
	DefaultAllocation AllocationMode = 0
	// PoolAllocation draws requests from a suballocating memory pool that grows on
	// demand.
	PoolAllocation AllocationMode = 1 << (iota - 1)
	// ManagedMemory asks the device runtime to manage host/device migration for
	// reserved memory. It may be combined with PoolAllocation.
	ManagedMemory
)

var allocationModeMapping = map[AllocationMode]string{
	DefaultAllocation:              "DefaultAllocation",
	PoolAllocation:                 "PoolAllocation",
	ManagedMemory:                  "ManagedMemory",
	PoolAllocation | ManagedMemory: "PoolAllocation|ManagedMemory",
}

func (m AllocationMode) String() string {
	return allocationModeMapping[m]
}

// Options is the Manager's global allocator configuration. Configure it before the
// first allocation: SetOptions is not safe to call concurrently with in-flight
// allocations.
type Options struct {
	// Mode selects how device memory is obtained.
	Mode AllocationMode
	// InitialPoolSize is the size in bytes of the pool reserved by Initialize when
	// Mode includes PoolAllocation. When zero, half of the device's total memory is
	// used.
	InitialPoolSize int
	// MaximumPoolSize is the size in bytes the pool may grow to. When zero, the
	// device's total memory is used.
	MaximumPoolSize int
	// EnableLogging records every allocation, reallocation, and free in the
	// Manager's event log.
	EnableLogging bool
}
