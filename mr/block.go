package mr

import "fmt"

// DevicePtr is an opaque device memory address. It is comparable and orderable as an
// integer, but the memory it names is only meaningful to the DeviceMemory that
// produced it and must never be dereferenced by host code.
type DevicePtr uintptr

// Stream is an opaque execution-ordering handle. Operations issued on the same stream
// execute in order; operations on different streams may run concurrently. The zero
// value is the device's default stream.
type Stream uintptr

// DefaultStream is the device's default execution stream.
const DefaultStream Stream = 0

// Block describes one contiguous region of device memory tracked by a memory
// resource. The zero value is the canonical "no block" sentinel returned by failed
// free-list searches.
type Block struct {
	ptr  DevicePtr
	size int

	// head is true when this block begins an upstream device reservation. Blocks from
	// different reservations must never merge, even when their address ranges happen
	// to abut.
	head bool
}

// NewBlock creates a Block describing a region carved out of an existing reservation.
func NewBlock(ptr DevicePtr, size int) Block {
	return Block{ptr: ptr, size: size}
}

// NewReservationBlock creates a Block describing an entire upstream reservation,
// beginning at its base address.
func NewReservationBlock(ptr DevicePtr, size int) Block {
	return Block{ptr: ptr, size: size, head: true}
}

// Ptr returns the base address of the block.
func (b Block) Ptr() DevicePtr { return b.ptr }

// Size returns the size of the block in bytes.
func (b Block) Size() int { return b.size }

// IsReservationHead returns true when this block begins an upstream reservation.
func (b Block) IsReservationHead() bool { return b.head }

// IsValid returns false for the "no block" sentinel.
func (b Block) IsValid() bool { return b.ptr != 0 }

// Fits returns true when a request of the provided size can be satisfied from this
// block.
func (b Block) Fits(size int) bool { return size <= b.size }

// IsBetterFit returns true when this block is a better candidate than other for a
// request of the provided size. A valid fit always beats an invalid one, and between
// two valid fits the strictly smaller block wins, to minimize external fragmentation.
func (b Block) IsBetterFit(size int, other Block) bool {
	if !b.Fits(size) {
		return false
	}
	return !other.Fits(size) || b.size < other.size
}

// IsContiguousBefore returns true when this block immediately precedes other in the
// device address space and the two may legally merge. Blocks never merge across a
// reservation boundary.
func (b Block) IsContiguousBefore(other Block) bool {
	return b.ptr+DevicePtr(b.size) == other.ptr && !other.head
}

// Merge combines this block with a contiguous successor, producing a block spanning
// both. Calling Merge with a block that is not contiguous after this one is a
// contract violation.
func (b Block) Merge(other Block) Block {
	if !b.IsContiguousBefore(other) {
		panic(fmt.Sprintf("attempted to merge non-contiguous blocks %s and %s", b, other))
	}

	return Block{ptr: b.ptr, size: b.size + other.size, head: b.head}
}

func (b Block) String() string {
	return fmt.Sprintf("[0x%x, %d bytes)", uintptr(b.ptr), b.size)
}
