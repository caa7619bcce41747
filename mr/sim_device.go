package mr

import (
	"sync"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"

	"github.com/jrhemstad/rmm/memutils"
)

// simBaseAddress keeps simulated pointers away from zero so the nil-pointer sentinel
// never collides with a real reservation.
const simBaseAddress DevicePtr = 0x200000000

// SimulatedDevice is a DeviceMemory implementation that models a device with a fixed
// amount of memory without requiring any accelerator hardware. Reservations are
// assigned addresses from a private address space and tracked for capacity
// accounting; the memory itself does not exist and cannot be dereferenced.
//
// SimulatedDevice is safe for concurrent use.
type SimulatedDevice struct {
	deviceID int
	total    int

	mutex         sync.Mutex
	nextAddress   DevicePtr
	reservedBytes int
	reservations  *swiss.Map[DevicePtr, int]
}

var _ DeviceMemory = &SimulatedDevice{}

// NewSimulatedDevice creates a simulated device with the provided id and memory
// capacity in bytes.
func NewSimulatedDevice(deviceID int, totalBytes int) *SimulatedDevice {
	if totalBytes <= 0 {
		panic("a simulated device must have a positive memory capacity")
	}

	return &SimulatedDevice{
		deviceID:     deviceID,
		total:        totalBytes,
		nextAddress:  simBaseAddress,
		reservations: swiss.NewMap[DevicePtr, int](42),
	}
}

func (d *SimulatedDevice) DeviceID() int { return d.deviceID }

func (d *SimulatedDevice) Reserve(size int) (DevicePtr, error) {
	if size <= 0 {
		return 0, cerrors.Wrapf(ErrInvalidArgument, "requested a reservation of %d bytes", size)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.reservedBytes+size > d.total {
		return 0, cerrors.Wrapf(ErrOutOfMemory, "requested %d bytes with %d of %d bytes already reserved",
			size, d.reservedBytes, d.total)
	}

	ptr := d.nextAddress
	d.nextAddress += DevicePtr(memutils.AlignUp(size, 256))
	d.reservedBytes += size
	d.reservations.Put(ptr, size)

	return ptr, nil
}

func (d *SimulatedDevice) Release(ptr DevicePtr) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	size, ok := d.reservations.Get(ptr)
	if !ok {
		return cerrors.Wrapf(ErrInvalidArgument, "pointer 0x%x is not a reservation on this device", uintptr(ptr))
	}

	d.reservations.Delete(ptr)
	d.reservedBytes -= size
	return nil
}

func (d *SimulatedDevice) MemoryInfo() (free, total int, err error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.total - d.reservedBytes, d.total, nil
}

func (d *SimulatedDevice) Copy(dst, src DevicePtr, size int, stream Stream) error {
	if size < 0 {
		return cerrors.Wrapf(ErrInvalidArgument, "requested a copy of %d bytes", size)
	}
	if size == 0 {
		return nil
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if !d.containsRange(dst, size) {
		return cerrors.Wrapf(ErrInvalidArgument, "copy destination 0x%x is outside every reservation", uintptr(dst))
	}
	if !d.containsRange(src, size) {
		return cerrors.Wrapf(ErrInvalidArgument, "copy source 0x%x is outside every reservation", uintptr(src))
	}

	// The simulated device has no backing bytes to move, so a valid copy is a no-op.
	return nil
}

func (d *SimulatedDevice) containsRange(ptr DevicePtr, size int) bool {
	found := false
	d.reservations.Iter(func(base DevicePtr, reservationSize int) bool {
		if ptr >= base && ptr+DevicePtr(size) <= base+DevicePtr(reservationSize) {
			found = true
			return true
		}
		return false
	})

	return found
}
