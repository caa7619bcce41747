package mr_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/jrhemstad/rmm/memutils"
	"github.com/jrhemstad/rmm/mr"
	mock_mr "github.com/jrhemstad/rmm/mr/mocks"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool(t *testing.T, device mr.DeviceMemory, initialSize, maximumSize int) *mr.PoolResource {
	t.Helper()

	pool, err := mr.NewPoolResource(testLogger(), device, mr.PoolResourceCreateInfo{
		InitialPoolSize: initialSize,
		MaximumPoolSize: maximumSize,
	})
	require.NoError(t, err)

	return pool
}

func poolStats(pool *mr.PoolResource) memutils.DetailedStatistics {
	var stats memutils.DetailedStatistics
	stats.Clear()
	pool.AddDetailedStatistics(&stats)
	return stats
}

func TestPoolAllocateRoundsAndSplits(t *testing.T) {
	device := mr.NewSimulatedDevice(0, 1<<20)
	pool := newTestPool(t, device, 12288, 65536)

	ptr, err := pool.Allocate(4000, mr.DefaultStream)
	require.NoError(t, err)
	require.NotEqual(t, mr.DevicePtr(0), ptr)
	require.NoError(t, pool.Validate())

	stats := poolStats(pool)
	require.Equal(t, 1, stats.AllocationCount)
	require.Equal(t, 4096, stats.AllocationBytes)
	require.Equal(t, 12288, stats.BlockBytes)
	require.Equal(t, 1, stats.BlockCount)
	require.Equal(t, 1, stats.UnusedRangeCount)
	require.Equal(t, 8192, stats.UnusedRangeSizeMax)
}

func TestPoolZeroSizeAllocate(t *testing.T) {
	device := mr.NewSimulatedDevice(0, 1<<20)
	pool := newTestPool(t, device, 4096, 65536)

	ptr, err := pool.Allocate(0, mr.DefaultStream)
	require.NoError(t, err)
	require.Equal(t, mr.DevicePtr(0), ptr)
	require.Equal(t, 0, pool.AllocationCount())
}

func TestPoolFreeRestoresFreeBytes(t *testing.T) {
	device := mr.NewSimulatedDevice(0, 1<<20)
	pool := newTestPool(t, device, 12288, 65536)

	before := poolStats(pool)

	ptr, err := pool.Allocate(4096, mr.DefaultStream)
	require.NoError(t, err)
	require.NoError(t, pool.Deallocate(ptr, 4096, mr.DefaultStream))
	require.NoError(t, pool.Validate())

	after := poolStats(pool)
	require.Equal(t, 0, after.AllocationCount)
	require.Equal(t, before.BlockBytes, after.BlockBytes)
	require.Equal(t, 12288, after.BlockBytes-after.AllocationBytes)
	require.Equal(t, before.BlockCount, after.BlockCount)
}

func TestPoolFreeRestoresBlockBoundaries(t *testing.T) {
	device := mr.NewSimulatedDevice(0, 1<<20)
	pool := newTestPool(t, device, 8192, 8192)

	ptr, err := pool.Allocate(4096, mr.DefaultStream)
	require.NoError(t, err)
	require.NoError(t, pool.Deallocate(ptr, 0, mr.DefaultStream))

	// The freed prefix and the reservation's remainder sit on different free lists,
	// but they must coalesce back into one block: the whole reservation is
	// allocatable again even though the pool cannot grow.
	full, err := pool.Allocate(8192, mr.DefaultStream)
	require.NoError(t, err)
	require.Equal(t, ptr, full)
	require.Equal(t, 8192, pool.CurrentPoolSize())
	require.NoError(t, pool.Validate())
}

func TestPoolCoalescesAcrossStreamFreeLists(t *testing.T) {
	device := mr.NewSimulatedDevice(0, 1<<20)
	pool := newTestPool(t, device, 8192, 8192)

	a, err := pool.Allocate(4096, mr.Stream(1))
	require.NoError(t, err)
	b, err := pool.Allocate(4096, mr.Stream(2))
	require.NoError(t, err)

	require.NoError(t, pool.Deallocate(a, 0, mr.Stream(1)))
	require.NoError(t, pool.Deallocate(b, 0, mr.Stream(2)))

	// Each stream's list holds half the reservation; serving the full size forces
	// both halves back together.
	full, err := pool.Allocate(8192, mr.Stream(3))
	require.NoError(t, err)
	require.Equal(t, a, full)
	require.NoError(t, pool.Validate())
}

func TestPoolReusesFreedBlock(t *testing.T) {
	device := mr.NewSimulatedDevice(0, 1<<20)
	pool := newTestPool(t, device, 12288, 12288)

	stream := mr.Stream(7)

	a, err := pool.Allocate(4096, stream)
	require.NoError(t, err)
	b, err := pool.Allocate(4096, stream)
	require.NoError(t, err)
	c, err := pool.Allocate(4096, stream)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.NotEqual(t, b, c)

	freeBefore, totalBefore, err := pool.MemoryInfo()
	require.NoError(t, err)

	require.NoError(t, pool.Deallocate(b, 0, stream))

	// The pool cannot grow, so the new allocation must recycle b's block.
	d, err := pool.Allocate(4096, stream)
	require.NoError(t, err)
	require.Equal(t, b, d)
	require.Equal(t, 12288, pool.CurrentPoolSize())

	freeAfter, totalAfter, err := pool.MemoryInfo()
	require.NoError(t, err)
	require.Equal(t, freeBefore, freeAfter)
	require.Equal(t, totalBefore, totalAfter)
}

func TestPoolAdoptsBlocksFreedOnOtherStreams(t *testing.T) {
	device := mr.NewSimulatedDevice(0, 1<<20)
	pool := newTestPool(t, device, 8192, 8192)

	producer := mr.Stream(1)
	consumer := mr.Stream(2)

	a, err := pool.Allocate(4096, producer)
	require.NoError(t, err)
	_, err = pool.Allocate(4096, producer)
	require.NoError(t, err)

	require.NoError(t, pool.Deallocate(a, 0, producer))

	// Nothing is free except a's block on the producer's list; the consumer must be
	// able to claim it.
	b, err := pool.Allocate(4096, consumer)
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.NoError(t, pool.Validate())
}

func TestPoolGrowsWhenNoBlockFits(t *testing.T) {
	device := mr.NewSimulatedDevice(0, 1<<20)
	pool := newTestPool(t, device, 8192, 65536)

	_, err := pool.Allocate(4096, mr.DefaultStream)
	require.NoError(t, err)
	_, err = pool.Allocate(4096, mr.DefaultStream)
	require.NoError(t, err)
	require.Equal(t, 8192, pool.CurrentPoolSize())

	free, total, err := pool.MemoryInfo()
	require.NoError(t, err)
	require.Equal(t, total-8192, free)

	_, err = pool.Allocate(4096, mr.DefaultStream)
	require.NoError(t, err)
	require.Equal(t, 12288, pool.CurrentPoolSize())
	require.NoError(t, pool.Validate())

	free, _, err = pool.MemoryInfo()
	require.NoError(t, err)
	require.Equal(t, total-12288, free)
}

func TestPoolOutOfMemory(t *testing.T) {
	device := mr.NewSimulatedDevice(0, 1<<20)
	pool := newTestPool(t, device, 4096, 8192)

	_, err := pool.Allocate(4096, mr.DefaultStream)
	require.NoError(t, err)

	_, err = pool.Allocate(8192, mr.DefaultStream)
	require.Error(t, err)
	require.True(t, errors.Is(err, mr.ErrOutOfMemory))

	// The failure must leave the pool consistent.
	require.NoError(t, pool.Validate())
	require.Equal(t, 4096, pool.CurrentPoolSize())
}

func TestPoolDeallocateErrors(t *testing.T) {
	device := mr.NewSimulatedDevice(0, 1<<20)
	pool := newTestPool(t, device, 8192, 65536)

	require.NoError(t, pool.Deallocate(0, 0, mr.DefaultStream))

	err := pool.Deallocate(mr.DevicePtr(0xdead), 0, mr.DefaultStream)
	require.Error(t, err)
	require.True(t, errors.Is(err, mr.ErrInvalidArgument))

	ptr, err := pool.Allocate(4096, mr.DefaultStream)
	require.NoError(t, err)

	err = pool.Deallocate(ptr, 8192, mr.DefaultStream)
	require.Error(t, err)
	require.True(t, errors.Is(err, mr.ErrInvalidArgument))

	require.NoError(t, pool.Deallocate(ptr, 4096, mr.DefaultStream))
}

func TestPoolReallocateShrink(t *testing.T) {
	device := mr.NewSimulatedDevice(0, 1<<20)
	pool := newTestPool(t, device, 12288, 12288)

	ptr, err := pool.Allocate(8192, mr.DefaultStream)
	require.NoError(t, err)

	newPtr, err := pool.Reallocate(ptr, 4096, mr.DefaultStream)
	require.NoError(t, err)
	require.Equal(t, ptr, newPtr)
	require.NoError(t, pool.Validate())

	stats := poolStats(pool)
	require.Equal(t, 1, stats.AllocationCount)
	require.Equal(t, 4096, stats.AllocationBytes)

	// The shrink remainder is recycled: the pool can still hand out every free byte.
	a, err := pool.Allocate(4096, mr.DefaultStream)
	require.NoError(t, err)
	b, err := pool.Allocate(4096, mr.DefaultStream)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestPoolReallocateGrowsInPlace(t *testing.T) {
	device := mr.NewSimulatedDevice(0, 1<<20)
	pool := newTestPool(t, device, 12288, 12288)

	ptr, err := pool.Allocate(4096, mr.DefaultStream)
	require.NoError(t, err)

	// The adjacent memory is free, so the allocation grows without moving.
	newPtr, err := pool.Reallocate(ptr, 8192, mr.DefaultStream)
	require.NoError(t, err)
	require.Equal(t, ptr, newPtr)
	require.Equal(t, 12288, pool.CurrentPoolSize())
	require.NoError(t, pool.Validate())

	stats := poolStats(pool)
	require.Equal(t, 1, stats.AllocationCount)
	require.Equal(t, 8192, stats.AllocationBytes)
	require.Equal(t, 1, stats.UnusedRangeCount)
	require.Equal(t, 4096, stats.UnusedRangeSizeMax)
}

func TestPoolReallocateMoves(t *testing.T) {
	device := mr.NewSimulatedDevice(0, 1<<20)
	pool := newTestPool(t, device, 12288, 65536)

	a, err := pool.Allocate(4096, mr.DefaultStream)
	require.NoError(t, err)
	_, err = pool.Allocate(4096, mr.DefaultStream)
	require.NoError(t, err)

	// a's successor is allocated, so growth must relocate via allocate-copy-free.
	newPtr, err := pool.Reallocate(a, 8192, mr.DefaultStream)
	require.NoError(t, err)
	require.NotEqual(t, a, newPtr)
	require.NoError(t, pool.Validate())

	stats := poolStats(pool)
	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 12288, stats.AllocationBytes)

	// a's old block was returned to the pool: two more allocations fit without any
	// further growth, and the second recycles a's block from the stream's free list.
	grownSize := pool.CurrentPoolSize()
	_, err = pool.Allocate(4096, mr.DefaultStream)
	require.NoError(t, err)
	reclaimed, err := pool.Allocate(4096, mr.DefaultStream)
	require.NoError(t, err)
	require.Equal(t, a, reclaimed)
	require.Equal(t, grownSize, pool.CurrentPoolSize())
}

func TestPoolReallocateNilAndZero(t *testing.T) {
	device := mr.NewSimulatedDevice(0, 1<<20)
	pool := newTestPool(t, device, 8192, 65536)

	ptr, err := pool.Reallocate(0, 4096, mr.DefaultStream)
	require.NoError(t, err)
	require.NotEqual(t, mr.DevicePtr(0), ptr)
	require.Equal(t, 1, pool.AllocationCount())

	released, err := pool.Reallocate(ptr, 0, mr.DefaultStream)
	require.NoError(t, err)
	require.Equal(t, mr.DevicePtr(0), released)
	require.Equal(t, 0, pool.AllocationCount())
}

func TestPoolAllocationOffset(t *testing.T) {
	device := mr.NewSimulatedDevice(0, 1<<20)
	pool := newTestPool(t, device, 12288, 65536)

	a, err := pool.Allocate(4096, mr.DefaultStream)
	require.NoError(t, err)
	b, err := pool.Allocate(4096, mr.DefaultStream)
	require.NoError(t, err)

	offset, err := pool.AllocationOffset(a)
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	offset, err = pool.AllocationOffset(b)
	require.NoError(t, err)
	require.Equal(t, 4096, offset)

	_, err = pool.AllocationOffset(mr.DevicePtr(0x1))
	require.Error(t, err)
	require.True(t, errors.Is(err, mr.ErrInvalidArgument))
}

func TestPoolDestroyReleasesReservations(t *testing.T) {
	device := mr.NewSimulatedDevice(0, 1<<20)
	pool := newTestPool(t, device, 8192, 65536)

	// Leave an allocation live; Destroy logs it and releases its memory anyway.
	_, err := pool.Allocate(4096, mr.DefaultStream)
	require.NoError(t, err)

	require.NoError(t, pool.Destroy())
	require.Equal(t, 0, pool.CurrentPoolSize())

	free, total, err := device.MemoryInfo()
	require.NoError(t, err)
	require.Equal(t, total, free)
}

func TestPoolBuildStatsString(t *testing.T) {
	device := mr.NewSimulatedDevice(0, 1<<20)
	pool := newTestPool(t, device, 12288, 65536)

	ptr, err := pool.Allocate(4096, mr.Stream(3))
	require.NoError(t, err)
	require.NoError(t, pool.Deallocate(ptr, 0, mr.Stream(3)))

	writer := jwriter.NewWriter()
	pool.BuildStatsString(&writer)
	require.NoError(t, writer.Error())

	statsJson := writer.Bytes()
	require.True(t, json.Valid(statsJson))
	require.Contains(t, string(statsJson), "\"Total\"")
	require.Contains(t, string(statsJson), "\"Reservations\"")
	require.Contains(t, string(statsJson), "\"SyncFreeBlocks\"")
}

func TestPoolPropagatesReserveFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	device := mock_mr.NewMockDeviceMemory(ctrl)

	device.EXPECT().Reserve(4096).Return(mr.DevicePtr(0), mr.DeviceOutOfMemory.ToError())

	_, err := mr.NewPoolResource(testLogger(), device, mr.PoolResourceCreateInfo{
		InitialPoolSize: 4096,
		MaximumPoolSize: 8192,
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, mr.ErrOutOfMemory))
}

func TestPoolReallocatePropagatesCopyFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	device := mock_mr.NewMockDeviceMemory(ctrl)

	base := mr.DevicePtr(0x100000)
	grown := mr.DevicePtr(0x200000)
	device.EXPECT().Reserve(8192).Return(base, nil)
	device.EXPECT().Reserve(gomock.Any()).Return(grown, nil)
	device.EXPECT().Copy(grown, base, 4096, mr.DefaultStream).Return(mr.DeviceFailure.ToError())

	pool, err := mr.NewPoolResource(testLogger(), device, mr.PoolResourceCreateInfo{
		InitialPoolSize: 8192,
		MaximumPoolSize: 65536,
	})
	require.NoError(t, err)

	a, err := pool.Allocate(4096, mr.DefaultStream)
	require.NoError(t, err)
	require.Equal(t, base, a)
	_, err = pool.Allocate(4096, mr.DefaultStream)
	require.NoError(t, err)

	_, err = pool.Reallocate(a, 8192, mr.DefaultStream)
	require.Error(t, err)
	require.True(t, errors.Is(err, mr.ErrDeviceFailure))

	// The failed move returned the relocation target to the pool.
	require.Equal(t, 2, pool.AllocationCount())
	require.NoError(t, pool.Validate())
}
