package mr

import (
	"context"
	"log/slog"
	"strconv"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/jrhemstad/rmm/internal/utils"
	"github.com/jrhemstad/rmm/memutils"
)

// AllocationAlignment is the granularity, in bytes, that every pool allocation is
// rounded up to. Device access is most efficient at this alignment.
const AllocationAlignment = 256

// PoolResourceCreateInfo configures a new PoolResource.
type PoolResourceCreateInfo struct {
	// InitialPoolSize is the size in bytes of the reservation made when the pool is
	// created. When zero, half of the device's total memory is reserved.
	InitialPoolSize int
	// MaximumPoolSize is the size in bytes that the pool may grow to. When zero, the
	// device's total memory is used.
	MaximumPoolSize int
	// UseMutex must be true when the pool will be shared between goroutines. Pools
	// confined to a single goroutine may leave it false to elide locking.
	UseMutex bool
}

// PoolResource satisfies byte-granularity allocation requests by suballocating large
// reservations obtained from a DeviceMemory, growing the backing reservation on
// demand. Freed blocks return to per-stream free lists and are adopted into the
// shared free list before they are reused on another stream.
type PoolResource struct {
	logger *slog.Logger
	device DeviceMemory

	maximumPoolSize int
	currentPoolSize int

	mutex utils.OptionalMutex

	// noSyncBlocks holds blocks that any stream may allocate from without
	// synchronization.
	noSyncBlocks *FreeList
	// syncBlocks holds blocks freed on a particular stream. A stream's list must be
	// adopted (see adoptSyncBlocks) before its blocks are visible to other streams.
	syncBlocks map[Stream]*FreeList

	allocatedBlocks *swiss.Map[DevicePtr, Block]
	reservations    *swiss.Map[DevicePtr, Block]
}

// NewPoolResource creates a PoolResource drawing from the provided device and
// reserves its initial pool. The logger is used to report unreleased allocations at
// Destroy time.
func NewPoolResource(logger *slog.Logger, device DeviceMemory, createInfo PoolResourceCreateInfo) (*PoolResource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if device == nil {
		return nil, errors.New("attempted to create a PoolResource with no device")
	}
	if createInfo.InitialPoolSize < 0 {
		return nil, cerrors.Wrapf(ErrInvalidArgument, "initial pool size is %d", createInfo.InitialPoolSize)
	}
	if createInfo.MaximumPoolSize < 0 {
		return nil, cerrors.Wrapf(ErrInvalidArgument, "maximum pool size is %d", createInfo.MaximumPoolSize)
	}

	initialSize := createInfo.InitialPoolSize
	maximumSize := createInfo.MaximumPoolSize

	if initialSize == 0 || maximumSize == 0 {
		_, total, err := device.MemoryInfo()
		if err != nil {
			return nil, err
		}

		if initialSize == 0 {
			initialSize = total / 2
		}
		if maximumSize == 0 {
			maximumSize = total
		}
	}

	initialSize, err := memutils.RoundUpSafe(initialSize, AllocationAlignment)
	if err != nil {
		return nil, err
	}

	if initialSize > maximumSize {
		return nil, cerrors.Wrapf(ErrInvalidArgument, "initial pool size %d exceeds maximum pool size %d",
			initialSize, maximumSize)
	}

	pool := &PoolResource{
		logger: logger,
		device: device,

		maximumPoolSize: maximumSize,

		mutex: utils.OptionalMutex{UseMutex: createInfo.UseMutex},

		noSyncBlocks:    NewFreeList(),
		syncBlocks:      map[Stream]*FreeList{},
		allocatedBlocks: swiss.NewMap[DevicePtr, Block](42),
		reservations:    swiss.NewMap[DevicePtr, Block](42),
	}

	block, err := pool.blockFromDevice(initialSize)
	if err != nil {
		return nil, err
	}
	pool.noSyncBlocks.Insert(block)

	return pool, nil
}

// Allocate returns a pointer to at least size bytes of device memory associated with
// the provided stream. The pointer is aligned to AllocationAlignment. Requests for
// zero or fewer bytes succeed and return the nil pointer.
func (p *PoolResource) Allocate(size int, stream Stream) (DevicePtr, error) {
	if size <= 0 {
		return 0, nil
	}

	size, err := memutils.RoundUpSafe(size, AllocationAlignment)
	if err != nil {
		return 0, err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.allocateBlock(size, stream)
}

// Deallocate returns the allocation at ptr to the pool, coalescing it with its free
// neighbors. The block becomes visible to other streams once its stream's free list
// is adopted. Deallocating the nil pointer is a no-op; deallocating a pointer this
// pool did not allocate returns ErrInvalidArgument. When size is nonzero it must
// match the allocation's rounded size.
func (p *PoolResource) Deallocate(ptr DevicePtr, size int, stream Stream) error {
	if ptr == 0 {
		return nil
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.deallocateBlock(ptr, size, stream)
}

// Reallocate resizes the allocation at ptr to newSize bytes, returning the pointer to
// the resized allocation. The allocation shrinks in place, grows in place when the
// adjacent memory is free, and otherwise moves via an allocate-copy-free sequence.
// Any leftover space from the original block is returned to the pool. Reallocating
// the nil pointer behaves as Allocate; reallocating to zero or fewer bytes behaves as
// Deallocate and returns the nil pointer.
func (p *PoolResource) Reallocate(ptr DevicePtr, newSize int, stream Stream) (DevicePtr, error) {
	if ptr == 0 {
		return p.Allocate(newSize, stream)
	}
	if newSize <= 0 {
		return 0, p.Deallocate(ptr, 0, stream)
	}

	newSize, err := memutils.RoundUpSafe(newSize, AllocationAlignment)
	if err != nil {
		return 0, err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	block, ok := p.allocatedBlocks.Get(ptr)
	if !ok {
		return 0, cerrors.Wrapf(ErrInvalidArgument, "pointer 0x%x was not allocated by this resource", uintptr(ptr))
	}

	switch {
	case newSize == block.size:
		return ptr, nil

	case newSize < block.size:
		// Shrink in place and return the tail to the pool.
		remainder := NewBlock(block.ptr+DevicePtr(newSize), block.size-newSize)
		p.streamFreeList(stream).Insert(remainder)
		p.allocatedBlocks.Put(ptr, Block{ptr: block.ptr, size: newSize, head: block.head})
		return ptr, nil
	}

	needed := newSize - block.size
	successor, found := p.takeContiguousSuccessor(block, needed)
	if found {
		// Grow in place: consume what we need from the free successor and return the
		// rest.
		if successor.size > needed {
			p.noSyncBlocks.Insert(NewBlock(successor.ptr+DevicePtr(needed), successor.size-needed))
		}
		p.allocatedBlocks.Put(ptr, Block{ptr: block.ptr, size: newSize, head: block.head})
		return ptr, nil
	}

	// The successor cannot serve the growth, fall back to allocate-copy-free.
	newPtr, err := p.allocateBlock(newSize, stream)
	if err != nil {
		return 0, err
	}

	err = p.device.Copy(newPtr, ptr, block.size, stream)
	if err != nil {
		freeErr := p.deallocateBlock(newPtr, 0, stream)
		if freeErr != nil {
			panic("failed to return a block the pool just allocated")
		}
		return 0, err
	}

	err = p.deallocateBlock(ptr, 0, stream)
	if err != nil {
		return 0, err
	}

	return newPtr, nil
}

// AllocationOffset returns the offset in bytes of ptr from the base of the
// reservation that contains it.
func (p *PoolResource) AllocationOffset(ptr DevicePtr) (int, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	reservation, found := p.owningReservation(ptr)
	if !found {
		return 0, cerrors.Wrapf(ErrInvalidArgument, "pointer 0x%x is outside every reservation in this pool", uintptr(ptr))
	}

	return int(ptr - reservation.ptr), nil
}

// MemoryInfo reports the free and total memory of the underlying device. The snapshot
// changes when the pool grows, not when recycled blocks are reused.
func (p *PoolResource) MemoryInfo() (free, total int, err error) {
	return p.device.MemoryInfo()
}

// AllocationCount returns the number of live allocations in the pool.
func (p *PoolResource) AllocationCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.allocatedBlocks.Count()
}

// CurrentPoolSize returns the total bytes of device memory currently reserved by the
// pool.
func (p *PoolResource) CurrentPoolSize() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.currentPoolSize
}

// AddDetailedStatistics sums this pool's reservation, allocation, and free-region
// data into the statistics currently present in the provided
// memutils.DetailedStatistics object.
func (p *PoolResource) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.addDetailedStatistics(stats)
}

// BuildStatsString populates a json writer with the pool's summary statistics and a
// map of its reservations and free blocks. Walking the pool is slow, so this should
// only be used for diagnostics.
func (p *PoolResource) BuildStatsString(writer *jwriter.Writer) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	objState := writer.Object()
	defer objState.End()

	var stats memutils.DetailedStatistics
	stats.Clear()
	p.addDetailedStatistics(&stats)

	totalObj := objState.Name("Total").Object()
	stats.PrintJson(totalObj)
	totalObj.End()

	reservationObj := objState.Name("Reservations").Object()
	for _, reservation := range p.sortedReservations() {
		resObj := reservationObj.Name("0x" + strconv.FormatUint(uint64(reservation.ptr), 16)).Object()
		resObj.Name("Size").Int(reservation.size)
		resObj.End()
	}
	reservationObj.End()

	freeArray := objState.Name("FreeBlocks").Array()
	p.printFreeList(&freeArray, p.noSyncBlocks)
	freeArray.End()

	syncObj := objState.Name("SyncFreeBlocks").Object()
	for _, stream := range p.sortedSyncStreams() {
		streamArray := syncObj.Name(strconv.FormatUint(uint64(stream), 10)).Array()
		p.printFreeList(&streamArray, p.syncBlocks[stream])
		streamArray.End()
	}
	syncObj.End()
}

// Validate performs internal consistency checks on the pool and its free lists. These
// checks walk every block and are intended for tests and diagnostics.
func (p *PoolResource) Validate() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	err := p.noSyncBlocks.Validate()
	if err != nil {
		return err
	}

	for stream, list := range p.syncBlocks {
		err = list.Validate()
		if err != nil {
			return errors.Wrapf(err, "free list for stream %d", stream)
		}
	}

	trackedBytes := 0
	err = p.visitAllFreeBlocks(func(block Block) error {
		trackedBytes += block.size

		_, found := p.owningReservation(block.ptr)
		if !found {
			return errors.Errorf("free block %s is outside every reservation", block)
		}
		return nil
	})
	if err != nil {
		return err
	}

	var allocErr error
	p.allocatedBlocks.Iter(func(ptr DevicePtr, block Block) bool {
		trackedBytes += block.size

		_, found := p.owningReservation(ptr)
		if !found {
			allocErr = errors.Errorf("allocated block %s is outside every reservation", block)
			return true
		}
		return false
	})
	if allocErr != nil {
		return allocErr
	}

	if trackedBytes != p.currentPoolSize {
		return errors.Errorf("the pool tracks %d bytes but has reserved %d bytes", trackedBytes, p.currentPoolSize)
	}

	return nil
}

// Destroy releases every reservation back to the device and clears the pool's state.
// Allocations still live when Destroy is called are logged and their memory is
// released out from under them.
func (p *PoolResource) Destroy() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.allocatedBlocks.Iter(func(ptr DevicePtr, block Block) bool {
		p.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
			slog.Uint64("ptr", uint64(ptr)),
			slog.Int("size", block.size),
		)
		return false
	})

	var firstErr error
	p.reservations.Iter(func(ptr DevicePtr, block Block) bool {
		err := p.device.Release(ptr)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return false
	})

	p.noSyncBlocks.Clear()
	p.syncBlocks = map[Stream]*FreeList{}
	p.allocatedBlocks = swiss.NewMap[DevicePtr, Block](42)
	p.reservations = swiss.NewMap[DevicePtr, Block](42)
	p.currentPoolSize = 0

	return firstErr
}

// allocateBlock finds or creates a block of at least size bytes, splits off the
// requested prefix, and records it as allocated. size must already be aligned and the
// pool mutex must be held.
func (p *PoolResource) allocateBlock(size int, stream Stream) (DevicePtr, error) {
	block, err := p.availableLargerBlock(size, stream)
	if err != nil {
		return 0, err
	}

	if block.size > size {
		rest := NewBlock(block.ptr+DevicePtr(size), block.size-size)
		p.noSyncBlocks.Insert(rest)
		block = Block{ptr: block.ptr, size: size, head: block.head}
	}

	p.allocatedBlocks.Put(block.ptr, block)
	memutils.DebugValidate(p.noSyncBlocks)

	return block.ptr, nil
}

// deallocateBlock moves an allocated block onto its stream's free list. The pool
// mutex must be held.
func (p *PoolResource) deallocateBlock(ptr DevicePtr, size int, stream Stream) error {
	block, ok := p.allocatedBlocks.Get(ptr)
	if !ok {
		return cerrors.Wrapf(ErrInvalidArgument, "pointer 0x%x was not allocated by this resource", uintptr(ptr))
	}

	if size != 0 {
		rounded, err := memutils.RoundUpSafe(size, AllocationAlignment)
		if err != nil {
			return err
		}
		if rounded != block.size {
			return cerrors.Wrapf(ErrInvalidArgument, "pointer 0x%x was allocated with %d bytes but freed with %d",
				uintptr(ptr), block.size, rounded)
		}
	}

	p.allocatedBlocks.Delete(ptr)
	p.streamFreeList(stream).Insert(block)

	return nil
}

// availableLargerBlock locates a free block of at least size bytes: first from the
// shared no-sync list, then by adopting other streams' sync lists, then the caller's
// own, then by merging every sync list into the shared list, and finally by growing
// the pool with a new device reservation.
func (p *PoolResource) availableLargerBlock(size int, stream Stream) (Block, error) {
	block := p.noSyncBlocks.BestFit(size)
	if block.IsValid() {
		return block, nil
	}

	for other := range p.syncBlocks {
		if other != stream {
			block = p.blockFromSyncList(size, other)
			if block.IsValid() {
				return block, nil
			}
		}
	}

	if _, ok := p.syncBlocks[stream]; ok {
		block = p.blockFromSyncList(size, stream)
		if block.IsValid() {
			return block, nil
		}
	}

	// No list had a fit on its own, but fragments split across lists may coalesce
	// into one large enough once merged into the shared list.
	if len(p.syncBlocks) > 0 {
		p.adoptAllSyncBlocks()

		block = p.noSyncBlocks.BestFit(size)
		if block.IsValid() {
			return block, nil
		}
	}

	growth := p.growthSize(size)
	newBlock, err := p.blockFromDevice(growth)
	if err != nil && growth > size {
		// The amortizing overshoot may not fit; retry with exactly the request.
		newBlock, err = p.blockFromDevice(size)
	}

	return newBlock, err
}

// blockFromSyncList takes a best-fit block from one stream's sync list. When a block
// is found, the rest of that stream's blocks are adopted into the shared no-sync
// list, since reuse on another stream implies the stream's prior work has completed.
func (p *PoolResource) blockFromSyncList(size int, stream Stream) Block {
	list := p.syncBlocks[stream]

	block := list.BestFit(size)
	if block.IsValid() {
		p.adoptSyncBlocks(stream)
	}

	return block
}

// adoptSyncBlocks moves every block on the provided stream's sync list into the
// shared no-sync list and drops the stream's list.
func (p *PoolResource) adoptSyncBlocks(stream Stream) {
	list, ok := p.syncBlocks[stream]
	if !ok {
		return
	}

	_ = list.VisitBlocks(func(block Block) error {
		p.noSyncBlocks.Insert(block)
		return nil
	})
	list.Clear()
	delete(p.syncBlocks, stream)
}

// adoptAllSyncBlocks merges every stream's sync list into the shared no-sync list.
func (p *PoolResource) adoptAllSyncBlocks() {
	for stream := range p.syncBlocks {
		p.adoptSyncBlocks(stream)
	}
}

// blockFromDevice grows the pool with a new reservation of the provided size.
func (p *PoolResource) blockFromDevice(size int) (Block, error) {
	if p.currentPoolSize+size > p.maximumPoolSize {
		return Block{}, cerrors.Wrapf(ErrOutOfMemory, "growing the pool by %d bytes would exceed its maximum size %d",
			size, p.maximumPoolSize)
	}

	ptr, err := p.device.Reserve(size)
	if err != nil {
		return Block{}, err
	}

	block := NewReservationBlock(ptr, size)
	p.reservations.Put(ptr, block)
	p.currentPoolSize += size

	return block, nil
}

// growthSize chooses how much to grow the pool by for a request of the provided
// size: half the current pool size, to amortize future requests, but never less than
// the request and never beyond the maximum pool size.
func (p *PoolResource) growthSize(size int) int {
	growth := p.currentPoolSize / 2
	if growth < size {
		growth = size
	}

	if p.currentPoolSize+growth > p.maximumPoolSize {
		growth = p.maximumPoolSize - p.currentPoolSize
		if growth < size {
			growth = size
		}
	}

	return growth
}

// takeContiguousSuccessor searches every free list for a non-head block beginning
// exactly at the end of the provided block with at least needed bytes, erasing and
// returning it when found.
func (p *PoolResource) takeContiguousSuccessor(block Block, needed int) (Block, bool) {
	successorPtr := block.ptr + DevicePtr(block.size)

	lists := make([]*FreeList, 0, len(p.syncBlocks)+1)
	lists = append(lists, p.noSyncBlocks)
	for _, list := range p.syncBlocks {
		lists = append(lists, list)
	}

	for _, list := range lists {
		for pos, ok := list.First(); ok; pos, ok = list.Next(pos) {
			candidate := list.At(pos)
			if candidate.ptr > successorPtr {
				break
			}
			if candidate.ptr == successorPtr && !candidate.head && candidate.size >= needed {
				list.Erase(pos)
				return candidate, true
			}
		}
	}

	return Block{}, false
}

func (p *PoolResource) streamFreeList(stream Stream) *FreeList {
	list, ok := p.syncBlocks[stream]
	if !ok {
		list = NewFreeList()
		p.syncBlocks[stream] = list
	}

	return list
}

func (p *PoolResource) owningReservation(ptr DevicePtr) (Block, bool) {
	var owner Block
	found := false

	p.reservations.Iter(func(base DevicePtr, block Block) bool {
		if ptr >= base && ptr < base+DevicePtr(block.size) {
			owner = block
			found = true
			return true
		}
		return false
	})

	return owner, found
}

func (p *PoolResource) visitAllFreeBlocks(visit func(block Block) error) error {
	err := p.noSyncBlocks.VisitBlocks(visit)
	if err != nil {
		return err
	}

	for _, list := range p.syncBlocks {
		err = list.VisitBlocks(visit)
		if err != nil {
			return err
		}
	}

	return nil
}

func (p *PoolResource) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	p.reservations.Iter(func(ptr DevicePtr, block Block) bool {
		stats.BlockCount++
		stats.BlockBytes += block.size
		return false
	})

	p.allocatedBlocks.Iter(func(ptr DevicePtr, block Block) bool {
		stats.AddAllocation(block.size)
		return false
	})

	p.noSyncBlocks.AddDetailedStatistics(stats)
	for _, list := range p.syncBlocks {
		list.AddDetailedStatistics(stats)
	}
}

func (p *PoolResource) sortedReservations() []Block {
	reservations := make([]Block, 0, p.reservations.Count())
	p.reservations.Iter(func(ptr DevicePtr, block Block) bool {
		reservations = append(reservations, block)
		return false
	})

	slices.SortFunc(reservations, func(a, b Block) bool {
		return a.ptr < b.ptr
	})

	return reservations
}

func (p *PoolResource) sortedSyncStreams() []Stream {
	streams := make([]Stream, 0, len(p.syncBlocks))
	for stream := range p.syncBlocks {
		streams = append(streams, stream)
	}

	slices.Sort(streams)
	return streams
}

func (p *PoolResource) printFreeList(arrayState *jwriter.ArrayState, list *FreeList) {
	_ = list.VisitBlocks(func(block Block) error {
		obj := arrayState.Object()
		obj.Name("Offset").Int(int(block.ptr))
		obj.Name("Size").Int(block.size)
		obj.End()
		return nil
	})
}
