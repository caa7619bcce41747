package rmm

import (
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/jrhemstad/rmm/mr"
)

// Manager owns the memory manager context: the global allocator configuration, the
// set of registered streams, the event log, and the pool resource when pool
// allocation is enabled.
//
// A Manager is an ordinary value that can be constructed with NewManager, so tests
// and embedding systems may run several isolated instances in one process. The
// process-wide instance used by this package's top-level functions is available from
// Default.
type Manager struct {
	slog   *slog.Logger
	logger *Logger

	device      mr.DeviceMemory
	options     Options
	initialized bool

	streamsMutex sync.Mutex
	streams      *swiss.Map[mr.Stream, struct{}]

	pool *mr.PoolResource

	// Direct-mode reservations, tracked so Free can validate pointers and so
	// AllocationOffset has an answer without a pool.
	directMutex  sync.Mutex
	directAllocs *swiss.Map[mr.DevicePtr, int]
}

// NewManager creates an uninitialized Manager. The slog logger is used for
// diagnostics such as unreleased allocations at Finalize time; pass nil to use
// slog.Default.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}

	return &Manager{
		slog:         log,
		logger:       NewLogger(),
		streams:      swiss.NewMap[mr.Stream, struct{}](42),
		directAllocs: swiss.NewMap[mr.DevicePtr, int](42),
	}
}

var (
	defaultOnce    sync.Once
	defaultManager *Manager
)

// Default returns the process-wide Manager, creating it on first access. Creation is
// exactly-once regardless of how many goroutines race here.
func Default() *Manager {
	defaultOnce.Do(func() {
		defaultManager = NewManager(nil)
	})

	return defaultManager
}

// Initialize prepares the Manager to serve allocations from the provided device.
// When options is non-nil it replaces the current configuration. When pool
// allocation is enabled, the initial pool is reserved here.
func (m *Manager) Initialize(device mr.DeviceMemory, options *Options) error {
	if device == nil {
		return cerrors.Wrap(mr.ErrInvalidArgument, "initialized with a nil device")
	}
	if m.initialized {
		return cerrors.Wrap(mr.ErrInvalidArgument, "the manager is already initialized")
	}

	if options != nil {
		m.options = *options
	}

	if m.options.Mode&PoolAllocation != 0 {
		pool, err := mr.NewPoolResource(m.slog, device, mr.PoolResourceCreateInfo{
			InitialPoolSize: m.options.InitialPoolSize,
			MaximumPoolSize: m.options.MaximumPoolSize,
			UseMutex:        true,
		})
		if err != nil {
			return err
		}
		m.pool = pool
	}

	m.device = device
	m.initialized = true
	return nil
}

// Finalize shuts the Manager down: the pool is destroyed and its reservations
// returned to the device, the stream registry and the event log are cleared, and
// direct-mode reservations are released. Configuration survives, and the Manager may
// be initialized again.
func (m *Manager) Finalize() error {
	var firstErr error

	if m.pool != nil {
		firstErr = m.pool.Destroy()
		m.pool = nil
	}

	if m.device != nil {
		m.directMutex.Lock()
		m.directAllocs.Iter(func(ptr mr.DevicePtr, size int) bool {
			err := m.device.Release(ptr)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			return false
		})
		m.directAllocs = swiss.NewMap[mr.DevicePtr, int](42)
		m.directMutex.Unlock()
	}

	m.streamsMutex.Lock()
	m.streams = swiss.NewMap[mr.Stream, struct{}](42)
	m.streamsMutex.Unlock()

	// Deliberately outside the streams critical section: the stream-set lock and the
	// logger lock are never held together.
	m.logger.Clear()

	m.device = nil
	m.initialized = false
	return firstErr
}

// SetOptions replaces the allocator configuration. Configure before the first
// allocation: SetOptions is not safe to call concurrently with in-flight
// allocations.
func (m *Manager) SetOptions(options Options) {
	m.options = options
}

// Options returns the current allocator configuration.
func (m *Manager) Options() Options {
	return m.options
}

// UsesPoolAllocator returns true when pool allocation is enabled.
func (m *Manager) UsesPoolAllocator() bool {
	return m.options.Mode&PoolAllocation != 0
}

// UsesManagedMemory returns true when managed-memory allocation is enabled.
func (m *Manager) UsesManagedMemory() bool {
	return m.options.Mode&ManagedMemory != 0
}

// UsesDefaultAllocator returns true when requests go directly to the device.
func (m *Manager) UsesDefaultAllocator() bool {
	return m.options.Mode == DefaultAllocation
}

// Logger returns the Manager's event log.
func (m *Manager) Logger() *Logger {
	return m.logger
}

// RegisterStream adds a stream to the Manager's registration set. Registering a
// stream that is already registered succeeds and leaves the set unchanged.
func (m *Manager) RegisterStream(stream mr.Stream) error {
	m.streamsMutex.Lock()
	defer m.streamsMutex.Unlock()

	m.streams.Put(stream, struct{}{})
	return nil
}

// RegisteredStreamCount returns the number of streams in the registration set.
func (m *Manager) RegisteredStreamCount() int {
	m.streamsMutex.Lock()
	defer m.streamsMutex.Unlock()

	return m.streams.Count()
}

// Alloc returns a pointer to at least size bytes of device memory associated with
// the provided stream. Requests for zero or fewer bytes succeed and return the nil
// pointer.
func (m *Manager) Alloc(size int, stream mr.Stream) (mr.DevicePtr, error) {
	file, line := callSite()
	return m.alloc(size, stream, file, line)
}

// Realloc resizes the allocation at ptr to newSize bytes, recycling any leftover
// space from the original block. The returned pointer may differ from ptr. A nil ptr
// behaves as Alloc; a zero newSize behaves as Free and returns the nil pointer.
func (m *Manager) Realloc(ptr mr.DevicePtr, newSize int, stream mr.Stream) (mr.DevicePtr, error) {
	file, line := callSite()
	return m.realloc(ptr, newSize, stream, file, line)
}

// Free returns the allocation at ptr to the memory manager. Freeing the nil pointer
// is a no-op; freeing a pointer the manager did not allocate returns
// ErrInvalidArgument.
func (m *Manager) Free(ptr mr.DevicePtr, stream mr.Stream) error {
	file, line := callSite()
	return m.free(ptr, stream, file, line)
}

// MemoryInfo reports the free and total bytes of device memory. In pooled mode the
// stream is registered with the manager as a side effect.
func (m *Manager) MemoryInfo(stream mr.Stream) (free, total int, err error) {
	if !m.initialized {
		return 0, 0, cerrors.Wrap(mr.ErrNotInitialized, "queried memory info")
	}

	if m.UsesPoolAllocator() {
		err = m.RegisterStream(stream)
		if err != nil {
			return 0, 0, err
		}
		return m.pool.MemoryInfo()
	}

	return m.device.MemoryInfo()
}

// AllocationOffset returns the offset in bytes of ptr from the base of its owning
// device reservation.
func (m *Manager) AllocationOffset(ptr mr.DevicePtr) (int, error) {
	if !m.initialized {
		return 0, cerrors.Wrap(mr.ErrNotInitialized, "queried an allocation offset")
	}

	if m.UsesPoolAllocator() {
		return m.pool.AllocationOffset(ptr)
	}

	m.directMutex.Lock()
	defer m.directMutex.Unlock()

	// Direct-mode allocations are whole reservations, so a known pointer is its own
	// base.
	if !m.directAllocs.Has(ptr) {
		return 0, cerrors.Wrapf(mr.ErrInvalidArgument, "pointer 0x%x was not allocated by this manager", uintptr(ptr))
	}

	return 0, nil
}

// WriteLog serializes the event log as CSV to a file at the provided path.
func (m *Manager) WriteLog(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return cerrors.Wrapf(mr.ErrIO, "creating log file %s: %v", path, err)
	}

	err = m.logger.ToCSV(file)
	if err != nil {
		_ = file.Close()
		return err
	}

	err = file.Close()
	if err != nil {
		return cerrors.Wrapf(mr.ErrIO, "closing log file %s: %v", path, err)
	}

	return nil
}

// Log returns the CSV rendering of the event log.
func (m *Manager) Log() string {
	return m.logger.Log()
}

// LogSize returns the size in bytes of the CSV rendering of the event log.
func (m *Manager) LogSize() int {
	return m.logger.Size()
}

// BuildStatsString returns a JSON description of the manager's memory state,
// including pool reservations and free blocks when pool allocation is enabled.
func (m *Manager) BuildStatsString() (string, error) {
	if !m.initialized {
		return "", cerrors.Wrap(mr.ErrNotInitialized, "requested a stats string")
	}

	writer := jwriter.NewWriter()
	objState := writer.Object()

	objState.Name("DeviceID").Int(m.device.DeviceID())

	free, total, err := m.device.MemoryInfo()
	if err != nil {
		return "", err
	}
	objState.Name("FreeMemory").Int(free)
	objState.Name("TotalMemory").Int(total)
	objState.Name("Mode").String(m.options.Mode.String())

	if m.pool != nil {
		m.pool.BuildStatsString(objState.Name("Pool"))
	}

	objState.End()

	err = writer.Error()
	if err != nil {
		return "", cerrors.Wrapf(mr.ErrIO, "building the stats string: %v", err)
	}

	return string(writer.Bytes()), nil
}

func (m *Manager) alloc(size int, stream mr.Stream, file string, line int) (mr.DevicePtr, error) {
	if !m.initialized {
		return 0, cerrors.Wrapf(mr.ErrNotInitialized, "allocated %d bytes", size)
	}

	start := time.Now()

	var ptr mr.DevicePtr
	var err error

	if m.UsesPoolAllocator() {
		ptr, err = m.pool.Allocate(size, stream)
	} else {
		ptr, err = m.directAlloc(size)
	}

	if err != nil {
		return 0, err
	}

	m.recordEvent(EventAlloc, ptr, size, stream, start, file, line)
	return ptr, nil
}

func (m *Manager) realloc(ptr mr.DevicePtr, newSize int, stream mr.Stream, file string, line int) (mr.DevicePtr, error) {
	if !m.initialized {
		return 0, cerrors.Wrapf(mr.ErrNotInitialized, "reallocated to %d bytes", newSize)
	}

	start := time.Now()

	var newPtr mr.DevicePtr
	var err error

	if m.UsesPoolAllocator() {
		newPtr, err = m.pool.Reallocate(ptr, newSize, stream)
	} else {
		newPtr, err = m.directRealloc(ptr, newSize, stream)
	}

	if err != nil {
		return 0, err
	}

	m.recordEvent(EventRealloc, newPtr, newSize, stream, start, file, line)
	return newPtr, nil
}

func (m *Manager) free(ptr mr.DevicePtr, stream mr.Stream, file string, line int) error {
	if !m.initialized {
		return cerrors.Wrap(mr.ErrNotInitialized, "freed a pointer")
	}
	if ptr == 0 {
		return nil
	}

	start := time.Now()

	var err error
	if m.UsesPoolAllocator() {
		err = m.pool.Deallocate(ptr, 0, stream)
	} else {
		err = m.directFree(ptr)
	}

	if err != nil {
		return err
	}

	m.recordEvent(EventFree, ptr, 0, stream, start, file, line)
	return nil
}

func (m *Manager) directAlloc(size int) (mr.DevicePtr, error) {
	if size <= 0 {
		return 0, nil
	}

	ptr, err := m.device.Reserve(size)
	if err != nil {
		return 0, err
	}

	m.directMutex.Lock()
	m.directAllocs.Put(ptr, size)
	m.directMutex.Unlock()

	return ptr, nil
}

func (m *Manager) directRealloc(ptr mr.DevicePtr, newSize int, stream mr.Stream) (mr.DevicePtr, error) {
	if ptr == 0 {
		return m.directAlloc(newSize)
	}
	if newSize <= 0 {
		return 0, m.directFree(ptr)
	}

	m.directMutex.Lock()
	oldSize, ok := m.directAllocs.Get(ptr)
	m.directMutex.Unlock()
	if !ok {
		return 0, cerrors.Wrapf(mr.ErrInvalidArgument, "pointer 0x%x was not allocated by this manager", uintptr(ptr))
	}

	if newSize == oldSize {
		return ptr, nil
	}

	newPtr, err := m.directAlloc(newSize)
	if err != nil {
		return 0, err
	}

	copySize := oldSize
	if newSize < copySize {
		copySize = newSize
	}

	err = m.device.Copy(newPtr, ptr, copySize, stream)
	if err != nil {
		_ = m.directFree(newPtr)
		return 0, err
	}

	err = m.directFree(ptr)
	if err != nil {
		return 0, err
	}

	return newPtr, nil
}

func (m *Manager) directFree(ptr mr.DevicePtr) error {
	m.directMutex.Lock()
	defer m.directMutex.Unlock()

	if !m.directAllocs.Has(ptr) {
		return cerrors.Wrapf(mr.ErrInvalidArgument, "pointer 0x%x was not allocated by this manager", uintptr(ptr))
	}

	err := m.device.Release(ptr)
	if err != nil {
		return err
	}

	m.directAllocs.Delete(ptr)
	return nil
}

func (m *Manager) recordEvent(kind EventKind, ptr mr.DevicePtr, size int, stream mr.Stream, start time.Time, file string, line int) {
	if !m.options.EnableLogging {
		return
	}

	free, total, err := m.device.MemoryInfo()
	if err != nil {
		// A failed snapshot should not fail the allocation that triggered it.
		free, total = 0, 0
	}

	m.logger.Record(MemoryEvent{
		Kind:        kind,
		DeviceID:    m.device.DeviceID(),
		Ptr:         ptr,
		Size:        size,
		Stream:      stream,
		FreeMemory:  free,
		TotalMemory: total,
		Start:       start,
		End:         time.Now(),
		File:        file,
		Line:        line,
	})
}

// callSite reports the file and line of the caller two frames up: the user code that
// invoked the exported entry point.
func callSite() (string, int) {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "unknown", 0
	}

	return file, line
}
