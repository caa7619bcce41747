package rmm

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"

	"github.com/jrhemstad/rmm/mr"
)

// EventKind identifies the kind of memory manager event captured in a MemoryEvent.
type EventKind int

const (
	EventAlloc EventKind = iota
	EventRealloc
	EventFree
)

var eventKindMapping = map[EventKind]string{
	EventAlloc:   "Alloc",
	EventRealloc: "Realloc",
	EventFree:    "Free",
}

func (k EventKind) String() string {
	return eventKindMapping[k]
}

// MemoryEvent describes one allocation, reallocation, or free, along with a snapshot
// of device memory at the time of the event. Events are immutable once recorded.
type MemoryEvent struct {
	Kind     EventKind
	DeviceID int
	Ptr      mr.DevicePtr
	Size     int
	Stream   mr.Stream

	// FreeMemory and TotalMemory snapshot the device at event time.
	FreeMemory  int
	TotalMemory int

	// CurrentAllocations is derived by the Logger from its running set of live
	// pointers; callers do not populate it.
	CurrentAllocations int

	Start time.Time
	End   time.Time

	// File and Line identify the call site that triggered the event.
	File string
	Line int
}

// Logger is an append-only, thread-safe record of memory manager events. It maintains
// a running set of live pointers so each event carries the number of allocations that
// were live when it was recorded.
//
// Logger has its own lock, distinct from any allocator lock, so recording an event
// never serializes the allocation hot path against log readers.
type Logger struct {
	mutex    sync.Mutex
	baseTime time.Time
	events   []MemoryEvent
	live     *swiss.Map[mr.DevicePtr, struct{}]
}

func NewLogger() *Logger {
	return &Logger{
		baseTime: time.Now(),
		live:     swiss.NewMap[mr.DevicePtr, struct{}](42),
	}
}

// Record appends an event to the log. The event's CurrentAllocations field is
// overwritten with the size of the live-pointer set after applying the event: Alloc
// and Realloc insert the event's pointer, Free removes it.
func (l *Logger) Record(event MemoryEvent) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	switch event.Kind {
	case EventAlloc, EventRealloc:
		if event.Ptr != 0 {
			l.live.Put(event.Ptr, struct{}{})
		}
	case EventFree:
		l.live.Delete(event.Ptr)
	}

	event.CurrentAllocations = l.live.Count()
	l.events = append(l.events, event)
}

// EventCount returns the number of events recorded since the last Clear.
func (l *Logger) EventCount() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return len(l.events)
}

// LiveAllocations returns the number of pointers recorded as allocated but not yet
// freed.
func (l *Logger) LiveAllocations() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.live.Count()
}

// Events returns a copy of the recorded events in insertion order.
func (l *Logger) Events() []MemoryEvent {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	events := make([]MemoryEvent, len(l.events))
	copy(events, l.events)
	return events
}

// Clear drops all recorded events and resets the live-pointer set.
func (l *Logger) Clear() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.events = nil
	l.live = swiss.NewMap[mr.DevicePtr, struct{}](42)
}

var csvHeader = []string{
	"Event Type",
	"Device ID",
	"Address",
	"Stream",
	"Size (bytes)",
	"Free Memory",
	"Total Memory",
	"Current Allocs",
	"Start",
	"End",
	"Elapsed",
	"Location",
}

// ToCSV writes the log as comma-separated values: a header row followed by one row
// per event in insertion order. Timestamps are rendered as seconds elapsed since the
// logger was created. ToCSV is safe to call concurrently with Record.
func (l *Logger) ToCSV(w io.Writer) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	writer := csv.NewWriter(w)

	err := writer.Write(csvHeader)
	if err != nil {
		return cerrors.Wrapf(mr.ErrIO, "writing the log header: %v", err)
	}

	for _, event := range l.events {
		row := []string{
			event.Kind.String(),
			strconv.Itoa(event.DeviceID),
			fmt.Sprintf("0x%x", uintptr(event.Ptr)),
			strconv.FormatUint(uint64(event.Stream), 10),
			strconv.Itoa(event.Size),
			strconv.Itoa(event.FreeMemory),
			strconv.Itoa(event.TotalMemory),
			strconv.Itoa(event.CurrentAllocations),
			formatSeconds(event.Start.Sub(l.baseTime)),
			formatSeconds(event.End.Sub(l.baseTime)),
			formatSeconds(event.End.Sub(event.Start)),
			event.File + ":" + strconv.Itoa(event.Line),
		}

		err = writer.Write(row)
		if err != nil {
			return cerrors.Wrapf(mr.ErrIO, "writing a log row: %v", err)
		}
	}

	writer.Flush()
	err = writer.Error()
	if err != nil {
		return cerrors.Wrapf(mr.ErrIO, "flushing the log: %v", err)
	}

	return nil
}

// Log returns the CSV rendering of the log as a string.
func (l *Logger) Log() string {
	var builder strings.Builder
	// strings.Builder writes cannot fail
	_ = l.ToCSV(&builder)
	return builder.String()
}

// Size returns the size in bytes of the CSV rendering of the log.
func (l *Logger) Size() int {
	return len(l.Log())
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 9, 64)
}
