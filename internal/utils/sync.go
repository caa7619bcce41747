package utils

import (
	"sync"
)

// OptionalMutex guards a memory resource that may be shared between goroutines.
// Resources confined to a single goroutine leave UseMutex false and every Lock and
// Unlock becomes a no-op.
type OptionalMutex struct {
	Mutex    sync.Mutex
	UseMutex bool
}

func (m *OptionalMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}
