package rmm_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jrhemstad/rmm"
	"github.com/jrhemstad/rmm/mr"
)

// The top-level functions share one process-wide Manager, so its whole lifecycle is
// exercised in a single test.
func TestProcessWideManager(t *testing.T) {
	require.Same(t, rmm.Default(), rmm.Default())

	device := mr.NewSimulatedDevice(0, 1<<20)
	require.NoError(t, rmm.Initialize(device, &rmm.Options{
		Mode:            rmm.PoolAllocation,
		InitialPoolSize: 65536,
		MaximumPoolSize: 65536,
		EnableLogging:   true,
	}))
	defer func() {
		require.NoError(t, rmm.Finalize())
	}()

	require.NoError(t, rmm.RegisterStream(mr.Stream(1)))

	ptr, err := rmm.Alloc(4096, mr.Stream(1))
	require.NoError(t, err)
	require.NotEqual(t, mr.DevicePtr(0), ptr)

	offset, err := rmm.AllocationOffset(ptr)
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	free, total, err := rmm.MemoryInfo(mr.Stream(1))
	require.NoError(t, err)
	require.Equal(t, total-65536, free)

	ptr, err = rmm.Realloc(ptr, 8192, mr.Stream(1))
	require.NoError(t, err)

	require.NoError(t, rmm.Free(ptr, mr.Stream(1)))

	log := rmm.Log()
	require.Equal(t, len(log), rmm.LogSize())
	require.True(t, strings.HasPrefix(log, "Event Type,"))

	// Alloc, Realloc, Free: a header plus three rows, each tagged with this file.
	lines := strings.Split(strings.TrimRight(log, "\n"), "\n")
	require.Len(t, lines, 4)
	require.Contains(t, lines[1], "rmm_test.go:")
}
