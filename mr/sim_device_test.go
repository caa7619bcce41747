package mr_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/jrhemstad/rmm/mr"
)

func TestSimulatedDeviceReserveAndRelease(t *testing.T) {
	device := mr.NewSimulatedDevice(3, 65536)
	require.Equal(t, 3, device.DeviceID())

	ptr, err := device.Reserve(4096)
	require.NoError(t, err)
	require.NotEqual(t, mr.DevicePtr(0), ptr)

	free, total, err := device.MemoryInfo()
	require.NoError(t, err)
	require.Equal(t, 65536, total)
	require.Equal(t, 65536-4096, free)

	require.NoError(t, device.Release(ptr))

	free, _, err = device.MemoryInfo()
	require.NoError(t, err)
	require.Equal(t, 65536, free)
}

func TestSimulatedDeviceReserveErrors(t *testing.T) {
	device := mr.NewSimulatedDevice(0, 4096)

	_, err := device.Reserve(0)
	require.Error(t, err)
	require.True(t, errors.Is(err, mr.ErrInvalidArgument))

	_, err = device.Reserve(8192)
	require.Error(t, err)
	require.True(t, errors.Is(err, mr.ErrOutOfMemory))

	// Capacity still serves requests that fit.
	_, err = device.Reserve(4096)
	require.NoError(t, err)
	_, err = device.Reserve(1)
	require.Error(t, err)
	require.True(t, errors.Is(err, mr.ErrOutOfMemory))
}

func TestSimulatedDeviceReleaseUnknownPointer(t *testing.T) {
	device := mr.NewSimulatedDevice(0, 4096)

	err := device.Release(mr.DevicePtr(0xbeef))
	require.Error(t, err)
	require.True(t, errors.Is(err, mr.ErrInvalidArgument))
}

func TestSimulatedDeviceCopyValidatesRanges(t *testing.T) {
	device := mr.NewSimulatedDevice(0, 65536)

	src, err := device.Reserve(4096)
	require.NoError(t, err)
	dst, err := device.Reserve(4096)
	require.NoError(t, err)

	require.NoError(t, device.Copy(dst, src, 4096, mr.DefaultStream))
	require.NoError(t, device.Copy(dst+256, src, 1024, mr.DefaultStream))
	require.NoError(t, device.Copy(dst, src, 0, mr.DefaultStream))

	// A range that runs past its reservation is rejected.
	err = device.Copy(dst+256, src, 4096, mr.DefaultStream)
	require.Error(t, err)
	require.True(t, errors.Is(err, mr.ErrInvalidArgument))

	err = device.Copy(dst, mr.DevicePtr(0x1), 64, mr.DefaultStream)
	require.Error(t, err)
	require.True(t, errors.Is(err, mr.ErrInvalidArgument))
}
