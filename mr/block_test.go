package mr_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jrhemstad/rmm/mr"
)

func TestBlockSentinel(t *testing.T) {
	var sentinel mr.Block
	require.False(t, sentinel.IsValid())
	require.Equal(t, mr.DevicePtr(0), sentinel.Ptr())
	require.Equal(t, 0, sentinel.Size())

	require.True(t, mr.NewBlock(0x1000, 256).IsValid())
}

func TestBlockFits(t *testing.T) {
	block := mr.NewBlock(0x1000, 100)

	require.True(t, block.Fits(100))
	require.True(t, block.Fits(1))
	require.False(t, block.Fits(101))
}

func TestBlockIsBetterFit(t *testing.T) {
	small := mr.NewBlock(0x1000, 50)
	medium := mr.NewBlock(0x2000, 100)
	large := mr.NewBlock(0x3000, 200)

	// Between two valid fits, the smaller block wins.
	require.True(t, medium.IsBetterFit(60, large))
	require.False(t, large.IsBetterFit(60, medium))

	// A valid fit always beats an invalid one.
	require.True(t, medium.IsBetterFit(60, small))
	require.False(t, small.IsBetterFit(60, medium))

	// An invalid fit is never better, even against another invalid fit.
	require.False(t, small.IsBetterFit(300, medium))
}

func TestBlockContiguity(t *testing.T) {
	first := mr.NewBlock(0x1000, 0x100)
	second := mr.NewBlock(0x1100, 0x100)
	gap := mr.NewBlock(0x1300, 0x100)

	require.True(t, first.IsContiguousBefore(second))
	require.False(t, second.IsContiguousBefore(first))
	require.False(t, first.IsContiguousBefore(gap))

	// Reservation heads never merge with the preceding reservation's tail.
	head := mr.NewReservationBlock(0x1100, 0x100)
	require.False(t, first.IsContiguousBefore(head))
}

func TestBlockMerge(t *testing.T) {
	first := mr.NewReservationBlock(0x1000, 0x100)
	second := mr.NewBlock(0x1100, 0x100)

	merged := first.Merge(second)
	require.Equal(t, mr.DevicePtr(0x1000), merged.Ptr())
	require.Equal(t, 0x200, merged.Size())
	require.True(t, merged.IsReservationHead())

	require.Panics(t, func() {
		gap := mr.NewBlock(0x5000, 0x100)
		first.Merge(gap)
	})
}
