package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

// CheckPow2 returns an error wrapping PowerOfTwoError if the number being tested is not
// a power of two. The name parameter identifies the value in the error message.
func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment. alignment must be a power
// of two.
func AlignUp(value int, alignment uint) int {
	DebugCheckPow2(alignment, "alignment")
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// AlignDown rounds value down to the previous multiple of alignment. alignment must be
// a power of two.
func AlignDown(value int, alignment uint) int {
	DebugCheckPow2(alignment, "alignment")
	return value & int(^(alignment - 1))
}

// RoundUpSafe rounds value up to the next multiple of modulus, which does not need to
// be a power of two. It returns an error wrapping RoundingOverflowError if the rounded
// value does not fit in an int.
func RoundUpSafe(value int, modulus int) (int, error) {
	remainder := value % modulus
	if remainder == 0 {
		return value, nil
	}

	rounded := value - remainder + modulus
	if rounded < value {
		return 0, cerrors.Wrapf(RoundingOverflowError, "rounding %d up to a multiple of %d", value, modulus)
	}
	return rounded, nil
}
