package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// RoundingOverflowError is the error returned from RoundUpSafe if the rounded value overflows an int
var RoundingOverflowError error = errors.New("rounded value does not fit in an int")
