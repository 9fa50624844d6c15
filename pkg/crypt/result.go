package crypt

import (
	"errors"
	"fmt"
)

// Result is the coarse outcome reported to callers.
type Result int

const (
	OK Result = iota
	BadIV
	PrimitiveFailure
)

func (r Result) String() string {
	switch r {
	case OK:
		return "ok"
	case BadIV:
		return "bad_iv"
	case PrimitiveFailure:
		return "primitive_failure"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

var (
	// ErrBadIV is returned when an IV has the wrong length for the mode.
	ErrBadIV = errors.New("crypt: bad iv")

	// ErrPrimitive covers every failure of the underlying transform: setup,
	// processing and authentication. A failed tag check is reported as this
	// error and nothing else; treat any output from the call as garbage.
	ErrPrimitive = errors.New("crypt: primitive failure")

	// ErrState is returned when an adapter is driven out of order.
	ErrState = errors.New("crypt: invalid call order")
)

// Code maps an error returned by this package to its Result. Call-order
// errors report PrimitiveFailure.
func Code(err error) Result {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, ErrBadIV):
		return BadIV
	default:
		return PrimitiveFailure
	}
}
