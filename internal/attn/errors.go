package attn

import (
	"errors"
	"fmt"
)

var (
	ErrSourceNotFound   = errors.New("attention source not found")
	ErrLengthMismatch   = errors.New("attention length mismatch")
	ErrInvalidRange     = errors.New("invalid range")
	ErrInvalidShape     = errors.New("invalid attention shape")
	ErrOutOfBoundsToken = errors.New("token index out of bounds")
	ErrEmptySelection   = errors.New("empty selection")
)

// rangeError reports a caller-supplied index outside its valid interval.
type rangeError struct {
	what     string
	value    int
	min, max int
}

func (e rangeError) Error() string {
	return fmt.Sprintf("%s %d outside [%d, %d)", e.what, e.value, e.min, e.max)
}

func (e rangeError) Unwrap() error {
	return ErrInvalidRange
}

func newRangeError(what string, value, lo, hi int) error {
	return rangeError{what: what, value: value, min: lo, max: hi}
}

type shapeError struct {
	step, layer int
	msg         string
}

func (e shapeError) Error() string {
	return fmt.Sprintf("step %d layer %d: %s", e.step, e.layer, e.msg)
}

func (e shapeError) Unwrap() error {
	return ErrInvalidShape
}

// LengthMismatchError is returned by CheckOutputLength. It is a warning: the
// session remains usable.
type LengthMismatchError struct {
	Steps   int
	Outputs int
}

func (e *LengthMismatchError) Error() string {
	return fmt.Sprintf("attention has %d steps but %d output tokens were decoded", e.Steps, e.Outputs)
}

func (e *LengthMismatchError) Unwrap() error {
	return ErrLengthMismatch
}
