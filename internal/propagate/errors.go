package propagate

import (
	"errors"
	"fmt"
)

// ErrDivergence aborts the run when the field turns NaN after a step: the
// step size is too large or the problem is ill-posed for the window.
var ErrDivergence = errors.New("propagate: field diverged (NaN detected); reduce the step size or enlarge the time window")

// ErrStepUnderflow reports an adaptive step driven below the representable
// minimum by repeated rejections.
var ErrStepUnderflow = errors.New("propagate: adaptive step size underflow")

// StepError decorates a fatal stepping failure with its position.
type StepError struct {
	Step    int
	Z       float64
	Wrapped error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d at z=%g m: %v", e.Step, e.Z, e.Wrapped)
}

func (e *StepError) Unwrap() error { return e.Wrapped }
