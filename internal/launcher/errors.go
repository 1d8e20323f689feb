package launcher

import (
	"context"
	"errors"
	"fmt"
)

// Stage names one step of a launch.
type Stage string

// Launch stages, in order.
const (
	StageMaterialize Stage = "materialize"
	StageCheckout    Stage = "checkout"
	StageBuild       Stage = "build"
	StageImage       Stage = "image"
	StageRun         Stage = "run"
)

// Kind classifies a launch failure.
type Kind string

const (
	CloneError             Kind = "CloneError"
	CheckoutError          Kind = "CheckoutError"
	MissingBuildEntryPoint Kind = "MissingBuildEntryPoint"
	BuildFailure           Kind = "BuildFailure"
	ImageBuildFailure      Kind = "ImageBuildFailure"
	PortAllocationRace     Kind = "PortAllocationRace"
	ContainerNameConflict  Kind = "ContainerNameConflict"
	ContainerStartFailure  Kind = "ContainerStartFailure"
	EvaluationTimeout      Kind = "EvaluationTimeout"
)

// StageError is the failure of one stage. Output holds whatever the failing
// program printed.
type StageError struct {
	Stage  Stage
	Kind   Kind
	Output string
	Err    error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the stage was cut short by the evaluation deadline.
func (e *StageError) Timeout() bool {
	return e.Kind == EvaluationTimeout
}

// AsStageError extracts a *StageError from err.
func AsStageError(err error) (*StageError, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// stageErr builds a StageError, reclassifying it as EvaluationTimeout when
// the deadline on ctx is what stopped the stage.
func stageErr(ctx context.Context, stage Stage, kind Kind, output string, err error) *StageError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = EvaluationTimeout
		if !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
	}
	return &StageError{Stage: stage, Kind: kind, Output: output, Err: err}
}
