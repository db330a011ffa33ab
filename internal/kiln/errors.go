package kiln

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedRecipe     = errors.New("malformed recipe")
	ErrChecksumMismatch    = errors.New("checksum mismatch")
	ErrPatchTargetNotFound = errors.New("patch target not found")
	ErrPatchAmbiguous      = errors.New("patch target ambiguous")
	ErrDependencyNotFound  = errors.New("dependency not found")
	ErrStepFailed          = errors.New("step failed")
	ErrFetch               = errors.New("fetch failed")
	ErrUnsupportedArchive  = errors.New("unsupported archive format")
)

// StepError reports the first step that exited non-zero.
type StepError struct {
	Index    int // 1-based position in the recipe's step list
	Name     string
	Command  string
	ExitCode int
	Output   string // tail of the step's combined output
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %q exited with code %d", ErrStepFailed, e.Command, e.ExitCode)
}

func (e *StepError) Unwrap() error { return ErrStepFailed }

// BuildError names the stage a build session failed in.
type BuildError struct {
	Stage string
	Err   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }
