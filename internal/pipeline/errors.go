package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Match them with errors.Is against a returned error.
var (
	ErrBatchEmpty         = errors.New("no images supplied")
	ErrMissingSetting     = errors.New("missing setting")
	ErrOCRCallFailed      = errors.New("ocr call failed")
	ErrOCRAllEmpty        = errors.New("no image returned text")
	ErrAnalysisCallFailed = errors.New("analysis call failed")
	ErrAnalysisNoOutput   = errors.New("no output found in analysis stage")
	ErrFanoutCallFailed   = errors.New("fan-out call failed")
	ErrCanceled           = errors.New("run canceled")
)

// ErrRunInProgress is returned when Run is called while another run is
// active on the same controller.
var ErrRunInProgress = errors.New("pipeline: a run is already in progress")

// Error is the terminal error of a run.
type Error struct {
	// Kind is one of the Err* sentinels of this package.
	Kind error
	// Stage is the stage that failed, empty for input errors.
	Stage string
	// Index is the 1-based image index for ErrOCRCallFailed, otherwise 0.
	Index int
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "pipeline: " + e.Kind.Error()
	}
	return fmt.Sprintf("pipeline: %v: %v", e.Kind, e.Err)
}

// Is reports whether target is e's kind.
func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

// stageText is the text recorded on the failed stage: the underlying cause
// verbatim where there is one.
func (e *Error) stageText() string {
	switch {
	case e.Kind == ErrCanceled:
		return "canceled"
	case e.Err != nil:
		return e.Err.Error()
	}
	return e.Kind.Error()
}

func missing(keys ...string) *Error {
	return &Error{Kind: ErrMissingSetting, Err: fmt.Errorf("not configured: %s", strings.Join(keys, ", "))}
}
