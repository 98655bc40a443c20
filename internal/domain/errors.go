package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication is fatal to the run during pre-flight and fatal to a
	// single measure afterwards.
	ErrAuthentication = errors.New("authentication failed")
	// ErrCatalog marks a failure to list templates or measures during pre-flight.
	ErrCatalog = errors.New("catalog retrieval failed")

	ErrRemoteRead          = errors.New("remote read failed")
	ErrUnsupportedTimestep = errors.New("unsupported timestep")

	// ErrNoData is not a true failure: the measure completes with zero output.
	ErrNoData           = errors.New("no data")
	ErrUnitConversion   = errors.New("unit conversion failed")
	ErrDestinationWrite = errors.New("destination write failed")
)

// Phase names the step of a unit of work an error occurred in.
type Phase string

const (
	PhaseAuthenticate Phase = "authenticate"
	PhaseRead         Phase = "read"
	PhaseTransform    Phase = "transform"
	PhaseWrite        Phase = "write"
)

// MeasureError carries the measure identity and phase of a per-measure failure.
type MeasureError struct {
	Phase    Phase
	SeriesID string
	Err      error
}

func (e *MeasureError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Phase, e.SeriesID, e.Err)
}

func (e *MeasureError) Unwrap() error { return e.Err }

// WriteError carries a destination's native error code.
type WriteError struct {
	Destination string
	Code        int
	Err         error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s: write failed with code %d: %v", e.Destination, e.Code, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause to errors.Is.
func (e *WriteError) Unwrap() []error {
	return []error{ErrDestinationWrite, e.Err}
}

// NewWriteError wraps err with a destination's native code.
func NewWriteError(destination string, code int, err error) *WriteError {
	return &WriteError{Destination: destination, Code: code, Err: err}
}
