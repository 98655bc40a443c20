package domain

import "time"

// RunStatus is the terminal outcome of an exchange run.
type RunStatus int

const (
	StatusUnknown RunStatus = iota
	StatusCompleteSuccess
	StatusPartialSuccess
	StatusFailure
	StatusAuthenticationFailure
)

func (s RunStatus) String() string {
	switch s {
	case StatusCompleteSuccess:
		return "COMPLETE_SUCCESS"
	case StatusPartialSuccess:
		return "PARTIAL_SUCCESS"
	case StatusFailure:
		return "FAILURE"
	case StatusAuthenticationFailure:
		return "AUTHENTICATION_FAILURE"
	default:
		return "UNKNOWN"
	}
}

// CompletionState is a snapshot of the completion tracker's counters.
// UnitsCompleted never exceeds ExpectedUnits*2.
type CompletionState struct {
	ExpectedUnits   int64 `json:"expected_units"`
	UnitsCompleted  int64 `json:"units_completed"`
	ReadsCompleted  int64 `json:"reads_completed"`
	WritesCompleted int64 `json:"writes_completed"`
}

// Severity grades a progress event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// NoPercent marks a progress event that carries no percentage.
const NoPercent = -1

// ProgressEvent is one observation reported to a progress sink.
type ProgressEvent struct {
	Message  string    `json:"message"`
	Severity Severity  `json:"severity"`
	Percent  int       `json:"percent"`
	Time     time.Time `json:"time"`
}

// HasPercent reports whether the event carries a percentage.
func (e ProgressEvent) HasPercent() bool {
	return e.Percent >= 0
}
