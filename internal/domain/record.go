package domain

import "time"

// ExchangeUnit is the read-then-write work for one measure within one exchange set.
type ExchangeUnit struct {
	ExchangeSet    string
	Template       Template
	Measure        Measure
	QualityVersion string
	UnitSystem     string
	Source         string
	Destination    string
	Start          time.Time
	End            time.Time
}

// Key identifies the unit within a run.
func (u ExchangeUnit) Key() string {
	return u.ExchangeSet + "/" + u.Measure.SeriesID
}

// Record is the transformed payload handed to a destination. Exactly one of
// Series or Profiles is populated.
type Record struct {
	Unit     ExchangeUnit
	Series   *RawSeries
	Profiles []ProfileSample
}

// Empty reports whether the record carries no readings.
func (r *Record) Empty() bool {
	if r == nil {
		return true
	}
	return r.Series.Empty() && len(r.Profiles) == 0
}

// DestinationDescriptor tells a destination where a record belongs.
type DestinationDescriptor struct {
	Store       string
	ExchangeSet string
	UnitSystem  string
	// Path is the destination-specific target (archive file, export directory, table).
	Path string
}
