// Package solar provides geomagnetic index data handling for the Kp
// forecast pipeline. It turns stored history documents (GFZ Potsdam days,
// NOAA planetary K-index samples, previously stored forecasts) into a
// single ascending 3-hourly Kp series.
package solar

import (
	"errors"
	"fmt"
	"time"
)

// SampleInterval is the nominal Kp cadence. List-valued documents are
// expanded one sample per interval starting at the document timestamp.
const SampleInterval = 3 * time.Hour

// SamplesPerDay is the number of Kp buckets in one UTC day (00, 03, ..., 21).
const SamplesPerDay = 8

// Observation is one Kp reading.
type Observation struct {
	Time time.Time // UTC
	Kp   float64   // Planetary K-index, 0-9 scale
}

// Series is an ascending sequence of observations. It is rebuilt from
// storage on every run and never mutated in place.
type Series []Observation

// Values returns the Kp values of the series in order.
func (s Series) Values() []float64 {
	out := make([]float64, len(s))
	for i, o := range s {
		out[i] = o.Kp
	}
	return out
}

// ValueKind tags the shape of a stored Kp value.
type ValueKind uint8

const (
	KindMissing ValueKind = iota
	KindScalar
	KindList
)

func (k ValueKind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindList:
		return "list"
	default:
		return "missing"
	}
}

// Value is the Kp payload of a history document: a single reading, an
// ordered list of sub-day readings, or nothing.
type Value struct {
	Kind   ValueKind
	Scalar float64
	List   []float64
}

// Scalar returns a single-reading value.
func Scalar(v float64) Value { return Value{Kind: KindScalar, Scalar: v} }

// List returns a multi-reading value. An empty list is Missing.
func List(vs []float64) Value {
	if len(vs) == 0 {
		return Missing()
	}
	return Value{Kind: KindList, List: vs}
}

// Missing returns a value with no readings.
func Missing() Value { return Value{Kind: KindMissing} }

// FromSlice maps a stored array column onto the tagged variant: one
// element is a scalar, more is a list, none is missing.
func FromSlice(vs []float64) Value {
	switch len(vs) {
	case 0:
		return Missing()
	case 1:
		return Scalar(vs[0])
	default:
		return List(vs)
	}
}

// Slice is the inverse of FromSlice.
func (v Value) Slice() []float64 {
	switch v.Kind {
	case KindScalar:
		return []float64{v.Scalar}
	case KindList:
		return append([]float64(nil), v.List...)
	default:
		return nil
	}
}

// Record is one stored history document.
type Record struct {
	Date      any       // time.Time, *time.Time, string, or nil
	Value     Value     // Kp payload
	CreatedAt time.Time // storage write time
	Source    string    // source tag (gfz-kp-backfill, noaa-kp, ...)
}

// DataError reports history that cannot support a run. It is fatal to
// the current run.
type DataError struct {
	Msg string
}

func (e *DataError) Error() string { return "data error: " + e.Msg }

// ErrInsufficientHistory is returned when there are too few observations
// to build a series, a training set, or a prediction window.
var ErrInsufficientHistory = &DataError{Msg: "insufficient history"}

// ParseError reports a single malformed record. The record is skipped and
// the run continues.
type ParseError struct {
	Index int    // position of the record in the loaded slice
	Field string // "date" or "kp"
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("record %d: bad %s: %v", e.Index, e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var (
	errNoTimestamp  = errors.New("no timestamp")
	errNoValue      = errors.New("no kp value")
	errNonFinite    = errors.New("non-finite kp value")
	errUnknownStamp = errors.New("unsupported timestamp type")
)
