package forecast

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/KI7MT/ki7mt-kp-forecast/internal/solar"
)

// Scaler is a fitted min-max transform onto [0,1]. A zero-range fit maps
// v to v-Min so the transform stays invertible.
type Scaler struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// FitScaler fits the transform on the full set of observed values.
func FitScaler(values []float64) (Scaler, error) {
	if len(values) == 0 {
		return Scaler{}, fmt.Errorf("%w: cannot fit scaler on no values", solar.ErrInsufficientHistory)
	}
	return Scaler{Min: floats.Min(values), Max: floats.Max(values)}, nil
}

func (s Scaler) scale() float64 {
	if r := s.Max - s.Min; r > 0 {
		return r
	}
	return 1
}

// Transform maps v into scaled space.
func (s Scaler) Transform(v float64) float64 {
	return (v - s.Min) / s.scale()
}

// Inverse maps a scaled value back to Kp units.
func (s Scaler) Inverse(v float64) float64 {
	return v*s.scale() + s.Min
}

// TransformAll returns a scaled copy of values.
func (s Scaler) TransformAll(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = s.Transform(v)
	}
	return out
}

// InverseAll returns an unscaled copy of values.
func (s Scaler) InverseAll(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = s.Inverse(v)
	}
	return out
}
