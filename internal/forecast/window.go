// Package forecast implements the Kp sequence model: windowing, scaling,
// training, quality scoring, prediction and the publish gate.
package forecast

import (
	"fmt"

	"github.com/KI7MT/ki7mt-kp-forecast/internal/solar"
)

// Pair is one supervised example: L_in inputs followed by L_out targets.
type Pair struct {
	Input  []float64
	Target []float64
}

// Window slides a unit-stride frame over values. Pair i takes
// values[i:i+lin] as input and values[i+lin:i+lin+lout] as target, giving
// exactly len(values)-lin-lout+1 pairs.
func Window(values []float64, lin, lout int) ([]Pair, error) {
	if lin <= 0 || lout <= 0 {
		return nil, fmt.Errorf("window lengths must be positive (in=%d out=%d)", lin, lout)
	}
	n := len(values)
	if n < lin+lout {
		return nil, fmt.Errorf("%w: need %d observations for a %d+%d window, have %d",
			solar.ErrInsufficientHistory, lin+lout, lin, lout, n)
	}

	pairs := make([]Pair, 0, n-lin-lout+1)
	for i := 0; i+lin+lout <= n; i++ {
		in := make([]float64, lin)
		copy(in, values[i:i+lin])
		out := make([]float64, lout)
		copy(out, values[i+lin:i+lin+lout])
		pairs = append(pairs, Pair{Input: in, Target: out})
	}
	return pairs, nil
}

// SplitPairs keeps chronological order: the first 80% of pairs train, the
// remainder validates. Both sides must be non-empty.
func SplitPairs(pairs []Pair) (train, val []Pair, err error) {
	cut := int(0.8 * float64(len(pairs)))
	if cut < 1 || cut >= len(pairs) {
		return nil, nil, fmt.Errorf("%w: %d window pairs cannot fill both training and validation sets",
			solar.ErrInsufficientHistory, len(pairs))
	}
	return pairs[:cut], pairs[cut:], nil
}
