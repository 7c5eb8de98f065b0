package forecast

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/KI7MT/ki7mt-kp-forecast/internal/solar"
	"github.com/KI7MT/ki7mt-kp-forecast/internal/store"
)

// NormalizedMSE divides mse by the squared range of the validation targets
// and clamps to [0,1]. A zero range gives 0 for a perfect fit and 1
// otherwise.
func NormalizedMSE(mse, lo, hi float64) float64 {
	r := hi - lo
	if r <= 0 {
		if mse == 0 {
			return 0
		}
		return 1
	}
	return math.Min(math.Max(mse/(r*r), 0), 1)
}

// QualityScore is 1 - NormalizedMSE, bounded in [0,1].
func QualityScore(mse, lo, hi float64) float64 {
	return 1 - NormalizedMSE(mse, lo, hi)
}

// Evaluate scores model on the validation pairs in original Kp units and
// returns the ModelRun to persist. rows is the number of source
// observations behind the run.
func Evaluate(model *Model, scaler Scaler, val []Pair, rows int, now time.Time) (store.ModelRun, error) {
	if len(val) == 0 {
		return store.ModelRun{}, fmt.Errorf("%w: no validation pairs to evaluate", solar.ErrInsufficientHistory)
	}

	inputs := make([][]float64, len(val))
	for i, p := range val {
		inputs[i] = p.Input
	}
	preds, err := model.PredictBatch(inputs)
	if err != nil {
		return store.ModelRun{}, fmt.Errorf("validation predict: %w", err)
	}

	var yPred, yTrue []float64
	for i, p := range val {
		if len(preds[i]) != len(p.Target) {
			return store.ModelRun{}, fmt.Errorf("%w: prediction %d has %d values, target %d",
				ErrShape, i, len(preds[i]), len(p.Target))
		}
		yPred = append(yPred, scaler.InverseAll(preds[i])...)
		yTrue = append(yTrue, scaler.InverseAll(p.Target)...)
	}

	d := floats.Distance(yPred, yTrue, 2)
	mse := d * d / float64(len(yTrue))
	norm := NormalizedMSE(mse, floats.Min(yTrue), floats.Max(yTrue))

	return store.ModelRun{
		TrainedAt: now.UTC(),
		Rows:      rows,
		MSE:       mse,
		RMSE:      math.Sqrt(mse),
		NormMSE:   norm,
		Quality:   1 - norm,
	}, nil
}
