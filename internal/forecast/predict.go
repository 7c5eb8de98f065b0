package forecast

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/KI7MT/ki7mt-kp-forecast/internal/solar"
	"github.com/KI7MT/ki7mt-kp-forecast/internal/store"
)

// SourceTag marks forecast rows produced by this model.
const SourceTag = "kp_dense_model"

// Predictor turns the latest window of a series into forecast days.
type Predictor struct {
	SeqLength      int
	ForecastLength int     // multiple of solar.SamplesPerDay
	ClampMin       float64 // scaled-space bounds applied before Inverse
	ClampMax       float64
	Source         string
	Now            func() time.Time
}

// NewPredictor returns a Predictor with the trained-domain clamp [0,1].
func NewPredictor(seqLength, forecastLength int) *Predictor {
	return &Predictor{
		SeqLength:      seqLength,
		ForecastLength: forecastLength,
		ClampMin:       0,
		ClampMax:       1,
		Source:         SourceTag,
		Now:            time.Now,
	}
}

// Predict forecasts ForecastLength/8 days starting tomorrow 00:00 UTC.
func (p *Predictor) Predict(model *Model, scaler Scaler, series solar.Series) ([]store.ForecastDay, error) {
	if p.ForecastLength <= 0 || p.ForecastLength%solar.SamplesPerDay != 0 {
		return nil, fmt.Errorf("forecast length %d is not a positive multiple of %d",
			p.ForecastLength, solar.SamplesPerDay)
	}
	if model.Out != p.ForecastLength || model.In != p.SeqLength {
		return nil, fmt.Errorf("%w: model is %d->%d, predictor wants %d->%d",
			ErrShape, model.In, model.Out, p.SeqLength, p.ForecastLength)
	}
	if len(series) < p.SeqLength {
		return nil, fmt.Errorf("%w: need %d observations to predict, have %d",
			solar.ErrInsufficientHistory, p.SeqLength, len(series))
	}

	window := series[len(series)-p.SeqLength:].Values()
	raw, err := model.Predict(scaler.TransformAll(window))
	if err != nil {
		return nil, err
	}
	for i, v := range raw {
		if math.IsNaN(v) {
			return nil, fmt.Errorf("%w: prediction %d is NaN", ErrDiverged, i)
		}
		raw[i] = math.Min(math.Max(v, p.ClampMin), p.ClampMax)
	}
	kp := scaler.InverseAll(raw)

	now := p.now()
	tomorrow := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)

	days := make([]store.ForecastDay, 0, len(kp)/solar.SamplesPerDay)
	for d := 0; d*solar.SamplesPerDay < len(kp); d++ {
		chunk := append([]float64(nil), kp[d*solar.SamplesPerDay:(d+1)*solar.SamplesPerDay]...)
		days = append(days, store.ForecastDay{
			Date:       tomorrow.AddDate(0, 0, d),
			KpIndex:    chunk,
			KpDailyAvg: floats.Sum(chunk) / float64(len(chunk)),
			CreatedAt:  now,
			Source:     p.Source,
		})
	}
	return days, nil
}

func (p *Predictor) now() time.Time {
	if p.Now == nil {
		return time.Now().UTC()
	}
	return p.Now().UTC()
}
