package forecast

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KI7MT/ki7mt-kp-forecast/internal/solar"
)

// constModel ignores its input and always emits out.
func constModel(t *testing.T, in int, out []float64) *Model {
	t.Helper()
	m, err := ModelFromState(ModelState{
		In:     in,
		Hidden: 1,
		Out:    len(out),
		W1:     make([]float64, in),
		B1:     []float64{0},
		W2:     make([]float64, len(out)),
		B2:     out,
	})
	require.NoError(t, err)
	return m
}

func series(n int) solar.Series {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := make(solar.Series, n)
	for i := range s {
		s[i] = solar.Observation{Time: base.Add(time.Duration(i) * solar.SampleInterval), Kp: float64(i % 9)}
	}
	return s
}

func fixedNow() time.Time {
	return time.Date(2025, 3, 10, 15, 30, 0, 0, time.UTC)
}

func TestPredictDatesAndClamp(t *testing.T) {
	out := make([]float64, 16)
	for i := range out {
		out[i] = 0.5
	}
	out[0], out[1] = 1.5, -0.5

	p := NewPredictor(4, 16)
	p.Now = fixedNow
	days, err := p.Predict(constModel(t, 4, out), Scaler{Min: 0, Max: 9}, series(10))
	require.NoError(t, err)
	require.Len(t, days, 2)

	assert.Equal(t, time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC), days[0].Date)
	assert.Equal(t, time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC), days[1].Date)
	assert.Equal(t, SourceTag, days[0].Source)
	assert.Equal(t, fixedNow(), days[0].CreatedAt)

	require.Len(t, days[0].KpIndex, 8)
	assert.Equal(t, 9.0, days[0].KpIndex[0])
	assert.Equal(t, 0.0, days[0].KpIndex[1])
	assert.Equal(t, 4.5, days[0].KpIndex[2])
	assert.InDelta(t, (9+0+6*4.5)/8, days[0].KpDailyAvg, 1e-12)
	assert.InDelta(t, 4.5, days[1].KpDailyAvg, 1e-12)

	for _, d := range days {
		for _, v := range d.KpIndex {
			assert.False(t, math.IsNaN(v))
			assert.GreaterOrEqual(t, v, 0.0)
			assert.LessOrEqual(t, v, 9.0)
		}
	}
}

func TestPredictDatesFollowClockNotSeries(t *testing.T) {
	p := NewPredictor(4, 8)
	p.Now = func() time.Time { return time.Date(2030, 12, 31, 23, 59, 0, 0, time.UTC) }

	days, err := p.Predict(constModel(t, 4, make([]float64, 8)), Scaler{Min: 0, Max: 9}, series(4))
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, "2031-01-01", days[0].Ref())
}

func TestPredictErrors(t *testing.T) {
	p := NewPredictor(4, 8)
	p.Now = fixedNow
	m := constModel(t, 4, make([]float64, 8))

	_, err := p.Predict(m, Scaler{Max: 9}, series(3))
	assert.ErrorIs(t, err, solar.ErrInsufficientHistory)

	p.ForecastLength = 12
	_, err = p.Predict(m, Scaler{Max: 9}, series(10))
	assert.Error(t, err)

	p.ForecastLength = 16
	_, err = p.Predict(m, Scaler{Max: 9}, series(10))
	assert.ErrorIs(t, err, ErrShape)
}
