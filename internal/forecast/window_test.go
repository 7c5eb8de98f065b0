package forecast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KI7MT/ki7mt-kp-forecast/internal/solar"
)

func seq(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i)
	}
	return out
}

func TestWindowCountAndShift(t *testing.T) {
	for _, tc := range []struct{ n, lin, lout int }{
		{48, 24, 24}, {100, 24, 24}, {10, 3, 2}, {5, 4, 1},
	} {
		pairs, err := Window(seq(tc.n), tc.lin, tc.lout)
		require.NoError(t, err)
		require.Len(t, pairs, tc.n-tc.lin-tc.lout+1)

		for i, p := range pairs {
			require.Len(t, p.Input, tc.lin)
			require.Len(t, p.Target, tc.lout)
			assert.Equal(t, float64(i), p.Input[0])
			assert.Equal(t, float64(i+tc.lin), p.Target[0])
			if i > 0 {
				assert.Equal(t, pairs[i-1].Input[1:], p.Input[:tc.lin-1])
			}
		}
	}
}

func TestWindowInsufficientHistory(t *testing.T) {
	_, err := Window(seq(47), 24, 24)
	assert.ErrorIs(t, err, solar.ErrInsufficientHistory)

	_, err = Window(seq(10), 0, 2)
	assert.Error(t, err)
}

func TestWindowDoesNotAliasInput(t *testing.T) {
	values := seq(6)
	pairs, err := Window(values, 2, 2)
	require.NoError(t, err)
	values[0] = 99
	assert.Equal(t, 0.0, pairs[0].Input[0])
}

func TestSplitPairsChronological(t *testing.T) {
	pairs, err := Window(seq(100), 24, 24)
	require.NoError(t, err)

	train, val, err := SplitPairs(pairs)
	require.NoError(t, err)
	assert.Len(t, train, 42)
	assert.Len(t, val, 11)
	assert.Equal(t, 42.0, val[0].Input[0])

	_, _, err = SplitPairs(pairs[:1])
	assert.ErrorIs(t, err, solar.ErrInsufficientHistory)
}

func TestScalerRoundTrip(t *testing.T) {
	s, err := FitScaler([]float64{0.33, 4, 8.67, 2})
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.Transform(0.33))
	assert.Equal(t, 1.0, s.Transform(8.67))

	for _, v := range []float64{0.33, 1, 3.5, 5.67, 8.67} {
		assert.InDelta(t, v, s.Inverse(s.Transform(v)), 1e-12)
	}

	flat, err := FitScaler([]float64{3, 3, 3})
	require.NoError(t, err)
	assert.Equal(t, 0.0, flat.Transform(3))
	assert.Equal(t, 3.0, flat.Inverse(flat.Transform(3)))

	_, err = FitScaler(nil)
	assert.ErrorIs(t, err, solar.ErrInsufficientHistory)
}
