package forecast

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrShape reports inputs or parameters whose dimensions do not match
	// the model.
	ErrShape = errors.New("shape mismatch")
	// ErrDiverged reports a non-finite loss during training.
	ErrDiverged = errors.New("training diverged")
)

// Model is a dense network mapping an L_in window to an L_out window:
//
//	y = tanh(x·W1 + b1)·W2 + b2
type Model struct {
	In, Hidden, Out int

	W1 *mat.Dense // In x Hidden
	B1 []float64
	W2 *mat.Dense // Hidden x Out
	B2 []float64
}

// NewModel returns a Xavier-initialised model.
func NewModel(in, hidden, out int, rng *rand.Rand) (*Model, error) {
	if in <= 0 || hidden <= 0 || out <= 0 {
		return nil, fmt.Errorf("%w: model dims %dx%dx%d", ErrShape, in, hidden, out)
	}
	return &Model{
		In:     in,
		Hidden: hidden,
		Out:    out,
		W1:     mat.NewDense(in, hidden, xavier(in, hidden, rng)),
		B1:     make([]float64, hidden),
		W2:     mat.NewDense(hidden, out, xavier(hidden, out, rng)),
		B2:     make([]float64, out),
	}, nil
}

func xavier(fanIn, fanOut int, rng *rand.Rand) []float64 {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	data := make([]float64, fanIn*fanOut)
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * limit
	}
	return data
}

func (m *Model) forward(x mat.Matrix) (h, y *mat.Dense) {
	h = new(mat.Dense)
	h.Mul(x, m.W1)
	h.Apply(func(_, j int, v float64) float64 { return math.Tanh(v + m.B1[j]) }, h)

	y = new(mat.Dense)
	y.Mul(h, m.W2)
	y.Apply(func(_, j int, v float64) float64 { return v + m.B2[j] }, y)
	return h, y
}

// Predict maps one input window to one output window.
func (m *Model) Predict(input []float64) ([]float64, error) {
	if len(input) != m.In {
		return nil, fmt.Errorf("%w: input length %d, model expects %d", ErrShape, len(input), m.In)
	}
	x := mat.NewDense(1, m.In, append([]float64(nil), input...))
	_, y := m.forward(x)
	return mat.Row(nil, 0, y), nil
}

// PredictBatch maps each input window to its output window.
func (m *Model) PredictBatch(inputs [][]float64) ([][]float64, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	x, err := rowsMatrix(inputs, m.In)
	if err != nil {
		return nil, err
	}
	_, y := m.forward(x)
	out := make([][]float64, len(inputs))
	for i := range out {
		out[i] = mat.Row(nil, i, y)
	}
	return out, nil
}

// Loss returns the mean squared error of the model on x against t.
func (m *Model) Loss(x, t *mat.Dense) float64 {
	_, y := m.forward(x)
	var diff mat.Dense
	diff.Sub(y, t)
	d := diff.RawMatrix().Data
	return floats.Dot(d, d) / float64(len(d))
}

type gradients struct {
	loss float64
	w1   []float64
	b1   []float64
	w2   []float64
	b2   []float64
}

func (g gradients) slices() [][]float64 {
	return [][]float64{g.w1, g.b1, g.w2, g.b2}
}

// backprop computes the MSE loss and parameter gradients for one batch.
func (m *Model) backprop(x, t *mat.Dense) gradients {
	h, y := m.forward(x)

	var diff mat.Dense
	diff.Sub(y, t)
	d := diff.RawMatrix().Data
	n := float64(len(d))
	loss := floats.Dot(d, d) / n

	var dY mat.Dense
	dY.Scale(2/n, &diff)

	var dW2 mat.Dense
	dW2.Mul(h.T(), &dY)

	var dH mat.Dense
	dH.Mul(&dY, m.W2.T())
	dH.Apply(func(i, j int, v float64) float64 {
		a := h.At(i, j)
		return v * (1 - a*a)
	}, &dH)

	var dW1 mat.Dense
	dW1.Mul(x.T(), &dH)

	return gradients{
		loss: loss,
		w1:   dW1.RawMatrix().Data,
		b1:   colSums(&dH),
		w2:   dW2.RawMatrix().Data,
		b2:   colSums(&dY),
	}
}

func (m *Model) params() [][]float64 {
	return [][]float64{m.W1.RawMatrix().Data, m.B1, m.W2.RawMatrix().Data, m.B2}
}

// Clone returns a deep copy.
func (m *Model) Clone() *Model {
	return &Model{
		In:     m.In,
		Hidden: m.Hidden,
		Out:    m.Out,
		W1:     mat.DenseCopyOf(m.W1),
		B1:     append([]float64(nil), m.B1...),
		W2:     mat.DenseCopyOf(m.W2),
		B2:     append([]float64(nil), m.B2...),
	}
}

// ModelState is the serialisable form of a Model.
type ModelState struct {
	In     int       `json:"in"`
	Hidden int       `json:"hidden"`
	Out    int       `json:"out"`
	W1     []float64 `json:"w1"`
	B1     []float64 `json:"b1"`
	W2     []float64 `json:"w2"`
	B2     []float64 `json:"b2"`
}

// State returns a copy of the model parameters.
func (m *Model) State() ModelState {
	return ModelState{
		In:     m.In,
		Hidden: m.Hidden,
		Out:    m.Out,
		W1:     append([]float64(nil), m.W1.RawMatrix().Data...),
		B1:     append([]float64(nil), m.B1...),
		W2:     append([]float64(nil), m.W2.RawMatrix().Data...),
		B2:     append([]float64(nil), m.B2...),
	}
}

// ModelFromState rebuilds a model, checking every parameter length.
func ModelFromState(s ModelState) (*Model, error) {
	if s.In <= 0 || s.Hidden <= 0 || s.Out <= 0 ||
		len(s.W1) != s.In*s.Hidden || len(s.B1) != s.Hidden ||
		len(s.W2) != s.Hidden*s.Out || len(s.B2) != s.Out {
		return nil, fmt.Errorf("%w: model state %dx%dx%d with %d/%d/%d/%d parameters",
			ErrShape, s.In, s.Hidden, s.Out, len(s.W1), len(s.B1), len(s.W2), len(s.B2))
	}
	return &Model{
		In:     s.In,
		Hidden: s.Hidden,
		Out:    s.Out,
		W1:     mat.NewDense(s.In, s.Hidden, append([]float64(nil), s.W1...)),
		B1:     append([]float64(nil), s.B1...),
		W2:     mat.NewDense(s.Hidden, s.Out, append([]float64(nil), s.W2...)),
		B2:     append([]float64(nil), s.B2...),
	}, nil
}

func rowsMatrix(rows [][]float64, width int) (*mat.Dense, error) {
	data := make([]float64, 0, len(rows)*width)
	for i, r := range rows {
		if len(r) != width {
			return nil, fmt.Errorf("%w: row %d has length %d, want %d", ErrShape, i, len(r), width)
		}
		data = append(data, r...)
	}
	return mat.NewDense(len(rows), width, data), nil
}

func colSums(m *mat.Dense) []float64 {
	r, c := m.Dims()
	out := make([]float64, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out[j] += m.At(i, j)
		}
	}
	return out
}

// adam is the Adam optimiser over a model's parameter slices.
type adam struct {
	lr    float64
	beta1 float64
	beta2 float64
	eps   float64
	t     int
	m     [][]float64
	v     [][]float64
}

func newAdam(model *Model, lr float64) *adam {
	a := &adam{lr: lr, beta1: 0.9, beta2: 0.999, eps: 1e-7}
	for _, p := range model.params() {
		a.m = append(a.m, make([]float64, len(p)))
		a.v = append(a.v, make([]float64, len(p)))
	}
	return a
}

func (a *adam) step(model *Model, g gradients) {
	a.t++
	c1 := 1 - math.Pow(a.beta1, float64(a.t))
	c2 := 1 - math.Pow(a.beta2, float64(a.t))
	grads := g.slices()
	for p, param := range model.params() {
		mp, vp, gp := a.m[p], a.v[p], grads[p]
		for i := range param {
			mp[i] = a.beta1*mp[i] + (1-a.beta1)*gp[i]
			vp[i] = a.beta2*vp[i] + (1-a.beta2)*gp[i]*gp[i]
			param[i] -= a.lr * (mp[i] / c1) / (math.Sqrt(vp[i]/c2) + a.eps)
		}
	}
}
