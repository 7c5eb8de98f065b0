package forecast

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/KI7MT/ki7mt-kp-forecast/internal/solar"
)

// TrainerConfig holds the optimisation settings for one training run.
type TrainerConfig struct {
	Hidden          int
	Epochs          int
	BatchSize       int
	LearningRate    float64
	Patience        int     // epochs without val improvement before stopping
	PlateauPatience int     // epochs without val improvement before LR decay
	PlateauFactor   float64 // LR multiplier on plateau
	MinLearningRate float64
	Seed            int64
}

// DefaultTrainerConfig mirrors the defaults of the configuration layer.
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		Hidden:          32,
		Epochs:          100,
		BatchSize:       16,
		LearningRate:    0.001,
		Patience:        10,
		PlateauPatience: 5,
		PlateauFactor:   0.5,
		MinLearningRate: 1e-6,
		Seed:            42,
	}
}

// ProgressSink receives one call per completed epoch.
type ProgressSink interface {
	ObserveEpoch(epoch int, trainLoss, valLoss, lr float64)
}

// TrainReport summarises a finished training run.
type TrainReport struct {
	Epochs       int
	BestEpoch    int
	BestValLoss  float64
	FinalLR      float64
	StoppedEarly bool
	TrainLoss    []float64
	ValLoss      []float64
}

// Trainer fits a Model to window pairs.
type Trainer struct {
	Config   TrainerConfig
	Logger   *zap.Logger
	Progress ProgressSink
}

// NewTrainer returns a Trainer. A nil logger is replaced by a no-op logger.
func NewTrainer(cfg TrainerConfig, log *zap.Logger, progress ProgressSink) *Trainer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Trainer{Config: cfg, Logger: log, Progress: progress}
}

// Fit trains on train and monitors val. It returns the weights from the
// epoch with the lowest validation loss.
func (t *Trainer) Fit(ctx context.Context, train, val []Pair) (*Model, TrainReport, error) {
	cfg := t.Config
	var report TrainReport

	if len(train) == 0 || len(val) == 0 {
		return nil, report, fmt.Errorf("%w: training needs both training and validation pairs (%d/%d)",
			solar.ErrInsufficientHistory, len(train), len(val))
	}
	if cfg.Epochs <= 0 || cfg.BatchSize <= 0 || cfg.LearningRate <= 0 {
		return nil, report, fmt.Errorf("invalid trainer config: epochs=%d batch_size=%d learning_rate=%g",
			cfg.Epochs, cfg.BatchSize, cfg.LearningRate)
	}

	lin, lout := len(train[0].Input), len(train[0].Target)
	rng := rand.New(rand.NewSource(cfg.Seed))
	model, err := NewModel(lin, cfg.Hidden, lout, rng)
	if err != nil {
		return nil, report, err
	}

	xVal, tVal, err := pairMatrices(val, nil, lin, lout)
	if err != nil {
		return nil, report, err
	}

	opt := newAdam(model, cfg.LearningRate)
	order := make([]int, len(train))
	for i := range order {
		order[i] = i
	}

	best := model.Clone()
	report.BestValLoss = math.Inf(1)
	wait, plateau := 0, 0

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, report, err
		}

		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		var sum float64
		for start := 0; start < len(order); start += cfg.BatchSize {
			end := min(start+cfg.BatchSize, len(order))
			x, y, err := pairMatrices(train, order[start:end], lin, lout)
			if err != nil {
				return nil, report, err
			}
			g := model.backprop(x, y)
			if math.IsNaN(g.loss) || math.IsInf(g.loss, 0) {
				return nil, report, fmt.Errorf("%w: epoch %d training loss %v", ErrDiverged, epoch, g.loss)
			}
			opt.step(model, g)
			sum += g.loss * float64(end-start)
		}
		trainLoss := sum / float64(len(order))

		valLoss := model.Loss(xVal, tVal)
		if math.IsNaN(valLoss) || math.IsInf(valLoss, 0) {
			return nil, report, fmt.Errorf("%w: epoch %d validation loss %v", ErrDiverged, epoch, valLoss)
		}

		report.Epochs = epoch
		report.TrainLoss = append(report.TrainLoss, trainLoss)
		report.ValLoss = append(report.ValLoss, valLoss)
		if t.Progress != nil {
			t.Progress.ObserveEpoch(epoch, trainLoss, valLoss, opt.lr)
		}

		if valLoss < report.BestValLoss {
			report.BestValLoss = valLoss
			report.BestEpoch = epoch
			best = model.Clone()
			wait, plateau = 0, 0
			continue
		}

		wait++
		plateau++
		if plateau >= cfg.PlateauPatience && cfg.PlateauPatience > 0 {
			lr := math.Max(opt.lr*cfg.PlateauFactor, cfg.MinLearningRate)
			if lr < opt.lr {
				t.Logger.Debug("reducing learning rate",
					zap.Int("epoch", epoch), zap.Float64("from", opt.lr), zap.Float64("to", lr))
				opt.lr = lr
			}
			plateau = 0
		}
		if wait >= cfg.Patience && cfg.Patience > 0 {
			report.StoppedEarly = true
			t.Logger.Info("early stopping",
				zap.Int("epoch", epoch), zap.Int("best_epoch", report.BestEpoch),
				zap.Float64("best_val_loss", report.BestValLoss))
			break
		}
	}

	report.FinalLR = opt.lr
	return best, report, nil
}

// pairMatrices stacks the selected pairs (all of them when idx is nil)
// into input and target matrices.
func pairMatrices(pairs []Pair, idx []int, lin, lout int) (x, y *mat.Dense, err error) {
	n := len(pairs)
	if idx != nil {
		n = len(idx)
	}
	if n == 0 {
		return nil, nil, errors.New("no pairs selected")
	}
	xs := make([]float64, 0, n*lin)
	ys := make([]float64, 0, n*lout)
	for k := 0; k < n; k++ {
		i := k
		if idx != nil {
			i = idx[k]
		}
		p := pairs[i]
		if len(p.Input) != lin || len(p.Target) != lout {
			return nil, nil, fmt.Errorf("%w: pair %d is %dx%d, want %dx%d",
				ErrShape, i, len(p.Input), len(p.Target), lin, lout)
		}
		xs = append(xs, p.Input...)
		ys = append(ys, p.Target...)
	}
	return mat.NewDense(n, lin, xs), mat.NewDense(n, lout, ys), nil
}
