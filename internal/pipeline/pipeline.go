// Package pipeline composes the Kp stages: training writes a model run and
// artifacts, prediction reads them back and goes through the publish gate.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KI7MT/ki7mt-kp-forecast/internal/artifact"
	"github.com/KI7MT/ki7mt-kp-forecast/internal/forecast"
	"github.com/KI7MT/ki7mt-kp-forecast/internal/metrics"
	"github.com/KI7MT/ki7mt-kp-forecast/internal/solar"
	"github.com/KI7MT/ki7mt-kp-forecast/internal/store"
)

// Options are the model and gate settings of a pipeline.
type Options struct {
	SeqLength        int
	ForecastLength   int
	Trainer          forecast.TrainerConfig
	MissingTimestamp solar.MissingTimestampPolicy
	Threshold        float64
	NoQualityPolicy  forecast.NoQualityPolicy
	ClampMin         float64
	ClampMax         float64
	SnapshotDataset  bool
}

// Pipeline holds the collaborators of every stage. Metrics, Notifier and
// Progress are optional.
type Pipeline struct {
	Store     store.Store
	Artifacts *artifact.Store
	Options   Options
	Logger    *zap.Logger
	Metrics   *metrics.Manager
	Notifier  forecast.Notifier
	Progress  forecast.ProgressSink
	Now       func() time.Time
	NewRunID  func() string
}

// New returns a Pipeline using the wall clock and random run IDs.
func New(st store.Store, arts *artifact.Store, opts Options, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		Store:     st,
		Artifacts: arts,
		Options:   opts,
		Logger:    log,
		Now:       func() time.Time { return time.Now().UTC() },
		NewRunID:  uuid.NewString,
	}
}

// TrainResult describes one training invocation.
type TrainResult struct {
	Run    store.ModelRun
	Report forecast.TrainReport
	Build  solar.BuildStats
}

// PublishResult describes one prediction invocation.
type PublishResult struct {
	Days  []store.ForecastDay
	Audit store.PublishAudit
}

func (p *Pipeline) now() time.Time {
	if p.Now == nil {
		return time.Now().UTC()
	}
	return p.Now().UTC()
}

func (p *Pipeline) series(ctx context.Context) (solar.Series, solar.BuildStats, error) {
	records, err := p.Store.LoadHistory(ctx)
	if err != nil {
		return nil, solar.BuildStats{}, fmt.Errorf("load history: %w", err)
	}
	series, stats, err := solar.BuildSeries(records, solar.BuildOptions{
		MissingTimestamp: p.Options.MissingTimestamp,
		Logger:           p.Logger,
	})
	if err != nil {
		return nil, stats, err
	}
	p.Metrics.ObserveHistory(len(series))
	p.Logger.Info("series assembled",
		zap.Int("records", stats.Records),
		zap.Int("observations", stats.Observations),
		zap.Int("skipped", stats.Skipped),
		zap.Time("first", series[0].Time),
		zap.Time("last", series[len(series)-1].Time))
	return series, stats, nil
}

// Train fits a model on the stored history, saves the artifacts and
// appends a ModelRun.
func (p *Pipeline) Train(ctx context.Context) (res TrainResult, err error) {
	start := time.Now()
	defer func() {
		if err != nil {
			p.Metrics.TrainingFailed()
		}
	}()

	series, build, err := p.series(ctx)
	if err != nil {
		return res, err
	}
	res.Build = build

	values := series.Values()
	scaler, err := forecast.FitScaler(values)
	if err != nil {
		return res, err
	}
	pairs, err := forecast.Window(scaler.TransformAll(values), p.Options.SeqLength, p.Options.ForecastLength)
	if err != nil {
		return res, err
	}
	trainPairs, valPairs, err := forecast.SplitPairs(pairs)
	if err != nil {
		return res, err
	}
	p.Logger.Info("training",
		zap.Int("pairs", len(pairs)), zap.Int("train", len(trainPairs)), zap.Int("val", len(valPairs)),
		zap.Float64("kp_min", scaler.Min), zap.Float64("kp_max", scaler.Max))

	trainer := forecast.NewTrainer(p.Options.Trainer, p.Logger, p.Progress)
	model, report, err := trainer.Fit(ctx, trainPairs, valPairs)
	if err != nil {
		return res, fmt.Errorf("train: %w", err)
	}
	res.Report = report

	now := p.now()
	run, err := forecast.Evaluate(model, scaler, valPairs, len(series), now)
	if err != nil {
		return res, fmt.Errorf("evaluate: %w", err)
	}
	run.RunID = p.NewRunID()
	run.Epochs = report.Epochs
	run.BestValLoss = report.BestValLoss

	refs, err := p.Artifacts.Save(artifact.Bundle{RunID: run.RunID, SavedAt: now, Model: model, Scaler: scaler})
	if err != nil {
		return res, fmt.Errorf("save artifacts: %w", err)
	}
	run.ModelRef, run.ScalerRef = refs.Model, refs.Scaler

	if p.Options.SnapshotDataset {
		path, err := p.Artifacts.SaveDataset(run.RunID, series)
		if err != nil {
			p.Logger.Warn("dataset snapshot failed", zap.Error(err))
		} else {
			run.DatasetRef = path
		}
	}

	if err := p.Store.InsertModelRun(ctx, run); err != nil {
		// an unrecorded run keeps no artifacts
		if rmErr := p.Artifacts.Remove(run.RunID); rmErr != nil {
			p.Logger.Warn("remove unrecorded artifacts", zap.String("run_id", run.RunID), zap.Error(rmErr))
		}
		return res, fmt.Errorf("insert model run: %w", err)
	}
	res.Run = run

	p.Metrics.ObserveTraining(time.Since(start), run)
	p.Logger.Info("model run recorded",
		zap.String("run_id", run.RunID),
		zap.Int("rows", run.Rows),
		zap.Float64("mse", run.MSE),
		zap.Float64("rmse", run.RMSE),
		zap.Float64("quality", run.Quality),
		zap.Int("epochs", run.Epochs),
		zap.Bool("stopped_early", report.StoppedEarly))
	return res, nil
}

// PredictAndPublish forecasts with the artifacts of the latest recorded
// run and hands the days to the publish gate with that run's quality.
// Without a recorded run the newest saved artifacts are used, no quality
// is known, and the no-quality policy decides.
func (p *Pipeline) PredictAndPublish(ctx context.Context) (PublishResult, error) {
	var (
		res     PublishResult
		bundle  artifact.Bundle
		quality *float64
		runID   string
	)

	latest, err := p.Store.LatestModelRun(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		p.Logger.Warn("no model run recorded", zap.String("policy", string(p.Options.NoQualityPolicy)))
		if bundle, err = p.Artifacts.Load(); err != nil {
			return res, err
		}
		runID = bundle.RunID
	case err != nil:
		return res, fmt.Errorf("latest model run: %w", err)
	default:
		bundle, err = p.Artifacts.LoadRefs(artifact.Refs{Model: latest.ModelRef, Scaler: latest.ScalerRef})
		if err != nil {
			return res, fmt.Errorf("artifacts of run %s: %w", latest.RunID, err)
		}
		if bundle.RunID != latest.RunID {
			return res, fmt.Errorf("%w: run %q references artifacts of %q",
				artifact.ErrArtifactMismatch, latest.RunID, bundle.RunID)
		}
		q := latest.Quality
		quality = &q
		runID = latest.RunID
	}

	series, _, err := p.series(ctx)
	if err != nil {
		return res, err
	}

	predictor := forecast.NewPredictor(p.Options.SeqLength, p.Options.ForecastLength)
	predictor.ClampMin, predictor.ClampMax = p.Options.ClampMin, p.Options.ClampMax
	predictor.Now = p.now
	days, err := predictor.Predict(bundle.Model, bundle.Scaler, series)
	if err != nil {
		return res, fmt.Errorf("predict: %w", err)
	}
	res.Days = days

	gate := &forecast.Gate{
		Forecasts: p.Store,
		Audits:    p.Store,
		Threshold: p.Options.Threshold,
		Policy:    p.Options.NoQualityPolicy,
		Notifier:  p.Notifier,
		Logger:    p.Logger,
		Now:       p.now,
	}
	audit, err := gate.PublishIfReady(ctx, days, quality, runID)
	res.Audit = audit
	if err == nil || audit.Reason == store.ReasonWriteFailed {
		p.Metrics.ObservePublish(audit)
	}
	return res, err
}

// Run trains and then publishes in one process.
func (p *Pipeline) Run(ctx context.Context) (TrainResult, PublishResult, error) {
	tr, err := p.Train(ctx)
	if err != nil {
		return tr, PublishResult{}, err
	}
	pr, err := p.PredictAndPublish(ctx)
	return tr, pr, err
}
