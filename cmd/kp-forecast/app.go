package main

import (
	"context"
	"log"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/KI7MT/ki7mt-kp-forecast/internal/artifact"
	"github.com/KI7MT/ki7mt-kp-forecast/internal/common"
	"github.com/KI7MT/ki7mt-kp-forecast/internal/forecast"
	"github.com/KI7MT/ki7mt-kp-forecast/internal/metrics"
	"github.com/KI7MT/ki7mt-kp-forecast/internal/notify"
	"github.com/KI7MT/ki7mt-kp-forecast/internal/pipeline"
	"github.com/KI7MT/ki7mt-kp-forecast/internal/solar"
	"github.com/KI7MT/ki7mt-kp-forecast/internal/store"
)

// app is everything one command needs, built from config and flags.
type app struct {
	cfg      *common.Config
	log      *zap.Logger
	store    *store.ClickHouse
	metrics  *metrics.Manager
	notifier notify.Notifier
	stats    *common.Stats
	pipeline *pipeline.Pipeline
}

// loadConfig reads the config file and environment, applies the flags the
// user actually set, and validates the result.
func loadConfig(cmd *cobra.Command) (*common.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	cfg, err := common.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("model-dir") {
		cfg.ModelDir, _ = flags.GetString("model-dir")
	}
	if flags.Changed("threshold") {
		cfg.PublishIfQualityGE, _ = flags.GetFloat64("threshold")
	}
	if flags.Changed("no-quality-policy") {
		cfg.NoQualityPolicy, _ = flags.GetString("no-quality-policy")
	}
	if flags.Changed("metrics-textfile") {
		cfg.MetricsTextfile, _ = flags.GetString("metrics-textfile")
	}
	if flags.Lookup("epochs") != nil && flags.Changed("epochs") {
		cfg.Epochs, _ = flags.GetInt("epochs")
	}
	if flags.Lookup("schedule") != nil && flags.Changed("schedule") {
		cfg.Schedule, _ = flags.GetString("schedule")
	}
	if flags.Lookup("metrics-addr") != nil && flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// pipelineOptions maps config onto the pipeline settings.
func pipelineOptions(cfg *common.Config) pipeline.Options {
	return pipeline.Options{
		SeqLength:        cfg.SeqLength,
		ForecastLength:   cfg.ForecastLength,
		Trainer:          cfg.TrainerConfig(),
		MissingTimestamp: solar.MissingTimestampPolicy(cfg.MissingTimestampPolicy),
		Threshold:        cfg.PublishIfQualityGE,
		NoQualityPolicy:  forecast.NoQualityPolicy(cfg.NoQualityPolicy),
		ClampMin:         cfg.ClampMin,
		ClampMax:         cfg.ClampMax,
		SnapshotDataset:  cfg.SnapshotDataset,
	}
}

// newNotifier returns a Kafka notifier when brokers and a topic are
// configured, otherwise a no-op.
func newNotifier(cfg *common.Config, log *zap.Logger) notify.Notifier {
	brokers := cfg.Brokers()
	if len(brokers) == 0 || cfg.KafkaTopic == "" {
		return notify.Nop{}
	}
	log.Info("publish events enabled", zap.Strings("brokers", brokers), zap.String("topic", cfg.KafkaTopic))
	return notify.NewKafka(brokers, cfg.KafkaTopic, log.Named("kafka"))
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	zlog, err := common.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	st, err := store.Open(ctx, cfg.StoreConfig(), zlog.Named("store"))
	if err != nil {
		_ = zlog.Sync()
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		log:      zlog,
		store:    st,
		metrics:  metrics.NewManager(),
		notifier: newNotifier(cfg, zlog),
		stats:    common.NewStats(),
	}
	a.stats.SetTotalEpochs(cfg.Epochs)

	p := pipeline.New(st, artifact.New(cfg.ModelDir), pipelineOptions(cfg), zlog.Named("pipeline"))
	p.Metrics = a.metrics
	p.Notifier = a.notifier
	p.Progress = a.stats
	a.pipeline = p
	return a, nil
}

func (a *app) logSettings() {
	log.Printf("ClickHouse:  %s.%s", a.cfg.ClickHouseDatabase, a.cfg.HistoryTable)
	log.Printf("Model Dir:   %s", a.cfg.ModelDir)
	log.Printf("Window:      %d -> %d (3-hourly)", a.cfg.SeqLength, a.cfg.ForecastLength)
	log.Printf("Epochs:      %d (batch %d, hidden %d)", a.cfg.Epochs, a.cfg.BatchSize, a.cfg.HiddenUnits)
	log.Printf("Threshold:   %.2f (no quality: %s)", a.cfg.PublishIfQualityGE, a.cfg.NoQualityPolicy)
	log.Println()
}

func (a *app) writeMetrics() {
	if a.cfg.MetricsTextfile == "" {
		return
	}
	if err := a.metrics.WriteTextfile(a.cfg.MetricsTextfile); err != nil {
		a.log.Warn("write metrics textfile", zap.Error(err))
	}
}

func (a *app) Close() {
	if err := a.notifier.Close(); err != nil {
		a.log.Warn("close notifier", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("close store", zap.Error(err))
	}
	_ = a.log.Sync()
}
