// Package common provides shared configuration, logging and progress
// reporting for the Kp forecast tools.
package common

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/KI7MT/ki7mt-kp-forecast/internal/forecast"
	"github.com/KI7MT/ki7mt-kp-forecast/internal/solar"
	"github.com/KI7MT/ki7mt-kp-forecast/internal/store"
)

var (
	// ErrMissingDSN is fatal at start-up: there is no default storage.
	ErrMissingDSN = errors.New("clickhouse_dsn is not set")
	// ErrInvalidConfig wraps every other validation failure.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrLoadConfig wraps file and environment loading failures.
	ErrLoadConfig = errors.New("load config failed")
)

// ConfigEnv names the optional YAML config file.
const ConfigEnv = "KP_CONFIG"

// Config holds configuration for all kp tools.
type Config struct {
	ClickHouseDSN      string `koanf:"clickhouse_dsn"`
	ClickHouseDatabase string `koanf:"clickhouse_database"`
	HistoryTable       string `koanf:"history_table"`
	ForecastTable      string `koanf:"forecast_table"`
	ModelRunsTable     string `koanf:"model_runs_table"`
	AuditTable         string `koanf:"audit_table"`

	SeqLength       int     `koanf:"seq_length"`
	ForecastLength  int     `koanf:"forecast_length"`
	Epochs          int     `koanf:"epochs"`
	BatchSize       int     `koanf:"batch_size"`
	HiddenUnits     int     `koanf:"hidden_units"`
	LearningRate    float64 `koanf:"learning_rate"`
	Patience        int     `koanf:"patience"`
	PlateauPatience int     `koanf:"plateau_patience"`
	PlateauFactor   float64 `koanf:"plateau_factor"`
	MinLearningRate float64 `koanf:"min_learning_rate"`
	Seed            int64   `koanf:"seed"`

	PublishIfQualityGE     float64 `koanf:"publish_if_quality_ge"`
	NoQualityPolicy        string  `koanf:"no_quality_policy"`
	MissingTimestampPolicy string  `koanf:"missing_timestamp_policy"`
	ClampMin               float64 `koanf:"clamp_min"`
	ClampMax               float64 `koanf:"clamp_max"`

	DataDir         string `koanf:"data_dir"`
	ModelDir        string `koanf:"model_dir"` // defaults to <data_dir>/kp-models
	SnapshotDataset bool   `koanf:"snapshot_dataset"`

	LogLevel        string `koanf:"log_level"`
	MetricsTextfile string `koanf:"metrics_textfile"`
	MetricsAddr     string `koanf:"metrics_addr"`
	Schedule        string `koanf:"schedule"`
	KafkaBrokers    string `koanf:"kafka_brokers"` // comma separated
	KafkaTopic      string `koanf:"kafka_topic"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ClickHouseDatabase: "solar",
		HistoryTable:       "kp_history",
		ForecastTable:      "kp_forecast",
		ModelRunsTable:     "kp_model_runs",
		AuditTable:         "kp_publish_audit",

		SeqLength:       24,
		ForecastLength:  24,
		Epochs:          100,
		BatchSize:       16,
		HiddenUnits:     32,
		LearningRate:    0.001,
		Patience:        10,
		PlateauPatience: 5,
		PlateauFactor:   0.5,
		MinLearningRate: 1e-6,
		Seed:            42,

		PublishIfQualityGE:     0.5,
		NoQualityPolicy:        string(forecast.NoQualitySuppress),
		MissingTimestampPolicy: string(solar.MissingTimestampSkip),
		ClampMin:               0,
		ClampMax:               1,

		DataDir:         getEnv("KI7MT_DATA_DIR", "/var/lib/ki7mt-ai-lab"),
		SnapshotDataset: true,

		LogLevel:    "info",
		MetricsAddr: ":9108",
		Schedule:    "0 0 * * *",
	}
}

// LoadConfig layers defaults, an optional YAML file and the environment.
// path overrides KP_CONFIG when non-empty. The result is not validated;
// callers apply flag overrides first and then call Validate.
func LoadConfig(path string) (*Config, error) {
	base := DefaultConfig()
	k := koanf.New(".")

	if path == "" {
		path = os.Getenv(ConfigEnv)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrLoadConfig, path, err)
		}
	}

	// CLICKHOUSE_DSN -> clickhouse_dsn; the prefix is part of the key.
	chEnv := env.Provider("CLICKHOUSE_", ".", strings.ToLower)
	if err := k.Load(chEnv, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadConfig, err)
	}
	// KP_SEQ_LENGTH -> seq_length
	kpEnv := env.Provider("KP_", ".", func(s string) string {
		return strings.TrimPrefix(strings.ToLower(s), "kp_")
	})
	if err := k.Load(kpEnv, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadConfig, err)
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadConfig, err)
	}
	if cfg.ModelDir == "" {
		cfg.ModelDir = filepath.Join(cfg.DataDir, "kp-models")
	}
	return &cfg, nil
}

// Validate checks the settings every pipeline run depends on.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ClickHouseDSN) == "" {
		return ErrMissingDSN
	}
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.SeqLength > 0, "seq_length must be positive, got %d", c.SeqLength)
	check(c.ForecastLength > 0 && c.ForecastLength%solar.SamplesPerDay == 0,
		"forecast_length must be a positive multiple of %d, got %d", solar.SamplesPerDay, c.ForecastLength)
	check(c.Epochs > 0, "epochs must be positive, got %d", c.Epochs)
	check(c.BatchSize > 0, "batch_size must be positive, got %d", c.BatchSize)
	check(c.HiddenUnits > 0, "hidden_units must be positive, got %d", c.HiddenUnits)
	check(c.LearningRate > 0, "learning_rate must be positive, got %g", c.LearningRate)
	check(c.PlateauFactor > 0 && c.PlateauFactor <= 1, "plateau_factor must be in (0,1], got %g", c.PlateauFactor)
	check(c.PublishIfQualityGE >= 0 && c.PublishIfQualityGE <= 1,
		"publish_if_quality_ge must be in [0,1], got %g", c.PublishIfQualityGE)
	check(forecast.NoQualityPolicy(c.NoQualityPolicy).Valid(),
		"no_quality_policy must be suppress or publish, got %q", c.NoQualityPolicy)
	check(solar.MissingTimestampPolicy(c.MissingTimestampPolicy).Valid(),
		"missing_timestamp_policy must be skip or created_at, got %q", c.MissingTimestampPolicy)
	check(c.ClampMin < c.ClampMax, "clamp_min (%g) must be below clamp_max (%g)", c.ClampMin, c.ClampMax)
	check(c.ModelDir != "", "model_dir must not be empty")

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// StoreConfig returns the ClickHouse store settings.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		DSN:      c.ClickHouseDSN,
		Database: c.ClickHouseDatabase,
		Tables: store.Tables{
			History:   c.HistoryTable,
			Forecast:  c.ForecastTable,
			ModelRuns: c.ModelRunsTable,
			Audit:     c.AuditTable,
		},
	}
}

// TrainerConfig returns the optimisation settings.
func (c *Config) TrainerConfig() forecast.TrainerConfig {
	return forecast.TrainerConfig{
		Hidden:          c.HiddenUnits,
		Epochs:          c.Epochs,
		BatchSize:       c.BatchSize,
		LearningRate:    c.LearningRate,
		Patience:        c.Patience,
		PlateauPatience: c.PlateauPatience,
		PlateauFactor:   c.PlateauFactor,
		MinLearningRate: c.MinLearningRate,
		Seed:            c.Seed,
	}
}

// Brokers splits KafkaBrokers. Empty entries are dropped.
func (c *Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// SolarDataDir returns the directory downloaded Kp source files go to.
func (c *Config) SolarDataDir() string {
	return filepath.Join(c.DataDir, "solar")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
