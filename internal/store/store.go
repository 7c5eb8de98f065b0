// Package store persists Kp history, published forecasts, model run
// metadata and publish audits.
//
// Four logical tables back the pipeline:
//   - history:   stored Kp documents, read in full sorted by date
//   - forecast:  one row per forecast day, upserted by date
//   - model runs: append-only, latest by trained_at
//   - audits:    append-only, one per prediction run
package store

import (
	"context"
	"errors"
	"time"

	"github.com/KI7MT/ki7mt-kp-forecast/internal/solar"
)

// ErrNotFound is returned by lookups that match nothing.
var ErrNotFound = errors.New("not found")

// ForecastDay is one published forecast day.
type ForecastDay struct {
	Date       time.Time `json:"date"`         // UTC midnight
	KpIndex    []float64 `json:"kp_index"`     // 8 values, 3-hour cadence
	KpDailyAvg float64   `json:"kp_daily_avg"` // mean of KpIndex
	CreatedAt  time.Time `json:"created_at"`
	Source     string    `json:"source"`
}

// Ref is the storage reference of a forecast day: its date.
func (f ForecastDay) Ref() string {
	return f.Date.UTC().Format("2006-01-02")
}

// ModelRun is the immutable record of one training invocation.
type ModelRun struct {
	RunID       string    `json:"run_id"`
	TrainedAt   time.Time `json:"trained_at"`
	Rows        int       `json:"rows"` // source observations used
	MSE         float64   `json:"mse"`
	RMSE        float64   `json:"rmse"`
	NormMSE     float64   `json:"norm_mse_0_1"`
	Quality     float64   `json:"quality_0_1"`
	ModelRef    string    `json:"model_ref"`
	ScalerRef   string    `json:"scaler_ref"`
	DatasetRef  string    `json:"dataset_ref,omitempty"`
	Epochs      int       `json:"epochs"`
	BestValLoss float64   `json:"best_val_loss"`
}

// Audit reasons.
const (
	ReasonQualityPassed     = "quality_passed"
	ReasonQualityBelow      = "quality_below_threshold"
	ReasonNoQualityPublish  = "no_quality_publish"
	ReasonNoQualitySuppress = "no_quality_suppress"
	ReasonWriteFailed       = "write_failed"
)

// PublishAudit records the outcome of one prediction run.
type PublishAudit struct {
	PublishedAt  time.Time     `json:"published_at"`
	Published    bool          `json:"published"`
	InsertedRefs []string      `json:"inserted_refs,omitempty"`
	DocsPreview  []ForecastDay `json:"docs_preview,omitempty"`
	ModelQuality *float64      `json:"model_quality_0_1"`
	Threshold    float64       `json:"threshold"`
	Reason       string        `json:"reason"`
	RunID        string        `json:"run_id,omitempty"`
}

// HistoryReader loads the stored Kp documents sorted by date.
type HistoryReader interface {
	LoadHistory(ctx context.Context) ([]solar.Record, error)
}

// ForecastWriter upserts forecast days keyed by date.
type ForecastWriter interface {
	UpsertForecast(ctx context.Context, day ForecastDay) error
	ListForecasts(ctx context.Context, from time.Time) ([]ForecastDay, error)
}

// RunLog is the append-only model run log.
type RunLog interface {
	InsertModelRun(ctx context.Context, run ModelRun) error
	LatestModelRun(ctx context.Context) (ModelRun, error)
}

// AuditLog is the append-only publish audit log.
type AuditLog interface {
	InsertAudit(ctx context.Context, audit PublishAudit) error
}

// Store is the full storage surface used by the pipeline.
type Store interface {
	HistoryReader
	ForecastWriter
	RunLog
	AuditLog
	Close() error
}
