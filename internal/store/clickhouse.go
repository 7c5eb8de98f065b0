package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/KI7MT/ki7mt-kp-forecast/internal/solar"
)

// Tables names the four pipeline tables inside Database.
type Tables struct {
	History   string
	Forecast  string
	ModelRuns string
	Audit     string
}

// Config holds ClickHouse connection settings.
type Config struct {
	DSN      string
	Database string
	Tables   Tables
}

// ClickHouse is a Store backed by ClickHouse via clickhouse-go.
type ClickHouse struct {
	conn driver.Conn
	cfg  Config
	log  *zap.Logger
}

// Open connects to ClickHouse and pings it.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*ClickHouse, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts, err := clickhouse.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	if cfg.Database != "" {
		opts.Auth.Database = cfg.Database
	}
	opts.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}
	opts.MaxOpenConns = 2
	opts.MaxIdleConns = 1
	opts.ConnMaxLifetime = time.Hour
	opts.Debugf = log.Sugar().Debugf

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	if cfg.Database == "" {
		cfg.Database = opts.Auth.Database
	}
	return &ClickHouse{conn: conn, cfg: cfg, log: log}, nil
}

func (c *ClickHouse) fqn(table string) string {
	return fmt.Sprintf("%s.%s", c.cfg.Database, table)
}

// EnsureSchema creates the pipeline tables if they do not exist.
func (c *ClickHouse) EnsureSchema(ctx context.Context) error {
	for _, ddl := range SchemaDDL(c.cfg.Database, c.cfg.Tables) {
		if err := c.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// LoadHistory reads every history document sorted by its nominal date.
func (c *ClickHouse) LoadHistory(ctx context.Context) ([]solar.Record, error) {
	query := fmt.Sprintf("SELECT date, kp, created_at, source FROM %s ORDER BY date, created_at", c.fqn(c.cfg.Tables.History))
	rows, err := c.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var records []solar.Record
	for rows.Next() {
		var (
			date      string
			kp        []float32
			createdAt time.Time
			source    string
		)
		if err := rows.Scan(&date, &kp, &createdAt, &source); err != nil {
			return nil, fmt.Errorf("load history: scan: %w", err)
		}
		records = append(records, historyRecord(date, kp, createdAt, source))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	c.log.Debug("history loaded", zap.Int("records", len(records)))
	return records, nil
}

// historyRecord maps one kp_history row. An empty date becomes a nil
// timestamp so the Series Builder's missing-timestamp policy applies.
func historyRecord(date string, kp []float32, createdAt time.Time, source string) solar.Record {
	values := make([]float64, len(kp))
	for i, v := range kp {
		values[i] = float64(v)
	}
	rec := solar.Record{Value: solar.FromSlice(values), CreatedAt: createdAt.UTC(), Source: source}
	if date != "" {
		rec.Date = date
	}
	return rec
}

// UpsertForecast inserts a forecast row. The forecast table is a
// ReplacingMergeTree ordered by date, and reads use FINAL, so the newest
// row for a date replaces older ones.
func (c *ClickHouse) UpsertForecast(ctx context.Context, day ForecastDay) error {
	batch, err := c.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (date, kp_index, kp_daily_avg, created_at, source)", c.fqn(c.cfg.Tables.Forecast)))
	if err != nil {
		return fmt.Errorf("upsert forecast %s: %w", day.Ref(), err)
	}
	if err := batch.Append(day.Date.UTC(), day.KpIndex, day.KpDailyAvg, day.CreatedAt.UTC(), day.Source); err != nil {
		batch.Abort()
		return fmt.Errorf("upsert forecast %s: %w", day.Ref(), err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("upsert forecast %s: %w", day.Ref(), err)
	}
	return nil
}

// ListForecasts returns the current forecast for each date on or after from.
func (c *ClickHouse) ListForecasts(ctx context.Context, from time.Time) ([]ForecastDay, error) {
	query := fmt.Sprintf("SELECT date, kp_index, kp_daily_avg, created_at, source FROM %s FINAL WHERE date >= ? ORDER BY date", c.fqn(c.cfg.Tables.Forecast))
	rows, err := c.conn.Query(ctx, query, from.UTC())
	if err != nil {
		return nil, fmt.Errorf("list forecasts: %w", err)
	}
	defer rows.Close()

	var out []ForecastDay
	for rows.Next() {
		var f ForecastDay
		if err := rows.Scan(&f.Date, &f.KpIndex, &f.KpDailyAvg, &f.CreatedAt, &f.Source); err != nil {
			return nil, fmt.Errorf("list forecasts: scan: %w", err)
		}
		f.Date = f.Date.UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

// InsertModelRun appends a model run.
func (c *ClickHouse) InsertModelRun(ctx context.Context, run ModelRun) error {
	batch, err := c.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (run_id, trained_at, rows, mse, rmse, norm_mse_0_1, quality_0_1, model_ref, scaler_ref, dataset_ref, epochs, best_val_loss)", c.fqn(c.cfg.Tables.ModelRuns)))
	if err != nil {
		return fmt.Errorf("insert model run: %w", err)
	}
	err = batch.Append(
		run.RunID,
		run.TrainedAt.UTC(),
		uint32(run.Rows),
		run.MSE,
		run.RMSE,
		run.NormMSE,
		run.Quality,
		run.ModelRef,
		run.ScalerRef,
		run.DatasetRef,
		uint16(run.Epochs),
		run.BestValLoss,
	)
	if err != nil {
		batch.Abort()
		return fmt.Errorf("insert model run: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("insert model run: %w", err)
	}
	return nil
}

// LatestModelRun returns the most recently trained run.
func (c *ClickHouse) LatestModelRun(ctx context.Context) (ModelRun, error) {
	query := fmt.Sprintf("SELECT run_id, trained_at, rows, mse, rmse, norm_mse_0_1, quality_0_1, model_ref, scaler_ref, dataset_ref, epochs, best_val_loss FROM %s ORDER BY trained_at DESC LIMIT 1", c.fqn(c.cfg.Tables.ModelRuns))

	var (
		run    ModelRun
		rows   uint32
		epochs uint16
	)
	err := c.conn.QueryRow(ctx, query).Scan(
		&run.RunID,
		&run.TrainedAt,
		&rows,
		&run.MSE,
		&run.RMSE,
		&run.NormMSE,
		&run.Quality,
		&run.ModelRef,
		&run.ScalerRef,
		&run.DatasetRef,
		&epochs,
		&run.BestValLoss,
	)
	if err := queryRowErr("latest model run", err); err != nil {
		return ModelRun{}, err
	}
	run.Rows = int(rows)
	run.Epochs = int(epochs)
	run.TrainedAt = run.TrainedAt.UTC()
	return run, nil
}

// queryRowErr maps an empty single-row result to ErrNotFound.
func queryRowErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// InsertAudit appends a publish audit. The forecast preview is stored as
// JSON text.
func (c *ClickHouse) InsertAudit(ctx context.Context, audit PublishAudit) error {
	preview := ""
	if len(audit.DocsPreview) > 0 {
		data, err := json.Marshal(audit.DocsPreview)
		if err != nil {
			return fmt.Errorf("insert audit: %w", err)
		}
		preview = string(data)
	}
	refs := audit.InsertedRefs
	if refs == nil {
		refs = []string{}
	}

	batch, err := c.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (published_at, published, inserted_refs, docs_preview, model_quality_0_1, threshold, reason, run_id)", c.fqn(c.cfg.Tables.Audit)))
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	if err := batch.Append(audit.PublishedAt.UTC(), audit.Published, refs, preview, audit.ModelQuality, audit.Threshold, audit.Reason, audit.RunID); err != nil {
		batch.Abort()
		return fmt.Errorf("insert audit: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// Close closes the connection.
func (c *ClickHouse) Close() error {
	return c.conn.Close()
}
