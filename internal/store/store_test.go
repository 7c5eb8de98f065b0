package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KI7MT/ki7mt-kp-forecast/internal/solar"
)

func day(y int, m time.Month, d int, kp float64) ForecastDay {
	return ForecastDay{
		Date:       time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
		KpIndex:    []float64{kp, kp, kp, kp, kp, kp, kp, kp},
		KpDailyAvg: kp,
		Source:     "test",
	}
}

func TestMemoryUpsertIsIdempotentByDate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.UpsertForecast(ctx, day(2025, 6, 2, 2)))
	require.NoError(t, m.UpsertForecast(ctx, day(2025, 6, 1, 1)))
	require.NoError(t, m.UpsertForecast(ctx, day(2025, 6, 2, 4)))

	got, err := m.ListForecasts(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2025-06-01", got[0].Ref())
	assert.Equal(t, "2025-06-02", got[1].Ref())
	assert.Equal(t, 4.0, got[1].KpDailyAvg)

	got, err = m.ListForecasts(ctx, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMemoryLatestModelRunByTrainedAt(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.LatestModelRun(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	newer := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.InsertModelRun(ctx, ModelRun{RunID: "b", TrainedAt: newer, Quality: 0.9}))
	require.NoError(t, m.InsertModelRun(ctx, ModelRun{RunID: "a", TrainedAt: newer.Add(-time.Hour), Quality: 0.1}))

	latest, err := m.LatestModelRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", latest.RunID)
}

func TestMemoryFailHook(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk full")
	m := NewMemory(solar.Record{Date: "2025-01-01", Value: solar.Scalar(1)})
	m.Fail = func(op string) error {
		if op == "upsert_forecast" {
			return boom
		}
		return nil
	}

	assert.ErrorIs(t, m.UpsertForecast(ctx, day(2025, 1, 2, 1)), boom)
	require.NoError(t, m.InsertAudit(ctx, PublishAudit{Reason: ReasonWriteFailed}))
	assert.Len(t, m.Audits(), 1)

	recs, err := m.LoadHistory(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSchemaDDL(t *testing.T) {
	ddl := SchemaDDL("solar", Tables{History: "h", Forecast: "f", ModelRuns: "r", Audit: "a"})
	require.Len(t, ddl, 5)
	assert.Contains(t, ddl[0], "CREATE DATABASE IF NOT EXISTS solar")
	assert.Contains(t, ddl[1], "solar.h")
	assert.Contains(t, ddl[2], "ReplacingMergeTree(created_at)")
	assert.True(t, strings.Contains(ddl[2], "ORDER BY date"))
	assert.Contains(t, ddl[3], "quality_0_1")
	assert.Contains(t, ddl[4], "Nullable(Float64)")
}

func TestForecastDayRef(t *testing.T) {
	d := ForecastDay{Date: time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)}
	assert.Equal(t, "2025-12-31", d.Ref())
}

func TestMemoryLoadHistorySortedByDate(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory(
		solar.Record{Date: "2025-06-02", Value: solar.Scalar(3), CreatedAt: created},
		solar.Record{Date: "2025-06-01 03:00:00.000", Value: solar.Scalar(2), CreatedAt: created},
		solar.Record{Date: nil, Value: solar.Scalar(9), CreatedAt: created},
		solar.Record{Date: "2025-06-01T00:00:00Z", Value: solar.Scalar(1), CreatedAt: created.Add(time.Hour)},
		solar.Record{Date: "2025-06-01", Value: solar.Scalar(0), CreatedAt: created},
	)

	got, err := m.LoadHistory(context.Background())
	require.NoError(t, err)
	var kp []float64
	for _, r := range got {
		kp = append(kp, r.Value.Scalar)
	}
	// undated first; equal dates ordered by created_at
	assert.Equal(t, []float64{9, 0, 1, 2, 3}, kp)
}

func TestHistoryRecordMapping(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))

	rec := historyRecord("2025-06-01", []float32{1, 2.5, 3}, created, "gfz-kp-backfill")
	assert.Equal(t, "2025-06-01", rec.Date)
	assert.Equal(t, solar.KindList, rec.Value.Kind)
	assert.Equal(t, []float64{1, 2.5, 3}, rec.Value.List)
	assert.Equal(t, time.UTC, rec.CreatedAt.Location())
	assert.True(t, created.Equal(rec.CreatedAt))
	assert.Equal(t, "gfz-kp-backfill", rec.Source)

	rec = historyRecord("", []float32{4}, created, "noaa-kp")
	assert.Nil(t, rec.Date)
	assert.Equal(t, solar.KindScalar, rec.Value.Kind)
	assert.Equal(t, 4.0, rec.Value.Scalar)

	rec = historyRecord("2025-06-01", nil, created, "noaa-kp")
	assert.Equal(t, solar.KindMissing, rec.Value.Kind)
}

func TestQueryRowErr(t *testing.T) {
	assert.NoError(t, queryRowErr("latest model run", nil))
	assert.ErrorIs(t, queryRowErr("latest model run", sql.ErrNoRows), ErrNotFound)
	assert.ErrorIs(t, queryRowErr("latest model run", fmt.Errorf("scan: %w", sql.ErrNoRows)), ErrNotFound)

	boom := errors.New("connection reset")
	err := queryRowErr("latest model run", boom)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "latest model run")
}

func TestOpenRejectsBadDSN(t *testing.T) {
	_, err := Open(context.Background(), Config{DSN: "clickhouse://%zz"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse clickhouse dsn")
}
