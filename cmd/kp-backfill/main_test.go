package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KI7MT/ki7mt-kp-forecast/internal/solar"
)

func TestDetectSource(t *testing.T) {
	assert.Equal(t, "noaa", detectSource("auto", "noaa_kp_index.json"))
	assert.Equal(t, "noaa", detectSource("auto", "noaa_kp_index.JSON.gz"))
	assert.Equal(t, "gfz", detectSource("auto", "Kp_ap_since_1932.txt"))
	assert.Equal(t, "gfz", detectSource("auto", ""))
	assert.Equal(t, "noaa", detectSource("noaa", "whatever.txt"))
}

func TestHistoryBatchAddRecord(t *testing.T) {
	b := NewHistoryBatch()
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, b.AddRecord(solar.Record{Date: "2025-01-01", Value: solar.List([]float64{1, 2.33}), CreatedAt: at, Source: solar.SourceGFZ}))
	assert.True(t, b.AddRecord(solar.Record{Date: "2025-01-01 03:00:00.000", Value: solar.Scalar(3), CreatedAt: at, Source: solar.SourceNOAA}))
	assert.False(t, b.AddRecord(solar.Record{Date: "2025-01-02", Value: solar.Missing()}))
	assert.False(t, b.AddRecord(solar.Record{Date: at, Value: solar.Scalar(1)}))

	assert.Equal(t, 2, b.Len())
	assert.Len(t, b.Input(), 4)
	b.Reset()
	assert.Equal(t, 0, b.Len())
}

func TestOpenInputGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kp.txt.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := pgzip.NewWriter(f)
	_, err = gz.Write([]byte("2024 05 10 131 60440.5 2601 18 4.000\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	r, err := openInput(path)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "2024 05 10 131 60440.5 2601 18 4.000\n", string(data))
}
