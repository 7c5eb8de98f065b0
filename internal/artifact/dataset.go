package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/KI7MT/ki7mt-kp-forecast/internal/solar"
)

// DatasetRow is one training observation in the parquet snapshot.
type DatasetRow struct {
	TimeMs int64   `parquet:"time_ms"`
	Kp     float64 `parquet:"kp"`
}

// SaveDataset writes the training series of runID to
// <Dir>/<run_id>/kp_dataset.parquet.
func (s *Store) SaveDataset(runID string, series solar.Series) (string, error) {
	if err := checkRunID(runID); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.RunDir(runID), 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	rows := make([]DatasetRow, len(series))
	for i, o := range series {
		rows[i] = DatasetRow{TimeMs: o.Time.UnixMilli(), Kp: o.Kp}
	}

	path := filepath.Join(s.RunDir(runID), DatasetFile)
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, rows); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("write %s: %w", DatasetFile, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("rename %s: %w", DatasetFile, err)
	}
	return path, nil
}

// LoadDataset reads a snapshot written by SaveDataset.
func (s *Store) LoadDataset(runID string) (solar.Series, error) {
	if err := checkRunID(runID); err != nil {
		return nil, err
	}
	rows, err := parquet.ReadFile[DatasetRow](filepath.Join(s.RunDir(runID), DatasetFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", DatasetFile, err)
	}
	series := make(solar.Series, len(rows))
	for i, r := range rows {
		series[i] = solar.Observation{Time: time.UnixMilli(r.TimeMs).UTC(), Kp: r.Kp}
	}
	return series, nil
}
