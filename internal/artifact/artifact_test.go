package artifact

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KI7MT/ki7mt-kp-forecast/internal/forecast"
	"github.com/KI7MT/ki7mt-kp-forecast/internal/solar"
)

func bundle(t *testing.T, runID string) Bundle {
	t.Helper()
	m, err := forecast.NewModel(4, 3, 8, rand.New(rand.NewSource(11)))
	require.NoError(t, err)
	return Bundle{
		RunID:   runID,
		SavedAt: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		Model:   m,
		Scaler:  forecast.Scaler{Min: 0.33, Max: 8.67},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "models"))
	b := bundle(t, "run-a")

	refs, err := s.Save(b)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Dir, "run-a", ModelFile), refs.Model)
	assert.FileExists(t, refs.Scaler)

	got, err := s.LoadRefs(refs)
	require.NoError(t, err)
	assert.Equal(t, "run-a", got.RunID)
	assert.Equal(t, b.Scaler, got.Scaler)
	assert.Equal(t, b.Model.State(), got.Model.State())
	assert.True(t, b.SavedAt.Equal(got.SavedAt))

	entries, err := os.ReadDir(s.RunDir("run-a"))
	require.NoError(t, err)
	assert.Len(t, entries, 2, "temp files must not be left behind")
}

func TestLoadPicksNewestRun(t *testing.T) {
	s := New(t.TempDir())
	older := bundle(t, "run-a")
	newer := bundle(t, "run-b")
	newer.SavedAt = older.SavedAt.Add(time.Hour)

	_, err := s.Save(newer)
	require.NoError(t, err)
	_, err = s.Save(older)
	require.NoError(t, err)

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "run-b", got.RunID)

	got, err = s.LoadRun("run-a")
	require.NoError(t, err)
	assert.Equal(t, "run-a", got.RunID)

	// an incomplete newer run is skipped
	require.NoError(t, os.Remove(filepath.Join(s.RunDir("run-b"), ScalerFile)))
	got, err = s.Load()
	require.NoError(t, err)
	assert.Equal(t, "run-a", got.RunID)
}

func TestRemoveKeepsOtherRuns(t *testing.T) {
	s := New(t.TempDir())
	refsA, err := s.Save(bundle(t, "run-a"))
	require.NoError(t, err)
	_, err = s.Save(bundle(t, "run-b"))
	require.NoError(t, err)
	_, err = s.SaveDataset("run-b", solar.Series{{Time: time.Unix(0, 0).UTC(), Kp: 1}})
	require.NoError(t, err)

	require.NoError(t, s.Remove("run-b"))
	assert.NoDirExists(t, s.RunDir("run-b"))

	got, err := s.LoadRefs(refsA)
	require.NoError(t, err)
	assert.Equal(t, "run-a", got.RunID)
	got, err = s.Load()
	require.NoError(t, err)
	assert.Equal(t, "run-a", got.RunID)
}

func TestInvalidRunID(t *testing.T) {
	s := New(t.TempDir())
	for _, id := range []string{"", ".", "..", "a/b", `a\b`} {
		_, err := s.Save(bundle(t, id))
		assert.ErrorIs(t, err, ErrInvalidRunID, "run id %q", id)
	}
	assert.ErrorIs(t, s.Remove(".."), ErrInvalidRunID)
}

func TestLoadMissingArtifact(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "absent"))
	_, err := s.Load()
	assert.ErrorIs(t, err, ErrMissingArtifact)

	_, err = s.LoadRefs(Refs{})
	assert.ErrorIs(t, err, ErrMissingArtifact)

	refs, err := s.Save(bundle(t, "run-a"))
	require.NoError(t, err)
	require.NoError(t, os.Remove(refs.Scaler))

	_, err = s.LoadRefs(refs)
	assert.ErrorIs(t, err, ErrMissingArtifact)
	_, err = s.Load()
	assert.ErrorIs(t, err, ErrMissingArtifact)
}

func TestLoadMismatchedPair(t *testing.T) {
	s := New(t.TempDir())
	refsA, err := s.Save(bundle(t, "run-a"))
	require.NoError(t, err)
	refsB, err := s.Save(bundle(t, "run-b"))
	require.NoError(t, err)

	_, err = s.LoadRefs(Refs{Model: refsB.Model, Scaler: refsA.Scaler})
	assert.ErrorIs(t, err, ErrArtifactMismatch)
}

func TestDatasetSnapshot(t *testing.T) {
	s := New(t.TempDir())
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	series := solar.Series{
		{Time: base, Kp: 1.33},
		{Time: base.Add(3 * time.Hour), Kp: 2},
		{Time: base.Add(6 * time.Hour), Kp: 5.67},
	}

	path, err := s.SaveDataset("run-a", series)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Dir, "run-a", DatasetFile), path)

	got, err := s.LoadDataset("run-a")
	require.NoError(t, err)
	assert.Equal(t, series, got)
}
