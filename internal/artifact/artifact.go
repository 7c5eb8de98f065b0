// Package artifact persists the trained model and its fitted scaler as a
// matched pair, plus an optional parquet snapshot of the training series.
//
// Each training run writes into its own directory, <Dir>/<run_id>, so a
// run that fails after saving never replaces the pair an earlier recorded
// run points at.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/KI7MT/ki7mt-kp-forecast/internal/forecast"
)

const (
	ModelFile   = "kp_model.json.gz"
	ScalerFile  = "kp_scaler.json.gz"
	DatasetFile = "kp_dataset.parquet"
)

var (
	// ErrMissingArtifact is returned when the model or scaler file is absent.
	ErrMissingArtifact = errors.New("missing artifact")
	// ErrArtifactMismatch is returned when model and scaler were written by
	// different training runs.
	ErrArtifactMismatch = errors.New("model and scaler run IDs differ")
	// ErrInvalidRunID is returned for run IDs that cannot name a directory.
	ErrInvalidRunID = errors.New("invalid run ID")
)

// Bundle is a model and the scaler it was trained with.
type Bundle struct {
	RunID   string
	SavedAt time.Time
	Model   *forecast.Model
	Scaler  forecast.Scaler
}

// Refs are the paths written by Save.
type Refs struct {
	Model  string
	Scaler string
}

type modelDoc struct {
	RunID   string              `json:"run_id"`
	SavedAt time.Time           `json:"saved_at"`
	Model   forecast.ModelState `json:"model"`
}

type scalerDoc struct {
	RunID   string          `json:"run_id"`
	SavedAt time.Time       `json:"saved_at"`
	Scaler  forecast.Scaler `json:"scaler"`
}

// Store reads and writes artifacts under Dir.
type Store struct {
	Dir string
}

// New returns a Store rooted at dir.
func New(dir string) *Store {
	return &Store{Dir: dir}
}

// RunDir returns the directory holding the artifacts of runID.
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.Dir, runID)
}

func checkRunID(runID string) error {
	if runID == "" || runID == "." || runID == ".." || strings.ContainsAny(runID, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidRunID, runID)
	}
	return nil
}

// Save writes the scaler then the model, each atomically, into the run's
// directory. A failed save removes the directory.
func (s *Store) Save(b Bundle) (Refs, error) {
	if b.Model == nil {
		return Refs{}, errors.New("artifact bundle needs a model")
	}
	if err := checkRunID(b.RunID); err != nil {
		return Refs{}, err
	}
	dir := s.RunDir(b.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Refs{}, fmt.Errorf("create run dir: %w", err)
	}
	saved := b.SavedAt.UTC()
	refs := Refs{
		Model:  filepath.Join(dir, ModelFile),
		Scaler: filepath.Join(dir, ScalerFile),
	}
	err := writeJSONGz(refs.Scaler, scalerDoc{RunID: b.RunID, SavedAt: saved, Scaler: b.Scaler})
	if err == nil {
		err = writeJSONGz(refs.Model, modelDoc{RunID: b.RunID, SavedAt: saved, Model: b.Model.State()})
	}
	if err != nil {
		os.RemoveAll(dir)
		return Refs{}, err
	}
	return refs, nil
}

// Remove deletes everything written for runID.
func (s *Store) Remove(runID string) error {
	if err := checkRunID(runID); err != nil {
		return err
	}
	if err := os.RemoveAll(s.RunDir(runID)); err != nil {
		return fmt.Errorf("remove run %s: %w", runID, err)
	}
	return nil
}

// LoadRefs reads the pair named by refs and fails unless both files belong
// to one run.
func (s *Store) LoadRefs(refs Refs) (Bundle, error) {
	if refs.Model == "" || refs.Scaler == "" {
		return Bundle{}, fmt.Errorf("%w: empty artifact reference", ErrMissingArtifact)
	}
	var md modelDoc
	if err := readJSONGz(refs.Model, &md); err != nil {
		return Bundle{}, err
	}
	var sd scalerDoc
	if err := readJSONGz(refs.Scaler, &sd); err != nil {
		return Bundle{}, err
	}
	if md.RunID != sd.RunID {
		return Bundle{}, fmt.Errorf("%w: model %q, scaler %q", ErrArtifactMismatch, md.RunID, sd.RunID)
	}
	model, err := forecast.ModelFromState(md.Model)
	if err != nil {
		return Bundle{}, fmt.Errorf("decode %s: %w", refs.Model, err)
	}
	return Bundle{RunID: md.RunID, SavedAt: md.SavedAt, Model: model, Scaler: sd.Scaler}, nil
}

// LoadRun reads the pair saved for runID.
func (s *Store) LoadRun(runID string) (Bundle, error) {
	if err := checkRunID(runID); err != nil {
		return Bundle{}, err
	}
	dir := s.RunDir(runID)
	return s.LoadRefs(Refs{Model: filepath.Join(dir, ModelFile), Scaler: filepath.Join(dir, ScalerFile)})
}

// Load returns the most recently saved complete pair. Run directories
// with a missing or mismatched pair are ignored.
func (s *Store) Load() (Bundle, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return Bundle{}, fmt.Errorf("%w: %s", ErrMissingArtifact, s.Dir)
	}
	if err != nil {
		return Bundle{}, fmt.Errorf("read model dir: %w", err)
	}

	var (
		newest Bundle
		found  bool
	)
	for _, e := range entries {
		if !e.IsDir() || checkRunID(e.Name()) != nil {
			continue
		}
		b, err := s.LoadRun(e.Name())
		if err != nil || b.RunID != e.Name() {
			continue
		}
		if !found || b.SavedAt.After(newest.SavedAt) {
			newest, found = b, true
		}
	}
	if !found {
		return Bundle{}, fmt.Errorf("%w: no saved runs in %s", ErrMissingArtifact, s.Dir)
	}
	return newest, nil
}

func writeJSONGz(path string, v any) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	gz := gzip.NewWriter(tmp)
	if err := json.NewEncoder(gz).Encode(v); err != nil {
		tmp.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("compress %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func readJSONGz(path string, v any) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrMissingArtifact, path)
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("gzip %s: %w", path, err)
	}
	defer gz.Close()

	if err := json.NewDecoder(gz).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
