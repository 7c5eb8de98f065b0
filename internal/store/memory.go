package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/KI7MT/ki7mt-kp-forecast/internal/solar"
)

// Memory is an in-process Store. It backs tests and dry runs.
type Memory struct {
	mu        sync.Mutex
	history   []solar.Record
	forecasts map[string]ForecastDay
	runs      []ModelRun
	audits    []PublishAudit

	// Fail, when set, is consulted before every write; a non-nil result
	// is returned instead of performing the write.
	Fail func(op string) error
}

// NewMemory returns an empty in-memory store seeded with history.
func NewMemory(history ...solar.Record) *Memory {
	return &Memory{
		history:   append([]solar.Record(nil), history...),
		forecasts: make(map[string]ForecastDay),
	}
}

func (m *Memory) fail(op string) error {
	if m.Fail == nil {
		return nil
	}
	return m.Fail(op)
}

// AppendHistory adds history documents.
func (m *Memory) AppendHistory(records ...solar.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, records...)
}

// LoadHistory returns the stored documents sorted by nominal date, then
// created_at, like the ClickHouse store. Documents without a parseable
// date sort first; equal keys keep insertion order.
func (m *Memory) LoadHistory(ctx context.Context) ([]solar.Record, error) {
	if err := m.fail("load_history"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	out := append([]solar.Record(nil), m.history...)
	m.mu.Unlock()

	keys := make(map[int]time.Time, len(out))
	idx := make([]int, len(out))
	for i, r := range out {
		idx[i] = i
		if ts, err := solar.ParseTimestamp(r.Date); err == nil {
			keys[i] = ts
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ta, okA := keys[idx[a]]
		tb, okB := keys[idx[b]]
		switch {
		case okA != okB:
			return !okA
		case okA && !ta.Equal(tb):
			return ta.Before(tb)
		default:
			return out[idx[a]].CreatedAt.Before(out[idx[b]].CreatedAt)
		}
	})
	sorted := make([]solar.Record, len(out))
	for i, j := range idx {
		sorted[i] = out[j]
	}
	return sorted, nil
}

// UpsertForecast replaces any stored forecast for the same date.
func (m *Memory) UpsertForecast(ctx context.Context, day ForecastDay) error {
	if err := m.fail("upsert_forecast"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	day.KpIndex = append([]float64(nil), day.KpIndex...)
	m.forecasts[day.Ref()] = day
	return nil
}

// ListForecasts returns stored forecasts on or after from, ascending by date.
func (m *Memory) ListForecasts(ctx context.Context, from time.Time) ([]ForecastDay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ForecastDay, 0, len(m.forecasts))
	for _, f := range m.forecasts {
		if f.Date.Before(from) {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// InsertModelRun appends a run.
func (m *Memory) InsertModelRun(ctx context.Context, run ModelRun) error {
	if err := m.fail("insert_model_run"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

// LatestModelRun returns the run with the greatest TrainedAt.
func (m *Memory) LatestModelRun(ctx context.Context) (ModelRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.runs) == 0 {
		return ModelRun{}, ErrNotFound
	}
	latest := m.runs[0]
	for _, r := range m.runs[1:] {
		if r.TrainedAt.After(latest.TrainedAt) {
			latest = r
		}
	}
	return latest, nil
}

// InsertAudit appends an audit record.
func (m *Memory) InsertAudit(ctx context.Context, audit PublishAudit) error {
	if err := m.fail("insert_audit"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, audit)
	return nil
}

// ModelRuns returns a copy of the run log.
func (m *Memory) ModelRuns() []ModelRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ModelRun(nil), m.runs...)
}

// Audits returns a copy of the audit log.
func (m *Memory) Audits() []PublishAudit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PublishAudit(nil), m.audits...)
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
