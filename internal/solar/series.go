package solar

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// MissingTimestampPolicy decides what happens to a record with no usable
// nominal timestamp.
type MissingTimestampPolicy string

const (
	// MissingTimestampSkip treats the record as a ParseError.
	MissingTimestampSkip MissingTimestampPolicy = "skip"
	// MissingTimestampCreatedAt falls back to the record's storage write time.
	MissingTimestampCreatedAt MissingTimestampPolicy = "created_at"
)

// Valid reports whether p is a known policy.
func (p MissingTimestampPolicy) Valid() bool {
	return p == MissingTimestampSkip || p == MissingTimestampCreatedAt
}

// BuildOptions controls series assembly.
type BuildOptions struct {
	MissingTimestamp MissingTimestampPolicy
	Logger           *zap.Logger
}

// BuildStats summarises one series build.
type BuildStats struct {
	Records      int
	Observations int
	Skipped      int
	Fallbacks    int
}

type stamped struct {
	obs Observation
	seq int
}

// BuildSeries expands history records into one ascending Kp series.
//
// List values expand to T, T+3h, ... for each element; scalar values emit a
// single observation at T. Records that cannot be parsed are logged and
// skipped. Ordering is by resolved timestamp, ties broken by record order.
func BuildSeries(records []Record, opts BuildOptions) (Series, BuildStats, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MissingTimestamp == "" {
		opts.MissingTimestamp = MissingTimestampSkip
	}

	stats := BuildStats{Records: len(records)}
	var points []stamped

	for i, rec := range records {
		base, fellBack, err := resolveTimestamp(i, rec, opts.MissingTimestamp)
		if err != nil {
			stats.Skipped++
			log.Warn("skipping history record", zap.Error(err), zap.String("source", rec.Source))
			continue
		}
		if fellBack {
			stats.Fallbacks++
		}

		switch rec.Value.Kind {
		case KindScalar:
			if !finite(rec.Value.Scalar) {
				stats.Skipped++
				log.Warn("skipping history record", zap.Error(&ParseError{Index: i, Field: "kp", Err: errNonFinite}))
				continue
			}
			points = append(points, stamped{obs: Observation{Time: base, Kp: rec.Value.Scalar}, seq: len(points)})
		case KindList:
			for j, v := range rec.Value.List {
				if !finite(v) {
					log.Warn("skipping kp sample",
						zap.Error(&ParseError{Index: i, Field: "kp", Err: errNonFinite}),
						zap.Int("sample", j))
					continue
				}
				ts := base.Add(time.Duration(j) * SampleInterval)
				points = append(points, stamped{obs: Observation{Time: ts, Kp: v}, seq: len(points)})
			}
		default:
			stats.Skipped++
			log.Warn("skipping history record", zap.Error(&ParseError{Index: i, Field: "kp", Err: errNoValue}))
		}
	}

	if len(points) == 0 {
		return nil, stats, fmt.Errorf("%w: no observations in %d records", ErrInsufficientHistory, len(records))
	}

	sort.SliceStable(points, func(a, b int) bool {
		return points[a].obs.Time.Before(points[b].obs.Time)
	})

	series := make(Series, len(points))
	for i, p := range points {
		series[i] = p.obs
	}
	stats.Observations = len(series)
	return series, stats, nil
}

func resolveTimestamp(i int, rec Record, policy MissingTimestampPolicy) (time.Time, bool, error) {
	ts, err := ParseTimestamp(rec.Date)
	if err == nil {
		return ts, false, nil
	}
	if policy == MissingTimestampCreatedAt && !rec.CreatedAt.IsZero() {
		return rec.CreatedAt.UTC(), true, nil
	}
	return time.Time{}, false, &ParseError{Index: i, Field: "date", Err: err}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTimestamp resolves a stored nominal timestamp to a UTC instant.
// Accepted inputs are time.Time, *time.Time, ISO-8601 strings with or
// without a trailing Z or offset, and date-only strings. Strings without
// a zone are read as UTC.
func ParseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, errNoTimestamp
	case time.Time:
		if t.IsZero() {
			return time.Time{}, errNoTimestamp
		}
		return t.UTC(), nil
	case *time.Time:
		if t == nil || t.IsZero() {
			return time.Time{}, errNoTimestamp
		}
		return t.UTC(), nil
	case string:
		return parseTimestampString(t)
	default:
		return time.Time{}, fmt.Errorf("%w: %T", errUnknownStamp, v)
	}
}

func parseTimestampString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errNoTimestamp
	}
	var firstErr error
	for _, layout := range timestampLayouts {
		ts, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return ts.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, errors.Join(fmt.Errorf("unparseable timestamp %q", s), firstErr)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
