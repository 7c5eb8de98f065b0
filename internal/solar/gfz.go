package solar

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Source tags written with history documents.
const (
	SourceGFZ  = "gfz-kp-backfill"
	SourceNOAA = "noaa-kp"
)

// GFZDay holds one parsed day from the GFZ Kp file.
type GFZDay struct {
	Date   time.Time
	Kp     [SamplesPerDay]float64 // 3-hourly Kp (0-9 scale)
	Ap     [SamplesPerDay]float64 // 3-hourly ap
	DayAp  float64
	SSN    float64
	SFIObs float64 // observed F10.7
	Valid  int     // number of Kp buckets with data
}

// Record converts the day into a list-valued history document. Days whose
// trailing buckets are still missing (the current day) are truncated so
// the list only carries real readings.
func (d GFZDay) Record(createdAt time.Time) Record {
	return Record{
		Date:      d.Date.Format("2006-01-02"),
		Value:     FromSlice(append([]float64(nil), d.Kp[:d.Valid]...)),
		CreatedAt: createdAt,
		Source:    SourceGFZ,
	}
}

// ParseGFZLine parses one data line from the GFZ Kp file.
// Format (whitespace-delimited):
//
//	Col  0: Year
//	Col  1: Month
//	Col  2: Day
//	Col  3: Days (day of year)
//	Col  4: Days_m (modified Julian)
//	Col  5: Bsr (Bartels rotation)
//	Col  6: dB (day within rotation)
//	Col  7-14: Kp1..Kp8 (3-hourly, decimal 0.000-9.000)
//	Col 15-22: ap1..ap8 (3-hourly)
//	Col 23: Ap (daily)
//	Col 24: SN (sunspot number)
//	Col 25: F10.7obs
//	Col 26: F10.7adj
//
// Missing values are -1.000 or -1. Kp buckets stop at the first missing
// value.
func ParseGFZLine(line string) (GFZDay, bool) {
	fields := strings.Fields(line)
	if len(fields) < 27 {
		return GFZDay{}, false
	}

	year, err := strconv.Atoi(fields[0])
	if err != nil || year < 1900 || year > 2100 {
		return GFZDay{}, false
	}
	month, _ := strconv.Atoi(fields[1])
	day, _ := strconv.Atoi(fields[2])
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return GFZDay{}, false
	}

	d := GFZDay{
		Date: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC),
	}

	for i := 0; i < SamplesPerDay; i++ {
		v, err := strconv.ParseFloat(fields[7+i], 64)
		if err != nil || v < 0 {
			break
		}
		d.Kp[i] = v
		d.Valid++
	}

	for i := 0; i < SamplesPerDay; i++ {
		if v, err := strconv.ParseFloat(fields[15+i], 64); err == nil && v >= 0 {
			d.Ap[i] = v
		}
	}

	if v, err := strconv.ParseFloat(fields[23], 64); err == nil && v >= 0 {
		d.DayAp = v
	}
	if v, err := strconv.ParseFloat(fields[24], 64); err == nil && v >= 0 {
		d.SSN = v
	}
	if v, err := strconv.ParseFloat(fields[25], 64); err == nil && v >= 0 {
		d.SFIObs = v
	}

	return d, true
}

// ParseGFZ reads the GFZ file and returns days within [startDate, endDate]
// that carry at least one Kp bucket.
func ParseGFZ(reader io.Reader, startDate, endDate time.Time) ([]GFZDay, error) {
	var days []GFZDay
	scanner := bufio.NewScanner(reader)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		d, ok := ParseGFZLine(line)
		if !ok || d.Valid == 0 {
			continue
		}

		if d.Date.Before(startDate) || d.Date.After(endDate) {
			continue
		}

		days = append(days, d)
	}

	return days, scanner.Err()
}

// ParseNOAAKp parses the SWPC planetary K-index product
// (noaa-planetary-k-index.json) into scalar history documents. Both the
// legacy table layout (header row followed by string rows) and the object
// layout are accepted. Timestamps are kept as the ISO strings SWPC emits.
func ParseNOAAKp(data []byte, createdAt time.Time) ([]Record, error) {
	var table [][]any
	if err := json.Unmarshal(data, &table); err == nil {
		return parseNOAATable(table, createdAt)
	}

	var objects []map[string]any
	if err := json.Unmarshal(data, &objects); err != nil {
		return nil, fmt.Errorf("noaa kp json: %w", err)
	}
	records := make([]Record, 0, len(objects))
	for _, o := range objects {
		tag, _ := o["time_tag"].(string)
		kp, ok := number(o["Kp"])
		if !ok {
			kp, ok = number(o["kp_index"])
		}
		if tag == "" || !ok {
			continue
		}
		records = append(records, Record{Date: tag, Value: Scalar(kp), CreatedAt: createdAt, Source: SourceNOAA})
	}
	return records, nil
}

func parseNOAATable(table [][]any, createdAt time.Time) ([]Record, error) {
	if len(table) == 0 {
		return nil, nil
	}
	timeCol, kpCol := -1, -1
	for i, h := range table[0] {
		switch h {
		case "time_tag":
			timeCol = i
		case "Kp", "kp_index":
			kpCol = i
		}
	}
	if timeCol < 0 || kpCol < 0 {
		return nil, fmt.Errorf("noaa kp json: header %v lacks time_tag/Kp", table[0])
	}

	records := make([]Record, 0, len(table)-1)
	for _, row := range table[1:] {
		if len(row) <= timeCol || len(row) <= kpCol {
			continue
		}
		tag, _ := row[timeCol].(string)
		kp, ok := number(row[kpCol])
		if tag == "" || !ok {
			continue
		}
		records = append(records, Record{Date: tag, Value: Scalar(kp), CreatedAt: createdAt, Source: SourceNOAA})
	}
	return records, nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
