// kp-backfill - Kp history backfill from GFZ Potsdam and NOAA SWPC
//
// Loads planetary Kp into the kp_history table used by kp-forecast:
//   - GFZ Potsdam definitive Kp file: one list-valued document per day
//     (up to 8 three-hourly readings starting at 00 UTC)
//   - NOAA SWPC planetary K-index JSON: one scalar document per time tag
//
// Input may be downloaded, read from a local .txt/.json file, or streamed
// from a .gz archive (parallel gzip via pgzip).
//
// Build: CGO_ENABLED=0 go build -ldflags="-s -w" -o build/kp-backfill ./cmd/kp-backfill

package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/ClickHouse/ch-go"
	"github.com/ClickHouse/ch-go/proto"
	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/klauspost/pgzip"
	"go.uber.org/zap"

	"github.com/KI7MT/ki7mt-kp-forecast/internal/common"
	"github.com/KI7MT/ki7mt-kp-forecast/internal/solar"
	"github.com/KI7MT/ki7mt-kp-forecast/internal/store"
)

var Version = "1.1.0"

const (
	gfzURL     = "https://kp.gfz-potsdam.de/app/files/Kp_ap_Ap_SN_F107_since_1932.txt"
	noaaURL    = "https://services.swpc.noaa.gov/products/noaa-planetary-k-index.json"
	batchLimit = 50000 // documents per native insert
)

// HistoryBatch holds columnar data for native ClickHouse insert.
// Matches schema: kp_history (date, kp, source, created_at)
type HistoryBatch struct {
	Date      *proto.ColStr
	Kp        *proto.ColArr[float32]
	Source    *proto.ColLowCardinality[string]
	CreatedAt *proto.ColDateTime
}

func NewHistoryBatch() *HistoryBatch {
	return &HistoryBatch{
		Date:      new(proto.ColStr),
		Kp:        proto.NewArray[float32](new(proto.ColFloat32)),
		Source:    new(proto.ColStr).LowCardinality(),
		CreatedAt: new(proto.ColDateTime),
	}
}

func (b *HistoryBatch) Reset() {
	b.Date.Reset()
	b.Kp.Reset()
	b.Source.Reset()
	b.CreatedAt.Reset()
}

func (b *HistoryBatch) Len() int {
	return b.Date.Rows()
}

func (b *HistoryBatch) Input() proto.Input {
	return proto.Input{
		{Name: "date", Data: b.Date},
		{Name: "kp", Data: b.Kp},
		{Name: "source", Data: b.Source},
		{Name: "created_at", Data: b.CreatedAt},
	}
}

// AddRecord appends one history document. Missing values are dropped.
func (b *HistoryBatch) AddRecord(rec solar.Record) bool {
	values := rec.Value.Slice()
	date, ok := rec.Date.(string)
	if len(values) == 0 || !ok {
		return false
	}
	kp := make([]float32, len(values))
	for i, v := range values {
		kp[i] = float32(v)
	}
	b.Date.Append(date)
	b.Kp.Append(kp)
	b.Source.Append(rec.Source)
	b.CreatedAt.Append(rec.CreatedAt)
	return true
}

func flushBatch(ctx context.Context, conn *ch.Client, table string, batch *HistoryBatch) error {
	if batch.Len() == 0 {
		return nil
	}
	query := fmt.Sprintf("INSERT INTO %s (date, kp, source, created_at) VALUES", table)
	return conn.Do(ctx, ch.Query{
		Body:  query,
		Input: batch.Input(),
	})
}

// openInput returns a reader over path, decompressing .gz archives.
func openInput(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	gz, err := pgzip.NewReaderN(f, 256*1024, runtime.NumCPU())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return readCloser{Reader: gz, close: func() error {
		gz.Close()
		return f.Close()
	}}, nil
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error { return r.close() }

func download(url string, timeout time.Duration) ([]byte, error) {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, url)
	}
	log.Printf("  HTTP 200 OK, Content-Length: %s", resp.Header.Get("Content-Length"))
	return io.ReadAll(resp.Body)
}

// detectSource picks the parser from the file name when -source is auto.
func detectSource(source, file string) string {
	if source != "auto" {
		return source
	}
	name := strings.ToLower(strings.TrimSuffix(file, ".gz"))
	if strings.HasSuffix(name, ".json") {
		return "noaa"
	}
	return "gfz"
}

func loadRecords(source, file string, start, end time.Time, timeout time.Duration, now time.Time) ([]solar.Record, int, error) {
	var data []byte
	if file != "" {
		log.Printf("Reading local file: %s", file)
		r, err := openInput(file)
		if err != nil {
			return nil, 0, fmt.Errorf("cannot open file: %w", err)
		}
		data, err = io.ReadAll(r)
		r.Close()
		if err != nil {
			return nil, 0, fmt.Errorf("read %s: %w", file, err)
		}
	} else {
		url := gfzURL
		if source == "noaa" {
			url = noaaURL
		}
		log.Printf("Downloading %s data...", strings.ToUpper(source))
		log.Printf("  URL: %s", url)
		var err error
		if data, err = download(url, timeout); err != nil {
			return nil, 0, err
		}
	}

	switch source {
	case "noaa":
		recs, err := solar.ParseNOAAKp(data, now)
		return recs, len(data), err
	case "gfz":
		days, err := solar.ParseGFZ(bytes.NewReader(data), start, end)
		if err != nil {
			return nil, len(data), err
		}
		recs := make([]solar.Record, 0, len(days))
		for _, d := range days {
			recs = append(recs, d.Record(now))
		}
		return recs, len(data), nil
	default:
		return nil, 0, fmt.Errorf("unknown source %q (gfz, noaa, auto)", source)
	}
}

func main() {
	configPath := flag.String("config", "", "YAML config file (default: $KP_CONFIG)")
	source := flag.String("source", "auto", "Input format: gfz, noaa, or auto (by file extension)")
	startStr := flag.String("start", "2000-01-01", "Start date for GFZ days (YYYY-MM-DD)")
	endStr := flag.String("end", "", "End date for GFZ days (default: today)")
	localFile := flag.String("file", "", "Local .txt, .json or .gz file (skip download)")
	dryRun := flag.Bool("dry-run", false, "Parse only, no ClickHouse insert")
	ensureSchema := flag.Bool("ensure-schema", true, "Create database and tables if missing")
	httpTimeout := flag.Int("timeout", 120, "HTTP download timeout (seconds)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "kp-backfill v%s - Kp History Backfill (GFZ Potsdam, NOAA SWPC)\n\n", Version)
		fmt.Fprintf(os.Stderr, "Loads planetary Kp into the kp_history table.\n\n")
		fmt.Fprintf(os.Stderr, "Sources:\n  gfz   %s\n  noaa  %s\n\n", gfzURL, noaaURL)
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  CLICKHOUSE_DSN=clickhouse://192.168.1.90:9000 %s -source gfz -start 2015-01-01\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -file /tmp/Kp_ap_Ap_SN_F107_since_1932.txt.gz -dry-run\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -file noaa_kp_index.json\n", os.Args[0])
	}
	flag.Parse()

	log.Println("=========================================================")
	log.Printf("kp-backfill v%s - Kp History Backfill", Version)
	log.Println("=========================================================")

	cfg, err := common.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Config: %v", err)
	}
	zlog, err := common.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Logger: %v", err)
	}
	defer zlog.Sync()

	startDate, err := time.Parse("2006-01-02", *startStr)
	if err != nil {
		log.Fatalf("Invalid start date: %v", err)
	}
	endDate := time.Now().UTC().Truncate(24 * time.Hour)
	if *endStr != "" {
		endDate, err = time.Parse("2006-01-02", *endStr)
		if err != nil {
			log.Fatalf("Invalid end date: %v", err)
		}
	}

	src := detectSource(*source, *localFile)
	log.Printf("Source:     %s", src)
	if src == "gfz" {
		log.Printf("Date range: %s to %s", startDate.Format("2006-01-02"), endDate.Format("2006-01-02"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("\nShutdown requested...")
		cancel()
	}()

	now := time.Now().UTC().Truncate(time.Second)
	t0 := time.Now()
	records, nbytes, err := loadRecords(src, *localFile, startDate, endDate, time.Duration(*httpTimeout)*time.Second, now)
	if err != nil {
		log.Fatalf("Parse error: %v", err)
	}
	log.Printf("Parsed %d documents (%d bytes) in %v", len(records), nbytes, time.Since(t0).Round(time.Millisecond))
	if len(records) == 0 {
		log.Fatal("No data found")
	}

	var readings int
	kpMin, kpMax := 99.0, -1.0
	for _, r := range records {
		for _, v := range r.Value.Slice() {
			readings++
			kpMin = min(kpMin, v)
			kpMax = max(kpMax, v)
		}
	}
	log.Printf("Coverage: %v to %v", records[0].Date, records[len(records)-1].Date)
	log.Printf("  Kp: %d 3-hour readings (%.2f - %.2f)", readings, kpMin, kpMax)

	if *dryRun {
		log.Println("Dry run - skipping ClickHouse insert")
		return
	}

	if strings.TrimSpace(cfg.ClickHouseDSN) == "" {
		log.Fatalf("%v (set CLICKHOUSE_DSN)", common.ErrMissingDSN)
	}
	opts, err := clickhouse.ParseDSN(cfg.ClickHouseDSN)
	if err != nil {
		log.Fatalf("Invalid DSN: %v", err)
	}
	if len(opts.Addr) == 0 {
		log.Fatal("DSN has no address")
	}

	if *ensureSchema {
		st, err := store.Open(ctx, cfg.StoreConfig(), zlog)
		if err != nil {
			log.Fatalf("ClickHouse connection failed: %v", err)
		}
		if err := st.EnsureSchema(ctx); err != nil {
			log.Fatalf("Schema: %v", err)
		}
		st.Close()
	}

	log.Printf("Connecting to ClickHouse at %s...", opts.Addr[0])
	conn, err := ch.Dial(ctx, ch.Options{
		Address:     opts.Addr[0],
		Database:    cfg.ClickHouseDatabase,
		User:        opts.Auth.Username,
		Password:    opts.Auth.Password,
		Compression: ch.CompressionLZ4,
		Logger:      zlog.Named("ch"),
	})
	if err != nil {
		log.Fatalf("ClickHouse connection failed: %v", err)
	}
	defer conn.Close()

	tableFQN := fmt.Sprintf("%s.%s", cfg.ClickHouseDatabase, cfg.HistoryTable)
	log.Printf("Table: %s", tableFQN)

	stats := common.NewStats()
	stats.AddBytes(uint64(nbytes))
	stats.StartReporter()

	t0 = time.Now()
	batch := NewHistoryBatch()
	inserted, dropped := 0, 0

	for _, rec := range records {
		select {
		case <-ctx.Done():
			stats.StopReporter()
			log.Printf("Interrupted after %d documents", inserted)
			return
		default:
		}

		if !batch.AddRecord(rec) {
			dropped++
			zlog.Debug("document dropped", zap.Any("date", rec.Date), zap.Stringer("kind", rec.Value.Kind))
			continue
		}

		if batch.Len() >= batchLimit {
			bt := time.Now()
			if err := flushBatch(ctx, conn, tableFQN, batch); err != nil {
				stats.StopReporter()
				log.Fatalf("Insert error at document %d: %v", inserted, err)
			}
			stats.SetBatchLatency(uint64(time.Since(bt).Nanoseconds()))
			stats.AddRows(uint64(batch.Len()))
			inserted += batch.Len()
			batch.Reset()
		}
	}

	if batch.Len() > 0 {
		if err := flushBatch(ctx, conn, tableFQN, batch); err != nil {
			stats.StopReporter()
			log.Fatalf("Final insert error: %v", err)
		}
		stats.AddRows(uint64(batch.Len()))
		inserted += batch.Len()
	}
	stats.StopReporter()

	elapsed := time.Since(t0)
	rps := float64(inserted) / elapsed.Seconds()

	log.Println()
	log.Println("=========================================================")
	log.Println("Backfill Complete")
	log.Println("=========================================================")
	log.Printf("Documents: %d (%d dropped)", inserted, dropped)
	log.Printf("Readings:  %d", readings)
	log.Printf("Elapsed:   %v", elapsed.Round(time.Millisecond))
	log.Printf("Rate:      %.0f docs/sec", rps)
	log.Printf("Source:    %s", src)
	log.Println("=========================================================")
}
