// kp-download - Download Kp source files from GFZ Potsdam and NOAA SWPC
//
// Data sources:
//   - GFZ Potsdam: definitive 3-hourly Kp since 1932
//   - NOAA SWPC: planetary K-index, last 7 days (3-hourly)
//   - NOAA SWPC: 3-day geomagnetic forecast (for comparison with kp-forecast)
//
// Files land in <data_dir>/solar and are read by kp-backfill -file.
//
// Build: CGO_ENABLED=0 go build -ldflags="-s -w" -o build/kp-download ./cmd/kp-download

package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/KI7MT/ki7mt-kp-forecast/internal/common"
)

// Version can be overridden at build time via -ldflags
var Version = "1.1.0"

// DataSource defines a Kp data source
type DataSource struct {
	Name     string
	URL      string
	Filename string
	Desc     string
}

var sources = []DataSource{
	{
		Name:     "gfz_kp",
		URL:      "https://kp.gfz-potsdam.de/app/files/Kp_ap_Ap_SN_F107_since_1932.txt",
		Filename: "Kp_ap_Ap_SN_F107_since_1932.txt",
		Desc:     "GFZ Potsdam definitive Kp/ap/Ap/SN/F10.7 (1932-present)",
	},
	{
		Name:     "gfz_kp_nowcast",
		URL:      "https://kp.gfz-potsdam.de/app/files/Kp_ap_nowcast.txt",
		Filename: "Kp_ap_nowcast.txt",
		Desc:     "GFZ Potsdam nowcast Kp (last 30 days)",
	},
	{
		Name:     "noaa_kp",
		URL:      "https://services.swpc.noaa.gov/products/noaa-planetary-k-index.json",
		Filename: "noaa_kp_index.json",
		Desc:     "NOAA planetary K-index (3-hourly geomagnetic)",
	},
	{
		Name:     "noaa_kp_forecast",
		URL:      "https://services.swpc.noaa.gov/products/noaa-planetary-k-index-forecast.json",
		Filename: "noaa_kp_forecast.json",
		Desc:     "NOAA SWPC 3-day Kp forecast",
	},
}

func downloadFile(url, destPath string, timeout time.Duration) (int64, error) {
	client := &http.Client{
		Timeout: timeout,
	}

	resp, err := client.Get(url)
	if err != nil {
		return 0, fmt.Errorf("HTTP GET failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	tmpPath := destPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("create file failed: %w", err)
	}

	n, err := io.Copy(f, resp.Body)
	f.Close()

	if err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("download failed: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("rename failed: %w", err)
	}
	return n, nil
}

func selectSources(name string) []DataSource {
	var out []DataSource
	for _, s := range sources {
		if name == "all" || name == s.Name {
			out = append(out, s)
		}
	}
	return out
}

func main() {
	cfg := common.DefaultConfig()

	destDir := flag.String("dest", cfg.SolarDataDir(), "Destination directory")
	timeout := flag.Duration("timeout", 60*time.Second, "HTTP timeout per download")
	listSources := flag.Bool("list", false, "List available data sources")
	source := flag.String("source", "all", "Source to download (or 'all')")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "kp-download v%s - Kp Source Downloader\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Downloads planetary Kp files from GFZ Potsdam and NOAA SWPC.\n\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nData Sources:\n")
		for _, s := range sources {
			fmt.Fprintf(os.Stderr, "  %-17s %s\n", s.Name, s.Desc)
		}
	}

	flag.Parse()

	if *listSources {
		fmt.Printf("Available Kp data sources:\n\n")
		for _, s := range sources {
			fmt.Printf("  %-17s %s\n", s.Name, s.Desc)
			fmt.Printf("                    URL: %s\n", s.URL)
			fmt.Printf("                    File: %s\n\n", s.Filename)
		}
		return
	}

	selected := selectSources(*source)
	if len(selected) == 0 {
		fmt.Fprintf(os.Stderr, "Error: unknown source %q (use -list)\n", *source)
		os.Exit(2)
	}

	fmt.Println("=========================================================")
	fmt.Printf("Kp Download v%s\n", Version)
	fmt.Println("=========================================================")
	fmt.Printf("Destination: %s\n", *destDir)
	fmt.Printf("Timeout:     %v\n", *timeout)
	fmt.Println()

	if err := os.MkdirAll(*destDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Cannot create directory: %v\n", err)
		os.Exit(1)
	}

	startTime := time.Now()
	downloaded := 0
	failed := 0

	for _, src := range selected {
		destPath := filepath.Join(*destDir, src.Filename)
		fmt.Printf("[%s] Downloading from %s...\n", src.Name, src.URL)

		n, err := downloadFile(src.URL, destPath, *timeout)
		if err != nil {
			fmt.Printf("  ERROR: %v\n", err)
			failed++
			continue
		}
		fmt.Printf("  Downloaded %s (%d bytes)\n", filepath.Base(destPath), n)
		downloaded++
	}

	elapsed := time.Since(startTime)

	fmt.Println()
	fmt.Println("=========================================================")
	fmt.Println("Download Summary")
	fmt.Println("=========================================================")
	fmt.Printf("Downloaded: %d files\n", downloaded)
	fmt.Printf("Failed:     %d files\n", failed)
	fmt.Printf("Elapsed:    %v\n", elapsed.Round(time.Millisecond))
	fmt.Println("=========================================================")

	if failed > 0 {
		os.Exit(1)
	}
}
