package common

import (
	"fmt"
	"io"
	"math"
	"os"
	"sync/atomic"
	"time"
)

// Stats holds atomic counters for progress reporting. Ingest tools feed
// rows and bytes; training feeds one ObserveEpoch per epoch.
type Stats struct {
	TotalRowsProcessed  uint64 // rows inserted
	TotalBytesRead      uint64 // source bytes read
	CurrentBatchLatency uint64 // nanoseconds

	epoch       atomic.Int64
	totalEpochs atomic.Int64
	trainLoss   atomic.Uint64 // float64 bits
	valLoss     atomic.Uint64 // float64 bits
	lr          atomic.Uint64 // float64 bits

	// Internal state for reporter
	out       io.Writer
	interval  time.Duration
	running   atomic.Bool
	stopCh    chan struct{}
	silent    bool
	lastRows  uint64
	lastBytes uint64
	lastEpoch int64
	lastTime  time.Time

	// Moving average window for the rate column
	rateWindow     []float64
	rateWindowSize int
	rateIndex      int
}

// NewStats creates a new Stats instance reporting to stdout every 500ms.
func NewStats() *Stats {
	return &Stats{
		out:            os.Stdout,
		interval:       500 * time.Millisecond,
		rateWindow:     make([]float64, 10),
		rateWindowSize: 10,
	}
}

// SetOutput redirects progress lines.
func (s *Stats) SetOutput(w io.Writer) {
	s.out = w
}

// SetInterval changes the reporting period. Call before StartReporter.
func (s *Stats) SetInterval(d time.Duration) {
	if d > 0 {
		s.interval = d
	}
}

// AddRows atomically increments the total rows processed counter
func (s *Stats) AddRows(count uint64) {
	atomic.AddUint64(&s.TotalRowsProcessed, count)
}

// AddBytes atomically increments the total bytes read counter
func (s *Stats) AddBytes(count uint64) {
	atomic.AddUint64(&s.TotalBytesRead, count)
}

// SetBatchLatency atomically sets the current batch latency in nanoseconds
func (s *Stats) SetBatchLatency(ns uint64) {
	atomic.StoreUint64(&s.CurrentBatchLatency, ns)
}

// GetTotalRows atomically reads the total rows processed
func (s *Stats) GetTotalRows() uint64 {
	return atomic.LoadUint64(&s.TotalRowsProcessed)
}

// GetTotalBytes atomically reads the total bytes read
func (s *Stats) GetTotalBytes() uint64 {
	return atomic.LoadUint64(&s.TotalBytesRead)
}

// GetBatchLatency atomically reads the current batch latency
func (s *Stats) GetBatchLatency() uint64 {
	return atomic.LoadUint64(&s.CurrentBatchLatency)
}

// SetTotalEpochs sets the epoch budget shown in progress lines.
func (s *Stats) SetTotalEpochs(n int) {
	s.totalEpochs.Store(int64(n))
}

// ObserveEpoch records the latest finished epoch.
func (s *Stats) ObserveEpoch(epoch int, trainLoss, valLoss, lr float64) {
	s.trainLoss.Store(math.Float64bits(trainLoss))
	s.valLoss.Store(math.Float64bits(valLoss))
	s.lr.Store(math.Float64bits(lr))
	s.epoch.Store(int64(epoch))
}

// Epoch returns the latest observed epoch.
func (s *Stats) Epoch() int {
	return int(s.epoch.Load())
}

// SetSilent enables or disables silent mode
func (s *Stats) SetSilent(silent bool) {
	s.silent = silent
}

// StartReporter starts a background goroutine that prints progress every
// interval using newline-based output to avoid conflicts with log.Printf
func (s *Stats) StartReporter() {
	if s.running.Load() {
		return
	}

	s.running.Store(true)
	s.stopCh = make(chan struct{})
	s.lastTime = time.Now()
	s.lastRows = 0
	s.lastBytes = 0
	s.lastEpoch = 0

	go s.reporterLoop(s.stopCh)
}

// StopReporter stops the background reporter goroutine
func (s *Stats) StopReporter() {
	if !s.running.Load() {
		return
	}

	s.running.Store(false)
	close(s.stopCh)
}

func (s *Stats) reporterLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.printStatus(time.Now())
		}
	}
}

// printStatus prints one progress line. Training progress wins over ingest
// throughput once an epoch has been observed.
func (s *Stats) printStatus(now time.Time) {
	if s.silent {
		return
	}

	elapsed := now.Sub(s.lastTime).Seconds()
	if elapsed < 0.001 {
		return
	}

	if epoch := s.epoch.Load(); epoch > 0 {
		rate := s.smooth(float64(epoch-s.lastEpoch) / elapsed)
		fmt.Fprintf(s.out, "[Progress] Epoch: %d/%d | Loss: %.5f | Val: %.5f | LR: %.2e | %.2f epochs/s\n",
			epoch,
			s.totalEpochs.Load(),
			math.Float64frombits(s.trainLoss.Load()),
			math.Float64frombits(s.valLoss.Load()),
			math.Float64frombits(s.lr.Load()),
			rate,
		)
		s.lastEpoch = epoch
		s.lastTime = now
		return
	}

	currentRows := s.GetTotalRows()
	currentBytes := s.GetTotalBytes()
	batchLatencyMs := float64(s.GetBatchLatency()) / 1_000_000

	kibPerSec := (float64(currentBytes-s.lastBytes) / 1024) / elapsed
	rowsPerSec := float64(currentRows-s.lastRows) / elapsed

	fmt.Fprintf(s.out, "[Progress] Throughput: %.2f KiB/s | Insert: %.0f rows/s (avg: %.0f) | Batch: %.2f ms | Total: %d rows\n",
		kibPerSec,
		rowsPerSec,
		s.smooth(rowsPerSec),
		batchLatencyMs,
		currentRows,
	)

	s.lastRows = currentRows
	s.lastBytes = currentBytes
	s.lastTime = now
}

// smooth pushes v into the moving average window and returns the average
// of the non-zero samples.
func (s *Stats) smooth(v float64) float64 {
	s.rateWindow[s.rateIndex] = v
	s.rateIndex = (s.rateIndex + 1) % s.rateWindowSize

	var sum float64
	var count int
	for _, r := range s.rateWindow {
		if r > 0 {
			sum += r
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// Reset resets all counters (useful for testing or restarting)
func (s *Stats) Reset() {
	atomic.StoreUint64(&s.TotalRowsProcessed, 0)
	atomic.StoreUint64(&s.TotalBytesRead, 0)
	atomic.StoreUint64(&s.CurrentBatchLatency, 0)
	s.epoch.Store(0)
	s.trainLoss.Store(0)
	s.valLoss.Store(0)
	s.lr.Store(0)
	s.lastRows = 0
	s.lastBytes = 0
	s.lastEpoch = 0
	s.lastTime = time.Now()

	for i := range s.rateWindow {
		s.rateWindow[i] = 0
	}
	s.rateIndex = 0
}
