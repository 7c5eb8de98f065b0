package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/KI7MT/ki7mt-kp-forecast/internal/pipeline"
)

// runStatus is served on /status.
type runStatus struct {
	Schedule  string     `json:"schedule"`
	Running   bool       `json:"running"`
	Runs      int        `json:"runs"`
	Failures  int        `json:"failures"`
	LastStart *time.Time `json:"last_start,omitempty"`
	LastEnd   *time.Time `json:"last_end,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	RunID     string     `json:"run_id,omitempty"`
	Quality   *float64   `json:"quality_0_1,omitempty"`
	Published *bool      `json:"published,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

type runFunc func(ctx context.Context) (pipeline.TrainResult, pipeline.PublishResult, error)

// scheduler runs the pipeline on each cron tick. Runs never overlap: a tick
// that fires during a run waits for it.
type scheduler struct {
	run   runFunc
	log   *zap.Logger
	after func()
	next  func() time.Time
	now   func() time.Time

	runMu sync.Mutex

	mu     sync.RWMutex
	status runStatus
}

func newScheduler(spec string, run runFunc, log *zap.Logger) *scheduler {
	return &scheduler{
		run:    run,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
		status: runStatus{Schedule: spec},
	}
}

func (s *scheduler) runOnce(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := s.now()
	s.mu.Lock()
	s.status.Running = true
	s.status.LastStart = &start
	s.mu.Unlock()

	s.log.Info("scheduled run started")
	tr, pr, err := s.run(ctx)
	end := s.now()

	s.mu.Lock()
	st := &s.status
	st.Running = false
	st.Runs++
	st.LastEnd = &end
	st.LastError = ""
	if tr.Run.RunID != "" {
		q := tr.Run.Quality
		st.RunID, st.Quality = tr.Run.RunID, &q
	}
	if pr.Audit.Reason != "" {
		published := pr.Audit.Published
		st.Published, st.Reason = &published, pr.Audit.Reason
	}
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error("scheduled run failed", zap.Error(err), zap.Duration("elapsed", end.Sub(start)))
	} else {
		s.log.Info("scheduled run finished",
			zap.String("run_id", tr.Run.RunID),
			zap.Bool("published", pr.Audit.Published),
			zap.String("reason", pr.Audit.Reason),
			zap.Duration("elapsed", end.Sub(start)))
	}
	if s.after != nil {
		s.after()
	}
}

// Status returns a copy of the current run status.
func (s *scheduler) Status() runStatus {
	s.mu.RLock()
	st := s.status
	s.mu.RUnlock()
	if s.next != nil {
		if next := s.next(); !next.IsZero() {
			st.NextRun = &next
		}
	}
	return st
}

func newRouter(s *scheduler, metricsHandler http.Handler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.Status())
	}).Methods(http.MethodGet)
	r.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	return r
}

func runSchedule(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	banner("Schedule")
	a.logSettings()
	a.stats.SetSilent(true)

	ctx := cmd.Context()
	s := newScheduler(a.cfg.Schedule, a.pipeline.Run, a.log.Named("schedule"))
	s.after = a.writeMetrics

	c := cron.New(cron.WithLocation(time.UTC))
	id, err := c.AddFunc(a.cfg.Schedule, func() { s.runOnce(ctx) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", a.cfg.Schedule, err)
	}
	s.next = func() time.Time { return c.Entry(id).Next }

	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           newRouter(s, a.metrics.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	c.Start()
	a.log.Info("scheduler started",
		zap.String("schedule", a.cfg.Schedule),
		zap.String("addr", a.cfg.MetricsAddr),
		zap.Time("next_run", c.Entry(id).Next))

	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
	case err = <-srvErr:
		a.log.Error("status server failed", zap.Error(err))
	}

	// Wait for a run in progress; its context is already cancelled.
	<-c.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		a.log.Warn("status server shutdown", zap.Error(shutdownErr))
	}
	if err != nil {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}
