// kp-forecast - Kp forecast training and gated publishing
//
// Trains a dense sequence model on the 3-hourly Kp history in ClickHouse,
// scores it on held-out data, and publishes 3-day forecasts only when the
// latest model quality clears the configured threshold.
//
// Commands:
//
//	train     fit a model, save artifacts, record a model run
//	predict   forecast from saved artifacts and go through the publish gate
//	run       train then predict in one process
//	schedule  run daily on a cron schedule with a status server
//	migrate   create the database and tables
//
// Build: CGO_ENABLED=0 go build -ldflags="-s -w" -o build/kp-forecast ./cmd/kp-forecast

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/KI7MT/ki7mt-kp-forecast/internal/pipeline"
	"github.com/KI7MT/ki7mt-kp-forecast/internal/store"
)

// Version can be overridden at build time via -ldflags
var Version = "1.0.0"

var rootCmd = &cobra.Command{
	Use:           "kp-forecast",
	Short:         "kp-forecast - Kp model training and gated forecast publishing",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a model and record its quality",
	RunE:  runTrain,
}

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Forecast from saved artifacts and publish if quality passes",
	RunE:  runPredict,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Train then predict-and-publish",
	RunE:  runAll,
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run train+predict on a cron schedule (UTC) with /health, /status, /metrics",
	RunE:  runSchedule,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the ClickHouse database and tables",
	RunE:  runMigrate,
}

var showFlag bool

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "YAML config file (default: $KP_CONFIG)")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.String("model-dir", "", "Artifact directory")
	pf.Float64("threshold", 0, "Publish when quality >= threshold (0-1)")
	pf.String("no-quality-policy", "", "Without a model run: suppress or publish")
	pf.String("metrics-textfile", "", "Write metrics in textfile format after each command")

	trainCmd.Flags().Int("epochs", 0, "Epoch budget")
	runCmd.Flags().Int("epochs", 0, "Epoch budget")
	predictCmd.Flags().BoolVar(&showFlag, "show", false, "List stored forecasts from tomorrow on")
	scheduleCmd.Flags().String("schedule", "", "Cron expression, UTC (default from config)")
	scheduleCmd.Flags().String("metrics-addr", "", "Status server listen address")

	rootCmd.AddCommand(trainCmd, predictCmd, runCmd, scheduleCmd, migrateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func banner(title string) {
	log.Println("=========================================================")
	log.Printf("kp-forecast v%s - %s", Version, title)
	log.Println("=========================================================")
}

func runTrain(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	banner("Train")
	a.logSettings()

	a.stats.StartReporter()
	res, err := a.pipeline.Train(cmd.Context())
	a.stats.StopReporter()
	a.writeMetrics()
	if err != nil {
		return err
	}
	printTrain(res)
	return nil
}

func runPredict(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	banner("Predict and Publish")
	a.logSettings()

	res, err := a.pipeline.PredictAndPublish(cmd.Context())
	a.writeMetrics()
	if err != nil {
		return err
	}
	printPublish(res)

	if showFlag {
		tomorrow := time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, 1)
		days, err := a.store.ListForecasts(cmd.Context(), tomorrow)
		if err != nil {
			return fmt.Errorf("list forecasts: %w", err)
		}
		printForecasts(days)
	}
	return nil
}

func runAll(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	banner("Train and Publish")
	a.logSettings()

	a.stats.StartReporter()
	tr, err := a.pipeline.Train(cmd.Context())
	a.stats.StopReporter()
	if err != nil {
		a.writeMetrics()
		return err
	}
	printTrain(tr)

	pr, err := a.pipeline.PredictAndPublish(cmd.Context())
	a.writeMetrics()
	if err != nil {
		return err
	}
	printPublish(pr)
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	banner("Migrate")
	if err := a.store.EnsureSchema(cmd.Context()); err != nil {
		return err
	}
	log.Printf("Database %s ready: %s, %s, %s, %s", a.cfg.ClickHouseDatabase,
		a.cfg.HistoryTable, a.cfg.ForecastTable, a.cfg.ModelRunsTable, a.cfg.AuditTable)
	return nil
}

func printTrain(res pipeline.TrainResult) {
	r := res.Run
	log.Println()
	log.Println("=========================================================")
	log.Println("Training Complete")
	log.Println("=========================================================")
	log.Printf("Run ID:    %s", r.RunID)
	log.Printf("Rows:      %d observations (%d records, %d skipped)", r.Rows, res.Build.Records, res.Build.Skipped)
	log.Printf("Epochs:    %d (best %d, early stop: %v, final LR %.2e)",
		r.Epochs, res.Report.BestEpoch, res.Report.StoppedEarly, res.Report.FinalLR)
	log.Printf("MSE:       %.4f", r.MSE)
	log.Printf("RMSE:      %.4f Kp", r.RMSE)
	log.Printf("Norm MSE:  %.4f", r.NormMSE)
	log.Printf("Quality:   %.4f", r.Quality)
	log.Printf("Model:     %s", r.ModelRef)
	if r.DatasetRef != "" {
		log.Printf("Dataset:   %s", r.DatasetRef)
	}
	log.Println("=========================================================")
}

func printPublish(res pipeline.PublishResult) {
	a := res.Audit
	quality := "none"
	if a.ModelQuality != nil {
		quality = fmt.Sprintf("%.4f", *a.ModelQuality)
	}
	log.Println()
	log.Println("=========================================================")
	if a.Published {
		log.Println("Forecast Published")
	} else {
		log.Println("Forecast Suppressed")
	}
	log.Println("=========================================================")
	log.Printf("Quality:   %s (threshold %.2f)", quality, a.Threshold)
	log.Printf("Reason:    %s", a.Reason)
	for _, d := range res.Days {
		log.Printf("  %s  avg %.2f  [%s]", d.Ref(), d.KpDailyAvg, formatKp(d.KpIndex))
	}
	log.Println("=========================================================")
}

func printForecasts(days []store.ForecastDay) {
	log.Println()
	log.Printf("Stored forecasts (%d):", len(days))
	for _, d := range days {
		log.Printf("  %s  avg %.2f  %s  created %s", d.Ref(), d.KpDailyAvg, d.Source, d.CreatedAt.Format(time.RFC3339))
	}
}

func formatKp(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%.2f", v)
	}
	return strings.Join(parts, " ")
}
