package metrics

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/KI7MT/ki7mt-kp-forecast/internal/store"
)

func TestManagerRecordsPipelineOutcomes(t *testing.T) {
	Convey("Given a metrics manager on a private registry", t, func() {
		registry := prometheus.NewRegistry()
		m := NewManager(WithRegistry(registry))
		So(m.Registry(), ShouldEqual, registry)

		Convey("When a training run succeeds", func() {
			m.ObserveTraining(90*time.Second, store.ModelRun{Epochs: 37, Quality: 0.82, RMSE: 0.6})
			m.ObserveHistory(1200)

			Convey("Then the run counters and gauges are set", func() {
				So(testutil.ToFloat64(m.trainingRuns.WithLabelValues("ok")), ShouldEqual, 1)
				So(testutil.ToFloat64(m.trainingEpochs), ShouldEqual, 37)
				So(testutil.ToFloat64(m.modelQuality), ShouldEqual, 0.82)
				So(testutil.ToFloat64(m.historySize), ShouldEqual, 1200)
			})
		})

		Convey("When a training run fails", func() {
			m.TrainingFailed()

			Convey("Then only the error counter moves", func() {
				So(testutil.ToFloat64(m.trainingRuns.WithLabelValues("error")), ShouldEqual, 1)
				So(testutil.ToFloat64(m.trainingRuns.WithLabelValues("ok")), ShouldEqual, 0)
			})
		})

		Convey("When the gate publishes and then suppresses", func() {
			at := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
			m.ObservePublish(store.PublishAudit{
				PublishedAt:  at,
				Published:    true,
				InsertedRefs: []string{"2025-03-11", "2025-03-12", "2025-03-13"},
				Reason:       store.ReasonQualityPassed,
			})
			m.ObservePublish(store.PublishAudit{Reason: store.ReasonQualityBelow})

			Convey("Then decisions are counted by reason", func() {
				So(testutil.ToFloat64(m.publishDecisions.WithLabelValues("true", store.ReasonQualityPassed)), ShouldEqual, 1)
				So(testutil.ToFloat64(m.publishDecisions.WithLabelValues("false", store.ReasonQualityBelow)), ShouldEqual, 1)
				So(testutil.ToFloat64(m.daysPublished), ShouldEqual, 3)
				So(testutil.ToFloat64(m.lastPublishUnix), ShouldEqual, float64(at.Unix()))
			})

			Convey("Then the textfile export contains them", func() {
				path := filepath.Join(t.TempDir(), "kp.prom")
				So(m.WriteTextfile(path), ShouldBeNil)
				data, err := os.ReadFile(path)
				So(err, ShouldBeNil)
				So(string(data), ShouldContainSubstring, "kp_forecast_forecast_days_published_total 3")
			})

			Convey("Then the HTTP handler serves them", func() {
				rec := httptest.NewRecorder()
				m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
				So(rec.Code, ShouldEqual, 200)
				So(strings.Contains(rec.Body.String(), "kp_forecast_publish_decisions_total"), ShouldBeTrue)
			})
		})
	})
}

func TestNilManagerIsSafe(t *testing.T) {
	Convey("Given a nil manager", t, func() {
		var m *Manager

		Convey("Then every method is a no-op", func() {
			So(func() {
				m.ObserveHistory(1)
				m.ObserveTraining(time.Second, store.ModelRun{})
				m.TrainingFailed()
				m.ObservePublish(store.PublishAudit{})
			}, ShouldNotPanic)
			So(m.WriteTextfile("/nonexistent/kp.prom"), ShouldBeNil)
			So(m.Registry(), ShouldBeNil)
		})
	})
}

func TestOptions(t *testing.T) {
	Convey("Given custom options", t, func() {
		registry := prometheus.NewRegistry()
		m := NewManager(
			WithRegistry(registry),
			WithNamespace("space"),
			WithSubsystem("kp"),
			WithHistogramBuckets([]float64{1, 2}),
		)

		Convey("Then metric names use them", func() {
			m.TrainingFailed()
			n, err := testutil.GatherAndCount(registry, "space_kp_training_runs_total")
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)
			So(m.histogramBuckets, ShouldResemble, []float64{1, 2})
		})
	})
}
