package common

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configEnvVars = []string{
	ConfigEnv, "CLICKHOUSE_DSN", "CLICKHOUSE_DATABASE", "KP_SEQ_LENGTH", "KP_FORECAST_LENGTH",
	"KP_PUBLISH_IF_QUALITY_GE", "KP_NO_QUALITY_POLICY", "KP_EPOCHS", "KP_MODEL_DIR",
	"KP_DATA_DIR", "KI7MT_DATA_DIR", "KP_KAFKA_BROKERS",
}

func clearConfigEnv(t *testing.T) {
	for _, k := range configEnvVars {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func writeTemp(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "kp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestConfigLoader(t *testing.T) {
	Convey("Given a config loader", t, func() {
		clearConfigEnv(t)

		Convey("When loading with defaults only", func() {
			cfg, err := LoadConfig("")

			Convey("Then defaults are applied and the DSN is still required", func() {
				So(err, ShouldBeNil)
				So(cfg.ClickHouseDatabase, ShouldEqual, "solar")
				So(cfg.SeqLength, ShouldEqual, 24)
				So(cfg.ForecastLength, ShouldEqual, 24)
				So(cfg.Epochs, ShouldEqual, 100)
				So(cfg.BatchSize, ShouldEqual, 16)
				So(cfg.PublishIfQualityGE, ShouldEqual, 0.5)
				So(cfg.NoQualityPolicy, ShouldEqual, "suppress")
				So(cfg.ModelDir, ShouldEqual, filepath.Join("/var/lib/ki7mt-ai-lab", "kp-models"))
				So(cfg.Validate(), ShouldEqual, ErrMissingDSN)
			})
		})

		Convey("When the environment overrides defaults", func() {
			os.Setenv("CLICKHOUSE_DSN", "clickhouse://localhost:9000")
			os.Setenv("KP_SEQ_LENGTH", "48")
			os.Setenv("KP_PUBLISH_IF_QUALITY_GE", "0.7")
			os.Setenv("KP_NO_QUALITY_POLICY", "publish")
			os.Setenv("KP_KAFKA_BROKERS", "k1:9092, k2:9092,")
			defer clearConfigEnv(t)

			cfg, err := LoadConfig("")

			Convey("Then env values win and the config validates", func() {
				So(err, ShouldBeNil)
				So(cfg.ClickHouseDSN, ShouldEqual, "clickhouse://localhost:9000")
				So(cfg.SeqLength, ShouldEqual, 48)
				So(cfg.PublishIfQualityGE, ShouldEqual, 0.7)
				So(cfg.NoQualityPolicy, ShouldEqual, "publish")
				So(cfg.Brokers(), ShouldResemble, []string{"k1:9092", "k2:9092"})
				So(cfg.Validate(), ShouldBeNil)
			})
		})

		Convey("When a YAML file is given and env overrides part of it", func() {
			path := writeTemp(t, `
clickhouse_dsn: "clickhouse://db:9000"
forecast_length: 16
epochs: 20
model_dir: /tmp/kp-models
`)
			os.Setenv("KP_EPOCHS", "30")
			defer clearConfigEnv(t)

			cfg, err := LoadConfig(path)

			Convey("Then file values apply below env values", func() {
				So(err, ShouldBeNil)
				So(cfg.ClickHouseDSN, ShouldEqual, "clickhouse://db:9000")
				So(cfg.ForecastLength, ShouldEqual, 16)
				So(cfg.Epochs, ShouldEqual, 30)
				So(cfg.ModelDir, ShouldEqual, "/tmp/kp-models")
				So(cfg.TrainerConfig().Epochs, ShouldEqual, 30)
			})
		})

		Convey("When the config file does not exist", func() {
			_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))

			Convey("Then a load error is returned", func() {
				So(errors.Is(err, ErrLoadConfig), ShouldBeTrue)
			})
		})
	})
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.ClickHouseDSN = "clickhouse://localhost:9000"
		cfg.ModelDir = "/tmp/kp"
		return cfg
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(*Config){
		"forecast length not whole days": func(c *Config) { c.ForecastLength = 20 },
		"zero seq length":                func(c *Config) { c.SeqLength = 0 },
		"threshold above one":            func(c *Config) { c.PublishIfQualityGE = 1.5 },
		"unknown policy":                 func(c *Config) { c.NoQualityPolicy = "maybe" },
		"unknown timestamp policy":       func(c *Config) { c.MissingTimestampPolicy = "now" },
		"inverted clamp":                 func(c *Config) { c.ClampMin, c.ClampMax = 1, 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	sc := valid().StoreConfig()
	assert.Equal(t, "kp_forecast", sc.Tables.Forecast)
	assert.Equal(t, "solar", sc.Database)
}

func TestNewLogger(t *testing.T) {
	log, err := NewLogger("debug")
	require.NoError(t, err)
	assert.NotNil(t, log)

	_, err = NewLogger("loud")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestStatsTrainingProgressLine(t *testing.T) {
	var buf bytes.Buffer
	s := NewStats()
	s.SetOutput(&buf)
	s.SetTotalEpochs(100)
	s.lastTime = time.Now()

	s.ObserveEpoch(12, 0.0123, 0.015, 0.0005)
	s.printStatus(s.lastTime.Add(time.Second))

	line := buf.String()
	assert.True(t, strings.HasPrefix(line, "[Progress] Epoch: 12/100"), line)
	assert.Contains(t, line, "Loss: 0.01230")
	assert.Contains(t, line, "Val: 0.01500")
	assert.Contains(t, line, "12.00 epochs/s")
	assert.Equal(t, 12, s.Epoch())
}

func TestStatsIngestProgressLine(t *testing.T) {
	var buf bytes.Buffer
	s := NewStats()
	s.SetOutput(&buf)
	s.lastTime = time.Now()

	s.AddRows(500)
	s.AddBytes(2048)
	s.printStatus(s.lastTime.Add(2 * time.Second))
	assert.Contains(t, buf.String(), "Insert: 250 rows/s")
	assert.Contains(t, buf.String(), "Total: 500 rows")

	buf.Reset()
	s.SetSilent(true)
	s.printStatus(s.lastTime.Add(time.Second))
	assert.Empty(t, buf.String())
}

func TestStatsReporterStartStop(t *testing.T) {
	s := NewStats()
	s.SetOutput(&bytes.Buffer{})
	s.SetSilent(true)
	s.SetInterval(time.Millisecond)
	s.StartReporter()
	s.StartReporter()
	time.Sleep(5 * time.Millisecond)
	s.StopReporter()
	s.StopReporter()
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStatsReporterRestart(t *testing.T) {
	out := &lockedBuffer{}
	s := NewStats()
	s.SetOutput(out)
	s.SetInterval(time.Millisecond)

	s.StartReporter()
	s.StopReporter()

	s.ObserveEpoch(1, 0.5, 0.5, 0.001)
	s.StartReporter()
	assert.Eventually(t, func() bool { return strings.Contains(out.String(), "Epoch: 1") }, time.Second, time.Millisecond,
		"restarted reporter must keep printing")
	assert.NotPanics(t, s.StopReporter)
}
