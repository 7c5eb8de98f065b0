package store

import "fmt"

// SchemaDDL returns CREATE statements for the pipeline tables.
//
// kp_history keeps the nominal date as text: sources disagree on its shape
// (GFZ date-only, SWPC "YYYY-MM-DD HH:MM:SS.sss", ISO with Z) and the
// Series Builder parses it on read. A single-element kp array is a scalar
// reading, longer arrays are 3-hourly samples starting at date.
func SchemaDDL(database string, t Tables) []string {
	return []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
	date       String,
	kp         Array(Float32),
	source     LowCardinality(String),
	created_at DateTime
) ENGINE = MergeTree
ORDER BY (date, created_at)`, database, t.History),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
	date         Date,
	kp_index     Array(Float64),
	kp_daily_avg Float64,
	created_at   DateTime64(3, 'UTC'),
	source       LowCardinality(String)
) ENGINE = ReplacingMergeTree(created_at)
ORDER BY date`, database, t.Forecast),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
	run_id        String,
	trained_at    DateTime64(3, 'UTC'),
	rows          UInt32,
	mse           Float64,
	rmse          Float64,
	norm_mse_0_1  Float64,
	quality_0_1   Float64,
	model_ref     String,
	scaler_ref    String,
	dataset_ref   String,
	epochs        UInt16,
	best_val_loss Float64
) ENGINE = MergeTree
ORDER BY trained_at`, database, t.ModelRuns),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
	published_at      DateTime64(3, 'UTC'),
	published         Bool,
	inserted_refs     Array(String),
	docs_preview      String,
	model_quality_0_1 Nullable(Float64),
	threshold         Float64,
	reason            LowCardinality(String),
	run_id            String
) ENGINE = MergeTree
ORDER BY published_at`, database, t.Audit),
	}
}
