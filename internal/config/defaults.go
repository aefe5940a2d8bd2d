package config

import (
	"time"

	"github.com/vguadalu/udacity-data-pipelines/internal/logging"
	"github.com/vguadalu/udacity-data-pipelines/internal/queries"
	"github.com/vguadalu/udacity-data-pipelines/internal/source"
	"github.com/vguadalu/udacity-data-pipelines/internal/telemetry"
	"github.com/vguadalu/udacity-data-pipelines/internal/warehouse"
)

const (
	// DefaultPipelineName is the Sparkify DAG's id.
	DefaultPipelineName = "udac_example_dag"
	// DefaultCredentialID names the AWS keys used by the stage tasks.
	DefaultCredentialID = "aws_credentials"

	sourceBucket = "udacity-dend"
	sourceRegion = "us-west-2"
)

// DefaultStartDate is the first interval of the Sparkify DAG.
var DefaultStartDate = time.Date(2019, 1, 12, 0, 0, 0, 0, time.UTC)

// DefaultConfig returns the Sparkify pipeline: stage song and event logs
// from S3, load the songplays fact and four dimensions, check them, hourly.
func DefaultConfig() *Config {
	wh := warehouse.DefaultConfig()
	return &Config{
		Pipeline: PipelineConfig{
			Name:          DefaultPipelineName,
			Description:   "Load and transform data in Redshift",
			StartDate:     DefaultStartDate,
			Interval:      Duration(time.Hour),
			MaxActiveRuns: 1,
			Parallelism:   4,
			Defaults: TaskDefaults{
				Retries:       3,
				RetryDelay:    Duration(5 * time.Minute),
				DependsOnPast: true,
			},
			Tasks: sparkifyTasks(),
		},
		Warehouse: WarehouseConfig{
			PingTimeout:     Duration(wh.PingTimeout),
			MaxOpenConns:    wh.MaxOpenConns,
			MaxIdleConns:    wh.MaxIdleConns,
			ConnMaxLifetime: Duration(wh.ConnMaxLifetime),
			Breaker: BreakerConfig{
				Enabled:             wh.Breaker.Enabled,
				ConsecutiveFailures: wh.Breaker.ConsecutiveFailures,
				OpenTimeout:         Duration(wh.Breaker.OpenTimeout),
				HalfOpenRequests:    wh.Breaker.HalfOpenRequests,
			},
		},
		Source: source.StoreConfig{
			Region:       sourceRegion,
			UseSSL:       true,
			CredentialID: DefaultCredentialID,
		},
		Credentials: map[string]source.Credentials{
			DefaultCredentialID: {},
		},
		History: HistoryConfig{Path: ".pipeline/history.db"},
		Log:     logging.DefaultConfig(),
		Tracing: telemetry.DefaultConfig(),
	}
}

func sparkifyTasks() []TaskConfig {
	truncate := true
	noTruncate := false
	dims := []struct{ id, table string }{
		{"Load_user_dim_table", queries.Users},
		{"Load_song_dim_table", queries.Songs},
		{"Load_artist_dim_table", queries.Artists},
		{"Load_time_dim_table", queries.Time},
	}

	tasks := []TaskConfig{
		{ID: "Begin_execution", Kind: "begin"},
		{ID: "Create_tables", Kind: "create_tables", DependsOn: []string{"Begin_execution"}, Tables: queries.Tables()},
		{
			ID:           "Stage_events",
			Kind:         "stage_load",
			DependsOn:    []string{"Create_tables"},
			Table:        queries.StagingEvents,
			Bucket:       sourceBucket,
			Key:          "log_data",
			Region:       sourceRegion,
			Format:       "s3://udacity-dend/log_json_path.json",
			CredentialID: DefaultCredentialID,
			Truncate:     &truncate,
		},
		{
			ID:           "Stage_songs",
			Kind:         "stage_load",
			DependsOn:    []string{"Create_tables"},
			Table:        queries.StagingSongs,
			Bucket:       sourceBucket,
			Key:          "song_data/A/A/A",
			Region:       sourceRegion,
			Format:       "auto",
			CredentialID: DefaultCredentialID,
			Truncate:     &truncate,
		},
		{
			ID:        "Load_songplays_fact_table",
			Kind:      "fact_load",
			DependsOn: []string{"Stage_events", "Stage_songs"},
			Table:     queries.Songplays,
			Truncate:  &noTruncate,
			Sources:   []string{queries.StagingEvents, queries.StagingSongs},
		},
	}

	checkDeps := make([]string, 0, len(dims))
	for _, d := range dims {
		tasks = append(tasks, TaskConfig{
			ID:        d.id,
			Kind:      "dimension_load",
			DependsOn: []string{"Load_songplays_fact_table"},
			Table:     d.table,
			Truncate:  &truncate,
		})
		checkDeps = append(checkDeps, d.id)
	}

	tasks = append(tasks,
		TaskConfig{
			ID:        "Run_data_quality_checks",
			Kind:      "quality_check",
			DependsOn: checkDeps,
			Checks: []NullCheckConfig{
				{Table: queries.Users, Column: "userid"},
				{Table: queries.Artists, Column: "artistid"},
				{Table: queries.Songs, Column: "songid"},
				{Table: queries.Time, Column: "start_time"},
			},
			ExpectedNulls: map[string]int{"userid": 0, "artistid": 0, "songid": 0, "start_time": 0},
		},
		TaskConfig{ID: "Stop_execution", Kind: "end", DependsOn: []string{"Run_data_quality_checks"}},
	)
	return tasks
}
