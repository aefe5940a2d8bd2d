package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vguadalu/udacity-data-pipelines/internal/logging"
	"github.com/vguadalu/udacity-data-pipelines/internal/source"
	"github.com/vguadalu/udacity-data-pipelines/internal/telemetry"
	"github.com/vguadalu/udacity-data-pipelines/internal/warehouse"
)

// Duration is a time.Duration written as a Go duration string ("5m0s").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		var ns int64
		if nerr := n.Decode(&ns); nerr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		parsed = time.Duration(ns)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the top-level configuration.
type Config struct {
	Pipeline    PipelineConfig                `mapstructure:"pipeline" yaml:"pipeline"`
	Warehouse   WarehouseConfig               `mapstructure:"warehouse" yaml:"warehouse"`
	Source      source.StoreConfig            `mapstructure:"source" yaml:"source"`
	Credentials map[string]source.Credentials `mapstructure:"credentials" yaml:"credentials"`
	History     HistoryConfig                 `mapstructure:"history" yaml:"history"`
	Log         logging.Config                `mapstructure:"log" yaml:"log"`
	Tracing     telemetry.Config              `mapstructure:"tracing" yaml:"tracing"`
}

// PipelineConfig defines the DAG and its schedule.
type PipelineConfig struct {
	Name          string       `mapstructure:"name" yaml:"name" validate:"required"`
	Description   string       `mapstructure:"description" yaml:"description,omitempty"`
	StartDate     time.Time    `mapstructure:"start_date" yaml:"start_date"`
	Interval      Duration     `mapstructure:"interval" yaml:"interval" validate:"gt=0"`
	MaxActiveRuns int          `mapstructure:"max_active_runs" yaml:"max_active_runs" validate:"gte=1"`
	Parallelism   int          `mapstructure:"parallelism" yaml:"parallelism" validate:"gte=1"`
	Defaults      TaskDefaults `mapstructure:"defaults" yaml:"defaults"`
	Tasks         []TaskConfig `mapstructure:"tasks" yaml:"tasks" validate:"min=1,dive"`
}

// TaskDefaults apply to every task that does not set its own value.
type TaskDefaults struct {
	Retries       int      `mapstructure:"retries" yaml:"retries" validate:"gte=0"`
	RetryDelay    Duration `mapstructure:"retry_delay" yaml:"retry_delay" validate:"gte=0"`
	DependsOnPast bool     `mapstructure:"depends_on_past" yaml:"depends_on_past"`
}

// TaskConfig is one task. Which fields apply depends on Kind:
//
//	create_tables   tables
//	stage_load      table, bucket, key, region, format, credential_id, truncate
//	fact_load       table, columns, select, truncate, sources
//	dimension_load  as fact_load
//	quality_check   checks, expected_nulls
//
// For loads, columns and select default to the query catalog's projection
// for the table, and create_tables takes its DDL from the catalog.
type TaskConfig struct {
	ID        string   `mapstructure:"id" yaml:"id" validate:"required"`
	Kind      string   `mapstructure:"kind" yaml:"kind" validate:"required,oneof=begin end create_tables stage_load fact_load dimension_load quality_check"`
	DependsOn []string `mapstructure:"depends_on" yaml:"depends_on,omitempty"`

	Retries       *int      `mapstructure:"retries" yaml:"retries,omitempty"`
	RetryDelay    *Duration `mapstructure:"retry_delay" yaml:"retry_delay,omitempty"`
	DependsOnPast *bool     `mapstructure:"depends_on_past" yaml:"depends_on_past,omitempty"`

	Tables []string `mapstructure:"tables" yaml:"tables,omitempty"`

	Table        string `mapstructure:"table" yaml:"table,omitempty"`
	Bucket       string `mapstructure:"bucket" yaml:"bucket,omitempty"`
	Key          string `mapstructure:"key" yaml:"key,omitempty"`
	Region       string `mapstructure:"region" yaml:"region,omitempty"`
	Format       string `mapstructure:"format" yaml:"format,omitempty"`
	CredentialID string `mapstructure:"credential_id" yaml:"credential_id,omitempty"`
	Truncate     *bool  `mapstructure:"truncate" yaml:"truncate,omitempty"`

	Columns []string `mapstructure:"columns" yaml:"columns,omitempty"`
	Select  string   `mapstructure:"select" yaml:"select,omitempty"`
	Sources []string `mapstructure:"sources" yaml:"sources,omitempty"`

	Checks        []NullCheckConfig `mapstructure:"checks" yaml:"checks,omitempty"`
	ExpectedNulls map[string]int    `mapstructure:"expected_nulls" yaml:"expected_nulls,omitempty"`
}

// NullCheckConfig is one table/column pair a quality check inspects.
type NullCheckConfig struct {
	Table  string `mapstructure:"table" yaml:"table" validate:"required"`
	Column string `mapstructure:"column" yaml:"column" validate:"required"`
}

// WarehouseConfig describes the warehouse connection pool.
type WarehouseConfig struct {
	URL             string        `mapstructure:"url" yaml:"url"`
	PingTimeout     Duration      `mapstructure:"ping_timeout" yaml:"ping_timeout"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime Duration      `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	Breaker         BreakerConfig `mapstructure:"breaker" yaml:"breaker"`
}

// BreakerConfig configures the warehouse circuit breaker.
type BreakerConfig struct {
	Enabled             bool     `mapstructure:"enabled" yaml:"enabled"`
	ConsecutiveFailures uint32   `mapstructure:"consecutive_failures" yaml:"consecutive_failures"`
	OpenTimeout         Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
	HalfOpenRequests    uint32   `mapstructure:"half_open_requests" yaml:"half_open_requests"`
}

// DB converts to the warehouse package's settings.
func (w WarehouseConfig) DB() warehouse.Config {
	return warehouse.Config{
		URL:             w.URL,
		PingTimeout:     w.PingTimeout.Std(),
		MaxOpenConns:    w.MaxOpenConns,
		MaxIdleConns:    w.MaxIdleConns,
		ConnMaxLifetime: w.ConnMaxLifetime.Std(),
		Breaker: warehouse.BreakerConfig{
			Enabled:             w.Breaker.Enabled,
			ConsecutiveFailures: w.Breaker.ConsecutiveFailures,
			OpenTimeout:         w.Breaker.OpenTimeout.Std(),
			HalfOpenRequests:    w.Breaker.HalfOpenRequests,
		},
	}
}

// HistoryConfig locates the run history database.
type HistoryConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// Provider returns a credential provider that serves the configured keys
// first and falls back to the AWS shared configuration. Entries without
// both key halves are left to the fallback.
func (c *Config) Provider() source.CredentialProvider {
	static := make(source.StaticProvider, len(c.Credentials))
	for id, cred := range c.Credentials {
		if cred.Valid() {
			static[id] = cred
		}
	}
	return source.Chain{static, source.AWSProvider{Region: c.Source.Region}}
}
