package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vguadalu/udacity-data-pipelines/internal/source"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoadDefaultsWhenFilesMissing(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "nope.yaml"), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Pipeline.Name != DefaultPipelineName {
		t.Errorf("name = %q, want %q", cfg.Pipeline.Name, DefaultPipelineName)
	}
	if !cfg.Pipeline.StartDate.Equal(DefaultStartDate) {
		t.Errorf("start_date = %s, want %s", cfg.Pipeline.StartDate, DefaultStartDate)
	}
	if cfg.Pipeline.Interval.Std() != time.Hour {
		t.Errorf("interval = %s, want 1h", cfg.Pipeline.Interval)
	}
	if cfg.Pipeline.Defaults.RetryDelay.Std() != 5*time.Minute {
		t.Errorf("retry_delay = %s, want 5m", cfg.Pipeline.Defaults.RetryDelay)
	}
	if len(cfg.Pipeline.Tasks) != 11 {
		t.Errorf("tasks = %d, want 11", len(cfg.Pipeline.Tasks))
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadPrecedence(t *testing.T) {
	tests := []struct {
		name            string
		global          string
		project         string
		env             map[string]string
		wantParallelism int
		wantURL         string
		wantInterval    time.Duration
	}{
		{
			name:            "global overrides defaults",
			global:          "pipeline:\n  parallelism: 2\n",
			wantParallelism: 2,
			wantInterval:    time.Hour,
		},
		{
			name:            "project overrides global",
			global:          "pipeline:\n  parallelism: 2\nwarehouse:\n  url: postgres://global/dev\n",
			project:         "pipeline:\n  parallelism: 6\n  interval: 30m\n",
			wantParallelism: 6,
			wantURL:         "postgres://global/dev",
			wantInterval:    30 * time.Minute,
		},
		{
			name:            "environment overrides files",
			project:         "warehouse:\n  url: postgres://project/dev\n",
			env:             map[string]string{"PIPELINE_WAREHOUSE_URL": "postgres://env/dev", "PIPELINE_PIPELINE_PARALLELISM": "8"},
			wantParallelism: 8,
			wantURL:         "postgres://env/dev",
			wantInterval:    time.Hour,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			var globalPath, projectPath string
			if tt.global != "" {
				globalPath = writeFile(t, dir, "global.yaml", tt.global)
			}
			if tt.project != "" {
				projectPath = writeFile(t, dir, "project.yaml", tt.project)
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := Load(globalPath, projectPath)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.Pipeline.Parallelism != tt.wantParallelism {
				t.Errorf("parallelism = %d, want %d", cfg.Pipeline.Parallelism, tt.wantParallelism)
			}
			if cfg.Warehouse.URL != tt.wantURL {
				t.Errorf("url = %q, want %q", cfg.Warehouse.URL, tt.wantURL)
			}
			if cfg.Pipeline.Interval.Std() != tt.wantInterval {
				t.Errorf("interval = %s, want %s", cfg.Pipeline.Interval, tt.wantInterval)
			}
		})
	}
}

func TestLoadProjectTasksReplaceDefaults(t *testing.T) {
	dir := t.TempDir()
	project := writeFile(t, dir, "project.yaml", `
pipeline:
  name: tiny
  start_date: 2020-03-01
  tasks:
    - id: start
      kind: begin
    - id: load_users
      kind: dimension_load
      table: users
      depends_on: [start]
      retries: 1
      retry_delay: 10s
      truncate: false
`)

	cfg, err := Load("", project)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if want := time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC); !cfg.Pipeline.StartDate.Equal(want) {
		t.Errorf("start_date = %s, want %s", cfg.Pipeline.StartDate, want)
	}
	if len(cfg.Pipeline.Tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(cfg.Pipeline.Tasks))
	}
	load := cfg.Pipeline.Tasks[1]
	if load.Retries == nil || *load.Retries != 1 {
		t.Errorf("retries = %v, want 1", load.Retries)
	}
	if load.RetryDelay == nil || load.RetryDelay.Std() != 10*time.Second {
		t.Errorf("retry_delay = %v, want 10s", load.RetryDelay)
	}
	if load.Truncate == nil || *load.Truncate {
		t.Errorf("truncate = %v, want false", load.Truncate)
	}
	if len(load.DependsOn) != 1 || load.DependsOn[0] != "start" {
		t.Errorf("depends_on = %v", load.DependsOn)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		project string
		wantErr string
	}{
		{"malformed yaml", "pipeline: [unclosed\n", "parsing"},
		{"bad duration", "pipeline:\n  interval: soon\n", "invalid duration"},
		{"bad start date", "pipeline:\n  start_date: yesterday\n", "invalid time"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "project.yaml", tt.project)
			_, err := Load("", path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	if err := LoadEnvFile(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing file: %v", err)
	}

	path := writeFile(t, dir, ".env", "PIPELINE_TEST_ONLY_VALUE=from-dotenv\n")
	t.Setenv("PIPELINE_TEST_ONLY_VALUE", "")
	if err := os.Unsetenv("PIPELINE_TEST_ONLY_VALUE"); err != nil {
		t.Fatal(err)
	}
	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	if got := os.Getenv("PIPELINE_TEST_ONLY_VALUE"); got != "from-dotenv" {
		t.Errorf("env = %q, want from-dotenv", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"missing name", func(c *Config) { c.Pipeline.Name = "" }, "Name"},
		{"zero parallelism", func(c *Config) { c.Pipeline.Parallelism = 0 }, "Parallelism"},
		{"unknown kind", func(c *Config) { c.Pipeline.Tasks[0].Kind = "sensor" }, "Kind"},
		{"duplicate id", func(c *Config) { c.Pipeline.Tasks[1].ID = c.Pipeline.Tasks[0].ID }, "defined twice"},
		{"unknown dependency", func(c *Config) {
			c.Pipeline.Tasks[1].DependsOn = []string{"Nowhere"}
		}, "unknown task"},
		{"self dependency", func(c *Config) {
			c.Pipeline.Tasks[1].DependsOn = []string{c.Pipeline.Tasks[1].ID}
		}, "depends on itself"},
		{"negative retries", func(c *Config) {
			n := -1
			c.Pipeline.Tasks[2].Retries = &n
		}, "retries"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateWarehouseRequiresURL(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.ValidateWarehouse(); err == nil {
		t.Error("expected error without a warehouse url")
	}
	cfg.Warehouse.URL = "postgres://localhost:5439/dev"
	if err := cfg.ValidateWarehouse(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestProviderPrefersConfiguredKeys(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Credentials["analyst"] = source.Credentials{AccessKeyID: "AKIA", SecretAccessKey: "secret"}

	creds, err := cfg.Provider().Resolve(context.Background(), "analyst")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if creds.AccessKeyID != "AKIA" || creds.SecretAccessKey != "secret" {
		t.Errorf("creds = %+v", creds)
	}
}
