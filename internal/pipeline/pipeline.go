// Package pipeline turns a loaded configuration into a task graph: it
// applies the pipeline-wide task defaults, fills load and DDL statements in
// from the query catalog, and wires dependencies.
package pipeline

import (
	"fmt"

	"github.com/vguadalu/udacity-data-pipelines/internal/config"
	"github.com/vguadalu/udacity-data-pipelines/internal/queries"
	"github.com/vguadalu/udacity-data-pipelines/internal/scheduler"
)

// Build constructs the graph for cfg.Pipeline. Every task is validated as it
// is added; the first invalid task, unknown dependency or cycle is returned.
func Build(cfg *config.Config) (*scheduler.Graph, error) {
	p := cfg.Pipeline
	g := scheduler.NewGraph()

	for _, tc := range p.Tasks {
		task, err := newTask(tc, p.Defaults)
		if err != nil {
			return nil, err
		}
		if err := g.AddTask(task); err != nil {
			return nil, err
		}
	}

	for _, tc := range p.Tasks {
		for _, dep := range tc.DependsOn {
			if err := g.AddEdge(dep, tc.ID); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

func newTask(tc config.TaskConfig, d config.TaskDefaults) (*scheduler.Task, error) {
	kind, err := scheduler.ParseKind(tc.Kind)
	if err != nil {
		return nil, &scheduler.ConfigError{TaskID: tc.ID, Msg: "kind", Err: err}
	}

	var task *scheduler.Task
	switch kind {
	case scheduler.KindBegin:
		task = scheduler.NewBegin(tc.ID)
	case scheduler.KindEnd:
		task = scheduler.NewEnd(tc.ID)
	case scheduler.KindCreateTables:
		ct, err := createTables(tc)
		if err != nil {
			return nil, err
		}
		task = scheduler.NewCreateTables(tc.ID, ct)
	case scheduler.KindStageLoad:
		task = scheduler.NewStageLoad(tc.ID, scheduler.StageLoadConfig{
			Table:        tc.Table,
			Bucket:       tc.Bucket,
			Key:          tc.Key,
			Region:       tc.Region,
			Format:       tc.Format,
			CredentialID: tc.CredentialID,
			Truncate:     tc.Truncate == nil || *tc.Truncate,
		})
	case scheduler.KindFactLoad, scheduler.KindDimensionLoad:
		lc, err := loadConfig(tc)
		if err != nil {
			return nil, err
		}
		if kind == scheduler.KindFactLoad {
			task = scheduler.NewFactLoad(tc.ID, lc)
		} else {
			task = scheduler.NewDimensionLoad(tc.ID, lc)
		}
	case scheduler.KindQualityCheck:
		qc := scheduler.QualityCheckConfig{ExpectedNulls: tc.ExpectedNulls}
		for _, c := range tc.Checks {
			qc.Checks = append(qc.Checks, scheduler.NullCheck{Table: c.Table, Column: c.Column})
		}
		task = scheduler.NewQualityCheck(tc.ID, qc)
	}

	retries, delay, past := d.Retries, d.RetryDelay, d.DependsOnPast
	if tc.Retries != nil {
		retries = *tc.Retries
	}
	if tc.RetryDelay != nil {
		delay = *tc.RetryDelay
	}
	if tc.DependsOnPast != nil {
		past = *tc.DependsOnPast
	}
	return task.WithRetry(retries, delay.Std()).WithDependsOnPast(past), nil
}

// createTables resolves each table's DDL from the catalog. No tables means
// the whole catalog.
func createTables(tc config.TaskConfig) (scheduler.CreateTablesConfig, error) {
	tables := tc.Tables
	if len(tables) == 0 {
		tables = queries.Tables()
	}
	var ct scheduler.CreateTablesConfig
	for _, table := range tables {
		stmt, ok := queries.DDL(table)
		if !ok {
			return ct, &scheduler.ConfigError{TaskID: tc.ID, Msg: fmt.Sprintf("no DDL for table %q", table)}
		}
		ct.Tables = append(ct.Tables, scheduler.TableDDL{Table: table, DDL: stmt})
	}
	return ct, nil
}

// loadConfig takes columns and select from the task when both are given and
// from the catalog projection for the table otherwise.
func loadConfig(tc config.TaskConfig) (scheduler.LoadConfig, error) {
	lc := scheduler.LoadConfig{
		Table:    tc.Table,
		Columns:  tc.Columns,
		Select:   tc.Select,
		Truncate: tc.Truncate,
		Sources:  tc.Sources,
	}
	if len(lc.Columns) > 0 && lc.Select != "" {
		return lc, nil
	}
	if len(lc.Columns) > 0 || lc.Select != "" {
		return lc, &scheduler.ConfigError{TaskID: tc.ID, Msg: "columns and select must be given together"}
	}
	proj, ok := queries.Load(tc.Table)
	if !ok {
		return lc, &scheduler.ConfigError{TaskID: tc.ID, Msg: fmt.Sprintf("no catalog projection for table %q", tc.Table)}
	}
	lc.Columns, lc.Select = proj.Columns, proj.Select
	return lc, nil
}
