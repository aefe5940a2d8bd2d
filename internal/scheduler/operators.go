package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vguadalu/udacity-data-pipelines/internal/queries"
	"github.com/vguadalu/udacity-data-pipelines/internal/source"
	"github.com/vguadalu/udacity-data-pipelines/internal/warehouse"
)

// Runtime is what an attempt sees besides its warehouse session.
type Runtime struct {
	ScheduledTime time.Time
	Credentials   source.CredentialProvider
	// Sources, when set, is consulted before COPY so an empty prefix fails fast.
	Sources source.Store
}

// Execute performs one attempt of the task against c. Every side effect is
// idempotent, so a retried or re-run attempt leaves the same state.
func (t *Task) Execute(ctx context.Context, c warehouse.Client, rt Runtime) error {
	switch t.Kind {
	case KindBegin, KindEnd:
		return nil
	case KindCreateTables:
		return t.createTables(ctx, c)
	case KindStageLoad:
		return t.stage(ctx, c, rt)
	case KindFactLoad, KindDimensionLoad:
		return t.load(ctx, c)
	case KindQualityCheck:
		return t.checkQuality(ctx, c)
	default:
		return configErrorf(t.ID, "unknown task kind %d", int(t.Kind))
	}
}

func (t *Task) createTables(ctx context.Context, c warehouse.Client) error {
	for _, td := range t.CreateTables.Tables {
		if err := c.Execute(ctx, td.DDL); err != nil {
			return Transient("create table "+td.Table, err)
		}
	}
	return nil
}

func (t *Task) stage(ctx context.Context, c warehouse.Client, rt Runtime) error {
	s := t.Stage
	key, err := RenderKey(s.Key, rt.ScheduledTime)
	if err != nil {
		return &ConfigError{TaskID: t.ID, Msg: "render source key", Err: err}
	}

	if rt.Sources != nil {
		found, err := rt.Sources.HasObjects(ctx, s.Bucket, key)
		if err != nil {
			return Transient("list "+queries.SourceURI(s.Bucket, key), err)
		}
		if !found {
			return configErrorf(t.ID, "no objects under %s", queries.SourceURI(s.Bucket, key))
		}
	}

	if rt.Credentials == nil {
		return configErrorf(t.ID, "no credential provider configured")
	}
	creds, err := rt.Credentials.Resolve(ctx, s.CredentialID)
	if err != nil {
		if errors.Is(err, source.ErrUnknownCredential) {
			return &ConfigError{TaskID: t.ID, Msg: "resolve credentials", Err: err}
		}
		return Transient("resolve credentials "+s.CredentialID, err)
	}

	if s.Truncate {
		if err := c.Execute(ctx, queries.DeleteAll(s.Table)); err != nil {
			return Transient("clear "+s.Table, err)
		}
	}

	stmt := queries.Copy(queries.CopyParams{
		Table:           s.Table,
		Bucket:          s.Bucket,
		Key:             key,
		Region:          s.Region,
		Format:          s.Format,
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
		SessionToken:    creds.SessionToken,
	})
	if err := c.Execute(ctx, stmt); err != nil {
		return Transient("copy into "+s.Table, err)
	}
	return nil
}

func (t *Task) load(ctx context.Context, c warehouse.Client) error {
	l := t.Load
	for _, src := range l.Sources {
		n, ok, err := warehouse.Count(ctx, c, queries.RowCount(src))
		if err != nil {
			return Transient("count "+src, err)
		}
		if !ok || n == 0 {
			return &DataQualityError{Table: src, Msg: fmt.Sprintf("source for %s is empty", l.Table)}
		}
	}

	if l.Truncates(t.Kind) {
		if err := c.Execute(ctx, queries.DeleteAll(l.Table)); err != nil {
			return Transient("clear "+l.Table, err)
		}
	}

	stmt := queries.Insert(l.Table, queries.Projection{Columns: l.Columns, Select: l.Select})
	if err := c.Execute(ctx, stmt); err != nil {
		return Transient("load "+l.Table, err)
	}
	return nil
}

func (t *Task) checkQuality(ctx context.Context, c warehouse.Client) error {
	q := t.Quality
	for _, chk := range q.Checks {
		n, ok, err := warehouse.Count(ctx, c, queries.RowCount(chk.Table))
		if err != nil {
			return Transient("count "+chk.Table, err)
		}
		if !ok || n < 1 {
			return &DataQualityError{Table: chk.Table, Msg: "returned no results"}
		}

		nulls, ok, err := warehouse.Count(ctx, c, queries.NullCount(chk.Table, chk.Column))
		if err != nil {
			return Transient("count nulls "+chk.Table+"."+chk.Column, err)
		}
		if !ok {
			return &DataQualityError{Table: chk.Table, Column: chk.Column, Msg: "null count returned no results"}
		}
		want := int64(q.ExpectedNulls[chk.Column])
		if nulls != want {
			return &DataQualityError{
				Table:  chk.Table,
				Column: chk.Column,
				Msg:    fmt.Sprintf("found %d null values, expected %d", nulls, want),
			}
		}
	}
	return nil
}
