// Package warehouse is the pipeline's only path to the relational warehouse.
// The core treats it as an opaque transport: a statement either succeeds or
// fails, and queries return rows of driver values.
package warehouse

import (
	"context"
	"fmt"
	"strconv"
)

// Row is one result row in column order.
type Row []any

// Client executes statements against the warehouse.
type Client interface {
	Execute(ctx context.Context, query string) error
	Query(ctx context.Context, query string) ([]Row, error)
}

// Session is a Client bound to one warehouse connection. It is never shared
// between concurrently running tasks and must be closed by its holder.
type Session interface {
	Client
	Close() error
}

// Pool hands out Sessions.
type Pool interface {
	Acquire(ctx context.Context) (Session, error)
	Close() error
}

// Count runs a single-value COUNT query. ok is false when the query returned
// no rows or no columns.
func Count(ctx context.Context, c Client, query string) (n int64, ok bool, err error) {
	rows, err := c.Query(ctx, query)
	if err != nil {
		return 0, false, err
	}
	if len(rows) < 1 || len(rows[0]) < 1 {
		return 0, false, nil
	}
	n, err = asInt64(rows[0][0])
	if err != nil {
		return 0, false, fmt.Errorf("count result: %w", err)
	}
	return n, true, nil
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case []byte:
		return strconv.ParseInt(string(n), 10, 64)
	case string:
		return strconv.ParseInt(n, 10, 64)
	case nil:
		return 0, fmt.Errorf("NULL is not a count")
	default:
		return 0, fmt.Errorf("unsupported count type %T", v)
	}
}
