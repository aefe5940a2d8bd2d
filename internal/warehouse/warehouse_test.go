package warehouse_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vguadalu/udacity-data-pipelines/internal/warehouse"
	"github.com/vguadalu/udacity-data-pipelines/internal/warehouse/warehousetest"
)

// stubClient answers every query with fixed rows.
type stubClient struct {
	rows []warehouse.Row
	err  error
}

func (s stubClient) Execute(ctx context.Context, query string) error { return s.err }
func (s stubClient) Query(ctx context.Context, query string) ([]warehouse.Row, error) {
	return s.rows, s.err
}

func TestCount(t *testing.T) {
	tests := []struct {
		name    string
		rows    []warehouse.Row
		want    int64
		wantOK  bool
		wantErr bool
	}{
		{name: "int64", rows: []warehouse.Row{{int64(7)}}, want: 7, wantOK: true},
		{name: "int32", rows: []warehouse.Row{{int32(3)}}, want: 3, wantOK: true},
		{name: "numeric bytes", rows: []warehouse.Row{{[]byte("12")}}, want: 12, wantOK: true},
		{name: "string", rows: []warehouse.Row{{"0"}}, want: 0, wantOK: true},
		{name: "no rows", rows: nil, wantOK: false},
		{name: "empty row", rows: []warehouse.Row{{}}, wantOK: false},
		{name: "null", rows: []warehouse.Row{{nil}}, wantErr: true},
		{name: "garbage", rows: []warehouse.Row{{"many"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok, err := warehouse.Count(context.Background(), stubClient{rows: tt.rows}, "SELECT COUNT(*) FROM x")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if ok != tt.wantOK {
				t.Errorf("ok = %v, want %v", ok, tt.wantOK)
			}
			if n != tt.want {
				t.Errorf("n = %d, want %d", n, tt.want)
			}
		})
	}
}

func TestCount_PropagatesQueryError(t *testing.T) {
	boom := errors.New("connection reset")
	_, _, err := warehouse.Count(context.Background(), stubClient{err: boom}, "SELECT 1")
	if !errors.Is(err, boom) {
		t.Fatalf("expected query error, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := warehouse.DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected missing url to fail validation")
	}

	cfg.URL = "postgres://awsuser@localhost:5439/dev"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg.MaxIdleConns = cfg.MaxOpenConns + 1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected idle > open to fail validation")
	}
}

func TestBreakerPool_TripsAfterConsecutiveFailures(t *testing.T) {
	fake := warehousetest.NewFake()
	unreachable := errors.New("dial tcp: connection refused")
	fake.Handle("INSERT", func(f *warehousetest.Fake, stmt string) error { return unreachable })

	var transitions []string
	pool := warehouse.NewBreakerPool(fake, "redshift", warehouse.BreakerConfig{
		ConsecutiveFailures: 2,
		OpenTimeout:         time.Hour,
	}, func(name, from, to string) {
		transitions = append(transitions, from+"->"+to)
	})

	ctx := context.Background()
	sess, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer sess.Close()

	for i := 0; i < 2; i++ {
		if err := sess.Execute(ctx, "INSERT INTO users SELECT 1"); !errors.Is(err, unreachable) {
			t.Fatalf("attempt %d: expected warehouse error, got %v", i+1, err)
		}
	}

	if got := pool.State(); got != "open" {
		t.Fatalf("state = %q, want open", got)
	}
	err = sess.Execute(ctx, "INSERT INTO users SELECT 1")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected ErrOpenState while open, got %v", err)
	}
	if _, err := pool.Acquire(ctx); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected acquire to fail fast while open, got %v", err)
	}
	if len(transitions) != 1 || transitions[0] != "closed->open" {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestBreakerPool_IgnoresCancellation(t *testing.T) {
	fake := warehousetest.NewFake()
	pool := warehouse.NewBreakerPool(fake, "redshift", warehouse.BreakerConfig{ConsecutiveFailures: 1}, nil)

	sess, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer sess.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sess.Execute(ctx, "CREATE TABLE IF NOT EXISTS t (a int)"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := pool.State(); got != "closed" {
		t.Errorf("cancellation tripped the breaker: state = %q", got)
	}
}

func TestBreakerPool_QueryPassesRows(t *testing.T) {
	fake := warehousetest.NewFake()
	fake.Insert("users", warehousetest.Record{"userid": int64(1)}, warehousetest.Record{"userid": nil})
	pool := warehouse.NewBreakerPool(fake, "redshift", warehouse.DefaultBreakerConfig(), nil)

	sess, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer sess.Close()

	n, ok, err := warehouse.Count(context.Background(), sess, `SELECT COUNT(*) FROM "users" WHERE "userid" IS NULL`)
	if err != nil || !ok {
		t.Fatalf("count: n=%d ok=%v err=%v", n, ok, err)
	}
	if n != 1 {
		t.Errorf("null count = %d, want 1", n)
	}
}
