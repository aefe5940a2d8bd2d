package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Config describes the warehouse connection. Redshift speaks the Postgres
// wire protocol, so the pgx driver serves both.
type Config struct {
	URL             string        `mapstructure:"url" yaml:"url" validate:"required"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout" yaml:"ping_timeout"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	Breaker         BreakerConfig `mapstructure:"breaker" yaml:"breaker"`
}

// DefaultConfig returns pool settings suited to a handful of parallel tasks.
func DefaultConfig() Config {
	return Config{
		PingTimeout:     5 * time.Second,
		MaxOpenConns:    8,
		MaxIdleConns:    4,
		ConnMaxLifetime: 30 * time.Minute,
		Breaker:         DefaultBreakerConfig(),
	}
}

// Validate checks the settings Open depends on.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("warehouse url is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("warehouse ping_timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("warehouse max_open_conns must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("warehouse max_idle_conns must be between 0 and max_open_conns")
	}
	return nil
}

// DB is a Pool backed by database/sql.
type DB struct {
	db *sql.DB
}

// Open connects to the warehouse and verifies it answers a ping.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &DB{db: db}, nil
}

// NewDB wraps an already opened handle.
func NewDB(db *sql.DB) *DB {
	return &DB{db: db}
}

// Acquire reserves a dedicated connection for one task attempt.
func (d *DB) Acquire(ctx context.Context) (Session, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &session{conn: conn}, nil
}

// Close closes the underlying pool.
func (d *DB) Close() error {
	return d.db.Close()
}

type session struct {
	conn *sql.Conn
}

func (s *session) Execute(ctx context.Context, query string) error {
	_, err := s.conn.ExecContext(ctx, query)
	return err
}

func (s *session) Query(ctx context.Context, query string) ([]Row, error) {
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out = append(out, Row(vals))
	}
	return out, rows.Err()
}

func (s *session) Close() error {
	return s.conn.Close()
}
