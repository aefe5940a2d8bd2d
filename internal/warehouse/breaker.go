package warehouse

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig configures the circuit breaker placed in front of the warehouse.
type BreakerConfig struct {
	Enabled             bool          `mapstructure:"enabled" yaml:"enabled"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures" yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
	HalfOpenRequests    uint32        `mapstructure:"half_open_requests" yaml:"half_open_requests"`
}

// DefaultBreakerConfig trips after 5 straight failures and probes again after 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:             true,
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    3,
	}
}

// StateChangeFunc is notified when the breaker changes state.
type StateChangeFunc func(name string, from, to string)

// BreakerPool wraps a Pool so that every acquire and statement passes through
// one shared circuit breaker. While open, calls fail fast with
// gobreaker.ErrOpenState instead of waiting on an unreachable warehouse.
type BreakerPool struct {
	pool Pool
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerPool wraps pool. onChange may be nil.
func NewBreakerPool(pool Pool, name string, cfg BreakerConfig, onChange StateChangeFunc) *BreakerPool {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultBreakerConfig().ConsecutiveFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultBreakerConfig().OpenTimeout
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = DefaultBreakerConfig().HalfOpenRequests
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenRequests,
		Interval:    0,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if onChange != nil {
				onChange(name, from.String(), to.String())
			}
		},
		IsSuccessful: func(err error) bool {
			// A cancelled run says nothing about warehouse health.
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	return &BreakerPool{pool: pool, cb: cb}
}

// State reports the breaker state ("closed", "half-open", "open").
func (p *BreakerPool) State() string {
	return p.cb.State().String()
}

// Acquire obtains a session from the wrapped pool through the breaker.
func (p *BreakerPool) Acquire(ctx context.Context) (Session, error) {
	res, err := p.cb.Execute(func() (interface{}, error) {
		return p.pool.Acquire(ctx)
	})
	if err != nil {
		return nil, err
	}
	return &breakerSession{Session: res.(Session), cb: p.cb}, nil
}

// Close closes the wrapped pool.
func (p *BreakerPool) Close() error {
	return p.pool.Close()
}

type breakerSession struct {
	Session
	cb *gobreaker.CircuitBreaker
}

func (s *breakerSession) Execute(ctx context.Context, query string) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.Session.Execute(ctx, query)
	})
	return err
}

func (s *breakerSession) Query(ctx context.Context, query string) ([]Row, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.Session.Query(ctx, query)
	})
	if err != nil {
		return nil, err
	}
	rows, _ := res.([]Row)
	return rows, nil
}
