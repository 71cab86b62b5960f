// Package retrypolicy implements exponential-backoff retry composed with a
// circuit breaker, shared by the push dispatcher's gateway client and the
// push worker's channel senders.
package retrypolicy

import (
	"context"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"
)

// Config controls backoff shape and breaker thresholds.
type Config struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	BaseDelay       time.Duration `yaml:"base_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	BreakerName     string        `yaml:"-"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
	BreakerMaxFails uint32        `yaml:"breaker_max_fails"`
}

func DefaultConfig(name string) Config {
	return Config{
		MaxAttempts:     3,
		BaseDelay:       200 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		BreakerName:     name,
		BreakerTimeout:  30 * time.Second,
		BreakerMaxFails: 5,
	}
}

// Policy retries a function call with exponential backoff and jitter,
// short-circuiting through a gobreaker.CircuitBreaker once failures exceed
// the configured threshold.
type Policy struct {
	cfg     Config
	breaker *gobreaker.CircuitBreaker
}

func New(cfg Config) *Policy {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    cfg.BreakerName,
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFails
		},
	})
	return &Policy{cfg: cfg, breaker: breaker}
}

// Do executes fn, retrying on error up to MaxAttempts times with
// exponential backoff. Every attempt is gated through the circuit breaker,
// so an open breaker fails fast without consuming an attempt's delay.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.backoff(attempt)):
			}
		}

		_, err := p.breaker.Execute(func() (any, error) {
			return nil, fn(ctx)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if err == gobreaker.ErrOpenState {
			return err
		}
	}
	return lastErr
}

func (p *Policy) backoff(attempt int) time.Duration {
	d := p.cfg.BaseDelay << uint(attempt-1)
	if d > p.cfg.MaxDelay || d <= 0 {
		d = p.cfg.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d/2 + jitter
}

// State exposes the breaker's current state for health/debug endpoints.
func (p *Policy) State() gobreaker.State {
	return p.breaker.State()
}
