package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Config holds backoff settings.
type Config struct {
	BaseDelay   time.Duration `yaml:"base_delay" env:"BASE_DELAY,overwrite"`
	MaxDelay    time.Duration `yaml:"max_delay" env:"MAX_DELAY,overwrite"`
	MaxAttempts int           `yaml:"max_attempts" env:"MAX_ATTEMPTS,overwrite"`
	// Jitter is the +/- fraction applied to each delay, 0 to 1.
	Jitter float64 `yaml:"jitter" env:"JITTER,overwrite"`
}

// DefaultConfig returns the backoff used for chain calls.
func DefaultConfig() Config {
	return Config{
		BaseDelay:   time.Second,
		MaxDelay:    2 * time.Minute,
		MaxAttempts: 5,
		Jitter:      0.2,
	}
}

// Policy retries Retryable failures with exponential backoff.
type Policy struct {
	cfg      Config
	classify func(error) Class
	random   func() float64
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewPolicy creates a policy. Zero fields in cfg fall back to defaults.
func NewPolicy(cfg Config) *Policy {
	def := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		cfg.Jitter = def.Jitter
	}
	return &Policy{
		cfg:      cfg,
		classify: Classify,
		random:   rand.Float64,
		sleep:    sleepCtx,
	}
}

// Config returns the effective settings.
func (p *Policy) Config() Config {
	return p.cfg
}

// Delay returns the wait before retry number attempt (0-based):
// base * 2^attempt, +/- jitter, never above MaxDelay.
func (p *Policy) Delay(attempt int) time.Duration {
	d := float64(p.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if d > float64(p.cfg.MaxDelay) {
		d = float64(p.cfg.MaxDelay)
	}
	if p.cfg.Jitter > 0 {
		d += d * p.cfg.Jitter * (2*p.random() - 1)
	}
	if d > float64(p.cfg.MaxDelay) {
		d = float64(p.cfg.MaxDelay)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Do runs op until it succeeds, fails with a non-Retryable error, or the
// attempt budget is spent.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	return p.DoWithBreaker(ctx, nil, op)
}

// DoWithBreaker is Do guarded by a circuit breaker. An open circuit fails
// immediately with ErrCircuitOpen and does not consume an attempt.
func (p *Policy) DoWithBreaker(ctx context.Context, br *Breaker, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := p.sleep(ctx, p.Delay(attempt-1)); err != nil {
				return fmt.Errorf("retry aborted: %w (last error: %v)", err, lastErr)
			}
		}

		if br != nil {
			if err := br.Allow(); err != nil {
				return err
			}
		}

		err := op(ctx)
		class := Retryable
		if err != nil {
			class = p.classify(err)
		}
		if br != nil {
			br.Record(err, class)
		}

		if err == nil {
			return nil
		}
		if class != Retryable {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.cfg.MaxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
