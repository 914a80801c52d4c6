// Package retry decorates a download.Transport with jittered exponential
// backoff for transient failures.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/mdscrape/internal/download"
)

// Policy controls how often and how patiently a failed fetch is retried.
type Policy struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// DefaultPolicy mirrors the pacing the page CDN tolerates.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   200 * time.Millisecond,
		Multiplier:  3,
		MaxDelay:    10 * time.Second,
	}
}

// Validate reports policy values that cannot produce a schedule.
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("max_attempts must be at least 1, got %d", p.MaxAttempts)
	case p.BaseDelay < 0:
		return fmt.Errorf("base_delay must not be negative")
	case p.Multiplier < 1:
		return fmt.Errorf("multiplier must be at least 1, got %v", p.Multiplier)
	case p.MaxDelay < p.BaseDelay:
		return fmt.Errorf("max_delay %s is below base_delay %s", p.MaxDelay, p.BaseDelay)
	}
	return nil
}

// Backoff returns the wait before attempt+1, where attempt counts from 1.
// The result is drawn from [d/2, d) with d the capped exponential delay.
func (p Policy) Backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Observer is told about each retry before the backoff sleep.
type Observer interface {
	ObserveRetry(origin string, attempt int, err error)
}

// Transport retries transient failures of the wrapped transport.
type Transport struct {
	next     download.Transport
	policy   Policy
	observer Observer
	logger   *zap.Logger
	sleep    func(context.Context, time.Duration) error
}

// Option customizes a Transport.
type Option func(*Transport)

// WithObserver reports retries to o.
func WithObserver(o Observer) Option {
	return func(t *Transport) { t.observer = o }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Wrap decorates next with policy.
func Wrap(next download.Transport, policy Policy, opts ...Option) (*Transport, error) {
	if next == nil {
		return nil, errors.New("retry: transport is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("retry policy: %w", err)
	}
	t := &Transport{
		next:   next,
		policy: policy,
		logger: zap.NewNop(),
		sleep:  sleepWithContext,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Fetch calls the wrapped transport until it succeeds, fails permanently,
// runs out of attempts, or ctx ends. The last error is returned unchanged.
func (t *Transport) Fetch(ctx context.Context, locator string) ([]byte, error) {
	origin, _ := download.OriginOf(locator)
	for attempt := 1; ; attempt++ {
		body, err := t.next.Fetch(ctx, locator)
		if err == nil {
			return body, nil
		}
		if !t.shouldRetry(ctx, err, attempt) {
			return nil, err
		}
		wait := t.policy.Backoff(attempt)
		if t.observer != nil {
			t.observer.ObserveRetry(string(origin), attempt, err)
		}
		t.logger.Debug("retrying fetch",
			zap.String("locator", locator),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
		if sleepErr := t.sleep(ctx, wait); sleepErr != nil {
			return nil, fmt.Errorf("%w (last error: %w)", sleepErr, err)
		}
	}
}

func (t *Transport) shouldRetry(ctx context.Context, err error, attempt int) bool {
	if attempt >= t.policy.MaxAttempts || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return download.Classify(err) == download.FailureTransient
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
