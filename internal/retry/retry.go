// Package retry provides bounded retry with exponential backoff and a fair
// counting semaphore, the two scheduling primitives shared by the ledger
// client and the polling supervisor.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"time"
)

// Config controls Do. Zero values fall back to the defaults below.
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	IsRetryable  func(error) bool
}

const (
	defaultMaxRetries   = 3
	defaultInitialDelay = 500 * time.Millisecond
	defaultMaxDelay     = 10 * time.Second
	defaultMultiplier   = 2.0
)

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = defaultInitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.Multiplier <= 1 {
		c.Multiplier = defaultMultiplier
	}
	if c.IsRetryable == nil {
		c.IsRetryable = Transient
	}
	return c
}

// Do runs op, retrying retryable failures up to MaxRetries times. The last
// observed error is returned once retries are exhausted. Sleeps between
// attempts respect ctx.
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()
	var last error
	for attempt := 0; ; attempt++ {
		last = op(ctx)
		if last == nil {
			return nil
		}
		if attempt >= cfg.MaxRetries || !cfg.IsRetryable(last) {
			return last
		}
		if err := sleep(ctx, Delay(cfg, attempt)); err != nil {
			return last
		}
	}
}

// Delay computes the backoff for attempt k (0-indexed):
// min(initial * multiplier^k, max) plus 10-30% uniform jitter.
func Delay(cfg Config, attempt int) time.Duration {
	cfg = cfg.withDefaults()
	base := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if capped := float64(cfg.MaxDelay); base > capped {
		base = capped
	}
	jitter := base * (0.1 + 0.2*rand.Float64())
	return time.Duration(base + jitter)
}

// statusCoder is implemented by transport errors that carry an HTTP status.
type statusCoder interface {
	HTTPStatus() int
}

var transientFragments = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"too many requests",
	"unexpected eof",
}

// Transient is the default retryability predicate: network timeouts,
// connection-level failures, HTTP 429 and the 5xx family.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		code := sc.HTTPStatus()
		return code == 429 || (code >= 500 && code <= 599)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range transientFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
