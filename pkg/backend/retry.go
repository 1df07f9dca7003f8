package backend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"syscall"
	"time"

	"golang.org/x/time/rate"
)

// newLimiter builds the per-backend request limiter. A non-positive rate
// disables limiting.
func newLimiter(requestsPerSecond float64) *rate.Limiter {
	if requestsPerSecond <= 0 {
		return nil
	}
	burst := int(requestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// retryConfig bounds the adapter-internal retry loop for one turn.
type retryConfig struct {
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	multiplier     float64
	jitter         float64
}

func defaultRetryConfig(maxRetries int) retryConfig {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return retryConfig{
		maxAttempts:    maxRetries + 1,
		initialBackoff: 500 * time.Millisecond,
		maxBackoff:     10 * time.Second,
		multiplier:     2.0,
		jitter:         0.1,
	}
}

// backoffDelay computes the exponential backoff before retry number
// attempt (1-based), with jitter so concurrent agents do not retry in
// lockstep.
func backoffDelay(cfg retryConfig, attempt int) time.Duration {
	backoff := float64(cfg.initialBackoff) * math.Pow(cfg.multiplier, float64(attempt-1))
	if backoff > float64(cfg.maxBackoff) {
		backoff = float64(cfg.maxBackoff)
	}
	if cfg.jitter > 0 {
		backoff += backoff * cfg.jitter * (rand.Float64()*2 - 1)
	}
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}

// transientError marks a provider failure as retryable.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func markTransient(err error) error {
	return &transientError{err: err}
}

// transientStatus reports whether an HTTP status from a provider is worth
// retrying.
func transientStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}
	return status >= 500
}

// isTransient reports whether err may succeed on retry. Adapters mark
// provider API errors via markTransient; network-level failures are
// recognized here directly.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	return false
}

// runTurn drives attempt until it succeeds, the retry budget runs out, or
// a failure is not retryable. A nil return from attempt means the terminal
// TurnEnd was already emitted. Retrying stops as soon as anything reached
// the consumer: replaying a partially delivered turn would duplicate
// content.
func runTurn(ctx context.Context, logger *slog.Logger, cfg retryConfig, limiter *rate.Limiter, em *emitter, attempt func() error) {
	var lastErr error
	for n := 1; n <= cfg.maxAttempts; n++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				em.fail(err)
				return
			}
		}
		err := attempt()
		if err == nil {
			return
		}
		lastErr = err
		if em.emitted || !isTransient(err) || n == cfg.maxAttempts {
			break
		}
		delay := backoffDelay(cfg, n)
		logger.Warn("transient backend error, retrying",
			"attempt", n,
			"max_attempts", cfg.maxAttempts,
			"backoff", delay,
			"error", err)
		select {
		case <-ctx.Done():
			em.fail(ctx.Err())
			return
		case <-time.After(delay):
		}
	}
	em.fail(lastErr)
}
