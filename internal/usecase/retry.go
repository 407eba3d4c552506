package usecase

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// retryPolicy retries cache calls that failed on a flaky connection.
// Backoff doubles per attempt and is capped at maxBackoff.
type retryPolicy struct {
	attempts   int
	backoff    time.Duration
	maxBackoff time.Duration
}

var defaultRetryPolicy = retryPolicy{attempts: 3, backoff: 50 * time.Millisecond, maxBackoff: time.Second}

func (p retryPolicy) do(ctx context.Context, logger *zap.Logger, fn func() error) error {
	wait := p.backoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				logger.Info("cache call recovered", zap.Int("attempt", attempt))
			}
			return nil
		}
		if attempt >= p.attempts || !retryable(err) {
			return err
		}
		logger.Warn("retrying cache call", zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if wait *= 2; wait > p.maxBackoff {
			wait = p.maxBackoff
		}
	}
}

// retryable reports whether err looks like a dropped or slow connection
// rather than a definitive answer such as a miss.
func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrCacheMiss), errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
