package gateway

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/rendis/chatflow/pkg/schema"
)

// RetryPolicy bounds how transient integration failures are retried.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries uint64        `mapstructure:"retries" validate:"lte=20"`
	BaseDelay  time.Duration `mapstructure:"base_delay" validate:"gte=0"`
	MaxDelay   time.Duration `mapstructure:"max_delay" validate:"gte=0"`
}

// DefaultRetryPolicy retries twice starting at 100ms, capped at 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// backoff builds a fresh stateful backoff for one call.
func (p RetryPolicy) backoff() retry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	b := retry.NewExponential(base)
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	return retry.WithMaxRetries(p.MaxRetries, b)
}

// TransientError marks a capability failure as worth retrying.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so the gateway retries it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err should be retried. Cancellation and
// structured errors are permanent; network errors and errors wrapped with
// Transient are not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
