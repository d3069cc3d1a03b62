// Package gateway performs the engine's outbound side effects: message
// delivery to conversations and integration calls to named capabilities.
// Integration calls are bounded by a deadline, retried on transient errors
// and guarded by a per-capability circuit breaker.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/rendis/chatflow/pkg/schema"
)

// Observer receives integration call outcomes, e.g. for metrics.
type Observer interface {
	ObserveIntegration(capability, outcome string, elapsed time.Duration)
}

// Outcome labels passed to Observer.
const (
	OutcomeSuccess     = "success"
	OutcomeError       = "error"
	OutcomeTimeout     = "timeout"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeUnavailable = "unavailable"
)

// Options configures a Gateway. Zero values use defaults.
type Options struct {
	Retry    *RetryPolicy
	Breaker  *BreakerConfig
	Observer Observer
	Logger   *slog.Logger
}

// Gateway routes outbound actions.
type Gateway struct {
	capabilities *Registry
	deliverer    Deliverer
	breakers     *Breakers
	retry        RetryPolicy
	observer     Observer
	logger       *slog.Logger
}

// New creates a Gateway. A nil deliverer logs messages instead.
func New(capabilities *Registry, deliverer Deliverer, opts Options) *Gateway {
	if capabilities == nil {
		capabilities = NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if deliverer == nil {
		deliverer = LogDeliverer{Logger: opts.Logger}
	}
	policy := DefaultRetryPolicy()
	if opts.Retry != nil {
		policy = *opts.Retry
	}
	breakerCfg := DefaultBreakerConfig()
	if opts.Breaker != nil {
		breakerCfg = *opts.Breaker
	}
	return &Gateway{
		capabilities: capabilities,
		deliverer:    deliverer,
		breakers:     NewBreakers(breakerCfg),
		retry:        policy,
		observer:     opts.Observer,
		logger:       opts.Logger,
	}
}

// Capabilities returns the registry, e.g. for validation lookups.
func (g *Gateway) Capabilities() *Registry { return g.capabilities }

// DeliverMessage sends text to the conversation. Failures are returned as
// DELIVERY_ERROR.
func (g *Gateway) DeliverMessage(ctx context.Context, conversationRef, text string) error {
	if err := g.deliverer.Deliver(ctx, conversationRef, text); err != nil {
		return schema.NewErrorf(schema.ErrCodeDelivery, "deliver message to %q: %s", conversationRef, err.Error()).WithCause(err)
	}
	return nil
}

// CallIntegration invokes capability with params under timeout. A deadline
// hit yields INTEGRATION_TIMEOUT; every other failure yields
// INTEGRATION_CALL_ERROR, CAPABILITY_UNAVAILABLE or CIRCUIT_OPEN.
func (g *Gateway) CallIntegration(ctx context.Context, capability string, params map[string]any, timeout time.Duration) (any, error) {
	start := time.Now()
	c, err := g.capabilities.Get(capability)
	if err != nil {
		g.observe(capability, OutcomeUnavailable, start)
		return nil, err
	}
	if err := g.breakers.Allow(capability); err != nil {
		g.observe(capability, OutcomeCircuitOpen, start)
		return nil, err
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var result any
	attempt := 0
	err = retry.Do(callCtx, g.retry.backoff(), func(ctx context.Context) error {
		attempt++
		var callErr error
		result, callErr = callWithin(ctx, c, params)
		if callErr != nil && IsTransient(callErr) {
			g.logger.DebugContext(ctx, "integration attempt failed", "capability", capability, "attempt", attempt, "error", callErr)
			return retry.RetryableError(callErr)
		}
		return callErr
	})
	if err == nil {
		g.breakers.Success(capability)
		g.observe(capability, OutcomeSuccess, start)
		return result, nil
	}

	if g.breakers.Failure(capability) == CircuitOpen {
		g.logger.WarnContext(ctx, "circuit opened", "capability", capability, "attempts", attempt)
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		g.observe(capability, OutcomeTimeout, start)
		return nil, schema.NewErrorf(schema.ErrCodeIntegrationTimeout,
			"capability %q did not answer within %s", capability, timeout).
			WithCause(err).
			WithDetails(map[string]any{"capability": capability, "timeout": timeout.String(), "attempts": attempt})
	}
	g.observe(capability, OutcomeError, start)
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return nil, err
	}
	return nil, schema.NewErrorf(schema.ErrCodeIntegrationCall, "capability %q: %s", capability, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"capability": capability, "attempts": attempt})
}

type callResult struct {
	value any
	err   error
}

// callWithin returns when c answers or ctx is done, whichever comes first,
// so a capability that ignores ctx still cannot outlive the deadline. The
// abandoned call finishes in the background and its result is dropped.
func callWithin(ctx context.Context, c Capability, params map[string]any) (any, error) {
	done := make(chan callResult, 1)
	go func() {
		v, err := c.Call(ctx, params)
		done <- callResult{value: v, err: err}
	}()
	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gateway) observe(capability, outcome string, start time.Time) {
	if g.observer != nil {
		g.observer.ObserveIntegration(capability, outcome, time.Since(start))
	}
}
