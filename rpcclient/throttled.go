/*
Copyright © 2025 DegenPotato.

Released under MIT license.
*/

package rpcclient

import (
	"context"
	"encoding/json"

	"go.uber.org/atomic"

	"github.com/degenpotato/cex-dev-monitor/inflightlimit"
	"github.com/degenpotato/cex-dev-monitor/rpclimit"
)

// Throttled decorates a Client with admission control. When throttling is
// enabled, every method is routed through the endpoint rate limiter under
// its method name, and optionally through the global in-flight limiter; the
// gates compose by wrapping the call in sequence, they do not know about
// each other. When disabled, calls go straight through to the base client.
type Throttled struct {
	base     Client
	limiter  *rpclimit.Limiter
	inflight *inflightlimit.Limiter // optional
	enabled  atomic.Bool
}

// ThrottledOpts holds optional collaborators for NewThrottled.
type ThrottledOpts struct {
	// InFlight additionally caps the number of simultaneously running calls.
	InFlight *inflightlimit.Limiter
}

// NewThrottled creates a throttling decorator around base. Throttling starts
// enabled.
func NewThrottled(base Client, limiter *rpclimit.Limiter) *Throttled {
	return NewThrottledWithOpts(base, limiter, ThrottledOpts{})
}

// NewThrottledWithOpts is a version of NewThrottled with optional parameters.
func NewThrottledWithOpts(base Client, limiter *rpclimit.Limiter, opts ThrottledOpts) *Throttled {
	t := &Throttled{base: base, limiter: limiter, inflight: opts.InFlight}
	t.enabled.Store(true)
	return t
}

// EnableThrottling routes subsequent calls through the limiters.
func (t *Throttled) EnableThrottling() { t.enabled.Store(true) }

// DisableThrottling makes subsequent calls go straight to the base client,
// e.g. while an alternate strategy (proxy or host rotation) is active.
func (t *Throttled) DisableThrottling() { t.enabled.Store(false) }

// ThrottlingEnabled reports whether calls are being gated.
func (t *Throttled) ThrottlingEnabled() bool { return t.enabled.Load() }

func (t *Throttled) do(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	if !t.enabled.Load() {
		return fn(ctx)
	}
	gated := func(ctx context.Context) error {
		return t.limiter.Do(ctx, method, fn)
	}
	if t.inflight != nil {
		return t.inflight.Do(ctx, gated)
	}
	return gated(ctx)
}

// GetSignaturesForAddress implements Client.
func (t *Throttled) GetSignaturesForAddress(
	ctx context.Context, address string, limit int,
) (json.RawMessage, error) {
	var res json.RawMessage
	err := t.do(ctx, MethodGetSignaturesForAddress, func(ctx context.Context) error {
		var fnErr error
		res, fnErr = t.base.GetSignaturesForAddress(ctx, address, limit)
		return fnErr
	})
	return res, err
}

// GetTransaction implements Client.
func (t *Throttled) GetTransaction(ctx context.Context, signature string) (json.RawMessage, error) {
	var res json.RawMessage
	err := t.do(ctx, MethodGetTransaction, func(ctx context.Context) error {
		var fnErr error
		res, fnErr = t.base.GetTransaction(ctx, signature)
		return fnErr
	})
	return res, err
}

// GetBalance implements Client.
func (t *Throttled) GetBalance(ctx context.Context, address string) (uint64, error) {
	var res uint64
	err := t.do(ctx, MethodGetBalance, func(ctx context.Context) error {
		var fnErr error
		res, fnErr = t.base.GetBalance(ctx, address)
		return fnErr
	})
	return res, err
}
