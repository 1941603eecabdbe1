/*
Copyright © 2025 DegenPotato.

Released under MIT license.
*/

// Package walletpace enforces minimum spacing between successive requests
// made on behalf of one monitored wallet. It is the simplest gate in the
// fabric: no queue and no window, just "at most rps requests per second" for
// a single logical caller. The pacer's lifecycle is tied to the wallet's
// monitoring session and it is discarded when monitoring stops.
package walletpace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

// Requests-per-second bounds and default.
const (
	DefaultRPS = 1.0
	MinRPS     = 0.1
	MaxRPS     = 100.0
)

// Stats is a read-only snapshot of the pacer state.
type Stats struct {
	Wallet      string
	Enabled     bool
	RPS         float64
	LastRequest time.Time
}

// Pacer spaces out requests for one monitored wallet.
// Burst is fixed at 1, so the spacing between dispatches is exactly 1/rps.
type Pacer struct {
	wallet  string
	enabled atomic.Bool

	mu          sync.Mutex
	limiter     *rate.Limiter
	rps         float64
	lastRequest time.Time
}

// New creates a Pacer for the given wallet address.
// The rps value is clamped to [MinRPS, MaxRPS]; zero means DefaultRPS.
func New(wallet string, rps float64) (*Pacer, error) {
	if wallet == "" {
		return nil, fmt.Errorf("wallet address should not be empty")
	}
	if rps == 0 {
		rps = DefaultRPS
	}
	rps = ClampRPS(rps)
	p := &Pacer{
		wallet:  wallet,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		rps:     rps,
	}
	p.enabled.Store(true)
	return p, nil
}

// ClampRPS clamps a requests-per-second value into the valid range.
func ClampRPS(rps float64) float64 {
	if rps < MinRPS {
		return MinRPS
	}
	if rps > MaxRPS {
		return MaxRPS
	}
	return rps
}

// Enable turns pacing on.
func (p *Pacer) Enable() { p.enabled.Store(true) }

// Disable makes Do run immediately.
func (p *Pacer) Disable() { p.enabled.Store(false) }

// Enabled reports whether the pacer gates calls.
func (p *Pacer) Enabled() bool { return p.enabled.Load() }

// SetRate updates the requests-per-second value, clamped to the valid range.
func (p *Pacer) SetRate(rps float64) {
	rps = ClampRPS(rps)
	p.mu.Lock()
	p.rps = rps
	p.limiter.SetLimit(rate.Limit(rps))
	p.mu.Unlock()
}

// Do waits out the remaining spacing since the last dispatch, then runs fn.
// When disabled, fn runs immediately. fn's error is returned unchanged.
func (p *Pacer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.enabled.Load() {
		p.mu.Lock()
		lim := p.limiter
		p.mu.Unlock()
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("wait for wallet pacing: %w", err)
		}
		p.mu.Lock()
		p.lastRequest = time.Now()
		p.mu.Unlock()
	}
	return fn(ctx)
}

// Stats returns a snapshot of the pacer state.
func (p *Pacer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Wallet:      p.wallet,
		Enabled:     p.enabled.Load(),
		RPS:         p.rps,
		LastRequest: p.lastRequest,
	}
}
