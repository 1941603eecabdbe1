/*
Copyright © 2025 DegenPotato.

Released under MIT license.
*/

// Package inflightlimit caps how many gated tasks run simultaneously,
// independent of request rate. Rate limits bound requests per second, but a
// downstream RPC pool under proxy rotation can still be overwhelmed by
// excessive parallelism even at a compliant rate; this limiter bounds the
// parallelism itself.
//
// The limiter has one slot budget per named mode (proxy or rpc) and can be
// switched between modes at runtime without resetting the number of tasks
// already in flight. Waiters are served strictly in arrival order: a released
// slot is handed to the head of the FIFO under the same lock that freed it,
// so wakeups are never lost and late arrivals cannot overtake queued ones.
package inflightlimit

import (
	"context"
	"fmt"
	"sync"

	"github.com/acronis/go-appkit/log"
	"go.uber.org/atomic"
)

// Mode selects which slot budget is active.
type Mode string

// Supported modes.
const (
	ModeProxy Mode = "proxy"
	ModeRPC   Mode = "rpc"
)

// Default and restriction values for per-mode limits.
const (
	DefaultProxyModeLimit = 100
	DefaultRPCModeLimit   = 15

	MinLimit          = 1
	MaxProxyModeLimit = 2000
	MaxRPCModeLimit   = 100
)

// Config holds the per-mode limits and the initially selected mode.
type Config struct {
	ProxyModeLimit int
	RPCModeLimit   int
	Mode           Mode
}

// Stats is a read-only snapshot of the limiter state.
type Stats struct {
	Mode        Mode
	Limit       int
	Active      int
	Waiting     int
	Utilization float64 // percentage of the active slot budget in use
}

// Limiter is a FIFO concurrency limiter with two switchable slot budgets.
type Limiter struct {
	logger  log.FieldLogger
	enabled atomic.Bool

	mu      sync.Mutex
	mode    Mode
	limits  map[Mode]int
	active  int
	waiters []chan struct{}
}

// New creates a Limiter. Zero limits fall back to defaults; out-of-range
// limits are an error (use ClampLimit to pre-clamp loaded configuration).
func New(cfg Config, logger log.FieldLogger) (*Limiter, error) {
	if cfg.ProxyModeLimit == 0 {
		cfg.ProxyModeLimit = DefaultProxyModeLimit
	}
	if cfg.RPCModeLimit == 0 {
		cfg.RPCModeLimit = DefaultRPCModeLimit
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeProxy
	}
	if cfg.Mode != ModeProxy && cfg.Mode != ModeRPC {
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	if cfg.ProxyModeLimit < MinLimit || cfg.ProxyModeLimit > MaxProxyModeLimit {
		return nil, fmt.Errorf("proxy mode limit should be in range [%d, %d], got %d",
			MinLimit, MaxProxyModeLimit, cfg.ProxyModeLimit)
	}
	if cfg.RPCModeLimit < MinLimit || cfg.RPCModeLimit > MaxRPCModeLimit {
		return nil, fmt.Errorf("rpc mode limit should be in range [%d, %d], got %d",
			MinLimit, MaxRPCModeLimit, cfg.RPCModeLimit)
	}
	l := &Limiter{
		logger: logger,
		mode:   cfg.Mode,
		limits: map[Mode]int{
			ModeProxy: cfg.ProxyModeLimit,
			ModeRPC:   cfg.RPCModeLimit,
		},
	}
	l.enabled.Store(true)
	return l, nil
}

// ClampLimit clamps a configured limit into the valid range for the mode.
func ClampLimit(mode Mode, limit int) int {
	maxLimit := MaxProxyModeLimit
	if mode == ModeRPC {
		maxLimit = MaxRPCModeLimit
	}
	if limit < MinLimit {
		return MinLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// Enable turns the limiter on.
func (l *Limiter) Enable() { l.enabled.Store(true) }

// Disable makes Do a pass-through.
func (l *Limiter) Disable() { l.enabled.Store(false) }

// Enabled reports whether the limiter gates calls.
func (l *Limiter) Enabled() bool { return l.enabled.Load() }

// Do runs fn once a concurrency slot is available. Waiters are served in
// arrival order. The slot is released when fn returns, regardless of outcome,
// and fn's error is returned to the caller unchanged.
//
// Canceling ctx does not abandon an already queued wait; ctx is passed
// through to fn only.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !l.enabled.Load() {
		return fn(ctx)
	}

	l.mu.Lock()
	if l.active < l.limits[l.mode] && len(l.waiters) == 0 {
		l.active++
		l.mu.Unlock()
	} else {
		ready := make(chan struct{})
		l.waiters = append(l.waiters, ready)
		l.mu.Unlock()
		<-ready // the releasing side has already accounted the slot to us
	}

	defer l.release()
	return fn(ctx)
}

func (l *Limiter) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active--
	l.wakeLocked()
}

// wakeLocked hands free slots to queued waiters, head first.
func (l *Limiter) wakeLocked() {
	for len(l.waiters) > 0 && l.active < l.limits[l.mode] {
		ready := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.active++
		close(ready)
	}
}

// SwitchMode selects another slot budget at runtime. Tasks already in flight
// keep running and are still counted; if the new budget is smaller, the excess
// drains naturally as tasks finish.
func (l *Limiter) SwitchMode(mode Mode) error {
	if mode != ModeProxy && mode != ModeRPC {
		return fmt.Errorf("unknown mode %q", mode)
	}
	l.mu.Lock()
	prev := l.mode
	l.mode = mode
	l.wakeLocked()
	l.mu.Unlock()
	if l.logger != nil && prev != mode {
		l.logger.Info("in-flight limiter mode switched",
			log.String("from", string(prev)), log.String("to", string(mode)))
	}
	return nil
}

// SetModeLimit updates one mode's limit at runtime, clamped to its valid
// range. Raising the active mode's limit wakes eligible waiters immediately.
func (l *Limiter) SetModeLimit(mode Mode, limit int) error {
	if mode != ModeProxy && mode != ModeRPC {
		return fmt.Errorf("unknown mode %q", mode)
	}
	limit = ClampLimit(mode, limit)
	l.mu.Lock()
	l.limits[mode] = limit
	l.wakeLocked()
	l.mu.Unlock()
	if l.logger != nil {
		l.logger.Info("in-flight limiter limit updated",
			log.String("mode", string(mode)), log.Int("limit", limit))
	}
	return nil
}

// Stats returns a snapshot of the limiter state.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	limit := l.limits[l.mode]
	return Stats{
		Mode:        l.mode,
		Limit:       limit,
		Active:      l.active,
		Waiting:     len(l.waiters),
		Utilization: float64(l.active) / float64(limit) * 100,
	}
}
