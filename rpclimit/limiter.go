/*
Copyright © 2025 DegenPotato.

Released under MIT license.
*/

// Package rpclimit provides admission control for a single, non-proxied RPC
// endpoint with published limits. Every gated call has to satisfy four
// constraints simultaneously before it is dispatched:
//
//   - a total-requests sliding window (default 90 per 10s),
//   - a per-method sliding window (default 35 per 10s, keyed by RPC method),
//   - a concurrent-connections cap (default 35),
//   - a minimum spacing since the previous dispatch (default 105ms).
//
// Calls wait in a single FIFO queue drained by one dispatcher goroutine.
// The queue is strictly ordered: a blocked head blocks everything behind it.
// That is acceptable here because the protected endpoint truly cannot exceed
// its rate regardless of which caller gets through first.
package rpclimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/lrucache"
	"github.com/rs/xid"
	"go.uber.org/atomic"

	"github.com/degenpotato/cex-dev-monitor/internal/timewindow"
)

// Default and restriction values.
const (
	DefaultMaxTotal       = 90
	DefaultMaxPerMethod   = 35
	DefaultMaxConnections = 35
	DefaultWindow         = 10 * time.Second
	DefaultMinSpacing     = 105 * time.Millisecond

	MaxTotalLimit       = 10000
	MaxConnectionsLimit = 1000

	methodWindowsMaxKeys = 1000
)

// Config is an immutable snapshot of the limiter's limits. Runtime updates
// swap the whole snapshot atomically, so an in-flight admission check never
// observes a torn update.
type Config struct {
	MaxTotal       int           // max requests per Window, all methods combined
	MaxPerMethod   int           // max requests per Window for one method
	MaxConnections int           // max simultaneously open connections
	Window         time.Duration // span of both sliding windows
	MinSpacing     time.Duration // min interval between consecutive dispatches
}

func (c Config) validate() error {
	if c.MaxTotal < 1 || c.MaxTotal > MaxTotalLimit {
		return fmt.Errorf("max total should be in range [1, %d], got %d", MaxTotalLimit, c.MaxTotal)
	}
	if c.MaxPerMethod < 1 || c.MaxPerMethod > c.MaxTotal {
		return fmt.Errorf("max per method should be in range [1, %d], got %d", c.MaxTotal, c.MaxPerMethod)
	}
	if c.MaxConnections < 1 || c.MaxConnections > MaxConnectionsLimit {
		return fmt.Errorf("max connections should be in range [1, %d], got %d", MaxConnectionsLimit, c.MaxConnections)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window should be positive, got %s", c.Window)
	}
	if c.MinSpacing < 0 {
		return fmt.Errorf("min spacing should not be negative, got %s", c.MinSpacing)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.MaxTotal == 0 {
		c.MaxTotal = DefaultMaxTotal
	}
	if c.MaxPerMethod == 0 {
		c.MaxPerMethod = DefaultMaxPerMethod
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.Window == 0 {
		c.Window = DefaultWindow
	}
	if c.MinSpacing == 0 {
		c.MinSpacing = DefaultMinSpacing
	}
	return c
}

// Stats is a read-only snapshot of the limiter state.
type Stats struct {
	Enabled       bool
	QueueDepth    int
	TotalInWindow int
	Connections   int
	LastDispatch  time.Time
	Config        Config
	Utilization   float64 // percentage of the total window budget in use
}

type call struct {
	id      string
	method  string
	admit   chan struct{}
	counted bool // true if the dispatcher charged a connection slot for it
}

// Limiter gates calls to one non-rotated RPC endpoint.
type Limiter struct {
	logger  log.FieldLogger
	cfg     atomic.Pointer[Config]
	enabled atomic.Bool

	mu           sync.Mutex
	queue        []*call
	totalWin     *timewindow.Window
	methodWins   *lrucache.LRUCache[string, *timewindow.Window]
	connections  int
	lastDispatch time.Time
	closed       bool

	wakeCh    chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
	doneCh    chan struct{}
}

// New creates a Limiter and starts its dispatcher goroutine.
// Zero config fields fall back to defaults.
func New(cfg Config, logger log.FieldLogger) (*Limiter, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	methodWins, err := lrucache.New[string, *timewindow.Window](methodWindowsMaxKeys, nil)
	if err != nil {
		return nil, fmt.Errorf("new LRU store for per-method windows: %w", err)
	}
	l := &Limiter{
		logger:     logger,
		totalWin:   timewindow.New(cfg.Window),
		methodWins: methodWins,
		wakeCh:     make(chan struct{}, 1),
		closeCh:    make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	l.cfg.Store(&cfg)
	l.enabled.Store(true)
	go l.dispatchLoop()
	return l, nil
}

// Enable turns admission control on.
func (l *Limiter) Enable() { l.enabled.Store(true) }

// Disable makes the limiter a pass-through, e.g. because an alternate
// throttling strategy (proxying or host rotation) is active instead.
func (l *Limiter) Disable() { l.enabled.Store(false) }

// Enabled reports whether the limiter gates calls.
func (l *Limiter) Enabled() bool { return l.enabled.Load() }

// Config returns the current configuration snapshot.
func (l *Limiter) Config() Config { return *l.cfg.Load() }

// UpdateConfig replaces the configuration snapshot at runtime.
// Zero fields fall back to defaults; invalid values are rejected.
func (l *Limiter) UpdateConfig(cfg Config) error {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}
	prev := *l.cfg.Load()
	l.cfg.Store(&cfg)
	if cfg.Window != prev.Window {
		// Windows carry their span, so a span change starts fresh ones;
		// recorded history under the old span is dropped.
		methodWins, err := lrucache.New[string, *timewindow.Window](methodWindowsMaxKeys, nil)
		if err != nil {
			return fmt.Errorf("new LRU store for per-method windows: %w", err)
		}
		l.mu.Lock()
		l.totalWin = timewindow.New(cfg.Window)
		l.methodWins = methodWins
		l.mu.Unlock()
	}
	l.wake()
	if l.logger != nil {
		l.logger.Info("rpc rate limiter config updated",
			log.Int("max_total", cfg.MaxTotal),
			log.Int("max_per_method", cfg.MaxPerMethod),
			log.Int("max_connections", cfg.MaxConnections),
			log.Duration("window", cfg.Window),
			log.Duration("min_spacing", cfg.MinSpacing))
	}
	return nil
}

// Do runs fn for the given RPC method once all four admission constraints are
// satisfied. fn's error is propagated unchanged. Queued calls are always
// serviced, even after Close or ctx cancellation; ctx is passed to fn only.
func (l *Limiter) Do(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	if !l.enabled.Load() {
		return fn(ctx)
	}

	c := &call{id: xid.New().String(), method: method, admit: make(chan struct{})}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		// The dispatcher is gone; fail open toward running the work.
		return fn(ctx)
	}
	l.queue = append(l.queue, c)
	l.mu.Unlock()
	l.wake()

	<-c.admit

	if c.counted {
		defer func() {
			l.mu.Lock()
			l.connections--
			l.mu.Unlock()
			l.wake() // a freed connection slot may unblock the queue head
		}()
	}
	return fn(ctx)
}

// DoWithResult is a generic variant of Limiter.Do that returns fn's value.
func DoWithResult[T any](
	ctx context.Context, l *Limiter, method string, fn func(ctx context.Context) (T, error),
) (T, error) {
	var res T
	err := l.Do(ctx, method, func(ctx context.Context) error {
		var fnErr error
		res, fnErr = fn(ctx)
		return fnErr
	})
	return res, err
}

// Stats returns a snapshot of the limiter state.
func (l *Limiter) Stats() Stats {
	cfg := *l.cfg.Load()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.totalWin.Prune(time.Now())
	return Stats{
		Enabled:       l.enabled.Load(),
		QueueDepth:    len(l.queue),
		TotalInWindow: l.totalWin.Len(),
		Connections:   l.connections,
		LastDispatch:  l.lastDispatch,
		Config:        cfg,
		Utilization:   float64(l.totalWin.Len()) / float64(cfg.MaxTotal) * 100,
	}
}

// Close stops the dispatcher. Calls still queued at that moment are admitted
// as pass-through so that no caller is ever lost.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() { close(l.closeCh) })
	<-l.doneCh
}

func (l *Limiter) wake() {
	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

func (l *Limiter) dispatchLoop() {
	defer close(l.doneCh)
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			select {
			case <-l.wakeCh:
				continue
			case <-l.closeCh:
				l.shutdown()
				return
			}
		}

		c := l.queue[0]
		if !l.enabled.Load() {
			// Disabled while queued: let it through without bookkeeping.
			l.queue = l.queue[1:]
			l.mu.Unlock()
			close(c.admit)
			continue
		}

		now := time.Now()
		wait, waitForRelease := l.admissionWaitLocked(now, c.method)
		if wait == 0 && !waitForRelease {
			l.dispatchLocked(c, now)
			l.mu.Unlock()
			close(c.admit)
			continue
		}
		l.mu.Unlock()

		if waitForRelease {
			// The connections cap has no expiry timestamp to sleep until;
			// a completing call wakes the dispatcher instead.
			select {
			case <-l.wakeCh:
			case <-l.closeCh:
				l.shutdown()
				return
			}
			continue
		}

		if l.logger != nil {
			l.logger.Debug("rpc rate limiter blocked at queue head",
				log.String("call_id", c.id),
				log.String("method", c.method),
				log.Duration("wait", wait))
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-l.wakeCh: // config change may have shortened the wait
			timer.Stop()
		case <-l.closeCh:
			timer.Stop()
			l.shutdown()
			return
		}
	}
}

// admissionWaitLocked checks all four constraints for the queue head.
// It returns the maximum outstanding wait among the timed constraints and
// whether the call additionally has to wait for a connection slot release.
func (l *Limiter) admissionWaitLocked(now time.Time, method string) (time.Duration, bool) {
	cfg := *l.cfg.Load()

	wait := l.totalWin.WaitTime(now, cfg.MaxTotal)

	if mw := l.methodWindowLocked(method, cfg.Window); mw != nil {
		if w := mw.WaitTime(now, cfg.MaxPerMethod); w > wait {
			wait = w
		}
	}

	if !l.lastDispatch.IsZero() {
		if w := l.lastDispatch.Add(cfg.MinSpacing).Sub(now); w > wait {
			wait = w
		}
	}

	return wait, l.connections >= cfg.MaxConnections
}

// dispatchLocked records the side effects of a successful dispatch.
func (l *Limiter) dispatchLocked(c *call, now time.Time) {
	cfg := *l.cfg.Load()
	l.totalWin.Record(now)
	if mw := l.methodWindowLocked(c.method, cfg.Window); mw != nil {
		mw.Record(now)
	}
	l.connections++
	c.counted = true
	l.lastDispatch = now
	l.queue = l.queue[1:]
}

func (l *Limiter) methodWindowLocked(method string, span time.Duration) *timewindow.Window {
	if method == "" {
		return nil
	}
	w, _ := l.methodWins.GetOrAdd(method, func() *timewindow.Window {
		return timewindow.New(span)
	})
	return w
}

// shutdown admits every queued call as pass-through. Called with mu unlocked.
func (l *Limiter) shutdown() {
	l.mu.Lock()
	l.closed = true
	pending := l.queue
	l.queue = nil
	l.mu.Unlock()
	for _, c := range pending {
		close(c.admit)
	}
	if l.logger != nil && len(pending) > 0 {
		l.logger.Info("rpc rate limiter closed, queued calls passed through",
			log.Int("count", len(pending)))
	}
}
