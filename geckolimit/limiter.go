/*
Copyright © 2025 DegenPotato.

Released under MIT license.
*/

// Package geckolimit serializes all calls to the GeckoTerminal market-data
// API behind a single FIFO queue. The API's quota is low (10 requests per
// minute by default) and bursts lead to hard bans, so one background loop
// drains the queue, pacing dispatches by a sliding window coupled with
// reactive exponential backoff: persistent 429-style responses stretch the
// effective rate far below the nominal quota, a clean run relaxes it back
// toward the nominal pace.
//
// There is no disable path. The protected API's limit is absolute, so every
// call goes through the queue.
package geckolimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/retry"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/xid"

	"github.com/degenpotato/cex-dev-monitor/internal/timewindow"
)

// Default and restriction values.
const (
	DefaultMaxPerWindow = 10
	DefaultWindow       = time.Minute
	DefaultMinBackoff   = 2 * time.Second
	DefaultMaxBackoff   = 60 * time.Second
	DefaultMaxAttempts  = 3

	MaxAttemptsLimit = 10
)

// RateLimitError is an upstream rate-limit signal (HTTP 429 or equivalent).
// It is the only error class the limiter retries; everything else propagates
// to the caller immediately.
type RateLimitError struct {
	Endpoint string
	Err      error
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited by upstream on %q: %s", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("rate limited by upstream on %q", e.Endpoint)
}

// Unwrap supports errors.Is/As chains.
func (e *RateLimitError) Unwrap() error { return e.Err }

// IsRateLimitError reports whether err carries an upstream rate-limit signal.
func IsRateLimitError(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// Config holds the queue limiter parameters.
type Config struct {
	MaxPerWindow int           // nominal quota per Window
	Window       time.Duration // quota window span
	MinBackoff   time.Duration // backoff floor, restored on any success
	MaxBackoff   time.Duration // backoff cap under repeated failures
	MaxAttempts  int           // attempts per task on rate-limit errors
}

func (c Config) withDefaults() Config {
	if c.MaxPerWindow == 0 {
		c.MaxPerWindow = DefaultMaxPerWindow
	}
	if c.Window == 0 {
		c.Window = DefaultWindow
	}
	if c.MinBackoff == 0 {
		c.MinBackoff = DefaultMinBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

func (c Config) validate() error {
	if c.MaxPerWindow < 1 {
		return fmt.Errorf("max per window should be positive, got %d", c.MaxPerWindow)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window should be positive, got %s", c.Window)
	}
	if c.MinBackoff <= 0 {
		return fmt.Errorf("min backoff should be positive, got %s", c.MinBackoff)
	}
	if c.MaxBackoff < c.MinBackoff {
		return fmt.Errorf("max backoff should not be below min backoff, got %s < %s", c.MaxBackoff, c.MinBackoff)
	}
	if c.MaxAttempts < 1 || c.MaxAttempts > MaxAttemptsLimit {
		return fmt.Errorf("max attempts should be in range [1, %d], got %d", MaxAttemptsLimit, c.MaxAttempts)
	}
	return nil
}

// Stats is a read-only snapshot of the limiter state.
type Stats struct {
	QueueDepth        int
	UsedInWindow      int
	CurrentBackoff    time.Duration
	ConsecutiveErrors int
	Config            Config
	Utilization       float64 // percentage of the window quota in use
}

type task struct {
	id         string
	endpoint   string
	ctx        context.Context
	fn         func(ctx context.Context) error
	done       chan error
	enqueuedAt time.Time
}

// Limiter is the single-queue GeckoTerminal admission gate.
type Limiter struct {
	logger log.FieldLogger
	cfg    Config

	mu                sync.Mutex
	queue             []*task
	window            *timewindow.Window
	currentBackoff    time.Duration
	consecutiveErrors int
	closed            bool

	ctx       context.Context
	ctxCancel context.CancelFunc
	wakeCh    chan struct{}
	closeOnce sync.Once
	doneCh    chan struct{}
}

// New creates a Limiter and starts its drain goroutine.
func New(cfg Config, logger log.FieldLogger) (*Limiter, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Limiter{
		logger:         logger,
		cfg:            cfg,
		window:         timewindow.New(cfg.Window),
		currentBackoff: cfg.MinBackoff,
		ctx:            ctx,
		ctxCancel:      cancel,
		wakeCh:         make(chan struct{}, 1),
		doneCh:         make(chan struct{}),
	}
	go l.drainLoop()
	return l, nil
}

// Do queues fn for the given endpoint label and blocks until it has been
// executed and its outcome is known. Rate-limit errors are retried internally
// up to MaxAttempts times with growing backoff; the error reaches the caller
// only after retries are exhausted. All other errors propagate immediately.
func (l *Limiter) Do(ctx context.Context, endpoint string, fn func(ctx context.Context) error) error {
	t := &task{
		id:         xid.New().String(),
		endpoint:   endpoint,
		ctx:        ctx,
		fn:         fn,
		done:       make(chan error, 1),
		enqueuedAt: time.Now(),
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		// The drain loop is gone; fail open toward running the work.
		return fn(ctx)
	}
	l.queue = append(l.queue, t)
	l.mu.Unlock()
	l.wake()

	return <-t.done
}

// DoWithResult is a generic variant of Limiter.Do that returns fn's value.
func DoWithResult[T any](
	ctx context.Context, l *Limiter, endpoint string, fn func(ctx context.Context) (T, error),
) (T, error) {
	var res T
	err := l.Do(ctx, endpoint, func(ctx context.Context) error {
		var fnErr error
		res, fnErr = fn(ctx)
		return fnErr
	})
	return res, err
}

// Stats returns a snapshot of the limiter state.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.window.Prune(time.Now())
	return Stats{
		QueueDepth:        len(l.queue),
		UsedInWindow:      l.window.Len(),
		CurrentBackoff:    l.currentBackoff,
		ConsecutiveErrors: l.consecutiveErrors,
		Config:            l.cfg,
		Utilization:       float64(l.window.Len()) / float64(l.cfg.MaxPerWindow) * 100,
	}
}

// Close stops the drain loop. Tasks still queued are executed once each as
// pass-through (no retries, no pacing) so that no caller is left waiting.
func (l *Limiter) Close() {
	l.closeOnce.Do(l.ctxCancel)
	<-l.doneCh
}

func (l *Limiter) wake() {
	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

func (l *Limiter) drainLoop() {
	defer close(l.doneCh)
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			select {
			case <-l.wakeCh:
				continue
			case <-l.ctx.Done():
				l.shutdown()
				return
			}
		}
		t := l.queue[0]

		// Window pacing: wait for a slot before touching the head task.
		now := time.Now()
		if wait := l.window.WaitTime(now, l.cfg.MaxPerWindow); wait > 0 {
			l.mu.Unlock()
			if !l.sleep(wait) {
				l.shutdown()
				return
			}
			continue
		}
		l.queue = l.queue[1:]
		l.mu.Unlock()

		err := l.runWithRetry(t)

		l.mu.Lock()
		l.window.Record(time.Now())
		delay := l.cfg.Window / time.Duration(l.cfg.MaxPerWindow)
		if l.currentBackoff > delay {
			delay = l.currentBackoff
		}
		l.mu.Unlock()

		t.done <- err

		// Adaptive pacing between items: at least the nominal inter-request
		// interval, stretched by the current backoff when the API pushes back.
		if !l.sleep(delay) {
			l.shutdown()
			return
		}
	}
}

// runWithRetry executes the task, retrying rate-limit errors with the
// limiter's shared adaptive backoff.
func (l *Limiter) runWithRetry(t *task) error {
	policy := retry.PolicyFunc(func() backoff.BackOff {
		return backoff.WithMaxRetries(&adaptiveBackOff{l: l}, uint64(l.cfg.MaxAttempts-1))
	})
	notify := func(err error, delay time.Duration) {
		if l.logger != nil {
			l.logger.Warn("geckoterminal rate limited, backing off",
				log.String("task_id", t.id),
				log.String("endpoint", t.endpoint),
				log.Duration("backoff", delay),
				log.Error(err))
		}
	}
	return retry.DoWithRetry(l.ctx, policy, IsRateLimitError, notify, func(_ context.Context) error {
		err := t.fn(t.ctx)
		l.observe(err)
		return err
	})
}

// observe updates the shared backoff state from one attempt's outcome.
func (l *Limiter) observe(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case err == nil:
		l.currentBackoff = l.cfg.MinBackoff
		l.consecutiveErrors = 0
	case IsRateLimitError(err):
		l.consecutiveErrors++
	}
}

// sleep waits for d or until the limiter is closed.
// It reports false when interrupted by closing.
func (l *Limiter) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-l.ctx.Done():
		return false
	}
}

// shutdown executes every queued task once and delivers its outcome.
func (l *Limiter) shutdown() {
	l.mu.Lock()
	l.closed = true
	pending := l.queue
	l.queue = nil
	l.mu.Unlock()
	for _, t := range pending {
		t.done <- t.fn(t.ctx)
	}
	if l.logger != nil && len(pending) > 0 {
		l.logger.Info("geckoterminal limiter closed, queued tasks passed through",
			log.Int("count", len(pending)))
	}
}

// adaptiveBackOff adapts the limiter's shared backoff state to the
// backoff.BackOff interface: each retry sleeps the current backoff and
// doubles it, capped at MaxBackoff. A success anywhere resets the state to
// the floor, so the effective pace relaxes back to nominal.
type adaptiveBackOff struct {
	l *Limiter
}

// NextBackOff implements backoff.BackOff.
func (b *adaptiveBackOff) NextBackOff() time.Duration {
	l := b.l
	l.mu.Lock()
	defer l.mu.Unlock()
	d := l.currentBackoff
	l.currentBackoff *= 2
	if l.currentBackoff > l.cfg.MaxBackoff {
		l.currentBackoff = l.cfg.MaxBackoff
	}
	return d
}

// Reset implements backoff.BackOff. The shared state deliberately survives
// across tasks, so Reset does nothing.
func (b *adaptiveBackOff) Reset() {}
