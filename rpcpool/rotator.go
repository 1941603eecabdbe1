/*
Copyright © 2025 DegenPotato.

Released under MIT license.
*/

// Package rpcpool rotates over a pool of alternate RPC hosts in pure
// round-robin order, with a hard per-server safety ceiling: before a server
// is handed out, its 10-second dispatch window is checked and, if the ceiling
// is reached, the caller sleeps until the oldest dispatch expires. Per-server
// success and failure counters are kept for observability only; selection
// stays health-blind.
package rpcpool

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/acronis/go-appkit/log"

	"github.com/degenpotato/cex-dev-monitor/internal/timewindow"
)

// ErrNoServers is returned when the pool is empty.
var ErrNoServers = errors.New("no rpc servers available")

// Default and restriction values.
const (
	DefaultSafetyCeiling = 90
	DefaultWindow        = 10 * time.Second

	// expiryGuard is added on top of the computed wait so the freed slot is
	// really outside the window when the sleeper re-checks.
	expiryGuard = 100 * time.Millisecond

	MaxSafetyCeiling = 10000
)

// Config holds the rotation parameters.
type Config struct {
	SafetyCeiling int           // max dispatches per server per Window
	Window        time.Duration // span of the per-server dispatch window
}

func (c Config) withDefaults() Config {
	if c.SafetyCeiling == 0 {
		c.SafetyCeiling = DefaultSafetyCeiling
	}
	if c.Window == 0 {
		c.Window = DefaultWindow
	}
	return c
}

func (c Config) validate() error {
	if c.SafetyCeiling < 1 || c.SafetyCeiling > MaxSafetyCeiling {
		return fmt.Errorf("safety ceiling should be in range [1, %d], got %d", MaxSafetyCeiling, c.SafetyCeiling)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window should be positive, got %s", c.Window)
	}
	return nil
}

// ServerStats is a per-server observability snapshot.
type ServerStats struct {
	Endpoint           string // masked
	DispatchesInWindow int
	SuccessCount       int64
	FailureCount       int64
}

// Stats is a read-only snapshot of the rotator state.
type Stats struct {
	Size         int
	CurrentIndex int
	Config       Config
	Servers      []ServerStats
}

type serverState struct {
	endpoint     string
	window       *timewindow.Window
	successCount int64
	failureCount int64
}

// Rotator hands out RPC endpoints in round-robin order.
type Rotator struct {
	logger log.FieldLogger

	mu      sync.Mutex
	cfg     Config
	servers []*serverState
	idx     int
}

// New creates a Rotator over the given endpoint URLs.
func New(endpoints []string, cfg Config, logger log.FieldLogger) (*Rotator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	r := &Rotator{logger: logger, cfg: cfg}
	for _, e := range endpoints {
		r.servers = append(r.servers, &serverState{endpoint: e, window: timewindow.New(cfg.Window)})
	}
	return r, nil
}

// Next returns the next server in round-robin order, blocking while that
// server is at its safety ceiling. The ceiling is hard: Next does not skip
// ahead to another server, it waits for the chosen one.
func (r *Rotator) Next() (string, error) {
	r.mu.Lock()
	if len(r.servers) == 0 {
		r.mu.Unlock()
		return "", ErrNoServers
	}
	s := r.servers[r.idx]
	r.idx = (r.idx + 1) % len(r.servers)

	for {
		now := time.Now()
		s.window.Prune(now)
		if s.window.Len() < r.cfg.SafetyCeiling {
			s.window.Record(now)
			r.mu.Unlock()
			return s.endpoint, nil
		}
		oldest, _ := s.window.Oldest()
		wait := oldest.Add(r.cfg.Window).Sub(now) + expiryGuard
		r.mu.Unlock()
		if r.logger != nil {
			r.logger.Debug("rpc server at safety ceiling, waiting",
				log.String("endpoint", MaskEndpoint(s.endpoint)),
				log.Duration("wait", wait))
		}
		time.Sleep(wait)
		r.mu.Lock()
	}
}

// ReportSuccess records a successful call against the endpoint.
func (r *Rotator) ReportSuccess(endpoint string) {
	r.reportOutcome(endpoint, true)
}

// ReportFailure records a failed call against the endpoint. Failure counts do
// not bias future selection; they exist for dashboards.
func (r *Rotator) ReportFailure(endpoint string) {
	r.reportOutcome(endpoint, false)
}

func (r *Rotator) reportOutcome(endpoint string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.servers {
		if s.endpoint == endpoint {
			if success {
				s.successCount++
			} else {
				s.failureCount++
			}
			return
		}
	}
}

// UpdateConfig replaces the rotation parameters. A changed window span
// rebuilds the per-server windows, discarding recorded dispatches.
func (r *Rotator) UpdateConfig(cfg Config) error {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg.Window != r.cfg.Window {
		for _, s := range r.servers {
			s.window = timewindow.New(cfg.Window)
		}
	}
	prev := r.cfg
	r.cfg = cfg
	if r.logger != nil {
		r.logger.Info("rpc server rotator config updated",
			log.Int("safety_ceiling", cfg.SafetyCeiling),
			log.Duration("window", cfg.Window),
			log.Int("prev_safety_ceiling", prev.SafetyCeiling))
	}
	return nil
}

// Size returns the number of servers in the pool.
func (r *Rotator) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.servers)
}

// Stats returns a snapshot of the rotator state with masked endpoints.
func (r *Rotator) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	st := Stats{Size: len(r.servers), CurrentIndex: r.idx, Config: r.cfg}
	for _, s := range r.servers {
		s.window.Prune(now)
		st.Servers = append(st.Servers, ServerStats{
			Endpoint:           MaskEndpoint(s.endpoint),
			DispatchesInWindow: s.window.Len(),
			SuccessCount:       s.successCount,
			FailureCount:       s.failureCount,
		})
	}
	return st
}

// MaskEndpoint hides credentials embedded in an endpoint URL: userinfo and
// api-key style query values are replaced with ***.
func MaskEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	q := u.Query()
	changed := false
	for k := range q {
		switch k {
		case "api-key", "apiKey", "token", "key":
			q.Set(k, "***")
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}
