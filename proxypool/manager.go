/*
Copyright © 2025 DegenPotato.

Released under MIT license.
*/

// Package proxypool selects the next proxy from a fixed pool of rotating
// proxies. Selection is round-robin with usage-aware rotation: a proxy is
// abandoned early once its sliding-window usage approaches its per-minute cap,
// and rotated away from after a fixed number of consecutive selections even
// when usage is low, so load spreads across the pool.
package proxypool

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/acronis/go-appkit/log"

	"github.com/degenpotato/cex-dev-monitor/internal/timewindow"
)

// ErrNoProxies is returned when the pool is empty.
var ErrNoProxies = errors.New("no proxies available")

// Default and restriction values.
const (
	DefaultPerMinuteCap    = 100
	DefaultRotateThreshold = 0.8
	DefaultRotateAfter     = 10
	DefaultUsageWindow     = time.Minute

	MaxPerMinuteCap = 10000
)

// Proxy is one pool member.
type Proxy struct {
	Host string
	Port string
	User string
	Pass string
}

// Addr returns the dialable host:port.
func (p Proxy) Addr() string {
	return p.Host + ":" + p.Port
}

// String returns the proxy identifier with masked credentials, safe for
// logging: HOST:PORT@us***:***.
func (p Proxy) String() string {
	if p.User == "" && p.Pass == "" {
		return p.Addr()
	}
	user := p.User
	if len(user) > 2 {
		user = user[:2] + "***"
	} else if user != "" {
		user += "***"
	}
	return p.Addr() + "@" + user + ":***"
}

// URL returns the full proxy URL with credentials. Never log this.
func (p Proxy) URL() string {
	if p.User == "" && p.Pass == "" {
		return "http://" + p.Addr()
	}
	return "http://" + p.User + ":" + p.Pass + "@" + p.Addr()
}

// ParseProxy parses a HOST:PORT or HOST:PORT:USER:PASS pool entry.
func ParseProxy(s string) (Proxy, error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 2:
		return Proxy{Host: parts[0], Port: parts[1]}, nil
	case 4:
		return Proxy{Host: parts[0], Port: parts[1], User: parts[2], Pass: parts[3]}, nil
	default:
		return Proxy{}, fmt.Errorf("malformed proxy entry, want HOST:PORT or HOST:PORT:USER:PASS")
	}
}

// Config holds the rotation parameters.
type Config struct {
	PerMinuteCap    int           // per-proxy usage cap the threshold applies to
	RotateThreshold float64       // fraction of PerMinuteCap that forces rotation
	RotateAfter     int           // consecutive selections that force rotation
	UsageWindow     time.Duration // span of the per-proxy usage window
}

func (c Config) withDefaults() Config {
	if c.PerMinuteCap == 0 {
		c.PerMinuteCap = DefaultPerMinuteCap
	}
	if c.RotateThreshold == 0 {
		c.RotateThreshold = DefaultRotateThreshold
	}
	if c.RotateAfter == 0 {
		c.RotateAfter = DefaultRotateAfter
	}
	if c.UsageWindow == 0 {
		c.UsageWindow = DefaultUsageWindow
	}
	return c
}

func (c Config) validate() error {
	if c.PerMinuteCap < 1 || c.PerMinuteCap > MaxPerMinuteCap {
		return fmt.Errorf("per-minute cap should be in range [1, %d], got %d", MaxPerMinuteCap, c.PerMinuteCap)
	}
	if c.RotateThreshold <= 0 || c.RotateThreshold > 1 {
		return fmt.Errorf("rotate threshold should be in range (0, 1], got %s",
			strconv.FormatFloat(c.RotateThreshold, 'f', -1, 64))
	}
	if c.RotateAfter < 1 {
		return fmt.Errorf("rotate-after should be positive, got %d", c.RotateAfter)
	}
	if c.UsageWindow <= 0 {
		return fmt.Errorf("usage window should be positive, got %s", c.UsageWindow)
	}
	return nil
}

// ProxyStats is a per-proxy observability snapshot.
type ProxyStats struct {
	Proxy         string // masked identifier
	UsageInWindow int
	RequestCount  int64
	FailureCount  int64
}

// Stats is a read-only snapshot of the pool state.
type Stats struct {
	Size         int
	CurrentIndex int
	Consecutive  int
	Config       Config
	Proxies      []ProxyStats
}

type proxyState struct {
	proxy        Proxy
	usage        *timewindow.Window
	requestCount int64
	failureCount int64
}

// Manager rotates over a fixed, ordered proxy pool. Pool members are created
// at startup and never destroyed, only reset.
type Manager struct {
	logger log.FieldLogger

	mu          sync.Mutex
	cfg         Config
	proxies     []*proxyState
	idx         int
	consecutive int // selections of the current proxy since the last rotation
}

// New creates a Manager over the given pool entries
// (HOST:PORT or HOST:PORT:USER:PASS). The pool may be empty; Next fails fast
// in that case so a misconfigured pool surfaces at the point of use.
func New(entries []string, cfg Config, logger log.FieldLogger) (*Manager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &Manager{logger: logger, cfg: cfg}
	for i, e := range entries {
		p, err := ParseProxy(e)
		if err != nil {
			return nil, fmt.Errorf("proxy entry %d: %w", i, err)
		}
		m.proxies = append(m.proxies, &proxyState{proxy: p, usage: timewindow.New(cfg.UsageWindow)})
	}
	return m, nil
}

// Next selects the proxy for the next request and records one usage unit
// against it. Rotation happens before selection when the current proxy's
// windowed usage reaches the threshold share of the cap, or when it has been
// selected RotateAfter times in a row, whichever triggers first.
func (m *Manager) Next() (Proxy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.proxies) == 0 {
		return Proxy{}, ErrNoProxies
	}

	now := time.Now()
	cur := m.proxies[m.idx]
	cur.usage.Prune(now)

	usageLimit := int(float64(m.cfg.PerMinuteCap) * m.cfg.RotateThreshold)
	if cur.usage.Len() >= usageLimit || m.consecutive >= m.cfg.RotateAfter {
		m.idx = (m.idx + 1) % len(m.proxies)
		m.consecutive = 0
		if m.logger != nil {
			m.logger.Debug("proxy pool rotated",
				log.String("proxy", m.proxies[m.idx].proxy.String()),
				log.Int("index", m.idx))
		}
	}

	selected := m.proxies[m.idx]
	selected.usage.Record(now)
	selected.requestCount++
	m.consecutive++
	return selected.proxy, nil
}

// ReportFailure records a failed request through the given proxy.
func (m *Manager) ReportFailure(p Proxy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ps := range m.proxies {
		if ps.proxy.Addr() == p.Addr() {
			ps.failureCount++
			return
		}
	}
}

// Reset clears all usage windows and counters, keeping the pool itself.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ps := range m.proxies {
		ps.usage.Reset()
		ps.requestCount = 0
		ps.failureCount = 0
	}
	m.idx = 0
	m.consecutive = 0
}

// UpdateConfig replaces the rotation parameters at runtime.
func (m *Manager) UpdateConfig(cfg Config) error {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	prevWindow := m.cfg.UsageWindow
	m.cfg = cfg
	if cfg.UsageWindow != prevWindow {
		for _, ps := range m.proxies {
			ps.usage = timewindow.New(cfg.UsageWindow)
		}
	}
	m.mu.Unlock()
	return nil
}

// Size returns the number of proxies in the pool.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.proxies)
}

// Stats returns a snapshot of the pool state with masked identifiers.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	st := Stats{
		Size:         len(m.proxies),
		CurrentIndex: m.idx,
		Consecutive:  m.consecutive,
		Config:       m.cfg,
	}
	for _, ps := range m.proxies {
		ps.usage.Prune(now)
		st.Proxies = append(st.Proxies, ProxyStats{
			Proxy:         ps.proxy.String(),
			UsageInWindow: ps.usage.Len(),
			RequestCount:  ps.requestCount,
			FailureCount:  ps.failureCount,
		})
	}
	return st
}
