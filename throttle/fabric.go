/*
Copyright © 2025 DegenPotato.

Released under MIT license.
*/

// Package throttle assembles all admission-control primitives of the monitor
// into one fabric built from a single configuration section.
package throttle

import (
	"fmt"
	"sync"

	"github.com/acronis/go-appkit/log"

	"github.com/degenpotato/cex-dev-monitor/analysisqueue"
	"github.com/degenpotato/cex-dev-monitor/geckolimit"
	"github.com/degenpotato/cex-dev-monitor/inflightlimit"
	"github.com/degenpotato/cex-dev-monitor/proxypool"
	"github.com/degenpotato/cex-dev-monitor/rpclimit"
	"github.com/degenpotato/cex-dev-monitor/rpcpool"
	"github.com/degenpotato/cex-dev-monitor/walletpace"
)

// Fabric holds the constructed limiters, pools and queues.
// Proxies and Servers are nil when the corresponding pool has no entries
// in the configuration.
type Fabric struct {
	RPC      *rpclimit.Limiter
	InFlight *inflightlimit.Limiter
	Proxies  *proxypool.Manager
	Servers  *rpcpool.Rotator
	Gecko    *geckolimit.Limiter
	Analysis *analysisqueue.Queue

	logger           log.FieldLogger
	defaultWalletRPS float64

	mu     sync.Mutex
	pacers map[string]*walletpace.Pacer
}

// NewFabric constructs every limiter from the given configuration.
// A nil cfg means defaults for everything.
func NewFabric(cfg *Config, logger log.FieldLogger) (*Fabric, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if logger == nil {
		logger = log.NewDisabledLogger()
	}

	f := &Fabric{
		logger:           logger,
		defaultWalletRPS: cfg.Wallets.DefaultRPS,
		pacers:           make(map[string]*walletpace.Pacer),
	}

	var err error
	if f.RPC, err = rpclimit.New(cfg.RPC.LimiterConfig(), logger); err != nil {
		return nil, fmt.Errorf("new rpc limiter: %w", err)
	}
	if f.InFlight, err = inflightlimit.New(cfg.InFlight.LimiterConfig(), logger); err != nil {
		f.RPC.Close()
		return nil, fmt.Errorf("new in-flight limiter: %w", err)
	}
	if len(cfg.Proxies.Entries) != 0 {
		if f.Proxies, err = proxypool.New(cfg.Proxies.Entries, cfg.Proxies.PoolConfig(), logger); err != nil {
			f.RPC.Close()
			return nil, fmt.Errorf("new proxy pool: %w", err)
		}
	}
	if len(cfg.Servers.Endpoints) != 0 {
		if f.Servers, err = rpcpool.New(cfg.Servers.Endpoints, cfg.Servers.RotatorConfig(), logger); err != nil {
			f.RPC.Close()
			return nil, fmt.Errorf("new server rotator: %w", err)
		}
	}
	if f.Gecko, err = geckolimit.New(cfg.Gecko.LimiterConfig(), logger); err != nil {
		f.RPC.Close()
		return nil, fmt.Errorf("new gecko limiter: %w", err)
	}
	f.Analysis = analysisqueue.New(logger)

	return f, nil
}

// WalletPacer returns the pacer for the given wallet, creating it on first use
// with the configured default rate.
func (f *Fabric) WalletPacer(wallet string) (*walletpace.Pacer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.pacers[wallet]; ok {
		return p, nil
	}
	p, err := walletpace.New(wallet, f.defaultWalletRPS)
	if err != nil {
		return nil, err
	}
	f.pacers[wallet] = p
	return p, nil
}

// WalletPacers returns a snapshot of all pacers created so far.
func (f *Fabric) WalletPacers() []*walletpace.Pacer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*walletpace.Pacer, 0, len(f.pacers))
	for _, p := range f.pacers {
		out = append(out, p)
	}
	return out
}

// Close shuts down the limiters that own background goroutines and stops the
// analysis queue. Queued work is drained according to each limiter's own
// shutdown semantics.
func (f *Fabric) Close() {
	f.Analysis.Stop()
	f.Gecko.Close()
	f.RPC.Close()
}
