/*
Copyright © 2025 DegenPotato.

Released under MIT license.
*/

package throttle

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/degenpotato/cex-dev-monitor/inflightlimit"
	"github.com/degenpotato/cex-dev-monitor/walletpace"
)

func TestNewFabricDefaults(t *testing.T) {
	f, err := NewFabric(nil, nil)
	require.NoError(t, err)
	defer f.Close()

	require.NotNil(t, f.RPC)
	require.NotNil(t, f.InFlight)
	require.NotNil(t, f.Gecko)
	require.NotNil(t, f.Analysis)
	require.Nil(t, f.Proxies, "no proxy entries configured")
	require.Nil(t, f.Servers, "no server endpoints configured")

	require.Equal(t, inflightlimit.ModeProxy, f.InFlight.Stats().Mode)
}

func TestNewFabricWithPools(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Proxies.Entries = []string{"10.0.0.1:8080:user:pass", "10.0.0.2:8080"}
	cfg.Servers.Endpoints = []string{"https://rpc-a.example.com", "https://rpc-b.example.com"}

	f, err := NewFabric(cfg, nil)
	require.NoError(t, err)
	defer f.Close()

	require.NotNil(t, f.Proxies)
	require.Equal(t, 2, f.Proxies.Stats().Size)
	require.NotNil(t, f.Servers)
	require.Equal(t, 2, f.Servers.Stats().Size)
}

func TestNewFabricBadConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.RPC.MaxTotal = -1
	_, err := NewFabric(cfg, nil)
	require.Error(t, err)

	cfg = NewDefaultConfig()
	cfg.Proxies.Entries = []string{"not-a-proxy"}
	_, err = NewFabric(cfg, nil)
	require.Error(t, err)
}

func TestFabricWalletPacer(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Wallets.DefaultRPS = 2.0

	f, err := NewFabric(cfg, nil)
	require.NoError(t, err)
	defer f.Close()

	p1, err := f.WalletPacer("wallet-a")
	require.NoError(t, err)
	require.Equal(t, 2.0, p1.Stats().RPS)

	p2, err := f.WalletPacer("wallet-a")
	require.NoError(t, err)
	require.Same(t, p1, p2, "pacers are cached per wallet")

	p3, err := f.WalletPacer("wallet-b")
	require.NoError(t, err)
	require.NotSame(t, p1, p3)
	require.Len(t, f.WalletPacers(), 2)

	_, err = f.WalletPacer("")
	require.Error(t, err)
}

func TestMetricsCollector(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Proxies.Entries = []string{"10.0.0.1:8080:user:pass"}
	cfg.Servers.Endpoints = []string{"https://rpc-a.example.com"}

	f, err := NewFabric(cfg, nil)
	require.NoError(t, err)
	defer f.Close()

	// Generate some observable state.
	require.NoError(t, f.RPC.Do(context.Background(), "getBalance", func(ctx context.Context) error { return nil }))
	_, err = f.Proxies.Next()
	require.NoError(t, err)
	_, err = f.WalletPacer("wallet-a")
	require.NoError(t, err)

	c := NewMetricsCollector(f)
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)
	values := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetGauge() != nil:
				values[mf.GetName()] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				values[mf.GetName()] = m.GetCounter().GetValue()
			}
		}
	}

	require.Equal(t, 1.0, values["throttle_rpc_requests_in_window"])
	require.Equal(t, 0.0, values["throttle_rpc_queue_depth"])
	require.Equal(t, 1.0, values["throttle_proxy_pool_size"])
	require.Equal(t, 1.0, values["throttle_proxy_usage_in_window"])
	require.Equal(t, 1.0, values["throttle_rpc_server_pool_size"])
	require.Equal(t, walletpace.ClampRPS(cfg.Wallets.DefaultRPS), values["throttle_wallet_pacer_rps"])
	require.Contains(t, values, "throttle_gecko_backoff_seconds")
	require.Contains(t, values, "throttle_analysis_pending")

	reg.Unregister(c)
}

func TestMetricsCollectorNamespace(t *testing.T) {
	f, err := NewFabric(nil, nil)
	require.NoError(t, err)
	defer f.Close()

	c := NewMetricsCollectorWithOpts(f, MetricsCollectorOpts{Namespace: "monitor"})
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() == "monitor_throttle_rpc_queue_depth" {
			found = true
		}
	}
	require.True(t, found)
}
