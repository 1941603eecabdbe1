/*
Copyright © 2025 DegenPotato.

Released under MIT license.
*/

package throttle

import (
	"bytes"
	"testing"
	"time"

	"github.com/acronis/go-appkit/config"
	"github.com/stretchr/testify/require"
)

type AppConfig struct {
	Throttle *Config `mapstructure:"throttle" json:"throttle" yaml:"throttle"`
}

func TestConfig(t *testing.T) {
	tests := []struct {
		name        string
		cfgDataType config.DataType
		cfgData     string
		expectedCfg func() *Config
	}{
		{
			name:        "yaml config",
			cfgDataType: config.DataTypeYAML,
			cfgData: `
throttle:
  rpc:
    maxTotal: 50
    maxPerMethod: 20
    maxConnections: 10
    window: 5s
    minSpacing: 200ms
  inFlight:
    proxyModeLimit: 200
    rpcModeLimit: 30
    mode: rpc
  proxies:
    entries:
      - "10.0.0.1:8080:user:pass"
      - "10.0.0.2:8080"
    perMinuteCap: 50
    rotateThreshold: 0.5
    rotateAfter: 5
    usageWindow: 30s
  servers:
    endpoints:
      - "https://rpc-a.example.com"
      - "https://rpc-b.example.com"
    safetyCeiling: 40
    window: 20s
  gecko:
    maxPerWindow: 20
    window: 2m
    minBackoff: 1s
    maxBackoff: 30s
    maxAttempts: 5
  wallets:
    defaultRPS: 2.5
`,
			expectedCfg: func() *Config {
				cfg := NewDefaultConfig()
				cfg.RPC.MaxTotal = 50
				cfg.RPC.MaxPerMethod = 20
				cfg.RPC.MaxConnections = 10
				cfg.RPC.Window = config.TimeDuration(5 * time.Second)
				cfg.RPC.MinSpacing = config.TimeDuration(200 * time.Millisecond)
				cfg.InFlight.ProxyModeLimit = 200
				cfg.InFlight.RPCModeLimit = 30
				cfg.InFlight.Mode = "rpc"
				cfg.Proxies.Entries = []string{"10.0.0.1:8080:user:pass", "10.0.0.2:8080"}
				cfg.Proxies.PerMinuteCap = 50
				cfg.Proxies.RotateThreshold = 0.5
				cfg.Proxies.RotateAfter = 5
				cfg.Proxies.UsageWindow = config.TimeDuration(30 * time.Second)
				cfg.Servers.Endpoints = []string{"https://rpc-a.example.com", "https://rpc-b.example.com"}
				cfg.Servers.SafetyCeiling = 40
				cfg.Servers.Window = config.TimeDuration(20 * time.Second)
				cfg.Gecko.MaxPerWindow = 20
				cfg.Gecko.Window = config.TimeDuration(2 * time.Minute)
				cfg.Gecko.MinBackoff = config.TimeDuration(time.Second)
				cfg.Gecko.MaxBackoff = config.TimeDuration(30 * time.Second)
				cfg.Gecko.MaxAttempts = 5
				cfg.Wallets.DefaultRPS = 2.5
				return cfg
			},
		},
		{
			name:        "json config",
			cfgDataType: config.DataTypeJSON,
			cfgData: `
{
	"throttle": {
		"rpc": {
			"maxTotal": 50,
			"maxPerMethod": 20,
			"maxConnections": 10,
			"window": "5s",
			"minSpacing": "200ms"
		},
		"inFlight": {
			"proxyModeLimit": 200,
			"rpcModeLimit": 30,
			"mode": "rpc"
		},
		"gecko": {
			"maxPerWindow": 20,
			"window": "2m",
			"minBackoff": "1s",
			"maxBackoff": "30s",
			"maxAttempts": 5
		},
		"wallets": {
			"defaultRPS": 2.5
		}
	}
}`,
			expectedCfg: func() *Config {
				cfg := NewDefaultConfig()
				cfg.RPC.MaxTotal = 50
				cfg.RPC.MaxPerMethod = 20
				cfg.RPC.MaxConnections = 10
				cfg.RPC.Window = config.TimeDuration(5 * time.Second)
				cfg.RPC.MinSpacing = config.TimeDuration(200 * time.Millisecond)
				cfg.InFlight.ProxyModeLimit = 200
				cfg.InFlight.RPCModeLimit = 30
				cfg.InFlight.Mode = "rpc"
				cfg.Gecko.MaxPerWindow = 20
				cfg.Gecko.Window = config.TimeDuration(2 * time.Minute)
				cfg.Gecko.MinBackoff = config.TimeDuration(time.Second)
				cfg.Gecko.MaxBackoff = config.TimeDuration(30 * time.Second)
				cfg.Gecko.MaxAttempts = 5
				cfg.Wallets.DefaultRPS = 2.5
				return cfg
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appCfg := AppConfig{Throttle: NewDefaultConfig()}
			expectedAppCfg := AppConfig{Throttle: tt.expectedCfg()}
			cfgLoader := config.NewLoader(config.NewViperAdapter())
			err := cfgLoader.LoadFromReader(bytes.NewBuffer([]byte(tt.cfgData)), tt.cfgDataType, appCfg.Throttle)
			require.NoError(t, err)
			require.Equal(t, expectedAppCfg, appCfg)
		})
	}
}

func TestConfigValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		cfgData string
		errMsg  string
	}{
		{
			name: "bad in-flight mode",
			cfgData: `
throttle:
  inFlight:
    mode: direct
`,
			errMsg: "must be one of: [proxy, rpc]",
		},
		{
			name: "zero rpc total",
			cfgData: `
throttle:
  rpc:
    maxTotal: 0
`,
			errMsg: "must be positive",
		},
		{
			name: "rotate threshold above one",
			cfgData: `
throttle:
  proxies:
    rotateThreshold: 1.5
`,
			errMsg: "must be in range (0, 1]",
		},
		{
			name: "gecko backoff inverted",
			cfgData: `
throttle:
  gecko:
    minBackoff: 30s
    maxBackoff: 5s
`,
			errMsg: "must not be less than minBackoff",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			cfgLoader := config.NewLoader(config.NewViperAdapter())
			err := cfgLoader.LoadFromReader(bytes.NewBuffer([]byte(tt.cfgData)), config.DataTypeYAML, cfg)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, config.NewDefaultLoader("").LoadFromReader(bytes.NewBuffer(nil), config.DataTypeYAML, cfg))
	require.Equal(t, NewDefaultConfig(), cfg)
}

func TestWithKeyPrefix(t *testing.T) {
	cfgData := `
custom:
  rpc:
    maxTotal: 7
`
	cfg := NewConfig(WithKeyPrefix("custom"))
	cfgLoader := config.NewLoader(config.NewViperAdapter())
	require.NoError(t, cfgLoader.LoadFromReader(bytes.NewBuffer([]byte(cfgData)), config.DataTypeYAML, cfg))
	require.Equal(t, 7, cfg.RPC.MaxTotal)
}
