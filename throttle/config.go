/*
Copyright © 2025 DegenPotato.

Released under MIT license.
*/

package throttle

import (
	"fmt"
	"time"

	"github.com/acronis/go-appkit/config"

	"github.com/degenpotato/cex-dev-monitor/geckolimit"
	"github.com/degenpotato/cex-dev-monitor/inflightlimit"
	"github.com/degenpotato/cex-dev-monitor/proxypool"
	"github.com/degenpotato/cex-dev-monitor/rpclimit"
	"github.com/degenpotato/cex-dev-monitor/rpcpool"
	"github.com/degenpotato/cex-dev-monitor/walletpace"
)

const cfgDefaultKeyPrefix = "throttle"

const (
	cfgKeyRPCMaxTotal       = "rpc.maxTotal"
	cfgKeyRPCMaxPerMethod   = "rpc.maxPerMethod"
	cfgKeyRPCMaxConnections = "rpc.maxConnections"
	cfgKeyRPCWindow         = "rpc.window"
	cfgKeyRPCMinSpacing     = "rpc.minSpacing"

	cfgKeyInFlightProxyModeLimit = "inFlight.proxyModeLimit"
	cfgKeyInFlightRPCModeLimit   = "inFlight.rpcModeLimit"
	cfgKeyInFlightMode           = "inFlight.mode"

	cfgKeyProxiesEntries         = "proxies.entries"
	cfgKeyProxiesPerMinuteCap    = "proxies.perMinuteCap"
	cfgKeyProxiesRotateThreshold = "proxies.rotateThreshold"
	cfgKeyProxiesRotateAfter     = "proxies.rotateAfter"
	cfgKeyProxiesUsageWindow     = "proxies.usageWindow"

	cfgKeyServersEndpoints     = "servers.endpoints"
	cfgKeyServersSafetyCeiling = "servers.safetyCeiling"
	cfgKeyServersWindow        = "servers.window"

	cfgKeyGeckoMaxPerWindow = "gecko.maxPerWindow"
	cfgKeyGeckoWindow       = "gecko.window"
	cfgKeyGeckoMinBackoff   = "gecko.minBackoff"
	cfgKeyGeckoMaxBackoff   = "gecko.maxBackoff"
	cfgKeyGeckoMaxAttempts  = "gecko.maxAttempts"

	cfgKeyWalletsDefaultRPS = "wallets.defaultRPS"
)

// Config represents a set of configuration parameters for the whole throttling fabric.
// Configuration can be loaded in different formats (YAML, JSON) using config.Loader, viper,
// or with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	RPC      RPCConfig      `mapstructure:"rpc" yaml:"rpc" json:"rpc"`
	InFlight InFlightConfig `mapstructure:"inFlight" yaml:"inFlight" json:"inFlight"`
	Proxies  ProxiesConfig  `mapstructure:"proxies" yaml:"proxies" json:"proxies"`
	Servers  ServersConfig  `mapstructure:"servers" yaml:"servers" json:"servers"`
	Gecko    GeckoConfig    `mapstructure:"gecko" yaml:"gecko" json:"gecko"`
	Wallets  WalletsConfig  `mapstructure:"wallets" yaml:"wallets" json:"wallets"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
// This prefix will be used by config.Loader.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config.
func NewConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{
		keyPrefix: opts.keyPrefix,
		RPC: RPCConfig{
			MaxTotal:       rpclimit.DefaultMaxTotal,
			MaxPerMethod:   rpclimit.DefaultMaxPerMethod,
			MaxConnections: rpclimit.DefaultMaxConnections,
			Window:         config.TimeDuration(rpclimit.DefaultWindow),
			MinSpacing:     config.TimeDuration(rpclimit.DefaultMinSpacing),
		},
		InFlight: InFlightConfig{
			ProxyModeLimit: inflightlimit.DefaultProxyModeLimit,
			RPCModeLimit:   inflightlimit.DefaultRPCModeLimit,
			Mode:           string(inflightlimit.ModeProxy),
		},
		Proxies: ProxiesConfig{
			PerMinuteCap:    proxypool.DefaultPerMinuteCap,
			RotateThreshold: proxypool.DefaultRotateThreshold,
			RotateAfter:     proxypool.DefaultRotateAfter,
			UsageWindow:     config.TimeDuration(proxypool.DefaultUsageWindow),
		},
		Servers: ServersConfig{
			SafetyCeiling: rpcpool.DefaultSafetyCeiling,
			Window:        config.TimeDuration(rpcpool.DefaultWindow),
		},
		Gecko: GeckoConfig{
			MaxPerWindow: geckolimit.DefaultMaxPerWindow,
			Window:       config.TimeDuration(geckolimit.DefaultWindow),
			MinBackoff:   config.TimeDuration(geckolimit.DefaultMinBackoff),
			MaxBackoff:   config.TimeDuration(geckolimit.DefaultMaxBackoff),
			MaxAttempts:  geckolimit.DefaultMaxAttempts,
		},
		Wallets: WalletsConfig{
			DefaultRPS: walletpace.DefaultRPS,
		},
	}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyRPCMaxTotal, rpclimit.DefaultMaxTotal)
	dp.SetDefault(cfgKeyRPCMaxPerMethod, rpclimit.DefaultMaxPerMethod)
	dp.SetDefault(cfgKeyRPCMaxConnections, rpclimit.DefaultMaxConnections)
	dp.SetDefault(cfgKeyRPCWindow, rpclimit.DefaultWindow)
	dp.SetDefault(cfgKeyRPCMinSpacing, rpclimit.DefaultMinSpacing)

	dp.SetDefault(cfgKeyInFlightProxyModeLimit, inflightlimit.DefaultProxyModeLimit)
	dp.SetDefault(cfgKeyInFlightRPCModeLimit, inflightlimit.DefaultRPCModeLimit)
	dp.SetDefault(cfgKeyInFlightMode, string(inflightlimit.ModeProxy))

	dp.SetDefault(cfgKeyProxiesPerMinuteCap, proxypool.DefaultPerMinuteCap)
	dp.SetDefault(cfgKeyProxiesRotateThreshold, proxypool.DefaultRotateThreshold)
	dp.SetDefault(cfgKeyProxiesRotateAfter, proxypool.DefaultRotateAfter)
	dp.SetDefault(cfgKeyProxiesUsageWindow, proxypool.DefaultUsageWindow)

	dp.SetDefault(cfgKeyServersSafetyCeiling, rpcpool.DefaultSafetyCeiling)
	dp.SetDefault(cfgKeyServersWindow, rpcpool.DefaultWindow)

	dp.SetDefault(cfgKeyGeckoMaxPerWindow, geckolimit.DefaultMaxPerWindow)
	dp.SetDefault(cfgKeyGeckoWindow, geckolimit.DefaultWindow)
	dp.SetDefault(cfgKeyGeckoMinBackoff, geckolimit.DefaultMinBackoff)
	dp.SetDefault(cfgKeyGeckoMaxBackoff, geckolimit.DefaultMaxBackoff)
	dp.SetDefault(cfgKeyGeckoMaxAttempts, geckolimit.DefaultMaxAttempts)

	dp.SetDefault(cfgKeyWalletsDefaultRPS, walletpace.DefaultRPS)
}

// Set sets configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	if err := c.RPC.Set(dp); err != nil {
		return err
	}
	if err := c.InFlight.Set(dp); err != nil {
		return err
	}
	if err := c.Proxies.Set(dp); err != nil {
		return err
	}
	if err := c.Servers.Set(dp); err != nil {
		return err
	}
	if err := c.Gecko.Set(dp); err != nil {
		return err
	}
	return c.Wallets.Set(dp)
}

// RPCConfig represents configuration parameters for the direct RPC rate limiter.
type RPCConfig struct {
	MaxTotal       int                 `mapstructure:"maxTotal" yaml:"maxTotal" json:"maxTotal"`
	MaxPerMethod   int                 `mapstructure:"maxPerMethod" yaml:"maxPerMethod" json:"maxPerMethod"`
	MaxConnections int                 `mapstructure:"maxConnections" yaml:"maxConnections" json:"maxConnections"`
	Window         config.TimeDuration `mapstructure:"window" yaml:"window" json:"window"`
	MinSpacing     config.TimeDuration `mapstructure:"minSpacing" yaml:"minSpacing" json:"minSpacing"`
}

// Set sets RPC limiter configuration values from config.DataProvider.
func (c *RPCConfig) Set(dp config.DataProvider) error {
	var err error

	if c.MaxTotal, err = dp.GetInt(cfgKeyRPCMaxTotal); err != nil {
		return err
	}
	if c.MaxTotal < 1 {
		return dp.WrapKeyErr(cfgKeyRPCMaxTotal, fmt.Errorf("must be positive"))
	}
	if c.MaxPerMethod, err = dp.GetInt(cfgKeyRPCMaxPerMethod); err != nil {
		return err
	}
	if c.MaxPerMethod < 1 {
		return dp.WrapKeyErr(cfgKeyRPCMaxPerMethod, fmt.Errorf("must be positive"))
	}
	if c.MaxConnections, err = dp.GetInt(cfgKeyRPCMaxConnections); err != nil {
		return err
	}
	if c.MaxConnections < 1 {
		return dp.WrapKeyErr(cfgKeyRPCMaxConnections, fmt.Errorf("must be positive"))
	}

	var dur time.Duration
	if dur, err = dp.GetDuration(cfgKeyRPCWindow); err != nil {
		return err
	}
	c.Window = config.TimeDuration(dur)

	if dur, err = dp.GetDuration(cfgKeyRPCMinSpacing); err != nil {
		return err
	}
	c.MinSpacing = config.TimeDuration(dur)

	return nil
}

// LimiterConfig converts the section into the limiter's own config.
func (c *RPCConfig) LimiterConfig() rpclimit.Config {
	return rpclimit.Config{
		MaxTotal:       c.MaxTotal,
		MaxPerMethod:   c.MaxPerMethod,
		MaxConnections: c.MaxConnections,
		Window:         time.Duration(c.Window),
		MinSpacing:     time.Duration(c.MinSpacing),
	}
}

// InFlightConfig represents configuration parameters for the global in-flight limiter.
type InFlightConfig struct {
	ProxyModeLimit int    `mapstructure:"proxyModeLimit" yaml:"proxyModeLimit" json:"proxyModeLimit"`
	RPCModeLimit   int    `mapstructure:"rpcModeLimit" yaml:"rpcModeLimit" json:"rpcModeLimit"`
	Mode           string `mapstructure:"mode" yaml:"mode" json:"mode"`
}

// Set sets in-flight limiter configuration values from config.DataProvider.
func (c *InFlightConfig) Set(dp config.DataProvider) error {
	var err error

	if c.ProxyModeLimit, err = dp.GetInt(cfgKeyInFlightProxyModeLimit); err != nil {
		return err
	}
	if c.RPCModeLimit, err = dp.GetInt(cfgKeyInFlightRPCModeLimit); err != nil {
		return err
	}
	if c.Mode, err = dp.GetString(cfgKeyInFlightMode); err != nil {
		return err
	}
	if m := inflightlimit.Mode(c.Mode); m != inflightlimit.ModeProxy && m != inflightlimit.ModeRPC {
		return dp.WrapKeyErr(cfgKeyInFlightMode, fmt.Errorf("must be one of: [proxy, rpc]"))
	}

	return nil
}

// LimiterConfig converts the section into the limiter's own config.
func (c *InFlightConfig) LimiterConfig() inflightlimit.Config {
	return inflightlimit.Config{
		ProxyModeLimit: c.ProxyModeLimit,
		RPCModeLimit:   c.RPCModeLimit,
		Mode:           inflightlimit.Mode(c.Mode),
	}
}

// ProxiesConfig represents configuration parameters for the proxy pool.
type ProxiesConfig struct {
	// Entries are proxy addresses in "host:port" or "host:port:user:pass" form.
	Entries []string `mapstructure:"entries" yaml:"entries" json:"entries"`

	PerMinuteCap    int                 `mapstructure:"perMinuteCap" yaml:"perMinuteCap" json:"perMinuteCap"`
	RotateThreshold float64             `mapstructure:"rotateThreshold" yaml:"rotateThreshold" json:"rotateThreshold"`
	RotateAfter     int                 `mapstructure:"rotateAfter" yaml:"rotateAfter" json:"rotateAfter"`
	UsageWindow     config.TimeDuration `mapstructure:"usageWindow" yaml:"usageWindow" json:"usageWindow"`
}

// Set sets proxy pool configuration values from config.DataProvider.
func (c *ProxiesConfig) Set(dp config.DataProvider) error {
	var err error

	if c.Entries, err = dp.GetStringSlice(cfgKeyProxiesEntries); err != nil {
		return err
	}
	if c.PerMinuteCap, err = dp.GetInt(cfgKeyProxiesPerMinuteCap); err != nil {
		return err
	}
	if c.PerMinuteCap < 1 {
		return dp.WrapKeyErr(cfgKeyProxiesPerMinuteCap, fmt.Errorf("must be positive"))
	}
	if c.RotateThreshold, err = dp.GetFloat64(cfgKeyProxiesRotateThreshold); err != nil {
		return err
	}
	if c.RotateThreshold <= 0 || c.RotateThreshold > 1 {
		return dp.WrapKeyErr(cfgKeyProxiesRotateThreshold, fmt.Errorf("must be in range (0, 1]"))
	}
	if c.RotateAfter, err = dp.GetInt(cfgKeyProxiesRotateAfter); err != nil {
		return err
	}
	if c.RotateAfter < 1 {
		return dp.WrapKeyErr(cfgKeyProxiesRotateAfter, fmt.Errorf("must be positive"))
	}

	var dur time.Duration
	if dur, err = dp.GetDuration(cfgKeyProxiesUsageWindow); err != nil {
		return err
	}
	c.UsageWindow = config.TimeDuration(dur)

	return nil
}

// PoolConfig converts the section into the pool's own config.
func (c *ProxiesConfig) PoolConfig() proxypool.Config {
	return proxypool.Config{
		PerMinuteCap:    c.PerMinuteCap,
		RotateThreshold: c.RotateThreshold,
		RotateAfter:     c.RotateAfter,
		UsageWindow:     time.Duration(c.UsageWindow),
	}
}

// ServersConfig represents configuration parameters for the RPC server rotator.
type ServersConfig struct {
	// Endpoints are RPC server URLs ordered for round-robin rotation.
	Endpoints []string `mapstructure:"endpoints" yaml:"endpoints" json:"endpoints"`

	SafetyCeiling int                 `mapstructure:"safetyCeiling" yaml:"safetyCeiling" json:"safetyCeiling"`
	Window        config.TimeDuration `mapstructure:"window" yaml:"window" json:"window"`
}

// Set sets server rotator configuration values from config.DataProvider.
func (c *ServersConfig) Set(dp config.DataProvider) error {
	var err error

	if c.Endpoints, err = dp.GetStringSlice(cfgKeyServersEndpoints); err != nil {
		return err
	}
	if c.SafetyCeiling, err = dp.GetInt(cfgKeyServersSafetyCeiling); err != nil {
		return err
	}
	if c.SafetyCeiling < 1 {
		return dp.WrapKeyErr(cfgKeyServersSafetyCeiling, fmt.Errorf("must be positive"))
	}

	var dur time.Duration
	if dur, err = dp.GetDuration(cfgKeyServersWindow); err != nil {
		return err
	}
	c.Window = config.TimeDuration(dur)

	return nil
}

// RotatorConfig converts the section into the rotator's own config.
func (c *ServersConfig) RotatorConfig() rpcpool.Config {
	return rpcpool.Config{
		SafetyCeiling: c.SafetyCeiling,
		Window:        time.Duration(c.Window),
	}
}

// GeckoConfig represents configuration parameters for the third-party API queue limiter.
type GeckoConfig struct {
	MaxPerWindow int                 `mapstructure:"maxPerWindow" yaml:"maxPerWindow" json:"maxPerWindow"`
	Window       config.TimeDuration `mapstructure:"window" yaml:"window" json:"window"`
	MinBackoff   config.TimeDuration `mapstructure:"minBackoff" yaml:"minBackoff" json:"minBackoff"`
	MaxBackoff   config.TimeDuration `mapstructure:"maxBackoff" yaml:"maxBackoff" json:"maxBackoff"`
	MaxAttempts  int                 `mapstructure:"maxAttempts" yaml:"maxAttempts" json:"maxAttempts"`
}

// Set sets queue limiter configuration values from config.DataProvider.
func (c *GeckoConfig) Set(dp config.DataProvider) error {
	var err error

	if c.MaxPerWindow, err = dp.GetInt(cfgKeyGeckoMaxPerWindow); err != nil {
		return err
	}
	if c.MaxPerWindow < 1 {
		return dp.WrapKeyErr(cfgKeyGeckoMaxPerWindow, fmt.Errorf("must be positive"))
	}
	if c.MaxAttempts, err = dp.GetInt(cfgKeyGeckoMaxAttempts); err != nil {
		return err
	}
	if c.MaxAttempts < 1 {
		return dp.WrapKeyErr(cfgKeyGeckoMaxAttempts, fmt.Errorf("must be positive"))
	}

	var dur time.Duration
	if dur, err = dp.GetDuration(cfgKeyGeckoWindow); err != nil {
		return err
	}
	c.Window = config.TimeDuration(dur)

	if dur, err = dp.GetDuration(cfgKeyGeckoMinBackoff); err != nil {
		return err
	}
	c.MinBackoff = config.TimeDuration(dur)

	if dur, err = dp.GetDuration(cfgKeyGeckoMaxBackoff); err != nil {
		return err
	}
	c.MaxBackoff = config.TimeDuration(dur)

	if c.MaxBackoff < c.MinBackoff {
		return dp.WrapKeyErr(cfgKeyGeckoMaxBackoff, fmt.Errorf("must not be less than minBackoff"))
	}

	return nil
}

// LimiterConfig converts the section into the limiter's own config.
func (c *GeckoConfig) LimiterConfig() geckolimit.Config {
	return geckolimit.Config{
		MaxPerWindow: c.MaxPerWindow,
		Window:       time.Duration(c.Window),
		MinBackoff:   time.Duration(c.MinBackoff),
		MaxBackoff:   time.Duration(c.MaxBackoff),
		MaxAttempts:  c.MaxAttempts,
	}
}

// WalletsConfig represents configuration parameters for per-wallet pacing.
type WalletsConfig struct {
	// DefaultRPS is the request rate assigned to pacers created without an explicit rate.
	DefaultRPS float64 `mapstructure:"defaultRPS" yaml:"defaultRPS" json:"defaultRPS"`
}

// Set sets wallet pacing configuration values from config.DataProvider.
func (c *WalletsConfig) Set(dp config.DataProvider) error {
	var err error

	if c.DefaultRPS, err = dp.GetFloat64(cfgKeyWalletsDefaultRPS); err != nil {
		return err
	}
	if c.DefaultRPS <= 0 {
		return dp.WrapKeyErr(cfgKeyWalletsDefaultRPS, fmt.Errorf("must be positive"))
	}

	return nil
}
