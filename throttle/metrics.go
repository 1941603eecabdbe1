/*
Copyright © 2025 DegenPotato.

Released under MIT license.
*/

package throttle

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsLabelMode     = "mode"
	metricsLabelProxy    = "proxy"
	metricsLabelEndpoint = "endpoint"
	metricsLabelWallet   = "wallet"
)

// MetricsCollectorOpts represents options for MetricsCollector.
type MetricsCollectorOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels
}

// MetricsCollector exposes the current state of a Fabric as Prometheus gauges.
// Values are read from the limiters' snapshots on every scrape.
type MetricsCollector struct {
	fabric *Fabric

	rpcQueueDepth    *prometheus.Desc
	rpcInWindow      *prometheus.Desc
	rpcConnections   *prometheus.Desc
	rpcUtilization   *prometheus.Desc
	inFlightActive   *prometheus.Desc
	inFlightWaiting  *prometheus.Desc
	inFlightLimit    *prometheus.Desc
	proxyPoolSize    *prometheus.Desc
	proxyUsage       *prometheus.Desc
	proxyFailures    *prometheus.Desc
	serverPoolSize   *prometheus.Desc
	serverDispatches *prometheus.Desc
	serverFailures   *prometheus.Desc
	geckoQueueDepth  *prometheus.Desc
	geckoInWindow    *prometheus.Desc
	geckoBackoff     *prometheus.Desc
	geckoErrors      *prometheus.Desc
	analysisPending  *prometheus.Desc
	analysisDone     *prometheus.Desc
	analysisFailed   *prometheus.Desc
	walletRate       *prometheus.Desc
}

var _ prometheus.Collector = (*MetricsCollector)(nil)

// NewMetricsCollector creates a new metrics collector for the given fabric.
func NewMetricsCollector(fabric *Fabric) *MetricsCollector {
	return NewMetricsCollectorWithOpts(fabric, MetricsCollectorOpts{})
}

// NewMetricsCollectorWithOpts is a more configurable version of creating MetricsCollector.
func NewMetricsCollectorWithOpts(fabric *Fabric, opts MetricsCollectorOpts) *MetricsCollector {
	name := func(s string) string {
		if opts.Namespace != "" {
			return opts.Namespace + "_" + s
		}
		return s
	}
	desc := func(metric, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(name(metric), help, labels, opts.ConstLabels)
	}
	return &MetricsCollector{
		fabric: fabric,

		rpcQueueDepth: desc("throttle_rpc_queue_depth",
			"Number of calls waiting for RPC admission."),
		rpcInWindow: desc("throttle_rpc_requests_in_window",
			"Number of RPC dispatches inside the current sliding window."),
		rpcConnections: desc("throttle_rpc_open_connections",
			"Number of currently open RPC connections."),
		rpcUtilization: desc("throttle_rpc_window_utilization_percent",
			"Share of the total RPC window budget in use."),
		inFlightActive: desc("throttle_in_flight_active",
			"Number of operations currently holding an in-flight slot.", metricsLabelMode),
		inFlightWaiting: desc("throttle_in_flight_waiting",
			"Number of operations queued for an in-flight slot.", metricsLabelMode),
		inFlightLimit: desc("throttle_in_flight_limit",
			"Current in-flight slot budget.", metricsLabelMode),
		proxyPoolSize: desc("throttle_proxy_pool_size",
			"Number of proxies in the pool."),
		proxyUsage: desc("throttle_proxy_usage_in_window",
			"Per-proxy usage inside the current window.", metricsLabelProxy),
		proxyFailures: desc("throttle_proxy_failures_total",
			"Per-proxy failure reports.", metricsLabelProxy),
		serverPoolSize: desc("throttle_rpc_server_pool_size",
			"Number of RPC servers in the rotation."),
		serverDispatches: desc("throttle_rpc_server_dispatches_in_window",
			"Per-server dispatches inside the current window.", metricsLabelEndpoint),
		serverFailures: desc("throttle_rpc_server_failures_total",
			"Per-server failure reports.", metricsLabelEndpoint),
		geckoQueueDepth: desc("throttle_gecko_queue_depth",
			"Number of tasks queued for the GeckoTerminal limiter."),
		geckoInWindow: desc("throttle_gecko_requests_in_window",
			"Number of GeckoTerminal dispatches inside the current window."),
		geckoBackoff: desc("throttle_gecko_backoff_seconds",
			"Current adaptive backoff delay."),
		geckoErrors: desc("throttle_gecko_consecutive_errors",
			"Consecutive rate-limit errors since the last success."),
		analysisPending: desc("throttle_analysis_pending",
			"Number of items waiting in the analysis queue."),
		analysisDone: desc("throttle_analysis_processed_total",
			"Total number of successfully processed analysis items."),
		analysisFailed: desc("throttle_analysis_failed_total",
			"Total number of failed analysis items."),
		walletRate: desc("throttle_wallet_pacer_rps",
			"Per-wallet request rate.", metricsLabelWallet),
	}
}

// Describe implements prometheus.Collector.
func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector.
func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	rpcStats := c.fabric.RPC.Stats()
	ch <- prometheus.MustNewConstMetric(c.rpcQueueDepth, prometheus.GaugeValue, float64(rpcStats.QueueDepth))
	ch <- prometheus.MustNewConstMetric(c.rpcInWindow, prometheus.GaugeValue, float64(rpcStats.TotalInWindow))
	ch <- prometheus.MustNewConstMetric(c.rpcConnections, prometheus.GaugeValue, float64(rpcStats.Connections))
	ch <- prometheus.MustNewConstMetric(c.rpcUtilization, prometheus.GaugeValue, rpcStats.Utilization)

	ifStats := c.fabric.InFlight.Stats()
	mode := string(ifStats.Mode)
	ch <- prometheus.MustNewConstMetric(c.inFlightActive, prometheus.GaugeValue, float64(ifStats.Active), mode)
	ch <- prometheus.MustNewConstMetric(c.inFlightWaiting, prometheus.GaugeValue, float64(ifStats.Waiting), mode)
	ch <- prometheus.MustNewConstMetric(c.inFlightLimit, prometheus.GaugeValue, float64(ifStats.Limit), mode)

	if c.fabric.Proxies != nil {
		poolStats := c.fabric.Proxies.Stats()
		ch <- prometheus.MustNewConstMetric(c.proxyPoolSize, prometheus.GaugeValue, float64(poolStats.Size))
		for _, p := range poolStats.Proxies {
			ch <- prometheus.MustNewConstMetric(c.proxyUsage, prometheus.GaugeValue, float64(p.UsageInWindow), p.Proxy)
			ch <- prometheus.MustNewConstMetric(c.proxyFailures, prometheus.CounterValue, float64(p.FailureCount), p.Proxy)
		}
	}

	if c.fabric.Servers != nil {
		rotStats := c.fabric.Servers.Stats()
		ch <- prometheus.MustNewConstMetric(c.serverPoolSize, prometheus.GaugeValue, float64(rotStats.Size))
		for _, s := range rotStats.Servers {
			ch <- prometheus.MustNewConstMetric(c.serverDispatches, prometheus.GaugeValue, float64(s.DispatchesInWindow), s.Endpoint)
			ch <- prometheus.MustNewConstMetric(c.serverFailures, prometheus.CounterValue, float64(s.FailureCount), s.Endpoint)
		}
	}

	geckoStats := c.fabric.Gecko.Stats()
	ch <- prometheus.MustNewConstMetric(c.geckoQueueDepth, prometheus.GaugeValue, float64(geckoStats.QueueDepth))
	ch <- prometheus.MustNewConstMetric(c.geckoInWindow, prometheus.GaugeValue, float64(geckoStats.UsedInWindow))
	ch <- prometheus.MustNewConstMetric(c.geckoBackoff, prometheus.GaugeValue, geckoStats.CurrentBackoff.Seconds())
	ch <- prometheus.MustNewConstMetric(c.geckoErrors, prometheus.GaugeValue, float64(geckoStats.ConsecutiveErrors))

	queueStats := c.fabric.Analysis.Stats()
	ch <- prometheus.MustNewConstMetric(c.analysisPending, prometheus.GaugeValue, float64(queueStats.Pending))
	ch <- prometheus.MustNewConstMetric(c.analysisDone, prometheus.CounterValue, float64(queueStats.Processed))
	ch <- prometheus.MustNewConstMetric(c.analysisFailed, prometheus.CounterValue, float64(queueStats.Failed))

	for _, p := range c.fabric.WalletPacers() {
		pacerStats := p.Stats()
		ch <- prometheus.MustNewConstMetric(c.walletRate, prometheus.GaugeValue, pacerStats.RPS, pacerStats.Wallet)
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (c *MetricsCollector) MustRegister() {
	prometheus.MustRegister(c)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (c *MetricsCollector) Unregister() {
	prometheus.Unregister(c)
}
