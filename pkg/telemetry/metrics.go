package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricExchangeCallsTotal    = "copytrader_exchange_calls_total"
	MetricExchangeErrorsTotal   = "copytrader_exchange_errors_total"
	MetricExchangeLatencyMS     = "copytrader_exchange_latency_ms"
	MetricQueueDepth            = "copytrader_master_queue_depth"
	MetricFanoutInFlight        = "copytrader_fanout_in_flight"
	MetricFollowersTotal        = "copytrader_followers_total"
	MetricTradesOpenedTotal     = "copytrader_trades_opened_total"
	MetricTradesClosedTotal     = "copytrader_trades_closed_total"
	MetricCacheHitsTotal        = "copytrader_cache_hits_total"
	MetricCacheMissesTotal      = "copytrader_cache_misses_total"
	MetricSyncLoopLatencyMS     = "copytrader_sync_loop_latency_ms"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	ExchangeCallsTotal  metric.Int64Counter
	ExchangeErrorsTotal metric.Int64Counter
	ExchangeLatencyMS   metric.Float64Histogram
	QueueDepth          metric.Int64ObservableGauge
	FanoutInFlight      metric.Int64ObservableGauge
	FollowersTotal      metric.Int64ObservableGauge
	TradesOpenedTotal   metric.Int64Counter
	TradesClosedTotal   metric.Int64Counter
	CacheHitsTotal      metric.Int64Counter
	CacheMissesTotal    metric.Int64Counter
	SyncLoopLatencyMS   metric.Float64Histogram

	mu             sync.RWMutex
	queueDepth     int64
	fanoutInFlight int64
	followersTotal int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.ExchangeCallsTotal, err = meter.Int64Counter(MetricExchangeCallsTotal, metric.WithDescription("Total exchange API calls by outcome"))
	if err != nil {
		return err
	}

	m.ExchangeErrorsTotal, err = meter.Int64Counter(MetricExchangeErrorsTotal, metric.WithDescription("Total exchange API call failures"))
	if err != nil {
		return err
	}

	m.ExchangeLatencyMS, err = meter.Float64Histogram(MetricExchangeLatencyMS, metric.WithDescription("Latency of exchange API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.TradesOpenedTotal, err = meter.Int64Counter(MetricTradesOpenedTotal, metric.WithDescription("Total mirrored trades opened across all followers"))
	if err != nil {
		return err
	}

	m.TradesClosedTotal, err = meter.Int64Counter(MetricTradesClosedTotal, metric.WithDescription("Total mirrored trades closed across all followers"))
	if err != nil {
		return err
	}

	m.CacheHitsTotal, err = meter.Int64Counter(MetricCacheHitsTotal, metric.WithDescription("Total cache hits"))
	if err != nil {
		return err
	}

	m.CacheMissesTotal, err = meter.Int64Counter(MetricCacheMissesTotal, metric.WithDescription("Total cache misses"))
	if err != nil {
		return err
	}

	m.SyncLoopLatencyMS, err = meter.Float64Histogram(MetricSyncLoopLatencyMS, metric.WithDescription("Duration of one sync loop iteration"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.QueueDepth, err = meter.Int64ObservableGauge(MetricQueueDepth, metric.WithDescription("Current depth of the master call queue"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.queueDepth)
			return nil
		}))
	if err != nil {
		return err
	}

	m.FanoutInFlight, err = meter.Int64ObservableGauge(MetricFanoutInFlight, metric.WithDescription("Number of follower calls currently in flight"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.fanoutInFlight)
			return nil
		}))
	if err != nil {
		return err
	}

	m.FollowersTotal, err = meter.Int64ObservableGauge(MetricFollowersTotal, metric.WithDescription("Number of active followers"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.followersTotal)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// SetQueueDepth updates the observed master-call-queue depth.
func (m *MetricsHolder) SetQueueDepth(depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepth = depth
}

// SetFanoutInFlight updates the observed number of in-flight follower calls.
func (m *MetricsHolder) SetFanoutInFlight(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fanoutInFlight = n
}

// SetFollowersTotal updates the observed active follower count.
func (m *MetricsHolder) SetFollowersTotal(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.followersTotal = n
}

// RecordExchangeCall records a call outcome and its latency, with account
// and endpoint attributes. It is a no-op until InitMetrics has run, so components may call
// it unconditionally without checking telemetry has been set up.
func (m *MetricsHolder) RecordExchangeCall(ctx context.Context, account, endpoint string, latencyMS float64, err error) {
	if m.ExchangeCallsTotal == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("account", account), attribute.String("endpoint", endpoint))
	m.ExchangeCallsTotal.Add(ctx, 1, attrs)
	m.ExchangeLatencyMS.Record(ctx, latencyMS, attrs)
	if err != nil {
		m.ExchangeErrorsTotal.Add(ctx, 1, attrs)
	}
}
