package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersCreatedTotal   = "wholesale_orders_created_total"
	MetricOrdersRejectedTotal  = "wholesale_orders_rejected_total"
	MetricLedgerAppendsTotal   = "wholesale_ledger_appends_total"
	MetricLedgerReversalsTotal = "wholesale_ledger_reversals_total"
	MetricJobsProcessedTotal   = "wholesale_jobs_processed_total"
	MetricJobsDeadLetterTotal  = "wholesale_jobs_dead_letter_total"
	MetricQueueDepth           = "wholesale_queue_depth"
	MetricWebhooksTotal        = "wholesale_webhooks_received_total"
	MetricRecoveryActionsTotal = "wholesale_recovery_actions_total"
	MetricParseConfidence      = "wholesale_parse_confidence"
	MetricVendorSelections     = "wholesale_vendor_selections_total"
	MetricExternalLatency      = "wholesale_external_call_duration_ms"
	MetricPriceAlertsTotal     = "wholesale_price_alerts_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	OrdersCreatedTotal   metric.Int64Counter
	OrdersRejectedTotal  metric.Int64Counter
	LedgerAppendsTotal   metric.Int64Counter
	LedgerReversalsTotal metric.Int64Counter
	JobsProcessedTotal   metric.Int64Counter
	JobsDeadLetterTotal  metric.Int64Counter
	QueueDepth           metric.Int64ObservableGauge
	WebhooksTotal        metric.Int64Counter
	RecoveryActionsTotal metric.Int64Counter
	ParseConfidence      metric.Float64Histogram
	VendorSelections     metric.Int64Counter
	ExternalLatency      metric.Float64Histogram
	PriceAlertsTotal     metric.Int64Counter

	// State for observable gauges
	mu            sync.RWMutex
	queueDepthMap map[string]int64

	initialized bool
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			queueDepthMap: make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersCreatedTotal, err = meter.Int64Counter(MetricOrdersCreatedTotal, metric.WithDescription("Total orders accepted and written"))
	if err != nil {
		return err
	}

	m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal, metric.WithDescription("Total orders rejected by the credit validator"))
	if err != nil {
		return err
	}

	m.LedgerAppendsTotal, err = meter.Int64Counter(MetricLedgerAppendsTotal, metric.WithDescription("Total credit ledger entries appended"))
	if err != nil {
		return err
	}

	m.LedgerReversalsTotal, err = meter.Int64Counter(MetricLedgerReversalsTotal, metric.WithDescription("Total ledger reversals"))
	if err != nil {
		return err
	}

	m.JobsProcessedTotal, err = meter.Int64Counter(MetricJobsProcessedTotal, metric.WithDescription("Total jobs processed by queue and status"))
	if err != nil {
		return err
	}

	m.JobsDeadLetterTotal, err = meter.Int64Counter(MetricJobsDeadLetterTotal, metric.WithDescription("Total jobs moved to the dead letter queue"))
	if err != nil {
		return err
	}

	m.WebhooksTotal, err = meter.Int64Counter(MetricWebhooksTotal, metric.WithDescription("Total webhooks received and persisted"))
	if err != nil {
		return err
	}

	m.RecoveryActionsTotal, err = meter.Int64Counter(MetricRecoveryActionsTotal, metric.WithDescription("Total self-healing actions by type"))
	if err != nil {
		return err
	}

	m.ParseConfidence, err = meter.Float64Histogram(MetricParseConfidence, metric.WithDescription("Overall confidence of parse results"))
	if err != nil {
		return err
	}

	m.VendorSelections, err = meter.Int64Counter(MetricVendorSelections, metric.WithDescription("Total vendor selection decisions"))
	if err != nil {
		return err
	}

	m.ExternalLatency, err = meter.Float64Histogram(MetricExternalLatency, metric.WithDescription("Latency of external provider calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.PriceAlertsTotal, err = meter.Int64Counter(MetricPriceAlertsTotal, metric.WithDescription("Total abnormal price change alerts"))
	if err != nil {
		return err
	}

	m.QueueDepth, err = meter.Int64ObservableGauge(MetricQueueDepth, metric.WithDescription("Current queue depth"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for queue, depth := range m.queueDepthMap {
				obs.Observe(depth, metric.WithAttributes(attribute.String("queue", queue)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.initialized = true
	return nil
}

// SetQueueDepth records the current depth for a queue gauge.
func (m *MetricsHolder) SetQueueDepth(queue string, depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepthMap[queue] = depth
}

// RecordJob increments the processed counter for a queue with a status label.
func (m *MetricsHolder) RecordJob(ctx context.Context, queue, status string) {
	if !m.initialized {
		return
	}
	m.JobsProcessedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("status", status),
	))
}

// RecordRecoveryAction increments the self-healing action counter.
func (m *MetricsHolder) RecordRecoveryAction(ctx context.Context, action string) {
	if !m.initialized {
		return
	}
	m.RecoveryActionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}
