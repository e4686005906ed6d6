// Package metrics provides Prometheus metrics for a meshvault node.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry for all meshvault metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// OutboxMetrics holds metrics for the outbox subsystem.
type OutboxMetrics struct {
	ItemsEnqueued   prometheus.Counter
	ItemsDelivered  prometheus.Counter
	ItemsFailed     *prometheus.CounterVec // labels: reason
	ItemsDropped    prometheus.Counter
	DrainCycles     prometheus.Counter
	LeaseRecoveries prometheus.Counter
	PendingSenders  prometheus.Gauge
}

// NewOutboxMetrics registers outbox metrics on the given registry. Pass nil
// to use the package registry.
func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		reg = Registry
	}
	return &OutboxMetrics{
		ItemsEnqueued: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "meshvault_outbox_items_enqueued_total",
			Help: "Total items accepted into the outbox",
		}),
		ItemsDelivered: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "meshvault_outbox_items_delivered_total",
			Help: "Total items delivered and committed",
		}),
		ItemsFailed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "meshvault_outbox_delivery_failures_total",
			Help: "Delivery failures by reason",
		}, []string{"reason"}),
		ItemsDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "meshvault_outbox_items_dropped_total",
			Help: "Items marked failed after exhausting retries or hitting a permanent error",
		}),
		DrainCycles: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "meshvault_outbox_drain_cycles_total",
			Help: "Drain cycles executed across all tenants",
		}),
		LeaseRecoveries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "meshvault_outbox_lease_recoveries_total",
			Help: "Stale leases recovered after expiry",
		}),
		PendingSenders: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "meshvault_outbox_pending_senders",
			Help: "Tenants currently marked as having outbox work",
		}),
	}
}

// DriveMetrics holds metrics for the drive registry.
type DriveMetrics struct {
	DrivesTotal prometheus.Counter
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
}

// NewDriveMetrics registers drive registry metrics on the given registry.
// Pass nil to use the package registry.
func NewDriveMetrics(reg prometheus.Registerer) *DriveMetrics {
	if reg == nil {
		reg = Registry
	}
	return &DriveMetrics{
		DrivesTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "meshvault_drives_created_total",
			Help: "Drives created since process start",
		}),
		CacheHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "meshvault_drive_cache_hits_total",
			Help: "Drive registry cache hits",
		}),
		CacheMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "meshvault_drive_cache_misses_total",
			Help: "Drive registry cache misses",
		}),
	}
}
