// Package metrics holds the Prometheus collectors of the pipeline.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// once guards registration; the default registry panics on duplicates.
	once sync.Once

	// ResolutionsTotal counts resolver calls by platform and result kind.
	ResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkgrabba_resolutions_total",
			Help: "Resolver calls by platform and result.",
		},
		[]string{"platform", "result"},
	)

	// ItemsTotal counts acquired items by platform and terminal status.
	ItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkgrabba_items_total",
			Help: "Acquired media items by platform and status.",
		},
		[]string{"platform", "status"},
	)

	// CacheRequestsTotal counts coordinator lookups. result is one of
	// hit, join or miss.
	CacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkgrabba_cache_requests_total",
			Help: "Dedup cache lookups by result.",
		},
		[]string{"result"},
	)

	// CacheEntries is the number of content ids currently held.
	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "linkgrabba_cache_entries",
			Help: "Content entries held by the dedup cache.",
		},
	)

	// CacheEvictionsTotal counts entries removed by reason (expired, capacity, failed).
	CacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkgrabba_cache_evictions_total",
			Help: "Dedup cache evictions by reason.",
		},
		[]string{"reason"},
	)

	// InflightAcquisitions is the number of running acquisitions.
	InflightAcquisitions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "linkgrabba_inflight_acquisitions",
			Help: "Acquisitions currently downloading.",
		},
	)

	// ReportsTotal counts delivered reports by platform and status.
	ReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkgrabba_reports_total",
			Help: "Pipeline reports by platform and status.",
		},
		[]string{"platform", "status"},
	)

	// PipelineDurationSeconds observes the time from match to delivery.
	PipelineDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "linkgrabba_pipeline_duration_seconds",
			Help:    "Time from link match to delivery.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"platform"},
	)
)

// Init registers every collector with the default registry. Safe to call
// more than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			ResolutionsTotal,
			ItemsTotal,
			CacheRequestsTotal,
			CacheEntries,
			CacheEvictionsTotal,
			InflightAcquisitions,
			ReportsTotal,
			PipelineDurationSeconds,
		)
	})
}
