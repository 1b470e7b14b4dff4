// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the Prometheus instruments for the detection pipeline.
// The singleton returned by Get registers on the default registerer so
// the /metrics endpoint picks everything up via promhttp.
type Registry struct {
	PacketsProcessed  prometheus.Counter
	FlowsAnalyzed     prometheus.Counter
	AlertsGenerated   *prometheus.CounterVec
	PredictionsMade   prometheus.Counter
	AnomaliesDetected prometheus.Counter
	Decisions         *prometheus.CounterVec

	RingOverflows   prometheus.Counter
	CaptureErrors   prometheus.Counter
	QueueDrops      prometheus.Counter
	StoreFailures   prometheus.Counter
	PublishFailures prometheus.Counter

	ThreatScore prometheus.Gauge
	ActiveFlows prometheus.Gauge
	RingUsage   prometheus.Gauge
	QueueDepth  prometheus.Gauge
	WSClients   prometheus.Gauge
	Uptime      prometheus.Gauge

	InferenceDuration prometheus.Histogram
}

var (
	defaultRegistry *Registry
	registryOnce    sync.Once
)

// Get returns the process-wide registry, creating and registering it on
// first use.
func Get() *Registry {
	registryOnce.Do(func() {
		defaultRegistry = NewRegistry(prometheus.DefaultRegisterer)
	})
	return defaultRegistry
}

// NewRegistry builds a registry and registers every instrument with reg.
// Tests pass a fresh prometheus.NewRegistry to avoid duplicate
// registration panics.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		PacketsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nds_packets_processed_total",
			Help: "Total number of packets consumed from the capture ring",
		}),
		FlowsAnalyzed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nds_flows_analyzed_total",
			Help: "Total number of expired flows run through the detection pipeline",
		}),
		AlertsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nds_alerts_generated_total",
			Help: "Total number of alerts generated",
		}, []string{"severity"}),
		PredictionsMade: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nds_predictions_made_total",
			Help: "Total number of supervised model predictions",
		}),
		AnomaliesDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nds_anomalies_detected_total",
			Help: "Total number of flows flagged anomalous by the unsupervised model",
		}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nds_decisions_total",
			Help: "Total number of fusion decisions by outcome",
		}, []string{"decision"}),

		RingOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nds_capture_ring_overflows_total",
			Help: "Total number of packets evicted from the capture ring",
		}),
		CaptureErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nds_capture_errors_total",
			Help: "Total number of packet read or decode errors",
		}),
		QueueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nds_inference_queue_drops_total",
			Help: "Total number of flows dropped because the inference queue was full",
		}),
		StoreFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nds_store_failures_total",
			Help: "Total number of failed database writes",
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nds_publish_failures_total",
			Help: "Total number of failed Redis publishes",
		}),

		ThreatScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nds_threat_score",
			Help: "Exponentially weighted network threat score in [0,1]",
		}),
		ActiveFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nds_active_flows",
			Help: "Number of flows currently tracked",
		}),
		RingUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nds_capture_ring_usage",
			Help: "Fraction of the capture ring currently occupied",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nds_inference_queue_depth",
			Help: "Number of flows waiting in the inference queue",
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nds_websocket_clients",
			Help: "Number of connected alert stream clients",
		}),
		Uptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nds_uptime_seconds",
			Help: "Seconds since the service started",
		}),

		InferenceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nds_inference_duration_seconds",
			Help:    "Wall time per flow through preprocessing, models and fusion",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
	}

	reg.MustRegister(
		r.PacketsProcessed,
		r.FlowsAnalyzed,
		r.AlertsGenerated,
		r.PredictionsMade,
		r.AnomaliesDetected,
		r.Decisions,
		r.RingOverflows,
		r.CaptureErrors,
		r.QueueDrops,
		r.StoreFailures,
		r.PublishFailures,
		r.ThreatScore,
		r.ActiveFlows,
		r.RingUsage,
		r.QueueDepth,
		r.WSClients,
		r.Uptime,
		r.InferenceDuration,
	)

	return r
}
