// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"sync"
	"time"

	"grimm.is/nds/internal/logging"
)

// Collector is the in-process view of the pipeline counters. Every
// increment updates both the Prometheus registry and a cached snapshot
// that the JSON status endpoints read without touching Prometheus.
type Collector struct {
	registry *Registry
	logger   *logging.Logger
	started  time.Time

	mu                sync.RWMutex
	packetsProcessed  uint64
	flowsAnalyzed     uint64
	alertsGenerated   uint64
	predictionsMade   uint64
	anomaliesDetected uint64
	ringOverflows     uint64
	captureErrors     uint64
	queueDrops        uint64
	storeFailures     uint64
	publishFailures   uint64
	threatScore       float64
	activeFlows       int
	lastAlert         time.Time
}

// Stats is a point-in-time copy of the pipeline counters.
type Stats struct {
	PacketsProcessed  uint64    `json:"packets_processed"`
	FlowsAnalyzed     uint64    `json:"flows_analyzed"`
	AlertsGenerated   uint64    `json:"alerts_generated"`
	PredictionsMade   uint64    `json:"predictions_made"`
	AnomaliesDetected uint64    `json:"anomalies_detected"`
	RingOverflows     uint64    `json:"ring_overflows"`
	CaptureErrors     uint64    `json:"capture_errors"`
	QueueDrops        uint64    `json:"queue_drops"`
	StoreFailures     uint64    `json:"store_failures"`
	PublishFailures   uint64    `json:"publish_failures"`
	ThreatScore       float64   `json:"threat_score"`
	ActiveFlows       int       `json:"active_flows"`
	LastAlert         time.Time `json:"last_alert,omitempty"`
	UptimeSeconds     float64   `json:"uptime_seconds"`
}

// NewCollector creates a collector backed by the process-wide registry.
func NewCollector(logger *logging.Logger) *Collector {
	return &Collector{
		registry: Get(),
		logger:   logger,
		started:  time.Now(),
	}
}

// newCollectorWithRegistry is the test seam; it avoids the default
// Prometheus registerer.
func newCollectorWithRegistry(logger *logging.Logger, reg *Registry) *Collector {
	return &Collector{
		registry: reg,
		logger:   logger,
		started:  time.Now(),
	}
}

// AddPackets records n packets consumed from the capture ring.
func (c *Collector) AddPackets(n int) {
	if n <= 0 {
		return
	}
	c.registry.PacketsProcessed.Add(float64(n))
	c.mu.Lock()
	c.packetsProcessed += uint64(n)
	c.mu.Unlock()
}

// FlowAnalyzed records one flow completing the detection pipeline.
func (c *Collector) FlowAnalyzed() {
	c.registry.FlowsAnalyzed.Inc()
	c.mu.Lock()
	c.flowsAnalyzed++
	c.mu.Unlock()
}

// AlertGenerated records a generated alert and its severity.
func (c *Collector) AlertGenerated(severity string) {
	c.registry.AlertsGenerated.WithLabelValues(severity).Inc()
	c.mu.Lock()
	c.alertsGenerated++
	c.lastAlert = time.Now()
	c.mu.Unlock()
}

// PredictionMade records one supervised model inference.
func (c *Collector) PredictionMade() {
	c.registry.PredictionsMade.Inc()
	c.mu.Lock()
	c.predictionsMade++
	c.mu.Unlock()
}

// AnomalyDetected records one unsupervised anomaly flag.
func (c *Collector) AnomalyDetected() {
	c.registry.AnomaliesDetected.Inc()
	c.mu.Lock()
	c.anomaliesDetected++
	c.mu.Unlock()
}

// Decision records the fused decision outcome.
func (c *Collector) Decision(name string) {
	c.registry.Decisions.WithLabelValues(name).Inc()
}

// RingOverflow records a packet evicted from the capture ring.
func (c *Collector) RingOverflow() {
	c.registry.RingOverflows.Inc()
	c.mu.Lock()
	c.ringOverflows++
	c.mu.Unlock()
}

// CaptureError records a packet read or decode failure.
func (c *Collector) CaptureError() {
	c.registry.CaptureErrors.Inc()
	c.mu.Lock()
	c.captureErrors++
	c.mu.Unlock()
}

// QueueDrop records a flow dropped at the inference queue.
func (c *Collector) QueueDrop() {
	c.registry.QueueDrops.Inc()
	c.mu.Lock()
	c.queueDrops++
	c.mu.Unlock()
}

// StoreFailure records a failed database write.
func (c *Collector) StoreFailure() {
	c.registry.StoreFailures.Inc()
	c.mu.Lock()
	c.storeFailures++
	c.mu.Unlock()
}

// PublishFailure records a failed Redis publish.
func (c *Collector) PublishFailure() {
	c.registry.PublishFailures.Inc()
	c.mu.Lock()
	c.publishFailures++
	c.mu.Unlock()
}

// SetThreatScore updates the smoothed network threat score gauge.
func (c *Collector) SetThreatScore(v float64) {
	c.registry.ThreatScore.Set(v)
	c.mu.Lock()
	c.threatScore = v
	c.mu.Unlock()
}

// SetActiveFlows updates the tracked flow count gauge.
func (c *Collector) SetActiveFlows(n int) {
	c.registry.ActiveFlows.Set(float64(n))
	c.mu.Lock()
	c.activeFlows = n
	c.mu.Unlock()
}

// SetRingUsage updates the ring occupancy gauge as a fraction of capacity.
func (c *Collector) SetRingUsage(used, capacity int) {
	if capacity <= 0 {
		return
	}
	c.registry.RingUsage.Set(float64(used) / float64(capacity))
}

// SetQueueDepth updates the inference queue depth gauge.
func (c *Collector) SetQueueDepth(n int) {
	c.registry.QueueDepth.Set(float64(n))
}

// ClientConnected adjusts the websocket client gauge by delta.
func (c *Collector) ClientConnected(delta int) {
	c.registry.WSClients.Add(float64(delta))
}

// ObserveInference records the wall time of one flow through the pipeline.
func (c *Collector) ObserveInference(d time.Duration) {
	c.registry.InferenceDuration.Observe(d.Seconds())
}

// Snapshot returns a copy of the current counters. Uptime is computed at
// call time and the uptime gauge is refreshed as a side effect.
func (c *Collector) Snapshot() Stats {
	uptime := time.Since(c.started).Seconds()
	c.registry.Uptime.Set(uptime)

	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		PacketsProcessed:  c.packetsProcessed,
		FlowsAnalyzed:     c.flowsAnalyzed,
		AlertsGenerated:   c.alertsGenerated,
		PredictionsMade:   c.predictionsMade,
		AnomaliesDetected: c.anomaliesDetected,
		RingOverflows:     c.ringOverflows,
		CaptureErrors:     c.captureErrors,
		QueueDrops:        c.queueDrops,
		StoreFailures:     c.storeFailures,
		PublishFailures:   c.publishFailures,
		ThreatScore:       c.threatScore,
		ActiveFlows:       c.activeFlows,
		LastAlert:         c.lastAlert,
		UptimeSeconds:     uptime,
	}
}
