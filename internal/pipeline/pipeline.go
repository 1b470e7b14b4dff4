// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package pipeline wires the detection stages together and owns their
// goroutines: the capture sniffer feeding the ring, the flow loop
// draining it, the inference worker pool, and the retention sweeper.
// Stages never propagate errors across their boundaries; each one
// counts its own failures and keeps the capture path alive.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/nds/internal/capture"
	"grimm.is/nds/internal/config"
	"grimm.is/nds/internal/decision"
	"grimm.is/nds/internal/errors"
	"grimm.is/nds/internal/features"
	"grimm.is/nds/internal/flow"
	"grimm.is/nds/internal/logging"
	"grimm.is/nds/internal/metrics"
	"grimm.is/nds/internal/model"
	"grimm.is/nds/internal/preprocess"
	"grimm.is/nds/internal/pubsub"
	"grimm.is/nds/internal/reputation"
	"grimm.is/nds/internal/store"
)

const (
	// queueCapacity bounds the completed-flow queue between the flow
	// loop and the inference workers. When full, flows are dropped:
	// stalling capture would lose newer traffic instead.
	queueCapacity = 4096

	// drainInterval is how often the flow loop empties the ring.
	drainInterval = 200 * time.Millisecond

	// timeoutInterval is how often idle flows are expired.
	timeoutInterval = time.Second

	storeTimeout   = 5 * time.Second
	cleanupTimeout = 30 * time.Second

	drainBatch = 256

	// unknownReputation scores an IP nothing is known about.
	unknownReputation = 0.5
)

// Options carries the pipeline's external collaborators. Store is
// required; Bus and Reputation are optional and their absence leaves
// the pipeline in the matching degraded mode.
type Options struct {
	Settings   config.Settings
	Logger     *logging.Logger
	Store      *store.Store
	Bus        *pubsub.Bus
	Reputation reputation.Provider
	Collector  *metrics.Collector
}

// Pipeline is the detection data path from packets to alerts.
type Pipeline struct {
	cfg    config.Settings
	logger *logging.Logger

	ring    *capture.Ring
	sniffer *capture.Sniffer
	builder *flow.Builder
	loader  *model.Loader
	engine  *decision.Engine

	// Predictors are nil in degraded mode (artifacts missing).
	chain *preprocess.Chain
	sup   *model.SupervisedPredictor
	unsup *model.UnsupervisedPredictor

	store *store.Store
	bus   *pubsub.Bus
	rep   reputation.Provider
	col   *metrics.Collector

	queue chan *flow.Flow

	queueDrops     atomic.Uint64
	storeFailures  atomic.Uint64
	publishFails   atomic.Uint64
	flowsAnalyzed  atomic.Uint64
	flowsSkipped   atomic.Uint64
	pendingPackets atomic.Int64

	// Last observed sniffer counters, used to mirror deltas into the
	// metrics registry from the flow loop tick.
	seenCaptureErrors uint64
	seenRingDrops     uint64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New assembles the pipeline and loads the model artifacts. A missing
// or inconsistent artifact bundle is not fatal: the pipeline comes up
// degraded, capture still runs, and inference is skipped until restart.
func New(opts Options) (*Pipeline, error) {
	if opts.Store == nil {
		return nil, errors.New(errors.KindConfig, "pipeline requires a datastore")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.With("component", "pipeline")

	col := opts.Collector
	if col == nil {
		col = metrics.NewCollector(logger)
	}

	cfg := opts.Settings
	ring := capture.NewRing(cfg.CaptureBuffer)

	p := &Pipeline{
		cfg:     cfg,
		logger:  logger,
		ring:    ring,
		sniffer: capture.NewSniffer(capture.DefaultConfig(cfg.CaptureInterface), ring, logger),
		builder: flow.NewBuilder(cfg.FlowTimeout, logger),
		loader:  model.NewLoader(cfg.ModelDir, logger),
		engine: decision.NewEngine(decision.Weights{
			Supervised:   cfg.WeightSupervised,
			Unsupervised: cfg.WeightUnsupervised,
			Reputation:   cfg.WeightReputation,
		}, cfg.ThresholdAttack, logger),
		store: opts.Store,
		bus:   opts.Bus,
		rep:   opts.Reputation,
		col:   col,
		queue: make(chan *flow.Flow, queueCapacity),
	}

	bundle, err := p.loader.LoadAll()
	if err != nil {
		logger.Warn("model artifacts unavailable, detection degraded", "dir", cfg.ModelDir, "error", err)
	} else {
		p.chain = bundle.Chain
		p.sup = model.NewSupervisedPredictor(bundle.Supervised, bundle.Labels, cfg.MinClassificationConfidence)
		p.unsup = model.NewUnsupervisedPredictor(bundle.Unsupervised, bundle.Stats, cfg.AnomalyThresholdK, logger)
	}

	return p, nil
}

// Ready reports whether the model bundle loaded and inference runs.
func (p *Pipeline) Ready() bool {
	return p.sup != nil && p.unsup != nil && p.chain != nil
}

// Start launches the flow loop, the inference workers, and the
// retention sweeper, then attempts to start capture. A capture setup
// failure is logged, not returned: the API can retry via StartCapture
// once permissions or the interface are fixed.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New(errors.KindValidation, "pipeline already running")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	p.running = true
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.flowLoop(runCtx)

	for i := 0; i < p.cfg.InferenceWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	if p.cfg.RetentionEnabled {
		p.wg.Add(1)
		go p.retentionLoop(runCtx)
	}

	if p.cfg.CaptureInterface == "none" {
		p.logger.Info("capture disabled by configuration")
	} else if err := p.sniffer.Start(ctx); err != nil {
		p.logger.Warn("capture did not start, pipeline runs without packets", "error", err)
	}

	p.logger.Info("pipeline started",
		"workers", p.cfg.InferenceWorkers,
		"queue", queueCapacity,
		"models_ready", p.Ready())
	return nil
}

// Stop winds the pipeline down: capture first, then the flow loop
// (which flushes in-flight flows into the queue), then the workers.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	p.sniffer.Stop()
	cancel()
	p.wg.Wait()

	// Fresh queue so a later Start reuses a pipeline cleanly.
	p.queue = make(chan *flow.Flow, queueCapacity)

	p.logger.Info("pipeline stopped",
		"flows_analyzed", p.flowsAnalyzed.Load(),
		"queue_drops", p.queueDrops.Load(),
		"store_failures", p.storeFailures.Load())
	return nil
}

// StartCapture starts the sniffer on its own, surfacing setup errors
// to the caller. Used by the capture control API.
func (p *Pipeline) StartCapture(ctx context.Context) error {
	return p.sniffer.Start(ctx)
}

// StopCapture stops the sniffer; the rest of the pipeline keeps
// draining whatever is already buffered.
func (p *Pipeline) StopCapture() error {
	return p.sniffer.Stop()
}

// CaptureStatus returns the sniffer's state and counters.
func (p *Pipeline) CaptureStatus() capture.Status {
	return p.sniffer.Status()
}

// SetInterface changes the capture interface for the next start.
func (p *Pipeline) SetInterface(name string) error {
	return p.sniffer.SetInterface(name)
}

// ActiveFlows returns the number of currently tracked flows.
func (p *Pipeline) ActiveFlows() int {
	return p.builder.ActiveCount()
}

// ModelStatus returns the per-artifact report behind /api/models/status.
func (p *Pipeline) ModelStatus() model.StatusReport {
	return p.loader.Status()
}

// QueueDrops returns how many completed flows were discarded because
// the inference queue was full.
func (p *Pipeline) QueueDrops() uint64 {
	return p.queueDrops.Load()
}

// FlowsAnalyzed returns how many flows finished the full data path.
func (p *Pipeline) FlowsAnalyzed() uint64 {
	return p.flowsAnalyzed.Load()
}

// Analyze runs one feature vector through preprocessing, both models
// and the decision engine without persisting anything. Serves the
// synchronous /api/detection/analyze route.
func (p *Pipeline) Analyze(ctx context.Context, vec []float64, ipReputation float64) (decision.Result, error) {
	if !p.Ready() {
		return decision.Result{}, errors.New(errors.KindUnavailable, "model artifacts not loaded")
	}
	if err := ctx.Err(); err != nil {
		return decision.Result{}, errors.Wrap(err, errors.KindTimeout, "analysis aborted")
	}
	prepared, err := p.chain.Transform(vec)
	if err != nil {
		return decision.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return decision.Result{}, errors.Wrap(err, errors.KindTimeout, "analysis aborted")
	}
	sup, err := p.sup.Predict(prepared)
	if err != nil {
		return decision.Result{}, err
	}
	unsup, err := p.unsup.Predict(prepared)
	if err != nil {
		return decision.Result{}, err
	}
	return p.engine.Decide(sup, unsup, ipReputation), nil
}

// flowLoop is the sole ring consumer and the exclusive owner of the
// flow table. Single-consumer draining preserves per-key packet order
// without any further locking.
func (p *Pipeline) flowLoop(ctx context.Context) {
	defer p.wg.Done()
	defer close(p.queue)

	drain := time.NewTicker(drainInterval)
	defer drain.Stop()
	timeouts := time.NewTicker(timeoutInterval)
	defer timeouts.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain so buffered packets still reach the models,
			// then flush whatever is mid-conversation.
			p.drainRing()
			p.dispatch(p.builder.FlushAll())
			return
		case <-drain.C:
			p.drainRing()
		case <-timeouts.C:
			p.dispatch(p.builder.PollTimeouts(time.Now()))
			p.col.SetActiveFlows(p.builder.ActiveCount())
			p.col.SetRingUsage(p.ring.Len(), p.ring.Cap())
			p.col.SetQueueDepth(len(p.queue))
			p.syncCaptureCounters()
			p.flushPacketCounter()
		}
	}
}

func (p *Pipeline) drainRing() {
	for {
		batch := p.ring.PopBatch(drainBatch)
		if len(batch) == 0 {
			return
		}
		p.col.AddPackets(len(batch))
		p.pendingPackets.Add(int64(len(batch)))
		p.dispatch(p.builder.Ingest(batch))
		if len(batch) < drainBatch {
			return
		}
	}
}

// dispatch queues completed flows for inference, dropping when the
// queue is full rather than stalling the flow loop.
func (p *Pipeline) dispatch(completed []*flow.Flow) {
	for _, f := range completed {
		select {
		case p.queue <- f:
		default:
			p.queueDrops.Add(1)
			p.col.QueueDrop()
		}
	}
}

// syncCaptureCounters mirrors the sniffer's error and eviction totals
// into the metrics registry. Only the flow loop calls this, so the
// last-seen fields need no lock.
func (p *Pipeline) syncCaptureCounters() {
	status := p.sniffer.Status()
	for ; p.seenCaptureErrors < status.CaptureErrors; p.seenCaptureErrors++ {
		p.col.CaptureError()
	}
	for ; p.seenRingDrops < status.RingDrops; p.seenRingDrops++ {
		p.col.RingOverflow()
	}
}

// flushPacketCounter mirrors the packet count into Redis once per tick
// instead of per batch. Best-effort.
func (p *Pipeline) flushPacketCounter() {
	if p.bus == nil {
		return
	}
	if n := p.pendingPackets.Swap(0); n > 0 {
		p.bus.IncrCounter(context.Background(), pubsub.CounterPacketsProcessed, n)
	}
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for f := range p.queue {
		p.process(f)
	}
}

// process runs one completed flow through the inference stages, the
// decision engine, persistence and publication. All failures are
// terminal for the flow: the same flow will not reappear, so retrying
// beyond one attempt buys nothing.
func (p *Pipeline) process(f *flow.Flow) {
	if !p.Ready() {
		p.flowsSkipped.Add(1)
		return
	}

	start := time.Now()
	vec := features.Extract(f)

	prepared, err := p.chain.Transform(vec)
	if err != nil {
		p.logger.Warn("flow dropped, feature vector unrepairable", "flow", f.ID, "error", err)
		return
	}

	sup, err := p.sup.Predict(prepared)
	if err != nil {
		p.logger.Error("supervised prediction failed", "flow", f.ID, "error", err)
		return
	}
	unsup, err := p.unsup.Predict(prepared)
	if err != nil {
		p.logger.Error("unsupervised prediction failed", "flow", f.ID, "error", err)
		return
	}

	rep := unknownReputation
	if p.rep != nil {
		rep = p.rep.Lookup(context.Background(), f.SrcIP)
	}

	res := p.engine.Decide(sup, unsup, rep)
	p.col.PredictionMade()
	p.col.Decision(res.Decision)
	if unsup.IsAnomaly {
		p.col.AnomalyDetected()
	}
	p.col.ObserveInference(time.Since(start))

	det := p.buildDetection(f, sup, unsup, res)
	if !p.persist(det) {
		return
	}

	p.flowsAnalyzed.Add(1)
	p.col.FlowAnalyzed()
	p.mirrorCounters(unsup)

	if det.Alert != nil {
		p.col.AlertGenerated(det.Alert.Severity)
		p.publish(det.Alert, res.FinalRisk)
	}
}

// persist writes the detection transactionally, retrying a transient
// or timed-out write once. Reports whether the rows were committed.
func (p *Pipeline) persist(det store.Detection) bool {
	err := p.saveOnce(det)
	if errors.IsRetryable(err) {
		err = p.saveOnce(det)
	}
	if err != nil {
		p.storeFailures.Add(1)
		p.col.StoreFailure()
		p.logger.Error("detection not persisted, flow dropped", "flow", det.Flow.ID, "error", err)
		return false
	}
	return true
}

func (p *Pipeline) saveOnce(det store.Detection) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return p.store.SaveDetection(ctx, det)
}

// publish pushes the committed alert onto the realtime channel and
// folds the flow's risk into the rolling threat score. Failures count;
// the pipeline never fails on Redis.
func (p *Pipeline) publish(alert *store.AlertRecord, risk float64) {
	if p.bus == nil {
		return
	}
	ctx := context.Background()
	if err := p.bus.PublishAlert(ctx, alert); err != nil {
		p.publishFails.Add(1)
		p.col.PublishFailure()
		p.logger.Warn("alert publish failed", "alert", alert.ID, "error", err)
	}
	if score, err := p.bus.UpdateThreatScore(ctx, risk); err == nil {
		p.col.SetThreatScore(score)
	}
	p.bus.IncrCounter(ctx, pubsub.CounterAlertsGenerated, 1)
}

func (p *Pipeline) mirrorCounters(unsup model.UnsupervisedOutput) {
	if p.bus == nil {
		return
	}
	ctx := context.Background()
	p.bus.IncrCounter(ctx, pubsub.CounterFlowsAnalyzed, 1)
	p.bus.IncrCounter(ctx, pubsub.CounterPredictionsMade, 1)
	if unsup.IsAnomaly {
		p.bus.IncrCounter(ctx, pubsub.CounterAnomaliesDetected, 1)
	}
}

// buildDetection shapes one flow's results into the persisted records.
// The alert is nil for a normal verdict, which is what keeps the
// alert-iff-not-normal invariant in one place.
func (p *Pipeline) buildDetection(f *flow.Flow, sup model.SupervisedOutput, unsup model.UnsupervisedOutput, res decision.Result) store.Detection {
	now := time.Now().UTC()
	det := store.Detection{
		Flow: store.FlowRecord{
			ID:               f.ID,
			Timestamp:        f.FirstSeen,
			SrcIP:            f.SrcIP,
			DstIP:            f.DstIP,
			SrcPort:          int(f.SrcPort),
			DstPort:          int(f.DstPort),
			Protocol:         int(f.Protocol),
			Duration:         f.Duration().Seconds(),
			TotalFwdPackets:  int64(len(f.Fwd)),
			TotalBwdPackets:  int64(len(f.Bwd)),
			TotalBytes:       f.TotalBytes(),
			CompletionReason: f.CompletionReason,
		},
		Prediction: store.PredictionRecord{
			FlowID:             f.ID,
			Timestamp:          now,
			PredictedLabel:     sup.AttackType,
			Confidence:         sup.Confidence,
			ClassProbabilities: sup.Probabilities,
		},
		Anomaly: store.AnomalyRecord{
			FlowID:              f.ID,
			Timestamp:           now,
			ReconstructionError: unsup.ReconstructionError,
			AnomalyScore:        unsup.AnomalyScore,
			ThresholdUsed:       unsup.ThresholdUsed,
			IsAnomaly:           unsup.IsAnomaly,
		},
	}

	if res.IsAlert() {
		det.Alert = &store.AlertRecord{
			FlowID:      f.ID,
			Timestamp:   now,
			Severity:    res.Severity,
			AttackType:  res.AttackType,
			ThreatScore: res.FinalRisk,
			Decision:    res.Decision,
			Status:      "open",
			Priority:    res.Priority,
			Metadata: store.AlertMetadata{
				SrcIP:                f.SrcIP,
				DstIP:                f.DstIP,
				Priority:             res.Priority,
				Reasoning:            res.Reasoning,
				SupervisedConfidence: res.Confidence,
				AnomalyScore:         res.AnomalyScore,
			},
		}
	}
	return det
}

// retentionLoop periodically deletes flows past the retention window.
// A failed sweep logs and waits for the next tick.
func (p *Pipeline) retentionLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -p.cfg.RetentionDays)
			sweepCtx, cancel := context.WithTimeout(ctx, cleanupTimeout)
			n, err := p.store.Cleanup(sweepCtx, cutoff, p.cfg.RetentionDeleteBatch, p.cfg.RetentionKeepAlertedFlows)
			cancel()
			if err != nil {
				p.logger.Warn("retention sweep failed", "error", err)
				continue
			}
			if n > 0 {
				p.logger.Info("retention sweep removed flows", "flows", n, "cutoff", cutoff)
			}
		}
	}
}
