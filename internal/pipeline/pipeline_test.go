// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/nds/internal/config"
	"grimm.is/nds/internal/decision"
	"grimm.is/nds/internal/errors"
	"grimm.is/nds/internal/features"
	"grimm.is/nds/internal/flow"
	"grimm.is/nds/internal/model"
	"grimm.is/nds/internal/store"
)

// writeArtifacts lays down the same minimal bundle the model tests use:
// selector picks features 0, 1 and 5, the classifier reads the first
// two of those as class logits, and the auto-encoder is the identity.
func writeArtifacts(t *testing.T, dir string) {
	t.Helper()
	files := map[string]string{
		model.FileSupervised: `{"layers":[{
			"weights":[[1,0],[0,1],[0,0]],
			"biases":[0,0],
			"activation":"softmax"}]}`,
		model.FileUnsupervised: `{"layers":[{
			"weights":[[1,0,0],[0,1,0],[0,0,1]],
			"biases":[0,0,0],
			"activation":"linear"}]}`,
		model.FileScaler:         `{"mean":[0,0,0],"scale":[1,1,1]}`,
		model.FileLabelEncoder:   `{"classes":["BENIGN","DDoS"]}`,
		model.FileSelector:       `{"indices":[0,1,5]}`,
		model.FileThresholdStats: `{"mean":0.01,"std":0.005,"threshold":0.025}`,
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
}

func testSettings(t *testing.T, modelDir string) config.Settings {
	t.Helper()
	s := config.Defaults()
	// A name that cannot resolve keeps live traffic out of the test.
	s.CaptureInterface = "nds-test-missing"
	s.ModelDir = modelDir
	s.DBPath = filepath.Join(t.TempDir(), "nds.db")
	s.InferenceWorkers = 1
	s.RetentionEnabled = false
	return s
}

func newTestPipeline(t *testing.T, withModels bool) (*Pipeline, *store.Store) {
	t.Helper()
	modelDir := t.TempDir()
	if withModels {
		writeArtifacts(t, modelDir)
	}
	s := testSettings(t, modelDir)

	st, err := store.Open(s.DBPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	p, err := New(Options{Settings: s, Store: st})
	require.NoError(t, err)
	return p, st
}

// benignFlow is a single-packet flow: destination port 80, zero
// duration. Through the fixture bundle it classifies BENIGN with full
// confidence and reconstructs exactly, so the verdict is normal.
func benignFlow() *flow.Flow {
	now := time.Now()
	return &flow.Flow{
		ID:        "flow-benign",
		SrcIP:     "10.0.0.1",
		DstIP:     "10.0.0.2",
		SrcPort:   50000,
		DstPort:   80,
		Protocol:  6,
		FirstSeen: now,
		LastSeen:  now,
		Fwd: []flow.PacketMeta{
			{Timestamp: now, Size: 60, Flags: 0x02},
		},
		FwdBytes:         60,
		CompletionReason: flow.ReasonTimeout,
	}
}

// attackFlow spans one second, so its duration feature (1e6 µs)
// dominates the DDoS logit.
func attackFlow() *flow.Flow {
	now := time.Now()
	return &flow.Flow{
		ID:        "flow-attack",
		SrcIP:     "203.0.113.9",
		DstIP:     "10.0.0.2",
		SrcPort:   44444,
		DstPort:   80,
		Protocol:  6,
		FirstSeen: now,
		LastSeen:  now.Add(time.Second),
		Fwd: []flow.PacketMeta{
			{Timestamp: now, Size: 60, Flags: 0x02},
			{Timestamp: now.Add(time.Second), Size: 60, Flags: 0x10},
		},
		FwdBytes:         120,
		CompletionReason: flow.ReasonTimeout,
	}
}

func TestNewWithoutArtifactsIsDegraded(t *testing.T) {
	p, _ := newTestPipeline(t, false)

	assert.False(t, p.Ready())

	_, err := p.Analyze(context.Background(), make([]float64, features.Count), 0.5)
	require.Error(t, err)
	assert.Equal(t, errors.KindUnavailable, errors.GetKind(err))

	status := p.ModelStatus()
	assert.False(t, status.Ready)
	assert.Len(t, status.Missing, 6)
}

func TestAnalyzeDeterministic(t *testing.T) {
	p, _ := newTestPipeline(t, true)
	require.True(t, p.Ready())

	vec := features.Extract(attackFlow())
	first, err := p.Analyze(context.Background(), vec, 0.5)
	require.NoError(t, err)

	assert.Equal(t, "DDoS", first.AttackType)
	assert.Equal(t, decision.DecisionConfirmedAttack, first.Decision)

	for i := 0; i < 5; i++ {
		again, err := p.Analyze(context.Background(), vec, 0.5)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestAnalyzeRejectsWrongWidth(t *testing.T) {
	p, _ := newTestPipeline(t, true)

	_, err := p.Analyze(context.Background(), []float64{1, 2, 3}, 0.5)
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}

func TestAnalyzeCanceledContext(t *testing.T) {
	p, _ := newTestPipeline(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	vec := features.Extract(attackFlow())
	_, err := p.Analyze(ctx, vec, 0.5)
	require.Error(t, err)
	assert.Equal(t, errors.KindTimeout, errors.GetKind(err))
}

func TestProcessPersistsBenignWithoutAlert(t *testing.T) {
	p, st := newTestPipeline(t, true)

	p.process(benignFlow())

	ctx := context.Background()
	flows, err := st.RecentFlows(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, "flow-benign", flows[0].ID)
	assert.Equal(t, int64(1), flows[0].TotalFwdPackets)

	alerts, err := st.Alerts(ctx, store.AlertFilter{})
	require.NoError(t, err)
	assert.Empty(t, alerts, "normal verdict must not create an alert row")

	assert.Equal(t, uint64(1), p.FlowsAnalyzed())
}

func TestProcessPersistsAttackWithAlert(t *testing.T) {
	p, st := newTestPipeline(t, true)

	p.process(attackFlow())

	ctx := context.Background()
	alerts, err := st.Alerts(ctx, store.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	a := alerts[0]
	assert.Equal(t, "flow-attack", a.FlowID)
	assert.Equal(t, decision.DecisionConfirmedAttack, a.Decision)
	assert.Equal(t, "DDoS", a.AttackType)
	assert.Equal(t, "open", a.Status)
	// risk = 0.5*1.0 + 0.3*0 + 0.2*0.5 = 0.6 → medium, priority 3
	assert.Equal(t, decision.SeverityMedium, a.Severity)
	assert.Equal(t, 3, a.Priority)
	assert.InDelta(t, 0.6, a.ThreatScore, 1e-6)
	assert.Equal(t, "203.0.113.9", a.Metadata.SrcIP)
}

func TestProcessSkipsWhenDegraded(t *testing.T) {
	p, st := newTestPipeline(t, false)

	p.process(attackFlow())

	flows, err := st.RecentFlows(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, flows, "degraded pipeline must not persist partial detections")
	assert.Equal(t, uint64(1), p.flowsSkipped.Load())
}

func TestDispatchDropsWhenQueueFull(t *testing.T) {
	p, _ := newTestPipeline(t, true)
	p.queue = make(chan *flow.Flow, 1)

	p.dispatch([]*flow.Flow{benignFlow(), attackFlow(), benignFlow()})

	assert.Equal(t, 1, len(p.queue))
	assert.Equal(t, uint64(2), p.QueueDrops())
}

func TestStartStopLifecycle(t *testing.T) {
	p, st := newTestPipeline(t, true)

	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()), "second start must be rejected")

	// Feed a completed flow through the queue while running.
	p.dispatch([]*flow.Flow{attackFlow()})

	assert.Eventually(t, func() bool {
		return p.FlowsAnalyzed() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop(), "stop must be idempotent")

	alerts, err := st.Alerts(context.Background(), store.AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}
