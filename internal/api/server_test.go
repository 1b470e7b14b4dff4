// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/nds/internal/config"
	"grimm.is/nds/internal/features"
	"grimm.is/nds/internal/health"
	"grimm.is/nds/internal/model"
	"grimm.is/nds/internal/pipeline"
	"grimm.is/nds/internal/store"
)

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

func newTestServer(t *testing.T, withModels bool) (*Server, *store.Store) {
	t.Helper()

	modelDir := t.TempDir()
	if withModels {
		writeArtifacts(t, modelDir)
	}

	cfg := config.Defaults()
	cfg.CaptureInterface = "nds-test-missing"
	cfg.ModelDir = modelDir
	cfg.DBPath = filepath.Join(t.TempDir(), "nds.db")
	cfg.RetentionEnabled = false

	st, err := store.Open(cfg.DBPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	p, err := pipeline.New(pipeline.Options{Settings: cfg, Store: st})
	require.NoError(t, err)

	return NewServer(ServerOptions{
		Settings: cfg,
		Pipeline: p,
		Store:    st,
	}), st
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthWithoutChecker(t *testing.T) {
	s, _ := newTestServer(t, true)
	rec := doJSON(t, s.Handler(), "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthReportsDependencies(t *testing.T) {
	s, _ := newTestServer(t, true)
	checker := health.NewChecker()
	checker.Register("database", func(ctx context.Context) health.Check {
		return health.Healthy("ok")
	})
	checker.Register("redis", func(ctx context.Context) health.Check {
		return health.Degraded("down")
	})
	s.checker = checker

	rec := doJSON(t, s.Handler(), "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report health.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, health.StatusDegraded, report.Status)
	assert.Len(t, report.Services, 2)
}

func TestAnalyzeWrongWidthIs422(t *testing.T) {
	s, _ := newTestServer(t, true)
	rec := doJSON(t, s.Handler(), "POST", "/api/detection/analyze",
		map[string]any{"features": []float64{1, 2, 3}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAnalyzeDegradedIs503(t *testing.T) {
	s, _ := newTestServer(t, false)
	rec := doJSON(t, s.Handler(), "POST", "/api/detection/analyze",
		map[string]any{"features": make([]float64, features.Count)})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAnalyzeReturnsDecision(t *testing.T) {
	s, _ := newTestServer(t, true)

	vec := make([]float64, features.Count)
	rep := 0.0
	rec := doJSON(t, s.Handler(), "POST", "/api/detection/analyze",
		map[string]any{"features": vec, "ip_reputation": rep})
	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		Decision  string  `json:"decision"`
		FinalRisk float64 `json:"final_risk_score"`
		Severity  string  `json:"severity"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	// Zero vector: BENIGN at 0.5 confidence, no anomaly, clean IP.
	assert.Equal(t, "normal", result.Decision)
	assert.Equal(t, "low", result.Severity)
	assert.InDelta(t, 0.25, result.FinalRisk, 1e-6)
}

func TestDetectionStatusDegraded(t *testing.T) {
	s, _ := newTestServer(t, false)
	rec := doJSON(t, s.Handler(), "GET", "/api/detection/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status       string `json:"status"`
		ModelsLoaded bool   `json:"models_loaded"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.False(t, body.ModelsLoaded)
}

func TestModelsStatusListsMissing(t *testing.T) {
	s, _ := newTestServer(t, false)
	rec := doJSON(t, s.Handler(), "GET", "/api/models/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report model.StatusReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.False(t, report.Ready)
	assert.Len(t, report.Missing, 6)
}

func TestCaptureStartUnknownInterface(t *testing.T) {
	s, _ := newTestServer(t, true)
	rec := doJSON(t, s.Handler(), "POST", "/api/detection/capture/start", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCaptureStatusIncludesActiveFlows(t *testing.T) {
	s, _ := newTestServer(t, true)
	rec := doJSON(t, s.Handler(), "GET", "/api/detection/capture/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ActiveFlows int `json:"active_flows"`
		Capture     struct {
			Running bool `json:"running"`
		} `json:"capture"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Capture.Running)
	assert.Zero(t, body.ActiveFlows)
}

func TestSetInterfaceRejectsUnknown(t *testing.T) {
	s, _ := newTestServer(t, true)
	rec := doJSON(t, s.Handler(), "PUT", "/api/detection/interface",
		map[string]string{"interface": "nds-test-missing"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAlertsEndpointFiltersAndPages(t *testing.T) {
	s, st := newTestServer(t, true)

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		sev := "high"
		if i == 2 {
			sev = "low"
		}
		det := store.Detection{
			Flow: store.FlowRecord{
				Timestamp: now.Add(time.Duration(i) * time.Second),
				SrcIP:     fmt.Sprintf("10.0.0.%d", i+1),
				DstIP:     "10.0.0.99",
				SrcPort:   1000 + i, DstPort: 80, Protocol: 6,
				CompletionReason: "timeout",
			},
			Prediction: store.PredictionRecord{Timestamp: now, PredictedLabel: "DDoS", Confidence: 0.9},
			Anomaly:    store.AnomalyRecord{Timestamp: now, AnomalyScore: 0.8, IsAnomaly: true},
			Alert: &store.AlertRecord{
				Timestamp: now.Add(time.Duration(i) * time.Second),
				Severity:  sev, ThreatScore: 0.8, Decision: "confirmed_attack",
				Priority: 2,
				Metadata: store.AlertMetadata{SrcIP: fmt.Sprintf("10.0.0.%d", i+1)},
			},
		}
		require.NoError(t, st.SaveDetection(context.Background(), det))
	}

	rec := doJSON(t, s.Handler(), "GET", "/api/alerts?severity=high", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Alerts []store.AlertRecord `json:"alerts"`
		Count  int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)

	rec = doJSON(t, s.Handler(), "GET", "/api/alerts/stats?hours=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats store.AlertStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.BySeverity["high"])
}

func TestThreatScoreWithoutRedisIs503(t *testing.T) {
	s, _ := newTestServer(t, true)
	rec := doJSON(t, s.Handler(), "GET", "/api/threat-score", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
