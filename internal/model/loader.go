// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package model

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"grimm.is/nds/internal/errors"
	"grimm.is/nds/internal/features"
	"grimm.is/nds/internal/logging"
	"grimm.is/nds/internal/preprocess"
)

// Fixed artifact file names inside the model directory.
const (
	FileSupervised     = "model_supervised.json"
	FileUnsupervised   = "model_unsupervised.json"
	FileScaler         = "scaler.json"
	FileLabelEncoder   = "label_encoder.json"
	FileSelector       = "feature_selector.json"
	FileThresholdStats = "threshold_stats.json"
)

var artifactFiles = []string{
	FileSupervised,
	FileUnsupervised,
	FileScaler,
	FileLabelEncoder,
	FileSelector,
	FileThresholdStats,
}

// ThresholdStats carries the training-set reconstruction error
// statistics used to calibrate the anomaly threshold.
type ThresholdStats struct {
	Mean      float64 `json:"mean"`
	Std       float64 `json:"std"`
	Threshold float64 `json:"threshold"`
}

type scalerFile struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

type encoderFile struct {
	Classes []string `json:"classes"`
}

type selectorFile struct {
	Indices []int `json:"indices"`
}

// Bundle holds every loaded artifact. All fields are immutable after
// LoadAll and safe to share across inference workers.
type Bundle struct {
	Supervised   *Network
	Unsupervised *Network
	Chain        *preprocess.Chain
	Labels       *LabelEncoder
	Stats        ThresholdStats
}

// ArtifactStatus describes one artifact file for the status API.
type ArtifactStatus struct {
	Loaded bool   `json:"loaded"`
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
}

// PipelineInfo summarises the loaded dimensions.
type PipelineInfo struct {
	InputFeatures    int `json:"input_features"`
	SelectedFeatures int `json:"selected_features"`
	Classes          int `json:"classes"`
}

// StatusReport is the payload behind /api/models/status.
type StatusReport struct {
	Ready     bool                      `json:"is_ready"`
	Artifacts map[string]ArtifactStatus `json:"artifacts"`
	Pipeline  PipelineInfo              `json:"pipeline"`
	Missing   []string                  `json:"missing"`
}

// Loader reads the artifact directory. Missing or malformed artifacts
// leave the detector in degraded mode rather than failing startup.
type Loader struct {
	dir    string
	logger *logging.Logger

	mu     sync.RWMutex
	bundle *Bundle
}

// NewLoader builds a loader for the given artifact directory.
func NewLoader(dir string, logger *logging.Logger) *Loader {
	if logger == nil {
		logger = logging.Default()
	}
	return &Loader{dir: dir, logger: logger.With("component", "model")}
}

// Dir returns the artifact directory.
func (l *Loader) Dir() string {
	return l.dir
}

// MissingArtifacts lists the required files absent from the directory.
func (l *Loader) MissingArtifacts() []string {
	var missing []string
	for _, name := range artifactFiles {
		if _, err := os.Stat(filepath.Join(l.dir, name)); err != nil {
			missing = append(missing, name)
		}
	}
	return missing
}

// Bundle returns the loaded artifacts, or nil in degraded mode.
func (l *Loader) Bundle() *Bundle {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.bundle
}

// Ready reports whether every artifact loaded.
func (l *Loader) Ready() bool {
	return l.Bundle() != nil
}

// LoadAll reads and cross-validates the six artifacts, then runs a
// zero-vector warm-up pass through both networks. It is all or
// nothing: any failure leaves the loader not ready.
func (l *Loader) LoadAll() (*Bundle, error) {
	if missing := l.MissingArtifacts(); len(missing) > 0 {
		return nil, errors.Errorf(errors.KindUnavailable,
			"missing model artifacts: %v", missing)
	}

	var (
		sup, unsup Network
		sc         scalerFile
		enc        encoderFile
		sel        selectorFile
		stats      ThresholdStats
	)
	steps := []struct {
		file string
		dst  any
	}{
		{FileSupervised, &sup},
		{FileUnsupervised, &unsup},
		{FileScaler, &sc},
		{FileLabelEncoder, &enc},
		{FileSelector, &sel},
		{FileThresholdStats, &stats},
	}
	for _, s := range steps {
		if err := l.readJSON(s.file, s.dst); err != nil {
			return nil, err
		}
	}

	if err := sup.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "supervised model")
	}
	if err := unsup.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "unsupervised model")
	}

	labels, err := NewLabelEncoder(enc.Classes)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, FileLabelEncoder)
	}
	selector, err := preprocess.NewSelector(sel.Indices, features.Count)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, FileSelector)
	}
	scaler, err := preprocess.NewScaler(sc.Mean, sc.Scale)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, FileScaler)
	}
	validator := preprocess.NewValidator(features.Count, l.logger)
	chain, err := preprocess.NewChain(validator, selector, scaler)
	if err != nil {
		return nil, err
	}

	// The scaler, both model inputs, and the auto-encoder output must
	// all agree on the selected width; the supervised output must match
	// the class count.
	if w := sup.InputWidth(); w != chain.Width() {
		return nil, errors.Errorf(errors.KindValidation,
			"supervised model expects %d features, pipeline emits %d", w, chain.Width())
	}
	if w := unsup.InputWidth(); w != chain.Width() {
		return nil, errors.Errorf(errors.KindValidation,
			"unsupervised model expects %d features, pipeline emits %d", w, chain.Width())
	}
	if w := unsup.OutputWidth(); w != chain.Width() {
		return nil, errors.Errorf(errors.KindValidation,
			"auto-encoder reconstructs %d features, want %d", w, chain.Width())
	}
	if w := sup.OutputWidth(); w != labels.Len() {
		return nil, errors.Errorf(errors.KindValidation,
			"supervised model emits %d classes, encoder has %d", w, labels.Len())
	}

	bundle := &Bundle{
		Supervised:   &sup,
		Unsupervised: &unsup,
		Chain:        chain,
		Labels:       labels,
		Stats:        stats,
	}
	l.warmup(bundle)

	l.mu.Lock()
	l.bundle = bundle
	l.mu.Unlock()

	l.logger.Info("model artifacts loaded",
		"dir", l.dir,
		"input_features", features.Count,
		"selected_features", chain.Width(),
		"classes", labels.Len())
	return bundle, nil
}

// warmup pushes a zero vector through both networks so the first real
// flow does not pay any lazy-initialisation cost. Failures only warn.
func (l *Loader) warmup(b *Bundle) {
	zero := make([]float64, b.Chain.Width())
	if _, err := b.Supervised.Forward(zero); err != nil {
		l.logger.Warn("supervised warm-up failed", "error", err)
	}
	if _, err := b.Unsupervised.Forward(zero); err != nil {
		l.logger.Warn("unsupervised warm-up failed", "error", err)
	}
}

// Status reports per-artifact state for the models API.
func (l *Loader) Status() StatusReport {
	l.mu.RLock()
	bundle := l.bundle
	l.mu.RUnlock()

	names := map[string]string{
		"supervised_model":   FileSupervised,
		"unsupervised_model": FileUnsupervised,
		"scaler":             FileScaler,
		"encoder":            FileLabelEncoder,
		"feature_selector":   FileSelector,
		"threshold_stats":    FileThresholdStats,
	}
	arts := make(map[string]ArtifactStatus, len(names))
	for key, file := range names {
		path := filepath.Join(l.dir, file)
		_, statErr := os.Stat(path)
		arts[key] = ArtifactStatus{
			Loaded: bundle != nil,
			Path:   path,
			Exists: statErr == nil,
		}
	}

	report := StatusReport{
		Ready:     bundle != nil,
		Artifacts: arts,
		Missing:   l.MissingArtifacts(),
	}
	if bundle != nil {
		report.Pipeline = PipelineInfo{
			InputFeatures:    features.Count,
			SelectedFeatures: bundle.Chain.Width(),
			Classes:          bundle.Labels.Len(),
		}
	}
	return report
}

func (l *Loader) readJSON(name string, dst any) error {
	path := filepath.Join(l.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "read %s", name)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return errors.Wrapf(err, errors.KindValidation, "parse %s", name)
	}
	return nil
}
