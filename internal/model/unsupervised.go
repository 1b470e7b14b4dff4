// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package model

import (
	"math"

	"grimm.is/nds/internal/errors"
	"grimm.is/nds/internal/logging"
)

// Fallback baseline when the threshold statistics are unusable.
const (
	fallbackErrMean = 0.01
	fallbackErrStd  = 0.005
)

// zMax normalises the anomaly z-score into [0,1].
const zMax = 10.0

// UnsupervisedOutput is one anomaly-detection result.
type UnsupervisedOutput struct {
	ReconstructionError float64 `json:"reconstruction_error"`
	AnomalyScore        float64 `json:"anomaly_score"`
	IsAnomaly           bool    `json:"is_anomaly"`
	ThresholdUsed       float64 `json:"threshold"`
	ZScore              float64 `json:"z_score"`
}

// UnsupervisedPredictor scores flows by auto-encoder reconstruction
// error. The encoder was trained on benign traffic only, so traffic it
// cannot reconstruct is anomalous. Stateless after construction.
type UnsupervisedPredictor struct {
	net       *Network
	mean      float64
	std       float64
	threshold float64
	k         float64
}

// NewUnsupervisedPredictor calibrates the detector with the training
// error statistics. Unusable stats (non-positive or non-finite σ, or a
// non-finite μ) fall back to a fixed baseline with a warning.
func NewUnsupervisedPredictor(net *Network, stats ThresholdStats, k float64, logger *logging.Logger) *UnsupervisedPredictor {
	if logger == nil {
		logger = logging.Default()
	}
	if k <= 0 {
		k = 3.0
	}
	mean, std := stats.Mean, stats.Std
	if std <= 0 || math.IsNaN(std) || math.IsInf(std, 0) || math.IsNaN(mean) || math.IsInf(mean, 0) {
		logger.Warn("threshold statistics unusable, using fallback baseline",
			"mean", stats.Mean, "std", stats.Std,
			"fallback_mean", fallbackErrMean, "fallback_std", fallbackErrStd)
		mean, std = fallbackErrMean, fallbackErrStd
	}
	return &UnsupervisedPredictor{
		net:       net,
		mean:      mean,
		std:       std,
		threshold: mean + k*std,
		k:         k,
	}
}

// Threshold returns the calibrated anomaly threshold μ + kσ.
func (p *UnsupervisedPredictor) Threshold() float64 {
	return p.threshold
}

// Predict reconstructs one prepared vector and scores the error.
func (p *UnsupervisedPredictor) Predict(prepared []float64) (UnsupervisedOutput, error) {
	if p.net == nil {
		return UnsupervisedOutput{}, errors.New(errors.KindUnavailable, "unsupervised model not loaded")
	}
	reconstructed, err := p.net.Forward(prepared)
	if err != nil {
		return UnsupervisedOutput{}, err
	}
	mse := 0.0
	for i, x := range prepared {
		d := x - reconstructed[i]
		mse += d * d
	}
	mse /= float64(len(prepared))

	z := (mse - p.mean) / p.std
	score := z / zMax
	if score < 0 {
		score = 0
	} else if score > 1 {
		score = 1
	}

	return UnsupervisedOutput{
		ReconstructionError: mse,
		AnomalyScore:        round6(score),
		IsAnomaly:           mse > p.threshold,
		ThresholdUsed:       p.threshold,
		ZScore:              z,
	}, nil
}
