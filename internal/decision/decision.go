// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package decision fuses the supervised classifier, the anomaly
// detector, and IP reputation into one verdict per flow.
package decision

import (
	"fmt"
	"math"
	"strings"

	"grimm.is/nds/internal/logging"
	"grimm.is/nds/internal/model"
)

// Verdict labels, ordered from most to least severe handling.
const (
	DecisionConfirmedAttack = "confirmed_attack"
	DecisionUnknownAnomaly  = "unknown_anomaly"
	DecisionSuspicious      = "suspicious"
	DecisionNormal          = "normal"
)

// Severity bands over the final risk score.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Risk thresholds for the severity bands.
const (
	criticalThreshold = 0.85
	highThreshold     = 0.65
	mediumThreshold   = 0.40
)

// confirmedConfidence is the classifier confidence needed to confirm
// an attack that the anomaly detector did not corroborate.
const confirmedConfidence = 0.80

// Weights blends the three risk sources. They are renormalised to sum
// to 1 at engine construction.
type Weights struct {
	Supervised   float64 `json:"supervised"`
	Unsupervised float64 `json:"unsupervised"`
	Reputation   float64 `json:"reputation"`
}

// DefaultWeights returns the standard 50/30/20 blend.
func DefaultWeights() Weights {
	return Weights{Supervised: 0.5, Unsupervised: 0.3, Reputation: 0.2}
}

// Details exposes the individual signals behind a verdict.
type Details struct {
	SupervisedRisk float64 `json:"supervised_risk"`
	AnomalyScore   float64 `json:"unsupervised_anomaly"`
	IPReputation   float64 `json:"ip_reputation"`
	IsAttack       bool    `json:"is_attack"`
	IsAnomaly      bool    `json:"is_anomaly"`
	Weights        Weights `json:"weights"`
}

// Result is the fused verdict for one flow. AttackType is empty unless
// the classifier declared an attack.
type Result struct {
	AttackType   string  `json:"attack_type,omitempty"`
	Confidence   float64 `json:"probability"`
	AnomalyScore float64 `json:"anomaly_score"`
	FinalRisk    float64 `json:"final_risk_score"`
	Severity     string  `json:"severity"`
	Decision     string  `json:"decision"`
	Priority     int     `json:"priority"`
	Reasoning    string  `json:"reasoning"`
	Details      Details `json:"details"`
}

// IsAlert reports whether this verdict produces an alert.
func (r Result) IsAlert() bool {
	return r.Decision != DecisionNormal
}

// Engine combines model outputs into verdicts. Stateless after
// construction; safe for concurrent use.
type Engine struct {
	w               Weights
	thresholdAttack float64
}

// NewEngine builds an engine. Weights that do not sum to 1 are
// renormalised with a log line; a non-positive sum falls back to the
// defaults. thresholdAttack is the risk level at which doubly-normal
// traffic is still flagged suspicious (default 0.7).
func NewEngine(w Weights, thresholdAttack float64, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	sum := w.Supervised + w.Unsupervised + w.Reputation
	switch {
	case sum <= 0 || math.IsNaN(sum):
		logger.Warn("fusion weights unusable, using defaults",
			"supervised", w.Supervised, "unsupervised", w.Unsupervised, "reputation", w.Reputation)
		w = DefaultWeights()
	case math.Abs(sum-1) > 1e-9:
		w.Supervised /= sum
		w.Unsupervised /= sum
		w.Reputation /= sum
		logger.Info("fusion weights renormalised",
			"supervised", w.Supervised, "unsupervised", w.Unsupervised, "reputation", w.Reputation)
	}
	if thresholdAttack <= 0 || thresholdAttack > 1 {
		thresholdAttack = 0.7
	}
	return &Engine{w: w, thresholdAttack: thresholdAttack}
}

// Decide fuses the three signals. It always returns a usable Result,
// clamping malformed reputation input instead of failing.
func (e *Engine) Decide(sup model.SupervisedOutput, unsup model.UnsupervisedOutput, ipReputation float64) Result {
	if math.IsNaN(ipReputation) {
		ipReputation = 0.5
	}
	ipReputation = clamp01(ipReputation)

	// High-confidence benign means low supervised risk.
	supRisk := sup.Confidence
	if !sup.IsAttack {
		supRisk = 1 - sup.Confidence
	}

	final := e.w.Supervised*supRisk +
		e.w.Unsupervised*unsup.AnomalyScore +
		e.w.Reputation*ipReputation
	final = round6(clamp01(final))

	verdict := e.verdict(sup.IsAttack, unsup.IsAnomaly, sup.Confidence, final)
	severity := SeverityFor(final)

	attackType := ""
	if sup.IsAttack {
		attackType = sup.AttackType
	}

	return Result{
		AttackType:   attackType,
		Confidence:   round6(sup.Confidence),
		AnomalyScore: round6(unsup.AnomalyScore),
		FinalRisk:    final,
		Severity:     severity,
		Decision:     verdict,
		Priority:     priorityFor(severity, verdict),
		Reasoning:    reason(sup, unsup, ipReputation, verdict),
		Details: Details{
			SupervisedRisk: round6(supRisk),
			AnomalyScore:   round6(unsup.AnomalyScore),
			IPReputation:   round6(ipReputation),
			IsAttack:       sup.IsAttack,
			IsAnomaly:      unsup.IsAnomaly,
			Weights:        e.w,
		},
	}
}

// verdict applies the decision matrix.
func (e *Engine) verdict(isAttack, isAnomaly bool, confidence, finalRisk float64) string {
	switch {
	case isAttack && isAnomaly:
		return DecisionConfirmedAttack
	case isAttack:
		if confidence >= confirmedConfidence {
			return DecisionConfirmedAttack
		}
		return DecisionSuspicious
	case isAnomaly:
		return DecisionUnknownAnomaly
	case finalRisk >= e.thresholdAttack:
		// Both models say normal but reputation pushed the score up.
		return DecisionSuspicious
	default:
		return DecisionNormal
	}
}

// SeverityFor maps a final risk score onto a severity band.
func SeverityFor(risk float64) string {
	switch {
	case risk >= criticalThreshold:
		return SeverityCritical
	case risk >= highThreshold:
		return SeverityHigh
	case risk >= mediumThreshold:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// priorityFor ranks severity and verdict into an operator priority,
// 1 (page now) through 5 (ignore until idle).
func priorityFor(severity, verdict string) int {
	type key struct{ sev, dec string }
	m := map[key]int{
		{SeverityCritical, DecisionConfirmedAttack}: 1,
		{SeverityCritical, DecisionUnknownAnomaly}:  1,
		{SeverityCritical, DecisionSuspicious}:      2,
		{SeverityHigh, DecisionConfirmedAttack}:     2,
		{SeverityHigh, DecisionUnknownAnomaly}:      2,
		{SeverityHigh, DecisionSuspicious}:          3,
		{SeverityMedium, DecisionConfirmedAttack}:   3,
		{SeverityMedium, DecisionUnknownAnomaly}:    3,
		{SeverityMedium, DecisionSuspicious}:        4,
	}
	if p, ok := m[key{severity, verdict}]; ok {
		return p
	}
	return 5
}

// reason produces a short operator-facing explanation of the verdict.
func reason(sup model.SupervisedOutput, unsup model.UnsupervisedOutput, rep float64, verdict string) string {
	var parts []string
	if sup.IsAttack {
		parts = append(parts, fmt.Sprintf("classified as %s (confidence %.2f)", sup.AttackType, sup.Confidence))
	} else {
		parts = append(parts, fmt.Sprintf("classified benign (confidence %.2f)", sup.Confidence))
	}
	if unsup.IsAnomaly {
		parts = append(parts, fmt.Sprintf("reconstruction error %.4g above threshold %.4g",
			unsup.ReconstructionError, unsup.ThresholdUsed))
	} else {
		parts = append(parts, "reconstruction error within baseline")
	}
	if rep >= 0.8 {
		parts = append(parts, fmt.Sprintf("source reputation %.2f (known bad)", rep))
	} else if rep != 0.5 {
		parts = append(parts, fmt.Sprintf("source reputation %.2f", rep))
	}
	return verdict + ": " + strings.Join(parts, "; ")
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func round6(x float64) float64 {
	return math.Round(x*1e6) / 1e6
}
