// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package model

import (
	"grimm.is/nds/internal/errors"
)

// SupervisedOutput is one classification result.
type SupervisedOutput struct {
	AttackType    string             `json:"attack_type"`
	Confidence    float64            `json:"probability"`
	IsAttack      bool               `json:"is_attack"`
	IsConfident   bool               `json:"is_confident"`
	Index         int                `json:"predicted_index"`
	Probabilities map[string]float64 `json:"class_probabilities"`
}

// SupervisedPredictor classifies prepared flows into attack types.
// Stateless and deterministic; safe for concurrent use.
type SupervisedPredictor struct {
	net           *Network
	labels        *LabelEncoder
	minConfidence float64
}

// NewSupervisedPredictor wires the classifier with its label encoder
// and the minimum confidence below which no attack is declared.
func NewSupervisedPredictor(net *Network, labels *LabelEncoder, minConfidence float64) *SupervisedPredictor {
	return &SupervisedPredictor{net: net, labels: labels, minConfidence: minConfidence}
}

// Predict classifies one prepared feature vector.
func (p *SupervisedPredictor) Predict(prepared []float64) (SupervisedOutput, error) {
	if p.net == nil {
		return SupervisedOutput{}, errors.New(errors.KindUnavailable, "supervised model not loaded")
	}
	probs, err := p.net.Forward(prepared)
	if err != nil {
		return SupervisedOutput{}, err
	}

	idx := argmax(probs)
	confidence := probs[idx]
	label := p.labels.Decode(idx)

	byClass := make(map[string]float64, len(probs))
	for i, pr := range probs {
		byClass[p.labels.Decode(i)] = round6(pr)
	}

	confident := confidence >= p.minConfidence
	return SupervisedOutput{
		AttackType:    label,
		Confidence:    round6(confidence),
		IsAttack:      !IsBenign(label) && confident,
		IsConfident:   confident,
		Index:         idx,
		Probabilities: byClass,
	}, nil
}
