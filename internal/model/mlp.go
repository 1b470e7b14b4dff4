// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package model loads pre-trained inference artifacts and runs the two
// detection models. No training happens here; the networks are frozen
// weight dumps evaluated with plain float64 arithmetic.
package model

import (
	"math"

	"grimm.is/nds/internal/errors"
)

// Supported layer activations.
const (
	ActivationReLU    = "relu"
	ActivationSoftmax = "softmax"
	ActivationSigmoid = "sigmoid"
	ActivationLinear  = "linear"
)

// Layer is one dense layer. Weights are row-major with one row per
// input unit, matching the exported Keras kernel shape (in, out).
type Layer struct {
	Weights    [][]float64 `json:"weights"`
	Biases     []float64   `json:"biases"`
	Activation string      `json:"activation"`
}

// Network is a dense feed-forward model.
type Network struct {
	Layers []Layer `json:"layers"`
}

// InputWidth returns the expected input dimension.
func (n *Network) InputWidth() int {
	if len(n.Layers) == 0 {
		return 0
	}
	return len(n.Layers[0].Weights)
}

// OutputWidth returns the output dimension.
func (n *Network) OutputWidth() int {
	if len(n.Layers) == 0 {
		return 0
	}
	return len(n.Layers[len(n.Layers)-1].Biases)
}

// Validate checks layer shapes and activations once at load time so
// Forward can skip per-call shape checks beyond the input width.
func (n *Network) Validate() error {
	if len(n.Layers) == 0 {
		return errors.New(errors.KindValidation, "network has no layers")
	}
	prevOut := -1
	for li, l := range n.Layers {
		if len(l.Weights) == 0 {
			return errors.Errorf(errors.KindValidation, "layer %d has no weights", li)
		}
		out := len(l.Biases)
		if out == 0 {
			return errors.Errorf(errors.KindValidation, "layer %d has no biases", li)
		}
		for ri, row := range l.Weights {
			if len(row) != out {
				return errors.Errorf(errors.KindValidation,
					"layer %d row %d has %d weights, want %d", li, ri, len(row), out)
			}
		}
		if prevOut >= 0 && len(l.Weights) != prevOut {
			return errors.Errorf(errors.KindValidation,
				"layer %d expects %d inputs but layer %d emits %d", li, len(l.Weights), li-1, prevOut)
		}
		switch l.Activation {
		case ActivationReLU, ActivationSoftmax, ActivationSigmoid, ActivationLinear:
		default:
			return errors.Errorf(errors.KindValidation,
				"layer %d has unknown activation %q", li, l.Activation)
		}
		prevOut = out
	}
	return nil
}

// Forward evaluates the network on a single sample.
func (n *Network) Forward(input []float64) ([]float64, error) {
	if len(n.Layers) == 0 {
		return nil, errors.New(errors.KindValidation, "network has no layers")
	}
	if len(input) != n.InputWidth() {
		return nil, errors.Errorf(errors.KindValidation,
			"network expects %d inputs, got %d", n.InputWidth(), len(input))
	}
	vec := input
	for i := range n.Layers {
		vec = n.Layers[i].apply(vec)
	}
	return vec, nil
}

func (l *Layer) apply(in []float64) []float64 {
	out := make([]float64, len(l.Biases))
	copy(out, l.Biases)
	for i, x := range in {
		if x == 0 {
			continue
		}
		row := l.Weights[i]
		for j, w := range row {
			out[j] += x * w
		}
	}
	switch l.Activation {
	case ActivationReLU:
		for j, v := range out {
			if v < 0 {
				out[j] = 0
			}
		}
	case ActivationSigmoid:
		for j, v := range out {
			out[j] = 1 / (1 + math.Exp(-v))
		}
	case ActivationSoftmax:
		softmax(out)
	}
	return out
}

// softmax normalises in place, shifting by the max for stability.
func softmax(v []float64) {
	max := v[0]
	for _, x := range v[1:] {
		if x > max {
			max = x
		}
	}
	var sum float64
	for j, x := range v {
		e := math.Exp(x - max)
		v[j] = e
		sum += e
	}
	if sum == 0 {
		return
	}
	for j := range v {
		v[j] /= sum
	}
}

// argmax returns the index of the largest value, first on ties.
func argmax(v []float64) int {
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}
	return best
}

func round6(x float64) float64 {
	return math.Round(x*1e6) / 1e6
}
