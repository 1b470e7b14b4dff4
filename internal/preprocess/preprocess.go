// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package preprocess prepares raw feature vectors for inference. The
// stages run in a fixed order: validate, select, scale. Swapping the
// selector and scaler silently corrupts predictions because the scaler
// statistics are fitted on the selected columns.
package preprocess

import (
	"math"
	"sync/atomic"

	"grimm.is/nds/internal/errors"
	"grimm.is/nds/internal/features"
	"grimm.is/nds/internal/logging"
)

// GlobalClip bounds every coordinate when no per-feature range is known.
const GlobalClip = 1e12

// Validator repairs non-finite values and clips outliers. A vector of
// the wrong width cannot be repaired and is rejected.
type Validator struct {
	width   int
	lo, hi  []float64
	logger  *logging.Logger
	repairs atomic.Int64
}

// NewValidator builds a validator for vectors of the given width. A
// width of zero or less defaults to the extractor's output width.
func NewValidator(width int, logger *logging.Logger) *Validator {
	if width <= 0 {
		width = features.Count
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Validator{width: width, logger: logger}
}

// SetBounds installs per-feature clip ranges. Both slices must match
// the validator width; otherwise the global clip stays in effect.
func (v *Validator) SetBounds(lo, hi []float64) {
	if len(lo) != v.width || len(hi) != v.width {
		return
	}
	v.lo, v.hi = lo, hi
}

// Validate returns a repaired copy of vec. NaN and ±Inf become 0,
// out-of-range values are clipped. Wrong-width vectors error.
func (v *Validator) Validate(vec []float64) ([]float64, error) {
	if len(vec) != v.width {
		err := errors.Errorf(errors.KindValidation,
			"feature vector has %d values, want %d", len(vec), v.width)
		err = errors.Attr(err, "expected_width", v.width)
		return nil, errors.Attr(err, "actual_width", len(vec))
	}
	out := make([]float64, v.width)
	repaired := 0
	for i, x := range vec {
		switch {
		case math.IsNaN(x) || math.IsInf(x, 0):
			x = 0
			repaired++
		default:
			lo, hi := -GlobalClip, GlobalClip
			if v.lo != nil {
				lo, hi = v.lo[i], v.hi[i]
			}
			if x < lo {
				x = lo
				repaired++
			} else if x > hi {
				x = hi
				repaired++
			}
		}
		out[i] = x
	}
	if repaired > 0 {
		v.repairs.Add(int64(repaired))
		v.logger.Warn("repaired feature vector", "repairs", repaired)
	}
	return out, nil
}

// Repairs returns the total number of repaired coordinates.
func (v *Validator) Repairs() int64 {
	return v.repairs.Load()
}

// Selector projects a vector onto the column subset the models were
// trained on.
type Selector struct {
	indices []int
	input   int
}

// NewSelector validates the index list against the input width. The
// list must be strictly increasing and in range.
func NewSelector(indices []int, inputWidth int) (*Selector, error) {
	if len(indices) == 0 {
		return nil, errors.New(errors.KindValidation, "feature selector has no indices")
	}
	prev := -1
	for _, idx := range indices {
		if idx < 0 || idx >= inputWidth {
			return nil, errors.Errorf(errors.KindValidation,
				"selector index %d out of range [0,%d)", idx, inputWidth)
		}
		if idx <= prev {
			return nil, errors.Errorf(errors.KindValidation,
				"selector indices not strictly increasing at %d", idx)
		}
		prev = idx
	}
	return &Selector{indices: append([]int(nil), indices...), input: inputWidth}, nil
}

// Apply returns the selected columns of vec.
func (s *Selector) Apply(vec []float64) []float64 {
	out := make([]float64, len(s.indices))
	for i, idx := range s.indices {
		out[i] = vec[idx]
	}
	return out
}

// Width returns the selected (output) dimension.
func (s *Selector) Width() int {
	return len(s.indices)
}

// Scaler standardises each coordinate with the training mean and scale.
type Scaler struct {
	mean  []float64
	scale []float64
}

// NewScaler builds a scaler from fitted statistics. Mean and scale must
// have equal length.
func NewScaler(mean, scale []float64) (*Scaler, error) {
	if len(mean) == 0 || len(mean) != len(scale) {
		return nil, errors.Errorf(errors.KindValidation,
			"scaler statistics mismatched: %d means, %d scales", len(mean), len(scale))
	}
	return &Scaler{
		mean:  append([]float64(nil), mean...),
		scale: append([]float64(nil), scale...),
	}, nil
}

// Apply returns (x − μ)/σ element-wise. A zero σ divides as 1 so the
// output is never NaN.
func (s *Scaler) Apply(vec []float64) ([]float64, error) {
	if len(vec) != len(s.mean) {
		return nil, errors.Errorf(errors.KindValidation,
			"scaler expects %d values, got %d", len(s.mean), len(vec))
	}
	out := make([]float64, len(vec))
	for i, x := range vec {
		sd := s.scale[i]
		if sd == 0 {
			sd = 1
		}
		out[i] = (x - s.mean[i]) / sd
	}
	return out, nil
}

// Width returns the scaler's expected input dimension.
func (s *Scaler) Width() int {
	return len(s.mean)
}

// Chain runs the full preparation pipeline. Safe for concurrent use;
// all state after construction is immutable except the repair counter.
type Chain struct {
	validator *Validator
	selector  *Selector
	scaler    *Scaler
}

// NewChain wires the three stages together, checking that the scaler
// statistics match the selector's output dimension.
func NewChain(v *Validator, sel *Selector, sc *Scaler) (*Chain, error) {
	if v == nil || sel == nil || sc == nil {
		return nil, errors.New(errors.KindValidation, "preprocessing chain is incomplete")
	}
	if sel.Width() != sc.Width() {
		return nil, errors.Errorf(errors.KindValidation,
			"selector emits %d features but scaler expects %d", sel.Width(), sc.Width())
	}
	return &Chain{validator: v, selector: sel, scaler: sc}, nil
}

// Transform prepares a raw extractor vector for the predictors.
func (c *Chain) Transform(raw []float64) ([]float64, error) {
	vec, err := c.validator.Validate(raw)
	if err != nil {
		return nil, err
	}
	return c.scaler.Apply(c.selector.Apply(vec))
}

// Width returns the prepared (model input) dimension.
func (c *Chain) Width() int {
	return c.scaler.Width()
}

// Repairs exposes the validator's repair counter.
func (c *Chain) Repairs() int64 {
	return c.validator.Repairs()
}
