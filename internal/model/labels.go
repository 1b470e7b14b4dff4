// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package model

import (
	"fmt"
	"strings"

	"grimm.is/nds/internal/errors"
)

// LabelEncoder maps class indices to attack-type names and back,
// mirroring the encoder fitted at training time.
type LabelEncoder struct {
	classes []string
	byName  map[string]int
}

// NewLabelEncoder builds an encoder from the ordered class list.
func NewLabelEncoder(classes []string) (*LabelEncoder, error) {
	if len(classes) == 0 {
		return nil, errors.New(errors.KindValidation, "label encoder has no classes")
	}
	byName := make(map[string]int, len(classes))
	for i, c := range classes {
		if c == "" {
			return nil, errors.Errorf(errors.KindValidation, "label encoder class %d is empty", i)
		}
		if _, dup := byName[c]; dup {
			return nil, errors.Errorf(errors.KindValidation, "duplicate class %q", c)
		}
		byName[c] = i
	}
	return &LabelEncoder{classes: append([]string(nil), classes...), byName: byName}, nil
}

// Decode returns the class name for an index. Out-of-range indices get
// a synthetic name rather than an error so a malformed model output
// still produces a usable record.
func (e *LabelEncoder) Decode(idx int) string {
	if idx < 0 || idx >= len(e.classes) {
		return fmt.Sprintf("class_%d", idx)
	}
	return e.classes[idx]
}

// Encode returns the index for a class name, or -1 when unknown.
func (e *LabelEncoder) Encode(name string) int {
	if idx, ok := e.byName[name]; ok {
		return idx
	}
	return -1
}

// Classes returns a copy of the ordered class list.
func (e *LabelEncoder) Classes() []string {
	return append([]string(nil), e.classes...)
}

// Len returns the number of classes.
func (e *LabelEncoder) Len() int {
	return len(e.classes)
}

// IsBenign reports whether a label names normal traffic.
func IsBenign(label string) bool {
	switch strings.ToUpper(label) {
	case "BENIGN", "NORMAL", "LEGITIMATE":
		return true
	}
	return false
}
