package model

import (
	"errors"
	"fmt"
)

const SigmoidThreshold = 0.5

var ErrEmptyOutput = errors.New("model produced no output")

// RuleForOutputShape chooses the decision rule from the declared output
// width, which is the last dimension of the output shape.
func RuleForOutputShape(shape []int64) (DecisionRule, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("output shape is empty")
	}
	width := shape[len(shape)-1]
	switch {
	case width > 1:
		return RuleArgmax, nil
	case width == 1:
		return RuleThreshold, nil
	default:
		return 0, fmt.Errorf("unsupported output width %d", width)
	}
}

// Apply maps the output of a single batch item to a class index.
// Argmax ties resolve to the lowest index.
func (r DecisionRule) Apply(outputs []float32) (int, error) {
	if len(outputs) == 0 {
		return 0, ErrEmptyOutput
	}

	switch r {
	case RuleArgmax:
		maxIdx := 0
		maxVal := outputs[0]
		for i, val := range outputs {
			if val > maxVal {
				maxVal = val
				maxIdx = i
			}
		}
		return maxIdx, nil
	case RuleThreshold:
		if outputs[0] > SigmoidThreshold {
			return ClassDisease, nil
		}
		return ClassNoDisease, nil
	default:
		return 0, fmt.Errorf("unknown decision rule %d", int(r))
	}
}

// binaryClass folds an argmax index into the two classes the service reports.
// Index 0 is the healthy class; every other index counts as disease.
func binaryClass(idx int) int {
	if idx == ClassNoDisease {
		return ClassNoDisease
	}
	return ClassDisease
}

// labelFor names the raw output index, so a multi-class artifact reports the
// class that actually won even though the verdict stays binary.
func labelFor(classes []string, idx, class int) string {
	if len(classes) >= 2 && idx < len(classes) {
		return classes[idx]
	}
	return DefaultClasses[class]
}
