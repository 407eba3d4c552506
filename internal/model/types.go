package model

import "fmt"

const (
	ClassNoDisease = 0
	ClassDisease   = 1
)

// DefaultClasses names the two outputs of the kidney classifier.
var DefaultClasses = []string{"Normal", "Tumor"}

// Metadata is the optional sidecar shipped next to the ONNX artifact.
// Zero values are filled from the artifact itself.
type Metadata struct {
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
}

// DecisionRule selects how raw model output maps to a class.
type DecisionRule int

const (
	// RuleArgmax picks the index of the largest output value.
	RuleArgmax DecisionRule = iota + 1
	// RuleThreshold compares a single sigmoid score against 0.5.
	RuleThreshold
)

func (r DecisionRule) String() string {
	switch r {
	case RuleArgmax:
		return "argmax"
	case RuleThreshold:
		return "threshold"
	default:
		return fmt.Sprintf("DecisionRule(%d)", int(r))
	}
}

type PredictionRequest struct {
	Image []float32 `json:"image"`
}

type Prediction struct {
	Class   int       `json:"class"`
	Label   string    `json:"label"`
	Rule    string    `json:"rule"`
	Outputs []float32 `json:"outputs"`
}

// Diseased reports whether the prediction is the positive class.
func (p *Prediction) Diseased() bool {
	return p.Class == ClassDisease
}
