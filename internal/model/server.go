package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/Brownie44l1/renal-scan/internal/preprocess"
)

var ErrShapeMismatch = errors.New("input tensor shape does not match model")

type Options struct {
	ModelPath    string
	MetadataPath string
	LibraryPath  string
	// ImageSize fills spatial dimensions the artifact leaves dynamic.
	ImageSize int
}

// Server owns the ONNX session. It is created once at startup and shared by
// all requests; Run calls are serialized because the bound tensors are reused.
type Server struct {
	session      *ort.AdvancedSession
	Metadata     Metadata
	rule         DecisionRule
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	logger       *zap.Logger
	mu           sync.Mutex
}

func NewServer(opts Options, logger *zap.Logger) (*Server, error) {
	if opts.LibraryPath != "" {
		ort.SetSharedLibraryPath(opts.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	metadata, err := loadMetadata(opts.MetadataPath)
	if err != nil {
		return nil, err
	}
	if err := resolveMetadata(opts.ModelPath, opts.ImageSize, &metadata); err != nil {
		return nil, err
	}

	rule, err := RuleForOutputShape(metadata.OutputShape)
	if err != nil {
		return nil, fmt.Errorf("invalid model output: %w", err)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(opts.ModelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	logger.Info("model loaded",
		zap.String("path", opts.ModelPath),
		zap.Int64s("input_shape", metadata.InputShape),
		zap.Int64s("output_shape", metadata.OutputShape),
		zap.Stringer("rule", rule),
		zap.Strings("classes", metadata.Classes))

	return &Server{
		session:      session,
		Metadata:     metadata,
		rule:         rule,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		logger:       logger.Named("model"),
	}, nil
}

// loadMetadata reads the sidecar file. A missing file yields empty metadata.
func loadMetadata(path string) (Metadata, error) {
	var metadata Metadata
	if path == "" {
		return metadata, nil
	}

	metaFile, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return metadata, nil
	}
	if err != nil {
		return metadata, fmt.Errorf("failed to read metadata: %w", err)
	}

	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return metadata, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return metadata, nil
}

// resolveMetadata fills names and shapes the sidecar left out from the
// artifact's declared inputs and outputs. Dynamic height and width take the
// sidecar image_size, then imageSize.
func resolveMetadata(modelPath string, imageSize int, metadata *Metadata) error {
	if metadata.InputName == "" || metadata.OutputName == "" ||
		len(metadata.InputShape) == 0 || len(metadata.OutputShape) == 0 {
		inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
		if err != nil {
			return fmt.Errorf("failed to inspect model: %w", err)
		}
		if len(inputs) != 1 || len(outputs) != 1 {
			return fmt.Errorf("expected one input and one output, got %d and %d", len(inputs), len(outputs))
		}
		if metadata.InputName == "" {
			metadata.InputName = inputs[0].Name
		}
		if metadata.OutputName == "" {
			metadata.OutputName = outputs[0].Name
		}
		if len(metadata.InputShape) == 0 {
			metadata.InputShape = []int64(inputs[0].Dimensions)
		}
		if len(metadata.OutputShape) == 0 {
			metadata.OutputShape = []int64(outputs[0].Dimensions)
		}
	}

	metadata.InputShape = fixBatch(metadata.InputShape)
	metadata.OutputShape = fixBatch(metadata.OutputShape)
	if len(metadata.Classes) == 0 {
		metadata.Classes = DefaultClasses
	}

	if metadata.ImageSize == 0 {
		metadata.ImageSize = imageSize
	}
	if len(metadata.InputShape) == 4 {
		for _, axis := range []int{1, 2} {
			if metadata.InputShape[axis] <= 0 {
				if metadata.ImageSize <= 0 {
					return fmt.Errorf("model input shape %v is dynamic and no image size is configured", metadata.InputShape)
				}
				metadata.InputShape[axis] = int64(metadata.ImageSize)
			}
		}
	}
	return validateInputShape(metadata)
}

// fixBatch pins a dynamic batch axis (reported as -1 or 0) to one. Other
// dimensions are left untouched.
func fixBatch(shape []int64) []int64 {
	fixed := make([]int64, len(shape))
	copy(fixed, shape)
	if len(fixed) > 0 && fixed[0] <= 0 {
		fixed[0] = 1
	}
	return fixed
}

func validateInputShape(metadata *Metadata) error {
	shape := metadata.InputShape
	if len(shape) != 4 || shape[0] != 1 || shape[3] != preprocess.Channels || shape[1] <= 0 || shape[1] != shape[2] {
		return fmt.Errorf("unsupported model input shape %v, want [1 H W 3]", shape)
	}
	// A fixed artifact size wins over a configured one.
	metadata.ImageSize = int(shape[1])
	return nil
}

// Rule is the decision rule chosen when the artifact was loaded.
func (s *Server) Rule() DecisionRule {
	return s.rule
}

// ImageSize is the square input resolution the model was exported with.
func (s *Server) ImageSize() int {
	return s.Metadata.ImageSize
}

// Classify runs one forward pass and maps the output to a class.
func (s *Server) Classify(ctx context.Context, tensor *preprocess.Tensor) (*Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := CheckShape(s.Metadata.InputShape, tensor); err != nil {
		return nil, err
	}

	outputs, err := s.run(tensor.Data)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("inference complete", zap.Float32s("outputs", outputs))
	return Decide(s.rule, s.Metadata.Classes, outputs)
}

func (s *Server) run(input []float32) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy(s.inputTensor.GetData(), input)

	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	// Only the first batch item is populated.
	width := int(s.Metadata.OutputShape[len(s.Metadata.OutputShape)-1])
	outputData := s.outputTensor.GetData()
	outputs := make([]float32, width)
	copy(outputs, outputData[:width])
	return outputs, nil
}

// CheckShape verifies a tensor matches the expected model input.
func CheckShape(want []int64, tensor *preprocess.Tensor) error {
	if tensor == nil {
		return fmt.Errorf("%w: nil tensor", ErrShapeMismatch)
	}
	if len(tensor.Shape) != len(want) {
		return fmt.Errorf("%w: got %v, want %v", ErrShapeMismatch, tensor.Shape, want)
	}
	for i := range want {
		if tensor.Shape[i] != want[i] {
			return fmt.Errorf("%w: got %v, want %v", ErrShapeMismatch, tensor.Shape, want)
		}
	}
	if len(tensor.Data) != preprocess.ShapeSize(want) {
		return fmt.Errorf("%w: expected %d values, got %d", ErrShapeMismatch, preprocess.ShapeSize(want), len(tensor.Data))
	}
	return nil
}

// Decide applies rule to raw outputs and builds the reported prediction.
func Decide(rule DecisionRule, classes []string, outputs []float32) (*Prediction, error) {
	idx, err := rule.Apply(outputs)
	if err != nil {
		return nil, err
	}
	class := binaryClass(idx)
	return &Prediction{
		Class:   class,
		Label:   labelFor(classes, idx, class),
		Rule:    rule.String(),
		Outputs: outputs,
	}, nil
}

func (s *Server) Close() {
	if s.inputTensor != nil {
		s.inputTensor.Destroy()
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
	}
	if s.session != nil {
		s.session.Destroy()
	}
	ort.DestroyEnvironment()
}
