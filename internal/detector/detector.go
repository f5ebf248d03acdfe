// Package detector runs the object detection model over decoded pixel tensors.
package detector

import (
	"errors"
	"fmt"
	"time"

	"github.com/MeKo-Tech/snapdetect/internal/models"
	"github.com/MeKo-Tech/snapdetect/internal/onnx"
)

// ErrNotReady is returned by Detect before both the runtime and the model
// have been initialized.
var ErrNotReady = errors.New("detector not ready")

// InferenceError wraps a failure inside model execution or output decoding.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string { return "inference failed: " + e.Err.Error() }

func (e *InferenceError) Unwrap() error { return e.Err }

// Prediction is one detected object. BBox is [x, y, width, height] in pixels
// of the tensor that was fed to the model.
type Prediction struct {
	BBox  [4]float64 `json:"bbox"`
	Label string     `json:"class"`
	Score float64    `json:"score"`
}

// Candidate is a raw model output row before filtering. Box is
// [ymin, xmin, ymax, xmax] normalized to [0,1].
type Candidate struct {
	Box   [4]float64
	Class int
	Score float64
}

// Model is a loaded detection model. Infer receives HWC uint8 pixels.
// Implementations need not be safe for concurrent use.
type Model interface {
	Infer(pixels []uint8, height, width int) ([]Candidate, error)
	Close() error
}

// Config holds configuration for the detection runtime.
type Config struct {
	ModelPath   string         // Path to the ONNX detection model
	ModelURL    string         // Download source when ModelPath is missing
	LabelsPath  string         // Optional label map file, built-in COCO labels otherwise
	LibraryPath string         // Optional explicit onnxruntime shared library
	NumThreads  int            // Intra-op threads (0 = runtime default)
	MinScore    float64        // Minimum score kept (default: 0.5)
	IoU         float64        // NMS IoU threshold (default: 0.5)
	MaxBoxes    int            // Maximum predictions returned (default: 20)
	Timeout     time.Duration  // Bound on a single Detect wait (0 = unbounded)
	Warmup      int            // Warmup passes after model load
	GPU         onnx.GPUConfig // GPU acceleration configuration
}

// DefaultConfig returns a default detector configuration.
func DefaultConfig() Config {
	return Config{
		ModelPath: models.GetDetectionModelPath(""),
		ModelURL:  models.DefaultDetectionURL,
		MinScore:  0.5,
		IoU:       0.5,
		MaxBoxes:  20,
		GPU:       onnx.DefaultGPUConfig(),
	}
}

// UpdateModelPath re-resolves ModelPath against modelsDir.
func (c *Config) UpdateModelPath(modelsDir string) {
	c.ModelPath = models.GetDetectionModelPath(modelsDir)
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ModelPath == "" {
		return errors.New("model path cannot be empty")
	}
	if c.MinScore < 0 || c.MinScore > 1 {
		return fmt.Errorf("min score must be in [0,1], got %v", c.MinScore)
	}
	if c.IoU <= 0 || c.IoU > 1 {
		return fmt.Errorf("iou threshold must be in (0,1], got %v", c.IoU)
	}
	if c.MaxBoxes <= 0 {
		return fmt.Errorf("max boxes must be positive, got %d", c.MaxBoxes)
	}
	if c.NumThreads < 0 {
		return fmt.Errorf("num threads cannot be negative, got %d", c.NumThreads)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative, got %v", c.Timeout)
	}
	if c.Warmup < 0 {
		return fmt.Errorf("warmup cannot be negative, got %d", c.Warmup)
	}
	return onnx.ValidateGPUConfig(c.GPU)
}
