package detector

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/yalue/onnxruntime_go"

	"github.com/MeKo-Tech/snapdetect/internal/onnx"
)

// SSD output roles, in the order they are requested from the session.
const (
	outBoxes = iota
	outClasses
	outScores
	outCount
	numOutputs
)

var outputKeys = [numOutputs]string{"boxes", "classes", "scores", "num_detections"}

// ssdModel runs an SSD graph with a uint8 [1,H,W,3] input.
type ssdModel struct {
	session *onnxruntime_go.DynamicAdvancedSession
	input   string
	outputs [numOutputs]string
}

// openSSDModel creates the session. The ONNX Runtime environment must
// already be initialized.
func openSSDModel(cfg Config) (*ssdModel, error) {
	inputs, outputs, err := onnxruntime_go.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get model input/output info: %w", err)
	}
	if len(inputs) != 1 {
		return nil, fmt.Errorf("expected 1 input, got %d", len(inputs))
	}
	if dims := inputs[0].Dimensions; len(dims) != 4 || (dims[3] > 0 && dims[3] != onnx.Channels) {
		return nil, fmt.Errorf("expected NHWC input with %d channels, got %v", onnx.Channels, dims)
	}
	names, err := matchOutputs(outputs)
	if err != nil {
		return nil, err
	}

	sessionOptions, err := onnxruntime_go.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer func() {
		if err := sessionOptions.Destroy(); err != nil {
			slog.Warn("failed to destroy session options", "error", err)
		}
	}()

	if err := onnx.ConfigureSessionForGPU(sessionOptions, cfg.GPU); err != nil {
		return nil, fmt.Errorf("failed to configure GPU: %w", err)
	}
	if cfg.NumThreads > 0 {
		if err := sessionOptions.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			return nil, fmt.Errorf("failed to set thread count: %w", err)
		}
	}

	session, err := onnxruntime_go.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{inputs[0].Name}, names[:], sessionOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	slog.Debug("detection session created",
		"model_path", cfg.ModelPath,
		"input", inputs[0].Name,
		"outputs", names,
		"gpu_enabled", cfg.GPU.UseGPU)
	return &ssdModel{session: session, input: inputs[0].Name, outputs: names}, nil
}

// matchOutputs finds the four SSD outputs by name.
func matchOutputs(infos []onnxruntime_go.InputOutputInfo) ([numOutputs]string, error) {
	var names [numOutputs]string
	for _, info := range infos {
		lower := strings.ToLower(info.Name)
		for role, key := range outputKeys {
			if names[role] == "" && strings.Contains(lower, key) {
				names[role] = info.Name
				break
			}
		}
	}
	for role, name := range names {
		if name == "" {
			return names, fmt.Errorf("model has no %q output", outputKeys[role])
		}
	}
	return names, nil
}

func (m *ssdModel) Infer(pixels []uint8, height, width int) ([]Candidate, error) {
	if len(pixels) != height*width*onnx.Channels {
		return nil, fmt.Errorf("pixel buffer has %d bytes, want %d", len(pixels), height*width*onnx.Channels)
	}
	input, err := onnxruntime_go.NewTensor(onnxruntime_go.NewShape(1, int64(height), int64(width), onnx.Channels), pixels)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer func() {
		if err := input.Destroy(); err != nil {
			slog.Warn("failed to destroy input tensor", "error", err)
		}
	}()

	outputs := make([]onnxruntime_go.Value, numOutputs)
	if err := m.session.Run([]onnxruntime_go.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o == nil {
				continue
			}
			if err := o.Destroy(); err != nil {
				slog.Warn("failed to destroy output tensor", "error", err)
			}
		}
	}()

	var data [numOutputs][]float32
	for role, o := range outputs {
		vals, err := floatData(o)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", m.outputs[role], err)
		}
		data[role] = vals
	}
	count := len(data[outScores])
	if len(data[outCount]) > 0 {
		count = int(data[outCount][0])
	}
	return decodeSSD(data[outBoxes], data[outClasses], data[outScores], count)
}

// floatData extracts a tensor as float32 regardless of its numeric type.
func floatData(v onnxruntime_go.Value) ([]float32, error) {
	switch t := v.(type) {
	case *onnxruntime_go.Tensor[float32]:
		return t.GetData(), nil
	case *onnxruntime_go.Tensor[int64]:
		src := t.GetData()
		out := make([]float32, len(src))
		for i, x := range src {
			out[i] = float32(x)
		}
		return out, nil
	case *onnxruntime_go.Tensor[int32]:
		src := t.GetData()
		out := make([]float32, len(src))
		for i, x := range src {
			out[i] = float32(x)
		}
		return out, nil
	case nil:
		return nil, errors.New("missing output")
	default:
		return nil, fmt.Errorf("unsupported output type %T", v)
	}
}

// decodeSSD assembles candidates from flat SSD outputs.
func decodeSSD(boxes, classes, scores []float32, count int) ([]Candidate, error) {
	if count < 0 {
		return nil, fmt.Errorf("negative detection count %d", count)
	}
	if len(boxes) != 4*len(scores) || len(classes) != len(scores) {
		return nil, fmt.Errorf("inconsistent output sizes: boxes=%d classes=%d scores=%d",
			len(boxes), len(classes), len(scores))
	}
	if count > len(scores) {
		count = len(scores)
	}
	out := make([]Candidate, count)
	for i := range count {
		out[i] = Candidate{
			Box: [4]float64{
				float64(boxes[4*i]), float64(boxes[4*i+1]),
				float64(boxes[4*i+2]), float64(boxes[4*i+3]),
			},
			Class: int(classes[i]),
			Score: float64(scores[i]),
		}
	}
	return out, nil
}

func (m *ssdModel) Close() error {
	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.session = nil
	return err
}
