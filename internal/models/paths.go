package models

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Model and label file names.
const (
	// Detection models.
	DetectionSSDMobileNet = "ssd_mobilenet_v1_12.onnx"

	// Label maps.
	LabelsCOCO = "coco_labels.txt"
)

// DefaultDetectionURL is where the detection model is fetched from when it
// is missing locally.
const DefaultDetectionURL = "https://github.com/onnx/models/raw/main/validated/vision/" +
	"object_detection_segmentation/ssd-mobilenetv1/model/ssd_mobilenet_v1_12.onnx"

// Model type categories for organized directory structure.
const (
	TypeDetection = "detection"
	TypeLabels    = "labels"
)

// Default models directory.
const DefaultModelsDir = "models"

// Environment variable for models directory override.
const EnvModelsDir = "SNAPDETECT_MODELS_DIR"

// findProjectRoot finds the project root by looking for go.mod.
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", errors.New("could not find project root (go.mod not found)")
}

// ModelInfo contains metadata about a model file.
type ModelInfo struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Filename    string `json:"filename"`
	URL         string `json:"url,omitempty"`
}

// GetModelsDir returns the models directory path from various sources
// Priority: 1. Explicit modelsDir parameter, 2. Environment variable, 3. Project root + default.
func GetModelsDir(modelsDir string) string {
	if modelsDir != "" {
		return modelsDir
	}

	if envDir := os.Getenv(EnvModelsDir); envDir != "" {
		return envDir
	}

	if projectRoot, err := findProjectRoot(); err == nil {
		return filepath.Join(projectRoot, DefaultModelsDir)
	}

	return DefaultModelsDir
}

// ResolveModelPath resolves a filename under the models directory. The
// organized <type>/<file> layout wins when it exists, otherwise the flat
// layout is returned.
func ResolveModelPath(modelsDir, modelType, filename string) string {
	baseDir := GetModelsDir(modelsDir)

	if modelType != "" {
		organizedPath := filepath.Join(baseDir, modelType, filename)
		if _, err := os.Stat(organizedPath); err == nil {
			return organizedPath
		}
	}

	return filepath.Join(baseDir, filename)
}

// GetDetectionModelPath returns the path for the detection model. When the
// file is not present anywhere yet, the organized location is returned so a
// download lands there.
func GetDetectionModelPath(modelsDir string) string {
	p := ResolveModelPath(modelsDir, TypeDetection, DetectionSSDMobileNet)
	if _, err := os.Stat(p); err != nil {
		return filepath.Join(GetModelsDir(modelsDir), TypeDetection, DetectionSSDMobileNet)
	}
	return p
}

// GetLabelsPath returns the path for a label map file.
func GetLabelsPath(modelsDir, filename string) string {
	return ResolveModelPath(modelsDir, TypeLabels, filename)
}

// ValidateModelExists checks if a model file exists at the given path.
func ValidateModelExists(modelPath string) error {
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		return fmt.Errorf("model file not found: %s", modelPath)
	}
	return nil
}

// ListAvailableModels returns information about the known model files.
func ListAvailableModels() []ModelInfo {
	return []ModelInfo{
		{
			Name:        "ssd-mobilenet-v1",
			Type:        TypeDetection,
			Description: "SSD MobileNet v1 COCO object detector",
			Filename:    DetectionSSDMobileNet,
			URL:         DefaultDetectionURL,
		},
		{
			Name:        "coco-labels",
			Type:        TypeLabels,
			Description: "COCO class label map (optional, built in by default)",
			Filename:    LabelsCOCO,
		},
	}
}
