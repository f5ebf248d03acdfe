package config

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MeKo-Tech/snapdetect/internal/acquire"
	"github.com/MeKo-Tech/snapdetect/internal/detector"
	"github.com/MeKo-Tech/snapdetect/internal/display"
	"github.com/MeKo-Tech/snapdetect/internal/models"
	"github.com/MeKo-Tech/snapdetect/internal/onnx"
	"github.com/MeKo-Tech/snapdetect/internal/pipeline"
	"github.com/MeKo-Tech/snapdetect/internal/preprocess"
)

const (
	infoLevel  = "info"
	formatJSON = "json"
	formatText = "text"
)

// DefaultConfig returns a configuration with the detection screen defaults:
// 900 pixel JPEG preparation, a 280x280 display square, a 4:3 crop hint and
// coco-ssd postprocessing.
func DefaultConfig() Config {
	det := detector.DefaultConfig()
	prep := preprocess.DefaultConfig()
	overlay := display.DefaultOverlayOptions()
	pick := acquire.DefaultPickOptions()

	return Config{
		ModelsDir: models.DefaultModelsDir,
		LogLevel:  infoLevel,
		LogFormat: formatJSON,
		Detector: DetectorConfig{
			ModelURL:   det.ModelURL,
			NumThreads: det.NumThreads,
			MinScore:   det.MinScore,
			IoU:        det.IoU,
			MaxBoxes:   det.MaxBoxes,
		},
		GPU: GPUConfig{
			MemoryLimit: "auto",
		},
		Preprocess: PreprocessConfig{
			TargetWidth: prep.TargetWidth,
			Format:      prep.Format,
			Quality:     prep.Quality,
			Persist:     prep.Persist,
		},
		Display: DisplayConfig{
			Width:       overlay.Width,
			Height:      overlay.Height,
			BorderWidth: overlay.BorderWidth,
			Captions:    overlay.Captions,
		},
		Pick: PickConfig{
			AllowsEditing: pick.AllowsEditing,
			Aspect:        pick.Aspect.String(),
			Quality:       pick.Quality,
		},
		Output: OutputConfig{
			Format: formatText,
		},
		Watch: WatchConfig{
			SettleMS: 200,
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			CORSOrigin:      "*",
			MaxUploadMB:     20,
			TimeoutSec:      30,
			ShutdownTimeout: 10,
			OverlayEnabled:  true,
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 60,
				RequestsPerHour:   1000,
			},
		},
	}
}

// Validate validates the configuration and returns the first problem found.
func (c *Config) Validate() error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}
	validFormats := []string{formatJSON, formatText}
	if c.LogFormat != "" && !slices.Contains(validFormats, c.LogFormat) {
		return fmt.Errorf("invalid log format: %s (must be one of: %s)", c.LogFormat, strings.Join(validFormats, ", "))
	}
	if c.Output.Format != "" && !slices.Contains(validFormats, c.Output.Format) {
		return fmt.Errorf("invalid output format: %s (must be one of: %s)", c.Output.Format, strings.Join(validFormats, ", "))
	}

	if err := validateThreshold(c.Detector.MinScore, "detector.min_score"); err != nil {
		return err
	}
	if err := validateThreshold(c.Detector.IoU, "detector.iou"); err != nil {
		return err
	}
	if err := validateThreshold(c.Pick.Quality, "pick.quality"); err != nil {
		return err
	}
	if c.Detector.MaxBoxes <= 0 {
		return fmt.Errorf("invalid detector max boxes: %d (must be positive)", c.Detector.MaxBoxes)
	}
	if c.Detector.NumThreads < 0 || c.Detector.TimeoutMS < 0 || c.Detector.Warmup < 0 {
		return errors.New("detector num_threads, timeout_ms and warmup cannot be negative")
	}

	if c.Preprocess.TargetWidth <= 0 {
		return fmt.Errorf("invalid preprocess target width: %d (must be positive)", c.Preprocess.TargetWidth)
	}
	if c.Preprocess.Format != preprocess.FormatJPEG && c.Preprocess.Format != preprocess.FormatPNG {
		return fmt.Errorf("invalid preprocess format: %s (must be jpeg or png)", c.Preprocess.Format)
	}
	if c.Preprocess.Quality < 1 || c.Preprocess.Quality > 100 {
		return fmt.Errorf("invalid preprocess quality: %d (must be between 1 and 100)", c.Preprocess.Quality)
	}
	if c.Display.Width <= 0 || c.Display.Height <= 0 {
		return fmt.Errorf("invalid display size: %dx%d", c.Display.Width, c.Display.Height)
	}
	if _, err := ParseAspect(c.Pick.Aspect); err != nil {
		return err
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be between 1 and 65535)", c.Server.Port)
	}
	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("invalid max upload size: %d (must be positive)", c.Server.MaxUploadMB)
	}
	if c.Server.TimeoutSec <= 0 {
		return fmt.Errorf("invalid timeout: %d (must be positive)", c.Server.TimeoutSec)
	}
	rl := c.Server.RateLimit
	if rl.RequestsPerMinute < 0 || rl.RequestsPerHour < 0 || rl.MaxRequestsPerDay < 0 || rl.MaxDataPerDayMB < 0 {
		return errors.New("rate limits cannot be negative")
	}

	if _, err := parseMemoryLimit(c.GPU.MemoryLimit); err != nil {
		return fmt.Errorf("invalid GPU memory limit: %w", err)
	}
	return nil
}

// ToPipelineConfig converts the config to the pipeline configuration. An
// empty detector model path is resolved against the models directory.
func (c *Config) ToPipelineConfig() (pipeline.Config, error) {
	aspect, err := ParseAspect(c.Pick.Aspect)
	if err != nil {
		return pipeline.Config{}, err
	}
	gpu, err := c.toGPUConfig()
	if err != nil {
		return pipeline.Config{}, err
	}

	modelsDir := models.GetModelsDir(c.ModelsDir)
	det := detector.DefaultConfig()
	det.UpdateModelPath(modelsDir)
	if c.Detector.ModelPath != "" {
		det.ModelPath = c.Detector.ModelPath
	}
	det.ModelURL = c.Detector.ModelURL
	det.LabelsPath = c.Detector.LabelsPath
	det.LibraryPath = c.Detector.LibraryPath
	det.NumThreads = c.Detector.NumThreads
	det.MinScore = c.Detector.MinScore
	det.IoU = c.Detector.IoU
	det.MaxBoxes = c.Detector.MaxBoxes
	det.Timeout = time.Duration(c.Detector.TimeoutMS) * time.Millisecond
	det.Warmup = c.Detector.Warmup
	det.GPU = gpu

	pick := acquire.DefaultPickOptions()
	pick.AllowsEditing = c.Pick.AllowsEditing
	pick.Aspect = aspect
	pick.Quality = c.Pick.Quality

	return pipeline.Config{
		ModelsDir: modelsDir,
		CacheDir:  c.CacheDir,
		Detector:  det,
		Preprocess: preprocess.Config{
			TargetWidth: c.Preprocess.TargetWidth,
			Format:      c.Preprocess.Format,
			Quality:     c.Preprocess.Quality,
			Persist:     c.Preprocess.Persist,
		},
		Display: display.OverlayOptions{
			Width:       c.Display.Width,
			Height:      c.Display.Height,
			BorderWidth: c.Display.BorderWidth,
			Captions:    c.Display.Captions,
		},
		PickOptions: pick,
	}, nil
}

// SettleDuration returns the drop folder settle delay.
func (c *Config) SettleDuration() time.Duration {
	return time.Duration(c.Watch.SettleMS) * time.Millisecond
}

// ToYAML renders the configuration as YAML.
func (c *Config) ToYAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}

func (c *Config) toGPUConfig() (onnx.GPUConfig, error) {
	gpu := onnx.DefaultGPUConfig()
	gpu.UseGPU = c.GPU.Enabled
	gpu.DeviceID = c.GPU.Device
	limit, err := parseMemoryLimit(c.GPU.MemoryLimit)
	if err != nil {
		return gpu, err
	}
	gpu.GPUMemLimit = limit
	return gpu, nil
}

// ParseAspect parses a crop hint such as "4:3". Empty and "free" mean no hint.
func ParseAspect(s string) (acquire.Aspect, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "free" {
		return acquire.Aspect{}, nil
	}
	ws, hs, ok := strings.Cut(s, ":")
	if !ok {
		return acquire.Aspect{}, fmt.Errorf("invalid aspect %q (want W:H)", s)
	}
	w, errW := strconv.Atoi(ws)
	h, errH := strconv.Atoi(hs)
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return acquire.Aspect{}, fmt.Errorf("invalid aspect %q (want positive W:H)", s)
	}
	return acquire.Aspect{W: w, H: h}, nil
}

// validateThreshold validates that a value is between 0.0 and 1.0.
func validateThreshold(value float64, name string) error {
	if value < 0.0 || value > 1.0 {
		return fmt.Errorf("invalid %s: %.2f (must be between 0.0 and 1.0)", name, value)
	}
	return nil
}

// parseMemoryLimit parses limits like "1GB" or "512MB" into bytes. Empty and
// "auto" mean unlimited.
func parseMemoryLimit(limit string) (uint64, error) {
	if limit == "" || limit == "auto" {
		return 0, nil
	}
	upper := strings.ToUpper(strings.TrimSpace(limit))
	units := []struct {
		suffix string
		scale  float64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}
	for _, u := range units {
		if !strings.HasSuffix(upper, u.suffix) {
			continue
		}
		n, err := strconv.ParseFloat(strings.TrimSuffix(upper, u.suffix), 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid number in memory limit: %s", limit)
		}
		return uint64(n * u.scale), nil
	}
	return 0, errors.New("memory limit must end with one of: B, KB, MB, GB")
}
