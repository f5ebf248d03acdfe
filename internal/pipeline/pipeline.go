// Package pipeline wires acquisition, preprocessing, decoding, detection and
// display mapping into sessions gated on model readiness.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/afero"

	"github.com/MeKo-Tech/snapdetect/internal/acquire"
	"github.com/MeKo-Tech/snapdetect/internal/detector"
	"github.com/MeKo-Tech/snapdetect/internal/display"
	"github.com/MeKo-Tech/snapdetect/internal/models"
	"github.com/MeKo-Tech/snapdetect/internal/onnx"
	"github.com/MeKo-Tech/snapdetect/internal/preprocess"
	"github.com/MeKo-Tech/snapdetect/internal/readiness"
	"github.com/MeKo-Tech/snapdetect/internal/storage"
)

// Config holds configuration for the detection pipeline and its components.
type Config struct {
	ModelsDir   string
	CacheDir    string
	Detector    detector.Config
	Preprocess  preprocess.Config
	Display     display.OverlayOptions
	PickOptions acquire.PickOptions
}

// DefaultConfig returns a default pipeline config with component defaults.
func DefaultConfig() Config {
	return Config{
		ModelsDir:   models.GetModelsDir(""),
		Detector:    detector.DefaultConfig(),
		Preprocess:  preprocess.DefaultConfig(),
		Display:     display.DefaultOverlayOptions(),
		PickOptions: acquire.DefaultPickOptions(),
	}
}

// Validate checks every component configuration.
func (c Config) Validate() error {
	if err := c.Detector.Validate(); err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	if err := c.Preprocess.Validate(); err != nil {
		return fmt.Errorf("preprocess: %w", err)
	}
	if err := c.PickOptions.Validate(); err != nil {
		return fmt.Errorf("pick options: %w", err)
	}
	if c.Display.Width <= 0 || c.Display.Height <= 0 {
		return fmt.Errorf("display size must be positive, got %dx%d", c.Display.Width, c.Display.Height)
	}
	return nil
}

// Builder constructs a Pipeline with fluent configuration.
type Builder struct {
	cfg         Config
	fs          afero.Fs
	permissions acquire.PermissionRequester
	rtOpts      []detector.Option
}

// NewBuilder creates a new pipeline builder with defaults.
func NewBuilder() *Builder { return &Builder{cfg: DefaultConfig()} }

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.cfg = cfg
	return b
}

// WithModelsDir sets the models directory and updates the model path.
func (b *Builder) WithModelsDir(dir string) *Builder {
	if dir != "" {
		b.cfg.ModelsDir = dir
	}
	b.cfg.Detector.UpdateModelPath(b.cfg.ModelsDir)
	return b
}

// WithDetectorModelPath overrides the detector model path directly.
func (b *Builder) WithDetectorModelPath(path string) *Builder {
	if path != "" {
		b.cfg.Detector.ModelPath = path
	}
	return b
}

// WithLabelsPath sets a label map file.
func (b *Builder) WithLabelsPath(path string) *Builder {
	b.cfg.Detector.LabelsPath = path
	return b
}

// WithMinScore sets the detection score threshold.
func (b *Builder) WithMinScore(score float64) *Builder {
	b.cfg.Detector.MinScore = score
	return b
}

// WithMaxBoxes caps the number of predictions.
func (b *Builder) WithMaxBoxes(n int) *Builder {
	b.cfg.Detector.MaxBoxes = n
	return b
}

// WithDetectTimeout bounds how long a caller waits for one detection.
func (b *Builder) WithDetectTimeout(d time.Duration) *Builder {
	b.cfg.Detector.Timeout = d
	return b
}

// WithThreads sets the intra-op thread count.
func (b *Builder) WithThreads(n int) *Builder {
	b.cfg.Detector.NumThreads = n
	return b
}

// WithGPU sets GPU acceleration.
func (b *Builder) WithGPU(gpu onnx.GPUConfig) *Builder {
	b.cfg.Detector.GPU = gpu
	return b
}

// WithTargetWidth sets the preprocessing target width.
func (b *Builder) WithTargetWidth(w int) *Builder {
	b.cfg.Preprocess.TargetWidth = w
	return b
}

// WithDisplaySize sets the display square used for coordinate mapping.
func (b *Builder) WithDisplaySize(w, h int) *Builder {
	b.cfg.Display.Width, b.cfg.Display.Height = w, h
	return b
}

// WithCacheDir sets where prepared and uploaded images are written.
func (b *Builder) WithCacheDir(dir string) *Builder {
	b.cfg.CacheDir = dir
	return b
}

// WithFs sets the filesystem behind storage, labels and model downloads.
func (b *Builder) WithFs(fsys afero.Fs) *Builder {
	b.fs = fsys
	return b
}

// WithPermissions sets the media library permission requester.
func (b *Builder) WithPermissions(r acquire.PermissionRequester) *Builder {
	b.permissions = r
	return b
}

// WithRuntimeOptions passes options through to the detection runtime.
func (b *Builder) WithRuntimeOptions(opts ...detector.Option) *Builder {
	b.rtOpts = append(b.rtOpts, opts...)
	return b
}

// Config returns the current builder configuration.
func (b *Builder) Config() Config { return b.cfg }

// Build validates the configuration and assembles an idle pipeline. Nothing
// is loaded until Start.
func (b *Builder) Build() (*Pipeline, error) {
	if err := b.cfg.Validate(); err != nil {
		return nil, err
	}

	var store *storage.Local
	if b.fs != nil {
		cache := b.cfg.CacheDir
		if cache == "" {
			cache = "/cache"
		}
		store = storage.NewLocal(b.fs, cache)
	} else {
		store = storage.NewOS(b.cfg.CacheDir)
	}

	preparer, err := preprocess.New(b.cfg.Preprocess, store)
	if err != nil {
		return nil, err
	}

	opts := append([]detector.Option{detector.WithFs(store.Fs())}, b.rtOpts...)
	rt, err := detector.NewRuntime(b.cfg.Detector, opts...)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:         b.cfg,
		store:       store,
		preparer:    preparer,
		runtime:     rt,
		permissions: acquire.NewPermissions(b.permissions),
	}
	p.gate = readiness.NewGate(rt.InitRuntime, rt.LoadModel)
	return p, nil
}

// Pipeline is the process-wide owner of the runtime, the model and the
// readiness gate. Sessions are created from it.
type Pipeline struct {
	cfg         Config
	store       *storage.Local
	preparer    *preprocess.Preparer
	runtime     *detector.Runtime
	gate        *readiness.Gate
	permissions *acquire.Permissions
}

// Config returns the pipeline configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Storage returns the storage boundary used for uploads and prepared images.
func (p *Pipeline) Storage() *storage.Local { return p.store }

// Permissions returns the process-wide media library permission state.
func (p *Pipeline) Permissions() *acquire.Permissions { return p.permissions }

// Start launches runtime and model initialization concurrently.
func (p *Pipeline) Start(ctx context.Context) {
	slog.Info("starting detection pipeline",
		"model_path", p.cfg.Detector.ModelPath,
		"target_width", p.cfg.Preprocess.TargetWidth,
		"display_width", p.cfg.Display.Width)
	p.gate.Start(ctx)
}

// Wait blocks until the pipeline is ready or initialization failed.
func (p *Pipeline) Wait(ctx context.Context) error { return p.gate.Wait(ctx) }

// Ready reports whether detection is allowed.
func (p *Pipeline) Ready() bool { return p.gate.Ready() && p.runtime.Ready() }

// Readiness returns the gate snapshot.
func (p *Pipeline) Readiness() readiness.State { return p.gate.Snapshot() }

// Retry re-runs failed initialization.
func (p *Pipeline) Retry(ctx context.Context) bool { return p.gate.Retry(ctx) }

// NewSession creates a session bound to this pipeline.
func (p *Pipeline) NewSession() *Session {
	return NewSession(Stages{
		Ready:        p.Ready,
		Prepare:      p.preparer,
		Decode:       onnx.Decode,
		Detect:       p.runtime,
		PickOptions:  p.cfg.PickOptions,
		DisplayWidth: p.cfg.Display.Width,
		Discard:      p.discard,
	})
}

// discard removes an upload or prepared image from the cache.
func (p *Pipeline) discard(uri string) {
	if err := p.store.Remove(uri); err != nil {
		slog.Warn("failed to remove cached image", "uri", uri, "error", err)
	}
}

// DetectFile runs a single selection of path in a fresh session.
func (p *Pipeline) DetectFile(ctx context.Context, path string) (Result, error) {
	picker := acquire.NewFilePicker(p.store.Fs(), p.permissions, path)
	return p.NewSession().Select(ctx, picker)
}

// Close releases the runtime.
func (p *Pipeline) Close() error {
	if p == nil || p.runtime == nil {
		return nil
	}
	if err := p.runtime.Close(); err != nil {
		return fmt.Errorf("close runtime: %w", err)
	}
	return nil
}
