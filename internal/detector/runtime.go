package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/MeKo-Tech/snapdetect/internal/models"
	"github.com/MeKo-Tech/snapdetect/internal/onnx"
)

// EnvironmentFunc brings up the inference backend.
type EnvironmentFunc func(ctx context.Context, cfg Config) error

// LoaderFunc opens the model described by cfg.
type LoaderFunc func(ctx context.Context, cfg Config) (Model, error)

// Option customizes a Runtime.
type Option func(*Runtime)

// WithEnvironment replaces the ONNX Runtime environment bring-up and its
// teardown. teardown may be nil.
func WithEnvironment(setup EnvironmentFunc, teardown func() error) Option {
	return func(r *Runtime) {
		r.initEnv = setup
		r.destroyEnv = teardown
	}
}

// WithLoader replaces the model loader.
func WithLoader(fn LoaderFunc) Option {
	return func(r *Runtime) { r.load = fn }
}

// WithFs sets the filesystem used for model downloads and label files.
func WithFs(fsys afero.Fs) Option {
	return func(r *Runtime) { r.fs = fsys }
}

// once runs fn until it succeeds. Callers serialize on the mutex, so a
// failure can be retried and a success is never repeated.
type once struct {
	mu   sync.Mutex
	done atomic.Bool
}

func (o *once) do(fn func() error) error {
	if o.done.Load() {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done.Load() {
		return nil
	}
	if err := fn(); err != nil {
		return err
	}
	o.done.Store(true)
	return nil
}

// Runtime owns the inference environment and the loaded model. Detect calls
// are serialized: at most one inference is in flight at a time.
type Runtime struct {
	cfg        Config
	fs         afero.Fs
	initEnv    EnvironmentFunc
	destroyEnv func() error
	load       LoaderFunc

	envOnce   once
	modelOnce once

	mu     sync.RWMutex
	model  Model
	labels Labels
	closed bool

	sem chan struct{}
}

// NewRuntime validates cfg and returns an uninitialized runtime.
func NewRuntime(cfg Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runtime{
		cfg:        cfg,
		fs:         afero.NewOsFs(),
		initEnv:    defaultEnvironment,
		destroyEnv: onnx.DestroyEnvironment,
		sem:        make(chan struct{}, 1),
	}
	r.load = r.defaultLoader
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Config returns a copy of the runtime configuration.
func (r *Runtime) Config() Config { return r.cfg }

func defaultEnvironment(_ context.Context, cfg Config) error {
	lib, err := onnx.ResolveLibraryPath(cfg.LibraryPath, cfg.GPU.UseGPU)
	if err != nil {
		return err
	}
	return onnx.InitEnvironment(lib, cfg.GPU.UseGPU)
}

func (r *Runtime) defaultLoader(_ context.Context, cfg Config) (Model, error) {
	return openSSDModel(cfg)
}

// InitRuntime brings up the inference environment. It resolves once;
// a failed attempt may be retried.
func (r *Runtime) InitRuntime(ctx context.Context) error {
	return r.envOnce.do(func() error {
		start := time.Now()
		if err := r.initEnv(ctx, r.cfg); err != nil {
			return fmt.Errorf("initialize runtime: %w", err)
		}
		slog.Debug("runtime initialized", "duration", time.Since(start))
		return nil
	})
}

// LoadModel fetches the weights if needed and opens the model. It resolves
// once; a failed attempt may be retried. The session itself can only be
// opened once the environment is up, so LoadModel waits on InitRuntime for
// that final step while the download proceeds independently.
func (r *Runtime) LoadModel(ctx context.Context) error {
	return r.modelOnce.do(func() error {
		start := time.Now()
		if err := models.EnsureModel(ctx, r.fs, r.cfg.ModelPath, r.cfg.ModelURL, nil); err != nil {
			return fmt.Errorf("fetch model: %w", err)
		}
		labels, err := LoadLabels(r.fs, r.cfg.LabelsPath)
		if err != nil {
			return err
		}
		if err := r.InitRuntime(ctx); err != nil {
			return err
		}
		m, err := r.load(ctx, r.cfg)
		if err != nil {
			return fmt.Errorf("open model: %w", err)
		}
		if err := warmup(m, r.cfg.Warmup); err != nil {
			_ = m.Close()
			return fmt.Errorf("warmup: %w", err)
		}

		r.mu.Lock()
		r.model = m
		r.labels = labels
		r.mu.Unlock()
		slog.Info("detection model loaded",
			"model_path", r.cfg.ModelPath,
			"labels", len(labels),
			"duration", time.Since(start))
		return nil
	})
}

// RuntimeReady reports whether InitRuntime has resolved.
func (r *Runtime) RuntimeReady() bool { return r.envOnce.done.Load() }

// ModelReady reports whether LoadModel has resolved.
func (r *Runtime) ModelReady() bool { return r.modelOnce.done.Load() }

// Ready reports whether Detect may be called.
func (r *Runtime) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.closed && r.RuntimeReady() && r.ModelReady()
}

// Detect runs the model over t and returns the filtered predictions. The
// tensor is consumed and released. A call queued behind another detection
// gives up when ctx ends; a running inference cannot be aborted, but with a
// Timeout configured the caller stops waiting for it.
func (r *Runtime) Detect(ctx context.Context, t *onnx.PixelTensor) ([]Prediction, error) {
	if !r.Ready() {
		return nil, ErrNotReady
	}
	if t == nil {
		return nil, &InferenceError{Err: errors.New("nil tensor")}
	}
	if t.Consumed() {
		return nil, &InferenceError{Err: onnx.ErrTensorConsumed}
	}
	if err := t.Validate(); err != nil {
		return nil, &InferenceError{Err: err}
	}
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, &InferenceError{Err: ctx.Err()}
	}

	r.mu.RLock()
	m, labels := r.model, r.labels
	r.mu.RUnlock()
	if m == nil {
		<-r.sem
		return nil, ErrNotReady
	}

	pixels, err := t.Take()
	if err != nil {
		<-r.sem
		return nil, &InferenceError{Err: err}
	}
	height, width := t.Height(), t.Width()

	type result struct {
		cands []Candidate
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() { <-r.sem }()
		defer t.Release()
		cands, err := m.Infer(pixels, height, width)
		done <- result{cands: cands, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		return nil, &InferenceError{Err: ctx.Err()}
	}
	if res.err != nil {
		return nil, &InferenceError{Err: res.err}
	}
	return Postprocess(res.cands, width, height, labels, PostprocessOptions{
		MinScore: r.cfg.MinScore,
		IoU:      r.cfg.IoU,
		MaxBoxes: r.cfg.MaxBoxes,
	}), nil
}

// Close disposes the model and the environment. Detect returns ErrNotReady afterwards.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	m := r.model
	r.model = nil
	r.mu.Unlock()

	// Wait for an in-flight inference to finish before tearing down.
	r.sem <- struct{}{}
	defer func() { <-r.sem }()

	var errs []error
	if m != nil {
		if err := m.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close model: %w", err))
		}
	}
	if r.RuntimeReady() && r.destroyEnv != nil {
		if err := r.destroyEnv(); err != nil {
			errs = append(errs, fmt.Errorf("destroy environment: %w", err))
		}
	}
	return errors.Join(errs...)
}
