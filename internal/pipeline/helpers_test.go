package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/MeKo-Tech/snapdetect/internal/acquire"
	"github.com/MeKo-Tech/snapdetect/internal/detector"
	"github.com/MeKo-Tech/snapdetect/internal/onnx"
	"github.com/MeKo-Tech/snapdetect/internal/preprocess"
)

// gate lets a test hold a stage until released.
type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gate) wait(ctx context.Context) error {
	g.entered <- struct{}{}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fakePreparer returns canned prepared images keyed by handle URI.
type fakePreparer struct {
	mu     sync.Mutex
	images map[string]*preprocess.PreparedImage
	errs   map[string]error
	gates  map[string]*gate
	calls  atomic.Int32
}

func newFakePreparer() *fakePreparer {
	return &fakePreparer{
		images: map[string]*preprocess.PreparedImage{},
		errs:   map[string]error{},
		gates:  map[string]*gate{},
	}
}

func (f *fakePreparer) add(uri string, data []byte, w, h int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[uri] = &preprocess.PreparedImage{URI: uri + ".prepared", Data: data, Width: w, Height: h, Format: preprocess.FormatJPEG, Source: uri}
}

func (f *fakePreparer) fail(uri string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[uri] = err
}

func (f *fakePreparer) hold(uri string) *gate {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := newGate()
	f.gates[uri] = g
	return g
}

func (f *fakePreparer) Prepare(ctx context.Context, h acquire.ImageHandle) (*preprocess.PreparedImage, error) {
	f.calls.Add(1)
	f.mu.Lock()
	img, err, g := f.images[h.URI], f.errs[h.URI], f.gates[h.URI]
	f.mu.Unlock()
	if g != nil {
		if werr := g.wait(ctx); werr != nil {
			return nil, werr
		}
	}
	if err != nil {
		return nil, &preprocess.PreprocessError{Step: "read", URI: h.URI, Err: err}
	}
	if img == nil {
		return nil, &preprocess.PreprocessError{Step: "read", URI: h.URI, Err: errors.New("unknown handle")}
	}
	return img, nil
}

// fakeDetector returns predictions keyed by tensor width and consumes the
// tensor like the real runtime.
type fakeDetector struct {
	mu    sync.Mutex
	preds map[int][]detector.Prediction
	err   error
	gates map[int]*gate
	calls atomic.Int32
}

func newFakeDetector() *fakeDetector {
	return &fakeDetector{preds: map[int][]detector.Prediction{}, gates: map[int]*gate{}}
}

func (f *fakeDetector) on(width int, preds ...detector.Prediction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.preds[width] = preds
}

func (f *fakeDetector) hold(width int) *gate {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := newGate()
	f.gates[width] = g
	return g
}

func (f *fakeDetector) Detect(ctx context.Context, t *onnx.PixelTensor) ([]detector.Prediction, error) {
	f.calls.Add(1)
	if _, err := t.Take(); err != nil {
		return nil, err
	}
	defer t.Release()
	f.mu.Lock()
	preds, g, err := f.preds[t.Width()], f.gates[t.Width()], f.err
	f.mu.Unlock()
	if g != nil {
		if werr := g.wait(ctx); werr != nil {
			return nil, werr
		}
	}
	if err != nil {
		return nil, &detector.InferenceError{Err: err}
	}
	if preds == nil {
		return []detector.Prediction{}, nil
	}
	return preds, nil
}

// countingDecode wraps onnx.Decode.
type countingDecode struct{ calls atomic.Int32 }

func (c *countingDecode) decode(data []byte) (*onnx.PixelTensor, error) {
	c.calls.Add(1)
	return onnx.Decode(data)
}

// handlePicker returns a fixed handle.
func handlePicker(uri string) acquire.Picker {
	return acquire.PickerFunc(func(ctx context.Context, opts acquire.PickOptions) (acquire.ImageHandle, error) {
		return acquire.ImageHandle{URI: uri, Origin: "test"}, nil
	})
}

// uploadPicker returns a handle the session owns, like a stored upload.
func uploadPicker(uri string) acquire.Picker {
	return acquire.PickerFunc(func(ctx context.Context, opts acquire.PickOptions) (acquire.ImageHandle, error) {
		return acquire.ImageHandle{URI: uri, Origin: acquire.OriginUpload}, nil
	})
}

func errPicker(err error) acquire.Picker {
	return acquire.PickerFunc(func(context.Context, acquire.PickOptions) (acquire.ImageHandle, error) {
		return acquire.ImageHandle{}, err
	})
}

type harness struct {
	ready    atomic.Bool
	preparer *fakePreparer
	detector *fakeDetector
	decoder  *countingDecode
	session  *Session

	mu        sync.Mutex
	discarded []string
}

func newHarness() *harness {
	h := &harness{preparer: newFakePreparer(), detector: newFakeDetector(), decoder: &countingDecode{}}
	h.ready.Store(true)
	h.session = NewSession(Stages{
		Ready:   h.ready.Load,
		Prepare: h.preparer,
		Decode:  h.decoder.decode,
		Detect:  h.detector,
		Discard: h.discard,
	})
	return h
}

func (h *harness) discard(uri string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.discarded = append(h.discarded, uri)
}

func (h *harness) removed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.discarded...)
}
