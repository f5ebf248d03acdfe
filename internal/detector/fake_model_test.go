package detector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/snapdetect/internal/onnx"
)

// fakeModel returns canned candidates and records how it was driven.
type fakeModel struct {
	cands   []Candidate
	err     error
	block   chan struct{} // when non-nil, Infer waits for it to close
	started chan struct{} // receives once per Infer start

	calls     atomic.Int32
	inFlight  atomic.Int32
	maxFlight atomic.Int32
	closed    atomic.Bool

	mu         sync.Mutex
	lastHeight int
	lastWidth  int
}

func (f *fakeModel) Infer(pixels []uint8, height, width int) ([]Candidate, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxFlight.Load()
		if n <= m || f.maxFlight.CompareAndSwap(m, n) {
			break
		}
	}
	f.mu.Lock()
	f.lastHeight, f.lastWidth = height, width
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if len(pixels) != height*width*onnx.Channels {
		return nil, errors.New("bad pixel length")
	}
	return f.cands, f.err
}

func (f *fakeModel) Close() error {
	f.closed.Store(true)
	return nil
}

const testModelPath = "/models/detection/model.onnx"

// newTestRuntime builds a runtime over an in-memory filesystem that already
// holds the model file.
func newTestRuntime(t *testing.T, m Model, mutate func(*Config)) (*Runtime, *atomic.Int32, *atomic.Int32) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, testModelPath, []byte("onnx"), 0o600))

	cfg := DefaultConfig()
	cfg.ModelPath = testModelPath
	cfg.ModelURL = ""
	if mutate != nil {
		mutate(&cfg)
	}

	var envCalls, loadCalls atomic.Int32
	rt, err := NewRuntime(cfg,
		WithFs(fsys),
		WithEnvironment(func(context.Context, Config) error {
			envCalls.Add(1)
			return nil
		}, nil),
		WithLoader(func(context.Context, Config) (Model, error) {
			loadCalls.Add(1)
			return m, nil
		}),
	)
	require.NoError(t, err)
	return rt, &envCalls, &loadCalls
}

func readyRuntime(t *testing.T, m Model, mutate func(*Config)) *Runtime {
	t.Helper()
	rt, _, _ := newTestRuntime(t, m, mutate)
	require.NoError(t, rt.InitRuntime(context.Background()))
	require.NoError(t, rt.LoadModel(context.Background()))
	require.True(t, rt.Ready())
	return rt
}

func tensor(t *testing.T, height, width int) *onnx.PixelTensor {
	t.Helper()
	pt, err := onnx.NewPixelTensor(make([]uint8, height*width*onnx.Channels), height, width)
	require.NoError(t, err)
	return pt
}
