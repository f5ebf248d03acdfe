package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/snapdetect/internal/acquire"
	"github.com/MeKo-Tech/snapdetect/internal/detector"
	"github.com/MeKo-Tech/snapdetect/internal/readiness"
)

// stubModel reports one centered object for any input.
type stubModel struct{ closed atomic.Bool }

func (m *stubModel) Infer(pixels []uint8, height, width int) ([]detector.Candidate, error) {
	return []detector.Candidate{{Box: [4]float64{0.25, 0.25, 0.75, 0.75}, Class: 1, Score: 0.9}}, nil
}

func (m *stubModel) Close() error {
	m.closed.Store(true)
	return nil
}

func writeTestPNG(t *testing.T, fsys afero.Fs, path string, w, h int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	img.SetNRGBA(0, 0, color.NRGBA{A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, afero.WriteFile(fsys, path, buf.Bytes(), 0o600))
}

func buildTestPipeline(t *testing.T, fsys afero.Fs, envErr error) (*Pipeline, *stubModel) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fsys, "/models/detection/model.onnx", []byte("onnx"), 0o600))
	m := &stubModel{}
	p, err := NewBuilder().
		WithFs(fsys).
		WithCacheDir("/cache").
		WithDetectorModelPath("/models/detection/model.onnx").
		WithRuntimeOptions(
			detector.WithEnvironment(func(context.Context, detector.Config) error { return envErr }, nil),
			detector.WithLoader(func(context.Context, detector.Config) (detector.Model, error) { return m, nil }),
		).
		Build()
	require.NoError(t, err)
	return p, m
}

func TestPipeline_DetectFile(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeTestPNG(t, fsys, "/photos/desk.png", 1200, 900)
	p, m := buildTestPipeline(t, fsys, nil)

	_, err := p.DetectFile(context.Background(), "/photos/desk.png")
	assert.ErrorIs(t, err, ErrNotReady)

	p.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
	assert.True(t, p.Ready())
	assert.Equal(t, readiness.Ready, p.Readiness().Phase)

	res, err := p.DetectFile(context.Background(), "/photos/desk.png")
	require.NoError(t, err)
	require.NotNil(t, res.Prepared)
	assert.Equal(t, 900, res.Prepared.Width)
	assert.Equal(t, 675, res.Prepared.Height)
	require.Len(t, res.Predictions, 1)
	assert.Equal(t, "person", res.Predictions[0].Label)
	assert.InDeltaSlice(t, []float64{225, 168.75, 450, 337.5}, res.Predictions[0].BBox[:], 1e-9)
	assert.InDelta(t, 225*280.0/900.0, res.Boxes[0].X, 1e-9)

	exists, err := afero.Exists(fsys, "/cache/prepared-1.jpg")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, p.Close())
	assert.True(t, m.closed.Load())
	assert.False(t, p.Ready())
}

func TestPipeline_InitializationFailureAndRetry(t *testing.T) {
	fsys := afero.NewMemMapFs()
	var fail atomic.Bool
	fail.Store(true)
	require.NoError(t, afero.WriteFile(fsys, "/m.onnx", []byte("onnx"), 0o600))
	p, err := NewBuilder().
		WithFs(fsys).
		WithDetectorModelPath("/m.onnx").
		WithRuntimeOptions(
			detector.WithEnvironment(func(context.Context, detector.Config) error {
				if fail.Load() {
					return errors.New("onnxruntime library missing")
				}
				return nil
			}, nil),
			detector.WithLoader(func(context.Context, detector.Config) (detector.Model, error) { return &stubModel{}, nil }),
		).
		Build()
	require.NoError(t, err)

	p.Start(context.Background())
	require.Error(t, p.Wait(context.Background()))
	assert.Equal(t, readiness.InitializationFailed, p.Readiness().Phase)
	assert.False(t, p.Ready())

	fail.Store(false)
	require.True(t, p.Retry(context.Background()))
	require.NoError(t, p.Wait(context.Background()))
	assert.True(t, p.Ready())
}

func TestPipeline_PermissionDeniedIsRemembered(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeTestPNG(t, fsys, "/p.png", 10, 10)
	require.NoError(t, afero.WriteFile(fsys, "/m.onnx", []byte("onnx"), 0o600))

	var asked atomic.Int32
	p, err := NewBuilder().
		WithFs(fsys).
		WithDetectorModelPath("/m.onnx").
		WithPermissions(acquire.PermissionFunc(func(context.Context) (bool, error) {
			asked.Add(1)
			return false, nil
		})).
		WithRuntimeOptions(
			detector.WithEnvironment(func(context.Context, detector.Config) error { return nil }, nil),
			detector.WithLoader(func(context.Context, detector.Config) (detector.Model, error) { return &stubModel{}, nil }),
		).
		Build()
	require.NoError(t, err)
	p.Start(context.Background())
	require.NoError(t, p.Wait(context.Background()))

	for range 3 {
		res, err := p.DetectFile(context.Background(), "/p.png")
		assert.ErrorIs(t, err, acquire.ErrPermissionDenied)
		assert.Equal(t, acquire.PermissionWarning, res.Notice)
	}
	assert.EqualValues(t, 1, asked.Load())
}

func TestBuilder(t *testing.T) {
	b := NewBuilder().
		WithModelsDir("/opt/models").
		WithLabelsPath("/opt/labels.txt").
		WithMinScore(0.4).
		WithMaxBoxes(5).
		WithDetectTimeout(time.Second).
		WithThreads(2).
		WithTargetWidth(640).
		WithDisplaySize(320, 240)
	cfg := b.Config()

	assert.Equal(t, "/opt/models", cfg.ModelsDir)
	assert.Equal(t, "/opt/models/detection/ssd_mobilenet_v1_12.onnx", cfg.Detector.ModelPath)
	assert.Equal(t, "/opt/labels.txt", cfg.Detector.LabelsPath)
	assert.InDelta(t, 0.4, cfg.Detector.MinScore, 1e-12)
	assert.Equal(t, 5, cfg.Detector.MaxBoxes)
	assert.Equal(t, time.Second, cfg.Detector.Timeout)
	assert.Equal(t, 2, cfg.Detector.NumThreads)
	assert.Equal(t, 640, cfg.Preprocess.TargetWidth)
	assert.Equal(t, 320, cfg.Display.Width)
	assert.Equal(t, 240, cfg.Display.Height)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Detector.ModelPath = "/m.onnx"
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Display.Width = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Preprocess.Format = "gif"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Detector.MaxBoxes = 0
	assert.Error(t, bad.Validate())

	_, err := NewBuilder().WithConfig(bad).Build()
	assert.Error(t, err)
}
