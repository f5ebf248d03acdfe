package server

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/snapdetect/internal/detector"
	"github.com/MeKo-Tech/snapdetect/internal/pipeline"
	"github.com/MeKo-Tech/snapdetect/internal/testutil"
)

const testModelPath = "/models/detection/model.onnx"

// gatedModel reports one centered person. When hold is set, the first
// inference blocks until release is closed.
type gatedModel struct {
	calls   atomic.Int32
	hold    bool
	entered chan struct{}
	release chan struct{}
}

func newGatedModel(hold bool) *gatedModel {
	return &gatedModel{hold: hold, entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (m *gatedModel) Infer(pixels []uint8, height, width int) ([]detector.Candidate, error) {
	if m.calls.Add(1) == 1 && m.hold {
		m.entered <- struct{}{}
		<-m.release
	}
	return []detector.Candidate{{Box: [4]float64{0.25, 0.25, 0.75, 0.75}, Class: 1, Score: 0.87}}, nil
}

func (m *gatedModel) Close() error { return nil }

// newTestPipeline builds a pipeline over an in-memory filesystem. When start
// is set it waits until the pipeline is ready.
func newTestPipeline(t *testing.T, m detector.Model, start bool) (*pipeline.Pipeline, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	testutil.WriteModel(t, fsys, testModelPath)

	pl, err := pipeline.NewBuilder().
		WithFs(fsys).
		WithCacheDir("/cache").
		WithDetectorModelPath(testModelPath).
		WithRuntimeOptions(
			detector.WithEnvironment(func(context.Context, detector.Config) error { return nil }, nil),
			detector.WithLoader(func(context.Context, detector.Config) (detector.Model, error) { return m, nil }),
		).
		Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = pl.Close() })

	if start {
		pl.Start(context.Background())
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, pl.Wait(ctx))
	}
	return pl, fsys
}

func newTestServer(t *testing.T, m detector.Model, start bool) (*Server, afero.Fs) {
	t.Helper()
	pl, fsys := newTestPipeline(t, m, start)
	return New(pl, Config{MaxUploadMB: 5, TimeoutSec: 10, OverlayEnabled: true, PipelineConfig: pl.Config()}), fsys
}

// multipartRequest builds a POST with data under field and optional form values.
func multipartRequest(t *testing.T, url, field string, data []byte, values map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if field != "" {
		fw, err := mw.CreateFormFile(field, "upload.jpg")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	for k, v := range values {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, url, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}
