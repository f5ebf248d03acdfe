package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MeKo-Tech/snapdetect/internal/acquire"
	"github.com/MeKo-Tech/snapdetect/internal/display"
	"github.com/MeKo-Tech/snapdetect/internal/pipeline"
)

const (
	formatJSON    = "json"
	formatText    = "text"
	formatOverlay = "overlay"
)

// detectImageHandler runs one selection over an uploaded image.
func (s *Server) detectImageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.pipeline == nil {
		s.writeErrorResponse(w, "detection pipeline not initialized", http.StatusServiceUnavailable)
		return
	}

	data, err := s.parseImageRequest(w, r)
	if err != nil {
		detectRequestsTotal.WithLabelValues("image", "error").Inc()
		return // error already written
	}

	format := r.FormValue("format")
	if format == "" {
		format = r.URL.Query().Get("format")
	}
	if format == "" {
		format = formatJSON
	}
	if format != formatJSON && format != formatText && format != formatOverlay {
		s.writeErrorResponse(w, "unsupported format "+format, http.StatusBadRequest)
		return
	}
	if format == formatOverlay && !s.overlayEnabled {
		http.Error(w, "overlay output disabled", http.StatusForbidden)
		return
	}

	ctx := r.Context()
	if s.timeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.timeoutSec)*time.Second)
		defer cancel()
	}

	start := time.Now()
	session := s.pipeline.NewSession()
	defer session.Close()
	res, err := session.Select(ctx, acquire.NewUploadPicker(s.pipeline.Storage(), data))
	duration := time.Since(start)
	if err != nil {
		detectRequestsTotal.WithLabelValues("image", "error").Inc()
		s.writeSelectError(w, res, err)
		return
	}

	detectRequestsTotal.WithLabelValues("image", "success").Inc()
	detectProcessingDuration.WithLabelValues("image").Observe(duration.Seconds())
	predictionsReturned.WithLabelValues("image").Observe(float64(len(res.Predictions)))

	switch format {
	case formatText:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, formatResultText(res))
	case formatOverlay:
		s.handleOverlayOutput(w, res)
	default:
		s.writeJSON(w, http.StatusOK, DetectResponse{Success: true, Result: toDetectResult(res, duration)})
	}
}

func (s *Server) parseImageRequest(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	limit := s.maxUploadMB * 1024 * 1024
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "too large") {
			s.writeErrorResponse(w, "File too large", http.StatusRequestEntityTooLarge)
		} else {
			s.writeErrorResponse(w, "Failed to parse form data", http.StatusBadRequest)
		}
		return nil, err
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		s.writeErrorResponse(w, "No image file provided", http.StatusBadRequest)
		return nil, err
	}
	defer func() { _ = file.Close() }()

	if header.Size > limit {
		s.writeErrorResponse(w, "File too large", http.StatusRequestEntityTooLarge)
		return nil, fmt.Errorf("upload of %d bytes exceeds limit", header.Size)
	}
	uploadSizeBytes.Observe(float64(header.Size))

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeErrorResponse(w, "Failed to read image data", http.StatusInternalServerError)
		return nil, err
	}
	if len(data) == 0 {
		s.writeErrorResponse(w, "Empty image file", http.StatusBadRequest)
		return nil, errors.New("empty upload")
	}
	return data, nil
}

// writeSelectError maps a selection error to a status code and writes the
// notice the session produced.
func (s *Server) writeSelectError(w http.ResponseWriter, res pipeline.Result, err error) {
	resp := DetectResponse{Success: false, Error: err.Error(), Notice: res.Notice}
	status := http.StatusInternalServerError

	var stageErr *pipeline.StageError
	switch {
	case errors.Is(err, pipeline.ErrNotReady):
		status = http.StatusServiceUnavailable
		resp.Error = "model is still loading"
	case errors.Is(err, acquire.ErrNotImage), errors.Is(err, pipeline.ErrCancelled):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.As(err, &stageErr):
		resp.Stage = string(stageErr.Stage)
		if stageErr.Stage == pipeline.StagePreprocess || stageErr.Stage == pipeline.StageDecode {
			status = http.StatusUnprocessableEntity
		}
	}
	slog.Warn("detection request failed", "status", status, "error", err)
	s.writeJSON(w, status, resp)
}

// handleOverlayOutput renders the prepared image with its boxes as PNG.
func (s *Server) handleOverlayOutput(w http.ResponseWriter, res pipeline.Result) {
	if res.Prepared == nil {
		http.Error(w, "overlay failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if err := display.WriteOverlayPNG(w, res.Prepared.Data, res.Boxes, res.Predictions, s.overlay); err != nil {
		slog.Error("Failed to render overlay", "error", err)
	}
}

func toDetectResult(res pipeline.Result, d time.Duration) *DetectResult {
	out := &DetectResult{
		RequestID:     res.RequestID,
		ScalingFactor: res.ScalingFactor,
		Predictions:   res.Predictions,
		Boxes:         res.Boxes,
		Captions:      make([]string, len(res.Predictions)),
	}
	if res.Prepared != nil {
		out.Width, out.Height = res.Prepared.Width, res.Prepared.Height
	}
	for i, p := range res.Predictions {
		out.Captions[i] = display.FormatPrediction(p)
	}
	out.Processing.TotalMs = d.Milliseconds()
	return out
}

// formatResultText renders one caption per line, or a placeholder when
// nothing was found.
func formatResultText(res pipeline.Result) string {
	if len(res.Predictions) == 0 {
		return "no objects detected\n"
	}
	var b strings.Builder
	for _, p := range res.Predictions {
		b.WriteString(display.FormatPrediction(p))
		b.WriteByte('\n')
	}
	return b.String()
}
