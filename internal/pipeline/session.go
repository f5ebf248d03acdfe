package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/MeKo-Tech/snapdetect/internal/acquire"
	"github.com/MeKo-Tech/snapdetect/internal/common"
	"github.com/MeKo-Tech/snapdetect/internal/detector"
	"github.com/MeKo-Tech/snapdetect/internal/display"
	"github.com/MeKo-Tech/snapdetect/internal/onnx"
	"github.com/MeKo-Tech/snapdetect/internal/preprocess"
)

// Preparer turns an image handle into the canonical prepared image.
type Preparer interface {
	Prepare(ctx context.Context, h acquire.ImageHandle) (*preprocess.PreparedImage, error)
}

// Detector runs inference over a decoded tensor.
type Detector interface {
	Detect(ctx context.Context, t *onnx.PixelTensor) ([]detector.Prediction, error)
}

// DecodeFunc turns prepared image bytes into a pixel tensor.
type DecodeFunc func(data []byte) (*onnx.PixelTensor, error)

// Stages are the collaborators a Session drives.
type Stages struct {
	Ready        func() bool
	Prepare      Preparer
	Decode       DecodeFunc
	Detect       Detector
	PickOptions  acquire.PickOptions
	DisplayWidth int

	// Discard deletes a file the session no longer needs. Nil keeps
	// every file.
	Discard func(uri string)
}

// Session is one logical user of the pipeline. It owns the current request
// and its state; a new selection supersedes the previous one and results of
// superseded requests are dropped.
type Session struct {
	stages Stages

	mu     sync.Mutex
	nextID uint64
	state  Result
	owned  []string // files written for the current request
}

// NewSession creates a session over the given stages.
func NewSession(stages Stages) *Session {
	if stages.Decode == nil {
		stages.Decode = onnx.Decode
	}
	if stages.DisplayWidth <= 0 {
		stages.DisplayWidth = display.DefaultDisplayWidth
	}
	if stages.PickOptions == (acquire.PickOptions{}) {
		stages.PickOptions = acquire.DefaultPickOptions()
	}
	return &Session{stages: stages}
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// CurrentID returns the id of the current request (0 before the first).
func (s *Session) CurrentID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.RequestID
}

// Select runs one user selection: check readiness, pick an image and, if one
// was chosen, run it through the pipeline. Cancellation and permission
// denial leave the session state untouched.
func (s *Session) Select(ctx context.Context, picker acquire.Picker) (Result, error) {
	if s.stages.Ready != nil && !s.stages.Ready() {
		requestsTotal.WithLabelValues(outcomeNotReady).Inc()
		return s.Snapshot(), ErrNotReady
	}

	timer := common.NewStageTimer(string(StageAcquire), stageDuration.WithLabelValues(string(StageAcquire)))
	handle, err := picker.Pick(ctx, s.stages.PickOptions)
	timer.Stop()
	switch {
	case err == nil:
	case errors.Is(err, acquire.ErrCancelled):
		requestsTotal.WithLabelValues(outcomeCancelled).Inc()
		slog.Debug("selection cancelled")
		return s.Snapshot(), ErrCancelled
	case errors.Is(err, acquire.ErrPermissionDenied):
		requestsTotal.WithLabelValues(outcomePermissionDenied).Inc()
		res := s.Snapshot()
		res.Notice = acquire.PermissionWarning
		return res, err
	default:
		requestsTotal.WithLabelValues(outcomeFailed).Inc()
		slog.Warn("image acquisition failed", "stage", StageAcquire, "error", err, timer.LogAttr())
		res := s.Snapshot()
		res.Notice = stageNotices[StageAcquire]
		return res, &StageError{Stage: StageAcquire, Err: err}
	}
	return s.Run(ctx, handle)
}

// Run processes an already acquired handle as a new request.
func (s *Session) Run(ctx context.Context, handle acquire.ImageHandle) (Result, error) {
	if s.stages.Ready != nil && !s.stages.Ready() {
		requestsTotal.WithLabelValues(outcomeNotReady).Inc()
		s.discard(ownedFiles(handle, nil))
		return s.Snapshot(), ErrNotReady
	}
	id, superseded := s.begin(handle)
	s.discard(superseded)
	log := slog.With("request_id", id, "source", handle.URI)

	timer := common.NewStageTimer(string(StagePreprocess), stageDuration.WithLabelValues(string(StagePreprocess)))
	prepared, err := s.stages.Prepare.Prepare(ctx, handle)
	timer.Stop()
	if err == nil && prepared == nil {
		err = errors.New("preparer returned no image")
	}
	if res, stale := s.update(id, StagePreprocess, func(r *Result) {
		r.Prepared = prepared
		if prepared.URI != "" {
			s.owned = append(s.owned, prepared.URI)
		}
	}, err); stale {
		s.discard(ownedFiles(handle, prepared))
		return res, ErrStale
	} else if err != nil {
		return res, s.failed(log, id, StagePreprocess, timer, err)
	}

	timer = common.NewStageTimer(string(StageDecode), stageDuration.WithLabelValues(string(StageDecode)))
	tensor, err := s.stages.Decode(prepared.Data)
	timer.Stop()
	if res, stale := s.update(id, StageDecode, func(r *Result) { r.TensorShape = tensor.Shape }, err); stale {
		tensor.Release()
		s.discard(ownedFiles(handle, prepared))
		return res, ErrStale
	} else if err != nil {
		return res, s.failed(log, id, StageDecode, timer, err)
	}

	detectTimer := common.NewStageTimer(string(StageDetect), stageDuration.WithLabelValues(string(StageDetect)))
	preds, err := s.stages.Detect.Detect(ctx, tensor)
	detectTimer.Stop()
	if err != nil {
		// Detect consumes the tensor on success; make sure a failed or
		// never-run detection does not leak the buffer.
		if !tensor.Consumed() {
			tensor.Release()
		}
	}
	if preds == nil && err == nil {
		preds = []detector.Prediction{}
	}

	timer = common.NewStageTimer(string(StageMap), stageDuration.WithLabelValues(string(StageMap)))
	scale := display.ScalingFactor(s.stages.DisplayWidth, prepared.Width)
	boxes := display.MapAll(preds, scale)
	timer.Stop()

	res, stale := s.update(id, StageDetect, func(r *Result) {
		r.Predictions = preds
		r.Boxes = boxes
		r.ScalingFactor = scale
	}, err)
	if stale {
		s.discard(ownedFiles(handle, prepared))
		return res, ErrStale
	}
	if err != nil {
		return res, s.failed(log, id, StageDetect, detectTimer, err)
	}

	requestsTotal.WithLabelValues(outcomeOK).Inc()
	predictionsPerImage.Observe(float64(len(preds)))
	log.Info("detection complete", "predictions", len(preds), "scaling_factor", scale, detectTimer.LogAttr())
	return res, nil
}

// begin makes a new request current and invalidates the previous state. It
// returns the files of the superseded request for the caller to discard.
func (s *Session) begin(handle acquire.ImageHandle) (uint64, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.state = Result{RequestID: s.nextID, Source: handle.URI}
	superseded := s.owned
	s.owned = ownedFiles(handle, nil)
	return s.nextID, superseded
}

// Close discards the files of the current request. Call it once no
// selection is in flight; the result snapshot stays readable.
func (s *Session) Close() {
	s.mu.Lock()
	owned := s.owned
	s.owned = nil
	s.mu.Unlock()
	s.discard(owned)
}

func (s *Session) discard(uris []string) {
	if s.stages.Discard == nil {
		return
	}
	for _, uri := range uris {
		s.stages.Discard(uri)
	}
}

// ownedFiles lists the files written on behalf of a request: the stored
// upload and the persisted prepared image. Picked user files are never owned.
func ownedFiles(handle acquire.ImageHandle, prepared *preprocess.PreparedImage) []string {
	var uris []string
	if handle.Origin == acquire.OriginUpload && handle.URI != "" {
		uris = append(uris, handle.URI)
	}
	if prepared != nil && prepared.URI != "" {
		uris = append(uris, prepared.URI)
	}
	return uris
}

// update applies a stage outcome if id is still current. On failure the
// stage notice is recorded instead of apply. It reports stale when a newer
// request has taken over, in which case nothing is written.
func (s *Session) update(id uint64, stage Stage, apply func(*Result), err error) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.RequestID != id {
		staleDropsTotal.WithLabelValues(string(stage)).Inc()
		requestsTotal.WithLabelValues(outcomeStale).Inc()
		slog.Debug("dropping stale result", "request_id", id, "current", s.state.RequestID, "stage", stage)
		return s.state.clone(), true
	}
	if err != nil {
		s.state.Notice = stageNotices[stage]
		s.state.FailedStage = stage
	} else {
		apply(&s.state)
	}
	return s.state.clone(), false
}

func (s *Session) failed(log *slog.Logger, id uint64, stage Stage, timer *common.Timer, err error) error {
	requestsTotal.WithLabelValues(outcomeFailed).Inc()
	log.Error("pipeline stage failed", "stage", stage, "error", err, timer.LogAttr())
	return &StageError{Stage: stage, RequestID: id, Err: err}
}
