package pipeline

import (
	"errors"
	"fmt"

	"github.com/MeKo-Tech/snapdetect/internal/acquire"
	"github.com/MeKo-Tech/snapdetect/internal/detector"
	"github.com/MeKo-Tech/snapdetect/internal/display"
	"github.com/MeKo-Tech/snapdetect/internal/preprocess"
)

var (
	// ErrNotReady rejects a selection before the runtime and model are up.
	ErrNotReady = detector.ErrNotReady
	// ErrStale is returned to a request that a newer one superseded.
	ErrStale = errors.New("request superseded by a newer selection")
	// ErrCancelled is returned when the user dismissed the picker.
	ErrCancelled = acquire.ErrCancelled
)

// Stage names a pipeline step.
type Stage string

const (
	StageAcquire    Stage = "acquire"
	StagePreprocess Stage = "preprocess"
	StageDecode     Stage = "decode"
	StageDetect     Stage = "detect"
	StageMap        Stage = "map"
)

// User-facing notices per failing stage.
var stageNotices = map[Stage]string{
	StageAcquire:    "Could not open the selected image.",
	StagePreprocess: "Could not prepare the image.",
	StageDecode:     "Could not decode the image.",
	StageDetect:     "Object detection failed.",
}

// StageError reports which stage of which request failed.
type StageError struct {
	Stage     Stage
	RequestID uint64
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("request %d: %s: %v", e.RequestID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Result is the observable state of a session: the current request, its
// prepared image, and what detection produced. Predictions is nil when
// detection did not run for the current request and empty when it ran and
// found nothing.
type Result struct {
	RequestID     uint64                    `json:"request_id"`
	Source        string                    `json:"source,omitempty"`
	Prepared      *preprocess.PreparedImage `json:"prepared,omitempty"`
	TensorShape   [3]int                    `json:"tensor_shape"`
	Predictions   []detector.Prediction     `json:"predictions"`
	Boxes         []display.DisplayBox      `json:"boxes"`
	ScalingFactor float64                   `json:"scaling_factor"`
	Notice        string                    `json:"notice,omitempty"`
	FailedStage   Stage                     `json:"failed_stage,omitempty"`
}

// Ran reports whether detection completed for the current request.
func (r Result) Ran() bool { return r.Predictions != nil }

// clone copies the slices so callers cannot mutate session state.
func (r Result) clone() Result {
	if r.Predictions != nil {
		r.Predictions = append([]detector.Prediction{}, r.Predictions...)
	}
	if r.Boxes != nil {
		r.Boxes = append([]display.DisplayBox{}, r.Boxes...)
	}
	return r
}
